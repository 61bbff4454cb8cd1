// Package pgdb implements ceremony.Store on PostgreSQL. Records are kept as
// JSONB documents next to the few columns queries filter on.
package pgdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/drand/ceremony/common/log"
	"github.com/drand/ceremony/internal/ceremony"
	"github.com/drand/ceremony/internal/ceremony/postgresdb/database"
)

// Store represents access to the postgres database for ceremony management.
type Store struct {
	log log.Logger
	db  *sqlx.DB
}

// NewStore returns a store over an already migrated database.
func NewStore(_ context.Context, l log.Logger, db *sqlx.DB) *Store {
	return &Store{log: l, db: db}
}

// Close closes the connection pool.
func (p *Store) Close() error {
	return p.db.Close()
}

type queryer interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func getBody(ctx context.Context, q queryer, v interface{}, kind, query string, args ...interface{}) error {
	var body []byte
	err := q.GetContext(ctx, &body, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", kind, args, ceremony.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return ceremony.Decode(body, v)
}

func encode(v interface{}) (string, error) {
	b, err := ceremony.Encode(v)
	return string(b), err
}

func (p *Store) PutCeremony(ctx context.Context, c *ceremony.Ceremony) error {
	const query = `
	INSERT INTO ceremonies
		(id, body)
	VALUES
		($1, $2)
	ON CONFLICT (id) DO UPDATE SET body = EXCLUDED.body`

	body, err := encode(c)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, query, c.ID, body)
	return err
}

func (p *Store) Ceremony(ctx context.Context, id string) (*ceremony.Ceremony, error) {
	c := new(ceremony.Ceremony)
	if err := getBody(ctx, p.db, c, "ceremony", `SELECT body FROM ceremonies WHERE id = $1`, id); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *Store) Ceremonies(ctx context.Context) ([]*ceremony.Ceremony, error) {
	var bodies [][]byte
	if err := p.db.SelectContext(ctx, &bodies, `SELECT body FROM ceremonies ORDER BY id`); err != nil {
		return nil, err
	}
	out := make([]*ceremony.Ceremony, 0, len(bodies))
	for _, b := range bodies {
		c := new(ceremony.Ceremony)
		if err := ceremony.Decode(b, c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (p *Store) UpdateCeremony(ctx context.Context, id string, fn func(*ceremony.Ceremony) error) error {
	return database.WithinTran(ctx, p.log, p.db, func(ctx context.Context, tx *sqlx.Tx) error {
		c := new(ceremony.Ceremony)
		if err := getBody(ctx, tx, c, "ceremony", `SELECT body FROM ceremonies WHERE id = $1 FOR UPDATE`, id); err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
		body, err := encode(c)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE ceremonies SET body = $2 WHERE id = $1`, id, body)
		return err
	})
}

func putCircuit(ctx context.Context, q queryer, c *ceremony.Circuit) error {
	const query = `
	INSERT INTO circuits
		(id, ceremony_id, sequence_position, body)
	VALUES
		($1, $2, $3, $4)
	ON CONFLICT (id) DO UPDATE SET
		ceremony_id = EXCLUDED.ceremony_id,
		sequence_position = EXCLUDED.sequence_position,
		body = EXCLUDED.body`

	body, err := encode(c)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, query, c.ID, c.CeremonyID, c.SequencePosition, body)
	return err
}

func (p *Store) PutCircuit(ctx context.Context, c *ceremony.Circuit) error {
	return database.WithinTran(ctx, p.log, p.db, func(ctx context.Context, tx *sqlx.Tx) error {
		if err := putCircuit(ctx, tx, c); err != nil {
			return err
		}
		const query = `
		INSERT INTO queues
			(circuit_id, body)
		VALUES
			($1, $2)
		ON CONFLICT DO NOTHING`

		body, err := encode(ceremony.NewQueue(c.ID))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, query, c.ID, body)
		return err
	})
}

func (p *Store) Circuit(ctx context.Context, id string) (*ceremony.Circuit, error) {
	c := new(ceremony.Circuit)
	if err := getBody(ctx, p.db, c, "circuit", `SELECT body FROM circuits WHERE id = $1`, id); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *Store) Circuits(ctx context.Context, ceremonyID string) ([]*ceremony.Circuit, error) {
	const query = `
	SELECT
		body
	FROM
		circuits
	WHERE
		ceremony_id = $1
	ORDER BY
		sequence_position`

	var bodies [][]byte
	if err := p.db.SelectContext(ctx, &bodies, query, ceremonyID); err != nil {
		return nil, err
	}
	out := make([]*ceremony.Circuit, 0, len(bodies))
	for _, b := range bodies {
		c := new(ceremony.Circuit)
		if err := ceremony.Decode(b, c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (p *Store) UpdateCircuit(ctx context.Context, id string, fn func(*ceremony.Circuit) error) error {
	return database.WithinTran(ctx, p.log, p.db, func(ctx context.Context, tx *sqlx.Tx) error {
		c := new(ceremony.Circuit)
		if err := getBody(ctx, tx, c, "circuit", `SELECT body FROM circuits WHERE id = $1 FOR UPDATE`, id); err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
		return putCircuit(ctx, tx, c)
	})
}

func (p *Store) ReadQueue(ctx context.Context, circuitID string) (*ceremony.WaitingQueue, error) {
	q := new(ceremony.WaitingQueue)
	if err := getBody(ctx, p.db, q, "queue", `SELECT body FROM queues WHERE circuit_id = $1`, circuitID); err != nil {
		return nil, err
	}
	return q, nil
}

// WriteQueueConditional relies on the row level compare in the WHERE clause,
// so concurrent writers need no explicit lock.
func (p *Store) WriteQueueConditional(ctx context.Context, prev, next *ceremony.WaitingQueue) (bool, error) {
	const query = `
	UPDATE queues SET
		holder = $2,
		attempt_id = $3,
		version = $4,
		body = $5
	WHERE
		circuit_id = $1 AND
		holder = $6 AND
		attempt_id = $7 AND
		version = $8`

	written := *next
	written.Version = prev.Version + 1
	body, err := encode(&written)
	if err != nil {
		return false, err
	}
	res, err := p.db.ExecContext(ctx, query,
		prev.CircuitID,
		written.CurrentContributor, written.AttemptID, written.Version, body,
		prev.CurrentContributor, prev.AttemptID, prev.Version,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := p.ReadQueue(ctx, prev.CircuitID); err != nil {
			return false, err
		}
		return false, nil
	}
	next.Version = written.Version
	return true, nil
}

func (p *Store) AppendContribution(ctx context.Context, c *ceremony.Contribution) error {
	body, err := encode(c)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO contributions (circuit_id, body) VALUES ($1, $2)`, c.CircuitID, body)
	return err
}

func (p *Store) Contributions(ctx context.Context, circuitID string) ([]*ceremony.Contribution, error) {
	var bodies [][]byte
	err := p.db.SelectContext(ctx, &bodies, `SELECT body FROM contributions WHERE circuit_id = $1 ORDER BY seq`, circuitID)
	if err != nil {
		return nil, err
	}
	out := make([]*ceremony.Contribution, 0, len(bodies))
	for _, b := range bodies {
		c := new(ceremony.Contribution)
		if err := ceremony.Decode(b, c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (p *Store) Participant(ctx context.Context, ceremonyID, id string) (*ceremony.Participant, error) {
	pt := new(ceremony.Participant)
	err := getBody(ctx, p.db, pt, "participant",
		`SELECT body FROM participants WHERE ceremony_id = $1 AND id = $2`, ceremonyID, id)
	if err != nil {
		return nil, err
	}
	return pt, nil
}

func (p *Store) UpdateParticipant(ctx context.Context, ceremonyID, id string, fn func(*ceremony.Participant) error) error {
	return database.WithinTran(ctx, p.log, p.db, func(ctx context.Context, tx *sqlx.Tx) error {
		// make sure a row exists so FOR UPDATE has something to lock
		fresh, err := encode(ceremony.NewParticipant(ceremonyID, id))
		if err != nil {
			return err
		}
		const insert = `
		INSERT INTO participants
			(ceremony_id, id, body)
		VALUES
			($1, $2, $3)
		ON CONFLICT DO NOTHING`
		if _, err := tx.ExecContext(ctx, insert, ceremonyID, id, fresh); err != nil {
			return err
		}

		pt := new(ceremony.Participant)
		err = getBody(ctx, tx, pt, "participant",
			`SELECT body FROM participants WHERE ceremony_id = $1 AND id = $2 FOR UPDATE`, ceremonyID, id)
		if err != nil {
			return err
		}
		if err := fn(pt); err != nil {
			return err
		}
		body, err := encode(pt)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE participants SET body = $3 WHERE ceremony_id = $1 AND id = $2`, ceremonyID, id, body)
		return err
	})
}

func putAttempt(ctx context.Context, q queryer, a *ceremony.Attempt) error {
	const query = `
	INSERT INTO attempts
		(id, terminal, body)
	VALUES
		($1, $2, $3)
	ON CONFLICT (id) DO UPDATE SET
		terminal = EXCLUDED.terminal,
		body = EXCLUDED.body`

	body, err := encode(a)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, query, a.ID, a.State.Terminal(), body)
	return err
}

func (p *Store) PutAttempt(ctx context.Context, a *ceremony.Attempt) error {
	return putAttempt(ctx, p.db, a)
}

func (p *Store) Attempt(ctx context.Context, id string) (*ceremony.Attempt, error) {
	a := new(ceremony.Attempt)
	if err := getBody(ctx, p.db, a, "attempt", `SELECT body FROM attempts WHERE id = $1`, id); err != nil {
		return nil, err
	}
	return a, nil
}

func (p *Store) UpdateAttempt(ctx context.Context, id string, fn func(*ceremony.Attempt) error) error {
	return database.WithinTran(ctx, p.log, p.db, func(ctx context.Context, tx *sqlx.Tx) error {
		a := new(ceremony.Attempt)
		if err := getBody(ctx, tx, a, "attempt", `SELECT body FROM attempts WHERE id = $1 FOR UPDATE`, id); err != nil {
			return err
		}
		if err := fn(a); err != nil {
			return err
		}
		return putAttempt(ctx, tx, a)
	})
}

func (p *Store) ActiveAttempts(ctx context.Context) ([]*ceremony.Attempt, error) {
	var bodies [][]byte
	if err := p.db.SelectContext(ctx, &bodies, `SELECT body FROM attempts WHERE NOT terminal`); err != nil {
		return nil, err
	}
	out := make([]*ceremony.Attempt, 0, len(bodies))
	for _, b := range bodies {
		a := new(ceremony.Attempt)
		if err := ceremony.Decode(b, a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	sortByAcquired(out)
	return out, nil
}

func (p *Store) PutSession(ctx context.Context, us *ceremony.UploadSession) error {
	const query = `
	INSERT INTO upload_sessions
		(id, body)
	VALUES
		($1, $2)
	ON CONFLICT (id) DO UPDATE SET body = EXCLUDED.body`

	body, err := encode(us)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, query, us.ID, body)
	return err
}

func (p *Store) Session(ctx context.Context, id string) (*ceremony.UploadSession, error) {
	us := new(ceremony.UploadSession)
	if err := getBody(ctx, p.db, us, "session", `SELECT body FROM upload_sessions WHERE id = $1`, id); err != nil {
		return nil, err
	}
	return us, nil
}

func (p *Store) UpdateSession(ctx context.Context, id string, fn func(*ceremony.UploadSession) error) error {
	return database.WithinTran(ctx, p.log, p.db, func(ctx context.Context, tx *sqlx.Tx) error {
		us := new(ceremony.UploadSession)
		if err := getBody(ctx, tx, us, "session", `SELECT body FROM upload_sessions WHERE id = $1 FOR UPDATE`, id); err != nil {
			return err
		}
		if err := fn(us); err != nil {
			return err
		}
		body, err := encode(us)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE upload_sessions SET body = $2 WHERE id = $1`, id, body)
		return err
	})
}
