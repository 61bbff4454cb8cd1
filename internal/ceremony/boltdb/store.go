// Package boltdb stores ceremony metadata in a single bbolt file.
package boltdb

import (
	"context"
	"encoding/binary"
	"os"
	"path"
	"sort"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/drand/ceremony/common/log"
	"github.com/drand/ceremony/internal/ceremony"
)

// BoltFileName is the name of the database file inside the base folder.
const BoltFileName = "ceremony.db"

// BoltStoreOpenPerm is the permission of the database file.
const BoltStoreOpenPerm = 0660

// DirPerm is the permission of the base folder.
const DirPerm = 0755

var (
	ceremoniesBucket    = []byte("ceremonies")
	circuitsBucket      = []byte("circuits")
	queuesBucket        = []byte("queues")
	contributionsBucket = []byte("contributions")
	participantsBucket  = []byte("participants")
	attemptsBucket      = []byte("attempts")
	sessionsBucket      = []byte("sessions")
)

var allBuckets = [][]byte{
	ceremoniesBucket,
	circuitsBucket,
	queuesBucket,
	contributionsBucket,
	participantsBucket,
	attemptsBucket,
	sessionsBucket,
}

// Store implements ceremony.Store on top of bbolt. Every Update* call and the
// conditional queue write run inside one write transaction, which bbolt
// serializes.
type Store struct {
	db  *bolt.DB
	log log.Logger
}

// NewStore opens, creating it if needed, the database in baseFolder.
func NewStore(ctx context.Context, l log.Logger, baseFolder string, opts *bolt.Options) (*Store, error) {
	if err := os.MkdirAll(baseFolder, DirPerm); err != nil {
		return nil, err
	}
	dbPath := path.Join(baseFolder, BoltFileName)
	db, err := bolt.Open(dbPath, BoltStoreOpenPerm, opts)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	l.Debugw("opened bolt store", "path", dbPath)
	return &Store{db: db, log: l}, nil
}

func bucket(tx *bolt.Tx, name []byte) (*bolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, errors.Errorf("%s bucket was nil - this should never happen", name)
	}
	return b, nil
}

func get(tx *bolt.Tx, name []byte, kind, id string, v interface{}) error {
	b, err := bucket(tx, name)
	if err != nil {
		return err
	}
	value := b.Get([]byte(id))
	if value == nil {
		return errors.Wrapf(ceremony.ErrNotFound, "%s %s", kind, id)
	}
	return ceremony.Decode(value, v)
}

func put(tx *bolt.Tx, name []byte, id string, v interface{}) error {
	b, err := bucket(tx, name)
	if err != nil {
		return err
	}
	value, err := ceremony.Encode(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(id), value)
}

func (s *Store) view(ctx context.Context, fn func(*bolt.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return s.db.View(fn)
}

func (s *Store) update(ctx context.Context, fn func(*bolt.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return s.db.Update(fn)
}

func (s *Store) PutCeremony(ctx context.Context, c *ceremony.Ceremony) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		return put(tx, ceremoniesBucket, c.ID, c)
	})
}

func (s *Store) Ceremony(ctx context.Context, id string) (*ceremony.Ceremony, error) {
	c := new(ceremony.Ceremony)
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return get(tx, ceremoniesBucket, "ceremony", id, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) Ceremonies(ctx context.Context) ([]*ceremony.Ceremony, error) {
	var out []*ceremony.Ceremony
	err := s.view(ctx, func(tx *bolt.Tx) error {
		b, err := bucket(tx, ceremoniesBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(_, v []byte) error {
			c := new(ceremony.Ceremony)
			if err := ceremony.Decode(v, c); err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

func (s *Store) UpdateCeremony(ctx context.Context, id string, fn func(*ceremony.Ceremony) error) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		c := new(ceremony.Ceremony)
		if err := get(tx, ceremoniesBucket, "ceremony", id, c); err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
		return put(tx, ceremoniesBucket, id, c)
	})
}

func (s *Store) PutCircuit(ctx context.Context, c *ceremony.Circuit) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		if err := put(tx, circuitsBucket, c.ID, c); err != nil {
			return err
		}
		queues, err := bucket(tx, queuesBucket)
		if err != nil {
			return err
		}
		if queues.Get([]byte(c.ID)) != nil {
			return nil
		}
		return put(tx, queuesBucket, c.ID, ceremony.NewQueue(c.ID))
	})
}

func (s *Store) Circuit(ctx context.Context, id string) (*ceremony.Circuit, error) {
	c := new(ceremony.Circuit)
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return get(tx, circuitsBucket, "circuit", id, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) Circuits(ctx context.Context, ceremonyID string) ([]*ceremony.Circuit, error) {
	var out []*ceremony.Circuit
	err := s.view(ctx, func(tx *bolt.Tx) error {
		b, err := bucket(tx, circuitsBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(_, v []byte) error {
			c := new(ceremony.Circuit)
			if err := ceremony.Decode(v, c); err != nil {
				return err
			}
			if c.CeremonyID == ceremonyID {
				out = append(out, c)
			}
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].SequencePosition < out[j].SequencePosition })
	return out, err
}

func (s *Store) UpdateCircuit(ctx context.Context, id string, fn func(*ceremony.Circuit) error) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		c := new(ceremony.Circuit)
		if err := get(tx, circuitsBucket, "circuit", id, c); err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
		return put(tx, circuitsBucket, id, c)
	})
}

func (s *Store) ReadQueue(ctx context.Context, circuitID string) (*ceremony.WaitingQueue, error) {
	q := new(ceremony.WaitingQueue)
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return get(tx, queuesBucket, "queue", circuitID, q)
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

func (s *Store) WriteQueueConditional(ctx context.Context, prev, next *ceremony.WaitingQueue) (bool, error) {
	written := false
	err := s.update(ctx, func(tx *bolt.Tx) error {
		stored := new(ceremony.WaitingQueue)
		if err := get(tx, queuesBucket, "queue", prev.CircuitID, stored); err != nil {
			return err
		}
		if !ceremony.Conditional(stored, prev) {
			return nil
		}
		next.Version = prev.Version + 1
		if err := put(tx, queuesBucket, prev.CircuitID, next); err != nil {
			return err
		}
		written = true
		return nil
	})
	return written, err
}

func (s *Store) AppendContribution(ctx context.Context, c *ceremony.Contribution) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		root, err := bucket(tx, contributionsBucket)
		if err != nil {
			return err
		}
		b, err := root.CreateBucketIfNotExists([]byte(c.CircuitID))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		value, err := ceremony.Encode(c)
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, value)
	})
}

func (s *Store) Contributions(ctx context.Context, circuitID string) ([]*ceremony.Contribution, error) {
	var out []*ceremony.Contribution
	err := s.view(ctx, func(tx *bolt.Tx) error {
		root, err := bucket(tx, contributionsBucket)
		if err != nil {
			return err
		}
		b := root.Bucket([]byte(circuitID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			c := new(ceremony.Contribution)
			if err := ceremony.Decode(v, c); err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

func participantKey(ceremonyID, id string) string {
	return ceremonyID + "/" + id
}

func (s *Store) Participant(ctx context.Context, ceremonyID, id string) (*ceremony.Participant, error) {
	p := new(ceremony.Participant)
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return get(tx, participantsBucket, "participant", participantKey(ceremonyID, id), p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) UpdateParticipant(ctx context.Context, ceremonyID, id string, fn func(*ceremony.Participant) error) error {
	key := participantKey(ceremonyID, id)
	return s.update(ctx, func(tx *bolt.Tx) error {
		p := new(ceremony.Participant)
		err := get(tx, participantsBucket, "participant", key, p)
		switch {
		case errors.Is(err, ceremony.ErrNotFound):
			p = ceremony.NewParticipant(ceremonyID, id)
		case err != nil:
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		return put(tx, participantsBucket, key, p)
	})
}

func (s *Store) PutAttempt(ctx context.Context, a *ceremony.Attempt) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		return put(tx, attemptsBucket, a.ID, a)
	})
}

func (s *Store) Attempt(ctx context.Context, id string) (*ceremony.Attempt, error) {
	a := new(ceremony.Attempt)
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return get(tx, attemptsBucket, "attempt", id, a)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Store) UpdateAttempt(ctx context.Context, id string, fn func(*ceremony.Attempt) error) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		a := new(ceremony.Attempt)
		if err := get(tx, attemptsBucket, "attempt", id, a); err != nil {
			return err
		}
		if err := fn(a); err != nil {
			return err
		}
		return put(tx, attemptsBucket, id, a)
	})
}

func (s *Store) ActiveAttempts(ctx context.Context) ([]*ceremony.Attempt, error) {
	var out []*ceremony.Attempt
	err := s.view(ctx, func(tx *bolt.Tx) error {
		b, err := bucket(tx, attemptsBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(_, v []byte) error {
			a := new(ceremony.Attempt)
			if err := ceremony.Decode(v, a); err != nil {
				return err
			}
			if !a.State.Terminal() {
				out = append(out, a)
			}
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].AcquiredAt.Before(out[j].AcquiredAt) })
	return out, err
}

func (s *Store) PutSession(ctx context.Context, us *ceremony.UploadSession) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		return put(tx, sessionsBucket, us.ID, us)
	})
}

func (s *Store) Session(ctx context.Context, id string) (*ceremony.UploadSession, error) {
	us := new(ceremony.UploadSession)
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return get(tx, sessionsBucket, "session", id, us)
	})
	if err != nil {
		return nil, err
	}
	return us, nil
}

func (s *Store) UpdateSession(ctx context.Context, id string, fn func(*ceremony.UploadSession) error) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		us := new(ceremony.UploadSession)
		if err := get(tx, sessionsBucket, "session", id, us); err != nil {
			return err
		}
		if err := fn(us); err != nil {
			return err
		}
		return put(tx, sessionsBucket, id, us)
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		s.log.Errorw("closing bolt store", "err", err)
		return err
	}
	return nil
}
