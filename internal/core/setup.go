package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/drand/ceremony/common/log"
	"github.com/drand/ceremony/internal/ceremony"
)

// ObjectWriter stores a whole object. The S3 backend implements it; setup
// uses it to publish genesis artifacts.
type ObjectWriter interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader) (string, error)
}

// ErrCeremonyExists is returned when setting up a ceremony id twice.
var ErrCeremonyExists = errors.New("ceremony already exists")

// Definition builds the ceremony and circuit records of f. Circuits are
// sequenced in file order.
func (f *CeremonyFile) Definition() (*ceremony.Ceremony, []*ceremony.Circuit, error) {
	if f.Title == "" {
		return nil, nil, errors.New("ceremony has no title")
	}
	if len(f.Circuits) == 0 {
		return nil, nil, errors.New("ceremony has no circuits")
	}
	if !f.End.IsZero() && !f.End.After(f.Start) {
		return nil, nil, errors.New("ceremony ends before it starts")
	}
	prefix := f.Prefix
	if prefix == "" {
		prefix = ceremony.ExtractPrefix(f.Title)
	}
	id := f.ID
	if id == "" {
		id = prefix
	}
	cer := &ceremony.Ceremony{
		ID:          id,
		Prefix:      prefix,
		Title:       f.Title,
		Description: f.Description,
		Coordinator: f.Coordinator,
		State:       ceremony.Scheduled,
		StartDate:   f.Start,
		EndDate:     f.End,
		Timeout: ceremony.TimeoutPolicy{
			Mechanism: f.Timeout.Mechanism,
			Duration:  f.Timeout.Duration.Duration,
			Threshold: f.Timeout.Threshold,
		},
		Penalty:               f.Penalty.Duration,
		RequiredContributions: f.RequiredContributions,
		RejectPolicy:          f.RejectPolicy,
		VerificationWindow:    f.VerificationWindow.Duration,
	}
	if cer.Timeout.Duration <= 0 {
		return nil, nil, fmt.Errorf("ceremony %s: timeout duration must be positive", id)
	}

	seen := make(map[string]bool, len(f.Circuits))
	circuits := make([]*ceremony.Circuit, 0, len(f.Circuits))
	for i, cf := range f.Circuits {
		cp := cf.Prefix
		if cp == "" {
			cp = ceremony.ExtractPrefix(cf.Name)
		}
		if cp == "" {
			return nil, nil, fmt.Errorf("circuit %d has no name", i)
		}
		if seen[cp] {
			return nil, nil, fmt.Errorf("circuit prefix %s used twice", cp)
		}
		seen[cp] = true
		m := cf.Metadata
		meta := ceremony.CircuitMetadata{
			Curve:         m.Curve,
			Constraints:   m.Constraints,
			Wires:         m.Wires,
			PublicInputs:  m.PublicInputs,
			PrivateInputs: m.PrivateInputs,
			Outputs:       m.Outputs,
			Labels:        m.Labels,
			Pot:           m.Pot,
		}
		if meta.Pot == 0 && meta.Constraints > 0 {
			meta.Pot = ceremony.EstimatePoT(meta)
		}
		circuits = append(circuits, &ceremony.Circuit{
			ID:               id + "-" + cp,
			CeremonyID:       id,
			Prefix:           cp,
			Name:             cf.Name,
			SequencePosition: uint64(i + 1),
			Metadata:         meta,
		})
	}
	return cer, circuits, nil
}

// SetupCeremony stores the ceremony described by f and its circuits, and
// uploads the genesis artifacts it names to w. w may be nil when no circuit
// has a genesis file. Genesis paths are relative to dir.
func SetupCeremony(ctx context.Context, l log.Logger, store ceremony.Store, w ObjectWriter,
	bucketPostfix, dir string, f *CeremonyFile) (*ceremony.Ceremony, error) {
	cer, circuits, err := f.Definition()
	if err != nil {
		return nil, err
	}
	_, err = store.Ceremony(ctx, cer.ID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%s: %w", cer.ID, ErrCeremonyExists)
	case !errors.Is(err, ceremony.ErrNotFound):
		return nil, err
	}

	bucket := ceremony.BucketName(cer.Prefix, bucketPostfix)
	for i, c := range circuits {
		genesis := f.Circuits[i].Genesis
		if genesis == "" {
			continue
		}
		if w == nil {
			return nil, fmt.Errorf("circuit %s: no object storage to upload %s to", c.Prefix, genesis)
		}
		if !filepath.IsAbs(genesis) {
			genesis = filepath.Join(dir, genesis)
		}
		key := ceremony.ZkeyKey(c.Prefix, ceremony.GenesisZkeyIndex)
		if err := putFile(ctx, w, bucket, key, genesis); err != nil {
			return nil, fmt.Errorf("circuit %s: %w", c.Prefix, err)
		}
		l.Infow("genesis uploaded", "circuit", c.ID, "bucket", bucket, "key", key)
	}

	for _, c := range circuits {
		if err := store.PutCircuit(ctx, c); err != nil {
			return nil, err
		}
	}
	if err := store.PutCeremony(ctx, cer); err != nil {
		return nil, err
	}
	l.Infow("ceremony set up", "ceremony", cer.ID, "circuits", len(circuits), "start", cer.StartDate, "end", cer.EndDate)
	return cer, nil
}

func putFile(ctx context.Context, w ObjectWriter, bucket, key, p string) error {
	fd, err := os.Open(p)
	if err != nil {
		return err
	}
	defer fd.Close()
	_, err = w.PutObject(ctx, bucket, key, fd)
	return err
}
