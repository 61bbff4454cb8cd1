package ceremonycli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/drand/ceremony/common/log"
	"github.com/drand/ceremony/internal/ceremony"
	"github.com/drand/ceremony/internal/core"
	"github.com/drand/ceremony/internal/upload"
)

func startCmd(c *cli.Context, l log.Logger) error {
	opts, err := contextToConfig(c, l)
	if err != nil {
		return err
	}
	if p := c.String(accessLogFlag.Name); p != "" {
		w, closer, err := openAccessLog(p)
		if err != nil {
			return err
		}
		defer closer()
		opts = append(opts, core.WithAccessLog(w))
	}
	conf := core.NewConfig(opts...)

	d, err := core.NewDaemon(c.Context, conf)
	if err != nil {
		return fmt.Errorf("can't instantiate coordinator daemon: %w", err)
	}

	if p := c.String(ceremonyFileFlag.Name); p != "" {
		if err := setupFromFile(c.Context, l, d.Store(), d.Storage(), conf.BucketPostfix(), p); err != nil {
			if !errors.Is(err, core.ErrCeremonyExists) {
				_ = d.Stop(context.Background())
				return err
			}
			l.Infow("ceremony already set up", "file", p)
		}
	}

	if err := d.Start(c.Context); err != nil {
		_ = d.Stop(context.Background())
		return err
	}

	select {
	case <-c.Context.Done():
		l.Infow("received shutdown request")
	case <-d.WaitExit():
	}
	return d.Stop(context.Background())
}

func setupCmd(c *cli.Context, l log.Logger) error {
	opts, err := contextToConfig(c, l)
	if err != nil {
		return err
	}
	conf := core.NewConfig(opts...)

	p := c.String(ceremonyFileFlag.Name)
	f, err := core.LoadCeremonyFile(p)
	if err != nil {
		return err
	}

	store, err := core.OpenStore(c.Context, conf)
	if err != nil {
		return err
	}
	defer store.Close()

	var storage upload.ObjectStorage
	if hasGenesis(f) {
		if storage, err = core.OpenObjectStorage(conf); err != nil {
			return err
		}
	}
	cer, err := setup(c.Context, l, store, storage, conf.BucketPostfix(), p, f)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "ceremony %s set up, opening %s\n", cer.ID, cer.StartDate.Format("2006-01-02 15:04 MST"))
	return nil
}

func setupFromFile(ctx context.Context, l log.Logger, store ceremony.Store, storage upload.ObjectStorage, postfix, p string) error {
	f, err := core.LoadCeremonyFile(p)
	if err != nil {
		return err
	}
	_, err = setup(ctx, l, store, storage, postfix, p, f)
	return err
}

// setup resolves the genesis paths of f next to the file at p.
func setup(ctx context.Context, l log.Logger, store ceremony.Store, storage upload.ObjectStorage,
	postfix, p string, f *core.CeremonyFile) (*ceremony.Ceremony, error) {
	var w core.ObjectWriter
	if storage != nil {
		ow, ok := storage.(core.ObjectWriter)
		if !ok && hasGenesis(f) {
			return nil, fmt.Errorf("object storage %T can't store genesis artifacts", storage)
		}
		w = ow
	}
	return core.SetupCeremony(ctx, l, store, w, postfix, filepath.Dir(p), f)
}

func hasGenesis(f *core.CeremonyFile) bool {
	for _, c := range f.Circuits {
		if c.Genesis != "" {
			return true
		}
	}
	return false
}

func openAccessLog(p string) (io.Writer, func(), error) {
	if p == "-" {
		return os.Stdout, func() {}, nil
	}
	fd, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, nil, fmt.Errorf("opening access log: %w", err)
	}
	return fd, func() { _ = fd.Close() }, nil
}
