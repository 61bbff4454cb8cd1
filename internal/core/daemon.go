package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/drand/ceremony/common/log"
	"github.com/drand/ceremony/internal/auth"
	"github.com/drand/ceremony/internal/ceremony"
	"github.com/drand/ceremony/internal/ceremony/boltdb"
	"github.com/drand/ceremony/internal/ceremony/memdb"
	"github.com/drand/ceremony/internal/ceremony/postgresdb/database"
	"github.com/drand/ceremony/internal/ceremony/postgresdb/pgdb"
	"github.com/drand/ceremony/internal/ceremony/postgresdb/schema"
	dhttp "github.com/drand/ceremony/internal/http"
	"github.com/drand/ceremony/internal/metrics"
	"github.com/drand/ceremony/internal/metrics/pprof"
	"github.com/drand/ceremony/internal/scheduler"
	"github.com/drand/ceremony/internal/upload"
	"github.com/drand/ceremony/internal/upload/s3"
	"github.com/drand/ceremony/internal/verify"
)

// Daemon runs a coordinator: the API server on top of the scheduler and the
// periodic lifecycle pass.
type Daemon struct {
	opts *Config
	log  log.Logger

	store     ceremony.Store
	storage   upload.ObjectStorage
	scheduler *scheduler.Scheduler
	handler   http.Handler

	listener        net.Listener
	metricsListener net.Listener
	server          *http.Server

	cancel   context.CancelFunc
	started  bool
	exitCh   chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex
}

// NewDaemon opens the stores and builds every component of c. Nothing is
// served until Start.
func NewDaemon(ctx context.Context, c *Config) (*Daemon, error) {
	lg := c.logger.Named("daemon")

	store, err := OpenStore(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", c.storageType, err)
	}
	metrics.Bind(c.logger)
	metrics.StorageBackend.WithLabelValues(string(c.storageType)).Set(1)

	d, err := newDaemon(c, lg, store)
	if err != nil {
		if cerr := store.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
		return nil, err
	}
	return d, nil
}

func newDaemon(c *Config, lg log.Logger, store ceremony.Store) (*Daemon, error) {
	storage, err := OpenObjectStorage(c)
	if err != nil {
		return nil, err
	}
	verifier, err := newVerifier(c, storage)
	if err != nil {
		return nil, err
	}
	provider, err := newProvider(c)
	if err != nil {
		return nil, err
	}
	registry, err := ceremony.NewRegistry(store, c.registryCache, c.logger)
	if err != nil {
		return nil, err
	}

	uploads := upload.NewCoordinator(store, storage, c.clock, c.logger, c.uploads)
	gate := verify.NewGate(storage, verifier, c.clock, c.logger)
	sched := scheduler.New(store, registry, uploads, gate, c.clock, c.logger, c.sched)

	handler := dhttp.New(sched, provider, c.logger)
	if c.accessLog != nil {
		handler = handlers.CombinedLoggingHandler(c.accessLog, handler)
	}

	return &Daemon{
		opts:      c,
		log:       lg,
		store:     store,
		storage:   storage,
		scheduler: sched,
		handler:   handler,
		exitCh:    make(chan struct{}),
	}, nil
}

// OpenStore opens the metadata store selected by c, migrating the postgres
// schema when needed.
func OpenStore(ctx context.Context, c *Config) (ceremony.Store, error) {
	switch c.storageType {
	case BoltDB:
		return boltdb.NewStore(ctx, c.logger.Named("boltdb"), c.dbFolder, c.boltOpts)
	case PostgreSQL:
		cfg, err := database.ConfigFromDSN(c.pgDSN)
		if err != nil {
			return nil, err
		}
		db, err := database.Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := schema.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrating schema: %w", err)
		}
		return pgdb.NewStore(ctx, c.logger.Named("pgdb"), db), nil
	case MemDB:
		return memdb.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", c.storageType)
	}
}

// OpenObjectStorage returns the object storage of c, S3 unless one was
// given with WithObjectStorage.
func OpenObjectStorage(c *Config) (upload.ObjectStorage, error) {
	if c.storage != nil {
		return c.storage, nil
	}
	sess, err := s3.NewSession(c.s3)
	if err != nil {
		return nil, err
	}
	st := s3.New(sess, c.logger)
	if err := st.CheckCredentials(); err != nil {
		return nil, err
	}
	return st, nil
}

func newVerifier(c *Config, storage upload.ObjectStorage) (verify.Verifier, error) {
	if c.verifier != nil {
		return c.verifier, nil
	}
	if len(c.verifyCommand) == 0 {
		return nil, errors.New("no verifier configured")
	}
	return &verify.CommandVerifier{
		Storage: storage,
		Command: c.verifyCommand,
		WorkDir: c.verifyWorkDir,
		Log:     c.logger.Named("verifier"),
	}, nil
}

func newProvider(c *Config) (auth.Provider, error) {
	if c.provider != nil {
		return c.provider, nil
	}
	if c.tokenFile == "" {
		return nil, errors.New("no token file configured")
	}
	return auth.LoadTokenFile(c.tokenFile)
}

// Start rebuilds the timers of the running attempts, then serves the API
// and runs the lifecycle pass until Stop.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errors.New("daemon already started")
	}

	if err := d.scheduler.Reconcile(ctx); err != nil {
		d.log.Warnw("reconciliation incomplete", "err", err)
	}
	if n, err := d.scheduler.AdvanceLifecycle(ctx); err != nil {
		d.log.Warnw("lifecycle pass", "err", err)
	} else if n > 0 {
		d.log.Infow("lifecycle pass", "changed", n)
	}

	addr := d.opts.ListenAddress(DefaultListenAddr)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	d.listener = l
	d.server = &http.Server{Handler: d.handler, ReadHeaderTimeout: 5 * time.Second}

	if m := d.opts.MetricsAddress(); m != "" {
		d.metricsListener = metrics.Start(d.opts.logger, m, pprof.WithProfile())
	}

	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		err := d.server.Serve(l)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		d.lifecycle(gctx)
		return nil
	})
	go func() {
		if err := g.Wait(); err != nil {
			d.log.Errorw("daemon stopped", "err", err)
		}
		close(d.exitCh)
	}()

	d.started = true
	d.log.Infow("coordinator started", "addr", l.Addr().String(), "storage", d.opts.storageType)
	return nil
}

func (d *Daemon) lifecycle(ctx context.Context) {
	t := d.opts.clock.NewTicker(d.opts.lifecycleInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			n, err := d.scheduler.AdvanceLifecycle(ctx)
			if err != nil {
				d.log.Warnw("lifecycle pass", "err", err)
				continue
			}
			if n > 0 {
				d.log.Infow("lifecycle pass", "changed", n)
			}
		}
	}
}

// Addr returns the address the API is served on, empty before Start.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Scheduler exposes the coordination API of the daemon.
func (d *Daemon) Scheduler() *scheduler.Scheduler {
	return d.scheduler
}

// Store exposes the metadata store of the daemon.
func (d *Daemon) Store() ceremony.Store {
	return d.store
}

// Storage exposes the object storage of the daemon.
func (d *Daemon) Storage() upload.ObjectStorage {
	return d.storage
}

// Handler returns the API handler, for embedding in another server.
func (d *Daemon) Handler() http.Handler {
	return d.handler
}

// Stop shuts the server down, waits for the background loops, stops every
// timer and closes the store. Calling it again is a no-op.
func (d *Daemon) Stop(ctx context.Context) error {
	var merr error
	d.stopOnce.Do(func() {
		d.mu.Lock()
		started := d.started
		d.mu.Unlock()

		if started {
			d.cancel()
			sctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			if err := d.server.Shutdown(sctx); err != nil {
				merr = multierror.Append(merr, fmt.Errorf("shutting down server: %w", err))
			}
			cancel()
			select {
			case <-d.exitCh:
			case <-ctx.Done():
				merr = multierror.Append(merr, ctx.Err())
			}
		} else {
			close(d.exitCh)
		}
		if d.metricsListener != nil {
			if err := d.metricsListener.Close(); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
		d.scheduler.Stop()
		if err := d.store.Close(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("closing store: %w", err))
		}
		d.log.Infow("coordinator stopped")
	})
	return merr
}

// WaitExit returns a channel closed once the daemon stopped serving.
func (d *Daemon) WaitExit() <-chan struct{} {
	return d.exitCh
}
