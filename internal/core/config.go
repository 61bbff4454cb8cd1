package core

import (
	"io"
	"path"
	"time"

	"github.com/jonboulle/clockwork"
	bolt "go.etcd.io/bbolt"

	"github.com/drand/ceremony/common/log"
	"github.com/drand/ceremony/internal/auth"
	"github.com/drand/ceremony/internal/scheduler"
	"github.com/drand/ceremony/internal/upload"
	"github.com/drand/ceremony/internal/upload/s3"
	"github.com/drand/ceremony/internal/verify"
)

// StorageType selects the metadata store backend.
type StorageType string

const (
	// BoltDB keeps the metadata in a single bbolt file, the default.
	BoltDB StorageType = "bolt"
	// PostgreSQL keeps the metadata in a postgres database.
	PostgreSQL StorageType = "postgres"
	// MemDB keeps everything in memory and loses it on exit.
	MemDB StorageType = "memdb"
)

// ConfigOption is a function that applies a specific setting to a Config.
type ConfigOption func(*Config)

// Config holds all relevant information for a coordinator daemon to run.
type Config struct {
	configFolder      string
	dbFolder          string
	listenAddr        string
	metricsAddr       string
	storageType       StorageType
	pgDSN             string
	boltOpts          *bolt.Options
	s3                s3.Config
	storage           upload.ObjectStorage
	verifyCommand     []string
	verifyWorkDir     string
	verifier          verify.Verifier
	tokenFile         string
	provider          auth.Provider
	accessLog         io.Writer
	uploads           upload.Config
	sched             scheduler.Config
	lifecycleInterval time.Duration
	registryCache     int
	logger            log.Logger
	clock             clockwork.Clock
}

// NewConfig returns the config to pass to the daemon with the default
// options set and the updated values given by the options.
func NewConfig(opts ...ConfigOption) *Config {
	d := &Config{
		configFolder:      DefaultConfigFolder(),
		storageType:       BoltDB,
		uploads:           upload.DefaultConfig(),
		sched:             scheduler.DefaultConfig(),
		lifecycleInterval: DefaultLifecycleInterval,
		registryCache:     DefaultRegistryCacheSize,
		logger:            log.DefaultLogger(),
		clock:             clockwork.NewRealClock(),
	}
	d.dbFolder = path.Join(d.configFolder, DefaultDBFolder)
	for i := range opts {
		opts[i](d)
	}
	return d
}

// ConfigFolder returns the folder under which the daemon keeps its files.
func (d *Config) ConfigFolder() string {
	return d.configFolder
}

// DBFolder returns the folder of the bolt database.
func (d *Config) DBFolder() string {
	return d.dbFolder
}

// ListenAddress returns the given default address or the listen address
// stored in the config thanks to WithListenAddress.
func (d *Config) ListenAddress(defaultAddr string) string {
	if d.listenAddr != "" {
		return d.listenAddr
	}
	return defaultAddr
}

// MetricsAddress returns where metrics are served, empty when disabled.
func (d *Config) MetricsAddress() string {
	return d.metricsAddr
}

// StorageType returns the metadata store backend.
func (d *Config) StorageType() StorageType {
	return d.storageType
}

// BucketPostfix returns the postfix of ceremony bucket names.
func (d *Config) BucketPostfix() string {
	return d.sched.BucketPostfix
}

// Logger returns the logger associated with this config.
func (d *Config) Logger() log.Logger {
	return d.logger
}

// Clock returns the clock every timer of the daemon runs on.
func (d *Config) Clock() clockwork.Clock {
	return d.clock
}

// WithConfigFolder sets the base configuration folder. The bolt database
// folder follows unless WithDBFolder is given after it.
func WithConfigFolder(folder string) ConfigOption {
	return func(d *Config) {
		d.configFolder = folder
		d.dbFolder = path.Join(folder, DefaultDBFolder)
	}
}

// WithDBFolder sets the folder of the bolt database.
func WithDBFolder(folder string) ConfigOption {
	return func(d *Config) {
		d.dbFolder = folder
	}
}

// WithListenAddress sets the address the API listens on.
func WithListenAddress(addr string) ConfigOption {
	return func(d *Config) {
		d.listenAddr = addr
	}
}

// WithMetricsAddress serves prometheus metrics and pprof on addr.
func WithMetricsAddress(addr string) ConfigOption {
	return func(d *Config) {
		d.metricsAddr = addr
	}
}

// WithStorageType selects the metadata store backend.
func WithStorageType(t StorageType) ConfigOption {
	return func(d *Config) {
		d.storageType = t
	}
}

// WithPgDSN sets the postgres connection string and selects the postgres
// backend.
func WithPgDSN(dsn string) ConfigOption {
	return func(d *Config) {
		d.pgDSN = dsn
		d.storageType = PostgreSQL
	}
}

// WithBoltOptions applies boltdb specific options.
func WithBoltOptions(opts *bolt.Options) ConfigOption {
	return func(d *Config) {
		d.boltOpts = opts
	}
}

// WithS3 sets the S3 endpoint artifacts are uploaded to.
func WithS3(cfg s3.Config) ConfigOption {
	return func(d *Config) {
		d.s3 = cfg
	}
}

// WithObjectStorage replaces the S3 backend.
func WithObjectStorage(s upload.ObjectStorage) ConfigOption {
	return func(d *Config) {
		d.storage = s
	}
}

// WithVerifyCommand verifies contributions with an external program. See
// verify.CommandVerifier for the placeholders.
func WithVerifyCommand(workDir string, command ...string) ConfigOption {
	return func(d *Config) {
		d.verifyWorkDir = workDir
		d.verifyCommand = command
	}
}

// WithVerifier replaces the command verifier.
func WithVerifier(v verify.Verifier) ConfigOption {
	return func(d *Config) {
		d.verifier = v
	}
}

// WithTokenFile reads participant credentials from a TOML token file.
func WithTokenFile(p string) ConfigOption {
	return func(d *Config) {
		d.tokenFile = p
	}
}

// WithAuthProvider replaces the token file.
func WithAuthProvider(p auth.Provider) ConfigOption {
	return func(d *Config) {
		d.provider = p
	}
}

// WithAccessLog writes an access log of the API, in combined log format, to w.
func WithAccessLog(w io.Writer) ConfigOption {
	return func(d *Config) {
		d.accessLog = w
	}
}

// WithUploadConfig tunes the upload coordinator.
func WithUploadConfig(cfg upload.Config) ConfigOption {
	return func(d *Config) {
		d.uploads = cfg
	}
}

// WithBucketPostfix sets the postfix appended to ceremony prefixes to name
// their bucket.
func WithBucketPostfix(postfix string) ConfigOption {
	return func(d *Config) {
		d.sched.BucketPostfix = postfix
	}
}

// WithLifecycleInterval sets the period of the lifecycle pass.
func WithLifecycleInterval(t time.Duration) ConfigOption {
	return func(d *Config) {
		d.lifecycleInterval = t
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) ConfigOption {
	return func(d *Config) {
		d.logger = l
	}
}

// WithClock sets the clock, tests pass a fake one.
func WithClock(c clockwork.Clock) ConfigOption {
	return func(d *Config) {
		d.clock = c
	}
}
