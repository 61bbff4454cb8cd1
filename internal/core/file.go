package core

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/drand/ceremony/internal/ceremony"
	"github.com/drand/ceremony/internal/upload/s3"
)

// Duration is a time.Duration written as "90s" or "15m" in TOML files.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// FileConfig is the TOML representation of the daemon settings. Flags given
// on the command line take precedence over it.
type FileConfig struct {
	Listen        string   `toml:"listen"`
	Metrics       string   `toml:"metrics"`
	DBFolder      string   `toml:"db_folder"`
	Storage       string   `toml:"storage"`
	PgDSN         string   `toml:"pg_dsn"`
	TokenFile     string   `toml:"token_file"`
	BucketPostfix string   `toml:"bucket_postfix"`
	Lifecycle     Duration `toml:"lifecycle_interval"`

	S3 struct {
		Region    string `toml:"region"`
		Endpoint  string `toml:"endpoint"`
		PathStyle bool   `toml:"path_style"`
	} `toml:"s3"`

	Upload struct {
		ChunkSize        int64    `toml:"chunk_size"`
		MaxOutstanding   int      `toml:"max_outstanding"`
		AuthorizationTTL Duration `toml:"authorization_ttl"`
	} `toml:"upload"`

	Verify struct {
		Command []string `toml:"command"`
		WorkDir string   `toml:"work_dir"`
	} `toml:"verify"`
}

// LoadConfigFile decodes the daemon settings at p.
func LoadConfigFile(p string) (*FileConfig, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	f := new(FileConfig)
	if _, err := toml.Decode(string(b), f); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", p, err)
	}
	return f, nil
}

// Options turns the file into config options. Unset fields keep the
// defaults.
func (f *FileConfig) Options() ([]ConfigOption, error) {
	var opts []ConfigOption
	if f.Listen != "" {
		opts = append(opts, WithListenAddress(f.Listen))
	}
	if f.Metrics != "" {
		opts = append(opts, WithMetricsAddress(f.Metrics))
	}
	if f.DBFolder != "" {
		opts = append(opts, WithDBFolder(f.DBFolder))
	}
	switch StorageType(f.Storage) {
	case "":
	case BoltDB, PostgreSQL, MemDB:
		opts = append(opts, WithStorageType(StorageType(f.Storage)))
	default:
		return nil, fmt.Errorf("unknown storage %q", f.Storage)
	}
	if f.PgDSN != "" {
		opts = append(opts, WithPgDSN(f.PgDSN))
	}
	if f.TokenFile != "" {
		opts = append(opts, WithTokenFile(f.TokenFile))
	}
	if f.BucketPostfix != "" {
		opts = append(opts, WithBucketPostfix(f.BucketPostfix))
	}
	if f.Lifecycle.Duration > 0 {
		opts = append(opts, WithLifecycleInterval(f.Lifecycle.Duration))
	}
	if f.S3.Region != "" || f.S3.Endpoint != "" {
		opts = append(opts, WithS3(s3.Config{Region: f.S3.Region, Endpoint: f.S3.Endpoint, PathStyle: f.S3.PathStyle}))
	}
	if f.Upload.ChunkSize > 0 || f.Upload.MaxOutstanding > 0 || f.Upload.AuthorizationTTL.Duration > 0 {
		up := f.Upload
		opts = append(opts, func(d *Config) {
			if up.ChunkSize > 0 {
				d.uploads.DefaultChunkSize = up.ChunkSize
			}
			if up.MaxOutstanding > 0 {
				d.uploads.MaxOutstanding = up.MaxOutstanding
			}
			if up.AuthorizationTTL.Duration > 0 {
				d.uploads.AuthorizationTTL = up.AuthorizationTTL.Duration
			}
		})
	}
	if len(f.Verify.Command) > 0 {
		opts = append(opts, WithVerifyCommand(f.Verify.WorkDir, f.Verify.Command...))
	}
	return opts, nil
}

// CeremonyFile describes a ceremony and its circuits in TOML:
//
//	title = "Semaphore"
//	coordinator = "alice"
//	start = 2022-06-01T12:00:00Z
//	end = 2022-07-01T12:00:00Z
//	penalty = "1h"
//
//	[timeout]
//	mechanism = "Fixed"
//	duration = "10m"
//
//	[[circuits]]
//	name = "semaphore-16"
//	genesis = "semaphore-16_00000.zkey"
//	[circuits.metadata]
//	curve = "bn128"
//	constraints = 12000
type CeremonyFile struct {
	ID                    string                `toml:"id"`
	Title                 string                `toml:"title"`
	Description           string                `toml:"description"`
	Prefix                string                `toml:"prefix"`
	Coordinator           string                `toml:"coordinator"`
	Start                 time.Time             `toml:"start"`
	End                   time.Time             `toml:"end"`
	Penalty               Duration              `toml:"penalty"`
	RequiredContributions uint64                `toml:"required_contributions"`
	RejectPolicy          ceremony.RejectPolicy `toml:"reject_policy"`
	VerificationWindow    Duration              `toml:"verification_window"`

	Timeout struct {
		Mechanism ceremony.TimeoutMechanism `toml:"mechanism"`
		Duration  Duration                  `toml:"duration"`
		Threshold uint32                    `toml:"threshold"`
	} `toml:"timeout"`

	Circuits []CircuitFile `toml:"circuits"`
}

// CircuitFile is one circuit of a CeremonyFile.
type CircuitFile struct {
	Name   string `toml:"name"`
	Prefix string `toml:"prefix"`
	// Genesis is the path of the initial zkey, uploaded on setup when set.
	Genesis  string `toml:"genesis"`
	Metadata struct {
		Curve         string `toml:"curve"`
		Constraints   uint64 `toml:"constraints"`
		Wires         uint64 `toml:"wires"`
		PublicInputs  uint64 `toml:"public_inputs"`
		PrivateInputs uint64 `toml:"private_inputs"`
		Outputs       uint64 `toml:"outputs"`
		Labels        uint64 `toml:"labels"`
		Pot           uint32 `toml:"pot"`
	} `toml:"metadata"`
}

// LoadCeremonyFile decodes a ceremony definition.
func LoadCeremonyFile(p string) (*CeremonyFile, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	return DecodeCeremonyFile(string(b))
}

// DecodeCeremonyFile decodes a ceremony definition from its TOML text.
func DecodeCeremonyFile(s string) (*CeremonyFile, error) {
	f := new(CeremonyFile)
	md, err := toml.Decode(s, f)
	if err != nil {
		return nil, err
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return nil, fmt.Errorf("unknown keys in ceremony file: %v", undec)
	}
	return f, nil
}
