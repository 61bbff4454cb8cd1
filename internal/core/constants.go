package core

import (
	"os"
	"path"
	"time"
)

// DefaultConfigFolderName is the name of the folder holding the daemon
// configuration and, by default, its bolt database. It is relative to the
// user's home directory.
const DefaultConfigFolderName = ".ceremony"

// DefaultConfigFolder returns the default path of the configuration folder.
func DefaultConfigFolder() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return path.Join(home, DefaultConfigFolderName)
}

// DefaultDBFolder is the name of the folder in which the db file is saved.
// It is relative to the configuration folder.
const DefaultDBFolder = "db"

// DefaultListenAddr is where the API is served when nothing else is set.
const DefaultListenAddr = "127.0.0.1:8480"

// DefaultLifecycleInterval is the period of the ceremony lifecycle pass.
const DefaultLifecycleInterval = 30 * time.Second

// DefaultRegistryCacheSize bounds the circuits cached by the registry.
const DefaultRegistryCacheSize = 256

// DefaultConfigFileName is looked up in the configuration folder.
const DefaultConfigFileName = "ceremony.toml"

const shutdownTimeout = 10 * time.Second
