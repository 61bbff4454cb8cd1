package testlogger

import (
	"os"
	"testing"

	"github.com/drand/ceremony/common/log"
)

// Level returns debug when CEREMONY_TEST_LOGS=DEBUG, info otherwise.
func Level(t *testing.T) int {
	if v, ok := os.LookupEnv("CEREMONY_TEST_LOGS"); ok && v == "DEBUG" {
		t.Log("Enabling DebugLevel logs")
		return log.DebugLevel
	}
	return log.InfoLevel
}

// New returns a logger tagged with the test name.
func New(t *testing.T) log.Logger {
	return log.New(nil, Level(t), true).With("testName", t.Name())
}
