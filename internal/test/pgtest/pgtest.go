// Package pgtest creates throwaway PostgreSQL databases for tests tagged
// postgres. The server is taken from CEREMONY_TEST_PG_HOST, localhost:5432 by
// default, with the postgres/postgres superuser.
package pgtest

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/drand/ceremony/internal/ceremony/postgresdb/database"
	"github.com/drand/ceremony/internal/ceremony/postgresdb/schema"
)

// HostEnv names the variable holding the host:port of the test server.
const HostEnv = "CEREMONY_TEST_PG_HOST"

func host() string {
	if h := os.Getenv(HostEnv); h != "" {
		return h
	}
	return "localhost:5432"
}

// NewUnit creates a migrated, empty database for the test and drops nothing:
// names are unique per run.
func NewUnit(t *testing.T) *sqlx.DB {
	t.Helper()

	dbName := ComputeDBName(t.Name())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cfg := database.Config{
		User:           "postgres",
		Password:       "postgres",
		Host:           host(),
		Name:           "postgres",
		ConnectTimeout: 5,
		MaxIdleConns:   2,
		DisableTLS:     true,
	}
	admin, err := database.Open(ctx, cfg)
	require.NoError(t, err, "opening database connection")

	_, err = admin.ExecContext(ctx, "CREATE DATABASE "+dbName)
	require.NoError(t, err, "creating database %s", dbName)
	require.NoError(t, admin.Close())

	cfg.Name = dbName
	db, err := database.Open(ctx, cfg)
	require.NoError(t, err, "opening database connection")
	require.NoError(t, schema.Migrate(ctx, db), "migrating")

	return db
}

// ComputeDBName derives a unique, valid database name from a test name.
func ComputeDBName(testName string) string {
	clean := strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, strings.ToLower(testName))
	suffix := strings.Replace(time.Now().Format("02150405.000"), ".", "", -1)
	return fmt.Sprintf("ceremony_%s_%s", clean, suffix)
}
