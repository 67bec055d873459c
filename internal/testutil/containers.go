//go:build integration

package testutil

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// PGContainer starts a disposable Postgres 16 container, migrates it and
// returns the connection plus cleanup. Run with: go test -tags integration ./...
func PGContainer(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("fraudguard"),
		postgres.WithUsername("fraudguard"),
		postgres.WithPassword("fraudguard"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("pgcontainer: start: %v", err)
	}

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = testcontainers.TerminateContainer(ctr)
		t.Fatalf("pgcontainer: dsn: %v", err)
	}

	db, closeDB := Open(t, dsn)
	return db, func() {
		closeDB()
		_ = testcontainers.TerminateContainer(ctr)
	}
}
