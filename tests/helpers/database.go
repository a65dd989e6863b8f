// Package helpers contains shared test scaffolding. The database helper
// provisions a throwaway postgres container per test and hands back a
// connected, migrated manager.
package helpers

import (
	"context"
	"testing"
	"time"

	"github.com/grabbitd/grabbit/internal/database"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	user         = "postgres"
	password     = "postgres"
	databaseName = "GRABBIT_TEST_DB"
)

// SetupTestDatabase spawns a postgres container, connects a database manager
// to it (which also runs the embedded migrations) and registers cleanup with
// the test. Tests that cannot reach a Docker daemon should be run with -short
// and skip before calling this.
func SetupTestDatabase(t *testing.T) database.Manager {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:14.1-alpine"),
		postgres.WithDatabase(databaseName),
		postgres.WithUsername(user),
		postgres.WithPassword(password),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %s", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("WARNING: failed to terminate postgres container: %s", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to resolve container host: %s", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("failed to resolve container port: %s", err)
	}

	manager := database.New()
	if err := manager.Connect(database.DatabaseConfig{
		User:     user,
		Password: password,
		Name:     databaseName,
		Host:     host,
		Port:     port.Port(),
	}); err != nil {
		t.Fatalf("failed to connect to test database: %s", err)
	}

	return manager
}
