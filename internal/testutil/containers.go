// Package testutil starts throwaway backing services for integration
// tests. They only run with CHAT_INTEGRATION=1 and a reachable docker.
package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"go-chat/internal/db"
)

const envIntegration = "CHAT_INTEGRATION"

// SkipUnlessIntegration skips t in short mode or when integration tests
// were not asked for.
func SkipUnlessIntegration(t *testing.T) {
	t.Helper()
	if testing.Short() || os.Getenv(envIntegration) != "1" {
		t.Skipf("set %s=1 to run against containers", envIntegration)
	}
}

// SetupContainer starts req and returns the container with the host:port
// of its first exposed port. The container is terminated with the test.
func SetupContainer(t *testing.T, req testcontainers.ContainerRequest) (testcontainers.Container, string) {
	t.Helper()
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	return container, endpoint
}

// Postgres returns a migrated database in a fresh postgres container.
func Postgres(t *testing.T) *db.Database {
	t.Helper()
	SkipUnlessIntegration(t)

	_, endpoint := SetupContainer(t, testcontainers.ContainerRequest{
		Image: "postgres:16-alpine",
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "chat",
		},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(time.Minute),
	})

	ctx := context.Background()
	database, err := db.NewDatabase(ctx, fmt.Sprintf("postgres://test:test@%s/chat?sslmode=disable", endpoint))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, database.AutoMigrate(ctx))
	return database
}

// Redis returns a client for a fresh redis container.
func Redis(t *testing.T) *redis.Client {
	t.Helper()
	SkipUnlessIntegration(t)

	_, endpoint := SetupContainer(t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp"),
	})

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())
	return client
}
