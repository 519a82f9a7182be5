// Package testutil starts throwaway backing services for integration
// tests. Each container is started once per test binary and shared.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type sharedContainer struct {
	once     sync.Once
	endpoint string
	err      error
}

var (
	postgres sharedContainer
	mongo    sharedContainer
	redis    sharedContainer
)

// start runs boot once. Containers outlive individual tests; the
// testcontainers reaper removes them when the test binary exits.
func (c *sharedContainer) start(t *testing.T, boot func(ctx context.Context) (string, error)) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in -short mode")
	}

	c.once.Do(func() {
		// Give generous timeout in CI environments
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()
		c.endpoint, c.err = boot(ctx)
	})
	if c.err != nil {
		t.Skipf("container unavailable: %v", c.err)
	}
	return c.endpoint
}

// PostgresDSN returns a DSN for a database named deckflow_test.
func PostgresDSN(t *testing.T) string {
	return postgres.start(t, func(ctx context.Context) (string, error) {
		c, err := testcontainers.Run(
			ctx, "postgres:16",
			testcontainers.WithExposedPorts("5432/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForAll(
					wait.ForListeningPort("5432/tcp"),
					wait.ForLog("ready to accept connections"),
					// Actively verify SQL connectivity with the mapped host:port
					wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
						return fmt.Sprintf("postgres://deckflow:deckflow@%s:%s/deckflow_test?sslmode=disable", host, port.Port())
					}).WithQuery("SELECT 1"),
				).WithDeadline(2*time.Minute),
			),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     "deckflow",
				"POSTGRES_PASSWORD": "deckflow",
				"POSTGRES_DB":       "deckflow_test",
			}),
		)
		if err != nil {
			return "", err
		}
		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			_ = c.Terminate(context.Background())
			return "", err
		}
		return fmt.Sprintf("postgres://deckflow:deckflow@%s/deckflow_test?sslmode=disable", endpoint), nil
	})
}

// MongoURI returns a mongodb:// connection string.
func MongoURI(t *testing.T) string {
	return mongo.start(t, func(ctx context.Context) (string, error) {
		c, err := testcontainers.Run(
			ctx, "mongo:7",
			testcontainers.WithExposedPorts("27017/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("27017/tcp"),
				wait.ForLog("mongod startup complete"),
			),
		)
		if err != nil {
			return "", err
		}
		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			_ = c.Terminate(context.Background())
			return "", err
		}
		return fmt.Sprintf("mongodb://%s", endpoint), nil
	})
}

// RedisAddr returns a host:port for a Redis server.
func RedisAddr(t *testing.T) string {
	return redis.start(t, func(ctx context.Context) (string, error) {
		c, err := testcontainers.Run(
			ctx, "redis:7",
			testcontainers.WithExposedPorts("6379/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			),
		)
		if err != nil {
			return "", err
		}
		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			_ = c.Terminate(context.Background())
			return "", err
		}
		return endpoint, nil
	})
}
