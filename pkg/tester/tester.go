// Package tester spins up throwaway Postgres and Redis containers for
// integration tests. Callers own the lifecycle: SetupX to start,
// Cleanup to tear down.
package tester

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/driftdesk/driftdesk/pkg/redis"
)

// Tester holds the live test dependencies and their containers.
type Tester struct {
	DB              *sql.DB
	Redis           *redis.Client
	PostgresConnStr string
	RedisHost       string
	RedisPort       string
	Log             *zap.Logger

	postgresContainer testcontainers.Container
	redisContainer    testcontainers.Container
}

// New creates a Tester that logs through the given logger.
func New(log *zap.Logger) *Tester {
	return &Tester{Log: log}
}

// SetupPostgres starts a Postgres container, waits until it accepts
// connections, and runs the optional migration against it.
func (t *Tester) SetupPostgres(ctx context.Context, migration func(db *sql.DB) error) error {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:14-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "test_db",
			"POSTGRES_USER":     "test_user",
			"POSTGRES_PASSWORD": "test_password",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return fmt.Errorf("failed to start Postgres container: %w", err)
	}
	t.postgresContainer = container

	host, err := container.Host(ctx)
	if err != nil {
		return fmt.Errorf("failed to get Postgres host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return fmt.Errorf("failed to get Postgres port: %w", err)
	}

	connStr := fmt.Sprintf("host=%s port=%s user=test_user password=test_password dbname=test_db sslmode=disable",
		host, port.Port())

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	if err := waitForPostgres(db, 10*time.Second); err != nil {
		return fmt.Errorf("postgres not ready: %w", err)
	}
	if migration != nil {
		if err := migration(db); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	t.DB = db
	t.PostgresConnStr = connStr
	return nil
}

// waitForPostgres pings the DB until it is ready or times out.
func waitForPostgres(db *sql.DB, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for Postgres to be ready")
		}
		if err := db.Ping(); err == nil {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// SetupRedis starts a Redis container and connects a client to it.
func (t *Tester) SetupRedis(ctx context.Context) error {
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return fmt.Errorf("failed to start Redis container: %w", err)
	}
	t.redisContainer = container

	host, err := container.Host(ctx)
	if err != nil {
		return fmt.Errorf("failed to get Redis host: %w", err)
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		return fmt.Errorf("failed to get Redis port: %w", err)
	}

	client, err := redis.NewClient(redis.Config{Host: host, Port: port.Port()}, t.Log)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	t.Redis = client
	t.RedisHost = host
	t.RedisPort = port.Port()
	return nil
}

// SetupAll starts both Postgres and Redis.
func (t *Tester) SetupAll(ctx context.Context, migration func(db *sql.DB) error) error {
	if err := t.SetupPostgres(ctx, migration); err != nil {
		return err
	}
	return t.SetupRedis(ctx)
}

// Cleanup closes connections and terminates any started containers.
func (t *Tester) Cleanup(ctx context.Context) {
	if t.DB != nil {
		if err := t.DB.Close(); err != nil {
			t.Log.Warn("failed to close test DB", zap.Error(err))
		}
	}
	if t.Redis != nil {
		if err := t.Redis.Close(); err != nil {
			t.Log.Warn("failed to close test Redis client", zap.Error(err))
		}
	}
	if t.postgresContainer != nil {
		if err := t.postgresContainer.Terminate(ctx); err != nil {
			t.Log.Warn("failed to terminate Postgres container", zap.Error(err))
		}
	}
	if t.redisContainer != nil {
		if err := t.redisContainer.Terminate(ctx); err != nil {
			t.Log.Warn("failed to terminate Redis container", zap.Error(err))
		}
	}
}
