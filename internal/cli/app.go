package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/deckflow/internal/agent"
	"github.com/petrijr/deckflow/internal/config"
	"github.com/petrijr/deckflow/internal/engine"
	"github.com/petrijr/deckflow/internal/persistence"
	"github.com/petrijr/deckflow/internal/retry"
	"github.com/petrijr/deckflow/internal/taskqueue"
	"github.com/petrijr/deckflow/internal/telemetry"
	"github.com/petrijr/deckflow/pkg/api"
	"github.com/petrijr/deckflow/pkg/layout"
)

// app is an engine wired to the backends the configuration selects.
type app struct {
	engine  api.Engine
	queue   taskqueue.Queue
	closers []func() error
}

// Close releases backend connections in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	var (
		store *persistence.SQLStore
		p     persistence.Persistence
	)
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		store, err = persistence.OpenSQLite(cfg.Storage.SQLitePath)
	case config.BackendPostgres:
		store, err = persistence.OpenPostgres(cfg.Storage.PostgresDSN)
	default:
		p = persistence.NewMemoryPersistence()
	}
	if err != nil {
		return nil, err
	}
	if store != nil {
		a.closers = append(a.closers, store.DB().Close)
		p = store.Persistence()
	}

	var rdb *redis.Client
	if cfg.Queue.Backend == config.BackendRedis || cfg.Redis.MeasureCacheTTL > 0 {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("cli: redis %s: %w", cfg.Redis.Addr, err)
		}
	}

	if cfg.Mongo.URI != "" {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("cli: mongo: %w", err)
		}
		a.closers = append(a.closers, func() error { return client.Disconnect(context.Background()) })
		p.Artifacts = persistence.NewMongoArtifactStore(client, cfg.Mongo.Database, "")
	}

	switch cfg.Queue.Backend {
	case config.BackendSQLite:
		q, err := taskqueue.NewSQLiteQueue(store.DB())
		if err != nil {
			return nil, err
		}
		a.queue = q
	case config.BackendRedis:
		a.queue = taskqueue.NewRedisQueue(rdb, cfg.Redis.Prefix)
	default:
		a.queue = taskqueue.NewInMemoryQueue()
	}

	le, err := newLayoutEngine(cfg, rdb, logger)
	if err != nil {
		return nil, err
	}

	metrics, err := telemetry.NewObserver(nil)
	if err != nil {
		return nil, err
	}

	policy := retry.DefaultPolicy()
	policy.MaxFixLoops = cfg.Policy.MaxFixLoops
	policy.RequireApproval = cfg.Policy.RequireApproval
	policy.AllowExternalNetwork = cfg.Policy.AllowExternalNetwork

	a.engine, err = engine.NewEngineWithConfig(engine.Config{
		Persistence: p,
		Queue:       a.queue,
		Observer:    api.NewCompositeObserver(api.NewLoggingObserver(logger), metrics),
		Logger:      logger,
		Policy:      &policy,
		Deck: engine.DeckOptions{
			Agents: newAgents(cfg),
			Layout: le,
			Logger: logger,
		},
	})
	if err != nil {
		return nil, err
	}

	logger.Info("engine_ready",
		slog.String("storage", cfg.Storage.Backend),
		slog.String("queue", cfg.Queue.Backend),
		slog.Bool("mongo_artifacts", cfg.Mongo.URI != ""),
		slog.Bool("openai", cfg.OpenAI.APIKey != ""),
	)
	return a, nil
}

// newLayoutEngine loads the configured preset package. rdb, when not nil
// and a cache TTL is set, backs the shared measurement cache.
func newLayoutEngine(cfg config.Config, rdb *redis.Client, logger *slog.Logger) (*layout.Engine, error) {
	var pkg *layout.PresetPackage
	if cfg.Layout.PresetPath != "" {
		var err error
		if pkg, err = layout.LoadPresetPackage(cfg.Layout.PresetPath); err != nil {
			return nil, err
		}
	}
	opts := []layout.MeasurerOption{layout.WithMeasureLogger(logger)}
	if rdb != nil && cfg.Redis.MeasureCacheTTL > 0 {
		opts = append(opts, layout.WithSharedCache(
			persistence.NewRedisMeasureCache(rdb, cfg.Redis.Prefix, cfg.Redis.MeasureCacheTTL)))
	}
	return layout.NewEngine(pkg, layout.NewMeasurer(opts...)), nil
}

func newAgents(cfg config.Config) agent.Set {
	if cfg.OpenAI.APIKey == "" {
		return agent.DeterministicSet()
	}
	return agent.OpenAISet(agent.NewOpenAI(cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.OpenAI.BaseURL))
}
