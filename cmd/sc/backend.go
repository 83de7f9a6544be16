package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/Ciprian167/siliconcompiler/graph"
	"github.com/Ciprian167/siliconcompiler/graph/emit"
	"github.com/Ciprian167/siliconcompiler/graph/remote"
	"github.com/Ciprian167/siliconcompiler/graph/store"
	"github.com/Ciprian167/siliconcompiler/internal/config"
)

// openStore opens the configured store.
func openStore(c *config.Config) (store.Store, error) {
	switch c.Store.Kind {
	case "sqlite":
		return store.NewSQLiteStore(c.Store.SQLitePath)
	case "mysql":
		return store.NewMySQLStore(c.Store.MySQLDSN)
	case "memory", "":
		return store.NewMemStore(), nil
	}
	return nil, fmt.Errorf("unsupported store: %s", c.Store.Kind)
}

func newRedisClient(c *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	})
}

// buildDispatcher returns a router sending nodes to the local machine or
// to the scheduler named by option/scheduler/name. Nodes naming none go to
// the configured scheduler. The returned function releases scheduler
// connections.
func buildDispatcher(c *config.Config, log *zap.Logger, emitter emit.Emitter) (graph.Dispatcher, func(), error) {
	local := graph.NewLocalDispatcher(0)
	router := remote.NewRouter(local)
	closeFn := func() {}

	policy := &graph.RetryPolicy{
		MaxAttempts: c.Scheduler.SubmitAttempts,
		BaseDelay:   c.Scheduler.BaseDelay,
		MaxDelay:    c.Scheduler.MaxDelay,
		Retryable:   remote.Retryable,
	}
	wrap := func(s remote.Scheduler, queue string) (graph.Dispatcher, error) {
		return remote.NewDispatcher(s,
			remote.WithRetryPolicy(policy),
			remote.WithPollInterval(c.Scheduler.PollInterval),
			remote.WithQueue(queue),
			remote.WithLogger(log),
			remote.WithEmitter(emitter),
			remote.WithLocal(local),
		)
	}

	slurm, err := wrap(remote.NewSlurmScheduler(nil), c.Scheduler.Partition)
	if err != nil {
		return nil, closeFn, err
	}
	router.Handle("slurm", slurm)

	if c.Scheduler.Name == "redis" {
		client := newRedisClient(c)
		closeFn = func() { _ = client.Close() }
		d, err := wrap(remote.NewRedisScheduler(client, remote.RedisConfig{}), c.Redis.Queue)
		if err != nil {
			return nil, closeFn, err
		}
		router.Handle("redis", d)
	}

	if c.Scheduler.HTTPURL != "" {
		var opts []remote.HTTPOption
		if c.Scheduler.HTTPToken != "" {
			opts = append(opts, remote.WithHeader("Authorization", "Bearer "+c.Scheduler.HTTPToken))
		}
		s, err := remote.NewHTTPScheduler(c.Scheduler.HTTPURL, opts...)
		if err != nil {
			return nil, closeFn, err
		}
		d, err := wrap(s, "")
		if err != nil {
			return nil, closeFn, err
		}
		router.Handle("http", d)
	}

	if c.Scheduler.Name != "local" {
		router.Default(c.Scheduler.Name)
	}
	return router, closeFn, nil
}

// buildEmitter logs events through zap and, with tracing enabled, records
// them as spans. Finished spans are exported as JSON into the "trace"
// logger at debug level. The returned function flushes and stops the
// tracer provider.
func buildEmitter(c *config.Config, log *zap.Logger) (emit.Emitter, func(context.Context), error) {
	emitters := []emit.Emitter{emit.NewZapEmitter(log.Named("events"))}
	if !c.Tracing {
		return emit.NewMultiEmitter(emitters...), func(context.Context) {}, nil
	}

	sink, err := zap.NewStdLogAt(log.Named("trace"), zap.DebugLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("trace logger: %w", err)
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(sink.Writer()))
	if err != nil {
		return nil, nil, fmt.Errorf("trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	emitters = append(emitters, emit.NewOTelEmitter(tp.Tracer("siliconcompiler")))
	return emit.NewMultiEmitter(emitters...), func(ctx context.Context) {
		if err := tp.Shutdown(ctx); err != nil {
			log.Warn("failed to stop tracer provider", zap.Error(err))
		}
	}, nil
}
