// Package app assembles one collabd replica from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"collabtext/internal/auth"
	"collabtext/internal/bus"
	"collabtext/internal/config"
	"collabtext/internal/discovery"
	"collabtext/internal/metrics"
	"collabtext/internal/presence"
	"collabtext/internal/server"
	"collabtext/internal/session"
	"collabtext/internal/snapshot"
	"collabtext/internal/stream"
)

// App is a wired replica.
type App struct {
	cfg     config.Config
	log     *slog.Logger
	replica string

	pool      *pgxpool.Pool
	rdb       *redis.Client
	transport bus.Transport
	store     snapshot.Store
	tracker   *presence.Tracker
	streams   *stream.Manager
	scheduler *snapshot.Scheduler
	server    *server.Server
	http      *http.Server
}

// New connects to the configured backends and builds every component. On
// error anything already opened is closed.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (a *App, err error) {
	replica := cfg.Server.ReplicaID
	if replica == "" {
		replica = uuid.NewString()[:8]
	}
	a = &App{cfg: cfg, log: logger.With("component", "app", "replica", replica), replica: replica}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	if cfg.UsesPostgres() {
		if a.pool, err = Connect(ctx, cfg.Postgres.URL); err != nil {
			return nil, err
		}
		a.log.Info("connected to PostgreSQL")
	}
	if a.store, err = a.openStore(ctx); err != nil {
		return nil, err
	}
	dir, err := a.directory()
	if err != nil {
		return nil, err
	}
	tokens, err := auth.NewTokens(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	if err != nil {
		return nil, err
	}

	if cfg.Redis.Enabled {
		a.rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if perr := a.rdb.Ping(ctx).Err(); perr != nil {
			a.log.Warn("redis unreachable, serving locally until it answers", "addr", cfg.Redis.Addr, "error", perr)
		} else {
			a.log.Info("connected to Redis", "addr", cfg.Redis.Addr)
		}
		a.transport = bus.NewRedis(a.rdb, replica, logger)
	} else {
		a.transport = bus.NewNetwork().Transport(replica)
	}

	a.tracker = presence.NewTracker(cfg.Presence.Window)
	a.streams = stream.NewManager(stream.Config{
		Replica:     replica,
		IdleTimeout: cfg.Stream.IdleTimeout,
	}, a.store, a.transport, a.tracker, logger, m)
	a.scheduler = snapshot.NewScheduler(a.store, a.streams, snapshot.SchedulerConfig{
		Interval:  cfg.Snapshot.Interval,
		QueueSize: cfg.Snapshot.QueueSize,
	}, logger, m)
	a.streams.OnEvict(a.scheduler.Flush)

	a.server = server.New(server.Deps{
		Replica:        replica,
		Authorizer:     auth.NewAuthorizer(tokens, dir),
		Streams:        a.streams,
		Scheduler:      a.scheduler,
		Tracker:        a.tracker,
		Bus:            a.transport,
		Gatherer:       reg,
		Metrics:        m,
		Session:        sessionConfig(cfg.Session),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})
	a.http = &http.Server{
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// Connect opens and pings a Postgres pool.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}
	return pool, nil
}

func sessionConfig(c config.SessionConfig) session.Config {
	return session.Config{
		OutboundQueue:     c.OutboundQueue,
		MaxProtocolErrors: c.MaxProtocolErrors,
		Rate:              c.Rate,
		Burst:             c.Burst,
		PingInterval:      c.PingInterval,
		PongWait:          c.PongWait,
		WriteWait:         c.WriteWait,
		MaxMessageBytes:   c.MaxMessageBytes,
	}
}

func (a *App) openStore(ctx context.Context) (snapshot.Store, error) {
	c := a.cfg.Snapshot
	a.log.Info("opening snapshot store", "driver", c.Driver)
	switch c.Driver {
	case "postgres":
		return snapshot.NewPostgresStore(a.pool), nil
	case "sqlite":
		return snapshot.NewSQLiteStore(c.SQLite)
	case "bolt":
		return snapshot.NewBoltStore(c.BoltPath)
	case "s3":
		return snapshot.NewS3Store(ctx, c.S3)
	case "memory":
		return snapshot.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown snapshot driver %q", c.Driver)
}

func (a *App) directory() (auth.Directory, error) {
	switch a.cfg.Auth.Directory {
	case "postgres":
		return auth.NewPostgresDirectory(a.pool), nil
	case "memory":
		return auth.NewMemoryDirectory(), nil
	case "open":
		a.log.Warn("open directory: every token holder may edit every document")
		return auth.NewOpenDirectory(), nil
	}
	return nil, fmt.Errorf("unknown directory %q", a.cfg.Auth.Directory)
}

// Replica returns the replica ID used on the bus.
func (a *App) Replica() string { return a.replica }

// Run serves on ln until ctx is done, then shuts down: sessions are closed
// with going away, dirty documents are flushed and streams are released.
func (a *App) Run(ctx context.Context, ln net.Listener) error {
	if rt, ok := a.transport.(*bus.RedisTransport); ok {
		rt.Start(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.tracker.Run(gctx, a.cfg.Presence.SweepInterval)
		return nil
	})
	g.Go(func() error {
		a.streams.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.scheduler.Run(gctx)
		return nil
	})

	if a.cfg.Server.Announce {
		if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
			ann, err := discovery.Announce(a.replica, tcp.Port, a.log)
			if err != nil {
				a.log.Warn("mDNS announce failed", "error", err)
			} else {
				defer ann.Shutdown()
			}
		}
	}

	g.Go(func() error {
		a.log.Info("collabd listening", "addr", ln.Addr().String())
		if err := a.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.shutdown()
		return nil
	})
	return g.Wait()
}

func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	a.log.Info("shutting down")
	if err := a.http.Shutdown(ctx); err != nil {
		a.log.Warn("http shutdown", "error", err)
	}
	a.server.Shutdown()
	if err := a.scheduler.FlushAll(ctx); err != nil {
		a.log.Error("final snapshot failed", "error", err)
	}
	a.streams.Close(ctx)
}

// Close releases the backends. Call it after Run returns.
func (a *App) Close() {
	if a.transport != nil {
		_ = a.transport.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("closing snapshot store", "error", err)
		}
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// Migrate creates the Postgres tables used by the directory and the
// snapshot store.
func Migrate(ctx context.Context, url string, logger *slog.Logger) error {
	pool, err := Connect(ctx, url)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := auth.NewPostgresDirectory(pool).EnsureSchema(ctx); err != nil {
		return fmt.Errorf("directory schema: %w", err)
	}
	if err := snapshot.NewPostgresStore(pool).EnsureSchema(ctx); err != nil {
		return fmt.Errorf("snapshot schema: %w", err)
	}
	logger.Info("schema ready")
	return nil
}
