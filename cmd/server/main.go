package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/christopherjohns/chatrelay/internal/config"
	"github.com/christopherjohns/chatrelay/internal/registry"
	"github.com/christopherjohns/chatrelay/internal/server"
	"github.com/christopherjohns/chatrelay/internal/sse"
	"github.com/christopherjohns/chatrelay/internal/store"
	"github.com/christopherjohns/chatrelay/internal/ws"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 15 * time.Second

func main() {
	fs := config.FlagSet()
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	logger := hclog.New(&hclog.LoggerOptions{Name: "chatrelay", Level: hclog.Info})
	cfg, err := config.Load(fs)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(hclog.LevelFromString(cfg.LogLevel))

	backend, err := openBackend(cfg.Store, logger)
	if err != nil {
		logger.Error("failed to open store", "type", cfg.Store.Type, "error", err)
		os.Exit(1)
	}

	reg := registry.New(backend,
		registry.WithLogger(logger.Named("registry")),
		registry.WithPresenceTimeout(cfg.Registry.PresenceTimeout),
		registry.WithTypingWindow(cfg.Registry.TypingWindow),
		registry.WithSweepSchedule(cfg.Registry.SweepSchedule),
	)
	if err := reg.Start(); err != nil {
		logger.Error("failed to schedule sweep", "error", err)
		reg.Close()
		os.Exit(1)
	}

	srv := server.New(cfg.Addr,
		server.WithRegistry(reg),
		server.WithLogger(logger),
		server.WithRateLimit(cfg.RateLimit.Max, cfg.RateLimit.Window),
		server.WithStreamOptions(sse.WithInterval(cfg.Stream.Interval), sse.WithLookback(cfg.Stream.Lookback)),
		server.WithSocketOptions(ws.WithMaxConns(cfg.Socket.MaxConns), ws.WithIdleTimeout(cfg.Socket.IdleTimeout)),
	)

	go func() {
		if err := srv.Run(); err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	wait := gfshutdown.GracefulShutdown(context.Background(), shutdownTimeout, map[string]gfshutdown.Operation{
		"http": func(ctx context.Context) error {
			logger.Info("shutting down")
			if err := srv.Shutdown(ctx); err != nil {
				return err
			}
			return reg.Close()
		},
	})
	os.Exit(<-wait)
}

// openBackend builds the configured store. Remote stores are checked
// before the server starts.
func openBackend(cfg config.StoreConfig, logger hclog.Logger) (store.Backend, error) {
	switch cfg.Type {
	case config.StoreMemory:
		logger.Info("using memory store", "max_messages", cfg.MaxMessages)
		return store.NewMemory(cfg.MaxMessages), nil
	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info("connected to redis", "addr", cfg.Redis.Addr)
		return store.NewRedis(rdb, store.WithKeyPrefix(cfg.Redis.KeyPrefix), store.WithMaxMessages(cfg.MaxMessages)), nil
	case config.StoreSQL:
		db, err := store.OpenSQL(cfg.SQL.Driver, cfg.SQL.DSN)
		if err != nil {
			return nil, err
		}
		logger.Info("using sql store", "driver", cfg.SQL.Driver)
		return db, nil
	}
	return nil, fmt.Errorf("unknown store type %q", cfg.Type)
}
