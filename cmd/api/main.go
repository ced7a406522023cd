package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wager/internal/cache"
	"wager/internal/config"
	"wager/internal/crash"
	"wager/internal/database"
	"wager/internal/fairness"
	"wager/internal/game"
	"wager/internal/ledger"
	"wager/internal/logger"
	"wager/internal/server"
	"wager/internal/settlement"
	"wager/internal/store"
	"wager/internal/store/memory"
	"wager/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Log.Level, cfg.Log.File)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	s, db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	redisCache := cache.New(cfg.Redis)
	var funding ledger.FundingCache
	if redisCache != nil {
		funding = redisCache
	}

	l := ledger.New(s, funding)
	registry, err := game.NewDefaultRegistry(cfg.Games)
	if err != nil {
		return fmt.Errorf("build game registry: %w", err)
	}
	o := settlement.New(cfg, s, l, fairness.NewEngine(s, nil), registry)

	hub := server.NewHub()
	var table *crash.Table
	if cfg.Crash.Enabled {
		publishers := []crash.Publisher{hub}
		if redisCache != nil {
			publishers = append(publishers, redisCache)
		}
		table = o.NewCrashTable(crash.SystemClock{}, publishers...)
	}

	// Anything a previous process left open is closed before new bets land.
	if _, err := o.Recover(ctx); err != nil {
		return fmt.Errorf("recover rounds: %w", err)
	}

	srv := server.New(server.Deps{
		Orchestrator: o,
		Ledger:       l,
		DB:           db,
		Cache:        redisCache,
		Hub:          hub,
	})
	srv.RegisterFiberRoutes()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return o.RunReaper(gctx)
	})
	if table != nil {
		g.Go(func() error {
			return table.Run(gctx)
		})
	}
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.Port)
		logger.Info("http server listening", zap.String("addr", addr), zap.String("store", cfg.StoreDriver))
		return srv.Listen(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		done := make(chan error, 1)
		go func() { done <- srv.Shutdown() }()
		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			return errors.New("http shutdown timed out")
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, database.Service, error) {
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory store; balances are lost on restart")
		return memory.New(), nil, nil
	case "postgres":
		openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		db, err := database.Open(openCtx, cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		if err := database.Migrate(ctx, db.Pool()); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return postgres.New(db.Pool()), db, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}
