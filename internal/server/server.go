package server

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"

	"wager/internal/cache"
	"wager/internal/database"
	"wager/internal/ledger"
	"wager/internal/logger"
	"wager/internal/settlement"
)

// Deps are the components the HTTP surface drives. DB, Cache and Hub may
// be nil.
type Deps struct {
	Orchestrator *settlement.Orchestrator
	Ledger       *ledger.Ledger
	DB           database.Service
	Cache        cache.Service
	Hub          *Hub
}

type FiberServer struct {
	*fiber.App

	orchestrator *settlement.Orchestrator
	ledger       *ledger.Ledger
	db           database.Service
	cache        cache.Service
	hub          *Hub
}

func New(d Deps) *FiberServer {
	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "wager",
			AppName:       "wager",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			StrictRouting: false,
			ErrorHandler:  errorHandler,
		}),

		orchestrator: d.Orchestrator,
		ledger:       d.Ledger,
		db:           d.DB,
		cache:        d.Cache,
		hub:          d.Hub,
	}

	server.App.Use(recover.New())
	server.App.Use(requestid.New())
	server.App.Use(func(c *fiber.Ctx) error {
		id := c.GetRespHeader(fiber.HeaderXRequestID)
		c.SetUserContext(logger.WithRequestID(c.UserContext(), id))
		return c.Next()
	})
	server.App.Use(limiter.New(limiter.Config{
		Max:        600,
		Expiration: 1 * time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Path() == "/health" || c.Path() == "/metrics"
		},
	}))

	return server
}

// Shutdown stops accepting requests and closes the backing connections.
func (s *FiberServer) Shutdown() error {
	logger.Info("shutting down http server")

	err := s.App.Shutdown()
	if s.cache != nil {
		if cerr := s.cache.Close(); cerr != nil {
			logger.Warn("cache close failed", zap.Error(cerr))
		}
	}
	if s.db != nil {
		if derr := s.db.Close(); derr != nil {
			logger.Warn("database close failed", zap.Error(derr))
		}
	}
	return err
}
