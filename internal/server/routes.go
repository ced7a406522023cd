package server

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HeaderAccountID carries the authenticated account. Authentication
// itself happens upstream.
const HeaderAccountID = "X-Account-ID"

const localAccount = "account_id"

func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Accept,Authorization,Content-Type," + HeaderAccountID,
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))

	s.App.Get("/health", s.healthHandler)
	s.App.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := s.App.Group("/api/v1")

	// Public: anyone may check a finished round or watch the table.
	api.Get("/rounds/:id/verify", s.verifyRoundHandler)
	api.Get("/crash/state", s.crashStateHandler)

	player := api.Group("", requireAccount)
	player.Post("/bets", s.placeBetHandler)
	player.Get("/rounds", s.historyHandler)
	player.Post("/rounds/:id/cashout", s.cashOutHandler)
	player.Post("/rounds/:id/reveal", s.revealCellHandler)
	player.Get("/balance", s.balanceHandler)
	player.Post("/funding", s.fundingHandler)

	if s.hub != nil {
		s.App.Use("/ws", upgradeOnly)
		s.App.Get("/ws", websocket.New(s.crashSocketHandler))
	}
}

func requireAccount(c *fiber.Ctx) error {
	id := c.Get(HeaderAccountID)
	if id == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "missing "+HeaderAccountID+" header")
	}
	c.Locals(localAccount, id)
	return c.Next()
}

func accountID(c *fiber.Ctx) string {
	id, _ := c.Locals(localAccount).(string)
	return id
}

func upgradeOnly(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	// Watching is anonymous; betting over the socket needs an account.
	id := c.Get(HeaderAccountID)
	if id == "" {
		id = c.Query("account_id")
	}
	c.Locals(localAccount, id)
	return c.Next()
}
