package server

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"wager/internal/crash"
	"wager/internal/errs"
	"wager/internal/game"
	"wager/internal/ledger"
	"wager/internal/settlement"
)

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	health := fiber.Map{}
	if s.db != nil {
		health["database"] = s.db.Health()
	}
	if s.cache != nil {
		health["cache"] = s.cache.Health()
	}
	table := fiber.Map{"status": "disabled"}
	if snap, ok := s.crashSnapshot(c.UserContext()); ok {
		table = fiber.Map{"status": "running", "phase": snap.Phase, "round_id": snap.RoundID}
	}
	if s.hub != nil {
		table["connected_clients"] = s.hub.ClientCount()
	}
	health["crash"] = table
	return c.JSON(health)
}

func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	var req settlement.BetRequest
	if err := c.BodyParser(&req); err != nil {
		return errs.Invalid("invalid request body")
	}
	req.AccountID = accountID(c)

	res, err := s.orchestrator.PlaceBet(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

type cashOutResponse struct {
	RoundID    string          `json:"round_id"`
	Multiplier game.Multiplier `json:"multiplier"`
}

func (s *FiberServer) cashOutHandler(c *fiber.Ctx) error {
	roundID := c.Params("id")
	m, err := s.orchestrator.RequestCashOut(c.UserContext(), accountID(c), roundID)
	if err != nil {
		return err
	}
	return c.JSON(cashOutResponse{RoundID: roundID, Multiplier: m})
}

func (s *FiberServer) revealCellHandler(c *fiber.Ctx) error {
	var body struct {
		Cell *int `json:"cell"`
	}
	if err := c.BodyParser(&body); err != nil || body.Cell == nil {
		return errs.Invalid("cell is required")
	}
	res, err := s.orchestrator.RevealCell(c.UserContext(), accountID(c), c.Params("id"), *body.Cell)
	if err != nil {
		return err
	}
	return c.JSON(res)
}

func (s *FiberServer) historyHandler(c *fiber.Ctx) error {
	page, err := s.orchestrator.RoundHistoryPage(c.UserContext(), accountID(c), c.Query("cursor"), c.QueryInt("limit"))
	if err != nil {
		return err
	}
	return c.JSON(page)
}

func (s *FiberServer) verifyRoundHandler(c *fiber.Ctx) error {
	proof, err := s.orchestrator.VerifyRound(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(proof)
}

func (s *FiberServer) balanceHandler(c *fiber.Ctx) error {
	id := accountID(c)
	balance, err := s.ledger.Balance(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"account_id": id,
		"balance":    balance,
	})
}

func (s *FiberServer) fundingHandler(c *fiber.Ctx) error {
	var ev ledger.FundingEvent
	if err := c.BodyParser(&ev); err != nil {
		return errs.Invalid("invalid request body")
	}
	ev.AccountID = accountID(c)

	res, err := s.ledger.ApplyFunding(c.UserContext(), ev)
	if err != nil {
		return err
	}
	status := fiber.StatusCreated
	if res.Duplicate {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(res)
}

func (s *FiberServer) crashStateHandler(c *fiber.Ctx) error {
	snap, ok := s.crashSnapshot(c.UserContext())
	if !ok {
		return errs.New(errs.CodeNotFound, "no crash round")
	}
	return c.JSON(snap)
}

// crashSnapshot prefers the local table and falls back to the snapshot
// another instance published to the cache.
func (s *FiberServer) crashSnapshot(ctx context.Context) (crash.Snapshot, bool) {
	if s.orchestrator != nil {
		if t := s.orchestrator.Table(); t != nil {
			if snap, ok := t.Snapshot(); ok {
				return snap, true
			}
		}
	}
	if s.cache != nil {
		return s.cache.CrashState(ctx)
	}
	return crash.Snapshot{}, false
}
