package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wager/internal/crash"
	"wager/internal/errs"
	"wager/internal/game"
	"wager/internal/logger"
	"wager/internal/metrics"
	"wager/internal/store"
)

func (o *Orchestrator) crashEvaluator() (*game.Crash, error) {
	ev, err := o.evaluator(game.TypeCrash)
	if err != nil {
		return nil, err
	}
	c, ok := ev.(*game.Crash)
	if !ok {
		return nil, fmt.Errorf("crash evaluator has type %T", ev)
	}
	return c, nil
}

// OpenRound commits a crash round under the house account. Every player
// in the round shares this commitment and its crash point.
func (o *Orchestrator) OpenRound(ctx context.Context) (crash.Opening, error) {
	ev, err := o.crashEvaluator()
	if err != nil {
		return crash.Opening{}, err
	}
	c, err := o.fairness.Commit(ctx, o.games.HouseAccountID, string(game.TypeCrash), o.crash.ClientSeed)
	if err != nil {
		return crash.Opening{}, err
	}
	return crash.Opening{
		ID:             uuid.NewString(),
		CommitmentID:   c.ID,
		ServerSeedHash: c.ServerSeedHash,
		CrashPoint:     ev.CrashPoint(o.fairness.Draw(c)),
	}, nil
}

// SettleRound settles every player round of a closed crash round that was
// not already settled by its own cash-out, then reveals the seed.
func (o *Orchestrator) SettleRound(ctx context.Context, cr *crash.Round, players []crash.Participant) error {
	c, err := o.fairness.Lookup(ctx, cr.CommitmentID())
	if err != nil {
		return err
	}
	var failed error
	for _, p := range players {
		if err := o.settleCrashPlayer(ctx, p.RoundID, p.CashedOut); err != nil {
			logger.ErrorCtx(ctx, "crash player settlement failed",
				zap.String("round_id", p.RoundID), zap.Error(err))
			failed = errors.Join(failed, err)
		}
	}
	o.reveal(ctx, c)
	return failed
}

func (o *Orchestrator) settleCrashPlayer(ctx context.Context, roundID string, at game.Multiplier) error {
	unlock := o.locks.Lock(roundID)
	defer unlock()

	r, err := o.load(ctx, "", roundID)
	if err != nil {
		return err
	}
	if r.Status != store.RoundCommitted {
		return nil
	}
	var p game.CrashParams
	if len(r.Params) > 0 {
		if err := json.Unmarshal(r.Params, &p); err != nil {
			_, err = o.abort(ctx, &r, "resolve_failed", errs.Wrap(errs.CodeInvalidBetParameters, "stored params", err))
			return err
		}
	}
	p.CashOutAt = at
	if r.Params, err = json.Marshal(p); err != nil {
		return err
	}

	c, err := o.fairness.Lookup(ctx, r.CommitmentID)
	if err != nil {
		return err
	}
	ev, err := o.crashEvaluator()
	if err != nil {
		return err
	}
	out, err := ev.Resolve(o.fairness.Draw(c), r.Params, r.Stake)
	if err != nil {
		_, err = o.abort(ctx, &r, "resolve_failed", err)
		return err
	}
	return o.finish(ctx, &r, out)
}

func (o *Orchestrator) placeCrashBet(ctx context.Context, req BetRequest) (RoundResult, error) {
	if o.table == nil {
		return RoundResult{}, errs.New(errs.CodeTooLate, "crash is not running")
	}
	cr := o.table.Current()
	if cr == nil || cr.Phase() != crash.PhaseAwaitingBets {
		return RoundResult{}, errs.New(errs.CodeTooLate, "betting is closed")
	}
	var p game.CrashParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return RoundResult{}, errs.Wrap(errs.CodeInvalidBetParameters, "malformed params", err)
		}
	}
	if p.CashOutAt != 0 {
		return RoundResult{}, errs.Invalid("cashOutAt is set by the round")
	}

	r, err := o.open(ctx, req, cr.CommitmentID())
	if err != nil {
		return RoundResult{Round: r}, err
	}
	err = cr.Join(crash.Participant{
		RoundID:     r.ID,
		AccountID:   r.AccountID,
		Stake:       r.Stake,
		AutoCashOut: p.AutoCashOut,
	})
	if err != nil {
		return o.abort(ctx, &r, "too_late", err)
	}

	c, err := o.fairness.Lookup(ctx, r.CommitmentID)
	if err != nil {
		return RoundResult{}, err
	}
	return o.result(ctx, r, c)
}

// cashOutCrash races the player's request against the crash. A won race
// is settled at once; the seed is revealed when the table round closes.
func (o *Orchestrator) cashOutCrash(ctx context.Context, r store.Round) (game.Multiplier, error) {
	if r.Status != store.RoundCommitted || o.table == nil {
		metrics.RecordCashout(r.Game, "too_late")
		return 0, errs.ErrTooLate
	}
	cr, m, err := o.table.CashOut(ctx, r.ID)
	if err != nil {
		if errs.CodeOf(err) == errs.CodeNotFound {
			err = errs.ErrTooLate
		}
		metrics.RecordCashout(r.Game, strings.ToLower(string(errs.CodeOf(err))))
		return 0, err
	}
	if cr.CommitmentID() != r.CommitmentID {
		metrics.RecordCashout(r.Game, "too_late")
		return 0, errs.ErrTooLate
	}
	metrics.RecordCashout(r.Game, "won")
	if err := o.settleCrashPlayer(ctx, r.ID, m); err != nil {
		return 0, err
	}
	return m, nil
}
