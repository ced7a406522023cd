package settlement

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"wager/internal/crash"
	"wager/internal/errs"
	"wager/internal/game"
	"wager/internal/ledger"
	"wager/internal/logger"
	"wager/internal/metrics"
	"wager/internal/store"
)

var unfinished = []store.RoundStatus{store.RoundPending, store.RoundCommitted, store.RoundResolved}

// Recover closes every round left unfinished by a previous process:
// resolved rounds are settled, the rest voided with their stakes refunded.
// It must run before the crash table starts.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	rounds, err := o.store.RoundsByStatus(ctx, unfinished, o.now().Add(time.Second))
	if err != nil {
		return 0, errs.Wrap(errs.CodePersistenceFailure, "list unfinished rounds", err)
	}
	n := 0
	for _, r := range rounds {
		if err := o.reap(ctx, r.ID, "recovered"); err != nil {
			logger.ErrorCtx(ctx, "recover round failed", zap.String("round_id", r.ID), zap.Error(err))
			continue
		}
		n++
	}
	if n > 0 {
		logger.InfoCtx(ctx, "recovered unfinished rounds", zap.Int("rounds", n))
	}
	return n, nil
}

// VoidStale closes rounds that have made no progress within the reveal
// window. Open mines sessions get their own, longer window, and crash bets
// riding the live table round are left alone.
func (o *Orchestrator) VoidStale(ctx context.Context) (int, error) {
	now := o.now()
	rounds, err := o.store.RoundsByStatus(ctx, unfinished, now.Add(-o.rounds.RevealTimeout))
	if err != nil {
		return 0, errs.Wrap(errs.CodePersistenceFailure, "list stale rounds", err)
	}
	live := o.liveCrashRounds()
	n := 0
	for _, r := range rounds {
		if r.Status == store.RoundCommitted {
			if game.Type(r.Game) == game.TypeMines && r.UpdatedAt.After(now.Add(-o.rounds.MinesSessionTTL)) {
				continue
			}
			if live[r.ID] {
				continue
			}
		}
		if err := o.reap(ctx, r.ID, "timeout"); err != nil {
			logger.ErrorCtx(ctx, "reap round failed", zap.String("round_id", r.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

func (o *Orchestrator) liveCrashRounds() map[string]bool {
	live := make(map[string]bool)
	if o.table == nil {
		return live
	}
	cr := o.table.Current()
	if cr == nil || cr.Phase() == crash.PhaseSettled {
		return live
	}
	for _, p := range cr.Participants() {
		live[p.RoundID] = true
	}
	return live
}

// RunReaper calls VoidStale every interval until ctx is done.
func (o *Orchestrator) RunReaper(ctx context.Context) error {
	ticker := time.NewTicker(o.rounds.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := o.VoidStale(ctx)
			if err != nil {
				logger.ErrorCtx(ctx, "stale round sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.InfoCtx(ctx, "closed stale rounds", zap.Int("rounds", n))
			}
		}
	}
}

// reap brings one round to a terminal status.
func (o *Orchestrator) reap(ctx context.Context, roundID, reason string) error {
	unlock := o.locks.Lock(roundID)
	defer unlock()

	r, err := o.load(ctx, "", roundID)
	if err != nil {
		return err
	}
	switch r.Status {
	case store.RoundPending, store.RoundCommitted:
		if r.ReservationID == "" {
			r.ReservationID = ledger.ReservationID(r.ID)
		}
		if _, err := o.ledger.Void(ctx, r.ReservationID); err != nil && !errors.Is(err, errs.ErrNotFound) {
			return err
		}
		if err := o.advance(ctx, &r, store.RoundVoided); err != nil {
			return err
		}
		metrics.RecordVoid(reason)
		return nil

	case store.RoundResolved:
		// The outcome is final; only the ledger write or its record is missing.
		_, err := o.ledger.Settle(ctx, r.ReservationID, r.Payout)
		switch {
		case errors.Is(err, errs.ErrReservationClosed):
			if err := o.advance(ctx, &r, store.RoundVoided); err != nil {
				return err
			}
			metrics.RecordVoid(reason)
			return nil
		case err != nil:
			return err
		}
		if err := o.advance(ctx, &r, store.RoundSettled); err != nil {
			return err
		}
		if game.Type(r.Game) != game.TypeCrash {
			o.reveal(ctx, store.Commitment{ID: r.CommitmentID})
		}
		return nil
	}
	return nil
}
