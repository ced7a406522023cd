package settlement

import (
	"context"
	"encoding/json"

	"wager/internal/errs"
	"wager/internal/game"
	"wager/internal/store"
)

// RevealCell plays one more cell of an open mines round. Each reveal
// re-resolves the whole play against the permutation fixed at commit time.
func (o *Orchestrator) RevealCell(ctx context.Context, accountID, roundID string, cell int) (RoundResult, error) {
	return o.playMines(ctx, accountID, roundID, func(p *game.MinesParams) {
		p.Picks = append(p.Picks, cell)
	})
}

func (o *Orchestrator) cashOutMines(ctx context.Context, r store.Round) (RoundResult, error) {
	res, err := o.playMines(ctx, r.AccountID, r.ID, func(p *game.MinesParams) {
		p.CashOut = true
	})
	if err != nil {
		return res, err
	}
	if res.Round.Payout == 0 {
		return res, errs.New(errs.CodeTooLate, "round already lost")
	}
	return res, nil
}

func (o *Orchestrator) playMines(ctx context.Context, accountID, roundID string, move func(*game.MinesParams)) (RoundResult, error) {
	unlock := o.locks.Lock(roundID)
	defer unlock()

	r, err := o.load(ctx, accountID, roundID)
	if err != nil {
		return RoundResult{}, err
	}
	if game.Type(r.Game) != game.TypeMines {
		return RoundResult{}, errs.Invalid("not a mines round")
	}
	if r.Status != store.RoundCommitted {
		return RoundResult{}, errs.New(errs.CodeTooLate, "round is already "+string(r.Status))
	}
	if r.UpdatedAt.Before(o.now().Add(-o.rounds.MinesSessionTTL)) {
		return RoundResult{}, errs.New(errs.CodeTooLate, "mines session expired")
	}

	var p game.MinesParams
	if err := json.Unmarshal(r.Params, &p); err != nil {
		return RoundResult{}, errs.Wrap(errs.CodeInvalidBetParameters, "stored params", err)
	}
	move(&p)
	params, err := json.Marshal(p)
	if err != nil {
		return RoundResult{}, err
	}

	ev, err := o.evaluator(game.TypeMines)
	if err != nil {
		return RoundResult{}, err
	}
	c, err := o.fairness.Lookup(ctx, r.CommitmentID)
	if err != nil {
		return RoundResult{}, err
	}
	// A bad move is refused before anything is written.
	out, err := ev.Resolve(o.fairness.Draw(c), params, r.Stake)
	if err != nil {
		return RoundResult{}, err
	}

	r.Params = params
	if !out.Finished {
		if err := o.record(ctx, &r, out); err != nil {
			return RoundResult{}, err
		}
		return o.result(ctx, r, c)
	}
	if err := o.finish(ctx, &r, out); err != nil {
		return RoundResult{Round: r}, err
	}
	return o.result(ctx, r, o.reveal(ctx, c))
}
