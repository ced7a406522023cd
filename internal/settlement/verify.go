package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"wager/internal/errs"
	"wager/internal/fairness"
	"wager/internal/game"
	"wager/internal/store"
)

// Proof is everything needed to recompute a round independently.
// Draws are the raw 64-bit words the evaluator consumed, in order.
type Proof struct {
	RoundID        string          `json:"round_id"`
	Game           game.Type       `json:"game"`
	Stake          int64           `json:"stake"`
	Params         json.RawMessage `json:"params"`
	ServerSeed     string          `json:"server_seed"`
	ServerSeedHash string          `json:"server_seed_hash"`
	ClientSeed     string          `json:"client_seed"`
	Nonce          uint64          `json:"nonce"`
	Draws          []uint64        `json:"draws"`
	Outcome        json.RawMessage `json:"outcome"`
	HashValid      bool            `json:"hash_valid"`
	OutcomeValid   bool            `json:"outcome_valid"`
}

// VerifyRound recomputes a resolved round from its revealed seed. Rounds
// that have not resolved are refused without disclosing anything.
func (o *Orchestrator) VerifyRound(ctx context.Context, roundID string) (Proof, error) {
	r, err := o.load(ctx, "", roundID)
	if err != nil {
		return Proof{}, err
	}
	if r.Status != store.RoundResolved && r.Status != store.RoundSettled {
		return Proof{}, fairness.ErrNotRevealed
	}

	c, err := o.fairness.Revealed(ctx, r.CommitmentID)
	if errors.Is(err, fairness.ErrNotRevealed) && game.Type(r.Game) != game.TypeCrash {
		// A settled round whose reveal was lost is revealed now. Crash
		// seeds wait for the whole table round.
		c, err = o.fairness.Reveal(ctx, r.CommitmentID)
	}
	if err != nil {
		return Proof{}, err
	}

	ev, err := o.evaluator(game.Type(r.Game))
	if err != nil {
		return Proof{}, err
	}
	stream := fairness.NewStream(c.ServerSeed, c.ClientSeed, c.Nonce)
	out, err := ev.Resolve(stream, r.Params, r.Stake)
	if err != nil {
		return Proof{}, err
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return Proof{}, err
	}

	return Proof{
		RoundID:        r.ID,
		Game:           game.Type(r.Game),
		Stake:          r.Stake,
		Params:         r.Params,
		ServerSeed:     c.ServerSeed,
		ServerSeedHash: c.ServerSeedHash,
		ClientSeed:     c.ClientSeed,
		Nonce:          c.Nonce,
		Draws:          stream.Trace(),
		Outcome:        raw,
		HashValid:      fairness.Verify(c.ServerSeed, c.ServerSeedHash),
		OutcomeValid:   sameJSON(raw, r.Outcome) && int64(out.Multiplier) == r.Multiplier,
	}, nil
}

// sameJSON compares two documents ignoring key order and spacing, which
// a JSONB column does not preserve.
func sameJSON(a, b json.RawMessage) bool {
	na, err := normalize(a)
	if err != nil {
		return false
	}
	nb, err := normalize(b)
	if err != nil {
		return false
	}
	return bytes.Equal(na, nb)
}

func normalize(raw json.RawMessage) ([]byte, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, errs.Wrap(errs.CodeUnknown, "decode outcome", err)
	}
	return json.Marshal(v)
}
