package game

import (
	"encoding/json"
	"math"

	"wager/internal/errs"
	"wager/internal/fairness"
)

// MinAutoCashOut is the lowest auto cash-out target accepted.
const MinAutoCashOut Multiplier = 101

// CrashParams are a player's crash choices. CashOutAt is filled in by the
// round once the player's cash-out is accepted; zero means none.
type CrashParams struct {
	AutoCashOut Multiplier `json:"autoCashOut,omitempty"`
	CashOutAt   Multiplier `json:"cashOutAt,omitempty"`
}

type CrashDetail struct {
	CrashPoint Multiplier `json:"crashPoint"`
	CashedOut  Multiplier `json:"cashedOut,omitempty"`
}

type Crash struct {
	edge float64
}

func NewCrash(edge float64) *Crash {
	return &Crash{edge: edge}
}

func (c *Crash) Type() Type { return TypeCrash }

func (c *Crash) parse(params json.RawMessage) (CrashParams, error) {
	var p CrashParams
	if len(params) == 0 {
		return p, nil
	}
	if err := decodeParams(params, &p); err != nil {
		return p, err
	}
	if p.AutoCashOut != 0 && (p.AutoCashOut < MinAutoCashOut || p.AutoCashOut > MaxMultiplier) {
		return p, errs.Invalid("auto cash-out must be between 1.01 and 1000000.00")
	}
	if p.CashOutAt < 0 || (p.CashOutAt != 0 && p.CashOutAt < MinMultiplier) {
		return p, errs.Invalid("cash-out multiplier below 1.00")
	}
	return p, nil
}

func (c *Crash) Validate(params json.RawMessage) error {
	_, err := c.parse(params)
	return err
}

// CrashPoint derives the round's crash point: (1 - edge) / (1 - r) floored
// to hundredths and clamped to [1.00, 1000000.00].
func (c *Crash) CrashPoint(s *fairness.Stream) Multiplier {
	r := s.Float()
	v := math.Floor(100 * (1 - c.edge) / (1 - r))
	switch {
	case math.IsInf(v, 0) || v >= float64(MaxMultiplier):
		return MaxMultiplier
	case v < float64(MinMultiplier):
		return MinMultiplier
	}
	return Multiplier(v)
}

// Resolve wins iff the cash-out multiplier is strictly below the crash
// point. An auto cash-out stands in when no manual cash-out was taken.
// A tie with the crash point loses.
func (c *Crash) Resolve(s *fairness.Stream, params json.RawMessage, stake int64) (Outcome, error) {
	p, err := c.parse(params)
	if err != nil {
		return Outcome{}, err
	}
	point := c.CrashPoint(s)
	at := p.CashOutAt
	if at == 0 {
		at = p.AutoCashOut
	}
	out := Outcome{Finished: true, Detail: CrashDetail{CrashPoint: point}}
	if at > 0 && at < point {
		out.Win = true
		out.Multiplier = at
		out.Detail = CrashDetail{CrashPoint: point, CashedOut: at}
	}
	return out, nil
}
