// Package game holds the payout rules for every game type. Evaluators are
// pure: the same stream, params and stake always give the same outcome, so
// any round can be replayed from its revealed commitment.
package game

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/shopspring/decimal"

	"wager/internal/config"
	"wager/internal/errs"
	"wager/internal/fairness"
)

type Type string

const (
	TypeCoinFlip Type = "coinflip"
	TypeDice     Type = "dice"
	TypeColor    Type = "color"
	TypeMines    Type = "mines"
	TypeCrash    Type = "crash"
)

// Multiplier is a payout multiplier in hundredths: 240 is 2.40x.
type Multiplier int64

const (
	MinMultiplier Multiplier = 100
	MaxMultiplier Multiplier = 100_000_000
)

func (m Multiplier) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -2)
}

func (m Multiplier) Float64() float64 {
	return m.Decimal().InexactFloat64()
}

func (m Multiplier) String() string {
	return m.Decimal().StringFixed(2)
}

// MarshalJSON writes the multiplier as a two-decimal number.
func (m Multiplier) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalJSON accepts a number with at most two decimals.
func (m *Multiplier) UnmarshalJSON(b []byte) error {
	d, err := decimal.NewFromString(string(bytes.Trim(b, `"`)))
	if err != nil {
		return fmt.Errorf("multiplier: %w", err)
	}
	hundredths := d.Shift(2)
	if !hundredths.IsInteger() {
		return fmt.Errorf("multiplier %s has more than two decimals", d)
	}
	*m = Multiplier(hundredths.IntPart())
	return nil
}

// FloorMultiplier converts v to hundredths, rounding down.
func FloorMultiplier(v decimal.Decimal) Multiplier {
	return Multiplier(v.Shift(2).Floor().IntPart())
}

// Payout returns floor(stake * m).
func Payout(stake int64, m Multiplier) int64 {
	if m <= 0 || stake <= 0 {
		return 0
	}
	return decimal.NewFromInt(stake).Mul(m.Decimal()).Floor().IntPart()
}

// edgeFactor returns 1 - edge exactly.
func edgeFactor(edge float64) decimal.Decimal {
	return decimal.NewFromInt(1).Sub(decimal.NewFromFloat(edge))
}

// Outcome is an evaluator's verdict. Unfinished outcomes only occur for
// interactive games and carry the running multiplier.
type Outcome struct {
	Win        bool       `json:"win"`
	Multiplier Multiplier `json:"multiplier"`
	Finished   bool       `json:"finished"`
	Detail     any        `json:"detail,omitempty"`
}

// Evaluator resolves one game type.
type Evaluator interface {
	Type() Type
	// Validate rejects malformed params before any commitment or reservation.
	Validate(params json.RawMessage) error
	Resolve(s *fairness.Stream, params json.RawMessage, stake int64) (Outcome, error)
}

// decodeParams strictly decodes params into v.
func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return errs.Invalid("params are required")
	}
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.Wrap(errs.CodeInvalidBetParameters, "malformed params", err)
	}
	return nil
}

// Registry dispatches by game type.
type Registry struct {
	evaluators map[Type]Evaluator
}

func NewRegistry(evaluators ...Evaluator) *Registry {
	r := &Registry{evaluators: make(map[Type]Evaluator)}
	for _, e := range evaluators {
		r.Register(e)
	}
	return r
}

func (r *Registry) Register(e Evaluator) {
	r.evaluators[e.Type()] = e
}

func (r *Registry) Get(t Type) (Evaluator, bool) {
	e, ok := r.evaluators[t]
	return e, ok
}

// Types lists the registered games in name order.
func (r *Registry) Types() []Type {
	out := make([]Type, 0, len(r.evaluators))
	for t := range r.evaluators {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// NewDefaultRegistry registers all five games with the configured edges.
func NewDefaultRegistry(cfg config.Games) (*Registry, error) {
	color, err := NewColor(DefaultPalette)
	if err != nil {
		return nil, err
	}
	mines, err := NewMines(cfg.MinesGridSize, cfg.MinesEdge)
	if err != nil {
		return nil, err
	}
	return NewRegistry(
		NewCoinFlip(cfg.CoinFlipEdge),
		NewDice(cfg.DiceEdge),
		color,
		mines,
		NewCrash(cfg.CrashEdge),
	), nil
}
