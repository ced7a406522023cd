package game

import (
	"encoding/json"
	"math"

	"github.com/shopspring/decimal"

	"wager/internal/errs"
	"wager/internal/fairness"
)

const (
	DirectionOver  = "over"
	DirectionUnder = "under"

	// Targets and rolls are handled in hundredths of a point on [0, 100).
	diceScale = 10000
	// Win probability bounds, in hundredths of a percent.
	diceMinChance = 100
	diceMaxChance = 9800
)

type DiceParams struct {
	Target    float64 `json:"target"`
	Direction string  `json:"direction"`
}

type DiceDetail struct {
	Roll   float64 `json:"roll"`
	Target float64 `json:"target"`
}

type Dice struct {
	factor decimal.Decimal
}

func NewDice(edge float64) *Dice {
	return &Dice{factor: edgeFactor(edge)}
}

func (d *Dice) Type() Type { return TypeDice }

// parse returns the target in hundredths and the win chance in
// hundredths of a percent.
func (d *Dice) parse(params json.RawMessage) (DiceParams, int64, int64, error) {
	var p DiceParams
	if err := decodeParams(params, &p); err != nil {
		return p, 0, 0, err
	}
	scaled := p.Target * 100
	target := int64(math.Round(scaled))
	if math.Abs(scaled-float64(target)) > 1e-6 {
		return p, 0, 0, errs.Invalid("target allows at most two decimals")
	}
	if target < 1 || target > diceScale-1 {
		return p, 0, 0, errs.Invalid("target must be between 0.01 and 99.99")
	}

	var chance int64
	switch p.Direction {
	case DirectionOver:
		chance = diceScale - target
	case DirectionUnder:
		chance = target
	default:
		return p, 0, 0, errs.Invalid("direction must be over or under")
	}
	if chance < diceMinChance || chance > diceMaxChance {
		return p, 0, 0, errs.Invalid("win chance must be between 1% and 98%")
	}
	return p, target, chance, nil
}

func (d *Dice) Validate(params json.RawMessage) error {
	_, _, _, err := d.parse(params)
	return err
}

// MultiplierFor returns floor((1 - edge) / p) for a win chance given in
// hundredths of a percent.
func (d *Dice) MultiplierFor(chance int64) Multiplier {
	v := d.factor.Mul(decimal.NewFromInt(diceScale)).Div(decimal.NewFromInt(chance))
	return FloorMultiplier(v)
}

// wins reports whether roll beats target. Both are in hundredths; an over
// bet wins on the 10000-target rolls at or above the target, matching the
// chance it is priced at.
func wins(direction string, roll, target int64) bool {
	if direction == DirectionOver {
		return roll >= target
	}
	return roll < target
}

func (d *Dice) Resolve(s *fairness.Stream, params json.RawMessage, stake int64) (Outcome, error) {
	p, target, chance, err := d.parse(params)
	if err != nil {
		return Outcome{}, err
	}
	roll := int64(math.Floor(s.Float() * diceScale))

	win := wins(p.Direction, roll, target)
	out := Outcome{
		Finished: true,
		Detail: DiceDetail{
			Roll:   decimal.New(roll, -2).InexactFloat64(),
			Target: decimal.New(target, -2).InexactFloat64(),
		},
	}
	if win {
		out.Win = true
		out.Multiplier = d.MultiplierFor(chance)
	}
	return out, nil
}
