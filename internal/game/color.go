package game

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"wager/internal/errs"
	"wager/internal/fairness"
)

// Color is one palette slot. Weight is its share of the draw.
type Color struct {
	Name       string     `json:"name"`
	Weight     int        `json:"weight"`
	Multiplier Multiplier `json:"multiplier"`
}

// DefaultPalette returns 0.90 per unit staked on red or green and 0.45
// on violet.
var DefaultPalette = []Color{
	{Name: "red", Weight: 9, Multiplier: 200},
	{Name: "green", Weight: 9, Multiplier: 200},
	{Name: "violet", Weight: 2, Multiplier: 450},
}

type ColorParams struct {
	Color string `json:"color"`
}

type ColorDetail struct {
	Result string `json:"result"`
}

type ColorPrediction struct {
	palette []Color
	total   int
}

// NewColor checks that every color pays back less than its stake on
// average: weight/total * multiplier < 1.
func NewColor(palette []Color) (*ColorPrediction, error) {
	if len(palette) < 2 {
		return nil, fmt.Errorf("color palette needs at least two colors")
	}
	total := 0
	seen := make(map[string]bool)
	for _, c := range palette {
		if c.Weight <= 0 || c.Multiplier <= 0 {
			return nil, fmt.Errorf("color %q: weight and multiplier must be positive", c.Name)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("color %q listed twice", c.Name)
		}
		seen[c.Name] = true
		total += c.Weight
	}
	for _, c := range palette {
		ev := decimal.NewFromInt(int64(c.Weight)).Mul(c.Multiplier.Decimal()).Div(decimal.NewFromInt(int64(total)))
		if ev.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("color %q returns %s per unit staked, must be below 1", c.Name, ev.StringFixed(4))
		}
	}
	return &ColorPrediction{palette: append([]Color(nil), palette...), total: total}, nil
}

func (c *ColorPrediction) Type() Type { return TypeColor }

func (c *ColorPrediction) Palette() []Color {
	return append([]Color(nil), c.palette...)
}

func (c *ColorPrediction) parse(params json.RawMessage) (ColorParams, error) {
	var p ColorParams
	if err := decodeParams(params, &p); err != nil {
		return p, err
	}
	for _, col := range c.palette {
		if col.Name == p.Color {
			return p, nil
		}
	}
	return p, errs.Invalid("unknown color")
}

func (c *ColorPrediction) Validate(params json.RawMessage) error {
	_, err := c.parse(params)
	return err
}

func (c *ColorPrediction) Resolve(s *fairness.Stream, params json.RawMessage, stake int64) (Outcome, error) {
	p, err := c.parse(params)
	if err != nil {
		return Outcome{}, err
	}
	pick := s.Intn(c.total)
	var drawn Color
	for _, col := range c.palette {
		if pick < col.Weight {
			drawn = col
			break
		}
		pick -= col.Weight
	}
	out := Outcome{Finished: true, Detail: ColorDetail{Result: drawn.Name}}
	if drawn.Name == p.Color {
		out.Win = true
		out.Multiplier = drawn.Multiplier
	}
	return out, nil
}
