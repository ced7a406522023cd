package game

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"wager/internal/errs"
	"wager/internal/fairness"
)

const (
	SideHeads = "heads"
	SideTails = "tails"
)

type CoinFlipParams struct {
	Side string `json:"side"`
}

type CoinFlipDetail struct {
	Result string `json:"result"`
}

type CoinFlip struct {
	win Multiplier
}

// NewCoinFlip pays floor(2 * (1 - edge)) on a match.
func NewCoinFlip(edge float64) *CoinFlip {
	return &CoinFlip{win: FloorMultiplier(decimal.NewFromInt(2).Mul(edgeFactor(edge)))}
}

func (c *CoinFlip) Type() Type { return TypeCoinFlip }

func (c *CoinFlip) WinMultiplier() Multiplier { return c.win }

func (c *CoinFlip) parse(params json.RawMessage) (CoinFlipParams, error) {
	var p CoinFlipParams
	if err := decodeParams(params, &p); err != nil {
		return p, err
	}
	if p.Side != SideHeads && p.Side != SideTails {
		return p, errs.Invalid("side must be heads or tails")
	}
	return p, nil
}

func (c *CoinFlip) Validate(params json.RawMessage) error {
	_, err := c.parse(params)
	return err
}

func (c *CoinFlip) Resolve(s *fairness.Stream, params json.RawMessage, stake int64) (Outcome, error) {
	p, err := c.parse(params)
	if err != nil {
		return Outcome{}, err
	}
	result := SideTails
	if s.Float() < 0.5 {
		result = SideHeads
	}
	out := Outcome{Finished: true, Detail: CoinFlipDetail{Result: result}}
	if result == p.Side {
		out.Win = true
		out.Multiplier = c.win
	}
	return out, nil
}
