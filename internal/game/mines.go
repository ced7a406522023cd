package game

import (
	"encoding/json"
	"fmt"
	"math/big"
	"slices"

	"github.com/shopspring/decimal"

	"wager/internal/errs"
	"wager/internal/fairness"
)

// MinesParams is the whole play so far: the mine count, the cells picked
// in order and whether the player has cashed out. Every reveal re-resolves
// against the same committed permutation.
type MinesParams struct {
	Mines   int   `json:"mines"`
	Picks   []int `json:"picks"`
	CashOut bool  `json:"cashOut"`
}

// MinesDetail is the visible board. Mines is only filled once the round
// is finished; Hit is the mine that ended it, or -1.
type MinesDetail struct {
	Revealed []int      `json:"revealed"`
	Hit      int        `json:"hit"`
	Mines    []int      `json:"mines,omitempty"`
	Next     Multiplier `json:"next,omitempty"`
}

type Mines struct {
	cells  int
	factor decimal.Decimal
}

func NewMines(cells int, edge float64) (*Mines, error) {
	if cells < 2 {
		return nil, fmt.Errorf("mines grid needs at least two cells, got %d", cells)
	}
	return &Mines{cells: cells, factor: edgeFactor(edge)}, nil
}

func (m *Mines) Type() Type { return TypeMines }

func (m *Mines) Cells() int { return m.cells }

func (m *Mines) parse(params json.RawMessage) (MinesParams, error) {
	var p MinesParams
	if err := decodeParams(params, &p); err != nil {
		return p, err
	}
	if p.Mines < 1 || p.Mines > m.cells-1 {
		return p, errs.Invalid(fmt.Sprintf("mines must be between 1 and %d", m.cells-1))
	}
	if len(p.Picks) > m.cells-p.Mines {
		return p, errs.Invalid("more picks than safe cells")
	}
	seen := make(map[int]bool, len(p.Picks))
	for _, c := range p.Picks {
		if c < 0 || c >= m.cells {
			return p, errs.Invalid(fmt.Sprintf("cell %d outside the grid", c))
		}
		if seen[c] {
			return p, errs.Invalid(fmt.Sprintf("cell %d picked twice", c))
		}
		seen[c] = true
	}
	if p.CashOut && len(p.Picks) == 0 {
		return p, errs.Invalid("cash out needs at least one revealed cell")
	}
	return p, nil
}

func (m *Mines) Validate(params json.RawMessage) error {
	_, err := m.parse(params)
	return err
}

func binomial(n, k int) *big.Int {
	return new(big.Int).Binomial(int64(n), int64(k))
}

// MultiplierAfter returns floor(100 * (1 - edge) * C(N, r) / C(N-K, r)),
// the inverse of the chance of r safe picks in a row, net of edge.
func (m *Mines) MultiplierAfter(mines, safe int) Multiplier {
	num := decimal.NewFromBigInt(binomial(m.cells, safe), 0).Mul(m.factor).Shift(2)
	den := decimal.NewFromBigInt(binomial(m.cells-mines, safe), 0)
	q, _ := num.QuoRem(den, 0)
	return Multiplier(q.IntPart())
}

func (m *Mines) Resolve(s *fairness.Stream, params json.RawMessage, stake int64) (Outcome, error) {
	p, err := m.parse(params)
	if err != nil {
		return Outcome{}, err
	}
	perm := s.Permutation(m.cells)
	mines := perm[:p.Mines]
	board := slices.Sorted(slices.Values(mines))

	detail := MinesDetail{Revealed: []int{}, Hit: -1}
	for _, c := range p.Picks {
		detail.Revealed = append(detail.Revealed, c)
		if slices.Contains(mines, c) {
			detail.Hit = c
			detail.Mines = board
			return Outcome{Finished: true, Detail: detail}, nil
		}
	}

	safe := len(p.Picks)
	current := m.MultiplierAfter(p.Mines, safe)
	if safe == m.cells-p.Mines || p.CashOut {
		detail.Mines = board
		return Outcome{Win: true, Multiplier: current, Finished: true, Detail: detail}, nil
	}
	detail.Next = m.MultiplierAfter(p.Mines, safe+1)
	return Outcome{Multiplier: current, Detail: detail}, nil
}
