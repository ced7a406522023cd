package game

import (
	"encoding/json"
	"fmt"
	"math"
	"testing"

	"wager/internal/fairness"
)

// meanReturn plays n rounds and returns the mean payout per unit staked.
func meanReturn(t *testing.T, ev Evaluator, params string, n int) float64 {
	t.Helper()
	const stake = 10000
	var paid int64
	for i := 0; i < n; i++ {
		out, err := ev.Resolve(fairness.NewStream("ev-seed", "ev-client", uint64(i)), json.RawMessage(params), stake)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		paid += Payout(stake, out.Multiplier)
	}
	return float64(paid) / float64(stake*int64(n))
}

func TestCoinFlip(t *testing.T) {
	c := NewCoinFlip(0.02)
	if c.WinMultiplier() != 196 {
		t.Fatalf("win multiplier = %s, want 1.96", c.WinMultiplier())
	}

	heads, tails := 0, 0
	for i := uint64(0); i < 1000; i++ {
		out, err := c.Resolve(fairness.NewStream("s", "c", i), json.RawMessage(`{"side":"heads"}`), 10)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		d := out.Detail.(CoinFlipDetail)
		if out.Win != (d.Result == SideHeads) {
			t.Fatalf("win = %v for result %s", out.Win, d.Result)
		}
		if out.Win {
			heads++
			if out.Multiplier != 196 {
				t.Fatalf("winning multiplier = %s", out.Multiplier)
			}
		} else {
			tails++
			if out.Multiplier != 0 {
				t.Fatalf("losing multiplier = %s", out.Multiplier)
			}
		}
	}
	if heads < 430 || tails < 430 {
		t.Errorf("heads=%d tails=%d, expected a fair coin", heads, tails)
	}
}

func TestDice_ExpectedValueConstantAcrossTargets(t *testing.T) {
	d := NewDice(0.01)
	// Per 10000 rolls of one unit, a fair-net-of-edge bet returns 9900
	// units, i.e. 990000 in hundredths of a multiplier.
	const budget = diceScale * 99

	for _, dir := range []string{DirectionOver, DirectionUnder} {
		t.Run(dir, func(t *testing.T) {
			checked := 0
			for target := int64(1); target < diceScale; target++ {
				params := fmt.Sprintf(`{"target":%d.%02d,"direction":%q}`, target/100, target%100, dir)
				_, gotTarget, chance, err := d.parse(json.RawMessage(params))
				if err != nil {
					continue
				}
				if gotTarget != target {
					t.Fatalf("%s parsed as %d", params, gotTarget)
				}
				var winning int64
				for roll := int64(0); roll < diceScale; roll++ {
					if wins(dir, roll, target) {
						winning++
					}
				}
				if winning != chance {
					t.Fatalf("%s: %d winning rolls, priced for %d", params, winning, chance)
				}
				m := int64(d.MultiplierFor(chance))
				if ret := winning * m; ret > budget || ret+winning <= budget {
					t.Fatalf("%s: return %d per %d rolls, want within one hundredth of %d", params, ret, diceScale, budget)
				}
				checked++
			}
			if want := diceMaxChance - diceMinChance + 1; checked != want {
				t.Errorf("checked %d thresholds, want %d", checked, want)
			}
		})
	}

	// Sampled through Resolve as a cross-check on the extremes.
	for _, params := range []string{
		`{"target":99,"direction":"over"}`,
		`{"target":1,"direction":"under"}`,
		`{"target":2,"direction":"over"}`,
		`{"target":98,"direction":"under"}`,
	} {
		t.Run(params, func(t *testing.T) {
			got := meanReturn(t, d, params, 200000)
			if math.Abs(got-0.99) > 0.1 {
				t.Errorf("mean return = %.4f, want about 0.99", got)
			}
		})
	}
}

func TestDice_MultiplierNeverExceedsFairOdds(t *testing.T) {
	d := NewDice(0.01)
	for chance := int64(diceMinChance); chance <= diceMaxChance; chance++ {
		m := d.MultiplierFor(chance)
		// m * p must stay at or below 1 - edge.
		if float64(m)*float64(chance)/diceScale > 99.0000001 {
			t.Fatalf("chance %d gives %s, above fair odds net of edge", chance, m)
		}
	}
	if got := d.MultiplierFor(5000); got != 198 {
		t.Errorf("50%% chance multiplier = %s, want 1.98", got)
	}
}

func TestDice_RollAgainstTarget(t *testing.T) {
	d := NewDice(0.01)
	for i := uint64(0); i < 500; i++ {
		out, err := d.Resolve(fairness.NewStream("s", "c", i), json.RawMessage(`{"target":30,"direction":"over"}`), 1)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		det := out.Detail.(DiceDetail)
		if det.Roll < 0 || det.Roll >= 100 {
			t.Fatalf("roll %v outside [0,100)", det.Roll)
		}
		if out.Win != (det.Roll >= 30) {
			t.Fatalf("roll %v over 30: win = %v", det.Roll, out.Win)
		}
	}
}

func TestColor(t *testing.T) {
	c, err := NewColor(DefaultPalette)
	if err != nil {
		t.Fatalf("NewColor: %v", err)
	}
	for _, col := range DefaultPalette {
		t.Run(col.Name, func(t *testing.T) {
			want := float64(col.Weight) / 20 * col.Multiplier.Float64()
			got := meanReturn(t, c, fmt.Sprintf(`{"color":%q}`, col.Name), 100000)
			if math.Abs(got-want) > 0.03 {
				t.Errorf("mean return = %.4f, want about %.2f", got, want)
			}
			if got >= 1 {
				t.Errorf("color %s returns %.4f per unit", col.Name, got)
			}
		})
	}
}

func TestNewColor_RejectsGenerousPalette(t *testing.T) {
	tests := map[string][]Color{
		"pays above stake": {{Name: "red", Weight: 1, Multiplier: 200}, {Name: "black", Weight: 1, Multiplier: 190}},
		"single color":     {{Name: "red", Weight: 1, Multiplier: 50}},
		"duplicate":        {{Name: "red", Weight: 1, Multiplier: 100}, {Name: "red", Weight: 1, Multiplier: 100}},
		"zero weight":      {{Name: "red", Weight: 0, Multiplier: 100}, {Name: "blue", Weight: 3, Multiplier: 100}},
	}
	for name, palette := range tests {
		if _, err := NewColor(palette); err == nil {
			t.Errorf("%s: palette accepted", name)
		}
	}
}

func TestMines_MultiplierTable(t *testing.T) {
	m, _ := NewMines(25, 0.03)
	tests := []struct {
		mines, safe int
		want        Multiplier
	}{
		{3, 0, 97},
		{3, 1, 110},     // 0.97 * 25/22
		{1, 24, 2425},   // 0.97 * 25
		{3, 22, 223100}, // 0.97 * C(25,22)
		{24, 1, 2425},
		{5, 3, 195}, // 0.97 * 2300/1140
	}
	for _, tt := range tests {
		if got := m.MultiplierAfter(tt.mines, tt.safe); got != tt.want {
			t.Errorf("MultiplierAfter(%d, %d) = %s, want %s", tt.mines, tt.safe, got, tt.want)
		}
	}
}

func TestMines_ClearBoardPaysMaximum(t *testing.T) {
	m, _ := NewMines(25, 0.03)
	seed, client, nonce := "mines-seed", "mines-client", uint64(9)

	perm := fairness.NewStream(seed, client, nonce).Permutation(25)
	mines := map[int]bool{perm[0]: true, perm[1]: true, perm[2]: true}

	var picks []int
	for c := 0; c < 25; c++ {
		if !mines[c] {
			picks = append(picks, c)
		}
	}
	if len(picks) != 22 {
		t.Fatalf("expected 22 safe cells, got %d", len(picks))
	}

	// Reveal one cell at a time against the same commitment.
	var out Outcome
	for r := 1; r <= len(picks); r++ {
		params, _ := json.Marshal(MinesParams{Mines: 3, Picks: picks[:r]})
		var err error
		out, err = m.Resolve(fairness.NewStream(seed, client, nonce), params, 100)
		if err != nil {
			t.Fatalf("Resolve after %d picks: %v", r, err)
		}
		if r < len(picks) && out.Finished {
			t.Fatalf("round finished after %d safe picks", r)
		}
		if out.Multiplier != m.MultiplierAfter(3, r) {
			t.Fatalf("running multiplier after %d = %s", r, out.Multiplier)
		}
	}

	max := m.MultiplierAfter(3, 22)
	if !out.Finished || !out.Win || out.Multiplier != max {
		t.Fatalf("final outcome %+v, want finished win at %s", out, max)
	}
	if got := Payout(100, out.Multiplier); got != 100*2231 {
		t.Errorf("payout = %d, want %d", got, 100*2231)
	}
	if len(out.Detail.(MinesDetail).Mines) != 3 {
		t.Error("finished board does not reveal the mines")
	}
}

func TestMines_HitAndCashOut(t *testing.T) {
	m, _ := NewMines(25, 0.03)
	seed, client, nonce := "s", "c", uint64(1)
	perm := fairness.NewStream(seed, client, nonce).Permutation(25)
	mine := perm[0]
	safe := perm[24]

	hit, _ := json.Marshal(MinesParams{Mines: 3, Picks: []int{safe, mine}})
	out, err := m.Resolve(fairness.NewStream(seed, client, nonce), hit, 100)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	det := out.Detail.(MinesDetail)
	if out.Win || !out.Finished || out.Multiplier != 0 || det.Hit != mine {
		t.Fatalf("hitting a mine gave %+v", out)
	}

	pending, _ := json.Marshal(MinesParams{Mines: 3, Picks: []int{safe}})
	out, _ = m.Resolve(fairness.NewStream(seed, client, nonce), pending, 100)
	if out.Finished || len(out.Detail.(MinesDetail).Mines) != 0 {
		t.Fatalf("open board leaked mines: %+v", out)
	}

	cash, _ := json.Marshal(MinesParams{Mines: 3, Picks: []int{safe}, CashOut: true})
	out, _ = m.Resolve(fairness.NewStream(seed, client, nonce), cash, 100)
	if !out.Finished || !out.Win || out.Multiplier != m.MultiplierAfter(3, 1) {
		t.Fatalf("cash out gave %+v", out)
	}
}

func TestMines_ReturnBelowStake(t *testing.T) {
	m, _ := NewMines(25, 0.03)
	for k := 1; k < 25; k++ {
		for r := 1; r <= 25-k; r++ {
			// P(r safe picks) * multiplier.
			p := 1.0
			for i := 0; i < r; i++ {
				p *= float64(25-k-i) / float64(25-i)
			}
			if ret := p * m.MultiplierAfter(k, r).Float64(); ret > 0.9700001 {
				t.Fatalf("mines=%d picks=%d returns %.6f", k, r, ret)
			}
		}
	}
}

func TestCrash_CrashPointDistribution(t *testing.T) {
	c := NewCrash(0.01)
	const n = 100000
	above2 := 0
	for i := uint64(0); i < n; i++ {
		p := c.CrashPoint(fairness.NewStream("crash", "c", i))
		if p < MinMultiplier || p > MaxMultiplier {
			t.Fatalf("crash point %s out of range", p)
		}
		if p > 200 {
			above2++
		}
	}
	// Flooring makes P(point > 2.00) = P(raw >= 2.01) = 0.99 / 2.01.
	if frac := float64(above2) / n; math.Abs(frac-0.4925) > 0.01 {
		t.Errorf("P(crash > 2.00) = %.4f, want about 0.4925", frac)
	}
}

func TestCrash_TieLoses(t *testing.T) {
	c := NewCrash(0.01)
	s := func() *fairness.Stream { return fairness.NewStream("crash", "c", 4) }
	point := c.CrashPoint(s())

	tests := []struct {
		name   string
		at     Multiplier
		auto   Multiplier
		win    bool
		locked Multiplier
	}{
		{"below crash", point - 1, 0, point > MinMultiplier, point - 1},
		{"at crash", point, 0, false, 0},
		{"above crash", point + 10, 0, false, 0},
		{"auto below crash", 0, point - 1, point-1 >= MinAutoCashOut, point - 1},
		{"no cash-out", 0, 0, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.at != 0 && tt.at < MinMultiplier || tt.auto != 0 && tt.auto < MinAutoCashOut {
				t.Skip("crash point too low for this case")
			}
			params, _ := json.Marshal(CrashParams{AutoCashOut: tt.auto, CashOutAt: tt.at})
			out, err := c.Resolve(s(), params, 100)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if out.Win != tt.win {
				t.Fatalf("win = %v, want %v (crash %s)", out.Win, tt.win, point)
			}
			if tt.win && out.Multiplier != tt.locked {
				t.Errorf("multiplier = %s, want %s", out.Multiplier, tt.locked)
			}
			if out.Detail.(CrashDetail).CrashPoint != point {
				t.Error("detail crash point differs from CrashPoint")
			}
		})
	}
}

func TestCrash_ExpectedReturnForTargets(t *testing.T) {
	c := NewCrash(0.01)
	for _, target := range []string{"1.5", "2", "5"} {
		got := meanReturn(t, c, `{"autoCashOut":`+target+`}`, 100000)
		if got >= 1 || math.Abs(got-0.99) > 0.05 {
			t.Errorf("auto %sx: mean return %.4f, want about 0.99 and below 1", target, got)
		}
	}
}
