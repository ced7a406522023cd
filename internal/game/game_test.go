package game

import (
	"encoding/json"
	"errors"
	"testing"

	"wager/internal/config"
	"wager/internal/errs"
	"wager/internal/fairness"
)

func TestMultiplier_JSON(t *testing.T) {
	tests := []struct {
		in      string
		want    Multiplier
		wantErr bool
	}{
		{"2.4", 240, false},
		{"2.40", 240, false},
		{"1", 100, false},
		{`"3.75"`, 375, false},
		{"2.401", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var m Multiplier
			err := json.Unmarshal([]byte(tt.in), &m)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", m)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if m != tt.want {
				t.Errorf("got %d, want %d", m, tt.want)
			}
		})
	}

	b, _ := json.Marshal(struct {
		M Multiplier `json:"m"`
	}{240})
	if string(b) != `{"m":2.40}` {
		t.Errorf("Marshal = %s", b)
	}
}

func TestPayout_Floors(t *testing.T) {
	tests := []struct {
		stake int64
		m     Multiplier
		want  int64
	}{
		{100, 240, 240},
		{7, 198, 13}, // 13.86
		{1, 199, 1},
		{1000, 0, 0},
		{0, 500, 0},
		{123456789, 223100, 275432096259},
	}
	for _, tt := range tests {
		if got := Payout(tt.stake, tt.m); got != tt.want {
			t.Errorf("Payout(%d, %s) = %d, want %d", tt.stake, tt.m, got, tt.want)
		}
	}
}

func TestDefaultRegistry(t *testing.T) {
	cfg := config.Games{CoinFlipEdge: 0.02, DiceEdge: 0.01, MinesEdge: 0.03, CrashEdge: 0.01, MinesGridSize: 25}
	r, err := NewDefaultRegistry(cfg)
	if err != nil {
		t.Fatalf("NewDefaultRegistry: %v", err)
	}
	want := []Type{TypeCoinFlip, TypeColor, TypeCrash, TypeDice, TypeMines}
	got := r.Types()
	if len(got) != len(want) {
		t.Fatalf("Types() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Types() = %v, want %v", got, want)
		}
	}
	if _, ok := r.Get("plinko"); ok {
		t.Error("unknown game resolved")
	}
}

func TestEvaluators_RejectMalformedParams(t *testing.T) {
	cfg := config.Games{CoinFlipEdge: 0.02, DiceEdge: 0.01, MinesEdge: 0.03, CrashEdge: 0.01, MinesGridSize: 25}
	r, _ := NewDefaultRegistry(cfg)

	tests := []struct {
		game   Type
		params string
	}{
		{TypeCoinFlip, `{"side":"edge"}`},
		{TypeCoinFlip, `{"side":"heads","extra":1}`},
		{TypeCoinFlip, ``},
		{TypeDice, `{"target":50.123,"direction":"over"}`},
		{TypeDice, `{"target":0,"direction":"under"}`},
		{TypeDice, `{"target":99.5,"direction":"over"}`},
		{TypeDice, `{"target":50,"direction":"sideways"}`},
		{TypeColor, `{"color":"blue"}`},
		{TypeMines, `{"mines":0,"picks":[]}`},
		{TypeMines, `{"mines":25,"picks":[]}`},
		{TypeMines, `{"mines":3,"picks":[1,1]}`},
		{TypeMines, `{"mines":3,"picks":[25]}`},
		{TypeMines, `{"mines":3,"picks":[],"cashOut":true}`},
		{TypeCrash, `{"autoCashOut":1.00}`},
		{TypeCrash, `{"autoCashOut":1.005}`},
		{TypeCrash, `[1,2]`},
	}
	for _, tt := range tests {
		t.Run(string(tt.game)+" "+tt.params, func(t *testing.T) {
			ev, _ := r.Get(tt.game)
			err := ev.Validate(json.RawMessage(tt.params))
			if !errors.Is(err, errs.ErrInvalidBetParameters) {
				t.Fatalf("Validate error = %v, want InvalidBetParameters", err)
			}
			// Resolve refuses the same params.
			if _, err := ev.Resolve(fairness.NewStream("s", "c", 0), json.RawMessage(tt.params), 10); err == nil {
				t.Fatal("Resolve accepted malformed params")
			}
		})
	}
}

func TestEvaluators_Deterministic(t *testing.T) {
	cfg := config.Games{CoinFlipEdge: 0.02, DiceEdge: 0.01, MinesEdge: 0.03, CrashEdge: 0.01, MinesGridSize: 25}
	r, _ := NewDefaultRegistry(cfg)
	params := map[Type]string{
		TypeCoinFlip: `{"side":"heads"}`,
		TypeDice:     `{"target":42.5,"direction":"under"}`,
		TypeColor:    `{"color":"violet"}`,
		TypeMines:    `{"mines":5,"picks":[0,6,12]}`,
		TypeCrash:    `{"autoCashOut":2}`,
	}
	for typ, p := range params {
		ev, _ := r.Get(typ)
		for nonce := uint64(0); nonce < 50; nonce++ {
			a, err := ev.Resolve(fairness.NewStream("seed", "client", nonce), json.RawMessage(p), 100)
			if err != nil {
				t.Fatalf("%s Resolve: %v", typ, err)
			}
			b, _ := ev.Resolve(fairness.NewStream("seed", "client", nonce), json.RawMessage(p), 100)
			ja, _ := json.Marshal(a)
			jb, _ := json.Marshal(b)
			if string(ja) != string(jb) {
				t.Fatalf("%s nonce %d: %s != %s", typ, nonce, ja, jb)
			}
		}
	}
}
