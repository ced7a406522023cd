package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"wager/internal/crash"
	"wager/internal/errs"
	"wager/internal/fairness"
	"wager/internal/game"
	"wager/internal/store"
)

// openCrashRound opens table rounds until one crashes at 2.00 or later.
func openCrashRound(t *testing.T, f *fixture, table *crash.Table) (*crash.Round, game.Multiplier) {
	t.Helper()
	ctx := context.Background()
	ev := game.NewCrash(testConfig.Games.CrashEdge)
	for range 200 {
		cr, err := table.Open(ctx)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		c, err := f.store.Commitment(ctx, cr.CommitmentID())
		if err != nil {
			t.Fatalf("Commitment: %v", err)
		}
		if c.AccountID != "house" {
			t.Fatalf("crash commitment owned by %q", c.AccountID)
		}
		if point := ev.CrashPoint(fairness.NewStream(c.ServerSeed, c.ClientSeed, c.Nonce)); point >= 200 {
			return cr, point
		}
	}
	t.Fatal("no crash point above 2.00 in 200 rounds")
	return nil, 0
}

func crashBet(t *testing.T, f *fixture, account, params string) store.Round {
	t.Helper()
	res, err := f.o.PlaceBet(context.Background(), BetRequest{AccountID: account, Game: game.TypeCrash, Params: json.RawMessage(params), Stake: 100})
	if err != nil {
		t.Fatalf("PlaceBet(%s): %v", account, err)
	}
	if res.Round.Status != store.RoundCommitted || res.ServerSeed != "" {
		t.Fatalf("crash bet = %s, seed disclosed %v", res.Round.Status, res.ServerSeed != "")
	}
	return res.Round
}

func TestCrash_RoundLifecycle(t *testing.T) {
	f := newFixture(t, map[string]int64{"alice": 1000, "bob": 1000, "carol": 1000, "dave": 1000})
	ctx := context.Background()
	table := f.o.NewCrashTable(f.clock)
	cr, point := openCrashRound(t, f, table)

	alice := crashBet(t, f, "alice", ``)
	bob := crashBet(t, f, "bob", `{}`)
	carol := crashBet(t, f, "carol", `{"autoCashOut":1.5}`)

	if err := cr.Start(); err != nil {
		t.Fatal(err)
	}
	_, err := f.o.PlaceBet(ctx, BetRequest{AccountID: "dave", Game: game.TypeCrash, Stake: 100})
	if !errors.Is(err, errs.ErrTooLate) {
		t.Fatalf("late bet = %v, want TooLate", err)
	}
	if b := f.balance(t, "dave"); b != 1000 {
		t.Errorf("late bettor balance = %d", b)
	}

	f.clock.Advance(crash.ElapsedFor(140))
	m, err := f.o.RequestCashOut(ctx, "alice", alice.ID)
	if err != nil || m != 140 {
		t.Fatalf("alice cash-out = %s, %v", m, err)
	}
	if r := f.round(t, alice.ID); r.Status != store.RoundSettled || r.Payout != 140 {
		t.Fatalf("alice round = %s paid %d", r.Status, r.Payout)
	}
	if m2, err := f.o.RequestCashOut(ctx, "alice", alice.ID); !errors.Is(err, errs.ErrTooLate) {
		t.Errorf("second cash-out = %s, %v", m2, err)
	}
	// The shared seed stays sealed until the table round closes.
	if _, err := f.o.VerifyRound(ctx, alice.ID); !errors.Is(err, fairness.ErrNotRevealed) {
		t.Errorf("early VerifyRound = %v", err)
	}

	f.clock.Advance(crash.ElapsedFor(point) - crash.ElapsedFor(140))
	if _, err := f.o.RequestCashOut(ctx, "bob", bob.ID); !errors.Is(err, errs.ErrTooLate) {
		t.Fatalf("cash-out at the crash instant = %v, want TooLate", err)
	}
	if crashed, _ := cr.Tick(); !crashed {
		t.Fatal("round did not crash")
	}
	if err := table.Close(ctx, cr); err != nil {
		t.Fatalf("Close: %v", err)
	}

	want := map[string]struct {
		round  string
		payout int64
	}{
		"alice": {alice.ID, 140},
		"bob":   {bob.ID, 0},
		"carol": {carol.ID, 150},
	}
	for account, w := range want {
		r := f.round(t, w.round)
		if r.Status != store.RoundSettled || r.Payout != w.payout {
			t.Errorf("%s round = %s paid %d, want settled %d", account, r.Status, r.Payout, w.payout)
		}
		if b := f.balance(t, account); b != 900+w.payout {
			t.Errorf("%s balance = %d", account, b)
		}
		proof, err := f.o.VerifyRound(ctx, w.round)
		if err != nil || !proof.HashValid || !proof.OutcomeValid {
			t.Errorf("%s proof = %+v, %v", account, proof, err)
		}
	}
}

func TestCrash_CashOutRaceAgainstClosedRound(t *testing.T) {
	f := newFixture(t, map[string]int64{"alice": 1000})
	ctx := context.Background()
	table := f.o.NewCrashTable(f.clock)
	cr, _ := openCrashRound(t, f, table)
	alice := crashBet(t, f, "alice", `{}`)
	_ = cr.Start()
	f.clock.Advance(time.Hour * 24)
	cr.Tick()
	if err := table.Close(ctx, cr); err != nil {
		t.Fatal(err)
	}

	if _, err := f.o.RequestCashOut(ctx, "alice", alice.ID); !errors.Is(err, errs.ErrTooLate) {
		t.Fatalf("cash-out after settlement = %v", err)
	}
	if b := f.balance(t, "alice"); b != 900 {
		t.Errorf("balance = %d", b)
	}
}

func TestCrash_BetsRefusedWithoutTable(t *testing.T) {
	f := newFixture(t, map[string]int64{"alice": 1000})
	_, err := f.o.PlaceBet(context.Background(), BetRequest{AccountID: "alice", Game: game.TypeCrash, Stake: 10})
	if !errors.Is(err, errs.ErrTooLate) {
		t.Fatalf("PlaceBet = %v", err)
	}
}
