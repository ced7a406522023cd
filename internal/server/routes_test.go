package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"wager/internal/config"
	"wager/internal/crash"
	"wager/internal/fairness"
	"wager/internal/game"
	"wager/internal/ledger"
	"wager/internal/settlement"
	"wager/internal/store/memory"
)

var testConfig = config.Config{
	Games: config.Games{
		MinStake:       1,
		MaxStake:       1_000_000,
		CoinFlipEdge:   0.02,
		DiceEdge:       0.01,
		MinesEdge:      0.03,
		CrashEdge:      0.01,
		MinesGridSize:  25,
		HouseAccountID: "house",
	},
	Rounds: config.Rounds{
		RevealTimeout:   30 * time.Second,
		MinesSessionTTL: 10 * time.Minute,
		ReaperInterval:  time.Second,
		HistoryPageSize: 20,
	},
	Crash: config.Crash{BettingWindow: time.Second, TickInterval: 10 * time.Millisecond},
}

type testServer struct {
	*FiberServer
	store  *memory.Store
	ledger *ledger.Ledger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s := memory.New()
	l := ledger.New(s, nil)
	if _, err := l.Deposit(context.Background(), "alice", 1000); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}
	registry, err := game.NewDefaultRegistry(testConfig.Games)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	o := settlement.New(testConfig, s, l, fairness.NewEngine(s, nil), registry)

	srv := New(Deps{Orchestrator: o, Ledger: l, Hub: NewHub()})
	srv.RegisterFiberRoutes()
	return &testServer{FiberServer: srv, store: s, ledger: l}
}

func (ts *testServer) do(t *testing.T, method, path, account string, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if account != "" {
		req.Header.Set(HeaderAccountID, account)
	}
	resp, err := ts.App.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, out
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return v
}

func TestHealthHandler(t *testing.T) {
	ts := newTestServer(t)
	status, body := ts.do(t, http.MethodGet, "/health", "", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	got := decode[map[string]map[string]any](t, body)
	if got["crash"]["status"] != "disabled" {
		t.Errorf("crash = %v", got["crash"])
	}
	if _, ok := got["database"]; ok {
		t.Error("database reported without one configured")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	status, body := ts.do(t, http.MethodGet, "/metrics", "", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if !bytes.Contains(body, []byte("go_goroutines")) {
		t.Error("metrics body missing runtime collectors")
	}
}

func TestPlaceBet_SettlesAndVerifies(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, http.MethodPost, "/api/v1/bets", "alice", map[string]any{
		"game":   "coinflip",
		"params": map[string]string{"side": "heads"},
		"stake":  100,
	})
	if status != http.StatusCreated {
		t.Fatalf("status = %d body = %s", status, body)
	}
	res := decode[settlement.RoundResult](t, body)
	if res.Round.Status != "settled" {
		t.Errorf("round status = %s", res.Round.Status)
	}
	if res.ServerSeed == "" {
		t.Error("seed not revealed after settlement")
	}
	if want := int64(1000 - 100 + res.Round.Payout); res.Balance != want {
		t.Errorf("balance = %d, want %d", res.Balance, want)
	}

	status, body = ts.do(t, http.MethodGet, "/api/v1/rounds/"+res.Round.ID+"/verify", "", nil)
	if status != http.StatusOK {
		t.Fatalf("verify status = %d body = %s", status, body)
	}
	proof := decode[settlement.Proof](t, body)
	if !proof.HashValid || !proof.OutcomeValid {
		t.Errorf("proof = %+v", proof)
	}

	status, body = ts.do(t, http.MethodGet, "/api/v1/balance", "alice", nil)
	if status != http.StatusOK {
		t.Fatalf("balance status = %d", status)
	}
	if got := decode[map[string]any](t, body)["balance"]; got != float64(res.Balance) {
		t.Errorf("balance = %v, want %d", got, res.Balance)
	}
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name    string
		method  string
		path    string
		account string
		body    any
		status  int
		code    string
	}{
		{"missing account", http.MethodGet, "/api/v1/balance", "", nil, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"insufficient funds", http.MethodPost, "/api/v1/bets", "alice",
			map[string]any{"game": "coinflip", "params": map[string]string{"side": "tails"}, "stake": 5000},
			http.StatusPaymentRequired, "INSUFFICIENT_FUNDS"},
		{"bad params", http.MethodPost, "/api/v1/bets", "alice",
			map[string]any{"game": "dice", "params": map[string]any{"target": 150, "direction": "under"}, "stake": 10},
			http.StatusBadRequest, "INVALID_BET_PARAMETERS"},
		{"unknown game", http.MethodPost, "/api/v1/bets", "alice",
			map[string]any{"game": "roulette", "params": map[string]any{}, "stake": 10},
			http.StatusBadRequest, "INVALID_BET_PARAMETERS"},
		{"unknown round", http.MethodGet, "/api/v1/rounds/nope/verify", "", nil, http.StatusNotFound, "NOT_FOUND"},
		{"cash out unknown round", http.MethodPost, "/api/v1/rounds/nope/cashout", "alice", nil, http.StatusNotFound, "NOT_FOUND"},
		{"reveal without cell", http.MethodPost, "/api/v1/rounds/nope/reveal", "alice", map[string]any{}, http.StatusBadRequest, "INVALID_BET_PARAMETERS"},
		{"malformed cursor", http.MethodGet, "/api/v1/rounds?cursor=!!!", "alice", nil, http.StatusBadRequest, "INVALID_BET_PARAMETERS"},
		{"no crash table", http.MethodGet, "/api/v1/crash/state", "", nil, http.StatusNotFound, "NOT_FOUND"},
		{"crash bet without table", http.MethodPost, "/api/v1/bets", "alice",
			map[string]any{"game": "crash", "params": map[string]any{}, "stake": 10},
			http.StatusConflict, "TOO_LATE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := ts.do(t, tt.method, tt.path, tt.account, tt.body)
			if status != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", status, tt.status, body)
			}
			got := decode[errorBody](t, body)
			if got.Code != tt.code {
				t.Errorf("code = %q, want %q", got.Code, tt.code)
			}
			if got.Message == "" {
				t.Error("empty message")
			}
		})
	}

	if b, _ := ts.ledger.Balance(context.Background(), "alice"); b != 1000 {
		t.Errorf("failed requests moved money: balance = %d", b)
	}
}

func TestFunding_Idempotent(t *testing.T) {
	ts := newTestServer(t)
	ev := map[string]any{"amount": 250, "direction": "deposit", "idempotency_key": "psp-1"}

	status, body := ts.do(t, http.MethodPost, "/api/v1/funding", "alice", ev)
	if status != http.StatusCreated {
		t.Fatalf("first delivery status = %d body = %s", status, body)
	}
	status, body = ts.do(t, http.MethodPost, "/api/v1/funding", "alice", ev)
	if status != http.StatusOK {
		t.Fatalf("redelivery status = %d body = %s", status, body)
	}
	if res := decode[ledger.FundingResult](t, body); !res.Duplicate {
		t.Error("redelivery not flagged duplicate")
	}
	if b, _ := ts.ledger.Balance(context.Background(), "alice"); b != 1250 {
		t.Errorf("balance = %d, want 1250", b)
	}
}

func TestMines_OverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	status, body := ts.do(t, http.MethodPost, "/api/v1/bets", "alice", map[string]any{
		"game":   "mines",
		"params": map[string]any{"mines": 3, "picks": []int{}},
		"stake":  100,
	})
	if status != http.StatusCreated {
		t.Fatalf("status = %d body = %s", status, body)
	}
	res := decode[settlement.RoundResult](t, body)
	if res.ServerSeed != "" {
		t.Fatal("seed disclosed while the round is open")
	}

	c, err := ts.store.Commitment(ctx, res.Round.CommitmentID)
	if err != nil {
		t.Fatal(err)
	}
	safe := fairness.NewStream(c.ServerSeed, c.ClientSeed, c.Nonce).Permutation(25)[3:]

	path := fmt.Sprintf("/api/v1/rounds/%s/reveal", res.Round.ID)
	if status, body = ts.do(t, http.MethodPost, path, "bob", map[string]int{"cell": safe[0]}); status != http.StatusNotFound {
		t.Fatalf("other account reveal status = %d body = %s", status, body)
	}
	if status, body = ts.do(t, http.MethodPost, path, "alice", map[string]int{"cell": safe[0]}); status != http.StatusOK {
		t.Fatalf("reveal status = %d body = %s", status, body)
	}

	status, body = ts.do(t, http.MethodPost, "/api/v1/rounds/"+res.Round.ID+"/cashout", "alice", nil)
	if status != http.StatusOK {
		t.Fatalf("cashout status = %d body = %s", status, body)
	}
	out := decode[cashOutResponse](t, body)
	mines, err := game.NewMines(25, testConfig.Games.MinesEdge)
	if err != nil {
		t.Fatal(err)
	}
	if want := mines.MultiplierAfter(3, 1); out.Multiplier != want {
		t.Errorf("multiplier = %s, want %s", out.Multiplier, want)
	}
}

func TestHistory_Pages(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 3; i++ {
		status, body := ts.do(t, http.MethodPost, "/api/v1/bets", "alice", map[string]any{
			"game": "coinflip", "params": map[string]string{"side": "heads"}, "stake": 1,
		})
		if status != http.StatusCreated {
			t.Fatalf("bet %d status = %d body = %s", i, status, body)
		}
	}

	seen := map[string]bool{}
	cursor := ""
	for page := 0; ; page++ {
		if page > 3 {
			t.Fatal("history did not terminate")
		}
		status, body := ts.do(t, http.MethodGet, "/api/v1/rounds?limit=2&cursor="+cursor, "alice", nil)
		if status != http.StatusOK {
			t.Fatalf("status = %d body = %s", status, body)
		}
		p := decode[settlement.HistoryPage](t, body)
		for _, r := range p.Rounds {
			if seen[r.ID] {
				t.Fatalf("round %s returned twice", r.ID)
			}
			seen[r.ID] = true
		}
		if p.NextCursor == "" {
			break
		}
		cursor = p.NextCursor
	}
	if len(seen) != 3 {
		t.Errorf("saw %d rounds, want 3", len(seen))
	}

	status, body := ts.do(t, http.MethodGet, "/api/v1/rounds", "bob", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if p := decode[settlement.HistoryPage](t, body); len(p.Rounds) != 0 {
		t.Errorf("bob sees %d rounds", len(p.Rounds))
	}
}

func TestCrashState_FromTable(t *testing.T) {
	ts := newTestServer(t)
	table := ts.orchestrator.NewCrashTable(crash.NewManualClock(time.Now()))
	if _, err := table.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	status, body := ts.do(t, http.MethodGet, "/api/v1/crash/state", "", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d body = %s", status, body)
	}
	snap := decode[crash.Snapshot](t, body)
	if snap.Phase != crash.PhaseAwaitingBets || snap.ServerSeedHash == "" {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.CrashPoint != 0 {
		t.Error("crash point disclosed before the crash")
	}
}
