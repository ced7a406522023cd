package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"wager/internal/errs"
	"wager/internal/game"
	"wager/internal/store"
)

func placeFlips(t *testing.T, f *fixture, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for range n {
		f.clock.Advance(time.Second)
		res, err := f.o.PlaceBet(context.Background(), BetRequest{AccountID: "alice", Game: game.TypeCoinFlip, Params: json.RawMessage(`{"side":"heads"}`), Stake: 10})
		if err != nil {
			t.Fatalf("PlaceBet: %v", err)
		}
		ids = append(ids, res.Round.ID)
	}
	// Newest first.
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids
}

func TestRoundHistory_IteratesNewestFirstAndRestarts(t *testing.T) {
	f := newFixture(t, map[string]int64{"alice": 1000, "bob": 1000})
	ctx := context.Background()
	want := placeFlips(t, f, 5)

	it := f.o.RoundHistory("alice", 2, "")
	var got []string
	for len(got) < 3 && it.Next(ctx) {
		got = append(got, it.Round().ID)
	}
	if it.Err() != nil {
		t.Fatalf("Err: %v", it.Err())
	}

	rest := f.o.RoundHistory("alice", 2, it.Cursor())
	for rest.Next(ctx) {
		got = append(got, rest.Round().ID)
	}
	if rest.Err() != nil {
		t.Fatalf("Err: %v", rest.Err())
	}

	if len(got) != len(want) {
		t.Fatalf("got %d rounds, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, got[i], want[i])
		}
	}

	other := f.o.RoundHistory("bob", 2, "")
	if other.Next(ctx) {
		t.Error("bob sees alice's rounds")
	}
}

func TestRoundHistoryPage(t *testing.T) {
	f := newFixture(t, map[string]int64{"alice": 1000})
	ctx := context.Background()
	want := placeFlips(t, f, 5)

	var got []string
	cursor := ""
	pages := 0
	for {
		page, err := f.o.RoundHistoryPage(ctx, "alice", cursor, 2)
		if err != nil {
			t.Fatalf("RoundHistoryPage: %v", err)
		}
		pages++
		for _, r := range page.Rounds {
			got = append(got, r.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if pages != 3 || len(got) != 5 {
		t.Fatalf("%d pages with %d rounds", pages, len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRoundHistory_MalformedCursor(t *testing.T) {
	f := newFixture(t, nil)
	for _, token := range []string{"!!!", "bm9jb2xvbg", "MTIzOg"} {
		it := f.o.RoundHistory("alice", 10, token)
		if it.Next(context.Background()) {
			t.Errorf("%q: iterator advanced", token)
		}
		if !errors.Is(it.Err(), errs.ErrInvalidBetParameters) {
			t.Errorf("%q: Err = %v", token, it.Err())
		}
	}
}

func TestCursor_RoundTrip(t *testing.T) {
	c, err := DecodeCursor("")
	if err != nil || !c.IsZero() {
		t.Fatalf("empty cursor = %+v, %v", c, err)
	}
	in := store.Cursor{CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC), ID: "round:with:colons"}
	out, err := DecodeCursor(EncodeCursor(in))
	if err != nil {
		t.Fatal(err)
	}
	if !out.CreatedAt.Equal(in.CreatedAt) || out.ID != in.ID {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}
