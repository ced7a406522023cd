package settlement

import (
	"context"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"wager/internal/errs"
	"wager/internal/store"
)

const maxPageSize = 100

// EncodeCursor turns a history position into an opaque token.
func EncodeCursor(c store.Cursor) string {
	if c.IsZero() {
		return ""
	}
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + ":" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token from EncodeCursor. The empty token starts
// at the newest round.
func DecodeCursor(token string) (store.Cursor, error) {
	if token == "" {
		return store.Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return store.Cursor{}, errs.Invalid("malformed cursor")
	}
	ts, id, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return store.Cursor{}, errs.Invalid("malformed cursor")
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return store.Cursor{}, errs.Invalid("malformed cursor")
	}
	return store.Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// HistoryIterator walks an account's rounds newest first, fetching one
// page at a time:
//
//	it := o.RoundHistory("alice", 20, "")
//	for it.Next(ctx) {
//		r := it.Round()
//	}
//	if err := it.Err(); err != nil { ... }
//
// Cursor returns a token that restarts a new iterator right after the last
// round returned.
type HistoryIterator struct {
	store     store.RoundStore
	accountID string
	pageSize  int

	page   []store.Round
	pos    int
	cursor store.Cursor
	cur    store.Round
	done   bool
	err    error
}

// RoundHistory returns an iterator over accountID's rounds starting after
// the position encoded in from.
func (o *Orchestrator) RoundHistory(accountID string, pageSize int, from string) *HistoryIterator {
	it := &HistoryIterator{store: o.store, accountID: accountID, pageSize: o.pageSize(pageSize)}
	it.cursor, it.err = DecodeCursor(from)
	return it
}

func (o *Orchestrator) pageSize(n int) int {
	if n <= 0 {
		n = o.rounds.HistoryPageSize
	}
	if n <= 0 {
		n = 20
	}
	return min(n, maxPageSize)
}

// Next advances to the next round, fetching a page when the current one
// is used up.
func (it *HistoryIterator) Next(ctx context.Context) bool {
	if it.err != nil || it.done && it.pos >= len(it.page) {
		return false
	}
	if it.pos >= len(it.page) {
		page, err := it.store.RoundsByAccount(ctx, it.accountID, it.cursor, it.pageSize)
		if err != nil {
			it.err = errs.Wrap(errs.CodePersistenceFailure, "load history", err)
			return false
		}
		it.page, it.pos = page, 0
		it.done = len(page) < it.pageSize
		if len(page) == 0 {
			return false
		}
	}
	it.cur = it.page[it.pos]
	it.pos++
	it.cursor = store.Cursor{CreatedAt: it.cur.CreatedAt, ID: it.cur.ID}
	return true
}

func (it *HistoryIterator) Round() store.Round { return it.cur }

func (it *HistoryIterator) Err() error { return it.err }

// Cursor is the restart token for the position after the last round
// returned by Next.
func (it *HistoryIterator) Cursor() string { return EncodeCursor(it.cursor) }

// HistoryPage is one page of history as served to clients. NextCursor is
// empty on the last page.
type HistoryPage struct {
	Rounds     []store.Round `json:"rounds"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// RoundHistoryPage reads up to limit rounds after cursor.
func (o *Orchestrator) RoundHistoryPage(ctx context.Context, accountID, cursor string, limit int) (HistoryPage, error) {
	limit = o.pageSize(limit)
	it := o.RoundHistory(accountID, limit+1, cursor)
	page := HistoryPage{Rounds: []store.Round{}}
	for len(page.Rounds) < limit && it.Next(ctx) {
		page.Rounds = append(page.Rounds, it.Round())
	}
	if err := it.Err(); err != nil {
		return HistoryPage{}, err
	}
	if len(page.Rounds) == limit && it.Next(ctx) {
		last := page.Rounds[len(page.Rounds)-1]
		page.NextCursor = EncodeCursor(store.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return page, it.Err()
}
