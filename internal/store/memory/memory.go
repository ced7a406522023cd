// Package memory is an in-process Store used by tests and single-node
// development runs. One mutex guards everything, which makes every Post
// trivially atomic.
package memory

import (
	"context"
	"encoding/json"
	"slices"
	"strconv"
	"sync"
	"time"

	"wager/internal/errs"
	"wager/internal/store"
)

type Store struct {
	mu sync.Mutex

	accounts     map[string]store.Account
	entries      map[string][]store.Entry
	idempotency  map[string]store.Entry
	reservations map[string]store.Reservation

	rounds map[string]store.Round

	nonces      map[string]uint64
	commitments map[string]store.Commitment
	usedNonces  map[string]string
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		accounts:     make(map[string]store.Account),
		entries:      make(map[string][]store.Entry),
		idempotency:  make(map[string]store.Entry),
		reservations: make(map[string]store.Reservation),
		rounds:       make(map[string]store.Round),
		nonces:       make(map[string]uint64),
		commitments:  make(map[string]store.Commitment),
		usedNonces:   make(map[string]string),
	}
}

// Account returns the account, or a zero-balance account at version 0 if
// it has never been posted to.
func (s *Store) Account(ctx context.Context, id string) (store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		return a, nil
	}
	return store.Account{ID: id}, nil
}

func (s *Store) Post(ctx context.Context, p store.Posting) (store.Account, error) {
	if err := ctx.Err(); err != nil {
		return store.Account{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[p.AccountID]
	if !ok {
		acct = store.Account{ID: p.AccountID}
	}
	if acct.Version != p.ExpectedVersion {
		return store.Account{}, errs.ErrConcurrentModification
	}

	now := time.Now().UTC()
	var entry store.Entry
	if p.Entry != nil {
		entry = *p.Entry
		if entry.IdempotencyKey != "" {
			if _, dup := s.idempotency[entry.IdempotencyKey]; dup {
				return store.Account{}, errs.ErrDuplicate
			}
		}
		entry.Seq = acct.Version + 1
		entry.Balance = acct.Balance + entry.Delta
		if entry.Balance < 0 {
			return store.Account{}, errs.ErrInsufficientFunds
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
	}

	var res store.Reservation
	if p.Reservation != nil {
		res = *p.Reservation
		cur, exists := s.reservations[res.ID]
		switch {
		case p.PrevStatus == "" && exists:
			return store.Account{}, errs.ErrDuplicate
		case p.PrevStatus != "" && !exists:
			return store.Account{}, errs.ErrNotFound
		case p.PrevStatus != "" && cur.Status != p.PrevStatus:
			return store.Account{}, errs.ErrConcurrentModification
		}
		if res.CreatedAt.IsZero() {
			res.CreatedAt = now
		}
		res.UpdatedAt = now
	}

	if p.Entry != nil {
		acct.Balance = entry.Balance
		s.entries[p.AccountID] = append(s.entries[p.AccountID], entry)
		if entry.IdempotencyKey != "" {
			s.idempotency[entry.IdempotencyKey] = entry
		}
		p.Entry.Seq = entry.Seq
		p.Entry.Balance = entry.Balance
		p.Entry.CreatedAt = entry.CreatedAt
	}
	if p.Reservation != nil {
		s.reservations[res.ID] = res
	}
	acct.Version++
	acct.UpdatedAt = now
	s.accounts[p.AccountID] = acct
	return acct, nil
}

func (s *Store) Entries(ctx context.Context, accountID string) ([]store.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.entries[accountID]), nil
}

func (s *Store) EntryByIdempotencyKey(ctx context.Context, key string) (store.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.idempotency[key]
	if !ok {
		return store.Entry{}, errs.ErrNotFound
	}
	return e, nil
}

func (s *Store) Reservation(ctx context.Context, id string) (store.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return store.Reservation{}, errs.ErrNotFound
	}
	return r, nil
}

func (s *Store) CreateRound(ctx context.Context, r store.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rounds[r.ID]; ok {
		return errs.ErrDuplicate
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	s.rounds[r.ID] = cloneRound(r)
	return nil
}

func (s *Store) UpdateRound(ctx context.Context, r store.Round, from store.RoundStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rounds[r.ID]
	if !ok {
		return errs.ErrNotFound
	}
	if cur.Status != from {
		return errs.ErrConcurrentModification
	}
	r.CreatedAt = cur.CreatedAt
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	s.rounds[r.ID] = cloneRound(r)
	return nil
}

func (s *Store) Round(ctx context.Context, id string) (store.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[id]
	if !ok {
		return store.Round{}, errs.ErrNotFound
	}
	return cloneRound(r), nil
}

func (s *Store) RoundsByAccount(ctx context.Context, accountID string, after store.Cursor, limit int) ([]store.Round, error) {
	s.mu.Lock()
	var out []store.Round
	for _, r := range s.rounds {
		if r.AccountID != accountID {
			continue
		}
		if !after.IsZero() && !olderThan(r, after) {
			continue
		}
		out = append(out, cloneRound(r))
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b store.Round) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func olderThan(r store.Round, c store.Cursor) bool {
	if r.CreatedAt.Equal(c.CreatedAt) {
		return r.ID < c.ID
	}
	return r.CreatedAt.Before(c.CreatedAt)
}

func (s *Store) RoundsByStatus(ctx context.Context, statuses []store.RoundStatus, olderThan time.Time) ([]store.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Round
	for _, r := range s.rounds {
		if slices.Contains(statuses, r.Status) && r.UpdatedAt.Before(olderThan) {
			out = append(out, cloneRound(r))
		}
	}
	slices.SortFunc(out, func(a, b store.Round) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	return out, nil
}

func nonceKey(accountID, game string) string {
	return accountID + "/" + game
}

// NextNonce hands out 0, 1, 2... per account and game.
func (s *Store) NextNonce(ctx context.Context, accountID, game string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := nonceKey(accountID, game)
	n := s.nonces[k]
	s.nonces[k] = n + 1
	return n, nil
}

func (s *Store) SaveCommitment(ctx context.Context, c store.Commitment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.commitments[c.ID]; ok {
		return errs.ErrDuplicate
	}
	used := nonceKey(c.AccountID, c.Game) + "/" + strconv.FormatUint(c.Nonce, 10)
	if _, ok := s.usedNonces[used]; ok {
		return errs.ErrNonceReuse
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.usedNonces[used] = c.ID
	s.commitments[c.ID] = c
	return nil
}

func (s *Store) Commitment(ctx context.Context, id string) (store.Commitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commitments[id]
	if !ok {
		return store.Commitment{}, errs.ErrNotFound
	}
	return c, nil
}

func (s *Store) MarkRevealed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commitments[id]
	if !ok {
		return errs.ErrNotFound
	}
	c.Revealed = true
	s.commitments[id] = c
	return nil
}

func (s *Store) Close() error { return nil }

func cloneRound(r store.Round) store.Round {
	r.Params = cloneRaw(r.Params)
	r.Outcome = cloneRaw(r.Outcome)
	return r
}

func cloneRaw(m json.RawMessage) json.RawMessage {
	if m == nil {
		return nil
	}
	return slices.Clone(m)
}
