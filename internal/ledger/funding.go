package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wager/internal/errs"
	"wager/internal/logger"
	"wager/internal/metrics"
	"wager/internal/store"
)

// Direction of a funding event.
type Direction string

const (
	DirectionDeposit  Direction = "deposit"
	DirectionWithdraw Direction = "withdraw"
)

// FundingEvent is a deposit or withdrawal delivered by the payment side.
// The same IdempotencyKey may arrive more than once.
type FundingEvent struct {
	AccountID      string    `json:"account_id"`
	Amount         int64     `json:"amount"`
	Direction      Direction `json:"direction"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// FundingResult is the entry a funding event produced. Duplicate is set
// when the event had already been applied.
type FundingResult struct {
	Entry     store.Entry `json:"entry"`
	Duplicate bool        `json:"duplicate"`
}

// FundingCache remembers applied idempotency keys so redeliveries skip the
// account lock. The store stays the source of truth.
type FundingCache interface {
	LookupFunding(ctx context.Context, key string) (store.Entry, bool)
	RememberFunding(ctx context.Context, e store.Entry)
}

func (ev FundingEvent) validate() error {
	if ev.AccountID == "" {
		return errs.Invalid("account is required")
	}
	if ev.Amount <= 0 {
		return errs.Invalid("amount must be positive")
	}
	if ev.IdempotencyKey == "" {
		return errs.Invalid("idempotency key is required")
	}
	switch ev.Direction {
	case DirectionDeposit, DirectionWithdraw:
		return nil
	default:
		return errs.Invalid("direction must be deposit or withdraw")
	}
}

func (ev FundingEvent) entry() *store.Entry {
	e := &store.Entry{
		ID:             uuid.NewString(),
		AccountID:      ev.AccountID,
		Delta:          ev.Amount,
		Kind:           store.KindDeposit,
		IdempotencyKey: ev.IdempotencyKey,
	}
	if ev.Direction == DirectionWithdraw {
		e.Delta = -ev.Amount
		e.Kind = store.KindWithdraw
	}
	return e
}

// matches reports whether a stored entry was produced by this event.
func (ev FundingEvent) matches(e store.Entry) bool {
	want := ev.entry()
	return e.AccountID == want.AccountID && e.Delta == want.Delta && e.Kind == want.Kind
}

func (ev FundingEvent) duplicate(e store.Entry) (FundingResult, error) {
	if !ev.matches(e) {
		metrics.RecordFunding(string(ev.Direction), "rejected")
		return FundingResult{}, errs.Invalid("idempotency key reused with a different funding event")
	}
	metrics.RecordFunding(string(ev.Direction), "duplicate")
	return FundingResult{Entry: e, Duplicate: true}, nil
}

// ApplyFunding applies ev exactly once per idempotency key. A redelivery
// returns the original entry without touching the balance.
func (l *Ledger) ApplyFunding(ctx context.Context, ev FundingEvent) (FundingResult, error) {
	if err := ev.validate(); err != nil {
		metrics.RecordFunding(string(ev.Direction), "rejected")
		return FundingResult{}, err
	}

	if l.cache != nil {
		if e, ok := l.cache.LookupFunding(ctx, ev.IdempotencyKey); ok {
			return ev.duplicate(e)
		}
	}

	unlock := l.locks.Lock(ev.AccountID)
	defer unlock()

	if e, err := l.store.EntryByIdempotencyKey(ctx, ev.IdempotencyKey); err == nil {
		l.remember(ctx, e)
		return ev.duplicate(e)
	} else if !errors.Is(err, errs.ErrNotFound) {
		return FundingResult{}, persistence("read funding entry", err)
	}

	entry := ev.entry()
	_, err := l.post(ctx, ev.AccountID, func(acct store.Account) (*store.Posting, error) {
		if acct.Balance+entry.Delta < 0 {
			return nil, errs.ErrInsufficientFunds
		}
		return &store.Posting{Entry: entry}, nil
	})
	if errors.Is(err, errs.ErrDuplicate) {
		// Another process applied the same key between our read and write.
		e, lerr := l.store.EntryByIdempotencyKey(ctx, ev.IdempotencyKey)
		if lerr != nil {
			return FundingResult{}, persistence("read funding entry", lerr)
		}
		l.remember(ctx, e)
		return ev.duplicate(e)
	}
	if err != nil {
		metrics.RecordFunding(string(ev.Direction), "rejected")
		return FundingResult{}, err
	}

	l.remember(ctx, *entry)
	metrics.RecordFunding(string(ev.Direction), "applied")
	logger.InfoCtx(ctx, "funding applied",
		zap.String("account_id", ev.AccountID),
		zap.String("direction", string(ev.Direction)),
		zap.Int64("amount", ev.Amount),
		zap.Int64("balance", entry.Balance))
	return FundingResult{Entry: *entry}, nil
}

func (l *Ledger) remember(ctx context.Context, e store.Entry) {
	if l.cache != nil {
		l.cache.RememberFunding(ctx, e)
	}
}

// Deposit credits amount outside any round and outside idempotency
// tracking.
func (l *Ledger) Deposit(ctx context.Context, accountID string, amount int64) (store.Entry, error) {
	return l.adjust(ctx, accountID, amount, store.KindDeposit)
}

// Withdraw debits amount, failing with InsufficientFunds when short.
func (l *Ledger) Withdraw(ctx context.Context, accountID string, amount int64) (store.Entry, error) {
	return l.adjust(ctx, accountID, -amount, store.KindWithdraw)
}

func (l *Ledger) adjust(ctx context.Context, accountID string, delta int64, kind store.EntryKind) (store.Entry, error) {
	if delta == 0 || (kind == store.KindDeposit) != (delta > 0) {
		return store.Entry{}, errs.Invalid("amount must be positive")
	}
	unlock := l.locks.Lock(accountID)
	defer unlock()

	entry := &store.Entry{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Delta:     delta,
		Kind:      kind,
	}
	_, err := l.post(ctx, accountID, func(acct store.Account) (*store.Posting, error) {
		if acct.Balance+delta < 0 {
			return nil, errs.ErrInsufficientFunds
		}
		return &store.Posting{Entry: entry}, nil
	})
	if err != nil {
		return store.Entry{}, err
	}
	return *entry, nil
}
