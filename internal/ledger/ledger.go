// Package ledger owns account balances and the append-only entry log.
//
// Every balance change is one entry. Operations on one account are
// serialized by a keyed mutex in this process and by a version
// compare-and-swap in the store, so concurrent writers never interleave.
// Different accounts proceed in parallel.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wager/internal/errs"
	"wager/internal/keylock"
	"wager/internal/logger"
	"wager/internal/store"
)

// Ledger applies reservations, settlements and funding events.
type Ledger struct {
	store store.LedgerStore
	locks *keylock.Mutex
	cache FundingCache
}

// New builds a ledger over s. cache may be nil.
func New(s store.LedgerStore, cache FundingCache) *Ledger {
	return &Ledger{
		store: s,
		locks: keylock.New(),
		cache: cache,
	}
}

// persistence wraps driver failures; domain errors pass through untouched.
func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *errs.Error
	if errors.As(err, &de) {
		return err
	}
	return errs.Wrap(errs.CodePersistenceFailure, op, err)
}

// post reads the account, builds a posting against its current version and
// writes it. A version conflict means another process won the row, so the
// whole step is rebuilt and tried once more.
func (l *Ledger) post(ctx context.Context, accountID string, build func(store.Account) (*store.Posting, error)) (store.Account, error) {
	for attempt := 0; ; attempt++ {
		acct, err := l.store.Account(ctx, accountID)
		if err != nil {
			return store.Account{}, persistence("read account", err)
		}
		p, err := build(acct)
		if err != nil || p == nil {
			return acct, err
		}
		p.AccountID = accountID
		p.ExpectedVersion = acct.Version

		next, err := l.store.Post(ctx, *p)
		if errors.Is(err, errs.ErrConcurrentModification) && attempt == 0 {
			logger.DebugCtx(ctx, "ledger version conflict, retrying", zap.String("account_id", accountID))
			continue
		}
		if err != nil {
			return store.Account{}, persistence("post entry", err)
		}
		return next, nil
	}
}

var reservationSpace = uuid.MustParse("6f1c1d3e-8a43-4b8e-9d2a-1f7b3c5e9a10")

// ReservationID is the id Reserve gives the hold for roundID, so a round
// interrupted between reserving and recording the hold can still find it.
func ReservationID(roundID string) string {
	return uuid.NewSHA1(reservationSpace, []byte(roundID)).String()
}

// Reserve holds amount for roundID. It fails with InsufficientFunds and no
// state change when the balance is short, and with Duplicate when roundID
// already holds a reservation.
func (l *Ledger) Reserve(ctx context.Context, accountID string, amount int64, roundID string) (store.Reservation, error) {
	if amount <= 0 {
		return store.Reservation{}, errs.Invalid("stake must be positive")
	}
	if roundID == "" {
		return store.Reservation{}, errs.Invalid("reservation needs a round")
	}
	unlock := l.locks.Lock(accountID)
	defer unlock()

	res := store.Reservation{
		ID:        ReservationID(roundID),
		AccountID: accountID,
		RoundID:   roundID,
		Amount:    amount,
		Status:    store.ReservationOpen,
	}
	_, err := l.post(ctx, accountID, func(acct store.Account) (*store.Posting, error) {
		if acct.Balance < amount {
			return nil, errs.ErrInsufficientFunds
		}
		return &store.Posting{
			Entry: &store.Entry{
				ID:        uuid.NewString(),
				AccountID: accountID,
				Delta:     -amount,
				Kind:      store.KindStake,
				RoundID:   roundID,
			},
			Reservation: &res,
		}, nil
	})
	if err != nil {
		return store.Reservation{}, err
	}
	return res, nil
}

// Settle closes an open reservation, crediting payout when positive.
// Settling an already settled reservation is a no-op.
func (l *Ledger) Settle(ctx context.Context, reservationID string, payout int64) (store.Reservation, error) {
	if payout < 0 {
		return store.Reservation{}, errs.Invalid("payout must not be negative")
	}
	return l.close(ctx, reservationID, store.ReservationSettled, func(res store.Reservation) *store.Entry {
		if payout == 0 {
			return nil
		}
		return &store.Entry{Delta: payout, Kind: store.KindPayout}
	}, payout)
}

// Void refunds an open reservation in full. Voiding twice is a no-op;
// voiding a settled reservation fails with ReservationClosed.
func (l *Ledger) Void(ctx context.Context, reservationID string) (store.Reservation, error) {
	return l.close(ctx, reservationID, store.ReservationVoided, func(res store.Reservation) *store.Entry {
		return &store.Entry{Delta: res.Amount, Kind: store.KindRefund}
	}, 0)
}

func (l *Ledger) close(ctx context.Context, reservationID string, to store.ReservationStatus, entry func(store.Reservation) *store.Entry, payout int64) (store.Reservation, error) {
	res, err := l.store.Reservation(ctx, reservationID)
	if err != nil {
		return store.Reservation{}, persistence("read reservation", err)
	}

	unlock := l.locks.Lock(res.AccountID)
	defer unlock()

	var closed store.Reservation
	_, err = l.post(ctx, res.AccountID, func(store.Account) (*store.Posting, error) {
		cur, err := l.store.Reservation(ctx, reservationID)
		if err != nil {
			return nil, persistence("read reservation", err)
		}
		switch cur.Status {
		case to:
			closed = cur
			return nil, nil
		case store.ReservationOpen:
		default:
			return nil, errs.ErrReservationClosed
		}

		closed = cur
		closed.Status = to
		closed.Payout = payout
		p := &store.Posting{Reservation: &closed, PrevStatus: store.ReservationOpen}
		if e := entry(cur); e != nil {
			e.ID = uuid.NewString()
			e.AccountID = cur.AccountID
			e.RoundID = cur.RoundID
			p.Entry = e
		}
		return p, nil
	})
	if err != nil {
		return store.Reservation{}, err
	}
	return closed, nil
}

// Balance returns the cached running balance.
func (l *Ledger) Balance(ctx context.Context, accountID string) (int64, error) {
	acct, err := l.store.Account(ctx, accountID)
	if err != nil {
		return 0, persistence("read account", err)
	}
	return acct.Balance, nil
}

// Entries returns the account's entry log, oldest first.
func (l *Ledger) Entries(ctx context.Context, accountID string) ([]store.Entry, error) {
	entries, err := l.store.Entries(ctx, accountID)
	if err != nil {
		return nil, persistence("read entries", err)
	}
	return entries, nil
}

// ErrOutOfBalance reports a broken reconciliation invariant.
var ErrOutOfBalance = errors.New("ledger out of balance")

// Reconcile folds the entry log and checks it against the cached balance
// and each entry's recorded running balance.
func (l *Ledger) Reconcile(ctx context.Context, accountID string) error {
	unlock := l.locks.Lock(accountID)
	defer unlock()

	acct, err := l.store.Account(ctx, accountID)
	if err != nil {
		return persistence("read account", err)
	}
	entries, err := l.store.Entries(ctx, accountID)
	if err != nil {
		return persistence("read entries", err)
	}

	var sum int64
	for _, e := range entries {
		sum += e.Delta
		if e.Balance != sum {
			return fmt.Errorf("%w: entry %s records %d, fold gives %d", ErrOutOfBalance, e.ID, e.Balance, sum)
		}
		if sum < 0 {
			return fmt.Errorf("%w: negative balance after entry %s", ErrOutOfBalance, e.ID)
		}
	}
	if sum != acct.Balance {
		logger.ErrorCtx(ctx, "reconciliation failed",
			zap.String("account_id", accountID),
			zap.Int64("cached", acct.Balance),
			zap.Int64("folded", sum))
		return fmt.Errorf("%w: cached %d, fold gives %d", ErrOutOfBalance, acct.Balance, sum)
	}
	return nil
}
