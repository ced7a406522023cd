// Package store defines the durable records of the settlement core and the
// storage contract every backend implements.
//
// Backends report contract violations with errs sentinels: ErrNotFound,
// ErrConcurrentModification on a version or status mismatch, ErrDuplicate
// on a reused idempotency key and ErrNonceReuse on a reused nonce. Any
// other error is a driver failure.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	KindStake    EntryKind = "stake"
	KindPayout   EntryKind = "payout"
	KindDeposit  EntryKind = "deposit"
	KindWithdraw EntryKind = "withdraw"
	KindRefund   EntryKind = "refund"
)

// Account is the cached running balance of one player. Version increments
// with every entry and guards optimistic concurrency.
type Account struct {
	ID        string    `json:"id"`
	Balance   int64     `json:"balance"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Entry is an immutable ledger record. Seq is the account version the entry
// was posted at; entries of one account are ordered by it, never by
// CreatedAt.
type Entry struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"account_id"`
	Seq            int64     `json:"seq"`
	Delta          int64     `json:"delta"`
	Balance        int64     `json:"balance"`
	Kind           EntryKind `json:"kind"`
	RoundID        string    `json:"round_id,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ReservationStatus is the lifecycle of a stake hold.
type ReservationStatus string

const (
	ReservationOpen    ReservationStatus = "open"
	ReservationSettled ReservationStatus = "settled"
	ReservationVoided  ReservationStatus = "voided"
)

// Reservation is a provisional hold on funds pending a round outcome.
type Reservation struct {
	ID        string            `json:"id"`
	AccountID string            `json:"account_id"`
	RoundID   string            `json:"round_id"`
	Amount    int64             `json:"amount"`
	Payout    int64             `json:"payout"`
	Status    ReservationStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Posting is one atomic ledger write: an optional entry applied to the
// account at ExpectedVersion, and an optional reservation write that is
// created when PrevStatus is empty or moved from PrevStatus otherwise.
type Posting struct {
	AccountID       string
	ExpectedVersion int64
	Entry           *Entry
	Reservation     *Reservation
	PrevStatus      ReservationStatus
}

// RoundStatus is the settlement lifecycle of a round.
type RoundStatus string

const (
	RoundPending   RoundStatus = "pending"
	RoundCommitted RoundStatus = "committed"
	RoundResolved  RoundStatus = "resolved"
	RoundSettled   RoundStatus = "settled"
	RoundVoided    RoundStatus = "voided"
)

// Terminal reports whether no further transition is allowed.
func (s RoundStatus) Terminal() bool {
	return s == RoundSettled || s == RoundVoided
}

// Round is one wager from stake to settlement.
type Round struct {
	ID            string          `json:"id"`
	Game          string          `json:"game"`
	AccountID     string          `json:"account_id"`
	Stake         int64           `json:"stake"`
	Params        json.RawMessage `json:"params"`
	CommitmentID  string          `json:"commitment_id"`
	ReservationID string          `json:"reservation_id,omitempty"`
	Outcome       json.RawMessage `json:"outcome,omitempty"`
	Multiplier    int64           `json:"multiplier"`
	Payout        int64           `json:"payout"`
	Status        RoundStatus     `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Commitment is a provably-fair commitment. ServerSeed stays secret until
// Revealed is set.
type Commitment struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"account_id"`
	Game           string    `json:"game"`
	ServerSeed     string    `json:"-"`
	ServerSeedHash string    `json:"server_seed_hash"`
	ClientSeed     string    `json:"client_seed"`
	Nonce          uint64    `json:"nonce"`
	Revealed       bool      `json:"revealed"`
	CreatedAt      time.Time `json:"created_at"`
}

// Cursor positions a newest-first scan over an account's rounds. The zero
// cursor starts at the newest round.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// IsZero reports whether the cursor starts from the top.
func (c Cursor) IsZero() bool {
	return c.CreatedAt.IsZero() && c.ID == ""
}

// LedgerStore persists accounts, entries and reservations.
type LedgerStore interface {
	Account(ctx context.Context, id string) (Account, error)
	Post(ctx context.Context, p Posting) (Account, error)
	Entries(ctx context.Context, accountID string) ([]Entry, error)
	EntryByIdempotencyKey(ctx context.Context, key string) (Entry, error)
	Reservation(ctx context.Context, id string) (Reservation, error)
}

// RoundStore persists rounds.
type RoundStore interface {
	CreateRound(ctx context.Context, r Round) error
	// UpdateRound replaces the round if its stored status equals from.
	UpdateRound(ctx context.Context, r Round, from RoundStatus) error
	Round(ctx context.Context, id string) (Round, error)
	// RoundsByAccount returns rounds strictly older than after, newest first.
	RoundsByAccount(ctx context.Context, accountID string, after Cursor, limit int) ([]Round, error)
	// RoundsByStatus returns rounds in any of statuses last updated before olderThan.
	RoundsByStatus(ctx context.Context, statuses []RoundStatus, olderThan time.Time) ([]Round, error)
}

// FairnessStore persists commitments and per account+game nonces.
type FairnessStore interface {
	NextNonce(ctx context.Context, accountID, game string) (uint64, error)
	SaveCommitment(ctx context.Context, c Commitment) error
	Commitment(ctx context.Context, id string) (Commitment, error)
	MarkRevealed(ctx context.Context, id string) error
}

// Store is the full durable store.
type Store interface {
	LedgerStore
	RoundStore
	FairnessStore
	Close() error
}
