// Package postgres implements store.Store on PostgreSQL through pgx.
//
// Every Post runs in one transaction that locks the account row, so the
// balance, the entry and the reservation change commit together or not
// at all.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"wager/internal/errs"
	"wager/internal/store"
)

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New wraps an open pool. Close does not close the pool, its owner does.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() error { return nil }

func isUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (s *Store) Account(ctx context.Context, id string) (store.Account, error) {
	a := store.Account{ID: id}
	err := s.pool.QueryRow(ctx,
		`SELECT balance, version, updated_at FROM accounts WHERE id = $1`, id,
	).Scan(&a.Balance, &a.Version, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return a, nil
	}
	if err != nil {
		return store.Account{}, fmt.Errorf("select account: %w", err)
	}
	return a, nil
}

func (s *Store) Post(ctx context.Context, p store.Posting) (store.Account, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.Account{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO accounts (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, p.AccountID,
	); err != nil {
		return store.Account{}, fmt.Errorf("ensure account: %w", err)
	}

	acct := store.Account{ID: p.AccountID}
	if err := tx.QueryRow(ctx,
		`SELECT balance, version FROM accounts WHERE id = $1 FOR UPDATE`, p.AccountID,
	).Scan(&acct.Balance, &acct.Version); err != nil {
		return store.Account{}, fmt.Errorf("lock account: %w", err)
	}
	if acct.Version != p.ExpectedVersion {
		return store.Account{}, errs.ErrConcurrentModification
	}

	now := time.Now().UTC().Truncate(time.Microsecond)

	if e := p.Entry; e != nil {
		balance := acct.Balance + e.Delta
		if balance < 0 {
			return store.Account{}, errs.ErrInsufficientFunds
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		seq := acct.Version + 1
		_, err := tx.Exec(ctx,
			`INSERT INTO ledger_entries (id, account_id, seq, delta, balance, kind, round_id, idempotency_key, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9)`,
			e.ID, p.AccountID, seq, e.Delta, balance, string(e.Kind), e.RoundID, e.IdempotencyKey, e.CreatedAt)
		if isUnique(err) {
			return store.Account{}, errs.ErrDuplicate
		}
		if err != nil {
			return store.Account{}, fmt.Errorf("insert entry: %w", err)
		}
		e.Seq = seq
		e.Balance = balance
		acct.Balance = balance
	}

	if r := p.Reservation; r != nil {
		if err := postReservation(ctx, tx, r, p.PrevStatus, now); err != nil {
			return store.Account{}, err
		}
	}

	if err := tx.QueryRow(ctx,
		`UPDATE accounts SET balance = $2, version = version + 1, updated_at = $3
		 WHERE id = $1 RETURNING version, updated_at`,
		p.AccountID, acct.Balance, now,
	).Scan(&acct.Version, &acct.UpdatedAt); err != nil {
		return store.Account{}, fmt.Errorf("update account: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return store.Account{}, fmt.Errorf("commit: %w", err)
	}
	return acct, nil
}

func postReservation(ctx context.Context, tx pgx.Tx, r *store.Reservation, prev store.ReservationStatus, now time.Time) error {
	if prev == "" {
		_, err := tx.Exec(ctx,
			`INSERT INTO reservations (id, account_id, round_id, amount, payout, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
			r.ID, r.AccountID, r.RoundID, r.Amount, r.Payout, string(r.Status), now)
		if isUnique(err) {
			return errs.ErrDuplicate
		}
		if err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		return nil
	}

	tag, err := tx.Exec(ctx,
		`UPDATE reservations SET status = $2, payout = $3, updated_at = $4
		 WHERE id = $1 AND status = $5`,
		r.ID, string(r.Status), r.Payout, now, string(prev))
	if err != nil {
		return fmt.Errorf("update reservation: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM reservations WHERE id = $1)`, r.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check reservation: %w", err)
	}
	if !exists {
		return errs.ErrNotFound
	}
	return errs.ErrConcurrentModification
}

const entryColumns = `id, account_id, seq, delta, balance, kind, COALESCE(round_id, ''), COALESCE(idempotency_key, ''), created_at`

func scanEntry(row pgx.Row) (store.Entry, error) {
	var e store.Entry
	var kind string
	err := row.Scan(&e.ID, &e.AccountID, &e.Seq, &e.Delta, &e.Balance, &kind, &e.RoundID, &e.IdempotencyKey, &e.CreatedAt)
	e.Kind = store.EntryKind(kind)
	return e, err
}

func (s *Store) Entries(ctx context.Context, accountID string) ([]store.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE account_id = $1 ORDER BY seq`, accountID)
	if err != nil {
		return nil, fmt.Errorf("select entries: %w", err)
	}
	defer rows.Close()

	var out []store.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) EntryByIdempotencyKey(ctx context.Context, key string) (store.Entry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Entry{}, errs.ErrNotFound
	}
	if err != nil {
		return store.Entry{}, fmt.Errorf("select entry: %w", err)
	}
	return e, nil
}

func (s *Store) Reservation(ctx context.Context, id string) (store.Reservation, error) {
	r := store.Reservation{ID: id}
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT account_id, round_id, amount, payout, status, created_at, updated_at FROM reservations WHERE id = $1`, id,
	).Scan(&r.AccountID, &r.RoundID, &r.Amount, &r.Payout, &status, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Reservation{}, errs.ErrNotFound
	}
	if err != nil {
		return store.Reservation{}, fmt.Errorf("select reservation: %w", err)
	}
	r.Status = store.ReservationStatus(status)
	return r, nil
}

func jsonArg(m json.RawMessage) any {
	if len(m) == 0 {
		return nil
	}
	return []byte(m)
}

func (s *Store) CreateRound(ctx context.Context, r store.Round) error {
	now := time.Now().UTC().Truncate(time.Microsecond)
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rounds (id, game, account_id, stake, params, commitment_id, reservation_id, outcome, multiplier, payout, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11, $12, $13)`,
		r.ID, r.Game, r.AccountID, r.Stake, jsonArg(r.Params), r.CommitmentID, r.ReservationID,
		jsonArg(r.Outcome), r.Multiplier, r.Payout, string(r.Status), r.CreatedAt, r.UpdatedAt)
	if isUnique(err) {
		return errs.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert round: %w", err)
	}
	return nil
}

func (s *Store) UpdateRound(ctx context.Context, r store.Round, from store.RoundStatus) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE rounds SET reservation_id = NULLIF($2, ''), outcome = $3, multiplier = $4, payout = $5, status = $6, updated_at = $7,
		        params = COALESCE($9, params)
		 WHERE id = $1 AND status = $8`,
		r.ID, r.ReservationID, jsonArg(r.Outcome), r.Multiplier, r.Payout, string(r.Status), r.UpdatedAt, string(from),
		jsonArg(r.Params))
	if err != nil {
		return fmt.Errorf("update round: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.Round(ctx, r.ID); err != nil {
		return err
	}
	return errs.ErrConcurrentModification
}

const roundColumns = `id, game, account_id, stake, params, commitment_id, COALESCE(reservation_id, ''), outcome, multiplier, payout, status, created_at, updated_at`

func scanRound(row pgx.Row) (store.Round, error) {
	var r store.Round
	var params, outcome []byte
	var status string
	err := row.Scan(&r.ID, &r.Game, &r.AccountID, &r.Stake, &params, &r.CommitmentID, &r.ReservationID,
		&outcome, &r.Multiplier, &r.Payout, &status, &r.CreatedAt, &r.UpdatedAt)
	r.Params = params
	r.Outcome = outcome
	r.Status = store.RoundStatus(status)
	return r, err
}

func collectRounds(rows pgx.Rows) ([]store.Round, error) {
	defer rows.Close()
	var out []store.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Round(ctx context.Context, id string) (store.Round, error) {
	r, err := scanRound(s.pool.QueryRow(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Round{}, errs.ErrNotFound
	}
	if err != nil {
		return store.Round{}, fmt.Errorf("select round: %w", err)
	}
	return r, nil
}

func (s *Store) RoundsByAccount(ctx context.Context, accountID string, after store.Cursor, limit int) ([]store.Round, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if after.IsZero() {
		rows, err = s.pool.Query(ctx,
			`SELECT `+roundColumns+` FROM rounds WHERE account_id = $1
			 ORDER BY created_at DESC, id DESC LIMIT $2`, accountID, limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+roundColumns+` FROM rounds WHERE account_id = $1 AND (created_at, id) < ($2, $3)
			 ORDER BY created_at DESC, id DESC LIMIT $4`, accountID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("select rounds: %w", err)
	}
	return collectRounds(rows)
}

func (s *Store) RoundsByStatus(ctx context.Context, statuses []store.RoundStatus, olderThan time.Time) ([]store.Round, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+roundColumns+` FROM rounds WHERE status = ANY($1) AND updated_at < $2 ORDER BY updated_at`,
		names, olderThan)
	if err != nil {
		return nil, fmt.Errorf("select stale rounds: %w", err)
	}
	return collectRounds(rows)
}

func (s *Store) NextNonce(ctx context.Context, accountID, game string) (uint64, error) {
	var next int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO fairness_nonces (account_id, game, next_nonce) VALUES ($1, $2, 1)
		 ON CONFLICT (account_id, game) DO UPDATE SET next_nonce = fairness_nonces.next_nonce + 1
		 RETURNING next_nonce`, accountID, game,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next nonce: %w", err)
	}
	return uint64(next - 1), nil
}

func (s *Store) SaveCommitment(ctx context.Context, c store.Commitment) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fairness_commitments (id, account_id, game, server_seed, server_seed_hash, client_seed, nonce, revealed, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.AccountID, c.Game, c.ServerSeed, c.ServerSeedHash, c.ClientSeed, int64(c.Nonce), c.Revealed, c.CreatedAt)
	if isUnique(err) {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.ConstraintName == "fairness_commitments_pkey" {
			return errs.ErrDuplicate
		}
		return errs.ErrNonceReuse
	}
	if err != nil {
		return fmt.Errorf("insert commitment: %w", err)
	}
	return nil
}

func (s *Store) Commitment(ctx context.Context, id string) (store.Commitment, error) {
	c := store.Commitment{ID: id}
	var nonce int64
	err := s.pool.QueryRow(ctx,
		`SELECT account_id, game, server_seed, server_seed_hash, client_seed, nonce, revealed, created_at
		 FROM fairness_commitments WHERE id = $1`, id,
	).Scan(&c.AccountID, &c.Game, &c.ServerSeed, &c.ServerSeedHash, &c.ClientSeed, &nonce, &c.Revealed, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Commitment{}, errs.ErrNotFound
	}
	if err != nil {
		return store.Commitment{}, fmt.Errorf("select commitment: %w", err)
	}
	c.Nonce = uint64(nonce)
	return c, nil
}

func (s *Store) MarkRevealed(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE fairness_commitments SET revealed = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("reveal commitment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
