// Package settlement is the single entry point for wagers. It drives a bet
// through commitment, reservation, resolution and settlement, and makes
// sure every round ends either settled or voided with its stake refunded.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wager/internal/config"
	"wager/internal/crash"
	"wager/internal/errs"
	"wager/internal/fairness"
	"wager/internal/game"
	"wager/internal/keylock"
	"wager/internal/ledger"
	"wager/internal/logger"
	"wager/internal/metrics"
	"wager/internal/store"
)

// BetRequest is one wager as received from the presentation layer.
// AccountID is trusted as already authenticated.
type BetRequest struct {
	AccountID  string          `json:"-"`
	Game       game.Type       `json:"game"`
	Params     json.RawMessage `json:"params"`
	Stake      int64           `json:"stake"`
	ClientSeed string          `json:"client_seed,omitempty"`
}

// RoundResult is what a player sees after a bet or a reveal. The server
// seed is only filled once the commitment has been revealed.
type RoundResult struct {
	Round          store.Round `json:"round"`
	ServerSeedHash string      `json:"server_seed_hash"`
	ClientSeed     string      `json:"client_seed"`
	Nonce          uint64      `json:"nonce"`
	ServerSeed     string      `json:"server_seed,omitempty"`
	Balance        int64       `json:"balance"`
}

// Orchestrator owns round creation and every round status write.
type Orchestrator struct {
	games  config.Games
	rounds config.Rounds
	crash  config.Crash

	store    store.RoundStore
	ledger   *ledger.Ledger
	fairness *fairness.Engine
	registry *game.Registry
	locks    *keylock.Mutex
	table    *crash.Table
	now      func() time.Time
}

func New(cfg config.Config, rounds store.RoundStore, l *ledger.Ledger, f *fairness.Engine, registry *game.Registry) *Orchestrator {
	return &Orchestrator{
		games:    cfg.Games,
		rounds:   cfg.Rounds,
		crash:    cfg.Crash,
		store:    rounds,
		ledger:   l,
		fairness: f,
		registry: registry,
		locks:    keylock.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// NewCrashTable builds the crash table settled by this orchestrator. Crash
// bets are refused until it exists.
func (o *Orchestrator) NewCrashTable(clock crash.Clock, publishers ...crash.Publisher) *crash.Table {
	o.table = crash.NewTable(o.crash, o, clock, publishers...)
	return o.table
}

func (o *Orchestrator) Table() *crash.Table { return o.table }

func (o *Orchestrator) evaluator(t game.Type) (game.Evaluator, error) {
	ev, ok := o.registry.Get(t)
	if !ok {
		return nil, errs.Invalid(fmt.Sprintf("unknown game %q", t))
	}
	return ev, nil
}

func (o *Orchestrator) validate(req BetRequest) (game.Evaluator, error) {
	if req.AccountID == "" {
		return nil, errs.Invalid("account is required")
	}
	ev, err := o.evaluator(req.Game)
	if err != nil {
		return nil, err
	}
	if req.Stake < o.games.MinStake || req.Stake > o.games.MaxStake {
		return nil, errs.Invalid(fmt.Sprintf("stake must be between %d and %d", o.games.MinStake, o.games.MaxStake))
	}
	if err := ev.Validate(req.Params); err != nil {
		return nil, err
	}
	return ev, nil
}

// PlaceBet validates, commits, reserves and resolves one bet. Instant
// games come back settled; a mines round stays committed until the player
// hits a mine or cashes out, and a crash bet stays committed until its
// table round settles.
func (o *Orchestrator) PlaceBet(ctx context.Context, req BetRequest) (RoundResult, error) {
	started := time.Now()
	ev, err := o.validate(req)
	if err != nil {
		metrics.RecordBet(string(req.Game), "rejected", started)
		return RoundResult{}, err
	}

	var res RoundResult
	if req.Game == game.TypeCrash {
		res, err = o.placeCrashBet(ctx, req)
	} else {
		res, err = o.placeBet(ctx, req, ev)
	}
	metrics.RecordBet(string(req.Game), betResult(res.Round, err), started)
	return res, err
}

func betResult(r store.Round, err error) string {
	switch {
	case err != nil && r.Status == store.RoundVoided:
		return "voided"
	case err != nil:
		return "rejected"
	case r.Status != store.RoundSettled:
		return "open"
	case r.Payout > 0:
		return "win"
	default:
		return "loss"
	}
}

func (o *Orchestrator) placeBet(ctx context.Context, req BetRequest, ev game.Evaluator) (RoundResult, error) {
	c, err := o.fairness.Commit(ctx, req.AccountID, string(req.Game), req.ClientSeed)
	if err != nil {
		return RoundResult{}, err
	}

	r, err := o.open(ctx, req, c.ID)
	if err != nil {
		return RoundResult{}, err
	}

	unlock := o.locks.Lock(r.ID)
	defer unlock()

	out, err := ev.Resolve(o.fairness.Draw(c), r.Params, r.Stake)
	if err != nil {
		return o.abort(ctx, &r, "resolve_failed", err)
	}
	if !out.Finished {
		if err := o.record(ctx, &r, out); err != nil {
			return o.abort(ctx, &r, "persistence", err)
		}
		return o.result(ctx, r, c)
	}
	if err := o.finish(ctx, &r, out); err != nil {
		return RoundResult{Round: r}, err
	}
	c = o.reveal(ctx, c)
	return o.result(ctx, r, c)
}

// open creates the pending round, reserves its stake and commits it.
func (o *Orchestrator) open(ctx context.Context, req BetRequest, commitmentID string) (store.Round, error) {
	now := o.now()
	r := store.Round{
		ID:           uuid.NewString(),
		Game:         string(req.Game),
		AccountID:    req.AccountID,
		Stake:        req.Stake,
		Params:       req.Params,
		CommitmentID: commitmentID,
		Status:       store.RoundPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := o.store.CreateRound(ctx, r); err != nil {
		return r, errs.Wrap(errs.CodePersistenceFailure, "create round", err)
	}

	res, err := o.ledger.Reserve(ctx, req.AccountID, req.Stake, r.ID)
	if err != nil {
		reason := reasonFor(err)
		if reason == "persistence" {
			// The hold may or may not have been written.
			r.ReservationID = ledger.ReservationID(r.ID)
			_, err = o.abort(ctx, &r, reason, err)
			return r, err
		}
		// Nothing was reserved; the round is closed without a ledger trace.
		o.close(ctx, &r, reason)
		return r, err
	}
	r.ReservationID = res.ID
	if err := o.advance(ctx, &r, store.RoundCommitted); err != nil {
		_, err = o.abort(ctx, &r, "persistence", err)
		return r, err
	}
	return r, nil
}

func reasonFor(err error) string {
	switch errs.CodeOf(err) {
	case errs.CodeInsufficientFunds:
		return "insufficient_funds"
	case errs.CodeInvalidBetParameters:
		return "invalid"
	default:
		return "persistence"
	}
}

// record stores an interim outcome on a committed round.
func (o *Orchestrator) record(ctx context.Context, r *store.Round, out game.Outcome) error {
	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	r.Outcome = raw
	r.Multiplier = int64(out.Multiplier)
	return o.advance(ctx, r, store.RoundCommitted)
}

// finish resolves a committed round and settles its reservation. The
// settlement step is retried once on a version conflict; if it still
// fails the round is voided and the stake refunded.
func (o *Orchestrator) finish(ctx context.Context, r *store.Round, out game.Outcome) error {
	raw, err := json.Marshal(out)
	if err != nil {
		_, err = o.abort(ctx, r, "resolve_failed", fmt.Errorf("encode outcome: %w", err))
		return err
	}
	r.Outcome = raw
	r.Multiplier = int64(out.Multiplier)
	r.Payout = 0
	if out.Win {
		r.Payout = game.Payout(r.Stake, out.Multiplier)
	}
	if err := o.advance(ctx, r, store.RoundResolved); err != nil {
		_, err = o.abort(ctx, r, "persistence", err)
		return err
	}

	for attempt := 0; ; attempt++ {
		_, err = o.ledger.Settle(ctx, r.ReservationID, r.Payout)
		if errors.Is(err, errs.ErrConcurrentModification) && attempt == 0 {
			continue
		}
		break
	}
	if err != nil {
		if errs.CodeOf(err) != errs.CodePersistenceFailure {
			err = errs.Wrap(errs.CodePersistenceFailure, "settle round", err)
		}
		_, err = o.abort(ctx, r, "settle_failed", err)
		return err
	}

	if err := o.advance(ctx, r, store.RoundSettled); err != nil {
		// The ledger has already paid; the reaper completes the record.
		logger.ErrorCtx(ctx, "round settled in ledger but not recorded",
			zap.String("round_id", r.ID), zap.Error(err))
	}
	return nil
}

// abort refunds the stake and voids the round, returning cause.
func (o *Orchestrator) abort(ctx context.Context, r *store.Round, reason string, cause error) (RoundResult, error) {
	logger.WarnCtx(ctx, "voiding round",
		zap.String("round_id", r.ID),
		zap.String("reason", reason),
		zap.Error(cause))
	if r.ReservationID != "" {
		if _, err := o.ledger.Void(ctx, r.ReservationID); err != nil && !errors.Is(err, errs.ErrNotFound) {
			logger.ErrorCtx(ctx, "refund failed, leaving round for the reaper",
				zap.String("round_id", r.ID), zap.Error(err))
			return RoundResult{Round: *r}, cause
		}
	}
	o.close(ctx, r, reason)
	return RoundResult{Round: *r}, cause
}

// close moves a round to voided once its stake is no longer held.
func (o *Orchestrator) close(ctx context.Context, r *store.Round, reason string) {
	if err := o.advance(ctx, r, store.RoundVoided); err != nil {
		logger.ErrorCtx(ctx, "void round failed", zap.String("round_id", r.ID), zap.Error(err))
		return
	}
	metrics.RecordVoid(reason)
}

// reveal discloses the seed of a resolved round. A failure leaves the
// commitment sealed; VerifyRound reveals it on demand later.
func (o *Orchestrator) reveal(ctx context.Context, c store.Commitment) store.Commitment {
	revealed, err := o.fairness.Reveal(ctx, c.ID)
	if err != nil {
		logger.ErrorCtx(ctx, "reveal failed", zap.String("commitment_id", c.ID), zap.Error(err))
		return fairness.Public(c)
	}
	return revealed
}

func (o *Orchestrator) result(ctx context.Context, r store.Round, c store.Commitment) (RoundResult, error) {
	bal, err := o.ledger.Balance(ctx, r.AccountID)
	if err != nil {
		return RoundResult{}, err
	}
	res := RoundResult{
		Round:          r,
		ServerSeedHash: c.ServerSeedHash,
		ClientSeed:     c.ClientSeed,
		Nonce:          c.Nonce,
		Balance:        bal,
	}
	if c.Revealed {
		res.ServerSeed = c.ServerSeed
	}
	return res, nil
}

// load returns accountID's round, hiding other accounts' rounds as missing.
func (o *Orchestrator) load(ctx context.Context, accountID, roundID string) (store.Round, error) {
	r, err := o.store.Round(ctx, roundID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return r, errs.New(errs.CodeNotFound, "round not found")
		}
		return r, errs.Wrap(errs.CodePersistenceFailure, "load round", err)
	}
	if accountID != "" && r.AccountID != accountID {
		return store.Round{}, errs.New(errs.CodeNotFound, "round not found")
	}
	return r, nil
}

// RequestCashOut cashes out a running crash bet or an open mines round and
// returns the locked multiplier.
func (o *Orchestrator) RequestCashOut(ctx context.Context, accountID, roundID string) (game.Multiplier, error) {
	r, err := o.load(ctx, accountID, roundID)
	if err != nil {
		return 0, err
	}
	switch game.Type(r.Game) {
	case game.TypeCrash:
		return o.cashOutCrash(ctx, r)
	case game.TypeMines:
		res, err := o.cashOutMines(ctx, r)
		if err != nil {
			return 0, err
		}
		return game.Multiplier(res.Round.Multiplier), nil
	default:
		return 0, errs.Invalid(r.Game + " rounds cannot be cashed out")
	}
}
