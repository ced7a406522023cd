package crash

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"wager/internal/config"
	"wager/internal/errs"
	"wager/internal/game"
	"wager/internal/logger"
	"wager/internal/metrics"
)

// Event types published to subscribers.
const (
	EventRoundOpen    = "round_open"
	EventRoundRunning = "round_running"
	EventTick         = "tick"
	EventCashOut      = "cashout"
	EventCrash        = "crash"
	EventSettled      = "settled"
)

type Event struct {
	Type    string       `json:"type"`
	Round   Snapshot     `json:"round"`
	CashOut *Participant `json:"cash_out,omitempty"`
}

// Publisher receives every table event. Publish must not block the table
// for long; slow subscribers should drop or buffer.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Hooks connect the table to fairness and settlement.
type Hooks interface {
	// OpenRound commits to a new round and derives its crash point.
	OpenRound(ctx context.Context) (Opening, error)
	// SettleRound is handed every participant once the round is closed.
	SettleRound(ctx context.Context, r *Round, players []Participant) error
}

// Table runs crash rounds back to back.
type Table struct {
	cfg   config.Crash
	hooks Hooks
	clock Clock

	mu         sync.RWMutex
	current    *Round
	publishers []Publisher
}

func NewTable(cfg config.Crash, hooks Hooks, clock Clock, publishers ...Publisher) *Table {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Table{cfg: cfg, hooks: hooks, clock: clock, publishers: publishers}
}

// Subscribe adds a publisher for all later events.
func (t *Table) Subscribe(p Publisher) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishers = append(t.publishers, p)
}

func (t *Table) Clock() Clock { return t.clock }

// Current returns the round being played, or nil before the first opens.
func (t *Table) Current() *Round {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

func (t *Table) Snapshot() (Snapshot, bool) {
	r := t.Current()
	if r == nil {
		return Snapshot{}, false
	}
	return r.Snapshot(), true
}

// Join adds p to the current round if it is still taking bets.
func (t *Table) Join(p Participant) (*Round, error) {
	r := t.Current()
	if r == nil {
		return nil, errs.New(errs.CodeTooLate, "no round is taking bets")
	}
	if err := r.Join(p); err != nil {
		return nil, err
	}
	return r, nil
}

// CashOut stamps the request with the table clock before contending for
// the round.
func (t *Table) CashOut(ctx context.Context, playerRoundID string) (*Round, game.Multiplier, error) {
	arrival := t.clock.Now()
	r := t.Current()
	if r == nil {
		return nil, 0, errs.ErrTooLate
	}
	m, err := r.CashOut(playerRoundID, arrival)
	if err != nil {
		return r, 0, err
	}
	for _, p := range r.Participants() {
		if p.RoundID == playerRoundID {
			t.publish(ctx, Event{Type: EventCashOut, Round: r.Snapshot(), CashOut: &p})
			break
		}
	}
	return r, m, nil
}

// Run plays rounds until ctx is done.
func (t *Table) Run(ctx context.Context) error {
	logger.Info("crash table started",
		zap.Duration("betting_window", t.cfg.BettingWindow),
		zap.Duration("tick", t.cfg.TickInterval))
	for {
		if err := t.runRound(ctx); err != nil {
			if ctx.Err() != nil {
				logger.Info("crash table stopped")
				return nil
			}
			logger.Error("crash round failed", zap.Error(err))
		}
		if !sleep(ctx, t.cfg.Pause) {
			logger.Info("crash table stopped")
			return nil
		}
	}
}

// Open commits a new round and makes it the current one.
func (t *Table) Open(ctx context.Context) (*Round, error) {
	opening, err := t.hooks.OpenRound(ctx)
	if err != nil {
		return nil, err
	}
	r := NewRound(opening, t.clock)

	t.mu.Lock()
	t.current = r
	t.mu.Unlock()

	logger.Info("crash round open",
		zap.String("crash_round_id", r.ID()),
		zap.String("server_seed_hash", opening.ServerSeedHash))
	t.publish(ctx, Event{Type: EventRoundOpen, Round: r.Snapshot()})
	return r, nil
}

// Close settles a crashed round through the hooks.
func (t *Table) Close(ctx context.Context, r *Round) error {
	players, err := r.Settle()
	if err != nil {
		return err
	}
	err = t.hooks.SettleRound(ctx, r, players)
	t.publish(ctx, Event{Type: EventSettled, Round: r.Snapshot()})
	return err
}

func (t *Table) runRound(ctx context.Context) error {
	r, err := t.Open(ctx)
	if err != nil {
		return err
	}
	if !sleep(ctx, t.cfg.BettingWindow) {
		return ctx.Err()
	}
	if err := r.Start(); err != nil {
		return err
	}
	t.publish(ctx, Event{Type: EventRoundRunning, Round: r.Snapshot()})

	ticker := time.NewTicker(t.cfg.TickInterval)
	defer ticker.Stop()
	for running := true; running; {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			crashed, cashed := r.Tick()
			for i := range cashed {
				t.publish(ctx, Event{Type: EventCashOut, Round: r.Snapshot(), CashOut: &cashed[i]})
			}
			if crashed {
				running = false
				break
			}
			t.publish(ctx, Event{Type: EventTick, Round: r.Snapshot()})
		}
	}

	crashPoint := r.Snapshot().CrashPoint
	metrics.RecordCrashPoint(crashPoint.Float64())
	logger.Info("crash round crashed",
		zap.String("crash_round_id", r.ID()),
		zap.Stringer("crash_point", crashPoint))
	t.publish(ctx, Event{Type: EventCrash, Round: r.Snapshot()})

	// One more tick lets cash-outs stamped before the crash finish.
	if !sleep(ctx, t.cfg.TickInterval) {
		return ctx.Err()
	}
	return t.Close(ctx, r)
}

func (t *Table) publish(ctx context.Context, e Event) {
	t.mu.RLock()
	pubs := t.publishers
	t.mu.RUnlock()
	for _, p := range pubs {
		p.Publish(ctx, e)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
