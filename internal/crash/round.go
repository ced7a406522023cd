// Package crash runs the shared crash rounds: the phase machine, the
// multiplier curve and the race between cash-outs and the crash instant.
package crash

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"wager/internal/errs"
	"wager/internal/game"
)

type Phase string

const (
	PhaseAwaitingBets Phase = "awaiting_bets"
	PhaseRunning      Phase = "running"
	PhaseCrashed      Phase = "crashed"
	PhaseSettled      Phase = "settled"
)

const (
	eventStart  = "start"
	eventCrash  = "crash"
	eventSettle = "settle"
)

// Participant is one player's stake in a round. RoundID is the player's
// own round record, not the shared crash round.
type Participant struct {
	RoundID     string          `json:"round_id"`
	AccountID   string          `json:"account_id"`
	Stake       int64           `json:"stake"`
	AutoCashOut game.Multiplier `json:"auto_cash_out,omitempty"`
	CashedOut   game.Multiplier `json:"cashed_out,omitempty"`
}

// Opening is what a round is created from: the commitment backing it and
// the crash point derived from that commitment's stream.
type Opening struct {
	ID             string
	CommitmentID   string
	ServerSeedHash string
	CrashPoint     game.Multiplier
}

// Snapshot is the public view of a round. CrashPoint stays zero until the
// round has crashed.
type Snapshot struct {
	RoundID        string          `json:"round_id"`
	Phase          Phase           `json:"phase"`
	ServerSeedHash string          `json:"server_seed_hash"`
	Multiplier     game.Multiplier `json:"multiplier"`
	CrashPoint     game.Multiplier `json:"crash_point,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	Players        int             `json:"players"`
	CashedOut      int             `json:"cashed_out"`
}

// Round is a single crash round. One goroutine drives it through Start,
// Tick and Settle while any number of requests join and cash out against
// it concurrently.
type Round struct {
	mu      sync.RWMutex
	opening Opening
	clock   Clock
	machine *fsm.FSM

	crashAfter time.Duration
	startedAt  time.Time

	players []*Participant
	byRound map[string]*Participant
}

func NewRound(o Opening, clock Clock) *Round {
	if o.CrashPoint < game.MinMultiplier {
		o.CrashPoint = game.MinMultiplier
	}
	return &Round{
		opening:    o,
		clock:      clock,
		crashAfter: ElapsedFor(o.CrashPoint),
		byRound:    make(map[string]*Participant),
		machine: fsm.NewFSM(
			string(PhaseAwaitingBets),
			fsm.Events{
				{Name: eventStart, Src: []string{string(PhaseAwaitingBets)}, Dst: string(PhaseRunning)},
				{Name: eventCrash, Src: []string{string(PhaseRunning)}, Dst: string(PhaseCrashed)},
				{Name: eventSettle, Src: []string{string(PhaseCrashed)}, Dst: string(PhaseSettled)},
			},
			fsm.Callbacks{},
		),
	}
}

func (r *Round) ID() string           { return r.opening.ID }
func (r *Round) CommitmentID() string { return r.opening.CommitmentID }

func (r *Round) Phase() Phase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.phase()
}

func (r *Round) phase() Phase {
	return Phase(r.machine.Current())
}

func (r *Round) fire(event string) error {
	if err := r.machine.Event(context.Background(), event); err != nil {
		return errs.Wrap(errs.CodeTooLate, "round is "+r.machine.Current(), err)
	}
	return nil
}

// Join adds a participant while bets are still open.
func (r *Round) Join(p Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase() != PhaseAwaitingBets {
		return errs.New(errs.CodeTooLate, "betting is closed")
	}
	if _, ok := r.byRound[p.RoundID]; ok {
		return errs.New(errs.CodeDuplicate, "already joined")
	}
	if p.AutoCashOut != 0 && p.AutoCashOut < game.MinAutoCashOut {
		return errs.Invalid("auto cash-out must be at least 1.01")
	}
	p.CashedOut = 0
	r.players = append(r.players, &p)
	r.byRound[p.RoundID] = &p
	return nil
}

// Start closes betting and starts the curve at the clock's current time.
func (r *Round) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fire(eventStart); err != nil {
		return err
	}
	r.startedAt = r.clock.Now()
	return nil
}

// CashOut locks the participant's multiplier at the curve value for the
// request's arrival time. It succeeds iff that value is still below the
// crash point, which is also why a request arriving before the crash but
// handled after it still wins. Cashing out twice returns the first lock.
func (r *Round) CashOut(playerRoundID string, arrival time.Time) (game.Multiplier, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byRound[playerRoundID]
	if !ok {
		return 0, errs.New(errs.CodeNotFound, "not a participant of the current round")
	}
	if p.CashedOut > 0 {
		return p.CashedOut, nil
	}
	switch r.phase() {
	case PhaseAwaitingBets:
		return 0, errs.Invalid("round has not started")
	case PhaseSettled:
		return 0, errs.ErrTooLate
	}
	if arrival.Before(r.startedAt) {
		arrival = r.startedAt
	}
	m := MultiplierAt(arrival.Sub(r.startedAt))
	// A reached auto target happened first.
	if a := p.AutoCashOut; a > 0 && a <= m && a < r.opening.CrashPoint {
		p.CashedOut = a
		return a, nil
	}
	if m >= r.opening.CrashPoint {
		return 0, errs.ErrTooLate
	}
	p.CashedOut = m
	return m, nil
}

// Tick advances the round to the clock's current time. It locks every
// auto cash-out the curve has reached and crashes the round once the
// crash instant has passed. The returned participants are the ones that
// cashed out during this tick.
func (r *Round) Tick() (crashed bool, cashed []Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase() != PhaseRunning {
		return r.phase() != PhaseAwaitingBets, nil
	}
	elapsed := r.clock.Now().Sub(r.startedAt)
	m := MultiplierAt(elapsed)
	crashed = elapsed >= r.crashAfter
	for _, p := range r.players {
		a := p.AutoCashOut
		if p.CashedOut > 0 || a == 0 || a >= r.opening.CrashPoint {
			continue
		}
		if a <= m || crashed {
			p.CashedOut = a
			cashed = append(cashed, *p)
		}
	}
	if crashed {
		_ = r.fire(eventCrash)
	}
	return crashed, cashed
}

// Settle closes the round and returns every participant with its final
// cash-out, zero for those who rode it into the crash.
func (r *Round) Settle() ([]Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fire(eventSettle); err != nil {
		return nil, err
	}
	return r.participants(), nil
}

func (r *Round) Participants() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.participants()
}

func (r *Round) participants() []Participant {
	out := make([]Participant, len(r.players))
	for i, p := range r.players {
		out[i] = *p
	}
	return out
}

func (r *Round) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Snapshot{
		RoundID:        r.opening.ID,
		Phase:          r.phase(),
		ServerSeedHash: r.opening.ServerSeedHash,
		Multiplier:     game.MinMultiplier,
		Players:        len(r.players),
	}
	for _, p := range r.players {
		if p.CashedOut > 0 {
			s.CashedOut++
		}
	}
	switch s.Phase {
	case PhaseRunning:
		started := r.startedAt
		s.StartedAt = &started
		s.Multiplier = min(MultiplierAt(r.clock.Now().Sub(r.startedAt)), r.opening.CrashPoint)
	case PhaseCrashed, PhaseSettled:
		started := r.startedAt
		s.StartedAt = &started
		s.Multiplier = r.opening.CrashPoint
		s.CrashPoint = r.opening.CrashPoint
	}
	return s
}
