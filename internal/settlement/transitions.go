package settlement

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"wager/internal/errs"
	"wager/internal/store"
)

// ErrIllegalTransition rejects a round status change the lifecycle does
// not allow.
var ErrIllegalTransition = errors.New("illegal round transition")

// transitions lists the statuses each status may move to. Committed may
// be rewritten in place while a mines round is played.
var transitions = map[store.RoundStatus][]store.RoundStatus{
	store.RoundPending:   {store.RoundCommitted, store.RoundVoided},
	store.RoundCommitted: {store.RoundCommitted, store.RoundResolved, store.RoundVoided},
	store.RoundResolved:  {store.RoundSettled, store.RoundVoided},
}

func canTransition(from, to store.RoundStatus) bool {
	return slices.Contains(transitions[from], to)
}

// advance writes r with status to, guarded by r's current status. On
// success r holds the stored record.
func (o *Orchestrator) advance(ctx context.Context, r *store.Round, to store.RoundStatus) error {
	from := r.Status
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s to %s", ErrIllegalTransition, from, to)
	}
	next := *r
	next.Status = to
	next.UpdatedAt = o.now()
	if err := o.store.UpdateRound(ctx, next, from); err != nil {
		if errs.CodeOf(err) == errs.CodeUnknown {
			return errs.Wrap(errs.CodePersistenceFailure, "update round", err)
		}
		return err
	}
	*r = next
	return nil
}
