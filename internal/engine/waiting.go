package engine

import (
	"context"
	"time"

	"github.com/quorumrun/nexus/pkg/model"
)

// waitForDelegations parks on the fanout until every id (policy All) or
// any one id (policy Any) reaches a terminal status, or the resettable
// inactivity timeout fires. Any progress — a pending id resolving —
// resets the timeout, per §5's "resettable inactivity timeout per
// pending id (any progress resets it)". Per testable property 10, a
// timeout with ids still pending cancels every one of them rather than
// escaping the turn as an error: the caller sees them resolved with a
// Cancelled status and a "timed out" reason, and the turn resumes.
func (e *Engine) waitForDelegations(ctx context.Context, sessionID string, ids []string, policy WaitPolicy) (map[string]*model.Delegation, error) {
	pending := make(map[string]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
	}
	resolved := make(map[string]*model.Delegation, len(ids))

	// A delegation may already have finished between Start returning and
	// the subscription below going live; check the store directly first
	// so that race never causes an otherwise-instant wait to block for
	// a full timeout period.
	for id := range pending {
		d, err := e.store.GetDelegation(ctx, id)
		if err == nil && d.Status.Terminal() {
			resolved[id] = d
			delete(pending, id)
		}
	}
	if policy == WaitAny && len(resolved) > 0 {
		return resolved, nil
	}
	if len(pending) == 0 {
		return resolved, nil
	}

	sub := e.fanout.Subscribe()
	defer sub.Unsubscribe()

	timeout := e.cfg.DelegationInactivityTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return resolved, ctx.Err()

		case <-timer.C:
			if policy == WaitAny && len(resolved) > 0 {
				return resolved, nil
			}
			e.cancelPendingOnTimeout(ctx, sessionID, pending, resolved, timeout)
			return resolved, nil

		case delivery := <-sub.C():
			if delivery.Lagged != nil {
				// A dropped delivery in this narrow window is covered by
				// the store read above and the eventual timeout; nothing
				// to do here but keep waiting.
				continue
			}
			ev := delivery.Event
			if ev == nil || ev.SessionID != sessionID {
				continue
			}
			if !isDelegationTerminalKind(ev.Kind) {
				continue
			}
			id := ev.Payload.DelegationID
			if !pending[id] {
				continue
			}

			d, err := e.store.GetDelegation(ctx, id)
			if err != nil {
				continue
			}
			resolved[id] = d
			delete(pending, id)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(timeout)

			if policy == WaitAny {
				return resolved, nil
			}
			if len(pending) == 0 {
				return resolved, nil
			}
		}
	}
}

// cancelPendingOnTimeout drives every still-pending id to Cancelled and
// records it into resolved, per testable property 10. Failures fetching
// or cancelling an individual delegation are logged and otherwise
// ignored: the turn must resume regardless, and dispatchDelegations
// already treats a missing resolved entry as a generic failure result.
func (e *Engine) cancelPendingOnTimeout(ctx context.Context, sessionID string, pending map[string]bool, resolved map[string]*model.Delegation, timeout time.Duration) {
	reason := "timed out waiting for progress after " + timeout.String()
	for id := range pending {
		d, err := e.store.GetDelegation(ctx, id)
		if err != nil {
			e.log.Error("loading delegation for timeout cancellation failed", "delegation_id", id, "error", err)
			continue
		}
		if d.Status.Terminal() {
			resolved[id] = d
			continue
		}
		reqEvt := model.NewEvent(sessionID, model.KindDelegationCancelRequest)
		reqEvt.Payload = model.Payload{DelegationID: d.ID, ChildSessionID: d.ChildSessionID, ErrorMessage: reason}
		e.sink.Emit(ctx, reqEvt)

		if err := e.delegations.Cancel(ctx, d, reason); err != nil {
			e.log.Error("cancelling timed-out delegation failed", "delegation_id", id, "error", err)
			continue
		}
		if d, err = e.store.GetDelegation(ctx, id); err == nil {
			resolved[id] = d
		}
	}
}

func isDelegationTerminalKind(k model.EventKind) bool {
	switch k {
	case model.KindDelegationCompleted, model.KindDelegationFailed, model.KindDelegationCancelled:
		return true
	default:
		return false
	}
}
