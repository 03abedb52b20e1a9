package snapshot

import (
	"errors"
	"fmt"

	"github.com/quorumrun/nexus/pkg/model"
)

// ErrNoEnclosingTurn is returned when a message precedes any recorded
// turn snapshot (e.g. it is part of an injected brief or a compaction
// summary rather than a tracked turn).
var ErrNoEnclosingTurn = errors.New("nexus: message has no enclosing turn snapshot")

// FindEnclosingTurnSnapshot walks history backwards from targetMessageID
// to the nearest TurnSnapshotStart, the turn's pre-state marker.
func FindEnclosingTurnSnapshot(history []*model.AgentMessage, targetMessageID string) (preSnapshotID, turnID string, err error) {
	targetIdx := -1
	for i, m := range history {
		if m.ID == targetMessageID {
			targetIdx = i
			break
		}
	}
	if targetIdx == -1 {
		return "", "", fmt.Errorf("nexus: message %s not found in history", targetMessageID)
	}

	for i := targetIdx; i >= 0; i-- {
		for _, part := range history[i].Parts {
			if start, ok := part.(model.TurnSnapshotStart); ok {
				return start.SnapshotID, start.TurnID, nil
			}
		}
	}
	return "", "", ErrNoEnclosingTurn
}

// Undo restores root to the pre-turn state of the turn that produced
// targetMessageID, per the rule "undo finds the target message's
// enclosing turn, then restores the pre snapshot."
func Undo(store *Store, history []*model.AgentMessage, root, targetMessageID string) error {
	preID, _, err := FindEnclosingTurnSnapshot(history, targetMessageID)
	if err != nil {
		return err
	}
	return store.Restore(root, preID)
}
