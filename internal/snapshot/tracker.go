package snapshot

import (
	"github.com/google/uuid"
)

// TurnBracket is the pair of message parts the engine attaches at the
// start and end of a turn, per spec.md §4.4: a pre-turn snapshot
// bracketed by TurnSnapshotStart and a post-turn TurnSnapshotPatch
// carrying the changed-path set.
type TurnBracket struct {
	TurnID         string
	PreSnapshotID  string
	PostSnapshotID string
	ChangedPaths   []string
}

// BeginTurn snapshots root and returns the pre-turn half of the bracket.
// The engine embeds TurnID/PreSnapshotID in a TurnSnapshotStart part
// before the first LLM call of the turn.
func (s *Store) BeginTurn(root string) (TurnBracket, error) {
	preID, err := s.Track(root)
	if err != nil {
		return TurnBracket{}, err
	}
	return TurnBracket{TurnID: uuid.NewString(), PreSnapshotID: preID}, nil
}

// EndTurn snapshots root again and diffs against the bracket's pre-state,
// completing the bracket with the post snapshot id and changed paths.
// The engine embeds the result in a TurnSnapshotPatch part at turn end.
func (s *Store) EndTurn(root string, bracket TurnBracket) (TurnBracket, error) {
	postID, err := s.Track(root)
	if err != nil {
		return bracket, err
	}
	changed, err := s.Diff(bracket.PreSnapshotID, postID)
	if err != nil {
		return bracket, err
	}
	bracket.PostSnapshotID = postID
	bracket.ChangedPaths = changed
	return bracket, nil
}
