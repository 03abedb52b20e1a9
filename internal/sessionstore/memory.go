// Package sessionstore implements contract.SessionStore: an in-memory
// backend for tests and single-process deployments, plus Postgres- and
// SQLite-backed implementations for durable deployments.
package sessionstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quorumrun/nexus/pkg/contract"
	"github.com/quorumrun/nexus/pkg/model"
)

// ErrSessionNotFound is returned when a session id has no record.
var ErrSessionNotFound = errors.New("sessionstore: session not found")

// ErrDelegationNotFound is returned when a delegation id has no record.
var ErrDelegationNotFound = errors.New("sessionstore: delegation not found")

// record holds everything owned by one session behind its own mutex, so
// that concurrent callers touching different sessions never contend with
// each other — unlike the teacher's single-RWMutex MemoryStore
// (internal/sessions/memory.go), which would serialize all sessions
// behind one lock.
type record struct {
	mu          sync.Mutex
	session     *model.Session
	messages    []*model.AgentMessage
	delegations map[string]*model.Delegation
	progress    []*contract.ProgressEntry
}

// MemoryStore is an in-memory contract.SessionStore sharded per session.
type MemoryStore struct {
	sessions sync.Map // string -> *record

	cfgMu   sync.Mutex
	configs map[string]model.LLMConfig // canonical hash -> config
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{configs: make(map[string]model.LLMConfig)}
}

func (s *MemoryStore) recordFor(id string) (*record, bool) {
	v, ok := s.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*record), true
}

// CreateSession registers a new session.
func (s *MemoryStore) CreateSession(ctx context.Context, sess *model.Session) error {
	r := &record{session: cloneSession(sess), delegations: make(map[string]*model.Delegation)}
	s.sessions.Store(sess.ID, r)
	return nil
}

// GetSession returns a copy of the session record.
func (s *MemoryStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	r, ok := s.recordFor(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneSession(r.session), nil
}

// UpdateSession overwrites the stored session, preserving the immutable
// cwd field (§3's invariant: a session's cwd, once set, never changes).
func (s *MemoryStore) UpdateSession(ctx context.Context, sess *model.Session) error {
	r, ok := s.recordFor(sess.ID)
	if !ok {
		return ErrSessionNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	updated := cloneSession(sess)
	updated.Cwd = r.session.Cwd
	updated.UpdatedAt = time.Now()
	r.session = updated
	return nil
}

// ListSessions returns a page of sessions ordered by creation time.
func (s *MemoryStore) ListSessions(ctx context.Context, opts contract.ListSessionsOptions) ([]*model.Session, error) {
	var all []*model.Session
	s.sessions.Range(func(_, v any) bool {
		r := v.(*record)
		r.mu.Lock()
		all = append(all, cloneSession(r.session))
		r.mu.Unlock()
		return true
	})
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	offset := opts.Offset
	if offset < 0 || offset > len(all) {
		offset = len(all)
	}
	end := len(all)
	if opts.Limit > 0 && offset+opts.Limit < end {
		end = offset + opts.Limit
	}
	return all[offset:end], nil
}

// ForkSession performs a deep copy of messages up to the fork's cut point
// and assigns the child a new session id, per §4.2.
func (s *MemoryStore) ForkSession(ctx context.Context, spec contract.ForkSpec) (*model.Session, error) {
	src, ok := s.recordFor(spec.SourceSessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	src.mu.Lock()
	parent := cloneSession(src.session)
	cutIdx := len(src.messages)
	switch spec.PointType {
	case model.ForkPointMessage:
		for i, m := range src.messages {
			if m.ID == spec.PointRef {
				cutIdx = i + 1
				break
			}
		}
	case model.ForkPointNone:
		cutIdx = 0
	}
	inherited := make([]*model.AgentMessage, cutIdx)
	for i := 0; i < cutIdx; i++ {
		inherited[i] = cloneMessage(src.messages[i])
	}
	src.mu.Unlock()

	child := &model.Session{
		ID:          uuid.NewString(),
		Cwd:         parent.Cwd,
		LLMConfigID: parent.LLMConfigID,
		Fork: &model.ForkInfo{
			ParentSessionID: parent.ID,
			Origin:          spec.Origin,
			PointType:       spec.PointType,
			PointRef:        spec.PointRef,
			Instructions:    spec.Instructions,
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	r := &record{session: child, messages: inherited, delegations: make(map[string]*model.Delegation)}
	s.sessions.Store(child.ID, r)
	return cloneSession(child), nil
}

// AppendMessage appends msg to its session's history under that
// session's own lock.
func (s *MemoryStore) AppendMessage(ctx context.Context, msg *model.AgentMessage) error {
	r, ok := s.recordFor(msg.SessionID)
	if !ok {
		return ErrSessionNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, cloneMessage(msg))
	return nil
}

// GetHistory returns the most recent limit messages (0 means all).
func (s *MemoryStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*model.AgentMessage, error) {
	r, ok := s.recordFor(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	msgs := r.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*model.AgentMessage, len(msgs))
	for i, m := range msgs {
		out[i] = cloneMessage(m)
	}
	return out, nil
}

// GetEffectiveHistory returns history from the last Compaction boundary
// onward (or the full history if none exists), excluding pure
// snapshot-metadata messages, per §4.6's effective-history definition.
func (s *MemoryStore) GetEffectiveHistory(ctx context.Context, sessionID string) ([]*model.AgentMessage, error) {
	r, ok := s.recordFor(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	start := 0
	for i := len(r.messages) - 1; i >= 0; i-- {
		if r.messages[i].IsCompactionBoundary() {
			start = i
			break
		}
	}

	var out []*model.AgentMessage
	for _, m := range r.messages[start:] {
		if isSnapshotOnly(m) {
			continue
		}
		out = append(out, cloneMessage(m))
	}
	return out, nil
}

func isSnapshotOnly(m *model.AgentMessage) bool {
	if len(m.Parts) == 0 {
		return false
	}
	for _, p := range m.Parts {
		switch p.(type) {
		case model.TurnSnapshotStart, model.TurnSnapshotPatch:
			continue
		default:
			return false
		}
	}
	return true
}

// MarkToolResultCompacted sets compacted_at on the named ToolResult part.
// It is write-once: an already-compacted result is left untouched.
func (s *MemoryStore) MarkToolResultCompacted(ctx context.Context, sessionID, callID string, at time.Time) error {
	r, ok := s.recordFor(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.messages {
		for _, p := range m.Parts {
			if tr, ok := p.(*model.ToolResult); ok && tr.CallID == callID {
				if tr.CompactedAt == nil {
					t := at
					tr.CompactedAt = &t
				}
				return nil
			}
		}
	}
	return nil
}

// GetOrCreateLLMConfig canonicalizes params and returns the existing
// config row if one already matches, else creates a new one.
func (s *MemoryStore) GetOrCreateLLMConfig(ctx context.Context, cfg model.LLMConfig) (model.LLMConfig, error) {
	key, err := canonicalConfigHash(cfg)
	if err != nil {
		return model.LLMConfig{}, err
	}

	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	if existing, ok := s.configs[key]; ok {
		return existing, nil
	}
	cfg.ID = uuid.NewString()
	s.configs[key] = cfg
	return cfg, nil
}

func canonicalConfigHash(cfg model.LLMConfig) (string, error) {
	var params map[string]any
	if len(cfg.Params) > 0 {
		if err := json.Unmarshal(cfg.Params, &params); err != nil {
			return "", fmt.Errorf("sessionstore: canonicalize params: %w", err)
		}
	}
	canon, err := json.Marshal(struct {
		Provider string         `json:"provider"`
		Model    string         `json:"model"`
		Params   map[string]any `json:"params"`
	}{cfg.Provider, cfg.Model, params})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// SetSessionLLMConfig re-points a session at a different config row.
func (s *MemoryStore) SetSessionLLMConfig(ctx context.Context, sessionID, configID string) error {
	r, ok := s.recordFor(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session.LLMConfigID = configID
	r.session.UpdatedAt = time.Now()
	return nil
}

// CreateDelegation records a new delegation under its parent session.
func (s *MemoryStore) CreateDelegation(ctx context.Context, d *model.Delegation) error {
	r, ok := s.recordFor(d.ParentSessionID)
	if !ok {
		return ErrSessionNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *d
	r.delegations[d.ID] = &cp
	return nil
}

// GetDelegation scans sessions for the delegation id. Delegations are
// few per session in practice; this trades O(sessions) lookup for
// keeping delegation state colocated with its parent's lock.
func (s *MemoryStore) GetDelegation(ctx context.Context, id string) (*model.Delegation, error) {
	var found *model.Delegation
	s.sessions.Range(func(_, v any) bool {
		r := v.(*record)
		r.mu.Lock()
		if d, ok := r.delegations[id]; ok {
			cp := *d
			found = &cp
		}
		r.mu.Unlock()
		return found == nil
	})
	if found == nil {
		return nil, ErrDelegationNotFound
	}
	return found, nil
}

// ListDelegationsByParent returns every delegation owned by parentSessionID.
func (s *MemoryStore) ListDelegationsByParent(ctx context.Context, parentSessionID string) ([]*model.Delegation, error) {
	r, ok := s.recordFor(parentSessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*model.Delegation, 0, len(r.delegations))
	for _, d := range r.delegations {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdateDelegationStatus transitions a delegation's status and result.
func (s *MemoryStore) UpdateDelegationStatus(ctx context.Context, id string, status model.DelegationStatus, result, errMsg string) error {
	var updateErr error
	found := false
	s.sessions.Range(func(_, v any) bool {
		r := v.(*record)
		r.mu.Lock()
		if d, ok := r.delegations[id]; ok {
			found = true
			d.Status = status
			d.Result = result
			d.Error = errMsg
			d.UpdatedAt = time.Now()
		}
		r.mu.Unlock()
		return !found
	})
	if !found {
		updateErr = ErrDelegationNotFound
	}
	return updateErr
}

// AddProgressEntry appends an audit-trail row for a session.
func (s *MemoryStore) AddProgressEntry(ctx context.Context, e *contract.ProgressEntry) error {
	r, ok := s.recordFor(e.SessionID)
	if !ok {
		return ErrSessionNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *e
	r.progress = append(r.progress, &cp)
	return nil
}

// ListProgressEntries returns every progress entry for a session, in
// insertion order.
func (s *MemoryStore) ListProgressEntries(ctx context.Context, sessionID string) ([]*contract.ProgressEntry, error) {
	r, ok := s.recordFor(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*contract.ProgressEntry, len(r.progress))
	for i, e := range r.progress {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func cloneSession(s *model.Session) *model.Session {
	cp := *s
	if s.Fork != nil {
		fork := *s.Fork
		cp.Fork = &fork
	}
	return &cp
}

func cloneMessage(m *model.AgentMessage) *model.AgentMessage {
	cp := *m
	cp.Parts = make([]model.Part, len(m.Parts))
	for i, p := range m.Parts {
		if tr, ok := p.(*model.ToolResult); ok {
			trc := *tr
			if tr.CompactedAt != nil {
				t := *tr.CompactedAt
				trc.CompactedAt = &t
			}
			cp.Parts[i] = &trc
			continue
		}
		cp.Parts[i] = p
	}
	return &cp
}

var _ contract.SessionStore = (*MemoryStore)(nil)
