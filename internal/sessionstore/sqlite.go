package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go driver, no cgo

	"github.com/quorumrun/nexus/pkg/contract"
	"github.com/quorumrun/nexus/pkg/model"
)

// SQLiteStore is a contract.SessionStore backed by modernc.org/sqlite, for
// single-node deployments that want durability without a Postgres server.
// Schema and statement shape mirror PostgresStore but use ? placeholders
// and an embedded CREATE TABLE IF NOT EXISTS bootstrap, following the
// sqlitevec backend's init() pattern (internal/memory/backend/sqlitevec).
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) a SQLite database at path and
// bootstraps its schema. Use ":memory:" for an ephemeral store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: open sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT,
			cwd TEXT NOT NULL,
			llm_config_id TEXT,
			parent_session_id TEXT,
			fork_origin TEXT,
			fork_point_type TEXT,
			fork_point_ref TEXT,
			fork_instructions TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			parts TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			parent_message_id TEXT,
			seq INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at, id);
		CREATE TABLE IF NOT EXISTS llm_configs (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			params TEXT,
			canonical_hash TEXT UNIQUE
		);
		CREATE TABLE IF NOT EXISTS delegations (
			id TEXT PRIMARY KEY,
			parent_session_id TEXT NOT NULL,
			target_agent_id TEXT NOT NULL,
			objective TEXT NOT NULL,
			objective_hash TEXT NOT NULL,
			child_session_id TEXT,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			result TEXT,
			error TEXT
		);
		CREATE TABLE IF NOT EXISTS progress_entries (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);
	`)
	return err
}

// DB returns the underlying handle.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *model.Session) error {
	var parentID, origin, pointType, pointRef, instructions sql.NullString
	if sess.Fork != nil {
		parentID = sql.NullString{String: sess.Fork.ParentSessionID, Valid: true}
		origin = sql.NullString{String: string(sess.Fork.Origin), Valid: true}
		pointType = sql.NullString{String: string(sess.Fork.PointType), Valid: true}
		pointRef = sql.NullString{String: sess.Fork.PointRef, Valid: true}
		instructions = sql.NullString{String: sess.Fork.Instructions, Valid: sess.Fork.Instructions != ""}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, cwd, llm_config_id, parent_session_id, fork_origin, fork_point_type, fork_point_ref, fork_instructions, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		sess.ID, sess.Name, sess.Cwd, sess.LLMConfigID, parentID, origin, pointType, pointRef, instructions, sess.CreatedAt, sess.UpdatedAt)
	return err
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, cwd, llm_config_id, parent_session_id, fork_origin, fork_point_type, fork_point_ref, fork_instructions, created_at, updated_at
		FROM sessions WHERE id = ?`, id)

	var sess model.Session
	var parentID, origin, pointType, pointRef, instructions sql.NullString
	if err := row.Scan(&sess.ID, &sess.Name, &sess.Cwd, &sess.LLMConfigID,
		&parentID, &origin, &pointType, &pointRef, &instructions, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if parentID.Valid {
		sess.Fork = &model.ForkInfo{ParentSessionID: parentID.String, Origin: model.ForkOrigin(origin.String),
			PointType: model.ForkPointType(pointType.String), PointRef: pointRef.String, Instructions: instructions.String}
	}
	return &sess, nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *model.Session) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET name = ?, llm_config_id = ?, updated_at = ? WHERE id = ?`,
		sess.Name, sess.LLMConfigID, time.Now(), sess.ID)
	return err
}

func (s *SQLiteStore) ListSessions(ctx context.Context, opts contract.ListSessionsOptions) ([]*model.Session, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cwd, llm_config_id, parent_session_id, fork_origin, fork_point_type, fork_point_ref, fork_instructions, created_at, updated_at
		FROM sessions ORDER BY created_at ASC LIMIT ? OFFSET ?`, limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Session
	for rows.Next() {
		var sess model.Session
		var parentID, origin, pointType, pointRef, instructions sql.NullString
		if err := rows.Scan(&sess.ID, &sess.Name, &sess.Cwd, &sess.LLMConfigID,
			&parentID, &origin, &pointType, &pointRef, &instructions, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		if parentID.Valid {
			sess.Fork = &model.ForkInfo{ParentSessionID: parentID.String, Origin: model.ForkOrigin(origin.String),
				PointType: model.ForkPointType(pointType.String), PointRef: pointRef.String, Instructions: instructions.String}
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ForkSession(ctx context.Context, spec contract.ForkSpec) (*model.Session, error) {
	parent, err := s.GetSession(ctx, spec.SourceSessionID)
	if err != nil {
		return nil, err
	}
	history, err := s.GetHistory(ctx, spec.SourceSessionID, 0)
	if err != nil {
		return nil, err
	}

	cut := len(history)
	switch spec.PointType {
	case model.ForkPointMessage:
		for i, m := range history {
			if m.ID == spec.PointRef {
				cut = i + 1
				break
			}
		}
	case model.ForkPointNone:
		cut = 0
	}

	child := &model.Session{
		ID: uuid.NewString(), Cwd: parent.Cwd, LLMConfigID: parent.LLMConfigID,
		Fork: &model.ForkInfo{ParentSessionID: parent.ID, Origin: spec.Origin, PointType: spec.PointType,
			PointRef: spec.PointRef, Instructions: spec.Instructions},
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := s.CreateSession(ctx, child); err != nil {
		return nil, err
	}
	for _, m := range history[:cut] {
		cp := *m
		cp.ID = uuid.NewString()
		cp.SessionID = child.ID
		if err := s.AppendMessage(ctx, &cp); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return child, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *model.AgentMessage) error {
	data, err := json.Marshal(*msg)
	if err != nil {
		return err
	}
	var parentID sql.NullString
	if msg.ParentMessageID != "" {
		parentID = sql.NullString{String: msg.ParentMessageID, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, parts, created_at, parent_message_id)
		VALUES (?,?,?,?,?,?)`, msg.ID, msg.SessionID, string(msg.Role), data, msg.CreatedAt, parentID)
	return err
}

func (s *SQLiteStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*model.AgentMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT parts FROM messages WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.AgentMessage
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var m model.AgentMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("sessionstore: unmarshal message: %w", err)
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *SQLiteStore) GetEffectiveHistory(ctx context.Context, sessionID string) ([]*model.AgentMessage, error) {
	full, err := s.GetHistory(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	start := 0
	for i := len(full) - 1; i >= 0; i-- {
		if full[i].IsCompactionBoundary() {
			start = i
			break
		}
	}
	var out []*model.AgentMessage
	for _, m := range full[start:] {
		if isSnapshotOnly(m) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *SQLiteStore) MarkToolResultCompacted(ctx context.Context, sessionID, callID string, at time.Time) error {
	history, err := s.GetHistory(ctx, sessionID, 0)
	if err != nil {
		return err
	}
	for _, m := range history {
		for _, p := range m.Parts {
			tr, ok := p.(*model.ToolResult)
			if !ok || tr.CallID != callID {
				continue
			}
			if tr.CompactedAt != nil {
				return nil
			}
			t := at
			tr.CompactedAt = &t
			data, err := json.Marshal(*m)
			if err != nil {
				return err
			}
			_, err = s.db.ExecContext(ctx, `UPDATE messages SET parts = ? WHERE id = ?`, data, m.ID)
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) GetOrCreateLLMConfig(ctx context.Context, cfg model.LLMConfig) (model.LLMConfig, error) {
	key, err := canonicalConfigHash(cfg)
	if err != nil {
		return model.LLMConfig{}, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT id, provider, model, params FROM llm_configs WHERE canonical_hash = ?`, key)
	var existing model.LLMConfig
	var params []byte
	if err := row.Scan(&existing.ID, &existing.Provider, &existing.Model, &params); err == nil {
		existing.Params = params
		return existing, nil
	} else if err != sql.ErrNoRows {
		return model.LLMConfig{}, err
	}

	cfg.ID = uuid.NewString()
	_, err = s.db.ExecContext(ctx, `INSERT INTO llm_configs (id, provider, model, params, canonical_hash) VALUES (?,?,?,?,?)`,
		cfg.ID, cfg.Provider, cfg.Model, []byte(cfg.Params), key)
	return cfg, err
}

func (s *SQLiteStore) SetSessionLLMConfig(ctx context.Context, sessionID, configID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET llm_config_id = ?, updated_at = ? WHERE id = ?`, configID, time.Now(), sessionID)
	return err
}

func (s *SQLiteStore) CreateDelegation(ctx context.Context, d *model.Delegation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delegations (id, parent_session_id, target_agent_id, objective, objective_hash, status, retry_count, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ID, d.ParentSessionID, d.TargetAgentID, d.Objective, d.ObjectiveHash, string(d.Status), d.RetryCount, d.CreatedAt, d.UpdatedAt)
	return err
}

func (s *SQLiteStore) GetDelegation(ctx context.Context, id string) (*model.Delegation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, parent_session_id, target_agent_id, objective, objective_hash, child_session_id, status, retry_count, created_at, updated_at, result, error
		FROM delegations WHERE id = ?`, id)

	var d model.Delegation
	var childID, status, result, errMsg sql.NullString
	if err := row.Scan(&d.ID, &d.ParentSessionID, &d.TargetAgentID, &d.Objective, &d.ObjectiveHash,
		&childID, &status, &d.RetryCount, &d.CreatedAt, &d.UpdatedAt, &result, &errMsg); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrDelegationNotFound
		}
		return nil, err
	}
	d.ChildSessionID, d.Status, d.Result, d.Error = childID.String, model.DelegationStatus(status.String), result.String, errMsg.String
	return &d, nil
}

func (s *SQLiteStore) ListDelegationsByParent(ctx context.Context, parentSessionID string) ([]*model.Delegation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_session_id, target_agent_id, objective, objective_hash, child_session_id, status, retry_count, created_at, updated_at, result, error
		FROM delegations WHERE parent_session_id = ? ORDER BY created_at ASC`, parentSessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Delegation
	for rows.Next() {
		var d model.Delegation
		var childID, status, result, errMsg sql.NullString
		if err := rows.Scan(&d.ID, &d.ParentSessionID, &d.TargetAgentID, &d.Objective, &d.ObjectiveHash,
			&childID, &status, &d.RetryCount, &d.CreatedAt, &d.UpdatedAt, &result, &errMsg); err != nil {
			return nil, err
		}
		d.ChildSessionID, d.Status, d.Result, d.Error = childID.String, model.DelegationStatus(status.String), result.String, errMsg.String
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateDelegationStatus(ctx context.Context, id string, status model.DelegationStatus, result, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE delegations SET status = ?, result = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), result, errMsg, time.Now(), id)
	return err
}

func (s *SQLiteStore) AddProgressEntry(ctx context.Context, e *contract.ProgressEntry) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO progress_entries (id, session_id, kind, content, created_at) VALUES (?,?,?,?,?)`,
		e.ID, e.SessionID, e.Kind, e.Content, e.CreatedAt)
	return err
}

func (s *SQLiteStore) ListProgressEntries(ctx context.Context, sessionID string) ([]*contract.ProgressEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, kind, content, created_at FROM progress_entries WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*contract.ProgressEntry
	for rows.Next() {
		var e contract.ProgressEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &e.Content, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

var _ contract.SessionStore = (*SQLiteStore)(nil)
