package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/quorumrun/nexus/pkg/contract"
	"github.com/quorumrun/nexus/pkg/model"
)

// PostgresConfig configures a connection to a Postgres-wire-compatible
// database, following the shape of the teacher's CockroachConfig
// (internal/sessions/cockroach.go).
type PostgresConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPostgresConfig returns sane defaults for local development.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "postgres",
		Database:        "nexus",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// PostgresStore is a contract.SessionStore backed by database/sql and
// github.com/lib/pq, adapted from internal/sessions/cockroach.go's
// prepared-statement pattern. The caller owns schema migration.
type PostgresStore struct {
	db *sql.DB

	stmtCreateSession   *sql.Stmt
	stmtGetSession      *sql.Stmt
	stmtUpdateSession   *sql.Stmt
	stmtListSessions    *sql.Stmt
	stmtAppendMessage   *sql.Stmt
	stmtGetHistory      *sql.Stmt
	stmtCreateDelegation *sql.Stmt
	stmtGetDelegation   *sql.Stmt
	stmtListDelegations *sql.Stmt
	stmtUpdateDelegation *sql.Stmt
	stmtAddProgress     *sql.Stmt
	stmtListProgress    *sql.Stmt
}

// Open connects to db per cfg and prepares all statements.
func Open(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return NewPostgresStore(ctx, db)
}

// NewPostgresStore prepares statements against an already-open db.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	var err error

	prep := func(q string) (*sql.Stmt, error) { return db.PrepareContext(ctx, q) }

	if s.stmtCreateSession, err = prep(`
		INSERT INTO sessions (id, name, cwd, llm_config_id, parent_session_id, fork_origin, fork_point_type, fork_point_ref, fork_instructions, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`); err != nil {
		return nil, err
	}
	if s.stmtGetSession, err = prep(`
		SELECT id, name, cwd, llm_config_id, parent_session_id, fork_origin, fork_point_type, fork_point_ref, fork_instructions, created_at, updated_at
		FROM sessions WHERE id = $1`); err != nil {
		return nil, err
	}
	if s.stmtUpdateSession, err = prep(`
		UPDATE sessions SET name = $2, llm_config_id = $3, updated_at = $4 WHERE id = $1`); err != nil {
		return nil, err
	}
	if s.stmtListSessions, err = prep(`
		SELECT id, name, cwd, llm_config_id, parent_session_id, fork_origin, fork_point_type, fork_point_ref, fork_instructions, created_at, updated_at
		FROM sessions ORDER BY created_at ASC LIMIT $1 OFFSET $2`); err != nil {
		return nil, err
	}
	if s.stmtAppendMessage, err = prep(`
		INSERT INTO messages (id, session_id, role, parts, created_at, parent_message_id)
		VALUES ($1,$2,$3,$4,$5,$6)`); err != nil {
		return nil, err
	}
	if s.stmtGetHistory, err = prep(`
		SELECT id, session_id, role, parts, created_at, parent_message_id
		FROM messages WHERE session_id = $1 ORDER BY created_at ASC, id ASC`); err != nil {
		return nil, err
	}
	if s.stmtCreateDelegation, err = prep(`
		INSERT INTO delegations (id, parent_session_id, target_agent_id, objective, objective_hash, status, retry_count, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`); err != nil {
		return nil, err
	}
	if s.stmtGetDelegation, err = prep(`
		SELECT id, parent_session_id, target_agent_id, objective, objective_hash, child_session_id, status, retry_count, created_at, updated_at, result, error
		FROM delegations WHERE id = $1`); err != nil {
		return nil, err
	}
	if s.stmtListDelegations, err = prep(`
		SELECT id, parent_session_id, target_agent_id, objective, objective_hash, child_session_id, status, retry_count, created_at, updated_at, result, error
		FROM delegations WHERE parent_session_id = $1 ORDER BY created_at ASC`); err != nil {
		return nil, err
	}
	if s.stmtUpdateDelegation, err = prep(`
		UPDATE delegations SET status = $2, result = $3, error = $4, updated_at = $5 WHERE id = $1`); err != nil {
		return nil, err
	}
	if s.stmtAddProgress, err = prep(`
		INSERT INTO progress_entries (id, session_id, kind, content, created_at) VALUES ($1,$2,$3,$4,$5)`); err != nil {
		return nil, err
	}
	if s.stmtListProgress, err = prep(`
		SELECT id, session_id, kind, content, created_at FROM progress_entries WHERE session_id = $1 ORDER BY created_at ASC`); err != nil {
		return nil, err
	}

	return s, nil
}

// DB returns the underlying handle, mainly for tests using go-sqlmock.
func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) CreateSession(ctx context.Context, sess *model.Session) error {
	var parentID, origin, pointType, pointRef, instructions sql.NullString
	if sess.Fork != nil {
		parentID = sql.NullString{String: sess.Fork.ParentSessionID, Valid: true}
		origin = sql.NullString{String: string(sess.Fork.Origin), Valid: true}
		pointType = sql.NullString{String: string(sess.Fork.PointType), Valid: true}
		pointRef = sql.NullString{String: sess.Fork.PointRef, Valid: true}
		instructions = sql.NullString{String: sess.Fork.Instructions, Valid: sess.Fork.Instructions != ""}
	}
	_, err := s.stmtCreateSession.ExecContext(ctx, sess.ID, sess.Name, sess.Cwd, sess.LLMConfigID,
		parentID, origin, pointType, pointRef, instructions, sess.CreatedAt, sess.UpdatedAt)
	return err
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.stmtGetSession.QueryRowContext(ctx, id)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*model.Session, error) {
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
		sess.Fork = &model.ForkInfo{
			ParentSessionID: parentID.String,
			Origin:          model.ForkOrigin(origin.String),
			PointType:       model.ForkPointType(pointType.String),
			PointRef:        pointRef.String,
			Instructions:    instructions.String,
		}
	}
	return &sess, nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, sess *model.Session) error {
	_, err := s.stmtUpdateSession.ExecContext(ctx, sess.ID, sess.Name, sess.LLMConfigID, time.Now())
	return err
}

func (s *PostgresStore) ListSessions(ctx context.Context, opts contract.ListSessionsOptions) ([]*model.Session, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.stmtListSessions.QueryContext(ctx, limit, opts.Offset)
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

// ForkSession reads the parent's history, deep-copies messages up to the
// cut point, and inserts the child session and its inherited messages
// inside one transaction.
func (s *PostgresStore) ForkSession(ctx context.Context, spec contract.ForkSpec) (*model.Session, error) {
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

	// Run the inserts through tx-bound copies of the prepared statements so
	// the child and its messages commit or roll back together.
	txs := &PostgresStore{
		db:                s.db,
		stmtCreateSession: tx.StmtContext(ctx, s.stmtCreateSession),
		stmtAppendMessage: tx.StmtContext(ctx, s.stmtAppendMessage),
	}
	if err := txs.CreateSession(ctx, child); err != nil {
		return nil, err
	}
	for _, m := range history[:cut] {
		cp := *m
		cp.ID = uuid.NewString()
		cp.SessionID = child.ID
		if err := txs.AppendMessage(ctx, &cp); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return child, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *model.AgentMessage) error {
	data, err := json.Marshal(*msg)
	if err != nil {
		return err
	}
	var parentID sql.NullString
	if msg.ParentMessageID != "" {
		parentID = sql.NullString{String: msg.ParentMessageID, Valid: true}
	}
	_, err = s.stmtAppendMessage.ExecContext(ctx, msg.ID, msg.SessionID, string(msg.Role), data, msg.CreatedAt, parentID)
	return err
}

func (s *PostgresStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*model.AgentMessage, error) {
	rows, err := s.stmtGetHistory.QueryContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.AgentMessage
	for rows.Next() {
		var id, sessID, role string
		var data []byte
		var createdAt time.Time
		var parentID sql.NullString
		if err := rows.Scan(&id, &sessID, &role, &data, &createdAt, &parentID); err != nil {
			return nil, err
		}
		var m model.AgentMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("sessionstore: unmarshal message %s: %w", id, err)
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

func (s *PostgresStore) GetEffectiveHistory(ctx context.Context, sessionID string) ([]*model.AgentMessage, error) {
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

// MarkToolResultCompacted rewrites the owning message's parts JSON with
// compacted_at set, since a single SQL statement cannot reach into a
// tagged-union column. It reads the session's history, checks
// write-once, and writes the message back with a single UPDATE; the read
// and the write do not share a transaction.
func (s *PostgresStore) MarkToolResultCompacted(ctx context.Context, sessionID, callID string, at time.Time) error {
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
				return nil // write-once: already set
			}
			t := at
			tr.CompactedAt = &t
			data, err := json.Marshal(*m)
			if err != nil {
				return err
			}
			_, err = s.db.ExecContext(ctx, `UPDATE messages SET parts = $2 WHERE id = $1`, m.ID, data)
			return err
		}
	}
	return nil
}

func (s *PostgresStore) GetOrCreateLLMConfig(ctx context.Context, cfg model.LLMConfig) (model.LLMConfig, error) {
	key, err := canonicalConfigHash(cfg)
	if err != nil {
		return model.LLMConfig{}, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT id, provider, model, params FROM llm_configs WHERE canonical_hash = $1`, key)
	var existing model.LLMConfig
	var params []byte
	if err := row.Scan(&existing.ID, &existing.Provider, &existing.Model, &params); err == nil {
		existing.Params = params
		return existing, nil
	} else if err != sql.ErrNoRows {
		return model.LLMConfig{}, err
	}

	cfg.ID = uuid.NewString()
	_, err = s.db.ExecContext(ctx, `INSERT INTO llm_configs (id, provider, model, params, canonical_hash) VALUES ($1,$2,$3,$4,$5)`,
		cfg.ID, cfg.Provider, cfg.Model, []byte(cfg.Params), key)
	return cfg, err
}

func (s *PostgresStore) SetSessionLLMConfig(ctx context.Context, sessionID, configID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET llm_config_id = $2, updated_at = $3 WHERE id = $1`, sessionID, configID, time.Now())
	return err
}

func (s *PostgresStore) CreateDelegation(ctx context.Context, d *model.Delegation) error {
	_, err := s.stmtCreateDelegation.ExecContext(ctx, d.ID, d.ParentSessionID, d.TargetAgentID, d.Objective,
		d.ObjectiveHash, string(d.Status), d.RetryCount, d.CreatedAt, d.UpdatedAt)
	return err
}

func (s *PostgresStore) GetDelegation(ctx context.Context, id string) (*model.Delegation, error) {
	row := s.stmtGetDelegation.QueryRowContext(ctx, id)
	return scanDelegation(row)
}

func scanDelegation(row *sql.Row) (*model.Delegation, error) {
	var d model.Delegation
	var childID, status, result, errMsg sql.NullString
	if err := row.Scan(&d.ID, &d.ParentSessionID, &d.TargetAgentID, &d.Objective, &d.ObjectiveHash,
		&childID, &status, &d.RetryCount, &d.CreatedAt, &d.UpdatedAt, &result, &errMsg); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrDelegationNotFound
		}
		return nil, err
	}
	d.ChildSessionID = childID.String
	d.Status = model.DelegationStatus(status.String)
	d.Result = result.String
	d.Error = errMsg.String
	return &d, nil
}

func (s *PostgresStore) ListDelegationsByParent(ctx context.Context, parentSessionID string) ([]*model.Delegation, error) {
	rows, err := s.stmtListDelegations.QueryContext(ctx, parentSessionID)
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

func (s *PostgresStore) UpdateDelegationStatus(ctx context.Context, id string, status model.DelegationStatus, result, errMsg string) error {
	_, err := s.stmtUpdateDelegation.ExecContext(ctx, id, string(status), result, errMsg, time.Now())
	return err
}

func (s *PostgresStore) AddProgressEntry(ctx context.Context, e *contract.ProgressEntry) error {
	_, err := s.stmtAddProgress.ExecContext(ctx, e.ID, e.SessionID, e.Kind, e.Content, e.CreatedAt)
	return err
}

func (s *PostgresStore) ListProgressEntries(ctx context.Context, sessionID string) ([]*contract.ProgressEntry, error) {
	rows, err := s.stmtListProgress.QueryContext(ctx, sessionID)
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

var _ contract.SessionStore = (*PostgresStore)(nil)
