package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/quorumrun/nexus/pkg/model"
)

// PostgresJournal persists durable events to a Postgres-wire-compatible
// database, computing stream_seq as the session's MAX(stream_seq)+1 in
// the same INSERT statement and transaction that writes the event row — so a
// caller can never observe an event with a gapped or out-of-order
// stream_seq. Adapted from the teacher's CockroachStore prepared
// statement shape (internal/sessions/cockroach.go).
type PostgresJournal struct {
	db *sql.DB

	stmtInsert *sql.Stmt
	stmtLoad   *sql.Stmt
}

// NewPostgresJournal prepares statements against db. The caller owns the
// schema migration; NewPostgresJournal does not create tables.
func NewPostgresJournal(ctx context.Context, db *sql.DB) (*PostgresJournal, error) {
	j := &PostgresJournal{db: db}

	var err error
	j.stmtInsert, err = db.PrepareContext(ctx, `
		INSERT INTO events (event_id, session_id, stream_seq, kind, timestamp, origin, source_node, payload)
		VALUES ($1, $2,
			COALESCE((SELECT MAX(stream_seq) FROM events WHERE session_id = $2), 0) + 1,
			$3, $4, $5, $6, $7)
		RETURNING stream_seq
	`)
	if err != nil {
		return nil, fmt.Errorf("journal: prepare insert: %w", err)
	}

	j.stmtLoad, err = db.PrepareContext(ctx, `
		SELECT event_id, session_id, stream_seq, kind, timestamp, origin, source_node, payload
		FROM events
		WHERE session_id = $1 AND stream_seq > $2
		ORDER BY stream_seq ASC
		LIMIT $3
	`)
	if err != nil {
		return nil, fmt.Errorf("journal: prepare load: %w", err)
	}

	return j, nil
}

// AppendDurable runs the insert inside an explicit serializable
// transaction so the stream_seq computation and the row write are atomic
// even under concurrent appends to the same session: a conflicting
// append fails with a serialization error instead of reusing a
// stream_seq (the caller is expected to
// additionally serialize same-session appends via the engine's
// per-session execution; this transaction protects correctness even if
// that serialization is ever bypassed).
func (j *PostgresJournal) AppendDurable(ctx context.Context, e model.Event) (model.Event, error) {
	if e.EventID == "" {
		e.EventID = model.NewEventID()
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return model.Event{}, fmt.Errorf("journal: marshal payload: %w", err)
	}

	tx, err := j.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return model.Event{}, fmt.Errorf("journal: begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.StmtContext(ctx, j.stmtInsert).QueryRowContext(ctx,
		e.EventID, e.SessionID, string(e.Kind), e.Timestamp, string(e.Origin), e.SourceNode, payload)
	if err := row.Scan(&e.StreamSeq); err != nil {
		return model.Event{}, fmt.Errorf("journal: insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Event{}, fmt.Errorf("journal: commit: %w", err)
	}
	return e, nil
}

// LoadSessionStream returns events above afterSeq, oldest first.
func (j *PostgresJournal) LoadSessionStream(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 1_000_000
	}
	rows, err := j.stmtLoad.QueryContext(ctx, sessionID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: load stream: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var e model.Event
		var kind, origin string
		var payload []byte
		if err := rows.Scan(&e.EventID, &e.SessionID, &e.StreamSeq, &kind, &e.Timestamp, &origin, &e.SourceNode, &payload); err != nil {
			return nil, fmt.Errorf("journal: scan event: %w", err)
		}
		e.Kind = model.EventKind(kind)
		e.Origin = model.EventOrigin(origin)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("journal: unmarshal payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
