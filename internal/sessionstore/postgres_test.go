package sessionstore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/quorumrun/nexus/pkg/model"
)

// newMockStore prepares a PostgresStore against a sqlmock connection,
// expecting every statement NewPostgresStore prepares up front, following
// the setupMockDB pattern from internal/sessions/cockroach_test.go.
func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}

	for i := 0; i < 12; i++ {
		mock.ExpectPrepare(".*")
	}

	s, err := NewPostgresStore(context.Background(), db)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	return s, mock
}

func TestPostgresStore_CreateSession(t *testing.T) {
	s, mock := newMockStore(t)
	sess := model.NewSession("/work", "")

	mock.ExpectExec("INSERT INTO sessions").
		WithArgs(sess.ID, sess.Name, sess.Cwd, sess.LLMConfigID,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_GetSession_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, name, cwd").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "cwd", "llm_config_id", "parent_session_id", "fork_origin",
			"fork_point_type", "fork_point_ref", "fork_instructions", "created_at", "updated_at",
		}))

	_, err := s.GetSession(context.Background(), "missing")
	if err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestPostgresStore_GetSession_Found(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery("SELECT id, name, cwd").
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "cwd", "llm_config_id", "parent_session_id", "fork_origin",
			"fork_point_type", "fork_point_ref", "fork_instructions", "created_at", "updated_at",
		}).AddRow("sess-1", "", "/work", "cfg-1", nil, nil, nil, nil, nil, now, now))

	got, err := s.GetSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Cwd != "/work" || got.Fork != nil {
		t.Fatalf("unexpected session: %+v", got)
	}
}
