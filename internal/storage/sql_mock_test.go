package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

// setupMockDB creates a postgres-dialect backend over sqlmock.
func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *sqlBackend) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return db, mock, &sqlBackend{db: db, dialect: DialectPostgres, now: func() time.Time { return fixed }}
}

func TestRebind(t *testing.T) {
	pg := &sqlBackend{dialect: DialectPostgres}
	if got := pg.rebind("SELECT a FROM t WHERE b = ? AND c = ?"); got != "SELECT a FROM t WHERE b = $1 AND c = $2" {
		t.Errorf("postgres rebind = %q", got)
	}
	lite := &sqlBackend{dialect: DialectSQLite}
	if got := lite.rebind("WHERE b = ?"); got != "WHERE b = ?" {
		t.Errorf("sqlite rebind = %q", got)
	}
}

func TestSQLBackend_UpsertSummary(t *testing.T) {
	cols := []string{"conversation_id", "content", "token_estimate", "messages_covered", "version", "created_at", "updated_at"}

	tests := []struct {
		name        string
		setupMock   func(sqlmock.Sqlmock)
		wantVersion int
		wantErr     bool
		errContains string
	}{
		{
			name: "update increments counters",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("INSERT INTO conversation_summaries").
					WithArgs("conv-1", "summary", 3, 10, sqlmock.AnyArg(), sqlmock.AnyArg()).
					WillReturnRows(sqlmock.NewRows(cols).AddRow("conv-1", "summary", 3, 48, 2, int64(1), int64(2)))
			},
			wantVersion: 2,
		},
		{
			name: "database error",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("INSERT INTO conversation_summaries").
					WillReturnError(errors.New("connection reset"))
			},
			wantErr:     true,
			errContains: "upsert summary",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, mock, store := setupMockDB(t)
			tt.setupMock(mock)

			got, err := store.UpsertSummary(context.Background(), "conv-1", "summary", 3, 10)
			if (err != nil) != tt.wantErr {
				t.Fatalf("UpsertSummary() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error %q does not contain %q", err, tt.errContains)
				}
			} else if got.Version != tt.wantVersion {
				t.Errorf("Version = %d, want %d", got.Version, tt.wantVersion)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestSQLBackend_GetSummaryNotFound(t *testing.T) {
	_, mock, store := setupMockDB(t)
	mock.ExpectQuery("SELECT conversation_id, content").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.GetSummary(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSummary() error = %v, want ErrNotFound", err)
	}
}

func TestSQLBackend_SavePlan(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(sqlmock.Sqlmock)
		wantErr   bool
	}{
		{
			name: "deactivates then inserts in one transaction",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("UPDATE conversation_plans SET is_active = 0").
					WithArgs("conv-1").
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec("INSERT INTO conversation_plans").
					WithArgs(sqlmock.AnyArg(), "conv-1", "plan", "memory", sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectCommit()
			},
		},
		{
			name: "insert failure rolls back",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("UPDATE conversation_plans").WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectExec("INSERT INTO conversation_plans").WillReturnError(errors.New("boom"))
				mock.ExpectRollback()
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, mock, store := setupMockDB(t)
			tt.setupMock(mock)

			_, err := store.SavePlan(context.Background(), "conv-1", "plan", "memory")
			if (err != nil) != tt.wantErr {
				t.Fatalf("SavePlan() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestSQLBackend_UpsertMemoryReportsUpdate(t *testing.T) {
	_, mock, store := setupMockDB(t)
	mock.ExpectQuery("INSERT INTO user_memories").
		WithArgs(sqlmock.AnyArg(), "user-1", "lang", "Go", "native_tool", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow("existing-id", int64(1000)))

	m, created, err := store.UpsertMemory(context.Background(), "user-1", "lang", "Go", "native_tool")
	if err != nil {
		t.Fatalf("UpsertMemory() error = %v", err)
	}
	if created {
		t.Error("expected update when the returned id differs from the generated one")
	}
	if m.ID != "existing-id" {
		t.Errorf("ID = %q, want existing-id", m.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLBackend_GetUsageNoRows(t *testing.T) {
	_, mock, store := setupMockDB(t)
	mock.ExpectQuery("SELECT message_count, token_count FROM daily_usage").
		WithArgs("user-1", "2025-03-01").
		WillReturnError(sql.ErrNoRows)

	u, err := store.GetUsage(context.Background(), "user-1", time.Date(2025, 3, 1, 5, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("GetUsage() error = %v", err)
	}
	if u.TokenCount != 0 || u.MessageCount != 0 {
		t.Errorf("GetUsage() = %+v, want zero usage", u)
	}
}
