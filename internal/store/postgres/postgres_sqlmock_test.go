package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/quild-ai/quild/server/internal/store"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	cleanup := func() {
		_ = db.Close()
	}
	return &PostgresStore{db: db}, mock, cleanup
}

var messageColumns = []string{"id", "conversation_id", "user_id", "role", "content", "attachments", "sources", "web_summary", "research_brief", "sequence", "created_at"}

func TestVerifySchema_QueryError(t *testing.T) {
	ctx := context.Background()
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT to_regclass").WillReturnError(errors.New("query error"))
	if err := verifySchema(ctx, pgStore.db); err == nil {
		t.Fatalf("expected schema verification error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestVerifySchema_MissingTable(t *testing.T) {
	ctx := context.Background()
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT to_regclass").WithArgs("public.conversations").
		WillReturnRows(sqlmock.NewRows([]string{"to_regclass"}).AddRow("conversations"))
	mock.ExpectQuery("SELECT to_regclass").WithArgs("public.messages").
		WillReturnRows(sqlmock.NewRows([]string{"to_regclass"}).AddRow(nil))

	err := verifySchema(ctx, pgStore.db)
	require.ErrorContains(t, err, "messages table not found")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNew_OpenError(t *testing.T) {
	original := openDB
	t.Cleanup(func() { openDB = original })
	openDB = func(driverName, dataSourceName string) (*sql.DB, error) {
		require.Equal(t, "pgx", driverName)
		return nil, errors.New("open failed")
	}
	_, err := New("postgres://localhost/quild")
	require.ErrorContains(t, err, "open failed")
}

func TestGetConversation(t *testing.T) {
	ctx := context.Background()
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectQuery("SELECT id, user_id, title, created_at, updated_at FROM conversations").
		WithArgs("c-1", "u-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "title", "created_at", "updated_at"}).
			AddRow("c-1", "u-1", "Hello", created, created))
	mock.ExpectQuery("SELECT id, user_id, title, created_at, updated_at FROM conversations").
		WithArgs("c-1", "u-2").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "title", "created_at", "updated_at"}))

	conversation, err := pgStore.GetConversation(ctx, "c-1", "u-1")
	require.NoError(t, err)
	require.Equal(t, &store.Conversation{ID: "c-1", UserID: "u-1", Title: "Hello", CreatedAt: "2025-01-02T03:04:05Z", UpdatedAt: "2025-01-02T03:04:05Z"}, conversation)

	missing, err := pgStore.GetConversation(ctx, "c-1", "u-2")
	require.NoError(t, err)
	require.Nil(t, missing)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListConversations_RowsErr(t *testing.T) {
	ctx := context.Background()
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	rows := sqlmock.NewRows([]string{"id", "user_id", "title", "created_at", "updated_at"}).
		AddRow("c-1", "u", "a", time.Now(), time.Now()).
		AddRow("c-2", "u", "b", time.Now(), time.Now())
	rows.RowError(1, errors.New("row error"))
	mock.ExpectQuery("SELECT id, user_id, title, created_at, updated_at").WillReturnRows(rows)

	_, err := pgStore.ListConversations(ctx, "u")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddMessage_Transaction(t *testing.T) {
	ctx := context.Background()
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	msg := store.Message{
		ID:             "m-1",
		ConversationID: "c-1",
		UserID:         "u-1",
		Role:           "assistant",
		Content:        "answer",
		Sources:        []store.Source{{ID: 1, Title: "T", URL: "https://t.com/"}},
		WebSummary:     "(1) T — t.com",
		Sequence:       42,
		CreatedAt:      "2025-01-02T03:04:05Z",
	}
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO messages").
		WithArgs("m-1", "c-1", "u-1", "assistant", "answer", []byte("[]"), []byte(`[{"id":1,"title":"T","url":"https://t.com/"}]`), "(1) T — t.com", nil, int64(42), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE conversations SET updated_at").
		WithArgs("c-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, pgStore.AddMessage(ctx, msg))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddMessage_InsertErrorRollsBack(t *testing.T) {
	ctx := context.Background()
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO messages").WillReturnError(errors.New("fk violation"))
	mock.ExpectRollback()

	err := pgStore.AddMessage(ctx, store.Message{ID: "m", ConversationID: "missing", Role: "user"})
	require.ErrorContains(t, err, "fk violation")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListMessages_DecodesArtifacts(t *testing.T) {
	ctx := context.Background()
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	rows := sqlmock.NewRows(messageColumns).
		AddRow("m-1", "c-1", "u-1", "user", "hi", []byte(`[{"name":"a.png","url":"https://cdn/a.png"}]`), []byte("[]"), nil, nil, int64(1), created).
		AddRow("m-2", "c-1", "u-1", "assistant", "yo", []byte("[]"), []byte(`[{"id":1,"title":"T","url":"https://t.com/"}]`), "(1) T — t.com", "brief", int64(2), created)
	mock.ExpectQuery("SELECT id, conversation_id, user_id, role, content").WithArgs("c-1").WillReturnRows(rows)

	messages, err := pgStore.ListMessages(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, []store.Attachment{{Name: "a.png", URL: "https://cdn/a.png"}}, messages[0].Attachments)
	require.Nil(t, messages[0].Sources)
	require.Equal(t, "", messages[0].WebSummary)
	require.Equal(t, []store.Source{{ID: 1, Title: "T", URL: "https://t.com/"}}, messages[1].Sources)
	require.Equal(t, "brief", messages[1].ResearchBrief)
	require.Equal(t, "2025-01-02T03:04:05Z", messages[1].CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListMessages_ScanError(t *testing.T) {
	ctx := context.Background()
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	rows := sqlmock.NewRows(messageColumns).
		AddRow("m-1", "c-1", "u-1", "user", "hi", []byte("[]"), []byte("[]"), nil, nil, "not-int", time.Now())
	mock.ExpectQuery("SELECT id, conversation_id").WillReturnRows(rows)

	_, err := pgStore.ListMessages(ctx, "c-1")
	require.Error(t, err)
}

func TestListMessages_BadJSON(t *testing.T) {
	ctx := context.Background()
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	rows := sqlmock.NewRows(messageColumns).
		AddRow("m-1", "c-1", "u-1", "assistant", "hi", []byte("[]"), []byte("{oops"), nil, nil, int64(1), time.Now())
	mock.ExpectQuery("SELECT id, conversation_id").WillReturnRows(rows)

	_, err := pgStore.ListMessages(ctx, "c-1")
	require.ErrorContains(t, err, "decode sources for message m-1")
}

func TestListMessagesPage(t *testing.T) {
	ctx := context.Background()
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT COUNT").WithArgs("c-1").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(7)))
	mock.ExpectQuery("SELECT id, conversation_id.*LIMIT \\$2 OFFSET \\$3").WithArgs("c-1", 2, 4).
		WillReturnRows(sqlmock.NewRows(messageColumns).
			AddRow("m-5", "c-1", "u", "user", "hi", []byte("[]"), []byte("[]"), nil, nil, int64(5), time.Now()))

	messages, total, err := pgStore.ListMessagesPage(ctx, "c-1", 4, 2)
	require.NoError(t, err)
	require.Equal(t, int64(7), total)
	require.Len(t, messages, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListMessagesPage_CountError(t *testing.T) {
	ctx := context.Background()
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT COUNT").WillReturnError(errors.New("count failed"))
	_, _, err := pgStore.ListMessagesPage(ctx, "c-1", 0, 10)
	require.ErrorContains(t, err, "count failed")
}

func TestUpdateAndDeleteReportOwnership(t *testing.T) {
	ctx := context.Background()
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectExec("UPDATE conversations").WithArgs("c-1", "u-2", "New", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM conversations").WithArgs("c-1", "u-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM conversations").WithArgs("c-1", "u-1").WillReturnError(errors.New("locked"))

	ok, err := pgStore.UpdateConversationTitle(ctx, "c-1", "u-2", "New", "2025-01-01T00:00:00Z")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = pgStore.DeleteConversation(ctx, "c-1", "u-1")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = pgStore.DeleteConversation(ctx, "c-1", "u-1")
	require.ErrorContains(t, err, "locked")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateURL(t *testing.T) {
	require.Equal(t, "pgx5://u:p@localhost:5432/quild?sslmode=disable", migrateURL("postgres://u:p@localhost:5432/quild?sslmode=disable"))
	require.Equal(t, "pgx5://localhost/quild", migrateURL("postgresql://localhost/quild"))
	require.Equal(t, "pgx5://already", migrateURL("pgx5://already"))
}
