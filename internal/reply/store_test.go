package reply

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func replyRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "pipeline_id", "kind", "chat_id", "account_name", "reply_text",
		"reply_to_message_id", "send_at", "source_message_at", "status",
		"sent_at", "cancelled_reason", "created_at", "updated_at",
	})
}

func TestListDueOrderedAndFiltered(t *testing.T) {
	mock := newMock(t)
	store := NewStore(mock)

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	target := int64(4101)
	rows := replyRows().
		AddRow(int64(80), int64(7), "user_reply", "-100123", "acc1", "hey",
			&target, now.Add(-5*time.Minute), nil, "pending",
			nil, nil, now.Add(-time.Hour), now.Add(-time.Hour)).
		AddRow(int64(81), int64(7), "user_reply", "-100123", "acc2", "sure",
			&target, now.Add(-time.Minute), nil, "pending",
			nil, nil, now.Add(-time.Hour), now.Add(-time.Hour))

	mock.ExpectQuery("SELECT (.+) FROM scheduled_replies").
		WithArgs(int64(7), "user_reply", now, 3).
		WillReturnRows(rows)

	due, err := store.ListDue(context.Background(), 7, KindUserReply, now, 3)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, int64(80), due[0].ID)
	assert.Equal(t, StatusPending, due[0].Status)
	assert.Equal(t, KindUserReply, due[0].Kind)
	require.NotNil(t, due[0].ReplyToMessageID)
	assert.Equal(t, int64(4101), *due[0].ReplyToMessageID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSentHappyPath(t *testing.T) {
	mock := newMock(t)
	store := NewStore(mock)
	sentAt := time.Now().UTC()

	mock.ExpectExec("UPDATE scheduled_replies SET status = 'sent'").
		WithArgs(sentAt, pgxmock.AnyArg(), int64(80)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.MarkSent(context.Background(), 80, sentAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSentAlreadyTerminal(t *testing.T) {
	mock := newMock(t)
	store := NewStore(mock)
	sentAt := time.Now().UTC()

	mock.ExpectExec("UPDATE scheduled_replies SET status = 'sent'").
		WithArgs(sentAt, pgxmock.AnyArg(), int64(80)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM scheduled_replies").
		WithArgs(int64(80)).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("cancelled"))

	err := store.MarkSent(context.Background(), 80, sentAt)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCancelledUnknownID(t *testing.T) {
	mock := newMock(t)
	store := NewStore(mock)

	mock.ExpectExec("UPDATE scheduled_replies SET status = 'cancelled'").
		WithArgs("message_too_old", pgxmock.AnyArg(), int64(999)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM scheduled_replies").
		WithArgs(int64(999)).
		WillReturnError(pgx.ErrNoRows)

	err := store.MarkCancelled(context.Background(), 999, "message_too_old")
	require.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCancelledHappyPath(t *testing.T) {
	mock := newMock(t)
	store := NewStore(mock)

	mock.ExpectExec("UPDATE scheduled_replies SET status = 'cancelled'").
		WithArgs("send_failed:permission_denied", pgxmock.AnyArg(), int64(80)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.MarkCancelled(context.Background(), 80, "send_failed:permission_denied"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAssignsID(t *testing.T) {
	mock := newMock(t)
	store := NewStore(mock)

	mock.ExpectQuery("INSERT INTO scheduled_replies").
		WithArgs(int64(7), "user_reply", "-100123", "acc1", "hello",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "pending",
			pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(42)))

	r := &ScheduledReply{
		PipelineID:  7,
		ChatID:      "-100123",
		AccountName: "acc1",
		Text:        "hello",
		SendAt:      time.Now().UTC().Add(time.Minute),
	}
	require.NoError(t, store.Create(context.Background(), r))
	assert.Equal(t, int64(42), r.ID)
	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, KindUserReply, r.Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNotFound(t *testing.T) {
	mock := newMock(t)
	store := NewStore(mock)

	mock.ExpectQuery("SELECT (.+) FROM scheduled_replies").
		WithArgs(int64(5)).
		WillReturnRows(replyRows())

	_, err := store.Get(context.Background(), 5)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}
