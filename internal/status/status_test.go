package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
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

func TestReportUpserts(t *testing.T) {
	mock := newMock(t)
	store := NewStore(mock, nil)

	mock.ExpectExec("INSERT INTO pipeline_status").
		WithArgs(int64(7), "cancelled", "reply 80: message_too_old", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store.Report(context.Background(), Event{PipelineID: 7, State: StateCancelled, Detail: "reply 80: message_too_old"})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReportSwallowsErrors(t *testing.T) {
	mock := newMock(t)
	store := NewStore(mock, nil)

	mock.ExpectExec("INSERT INTO pipeline_status").
		WithArgs(int64(7), "sent", "bot acc1 -> 555", pgxmock.AnyArg()).
		WillReturnError(pgx.ErrTxClosed)

	// Must not panic or propagate.
	store.Report(context.Background(), Event{PipelineID: 7, State: StateSent, Detail: "bot acc1 -> 555"})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUnknownPipeline(t *testing.T) {
	mock := newMock(t)
	store := NewStore(mock, nil)

	mock.ExpectQuery("SELECT pipeline_id, state, detail, updated_at").
		WithArgs(int64(99)).
		WillReturnError(pgx.ErrNoRows)

	ps, err := store.Get(context.Background(), 99)
	require.NoError(t, err)
	assert.Nil(t, ps)
}

func TestHandlerRoutes(t *testing.T) {
	mock := newMock(t)
	store := NewStore(mock, nil)
	handler := NewHandler(store, nil)

	router := chi.NewRouter()
	handler.Routes(router)

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT pipeline_id, state, detail, updated_at").
		WillReturnRows(pgxmock.NewRows([]string{"pipeline_id", "state", "detail", "updated_at"}).
			AddRow(int64(7), "sent", "bot acc1 -> 555", now))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Pipelines []PipelineStatus `json:"pipelines"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Pipelines, 1)
	assert.Equal(t, StateSent, body.Pipelines[0].State)

	mock.ExpectQuery("SELECT pipeline_id, state, detail, updated_at").
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"pipeline_id", "state", "detail", "updated_at"}).
			AddRow(int64(7), "sent", "bot acc1 -> 555", now))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/7", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.NoError(t, mock.ExpectationsWereMet())
}
