// Package status keeps the advisory per-pipeline cycle summary consumed by
// the external status surface. The persisted reply status is authoritative;
// this surface only reflects the last observed outcome.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/threadhive/dispatch/pkg/logging"
)

// State is the coarse pipeline state shown on the status surface.
type State string

const (
	StateScheduled  State = "scheduled"
	StateProcessing State = "processing"
	StateSent       State = "sent"
	StateCancelled  State = "cancelled"
	StateError      State = "error"
)

// Event is one status update emitted during a cycle.
type Event struct {
	PipelineID int64
	State      State
	Detail     string
}

// Reporter receives status events. Implementations must never fail the
// dispatch cycle; reporting is best-effort.
type Reporter interface {
	Report(ctx context.Context, e Event)
}

// PipelineStatus is the stored last-known state of one pipeline.
type PipelineStatus struct {
	PipelineID int64     `json:"pipeline_id"`
	State      State     `json:"state"`
	Detail     string    `json:"detail"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists pipeline_status rows.
type Store struct {
	db     DB
	logger *logging.Logger
}

// NewStore creates a status store.
func NewStore(db DB, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{db: db, logger: logger}
}

var _ Reporter = (*Store)(nil)

// Report upserts the pipeline's last state. Failures are logged and
// swallowed: status is advisory and must not abort a cycle.
func (s *Store) Report(ctx context.Context, e Event) {
	_, err := s.db.Exec(ctx, `
		INSERT INTO pipeline_status (pipeline_id, state, detail, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (pipeline_id)
		DO UPDATE SET state = $2, detail = $3, updated_at = $4`,
		e.PipelineID, string(e.State), e.Detail, time.Now().UTC())
	if err != nil {
		s.logger.Warn("status report failed", "pipeline_id", e.PipelineID, "error", err)
	}
}

// Get returns the last known status of one pipeline.
func (s *Store) Get(ctx context.Context, pipelineID int64) (*PipelineStatus, error) {
	var ps PipelineStatus
	var state string
	err := s.db.QueryRow(ctx, `
		SELECT pipeline_id, state, detail, updated_at
		FROM pipeline_status
		WHERE pipeline_id = $1`, pipelineID,
	).Scan(&ps.PipelineID, &state, &ps.Detail, &ps.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("status: get: %w", err)
	}
	ps.State = State(state)
	return &ps, nil
}

// List returns all pipeline statuses ordered by pipeline id.
func (s *Store) List(ctx context.Context) ([]PipelineStatus, error) {
	rows, err := s.db.Query(ctx, `
		SELECT pipeline_id, state, detail, updated_at
		FROM pipeline_status
		ORDER BY pipeline_id`)
	if err != nil {
		return nil, fmt.Errorf("status: list: %w", err)
	}
	defer rows.Close()
	var result []PipelineStatus
	for rows.Next() {
		var ps PipelineStatus
		var state string
		if err := rows.Scan(&ps.PipelineID, &state, &ps.Detail, &ps.UpdatedAt); err != nil {
			return nil, fmt.Errorf("status: scan: %w", err)
		}
		ps.State = State(state)
		result = append(result, ps)
	}
	return result, rows.Err()
}
