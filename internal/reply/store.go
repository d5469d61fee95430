package reply

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Querier is the subset of DB needed by transactional terminal writes.
// Satisfied by pgx.Tx as well as the pool itself.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const replyColumns = `id, pipeline_id, kind, chat_id, account_name, reply_text, reply_to_message_id, send_at, source_message_at, status, sent_at, cancelled_reason, created_at, updated_at`

// Store provides persistence for scheduled_replies and the read-only
// settings/chat-state rows the dispatch core consumes.
type Store struct {
	db DB
}

// NewStore creates a reply store.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Create inserts a new pending reply. Used by the planner and by tests;
// the dispatch core never creates rows.
func (s *Store) Create(ctx context.Context, r *ScheduledReply) error {
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	if r.Status == "" {
		r.Status = StatusPending
	}
	if r.Kind == "" {
		r.Kind = KindUserReply
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO scheduled_replies (pipeline_id, kind, chat_id, account_name, reply_text, reply_to_message_id, send_at, source_message_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		r.PipelineID, string(r.Kind), r.ChatID, r.AccountName, r.Text,
		r.ReplyToMessageID, r.SendAt, r.SourceMessageAt, string(r.Status),
		r.CreatedAt, r.UpdatedAt,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("reply: create: %w", err)
	}
	return nil
}

// ListDue returns pending replies of the given kind whose send_at is on or
// before asOf, earliest first. A limit <= 0 means no cap. Terminal rows are
// never returned regardless of send_at.
func (s *Store) ListDue(ctx context.Context, pipelineID int64, kind Kind, asOf time.Time, limit int) ([]ScheduledReply, error) {
	query := `
		SELECT ` + replyColumns + `
		FROM scheduled_replies
		WHERE pipeline_id = $1 AND kind = $2 AND status = 'pending' AND send_at <= $3
		ORDER BY send_at ASC`
	args := []any{pipelineID, string(kind), asOf}
	if limit > 0 {
		query += ` LIMIT $4`
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("reply: list due: %w", err)
	}
	defer rows.Close()
	return scanReplies(rows)
}

// Get fetches one reply by id.
func (s *Store) Get(ctx context.Context, id int64) (*ScheduledReply, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+replyColumns+`
		FROM scheduled_replies
		WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("reply: get: %w", err)
	}
	defer rows.Close()
	replies, err := scanReplies(rows)
	if err != nil {
		return nil, err
	}
	if len(replies) == 0 {
		return nil, ErrNotFound
	}
	return &replies[0], nil
}

// MarkSent transitions pending → sent. The write is a compare-and-swap on
// status so a racing writer loses with ErrInvalidTransition instead of
// overwriting a terminal row.
func (s *Store) MarkSent(ctx context.Context, id int64, sentAt time.Time) error {
	return s.MarkSentTx(ctx, s.db, id, sentAt)
}

// MarkSentTx is MarkSent against an explicit querier, so the caller can
// commit the transition together with the usage-ledger increment in one
// transaction.
func (s *Store) MarkSentTx(ctx context.Context, q Querier, id int64, sentAt time.Time) error {
	tag, err := q.Exec(ctx, `
		UPDATE scheduled_replies SET status = 'sent', sent_at = $1, updated_at = $2
		WHERE id = $3 AND status = 'pending'`, sentAt, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("reply: mark sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.resolveMissedWrite(ctx, q, id)
	}
	return nil
}

// MarkCancelled transitions pending → cancelled with a machine-readable
// reason. Same CAS discipline as MarkSent.
func (s *Store) MarkCancelled(ctx context.Context, id int64, reason string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE scheduled_replies SET status = 'cancelled', cancelled_reason = $1, updated_at = $2
		WHERE id = $3 AND status = 'pending'`, reason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("reply: mark cancelled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.resolveMissedWrite(ctx, s.db, id)
	}
	return nil
}

// resolveMissedWrite distinguishes an unknown id from a lost CAS race after
// a terminal write affected zero rows.
func (s *Store) resolveMissedWrite(ctx context.Context, q Querier, id int64) error {
	var status string
	err := q.QueryRow(ctx, `SELECT status FROM scheduled_replies WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reply: resolve missed write: %w", err)
	}
	return fmt.Errorf("%w: reply %d already %s", ErrInvalidTransition, id, status)
}

func scanReplies(rows pgx.Rows) ([]ScheduledReply, error) {
	var result []ScheduledReply
	for rows.Next() {
		var r ScheduledReply
		var kind, status string
		err := rows.Scan(
			&r.ID, &r.PipelineID, &kind, &r.ChatID, &r.AccountName,
			&r.Text, &r.ReplyToMessageID, &r.SendAt, &r.SourceMessageAt,
			&status, &r.SentAt, &r.CancelledReason,
			&r.CreatedAt, &r.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("reply: scan: %w", err)
		}
		r.Kind = Kind(kind)
		r.Status = Status(status)
		result = append(result, r)
	}
	return result, rows.Err()
}
