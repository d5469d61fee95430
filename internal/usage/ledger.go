// Package usage tracks per-account daily send counts and cooldowns. The
// Postgres table is authoritative; an optional redis mirror serves as a
// fast-path cooldown check.
package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/threadhive/dispatch/pkg/logging"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Querier is the subset needed by CommitTx. Satisfied by pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Key identifies one ledger aggregate.
type Key struct {
	PipelineID int64
	ChatID     string
	Account    string
	Day        string
}

// DayOf formats the ledger day bucket for a timestamp.
func DayOf(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// KeyFor builds the ledger key for a send happening at now.
func KeyFor(pipelineID int64, chatID, account string, now time.Time) Key {
	return Key{PipelineID: pipelineID, ChatID: chatID, Account: account, Day: DayOf(now)}
}

// Ledger reads and writes bot_usage and bot_limits.
type Ledger struct {
	db        DB
	cooldowns *Cooldowns
	logger    *logging.Logger
}

// NewLedger creates a usage ledger. cooldowns may be nil.
func NewLedger(db DB, cooldowns *Cooldowns, logger *logging.Logger) *Ledger {
	if logger == nil {
		logger = logging.Default()
	}
	return &Ledger{db: db, cooldowns: cooldowns, logger: logger}
}

// CommitTx atomically increments the aggregate for key and stamps
// last_sent_at. Run inside the same transaction as the reply's terminal
// write so the count and the sent status land together.
func (l *Ledger) CommitTx(ctx context.Context, q Querier, key Key, now time.Time) error {
	_, err := q.Exec(ctx, `
		INSERT INTO bot_usage (pipeline_id, chat_id, account_name, day, count, last_sent_at)
		VALUES ($1, $2, $3, $4, 1, $5)
		ON CONFLICT (pipeline_id, chat_id, account_name, day)
		DO UPDATE SET count = bot_usage.count + 1, last_sent_at = $5`,
		key.PipelineID, key.ChatID, key.Account, key.Day, now)
	if err != nil {
		return fmt.Errorf("usage: commit: %w", err)
	}
	return nil
}

// MarkCooldown refreshes the advisory redis mirror after a confirmed send.
// Safe to call with no mirror configured.
func (l *Ledger) MarkCooldown(ctx context.Context, pipelineID int64, account string, d time.Duration) {
	l.cooldowns.MarkSent(ctx, pipelineID, account, d)
}

// CountFor returns today's count for one aggregate. Zero when absent.
func (l *Ledger) CountFor(ctx context.Context, key Key) (int, error) {
	var count int
	err := l.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(count), 0) FROM bot_usage
		WHERE pipeline_id = $1 AND chat_id = $2 AND account_name = $3 AND day = $4`,
		key.PipelineID, key.ChatID, key.Account, key.Day,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("usage: count: %w", err)
	}
	return count, nil
}

// accountUsage is one account's aggregated state within a snapshot.
type accountUsage struct {
	sendsToday      int
	lastSentAt      *time.Time
	dailyLimit      int
	cooldownMinutes int
	limitsKnown     bool
}

// Snapshot is the usage view for one (pipeline, chat) taken at the start of
// a cycle. It implements the gate's UsageReader. Confirmed sends within the
// cycle are folded back in through RecordSend; the counters are the only
// cross-reply shared mutable state, guarded by the mutex.
type Snapshot struct {
	mu             sync.Mutex
	chatSendsToday int
	chatCap        int
	accounts       map[string]accountUsage
	redisCooldown  map[string]bool
}

// CanSend reports whether the account may send now: the chat's daily cap is
// not reached, the account has configured limits, is under its own daily
// limit, and is off cooldown. Accounts without a bot_limits row never send.
func (s *Snapshot) CanSend(account string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chatCap > 0 && s.chatSendsToday >= s.chatCap {
		return false
	}
	if s.redisCooldown[account] {
		return false
	}
	u, ok := s.accounts[account]
	if !ok || !u.limitsKnown {
		return false
	}
	if u.dailyLimit > 0 && u.sendsToday >= u.dailyLimit {
		return false
	}
	if u.cooldownMinutes > 0 && u.lastSentAt != nil {
		if now.Sub(*u.lastSentAt) < time.Duration(u.cooldownMinutes)*time.Minute {
			return false
		}
	}
	return true
}

// RecordSend folds a confirmed send back into the snapshot so later replies
// in the same cycle see the updated counts and cooldown.
func (s *Snapshot) RecordSend(account string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatSendsToday++
	u := s.accounts[account]
	u.sendsToday++
	sent := now
	u.lastSentAt = &sent
	s.accounts[account] = u
}

// CooldownFor returns the account's configured cooldown, used to set the
// advisory redis TTL after a send.
func (s *Snapshot) CooldownFor(account string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.accounts[account].cooldownMinutes) * time.Minute
}

// Snapshot loads the usage view for a cycle. chatCap is the pipeline's
// max_replies_per_chat_per_day setting (0 disables the chat cap).
func (l *Ledger) Snapshot(ctx context.Context, pipelineID int64, chatID string, chatCap int, now time.Time) (*Snapshot, error) {
	day := DayOf(now)
	snap := &Snapshot{
		chatCap:       chatCap,
		accounts:      make(map[string]accountUsage),
		redisCooldown: make(map[string]bool),
	}

	err := l.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(count), 0) FROM bot_usage
		WHERE pipeline_id = $1 AND chat_id = $2 AND day = $3`,
		pipelineID, chatID, day,
	).Scan(&snap.chatSendsToday)
	if err != nil {
		return nil, fmt.Errorf("usage: snapshot chat count: %w", err)
	}

	rows, err := l.db.Query(ctx, `
		SELECT account_name, COALESCE(SUM(count), 0), MAX(last_sent_at)
		FROM bot_usage
		WHERE pipeline_id = $1 AND day = $2
		GROUP BY account_name`, pipelineID, day)
	if err != nil {
		return nil, fmt.Errorf("usage: snapshot accounts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			name       string
			count      int
			lastSentAt *time.Time
		)
		if err := rows.Scan(&name, &count, &lastSentAt); err != nil {
			return nil, fmt.Errorf("usage: scan account usage: %w", err)
		}
		snap.accounts[name] = accountUsage{sendsToday: count, lastSentAt: lastSentAt}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("usage: snapshot accounts: %w", err)
	}

	limitRows, err := l.db.Query(ctx, `
		SELECT account_name, daily_limit, cooldown_minutes
		FROM bot_limits
		WHERE pipeline_id = $1`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("usage: snapshot limits: %w", err)
	}
	defer limitRows.Close()
	for limitRows.Next() {
		var (
			name               string
			limit, cooldownMin int
		)
		if err := limitRows.Scan(&name, &limit, &cooldownMin); err != nil {
			return nil, fmt.Errorf("usage: scan limits: %w", err)
		}
		u := snap.accounts[name]
		u.dailyLimit = limit
		u.cooldownMinutes = cooldownMin
		u.limitsKnown = true
		snap.accounts[name] = u

		if l.cooldowns.OnCooldown(ctx, pipelineID, name) {
			snap.redisCooldown[name] = true
		}
	}
	if err := limitRows.Err(); err != nil {
		return nil, fmt.Errorf("usage: snapshot limits: %w", err)
	}

	return snap, nil
}
