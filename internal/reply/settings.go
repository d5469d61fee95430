package reply

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// DiscussionSettings is the per-pipeline configuration snapshot consumed by
// the eligibility gate. Immutable during a cycle.
type DiscussionSettings struct {
	PipelineID              int64
	TargetChat              string
	Enabled                 bool
	MaxAgeMinutes           int
	MaxRepliesPerChatPerDay int
	InactivityPauseMinutes  int
	WeekdayWindows          []Window
	WeekendWindows          []Window
	Timezone                string
}

// GetSettings loads the settings snapshot for a pipeline. Activity window
// JSON is parsed here so gate evaluation stays pure.
func (s *Store) GetSettings(ctx context.Context, pipelineID int64) (*DiscussionSettings, error) {
	var (
		cfg              DiscussionSettings
		weekday, weekend *string
	)
	err := s.db.QueryRow(ctx, `
		SELECT pipeline_id, target_chat, is_enabled, max_age_minutes, max_replies_per_chat_per_day,
		       inactivity_pause_minutes, activity_windows_weekdays, activity_windows_weekends, activity_timezone
		FROM discussion_settings
		WHERE pipeline_id = $1`, pipelineID,
	).Scan(
		&cfg.PipelineID, &cfg.TargetChat, &cfg.Enabled, &cfg.MaxAgeMinutes,
		&cfg.MaxRepliesPerChatPerDay, &cfg.InactivityPauseMinutes,
		&weekday, &weekend, &cfg.Timezone,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reply: get settings: %w", err)
	}
	cfg.WeekdayWindows = ParseWindows(weekday)
	cfg.WeekendWindows = ParseWindows(weekend)
	return &cfg, nil
}

// ListEnabledPipelines returns the pipelines the cycle scheduler should
// drive, ordered by id for stable cycle logs.
func (s *Store) ListEnabledPipelines(ctx context.Context) ([]int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT pipeline_id FROM discussion_settings
		WHERE is_enabled
		ORDER BY pipeline_id`)
	if err != nil {
		return nil, fmt.Errorf("reply: list enabled pipelines: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("reply: scan pipeline id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetChatState loads activity counters for a chat. Returns nil (no error)
// when the scan flow has not observed the chat yet; gates treat an absent
// state as no recorded human activity.
func (s *Store) GetChatState(ctx context.Context, pipelineID int64, chatID string) (*ChatActivityState, error) {
	var st ChatActivityState
	err := s.db.QueryRow(ctx, `
		SELECT pipeline_id, chat_id, last_seen_message_id, last_human_message_at, replies_today, replies_today_date, next_scan_at
		FROM chat_state
		WHERE pipeline_id = $1 AND chat_id = $2`, pipelineID, chatID,
	).Scan(
		&st.PipelineID, &st.ChatID, &st.LastSeenMessageID,
		&st.LastHumanMessageAt, &st.RepliesToday, &st.RepliesTodayDate, &st.NextScanAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reply: get chat state: %w", err)
	}
	return &st, nil
}
