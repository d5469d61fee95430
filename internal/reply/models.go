package reply

import "time"

// Status tracks the lifecycle of a scheduled reply. Pending is the only
// non-terminal state; sent and cancelled have no outgoing transitions.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusCancelled
}

// Kind distinguishes reply categories planned by different flows.
type Kind string

const (
	KindUserReply  Kind = "user_reply"
	KindDiscussion Kind = "discussion"
)

// RequiresThreadTarget reports whether replies of this kind must carry a
// reply_to_message_id to be deliverable.
func (k Kind) RequiresThreadTarget() bool {
	return k == KindUserReply
}

// ScheduledReply is one planned reply to a specific source message.
// Created by the planner with status pending; mutated exactly once by the
// dispatcher at the terminal transition; never deleted.
type ScheduledReply struct {
	ID               int64      `json:"id"`
	PipelineID       int64      `json:"pipeline_id"`
	Kind             Kind       `json:"kind"`
	ChatID           string     `json:"chat_id"`
	AccountName      string     `json:"account_name"`
	Text             string     `json:"reply_text"`
	ReplyToMessageID *int64     `json:"reply_to_message_id,omitempty"`
	SendAt           time.Time  `json:"send_at"`
	SourceMessageAt  *time.Time `json:"source_message_at,omitempty"`
	Status           Status     `json:"status"`
	SentAt           *time.Time `json:"sent_at,omitempty"`
	CancelledReason  *string    `json:"cancelled_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// SourceAge returns how long ago the source message was observed. When the
// observation time is unknown the scheduled send time stands in for it.
func (r *ScheduledReply) SourceAge(now time.Time) time.Duration {
	if r.SourceMessageAt != nil {
		return now.Sub(*r.SourceMessageAt)
	}
	return now.Sub(r.SendAt)
}

// ChatActivityState holds per (pipeline, chat) counters owned by the
// scan/plan flow. Read-only to the dispatch core.
type ChatActivityState struct {
	PipelineID         int64      `json:"pipeline_id"`
	ChatID             string     `json:"chat_id"`
	LastSeenMessageID  *int64     `json:"last_seen_message_id,omitempty"`
	LastHumanMessageAt *time.Time `json:"last_human_message_at,omitempty"`
	RepliesToday       int        `json:"replies_today"`
	RepliesTodayDate   *string    `json:"replies_today_date,omitempty"`
	NextScanAt         *time.Time `json:"next_scan_at,omitempty"`
}
