// Package gate evaluates whether a due reply may be dispatched. Evaluation
// is pure: every input is a snapshot loaded by the caller, so decisions are
// unit-testable without a store or a running process.
package gate

import (
	"time"

	"github.com/threadhive/dispatch/internal/reply"
)

// Reason is the machine-readable cause persisted when a gate denies. A
// denial is a terminal cancellation, never retried.
type Reason string

const (
	ReasonOutsideActivityWindow Reason = "outside_activity_window"
	ReasonInactivityPause       Reason = "inactivity_pause"
	ReasonMissingReplyTo        Reason = "missing_reply_to"
	ReasonMessageTooOld         Reason = "message_too_old"
	ReasonAccountMissing        Reason = "account_missing"
	ReasonCooldownOrLimit       Reason = "cooldown_or_limit"
)

// AccountResolver reports whether a delivery account is configured.
type AccountResolver interface {
	Resolve(account string) bool
}

// UsageReader answers the cooldown/daily-limit question from a usage
// snapshot taken at the start of the cycle.
type UsageReader interface {
	CanSend(account string, now time.Time) bool
}

// Decision is the gate outcome for one reply.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// Allow is the passing decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny is a terminal denial with the given reason.
func Deny(reason Reason) Decision { return Decision{Reason: reason} }

// Input bundles everything one evaluation reads.
type Input struct {
	Reply     reply.ScheduledReply
	Now       time.Time
	Settings  reply.DiscussionSettings
	ChatState *reply.ChatActivityState
	Accounts  AccountResolver
	Usage     UsageReader
}

// Evaluate runs the ordered checks and returns the first denial, or Allow.
// The order is fixed; tests rely on its determinism when a reply fails
// several checks at once.
func Evaluate(in Input) Decision {
	if !in.Settings.ActiveAt(in.Now) {
		return Deny(ReasonOutsideActivityWindow)
	}
	if paused(in) {
		return Deny(ReasonInactivityPause)
	}
	if in.Reply.Kind.RequiresThreadTarget() && in.Reply.ReplyToMessageID == nil {
		return Deny(ReasonMissingReplyTo)
	}
	if stale(in) {
		return Deny(ReasonMessageTooOld)
	}
	if in.Accounts == nil || !in.Accounts.Resolve(in.Reply.AccountName) {
		return Deny(ReasonAccountMissing)
	}
	if in.Usage == nil || !in.Usage.CanSend(in.Reply.AccountName, in.Now) {
		return Deny(ReasonCooldownOrLimit)
	}
	return Allow()
}

// paused reports whether the chat has been quiet longer than the configured
// inactivity pause. An absent chat state or unrecorded human activity does
// not pause dispatch.
func paused(in Input) bool {
	if in.Settings.InactivityPauseMinutes <= 0 {
		return false
	}
	if in.ChatState == nil || in.ChatState.LastHumanMessageAt == nil {
		return false
	}
	quiet := in.Now.Sub(*in.ChatState.LastHumanMessageAt)
	return quiet > time.Duration(in.Settings.InactivityPauseMinutes)*time.Minute
}

// stale reports whether the source message has aged past the configured
// maximum. Zero disables the check.
func stale(in Input) bool {
	if in.Settings.MaxAgeMinutes <= 0 {
		return false
	}
	return in.Reply.SourceAge(in.Now) > time.Duration(in.Settings.MaxAgeMinutes)*time.Minute
}
