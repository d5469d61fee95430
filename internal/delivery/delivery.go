// Package delivery abstracts the external messaging transport. Send returns
// a closed Result instead of a bare error so the dispatcher has to handle
// both outcomes explicitly; no code path can drop a failure on the floor.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// FailureKind classifies delivery failures. The kind flows verbatim into
// the persisted cancellation reason as "send_failed:<kind>".
type FailureKind string

const (
	FailurePermissionDenied FailureKind = "permission_denied"
	FailureNotMember        FailureKind = "not_member"
	FailureRateLimited      FailureKind = "rate_limited"
	FailureNetwork          FailureKind = "network"
	FailureTimeout          FailureKind = "timeout"
	FailureUnknown          FailureKind = "unknown"
)

// Receipt confirms a delivered message.
type Receipt struct {
	MessageID int64
	SentAt    time.Time
}

// Failure describes a failed delivery attempt.
type Failure struct {
	Kind   FailureKind
	Detail string
}

// Result is either a receipt or a failure, never both, never neither.
type Result struct {
	receipt *Receipt
	failure *Failure
}

// Delivered builds a success result.
func Delivered(receipt Receipt) Result {
	return Result{receipt: &receipt}
}

// Failed builds a failure result.
func Failed(kind FailureKind, detail string) Result {
	return Result{failure: &Failure{Kind: kind, Detail: detail}}
}

// Sent reports whether the attempt succeeded.
func (r Result) Sent() bool { return r.receipt != nil }

// Receipt returns the delivery receipt; only valid when Sent.
func (r Result) Receipt() Receipt {
	if r.receipt == nil {
		return Receipt{}
	}
	return *r.receipt
}

// Failure returns the failure; only valid when !Sent.
func (r Result) Failure() Failure {
	if r.failure == nil {
		return Failure{Kind: FailureUnknown, Detail: "uninitialized result"}
	}
	return *r.failure
}

// Reason renders the persisted cancellation reason for a failed result.
func (r Result) Reason() string {
	return fmt.Sprintf("send_failed:%s", r.Failure().Kind)
}

// Channel attempts to deliver one message. replyTo threads the message
// under a chat message when non-nil. Implementations must honor ctx
// cancellation and classify every failure into a FailureKind.
type Channel interface {
	Send(ctx context.Context, account, chatID, text string, replyTo *int64) Result
}

// TokenProvider resolves a delivery credential for an account. Also serves
// the gate's account-availability check.
type TokenProvider interface {
	Token(account string) (string, bool)
}

// StaticTokens is a TokenProvider backed by a fixed map, typically decoded
// from the ACCOUNT_TOKENS_JSON env value.
type StaticTokens map[string]string

// ParseStaticTokens decodes an {"account":"token"} JSON map. Empty input
// yields an empty provider.
func ParseStaticTokens(raw string) (StaticTokens, error) {
	if raw == "" {
		return StaticTokens{}, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("delivery: parse account tokens: %w", err)
	}
	return StaticTokens(m), nil
}

// Token implements TokenProvider.
func (s StaticTokens) Token(account string) (string, bool) {
	token, ok := s[account]
	return token, ok && token != ""
}

// Resolve implements the gate's AccountResolver.
func (s StaticTokens) Resolve(account string) bool {
	_, ok := s.Token(account)
	return ok
}
