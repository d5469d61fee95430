// Package dispatch runs due-reply cycles: fetch the due set, gate each
// reply, attempt delivery, and drive every reply to a terminal state. The
// one contract that must never break: a delivery attempt — success, failure
// or timeout — always ends in a terminal status write within the same
// cycle, so a reply can never be re-selected and retried forever.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/threadhive/dispatch/internal/delivery"
	"github.com/threadhive/dispatch/internal/gate"
	"github.com/threadhive/dispatch/internal/observability/metrics"
	"github.com/threadhive/dispatch/internal/reply"
	"github.com/threadhive/dispatch/internal/status"
	"github.com/threadhive/dispatch/internal/usage"
	"github.com/threadhive/dispatch/pkg/logging"
)

var dispatchTracer = otel.Tracer("dispatch.internal.dispatch")

type replyStore interface {
	ListDue(ctx context.Context, pipelineID int64, kind reply.Kind, asOf time.Time, limit int) ([]reply.ScheduledReply, error)
	MarkSentTx(ctx context.Context, q reply.Querier, id int64, sentAt time.Time) error
	MarkCancelled(ctx context.Context, id int64, reason string) error
	GetSettings(ctx context.Context, pipelineID int64) (*reply.DiscussionSettings, error)
	GetChatState(ctx context.Context, pipelineID int64, chatID string) (*reply.ChatActivityState, error)
}

type usageLedger interface {
	Snapshot(ctx context.Context, pipelineID int64, chatID string, chatCap int, now time.Time) (*usage.Snapshot, error)
	CommitTx(ctx context.Context, q usage.Querier, key usage.Key, now time.Time) error
	MarkCooldown(ctx context.Context, pipelineID int64, account string, d time.Duration)
}

// txBeginner opens the transaction that commits a sent status together with
// its usage increment. Satisfied by pgxpool.Pool and pgxmock.
type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// CycleSummary is the advisory per-cycle tally handed to status reporting.
type CycleSummary struct {
	CycleID    uuid.UUID
	PipelineID int64
	Due        int
	Sent       int
	Cancelled  int
	Faults     int
	LastError  string
}

// Dispatcher orchestrates one scheduling cycle per pipeline.
type Dispatcher struct {
	store       replyStore
	db          txBeginner
	ledger      usageLedger
	channel     delivery.Channel
	accounts    gate.AccountResolver
	reporter    status.Reporter
	metrics     *metrics.DispatchMetrics
	logger      *logging.Logger
	clock       func() time.Time
	sendTimeout time.Duration
	maxPerCycle int
}

// NewDispatcher wires a dispatcher. reporter and metrics may be nil.
func NewDispatcher(store replyStore, db txBeginner, ledger usageLedger, channel delivery.Channel, accounts gate.AccountResolver, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		store:       store,
		db:          db,
		ledger:      ledger,
		channel:     channel,
		accounts:    accounts,
		logger:      logger,
		clock:       func() time.Time { return time.Now().UTC() },
		sendTimeout: 30 * time.Second,
		maxPerCycle: 3,
	}
}

func (d *Dispatcher) WithReporter(r status.Reporter) *Dispatcher {
	d.reporter = r
	return d
}

func (d *Dispatcher) WithMetrics(m *metrics.DispatchMetrics) *Dispatcher {
	d.metrics = m
	return d
}

func (d *Dispatcher) WithSendTimeout(t time.Duration) *Dispatcher {
	if t > 0 {
		d.sendTimeout = t
	}
	return d
}

func (d *Dispatcher) WithMaxPerCycle(n int) *Dispatcher {
	if n > 0 {
		d.maxPerCycle = n
	}
	return d
}

func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	if clock != nil {
		d.clock = clock
	}
	return d
}

// RunCycle processes one pipeline's due set. Replies are handled
// independently: one reply's outcome never blocks another's, and each
// account's replies run in a serial lane while different accounts proceed
// in parallel.
func (d *Dispatcher) RunCycle(ctx context.Context, pipelineID int64) (CycleSummary, error) {
	summary := CycleSummary{CycleID: uuid.New(), PipelineID: pipelineID}

	ctx, span := dispatchTracer.Start(ctx, "dispatch.cycle")
	defer span.End()
	span.SetAttributes(attribute.Int64("dispatch.pipeline_id", pipelineID))

	settings, err := d.store.GetSettings(ctx, pipelineID)
	if err != nil {
		d.metrics.ObserveCycle("error")
		return summary, fmt.Errorf("dispatch: settings for pipeline %d: %w", pipelineID, err)
	}
	if !settings.Enabled {
		return summary, nil
	}

	now := d.clock()
	due, err := d.store.ListDue(ctx, pipelineID, reply.KindUserReply, now, d.maxPerCycle)
	if err != nil {
		d.metrics.ObserveCycle("error")
		return summary, fmt.Errorf("dispatch: list due: %w", err)
	}
	summary.Due = len(due)
	if len(due) == 0 {
		d.metrics.ObserveCycle("idle")
		return summary, nil
	}

	log := d.logger.With("pipeline_id", pipelineID, "cycle_id", summary.CycleID.String())
	log.Info("processing due replies", "count", len(due))
	d.report(ctx, pipelineID, status.StateProcessing, fmt.Sprintf("sending %d due replies", len(due)))

	chatState, err := d.store.GetChatState(ctx, pipelineID, settings.TargetChat)
	if err != nil {
		d.metrics.ObserveCycle("error")
		return summary, fmt.Errorf("dispatch: chat state: %w", err)
	}
	snap, err := d.ledger.Snapshot(ctx, pipelineID, settings.TargetChat, settings.MaxRepliesPerChatPerDay, now)
	if err != nil {
		d.metrics.ObserveCycle("error")
		return summary, fmt.Errorf("dispatch: usage snapshot: %w", err)
	}

	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		lanes = laneByAccount(due)
	)
	for _, lane := range lanes {
		wg.Add(1)
		go func(lane []reply.ScheduledReply) {
			defer wg.Done()
			for i := range lane {
				// A shutdown signal stops new work; replies whose
				// delivery already started still get their terminal
				// write because processOne detaches it from ctx.
				if ctx.Err() != nil {
					return
				}
				outcome := d.processOne(ctx, log, &lane[i], settings, chatState, snap, now)
				mu.Lock()
				switch outcome.kind {
				case outcomeSent:
					summary.Sent++
				case outcomeCancelled:
					summary.Cancelled++
				case outcomeFault:
					summary.Faults++
					summary.LastError = outcome.detail
				}
				mu.Unlock()
			}
		}(lane)
	}
	wg.Wait()

	d.metrics.ObserveCycle("ok")
	log.Info("cycle complete",
		"due", summary.Due, "sent", summary.Sent,
		"cancelled", summary.Cancelled, "faults", summary.Faults)
	return summary, nil
}

type outcomeKind int

const (
	outcomeSent outcomeKind = iota
	outcomeCancelled
	outcomeFault
)

type replyOutcome struct {
	kind   outcomeKind
	detail string
}

// processOne drives a single reply to its terminal state. Every path out of
// the allow branch ends in either a sent commit or a cancellation; a
// storage fault is the only way the reply stays pending, and that leaves it
// safe to re-evaluate next cycle.
func (d *Dispatcher) processOne(
	ctx context.Context,
	log *logging.Logger,
	r *reply.ScheduledReply,
	settings *reply.DiscussionSettings,
	chatState *reply.ChatActivityState,
	snap *usage.Snapshot,
	now time.Time,
) replyOutcome {
	decision := gate.Evaluate(gate.Input{
		Reply:     *r,
		Now:       now,
		Settings:  *settings,
		ChatState: chatState,
		Accounts:  d.accounts,
		Usage:     snap,
	})
	if !decision.Allowed {
		return d.cancel(ctx, log, r, string(decision.Reason))
	}

	chatID := r.ChatID
	if chatID == "" {
		chatID = settings.TargetChat
	}

	sendCtx, cancelSend := context.WithTimeout(ctx, d.sendTimeout)
	started := time.Now()
	result := d.channel.Send(sendCtx, r.AccountName, chatID, r.Text, r.ReplyToMessageID)
	cancelSend()

	if !result.Sent() {
		failure := result.Failure()
		d.metrics.ObserveDeliveryLatency("failed", time.Since(started).Seconds())
		log.Warn("delivery failed",
			"reply_id", r.ID, "account", r.AccountName,
			"kind", string(failure.Kind), "detail", failure.Detail)
		return d.cancel(ctx, log, r, result.Reason())
	}
	d.metrics.ObserveDeliveryLatency("sent", time.Since(started).Seconds())

	sentAt := d.clock()
	if out, ok := d.commitSent(ctx, log, r, settings.TargetChat, sentAt); !ok {
		return out
	}

	snap.RecordSend(r.AccountName, sentAt)
	d.ledger.MarkCooldown(context.WithoutCancel(ctx), r.PipelineID, r.AccountName, snap.CooldownFor(r.AccountName))
	d.metrics.ObserveReply("sent", "")
	log.Info("reply sent",
		"reply_id", r.ID, "account", r.AccountName,
		"message_id", result.Receipt().MessageID)
	d.report(ctx, r.PipelineID, status.StateSent,
		fmt.Sprintf("bot %s -> %d", r.AccountName, result.Receipt().MessageID))
	return replyOutcome{kind: outcomeSent}
}

// commitSent lands the sent transition and the usage increment in one
// transaction. Detached from cycle cancellation: once delivery happened the
// status write must not be abandoned.
func (d *Dispatcher) commitSent(ctx context.Context, log *logging.Logger, r *reply.ScheduledReply, targetChat string, sentAt time.Time) (replyOutcome, bool) {
	writeCtx := context.WithoutCancel(ctx)
	tx, err := d.db.Begin(writeCtx)
	if err != nil {
		log.Error("begin sent transaction failed; reply left pending", "reply_id", r.ID, "error", err)
		return replyOutcome{kind: outcomeFault, detail: err.Error()}, false
	}
	defer tx.Rollback(writeCtx)

	if err := d.store.MarkSentTx(writeCtx, tx, r.ID, sentAt); err != nil {
		if errors.Is(err, reply.ErrInvalidTransition) {
			log.Error("invariant violation: sent write hit terminal reply", "reply_id", r.ID, "error", err)
		} else {
			log.Error("mark sent failed; reply left pending", "reply_id", r.ID, "error", err)
		}
		return replyOutcome{kind: outcomeFault, detail: err.Error()}, false
	}

	chatID := r.ChatID
	if chatID == "" {
		chatID = targetChat
	}
	key := usage.KeyFor(r.PipelineID, chatID, r.AccountName, sentAt)
	if err := d.ledger.CommitTx(writeCtx, tx, key, sentAt); err != nil {
		log.Error("usage commit failed; rolling back sent write", "reply_id", r.ID, "error", err)
		return replyOutcome{kind: outcomeFault, detail: err.Error()}, false
	}

	if err := tx.Commit(writeCtx); err != nil {
		log.Error("commit sent transaction failed; reply left pending", "reply_id", r.ID, "error", err)
		return replyOutcome{kind: outcomeFault, detail: err.Error()}, false
	}
	return replyOutcome{}, true
}

// cancel writes the terminal cancellation. Detached from cycle cancellation
// for the same reason as commitSent.
func (d *Dispatcher) cancel(ctx context.Context, log *logging.Logger, r *reply.ScheduledReply, reason string) replyOutcome {
	writeCtx := context.WithoutCancel(ctx)
	err := d.store.MarkCancelled(writeCtx, r.ID, reason)
	switch {
	case errors.Is(err, reply.ErrInvalidTransition):
		log.Error("invariant violation: cancel hit terminal reply", "reply_id", r.ID, "reason", reason, "error", err)
		return replyOutcome{kind: outcomeFault, detail: err.Error()}
	case err != nil:
		log.Error("mark cancelled failed; reply left pending", "reply_id", r.ID, "reason", reason, "error", err)
		return replyOutcome{kind: outcomeFault, detail: err.Error()}
	}
	d.metrics.ObserveReply("cancelled", reason)
	log.Info("reply cancelled", "reply_id", r.ID, "reason", reason)
	d.report(ctx, r.PipelineID, status.StateCancelled, fmt.Sprintf("reply %d: %s", r.ID, reason))
	return replyOutcome{kind: outcomeCancelled}
}

func (d *Dispatcher) report(ctx context.Context, pipelineID int64, state status.State, detail string) {
	if d.reporter == nil {
		return
	}
	d.reporter.Report(context.WithoutCancel(ctx), status.Event{PipelineID: pipelineID, State: state, Detail: detail})
}

// laneByAccount splits the due set into per-account lanes, preserving the
// earliest-first order within each lane.
func laneByAccount(due []reply.ScheduledReply) [][]reply.ScheduledReply {
	index := make(map[string]int)
	var lanes [][]reply.ScheduledReply
	for _, r := range due {
		i, ok := index[r.AccountName]
		if !ok {
			i = len(lanes)
			index[r.AccountName] = i
			lanes = append(lanes, nil)
		}
		lanes[i] = append(lanes[i], r)
	}
	return lanes
}
