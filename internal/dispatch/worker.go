// Package dispatch turns queued requests into delivered (or definitively
// failed) direct messages.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"comment-dm/internal/dmlog"
	"comment-dm/internal/domain"
	"comment-dm/internal/keylock"
	"comment-dm/internal/ledger"
	"comment-dm/internal/metrics"
	"comment-dm/internal/platform"
	"comment-dm/internal/ratelimit"
	"comment-dm/internal/repo"
)

// Failure reasons written to FAILED logs.
const (
	ReasonCooldown           = "cooldown active"
	ReasonDailyCap           = "daily limit reached"
	ReasonInsufficientCredit = "insufficient credit"
	ReasonNotConnected       = "account not connected"
	ReasonCredentialRejected = "platform credential rejected"
)

// Outcome codes, also used as metric labels.
const (
	CodeSent          = "sent"
	CodeDuplicate     = "duplicate"
	CodeCooldown      = "cooldown"
	CodeDailyCap      = "daily_cap"
	CodeNoCredit      = "insufficient_credit"
	CodeExhausted     = "exhausted"
	CodeFatal         = "fatal"
	CodeNotConnected  = "not_connected"
	CodeRejected      = "rejected"
	CodeSettleFailed  = "settle_failed"
	CodeInternalError = "internal_error"
)

// Sender is the platform send capability.
type Sender interface {
	SendDirectMessage(ctx context.Context, userID, recipientID, text string) error
}

// Store holds the side effects of failed dispatches.
type Store interface {
	IncrementRuleFailed(ctx context.Context, ruleID string) error
	MarkAccountFault(ctx context.Context, userID, reason string) error
	InsertSystemLog(ctx context.Context, entry domain.SystemLog) error
}

// Config tunes the worker.
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	// MaxDmsPerDay caps SENT messages per user per local day; zero disables it.
	MaxDmsPerDay int
	// MinCooldown is a floor applied to every rule cooldown.
	MinCooldown time.Duration
}

// Outcome describes how a request ended.
type Outcome struct {
	Status   domain.DmStatus
	Code     string
	Reason   string
	Attempts int
}

// Worker processes one dispatch request at a time.
type Worker struct {
	sender   Sender
	ledger   *ledger.Ledger
	contacts *ratelimit.Tracker
	log      *dmlog.Log
	store    Store
	locks    keylock.Locker
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewWorker wires a worker from its collaborators.
func NewWorker(cfg Config, sender Sender, ledger *ledger.Ledger, contacts *ratelimit.Tracker, log *dmlog.Log, store Store, locks keylock.Locker, metrics *metrics.Metrics, logger *slog.Logger) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	return &Worker{
		sender:   sender,
		ledger:   ledger,
		contacts: contacts,
		log:      log,
		store:    store,
		locks:    locks,
		metrics:  metrics,
		logger:   logger.With("component", "dispatch"),
		cfg:      cfg,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Process runs req to a terminal outcome. Every path except a duplicate
// writes exactly one DmLog. An error means no outcome could be recorded and
// the request should be redelivered.
func (w *Worker) Process(ctx context.Context, req domain.DispatchRequest) (Outcome, error) {
	log := w.logger.With("user_id", req.UserID, "rule_id", req.RuleID, "recipient_id", req.RecipientID)
	var lastErr error
	for attempt := 1; ; attempt++ {
		res, err := w.attempt(ctx, req, attempt, log)
		if err != nil {
			return Outcome{}, err
		}
		if res.retry == nil {
			res.outcome.Attempts = attempt
			w.observe(res.outcome)
			return res.outcome, nil
		}
		lastErr = res.retry
		if attempt >= w.cfg.MaxAttempts {
			break
		}
		delay := w.backoff(attempt)
		log.Warn("send failed, retrying", "attempt", attempt, "delay", delay, "error", res.retry)
		if err := w.sleep(ctx, delay); err != nil {
			return Outcome{}, err
		}
	}

	reason := fmt.Sprintf("send failed after %d attempts: %v", w.cfg.MaxAttempts, lastErr)
	out, err := w.fail(ctx, req, CodeExhausted, reason)
	if err != nil {
		return Outcome{}, err
	}
	log.Error("dispatch exhausted retries", "attempts", w.cfg.MaxAttempts, "error", lastErr)
	out.Attempts = w.cfg.MaxAttempts
	w.observe(out)
	return out, nil
}

// attemptResult is either a terminal outcome or a retryable send error.
type attemptResult struct {
	outcome Outcome
	retry   error
}

func done(out Outcome, err error) (attemptResult, error) {
	return attemptResult{outcome: out}, err
}

// attempt performs one gated send under the recipient lock.
func (w *Worker) attempt(ctx context.Context, req domain.DispatchRequest, n int, log *slog.Logger) (attemptResult, error) {
	release, err := w.locks.Lock(ctx, keylock.RecipientKey(req.UserID, req.RecipientID))
	if err != nil {
		return attemptResult{}, err
	}
	defer release()

	seen, err := w.log.Seen(ctx, req)
	if err != nil {
		return attemptResult{}, err
	}
	if seen {
		log.Info("duplicate request discarded")
		return done(Outcome{Code: CodeDuplicate}, nil)
	}

	now := w.now()
	cooling, err := w.contacts.InCooldown(ctx, req.UserID, req.RecipientID, w.cooldown(req), now)
	if err != nil {
		return attemptResult{}, err
	}
	if cooling {
		out, err := w.fail(ctx, req, CodeCooldown, ReasonCooldown)
		return done(out, err)
	}

	hold, err := w.ledger.Hold(ctx, req.UserID)
	if err != nil {
		return attemptResult{}, err
	}
	defer hold.Release()

	if w.cfg.MaxDmsPerDay > 0 {
		sent, err := w.log.SentTodayByUser(ctx, req.UserID, now)
		if err != nil {
			return attemptResult{}, err
		}
		if sent >= w.cfg.MaxDmsPerDay {
			out, err := w.fail(ctx, req, CodeDailyCap, ReasonDailyCap)
			return done(out, err)
		}
	}
	balance, err := hold.Balance(ctx)
	if err != nil {
		return attemptResult{}, err
	}
	if balance < 1 {
		out, err := w.fail(ctx, req, CodeNoCredit, ReasonInsufficientCredit)
		return done(out, err)
	}

	// The send and its bookkeeping run to completion once started.
	sendCtx := context.WithoutCancel(ctx)
	start := time.Now()
	sendErr := w.sender.SendDirectMessage(sendCtx, req.UserID, req.RecipientID, req.Message)
	w.observeSend(sendErr, start)

	switch {
	case sendErr == nil:
	case platform.IsRetryable(sendErr):
		return attemptResult{retry: sendErr}, nil
	case errors.Is(sendErr, platform.ErrNotConnected):
		out, err := w.fail(sendCtx, req, CodeNotConnected, ReasonNotConnected)
		return done(out, err)
	case platform.IsFatal(sendErr):
		w.reportFatal(sendCtx, req, sendErr)
		out, err := w.fail(sendCtx, req, CodeFatal, ReasonCredentialRejected)
		return done(out, err)
	default:
		out, err := w.fail(sendCtx, req, CodeRejected, "send rejected: "+sendErr.Error())
		return done(out, err)
	}

	sentAt := w.now().UTC()
	entry := domain.NewDmLog(req, domain.DmStatusSent)
	entry.SentAt = &sentAt
	err = hold.Settle(sendCtx, domain.SentCommit{
		Log:         entry,
		Credits:     1,
		At:          sentAt,
		Description: "DM sent to @" + req.RecipientName,
	})
	switch {
	case err == nil:
		log.Info("direct message sent", "attempt", n)
		return done(Outcome{Status: domain.DmStatusSent, Code: CodeSent}, nil)
	case errors.Is(err, repo.ErrDuplicateLog):
		log.Warn("message sent but an outcome was already recorded")
		return done(Outcome{Code: CodeDuplicate}, nil)
	default:
		// Delivered but unpaid; the FAILED log still stops a resend.
		log.Error("settle after send failed", "error", err)
		w.countError("settle")
		out, ferr := w.fail(sendCtx, req, CodeSettleFailed, "sent but settlement failed: "+err.Error())
		return done(out, ferr)
	}
}

// fail writes the terminal FAILED log and bumps the rule's failure counter.
func (w *Worker) fail(ctx context.Context, req domain.DispatchRequest, code, reason string) (Outcome, error) {
	inserted, err := w.log.RecordFailure(ctx, req, reason)
	if err != nil {
		return Outcome{}, err
	}
	if !inserted {
		return Outcome{Code: CodeDuplicate}, nil
	}
	if req.RuleID != "" {
		if err := w.store.IncrementRuleFailed(ctx, req.RuleID); err != nil {
			w.logger.Warn("increment rule failures", "rule_id", req.RuleID, "error", err)
		}
	}
	w.logger.Info("dispatch failed", "user_id", req.UserID, "rule_id", req.RuleID, "recipient_id", req.RecipientID, "reason", reason)
	return Outcome{Status: domain.DmStatusFailed, Code: code, Reason: reason}, nil
}

// reportFatal pauses the account and leaves a system log for the operator.
func (w *Worker) reportFatal(ctx context.Context, req domain.DispatchRequest, cause error) {
	w.countError("platform_fatal")
	w.logger.Error("platform credential rejected", "user_id", req.UserID, "error", cause)
	if err := w.store.MarkAccountFault(ctx, req.UserID, cause.Error()); err != nil {
		w.logger.Warn("mark account fault", "user_id", req.UserID, "error", err)
	}
	userID := req.UserID
	if err := w.store.InsertSystemLog(ctx, domain.SystemLog{
		Level:    "ERROR",
		Category: "dispatch",
		Message:  "Platform credential rejected; automation paused",
		UserID:   &userID,
		Metadata: map[string]any{"rule_id": req.RuleID, "recipient_id": req.RecipientID, "error": cause.Error()},
	}); err != nil {
		w.logger.Warn("insert system log", "error", err)
	}
}

func (w *Worker) cooldown(req domain.DispatchRequest) time.Duration {
	d := time.Duration(req.CooldownHours) * time.Hour
	if d < w.cfg.MinCooldown {
		d = w.cfg.MinCooldown
	}
	return d
}

func (w *Worker) backoff(attempt int) time.Duration {
	return w.cfg.BackoffBase << (attempt - 1)
}

func (w *Worker) observe(out Outcome) {
	if w.metrics == nil {
		return
	}
	status := string(out.Status)
	if status == "" {
		status = "DISCARDED"
	}
	w.metrics.DispatchOutcomes.WithLabelValues(status, out.Code).Inc()
}

func (w *Worker) observeSend(err error, start time.Time) {
	if w.metrics == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case platform.IsRetryable(err):
		result = "retryable"
	case platform.IsFatal(err):
		result = "fatal"
	default:
		result = "error"
	}
	w.metrics.SendAttempts.WithLabelValues(result).Inc()
	w.metrics.SendLatency.WithLabelValues(result).Observe(time.Since(start).Seconds())
}

func (w *Worker) countError(component string) {
	if w.metrics != nil {
		w.metrics.Errors.WithLabelValues(component).Inc()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
