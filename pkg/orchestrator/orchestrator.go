// Package orchestrator drives the governance state machine from the
// outside: it authenticates approval assertions, paces and rate-limits
// submissions, and retries failed operations under the state machine's
// idempotent semantics. It is a client of the kernel's public operations,
// never a second source of truth.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/tiller/core/pkg/capabilities"
	"github.com/Mindburn-Labs/tiller/core/pkg/contracts"
	"github.com/Mindburn-Labs/tiller/core/pkg/migrate"
	"github.com/Mindburn-Labs/tiller/core/pkg/upgrade"
)

// Outcome classifies the result of a submission after retries.
type Outcome string

const (
	// OutcomeApplied: this submission caused the transition.
	OutcomeApplied Outcome = "APPLIED"
	// OutcomeAlreadyApplied: the transition had already happened; the
	// retry was a well-defined no-op.
	OutcomeAlreadyApplied Outcome = "ALREADY_APPLIED"
	// OutcomeRejected: the state machine refused the operation and a
	// retry cannot change that.
	OutcomeRejected Outcome = "REJECTED"
	// OutcomeUnknown: the submission's fate could not be determined and
	// re-querying did not resolve it.
	OutcomeUnknown Outcome = "UNKNOWN"
)

// Result is the orchestrator's verdict on one submission.
type Result struct {
	Outcome  Outcome
	Proposal *upgrade.Proposal
	Err      error
}

// Limiter throttles submissions per actor. RedisLimiter implements it for
// multi-instance deployments; a nil limiter means no throttling.
type Limiter interface {
	Allow(ctx context.Context, actorID string, cost int) (bool, error)
}

// ErrThrottled is returned when the actor's submission budget is exhausted.
var ErrThrottled = errors.New("orchestrator: submission throttled")

// Orchestrator wraps the governance service with the polling/retry model.
type Orchestrator struct {
	svc      *upgrade.Service
	tracker  *migrate.Tracker
	verifier *capabilities.ApprovalVerifier
	limiter  Limiter
	pacer    *rate.Limiter
	logger   *slog.Logger

	maxAttempts int
	baseBackoff time.Duration
}

// New creates an orchestrator over the governance service. The pacer bounds
// the global submission rate regardless of caller behavior.
func New(svc *upgrade.Service, tracker *migrate.Tracker) *Orchestrator {
	return &Orchestrator{
		svc:         svc,
		tracker:     tracker,
		pacer:       rate.NewLimiter(rate.Limit(50), 100),
		logger:      slog.Default().With("component", "orchestrator"),
		maxAttempts: 4,
		baseBackoff: 200 * time.Millisecond,
	}
}

// SetApprovalVerifier enables signed-assertion authentication for
// SubmitSignedApproval.
func (o *Orchestrator) SetApprovalVerifier(v *capabilities.ApprovalVerifier) { o.verifier = v }

// SetLimiter installs the per-actor limiter.
func (o *Orchestrator) SetLimiter(l Limiter) { o.limiter = l }

// SetPacer replaces the global submission pacer.
func (o *Orchestrator) SetPacer(p *rate.Limiter) { o.pacer = p }

// SetLogger replaces the default logger.
func (o *Orchestrator) SetLogger(l *slog.Logger) { o.logger = l.With("component", "orchestrator") }

// SubmitSignedApproval authenticates the assertion token and submits the
// approval under the asserted approver identity.
func (o *Orchestrator) SubmitSignedApproval(ctx context.Context, token string) (*Result, error) {
	if o.verifier == nil {
		return nil, errors.New("orchestrator: no approval verifier configured")
	}
	approver, proposalID, err := o.verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	return o.SubmitApproval(ctx, proposalID, approver)
}

// SubmitApproval submits an approval, retrying transient failures. A
// duplicate approval is reported as already applied, not as a failure: the
// orchestration layer may re-submit freely.
func (o *Orchestrator) SubmitApproval(ctx context.Context, proposalID, approver string) (*Result, error) {
	if err := o.admit(ctx, approver); err != nil {
		return nil, err
	}

	var result *Result
	err := o.withRetry(ctx, "approve", func() error {
		p, err := o.svc.Approve(ctx, proposalID, approver)
		if err == nil {
			result = &Result{Outcome: OutcomeApplied, Proposal: p}
			return nil
		}

		var dup *contracts.DuplicateApprovalError
		if errors.As(err, &dup) {
			current, qerr := o.svc.GetProposal(ctx, proposalID)
			if qerr != nil {
				return qerr
			}
			result = &Result{Outcome: OutcomeAlreadyApplied, Proposal: current}
			return nil
		}
		var state *contracts.StateError
		if errors.As(err, &state) {
			result = &Result{Outcome: OutcomeRejected, Err: err}
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SubmitExecution submits an execution attempt. Observing "already
// executed" on a retry is a success: exactly one execution happened.
func (o *Orchestrator) SubmitExecution(ctx context.Context, proposalID, bufferHash, actor string) (*Result, error) {
	if err := o.admit(ctx, actor); err != nil {
		return nil, err
	}

	var result *Result
	err := o.withRetry(ctx, "execute_upgrade", func() error {
		_, err := o.svc.ExecuteUpgrade(ctx, proposalID, bufferHash)
		if err == nil {
			p, qerr := o.svc.GetProposal(ctx, proposalID)
			if qerr != nil {
				return qerr
			}
			result = &Result{Outcome: OutcomeApplied, Proposal: p}
			return nil
		}

		var state *contracts.StateError
		if errors.As(err, &state) {
			if state.Status == contracts.StatusExecuted {
				// Verify against the execution record rather than
				// trusting the error alone.
				if _, qerr := o.svc.GetExecution(ctx, proposalID); qerr == nil {
					p, _ := o.svc.GetProposal(ctx, proposalID)
					result = &Result{Outcome: OutcomeAlreadyApplied, Proposal: p}
					return nil
				}
			}
			result = &Result{Outcome: OutcomeRejected, Err: err}
			return nil
		}
		var tl *contracts.TimelockError
		if errors.As(err, &tl) {
			// Not retryable now: the caller must come back after the
			// scheduled time.
			result = &Result{Outcome: OutcomeRejected, Err: err}
			return nil
		}
		var mismatch *contracts.HashMismatchError
		if errors.As(err, &mismatch) {
			result = &Result{Outcome: OutcomeRejected, Err: err}
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SubmitMigration submits an account migration; the tracker's idempotency
// makes blind re-submission safe.
func (o *Orchestrator) SubmitMigration(ctx context.Context, account contracts.AccountID, fromVersion, toVersion int, payload []byte) (*migrate.Record, error) {
	if o.tracker == nil {
		return nil, errors.New("orchestrator: no migration tracker configured")
	}
	if err := o.admit(ctx, string(account)); err != nil {
		return nil, err
	}

	var record *migrate.Record
	err := o.withRetry(ctx, "migrate_account", func() error {
		r, err := o.tracker.MigrateAccount(ctx, account, fromVersion, toVersion, payload)
		if err != nil {
			return err
		}
		record = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (o *Orchestrator) admit(ctx context.Context, actor string) error {
	if o.pacer != nil {
		if err := o.pacer.Wait(ctx); err != nil {
			return err
		}
	}
	if o.limiter != nil {
		ok, err := o.limiter.Allow(ctx, actor, 1)
		if err != nil {
			// Limiter outage degrades open: throttling is protective,
			// not a correctness guard.
			o.logger.Warn("limiter unavailable", "actor", actor, "err", err)
			return nil
		}
		if !ok {
			return fmt.Errorf("%w: actor %s", ErrThrottled, actor)
		}
	}
	return nil
}

// withRetry runs fn, retrying retryable failures with doubling backoff.
// Non-retryable domain errors must be absorbed by fn into a Result; an
// error escaping all attempts is an unknown outcome for the caller.
func (o *Orchestrator) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := o.baseBackoff
	var lastErr error
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !contracts.Retryable(err) {
			return err
		}
		o.logger.Warn("submission failed, retrying",
			"op", op, "attempt", attempt, "err", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return fmt.Errorf("orchestrator: %s outcome unknown after %d attempts: %w", op, o.maxAttempts, lastErr)
}
