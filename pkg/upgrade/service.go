package upgrade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/tiller/core/pkg/canonicalize"
	"github.com/Mindburn-Labs/tiller/core/pkg/capabilities"
	"github.com/Mindburn-Labs/tiller/core/pkg/contracts"
	"github.com/Mindburn-Labs/tiller/core/pkg/ledger"
)

// Service is the governance state machine. All mutating operations run as
// single atomic arena transactions: they either fully apply or fully abort,
// and events are published only after the transaction has committed.
type Service struct {
	arena    *ledger.Arena
	clock    capabilities.Clock
	multisig capabilities.MultisigProvider
	verifier capabilities.HashVerifier
	notifier capabilities.NotificationChannel
	policy   *CancelPolicy
	sinks    []contracts.EventSink
	logger   *slog.Logger
}

// NewService creates the state machine over the given substrate and
// collaborators. Notifier, cancel policy and sinks are injected via setters.
func NewService(arena *ledger.Arena, clock capabilities.Clock, multisig capabilities.MultisigProvider, verifier capabilities.HashVerifier) *Service {
	return &Service{
		arena:    arena,
		clock:    clock,
		multisig: multisig,
		verifier: verifier,
		logger:   slog.Default().With("component", "upgrade"),
	}
}

// SetNotifier injects the best-effort notification channel.
func (s *Service) SetNotifier(n capabilities.NotificationChannel) { s.notifier = n }

// SetCancelPolicy injects the cancellation authority policy.
func (s *Service) SetCancelPolicy(p *CancelPolicy) { s.policy = p }

// SetLogger replaces the default logger.
func (s *Service) SetLogger(l *slog.Logger) { s.logger = l.With("component", "upgrade") }

// AddSink registers an event sink. Sink failures are logged, never surfaced.
func (s *Service) AddSink(sink contracts.EventSink) { s.sinks = append(s.sinks, sink) }

// InitConfig bootstraps the governance config. It may be called exactly
// once; all later config changes go through ProposeConfigUpdate. The
// timelock duration is clamped up to MinTimelockFloor.
func (s *Service) InitConfig(ctx context.Context, actor string, cfg Config) (*Config, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MinTimelock < MinTimelockFloor {
		cfg.MinTimelock = MinTimelockFloor
	}
	cfg.Version = 1

	now := s.clock.Now()
	err := s.arena.Update(func(tx *ledger.Tx) error {
		return tx.Create(keyConfig, cfg)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrKeyExists) {
			return nil, fmt.Errorf("governance config already initialized")
		}
		return nil, err
	}

	s.publish(ctx, contracts.Event{
		Kind:     contracts.EventConfigUpdated,
		EntityID: keyConfig,
		Actor:    actor,
		Seq:      uint64(cfg.Version),
		At:       now,
		Detail: map[string]any{
			"version":      cfg.Version,
			"threshold":    cfg.Threshold,
			"approvers":    cfg.Approvers,
			"min_timelock": cfg.MinTimelock.String(),
		},
	}, "")
	return &cfg, nil
}

// Config returns the current governance config.
func (s *Service) Config(ctx context.Context) (*Config, error) {
	var cfg Config
	err := s.arena.View(func(tx *ledger.Tx) error {
		return tx.Get(keyConfig, &cfg)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrKeyNotFound) {
			return nil, contracts.ErrConfigNotFound
		}
		return nil, err
	}
	return &cfg, nil
}

// ProposeUpgrade creates a program-upgrade proposal in status Proposed,
// snapshotting the current config's threshold and timelock. Proposal
// creation is itself a restricted governance action: the proposer must be
// in the approver set. The release label must advance the program's current
// release.
func (s *Service) ProposeUpgrade(ctx context.Context, proposer string, program contracts.ProgramID, buffer contracts.BufferRef, release, description string) (*Proposal, error) {
	if err := s.requireApprover(ctx, proposer, "propose_upgrade"); err != nil {
		return nil, err
	}
	rel, err := semver.NewVersion(release)
	if err != nil {
		return nil, fmt.Errorf("invalid release label %q: %w", release, err)
	}

	now := s.clock.Now()
	proposal := &Proposal{
		ID:          uuid.New().String(),
		Kind:        contracts.KindProgram,
		Proposer:    proposer,
		Program:     program,
		Buffer:      buffer,
		Release:     rel.String(),
		Description: description,
		ProposedAt:  now,
		Status:      contracts.StatusProposed,
	}

	var events []contracts.Event
	err = s.arena.Update(func(tx *ledger.Tx) error {
		var cfg Config
		if err := tx.Get(keyConfig, &cfg); err != nil {
			if errors.Is(err, ledger.ErrKeyNotFound) {
				return contracts.ErrConfigNotFound
			}
			return err
		}
		proposal.Threshold = cfg.Threshold
		proposal.MinTimelock = cfg.MinTimelock

		var ps ProgramState
		if err := tx.Get(keyProgram(program), &ps); err == nil && ps.CurrentRelease != "" {
			current, perr := semver.NewVersion(ps.CurrentRelease)
			if perr == nil && !rel.GreaterThan(current) {
				return fmt.Errorf("release %s does not advance current release %s", rel, current)
			}
		}

		proposal.TransitionSeq = 1
		if err := tx.Create(keyProposal(proposal.ID), proposal); err != nil {
			return err
		}
		events = append(events, s.proposalEvent(contracts.EventProposalCreated, proposal, proposer, now, map[string]any{
			"program":     string(program),
			"buffer":      string(buffer),
			"release":     proposal.Release,
			"description": description,
		}))
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishAll(ctx, events, fmt.Sprintf("Upgrade to %s", proposal.Release))
	return proposal, nil
}

// ProposeConfigUpdate creates a config-change proposal. The pending config
// is applied, with Version bumped, when the proposal is executed after the
// usual threshold and timelock discipline.
func (s *Service) ProposeConfigUpdate(ctx context.Context, proposer string, next Config, description string) (*Proposal, error) {
	if err := s.requireApprover(ctx, proposer, "propose_config_update"); err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if next.MinTimelock < MinTimelockFloor {
		next.MinTimelock = MinTimelockFloor
	}

	digest, err := canonicalize.CanonicalHash(next)
	if err != nil {
		return nil, fmt.Errorf("failed to hash pending config: %w", err)
	}

	now := s.clock.Now()
	proposal := &Proposal{
		ID:            uuid.New().String(),
		Kind:          contracts.KindConfig,
		Proposer:      proposer,
		Buffer:        contracts.BufferRef("config:" + digest),
		Description:   description,
		ProposedAt:    now,
		Status:        contracts.StatusProposed,
		PendingConfig: &next,
	}

	var events []contracts.Event
	err = s.arena.Update(func(tx *ledger.Tx) error {
		var cfg Config
		if err := tx.Get(keyConfig, &cfg); err != nil {
			if errors.Is(err, ledger.ErrKeyNotFound) {
				return contracts.ErrConfigNotFound
			}
			return err
		}
		proposal.Threshold = cfg.Threshold
		proposal.MinTimelock = cfg.MinTimelock
		proposal.TransitionSeq = 1
		if err := tx.Create(keyProposal(proposal.ID), proposal); err != nil {
			return err
		}
		events = append(events, s.proposalEvent(contracts.EventProposalCreated, proposal, proposer, now, map[string]any{
			"kind":        string(contracts.KindConfig),
			"digest":      digest,
			"description": description,
		}))
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishAll(ctx, events, "Governance config change proposed")
	return proposal, nil
}

// Approve records an approval for the proposal. A second approval from the
// same approver is rejected, not merged. When the approval count reaches
// the proposal's snapshotted threshold the proposal transitions to
// TimelockActive in the same atomic step, scheduling timelock_until.
// Approvals landing after TimelockActive are recorded for audit
// completeness but never re-trigger timelock computation.
func (s *Service) Approve(ctx context.Context, proposalID, approver string) (*Proposal, error) {
	if err := s.requireApprover(ctx, approver, "approve"); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	var (
		proposal Proposal
		events   []contracts.Event
	)
	err := s.arena.Update(func(tx *ledger.Tx) error {
		if err := tx.Get(keyProposal(proposalID), &proposal); err != nil {
			if errors.Is(err, ledger.ErrKeyNotFound) {
				return contracts.ErrProposalNotFound
			}
			return err
		}
		if !proposal.Status.AcceptsApproval() {
			return &contracts.StateError{
				ProposalID: proposalID,
				Status:     proposal.Status,
				Reason:     "approvals not accepted in terminal status",
			}
		}
		if tx.Exists(keyApproval(proposalID, approver)) {
			return &contracts.DuplicateApprovalError{ProposalID: proposalID, Approver: approver}
		}

		approval := Approval{ProposalID: proposalID, Approver: approver, ApprovedAt: now}
		if err := tx.Create(keyApproval(proposalID, approver), approval); err != nil {
			return err
		}

		proposal.TransitionSeq++
		events = append(events, s.proposalEvent(contracts.EventApprovalRecorded, &proposal, approver, now, map[string]any{
			"approver": approver,
		}))

		count := len(tx.List(approvalPrefix(proposalID)))
		if proposal.Status != contracts.StatusTimelockActive {
			if count >= proposal.Threshold {
				// Threshold satisfaction and timelock activation are one
				// atomic step: there is no observable window where the
				// threshold is met but no delay is scheduled.
				proposal.Status = contracts.StatusTimelockActive
				proposal.TimelockUntil = now.Add(proposal.MinTimelock)
				proposal.TransitionSeq++
				events = append(events, s.proposalEvent(contracts.EventTimelockActive, &proposal, approver, now, map[string]any{
					"approvals":      count,
					"threshold":      proposal.Threshold,
					"timelock_until": proposal.TimelockUntil,
				}))
			} else {
				proposal.Status = contracts.StatusApproved
			}
		}
		return tx.Put(keyProposal(proposalID), &proposal)
	})
	if err != nil {
		return nil, err
	}

	s.publishAll(ctx, events, "")
	return &proposal, nil
}

// ExecuteUpgrade executes a timelocked proposal. The transition is a
// compare-and-set on status: only the attempt that observes TimelockActive
// may transition to Executed, so concurrent attempts cannot both succeed
// and exactly one Execution record is ever created.
func (s *Service) ExecuteUpgrade(ctx context.Context, proposalID, bufferHash string) (*Execution, error) {
	// Hash verification happens outside the commit path; it has no side
	// effects and a mismatch aborts before any state is touched.
	pre, err := s.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if err := s.verifyHash(ctx, pre, bufferHash); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	var (
		execution Execution
		events    []contracts.Event
		notifyMsg string
	)
	err = s.arena.Update(func(tx *ledger.Tx) error {
		var proposal Proposal
		if err := tx.Get(keyProposal(proposalID), &proposal); err != nil {
			if errors.Is(err, ledger.ErrKeyNotFound) {
				return contracts.ErrProposalNotFound
			}
			return err
		}
		switch proposal.Status {
		case contracts.StatusTimelockActive:
			// proceed
		case contracts.StatusExecuted:
			return &contracts.StateError{ProposalID: proposalID, Status: proposal.Status, Reason: "already executed"}
		case contracts.StatusCancelled:
			return &contracts.StateError{ProposalID: proposalID, Status: proposal.Status, Reason: "already cancelled"}
		default:
			return &contracts.StateError{ProposalID: proposalID, Status: proposal.Status, Reason: "not yet approved"}
		}
		if now.Before(proposal.TimelockUntil) {
			return &contracts.TimelockError{ProposalID: proposalID, Until: proposal.TimelockUntil, Now: now}
		}

		approvers := approversOf(tx, proposalID)
		if len(approvers) < proposal.Threshold {
			return &contracts.StateError{ProposalID: proposalID, Status: proposal.Status, Reason: "insufficient approvals"}
		}

		execution = Execution{
			ProposalID: proposalID,
			BufferHash: bufferHash,
			ExecutedAt: now,
			ApprovedBy: approvers,
		}
		if err := tx.Create(keyExecution(proposalID), execution); err != nil {
			return err
		}

		execAt := now
		proposal.Status = contracts.StatusExecuted
		proposal.ExecutedAt = &execAt
		proposal.TransitionSeq++

		switch proposal.Kind {
		case contracts.KindConfig:
			next := *proposal.PendingConfig
			var cur Config
			if err := tx.Get(keyConfig, &cur); err != nil {
				return err
			}
			next.Version = cur.Version + 1
			if err := tx.Put(keyConfig, next); err != nil {
				return err
			}
			events = append(events, contracts.Event{
				Kind:     contracts.EventConfigUpdated,
				EntityID: keyConfig,
				Seq:      uint64(next.Version),
				At:       now,
				Detail: map[string]any{
					"version":   next.Version,
					"threshold": next.Threshold,
					"approvers": next.Approvers,
				},
			})
			notifyMsg = "Governance config change executed"
		default:
			ps := ProgramState{Program: proposal.Program}
			_ = tx.Get(keyProgram(proposal.Program), &ps)
			ps.CurrentRelease = proposal.Release
			ps.Pending = &contracts.PendingUpgrade{
				ProposalID:   proposalID,
				Program:      proposal.Program,
				Buffer:       proposal.Buffer,
				BufferHash:   bufferHash,
				ScheduledAt:  now,
				ProposedAt:   proposal.ProposedAt,
				ApprovedBy:   approvers,
				ReleaseLabel: proposal.Release,
			}
			if err := tx.Put(keyProgram(proposal.Program), ps); err != nil {
				return err
			}
			notifyMsg = "Upgrade executed"
		}

		events = append(events, s.proposalEvent(contracts.EventExecuted, &proposal, "", now, map[string]any{
			"buffer_hash": bufferHash,
			"approved_by": approvers,
		}))
		return tx.Put(keyProposal(proposalID), &proposal)
	})
	if err != nil {
		return nil, err
	}

	s.publishAll(ctx, events, notifyMsg)
	return &execution, nil
}

// CancelProposal cancels a non-terminal proposal. The actor must satisfy
// the cancellation policy (approver set or designated guardian).
func (s *Service) CancelProposal(ctx context.Context, proposalID, actor string) (*Proposal, error) {
	if actor == "" {
		return nil, &contracts.AuthorizationError{Actor: actor, Action: "cancel_proposal"}
	}
	now := s.clock.Now()
	var (
		proposal Proposal
		events   []contracts.Event
	)
	err := s.arena.Update(func(tx *ledger.Tx) error {
		if err := tx.Get(keyProposal(proposalID), &proposal); err != nil {
			if errors.Is(err, ledger.ErrKeyNotFound) {
				return contracts.ErrProposalNotFound
			}
			return err
		}

		var cfg Config
		if err := tx.Get(keyConfig, &cfg); err != nil {
			if errors.Is(err, ledger.ErrKeyNotFound) {
				return contracts.ErrConfigNotFound
			}
			return err
		}
		allowed, err := s.cancelAllowed(actor, cfg, proposal.Status)
		if err != nil {
			return err
		}
		if !allowed {
			return &contracts.AuthorizationError{Actor: actor, Action: "cancel_proposal"}
		}

		switch proposal.Status {
		case contracts.StatusExecuted:
			return &contracts.StateError{ProposalID: proposalID, Status: proposal.Status, Reason: "already executed"}
		case contracts.StatusCancelled:
			return &contracts.StateError{ProposalID: proposalID, Status: proposal.Status, Reason: "already cancelled"}
		}

		proposal.Status = contracts.StatusCancelled
		proposal.TransitionSeq++
		events = append(events, s.proposalEvent(contracts.EventCancelled, &proposal, actor, now, nil))
		return tx.Put(keyProposal(proposalID), &proposal)
	})
	if err != nil {
		return nil, err
	}

	s.publishAll(ctx, events, "Upgrade proposal cancelled")
	return &proposal, nil
}

// GetProposal returns a proposal by ID.
func (s *Service) GetProposal(ctx context.Context, proposalID string) (*Proposal, error) {
	var proposal Proposal
	err := s.arena.View(func(tx *ledger.Tx) error {
		return tx.Get(keyProposal(proposalID), &proposal)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrKeyNotFound) {
			return nil, contracts.ErrProposalNotFound
		}
		return nil, err
	}
	return &proposal, nil
}

// ListProposals returns all proposals ordered by creation time.
func (s *Service) ListProposals(ctx context.Context) ([]*Proposal, error) {
	var out []*Proposal
	err := s.arena.View(func(tx *ledger.Tx) error {
		for _, key := range tx.List("proposal/") {
			var p Proposal
			if err := tx.Get(key, &p); err != nil {
				return err
			}
			out = append(out, &p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProposedAt.Before(out[j].ProposedAt) })
	return out, nil
}

// ListApprovals returns the approvals for a proposal ordered by time.
func (s *Service) ListApprovals(ctx context.Context, proposalID string) ([]*Approval, error) {
	var out []*Approval
	err := s.arena.View(func(tx *ledger.Tx) error {
		for _, key := range tx.List(approvalPrefix(proposalID)) {
			var a Approval
			if err := tx.Get(key, &a); err != nil {
				return err
			}
			out = append(out, &a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ApprovedAt.Before(out[j].ApprovedAt) })
	return out, nil
}

// GetExecution returns the execution record for a proposal, or
// ErrProposalNotFound when none exists.
func (s *Service) GetExecution(ctx context.Context, proposalID string) (*Execution, error) {
	var exec Execution
	err := s.arena.View(func(tx *ledger.Tx) error {
		return tx.Get(keyExecution(proposalID), &exec)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrKeyNotFound) {
			return nil, contracts.ErrProposalNotFound
		}
		return nil, err
	}
	return &exec, nil
}

// ProgramStateFor returns the release state of a governed program.
func (s *Service) ProgramStateFor(ctx context.Context, program contracts.ProgramID) (*ProgramState, error) {
	var ps ProgramState
	err := s.arena.View(func(tx *ledger.Tx) error {
		return tx.Get(keyProgram(program), &ps)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrKeyNotFound) {
			return &ProgramState{Program: program}, nil
		}
		return nil, err
	}
	return &ps, nil
}

func (s *Service) requireApprover(ctx context.Context, actor, action string) error {
	ok, err := s.multisig.IsApprover(ctx, actor)
	if err != nil {
		return fmt.Errorf("multisig provider: %w", err)
	}
	if !ok {
		return &contracts.AuthorizationError{Actor: actor, Action: action}
	}
	return nil
}

func (s *Service) verifyHash(ctx context.Context, proposal *Proposal, supplied string) error {
	if proposal.Kind == contracts.KindConfig {
		digest, err := canonicalize.CanonicalHash(proposal.PendingConfig)
		if err != nil {
			return fmt.Errorf("failed to hash pending config: %w", err)
		}
		want := "config:" + digest
		if string(proposal.Buffer) != want || supplied != digest {
			return &contracts.HashMismatchError{Buffer: proposal.Buffer, Want: digest, Got: supplied}
		}
		return nil
	}
	return s.verifier.Verify(ctx, proposal.Buffer, supplied)
}

func (s *Service) cancelAllowed(actor string, cfg Config, status contracts.Status) (bool, error) {
	if s.policy == nil {
		for _, a := range cfg.Approvers {
			if a == actor {
				return true, nil
			}
		}
		return actor != "" && actor == cfg.Guardian, nil
	}
	return s.policy.Allow(actor, cfg.Approvers, cfg.Guardian, string(status))
}

func (s *Service) proposalEvent(kind contracts.EventKind, p *Proposal, actor string, at time.Time, detail map[string]any) contracts.Event {
	return contracts.Event{
		Kind:       kind,
		EntityID:   p.ID,
		ProposalID: p.ID,
		Actor:      actor,
		Seq:        p.TransitionSeq,
		At:         at,
		Detail:     detail,
	}
}

// publishAll delivers events to sinks and sends at most one notification.
// Sink and notifier failures never affect the committed transition.
func (s *Service) publishAll(ctx context.Context, events []contracts.Event, notifyMsg string) {
	for i, ev := range events {
		msg := ""
		if i == len(events)-1 {
			msg = notifyMsg
		}
		s.publish(ctx, ev, msg)
	}
}

func (s *Service) publish(ctx context.Context, event contracts.Event, notifyMsg string) {
	for _, sink := range s.sinks {
		if err := sink.Publish(event); err != nil {
			s.logger.WarnContext(ctx, "event sink failed",
				"kind", string(event.Kind), "entity", event.EntityID, "err", err)
		}
	}
	if s.notifier != nil && notifyMsg != "" {
		n := capabilities.Notification{
			Kind:       event.Kind,
			ProposalID: event.ProposalID,
			Message:    notifyMsg,
			CreatedAt:  event.At,
		}
		if err := s.notifier.Notify(ctx, n); err != nil {
			s.logger.WarnContext(ctx, "notification failed",
				"kind", string(event.Kind), "err", err)
		}
	}
}

func approversOf(tx *ledger.Tx, proposalID string) []string {
	keys := tx.List(approvalPrefix(proposalID))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, approvalPrefix(proposalID)))
	}
	return out
}

// ConfigMultisigProvider adapts the config store's approver set to the
// MultisigProvider capability, so membership checks always reflect the
// currently committed config.
type ConfigMultisigProvider struct {
	service *Service
}

// NewConfigMultisigProvider creates the adapter. The service's provider
// field must be set to it after construction (two-phase wiring).
func NewConfigMultisigProvider(service *Service) *ConfigMultisigProvider {
	return &ConfigMultisigProvider{service: service}
}

func (p *ConfigMultisigProvider) Approvers(ctx context.Context) ([]string, error) {
	cfg, err := p.service.Config(ctx)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), cfg.Approvers...), nil
}

func (p *ConfigMultisigProvider) IsApprover(ctx context.Context, actor string) (bool, error) {
	cfg, err := p.service.Config(ctx)
	if err != nil {
		if errors.Is(err, contracts.ErrConfigNotFound) {
			return false, nil
		}
		return false, err
	}
	for _, a := range cfg.Approvers {
		if a == actor {
			return true, nil
		}
	}
	return false, nil
}

// SetMultisig replaces the multisig provider (used for two-phase wiring of
// ConfigMultisigProvider).
func (s *Service) SetMultisig(p capabilities.MultisigProvider) { s.multisig = p }
