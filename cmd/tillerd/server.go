package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Mindburn-Labs/tiller/core/pkg/audit"
	"github.com/Mindburn-Labs/tiller/core/pkg/contracts"
	"github.com/Mindburn-Labs/tiller/core/pkg/migrate"
	"github.com/Mindburn-Labs/tiller/core/pkg/observability"
	"github.com/Mindburn-Labs/tiller/core/pkg/orchestrator"
	"github.com/Mindburn-Labs/tiller/core/pkg/upgrade"
)

// server exposes the governance operations over HTTP. Mutations go through
// the orchestrator so callers get idempotent outcome classification instead
// of raw state machine errors.
type server struct {
	svc     *upgrade.Service
	tracker *migrate.Tracker
	orch    *orchestrator.Orchestrator
	chain   *audit.Chain
	obs     *observability.Provider
}

func newServer(svc *upgrade.Service, tracker *migrate.Tracker, orch *orchestrator.Orchestrator, chain *audit.Chain, obs *observability.Provider) *server {
	return &server{svc: svc, tracker: tracker, orch: orch, chain: chain, obs: obs}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /v1/proposals", s.handlePropose)
	mux.HandleFunc("GET /v1/proposals", s.handleListProposals)
	mux.HandleFunc("GET /v1/proposals/{id}", s.handleGetProposal)
	mux.HandleFunc("GET /v1/proposals/{id}/approvals", s.handleListApprovals)
	mux.HandleFunc("POST /v1/proposals/{id}/approvals", s.handleApprove)
	mux.HandleFunc("POST /v1/proposals/{id}/execute", s.handleExecute)
	mux.HandleFunc("POST /v1/proposals/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/proposals/{id}/execution", s.handleGetExecution)

	mux.HandleFunc("POST /v1/migrations", s.handleMigrate)
	mux.HandleFunc("GET /v1/programs/{program}", s.handleProgramState)

	mux.HandleFunc("GET /v1/audit", s.handleAudit)
	mux.HandleFunc("GET /v1/audit/{entity}", s.handleAuditFor)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps the governance error taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		authErr  *contracts.AuthorizationError
		stateErr *contracts.StateError
		dupErr   *contracts.DuplicateApprovalError
		tlErr    *contracts.TimelockError
		hashErr  *contracts.HashMismatchError
	)

	switch {
	case errors.Is(err, contracts.ErrProposalNotFound),
		errors.Is(err, contracts.ErrMigrationNotFound),
		errors.Is(err, contracts.ErrConfigNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &authErr):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &dupErr):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &stateErr):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &tlErr):
		writeError(w, http.StatusPreconditionFailed, err.Error())
	case errors.As(err, &hashErr):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, orchestrator.ErrThrottled):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type submissionResponse struct {
	Outcome  orchestrator.Outcome `json:"outcome"`
	Proposal *upgrade.Proposal    `json:"proposal,omitempty"`
}

func writeResult(w http.ResponseWriter, res *orchestrator.Result) {
	writeJSON(w, outcomeStatus(res.Outcome), submissionResponse{
		Outcome:  res.Outcome,
		Proposal: res.Proposal,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.chain.VerifyChain(); err != nil {
		writeError(w, http.StatusInternalServerError, "audit chain corrupt: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"audit_head":  s.chain.Head(),
		"audit_depth": s.chain.Size(),
	})
}

type proposeRequest struct {
	Proposer    string `json:"proposer"`
	Program     string `json:"program"`
	Buffer      string `json:"buffer"`
	Release     string `json:"release"`
	Description string `json:"description"`
}

func (s *server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ctx, finish := s.obs.TrackOperation(r.Context(), "upgrade.propose",
		observability.ProposalOperation("", req.Program, "", req.Proposer)...)

	prop, err := s.svc.ProposeUpgrade(ctx, req.Proposer,
		contracts.ProgramID(req.Program), contracts.BufferRef(req.Buffer),
		req.Release, req.Description)
	finish(err)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, prop)
}

func (s *server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	props, err := s.svc.ListProposals(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, props)
}

func (s *server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	prop, err := s.svc.GetProposal(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prop)
}

func (s *server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	approvals, err := s.svc.ListApprovals(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approvals)
}

type approveRequest struct {
	Approver string `json:"approver"`

	// Token is an optional signed approval assertion; when set it is
	// verified and takes precedence over Approver.
	Token string `json:"token,omitempty"`
}

func (s *server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	proposalID := r.PathValue("id")

	ctx, finish := s.obs.TrackOperation(r.Context(), "upgrade.approve",
		observability.ApprovalOperation(proposalID, req.Approver)...)

	var (
		res *orchestrator.Result
		err error
	)
	if req.Token != "" {
		res, err = s.orch.SubmitSignedApproval(ctx, req.Token)
	} else {
		res, err = s.orch.SubmitApproval(ctx, proposalID, req.Approver)
	}
	finish(err)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if res.Outcome == orchestrator.OutcomeRejected && res.Err != nil {
		writeDomainError(w, res.Err)
		return
	}
	writeResult(w, res)
}

type executeRequest struct {
	Actor      string `json:"actor"`
	BufferHash string `json:"buffer_hash"`
}

func (s *server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	proposalID := r.PathValue("id")

	ctx, finish := s.obs.TrackOperation(r.Context(), "upgrade.execute",
		observability.ProposalOperation(proposalID, "", "", req.Actor)...)

	res, err := s.orch.SubmitExecution(ctx, proposalID, req.BufferHash, req.Actor)
	finish(err)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if res.Outcome == orchestrator.OutcomeRejected && res.Err != nil {
		writeDomainError(w, res.Err)
		return
	}
	writeResult(w, res)
}

type cancelRequest struct {
	Actor string `json:"actor"`
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !decodeBody(w, r, &req) {
		return
	}

	prop, err := s.svc.CancelProposal(r.Context(), r.PathValue("id"), req.Actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prop)
}

func (s *server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.svc.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

type migrateRequest struct {
	Account     string          `json:"account"`
	FromVersion int             `json:"from_version"`
	ToVersion   int             `json:"to_version"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

func (s *server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	var req migrateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ctx, finish := s.obs.TrackOperation(r.Context(), "migrate.account",
		observability.MigrationOperation(req.Account, req.ToVersion)...)

	rec, err := s.orch.SubmitMigration(ctx, contracts.AccountID(req.Account),
		req.FromVersion, req.ToVersion, req.Payload)
	finish(err)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) handleProgramState(w http.ResponseWriter, r *http.Request) {
	state, err := s.svc.ProgramStateFor(r.Context(), contracts.ProgramID(r.PathValue("program")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *server) handleAudit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.chain.Entries())
}

func (s *server) handleAuditFor(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.chain.EntriesFor(r.PathValue("entity")))
}

func outcomeStatus(outcome orchestrator.Outcome) int {
	switch outcome {
	case orchestrator.OutcomeApplied:
		return http.StatusOK
	case orchestrator.OutcomeAlreadyApplied:
		return http.StatusOK
	case orchestrator.OutcomeRejected:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
