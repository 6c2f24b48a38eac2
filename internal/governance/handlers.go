package governance

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/curvelaunch/graduation-engine/internal/access"
	"github.com/curvelaunch/graduation-engine/internal/model"
	"github.com/curvelaunch/graduation-engine/internal/safety"
)

// callerHeader carries the authenticated principal set by the gateway.
const callerHeader = "X-Caller"

// API exposes the governance engine over HTTP.
type API struct {
	engine *Engine
}

// NewAPI creates the HTTP surface for a governance engine.
func NewAPI(engine *Engine) *API {
	return &API{engine: engine}
}

// RegisterAgentRequest is the JSON body for POST /agents.
type RegisterAgentRequest struct {
	Address     string          `json:"address"`
	VotingPower decimal.Decimal `json:"voting_power"`
	Metadata    string          `json:"metadata,omitempty"`
}

// PowerRequest is the JSON body for PUT /agents/{address}/power.
type PowerRequest struct {
	VotingPower decimal.Decimal `json:"voting_power"`
}

// ActiveRequest is the JSON body for PUT /agents/{address}/active.
type ActiveRequest struct {
	Active bool `json:"active"`
}

// CreateProposalRequest is the JSON body for POST /proposals.
type CreateProposalRequest struct {
	Target      string          `json:"target"`
	Value       decimal.Decimal `json:"value"`
	Calldata    []byte          `json:"calldata,omitempty"`
	Description string          `json:"description"`
}

// VoteRequest is the JSON body for POST /proposals/{id}/vote.
type VoteRequest struct {
	Choice string `json:"choice"`
}

// ProposalResponse is a proposal plus its derived state.
type ProposalResponse struct {
	*model.Proposal
	State ProposalState `json:"state"`
}

// ConfigProposalRequest is the JSON body for POST /config-proposals.
type ConfigProposalRequest struct {
	Payload json.RawMessage `json:"payload"`
}

// ParamsRequest is the JSON body for PUT /params.
type ParamsRequest struct {
	VotingDelaySecs  int64 `json:"voting_delay_secs"`
	VotingPeriodSecs int64 `json:"voting_period_secs"`
	QuorumBp         int64 `json:"quorum_bp"`
	TimelockSecs     int64 `json:"timelock_secs"`
}

// --- HTTP Handlers ---

// RegisterAgent handles POST /api/v1/agents
func (a *API) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Address == "" {
		writeError(w, "address is required", http.StatusBadRequest)
		return
	}

	agent, err := a.engine.RegisterAgent(r.Context(), caller(r), req.Address, req.VotingPower, req.Metadata)
	if err != nil {
		writeGovError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

// VerifyAgent handles POST /api/v1/agents/{address}/verify
func (a *API) VerifyAgent(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.VerifyAgent(r.Context(), caller(r), chi.URLParam(r, "address")); err != nil {
		writeGovError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdatePower handles PUT /api/v1/agents/{address}/power
func (a *API) UpdatePower(w http.ResponseWriter, r *http.Request) {
	var req PowerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.engine.UpdateVotingPower(r.Context(), caller(r), chi.URLParam(r, "address"), req.VotingPower); err != nil {
		writeGovError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetActive handles PUT /api/v1/agents/{address}/active
func (a *API) SetActive(w http.ResponseWriter, r *http.Request) {
	var req ActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.engine.SetAgentActive(r.Context(), caller(r), chi.URLParam(r, "address"), req.Active); err != nil {
		writeGovError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetAgent handles GET /api/v1/agents/{address}
func (a *API) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := a.engine.GetAgent(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		writeGovError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// ListAgents handles GET /api/v1/agents
func (a *API) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := a.engine.ListAgents(r.Context())
	if err != nil {
		writeGovError(w, err)
		return
	}
	if agents == nil {
		agents = []model.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

// CreateProposal handles POST /api/v1/proposals
func (a *API) CreateProposal(w http.ResponseWriter, r *http.Request) {
	var req CreateProposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p, err := a.engine.CreateProposal(r.Context(), caller(r), req.Target, req.Value, req.Calldata, req.Description)
	if err != nil {
		writeGovError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetProposal handles GET /api/v1/proposals/{id}
func (a *API) GetProposal(w http.ResponseWriter, r *http.Request) {
	id, err := proposalID(r)
	if err != nil {
		writeError(w, "invalid proposal id", http.StatusBadRequest)
		return
	}

	p, err := a.engine.GetProposal(r.Context(), id)
	if err != nil {
		writeGovError(w, err)
		return
	}
	state, err := a.engine.State(r.Context(), id)
	if err != nil {
		writeGovError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ProposalResponse{Proposal: p, State: state})
}

// CastVote handles POST /api/v1/proposals/{id}/vote
func (a *API) CastVote(w http.ResponseWriter, r *http.Request) {
	id, err := proposalID(r)
	if err != nil {
		writeError(w, "invalid proposal id", http.StatusBadRequest)
		return
	}
	var req VoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := a.engine.CastVote(r.Context(), caller(r), id, model.VoteChoice(req.Choice)); err != nil {
		writeGovError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetQuorum handles GET /api/v1/proposals/{id}/quorum
func (a *API) GetQuorum(w http.ResponseWriter, r *http.Request) {
	id, err := proposalID(r)
	if err != nil {
		writeError(w, "invalid proposal id", http.StatusBadRequest)
		return
	}

	reached, err := a.engine.HasReachedQuorum(r.Context(), id)
	if err != nil {
		writeGovError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"quorum_reached": reached})
}

// ExecuteProposal handles POST /api/v1/proposals/{id}/execute
func (a *API) ExecuteProposal(w http.ResponseWriter, r *http.Request) {
	id, err := proposalID(r)
	if err != nil {
		writeError(w, "invalid proposal id", http.StatusBadRequest)
		return
	}
	if err := a.engine.ExecuteProposal(r.Context(), caller(r), id); err != nil {
		writeGovError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelProposal handles POST /api/v1/proposals/{id}/cancel
func (a *API) CancelProposal(w http.ResponseWriter, r *http.Request) {
	id, err := proposalID(r)
	if err != nil {
		writeError(w, "invalid proposal id", http.StatusBadRequest)
		return
	}
	if err := a.engine.CancelProposal(r.Context(), caller(r), id); err != nil {
		writeGovError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ProposeConfigChange handles POST /api/v1/config-proposals
func (a *API) ProposeConfigChange(w http.ResponseWriter, r *http.Request) {
	var req ConfigProposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, "payload is required", http.StatusBadRequest)
		return
	}

	p, err := a.engine.ProposeConfigChange(r.Context(), caller(r), req.Payload)
	if err != nil {
		writeGovError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetConfigProposal handles GET /api/v1/config-proposals/{id}
func (a *API) GetConfigProposal(w http.ResponseWriter, r *http.Request) {
	id, err := proposalID(r)
	if err != nil {
		writeError(w, "invalid proposal id", http.StatusBadRequest)
		return
	}
	p, err := a.engine.GetConfigProposal(r.Context(), id)
	if err != nil {
		writeGovError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ExecuteConfigProposal handles POST /api/v1/config-proposals/{id}/execute
func (a *API) ExecuteConfigProposal(w http.ResponseWriter, r *http.Request) {
	id, err := proposalID(r)
	if err != nil {
		writeError(w, "invalid proposal id", http.StatusBadRequest)
		return
	}
	if err := a.engine.ExecuteConfigProposal(r.Context(), caller(r), id); err != nil {
		writeGovError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelConfigProposal handles POST /api/v1/config-proposals/{id}/cancel
func (a *API) CancelConfigProposal(w http.ResponseWriter, r *http.Request) {
	id, err := proposalID(r)
	if err != nil {
		writeError(w, "invalid proposal id", http.StatusBadRequest)
		return
	}
	if err := a.engine.CancelConfigProposal(r.Context(), caller(r), id); err != nil {
		writeGovError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetParams handles GET /api/v1/params
func (a *API) GetParams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Params())
}

// UpdateParams handles PUT /api/v1/params
func (a *API) UpdateParams(w http.ResponseWriter, r *http.Request) {
	var req ParamsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	params := Params{
		VotingDelay:  time.Duration(req.VotingDelaySecs) * time.Second,
		VotingPeriod: time.Duration(req.VotingPeriodSecs) * time.Second,
		QuorumBp:     req.QuorumBp,
		Timelock:     time.Duration(req.TimelockSecs) * time.Second,
	}
	if err := a.engine.UpdateParams(r.Context(), caller(r), params); err != nil {
		writeGovError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, params)
}

// --- helpers ---

func caller(r *http.Request) string {
	return r.Header.Get(callerHeader)
}

func proposalID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeGovError maps governance sentinel errors onto HTTP status codes.
func writeGovError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, access.ErrUnauthorized), errors.Is(err, ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, ErrAgentNotFound), errors.Is(err, ErrProposalNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidChoice), errors.Is(err, ErrInvalidConfiguration):
		status = http.StatusBadRequest
	case errors.Is(err, ErrAgentExists), errors.Is(err, ErrNotActive),
		errors.Is(err, ErrAlreadyVoted), errors.Is(err, ErrNotSucceeded),
		errors.Is(err, ErrAlreadyExecuted), errors.Is(err, ErrAlreadyCancelled),
		errors.Is(err, ErrTimelockNotExpired), errors.Is(err, safety.ErrEmergencyActive):
		status = http.StatusConflict
	}
	writeError(w, err.Error(), status)
}
