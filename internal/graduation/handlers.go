package graduation

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/curvelaunch/graduation-engine/internal/access"
	"github.com/curvelaunch/graduation-engine/internal/model"
	"github.com/curvelaunch/graduation-engine/internal/safety"
)

// callerHeader carries the authenticated principal set by the gateway.
const callerHeader = "X-Caller"

// API exposes the engine over HTTP.
type API struct {
	engine *Engine
}

// NewAPI creates the HTTP surface for a graduation engine.
func NewAPI(engine *Engine) *API {
	return &API{engine: engine}
}

// RegisterTokenRequest is the JSON body for POST /tokens.
type RegisterTokenRequest struct {
	Address      string          `json:"address"`
	TokenReserve decimal.Decimal `json:"token_reserve"`
	EthReserve   decimal.Decimal `json:"eth_reserve"`
}

// CurveUpdateRequest is the JSON body for POST /tokens/{address}/curve.
type CurveUpdateRequest struct {
	TokenReserve decimal.Decimal `json:"token_reserve"`
	EthReserve   decimal.Decimal `json:"eth_reserve"`
	MarketCap    decimal.Decimal `json:"market_cap"`
}

// CurveUpdateResponse reports the updated snapshot and whether the update
// triggered auto-graduation.
type CurveUpdateResponse struct {
	Token      *model.TokenRegistration `json:"token"`
	Graduated  bool                     `json:"graduated"`
	Graduation *model.GraduationRecord  `json:"graduation,omitempty"`
}

// GraduateRequest is the JSON body for POST /tokens/{address}/graduate.
type GraduateRequest struct {
	LPRecipient string `json:"lp_recipient,omitempty"`
}

// UnlockResponse is returned from POST /tokens/{address}/unlock.
type UnlockResponse struct {
	TokenAddress string          `json:"token_address"`
	LPAmount     decimal.Decimal `json:"lp_amount"`
	Recipient    string          `json:"recipient"`
}

// ConfigRequest is the JSON body for PUT /config.
type ConfigRequest struct {
	MarketCapThreshold  decimal.Decimal `json:"market_cap_threshold"`
	LiquidityThreshold  decimal.Decimal `json:"liquidity_threshold"`
	MinLockDurationSecs int64           `json:"min_lock_duration_secs"`
	SlippageToleranceBp int64           `json:"slippage_tolerance_bp"`
	AutoGraduateEnabled bool            `json:"auto_graduate_enabled"`
}

// TripRequest is the JSON body for POST /breaker/trip.
type TripRequest struct {
	Reason     string    `json:"reason"`
	ResetAfter time.Time `json:"reset_after"`
}

// RoleRequest is the JSON body for role grant and revoke calls.
type RoleRequest struct {
	Principal string `json:"principal"`
	Role      string `json:"role"`
}

// EmergencyRequest is the JSON body for POST /emergency/activate.
type EmergencyRequest struct {
	Reason string `json:"reason"`
}

// --- HTTP Handlers ---

// RegisterToken handles POST /api/v1/tokens
func (a *API) RegisterToken(w http.ResponseWriter, r *http.Request) {
	var req RegisterTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Address == "" {
		writeError(w, "address is required", http.StatusBadRequest)
		return
	}

	t, err := a.engine.RegisterToken(r.Context(), caller(r), req.Address, req.TokenReserve, req.EthReserve)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// UpdateCurve handles POST /api/v1/tokens/{address}/curve
func (a *API) UpdateCurve(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	var req CurveUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := a.engine.UpdateBondingCurve(r.Context(), caller(r), address, req.TokenReserve, req.EthReserve, req.MarketCap)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	t, err := a.engine.GetToken(r.Context(), address)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CurveUpdateResponse{
		Token:      t,
		Graduated:  rec != nil,
		Graduation: rec,
	})
}

// GetToken handles GET /api/v1/tokens/{address}
func (a *API) GetToken(w http.ResponseWriter, r *http.Request) {
	t, err := a.engine.GetToken(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ListTokens handles GET /api/v1/tokens
func (a *API) ListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := a.engine.ListTokens(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if tokens == nil {
		tokens = []model.TokenRegistration{}
	}
	writeJSON(w, http.StatusOK, tokens)
}

// CheckEligibility handles GET /api/v1/tokens/{address}/eligibility
func (a *API) CheckEligibility(w http.ResponseWriter, r *http.Request) {
	eligible, err := a.engine.CheckEligibility(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"eligible": eligible})
}

// Graduate handles POST /api/v1/tokens/{address}/graduate
func (a *API) Graduate(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	var req GraduateRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	rec, err := a.engine.Graduate(r.Context(), caller(r), address, req.LPRecipient)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetGraduation handles GET /api/v1/tokens/{address}/graduation
func (a *API) GetGraduation(w http.ResponseWriter, r *http.Request) {
	rec, err := a.engine.GetGraduation(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Unlock handles POST /api/v1/tokens/{address}/unlock
func (a *API) Unlock(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	amount, recipient, err := a.engine.Unlock(r.Context(), address)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UnlockResponse{
		TokenAddress: address,
		LPAmount:     amount,
		Recipient:    recipient,
	})
}

// UpdateConfig handles PUT /api/v1/config
func (a *API) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req ConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	cfg := model.GraduationConfig{
		MarketCapThreshold:  req.MarketCapThreshold,
		LiquidityThreshold:  req.LiquidityThreshold,
		MinLockDuration:     time.Duration(req.MinLockDurationSecs) * time.Second,
		SlippageToleranceBp: req.SlippageToleranceBp,
		AutoGraduateEnabled: req.AutoGraduateEnabled,
	}
	if err := a.engine.UpdateConfig(r.Context(), caller(r), cfg); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// GetConfig handles GET /api/v1/config
func (a *API) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Config())
}

// UpdateLPRecipient handles PUT /api/v1/config/lp-recipient
func (a *API) UpdateLPRecipient(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Recipient string `json:"recipient"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.engine.UpdateLPLockRecipient(r.Context(), caller(r), req.Recipient); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TripBreaker handles POST /api/v1/breaker/trip
func (a *API) TripBreaker(w http.ResponseWriter, r *http.Request) {
	var req TripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.engine.TripBreaker(r.Context(), caller(r), req.Reason, req.ResetAfter); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResetBreaker handles POST /api/v1/breaker/reset
func (a *API) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.ResetBreaker(r.Context(), caller(r)); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetBreaker handles GET /api/v1/breaker
func (a *API) GetBreaker(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.BreakerState())
}

// ActivateEmergency handles POST /api/v1/emergency/activate
func (a *API) ActivateEmergency(w http.ResponseWriter, r *http.Request) {
	var req EmergencyRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if err := a.engine.ActivateEmergency(r.Context(), caller(r), req.Reason); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeactivateEmergency handles POST /api/v1/emergency/deactivate
func (a *API) DeactivateEmergency(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.DeactivateEmergency(r.Context(), caller(r)); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GrantRole handles POST /api/v1/roles/grant
func (a *API) GrantRole(w http.ResponseWriter, r *http.Request) {
	a.roleChange(w, r, true)
}

// RevokeRole handles POST /api/v1/roles/revoke
func (a *API) RevokeRole(w http.ResponseWriter, r *http.Request) {
	a.roleChange(w, r, false)
}

// ListRoles handles GET /api/v1/roles/{principal}
func (a *API) ListRoles(w http.ResponseWriter, r *http.Request) {
	principal := chi.URLParam(r, "principal")
	writeJSON(w, http.StatusOK, map[string]any{
		"principal": principal,
		"roles":     a.engine.Roles(principal),
	})
}

func (a *API) roleChange(w http.ResponseWriter, r *http.Request, grant bool) {
	var req RoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	role, err := access.ParseRole(req.Role)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if grant {
		err = a.engine.GrantRole(r.Context(), caller(r), req.Principal, role)
	} else {
		err = a.engine.RevokeRole(r.Context(), caller(r), req.Principal, role)
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers ---

func caller(r *http.Request) string {
	return r.Header.Get(callerHeader)
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

// writeEngineError maps engine sentinel errors onto HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, access.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, ErrNotRegistered), errors.Is(err, ErrNotGraduated):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidReserves), errors.Is(err, ErrInvalidConfiguration),
		errors.Is(err, safety.ErrInvalidResetTime):
		status = http.StatusBadRequest
	case errors.Is(err, ErrAlreadyRegistered), errors.Is(err, ErrAlreadyGraduated),
		errors.Is(err, ErrNotEligible), errors.Is(err, ErrLockPeriodActive),
		errors.Is(err, ErrNothingLocked), errors.Is(err, ErrMigrationInProgress),
		errors.Is(err, safety.ErrCircuitBreakerActive), errors.Is(err, safety.ErrRateLimitExceeded),
		errors.Is(err, safety.ErrExceedsTransactionLimit), errors.Is(err, safety.ErrEmergencyActive),
		errors.Is(err, safety.ErrNotTripped):
		status = http.StatusConflict
	case errors.Is(err, ErrMigrationFailed):
		status = http.StatusBadGateway
	}
	writeError(w, err.Error(), status)
}
