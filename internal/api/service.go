// Package api exposes the coordinator and controller over HTTP.
//
// Amounts travel as integer base units. Health views additionally carry
// shopspring/decimal renderings of the 1e6-scaled figures for display;
// nothing parses those back.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/atmx/leverage-engine/internal/adapter"
	"github.com/atmx/leverage-engine/internal/controller"
	"github.com/atmx/leverage-engine/internal/coordinator"
	"github.com/atmx/leverage-engine/internal/fault"
	"github.com/atmx/leverage-engine/internal/model"
)

// Service handles position and controller requests.
type Service struct {
	coord    *coordinator.Coordinator
	ctrl     *controller.Controller
	registry *adapter.Registry
	limiter  *rate.Limiter
	validate *validator.Validate
	wsHub    *WSHub      // optional
	prices   PriceSetter // optional
}

// PriceSetter moves a simulated market's price.
type PriceSetter interface {
	SetPrice(pair adapter.Pair, price, confidenceBps uint64)
}

// Options tunes a Service.
type Options struct {
	// RatePerSecond and Burst bound mutating requests across all callers.
	// Zero RatePerSecond disables the limit.
	RatePerSecond float64
	Burst         int

	// Prices, when set, exposes PUT /simulation/prices.
	Prices PriceSetter
}

// NewService creates a new API service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(coord *coordinator.Coordinator, ctrl *controller.Controller, reg *adapter.Registry, hub *WSHub, opts Options) *Service {
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Service{
		coord:    coord,
		ctrl:     ctrl,
		registry: reg,
		limiter:  rate.NewLimiter(limit, burst),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		wsHub:    hub,
		prices:   opts.Prices,
	}
}

// Routes mounts the API on r. The caller picks the prefix.
func (s *Service) Routes(r chi.Router) {
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}

	r.Get("/providers", s.ListProviders)
	r.Get("/controller", s.GetController)
	r.Get("/positions/{positionID}", s.GetPosition)
	r.Get("/positions/{positionID}/health", s.GetHealth)
	r.Get("/owners/{owner}/positions", s.ListOwnerPositions)

	r.Group(func(r chi.Router) {
		r.Use(s.throttle)

		r.Post("/controller/initialize", s.Initialize)
		r.Put("/controller/config", s.UpdateConfig)
		r.Put("/controller/treasury", s.SetTreasury)
		r.Post("/controller/emergency-stop", s.SetEmergencyStop)

		r.Post("/positions", s.OpenPosition)
		r.Post("/positions/{positionID}/close", s.ClosePosition)
		r.Post("/positions/{positionID}/unwind", s.UnwindPosition)

		if s.prices != nil {
			r.Put("/simulation/prices", s.SetPrice)
		}
	})
}

// throttle rejects mutating requests above the configured rate.
func (s *Service) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Request/Response types ---

// InitializeRequest is the JSON body for POST /controller/initialize.
type InitializeRequest struct {
	Authority adapter.Account    `json:"authority" validate:"required"`
	Treasury  adapter.Account    `json:"treasury" validate:"required"`
	Config    model.GlobalConfig `json:"config"`
}

// UpdateConfigRequest is the JSON body for PUT /controller/config.
type UpdateConfigRequest struct {
	Caller adapter.Account    `json:"caller" validate:"required"`
	Config model.GlobalConfig `json:"config"`
}

// SetTreasuryRequest is the JSON body for PUT /controller/treasury.
type SetTreasuryRequest struct {
	Caller   adapter.Account `json:"caller" validate:"required"`
	Treasury adapter.Account `json:"treasury" validate:"required"`
}

// EmergencyStopRequest is the JSON body for POST /controller/emergency-stop.
type EmergencyStopRequest struct {
	Caller adapter.Account `json:"caller" validate:"required"`
	Stop   bool            `json:"stop"`
}

// OpenRequest is the JSON body for POST /positions.
type OpenRequest struct {
	Owner adapter.Account `json:"owner" validate:"required"`
	model.OpenParams
}

// OpenResponse is returned from POST /positions.
type OpenResponse struct {
	ID       model.PositionID `json:"id"`
	Position *model.Position  `json:"position"`
}

// CloseRequest is the JSON body for POST /positions/{id}/close.
type CloseRequest struct {
	Owner adapter.Account `json:"owner" validate:"required"`
}

// UnwindRequest is the JSON body for POST /positions/{id}/unwind.
type UnwindRequest struct {
	Caller      adapter.Account `json:"caller" validate:"required"`
	FractionBps uint64          `json:"fraction_bps" validate:"required,gt=0,lte=10000"`
}

// SetPriceRequest is the JSON body for PUT /simulation/prices.
type SetPriceRequest struct {
	Pair          adapter.Pair `json:"pair"`
	Price         uint64       `json:"price" validate:"required,gt=0"`
	ConfidenceBps uint64       `json:"confidence_bps" validate:"lte=10000"`
}

// HealthResponse is a health report with display renderings.
type HealthResponse struct {
	model.HealthReport
	PriceDisplay        decimal.Decimal `json:"price_display"`
	TWAPDisplay         decimal.Decimal `json:"twap_display"`
	HealthFactorDisplay decimal.Decimal `json:"health_factor_display"`
	LTVPercent          decimal.Decimal `json:"ltv_percent"`
	ImpermanentLossPct  decimal.Decimal `json:"impermanent_loss_pct"`
}

// --- HTTP Handlers ---

// ListProviders handles GET /api/v1/providers
func (s *Service) ListProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

// GetController handles GET /api/v1/controller
func (s *Service) GetController(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.State())
}

// Initialize handles POST /api/v1/controller/initialize
func (s *Service) Initialize(w http.ResponseWriter, r *http.Request) {
	var req InitializeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.ctrl.Initialize(r.Context(), req.Authority, req.Treasury, req.Config); err != nil {
		writeFault(w, err)
		return
	}
	slog.Info("controller initialized", "authority", req.Authority, "treasury", req.Treasury)
	writeJSON(w, http.StatusCreated, s.ctrl.State())
}

// UpdateConfig handles PUT /api/v1/controller/config
func (s *Service) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req UpdateConfigRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.ctrl.UpdateConfig(r.Context(), req.Caller, req.Config); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.State())
}

// SetTreasury handles PUT /api/v1/controller/treasury
func (s *Service) SetTreasury(w http.ResponseWriter, r *http.Request) {
	var req SetTreasuryRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.ctrl.SetTreasury(r.Context(), req.Caller, req.Treasury); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.State())
}

// SetEmergencyStop handles POST /api/v1/controller/emergency-stop
func (s *Service) SetEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req EmergencyStopRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.ctrl.SetEmergencyStop(r.Context(), req.Caller, req.Stop); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.State())
}

// OpenPosition handles POST /api/v1/positions
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if !s.decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	id, err := s.coord.Open(ctx, req.Owner, req.OpenParams)
	if err != nil {
		writeFault(w, err)
		return
	}
	pos, err := s.coord.Position(ctx, id)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, OpenResponse{ID: id, Position: pos})
}

// ClosePosition handles POST /api/v1/positions/{positionID}/close
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id, ok := positionID(w, r)
	if !ok {
		return
	}
	var req CloseRequest
	if !s.decode(w, r, &req) {
		return
	}
	rep, err := s.coord.Close(r.Context(), req.Owner, id)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// UnwindPosition handles POST /api/v1/positions/{positionID}/unwind
func (s *Service) UnwindPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := positionID(w, r)
	if !ok {
		return
	}
	var req UnwindRequest
	if !s.decode(w, r, &req) {
		return
	}
	rep, err := s.coord.ForcedUnwind(r.Context(), req.Caller, id, req.FractionBps)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// GetPosition handles GET /api/v1/positions/{positionID}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := positionID(w, r)
	if !ok {
		return
	}
	pos, err := s.coord.Position(r.Context(), id)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// GetHealth handles GET /api/v1/positions/{positionID}/health
func (s *Service) GetHealth(w http.ResponseWriter, r *http.Request) {
	id, ok := positionID(w, r)
	if !ok {
		return
	}
	rep, err := s.coord.Health(r.Context(), id)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		HealthReport:        rep,
		PriceDisplay:        model.Scaled(rep.Price, 6),
		TWAPDisplay:         model.Scaled(rep.TWAPPrice, 6),
		HealthFactorDisplay: model.Scaled(rep.HealthFactor, 6),
		LTVPercent:          model.Scaled(rep.LTVBps, 2),
		ImpermanentLossPct:  model.ScaledSigned(rep.ImpermanentLossPpm, 4),
	})
}

// ListOwnerPositions handles GET /api/v1/owners/{owner}/positions
func (s *Service) ListOwnerPositions(w http.ResponseWriter, r *http.Request) {
	owner, err := adapter.ParseAccount(chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, "invalid owner", http.StatusBadRequest)
		return
	}
	positions, err := s.coord.Positions(r.Context(), owner)
	if err != nil {
		writeFault(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// SetPrice handles PUT /api/v1/simulation/prices
func (s *Service) SetPrice(w http.ResponseWriter, r *http.Request) {
	var req SetPriceRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Pair.A.IsZero() || req.Pair.B.IsZero() || req.Pair.A == req.Pair.B {
		writeError(w, "pair must name two distinct tokens", http.StatusBadRequest)
		return
	}
	s.prices.SetPrice(req.Pair, req.Price, req.ConfidenceBps)
	slog.Info("simulated price set", "pair", req.Pair, "price", req.Price)
	w.WriteHeader(http.StatusNoContent)
}

// --- Helpers ---

func (s *Service) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func positionID(w http.ResponseWriter, r *http.Request) (model.PositionID, bool) {
	raw := chi.URLParam(r, "positionID")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, "invalid position id", http.StatusBadRequest)
		return 0, false
	}
	return model.PositionID(id), true
}

// statusFor maps a fault kind onto an HTTP status.
func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.PositionNotFound:
		return http.StatusNotFound
	case fault.Unauthorized:
		return http.StatusForbidden
	case fault.EmergencyStopActive:
		return http.StatusServiceUnavailable
	}
	switch kind.Category() {
	case fault.CategoryInput:
		return http.StatusBadRequest
	case fault.CategoryPolicy:
		return http.StatusConflict
	case fault.CategoryArithmetic, fault.CategoryExecution, fault.CategorySafety, fault.CategoryProvider:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error       string   `json:"error"`
	Kind        string   `json:"kind"`
	Stage       string   `json:"stage,omitempty"`
	Compensated []string `json:"compensated,omitempty"`
}

func writeFault(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	body := errorBody{Error: err.Error(), Kind: kind.String()}
	var fe *coordinator.FlowError
	if errors.As(err, &fe) {
		body.Stage = string(fe.Stage)
		body.Compensated = fe.Compensated
	}
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
