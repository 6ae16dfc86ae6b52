package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/leverage-engine/internal/adapter"
	"github.com/atmx/leverage-engine/internal/adapter/clmm"
	"github.com/atmx/leverage-engine/internal/adapter/lending"
	"github.com/atmx/leverage-engine/internal/adapter/shortloan"
	"github.com/atmx/leverage-engine/internal/adapter/swap"
	"github.com/atmx/leverage-engine/internal/adapter/token"
	"github.com/atmx/leverage-engine/internal/api"
	"github.com/atmx/leverage-engine/internal/clock"
	"github.com/atmx/leverage-engine/internal/controller"
	"github.com/atmx/leverage-engine/internal/coordinator"
	"github.com/atmx/leverage-engine/internal/ledger"
	"github.com/atmx/leverage-engine/internal/model"
	"github.com/atmx/leverage-engine/internal/oracle"
	"github.com/atmx/leverage-engine/internal/store"
	"github.com/atmx/leverage-engine/internal/venue"
)

const t0 = 1_700_000_000

var (
	sol  = adapter.DeriveToken("SOL")
	usdc = adapter.DeriveToken("USDC")
	pair = adapter.Pair{A: sol, B: usdc}

	authority = adapter.DeriveAccount("authority")
	treasury  = adapter.DeriveAccount("treasury")
	alice     = adapter.DeriveAccount("alice")
	bob       = adapter.DeriveAccount("bob")
)

type testEnv struct {
	router chi.Router
	sim    *venue.Sim
	ctrl   *controller.Controller
}

// newTestEnv wires a Service over the simulated venue. The controller is
// initialised with the default policy unless initialise is false.
func newTestEnv(t *testing.T, initialise bool, opts api.Options) *testEnv {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(t0, 0))

	sim := venue.New(clk)
	sim.SetPrice(pair, 100_000_000)
	sim.FundFlash(shortloan.Solend.ID, usdc, 100_000_000_000)
	sim.AddPool(clmm.Orca.ID)
	sim.AddLendingMarket(lending.Solend.ID, usdc, 50_000_000_000, lending.Solend.Params.Curve)
	sim.Mint(alice, usdc, 10_000_000_000)

	reg := adapter.NewRegistry()
	require.NoError(t, reg.RegisterShortLoan(shortloan.New(shortloan.Solend, sim)))
	require.NoError(t, reg.RegisterSwap(swap.New(swap.Jupiter, sim, clk)))
	require.NoError(t, reg.RegisterClmm(clmm.New(clmm.Orca, sim)))
	require.NoError(t, reg.RegisterLender(lending.New(lending.Solend, sim)))

	src := oracle.NewStaticSource("pyth", oracle.WeightPyth, clk)
	src.Set(pair, 100_000_000, 10_000)
	feed := oracle.NewFeed(clk, controller.OracleLimits(model.DefaultConfig()), src)

	led := ledger.New(store.NewMemoryStore(), clk)
	require.NoError(t, led.Load(ctx))
	ctrl := controller.New(led, feed)
	if initialise {
		require.NoError(t, ctrl.Initialize(ctx, authority, treasury, model.DefaultConfig()))
	}

	coord := coordinator.New(coordinator.Deps{
		Ledger:        led,
		Controller:    ctrl,
		Registry:      reg,
		Tokens:        token.New(sim),
		Host:          sim,
		Oracle:        feed,
		Clock:         clk,
		NeutralTokens: []adapter.Token{usdc},
	})
	svc := api.NewService(coord, ctrl, reg, nil, opts)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return &testEnv{router: r, sim: sim, ctrl: ctrl}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, "/api/v1"+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func openRequest(owner adapter.Account, loan, leverage uint64) api.OpenRequest {
	return api.OpenRequest{
		Owner: owner,
		OpenParams: model.OpenParams{
			Pair:        pair,
			LoanAmount:  loan,
			LeverageBps: leverage,
			SlippageBps: 50,
			Range:       model.PriceRange{Lower: 90_000_000, Upper: 110_000_000, Reference: 100_000_000},
			ShortLoan:   shortloan.Solend.ID,
			Clmm:        clmm.Orca.ID,
			Lender:      lending.Solend.ID,
			Deadline:    t0 + 60,
		},
	}
}

type errorResponse struct {
	Error       string   `json:"error"`
	Kind        string   `json:"kind"`
	Stage       string   `json:"stage"`
	Compensated []string `json:"compensated"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func openPosition(t *testing.T, e *testEnv) model.PositionID {
	t.Helper()
	w := e.do(t, http.MethodPost, "/positions", openRequest(alice, 1_000_000_000, 200))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp api.OpenResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp.ID
}

// --- Position lifecycle ---

func TestOpenPosition_Created(t *testing.T) {
	e := newTestEnv(t, true, api.Options{})

	w := e.do(t, http.MethodPost, "/positions", openRequest(alice, 1_000_000_000, 200))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp api.OpenResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NotNil(t, resp.Position)
	assert.Equal(t, model.StateOpen, resp.Position.State)
	assert.Equal(t, alice, resp.Position.Owner)
	assert.Equal(t, uint64(1_000_000_000), resp.Position.Capital)
	assert.Equal(t, uint64(1_000_500_000), resp.Position.Debt())
}

func TestGetPositionAndHealth(t *testing.T) {
	e := newTestEnv(t, true, api.Options{})
	id := openPosition(t, e)

	w := e.do(t, http.MethodGet, fmt.Sprintf("/positions/%d", id), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var pos model.Position
	require.NoError(t, json.NewDecoder(w.Body).Decode(&pos))
	assert.Equal(t, id, pos.ID)

	w = e.do(t, http.MethodGet, fmt.Sprintf("/positions/%d/health", id), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health api.HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.Equal(t, model.StateOpen, health.State)
	assert.True(t, health.InRange)
	assert.False(t, health.Unwindable)
	assert.Equal(t, "100", health.PriceDisplay.String())
	assert.Equal(t, "100", health.TWAPDisplay.String())
	assert.True(t, health.HealthFactorDisplay.GreaterThan(model.Scaled(1_000_000, 6)))
}

func TestClosePosition(t *testing.T) {
	e := newTestEnv(t, true, api.Options{})
	id := openPosition(t, e)

	w := e.do(t, http.MethodPost, fmt.Sprintf("/positions/%d/close", id), api.CloseRequest{Owner: bob})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "unauthorized", decodeError(t, w).Kind)

	w = e.do(t, http.MethodPost, fmt.Sprintf("/positions/%d/close", id), api.CloseRequest{Owner: alice})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rep model.CloseReport
	require.NoError(t, json.NewDecoder(w.Body).Decode(&rep))
	assert.Equal(t, id, rep.Position)
	assert.Equal(t, uint64(1_000_500_000), rep.DebtRepaid)

	w = e.do(t, http.MethodGet, fmt.Sprintf("/owners/%s/positions", alice), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []model.Position
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, model.StateClosed, list[0].State)
}

func TestUnwindHealthyPosition_Conflict(t *testing.T) {
	e := newTestEnv(t, true, api.Options{})
	id := openPosition(t, e)

	w := e.do(t, http.MethodPost, fmt.Sprintf("/positions/%d/unwind", id), api.UnwindRequest{Caller: bob, FractionBps: 5_000})
	assert.Equal(t, http.StatusConflict, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "position_not_unwindable", resp.Kind)
	assert.Equal(t, "Validate", resp.Stage)
}

func TestOpenPosition_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *api.OpenRequest)
		status int
		kind   string
	}{
		{"leverage at 1x", func(r *api.OpenRequest) { r.LeverageBps = 100 }, http.StatusBadRequest, "invalid_leverage"},
		{"unknown lender", func(r *api.OpenRequest) { r.Lender = "nowhere-lending" }, http.StatusUnprocessableEntity, "provider_unsupported"},
		{"lender in short-loan slot", func(r *api.OpenRequest) { r.ShortLoan = lending.Solend.ID }, http.StatusUnprocessableEntity, "provider_mismatch"},
		{"expired deadline", func(r *api.OpenRequest) { r.Deadline = t0 - 1 }, http.StatusBadRequest, "deadline_exceeded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, true, api.Options{})
			req := openRequest(alice, 1_000_000_000, 200)
			tt.mutate(&req)

			w := e.do(t, http.MethodPost, "/positions", req)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.kind, decodeError(t, w).Kind)
		})
	}
}

func TestOpenPosition_ValidationRejectsBody(t *testing.T) {
	e := newTestEnv(t, true, api.Options{})

	req := openRequest(alice, 0, 200)
	w := e.do(t, http.MethodPost, "/positions", req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = openRequest(alice, 1_000_000_000, 200)
	req.Range.Upper = req.Range.Lower
	w = e.do(t, http.MethodPost, "/positions", req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	httpReq := httptest.NewRequest(http.MethodPost, "/api/v1/positions", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, httpReq)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetPosition_NotFoundAndBadID(t *testing.T) {
	e := newTestEnv(t, true, api.Options{})

	w := e.do(t, http.MethodGet, "/positions/42", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "position_not_found", decodeError(t, w).Kind)

	w = e.do(t, http.MethodGet, "/positions/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodGet, "/owners/not-base58!/positions", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Controller ---

func TestController_InitializeOnce(t *testing.T) {
	e := newTestEnv(t, false, api.Options{})

	body := api.InitializeRequest{Authority: authority, Treasury: treasury, Config: model.DefaultConfig()}
	w := e.do(t, http.MethodPost, "/controller/initialize", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = e.do(t, http.MethodPost, "/controller/initialize", body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_initialised", decodeError(t, w).Kind)

	w = e.do(t, http.MethodGet, "/controller", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var state model.GlobalState
	require.NoError(t, json.NewDecoder(w.Body).Decode(&state))
	assert.True(t, state.Initialized)
	assert.Equal(t, authority, state.Authority)
}

func TestController_EmergencyStop(t *testing.T) {
	e := newTestEnv(t, true, api.Options{})

	w := e.do(t, http.MethodPost, "/controller/emergency-stop", api.EmergencyStopRequest{Caller: alice, Stop: true})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(t, http.MethodPost, "/controller/emergency-stop", api.EmergencyStopRequest{Caller: authority, Stop: true})
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodPost, "/positions", openRequest(alice, 1_000_000_000, 200))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "emergency_stop_active", decodeError(t, w).Kind)
}

func TestController_UpdateConfigRejectsInvalid(t *testing.T) {
	e := newTestEnv(t, true, api.Options{})

	cfg := model.DefaultConfig()
	cfg.LiquidationThresholdBps = 10_000
	w := e.do(t, http.MethodPut, "/controller/config", api.UpdateConfigRequest{Caller: authority, Config: cfg})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	cfg = model.DefaultConfig()
	cfg.MaxLeverageBps = 300
	w = e.do(t, http.MethodPut, "/controller/config", api.UpdateConfigRequest{Caller: authority, Config: cfg})
	require.Equal(t, http.StatusOK, w.Code)
	got, err := e.ctrl.Config()
	require.NoError(t, err)
	assert.Equal(t, uint64(300), got.MaxLeverageBps)
}

func TestListProviders(t *testing.T) {
	e := newTestEnv(t, true, api.Options{})

	w := e.do(t, http.MethodGet, "/providers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var entries []adapter.Entry
	require.NoError(t, json.NewDecoder(w.Body).Decode(&entries))
	assert.Len(t, entries, 4)
}

func TestRateLimit(t *testing.T) {
	e := newTestEnv(t, true, api.Options{RatePerSecond: 0.001, Burst: 1})

	w := e.do(t, http.MethodPost, "/controller/emergency-stop", api.EmergencyStopRequest{Caller: authority})
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodPost, "/controller/emergency-stop", api.EmergencyStopRequest{Caller: authority})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// Reads are never throttled.
	w = e.do(t, http.MethodGet, "/controller", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
