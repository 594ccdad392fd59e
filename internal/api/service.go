// Package api provides the HTTP handlers for starting, inspecting and
// cancelling simulation runs, plus one-off trade quotes against a supplied
// market state.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/bondsim/internal/fixed"
	"github.com/atmx/bondsim/internal/market"
	"github.com/atmx/bondsim/internal/model"
	"github.com/atmx/bondsim/internal/policy"
	"github.com/atmx/bondsim/internal/runner"
	"github.com/atmx/bondsim/internal/simulator"
	"github.com/atmx/bondsim/internal/store"
	"github.com/atmx/bondsim/internal/yieldspace"
)

// maxStepPage caps the number of step records returned per request.
const maxStepPage = 500

// Service serves the run API.
type Service struct {
	store    store.Store
	runs     *runner.Manager
	registry *policy.Registry
}

// NewService creates a new API service.
func NewService(st store.Store, runs *runner.Manager, registry *policy.Registry) *Service {
	if registry == nil {
		registry = policy.DefaultRegistry()
	}
	return &Service{store: st, runs: runs, registry: registry}
}

// Routes mounts the API handlers on r. hub may be nil.
func (s *Service) Routes(r chi.Router, hub *WSHub) {
	if hub != nil {
		r.Get("/ws", hub.HandleWS)
	}
	r.Get("/policies", s.ListPolicies)
	r.Post("/quote", s.Quote)

	r.Get("/runs", s.ListRuns)
	r.Post("/runs", s.CreateRun)
	r.Get("/runs/{runID}", s.GetRun)
	r.Delete("/runs/{runID}", s.DeleteRun)
	r.Post("/runs/{runID}/cancel", s.CancelRun)
	r.Get("/runs/{runID}/steps", s.GetSteps)
	r.Get("/runs/{runID}/steps/latest", s.LatestStep)
}

// --- Request/Response types ---

// CreateRunRequest is the JSON body for POST /runs.
type CreateRunRequest struct {
	Name   string           `json:"name"`
	Config simulator.Config `json:"config"`
}

// QuoteRequest is the JSON body for POST /quote.
type QuoteRequest struct {
	State        model.MarketState `json:"state"`
	Fees         yieldspace.Fees   `json:"fees"`
	ReserveFloor decimal.Decimal   `json:"reserve_floor"`
	Kind         model.IntentKind  `json:"kind"` // open_long or open_short
	Amount       decimal.Decimal   `json:"amount"`
}

// QuoteResponse is the JSON body returned from POST /quote.
type QuoteResponse struct {
	Fill          market.Fill       `json:"fill"`
	Next          model.MarketState `json:"next"`
	SpotBefore    decimal.Decimal   `json:"spot_before"`
	SpotAfter     decimal.Decimal   `json:"spot_after"`
	FixedAPRAfter decimal.Decimal   `json:"fixed_apr_after"`
}

// --- HTTP Handlers ---

// CreateRun handles POST /api/v1/runs
func (s *Service) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	run, err := s.runs.Start(r.Context(), req.Name, req.Config)
	if err != nil {
		if errors.Is(err, simulator.ErrConfiguration) {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeError(w, "failed to start run", http.StatusInternalServerError)
		return
	}

	slog.Info("run started",
		"run_id", run.ID,
		"name", run.Name,
		"seed", run.Seed,
		"steps", run.NumSteps,
	)

	writeJSON(w, http.StatusAccepted, run)
}

// ListRuns handles GET /api/v1/runs
// Optionally filtered by ?status=<status>.
func (s *Service) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context())
	if err != nil {
		writeError(w, "failed to list runs", http.StatusInternalServerError)
		return
	}

	filtered := []model.Run{}
	status := model.RunStatus(r.URL.Query().Get("status"))
	for _, run := range runs {
		if status == "" || run.Status == status {
			filtered = append(filtered, run)
		}
	}
	writeJSON(w, http.StatusOK, filtered)
}

// GetRun handles GET /api/v1/runs/{runID}
func (s *Service) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// CancelRun handles POST /api/v1/runs/{runID}/cancel
func (s *Service) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := s.runs.Cancel(runID); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "cancelling"})
}

// DeleteRun handles DELETE /api/v1/runs/{runID}
// Active runs must be cancelled first.
func (s *Service) DeleteRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	for _, id := range s.runs.Active() {
		if id == runID {
			writeError(w, "run is still active", http.StatusConflict)
			return
		}
	}
	if err := s.store.DeleteRun(r.Context(), runID); err != nil {
		s.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetSteps handles GET /api/v1/runs/{runID}/steps?from=0&limit=100
func (s *Service) GetSteps(w http.ResponseWriter, r *http.Request) {
	from, err := queryInt(r, "from", 0)
	if err != nil || from < 0 {
		writeError(w, "from must be a non-negative integer", http.StatusBadRequest)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil || limit <= 0 {
		writeError(w, "limit must be a positive integer", http.StatusBadRequest)
		return
	}
	if limit > maxStepPage {
		limit = maxStepPage
	}

	steps, err := s.store.GetSteps(r.Context(), chi.URLParam(r, "runID"), from, limit)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

// LatestStep handles GET /api/v1/runs/{runID}/steps/latest
func (s *Service) LatestStep(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.LatestStep(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListPolicies handles GET /api/v1/policies
func (s *Service) ListPolicies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

// Quote handles POST /api/v1/quote
// Prices an open against the supplied state without touching any run.
func (s *Service) Quote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := req.State.Validate(); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	pricing, err := yieldspace.NewPricingModel(req.Fees, req.ReserveFloor)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	mkt, err := market.New(pricing, market.ClosePolicy{})
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	spot, err := mkt.SpotPrice(req.State)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var (
		next model.MarketState
		fill market.Fill
	)
	switch req.Kind {
	case model.OpenLong:
		next, fill, err = mkt.OpenLong(req.State, fixed.DivDown(req.Amount, req.State.SharePrice))
	case model.OpenShort:
		next, fill, err = mkt.OpenShort(req.State, req.Amount)
	default:
		writeError(w, "kind must be open_long or open_short", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	resp := QuoteResponse{Fill: fill, Next: next, SpotBefore: spot}
	if resp.SpotAfter, err = mkt.SpotPrice(next); err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if resp.FixedAPRAfter, err = mkt.FixedAPR(next); err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "run not found", http.StatusNotFound)
		return
	}
	slog.Error("store request failed", "err", err)
	writeError(w, "internal error", http.StatusInternalServerError)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
