// Package httpapi exposes the flip engine over HTTP. Handlers stay thin:
// decode, call the engine, map errors to status codes. All round logic
// lives in the engine.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/empowertours/flip-engine/internal/agent"
	"github.com/empowertours/flip-engine/internal/engine"
	"github.com/empowertours/flip-engine/internal/events"
	"github.com/empowertours/flip-engine/internal/limits"
	"github.com/empowertours/flip-engine/internal/metrics"
	"github.com/empowertours/flip-engine/internal/model"
	"github.com/empowertours/flip-engine/internal/store"
)

// Server bundles the engine with its event fan-out.
type Server struct {
	engine    *engine.Manager
	hub       *events.Hub       // optional
	publisher *events.Publisher // optional
}

// NewServer creates the HTTP surface. hub and publisher may be nil.
func NewServer(m *engine.Manager, hub *events.Hub, pub *events.Publisher) *Server {
	return &Server{engine: m, hub: hub, publisher: pub}
}

// Routes mounts all API endpoints on r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/rounds/current", s.GetCurrentRound)
	r.Get("/rounds/{roundID}", s.GetRound)
	r.Get("/rounds", s.GetRoundHistory)
	r.Post("/bets", s.PlaceBet)
	r.Post("/rounds/close", s.CloseBetting)
	r.Post("/rounds/executing", s.MarkExecuting)
	r.Post("/rounds/resolve", s.ResolveRound)
	r.Post("/rounds/reset", s.ForceResetRound)
	r.Get("/agents/{address}/stats", s.GetAgentStats)
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
}

// --- Request types ---

// PlaceBetRequest is the JSON body for POST /bets.
type PlaceBetRequest struct {
	AgentAddress string          `json:"agent_address"`
	AgentName    string          `json:"agent_name"`
	Prediction   string          `json:"prediction"` // "heads" or "tails"
	Amount       decimal.Decimal `json:"amount"`
}

// ResolveRequest is the JSON body for POST /rounds/resolve.
type ResolveRequest struct {
	Outcome    string `json:"outcome"` // "heads" or "tails"
	FlipTxHash string `json:"flip_tx_hash"`
}

// --- Handlers ---

// GetCurrentRound handles GET /api/v1/rounds/current.
func (s *Server) GetCurrentRound(w http.ResponseWriter, r *http.Request) {
	round, err := s.engine.CurrentRound(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

// GetRound handles GET /api/v1/rounds/{roundID}.
func (s *Server) GetRound(w http.ResponseWriter, r *http.Request) {
	round, err := s.engine.GetRound(r.Context(), chi.URLParam(r, "roundID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

// GetRoundHistory handles GET /api/v1/rounds?limit=N.
func (s *Server) GetRoundHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	rounds, err := s.engine.RoundHistory(r.Context(), limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rounds)
}

// PlaceBet handles POST /api/v1/bets.
func (s *Server) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req PlaceBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	bet, err := s.engine.PlaceBet(r.Context(), req.AgentAddress, req.AgentName, req.Prediction, req.Amount)
	if err != nil {
		metrics.BetRejectionsTotal.WithLabelValues(rejectionReason(err)).Inc()
		writeEngineError(w, err)
		return
	}

	if s.hub != nil {
		s.hub.Broadcast(events.Message{
			Type:         "bet_placed",
			RoundID:      bet.RoundID,
			AgentAddress: bet.AgentAddress,
			Prediction:   string(bet.Prediction),
			Amount:       bet.Amount.String(),
		})
	}

	writeJSON(w, http.StatusCreated, bet)
}

// CloseBetting handles POST /api/v1/rounds/close. A nil round in the
// response body means the round was not open — nothing needed to happen.
func (s *Server) CloseBetting(w http.ResponseWriter, r *http.Request) {
	round, err := s.engine.CloseBetting(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*model.Round{"round": round})
}

// MarkExecuting handles POST /api/v1/rounds/executing.
func (s *Server) MarkExecuting(w http.ResponseWriter, r *http.Request) {
	round, err := s.engine.MarkExecuting(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*model.Round{"round": round})
}

// ResolveRound handles POST /api/v1/rounds/resolve. The outcome and
// transaction hash come from the external flip oracle; the handler trusts
// them as already authenticated. A nil result means the round was not in
// a resolvable state (already resolved, or still open).
func (s *Server) ResolveRound(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.engine.ResolveRound(r.Context(), req.Outcome, req.FlipTxHash)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if result == nil {
		writeJSON(w, http.StatusOK, map[string]*model.RoundResult{"result": nil})
		return
	}

	if s.hub != nil {
		s.hub.Broadcast(events.Message{
			Type:      "round_resolved",
			RoundID:   result.RoundID,
			Result:    string(result.Result),
			TotalPool: result.TotalPool.String(),
			Winners:   len(result.Winners),
			Losers:    len(result.Losers),
		})
	}
	if err := s.publisher.PublishRoundResolved(r.Context(), result); err != nil {
		// The round is already settled; publishing is best-effort.
		writeJSON(w, http.StatusOK, map[string]any{"result": result, "publish_error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]*model.RoundResult{"result": result})
}

// ForceResetRound handles POST /api/v1/rounds/reset.
func (s *Server) ForceResetRound(w http.ResponseWriter, r *http.Request) {
	round, err := s.engine.ForceResetRound(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}

	if s.hub != nil {
		s.hub.Broadcast(events.Message{Type: "round_reset", RoundID: round.ID})
	}

	writeJSON(w, http.StatusOK, round)
}

// GetAgentStats handles GET /api/v1/agents/{address}/stats.
func (s *Server) GetAgentStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.AgentStats(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- Error mapping ---

// writeEngineError maps engine sentinels to HTTP status codes: validation
// failures are 400, state conflicts 409, missing records 404, store
// failures 500.
func writeEngineError(w http.ResponseWriter, err error) {
	writeError(w, err.Error(), statusFor(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, agent.ErrInvalidAddress),
		errors.Is(err, model.ErrInvalidOutcome),
		errors.Is(err, limits.ErrBelowMinimum),
		errors.Is(err, limits.ErrAboveMaximum),
		errors.Is(err, limits.ErrNotPositive),
		errors.Is(err, engine.ErrMissingTxRef):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrBettingClosed),
		errors.Is(err, engine.ErrBettingWindowEnded),
		errors.Is(err, engine.ErrDuplicateBet),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrRoundNotFound),
		errors.Is(err, store.ErrNoCurrentRound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, agent.ErrInvalidAddress):
		return "invalid_address"
	case errors.Is(err, model.ErrInvalidOutcome):
		return "invalid_prediction"
	case errors.Is(err, limits.ErrBelowMinimum):
		return "below_minimum"
	case errors.Is(err, limits.ErrAboveMaximum):
		return "above_maximum"
	case errors.Is(err, limits.ErrNotPositive):
		return "not_positive"
	case errors.Is(err, engine.ErrBettingClosed):
		return "betting_closed"
	case errors.Is(err, engine.ErrBettingWindowEnded):
		return "window_ended"
	case errors.Is(err, engine.ErrDuplicateBet):
		return "duplicate_bet"
	default:
		return "store_error"
	}
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
