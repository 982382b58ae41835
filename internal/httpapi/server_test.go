package httpapi_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/empowertours/flip-engine/internal/config"
	"github.com/empowertours/flip-engine/internal/engine"
	"github.com/empowertours/flip-engine/internal/httpapi"
	"github.com/empowertours/flip-engine/internal/model"
	"github.com/empowertours/flip-engine/internal/store"
)

const (
	addrAlice = "0xAAAAaaaaAAAAaaaaAAAAaaaaAAAAaaaaAAAAaaaa"
	addrBob   = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates the API over an in-memory store. No hub, no Kafka.
func newTestEnv(t *testing.T) (*engine.Manager, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	mgr := engine.NewManager(ms, config.Config{
		BettingWindow:       55 * time.Minute,
		MinBet:              d(0.1),
		MaxBet:              d(100),
		ConsolationBase:     d(0.5),
		ConsolationMaxMult:  5,
		HistoryRetention:    50,
		UnclaimedPoolPolicy: config.PoolPolicyRetain,
	})

	api := httpapi.NewServer(mgr, nil, nil)
	r := chi.NewRouter()
	r.Route("/api/v1", api.Routes)
	return mgr, r
}

func doPost(t *testing.T, router chi.Router, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func doGet(t *testing.T, router chi.Router, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func placeBet(t *testing.T, router chi.Router, addr, name, prediction string, amount decimal.Decimal) *httptest.ResponseRecorder {
	t.Helper()
	return doPost(t, router, "/api/v1/bets", httpapi.PlaceBetRequest{
		AgentAddress: addr,
		AgentName:    name,
		Prediction:   prediction,
		Amount:       amount,
	})
}

// --- Bets ---

func TestPlaceBet_Created(t *testing.T) {
	_, router := newTestEnv(t)

	w := placeBet(t, router, addrAlice, "alice", "heads", d(10))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var bet model.Bet
	json.Unmarshal(w.Body.Bytes(), &bet)

	if bet.ID == "" {
		t.Error("expected non-empty bet id")
	}
	if bet.AgentAddress != "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" {
		t.Errorf("address should come back normalized, got %s", bet.AgentAddress)
	}
	if bet.Prediction != model.OutcomeHeads {
		t.Errorf("expected heads, got %s", bet.Prediction)
	}
	if !bet.Amount.Equal(d(10)) {
		t.Errorf("expected amount=10, got %s", bet.Amount)
	}
}

func TestPlaceBet_InvalidAddress(t *testing.T) {
	_, router := newTestEnv(t)

	w := placeBet(t, router, "0x1234", "shorty", "heads", d(10))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid address, got %d", w.Code)
	}
}

func TestPlaceBet_InvalidPrediction(t *testing.T) {
	_, router := newTestEnv(t)

	w := placeBet(t, router, addrAlice, "alice", "edge", d(10))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid prediction, got %d", w.Code)
	}
}

func TestPlaceBet_OutOfBounds(t *testing.T) {
	_, router := newTestEnv(t)

	w := placeBet(t, router, addrAlice, "alice", "heads", d(0.05))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 below minimum, got %d", w.Code)
	}
	w = placeBet(t, router, addrAlice, "alice", "heads", d(500))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 above maximum, got %d", w.Code)
	}
}

func TestPlaceBet_Duplicate(t *testing.T) {
	_, router := newTestEnv(t)

	if w := placeBet(t, router, addrAlice, "alice", "heads", d(10)); w.Code != http.StatusCreated {
		t.Fatalf("first bet failed: %d %s", w.Code, w.Body.String())
	}
	w := placeBet(t, router, addrAlice, "alice", "tails", d(5))
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate bet, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPlaceBet_MalformedBody(t *testing.T) {
	_, router := newTestEnv(t)

	req := httptest.NewRequest("POST", "/api/v1/bets", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", w.Code)
	}
}

func TestPlaceBet_AfterClose(t *testing.T) {
	_, router := newTestEnv(t)

	// Closing before any round exists is a 200 no-op.
	if w := doPost(t, router, "/api/v1/rounds/close", nil); w.Code != http.StatusOK {
		t.Fatalf("close failed: %d %s", w.Code, w.Body.String())
	}

	if w := doGet(t, router, "/api/v1/rounds/current"); w.Code != http.StatusOK {
		t.Fatalf("current round failed: %d", w.Code)
	}
	if w := doPost(t, router, "/api/v1/rounds/close", nil); w.Code != http.StatusOK {
		t.Fatalf("close failed: %d %s", w.Code, w.Body.String())
	}

	w := placeBet(t, router, addrAlice, "alice", "heads", d(10))
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 after close, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Rounds ---

func TestGetCurrentRound(t *testing.T) {
	_, router := newTestEnv(t)

	w := doGet(t, router, "/api/v1/rounds/current")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var round model.Round
	json.Unmarshal(w.Body.Bytes(), &round)

	if round.ID == "" || round.Status != model.StatusOpen {
		t.Errorf("expected a fresh open round, got %s/%s", round.ID, round.Status)
	}
}

func TestGetRound_NotFound(t *testing.T) {
	_, router := newTestEnv(t)

	w := doGet(t, router, "/api/v1/rounds/round-19990101-00")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestResolveFlow(t *testing.T) {
	_, router := newTestEnv(t)

	placeBet(t, router, addrAlice, "alice", "heads", d(100))
	placeBet(t, router, addrBob, "bob", "tails", d(50))

	if w := doPost(t, router, "/api/v1/rounds/close", nil); w.Code != http.StatusOK {
		t.Fatalf("close failed: %d %s", w.Code, w.Body.String())
	}
	if w := doPost(t, router, "/api/v1/rounds/executing", nil); w.Code != http.StatusOK {
		t.Fatalf("executing failed: %d %s", w.Code, w.Body.String())
	}

	w := doPost(t, router, "/api/v1/rounds/resolve", httpapi.ResolveRequest{
		Outcome:    "heads",
		FlipTxHash: "0xflip1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve failed: %d %s", w.Code, w.Body.String())
	}

	var resp struct {
		Result *model.RoundResult `json:"result"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.Result == nil {
		t.Fatal("expected a settlement result")
	}
	if resp.Result.Result != model.OutcomeHeads {
		t.Errorf("expected heads, got %s", resp.Result.Result)
	}
	if len(resp.Result.Winners) != 1 || len(resp.Result.Losers) != 1 {
		t.Errorf("expected 1 winner / 1 loser, got %d/%d", len(resp.Result.Winners), len(resp.Result.Losers))
	}
	// Sole winner takes the whole pool.
	if !resp.Result.Winners[0].TotalPayout.Equal(d(150)) {
		t.Errorf("expected payout=150, got %s", resp.Result.Winners[0].TotalPayout)
	}

	// A second resolve is a no-op with a null result.
	w = doPost(t, router, "/api/v1/rounds/resolve", httpapi.ResolveRequest{
		Outcome:    "tails",
		FlipTxHash: "0xflip2",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("second resolve: %d %s", w.Code, w.Body.String())
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Result != nil {
		t.Errorf("second resolve should return null result, got %+v", resp.Result)
	}
}

func TestResolve_MissingTxHash(t *testing.T) {
	_, router := newTestEnv(t)

	placeBet(t, router, addrAlice, "alice", "heads", d(10))
	doPost(t, router, "/api/v1/rounds/close", nil)

	w := doPost(t, router, "/api/v1/rounds/resolve", httpapi.ResolveRequest{Outcome: "heads"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without tx hash, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRoundHistory(t *testing.T) {
	_, router := newTestEnv(t)

	placeBet(t, router, addrAlice, "alice", "heads", d(10))
	doPost(t, router, "/api/v1/rounds/close", nil)
	doPost(t, router, "/api/v1/rounds/resolve", httpapi.ResolveRequest{Outcome: "heads", FlipTxHash: "0xflip1"})

	w := doGet(t, router, "/api/v1/rounds?limit=10")
	if w.Code != http.StatusOK {
		t.Fatalf("history failed: %d %s", w.Code, w.Body.String())
	}

	var rounds []model.Round
	json.Unmarshal(w.Body.Bytes(), &rounds)
	if len(rounds) != 1 {
		t.Fatalf("expected 1 archived round, got %d", len(rounds))
	}
	if rounds[0].Status != model.StatusResolved {
		t.Errorf("expected resolved, got %s", rounds[0].Status)
	}

	w = doGet(t, router, "/api/v1/rounds?limit=abc")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", w.Code)
	}
}

func TestForceReset(t *testing.T) {
	_, router := newTestEnv(t)

	placeBet(t, router, addrAlice, "alice", "heads", d(10))
	doPost(t, router, "/api/v1/rounds/close", nil)
	doPost(t, router, "/api/v1/rounds/executing", nil)

	w := doPost(t, router, "/api/v1/rounds/reset", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reset failed: %d %s", w.Code, w.Body.String())
	}

	var round model.Round
	json.Unmarshal(w.Body.Bytes(), &round)
	if round.Status != model.StatusOpen || len(round.Bets) != 0 {
		t.Errorf("expected fresh open round, got %s with %d bets", round.Status, len(round.Bets))
	}
}

// --- Agent stats ---

func TestGetAgentStats(t *testing.T) {
	_, router := newTestEnv(t)

	placeBet(t, router, addrAlice, "alice", "heads", d(10))
	doPost(t, router, "/api/v1/rounds/close", nil)
	doPost(t, router, "/api/v1/rounds/resolve", httpapi.ResolveRequest{Outcome: "heads", FlipTxHash: "0xflip1"})

	// Mixed-case lookup resolves to the same agent.
	w := doGet(t, router, "/api/v1/agents/"+addrAlice+"/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("stats failed: %d %s", w.Code, w.Body.String())
	}

	var stats model.AgentStats
	json.Unmarshal(w.Body.Bytes(), &stats)
	if stats.TotalBets != 1 || stats.Wins != 1 {
		t.Errorf("expected 1 bet / 1 win, got %+v", stats)
	}
	if !stats.TotalWon.Equal(d(10)) {
		t.Errorf("sole winner gets stake back: expected 10, got %s", stats.TotalWon)
	}
}

func TestGetAgentStats_InvalidAddress(t *testing.T) {
	_, router := newTestEnv(t)

	w := doGet(t, router, "/api/v1/agents/bogus/stats")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}
