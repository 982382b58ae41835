// Package model defines the core domain types shared across the flip engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Round statuses. A round moves strictly forward:
// open → closed → executing → resolved.
const (
	StatusOpen      = "open"
	StatusClosed    = "closed"
	StatusExecuting = "executing"
	StatusResolved  = "resolved"
)

// Outcome is one side of the coin.
type Outcome string

const (
	OutcomeHeads Outcome = "heads"
	OutcomeTails Outcome = "tails"
)

// ErrInvalidOutcome is returned when a prediction or result is neither
// "heads" nor "tails".
var ErrInvalidOutcome = errors.New("model: outcome must be heads or tails")

// ParseOutcome validates and normalizes an outcome string.
func ParseOutcome(s string) (Outcome, error) {
	switch Outcome(strings.ToLower(strings.TrimSpace(s))) {
	case OutcomeHeads:
		return OutcomeHeads, nil
	case OutcomeTails:
		return OutcomeTails, nil
	}
	return "", ErrInvalidOutcome
}

// Bet is one agent's wager in a round. Bets are created once when accepted
// and never modified or deleted afterward.
type Bet struct {
	ID           string          `json:"id"`
	RoundID      string          `json:"round_id"`
	AgentAddress string          `json:"agent_address"` // normalized lower-case
	AgentName    string          `json:"agent_name"`
	Prediction   Outcome         `json:"prediction"`
	Amount       decimal.Decimal `json:"amount"`
	PlacedAt     time.Time       `json:"placed_at"`
}

// Round is one time-boxed betting period. TotalHeads and TotalTails always
// equal the sum of bet amounts on each side; they are updated in the same
// write as bet insertion.
type Round struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	ClosesAt   time.Time       `json:"closes_at"`
	Bets       []Bet           `json:"bets"`
	TotalHeads decimal.Decimal `json:"total_heads"`
	TotalTails decimal.Decimal `json:"total_tails"`
	Result     Outcome         `json:"result,omitempty"`
	FlipTxHash string          `json:"flip_tx_hash,omitempty"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

// RoundID derives the identifier for the round starting at t: one round
// per UTC hour bucket. Two creations inside the same hour produce the same
// id, so a racing duplicate write converges on the same record shape.
func RoundID(t time.Time) string {
	return "round-" + t.UTC().Format("20060102-15")
}

// BetFor returns the bet placed by address in this round, or nil.
// The comparison is case-insensitive.
func (r *Round) BetFor(address string) *Bet {
	addr := strings.ToLower(address)
	for i := range r.Bets {
		if r.Bets[i].AgentAddress == addr {
			return &r.Bets[i]
		}
	}
	return nil
}

// TotalPool returns the combined stake on both sides.
func (r *Round) TotalPool() decimal.Decimal {
	return r.TotalHeads.Add(r.TotalTails)
}

// Clone returns a deep copy of the round. Engine mutations operate on a
// clone so an aborted read-modify-write never leaks partial state.
func (r *Round) Clone() *Round {
	cp := *r
	cp.Bets = make([]Bet, len(r.Bets))
	copy(cp.Bets, r.Bets)
	return &cp
}

// Payout is a winner's settlement record, derived during resolution and
// never stored as mutable state.
type Payout struct {
	AgentAddress string          `json:"agent_address"`
	BetAmount    decimal.Decimal `json:"bet_amount"`
	Winnings     decimal.Decimal `json:"winnings"`     // share of the losing pool
	TotalPayout  decimal.Decimal `json:"total_payout"` // bet_amount + winnings
}

// ConsolationPrize is a losing agent's deterministic small reward, derived
// from hashing the flip transaction hash with the agent's address.
type ConsolationPrize struct {
	AgentAddress string          `json:"agent_address"`
	Amount       decimal.Decimal `json:"amount"`
	Multiplier   int64           `json:"multiplier"`
}

// AgentStats is the per-agent running aggregate, keyed by normalized
// address. Updated once per resolved round per participating agent.
type AgentStats struct {
	AgentAddress string          `json:"agent_address"`
	TotalBets    int64           `json:"total_bets"`
	Wins         int64           `json:"wins"`
	Losses       int64           `json:"losses"`
	TotalWagered decimal.Decimal `json:"total_wagered"`
	TotalWon     decimal.Decimal `json:"total_won"`
}

// RoundResult aggregates everything computed when a round resolves.
type RoundResult struct {
	RoundID       string             `json:"round_id"`
	Result        Outcome            `json:"result"`
	FlipTxHash    string             `json:"flip_tx_hash"`
	TotalPool     decimal.Decimal    `json:"total_pool"`
	HeadsBets     int                `json:"heads_bets"`
	TailsBets     int                `json:"tails_bets"`
	Winners       []Payout           `json:"winners"`
	Losers        []string           `json:"losers"`
	Consolations  []ConsolationPrize `json:"consolations"`
	UnclaimedPool decimal.Decimal    `json:"unclaimed_pool"` // full pool when nobody won
	Dust          decimal.Decimal    `json:"dust"`           // floor-division remainder left in the pool
	PoolPolicy    string             `json:"pool_policy"`    // configured disposition of unclaimed funds
	ResolvedAt    time.Time          `json:"resolved_at"`
}
