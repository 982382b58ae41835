// Package payout implements parimutuel settlement for resolved flip rounds.
//
// Settlement is a pure function of (round, outcome): the losing pool is
// distributed pro-rata among winners by stake size. Division is performed
// on integer minor units (10^-18 of the display unit) with floor rounding,
// so the distributed total never exceeds the losing pool; the remainder
// ("dust") is reported explicitly rather than silently dropped.
//
// Consolation prizes are deterministic: each loser's multiplier is derived
// from SHA-256(txRef || address), so the same flip transaction always
// yields the same prizes regardless of call order or wall-clock time.
//
// All monetary values use shopspring/decimal — never float64 for money.
package payout

import (
	"crypto/sha256"
	"encoding/binary"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/empowertours/flip-engine/internal/model"
)

// minorExp is the fixed-point scale: amounts are handled internally as
// integer counts of 10^-18 units.
const minorExp = 18

// Settlement is the result of distributing a round's pools for one outcome.
type Settlement struct {
	Winners       []model.Payout
	Losers        []string // normalized addresses, no payout
	HeadsBets     int
	TailsBets     int
	WinningPool   decimal.Decimal
	LosingPool    decimal.Decimal
	Dust          decimal.Decimal // losingPool - Σ winnings, floor-division remainder
	UnclaimedPool decimal.Decimal // full pool when the winning side had no bets
}

// toMinor converts a decimal amount to integer minor units, truncating any
// precision beyond 18 decimal places.
func toMinor(d decimal.Decimal) *big.Int {
	return d.Shift(minorExp).Truncate(0).BigInt()
}

// fromMinor converts integer minor units back to a decimal amount.
func fromMinor(x *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(x, -minorExp)
}

// Settle partitions the round's bets by the outcome and computes each
// winner's proportional share of the losing pool:
//
//	winnings = losingPool * stake / winningPool  (floor division)
//	totalPayout = stake + winnings
//
// If nobody bet on the winning side, Winners is empty and the whole pool
// is reported as UnclaimedPool; the engine never redistributes it.
func Settle(round *model.Round, outcome model.Outcome) Settlement {
	var s Settlement

	winningPool := new(big.Int)
	losingPool := new(big.Int)
	var winners []model.Bet

	for _, b := range round.Bets {
		if b.Prediction == model.OutcomeHeads {
			s.HeadsBets++
		} else {
			s.TailsBets++
		}
		if b.Prediction == outcome {
			winners = append(winners, b)
			winningPool.Add(winningPool, toMinor(b.Amount))
		} else {
			s.Losers = append(s.Losers, b.AgentAddress)
			losingPool.Add(losingPool, toMinor(b.Amount))
		}
	}

	s.WinningPool = fromMinor(winningPool)
	s.LosingPool = fromMinor(losingPool)
	s.Winners = []model.Payout{}
	s.Dust = decimal.Zero
	s.UnclaimedPool = decimal.Zero

	if len(winners) == 0 {
		// All-losers round: no payouts are computed here. Disposition of
		// the stranded pool is an operator policy decision.
		s.UnclaimedPool = fromMinor(new(big.Int).Add(winningPool, losingPool))
		return s
	}

	distributed := new(big.Int)
	for _, w := range winners {
		stake := toMinor(w.Amount)

		// winnings = losingPool * stake / winningPool, floored.
		share := new(big.Int).Mul(losingPool, stake)
		share.Quo(share, winningPool)
		distributed.Add(distributed, share)

		winnings := fromMinor(share)
		s.Winners = append(s.Winners, model.Payout{
			AgentAddress: w.AgentAddress,
			BetAmount:    w.Amount,
			Winnings:     winnings,
			TotalPayout:  w.Amount.Add(winnings),
		})
	}

	s.Dust = fromMinor(new(big.Int).Sub(losingPool, distributed))
	return s
}

// ConsolationPrizes computes the deterministic reward for every losing
// bettor in the round. The multiplier is derived from the low-order 64
// bits of SHA-256(txRef || address), reduced modulo maxMultiplier, plus
// one — an integer in [1, maxMultiplier]. The prize is base * multiplier.
func ConsolationPrizes(round *model.Round, outcome model.Outcome, txRef string, base decimal.Decimal, maxMultiplier int64) []model.ConsolationPrize {
	if maxMultiplier < 1 {
		maxMultiplier = 1
	}

	prizes := []model.ConsolationPrize{}
	for _, b := range round.Bets {
		if b.Prediction == outcome {
			continue
		}
		m := multiplier(txRef, b.AgentAddress, maxMultiplier)
		prizes = append(prizes, model.ConsolationPrize{
			AgentAddress: b.AgentAddress,
			Amount:       base.Mul(decimal.NewFromInt(m)),
			Multiplier:   m,
		})
	}
	return prizes
}

// multiplier hashes the flip transaction reference with the agent address
// and folds the low-order 64 bits into [1, max]. Domain-separation inputs
// are exactly (txRef, address) to keep results reproducible across
// implementations.
func multiplier(txRef, address string, max int64) int64 {
	sum := sha256.Sum256([]byte(txRef + address))
	bits := binary.BigEndian.Uint64(sum[len(sum)-8:])
	return int64(bits%uint64(max)) + 1
}
