package engine

import (
	"strings"

	"round-engine/internal/config"
	"round-engine/internal/service/fairness"
	"round-engine/internal/service/round"
	"round-engine/internal/service/settlement"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const jackpotTier = "JACKPOT"

type slotSpin struct {
	StakeID       string `json:"stakeId"`
	ParticipantID int64  `json:"participantId"`
	Tier          string `json:"tier"`
	Digest        string `json:"digest"`
}

// slotsResolution records the pay table a round was spun against.
type slotsResolution struct {
	PayTable fairness.PayTable `json:"payTable"`
}

func payTable(c config.SlotsConfig) fairness.PayTable {
	tiers := make([]fairness.PayTier, 0, len(c.PayTable))
	for _, t := range c.PayTable {
		tiers = append(tiers, fairness.PayTier{
			Name:        t.Name,
			Percent:     decimal.NewFromFloat(t.Percent),
			Probability: t.Probability,
			Jackpot:     strings.EqualFold(t.Name, jackpotTier),
		})
	}
	return fairness.PayTable{Tiers: tiers, JackpotProbability: c.JackpotProbability}
}

// resolveSlots spins once per stake, keyed by participant, and settles
// against the shared pool in the same step.
func (s *Service) resolveSlots(st *step) error {
	r := st.round
	if err := round.Transition(r, round.PhaseResolving, st.now); err != nil {
		return err
	}
	stakes, err := settlement.ActiveStakesTx(st.tx, r.ID)
	if err != nil {
		return err
	}

	table := payTable(s.games.Slots)
	r.FinancialState = mustJSON(slotsResolution{PayTable: table})
	tiers := make(map[string]fairness.PayTier, len(stakes))
	spins := make([]slotSpin, 0, len(stakes))
	for _, stake := range stakes {
		tier, digest := fairness.SlotTier(r.ServerSeed, r.ClientSeed, stake.ParticipantID, table)
		tiers[stake.ID] = tier
		spins = append(spins, slotSpin{
			StakeID:       stake.ID,
			ParticipantID: stake.ParticipantID,
			Tier:          tier.Name,
			Digest:        digest,
		})
	}
	st.log.Info("slots spun", zap.Int("spins", len(spins)))
	st.emit("spins", map[string]interface{}{"roundId": r.ID, "spins": spins})
	return s.settleAndChain(st, settlement.RoundOutcome{Tiers: tiers, Record: spins})
}
