package engine

import (
	"context"
	"encoding/json"

	"round-engine/internal/model"
	"round-engine/internal/service/fairness"
	"round-engine/internal/service/risk"
	"round-engine/internal/service/round"
	appErr "round-engine/pkg/errors"
	"round-engine/pkg/money"
)

// Verification lets anyone recompute a finished round from its revealed seed.
type Verification struct {
	RoundID        string      `json:"roundId"`
	Game           string      `json:"game"`
	Phase          string      `json:"phase"`
	ServerSeed     string      `json:"serverSeed"`
	CommitmentHash string      `json:"commitmentHash"`
	ClientSeed     string      `json:"clientSeed"`
	CommitmentOK   bool        `json:"commitmentOk"`
	OutcomeOK      bool        `json:"outcomeOk"`
	Outcome        interface{} `json:"outcome"`
}

func (s *Service) VerifyRound(ctx context.Context, roundID string) (*Verification, error) {
	r, err := s.loadRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	var history model.RoundHistory
	if err := s.db.WithContext(ctx).Where("round_id = ?", roundID).Limit(1).Find(&history).Error; err != nil {
		return nil, appErr.Transient(err)
	}
	if history.RoundID == "" {
		return nil, appErr.ErrNotRevealed
	}

	v := &Verification{
		RoundID:        r.ID,
		Game:           r.Game,
		Phase:          r.Phase,
		ServerSeed:     history.ServerSeed,
		CommitmentHash: history.CommitmentHash,
		ClientSeed:     history.ClientSeed,
		CommitmentOK:   fairness.Verify(history.ServerSeed, history.CommitmentHash),
	}
	if round.Phase(r.Phase) != round.PhaseSettled {
		v.Outcome = map[string]interface{}{"aborted": r.AbortReason}
		v.OutcomeOK = v.CommitmentOK
		return v, nil
	}

	switch r.Game {
	case model.GameCrash:
		v.Outcome, v.OutcomeOK = s.verifyCrash(r, history.ServerSeed)
	case model.GameBingo:
		v.Outcome, v.OutcomeOK = verifyBingo(r, history.ServerSeed)
	case model.GameSlots:
		v.Outcome, v.OutcomeOK, err = s.verifySlots(ctx, r, history.ServerSeed)
		if err != nil {
			return nil, err
		}
	}
	v.OutcomeOK = v.OutcomeOK && v.CommitmentOK
	return v, nil
}

func (s *Service) verifyCrash(r *model.Round, seed string) (interface{}, bool) {
	var lock crashLock
	if err := json.Unmarshal(r.FinancialState, &lock); err != nil {
		return nil, false
	}
	maxMult := lock.MaxMultiplier
	if maxMult == 0 {
		maxMult = money.MultiplierFromFloat(s.games.Crash.MaxMultiplier)
	}
	ctrl := s.risk
	if lock.Policy != nil {
		ctrl = risk.NewController(*lock.Policy)
	}
	raw, digest := fairness.CrashPoint(seed, crashSalt(r), maxMult)
	adj := ctrl.AdjustCrash(raw, lock.State, fairness.NewRoller(seed, recoverySalt(r.ID)), lock.LastRecovery)
	outcome := map[string]interface{}{
		"digest":     digest,
		"raw":        raw.String(),
		"crashPoint": adj.Final.String(),
		"recovery":   adj.RecoveryApplied,
		"state":      lock.State,
	}
	return outcome, int64(raw) == r.RawOutcome && int64(adj.Final) == r.CrashPoint
}

func verifyBingo(r *model.Round, seed string) (interface{}, bool) {
	var stored []int
	if err := json.Unmarshal(r.DrawSequence, &stored); err != nil || len(stored) == 0 {
		return nil, false
	}
	balls, finalHash := fairness.ShuffleBalls(seed, r.ID, r.ClientSeed, len(stored))
	ok := len(balls) == len(stored)
	for i := 0; ok && i < len(balls); i++ {
		ok = balls[i] == stored[i]
	}
	drawn := r.DrawIndex
	if drawn > len(balls) {
		drawn = len(balls)
	}
	return map[string]interface{}{"called": balls[:drawn], "finalHash": finalHash}, ok
}

func (s *Service) verifySlots(ctx context.Context, r *model.Round, seed string) (interface{}, bool, error) {
	stakes, err := s.settle.Stakes(ctx, r.ID)
	if err != nil {
		return nil, false, appErr.Transient(err)
	}
	table := payTable(s.games.Slots)
	var res slotsResolution
	if len(r.FinancialState) > 0 && json.Unmarshal(r.FinancialState, &res) == nil && len(res.PayTable.Tiers) > 0 {
		table = res.PayTable
	}
	spins := make([]slotSpin, 0, len(stakes))
	ok := true
	for _, st := range stakes {
		if st.Status == model.StakeRefunded {
			continue
		}
		tier, digest := fairness.SlotTier(seed, r.ClientSeed, st.ParticipantID, table)
		if tier.Name != st.Tier {
			ok = false
		}
		spins = append(spins, slotSpin{StakeID: st.ID, ParticipantID: st.ParticipantID, Tier: tier.Name, Digest: digest})
	}
	return spins, ok, nil
}
