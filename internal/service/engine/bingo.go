package engine

import (
	"encoding/json"
	"fmt"

	"round-engine/internal/service/fairness"
	"round-engine/internal/service/round"
	"round-engine/internal/service/settlement"
	appErr "round-engine/pkg/errors"

	"go.uber.org/zap"
)

type bingoRecord struct {
	Called    []int  `json:"called"`
	Drawn     int    `json:"drawn"`
	FinalHash string `json:"finalHash"`
}

// lockBingo derives the whole draw order up front; steps only reveal it.
func (s *Service) lockBingo(st *step) error {
	r := st.round
	balls, _ := fairness.ShuffleBalls(r.ServerSeed, r.ID, r.ClientSeed, s.games.Bingo.Balls)
	r.DrawSequence = mustJSON(balls)
	r.DrawIndex = 0
	if err := round.Transition(r, round.PhaseRunning, st.now); err != nil {
		return err
	}
	if err := st.tx.Save(r).Error; err != nil {
		return appErr.Transient(err)
	}
	if err := s.scheduleNext(st, st.now.Add(s.games.Bingo.BallInterval)); err != nil {
		return err
	}
	st.log.Info("bingo round running", zap.Int("balls", len(balls)))
	st.emit("round_running", map[string]interface{}{"roundId": r.ID, "startedAt": st.now})
	return nil
}

// drawBall calls the next ball. A completed card or an empty drum settles.
func (s *Service) drawBall(st *step) error {
	r := st.round
	var balls []int
	if err := json.Unmarshal(r.DrawSequence, &balls); err != nil || len(balls) == 0 {
		return appErr.Fatal(appErr.ErrSettlementState.Code, fmt.Errorf("round %s has no draw sequence", r.ID))
	}

	if r.DrawIndex < len(balls) {
		ball := balls[r.DrawIndex]
		r.DrawIndex++
		st.emit("ball", map[string]interface{}{
			"roundId": r.ID,
			"ball":    ball,
			"index":   r.DrawIndex,
		})
	}
	called := balls[:r.DrawIndex]

	stakes, err := settlement.ActiveStakesTx(st.tx, r.ID)
	if err != nil {
		return err
	}
	winners := settlement.BlackoutStakes(stakes, called)
	if len(winners) == 0 && r.DrawIndex < len(balls) {
		if err := st.tx.Save(r).Error; err != nil {
			return appErr.Transient(err)
		}
		return s.scheduleNext(st, st.now.Add(s.games.Bingo.BallInterval))
	}

	st.log.Info("bingo draw finished", zap.Int("drawn", r.DrawIndex), zap.Int("winners", len(winners)))
	if err := round.Transition(r, round.PhaseResolving, st.now); err != nil {
		return err
	}
	_, finalHash := fairness.ShuffleBalls(r.ServerSeed, r.ID, r.ClientSeed, len(balls))
	return s.settleAndChain(st, settlement.RoundOutcome{
		Called: called,
		Record: bingoRecord{Called: called, Drawn: r.DrawIndex, FinalHash: finalHash},
	})
}
