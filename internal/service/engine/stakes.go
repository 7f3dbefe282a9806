package engine

import (
	"context"

	"round-engine/internal/model"
	"round-engine/internal/service/settlement"
	appErr "round-engine/pkg/errors"
	"round-engine/pkg/money"
)

type StakeInput struct {
	Amount int64
	ExitAt money.Multiplier
}

// PlaceStake joins the game's current round.
func (s *Service) PlaceStake(ctx context.Context, game string, participantID int64, in StakeInput) (*model.Stake, error) {
	r, err := s.CurrentRound(ctx, game)
	if err != nil {
		return nil, err
	}
	stake, err := s.settle.AcceptStake(ctx, settlement.StakeRequest{
		RoundID:       r.ID,
		ParticipantID: participantID,
		Amount:        in.Amount,
		ExitAt:        in.ExitAt,
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, game, []event{{kind: "stake", data: map[string]interface{}{
		"roundId":       r.ID,
		"participantId": participantID,
		"amount":        stake.Amount,
	}}})
	return stake, nil
}

func (s *Service) CancelStake(ctx context.Context, game, roundID string, participantID int64) error {
	if err := s.checkGame(ctx, game, roundID); err != nil {
		return err
	}
	if err := s.settle.CancelStake(ctx, roundID, participantID); err != nil {
		return err
	}
	s.publish(ctx, game, []event{{kind: "stake_cancelled", data: map[string]interface{}{
		"roundId":       roundID,
		"participantId": participantID,
	}}})
	return nil
}

// AdjustConditionalExit sets or clears (threshold 0) an automatic exit.
func (s *Service) AdjustConditionalExit(ctx context.Context, game, roundID string, participantID int64, threshold money.Multiplier) error {
	if err := s.checkGame(ctx, game, roundID); err != nil {
		return err
	}
	return s.settle.AdjustExit(ctx, roundID, participantID, threshold)
}

func (s *Service) checkGame(ctx context.Context, game, roundID string) error {
	if !model.ValidGame(game) {
		return appErr.ErrInvalidGame
	}
	r, err := s.loadRound(ctx, roundID)
	if err != nil {
		return err
	}
	if r.Game != game {
		return appErr.ErrRoundNotFound
	}
	return nil
}
