package engine

import (
	"context"
	"time"

	"round-engine/internal/model"
	"round-engine/internal/service/fairness"
	"round-engine/internal/service/risk"
	"round-engine/internal/service/round"
	"round-engine/internal/service/settlement"
	appErr "round-engine/pkg/errors"
	"round-engine/pkg/money"

	"go.uber.org/zap"
)

// crashLock is what the round records about the ledger and the policy in
// force at lock time. It is enough to recompute the adjusted crash point
// after reveal.
type crashLock struct {
	State         risk.FinancialState `json:"state"`
	LastRecovery  money.Multiplier    `json:"lastRecovery"`
	Adjustment    risk.Adjustment     `json:"adjustment"`
	Digest        string              `json:"digest"`
	MaxMultiplier money.Multiplier    `json:"maxMultiplier"`
	Policy        *risk.Policy        `json:"policy,omitempty"`
}

type crashRecord struct {
	Raw        string `json:"raw"`
	CrashPoint string `json:"crashPoint"`
	Recovery   bool   `json:"recovery"`
	Band       int    `json:"band"`
	RunMs      int64  `json:"runMs"`
}

func crashSalt(r *model.Round) string {
	if r.ClientSeed != "" {
		return r.ClientSeed
	}
	return r.ID
}

func recoverySalt(roundID string) string {
	return "recovery:" + roundID
}

// lockCrash fixes the crash point from the seed and the ledger, then starts
// the multiplier.
func (s *Service) lockCrash(st *step) error {
	r := st.round
	cfg := s.games.Crash

	ledger, err := settlement.LedgerTx(st.tx, r.Game, st.now)
	if err != nil {
		return err
	}
	state := risk.Classify(*ledger)
	maxMult := money.MultiplierFromFloat(cfg.MaxMultiplier)
	raw, digest := fairness.CrashPoint(r.ServerSeed, crashSalt(r), maxMult)
	last := money.Multiplier(ledger.LastRecoveryOutcome)
	adj := s.risk.AdjustCrash(raw, state, fairness.NewRoller(r.ServerSeed, recoverySalt(r.ID)), last)

	r.RawOutcome = int64(raw)
	r.CrashPoint = int64(adj.Final)
	r.RecoveryApplied = adj.RecoveryApplied
	r.RecoveryBand = adj.Band
	policy := s.risk.Policy()
	r.FinancialState = mustJSON(crashLock{
		State:         state,
		LastRecovery:  last,
		Adjustment:    adj,
		Digest:        digest,
		MaxMultiplier: maxMult,
		Policy:        &policy,
	})
	r.RunDurationMs = round.RunDuration(adj.Final, cfg.Growth).Milliseconds()
	if err := round.Transition(r, round.PhaseRunning, st.now); err != nil {
		return err
	}
	if err := st.tx.Save(r).Error; err != nil {
		return appErr.Transient(err)
	}
	if err := s.scheduleNext(st, st.now); err != nil {
		return err
	}

	st.log.Info("crash round running",
		zap.Bool("recovery", adj.RecoveryApplied),
		zap.Bool("rtpCapped", adj.RTPCapped),
		zap.Int64("runMs", r.RunDurationMs),
	)
	st.emit("round_running", map[string]interface{}{"roundId": r.ID, "startedAt": st.now})
	return nil
}

// runCrashTicks pays automatic exits as the multiplier climbs. It stops at
// the crash time or when the step's execution budget is spent and reports
// whether the round has crashed.
func (s *Service) runCrashTicks(ctx context.Context, r *model.Round) (bool, error) {
	if r.StartedAt == nil {
		return false, appErr.Fatal(appErr.ErrSettlementState.Code, appErr.ErrSettlementState)
	}
	cfg := s.games.Crash
	start := *r.StartedAt
	crashAt := start.Add(time.Duration(r.RunDurationMs) * time.Millisecond)
	deadline := s.clock.Now().Add(s.cfg.ExecutionBudget)
	tick := time.Duration(r.TickIntervalMs) * time.Millisecond
	if tick <= 0 {
		tick = cfg.TickInterval
	}

	for {
		now := s.clock.Now()
		if !now.Before(crashAt) {
			return true, s.autoExits(ctx, r, money.Multiplier(r.CrashPoint))
		}
		if !now.Before(deadline) {
			return false, nil
		}

		current := round.MultiplierAt(now.Sub(start), cfg.Growth)
		if err := s.autoExits(ctx, r, current); err != nil {
			return false, err
		}
		s.hub.Publish(r.Game, "tick", map[string]interface{}{
			"roundId":    r.ID,
			"multiplier": current.String(),
		})

		wait := tick
		if rest := crashAt.Sub(now); rest < wait {
			wait = rest
		}
		if rest := deadline.Sub(now); rest < wait {
			wait = rest
		}
		if err := s.clock.Sleep(ctx, wait); err != nil {
			return false, appErr.Transient(err)
		}
	}
}

func (s *Service) autoExits(ctx context.Context, r *model.Round, current money.Multiplier) error {
	exits, err := s.settle.SettleAutoExits(ctx, r.ID, current)
	if err != nil {
		return err
	}
	for _, exit := range exits {
		s.hub.Publish(r.Game, "exit", map[string]interface{}{
			"roundId":       r.ID,
			"participantId": exit.ParticipantID,
			"multiplier":    exit.Multiplier.String(),
			"payout":        exit.Payout,
			"reason":        "auto",
		})
	}
	return nil
}

// continueCrash settles a crashed round or hands the run to the next step.
func (s *Service) continueCrash(st *step, crashed bool) error {
	r := st.round
	if !crashed {
		return s.scheduleNext(st, st.now)
	}

	crash := money.Multiplier(r.CrashPoint)
	st.log.Info("crashed", zap.String("at", crash.String()))
	st.emit("crashed", map[string]interface{}{"roundId": r.ID, "crashPoint": crash.String()})
	if err := round.Transition(r, round.PhaseResolving, st.now); err != nil {
		return err
	}
	return s.settleAndChain(st, settlement.RoundOutcome{
		CrashPoint: crash,
		Record: crashRecord{
			Raw:        money.Multiplier(r.RawOutcome).String(),
			CrashPoint: crash.String(),
			Recovery:   r.RecoveryApplied,
			Band:       r.RecoveryBand,
			RunMs:      r.RunDurationMs,
		},
	})
}

type ExitReceipt struct {
	RoundID    string `json:"roundId"`
	Multiplier string `json:"multiplier"`
	Payout     int64  `json:"payout"`
}

// RequestExit cashes a participant out of a running crash round at the
// multiplier reached now.
func (s *Service) RequestExit(ctx context.Context, roundID string, participantID int64) (*ExitReceipt, error) {
	r, err := s.loadRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if r.Game != model.GameCrash {
		return nil, appErr.ErrExitNotSupported
	}
	if round.Phase(r.Phase) != round.PhaseRunning || r.StartedAt == nil {
		return nil, appErr.ErrRoundNotRunning
	}
	current := round.MultiplierAt(s.clock.Now().Sub(*r.StartedAt), s.games.Crash.Growth)
	if int64(current) >= r.CrashPoint {
		return nil, appErr.ErrRoundCrashed
	}

	payout, err := s.settle.SettleParticipant(ctx, settlement.ExitRequest{
		RoundID:       roundID,
		ParticipantID: participantID,
		Multiplier:    current,
		Reason:        "manual",
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, r.Game, []event{{kind: "exit", data: map[string]interface{}{
		"roundId":       roundID,
		"participantId": participantID,
		"multiplier":    current.String(),
		"payout":        payout,
		"reason":        "manual",
	}}})
	return &ExitReceipt{RoundID: roundID, Multiplier: current.String(), Payout: payout}, nil
}
