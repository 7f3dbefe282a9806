package settlement

import (
	"encoding/json"
	"fmt"
	"time"

	"round-engine/internal/model"
	"round-engine/internal/service/fairness"
	"round-engine/internal/service/risk"
	"round-engine/internal/service/round"
	appErr "round-engine/pkg/errors"
	"round-engine/pkg/money"

	"gorm.io/gorm"
)

// RoundOutcome is the resolved result a round settles against.
type RoundOutcome struct {
	CrashPoint money.Multiplier
	Called     []int
	Tiers      map[string]fairness.PayTier // slots, by stake id
	Record     interface{}                 // stored verbatim in history
}

type ParticipantResult struct {
	StakeID       string `json:"stakeId"`
	ParticipantID int64  `json:"participantId"`
	Amount        int64  `json:"amount"`
	Result        int64  `json:"result"`
	Status        string `json:"status"`
	Tier          string `json:"tier,omitempty"`
	Multiplier    int64  `json:"multiplier,omitempty"`
}

type PoolMovement struct {
	Before      int64 `json:"before"`
	Paid        int64 `json:"paid"`
	After       int64 `json:"after"`
	HouseDelta  int64 `json:"houseDelta"`
	FloorReset  bool  `json:"floorReset"`
	HouseCut    int64 `json:"houseCut,omitempty"`
	Dust        int64 `json:"dust,omitempty"`
	WinnerCount int   `json:"winnerCount,omitempty"`
}

type Summary struct {
	RoundID  string              `json:"roundId"`
	Game     string              `json:"game"`
	TotalIn  int64               `json:"totalIn"`
	TotalOut int64               `json:"totalOut"`
	Results  []ParticipantResult `json:"results"`
	Pool     *PoolMovement       `json:"pool,omitempty"`
}

// SettleRoundTx resolves every remaining stake of r, reveals the seed,
// appends history and rolls the ledger forward. It runs inside the
// caller's step transaction; r must be resolving and locked.
func (s *Service) SettleRoundTx(tx *gorm.DB, r *model.Round, outcome RoundOutcome, now time.Time) (*Summary, error) {
	if round.Phase(r.Phase) != round.PhaseResolving {
		return nil, fmt.Errorf("%w: settle from %s", appErr.ErrIllegalTransition, r.Phase)
	}

	var stakes []model.Stake
	if err := tx.Where("round_id = ?", r.ID).
		Order("created_at ASC, id ASC").
		Find(&stakes).Error; err != nil {
		return nil, appErr.Transient(err)
	}

	wallets := newWalletBook(tx, r.Game, r.ID)
	var pool *PoolMovement
	var err error
	switch r.Game {
	case model.GameCrash:
		err = s.settleCrash(stakes)
	case model.GameBingo:
		pool, err = s.settleBingo(tx, wallets, stakes, outcome, now)
	case model.GameSlots:
		pool, err = s.settleSlots(tx, wallets, stakes, outcome, now)
	default:
		err = appErr.ErrInvalidGame
	}
	if err != nil {
		return nil, err
	}

	summary := &Summary{RoundID: r.ID, Game: r.Game, Pool: pool}
	for i := range stakes {
		st := &stakes[i]
		if st.Status == model.StakeRefunded {
			continue
		}
		if st.Status == model.StakeActive || st.ResultAmount == nil {
			return nil, appErr.Fatal(appErr.ErrSettlementState.Code,
				fmt.Errorf("stake %s left unresolved", st.ID))
		}
		if err := tx.Model(&model.Stake{}).Where("id = ?", st.ID).Updates(map[string]interface{}{
			"status":        st.Status,
			"result_amount": *st.ResultAmount,
			"tier":          st.Tier,
			"settled_at":    now,
		}).Error; err != nil {
			return nil, appErr.Transient(err)
		}
		summary.TotalIn += st.Amount
		summary.TotalOut += *st.ResultAmount
		summary.Results = append(summary.Results, ParticipantResult{
			StakeID:       st.ID,
			ParticipantID: st.ParticipantID,
			Amount:        st.Amount,
			Result:        *st.ResultAmount,
			Status:        st.Status,
			Tier:          st.Tier,
			Multiplier:    st.ExitMultiplier,
		})
	}

	if err := wallets.SaveAll(now); err != nil {
		return nil, err
	}
	if err := s.rollLedger(tx, r, summary, now); err != nil {
		return nil, err
	}

	if err := round.Transition(r, round.PhaseSettled, now); err != nil {
		return nil, err
	}
	r.Revealed = true
	if err := tx.Save(r).Error; err != nil {
		return nil, appErr.Transient(err)
	}

	history := model.RoundHistory{
		RoundID:        r.ID,
		Game:           r.Game,
		ServerSeed:     r.ServerSeed,
		CommitmentHash: r.CommitmentHash,
		ClientSeed:     r.ClientSeed,
		OutcomeJSON:    mustJSON(outcome.Record),
		ResultsJSON:    mustJSON(summary.Results),
		PoolJSON:       mustJSON(pool),
		TotalIn:        summary.TotalIn,
		TotalOut:       summary.TotalOut,
		CreatedAt:      now,
	}
	if err := tx.Create(&history).Error; err != nil {
		return nil, appErr.Transient(err)
	}
	return summary, nil
}

// settleCrash marks every stake that never exited as lost.
func (s *Service) settleCrash(stakes []model.Stake) error {
	for i := range stakes {
		if stakes[i].Status != model.StakeActive {
			continue
		}
		zero := int64(0)
		stakes[i].Status = model.StakeLost
		stakes[i].ResultAmount = &zero
	}
	return nil
}

// settleBingo splits the pot minus the house cut equally across blackout
// cards. Rounding dust goes to the house.
func (s *Service) settleBingo(tx *gorm.DB, wallets *walletBook, stakes []model.Stake, outcome RoundOutcome, now time.Time) (*PoolMovement, error) {
	var pot int64
	for _, st := range stakes {
		if st.Status == model.StakeActive {
			pot += st.Amount
		}
	}
	winners := BlackoutStakes(stakes, outcome.Called)

	cut := houseCut(s.games.Bingo.HouseCut, pot)
	prize := pot - cut
	move := &PoolMovement{Before: pot, HouseCut: cut, WinnerCount: len(winners)}

	var share, dust int64
	if len(winners) > 0 {
		share = prize / int64(len(winners))
		dust = prize - share*int64(len(winners))
	} else {
		dust = prize
	}
	move.Dust = dust
	move.Paid = share * int64(len(winners))
	move.HouseDelta = cut + dust

	isWinner := make(map[string]bool, len(winners))
	for _, w := range winners {
		isWinner[w.ID] = true
	}
	for i := range stakes {
		st := &stakes[i]
		if st.Status != model.StakeActive {
			continue
		}
		result := int64(0)
		st.Status = model.StakeLost
		if isWinner[st.ID] {
			result = share
			if result > 0 {
				st.Status = model.StakeExited
				if err := wallets.Credit(st.ParticipantID, result, logPayout, map[string]interface{}{
					"stakeId": st.ID,
					"winners": len(winners),
				}); err != nil {
					return nil, err
				}
			}
		}
		st.ResultAmount = &result
	}

	if move.HouseDelta > 0 {
		p, err := s.lockPool(tx, model.GameBingo, now)
		if err != nil {
			return nil, err
		}
		p.HouseBalance += move.HouseDelta
		p.UpdatedAt = now
		if err := tx.Save(p).Error; err != nil {
			return nil, appErr.Transient(err)
		}
	}
	return move, nil
}

// settleSlots pays each stake its tier percentage of the shared pool in
// stake order. A jackpot resets the pool to its floor; the house absorbs
// the difference either way.
func (s *Service) settleSlots(tx *gorm.DB, wallets *walletBook, stakes []model.Stake, outcome RoundOutcome, now time.Time) (*PoolMovement, error) {
	pool, err := s.lockPool(tx, model.GameSlots, now)
	if err != nil {
		return nil, err
	}
	if pool.Balance < 0 {
		return nil, appErr.Fatal(appErr.ErrNegativePool.Code, appErr.ErrNegativePool)
	}
	move := &PoolMovement{Before: pool.Balance}
	limits := s.limitsFor(model.GameSlots)

	for i := range stakes {
		st := &stakes[i]
		if st.Status != model.StakeActive {
			continue
		}
		tier, ok := outcome.Tiers[st.ID]
		if !ok {
			return nil, appErr.Fatal(appErr.ErrSettlementState.Code,
				fmt.Errorf("no tier for stake %s", st.ID))
		}
		st.Tier = tier.Name

		payout := risk.CapPayout(money.Percent(pool.Balance, tier.Percent), limits)
		pool.Balance -= payout
		if pool.Balance < 0 {
			return nil, appErr.Fatal(appErr.ErrNegativePool.Code, appErr.ErrNegativePool)
		}
		if tier.Jackpot {
			move.HouseDelta += pool.Balance - pool.Floor
			pool.HouseBalance += pool.Balance - pool.Floor
			pool.Balance = pool.Floor
			move.FloorReset = true
		}
		move.Paid += payout

		result := payout
		st.ResultAmount = &result
		st.Status = model.StakeLost
		if payout > 0 {
			st.Status = model.StakeExited
			if err := wallets.Credit(st.ParticipantID, payout, logPayout, map[string]interface{}{
				"stakeId": st.ID,
				"tier":    tier.Name,
			}); err != nil {
				return nil, err
			}
		}
	}

	move.After = pool.Balance
	pool.UpdatedAt = now
	if err := tx.Save(pool).Error; err != nil {
		return nil, appErr.Transient(err)
	}
	return move, nil
}

// rollLedger adds the round to the per-game ledger and steps the recovery
// cooldown.
func (s *Service) rollLedger(tx *gorm.DB, r *model.Round, summary *Summary, now time.Time) error {
	ledger, err := lockLedger(tx, r.Game, now)
	if err != nil {
		return err
	}
	wasNegative := ledger.NetProfit < 0

	ledger.TotalIn += summary.TotalIn
	ledger.TotalOut += summary.TotalOut
	ledger.NetProfit = ledger.TotalIn - ledger.TotalOut
	ledger.RoundsSettled++

	switch {
	case wasNegative && ledger.NetProfit >= 0:
		ledger.RecoveryCooldownRemaining = s.cooldownFor(r.Game)
	case ledger.RecoveryCooldownRemaining > 0:
		ledger.RecoveryCooldownRemaining--
	}
	if r.RecoveryApplied {
		ledger.LastRecoveryOutcome = r.CrashPoint
	}
	ledger.UpdatedAt = now
	return wrapDB(tx.Save(ledger).Error)
}

func (s *Service) cooldownFor(game string) int {
	if game == model.GameCrash {
		return s.games.Crash.RecoveryCooldown
	}
	return 0
}

// BlackoutStakes returns the active stakes whose every card number has been
// called.
func BlackoutStakes(stakes []model.Stake, called []int) []model.Stake {
	seen := make(map[int]bool, len(called))
	for _, n := range called {
		seen[n] = true
	}
	var winners []model.Stake
	for _, st := range stakes {
		if st.Status != model.StakeActive {
			continue
		}
		var card []int
		if err := json.Unmarshal(st.CardNumbers, &card); err != nil || len(card) == 0 {
			continue
		}
		complete := true
		for _, n := range card {
			if !seen[n] {
				complete = false
				break
			}
		}
		if complete {
			winners = append(winners, st)
		}
	}
	return winners
}

// ActiveStakesTx loads the still-active stakes of a round inside tx.
func ActiveStakesTx(tx *gorm.DB, roundID string) ([]model.Stake, error) {
	var stakes []model.Stake
	if err := tx.Where("round_id = ? AND status = ?", roundID, model.StakeActive).
		Order("created_at ASC, id ASC").
		Find(&stakes).Error; err != nil {
		return nil, appErr.Transient(err)
	}
	return stakes, nil
}
