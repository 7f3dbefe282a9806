package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"round-engine/internal/config"
	"round-engine/internal/model"
	"round-engine/internal/service/risk"
	"round-engine/internal/service/round"
	appErr "round-engine/pkg/errors"
	"round-engine/pkg/money"
	"round-engine/pkg/utils/random"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	logStake  = "stake"
	logCancel = "cancel"
	logPayout = "payout"
	logRefund = "refund"
)

type Service struct {
	db    *gorm.DB
	risk  *risk.Controller
	games config.GamesConfig
	now   func() time.Time
}

func NewService(db *gorm.DB, ctrl *risk.Controller, games config.GamesConfig) *Service {
	return &Service{db: db, risk: ctrl, games: games, now: time.Now}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type StakeRequest struct {
	RoundID       string
	ParticipantID int64
	Amount        int64
	ExitAt        money.Multiplier
}

type ExitRequest struct {
	RoundID       string
	ParticipantID int64
	Multiplier    money.Multiplier
	Reason        string // manual or auto
}

// mutation is what an operation sees inside the settlement transaction.
type mutation struct {
	tx      *gorm.DB
	round   *model.Round
	wallets *walletBook
	now     time.Time
}

// mutate runs op against a locked round and persists every wallet change
// and billing log in the same transaction.
func (s *Service) mutate(ctx context.Context, roundID string, op func(m *mutation) error) error {
	now := s.now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := round.Lock(tx, roundID)
		if err != nil {
			return err
		}
		m := &mutation{tx: tx, round: r, wallets: newWalletBook(tx, r.Game, r.ID), now: now}
		if err := op(m); err != nil {
			return err
		}
		return m.wallets.SaveAll(now)
	})
}

func (s *Service) AcceptStake(ctx context.Context, req StakeRequest) (*model.Stake, error) {
	if req.ParticipantID <= 0 {
		return nil, appErr.ErrUnauthorized
	}
	if req.ExitAt != 0 && req.ExitAt <= money.One {
		return nil, appErr.ErrInvalidExit
	}

	var stake *model.Stake
	err := s.mutate(ctx, req.RoundID, func(m *mutation) error {
		r := m.round
		if req.ExitAt != 0 && r.Game != model.GameCrash {
			return appErr.ErrExitNotSupported
		}
		if err := round.AcceptsStakes(r, m.now); err != nil {
			return err
		}

		existing, err := findStake(m.tx, r.ID, req.ParticipantID)
		if err != nil {
			return err
		}
		if existing != nil {
			return appErr.ErrDuplicateStake
		}

		amount := req.Amount
		if r.Game == model.GameBingo {
			if amount != 0 && amount != s.games.Bingo.CardPrice {
				return fmt.Errorf("%w: a card costs %s", appErr.ErrInvalidAmount, money.Format(s.games.Bingo.CardPrice))
			}
			amount = s.games.Bingo.CardPrice
		}

		ledger, err := lockLedger(m.tx, r.Game, m.now)
		if err != nil {
			return err
		}
		if err := s.risk.BoundStake(amount, risk.Classify(*ledger), s.limitsFor(r.Game)); err != nil {
			return err
		}

		stake = &model.Stake{
			ID:            uuid.NewString(),
			RoundID:       r.ID,
			ParticipantID: req.ParticipantID,
			Game:          r.Game,
			Amount:        amount,
			ExitAt:        int64(req.ExitAt),
			Status:        model.StakeActive,
		}
		if err := m.wallets.Debit(req.ParticipantID, amount, logStake, map[string]interface{}{
			"stakeId": stake.ID,
		}); err != nil {
			return err
		}

		switch r.Game {
		case model.GameBingo:
			card, err := random.BingoCard(s.games.Bingo.Balls)
			if err != nil {
				return appErr.Transient(err)
			}
			stake.CardNumbers = mustJSON(card)
		case model.GameSlots:
			pool, err := s.lockPool(m.tx, r.Game, m.now)
			if err != nil {
				return err
			}
			stake.PoolShare = money.Percent(amount, decimal.NewFromFloat(s.games.Slots.ContributionPercent))
			pool.Balance += stake.PoolShare
			pool.HouseBalance += amount - stake.PoolShare
			pool.UpdatedAt = m.now
			if err := m.tx.Save(pool).Error; err != nil {
				return appErr.Transient(err)
			}
		}

		if err := m.tx.Create(stake).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return appErr.ErrDuplicateStake
			}
			return appErr.Transient(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stake, nil
}

// CancelStake refunds and removes a stake while betting is open.
func (s *Service) CancelStake(ctx context.Context, roundID string, participantID int64) error {
	return s.mutate(ctx, roundID, func(m *mutation) error {
		if round.Phase(m.round.Phase) != round.PhaseOpen {
			return appErr.ErrBettingClosed
		}
		stake, err := findStake(m.tx, roundID, participantID)
		if err != nil {
			return err
		}
		if stake == nil || stake.Status != model.StakeActive {
			return appErr.ErrStakeNotFound
		}

		if err := s.reversePoolShare(m, stake); err != nil {
			return err
		}
		if err := m.wallets.Credit(participantID, stake.Amount, logCancel, map[string]interface{}{
			"stakeId": stake.ID,
		}); err != nil {
			return err
		}
		if err := m.tx.Delete(stake).Error; err != nil {
			return appErr.Transient(err)
		}
		return nil
	})
}

// AdjustExit changes the automatic exit of a crash stake before lock.
// Zero clears it.
func (s *Service) AdjustExit(ctx context.Context, roundID string, participantID int64, exitAt money.Multiplier) error {
	if exitAt != 0 && exitAt <= money.One {
		return appErr.ErrInvalidExit
	}
	return s.mutate(ctx, roundID, func(m *mutation) error {
		if m.round.Game != model.GameCrash {
			return appErr.ErrExitNotSupported
		}
		if round.Phase(m.round.Phase) != round.PhaseOpen {
			return appErr.ErrBettingClosed
		}
		stake, err := findStake(m.tx, roundID, participantID)
		if err != nil {
			return err
		}
		if stake == nil || stake.Status != model.StakeActive {
			return appErr.ErrStakeNotFound
		}
		return wrapDB(m.tx.Model(stake).Update("exit_at", int64(exitAt)).Error)
	})
}

// SettleParticipant pays a crash stake out at req.Multiplier. A stake that
// is already terminal returns its recorded result unchanged.
func (s *Service) SettleParticipant(ctx context.Context, req ExitRequest) (int64, error) {
	var result int64
	err := s.mutate(ctx, req.RoundID, func(m *mutation) error {
		if m.round.Game != model.GameCrash {
			return appErr.ErrExitNotSupported
		}
		stake, err := findStake(m.tx, req.RoundID, req.ParticipantID)
		if err != nil {
			return err
		}
		if stake == nil {
			return appErr.ErrStakeNotFound
		}
		if stake.Status != model.StakeActive {
			if stake.ResultAmount != nil {
				result = *stake.ResultAmount
			}
			return nil
		}
		if round.Phase(m.round.Phase) != round.PhaseRunning {
			return appErr.ErrRoundNotRunning
		}
		if int64(req.Multiplier) >= m.round.CrashPoint {
			return appErr.ErrRoundCrashed
		}
		result, err = s.exit(m, stake, req.Multiplier, req.Reason)
		return err
	})
	return result, err
}

type ExitResult struct {
	StakeID       string           `json:"stakeId"`
	ParticipantID int64            `json:"participantId"`
	Multiplier    money.Multiplier `json:"multiplier"`
	Payout        int64            `json:"payout"`
}

// SettleAutoExits pays every active stake whose automatic exit has been
// reached by current, at its own threshold.
func (s *Service) SettleAutoExits(ctx context.Context, roundID string, current money.Multiplier) ([]ExitResult, error) {
	var results []ExitResult
	err := s.mutate(ctx, roundID, func(m *mutation) error {
		if round.Phase(m.round.Phase) != round.PhaseRunning {
			return appErr.ErrRoundNotRunning
		}
		var stakes []model.Stake
		if err := m.tx.
			Where("round_id = ? AND status = ? AND exit_at > 0 AND exit_at <= ? AND exit_at < ?",
				roundID, model.StakeActive, int64(current), m.round.CrashPoint).
			Order("exit_at ASC, created_at ASC").
			Find(&stakes).Error; err != nil {
			return appErr.Transient(err)
		}
		for i := range stakes {
			payout, err := s.exit(m, &stakes[i], money.Multiplier(stakes[i].ExitAt), "auto")
			if err != nil {
				return err
			}
			results = append(results, ExitResult{
				StakeID:       stakes[i].ID,
				ParticipantID: stakes[i].ParticipantID,
				Multiplier:    money.Multiplier(stakes[i].ExitAt),
				Payout:        payout,
			})
		}
		return nil
	})
	return results, err
}

func (s *Service) exit(m *mutation, stake *model.Stake, at money.Multiplier, reason string) (int64, error) {
	payout := risk.CapPayout(at.Apply(stake.Amount), s.limitsFor(stake.Game))
	if err := m.wallets.Credit(stake.ParticipantID, payout, logPayout, map[string]interface{}{
		"stakeId":    stake.ID,
		"multiplier": at.String(),
		"reason":     reason,
	}); err != nil {
		return 0, err
	}
	res := m.tx.Model(&model.Stake{}).
		Where("id = ? AND status = ?", stake.ID, model.StakeActive).
		Updates(map[string]interface{}{
			"status":          model.StakeExited,
			"result_amount":   payout,
			"exit_multiplier": int64(at),
			"settled_at":      m.now,
		})
	if res.Error != nil {
		return 0, appErr.Transient(res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, appErr.Fatal("double_settlement", fmt.Errorf("stake %s changed under lock", stake.ID))
	}
	stake.Status = model.StakeExited
	stake.ResultAmount = &payout
	stake.ExitMultiplier = int64(at)
	return payout, nil
}

// RefundRound returns every active stake of an aborted round. Stakes that
// already exited stay paid and are booked into the ledger. The history row
// written here makes a second call a no-op.
func (s *Service) RefundRound(ctx context.Context, roundID string) (int, error) {
	refunded := 0
	err := s.mutate(ctx, roundID, func(m *mutation) error {
		if round.Phase(m.round.Phase) != round.PhaseAborted {
			return appErr.ErrRoundNotAborted
		}
		var archived int64
		if err := m.tx.Model(&model.RoundHistory{}).Where("round_id = ?", roundID).Count(&archived).Error; err != nil {
			return appErr.Transient(err)
		}
		if archived > 0 {
			return nil
		}
		var stakes []model.Stake
		if err := m.tx.Where("round_id = ? AND status IN ?", roundID,
			[]string{model.StakeActive, model.StakeExited}).
			Find(&stakes).Error; err != nil {
			return appErr.Transient(err)
		}

		var exitedIn, exitedOut int64
		for i := range stakes {
			stake := &stakes[i]
			if stake.Status == model.StakeExited {
				exitedIn += stake.Amount
				if stake.ResultAmount != nil {
					exitedOut += *stake.ResultAmount
				}
				continue
			}
			if err := s.reversePoolShare(m, stake); err != nil {
				return err
			}
			if err := m.wallets.Credit(stake.ParticipantID, stake.Amount, logRefund, map[string]interface{}{
				"stakeId": stake.ID,
				"reason":  m.round.AbortReason,
			}); err != nil {
				return err
			}
			amount := stake.Amount
			if err := m.tx.Model(stake).Updates(map[string]interface{}{
				"status":        model.StakeRefunded,
				"result_amount": amount,
				"settled_at":    m.now,
			}).Error; err != nil {
				return appErr.Transient(err)
			}
			refunded++
		}

		if exitedIn != 0 || exitedOut != 0 {
			ledger, err := lockLedger(m.tx, m.round.Game, m.now)
			if err != nil {
				return err
			}
			ledger.TotalIn += exitedIn
			ledger.TotalOut += exitedOut
			ledger.NetProfit = ledger.TotalIn - ledger.TotalOut
			ledger.UpdatedAt = m.now
			if err := m.tx.Save(ledger).Error; err != nil {
				return appErr.Transient(err)
			}
		}

		m.round.Revealed = true
		if err := m.tx.Model(m.round).Update("revealed", true).Error; err != nil {
			return appErr.Transient(err)
		}
		return wrapDB(m.tx.Create(&model.RoundHistory{
			RoundID:        m.round.ID,
			Game:           m.round.Game,
			ServerSeed:     m.round.ServerSeed,
			CommitmentHash: m.round.CommitmentHash,
			ClientSeed:     m.round.ClientSeed,
			OutcomeJSON:    mustJSON(map[string]interface{}{"aborted": m.round.AbortReason}),
			ResultsJSON:    mustJSON(map[string]interface{}{"refunded": refunded}),
			PoolJSON:       mustJSON(nil),
			TotalIn:        exitedIn,
			TotalOut:       exitedOut,
			CreatedAt:      m.now,
		}).Error)
	})
	return refunded, err
}

func (s *Service) reversePoolShare(m *mutation, stake *model.Stake) error {
	if stake.Game != model.GameSlots {
		return nil
	}
	pool, err := s.lockPool(m.tx, stake.Game, m.now)
	if err != nil {
		return err
	}
	pool.Balance -= stake.PoolShare
	pool.HouseBalance -= stake.Amount - stake.PoolShare
	if pool.Balance < 0 {
		return appErr.Fatal(appErr.ErrNegativePool.Code, appErr.ErrNegativePool)
	}
	pool.UpdatedAt = m.now
	return wrapDB(m.tx.Save(pool).Error)
}

// Stakes lists the stakes of a round, for snapshots and tests.
func (s *Service) Stakes(ctx context.Context, roundID string) ([]model.Stake, error) {
	var stakes []model.Stake
	err := s.db.WithContext(ctx).
		Where("round_id = ?", roundID).
		Order("created_at ASC, id ASC").
		Find(&stakes).Error
	return stakes, err
}

func (s *Service) Ledger(ctx context.Context, game string) (*model.LedgerSnapshot, error) {
	var ledger model.LedgerSnapshot
	err := s.db.WithContext(ctx).Where("game = ?", game).Limit(1).Find(&ledger).Error
	if err != nil {
		return nil, err
	}
	ledger.Game = game
	return &ledger, nil
}

func (s *Service) Pool(ctx context.Context, game string) (*model.PrizePool, error) {
	var pool model.PrizePool
	err := s.db.WithContext(ctx).Where("game = ?", game).Limit(1).Find(&pool).Error
	if err != nil {
		return nil, err
	}
	if pool.Game == "" {
		pool = model.PrizePool{Game: game, Balance: s.floorFor(game), Floor: s.floorFor(game)}
	}
	return &pool, nil
}

func (s *Service) limitsFor(game string) risk.Limits {
	var l config.StakeLimits
	switch game {
	case model.GameCrash:
		l = s.games.Crash.Limits
	case model.GameBingo:
		l = s.games.Bingo.Limits
	case model.GameSlots:
		l = s.games.Slots.Limits
	}
	return risk.LimitsFromConfig(l)
}

func (s *Service) floorFor(game string) int64 {
	if game == model.GameSlots {
		return s.games.Slots.PoolFloor
	}
	return 0
}

func findStake(tx *gorm.DB, roundID string, participantID int64) (*model.Stake, error) {
	var stakes []model.Stake
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("round_id = ? AND participant_id = ?", roundID, participantID).
		Limit(1).
		Find(&stakes).Error; err != nil {
		return nil, appErr.Transient(err)
	}
	if len(stakes) == 0 {
		return nil, nil
	}
	return &stakes[0], nil
}

// LedgerTx reads the game's ledger under lock inside a step transaction.
func LedgerTx(tx *gorm.DB, game string, now time.Time) (*model.LedgerSnapshot, error) {
	return lockLedger(tx, game, now)
}

// lockLedger returns the game's ledger row, creating it on first use.
func lockLedger(tx *gorm.DB, game string, now time.Time) (*model.LedgerSnapshot, error) {
	var ledger model.LedgerSnapshot
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("game = ?", game).
		First(&ledger).Error
	if err == nil {
		return &ledger, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, appErr.Transient(err)
	}
	seed := model.LedgerSnapshot{Game: game, UpdatedAt: now}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return nil, appErr.Transient(err)
	}
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("game = ?", game).First(&ledger).Error; err != nil {
		return nil, appErr.Transient(err)
	}
	return &ledger, nil
}

// lockPool returns the game's prize pool, seeding it at the floor.
func (s *Service) lockPool(tx *gorm.DB, game string, now time.Time) (*model.PrizePool, error) {
	var pool model.PrizePool
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("game = ?", game).
		First(&pool).Error
	if err == nil {
		return &pool, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, appErr.Transient(err)
	}
	floor := s.floorFor(game)
	seed := model.PrizePool{Game: game, Balance: floor, Floor: floor, UpdatedAt: now}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return nil, appErr.Transient(err)
	}
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("game = ?", game).First(&pool).Error; err != nil {
		return nil, appErr.Transient(err)
	}
	return &pool, nil
}

func wrapDB(err error) error {
	if err == nil {
		return nil
	}
	return appErr.Transient(err)
}
