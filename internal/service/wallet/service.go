package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"round-engine/internal/model"
	appErr "round-engine/pkg/errors"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	logRecharge = "recharge"
	logAdjust   = "adjust"

	defaultBillingLimit = 50
	maxBillingLimit     = 200
)

type Service struct {
	db *gorm.DB
}

// AdjustRequest moves funds in or out of a participant's available balance
// outside of any round. Recharge credits count toward TotalRecharge.
type AdjustRequest struct {
	Delta      int64
	Recharge   bool
	Note       string
	OperatorID int64
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

func (s *Service) GetWallet(ctx context.Context, userID int64) (*model.Wallet, error) {
	var wallet model.Wallet
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &model.Wallet{UserID: userID}, nil
		}
		return nil, appErr.Transient(err)
	}
	return &wallet, nil
}

func (s *Service) Adjust(ctx context.Context, userID int64, req AdjustRequest) (*model.Wallet, error) {
	if userID <= 0 || req.Delta == 0 {
		return nil, fmt.Errorf("%w: userId and a non-zero delta are required", appErr.ErrInvalidWalletPayload)
	}
	if req.Recharge && req.Delta < 0 {
		return nil, fmt.Errorf("%w: recharge must be positive", appErr.ErrInvalidWalletPayload)
	}

	var wallet model.Wallet
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).
			First(&wallet).Error
		exists := err == nil
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return appErr.Transient(err)
			}
			wallet = model.Wallet{UserID: userID}
		}

		if wallet.BalanceAvailable+req.Delta < 0 {
			return appErr.ErrInsufficientBalance
		}
		wallet.BalanceAvailable += req.Delta
		wallet.BalanceTotal = wallet.BalanceAvailable + wallet.BalanceFrozen
		logType := logAdjust
		if req.Recharge {
			logType = logRecharge
			wallet.TotalRecharge += req.Delta
		}
		now := time.Now()
		wallet.UpdatedAt = now

		if exists {
			err = tx.Save(&wallet).Error
		} else {
			err = tx.Create(&wallet).Error
		}
		if err != nil {
			return appErr.Transient(err)
		}

		meta := datatypes.JSONMap{"operatorId": req.OperatorID}
		if req.Note != "" {
			meta["note"] = req.Note
		}
		entry := model.BillingLog{
			UserID:       userID,
			Type:         logType,
			Delta:        req.Delta,
			BalanceAfter: wallet.BalanceAvailable,
			MetaJSON:     mustJSON(meta),
			CreatedAt:    now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return appErr.Transient(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

// Billing lists the newest billing entries first.
func (s *Service) Billing(ctx context.Context, userID int64, limit int) ([]model.BillingLog, error) {
	if limit <= 0 {
		limit = defaultBillingLimit
	}
	if limit > maxBillingLimit {
		limit = maxBillingLimit
	}
	var logs []model.BillingLog
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&logs).Error; err != nil {
		return nil, appErr.Transient(err)
	}
	return logs, nil
}

func mustJSON(m datatypes.JSONMap) datatypes.JSON {
	raw, err := m.MarshalJSON()
	if err != nil {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(raw)
}
