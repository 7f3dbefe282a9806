package settlement

import (
	"encoding/json"
	"time"

	"round-engine/internal/model"
	appErr "round-engine/pkg/errors"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// walletBook buffers wallet rows and billing logs for one transaction.
type walletBook struct {
	tx      *gorm.DB
	game    string
	roundID string
	entries map[int64]*walletEntry
	logs    []model.BillingLog
}

type walletEntry struct {
	wallet *model.Wallet
	exists bool
	dirty  bool
}

func newWalletBook(tx *gorm.DB, game, roundID string) *walletBook {
	return &walletBook{
		tx:      tx,
		game:    game,
		roundID: roundID,
		entries: make(map[int64]*walletEntry),
	}
}

func (wb *walletBook) Ensure(userID int64) (*model.Wallet, error) {
	if entry, ok := wb.entries[userID]; ok {
		entry.dirty = true
		return entry.wallet, nil
	}

	wallet := &model.Wallet{}
	err := wb.tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(wallet).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			return nil, appErr.Transient(err)
		}
		wallet = &model.Wallet{UserID: userID}
	}

	entry := &walletEntry{
		wallet: wallet,
		exists: err == nil,
		dirty:  true,
	}
	wb.entries[userID] = entry
	return wallet, nil
}

// Debit takes amount from the available balance or fails without changes.
func (wb *walletBook) Debit(userID, amount int64, logType string, meta map[string]interface{}) error {
	wallet, err := wb.Ensure(userID)
	if err != nil {
		return err
	}
	if amount <= 0 {
		return appErr.ErrInvalidAmount
	}
	if wallet.BalanceAvailable < amount {
		return appErr.ErrInsufficientBalance
	}
	wallet.BalanceAvailable -= amount
	wallet.BalanceTotal -= amount
	wallet.TotalConsume += amount
	wb.log(userID, logType, -amount, wallet.BalanceAvailable, meta)
	return nil
}

func (wb *walletBook) Credit(userID, amount int64, logType string, meta map[string]interface{}) error {
	if amount <= 0 {
		return nil
	}
	wallet, err := wb.Ensure(userID)
	if err != nil {
		return err
	}
	wallet.BalanceAvailable += amount
	wallet.BalanceTotal += amount
	switch logType {
	case logPayout:
		wallet.TotalWin += amount
	case logCancel, logRefund:
		wallet.TotalConsume -= amount
	}
	wb.log(userID, logType, amount, wallet.BalanceAvailable, meta)
	return nil
}

func (wb *walletBook) log(userID int64, logType string, delta, after int64, meta map[string]interface{}) {
	wb.logs = append(wb.logs, model.BillingLog{
		UserID:       userID,
		Type:         logType,
		Delta:        delta,
		BalanceAfter: after,
		Game:         wb.game,
		RoundID:      wb.roundID,
		MetaJSON:     mustJSON(meta),
	})
}

func (wb *walletBook) SaveAll(now time.Time) error {
	for _, entry := range wb.entries {
		if !entry.dirty {
			continue
		}
		entry.wallet.UpdatedAt = now
		var err error
		if entry.exists {
			err = wb.tx.Save(entry.wallet).Error
		} else {
			err = wb.tx.Create(entry.wallet).Error
			if err == nil {
				entry.exists = true
			}
		}
		if err != nil {
			return appErr.Transient(err)
		}
		entry.dirty = false
	}

	if len(wb.logs) > 0 {
		for i := range wb.logs {
			wb.logs[i].CreatedAt = now
		}
		if err := wb.tx.Create(&wb.logs).Error; err != nil {
			return appErr.Transient(err)
		}
		wb.logs = nil
	}
	return nil
}

func mustJSON(v interface{}) datatypes.JSON {
	if v == nil {
		return datatypes.JSON("{}")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(raw)
}
