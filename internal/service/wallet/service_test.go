package wallet_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"round-engine/internal/model"
	"round-engine/internal/service/wallet"
	appErr "round-engine/pkg/errors"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*gorm.DB, *wallet.Service) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&model.Wallet{}, &model.BillingLog{}); err != nil {
		t.Fatalf("failed to migrate wallet models: %v", err)
	}
	return db, wallet.NewService(db)
}

func TestGetWalletDefaultsToEmpty(t *testing.T) {
	_, svc := newTestService(t)

	w, err := svc.GetWallet(context.Background(), 5)
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if w.UserID != 5 || w.BalanceAvailable != 0 {
		t.Fatalf("expected empty wallet for user 5, got %+v", w)
	}
}

func TestRechargeAndAdjust(t *testing.T) {
	_, svc := newTestService(t)
	ctx := context.Background()

	w, err := svc.Adjust(ctx, 1, wallet.AdjustRequest{Delta: 5000, Recharge: true, OperatorID: 9})
	if err != nil {
		t.Fatalf("recharge: %v", err)
	}
	if w.BalanceAvailable != 5000 || w.TotalRecharge != 5000 || w.BalanceTotal != 5000 {
		t.Fatalf("unexpected wallet after recharge: %+v", w)
	}

	w, err = svc.Adjust(ctx, 1, wallet.AdjustRequest{Delta: -1200, Note: "chargeback"})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if w.BalanceAvailable != 3800 || w.TotalRecharge != 5000 {
		t.Fatalf("unexpected wallet after adjust: %+v", w)
	}

	logs, err := svc.Billing(ctx, 1, 0)
	if err != nil {
		t.Fatalf("billing: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 billing logs, got %d", len(logs))
	}
	if logs[0].Type != "adjust" || logs[0].Delta != -1200 || logs[0].BalanceAfter != 3800 {
		t.Fatalf("unexpected newest log: %+v", logs[0])
	}
	if logs[1].Type != "recharge" || logs[1].Delta != 5000 {
		t.Fatalf("unexpected oldest log: %+v", logs[1])
	}
}

func TestAdjustRejections(t *testing.T) {
	db, svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Adjust(ctx, 1, wallet.AdjustRequest{Delta: 0}); !errors.Is(err, appErr.ErrInvalidWalletPayload) {
		t.Fatalf("expected invalid payload for zero delta, got %v", err)
	}
	if _, err := svc.Adjust(ctx, 1, wallet.AdjustRequest{Delta: -10, Recharge: true}); !errors.Is(err, appErr.ErrInvalidWalletPayload) {
		t.Fatalf("expected invalid payload for negative recharge, got %v", err)
	}
	if _, err := svc.Adjust(ctx, 1, wallet.AdjustRequest{Delta: -1}); !errors.Is(err, appErr.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}

	var count int64
	if err := db.Model(&model.BillingLog{}).Count(&count).Error; err != nil {
		t.Fatalf("count logs: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected rejected adjustments to leave no logs, got %d", count)
	}
}
