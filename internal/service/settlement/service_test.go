package settlement_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"round-engine/internal/config"
	"round-engine/internal/model"
	"round-engine/internal/service/fairness"
	"round-engine/internal/service/risk"
	"round-engine/internal/service/round"
	"round-engine/internal/service/settlement"
	appErr "round-engine/pkg/errors"
	"round-engine/pkg/money"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var baseTime = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	db  *gorm.DB
	svc *settlement.Service
	cfg *config.Config
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(model.All()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	cfg := config.Default()
	cfg.Games.Slots.PoolFloor = 1000
	cfg.Games.Bingo.CardPrice = 1001

	f := &fixture{db: db, cfg: cfg, now: baseTime}
	ctrl := risk.NewController(risk.PolicyFromConfig(cfg.Games.Crash))
	f.svc = settlement.NewService(db, ctrl, cfg.Games).WithClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) fund(t *testing.T, userID, amount int64) {
	t.Helper()
	w := model.Wallet{UserID: userID, BalanceAvailable: amount, BalanceTotal: amount}
	if err := f.db.Create(&w).Error; err != nil {
		t.Fatalf("fund wallet: %v", err)
	}
}

func (f *fixture) balance(t *testing.T, userID int64) int64 {
	t.Helper()
	var w model.Wallet
	if err := f.db.Where("user_id = ?", userID).First(&w).Error; err != nil {
		t.Fatalf("load wallet: %v", err)
	}
	return w.BalanceAvailable
}

func (f *fixture) openRound(t *testing.T, game string) *model.Round {
	t.Helper()
	seed, hash, err := fairness.Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	ends := f.now.Add(10 * time.Second)
	r := round.New(game, round.Timing{})
	r.ServerSeed = seed
	r.CommitmentHash = hash
	r.ClientSeed = "client"
	r.Phase = string(round.PhaseOpen)
	r.BettingEndsAt = &ends
	if err := f.db.Create(r).Error; err != nil {
		t.Fatalf("create round: %v", err)
	}
	return r
}

func (f *fixture) setPhase(t *testing.T, r *model.Round, phase round.Phase, crash money.Multiplier) {
	t.Helper()
	if err := f.db.Model(&model.Round{}).Where("id = ?", r.ID).Updates(map[string]interface{}{
		"phase":       string(phase),
		"crash_point": int64(crash),
	}).Error; err != nil {
		t.Fatalf("set phase: %v", err)
	}
}

func (f *fixture) settle(t *testing.T, roundID string, outcome settlement.RoundOutcome) (*settlement.Summary, error) {
	t.Helper()
	var summary *settlement.Summary
	err := f.db.Transaction(func(tx *gorm.DB) error {
		r, err := round.Lock(tx, roundID)
		if err != nil {
			return err
		}
		summary, err = f.svc.SettleRoundTx(tx, r, outcome, f.now)
		return err
	})
	return summary, err
}

func (f *fixture) stake(t *testing.T, roundID string, participantID int64) model.Stake {
	t.Helper()
	var st model.Stake
	if err := f.db.Where("round_id = ? AND participant_id = ?", roundID, participantID).First(&st).Error; err != nil {
		t.Fatalf("load stake: %v", err)
	}
	return st
}

func TestAcceptStakeDebitsWallet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 5000)
	r := f.openRound(t, model.GameCrash)

	st, err := f.svc.AcceptStake(ctx, settlement.StakeRequest{RoundID: r.ID, ParticipantID: 1, Amount: 1000, ExitAt: 200})
	if err != nil {
		t.Fatalf("accept stake: %v", err)
	}
	if st.Status != model.StakeActive || st.ExitAt != 200 {
		t.Fatalf("unexpected stake %+v", st)
	}
	if got := f.balance(t, 1); got != 4000 {
		t.Fatalf("expected balance 4000, got %d", got)
	}
	var logs []model.BillingLog
	f.db.Where("user_id = ?", 1).Find(&logs)
	if len(logs) != 1 || logs[0].Delta != -1000 || logs[0].RoundID != r.ID {
		t.Fatalf("unexpected billing logs %+v", logs)
	}
}

func TestAcceptStakeRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 5000)
	f.fund(t, 2, 50)
	r := f.openRound(t, model.GameCrash)

	if _, err := f.svc.AcceptStake(ctx, settlement.StakeRequest{RoundID: r.ID, ParticipantID: 1, Amount: 1000}); err != nil {
		t.Fatalf("accept stake: %v", err)
	}
	if _, err := f.svc.AcceptStake(ctx, settlement.StakeRequest{RoundID: r.ID, ParticipantID: 1, Amount: 1000}); !errors.Is(err, appErr.ErrDuplicateStake) {
		t.Fatalf("expected duplicate stake, got %v", err)
	}
	if got := f.balance(t, 1); got != 4000 {
		t.Fatalf("duplicate must not debit again, balance %d", got)
	}
	if _, err := f.svc.AcceptStake(ctx, settlement.StakeRequest{RoundID: r.ID, ParticipantID: 2, Amount: 100}); !errors.Is(err, appErr.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if _, err := f.svc.AcceptStake(ctx, settlement.StakeRequest{RoundID: r.ID, ParticipantID: 3, Amount: 10}); !errors.Is(err, appErr.ErrStakeLimit) {
		t.Fatalf("expected stake limit, got %v", err)
	}
	if _, err := f.svc.AcceptStake(ctx, settlement.StakeRequest{RoundID: r.ID, ParticipantID: 1, Amount: 1000, ExitAt: 100}); !errors.Is(err, appErr.ErrInvalidExit) {
		t.Fatalf("expected invalid exit, got %v", err)
	}

	f.now = baseTime.Add(11 * time.Second)
	f.fund(t, 4, 5000)
	if _, err := f.svc.AcceptStake(ctx, settlement.StakeRequest{RoundID: r.ID, ParticipantID: 4, Amount: 1000}); !errors.Is(err, appErr.ErrBettingClosed) {
		t.Fatalf("expected betting closed, got %v", err)
	}
}

func TestCancelStakeRefundsAndReversesPool(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 5000)
	r := f.openRound(t, model.GameSlots)

	st, err := f.svc.AcceptStake(ctx, settlement.StakeRequest{RoundID: r.ID, ParticipantID: 1, Amount: 1000})
	if err != nil {
		t.Fatalf("accept stake: %v", err)
	}
	if st.PoolShare != 800 {
		t.Fatalf("expected 80%% pool share, got %d", st.PoolShare)
	}
	pool, _ := f.svc.Pool(ctx, model.GameSlots)
	if pool.Balance != 1800 || pool.HouseBalance != 200 {
		t.Fatalf("unexpected pool after stake %+v", pool)
	}

	if err := f.svc.CancelStake(ctx, r.ID, 1); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := f.balance(t, 1); got != 5000 {
		t.Fatalf("expected full refund, got %d", got)
	}
	pool, _ = f.svc.Pool(ctx, model.GameSlots)
	if pool.Balance != 1000 || pool.HouseBalance != 0 {
		t.Fatalf("pool contribution not reversed %+v", pool)
	}
	var count int64
	f.db.Model(&model.Stake{}).Where("round_id = ?", r.ID).Count(&count)
	if count != 0 {
		t.Fatalf("cancelled stake must be removed")
	}
	if err := f.svc.CancelStake(ctx, r.ID, 1); !errors.Is(err, appErr.ErrStakeNotFound) {
		t.Fatalf("expected stake not found, got %v", err)
	}
}

func TestCancelAfterLockIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 5000)
	r := f.openRound(t, model.GameCrash)
	if _, err := f.svc.AcceptStake(ctx, settlement.StakeRequest{RoundID: r.ID, ParticipantID: 1, Amount: 1000}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	f.setPhase(t, r, round.PhaseRunning, 300)
	if err := f.svc.CancelStake(ctx, r.ID, 1); !errors.Is(err, appErr.ErrBettingClosed) {
		t.Fatalf("expected betting closed, got %v", err)
	}
	if err := f.svc.AdjustExit(ctx, r.ID, 1, 150); !errors.Is(err, appErr.ErrBettingClosed) {
		t.Fatalf("expected betting closed, got %v", err)
	}
}

func TestAdjustExit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 5000)
	crash := f.openRound(t, model.GameCrash)
	if _, err := f.svc.AcceptStake(ctx, settlement.StakeRequest{RoundID: crash.ID, ParticipantID: 1, Amount: 1000}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := f.svc.AdjustExit(ctx, crash.ID, 1, 250); err != nil {
		t.Fatalf("adjust exit: %v", err)
	}
	if st := f.stake(t, crash.ID, 1); st.ExitAt != 250 {
		t.Fatalf("exit not stored: %d", st.ExitAt)
	}
	if err := f.svc.AdjustExit(ctx, crash.ID, 1, 0); err != nil {
		t.Fatalf("clear exit: %v", err)
	}
	if st := f.stake(t, crash.ID, 1); st.ExitAt != 0 {
		t.Fatalf("exit not cleared: %d", st.ExitAt)
	}

	slots := f.openRound(t, model.GameSlots)
	if err := f.svc.AdjustExit(ctx, slots.ID, 1, 250); !errors.Is(err, appErr.ErrExitNotSupported) {
		t.Fatalf("expected exit not supported, got %v", err)
	}
}

// A stake of 100 exits automatically at 2.00x before a 3.50x crash; the
// other stake is lost.
func TestCrashAutoExitScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 1000)
	f.fund(t, 2, 1000)
	r := f.openRound(t, model.GameCrash)

	if _, err := f.svc.AcceptStake(ctx, settlement.StakeRequest{RoundID: r.ID, ParticipantID: 1, Amount: 100, ExitAt: 200}); err != nil {
		t.Fatalf("accept 1: %v", err)
	}
	if _, err := f.svc.AcceptStake(ctx, settlement.StakeRequest{RoundID: r.ID, ParticipantID: 2, Amount: 100}); err != nil {
		t.Fatalf("accept 2: %v", err)
	}
	f.setPhase(t, r, round.PhaseRunning, 350)

	exits, err := f.svc.SettleAutoExits(ctx, r.ID, 199)
	if err != nil || len(exits) != 0 {
		t.Fatalf("no exit expected below threshold, got %v %v", exits, err)
	}
	exits, err = f.svc.SettleAutoExits(ctx, r.ID, 205)
	if err != nil {
		t.Fatalf("auto exits: %v", err)
	}
	if len(exits) != 1 || exits[0].Payout != 200 || exits[0].Multiplier != 200 {
		t.Fatalf("expected payout 200 at 2.00x, got %+v", exits)
	}

	// a repeated manual exit is a no-op returning the recorded result
	again, err := f.svc.SettleParticipant(ctx, settlement.ExitRequest{RoundID: r.ID, ParticipantID: 1, Multiplier: 300})
	if err != nil || again != 200 {
		t.Fatalf("expected recorded 200, got %d %v", again, err)
	}
	if got := f.balance(t, 1); got != 1100 {
		t.Fatalf("expected balance 1100, got %d", got)
	}

	f.setPhase(t, r, round.PhaseResolving, 350)
	summary, err := f.settle(t, r.ID, settlement.RoundOutcome{CrashPoint: 350})
	if err != nil {
		t.Fatalf("settle round: %v", err)
	}
	if summary.TotalIn != 200 || summary.TotalOut != 200 {
		t.Fatalf("unexpected totals %+v", summary)
	}
	if st := f.stake(t, r.ID, 2); st.Status != model.StakeLost || st.ResultAmount == nil || *st.ResultAmount != 0 {
		t.Fatalf("non-exited stake must be lost with 0, got %+v", st)
	}
	if st := f.stake(t, r.ID, 1); st.Status != model.StakeExited || *st.ResultAmount != 200 {
		t.Fatalf("exited stake changed: %+v", st)
	}

	var stored model.Round
	f.db.First(&stored, "id = ?", r.ID)
	if stored.Phase != string(round.PhaseSettled) || !stored.Revealed {
		t.Fatalf("round not settled and revealed: %+v", stored)
	}
	var history model.RoundHistory
	if err := f.db.First(&history, "round_id = ?", r.ID).Error; err != nil {
		t.Fatalf("history missing: %v", err)
	}
	if !fairness.Verify(history.ServerSeed, history.CommitmentHash) {
		t.Fatalf("history seed does not verify")
	}
}

func TestManualExitRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 1000)
	r := f.openRound(t, model.GameCrash)
	if _, err := f.svc.AcceptStake(ctx, settlement.StakeRequest{RoundID: r.ID, ParticipantID: 1, Amount: 100}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.svc.SettleParticipant(ctx, settlement.ExitRequest{RoundID: r.ID, ParticipantID: 1, Multiplier: 150}); !errors.Is(err, appErr.ErrRoundNotRunning) {
		t.Fatalf("expected not running, got %v", err)
	}
	f.setPhase(t, r, round.PhaseRunning, 150)
	if _, err := f.svc.SettleParticipant(ctx, settlement.ExitRequest{RoundID: r.ID, ParticipantID: 1, Multiplier: 150}); !errors.Is(err, appErr.ErrRoundCrashed) {
		t.Fatalf("expected crashed, got %v", err)
	}
	got, err := f.svc.SettleParticipant(ctx, settlement.ExitRequest{RoundID: r.ID, ParticipantID: 1, Multiplier: 149})
	if err != nil || got != 149 {
		t.Fatalf("expected payout 149, got %d %v", got, err)
	}
}

func TestMaxPayoutCap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 100000)
	r := f.openRound(t, model.GameCrash)
	if _, err := f.svc.AcceptStake(ctx, settlement.StakeRequest{RoundID: r.ID, ParticipantID: 1, Amount: 100000}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	f.setPhase(t, r, round.PhaseRunning, 5000)
	got, err := f.svc.SettleParticipant(ctx, settlement.ExitRequest{RoundID: r.ID, ParticipantID: 1, Multiplier: 4000})
	if err != nil {
		t.Fatalf("exit: %v", err)
	}
	if got != f.cfg.Games.Crash.Limits.MaxPayout {
		t.Fatalf("expected cap %d, got %d", f.cfg.Games.Crash.Limits.MaxPayout, got)
	}
}

// Three participants in the pooled game: one hits the 30% jackpot on a
// 10,000 pool, the pool returns to its floor and the others lose.
func TestSlotsJackpotScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.openRound(t, model.GameSlots)
	stakeIDs := make([]string, 0, 3)
	for id := int64(1); id <= 3; id++ {
		f.fund(t, id, 1000)
		st, err := f.svc.AcceptStake(ctx, settlement.StakeRequest{RoundID: r.ID, ParticipantID: id, Amount: 100})
		if err != nil {
			t.Fatalf("accept %d: %v", id, err)
		}
		stakeIDs = append(stakeIDs, st.ID)
	}
	if err := f.db.Model(&model.PrizePool{}).Where("game = ?", model.GameSlots).
		Updates(map[string]interface{}{"balance": 10000, "house_balance": 0}).Error; err != nil {
		t.Fatalf("seed pool: %v", err)
	}

	jackpot := fairness.PayTier{Name: "JACKPOT", Percent: decimal.NewFromInt(30), Jackpot: true}
	none := fairness.PayTier{Name: "SIN_PREMIO", Percent: decimal.Zero}
	f.setPhase(t, r, round.PhaseResolving, 0)
	summary, err := f.settle(t, r.ID, settlement.RoundOutcome{Tiers: map[string]fairness.PayTier{
		stakeIDs[0]: jackpot,
		stakeIDs[1]: none,
		stakeIDs[2]: none,
	}})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	if st := f.stake(t, r.ID, 1); *st.ResultAmount != 3000 || st.Tier != "JACKPOT" {
		t.Fatalf("expected jackpot 3000, got %+v", st)
	}
	for id := int64(2); id <= 3; id++ {
		if st := f.stake(t, r.ID, id); st.Status != model.StakeLost || *st.ResultAmount != 0 {
			t.Fatalf("participant %d should have lost, got %+v", id, st)
		}
	}
	pool, _ := f.svc.Pool(ctx, model.GameSlots)
	if pool.Balance != pool.Floor || pool.Floor != 1000 {
		t.Fatalf("pool must reset to floor, got %+v", pool)
	}
	if pool.HouseBalance != 6000 {
		t.Fatalf("excess over floor should move to the house fund, got %d", pool.HouseBalance)
	}
	if summary.Pool == nil || !summary.Pool.FloorReset || summary.Pool.Paid != 3000 {
		t.Fatalf("unexpected pool movement %+v", summary.Pool)
	}
	if got := f.balance(t, 1); got != 3900 {
		t.Fatalf("expected winner balance 3900, got %d", got)
	}
}

func TestSlotsNegativePoolIsFatal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 1000)
	r := f.openRound(t, model.GameSlots)
	st, err := f.svc.AcceptStake(ctx, settlement.StakeRequest{RoundID: r.ID, ParticipantID: 1, Amount: 100})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	f.db.Model(&model.PrizePool{}).Where("game = ?", model.GameSlots).Update("balance", -100)

	f.setPhase(t, r, round.PhaseResolving, 0)
	_, err = f.settle(t, r.ID, settlement.RoundOutcome{Tiers: map[string]fairness.PayTier{
		st.ID: {Name: "SIN_PREMIO", Percent: decimal.Zero},
	}})
	if appErr.KindOf(err) != appErr.KindFatal {
		t.Fatalf("expected fatal error, got %v", err)
	}
	var stored model.Round
	f.db.First(&stored, "id = ?", r.ID)
	if stored.Phase != string(round.PhaseResolving) {
		t.Fatalf("failed settlement must roll back, phase %s", stored.Phase)
	}
}

func TestBingoSplitWithDust(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.openRound(t, model.GameBingo)
	for id := int64(1); id <= 3; id++ {
		f.fund(t, id, 5000)
		if _, err := f.svc.AcceptStake(ctx, settlement.StakeRequest{RoundID: r.ID, ParticipantID: id}); err != nil {
			t.Fatalf("accept %d: %v", id, err)
		}
	}
	if _, err := f.svc.AcceptStake(ctx, settlement.StakeRequest{RoundID: r.ID, ParticipantID: 9, Amount: 500}); !errors.Is(err, appErr.ErrInvalidAmount) {
		t.Fatalf("card price must be enforced, got %v", err)
	}

	called := make([]int, 75)
	for i := range called {
		called[i] = i + 1
	}
	f.setPhase(t, r, round.PhaseResolving, 0)
	summary, err := f.settle(t, r.ID, settlement.RoundOutcome{Called: called})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	// pot 3003, cut 30% = 901, prize 2102 over 3 winners = 700 each, dust 2
	if summary.Pool.HouseCut != 901 || summary.Pool.Dust != 2 || summary.Pool.WinnerCount != 3 {
		t.Fatalf("unexpected bingo movement %+v", summary.Pool)
	}
	for id := int64(1); id <= 3; id++ {
		if st := f.stake(t, r.ID, id); *st.ResultAmount != 700 {
			t.Fatalf("expected share 700, got %+v", st)
		}
	}
	pool, _ := f.svc.Pool(ctx, model.GameBingo)
	if pool.HouseBalance != 903 {
		t.Fatalf("expected house 903, got %d", pool.HouseBalance)
	}
}

func TestBlackoutStakes(t *testing.T) {
	card := []int{1, 2, 3}
	stakes := []model.Stake{
		{ID: "a", Status: model.StakeActive, CardNumbers: []byte(`[1,2,3]`)},
		{ID: "b", Status: model.StakeActive, CardNumbers: []byte(`[1,2,4]`)},
		{ID: "c", Status: model.StakeLost, CardNumbers: []byte(`[1,2,3]`)},
	}
	winners := settlement.BlackoutStakes(stakes, card)
	if len(winners) != 1 || winners[0].ID != "a" {
		t.Fatalf("unexpected winners %+v", winners)
	}
}

func TestLedgerReconcilesAndCooldownResets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if err := f.db.Create(&model.LedgerSnapshot{Game: model.GameCrash, TotalIn: 0, TotalOut: 500, NetProfit: -500}).Error; err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
	f.fund(t, 1, 20000)
	r := f.openRound(t, model.GameCrash)
	if _, err := f.svc.AcceptStake(ctx, settlement.StakeRequest{RoundID: r.ID, ParticipantID: 1, Amount: 1000}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	f.setPhase(t, r, round.PhaseResolving, 120)
	if _, err := f.settle(t, r.ID, settlement.RoundOutcome{CrashPoint: 120}); err != nil {
		t.Fatalf("settle: %v", err)
	}

	ledger, err := f.svc.Ledger(ctx, model.GameCrash)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if ledger.TotalIn != 1000 || ledger.TotalOut != 500 || ledger.NetProfit != 500 {
		t.Fatalf("unexpected ledger %+v", ledger)
	}
	if ledger.RecoveryCooldownRemaining != f.cfg.Games.Crash.RecoveryCooldown {
		t.Fatalf("cooldown should reset to %d, got %d", f.cfg.Games.Crash.RecoveryCooldown, ledger.RecoveryCooldownRemaining)
	}

	// the sum of stake debits equals the totalIn contribution
	var debits int64
	f.db.Model(&model.BillingLog{}).Where("round_id = ? AND type = ?", r.ID, "stake").Select("COALESCE(SUM(-delta), 0)").Scan(&debits)
	if debits != 1000 {
		t.Fatalf("debits %d do not reconcile", debits)
	}

	// next round steps the cooldown down
	r2 := f.openRound(t, model.GameCrash)
	f.setPhase(t, r2, round.PhaseResolving, 120)
	if _, err := f.settle(t, r2.ID, settlement.RoundOutcome{CrashPoint: 120}); err != nil {
		t.Fatalf("settle empty: %v", err)
	}
	ledger, _ = f.svc.Ledger(ctx, model.GameCrash)
	if ledger.RecoveryCooldownRemaining != f.cfg.Games.Crash.RecoveryCooldown-1 {
		t.Fatalf("cooldown should decrement, got %d", ledger.RecoveryCooldownRemaining)
	}
}

func TestRefundRound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 1000)
	f.fund(t, 2, 1000)
	r := f.openRound(t, model.GameCrash)
	for id := int64(1); id <= 2; id++ {
		if _, err := f.svc.AcceptStake(ctx, settlement.StakeRequest{RoundID: r.ID, ParticipantID: id, Amount: 100}); err != nil {
			t.Fatalf("accept: %v", err)
		}
	}
	if _, err := f.svc.RefundRound(ctx, r.ID); !errors.Is(err, appErr.ErrRoundNotAborted) {
		t.Fatalf("expected not aborted, got %v", err)
	}

	f.setPhase(t, r, round.PhaseRunning, 300)
	if _, err := f.svc.SettleParticipant(ctx, settlement.ExitRequest{RoundID: r.ID, ParticipantID: 1, Multiplier: 150}); err != nil {
		t.Fatalf("exit: %v", err)
	}
	f.setPhase(t, r, round.PhaseAborted, 300)

	n, err := f.svc.RefundRound(ctx, r.ID)
	if err != nil || n != 1 {
		t.Fatalf("expected one refund, got %d %v", n, err)
	}
	if got := f.balance(t, 2); got != 1000 {
		t.Fatalf("expected refunded balance 1000, got %d", got)
	}
	if st := f.stake(t, r.ID, 2); st.Status != model.StakeRefunded {
		t.Fatalf("expected refunded status, got %s", st.Status)
	}
	ledger, _ := f.svc.Ledger(ctx, model.GameCrash)
	if ledger.TotalIn != 100 || ledger.TotalOut != 150 {
		t.Fatalf("exited stake should be booked, got %+v", ledger)
	}
	if n, err := f.svc.RefundRound(ctx, r.ID); err != nil || n != 0 {
		t.Fatalf("second refund must be a no-op, got %d %v", n, err)
	}
	ledger, _ = f.svc.Ledger(ctx, model.GameCrash)
	if ledger.TotalIn != 100 || ledger.TotalOut != 150 {
		t.Fatalf("second refund booked again: %+v", ledger)
	}
}

func TestUnknownRound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.AcceptStake(context.Background(), settlement.StakeRequest{RoundID: uuid.NewString(), ParticipantID: 1, Amount: 100})
	if !errors.Is(err, appErr.ErrRoundNotFound) {
		t.Fatalf("expected round not found, got %v", err)
	}
}
