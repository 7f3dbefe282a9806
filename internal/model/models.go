package model

import (
	"time"

	"gorm.io/datatypes"
)

const (
	GameCrash = "crash"
	GameBingo = "bingo"
	GameSlots = "slots"
)

// Games lists the supported variants.
var Games = []string{GameCrash, GameBingo, GameSlots}

func ValidGame(game string) bool {
	for _, g := range Games {
		if g == game {
			return true
		}
	}
	return false
}

// 2.1 Wallet & Billing

type Wallet struct {
	UserID           int64 `gorm:"primaryKey;autoIncrement:false"`
	BalanceTotal     int64
	BalanceAvailable int64
	BalanceFrozen    int64
	TotalRecharge    int64
	TotalWin         int64
	TotalConsume     int64
	UpdatedAt        time.Time
}

type BillingLog struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	UserID       int64  `gorm:"index"`
	Type         string // stake/cancel/payout/refund/house_cut/pool_contribution/adjust
	Delta        int64
	BalanceAfter int64
	Game         string `gorm:"size:16"`
	RoundID      string `gorm:"size:36;index"`
	MetaJSON     datatypes.JSON
	CreatedAt    time.Time
}

// Operator accounts drive the admin surface: starting, toggling, aborting
// and refunding rounds.
type Operator struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	Username     string `gorm:"size:64;uniqueIndex"`
	PasswordHash string `gorm:"size:255" json:"-"`
	DisplayName  string `gorm:"size:64"`
	Status       string `gorm:"size:16"` // active/disabled
	LastLoginAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// 2.2 Engine & Rounds

type EngineState struct {
	Game           string `gorm:"primaryKey;size:16"`
	Enabled        bool
	CurrentRoundID string `gorm:"size:36"`
	UpdatedBy      int64
	UpdatedAt      time.Time
}

type Round struct {
	ID            string `gorm:"primaryKey;size:36"`
	Game          string `gorm:"size:16;index"`
	Phase         string `gorm:"size:24;index"`
	SequenceIndex int64  `gorm:"not null;default:0"`

	ServerSeed     string `gorm:"size:64" json:"-"`
	CommitmentHash string `gorm:"size:64"`
	ClientSeed     string `gorm:"size:128"`
	Revealed       bool

	// Outcome. Multipliers are stored in hundredths.
	RawOutcome      int64
	CrashPoint      int64
	RecoveryApplied bool
	RecoveryBand    int
	FinancialState  datatypes.JSON
	DrawSequence    datatypes.JSON `json:"-"`
	DrawIndex       int

	TickIntervalMs int64
	StepIntervalMs int64
	RunDurationMs  int64
	BettingEndsAt  *time.Time
	OpenedAt       *time.Time
	LockedAt       *time.Time
	StartedAt      *time.Time
	SettledAt      *time.Time
	AbortReason    string `gorm:"size:255"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const (
	StakeActive   = "active"
	StakeExited   = "exited"
	StakeLost     = "lost"
	StakeRefunded = "refunded"
)

type Stake struct {
	ID             string `gorm:"primaryKey;size:36"`
	RoundID        string `gorm:"size:36;uniqueIndex:idx_stake_round_participant"`
	ParticipantID  int64  `gorm:"uniqueIndex:idx_stake_round_participant"`
	Game           string `gorm:"size:16"`
	Amount         int64
	ExitAt         int64 // hundredths, 0 means no automatic exit
	CardNumbers    datatypes.JSON
	Status         string `gorm:"size:16;index"` // active/exited/lost/refunded
	ResultAmount   *int64
	ExitMultiplier int64
	Tier           string `gorm:"size:32"`
	PoolShare      int64 // slots contribution to the prize pool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	SettledAt      *time.Time
}

// 2.3 Ledger & Pools

type LedgerSnapshot struct {
	Game                      string `gorm:"primaryKey;size:16"`
	TotalIn                   int64
	TotalOut                  int64
	NetProfit                 int64
	RecoveryCooldownRemaining int
	LastRecoveryOutcome       int64
	RoundsSettled             int64
	UpdatedAt                 time.Time
}

type PrizePool struct {
	Game         string `gorm:"primaryKey;size:16"`
	Balance      int64
	Floor        int64
	HouseBalance int64
	UpdatedAt    time.Time
}

// RoundHistory is append-only and carries the revealed seed.
type RoundHistory struct {
	RoundID        string `gorm:"primaryKey;size:36"`
	Game           string `gorm:"size:16;index"`
	ServerSeed     string `gorm:"size:64"`
	CommitmentHash string `gorm:"size:64"`
	ClientSeed     string `gorm:"size:128"`
	OutcomeJSON    datatypes.JSON
	ResultsJSON    datatypes.JSON
	PoolJSON       datatypes.JSON
	TotalIn        int64
	TotalOut       int64
	CreatedAt      time.Time
}

// 2.4 Scheduling

type ScheduledTask struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	Game       string    `gorm:"size:16"`
	RoundID    string    `gorm:"size:36;uniqueIndex:idx_task_round_seq"`
	Seq        int64     `gorm:"uniqueIndex:idx_task_round_seq"`
	NotBefore  time.Time `gorm:"index"`
	Status     string    `gorm:"size:16;index"` // pending/running/done/dead
	Attempts   int
	LeaseUntil *time.Time
	LastError  string `gorm:"size:512"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// All lists every table for AutoMigrate.
func All() []interface{} {
	return []interface{}{
		&Wallet{},
		&BillingLog{},
		&Operator{},
		&EngineState{},
		&Round{},
		&Stake{},
		&LedgerSnapshot{},
		&PrizePool{},
		&RoundHistory{},
		&ScheduledTask{},
	}
}
