package round

import (
	"fmt"
	"math"
	"time"

	"round-engine/internal/model"
	appErr "round-engine/pkg/errors"
	"round-engine/pkg/money"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseOpen      Phase = "open_for_stakes"
	PhaseLocked    Phase = "locked"
	PhaseRunning   Phase = "running"
	PhaseResolving Phase = "resolving"
	PhaseSettled   Phase = "settled"
	PhaseAborted   Phase = "aborted"
)

const minRunDuration = 100 * time.Millisecond

var transitions = map[Phase][]Phase{
	PhasePending:   {PhaseOpen},
	PhaseOpen:      {PhaseLocked},
	PhaseLocked:    {PhaseRunning, PhaseResolving},
	PhaseRunning:   {PhaseResolving},
	PhaseResolving: {PhaseSettled},
}

var terminalPhases = []string{string(PhaseSettled), string(PhaseAborted)}

func (p Phase) Terminal() bool {
	return p == PhaseSettled || p == PhaseAborted
}

func CanTransition(from, to Phase) bool {
	if from.Terminal() {
		return false
	}
	if to == PhaseAborted {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Timing struct {
	TickInterval time.Duration
	StepInterval time.Duration
}

// New builds a pending round. Its seed is committed on the first step.
func New(game string, timing Timing) *model.Round {
	return &model.Round{
		ID:             uuid.NewString(),
		Game:           game,
		Phase:          string(PhasePending),
		RecoveryBand:   -1,
		TickIntervalMs: timing.TickInterval.Milliseconds(),
		StepIntervalMs: timing.StepInterval.Milliseconds(),
	}
}

// Transition moves r to the next phase and stamps the matching timestamp.
func Transition(r *model.Round, to Phase, now time.Time) error {
	from := Phase(r.Phase)
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", appErr.ErrIllegalTransition, from, to)
	}
	if from == PhasePending && to == PhaseOpen && r.CommitmentHash == "" {
		return appErr.ErrMissingCommitment
	}

	ts := now
	switch to {
	case PhaseOpen:
		r.OpenedAt = &ts
	case PhaseLocked:
		r.LockedAt = &ts
	case PhaseRunning:
		r.StartedAt = &ts
	case PhaseSettled, PhaseAborted:
		r.SettledAt = &ts
	}
	r.Phase = string(to)
	return nil
}

// AcceptsStakes reports whether a stake placed at now may join r.
func AcceptsStakes(r *model.Round, now time.Time) error {
	if Phase(r.Phase) != PhaseOpen {
		return appErr.ErrBettingClosed
	}
	if r.BettingEndsAt != nil && !now.Before(*r.BettingEndsAt) {
		return appErr.ErrBettingClosed
	}
	return nil
}

// Claim advances the sequence index of a live round from expectedSeq and
// returns the round locked for the rest of tx. A mismatch means the step
// was already applied or belongs to an older chain.
func Claim(tx *gorm.DB, roundID string, expectedSeq int64) (*model.Round, error) {
	res := tx.Model(&model.Round{}).
		Where("id = ? AND sequence_index = ? AND phase NOT IN ?", roundID, expectedSeq, terminalPhases).
		UpdateColumn("sequence_index", gorm.Expr("sequence_index + 1"))
	if res.Error != nil {
		return nil, appErr.Transient(res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := tx.Model(&model.Round{}).Where("id = ?", roundID).Count(&count).Error; err != nil {
			return nil, appErr.Transient(err)
		}
		if count == 0 {
			return nil, appErr.ErrRoundNotFound
		}
		return nil, appErr.ErrStaleStep
	}
	return Lock(tx, roundID)
}

// Lock reads the round under a row lock.
func Lock(tx *gorm.DB, roundID string) (*model.Round, error) {
	var r model.Round
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", roundID).
		First(&r).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, appErr.ErrRoundNotFound
		}
		return nil, appErr.Transient(err)
	}
	return &r, nil
}

// MultiplierAt is exp(elapsed × growth), floored to hundredths.
func MultiplierAt(elapsed time.Duration, growth float64) money.Multiplier {
	if elapsed <= 0 {
		return money.One
	}
	return money.MultiplierFromFloat(math.Exp(elapsed.Seconds() * growth))
}

// RunDuration is the time the multiplier needs to reach crash.
func RunDuration(crash money.Multiplier, growth float64) time.Duration {
	if growth <= 0 || crash <= money.One {
		return minRunDuration
	}
	d := time.Duration(math.Log(crash.Float()) / growth * float64(time.Second))
	if d < minRunDuration {
		return minRunDuration
	}
	return d
}
