package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"round-engine/internal/config"
	"round-engine/internal/model"
	"round-engine/internal/service/fairness"
	"round-engine/internal/service/risk"
	"round-engine/internal/service/round"
	"round-engine/internal/service/scheduler"
	"round-engine/internal/service/settlement"
	appErr "round-engine/pkg/errors"
	"round-engine/pkg/logger"
	"round-engine/pkg/utils/random"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const clientSeedLength = 16

// Clock is the engine's time source. Sleep returns early when ctx ends.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type Service struct {
	db     *gorm.DB
	rdb    *redis.Client
	queue  *scheduler.Queue
	settle *settlement.Service
	risk   *risk.Controller
	games  config.GamesConfig
	cfg    config.EngineConfig
	clock  Clock
	hub    *Hub
}

// NewService wires the engine. rdb may be nil, in which case step locks and
// snapshot caching are skipped and the sequence guard alone dedupes steps.
func NewService(db *gorm.DB, rdb *redis.Client, queue *scheduler.Queue, settle *settlement.Service, ctrl *risk.Controller, cfg *config.Config) *Service {
	return &Service{
		db:     db,
		rdb:    rdb,
		queue:  queue,
		settle: settle,
		risk:   ctrl,
		games:  cfg.Games,
		cfg:    cfg.Engine,
		clock:  systemClock{},
		hub:    NewHub(),
	}
}

func (s *Service) WithClock(clock Clock) *Service {
	s.clock = clock
	return s
}

func (s *Service) Hub() *Hub {
	return s.hub
}

type AdminOverride struct {
	ClientSeed string
	Force      bool
	UpdatedBy  int64

	// keepDisabled refuses to start a game an operator switched off.
	keepDisabled bool
}

type event struct {
	kind string
	data interface{}
}

// step is the state one scheduled step mutates inside its transaction.
type step struct {
	tx     *gorm.DB
	round  *model.Round
	now    time.Time
	log    *zap.Logger
	events []event
}

func (st *step) emit(kind string, data interface{}) {
	st.events = append(st.events, event{kind: kind, data: data})
}

// OnScheduledStep advances roundID by one step if its sequence index still
// equals expectedSeq. Any other delivery is a no-op reported as stale.
func (s *Service) OnScheduledStep(ctx context.Context, roundID string, expectedSeq int64) error {
	release, err := s.acquireStepLock(ctx, roundID)
	if err != nil {
		return err
	}
	defer release()

	current, err := s.loadRound(ctx, roundID)
	if err != nil {
		return err
	}
	log := logger.Round(current.Game, roundID).With(zap.Int64("seq", expectedSeq))
	if current.SequenceIndex != expectedSeq || round.Phase(current.Phase).Terminal() {
		log.Warn("stale step delivery",
			zap.Int64("current", current.SequenceIndex),
			zap.String("phase", current.Phase),
		)
		return appErr.ErrStaleStep
	}

	var events []event
	err = s.runStep(ctx, current, expectedSeq, log, &events)
	if err != nil {
		switch {
		case appErr.KindOf(err) == appErr.KindFatal:
			log.Error("integrity failure, aborting round", zap.Error(err))
			if abortErr := s.AbortRound(ctx, roundID, err.Error()); abortErr != nil {
				log.Error("abort after integrity failure failed", zap.Error(abortErr))
			}
		case errors.Is(err, appErr.ErrStaleStep):
			log.Warn("stale step delivery", zap.Error(err))
		}
		return err
	}
	s.publish(ctx, current.Game, events)
	return nil
}

func (s *Service) runStep(ctx context.Context, current *model.Round, expectedSeq int64, log *zap.Logger, events *[]event) error {
	crashed := false
	if current.Game == model.GameCrash && round.Phase(current.Phase) == round.PhaseRunning {
		var err error
		if crashed, err = s.runCrashTicks(ctx, current); err != nil {
			return err
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := round.Claim(tx, current.ID, expectedSeq)
		if err != nil {
			return err
		}
		st := &step{tx: tx, round: r, now: s.clock.Now(), log: log}
		if err := s.advance(st, crashed); err != nil {
			return err
		}
		*events = st.events
		return nil
	})
}

func (s *Service) advance(st *step, crashed bool) error {
	r := st.round
	switch round.Phase(r.Phase) {
	case round.PhasePending:
		return s.open(st)
	case round.PhaseOpen:
		if err := round.Transition(r, round.PhaseLocked, st.now); err != nil {
			return err
		}
		switch r.Game {
		case model.GameCrash:
			return s.lockCrash(st)
		case model.GameBingo:
			return s.lockBingo(st)
		case model.GameSlots:
			return s.resolveSlots(st)
		}
	case round.PhaseRunning:
		switch r.Game {
		case model.GameCrash:
			return s.continueCrash(st, crashed)
		case model.GameBingo:
			return s.drawBall(st)
		}
	}
	return fmt.Errorf("%w: %s step in phase %s", appErr.ErrIllegalTransition, r.Game, r.Phase)
}

// open commits a fresh seed and opens the betting window.
func (s *Service) open(st *step) error {
	r := st.round
	seed, hash, err := fairness.Commit()
	if err != nil {
		return appErr.Transient(err)
	}
	r.ServerSeed = seed
	r.CommitmentHash = hash
	if r.ClientSeed == "" {
		r.ClientSeed = random.Code(clientSeedLength)
	}
	if err := round.Transition(r, round.PhaseOpen, st.now); err != nil {
		return err
	}
	ends := st.now.Add(s.bettingWindow(r.Game))
	r.BettingEndsAt = &ends
	if err := st.tx.Save(r).Error; err != nil {
		return appErr.Transient(err)
	}
	if err := s.scheduleNext(st, ends); err != nil {
		return err
	}

	st.log.Info("round open",
		zap.String("commitment", hash),
		zap.Time("bettingEndsAt", ends),
	)
	st.emit("round_open", map[string]interface{}{
		"roundId":        r.ID,
		"commitmentHash": hash,
		"clientSeed":     r.ClientSeed,
		"bettingEndsAt":  ends,
	})
	return nil
}

func (s *Service) scheduleNext(st *step, at time.Time) error {
	return s.queue.ScheduleStepTx(st.tx, scheduler.StepRef{
		Game:    st.round.Game,
		RoundID: st.round.ID,
		Seq:     st.round.SequenceIndex,
	}, at)
}

// settleAndChain settles a resolving round and, unless the engine is
// disabled, creates its successor with step 0 after the pause.
func (s *Service) settleAndChain(st *step, outcome settlement.RoundOutcome) error {
	r := st.round
	summary, err := s.settle.SettleRoundTx(st.tx, r, outcome, st.now)
	if err != nil {
		return err
	}
	st.log.Info("round settled",
		zap.Int64("totalIn", summary.TotalIn),
		zap.Int64("totalOut", summary.TotalOut),
		zap.Int("stakes", len(summary.Results)),
	)
	st.emit("round_settled", map[string]interface{}{
		"roundId":    r.ID,
		"serverSeed": r.ServerSeed,
		"summary":    summary,
	})
	return s.chain(st)
}

func (s *Service) chain(st *step) error {
	r := st.round
	state, err := lockState(st.tx, r.Game, st.now)
	if err != nil {
		return err
	}
	if !state.Enabled {
		st.log.Info("engine disabled, chain stopped")
		return nil
	}
	if state.CurrentRoundID != "" && state.CurrentRoundID != r.ID {
		st.log.Warn("round is no longer current, chain stopped", zap.String("current", state.CurrentRoundID))
		return nil
	}

	next := round.New(r.Game, s.timing(r.Game))
	if err := st.tx.Create(next).Error; err != nil {
		return appErr.Transient(err)
	}
	startAt := st.now.Add(s.roundPause(r.Game))
	if err := s.queue.ScheduleStepTx(st.tx, scheduler.StepRef{Game: r.Game, RoundID: next.ID}, startAt); err != nil {
		return err
	}
	state.CurrentRoundID = next.ID
	state.UpdatedAt = st.now
	if err := st.tx.Save(state).Error; err != nil {
		return appErr.Transient(err)
	}
	st.emit("round_scheduled", map[string]interface{}{"roundId": next.ID, "startsAt": startAt})
	return nil
}

// StartRound begins a new chain for game. A live round blocks it unless
// override.Force is set, in which case that round is aborted and refunded.
func (s *Service) StartRound(ctx context.Context, game string, override AdminOverride) (*model.Round, error) {
	if !model.ValidGame(game) {
		return nil, appErr.ErrInvalidGame
	}
	now := s.clock.Now()
	var next *model.Round
	var superseded string

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		state, err := lockState(tx, game, now)
		if err != nil {
			return err
		}
		if override.keepDisabled && !state.Enabled {
			return appErr.ErrEngineDisabled
		}
		if state.CurrentRoundID != "" {
			cur, err := round.Lock(tx, state.CurrentRoundID)
			if err != nil && !errors.Is(err, appErr.ErrRoundNotFound) {
				return err
			}
			if cur != nil && !round.Phase(cur.Phase).Terminal() {
				if !override.Force {
					return appErr.ErrRoundInProgress
				}
				if err := round.Transition(cur, round.PhaseAborted, now); err != nil {
					return err
				}
				cur.AbortReason = "superseded by a forced start"
				if err := tx.Save(cur).Error; err != nil {
					return appErr.Transient(err)
				}
				superseded = cur.ID
			}
		}

		next = round.New(game, s.timing(game))
		next.ClientSeed = override.ClientSeed
		if err := tx.Create(next).Error; err != nil {
			return appErr.Transient(err)
		}
		if err := s.queue.ScheduleStepTx(tx, scheduler.StepRef{Game: game, RoundID: next.ID}, now); err != nil {
			return err
		}
		state.Enabled = true
		state.CurrentRoundID = next.ID
		state.UpdatedBy = override.UpdatedBy
		state.UpdatedAt = now
		return wrapDB(tx.Save(state).Error)
	})
	if err != nil {
		return nil, err
	}

	log := logger.Round(game, next.ID)
	if superseded != "" {
		log.Warn("forced start aborted the live round", zap.String("aborted", superseded))
		if n, err := s.settle.RefundRound(ctx, superseded); err != nil {
			log.Error("refund of superseded round failed", zap.String("aborted", superseded), zap.Error(err))
		} else {
			log.Info("superseded round refunded", zap.Int("stakes", n))
		}
	}
	log.Info("round chain started", zap.Int64("by", override.UpdatedBy))
	s.publish(ctx, game, []event{{kind: "round_scheduled", data: map[string]interface{}{"roundId": next.ID, "startsAt": now}}})
	return next, nil
}

// Resume starts the chain of game at boot. A game with no stored state starts
// enabled; a game an operator disabled stays stopped with ErrEngineDisabled.
func (s *Service) Resume(ctx context.Context, game string) (*model.Round, error) {
	return s.StartRound(ctx, game, AdminOverride{keepDisabled: true})
}

// SetEnabled toggles automatic chaining. Disabling lets the live round
// finish; enabling starts a chain when none is live.
func (s *Service) SetEnabled(ctx context.Context, game string, enabled bool, by int64) error {
	if !model.ValidGame(game) {
		return appErr.ErrInvalidGame
	}
	now := s.clock.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		state, err := lockState(tx, game, now)
		if err != nil {
			return err
		}
		state.Enabled = enabled
		state.UpdatedBy = by
		state.UpdatedAt = now
		return wrapDB(tx.Save(state).Error)
	})
	if err != nil {
		return err
	}
	logger.Log.Info("engine toggled", zap.String("game", game), zap.Bool("enabled", enabled), zap.Int64("by", by))

	if !enabled {
		return nil
	}
	if _, err := s.StartRound(ctx, game, AdminOverride{UpdatedBy: by}); err != nil && !errors.Is(err, appErr.ErrRoundInProgress) {
		return err
	}
	return nil
}

// AbortRound moves a live round to aborted. Aborting a terminal round is a
// no-op so retries and admin calls may overlap.
func (s *Service) AbortRound(ctx context.Context, roundID, reason string) error {
	var aborted *model.Round
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := round.Lock(tx, roundID)
		if err != nil {
			return err
		}
		if round.Phase(r.Phase).Terminal() {
			return nil
		}
		if err := round.Transition(r, round.PhaseAborted, s.clock.Now()); err != nil {
			return err
		}
		r.AbortReason = truncate(reason, 255)
		if err := tx.Save(r).Error; err != nil {
			return appErr.Transient(err)
		}
		aborted = r
		return nil
	})
	if err != nil || aborted == nil {
		return err
	}

	logger.Round(aborted.Game, roundID).Error("round aborted", zap.String("reason", aborted.AbortReason))
	s.publish(ctx, aborted.Game, []event{{kind: "round_aborted", data: map[string]interface{}{"roundId": roundID}}})
	return nil
}

func (s *Service) RefundRound(ctx context.Context, roundID string) (int, error) {
	n, err := s.settle.RefundRound(ctx, roundID)
	if err != nil {
		return 0, err
	}
	logger.Log.Info("aborted round refunded", zap.String("roundID", roundID), zap.Int("stakes", n))
	return n, nil
}

func (s *Service) CurrentRound(ctx context.Context, game string) (*model.Round, error) {
	if !model.ValidGame(game) {
		return nil, appErr.ErrInvalidGame
	}
	var state model.EngineState
	if err := s.db.WithContext(ctx).Where("game = ?", game).Limit(1).Find(&state).Error; err != nil {
		return nil, appErr.Transient(err)
	}
	if state.CurrentRoundID == "" {
		return nil, appErr.ErrRoundNotFound
	}
	return s.loadRound(ctx, state.CurrentRoundID)
}

func (s *Service) loadRound(ctx context.Context, roundID string) (*model.Round, error) {
	var r model.Round
	if err := s.db.WithContext(ctx).Where("id = ?", roundID).First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErr.ErrRoundNotFound
		}
		return nil, appErr.Transient(err)
	}
	return &r, nil
}

// lockState returns the game's engine row. A game without one is enabled.
func lockState(tx *gorm.DB, game string, now time.Time) (*model.EngineState, error) {
	var state model.EngineState
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("game = ?", game).First(&state).Error
	if err == nil {
		return &state, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, appErr.Transient(err)
	}
	seed := model.EngineState{Game: game, Enabled: true, UpdatedAt: now}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return nil, appErr.Transient(err)
	}
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("game = ?", game).First(&state).Error; err != nil {
		return nil, appErr.Transient(err)
	}
	return &state, nil
}

func (s *Service) timing(game string) round.Timing {
	switch game {
	case model.GameCrash:
		return round.Timing{TickInterval: s.games.Crash.TickInterval}
	case model.GameBingo:
		return round.Timing{StepInterval: s.games.Bingo.BallInterval}
	}
	return round.Timing{}
}

func (s *Service) bettingWindow(game string) time.Duration {
	switch game {
	case model.GameCrash:
		return s.games.Crash.BettingWindow
	case model.GameBingo:
		return s.games.Bingo.BettingWindow
	}
	return s.games.Slots.BettingWindow
}

func (s *Service) roundPause(game string) time.Duration {
	switch game {
	case model.GameCrash:
		return s.games.Crash.RoundPause
	case model.GameBingo:
		return s.games.Bingo.RoundPause
	}
	return s.games.Slots.RoundPause
}

func mustJSON(v interface{}) datatypes.JSON {
	raw, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(raw)
}

func wrapDB(err error) error {
	if err == nil {
		return nil
	}
	return appErr.Transient(err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
