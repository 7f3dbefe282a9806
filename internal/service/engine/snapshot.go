package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"round-engine/internal/model"
	"round-engine/internal/service/round"
	appErr "round-engine/pkg/errors"
	"round-engine/pkg/logger"
	"round-engine/pkg/money"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const snapshotTTL = 500 * time.Millisecond

func buildSnapshotKey(game string) string {
	return fmt.Sprintf("round:snapshot:%s", game)
}

func buildStepLockKey(roundID string) string {
	return fmt.Sprintf("round:step:%s", roundID)
}

// Snapshot is the public view of a game's current round. It may lag the
// database by up to snapshotTTL.
type Snapshot struct {
	Game           string     `json:"game"`
	Enabled        bool       `json:"enabled"`
	RoundID        string     `json:"roundId"`
	Phase          string     `json:"phase"`
	CommitmentHash string     `json:"commitmentHash"`
	ClientSeed     string     `json:"clientSeed"`
	BettingEndsAt  *time.Time `json:"bettingEndsAt,omitempty"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	Multiplier     string     `json:"multiplier,omitempty"`
	CrashPoint     string     `json:"crashPoint,omitempty"`
	Called         []int      `json:"called,omitempty"`
	Stakes         int        `json:"stakes"`
	TotalStaked    int64      `json:"totalStaked"`
	PoolBalance    *int64     `json:"poolBalance,omitempty"`
	AsOf           time.Time  `json:"asOf"`
}

func (s *Service) Snapshot(ctx context.Context, game string) (*Snapshot, error) {
	if !model.ValidGame(game) {
		return nil, appErr.ErrInvalidGame
	}
	if s.rdb != nil {
		raw, err := s.rdb.Get(ctx, buildSnapshotKey(game)).Result()
		if err == nil {
			var snap Snapshot
			if json.Unmarshal([]byte(raw), &snap) == nil {
				return &snap, nil
			}
		} else if err != redis.Nil {
			logger.Log.Warn("snapshot cache read failed", zap.String("game", game), zap.Error(err))
		}
	}

	snap, err := s.buildSnapshot(ctx, game)
	if err != nil {
		return nil, err
	}
	if s.rdb != nil {
		if data, err := json.Marshal(snap); err == nil {
			s.rdb.Set(ctx, buildSnapshotKey(game), data, snapshotTTL)
		}
	}
	return snap, nil
}

func (s *Service) buildSnapshot(ctx context.Context, game string) (*Snapshot, error) {
	now := s.clock.Now()
	var state model.EngineState
	if err := s.db.WithContext(ctx).Where("game = ?", game).Limit(1).Find(&state).Error; err != nil {
		return nil, appErr.Transient(err)
	}
	snap := &Snapshot{Game: game, Enabled: state.Enabled || state.Game == "", AsOf: now}
	if game == model.GameSlots {
		pool, err := s.settle.Pool(ctx, game)
		if err != nil {
			return nil, appErr.Transient(err)
		}
		snap.PoolBalance = &pool.Balance
	}
	if state.CurrentRoundID == "" {
		return snap, nil
	}

	r, err := s.loadRound(ctx, state.CurrentRoundID)
	if err != nil {
		return nil, err
	}
	snap.RoundID = r.ID
	snap.Phase = r.Phase
	snap.CommitmentHash = r.CommitmentHash
	snap.ClientSeed = r.ClientSeed
	snap.BettingEndsAt = r.BettingEndsAt
	snap.StartedAt = r.StartedAt

	switch r.Game {
	case model.GameCrash:
		if round.Phase(r.Phase) == round.PhaseRunning && r.StartedAt != nil {
			current := round.MultiplierAt(now.Sub(*r.StartedAt), s.games.Crash.Growth)
			if int64(current) >= r.CrashPoint {
				current = money.Multiplier(r.CrashPoint)
			}
			snap.Multiplier = current.String()
		}
		if round.Phase(r.Phase) == round.PhaseSettled {
			snap.CrashPoint = money.Multiplier(r.CrashPoint).String()
		}
	case model.GameBingo:
		var balls []int
		if len(r.DrawSequence) > 0 && json.Unmarshal(r.DrawSequence, &balls) == nil && r.DrawIndex <= len(balls) {
			snap.Called = balls[:r.DrawIndex]
		}
	}

	stakes, err := s.settle.Stakes(ctx, r.ID)
	if err != nil {
		return nil, appErr.Transient(err)
	}
	snap.Stakes = len(stakes)
	for _, st := range stakes {
		snap.TotalStaked += st.Amount
	}
	return snap, nil
}

// publish pushes committed events to subscribers and drops the cached
// snapshot so the next read sees them.
func (s *Service) publish(ctx context.Context, game string, events []event) {
	if len(events) == 0 {
		return
	}
	if s.rdb != nil {
		if err := s.rdb.Del(ctx, buildSnapshotKey(game)).Err(); err != nil {
			logger.Log.Warn("snapshot cache invalidation failed", zap.String("game", game), zap.Error(err))
		}
	}
	for _, ev := range events {
		s.hub.Publish(game, ev.kind, ev.data)
	}
}

// releaseStepLock deletes the lock only while it still holds our token. A
// step that outlived StepLockTTL leaves the next holder's lock in place.
var releaseStepLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// acquireStepLock keeps two deliveries of the same round from running at
// once. A held lock is transient so the task is redelivered later.
func (s *Service) acquireStepLock(ctx context.Context, roundID string) (func(), error) {
	if s.rdb == nil {
		return func() {}, nil
	}
	lockKey := buildStepLockKey(roundID)
	token := uuid.NewString()
	gotLock, err := s.rdb.SetNX(ctx, lockKey, token, s.cfg.StepLockTTL).Result()
	if err != nil {
		return nil, appErr.Transient(err)
	}
	if !gotLock {
		return nil, appErr.ErrStepBusy
	}
	return func() {
		if _, err := unlock(context.Background(), s.rdb, lockKey, token); err != nil {
			logger.Log.Warn("failed to release step lock", zap.String("roundID", roundID), zap.Error(err))
		}
	}, nil
}

// unlock reports whether the lock was still ours and has been removed.
func unlock(ctx context.Context, c redis.Scripter, key, token string) (bool, error) {
	n, err := releaseStepLock.Run(ctx, c, []string{key}, token).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
