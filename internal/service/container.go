package service

import (
	"context"
	"errors"

	"round-engine/internal/config"
	"round-engine/internal/service/engine"
	"round-engine/internal/service/operator"
	"round-engine/internal/service/risk"
	"round-engine/internal/service/scheduler"
	"round-engine/internal/service/settlement"
	"round-engine/internal/service/wallet"
	appErr "round-engine/pkg/errors"
	"round-engine/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Container struct {
	Wallet     *wallet.Service
	Operator   *operator.Service
	Risk       *risk.Controller
	Settlement *settlement.Service
	Queue      *scheduler.Queue
	Engine     *engine.Service
	Dispatcher *scheduler.Dispatcher

	autostart []string
}

func NewContainer(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *Container {
	ctrl := risk.NewController(risk.PolicyFromConfig(cfg.Games.Crash))
	if err := ctrl.Err(); err != nil {
		logger.Log.Error("risk policy invalid; stakes are suspended", zap.Error(err))
	}
	settle := settlement.NewService(db, ctrl, cfg.Games)
	queue := scheduler.NewQueue(db)
	eng := engine.NewService(db, rdb, queue, settle, ctrl, cfg)

	return &Container{
		Wallet:     wallet.NewService(db),
		Operator:   operator.NewService(db),
		Risk:       ctrl,
		Settlement: settle,
		Queue:      queue,
		Engine:     eng,
		Dispatcher: scheduler.NewDispatcher(queue, eng, scheduler.Config{
			PollInterval: cfg.Scheduler.PollInterval,
			BatchSize:    cfg.Scheduler.BatchSize,
			Concurrency:  cfg.Scheduler.Concurrency,
			LeaseTTL:     cfg.Scheduler.LeaseTTL,
			MaxAttempts:  cfg.Scheduler.MaxAttempts,
			RetryBackoff: cfg.Scheduler.RetryBackoff,
		}),
		autostart: cfg.Engine.Autostart,
	}
}

// Start bootstraps accounts and kicks off the configured round chains.
// A chain that is already live is left alone, and so is a game an operator
// disabled.
func (c *Container) Start(ctx context.Context) error {
	if err := c.Operator.EnsureDefaultOperator(ctx); err != nil {
		return err
	}
	for _, game := range c.autostart {
		r, err := c.Engine.Resume(ctx, game)
		switch {
		case errors.Is(err, appErr.ErrRoundInProgress):
			logger.Log.Info("round chain already live", zap.String("game", game))
		case errors.Is(err, appErr.ErrEngineDisabled):
			logger.Log.Info("game disabled, not autostarted", zap.String("game", game))
		case err != nil:
			return err
		default:
			logger.Log.Info("round chain autostarted", zap.String("game", game), zap.String("roundID", r.ID))
		}
	}
	return nil
}
