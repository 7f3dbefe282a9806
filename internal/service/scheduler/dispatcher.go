package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"round-engine/internal/model"
	appErr "round-engine/pkg/errors"
	"round-engine/pkg/logger"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
	LeaseTTL     time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
}

func defaultConfig() Config {
	return Config{
		PollInterval: time.Second,
		BatchSize:    32,
		Concurrency:  8,
		LeaseTTL:     90 * time.Second,
		MaxAttempts:  5,
		RetryBackoff: 2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := defaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = def.LeaseTTL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	return c
}

// Dispatcher polls the queue and delivers due steps to a Handler.
type Dispatcher struct {
	queue   *Queue
	handler Handler
	cfg     Config
	now     func() time.Time

	// slots bounds in-flight deliveries across polls.
	slots    chan struct{}
	inflight conc.WaitGroup

	startOnce sync.Once
}

func NewDispatcher(queue *Queue, handler Handler, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		queue:   queue,
		handler: handler,
		cfg:     cfg,
		now:     time.Now,
		slots:   make(chan struct{}, cfg.Concurrency),
	}
}

// WithClock replaces the time source, for tests.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Run blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	started := false
	d.startOnce.Do(func() { started = true })
	if !started {
		return fmt.Errorf("dispatcher already running")
	}

	logger.Log.Info("dispatcher started",
		zap.Duration("pollInterval", d.cfg.PollInterval),
		zap.Int("concurrency", d.cfg.Concurrency),
	)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.Wait()
			logger.Log.Info("dispatcher stopped")
			return nil
		case <-ticker.C:
			if _, err := d.Dispatch(ctx); err != nil {
				logger.Log.Warn("dispatcher poll error", zap.Error(err))
			}
		}
	}
}

// RunOnce performs a single poll and waits until nothing is in flight.
// It returns the number of tasks delivered.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	n, err := d.Dispatch(ctx)
	d.Wait()
	return n, err
}

// Dispatch claims as many due tasks as there are free delivery slots and
// hands them to the handler without waiting for them. A slow step never
// holds back steps of other rounds while a slot is free.
func (d *Dispatcher) Dispatch(ctx context.Context) (int, error) {
	now := d.now()
	if n, err := d.queue.reclaim(ctx, now); err != nil {
		return 0, err
	} else if n > 0 {
		logger.Log.Warn("reclaimed expired task leases", zap.Int64("count", n))
	}

	free := cap(d.slots) - len(d.slots)
	if free > d.cfg.BatchSize {
		free = d.cfg.BatchSize
	}
	if free <= 0 {
		return 0, nil
	}

	tasks, err := d.queue.claimDue(ctx, now, free, d.cfg.LeaseTTL)
	for _, task := range tasks {
		task := task
		d.slots <- struct{}{}
		d.inflight.Go(func() {
			defer func() { <-d.slots }()
			d.deliver(ctx, task)
		})
	}
	return len(tasks), err
}

// Wait blocks until every delivered task has finished.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

// Deliver runs one step for an external trigger such as a task webhook.
// Attempts, backoff and the abort after MaxAttempts are shared with polling.
// It returns the task status the step left behind and the step error.
func (d *Dispatcher) Deliver(ctx context.Context, ref StepRef) (string, error) {
	now := d.now()
	if _, err := d.queue.reclaim(ctx, now); err != nil {
		return "", appErr.Transient(err)
	}
	task, err := d.queue.claimStep(ctx, ref, now, d.cfg.LeaseTTL)
	if err != nil {
		return "", err
	}
	return d.deliver(ctx, *task)
}

func (d *Dispatcher) deliver(ctx context.Context, task model.ScheduledTask) (string, error) {
	fields := []zap.Field{
		zap.Int64("taskID", task.ID),
		zap.String("game", task.Game),
		zap.String("roundID", task.RoundID),
		zap.Int64("seq", task.Seq),
		zap.Int("attempt", task.Attempts),
	}

	stepErr := d.handler.OnScheduledStep(ctx, task.RoundID, task.Seq)
	status, notBefore := d.outcome(task, stepErr)

	switch status {
	case StatusDone:
		if stepErr != nil {
			logger.Log.Warn("step discarded", append(fields, zap.Error(stepErr))...)
		}
		d.record(ctx, d.queue.finish(ctx, task.ID, StatusDone, errString(stepErr)), fields)
	case StatusPending:
		logger.Log.Warn("step failed, will retry", append(fields, zap.Time("notBefore", notBefore), zap.Error(stepErr))...)
		d.record(ctx, d.queue.retry(ctx, task.ID, notBefore, errString(stepErr)), fields)
	case StatusDead:
		if appErr.KindOf(stepErr) != appErr.KindFatal {
			reason := fmt.Sprintf("step %d failed after %d attempts: %v", task.Seq, task.Attempts, stepErr)
			if err := d.handler.AbortRound(ctx, task.RoundID, reason); err != nil {
				logger.Log.Error("abort after retries failed", append(fields, zap.Error(err))...)
			}
		}
		logger.Log.Error("step dead", append(fields, zap.Error(stepErr))...)
		d.record(ctx, d.queue.finish(ctx, task.ID, StatusDead, errString(stepErr)), fields)
	}
	return status, stepErr
}

// outcome maps a handler result to the next task status.
func (d *Dispatcher) outcome(task model.ScheduledTask, err error) (string, time.Time) {
	switch appErr.KindOf(err) {
	case "", appErr.KindValidation, appErr.KindPrecondition:
		return StatusDone, time.Time{}
	case appErr.KindFatal:
		return StatusDead, time.Time{}
	}
	if task.Attempts >= d.cfg.MaxAttempts {
		return StatusDead, time.Time{}
	}
	return StatusPending, d.now().Add(d.backoff(task.Attempts))
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 10 {
		attempt = 10
	}
	return d.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
}

func (d *Dispatcher) record(_ context.Context, err error, fields []zap.Field) {
	if err != nil {
		logger.Log.Error("failed to record task status", append(fields, zap.Error(err))...)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
