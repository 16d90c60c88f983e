package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"gatekeep.dev/internal/obs"
)

const DefaultSweepTimeout = 20 * time.Second

// Sweeper periodically expires stale sessions. Expiry is also enforced on every read,
// so a skipped run only delays bookkeeping.
type Sweeper struct {
	manager *Manager
	cron    *cron.Cron
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewSweeper schedules Manager.Sweep using a standard cron spec or descriptor such as
// "@every 1m". Overlapping runs are skipped.
func NewSweeper(m *Manager, schedule string, timeout time.Duration) (*Sweeper, error) {
	if m == nil {
		return nil, errors.New("session manager is required")
	}
	if timeout <= 0 {
		timeout = DefaultSweepTimeout
	}
	logger := cronLogger{}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sweeper{
		manager: m,
		cron:    cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
	if _, err := s.cron.AddFunc(schedule, s.RunOnce); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: sweep schedule %q: %v", ErrInvalidInput, schedule, err)
	}
	return s, nil
}

func (s *Sweeper) Start() { s.cron.Start() }

// Stop cancels a running sweep and waits for it until ctx is done.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs a single bounded sweep.
func (s *Sweeper) RunOnce() {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	start := time.Now()
	n, err := s.manager.Sweep(ctx)
	if err != nil {
		obs.Logger().Warn("session sweep failed", "error", err.Error())
		return
	}
	obs.SessionsSwept(n)
	if n > 0 {
		obs.Logger().Info("session sweep", "expired", n, "duration_ms", time.Since(start).Milliseconds())
	}
}

type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	obs.Logger().Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	obs.Logger().Error("cron: "+msg, append(keysAndValues, "error", err.Error())...)
}
