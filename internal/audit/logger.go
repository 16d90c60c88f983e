package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gatekeep.dev/internal/ids"
	"gatekeep.dev/internal/obs"
)

const (
	DefaultQueueSize = 1024
	DefaultWorkers   = 2
	defaultListLimit = 100
	maxListLimit     = 1000
	asyncTimeout     = 5 * time.Second
)

type Option func(*Logger)

func WithQueueSize(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.queueSize = n
		}
	}
}

func WithWorkers(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.workers = n
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(l *Logger) {
		if fn != nil {
			l.now = fn
		}
	}
}

// Logger writes audit records. Required records are written before Record returns;
// the rest go through a bounded queue drained by background workers. Anything that
// cannot be stored is written to the fallback log instead.
type Logger struct {
	store     Store
	now       func() time.Time
	queueSize int
	workers   int

	queue chan Record
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewLogger(store Store, opts ...Option) (*Logger, error) {
	if store == nil {
		return nil, errors.New("audit store is required")
	}
	l := &Logger{
		store:     store,
		now:       time.Now,
		queueSize: DefaultQueueSize,
		workers:   DefaultWorkers,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.queue = make(chan Record, l.queueSize)
	for i := 0; i < l.workers; i++ {
		l.wg.Add(1)
		go l.drain()
	}
	return l, nil
}

// Record stamps rec with an id and time and stores it. With required set a failed
// write returns ErrAuditWriteFailed; otherwise Record never fails and never blocks.
func (l *Logger) Record(ctx context.Context, rec Record, required bool) (Record, error) {
	rec = l.stamp(ctx, rec)
	if strings.TrimSpace(rec.Action) == "" {
		return rec, fmt.Errorf("%w: action is required", ErrAuditWriteFailed)
	}
	if required {
		if err := l.store.AppendAudit(ctx, rec); err != nil {
			obs.AuditWrite("sync", "error")
			logFallback(rec, err.Error())
			return rec, fmt.Errorf("%w: %v", ErrAuditWriteFailed, err)
		}
		obs.AuditWrite("sync", "ok")
		return rec, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		obs.AuditWrite("async", "fallback")
		logFallback(rec, "logger closed")
		return rec, nil
	}
	select {
	case l.queue <- rec:
	default:
		obs.AuditWrite("async", "fallback")
		logFallback(rec, "queue full")
	}
	return rec, nil
}

// List returns records matching f, newest first.
func (l *Logger) List(ctx context.Context, f Filter) ([]Record, error) {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	return l.store.ListAudit(ctx, f)
}

// Close stops accepting queued records and waits for the queue to drain.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Logger) stamp(ctx context.Context, rec Record) Record {
	now := l.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.ID == "" {
		rec.ID = ids.NewAt(rec.CreatedAt)
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		details := make(map[string]any, len(rec.Details)+1)
		for k, v := range rec.Details {
			details[k] = v
		}
		details["request_id"] = rid
		rec.Details = details
	}
	return rec
}

func (l *Logger) drain() {
	defer l.wg.Done()
	for rec := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		err := l.store.AppendAudit(ctx, rec)
		cancel()
		if err != nil {
			obs.AuditWrite("async", "error")
			logFallback(rec, err.Error())
			continue
		}
		obs.AuditWrite("async", "ok")
	}
}
