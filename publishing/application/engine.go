package application

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/AzielCF/az-publish/infrastructure/valkey"
	"github.com/AzielCF/az-publish/pkg/workerpool"
	"github.com/AzielCF/az-publish/publishing/domain/content"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Signaler carries wake-ups between engine instances.
type Signaler interface {
	Key(parts ...string) string
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string, fn func(message string)) error
}

var _ Signaler = (*valkey.Client)(nil)

type EngineConfig struct {
	ScanInterval time.Duration
	Workers      int
	QueueSize    int
}

// TickStats summarises one scan.
type TickStats struct {
	Due       int  `json:"due"`
	Retryable int  `json:"retryable"`
	Queued    int  `json:"queued"`
	Dropped   int  `json:"dropped"`
	Skipped   bool `json:"skipped"`
}

type EngineStats struct {
	LastTick   time.Time             `json:"last_tick"`
	LastResult TickStats             `json:"last_result"`
	Pool       workerpool.PoolStats `json:"pool"`
}

// Engine drives scans on a fixed interval and on wake signals, and feeds claimed
// work to the worker pool. Dispatch passes never overlap for one item: the pool
// serialises jobs by item id and the claim rejects everything else.
type Engine struct {
	scanner     *Scanner
	coordinator *Coordinator
	pool        *workerpool.Pool
	signals     Signaler
	cfg         EngineConfig

	cron   *cron.Cron
	wake   chan struct{}
	tickMu sync.Mutex
	queued sync.Map // item id -> struct{}, cleared when the job ends

	statsMu  sync.Mutex
	lastTick time.Time
	last     TickStats

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
	now      func() time.Time
}

// NewEngine wires the engine. signals may be nil for a single instance.
func NewEngine(scanner *Scanner, coordinator *Coordinator, signals Signaler, cfg EngineConfig) *Engine {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Minute
	}
	return &Engine{
		scanner:     scanner,
		coordinator: coordinator,
		pool:        workerpool.New(cfg.Workers, cfg.QueueSize),
		signals:     signals,
		cfg:         cfg,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) signalChannel() string {
	return e.signals.Key("scheduler", "signal")
}

// Start launches the workers, the interval schedule and the wake listener, and
// runs a first scan immediately.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.pool.Start(runCtx)

	e.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(logrus.StandardLogger()))))
	spec := fmt.Sprintf("@every %s", e.cfg.ScanInterval)
	if _, err := e.cron.AddFunc(spec, func() { e.tickAndLog(runCtx) }); err != nil {
		cancel()
		e.pool.Stop()
		return fmt.Errorf("schedule scan %q: %w", spec, err)
	}
	e.cron.Start()

	go e.listen(runCtx)

	if e.signals != nil {
		go func() {
			err := e.signals.Subscribe(runCtx, e.signalChannel(), func(string) { e.trigger() })
			if err != nil && runCtx.Err() == nil {
				logrus.WithError(err).Warn("[ENGINE] Wake subscription ended, relying on interval scans")
			}
		}()
	}

	logrus.Infof("[ENGINE] Started, scanning every %s", e.cfg.ScanInterval)
	e.trigger()
	return nil
}

func (e *Engine) listen(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
			e.tickAndLog(ctx)
		}
	}
}

func (e *Engine) trigger() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Notify asks every engine instance to scan now. Without a signal bus only
// this instance is woken.
func (e *Engine) Notify(ctx context.Context) {
	if e.signals != nil {
		err := e.signals.Publish(ctx, e.signalChannel(), "scan")
		if err == nil {
			return
		}
		logrus.WithError(err).Warn("[ENGINE] Wake signal not published, scanning locally")
	}
	e.trigger()
}

func (e *Engine) tickAndLog(ctx context.Context) {
	stats, err := e.Tick(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logrus.WithError(err).Error("[ENGINE] Scan failed")
		return
	}
	if stats.Queued > 0 || stats.Dropped > 0 {
		logrus.Infof("[ENGINE] Scan queued %d items (due=%d retryable=%d dropped=%d)",
			stats.Queued, stats.Due, stats.Retryable, stats.Dropped)
	}
}

// Tick runs one scan and queues every due item. Overlapping calls return
// immediately with Skipped set.
func (e *Engine) Tick(ctx context.Context) (TickStats, error) {
	if !e.tickMu.TryLock() {
		return TickStats{Skipped: true}, nil
	}
	defer e.tickMu.Unlock()

	now := e.now()
	var stats TickStats

	err := e.enqueue(e.scanner.Scan(ctx, now), e.coordinator.Dispatch, &stats.Due, &stats)
	if err == nil {
		err = e.enqueue(e.scanner.ScanRetryable(ctx, now), e.coordinator.Resume, &stats.Retryable, &stats)
	}

	e.statsMu.Lock()
	e.lastTick = now
	e.last = stats
	e.statsMu.Unlock()
	return stats, err
}

type passFunc func(ctx context.Context, item content.ContentItem) (content.ContentItem, error)

func (e *Engine) enqueue(items iter.Seq2[content.ContentItem, error], run passFunc, seen *int, stats *TickStats) error {
	for item, err := range items {
		if err != nil {
			return err
		}
		*seen++

		if _, busy := e.queued.LoadOrStore(item.ID, struct{}{}); busy {
			continue
		}
		ok := e.pool.TryDispatch(workerpool.Job{
			Key: item.ID,
			Handler: func(ctx context.Context) error {
				defer e.queued.Delete(item.ID)
				_, err := run(ctx, item)
				if errors.Is(err, ErrNotClaimed) || errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			},
		})
		if ok {
			stats.Queued++
		} else {
			e.queued.Delete(item.ID)
			stats.Dropped++
		}
	}
	return nil
}

// RunOnce scans once, runs every queued pass to completion and stops.
// It is meant for one-shot invocations rather than a running engine.
func (e *Engine) RunOnce(ctx context.Context) (TickStats, error) {
	e.pool.Start(context.WithoutCancel(ctx))
	stats, err := e.Tick(ctx)
	e.pool.Stop()
	return stats, err
}

// Stop stops scheduling, then waits for every queued pass to finish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		logrus.Info("[ENGINE] Stopping")
		if e.cron != nil {
			<-e.cron.Stop().Done()
		}
		if e.cancel != nil {
			e.cancel()
			<-e.done
		}
		e.pool.Stop()
		logrus.Info("[ENGINE] Stopped")
	})
}

func (e *Engine) Stats() EngineStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return EngineStats{LastTick: e.lastTick, LastResult: e.last, Pool: e.pool.Stats()}
}
