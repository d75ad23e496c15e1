package workerpool

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Job is one unit of work. Jobs with the same Key always run on the same
// worker, in dispatch order.
type Job struct {
	Key     string
	Handler func(ctx context.Context) error
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	NumWorkers      int            `json:"num_workers"`
	QueueSize       int            `json:"queue_size"`
	ActiveWorkers   int            `json:"active_workers"`
	TotalDispatched int64          `json:"total_dispatched"`
	TotalProcessed  int64          `json:"total_processed"`
	TotalDropped    int64          `json:"total_dropped"`
	TotalErrors     int64          `json:"total_errors"`
	WorkerStats     []WorkerStats  `json:"worker_stats"`
	ActiveKeys      map[string]int `json:"active_keys"` // job key -> worker id
}

type WorkerStats struct {
	WorkerID      int   `json:"worker_id"`
	QueueDepth    int   `json:"queue_depth"`
	IsProcessing  bool  `json:"is_processing"`
	JobsProcessed int64 `json:"jobs_processed"`
}

// Pool runs jobs on a fixed set of workers, each with its own bounded queue.
type Pool struct {
	numWorkers int
	queueSize  int
	workers    []*worker
	wg         sync.WaitGroup
	stopOnce   sync.Once
	started    atomic.Bool
	stopped    atomic.Bool
	// guards queue sends against a concurrent Stop closing the queues
	sendMu sync.RWMutex

	totalDispatched atomic.Int64
	totalProcessed  atomic.Int64
	totalDropped    atomic.Int64
	totalErrors     atomic.Int64

	activeMu   sync.Mutex
	activeKeys map[string]int
}

type worker struct {
	id            int
	jobQueue      chan Job
	ctx           context.Context
	isProcessing  atomic.Bool
	jobsProcessed atomic.Int64
	pool          *Pool
}

func New(numWorkers, queueSize int) *Pool {
	if numWorkers <= 0 {
		numWorkers = 8
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	return &Pool{
		numWorkers: numWorkers,
		queueSize:  queueSize,
		workers:    make([]*worker, numWorkers),
		activeKeys: make(map[string]int),
	}
}

// Start launches the workers. Handlers receive ctx.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}

	for i := 0; i < p.numWorkers; i++ {
		w := &worker{
			id:       i,
			jobQueue: make(chan Job, p.queueSize),
			ctx:      ctx,
			pool:     p,
		}
		p.workers[i] = w

		p.wg.Add(1)
		go w.run(&p.wg)
	}

	logrus.Infof("[WORKER_POOL] Started with %d workers, queue size: %d", p.numWorkers, p.queueSize)
}

// TryDispatch enqueues job without blocking and reports whether it was
// accepted. A full queue or a stopped pool drops the job.
func (p *Pool) TryDispatch(job Job) bool {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	if p.stopped.Load() || !p.started.Load() {
		p.totalDropped.Add(1)
		return false
	}

	shard := p.shardFor(job.Key)
	p.totalDispatched.Add(1)

	select {
	case p.workers[shard].jobQueue <- job:
		return true
	default:
		p.totalDropped.Add(1)
		logrus.Warnf("[WORKER_POOL] Worker %d queue full, dropping job %s", shard, job.Key)
		return false
	}
}

// Stop refuses new jobs, lets the workers finish everything already queued
// and waits for them.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.sendMu.Lock()
		p.stopped.Store(true)
		if p.started.Load() {
			for _, w := range p.workers {
				close(w.jobQueue)
			}
		}
		p.sendMu.Unlock()

		logrus.Info("[WORKER_POOL] Stopping workers, draining queues...")
		p.wg.Wait()
		logrus.Info("[WORKER_POOL] All workers stopped")
	})
}

func (p *Pool) shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(p.numWorkers))
}

func (p *Pool) Stats() PoolStats {
	workerStats := make([]WorkerStats, 0, len(p.workers))
	activeWorkers := 0

	for _, w := range p.workers {
		if w == nil {
			continue
		}
		busy := w.isProcessing.Load()
		if busy {
			activeWorkers++
		}
		workerStats = append(workerStats, WorkerStats{
			WorkerID:      w.id,
			QueueDepth:    len(w.jobQueue),
			IsProcessing:  busy,
			JobsProcessed: w.jobsProcessed.Load(),
		})
	}

	p.activeMu.Lock()
	active := make(map[string]int, len(p.activeKeys))
	for k, v := range p.activeKeys {
		active[k] = v
	}
	p.activeMu.Unlock()

	return PoolStats{
		NumWorkers:      p.numWorkers,
		QueueSize:       p.queueSize,
		ActiveWorkers:   activeWorkers,
		TotalDispatched: p.totalDispatched.Load(),
		TotalProcessed:  p.totalProcessed.Load(),
		TotalDropped:    p.totalDropped.Load(),
		TotalErrors:     p.totalErrors.Load(),
		WorkerStats:     workerStats,
		ActiveKeys:      active,
	}
}

func (w *worker) run(wg *sync.WaitGroup) {
	defer wg.Done()
	logrus.Debugf("[WORKER_POOL] Worker %d started", w.id)

	for job := range w.jobQueue {
		w.process(job)
	}
	logrus.Debugf("[WORKER_POOL] Worker %d shutting down", w.id)
}

func (w *worker) process(job Job) {
	p := w.pool

	p.activeMu.Lock()
	p.activeKeys[job.Key] = w.id
	p.activeMu.Unlock()
	w.isProcessing.Store(true)

	defer func() {
		if r := recover(); r != nil {
			p.totalErrors.Add(1)
			logrus.Errorf("[WORKER_POOL] Worker %d panic for %s: %v", w.id, job.Key, r)
		}
		p.activeMu.Lock()
		delete(p.activeKeys, job.Key)
		p.activeMu.Unlock()
		w.isProcessing.Store(false)
		w.jobsProcessed.Add(1)
		p.totalProcessed.Add(1)
	}()

	if err := job.Handler(w.ctx); err != nil {
		p.totalErrors.Add(1)
		logrus.WithError(err).Errorf("[WORKER_POOL] Worker %d job failed for %s", w.id, job.Key)
	}
}
