package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"signalhub/observability"
)

const (
	defaultStatusCapacity = 1024
	defaultStatusWorkers  = 2
	defaultStatusTimeout  = 5 * time.Second
)

type statusWriter interface {
	SetOnline(ctx context.Context, id string) error
	SetOffline(ctx context.Context, id string) error
}

type statusTask struct {
	id     string
	online bool
}

// StatusQueueOption adjusts the behaviour of the status queue.
type StatusQueueOption func(*statusQueueConfig)

type statusQueueConfig struct {
	capacity int
	workers  int
	timeout  time.Duration
	logger   *slog.Logger
}

// WithStatusCapacity sets the maximum number of pending writes.
func WithStatusCapacity(capacity int) StatusQueueOption {
	return func(cfg *statusQueueConfig) {
		if capacity > 0 {
			cfg.capacity = capacity
		}
	}
}

// WithStatusWorkers sets the number of goroutines draining the queue.
func WithStatusWorkers(workers int) StatusQueueOption {
	return func(cfg *statusQueueConfig) {
		if workers > 0 {
			cfg.workers = workers
		}
	}
}

// WithStatusTimeout bounds each individual write.
func WithStatusTimeout(timeout time.Duration) StatusQueueOption {
	return func(cfg *statusQueueConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

// WithStatusLogger sets the logger used for dropped and failed writes.
func WithStatusLogger(logger *slog.Logger) StatusQueueOption {
	return func(cfg *statusQueueConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// StatusQueue serialises best-effort online/offline flips onto a fixed set of
// workers. Enqueueing never blocks: when the queue is full the write is
// dropped, logged and counted. Pending writes are discarded on Close.
type StatusQueue struct {
	writer  statusWriter
	tasks   chan statusTask
	workers int
	timeout time.Duration
	logger  *slog.Logger
	metrics *observability.RendezvousMetrics

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewStatusQueue constructs a bounded queue in front of writer.
func NewStatusQueue(writer statusWriter, opts ...StatusQueueOption) *StatusQueue {
	cfg := statusQueueConfig{
		capacity: defaultStatusCapacity,
		workers:  defaultStatusWorkers,
		timeout:  defaultStatusTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "status_queue"))
	}
	return &StatusQueue{
		writer:  writer,
		tasks:   make(chan statusTask, cfg.capacity),
		workers: cfg.workers,
		timeout: cfg.timeout,
		logger:  logger,
		metrics: observability.Rendezvous(),
		stop:    make(chan struct{}),
	}
}

// Start launches the workers. They exit when ctx is cancelled or Close is
// called.
func (q *StatusQueue) Start(ctx context.Context) {
	if q == nil {
		return
	}
	q.startOnce.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go q.run(ctx)
		}
	})
}

// MarkOnline queues an online flip. It reports false when the write was
// dropped.
func (q *StatusQueue) MarkOnline(id string) bool {
	return q.enqueue(statusTask{id: id, online: true})
}

// MarkOffline queues an offline flip. It reports false when the write was
// dropped.
func (q *StatusQueue) MarkOffline(id string) bool {
	return q.enqueue(statusTask{id: id, online: false})
}

// Pending returns the number of queued writes.
func (q *StatusQueue) Pending() int {
	if q == nil {
		return 0
	}
	return len(q.tasks)
}

// Close stops the workers and waits for in-flight writes to finish.
func (q *StatusQueue) Close() {
	if q == nil {
		return
	}
	q.stopOnce.Do(func() { close(q.stop) })
	q.wg.Wait()
}

func (q *StatusQueue) enqueue(task statusTask) bool {
	if q == nil || task.id == "" {
		return false
	}
	select {
	case q.tasks <- task:
		return true
	default:
		q.metrics.RecordStatusDropped()
		q.logger.Warn("status queue full, dropping write",
			slog.String("peer_id", task.id),
			slog.Bool("online", task.online))
		return false
	}
}

func (q *StatusQueue) run(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case task := <-q.tasks:
			q.apply(ctx, task)
		}
	}
}

func (q *StatusQueue) apply(ctx context.Context, task statusTask) {
	writeCtx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	var err error
	if task.online {
		err = q.writer.SetOnline(writeCtx, task.id)
	} else {
		err = q.writer.SetOffline(writeCtx, task.id)
	}
	if err != nil {
		q.logger.Warn("status write failed",
			slog.String("peer_id", task.id),
			slog.Bool("online", task.online),
			slog.Any("error", err))
	}
}
