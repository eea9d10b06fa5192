package services

import (
	"context"
	"sync"

	"pipeflow/internal/metrics"

	"github.com/sirupsen/logrus"
)

// CascadeRequest asks for a card_enters_stage run after a move_card commit.
type CascadeRequest struct {
	// Ctx is detached from the triggering call's cancellation.
	Ctx     context.Context
	PipeID  string
	CardID  string
	StageID string
	Depth   int
}

// CascadeRunner executes a dequeued cascade request.
type CascadeRunner interface {
	RunCascade(ctx context.Context, req CascadeRequest)
}

// CascadeOptions 级联调度参数
type CascadeOptions struct {
	Workers   int
	QueueSize int
	MaxDepth  int
}

// CascadeDispatcher hands move_card follow-up runs to a small worker pool
// through a buffered channel. Enqueue never blocks the caller.
type CascadeDispatcher struct {
	queue    chan CascadeRequest
	workers  int
	maxDepth int
	logger   *logrus.Logger

	mu      sync.RWMutex
	closed  bool
	started bool

	workerWG  sync.WaitGroup
	pendingWG sync.WaitGroup
}

func NewCascadeDispatcher(opts CascadeOptions, logger *logrus.Logger) *CascadeDispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	return &CascadeDispatcher{
		queue:    make(chan CascadeRequest, opts.QueueSize),
		workers:  opts.Workers,
		maxDepth: opts.MaxDepth,
		logger:   logger,
	}
}

// Start launches the workers. Calling it more than once is a no-op.
func (d *CascadeDispatcher) Start(runner CascadeRunner) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	for i := 0; i < d.workers; i++ {
		d.workerWG.Add(1)
		go d.work(runner)
	}
}

func (d *CascadeDispatcher) work(runner CascadeRunner) {
	defer d.workerWG.Done()
	for req := range d.queue {
		metrics.CascadeQueueDepth.Set(float64(len(d.queue)))
		d.runOne(runner, req)
	}
}

func (d *CascadeDispatcher) runOne(runner CascadeRunner, req CascadeRequest) {
	defer d.pendingWG.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithFields(logrus.Fields{
				"card_id":  req.CardID,
				"stage_id": req.StageID,
			}).Errorf("cascade run panicked: %v", r)
		}
	}()
	ctx := req.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	runner.RunCascade(ctx, req)
}

// Enqueue schedules req and reports whether it was accepted. Requests deeper
// than the configured limit, or arriving when the queue is full or closed,
// are dropped with a warning.
func (d *CascadeDispatcher) Enqueue(req CascadeRequest) bool {
	fields := logrus.Fields{
		"card_id":  req.CardID,
		"stage_id": req.StageID,
		"depth":    req.Depth,
	}
	if d.maxDepth > 0 && req.Depth > d.maxDepth {
		metrics.CascadesDropped.WithLabelValues("depth").Inc()
		d.logger.WithFields(fields).Warn("cascade depth limit reached, dropping run")
		return false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.CascadesDropped.WithLabelValues("closed").Inc()
		d.logger.WithFields(fields).Warn("cascade dispatcher closed, dropping run")
		return false
	}

	d.pendingWG.Add(1)
	select {
	case d.queue <- req:
		metrics.CascadesEnqueued.Inc()
		metrics.CascadeQueueDepth.Set(float64(len(d.queue)))
		return true
	default:
		d.pendingWG.Done()
		metrics.CascadesDropped.WithLabelValues("queue_full").Inc()
		d.logger.WithFields(fields).Warn("cascade queue full, dropping run")
		return false
	}
}

// Wait blocks until every accepted request, including cascades they spawn,
// has finished. The dispatcher must have been started.
func (d *CascadeDispatcher) Wait() {
	d.pendingWG.Wait()
}

// Close stops accepting requests, drains the queue and waits for workers.
func (d *CascadeDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if !started {
		// 未启动时丢弃残留请求
		for range d.queue {
			d.pendingWG.Done()
		}
		return
	}
	d.workerWG.Wait()
}
