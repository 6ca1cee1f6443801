// Package processing runs export jobs on an in-process goroutine pool when no
// external queue is configured.
package processing

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/dharsanguruparan/DynQR/internal/export"
)

// ErrQueueFull is returned by Enqueue when every buffered slot is taken.
var ErrQueueFull = errors.New("export queue full")

// Processor consumes export jobs with a fixed number of workers.
type Processor struct {
	runner  export.Runner
	queue   chan export.Job
	workers int
	logger  *slog.Logger
	wg      sync.WaitGroup
}

var _ export.Enqueuer = (*Processor)(nil)

// New builds a Processor with queue capacity tied to worker count.
func New(runner export.Runner, workers int, logger *slog.Logger) *Processor {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		runner:  runner,
		queue:   make(chan export.Job, workers*4),
		workers: workers,
		logger:  logger,
	}
}

// Start launches worker goroutines. They exit when ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Wait blocks until every worker has exited.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// Enqueue queues a job without blocking.
func (p *Processor) Enqueue(ctx context.Context, job export.Job) error {
	select {
	case p.queue <- job:
		return nil
	default:
		p.logger.WarnContext(ctx, "export queue full, rejecting job", "record_id", job.RecordID)
		return ErrQueueFull
	}
}

func (p *Processor) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.queue:
			p.process(ctx, job)
		}
	}
}

func (p *Processor) process(ctx context.Context, job export.Job) {
	if _, err := p.runner.Run(ctx, job); err != nil {
		p.logger.ErrorContext(ctx, "export failed", "record_id", job.RecordID, "error", err)
	}
}
