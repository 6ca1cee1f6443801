package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/DynQR/internal/export"
	"github.com/dharsanguruparan/DynQR/internal/queue"
)

// Processor is plugged into the asynq worker loop.
type Processor struct {
	exporter export.Runner
	logger   *slog.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(exporter export.Runner, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{exporter: exporter, logger: logger}
}

// Handler registers the export job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.ExportTask, p.handleExport)
	return mux
}

func (p *Processor) handleExport(ctx context.Context, task *asynq.Task) error {
	job, err := queue.ParseExportTask(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	key, err := p.exporter.Run(ctx, job)
	if err != nil {
		p.logger.ErrorContext(ctx, "export failed", "record_id", job.RecordID, "error", err)
		if export.IsPermanent(err) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	p.logger.InfoContext(ctx, "export processed", "record_id", job.RecordID, "key", key)
	return nil
}
