package anchoring

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// WorkerConfig tunes the background anchoring loop.
type WorkerConfig struct {
	Engine      *Engine
	Interval    time.Duration
	BatchLimit  int
	StepTimeout time.Duration
	Logger      *zap.Logger
}

const (
	defaultInterval    = time.Minute
	defaultStepTimeout = 30 * time.Second
)

// Worker periodically harvests pending events into batches, submits newly
// created and previously stalled batches, and polls submitted ones for
// confirmation. Each anchor call runs under its own timeout so a slow
// anchor never wedges the loop.
type Worker struct {
	engine      *Engine
	interval    time.Duration
	batchLimit  int
	stepTimeout time.Duration
	logger      *zap.Logger
}

// NewWorker constructs the anchoring worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Engine == nil {
		return nil, errors.New("anchoring: worker requires an engine")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	stepTimeout := cfg.StepTimeout
	if stepTimeout <= 0 {
		stepTimeout = defaultStepTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		engine:      cfg.Engine,
		interval:    interval,
		batchLimit:  cfg.BatchLimit,
		stepTimeout: stepTimeout,
		logger:      logger,
	}, nil
}

// Run loops until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single harvest-submit-confirm pass.
func (w *Worker) RunOnce(ctx context.Context) {
	if _, err := w.engine.CreateBatchFromPending(ctx, w.batchLimit); err != nil && !errors.Is(err, ErrNothingToBatch) {
		w.logger.Error("batch harvest failed", zap.Error(err))
	}

	created, err := w.engine.ListByStatus(ctx, BatchCreated)
	if err != nil {
		w.logger.Error("listing created batches failed", zap.Error(err))
		return
	}
	for _, batch := range created {
		stepCtx, cancel := context.WithTimeout(ctx, w.stepTimeout)
		err := w.engine.SubmitToAnchor(stepCtx, batch.BatchID)
		cancel()
		if err != nil && !errors.Is(err, ErrAnchorTransient) && !errors.Is(err, ErrAnchorPermanent) {
			w.logger.Error("batch submission failed",
				zap.String("batch_id", batch.BatchID), zap.Error(err))
		}
	}

	submitted, err := w.engine.ListByStatus(ctx, BatchSubmitted)
	if err != nil {
		w.logger.Error("listing submitted batches failed", zap.Error(err))
		return
	}
	for _, batch := range submitted {
		stepCtx, cancel := context.WithTimeout(ctx, w.stepTimeout)
		_, err := w.engine.ConfirmAnchor(stepCtx, batch.BatchID)
		cancel()
		if err != nil && !errors.Is(err, ErrAnchorTransient) {
			w.logger.Error("batch confirmation failed",
				zap.String("batch_id", batch.BatchID), zap.Error(err))
		}
	}
}
