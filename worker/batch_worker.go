// Package worker implements the BatchWorker component specified in
// section 4.5 of the design specification: dequeues BatchJobs, runs the
// Reconciler over each row, aggregates update payloads into one bulk
// call, and updates counters and checkpoint.
package worker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/welllife1010/catalog-sync/checkpoint"
	"github.com/welllife1010/catalog-sync/feed"
	"github.com/welllife1010/catalog-sync/reconciler"
	"github.com/welllife1010/catalog-sync/remotecatalog"
	"golang.org/x/sync/errgroup"
)

// BatchWorker implements the per-job procedure of section 4.5 of the
// spec.
type BatchWorker struct {
	reconciler    *reconciler.Reconciler
	catalog       remotecatalog.Catalog
	checkpoints   *checkpoint.Store
	rowLimit      int
	logger        zerolog.Logger
	updatesLogger zerolog.Logger
	errLogger     zerolog.Logger
}

// New creates a BatchWorker. rowLimit bounds the per-job fan-out of
// concurrent row reconciliations (the queue gives the outer concurrency,
// this bound gives the inner one, per section 5 of the spec); the
// RateGate inside catalog independently bounds outbound remote calls.
// updatesLogger is the updates-log.txt-backed logger (logging.
// UpdatesWriter) one line per successful update is written to; errLogger
// is the error-log.txt-backed logger (logging.ErrorWriter) infrastructure
// failures are routed through, per section 6 of the spec.
func New(rec *reconciler.Reconciler, catalog remotecatalog.Catalog, checkpoints *checkpoint.Store, rowLimit int, logger, updatesLogger, errLogger zerolog.Logger) *BatchWorker {
	if rowLimit < 1 {
		rowLimit = 1
	}
	return &BatchWorker{
		reconciler:    rec,
		catalog:       catalog,
		checkpoints:   checkpoints,
		rowLimit:      rowLimit,
		logger:        logger,
		updatesLogger: updatesLogger,
		errLogger:     errLogger,
	}
}

// Handle implements the queue.Handler signature and carries out the
// seven-step per-job procedure of section 4.5 of the spec. A malformed
// job (missing FeedKey or empty batch) is logged and returned as an
// error. The queue handles that error like any other handler failure:
// the job is retried until its attempts are spent and then moved to the
// dead bucket; there is no path that fails it without a retry.
func (w *BatchWorker) Handle(ctx context.Context, job feed.BatchJob) error {
	if job.FeedKey == "" || len(job.Batch) == 0 {
		w.errLogger.Error().Str("job_id", job.JobID).Msg("malformed batch job: missing feedKey or empty batch")
		return fmt.Errorf("worker: malformed job %s: missing feedKey or empty batch", job.JobID)
	}

	outcomes, err := w.reconcileRows(ctx, job.Batch)
	if err != nil {
		w.errLogger.Error().Err(err).Str("job_id", job.JobID).Msg("reconciling batch job failed")
		return fmt.Errorf("worker: reconciling job %s: %w", job.JobID, err)
	}

	firstRowIndex := job.LastRowIndex - len(job.Batch) + 1

	var payloads []remotecatalog.UpdatePayload
	var skipped, failed int
	for i, o := range outcomes {
		switch o.Kind {
		case reconciler.Update:
			payloads = append(payloads, o.Payload)
			w.updatesLogger.Info().
				Str("feed_key", job.FeedKey).
				Int("row_index", firstRowIndex+i).
				Str("remote_id", o.Payload.RemoteID).
				Str("part_number", o.PartNumber).
				Msg("product updated")
		case reconciler.NoChange:
			skipped++
		case reconciler.Skip:
			skipped++
		case reconciler.FailNotFound, reconciler.FailFetch:
			failed++
		}
	}

	if len(payloads) > 0 {
		if err := w.catalog.BulkUpdate(ctx, payloads); err != nil {
			w.errLogger.Error().Err(err).Str("job_id", job.JobID).Msg("bulk update failed")
			return fmt.Errorf("worker: bulk update for job %s failed: %w", job.JobID, err)
		}
		if err := w.checkpoints.IncrementCounter(ctx, job.FeedKey, checkpoint.Updated, len(payloads)); err != nil {
			w.errLogger.Error().Err(err).Str("feed_key", job.FeedKey).Msg("failed to increment updated counter")
		}
	}

	if skipped > 0 {
		if err := w.checkpoints.IncrementCounter(ctx, job.FeedKey, checkpoint.Skipped, skipped); err != nil {
			w.errLogger.Error().Err(err).Str("feed_key", job.FeedKey).Msg("failed to increment skipped counter")
		}
	}
	if failed > 0 {
		if err := w.checkpoints.IncrementCounter(ctx, job.FeedKey, checkpoint.Failed, failed); err != nil {
			w.errLogger.Error().Err(err).Str("feed_key", job.FeedKey).Msg("failed to increment failed counter")
		}
	}

	total, err := w.totalForFeed(ctx, job)
	if err != nil {
		w.errLogger.Error().Err(err).Str("job_id", job.JobID).Msg("resolving total rows for checkpoint commit failed")
		return err
	}
	nextLast := job.LastRowIndex
	if total > 0 && nextLast > total {
		nextLast = total
	}
	if err := w.checkpoints.CommitBatch(ctx, job.FeedKey, nextLast, total); err != nil {
		w.errLogger.Error().Err(err).Str("job_id", job.JobID).Msg("committing checkpoint failed")
		return fmt.Errorf("worker: committing checkpoint for job %s: %w", job.JobID, err)
	}

	w.logger.Info().
		Str("job_id", job.JobID).
		Int("updated", len(payloads)).
		Int("skipped", skipped).
		Int("failed", failed).
		Msg("batch job processed")

	return nil
}

// totalForFeed resolves totalRowsInFeed for the checkpoint commit,
// preferring the job's own value (set by FeedIngestor's first pass) and
// falling back to the checkpoint store's durable record.
func (w *BatchWorker) totalForFeed(ctx context.Context, job feed.BatchJob) (int, error) {
	if job.TotalRowsInFeed > 0 {
		return job.TotalRowsInFeed, nil
	}
	all, err := w.checkpoints.ReadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("worker: resolving total for feed %s: %w", job.FeedKey, err)
	}
	return all[job.FeedKey].Checkpoint.TotalProductsInFile, nil
}

// reconcileRows runs the Reconciler over every row in batch concurrently,
// bounded by w.rowLimit, per step 2 of section 4.5 of the spec. Results
// are returned in row order regardless of completion order.
func (w *BatchWorker) reconcileRows(ctx context.Context, batch []feed.Row) ([]reconciler.Outcome, error) {
	outcomes := make([]reconciler.Outcome, len(batch))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(w.rowLimit)

	for i, row := range batch {
		i, row := i, row
		g.Go(func() error {
			outcome, err := w.reconciler.Reconcile(gCtx, row)
			if err != nil {
				return err
			}
			outcomes[i] = outcome
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}
