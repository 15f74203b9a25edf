// Package supervisor implements the Supervisor component specified in
// section 4.8 of the design specification, adapted from
// gurre-ddb-pitr's coordinator.Coordinator: discovers the newest feed
// folder, fans out a FeedIngestor per discovered CSV, runs a pool of
// BatchWorkers consuming the shared JobQueue, and periodically reports
// progress until every feed's counters reach its total.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/welllife1010/catalog-sync/checkpoint"
	"github.com/welllife1010/catalog-sync/config"
	"github.com/welllife1010/catalog-sync/feed"
	"github.com/welllife1010/catalog-sync/metrics"
	"github.com/welllife1010/catalog-sync/objectstore"
	"github.com/welllife1010/catalog-sync/queue"
	"golang.org/x/sync/errgroup"
)

// completionScanInterval is the default cadence of reportLoop's single
// ticker: every 5-second tick both refreshes the progress output and
// runs the completion scan. There is no separate progress ticker.
const completionScanInterval = 5 * time.Second

// Queue is the narrow JobQueue contract the Supervisor depends on for
// consumption; FeedIngestor depends on the narrower feed.Queue instead.
// Events is required so the Supervisor can drain dead-lettered jobs off
// the queue's event stream and account for them, per section 4.6 of the
// spec ("the Supervisor's progress reporter drains it").
type Queue interface {
	Consume(ctx context.Context, concurrency int, handler queue.Handler) error
	Events() <-chan queue.Event
}

// Supervisor implements the worker-pool orchestration of section 4.8 of
// the spec.
type Supervisor struct {
	cfg         *config.Config
	store       objectstore.Client
	jobQueue    Queue
	checkpoints *checkpoint.Store
	worker      queue.Handler
	registry    *metrics.Registry
	uploader    *checkpoint.ReportUploader
	logger      zerolog.Logger
	errLogger   zerolog.Logger

	startedAt    time.Time
	scanInterval time.Duration
}

// New creates a Supervisor with all required collaborators. uploader may
// be nil, in which case the final report is not uploaded to S3. errLogger
// is the error-log.txt-backed logger (logging.ErrorWriter) infrastructure
// and unhandled errors are routed through, per section 6 of the spec.
func New(
	cfg *config.Config,
	store objectstore.Client,
	jobQueue Queue,
	checkpoints *checkpoint.Store,
	worker queue.Handler,
	registry *metrics.Registry,
	uploader *checkpoint.ReportUploader,
	logger zerolog.Logger,
	errLogger zerolog.Logger,
) *Supervisor {
	return &Supervisor{
		cfg:          cfg,
		store:        store,
		jobQueue:     jobQueue,
		checkpoints:  checkpoints,
		worker:       worker,
		registry:     registry,
		uploader:     uploader,
		scanInterval: completionScanInterval,
		logger:       logger,
		errLogger:    errLogger,
	}
}

// Run discovers the newest feed folder, ingests every CSV file within it,
// drives the JobQueue consumer pool, and blocks until every feed
// completes or ctx is cancelled (including by SIGINT/SIGTERM), per
// section 4.8 of the spec.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s.startedAt = time.Now()

	bucket := s.cfg.BucketName()
	folder, files, err := objectstore.DiscoverNewestFeed(ctx, s.store, bucket, s.cfg.FolderPattern())
	if err != nil {
		return fmt.Errorf("supervisor: discovering newest feed folder: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("supervisor: feed folder %s contains no CSV files", folder)
	}
	s.logger.Info().Str("folder", folder).Int("files", len(files)).Msg("discovered feed folder")

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var wg sync.WaitGroup

	consumerDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(consumerDone)
		if err := s.jobQueue.Consume(runCtx, s.cfg.Concurrency, s.worker); err != nil && err != context.Canceled {
			s.errLogger.Error().Err(err).Msg("queue consumer stopped with error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.drainEvents(consumerDone)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.reportLoop(runCtx, cancelRun)
	}()

	var devServer *http.Server
	if s.cfg.ExecutionMode == config.Development {
		devServer = s.startDevServer()
	}

	ingestErr := s.ingestAll(ctx, bucket, folder, files)
	if ingestErr != nil {
		// No further batches can arrive; stop waiting on completion.
		cancelRun()
	}

	<-runCtx.Done()
	wg.Wait()

	if devServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = devServer.Shutdown(shutdownCtx)
	}

	if err := s.uploadFinalReport(context.Background()); err != nil {
		s.errLogger.Error().Err(err).Msg("failed to upload final report")
	}

	if ingestErr != nil {
		return fmt.Errorf("supervisor: ingesting feed %s: %w", folder, ingestErr)
	}
	// runCtx is also done when reportLoop calls cancelRun on completion;
	// only the outer ctx being done (signal or caller cancellation) is an
	// error worth propagating.
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// ingestAll runs one FeedIngestor per discovered file concurrently, per
// section 4.8's "N feed ingestors producing into one JobQueue".
func (s *Supervisor) ingestAll(ctx context.Context, bucket, folder string, files []objectstore.FeedFile) error {
	g, gCtx := errgroup.WithContext(ctx)
	for _, file := range files {
		file := file
		feedKey := FeedKeyFor(folder, file.Name)
		g.Go(func() error {
			ingestor := feed.NewIngestor(s.store, nil, s.jobQueueAsFeedQueue(), s.checkpoints, s.cfg.BatchSize, s.logger)
			return ingestor.Ingest(gCtx, bucket, file.Key, feedKey)
		})
	}
	return g.Wait()
}

// jobQueueAsFeedQueue narrows the Supervisor's Queue to the feed.Queue
// contract FeedIngestor needs (enqueue only).
func (s *Supervisor) jobQueueAsFeedQueue() feed.Queue {
	enqueuer, ok := s.jobQueue.(feed.Queue)
	if !ok {
		panic("supervisor: configured Queue does not implement feed.Queue")
	}
	return enqueuer
}

// SetScanInterval overrides the completion-scan/progress-report cadence.
// Production callers never need it; it exists so integration tests do
// not have to wait out the real 5-second interval.
func (s *Supervisor) SetScanInterval(d time.Duration) {
	s.scanInterval = d
}

// Snapshot returns the current checkpoint state for every feed the
// Supervisor has seen, for tests and tooling that need to observe
// progress without reaching into the CheckpointStore directly.
func (s *Supervisor) Snapshot(ctx context.Context) (map[string]checkpoint.FeedState, error) {
	return s.checkpoints.ReadAll(ctx)
}

// FeedKeyFor builds the stable feedKey for one discovered CSV file,
// folder-qualified so two runs selecting the same folder resume the same
// feeds, per the glossary's "stable identifier of a Feed" requirement.
func FeedKeyFor(folder, fileName string) string {
	return folder + "/" + strings.TrimSuffix(fileName, filepath.Ext(fileName))
}

// drainEvents consumes the JobQueue's event stream for the lifetime of
// the queue consumer, per section 4.6 of the spec ("the Supervisor's
// progress reporter drains it"). A dead-lettered job must not silently
// vanish from the counters just because it exhausted its retry budget.
// done is closed once the consumer's Consume call has returned, meaning
// every claimed job's event has already been emitted (process emits
// synchronously before Consume's worker pool drains); drainEvents then
// makes one non-blocking pass to pick up anything still buffered before
// returning, so no failed event is lost to a race with shutdown.
func (s *Supervisor) drainEvents(done <-chan struct{}) {
	events := s.jobQueue.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleEvent(ev)
		case <-done:
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return
					}
					s.handleEvent(ev)
				default:
					return
				}
			}
		}
	}
}

// handleEvent accounts for a permanently-failed batch job: a job that
// exhausts JobQueue's retry budget is moved to the dead bucket and will
// never be redelivered (section 4.6), so its rows must be counted as
// failed here or updated+skipped+failed can never reach total again
// (section 3's Counter-bound invariant). The checkpoint is also advanced
// past the dead-lettered batch's row range, via CommitBatch's existing
// monotonic-max semantics, so lastProcessedRow does not stall behind a
// batch that will never complete.
func (s *Supervisor) handleEvent(ev queue.Event) {
	if ev.Kind != "failed" {
		return
	}
	job := ev.Job
	s.errLogger.Error().
		Str("job_id", ev.JobID).
		Str("feed_key", job.FeedKey).
		Int("attempt", ev.Attempt).
		Err(ev.Err).
		Msg("batch job exhausted retry attempts, moved to dead letter")

	ctx := context.Background()
	if err := s.checkpoints.IncrementCounter(ctx, job.FeedKey, checkpoint.Failed, len(job.Batch)); err != nil {
		s.errLogger.Error().Err(err).Str("feed_key", job.FeedKey).Msg("failed to increment failed counter for dead-lettered job")
	}

	total := job.TotalRowsInFeed
	nextLast := job.LastRowIndex
	if total > 0 && nextLast > total {
		nextLast = total
	}
	if err := s.checkpoints.CommitBatch(ctx, job.FeedKey, nextLast, total); err != nil {
		s.errLogger.Error().Err(err).Str("feed_key", job.FeedKey).Msg("failed to commit checkpoint for dead-lettered job")
	}
}

// reportLoop implements the 5-second completion scan and progress report
// of section 4.8: refreshes Prometheus gauges, overwrites
// update-progress.txt, and cancels cancelRun once every feed is complete.
func (s *Supervisor) reportLoop(ctx context.Context, cancelRun context.CancelFunc) {
	ticker := time.NewTicker(s.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot, err := s.checkpoints.ReadAll(ctx)
			if err != nil {
				s.errLogger.Error().Err(err).Msg("failed to read checkpoint snapshot")
				continue
			}
			report := metrics.BuildReport(snapshot, s.startedAt, time.Now())
			if s.registry != nil {
				s.registry.Observe(snapshot)
			}
			if err := s.writeProgressFile(report); err != nil {
				s.errLogger.Error().Err(err).Msg("failed to write update-progress.txt")
			}
			if report.AllComplete() {
				s.logger.Info().Msg("all feeds complete, shutting down")
				cancelRun()
				return
			}
		}
	}
}

func (s *Supervisor) writeProgressFile(report metrics.Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding progress report: %w", err)
	}
	path := filepath.Join(s.cfg.OutputDir, "update-progress.txt")
	if err := os.MkdirAll(s.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// uploadFinalReport uploads the last checkpoint snapshot as the run's
// final report, if a ReportUploader is configured.
func (s *Supervisor) uploadFinalReport(ctx context.Context) error {
	if s.uploader == nil {
		return nil
	}
	snapshot, err := s.checkpoints.ReadAll(ctx)
	if err != nil {
		return fmt.Errorf("reading final checkpoint snapshot: %w", err)
	}
	report := metrics.BuildReport(snapshot, s.startedAt, time.Now())
	return s.uploader.Upload(ctx, report)
}

// startDevServer exposes the minimal /progress JSON endpoint of section
// 4.8, plus /metrics for Prometheus when a registry is set, active only
// in development mode.
func (s *Supervisor) startDevServer() *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/progress", func(w http.ResponseWriter, r *http.Request) {
		snapshot, err := s.checkpoints.ReadAll(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		report := metrics.BuildReport(snapshot, s.startedAt, time.Now())
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(report)
	})
	if s.registry != nil {
		mux.Handle("/metrics", s.registry.Handler())
	}

	srv := &http.Server{Addr: fmt.Sprintf(":%d", s.cfg.Port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.errLogger.Error().Err(err).Msg("dev progress server stopped")
		}
	}()
	return srv
}
