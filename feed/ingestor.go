package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/welllife1010/catalog-sync/checkpoint"
	"github.com/welllife1010/catalog-sync/objectstore"
)

// maxConsecutiveParseErrors implements the ingest-level fatal error of
// section 4.3 / section 7 of the spec: three consecutive row-processing
// exceptions abort the ingest for that feed.
const maxConsecutiveParseErrors = 3

// Queue is the narrow JobQueue contract FeedIngestor depends on.
type Queue interface {
	Enqueue(ctx context.Context, job BatchJob) error
}

// TotalSetter is the narrow CheckpointStore contract FeedIngestor
// depends on: writing totalRows before any job is emitted, and
// recording rows the tokenizer itself dropped, per section 4.3 of the
// spec.
type TotalSetter interface {
	SetTotal(ctx context.Context, feedKey string, total int) error
	IncrementCounter(ctx context.Context, feedKey string, which checkpoint.CounterKind, by int) error
}

// Ingestor implements the FeedIngestor component of section 4.3 of the
// spec.
type Ingestor struct {
	store       objectstore.Client
	tokenizer   Tokenizer
	queue       Queue
	checkpoints TotalSetter
	batchSize   int
	logger      zerolog.Logger
}

// NewIngestor creates an Ingestor with the given collaborators.
func NewIngestor(store objectstore.Client, tokenizer Tokenizer, queue Queue, checkpoints TotalSetter, batchSize int, logger zerolog.Logger) *Ingestor {
	if tokenizer == nil {
		tokenizer = StdCSVTokenizer{}
	}
	return &Ingestor{
		store:       store,
		tokenizer:   tokenizer,
		queue:       queue,
		checkpoints: checkpoints,
		batchSize:   batchSize,
		logger:      logger,
	}
}

// Ingest implements the two-pass algorithm of section 4.3 of the spec:
// fetch the CSV body once, count rows and persist totalRows, then
// re-parse the buffered body into fixed-size BatchJobs.
func (in *Ingestor) Ingest(ctx context.Context, bucket, objectKey, feedKey string) error {
	obj, err := in.store.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &objectKey})
	if err != nil {
		return fmt.Errorf("failed to fetch feed object %s/%s: %w", bucket, objectKey, err)
	}
	body, err := objectstore.ReadAll(obj.Body)
	if err != nil {
		return fmt.Errorf("failed to read feed object %s/%s: %w", bucket, objectKey, err)
	}

	total, err := in.countRows(body)
	if err != nil {
		return fmt.Errorf("failed to count rows for feed %s: %w", feedKey, err)
	}
	if err := in.checkpoints.SetTotal(ctx, feedKey, total); err != nil {
		return fmt.Errorf("failed to persist total row count for feed %s: %w", feedKey, err)
	}

	in.logger.Info().Str("feed_key", feedKey).Int("total_rows", total).Msg("starting feed ingest")

	return in.emitBatches(ctx, body, feedKey, total)
}

// countRows performs the first pass of section 4.3 of the spec: count
// data rows (excluding the header) without building any Row values.
func (in *Ingestor) countRows(body []byte) (int, error) {
	reader := in.tokenizer.Open(bytes.NewReader(body))
	if _, err := reader.Read(); err != nil { // header
		return 0, fmt.Errorf("failed to read CSV header: %w", err)
	}

	count := 0
	consecutiveErrs := 0
	for {
		_, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			consecutiveErrs++
			if consecutiveErrs >= maxConsecutiveParseErrors {
				return 0, fmt.Errorf("aborting row count after %d consecutive parse errors: %w", consecutiveErrs, err)
			}
			continue
		}
		consecutiveErrs = 0
		count++
	}
	return count, nil
}

// emitBatches performs the second pass of section 4.3 of the spec:
// normalize the header, build a Row per data line, accumulate fixed-size
// batches, and enqueue one BatchJob per full batch plus a tail job for
// the remainder.
func (in *Ingestor) emitBatches(ctx context.Context, body []byte, feedKey string, total int) error {
	reader := in.tokenizer.Open(bytes.NewReader(body))
	rawHeader, err := reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read CSV header: %w", err)
	}
	header := NormalizeHeaders(rawHeader)

	batch := make([]Row, 0, in.batchSize)
	rowIndex := 0
	consecutiveErrs := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		job := BatchJob{
			JobID:           JobID(feedKey, rowIndex),
			FeedKey:         feedKey,
			Batch:           batch,
			TotalRowsInFeed: total,
			LastRowIndex:    rowIndex,
		}
		if err := in.queue.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("failed to enqueue batch job %s: %w", job.JobID, err)
		}
		batch = make([]Row, 0, in.batchSize)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			consecutiveErrs++
			in.logger.Warn().Str("feed_key", feedKey).Err(err).Msg("skipping unparseable CSV row")
			if incErr := in.checkpoints.IncrementCounter(ctx, feedKey, checkpoint.Corrupt, 1); incErr != nil {
				in.logger.Error().Err(incErr).Str("feed_key", feedKey).Msg("failed to increment corrupt counter")
			}
			if consecutiveErrs >= maxConsecutiveParseErrors {
				return fmt.Errorf("aborting ingest for feed %s after %d consecutive row-processing exceptions: %w", feedKey, consecutiveErrs, err)
			}
			continue
		}
		consecutiveErrs = 0

		// A row missing part_number is passed through, not filtered here;
		// the Reconciler is responsible for skipping it (section 4.3).
		row := BuildRow(header, record)
		batch = append(batch, row)
		rowIndex++

		if len(batch) >= in.batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	return flush()
}
