// Package main wires the catalog-sync CLI: config loading, collaborator
// construction, and the Supervisor run loop.
package main

import (
	"context"
	"log"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"
	"github.com/welllife1010/catalog-sync/checkpoint"
	"github.com/welllife1010/catalog-sync/config"
	"github.com/welllife1010/catalog-sync/logging"
	"github.com/welllife1010/catalog-sync/metrics"
	"github.com/welllife1010/catalog-sync/objectstore"
	"github.com/welllife1010/catalog-sync/queue"
	"github.com/welllife1010/catalog-sync/ratelimit"
	"github.com/welllife1010/catalog-sync/reconciler"
	"github.com/welllife1010/catalog-sync/remotecatalog"
	"github.com/welllife1010/catalog-sync/supervisor"
	"github.com/welllife1010/catalog-sync/worker"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("error: %v", err)
	}
}

var rootCmd = &cobra.Command{
	Use:   "catalogsync",
	Short: "Reconciles a product CSV feed against the remote catalog",
	Long:  "catalogsync discovers the newest feed folder in S3, reconciles every row against the remote product catalog, and applies minimal-diff bulk updates with resumable checkpointing.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a catalog sync to completion",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	files, err := logging.OpenFiles(cfg.OutputDir)
	if err != nil {
		return err
	}
	defer files.Close()
	logger := logging.New(files)
	updatesLogger := logging.UpdatesWriter(logger, files)
	errLogger := logging.ErrorWriter(files)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return err
	}
	s3Client := objectstore.NewClient(s3.NewFromConfig(awsCfg))

	gate := ratelimit.New(cfg.RateMaxConcurrent, cfg.RateMinSpacing)
	catalog := remotecatalog.NewWooCommerceClient(
		cfg.WooAPIBaseURLFor(),
		cfg.WooConsumerKey,
		cfg.WooConsumerSecret,
		remotecatalog.NewHTTPClient(30*time.Second),
		gate,
		logger,
	)

	checkpoints, err := checkpoint.New(cfg.CheckpointPath)
	if err != nil {
		return err
	}

	jobQueue, err := queue.Open(cfg.QueueDBPath, cfg.QueuePollInterval, logger)
	if err != nil {
		return err
	}
	defer jobQueue.Close()

	rec := reconciler.New(catalog)
	batchWorker := worker.New(rec, catalog, checkpoints, cfg.Concurrency, logger, updatesLogger, errLogger)

	var uploader *checkpoint.ReportUploader
	if cfg.ReportS3URI != "" {
		uploader, err = checkpoint.NewReportUploader(s3Client, cfg.ReportS3URI)
		if err != nil {
			return err
		}
	}

	sv := supervisor.New(cfg, s3Client, jobQueue, checkpoints, batchWorker.Handle, metrics.NewRegistry(), uploader, logger, errLogger)
	return sv.Run(ctx)
}
