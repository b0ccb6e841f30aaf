// Package main is the Extractor service entry point. Following the
// original's Cloud-Run-style containers, configuration is sourced
// from environment variables first; flags are local-dev overrides.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/sirupsen/logrus"

	"github.com/malawley/hygiene-ingest/aws"
	"github.com/malawley/hygiene-ingest/checkpoint"
	"github.com/malawley/hygiene-ingest/config"
	"github.com/malawley/hygiene-ingest/event"
	"github.com/malawley/hygiene-ingest/extractor"
	"github.com/malawley/hygiene-ingest/feed"
	"github.com/malawley/hygiene-ingest/manifest"
	"github.com/malawley/hygiene-ingest/rawchunk"
	"github.com/malawley/hygiene-ingest/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("extractor", flag.ExitOnError)

	port := fs.Int("port", envInt("PORT", 8080), "HTTP listen port")
	bucket := fs.String("bucket", os.Getenv("BUCKET_NAME"), "raw-data bucket")
	telemetryTable := fs.String("telemetry-table", os.Getenv("TELEMETRY_TABLE_NAME"), "telemetry DynamoDB table")
	triggerURL := fs.String("trigger-url", os.Getenv("TRIGGER_URL"), "Trigger event ingress URL")
	sourceFeedURL := fs.String("source-feed-url", os.Getenv("SOURCE_FEED_URL"), "Source Feed base URL")
	region := fs.String("region", os.Getenv("AWS_REGION"), "AWS region")
	skipPreflight := fs.Bool("skip-iam-preflight", envBool("SKIP_IAM_PREFLIGHT", false), "skip the startup IAM permission check (local dev)")
	shutdownTimeout := fs.Duration("shutdown-timeout", 30*time.Second, "graceful shutdown timeout")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}

	cfg := &config.ExtractorConfig{
		BucketName:         *bucket,
		TelemetryTableName: *telemetryTable,
		TriggerURL:         *triggerURL,
		SourceFeedURL:      *sourceFeedURL,
		Region:             *region,
		Port:               *port,
		ChunkSize:          1000,
		ShutdownTimeout:    *shutdownTimeout,
		SkipIAMPreflight:   *skipPreflight,
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := aws.NewS3Client(s3.NewFromConfig(awsCfg))
	dynamoClient := aws.NewDynamoDBClient(dynamodb.NewFromConfig(awsCfg))

	if !cfg.SkipIAMPreflight {
		iamClient := aws.NewIAMClient(iam.NewFromConfig(awsCfg))
		identity := aws.NewSTSIdentityResolver(sts.NewFromConfig(awsCfg))
		if err := aws.Preflight(ctx, iamClient, identity, cfg.BucketName, cfg.TelemetryTableName); err != nil {
			return fmt.Errorf("startup permission preflight failed: %w", err)
		}
		logger.Info("IAM preflight passed")
	}

	checkpointStore, err := checkpoint.NewS3Store(s3Client, fmt.Sprintf("s3://%s/last_checkpoint.json", cfg.BucketName))
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}
	manifestStore := manifest.NewS3Store(s3Client, cfg.BucketName)
	chunkWriter := rawchunk.NewS3Writer(s3Client, cfg.BucketName)
	telemetrySink := telemetry.NewDynamoDBSink(dynamoClient, cfg.TelemetryTableName)
	feedClient := feed.NewHTTPClient(cfg.SourceFeedURL)
	poster := event.NewHTTPPoster(cfg.TriggerURL)

	svc := extractor.NewService(ctx, cfg, feedClient, chunkWriter, manifestStore, checkpointStore, telemetrySink, poster, logger)
	server := extractor.NewServer(svc, cfg.Port, logger)

	logger.WithField("bucket", cfg.BucketName).Info("extractor starting")
	return server.Run(ctx, cfg.ShutdownTimeout)
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
