package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/layerx/content-processing-service/internal/infra/augment"
	"github.com/layerx/content-processing-service/internal/infra/config"
	"github.com/layerx/content-processing-service/internal/infra/email"
	"github.com/layerx/content-processing-service/internal/infra/ffmpeg"
	"github.com/layerx/content-processing-service/internal/infra/inference"
	"github.com/layerx/content-processing-service/internal/infra/metrics"
	miniostorage "github.com/layerx/content-processing-service/internal/infra/minio"
	"github.com/layerx/content-processing-service/internal/infra/mongodb"
	"github.com/layerx/content-processing-service/internal/infra/postgres"
	"github.com/layerx/content-processing-service/internal/infra/rabbitmq"
	"github.com/layerx/content-processing-service/internal/infra/scheduler"
	"github.com/layerx/content-processing-service/internal/infra/tracing"
	"github.com/layerx/content-processing-service/internal/usecase"
	"github.com/layerx/content-processing-service/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	fatalOnErr(err, "load config")

	log, err := logger.NewWithFile(cfg.LogLevel, cfg.LogFile)
	fatalOnErr(err, "init logger")
	defer log.Sync()

	log.Info("starting content-processing-service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing (non-fatal if Jaeger unavailable)
	tp, err := tracing.InitTracer(ctx, cfg.JaegerEndpoint)
	if err != nil {
		log.Warn("tracing init failed, continuing without tracing", zap.Error(err))
	} else {
		defer tp.Shutdown(context.Background())
	}

	// Progress ledger
	fatalOnErr(postgres.RunMigrations(cfg.DatabaseURL, cfg.MigrationsPath), "run migrations")
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	fatalOnErr(err, "connect to postgres")
	defer pool.Close()

	// Tasks, frames and dataset versions
	mongoClient, err := mongodb.Connect(ctx, cfg.MongoURI)
	fatalOnErr(err, "connect to mongodb")
	defer mongoClient.Disconnect(context.Background())
	db := mongoClient.Database(cfg.MongoDatabase)
	fatalOnErr(mongodb.EnsureIndexes(ctx, db), "ensure mongodb indexes")

	storage, err := miniostorage.NewStorage(miniostorage.StorageConfig{
		Endpoint:      cfg.MinIOEndpoint,
		AccessKey:     cfg.MinIOAccessKey,
		SecretKey:     cfg.MinIOSecretKey,
		UseSSL:        cfg.MinIOUseSSL,
		UploadBucket:  cfg.MinIOUploadBucket,
		ContentBucket: cfg.MinIOContentBucket,
	})
	fatalOnErr(err, "create minio storage")
	fatalOnErr(storage.EnsureBuckets(ctx), "ensure minio buckets")

	rmqConn, err := rabbitmq.Dial(cfg.RabbitMQURL)
	fatalOnErr(err, "connect to rabbitmq")
	defer rmqConn.Close()

	pub, err := rabbitmq.NewPublisher(rmqConn, cfg.RabbitMQExchange)
	fatalOnErr(err, "create rabbitmq publisher")
	defer pub.Close()

	statusPub := rabbitmq.NewStatusPublisher(pub, cfg.RabbitMQStatusQueue)
	contentDLQ := rabbitmq.NewDLQPublisher(pub, cfg.RabbitMQContentDLQ)
	datasetDLQ := rabbitmq.NewDLQPublisher(pub, cfg.RabbitMQDatasetDLQ)

	// Infra adapters
	progressRepo := postgres.NewProgressRepository(pool)
	taskRepo := mongodb.NewTaskRepository(db)
	frameRepo := mongodb.NewFrameRepository(db)
	datasetRepo := mongodb.NewDatasetRepository(db)

	prober := ffmpeg.NewProber(cfg.FFprobePath, log)
	decoder := ffmpeg.NewDecoder(cfg.FFmpegPath, prober, log)
	encoder := ffmpeg.NewEncoder(cfg.FFmpegPath, log)
	images := ffmpeg.NewImageCodec(cfg.JPEGQuality)
	zipper := ffmpeg.NewZipCreator()
	detector := inference.NewDetector(inference.DetectorConfig{
		URL:     cfg.InferenceURL,
		Timeout: time.Duration(cfg.InferenceTimeoutSec) * time.Second,
		Retries: cfg.InferenceRetries,
	}, log)
	augmenter := augment.NewAugmenter(0)
	notifier := email.NewSMTPNotifier(email.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	}, log)

	// Use cases
	pipeline := usecase.NewTaskPipeline(
		progressRepo, taskRepo, frameRepo, storage,
		prober, decoder, encoder, detector, images,
		log.Named("task_pipeline"),
		usecase.TaskPipelineConfig{
			ContentBase:   cfg.ContentBase,
			TempDir:       filepath.Join(cfg.TempDir, "segments"),
			FramesPerTask: cfg.FramesPerTask,
		},
	)
	builder := usecase.NewDatasetBuilder(
		datasetRepo, taskRepo, frameRepo, storage,
		decoder, images, augmenter, zipper,
		log.Named("dataset_builder"),
		usecase.DatasetBuilderConfig{
			PoolSize:       cfg.DatasetPoolSize,
			WorkDir:        filepath.Join(cfg.TempDir, "datasets"),
			SampleFraction: cfg.DatasetSampleFraction,
			PresignTTL:     time.Duration(cfg.PresignTTLHours) * time.Hour,
			LeaseTTL:       time.Duration(cfg.DatasetLeaseMinutes) * time.Minute,
		},
	)
	contentUC := usecase.NewProcessContentUseCase(pipeline, statusPub, contentDLQ, notifier, log)
	datasetUC := usecase.NewBuildDatasetUseCase(builder, statusPub, datasetDLQ, notifier, log)

	metricsSrv := metrics.StartMetricsServer(ctx, cfg.MetricsPort, log,
		metrics.HealthCheck{Name: "postgres", Check: pool.Ping},
		metrics.HealthCheck{Name: "mongodb", Check: func(ctx context.Context) error { return mongoClient.Ping(ctx, nil) }},
	)

	contentConsumer, err := rabbitmq.NewConsumer(rmqConn, rabbitmq.ConsumerConfig{
		Queue:            cfg.RabbitMQContentQueue,
		RoutingKey:       cfg.RabbitMQContentQueue,
		Exchange:         cfg.RabbitMQExchange,
		DLQ:              cfg.RabbitMQContentDLQ,
		StatusQueue:      cfg.RabbitMQStatusQueue,
		StatusRoutingKey: cfg.RabbitMQStatusQueue,
		Prefetch:         cfg.RabbitMQPrefetch,
		WorkerCount:      cfg.WorkerCount,
		MaxAttempts:      cfg.MaxAttempts,
		BaseDelayMs:      cfg.RetryBaseDelayMs,
	}, contentUC.Execute, log)
	fatalOnErr(err, "create content consumer")
	defer contentConsumer.Close()

	datasetConsumer, err := rabbitmq.NewConsumer(rmqConn, rabbitmq.ConsumerConfig{
		Queue:            cfg.RabbitMQDatasetQueue,
		RoutingKey:       cfg.RabbitMQDatasetQueue,
		Exchange:         cfg.RabbitMQExchange,
		DLQ:              cfg.RabbitMQDatasetDLQ,
		StatusQueue:      cfg.RabbitMQStatusQueue,
		StatusRoutingKey: cfg.RabbitMQStatusQueue,
		Prefetch:         cfg.RabbitMQPrefetch,
		WorkerCount:      cfg.RabbitMQDatasetWorkers,
		MaxAttempts:      cfg.MaxAttempts,
		BaseDelayMs:      cfg.RetryBaseDelayMs,
	}, datasetUC.Execute, log)
	fatalOnErr(err, "create dataset consumer")
	defer datasetConsumer.Close()

	// Recover work interrupted by a previous shutdown
	go func() {
		if err := pipeline.WarmStart(ctx); err != nil {
			log.Error("task pipeline warm start failed", zap.Error(err))
		}
		if err := builder.WarmStart(ctx); err != nil {
			log.Error("dataset warm start failed", zap.Error(err))
		}
	}()

	sweeper := scheduler.New(ctx, log.Named("scheduler"))
	fatalOnErr(sweeper.Add("dataset_warm_start", cfg.DatasetSweepCron, builder.WarmStart), "schedule dataset sweep")
	sweeper.Start()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	log.Info("content-processing-service started, consuming messages")

	var wg sync.WaitGroup
	for _, c := range []*rabbitmq.Consumer{contentConsumer, datasetConsumer} {
		wg.Add(1)
		go func(c *rabbitmq.Consumer) {
			defer wg.Done()
			if err := c.Start(ctx); err != nil {
				log.Error("consumer error", zap.Error(err))
				cancel()
			}
		}(c)
	}
	wg.Wait()

	// Shutdown
	sweeper.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Shutdown(shutdownCtx)

	log.Info("content-processing-service stopped")
}

func fatalOnErr(err error, msg string) {
	if err != nil {
		panic(msg + ": " + err.Error())
	}
}
