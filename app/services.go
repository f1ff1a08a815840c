package app

import (
	"context"
	"fmt"
	"time"

	"github.com/Yulian302/lfusys-services-media/assets"
	"github.com/Yulian302/lfusys-services-media/config"
	"github.com/Yulian302/lfusys-services-media/eligibility"
	"github.com/Yulian302/lfusys-services-media/handlers"
	"github.com/Yulian302/lfusys-services-media/health"
	"github.com/Yulian302/lfusys-services-media/logging"
	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/Yulian302/lfusys-services-media/optimizer"
	"github.com/Yulian302/lfusys-services-media/queues"
	"github.com/Yulian302/lfusys-services-media/services"
	"github.com/Yulian302/lfusys-services-media/stats"
	"github.com/Yulian302/lfusys-services-media/store"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

const memorySessionCapacity = 10_000

type Stores struct {
	assets   assets.Repository
	sessions store.SessionStore
	queue    store.QueueStore
}

func (s *Stores) checks() []health.ReadinessCheck {
	return []health.ReadinessCheck{s.assets, s.sessions, s.queue}
}

type Services struct {
	Sessions services.SessionService
	Assets   services.AssetService
	Queue    services.QueueService
	Stats    stats.Reader

	Worker   *queues.OptimizationWorker
	Enqueues *queues.EnqueueReceiver
	Sweeper  *services.Sweeper

	Stores *Stores

	Handler *handlers.HTTPHandler

	logger logging.Logger
}

type Shutdowner interface {
	Shutdown(context.Context) error
}

func BuildServices(ctx context.Context, app *App) (*Services, error) {
	cfg := app.Config
	l := app.Logger

	sessionStore, err := buildSessionStore(app)
	if err != nil {
		return nil, err
	}
	queueStore, err := buildQueueStore(app)
	if err != nil {
		return nil, err
	}
	assetRepo := assets.NewDynamoRepository(app.DynamoDB, cfg.AssetsTableName)

	storage := store.NewS3ObjectStorage(app.S3, cfg.S3Config.Bucket, store.S3Options{
		Prefix:             cfg.S3Config.Prefix,
		CDNBaseURL:         cfg.CDNBaseURL,
		MultipartThreshold: cfg.MultipartThreshold,
	}, l.With("component", "s3"))
	optimizerClient := optimizer.NewHTTPClient(*cfg.OptimizerConfig, l.With("component", "optimizer"))

	statsAgg, statsReader := buildStats(app)

	filter := eligibility.NewFilter(eligibility.RulesFromConfig(*cfg.EligibilityConfig))
	inspector := assets.NewInspector(queueStore)

	optimizationExec := services.NewOptimizationExecutor(optimizerClient, assetRepo, l)
	processor := services.NewBatchProcessor(services.BatchProcessorDeps{
		Sessions:  sessionStore,
		Repo:      assetRepo,
		Inspector: inspector,
		Filter:    filter,
		Executors: []services.Executor{
			services.NewMigrationExecutor(storage, assetRepo, l),
			optimizationExec,
		},
		Batches: map[models.SessionKind]config.BatchConfig{
			models.KindMigration:    cfg.MigrationBatch,
			models.KindOptimization: cfg.OptimizationBatch,
		},
		Retry:  *cfg.RetryConfig,
		Stats:  statsAgg,
		Logger: l.With("component", "processor"),
	})

	sessionSvc := services.NewSessionController(sessionStore, assetRepo, inspector, filter, processor, l)
	assetSvc := services.NewAssetServiceImpl(assetRepo, inspector, filter, storage, l)
	queueSvc := services.NewQueueServiceImpl(queueStore, assetRepo, inspector, filter, l)

	worker := queues.NewOptimizationWorker(queues.OptimizationWorkerDeps{
		Queue:     queueStore,
		Repo:      assetRepo,
		Inspector: inspector,
		Filter:    filter,
		Executor:  optimizationExec,
		Retry:     *cfg.RetryConfig,
		Stats:     statsAgg,
		Interval:  cfg.WorkerInterval,
		Logger:    l.With("component", "worker"),
	})
	sweeper := services.NewSweeper(sessionStore, queueStore, cfg.SweepInterval, cfg.QueueRetention, l.With("component", "sweeper")).
		WithController(sessionSvc)

	var receiver *queues.EnqueueReceiver
	if cfg.EnqueueQueueName != "" {
		queueUrl, err := resolveQueueUrl(ctx, app.Sqs, cfg.EnqueueQueueName)
		if err != nil {
			l.Warn("enqueue notifications disabled", "queue", cfg.EnqueueQueueName, "error", err)
		} else {
			receiver = queues.NewEnqueueReceiver(ctx, app.Sqs, queueSvc, queueUrl, l.With("component", "enqueue-receiver"))
		}
	}

	handler := handlers.NewHTTPHandler(sessionSvc, assetSvc, queueSvc, statsReader, app.Metrics, l)

	return &Services{
		Sessions: sessionSvc,
		Assets:   assetSvc,
		Queue:    queueSvc,
		Stats:    statsReader,

		Worker:   worker,
		Enqueues: receiver,
		Sweeper:  sweeper,

		Stores: &Stores{
			assets:   assetRepo,
			sessions: sessionStore,
			queue:    queueStore,
		},

		Handler: handler,
		logger:  l,
	}, nil
}

func buildSessionStore(app *App) (store.SessionStore, error) {
	cfg := app.Config
	ttls := map[models.SessionKind]time.Duration{
		models.KindMigration:    cfg.MigrationBatch.TTL,
		models.KindOptimization: cfg.OptimizationBatch.TTL,
	}

	var kv store.TTLStore
	switch cfg.SessionBackend {
	case "redis":
		kv = store.NewRedisTTLStore(app.Redis)
	case "dynamodb":
		kv = store.NewDynamoTTLStore(app.DynamoDB, cfg.SessionsTableName)
	case "memory":
		kv = store.NewMemoryTTLStore(memorySessionCapacity, max(cfg.MigrationBatch.TTL, cfg.OptimizationBatch.TTL))
	default:
		return nil, fmt.Errorf("unknown SESSION_BACKEND %q", cfg.SessionBackend)
	}
	return store.NewSessionStoreImpl(kv, ttls, app.Logger.With("component", "sessions")), nil
}

func buildQueueStore(app *App) (store.QueueStore, error) {
	cfg := app.Config
	switch cfg.QueueBackend {
	case "sqlite":
		q, err := store.NewSQLiteQueueStore(cfg.QueueDSN)
		if err != nil {
			return nil, fmt.Errorf("open queue database: %w", err)
		}
		return q, nil
	case "dynamodb":
		return store.NewDynamoQueueStore(app.DynamoDB, cfg.QueueTableName), nil
	}
	return nil, fmt.Errorf("unknown QUEUE_BACKEND %q", cfg.QueueBackend)
}

// buildStats feeds Prometheus always and Redis when it is configured. Totals
// are read from Redis so they survive restarts, otherwise from memory.
func buildStats(app *App) (stats.Aggregator, stats.Reader) {
	prom := stats.NewPrometheusAggregator(app.Metrics)
	if app.Redis != nil {
		r := stats.NewRedisAggregator(app.Redis)
		return stats.Multi{prom, r}, r
	}
	mem := stats.NewMemoryAggregator()
	return stats.Multi{prom, mem}, mem
}

func resolveQueueUrl(ctx context.Context, client *sqs.Client, name string) (string, error) {
	out, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.QueueUrl), nil
}

func (s *Services) Start(ctx context.Context) {
	s.Sweeper.Start(ctx)
	s.Worker.Start(ctx)
	if s.Enqueues != nil {
		s.Enqueues.Start()
	}
}

func (s *Services) Shutdown(ctx context.Context) error {
	shutdownIfPossible := func(name string, v Shutdowner) {
		if err := v.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "component", name, "error", err)
		}
	}

	if s.Enqueues != nil {
		shutdownIfPossible("enqueue receiver", s.Enqueues)
	}
	shutdownIfPossible("optimization worker", s.Worker)
	shutdownIfPossible("sweeper", s.Sweeper)

	if s.Stores != nil {
		return s.Stores.Close()
	}
	return nil
}

type closer interface {
	Close() error
}

func (s *Stores) Close() error {
	if c, ok := s.queue.(closer); ok {
		return c.Close()
	}
	return nil
}
