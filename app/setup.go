package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Yulian302/lfusys-services-media/config"
	"github.com/Yulian302/lfusys-services-media/handlers"
	"github.com/Yulian302/lfusys-services-media/logging"
	"github.com/Yulian302/lfusys-services-media/tracing"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type App struct {
	Server       *grpc.Server
	HealthServer *grpchealth.Server
	HTTPServer   *http.Server

	DynamoDB *dynamodb.Client
	S3       *s3.Client
	Sqs      *sqs.Client
	Redis    *redis.Client

	Config    config.Config
	AwsConfig aws.Config

	Metrics        *prometheus.Registry
	Services       *Services
	TracerProvider *trace.TracerProvider
	Logger         logging.Logger

	cancel context.CancelFunc
}

func SetupApp(ctx context.Context) (*App, error) {
	cfg := config.LoadConfig()

	if err := cfg.AWSConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	appLogger := logging.NewSlogLogger(logging.CreateAppLogger(cfg.Env))

	if err := cfg.OptimizerConfig.Validate(); err != nil {
		appLogger.Warn("optimizer is not configured, optimization will fail preflight", "error", err)
	}

	awsCfg, err := initAWS(ctx, *cfg.AWSConfig)
	if err != nil {
		return nil, err
	}

	app := &App{
		DynamoDB: initDynamo(awsCfg, cfg.AWSConfig.Endpoint),
		S3:       initS3(awsCfg, cfg.AWSConfig.Endpoint),
		Sqs:      initSqs(awsCfg, cfg.AWSConfig.Endpoint),

		Config:    cfg,
		AwsConfig: awsCfg,
		Metrics:   initMetrics(),
		Logger:    appLogger,
	}

	if cfg.SessionBackend == "redis" {
		app.Redis = initRedis(*cfg.RedisConfig)
	}

	if cfg.Tracing {
		tp, err := tracing.InitTracer(ctx, "media", cfg.TracingAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to start tracing: %w", err)
		}
		appLogger.Info("tracing enabled", "addr", cfg.TracingAddr)

		app.TracerProvider = tp
	}

	app.Services, err = BuildServices(ctx, app)
	if err != nil {
		return nil, err
	}

	return app, nil
}

// Run serves gRPC health and the HTTP API until one of them fails or
// Shutdown stops them.
func (a *App) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	a.cancel = cancel

	a.Services.Start(ctx)

	a.Server = grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	a.createHealthServer(ctx)

	l, err := net.Listen("tcp", a.Config.GRPCAddr)
	if err != nil {
		return err
	}

	a.HTTPServer = &http.Server{
		Addr:              a.Config.HTTPAddr,
		Handler:           handlers.NewRouter(a.Config.Env, a.Services.Handler, a.Logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.Logger.Info("servers starting", "grpc_addr", a.Config.GRPCAddr, "http_addr", a.Config.HTTPAddr)

	var g errgroup.Group
	g.Go(func() error {
		if err := a.Server.Serve(l); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := a.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func (a *App) createHealthServer(ctx context.Context) {
	a.HealthServer = grpchealth.NewServer()

	// start pessimistic
	a.HealthServer.SetServingStatus(
		"",
		healthpb.HealthCheckResponse_NOT_SERVING,
	)
	healthpb.RegisterHealthServer(a.Server, a.HealthServer)

	checks := a.Services.Stores.checks()

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				status := healthpb.HealthCheckResponse_SERVING

				for _, c := range checks {
					cctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
					err := c.IsReady(cctx)
					cancel()

					if err != nil {
						a.Logger.Warn("readiness check failed", "check", c.Name(), "error", err)
						status = healthpb.HealthCheckResponse_NOT_SERVING
						break
					}
				}

				a.HealthServer.SetServingStatus("", status)
			}
		}
	}()
}

func initAWS(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

func initDynamo(cfg aws.Config, endpoint string) *dynamodb.Client {
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

func initS3(cfg aws.Config, endpoint string) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
}

func initSqs(cfg aws.Config, endpoint string) *sqs.Client {
	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

func initRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.HOST,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func initMetrics() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("starting graceful shutdown")

	if a.cancel != nil {
		a.cancel()
	}

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error("http server shutdown error", "error", err)
		}
	}

	if a.Server != nil {
		done := make(chan struct{})
		go func() {
			a.Server.GracefulStop()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			a.Server.Stop() // force
		}
	}

	if a.Services != nil {
		if err := a.Services.Shutdown(ctx); err != nil {
			a.Logger.Error("services shutdown error", "error", err)
		}
	}

	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Error("redis close error", "error", err)
		}
	}

	if a.TracerProvider != nil {
		if err := a.TracerProvider.Shutdown(ctx); err != nil {
			a.Logger.Error("tracer shutdown error", "error", err)
		}
	}

	a.Logger.Info("graceful shutdown complete")
	return nil
}
