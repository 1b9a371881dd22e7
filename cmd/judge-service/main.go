package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codejudge/internal/common/cache"
	commonmw "codejudge/internal/common/http/middleware"
	"codejudge/internal/common/mq"
	"codejudge/internal/common/storage"
	"codejudge/internal/judge/controller"
	"codejudge/internal/judge/metrics"
	"codejudge/internal/judge/repository"
	"codejudge/internal/judge/sandbox"
	"codejudge/internal/judge/sandbox/engine"
	"codejudge/internal/judge/sandbox/profile"
	"codejudge/internal/judge/sandbox/runner"
	"codejudge/internal/judge/sandbox/workspace"
	"codejudge/internal/judge/service"
	"codejudge/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultConfigPath = "configs/judge_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "judge service stopped with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	bootCtx := context.Background()

	languages, err := appCfg.Language.table()
	if err != nil {
		return fmt.Errorf("load language table failed: %w", err)
	}

	eng, err := engine.New(appCfg.Sandbox)
	if err != nil {
		return fmt.Errorf("init sandbox engine failed: %w", err)
	}
	if err := prepareImages(bootCtx, eng, appCfg.Sandbox, languages); err != nil {
		return err
	}

	recorder := metrics.New(prometheus.DefaultRegisterer)
	workspaces, err := workspace.NewManager(appCfg.Judge.WorkRoot)
	if err != nil {
		return fmt.Errorf("init workspace root failed: %w", err)
	}
	jobRunner := runner.NewRunnerWithObserver(eng, appCfg.Judge.runnerConfig(), recorder)
	worker := sandbox.NewWorker(jobRunner, languages, workspaces)
	worker.SetAllowStderr(appCfg.Judge.AllowStderr)

	jobRepo, redisCache, err := buildRepository(appCfg)
	if err != nil {
		return err
	}
	if redisCache != nil {
		defer func() {
			_ = redisCache.Close()
		}()
	}

	var mqClient *mq.KafkaQueue
	var publisher repository.JobEventPublisher
	if appCfg.Kafka.Enabled() {
		mqClient, err = mq.NewKafkaQueue(appCfg.Kafka.toMQConfig())
		if err != nil {
			return fmt.Errorf("init kafka failed: %w", err)
		}
		defer func() {
			_ = mqClient.Close()
		}()
		publisher = repository.NewMQJobEventPublisher(mqClient, appCfg.Kafka.FinalTopic)
	}

	scheduler, err := service.NewScheduler(service.Dependencies{
		Executor:   worker,
		Repository: jobRepo,
		Languages:  languages,
		Publisher:  publisher,
		Metrics:    recorder,
	}, appCfg.Queue)
	if err != nil {
		return fmt.Errorf("init scheduler failed: %w", err)
	}
	worker.SetProgressReporter(scheduler)
	// Workers outlive the signal context so Shutdown can drain them.
	scheduler.Start(bootCtx)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if mqClient != nil {
		if err := startKafkaIntake(sigCtx, appCfg, mqClient, scheduler); err != nil {
			shutdownScheduler(scheduler, appCfg.Server.ShutdownTimeout)
			return err
		}
	}

	var nc *nats.Conn
	var natsHandler *controller.NATSHandler
	if appCfg.NATS.URL != "" {
		// One in-flight request per worker keeps NATS callers able to fill the pool.
		natsHandler = controller.NewNATSHandler(scheduler, appCfg.HTTP.WaitTimeout, appCfg.Queue.Workers)
		nc, err = startNATS(sigCtx, appCfg.NATS, natsHandler)
		if err != nil {
			shutdownScheduler(scheduler, appCfg.Server.ShutdownTimeout)
			return err
		}
	}

	judgeController := controller.NewJudgeController(scheduler, languages, appCfg.HTTP.WaitTimeout)
	if redisCache != nil {
		judgeController.AddHealthDependency("redis", redisCache)
	}
	httpServer := buildHTTPServer(appCfg.Server, judgeController)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		shutdownScheduler(scheduler, appCfg.Server.ShutdownTimeout)
		return fmt.Errorf("init http listener failed: %w", err)
	}

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		logger.Info(bootCtx, "judge http server started", zap.String("addr", appCfg.Server.Addr))
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server stopped: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info(bootCtx, "shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), appCfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error(bootCtx, "http server shutdown failed", zap.Error(err))
		}
		if mqClient != nil {
			if err := mqClient.Stop(); err != nil {
				logger.Warn(bootCtx, "kafka consumer stop failed", zap.Error(err))
			}
		}
		if nc != nil {
			if err := natsHandler.Shutdown(ctx); err != nil {
				logger.Warn(bootCtx, "nats requests still in flight", zap.Error(err))
			}
			if err := nc.Drain(); err != nil {
				logger.Warn(bootCtx, "nats drain failed", zap.Error(err))
			}
		}
		if err := scheduler.Shutdown(ctx); err != nil {
			logger.Warn(bootCtx, "scheduler shutdown incomplete", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}

// buildRepository returns the job store. The cache is nil for the memory
// backend; otherwise the caller owns closing it.
func buildRepository(appCfg *AppConfig) (repository.JobRepository, *cache.RedisCache, error) {
	if appCfg.Store.Backend != storeRedis {
		return repository.NewMemoryRepository(appCfg.Store.ResultTTL), nil, nil
	}
	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		return nil, nil, fmt.Errorf("init redis failed: %w", err)
	}
	return repository.NewRedisRepository(redisCache, appCfg.Store.ResultTTL), redisCache, nil
}

// prepareImages pulls every language image up front for the docker backend.
func prepareImages(ctx context.Context, eng engine.Engine, cfg engine.Config, languages *profile.Table) error {
	puller, ok := eng.(interface {
		EnsureImages(ctx context.Context, images []string) error
	})
	if !ok || !cfg.Docker.PullImages {
		return nil
	}
	images := make([]string, 0)
	for _, lang := range languages.Languages() {
		if lang.Image != "" {
			images = append(images, lang.Image)
		}
	}
	if err := puller.EnsureImages(ctx, images); err != nil {
		return fmt.Errorf("pull sandbox images failed: %w", err)
	}
	return nil
}

func startKafkaIntake(ctx context.Context, appCfg *AppConfig, mqClient *mq.KafkaQueue, scheduler *service.Scheduler) error {
	var loader *service.SourceLoader
	if appCfg.MinIO.Endpoint != "" {
		objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			return fmt.Errorf("init minio failed: %w", err)
		}
		loader = service.NewSourceLoader(objStorage, appCfg.Source.Bucket, appCfg.Queue.MaxSourceBytes, appCfg.Source.Timeout)
	}
	intake := service.NewIntake(scheduler, loader, mqClient, appCfg.Kafka.PoolRetry)

	// Fetch no faster than the pool can accept work.
	limiter := mq.NewTokenLimiter(appCfg.Queue.Workers)
	err := mqClient.SubscribeWeighted(ctx, appCfg.Kafka.weightedTopics(), intake.HandleMessage, appCfg.Kafka.subscribeOptions(), limiter)
	if err != nil {
		return fmt.Errorf("subscribe kafka failed: %w", err)
	}
	if err := mqClient.Start(); err != nil {
		return fmt.Errorf("start kafka consumer failed: %w", err)
	}
	logger.Info(ctx, "kafka intake started", zap.Strings("topics", appCfg.Kafka.Topics))
	return nil
}

func startNATS(ctx context.Context, cfg NATSConfig, handler *controller.NATSHandler) (*nats.Conn, error) {
	name := cfg.Name
	if name == "" {
		name = "codejudge"
	}
	nc, err := nats.Connect(cfg.URL, nats.Name(name))
	if err != nil {
		return nil, fmt.Errorf("connect nats failed: %w", err)
	}
	if _, err := handler.Subscribe(ctx, nc, cfg.RunSubject, cfg.JudgeSubject); err != nil {
		nc.Close()
		return nil, err
	}
	return nc, nil
}

func shutdownScheduler(scheduler *service.Scheduler, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_ = scheduler.Shutdown(ctx)
}

func buildHTTPServer(cfg ServerConfig, judgeController *controller.JudgeController) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())

	judgeController.RegisterRoutes(router.Group("/api/v1"))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
