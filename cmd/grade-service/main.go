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

	"gradebox/internal/common/cache"
	"gradebox/internal/common/db"
	"gradebox/internal/common/mq"
	"gradebox/internal/common/storage"
	"gradebox/internal/grading/controller"
	"gradebox/internal/grading/envcheck"
	"gradebox/internal/grading/grader"
	"gradebox/internal/grading/repository"
	"gradebox/internal/grading/respack"
	"gradebox/internal/grading/sandbox/engine"
	"gradebox/internal/grading/sandbox/profile"
	"gradebox/internal/grading/service"
	"gradebox/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/grade_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx := context.Background()

	// Preflight is fatal: never accept jobs in a broken environment.
	err = envcheck.Run(ctx, envcheck.Config{
		Toolchain:  appCfg.Envcheck.Toolchain,
		HelperPath: appCfg.Sandbox.HelperPath,
		WorkRoot:   appCfg.Grading.WorkRoot,
		Profiles:   appCfg.Profiles,
	})
	if err != nil {
		logger.Fatal(ctx, "environment preflight failed", zap.Error(err))
		return
	}

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		logger.Error(ctx, "init database failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mysqlDB.Close()
	}()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		logger.Error(ctx, "init redis failed", zap.Error(err))
		return
	}
	defer func() {
		_ = redisCache.Close()
	}()

	objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
	if err != nil {
		logger.Error(ctx, "init minio failed", zap.Error(err))
		return
	}

	mqClient, err := mq.NewKafkaQueue(appCfg.Kafka.toMQConfig())
	if err != nil {
		logger.Error(ctx, "init kafka failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mqClient.Close()
	}()

	resolver, err := profile.NewResolver(appCfg.Profiles)
	if err != nil {
		logger.Error(ctx, "load sandbox profiles failed", zap.Error(err))
		return
	}
	eng, err := engine.NewEngine(appCfg.Sandbox.toEngineConfig(), resolver)
	if err != nil {
		logger.Error(ctx, "init sandbox engine failed", zap.Error(err))
		return
	}
	worker := grader.NewWorker(grader.NewRunner(eng))

	packCache := respack.New(
		appCfg.Cache.RootDir,
		appCfg.Cache.TTL,
		appCfg.Cache.LockWait,
		appCfg.Cache.MaxEntries,
		appCfg.Cache.MaxBytes,
		appCfg.MinIO.SubmissionBucket,
		objStorage,
		redisCache,
	)

	batchRepo := repository.NewBatchRepository(mysqlDB.DB())
	statusRepo := repository.NewStatusRepository(redisCache)

	gradingSvc := service.NewGradingService(service.Config{
		WorkRoot:         appCfg.Grading.WorkRoot,
		SubmissionBucket: appCfg.MinIO.SubmissionBucket,
		ReportBucket:     appCfg.MinIO.ReportBucket,
		Profile:          appCfg.Grading.Profile,
		Concurrency:      appCfg.Grading.Concurrency,
		StepTimeout:      appCfg.Grading.StepTimeout,
		DefaultLimits:    resolver.DefaultLimits(appCfg.Grading.Profile),
		RunPatterns:      appCfg.Grading.RunPatterns,
	}, worker, packCache, objStorage, batchRepo, statusRepo)

	authSvc, err := service.NewAuthService(appCfg.Auth)
	if err != nil {
		logger.Error(ctx, "init auth service failed", zap.Error(err))
		return
	}

	limiter := mq.NewTokenLimiter(gradingSvc.PoolSize())
	err = mqClient.SubscribeWithOptions(ctx, appCfg.Kafka.JobTopic, gradingSvc.HandleMessage, &mq.SubscribeOptions{
		ConsumerGroup:   appCfg.Kafka.ConsumerGroup,
		Concurrency:     appCfg.Kafka.Concurrency,
		MaxRetries:      appCfg.Kafka.MaxRetries,
		RetryDelay:      appCfg.Kafka.RetryDelay,
		DeadLetterTopic: appCfg.Kafka.DeadLetter,
		MessageTTL:      appCfg.Kafka.MessageTTL,
	}, limiter)
	if err != nil {
		logger.Error(ctx, "subscribe kafka failed", zap.Error(err))
		return
	}
	if err := mqClient.Start(); err != nil {
		logger.Error(ctx, "start kafka consumer failed", zap.Error(err))
		return
	}

	httpServer := buildHTTPServer(appCfg.Server, authSvc, mqClient, appCfg.Kafka.JobTopic, batchRepo, statusRepo, objStorage, appCfg.MinIO)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(ctx, "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "grading http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	_ = mqClient.Stop()
}

func buildHTTPServer(cfg ServerConfig, authSvc *service.AuthService, producer mq.Producer, jobTopic string, batchRepo repository.BatchRepository, statusRepo repository.StatusRepository, objStorage storage.ObjectStorage, minioCfg storage.MinIOConfig) *http.Server {
	router := gin.New()
	controller.RegisterRoutes(router, authSvc,
		controller.NewAuthController(authSvc),
		controller.NewSubmitController(producer, jobTopic, objStorage, minioCfg.SubmissionBucket),
		controller.NewBatchController(batchRepo, statusRepo, objStorage, minioCfg.ReportBucket, minioCfg.PresignTTL),
		controller.NewStreamController(statusRepo))

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
