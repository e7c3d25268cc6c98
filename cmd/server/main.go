package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"fetchqueue/internal/config"
	"fetchqueue/internal/extractor"
	apphttp "fetchqueue/internal/http"
	"fetchqueue/internal/probecache"
	"fetchqueue/internal/queue"
	"fetchqueue/internal/repository/sqlite"
	"fetchqueue/internal/restriction"
	"fetchqueue/internal/service"
	"fetchqueue/internal/storage"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	}

	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		logger.Fatalf("auth jwt secret is required")
	}
	if strings.TrimSpace(cfg.Auth.RegisterPassword) == "" {
		logger.Fatalf("auth registration password is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	itemRepo := sqlite.NewItemRepository(db)
	ledgerRepo := sqlite.NewLedgerRepository(db)
	userRepo := sqlite.NewUserRepository(db)

	if err := itemRepo.Init(ctx); err != nil {
		logger.Fatalf("init item repository: %v", err)
	}
	if err := ledgerRepo.Init(ctx); err != nil {
		logger.Fatalf("init ledger repository: %v", err)
	}
	if err := userRepo.Init(ctx); err != nil {
		logger.Fatalf("init user repository: %v", err)
	}

	userService := service.NewUserService(userRepo, cfg.Auth.RegisterPassword)

	archiver, err := buildArchive(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup archive storage: %v", err)
	}

	port := extractor.NewYtDlp(cfg.Extractor.Binary, logger, cfg.Log.VerboseExtractor)
	probes := probecache.New(port, probecache.Config{
		TTL:        cfg.Extractor.ProbeCacheTTL,
		MaxEntries: cfg.Extractor.ProbeCacheSize,
		Permits:    cfg.Extractor.ProbePermits,
		Logger:     logger,
	})
	detector := restriction.New(port, restriction.Options{
		TestURL:         cfg.Restriction.TestURL,
		RecheckInterval: cfg.Restriction.RecheckInterval,
	}, logger)

	orch := queue.New(queue.Config{
		DataDir:     cfg.Download.DataDir,
		StopTimeout: cfg.Extractor.StopTimeout,
		Logger:      logger,
	}, port, probes, detector, ledgerRepo)

	if err := orch.Start(ctx); err != nil {
		logger.Fatalf("start orchestrator: %v", err)
	}

	queueService := service.NewQueueService(orch, itemRepo, ledgerRepo, detector, archiver, service.ArchiveOptions{
		Bucket:    cfg.Archive.Bucket,
		KeyPrefix: cfg.Archive.KeyPrefix,
	}, logger)
	if err := queueService.Start(ctx); err != nil {
		logger.Fatalf("start queue service: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(
		queueService,
		userService,
		archiver,
		cfg.Archive.Bucket,
		cfg.Auth.JWTSecret,
		time.Duration(cfg.Auth.TokenTTLMinutes)*time.Minute,
	)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	queueService.Close()
	orch.Shutdown()

	logger.Info("bye")
}

// buildArchive constructs the optional S3 archive. An empty bucket leaves
// archiving off without failing startup.
func buildArchive(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Archiver, error) {
	if cfg.Archive.Bucket == "" {
		logger.Info("archive bucket not configured, artifacts stay local")
		return nil, nil
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Archive.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Archive.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Archive.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("archiving to s3 bucket %s (region %s)", cfg.Archive.Bucket, cfg.Archive.Region)
	return storage.NewS3Archive(client), nil
}
