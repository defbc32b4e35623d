package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/tryon-gateway/internal/auth"
	"github.com/example/tryon-gateway/internal/config"
	"github.com/example/tryon-gateway/internal/gradio"
	"github.com/example/tryon-gateway/internal/grpchealth"
	"github.com/example/tryon-gateway/internal/handlers"
	"github.com/example/tryon-gateway/internal/inference"
	"github.com/example/tryon-gateway/internal/repository"
	"github.com/example/tryon-gateway/internal/storage"
	"github.com/example/tryon-gateway/internal/usecase"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := appConfig

	startCtx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	store, err := storage.NewFileStore(cfg.TempDir, cfg.ResultDir, logger)
	if err != nil {
		return err
	}
	logger.Info("storage ready",
		zap.String("temp_dir", store.TempDir()),
		zap.String("result_dir", store.ResultDir()))

	space := gradio.NewClient(gradio.Config{
		BaseURL:   cfg.Inference.SpaceURL,
		APIPrefix: cfg.Inference.APIPrefix,
		Token:     cfg.Inference.Token,
		Timeout:   cfg.Inference.Timeout,
	}, logger)
	client := inference.NewTryOnClient(space, cfg.Inference.APIName, logger)

	var history usecase.HistoryRepository
	if cfg.Database.DSN != "" {
		repo, err := initRepository(startCtx, cfg.Database)
		if err != nil {
			return err
		}
		history = repo
	} else {
		logger.Info("database not configured, request history disabled")
	}

	var cache usecase.Cache
	if cfg.Redis.Addr != "" {
		redisClient, err := initRedis(startCtx, cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		cache = usecase.NewRedisCache(redisClient)
	}

	uc := usecase.NewTryOnUseCase(store, client, history, cache, logger, usecase.Settings{
		KeepTempUploads: cfg.Cleanup.KeepTempUploads,
		ResultTTL:       cfg.Cleanup.ResultTTL,
	})

	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(handlers.RouterOptions{
		Logger:             logger,
		CORSOrigins:        cfg.CORSOrigins,
		MaxMultipartMemory: cfg.MaxUploadMB << 20,
	})

	var authMiddleware gin.HandlerFunc
	if cfg.Auth.Secret != "" {
		authMiddleware = auth.JWTMiddleware(cfg.Auth.Secret, cfg.Auth.Audience, logger)
	}
	handlers.RegisterRoutes(router, uc, authMiddleware)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	g, gctx := errgroup.WithContext(bgCtx)

	g.Go(func() error {
		store.RunSweeper(gctx, cfg.Cleanup.SweepInterval, cfg.Cleanup.TempTTL, cfg.Cleanup.ResultTTL)
		return nil
	})

	var healthServer *grpchealth.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		healthServer = grpchealth.NewServer(logger)
		g.Go(func() error { return healthServer.Serve(lis) })
		healthServer.SetServing(true)
	}

	logger.Info("try-on gateway listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("space_url", cfg.Inference.SpaceURL))
	serveErr := serveUntilSignal(server, logger, drainOptions{
		Timeout: shutdownTimeout,
		BeforeDrain: func() {
			if healthServer != nil {
				healthServer.SetServing(false)
			}
		},
	})

	if healthServer != nil {
		healthServer.Stop()
	}
	stopBackground()
	if err := g.Wait(); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

func initRepository(ctx context.Context, cfg config.DatabaseConfig) (*repository.TryOnRepository, error) {
	db, err := repository.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		logger.Error("failed to connect to database", zap.Error(err))
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		logger.Error("database ping failed", zap.Error(err))
		return nil, err
	}

	repo := repository.NewTryOnRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Error("auto migrate failed", zap.Error(err))
		return nil, err
	}
	return repo, nil
}

func initRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Error("redis connection failed", zap.Error(err), zap.String("addr", cfg.Addr))
		client.Close()
		return nil, err
	}
	return client, nil
}

// drainOptions controls how the HTTP server is run and drained.
type drainOptions struct {
	// Listener replaces ListenAndServe when set.
	Listener net.Listener
	// Signals replaces SIGINT/SIGTERM notification when set. Closing it
	// waits for the server to exit on its own.
	Signals <-chan os.Signal
	// BeforeDrain runs once a shutdown signal arrives, before in-flight
	// requests are drained.
	BeforeDrain func()
	Timeout     time.Duration
}

// serveUntilSignal serves HTTP until the server fails or a shutdown signal
// arrives, then drains in-flight requests within opts.Timeout.
func serveUntilSignal(server *http.Server, logger *zap.Logger, opts drainOptions) error {
	serveErr := make(chan error, 1)
	go func() {
		var err error
		if opts.Listener != nil {
			err = server.Serve(opts.Listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	signals := opts.Signals
	if signals == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		signals = ch
	}

	select {
	case err := <-serveErr:
		return err
	case sig, ok := <-signals:
		if !ok {
			return <-serveErr
		}
		logger.Info("received shutdown signal, draining requests",
			zap.String("signal", sig.String()),
			zap.Duration("timeout", opts.Timeout))
		if opts.BeforeDrain != nil {
			opts.BeforeDrain()
		}

		ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-serveErr
	}
}
