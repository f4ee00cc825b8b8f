package main

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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"gorm.io/gorm"

	"github.com/example/palmvein/internal/audit"
	"github.com/example/palmvein/internal/auth"
	"github.com/example/palmvein/internal/classifier"
	"github.com/example/palmvein/internal/config"
	"github.com/example/palmvein/internal/database"
	"github.com/example/palmvein/internal/grpcclient"
	"github.com/example/palmvein/internal/handlers"
	"github.com/example/palmvein/internal/identity"
	"github.com/example/palmvein/internal/lockout"
	"github.com/example/palmvein/internal/logging"
	"github.com/example/palmvein/internal/metrics"
	"github.com/example/palmvein/internal/middleware"
	"github.com/example/palmvein/internal/repository"
	"github.com/example/palmvein/internal/storage"
	"github.com/example/palmvein/internal/stream"
	"github.com/example/palmvein/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	deps, err := connect(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.String("operation", logging.OperationOf(err)), zap.Error(err))
	}
	defer deps.close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	labels := identity.NewSet(identity.Labels(identity.DefaultCount))
	adapter := classifier.NewAdapter(deps.model, labels,
		classifier.WithImageSize(cfg.Classifier.ImageSize),
		classifier.WithTimeout(cfg.Classifier.Timeout),
		classifier.WithMaxDimension(cfg.Classifier.MaxDimension),
	)
	if !adapter.Ready() {
		logger.Warn("model server not ready; authentication will fail until it connects",
			zap.String("addr", cfg.Classifier.ModelServerAddr))
	}

	var store lockout.Store = lockout.NewMemoryStore()
	if deps.redis != nil {
		store = lockout.NewRedisStore(deps.redis, logger)
	}
	tracker, err := lockout.NewTracker(store,
		lockout.WithPolicy(lockout.Policy{Threshold: cfg.Lockout.Threshold, Window: cfg.Lockout.Window}),
		lockout.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal("failed to create lockout tracker", zap.Error(err))
	}

	fileSink, err := audit.OpenFileSink(cfg.Audit.LogPath)
	if err != nil {
		logger.Fatal("failed to open audit log", zap.Error(err), zap.String("path", cfg.Audit.LogPath))
	}
	defer fileSink.Close()

	var (
		secondary []audit.Sink
		ucOpts    []usecase.Option
	)
	if deps.db != nil {
		repo := repository.NewAttemptRepository(deps.db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		secondary = append(secondary, repo)
		ucOpts = append(ucOpts, usecase.WithHistory(repo))
	}
	if deps.kafka != nil {
		secondary = append(secondary, deps.kafka)
	}
	auditLog := audit.NewLogger(fileSink, logger, secondary...)

	uploads, err := storage.NewUploads(cfg.Server.UploadDir)
	if err != nil {
		logger.Fatal("failed to prepare upload directory", zap.Error(err))
	}

	uc := usecase.NewAuthenticationUseCase(adapter, tracker, auditLog, uploads, logger, ucOpts...)

	router := buildRouter(cfg, uc, registry, logger)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("palm vein authentication service listening",
		zap.String("addr", cfg.Server.Addr),
		zap.Bool("redis_lockout", deps.redis != nil),
		zap.Bool("audit_db", deps.db != nil),
		zap.Bool("audit_stream", deps.kafka != nil),
	)
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// buildRouter assembles the middleware chain and routes.
func buildRouter(cfg *config.Config, svc handlers.Service, registry *prometheus.Registry, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.MaxMultipartMemory = cfg.Server.MaxUploadBytes
	router.Use(middleware.RequestID(logger), middleware.RequestLogger(), middleware.Recovery(cfg.Log.Level == "debug"))

	var authMiddleware gin.HandlerFunc
	if cfg.AdminEnabled() {
		authMiddleware = auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience)
	} else {
		logger.Info("JWT_SECRET not set; operator routes disabled")
	}

	handlers.RegisterRoutes(router, svc, authMiddleware, handlers.Options{
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		UploadLimiter:  middleware.RateLimitByIP(middleware.RateLimitConfig{RequestsPerMinute: cfg.Server.RateLimitPerMinute}),
		Metrics:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})
	return router
}

// dependencies holds the external connections opened at startup. Optional
// ones stay nil when not configured.
type dependencies struct {
	model     classifier.Model
	modelConn *grpc.ClientConn
	redis     *redis.Client
	db        *gorm.DB
	kafka     *stream.KafkaSink
}

// connect opens every configured backend concurrently. An unreachable model
// server falls back to a background connection so the service starts and
// reports itself as not ready; every other configured backend must come up.
func connect(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	deps := &dependencies{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		client, conn, err := grpcclient.DialModelServer(gctx, cfg.Classifier.ModelServerAddr, logger)
		if err != nil {
			client, conn, err = grpcclient.ConnectModelServer(cfg.Classifier.ModelServerAddr, logger)
			if err != nil {
				return logging.NewOperationError("startup.model_server", "", err)
			}
		}
		deps.model, deps.modelConn = client, conn
		return nil
	})

	if cfg.Lockout.RedisAddr != "" {
		g.Go(func() error {
			client, err := initRedis(gctx, cfg.Lockout.RedisAddr)
			if err != nil {
				return logging.NewOperationError("startup.redis", "", err)
			}
			deps.redis = client
			return nil
		})
	}

	if cfg.Audit.DatabaseDSN != "" {
		g.Go(func() error {
			db, err := database.Open(gctx, cfg.Audit.DatabaseDSN, logger)
			if err != nil {
				return logging.NewOperationError("startup.database", "", err)
			}
			deps.db = db
			return nil
		})
	}

	if len(cfg.Audit.KafkaBrokers) > 0 {
		g.Go(func() error {
			sink, err := stream.NewKafkaSink(cfg.Audit.KafkaBrokers, cfg.Audit.KafkaTopic, logger)
			if err != nil {
				return logging.NewOperationError("startup.kafka", "", err)
			}
			deps.kafka = sink
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		deps.close()
		return nil, err
	}
	return deps, nil
}

func (d *dependencies) close() {
	if d.modelConn != nil {
		_ = d.modelConn.Close()
	}
	if d.redis != nil {
		_ = d.redis.Close()
	}
	if d.db != nil {
		if sqlDB, err := d.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if d.kafka != nil {
		d.kafka.Close()
	}
}

func initRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
