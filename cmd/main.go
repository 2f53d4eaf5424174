package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"erasmusly/messaging-service/internal/auth"
	"erasmusly/messaging-service/internal/config"
	"erasmusly/messaging-service/internal/gateway"
	grpcServer "erasmusly/messaging-service/internal/grpc"
	"erasmusly/messaging-service/internal/models"
	"erasmusly/messaging-service/internal/realtime"
	"erasmusly/messaging-service/internal/redisfanout"
	"erasmusly/messaging-service/internal/repository"
	"erasmusly/messaging-service/internal/service"

	pb "github.com/kegazani/metachat-proto/chat"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := newLogger(cfg.Logging)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var (
		chatRepo repository.ChatRepository
		users    repository.UserDirectory
		db       *sql.DB
	)

	switch cfg.Storage.Driver {
	case "memory":
		logger.Warn("Using in-memory storage; data is lost on restart")
		chatRepo = repository.NewMemoryChatRepository()
		users = memoryUsers(cfg.Storage.MemoryUsers)
		logger.WithField("users", len(cfg.Storage.MemoryUsers)).Info("Seeded in-memory user directory")
	default:
		db, err = sql.Open("postgres", cfg.Database.DSN())
		if err != nil {
			logger.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()

		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			logger.Fatalf("Failed to ping database: %v", err)
		}
		logger.Info("Connected to PostgreSQL database")

		chatRepo = repository.NewChatRepository(db)
		users = repository.NewUserDirectory(db)
	}

	if err := chatRepo.InitializeTables(ctx); err != nil {
		logger.Fatalf("Failed to initialize database tables: %v", err)
	}

	registry := realtime.NewRegistry(service.NewMembership(chatRepo), logger)
	router := realtime.NewRouter(registry, logger)

	var publisher service.Publisher = router
	if cfg.Redis.URL != "" {
		client, err := redisfanout.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer client.Close()

		bridge := redisfanout.NewBridge(client, cfg.Redis.Channel, router, logger)
		go func() {
			if err := bridge.Run(ctx); err != nil {
				logger.WithError(err).Error("Redis relay stopped")
			}
		}()
		publisher = bridge
	}

	chatService := service.NewChatService(chatRepo, users, publisher, logger)

	authenticator, err := auth.NewAuthenticator(cfg.Auth.JWTSecret, users)
	if err != nil {
		logger.Fatalf("Failed to configure authentication: %v", err)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := gateway.NewHandler(chatService, authenticator, registry, logger, gateway.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IdleTimeout:    cfg.Realtime.IdleTimeout,
		WriteTimeout:   cfg.Realtime.WriteTimeout,
		SendBuffer:     cfg.Realtime.SendBuffer,
		RequestTimeout: cfg.Realtime.RequestTimeout,
	})

	httpAddress := net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)
	httpSrv := &http.Server{
		Addr:              httpAddress,
		Handler:           handler.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("Starting HTTP server on %s", httpAddress)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	var s *grpc.Server
	if cfg.GRPC.Enabled {
		grpcAddress := net.JoinHostPort(cfg.Server.Host, cfg.GRPC.Port)
		lis, err := net.Listen("tcp", grpcAddress)
		if err != nil {
			logger.Fatalf("Failed to listen on %s: %v", grpcAddress, err)
		}

		s = grpc.NewServer(grpc.UnaryInterceptor(grpcServer.UnaryAuthInterceptor(authenticator, logger)))
		pb.RegisterChatServiceServer(s, grpcServer.NewChatServer(chatService, logger))

		if cfg.GRPC.ReflectionEnabled {
			reflection.Register(s)
			logger.Info("gRPC reflection enabled")
		}

		go func() {
			logger.Infof("Starting gRPC server on %s", grpcAddress)
			if err := s.Serve(lis); err != nil {
				logger.Fatalf("Failed to start gRPC server: %v", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.WithField("realtime", registry.Stats()).Info("Shutting down servers...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop accepting upgrades before closing the live sessions.
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown timeout")
	}
	registry.Close()

	if s != nil {
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()

		grpcCtx, grpcCancel := context.WithTimeout(context.Background(), cfg.GRPC.ShutdownTimeout)
		defer grpcCancel()

		select {
		case <-done:
			logger.Info("gRPC server exited gracefully")
		case <-grpcCtx.Done():
			logger.Info("gRPC server shutdown timeout")
			s.Stop()
		}
	}

	stop()
	logger.Info("Server exited")
}

func memoryUsers(seed []config.MemoryUser) *repository.MemoryUserDirectory {
	users := make([]*models.User, 0, len(seed))
	for _, u := range seed {
		users = append(users, &models.User{
			ID:             strings.TrimSpace(u.ID),
			Name:           u.Name,
			Email:          u.Email,
			ProfilePicture: u.ProfilePicture,
		})
	}
	return repository.NewMemoryUserDirectory(users...)
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	switch cfg.Level {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "info":
		logger.SetLevel(logrus.InfoLevel)
	case "warn":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{})
	}

	return logger
}
