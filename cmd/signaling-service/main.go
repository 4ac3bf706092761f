package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	callHandler "callgrid-backend/internal/handler/http/call"
	wsHandler "callgrid-backend/internal/handler/ws"
	"callgrid-backend/internal/middleware"
	"callgrid-backend/internal/presence"
	"callgrid-backend/internal/realtime"
	"callgrid-backend/internal/repository/cassandra"
	"callgrid-backend/internal/repository/cockroach"
	redisRepo "callgrid-backend/internal/repository/redis"
	callService "callgrid-backend/internal/service/call"
	"callgrid-backend/pkg/constants"
	"callgrid-backend/pkg/database"
	"callgrid-backend/pkg/env"
	"callgrid-backend/pkg/jwt"
	"callgrid-backend/pkg/logger"
)

// connectWithRetry retries a connector with exponential backoff. Stores are
// required; the process exits when none of the attempts succeed.
func connectWithRetry[T any](name string, connect func() (T, error)) T {
	maxRetries := 5
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	var conn T
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		conn, err = connect()
		if err == nil {
			logger.Info("connected", zap.String("store", name), zap.Int("attempt", attempt))
			return conn
		}
		if attempt == maxRetries {
			break
		}
		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}
		logger.Warn("connection failed, retrying",
			zap.String("store", name),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		time.Sleep(delay)
	}
	logger.Fatal("connection failed", zap.String("store", name), zap.Error(err))
	return conn
}

func main() {
	logger.InitDefault()
	defer logger.Sync()

	ctx := context.Background()

	jwtSecret := env.GetStringFromFile("JWT_SECRET", "")
	if jwtSecret == "" {
		logger.Fatal("JWT_SECRET environment variable is required")
	}
	if len(jwtSecret) < 32 {
		logger.Fatal("JWT_SECRET must be at least 32 characters")
	}
	jwtManager := jwt.NewJWTManager(jwtSecret, env.GetDuration("JWT_TOKEN_TTL", 15*time.Minute))

	// CockroachDB holds calls, settings, and user profiles
	db := connectWithRetry("cockroachdb", func() (*database.CockroachDB, error) {
		return database.NewCockroachDB(ctx, &database.CockroachConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "callgrid"),
			SSLMode:  env.GetString("DB_SSLMODE", "disable"),
		})
	})
	defer db.Close()

	// Cassandra holds the append-only telemetry samples
	cass := connectWithRetry("cassandra", func() (*database.CassandraDB, error) {
		return database.NewCassandraDB(&database.CassandraConfig{
			Hosts:    []string{env.GetString("CASSANDRA_HOST", "localhost")},
			Keyspace: env.GetString("CASSANDRA_KEYSPACE", "callgrid"),
			Username: env.GetString("CASSANDRA_USER", ""),
			Password: env.GetStringFromFile("CASSANDRA_PASSWORD", ""),
			Timeout:  env.GetDuration("CASSANDRA_TIMEOUT", 10*time.Second),
		})
	})
	defer cass.Close()

	// Redis holds presence state
	redisDB := connectWithRetry("redis", func() (*database.RedisDB, error) {
		return database.NewRedisDB(&database.RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       0,
			PoolSize: 10,
			Timeout:  5 * time.Second,
		})
	})
	defer redisDB.Close()

	callRepo := cockroach.NewCallRepository(db.Pool)
	settingsRepo := cockroach.NewCallSettingsRepository(db.Pool)
	userRepo := cockroach.NewUserRepository(db.Pool)
	telemetryRepo := cassandra.NewTelemetryRepository(cass.Session)
	presenceRepo := redisRepo.NewPresenceRepository(redisDB.Client)

	registry := realtime.NewRegistry()
	relay := realtime.NewRelayClient()
	fanout := realtime.NewFanout(registry, relay)
	tracker := presence.NewTracker(presenceRepo, fanout)

	callSvc := callService.NewService(callRepo, settingsRepo, telemetryRepo, userRepo, fanout, relay)

	callHdlr := callHandler.NewHandler(callSvc)
	gateway := wsHandler.NewGateway(registry, tracker, callSvc)

	if os.Getenv("ENV") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.SetTrustedProxies(nil)

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware())
	router.Use(middleware.Prometheus())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "signaling-service",
			"time":    time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler())

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager))
	{
		callHdlr.RegisterRoutes(v1)
		v1.GET("/ws", gateway.ServeWS)
	}

	port := env.GetString("PORT", "8084")
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", port),
		Handler: router,
	}

	go func() {
		logger.Info("signaling service starting", zap.String("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
	// Drain detached event deliveries before the process exits.
	fanout.Wait()
	logger.Info("server stopped")
}
