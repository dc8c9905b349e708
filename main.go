// api/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"visitorpulse/api/anomaly"
	"visitorpulse/api/config"
	"visitorpulse/api/database"
	"visitorpulse/api/handlers"
	"visitorpulse/api/ingest"
	"visitorpulse/api/logging"
	"visitorpulse/api/metrics"
	"visitorpulse/api/middleware"
	"visitorpulse/api/realtime"
	"visitorpulse/api/scheduler"
	"visitorpulse/api/sessions"
	"visitorpulse/api/state"
	"visitorpulse/api/store"
	"visitorpulse/api/utils"
)

func main() {
	cfg, loadedEnv, cfgErr := config.Load()
	logger := logging.New("visitorpulse-api", cfg.LogLevel, cfg.LogFormat)
	if !loadedEnv {
		logger.Debug("No .env file found, using process environment")
	}
	if cfgErr != nil {
		logger.WithError(cfgErr).Fatal("Invalid configuration")
	}

	if cfg.GinMode == gin.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	// --- Shared state store ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	rdb, err := database.NewRedisClient(ctx, cfg.RedisURL)
	cancel()
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to redis")
	}
	logger.Info("Connected to redis")

	// --- Durable event log ---
	eventLog, err := openEventLog(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize event log")
	}

	geo := openGeo(cfg.GeoIPPath, logger)

	stateStore := state.NewStore(rdb, state.Options{
		Timeout:   cfg.StoreTimeout,
		MinuteTTL: 2 * time.Duration(cfg.AnomalyWindow) * time.Minute,
	})
	agg := state.NewAggregator(stateStore)

	var registry realtime.Registry = realtime.NewRedisRegistry(rdb, cfg.StoreTimeout, cfg.DashboardTTL)
	if cfg.RegistryMode == config.RegistryLocal {
		registry = realtime.NewLocalRegistry()
	}
	hub := realtime.NewHub(registry, eventLog, realtime.HubOptions{
		AllowedOrigin:  cfg.AllowedOrigin,
		RequestTimeout: cfg.StoreTimeout,
	}, logger.WithField("component", "hub"), m)

	writer := store.NewAsyncWriter(eventLog, store.AsyncWriterOptions{
		Workers: cfg.EventLogWorkers,
		Buffer:  cfg.EventLogBuffer,
	}, logger.WithField("component", "event_log"), m)

	pipeline := ingest.NewPipeline(agg, writer, hub, geo, logger.WithField("component", "ingest"), m)
	detector := anomaly.NewDetector(eventLog, agg.Store(), hub, cfg.AnomalyWindow, logger.WithField("component", "anomaly"))
	recalc := sessions.NewRecalculator(stateStore, hub, logger.WithField("component", "sessions"))

	sched := scheduler.New(logger.WithField("component", "scheduler"), m,
		scheduler.Task{Name: "session_activity", Interval: cfg.SessionTick, Run: recalc.Run},
		scheduler.Task{Name: "anomaly_check", Interval: cfg.AnomalyTick, Run: detector.Run},
		scheduler.Task{Name: "dashboard_heartbeat", Interval: cfg.DashboardTTL / 3, Run: hub.Heartbeat},
	)
	if err := sched.Start(context.Background()); err != nil {
		logger.WithError(err).Fatal("Failed to start scheduler")
	}

	trackHandlers := handlers.NewTrackHandlers(pipeline, logger.WithField("component", "http"))
	statsHandlers := handlers.NewStatsHandlers(agg, recalc, detector, eventLog, logger.WithField("component", "http"))

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))
	r.Use(middleware.CORSMiddleware(cfg.AllowedOrigin))

	r.GET("/healthz", handlers.HealthCheck(stateStore, eventLog != nil))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := middleware.AuthRequired(middleware.AuthConfig{
		JWTSecret: []byte(cfg.JWTSecret),
		APIKey:    cfg.APIKey,
	}, logger.WithField("component", "auth"))
	limiter := middleware.NewRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst)

	api := r.Group("/api")
	{
		api.GET("/event/last10minStats", statsHandlers.GetLastMinutesStats)

		protected := api.Group("/")
		protected.Use(auth)
		{
			protected.POST("/event", limiter.Middleware(), trackHandlers.TrackEvent)
			protected.GET("/sessions/active", statsHandlers.GetActiveSessions)
			protected.GET("/events/recent", statsHandlers.GetRecentEvents)

			statsGroup := protected.Group("/stats")
			{
				statsGroup.GET("/summary", statsHandlers.GetSummary)
				statsGroup.GET("/top-pages", statsHandlers.GetTopPages)
			}
		}
	}
	r.GET("/ws/analytics", auth, func(c *gin.Context) {
		hub.ServeWS(c.Writer, c.Request)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("port", cfg.Port).Info("Visitor pulse API starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("HTTP server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	sched.Stop()
	hub.Close()
	writer.Close()
	if err := eventLog.Close(); err != nil {
		logger.WithError(err).Warn("Error closing event log")
	}
	if err := geo.Close(); err != nil {
		logger.WithError(err).Warn("Error closing geoip database")
	}
	if err := rdb.Close(); err != nil {
		logger.WithError(err).Warn("Error closing redis client")
	}

	logger.Info("Server exiting.")
}

func openEventLog(cfg *config.Config, logger *logrus.Logger) (store.EventLog, error) {
	switch cfg.EventLogBackend {
	case config.EventLogClickHouse:
		chClient, err := database.NewClickHouseDB(cfg.ClickHouse, logger)
		if err != nil {
			return nil, err
		}
		return store.NewClickHouseEventLog(chClient, logger.WithField("component", "clickhouse")), nil
	default:
		dbClient, err := database.NewPostgresDB(cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		return store.NewPostgresEventLog(dbClient.DB, logger.WithField("component", "postgres")), nil
	}
}

// openGeo returns nil when no database is configured; a nil locator resolves nothing.
func openGeo(path string, logger *logrus.Logger) *utils.GeoLocator {
	if path == "" {
		return nil
	}
	geo, err := utils.NewGeoLocator(path)
	if err != nil {
		logger.WithError(err).Warn("GeoIP lookups disabled")
		return nil
	}
	return geo
}

func requestLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"ip":      c.ClientIP(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("Request failed")
			return
		}
		entry.Debug("Request served")
	}
}
