package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"balagruha-offline-sync/config"
	"balagruha-offline-sync/internal/api/handlers"
	"balagruha-offline-sync/internal/api/middleware"
	"balagruha-offline-sync/internal/cleanup"
	"balagruha-offline-sync/internal/db"
	"balagruha-offline-sync/internal/db/repository"
	"balagruha-offline-sync/internal/integrations/mqtt"
	"balagruha-offline-sync/internal/integrations/remote"
	"balagruha-offline-sync/internal/lock"
	"balagruha-offline-sync/internal/logger"
	"balagruha-offline-sync/internal/server/sse"
	"balagruha-offline-sync/internal/services/queue"
	offsync "balagruha-offline-sync/internal/services/sync"
	"balagruha-offline-sync/internal/util/timezone"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const defaultConfigPath = "/config/config.yaml"

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default $BALAGRUHA_CONFIG or "+defaultConfigPath+")")
	flag.Parse()
	if *configPath == "" {
		*configPath = os.Getenv("BALAGRUHA_CONFIG")
	}
	if *configPath == "" {
		*configPath = defaultConfigPath
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	if err := logger.Init(cfg.Log); err != nil {
		log.Errorf("Failed to initialize logger completely: %v", err)
	}
	timezone.Initialize(cfg.Server.Timezone)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database connection
	log.Info("Initializing database...")
	database, err := db.Open(cfg.DB)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close(database)
	repo := repository.NewSQLiteRepository(database)

	// SSE hub for record changes and replay summaries
	hub := sse.NewHub()
	go hub.Run()
	defer hub.Stop()

	registry := offsync.DefaultRegistry()
	queueService := queue.NewService(repo,
		queue.WithCreateOperations(registry),
		queue.WithUploadDir(cfg.Server.UploadDir),
		queue.WithNotifier(hub),
	)

	remoteClient, err := remote.NewClient(cfg.Remote, remote.WithUploadDir(cfg.Server.UploadDir))
	if err != nil {
		log.Fatalf("Failed to initialize remote client: %v", err)
	}

	locker, closeLocker, err := lock.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize replay lock: %v", err)
	}
	defer closeLocker()

	// A single local process owns every claim, so claims left over from a crash are released now
	if cfg.Lock.Backend == "" || cfg.Lock.Backend == "local" {
		if _, err := queueService.RecoverStale(ctx, 0); err != nil {
			log.Errorf("Failed to release stale claims: %v", err)
		}
	}

	engine := offsync.NewEngine(queueService, registry, remoteClient, locker, offsync.Options{
		UnknownOperationMaxSkips: cfg.Sync.UnknownOperationMaxSkips,
		StaleClaimAfter:          time.Duration(cfg.Sync.StaleClaimMinutes) * time.Minute,
	})

	// Initialize MQTT client (no-op when disabled)
	mqttClient := mqtt.NewClient(cfg.MQTT)
	engine.OnSummary(func(summary offsync.Summary) {
		mqttClient.PublishSummary(summary)
		hub.BroadcastJSON("summary", summary)
	})

	scheduler := offsync.NewScheduler(engine, time.Duration(cfg.Sync.IntervalMinutes)*time.Minute, cfg.Sync.OnStartup)
	mqttClient.OnConnectivity(func(online bool) {
		if online {
			scheduler.Trigger("connectivity restored")
		}
	})
	if err := mqttClient.Start(); err != nil {
		log.Warnf("Failed to start MQTT client: %v. Continuing without connectivity events.", err)
	}
	defer mqttClient.Stop()

	scheduler.Start()
	defer scheduler.Stop()

	// Initialize cleanup service
	cleanupService := cleanup.NewService(repo, queueService, cfg.Cleanup.RetentionDays, cfg.Server.UploadDir,
		time.Duration(cfg.Cleanup.CheckIntervalMinutes)*time.Minute)
	cleanupService.StartBackgroundCleanup()
	defer cleanupService.StopBackgroundCleanup()

	translator, err := middleware.NewTranslator(middleware.I18nConfig{
		DefaultLanguage: "en",
		LocalesDir:      cfg.Server.LocalesDir,
	})
	if err != nil {
		log.Fatalf("Failed to load translations: %v", err)
	}

	router := newRouter(cfg, translator)
	api := router.Group("/api/v1")
	handlers.NewOfflineHandler(queueService, engine, hub, cfg.Server.UploadDir).RegisterRoutes(api)

	var connectivity handlers.Connectivity
	if cfg.MQTT.Enabled {
		connectivity = mqttClient
	}
	handlers.NewSystemHandler(queueService, cfg.Server.DataDir, connectivity, hub.ClientCount).RegisterRoutes(api)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("Starting server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server shutdown failed: %v", err)
	}

	log.Info("Server stopped.")
}

func newRouter(cfg *config.Config, translator *middleware.Translator) *gin.Engine {
	if cfg.Log.Level != "debug" && cfg.Log.Level != "trace" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logger.GinLogger())
	corsConfig := cors.Config{
		AllowOrigins:     cfg.Server.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept-Language"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = nil
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	}
	router.Use(cors.New(corsConfig))
	router.Use(sessions.Sessions("balagruha_session", cookie.NewStore([]byte(cfg.Server.SessionSecret))))
	router.Use(middleware.I18n(translator))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}
