package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dermio/internal/config"
	"dermio/internal/handlers"
	"dermio/internal/middleware"
	"dermio/internal/models"
	"dermio/internal/observability"
	"dermio/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the realtime consultation server",
	Long:  `Run the realtime consultation server`,
	Run:   run,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) {
	cfg := config.Load()

	if err := config.InitLogger(cfg); err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}

	// OpenTelemetry 初始化（可选）
	if shutdown, err := observability.SetupTracing(context.Background(), cfg); err == nil {
		defer func() { _ = shutdown(context.Background()) }()
	} else {
		logrus.Warnf("init tracing: %v", err)
	}

	// 数据库连不上时降级为纯中继模式，不中断启动
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		logrus.Warnf("DB connect failed, message persistence disabled: %v", err)
		db = nil
	}
	if db != nil && cfg.Monitoring.Tracing.Enabled {
		_ = db.Use(gormtracing.NewPlugin())
	}
	if db != nil {
		if err := db.AutoMigrate(
			&models.User{}, &models.ConnectionRoom{}, &models.ChatMessage{}, &models.CallRecord{},
		); err != nil {
			logrus.Fatalf("Failed to migrate database: %v", err)
		}
	}

	hub := services.NewRoomHub()
	var (
		roomService *services.RoomService
		callService *services.CallRecordService
	)
	if db != nil {
		roomService = services.NewRoomService(db, logrus.StandardLogger())
		callService = services.NewCallRecordService(db, logrus.StandardLogger(), roomService)
		hub.SetMessageService(services.NewMessageService(db, logrus.StandardLogger()))
		hub.SetRoomLookup(roomService)
		hub.SetCallObserver(callService)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		bridge := services.NewRedisBridge(rdb, hub)
		hub.SetBridge(bridge)
		go func() {
			if err := bridge.Run(ctx); err != nil {
				logrus.Errorf("Redis bridge stopped: %v", err)
			}
		}()
		defer rdb.Close()
	}

	go hub.Run()

	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	r.GET("/health", handlers.NewHealthHandler().Health)
	if cfg.Monitoring.Enabled {
		r.GET(cfg.Monitoring.MetricsPath, handlers.NewMetricsHandler(hub).GetMetrics)
	}

	v1 := r.Group("/api/v1")
	v1.Use(middleware.AuthMiddleware(cfg))
	{
		wsHandler := handlers.NewWebSocketHandler(hub, cfg)
		v1.GET("/ws", wsHandler.HandleWebSocket)
		v1.GET("/ws/stats", wsHandler.GetStats)
		if db != nil {
			handlers.RegisterRoomRoutes(v1, handlers.NewRoomHandler(roomService, logrus.StandardLogger()))
			handlers.RegisterMessageRoutes(v1, handlers.NewMessageHandler(
				services.NewMessageService(db, logrus.StandardLogger()), roomService, logrus.StandardLogger()))
			handlers.RegisterCallRoutes(v1, handlers.NewCallHandler(callService, roomService, logrus.StandardLogger()))
		}
	}

	listenAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: listenAddr, Handler: r}
	go func() {
		logrus.Infof("Starting server on %s", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.Fatalf("Server forced to shutdown: %v", err)
	}
	logrus.Info("Server exited")
}
