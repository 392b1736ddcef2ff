// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"pair-send-go/internal/config"
	"pair-send-go/internal/handler"
	"pair-send-go/internal/middleware"
	"pair-send-go/internal/model"
	"pair-send-go/internal/notify"
	"pair-send-go/internal/pipeline"
	"pair-send-go/internal/repository"
	"pair-send-go/internal/service"
	"pair-send-go/internal/sweeper"
	"pair-send-go/internal/ws"
	"pair-send-go/pkg/bus"
	"pair-send-go/pkg/database"
	"pair-send-go/pkg/lock"
	"pair-send-go/pkg/log"
	"pair-send-go/pkg/probe"
	"pair-send-go/pkg/ratelimit"
	"pair-send-go/pkg/storage"
	"pair-send-go/pkg/token"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load("./configs/config.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis 与对象存储
	db, err := database.NewMySQL(cfg.Database.MySQL.DSN)
	if err != nil {
		log.Fatal("failed to connect database", err)
	}
	if err := db.AutoMigrate(&model.Session{}, &model.FileTransfer{}, &model.ChunkInfo{}); err != nil {
		log.Fatal("failed to migrate database", err)
	}
	rdb, err := database.NewRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	if err != nil {
		log.Fatal("failed to connect redis", err)
	}
	store, err := storage.New(cfg.MinIO)
	if err != nil {
		log.Fatal("failed to init object storage", err)
	}

	// 4. 初始化基础组件
	cacheTTL := time.Duration(cfg.Transfer.CacheTTLMinutes) * time.Minute
	progressTTL := time.Duration(cfg.Transfer.ProgressTTLMinutes) * time.Minute
	jwtManager := token.NewJWTManager(cfg.JWT.Secret)
	locker := lock.NewLocker(rdb)
	limiter := ratelimit.NewLimiter(rdb, time.Minute)
	producer := bus.NewProducer(cfg.Kafka)
	defer producer.Close()
	prober := probe.NewClient(cfg.Probe)

	// 5. 初始化 Repository
	sessionRepo := repository.NewSessionRepository(db, rdb, cacheTTL)
	transferRepo := repository.NewTransferRepository(db, rdb, cacheTTL, progressTTL)

	// 6. 初始化 Service (依赖注入)
	sessionService := service.NewSessionService(sessionRepo, locker, producer, cfg.Transfer)
	uploadService := service.NewUploadService(transferRepo, sessionService, store, locker, limiter, producer, cfg.Transfer, cfg.RateLimit)
	downloadService := service.NewDownloadService(transferRepo, sessionService, store, rdb, cfg.Transfer)

	// 7. 启动后台消费者：安全扫描管道 + WebSocket 扇出
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scanner := pipeline.NewScanner(transferRepo, sessionService, store, locker, prober, producer, cfg.Transfer)
	go bus.NewConsumer(cfg.Kafka, bus.TopicScanRequest, producer, scanner.Process).Run(rootCtx)

	hub := ws.NewHub()
	notifier := notify.NewNotifier(hub)
	go bus.NewConsumer(cfg.Kafka, bus.TopicChunkReceived, producer, notifier.HandleChunkReceived).Run(rootCtx)
	go bus.NewConsumer(cfg.Kafka, bus.TopicScanResult, producer, notifier.HandleScanResult).Run(rootCtx)
	go bus.NewConsumer(cfg.Kafka, bus.TopicSessionStatus, producer, notifier.HandleSessionStatus).Run(rootCtx)

	// 8. 启动后台清扫
	sweeper.New(sessionRepo, transferRepo, sessionService, store, producer, cfg.Transfer).Start(rootCtx)

	// 9. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())

	sessionHandler := handler.NewSessionHandler(sessionService)
	uploadHandler := handler.NewUploadHandler(uploadService)
	downloadHandler := handler.NewDownloadHandler(downloadService)
	wsHandler := handler.NewWSHandler(hub, sessionService, jwtManager)

	// 10. 注册路由
	apiV1 := r.Group("/api/v1")
	{
		// 下载令牌兑换：令牌即凭证，不要求授权头
		apiV1.GET("/download", downloadHandler.Redeem)

		authed := apiV1.Group("/")
		authed.Use(
			middleware.AuthMiddleware(jwtManager),
			middleware.RateLimitMiddleware(limiter, "request", cfg.RateLimit.RequestsPerMinute),
		)
		{
			sessions := authed.Group("/sessions")
			{
				sessions.POST("", sessionHandler.Create)
				sessions.POST("/join", sessionHandler.Join)
				sessions.GET("/:id", sessionHandler.Get)
				sessions.POST("/:id/approve", sessionHandler.Approve)
				sessions.POST("/:id/reject", sessionHandler.Reject)
				sessions.POST("/:id/close", sessionHandler.Close)
				sessions.DELETE("/:id", sessionHandler.Close)

				sessions.GET("/:id/files", downloadHandler.ListFiles)
				sessions.POST("/:id/files", uploadHandler.Start)
				sessions.GET("/:id/files/pending", uploadHandler.Pending)
				sessions.POST("/:id/files/:fileId/chunks", uploadHandler.UploadChunk)
				sessions.POST("/:id/files/:fileId/download-token", downloadHandler.IssueToken)
			}
			authed.GET("/files/:fileId/progress", uploadHandler.Progress)
		}
	}
	// WebSocket 握手：浏览器无法带授权头，token 走查询参数
	r.GET("/ws", wsHandler.Connect)

	// 11. 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 先停后台消费者与清扫，再关 HTTP
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}
