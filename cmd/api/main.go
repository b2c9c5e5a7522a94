// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/media-forge/internal/api"
	"github.com/yourusername/media-forge/internal/auth"
	"github.com/yourusername/media-forge/internal/config"
	"github.com/yourusername/media-forge/internal/convert"
	"github.com/yourusername/media-forge/internal/jobs"
	"github.com/yourusername/media-forge/internal/logging"
	"github.com/yourusername/media-forge/internal/maintenance"
	"github.com/yourusername/media-forge/internal/metrics"
	"github.com/yourusername/media-forge/internal/session"
	"github.com/yourusername/media-forge/internal/storage"
)

const shutdownTimeout = 2 * time.Minute

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	prom := metrics.NewProm("media_forge")

	// 成果物ストアとジョブキュー
	artifacts, err := storage.NewLocalStore(cfg.StorageDir, cfg.MaxFileSize)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	jobStore, closeStore, err := setupJobStore(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize job store: %v", err)
	}
	pools, err := poolOptions(cfg)
	if err != nil {
		log.Fatalf("Invalid pool config: %v", err)
	}
	adapter := convert.NewExecAdapter(converterTools(cfg), cfg.Pools.Timeouts, cfg.OCRLanguages())
	queue, err := jobs.NewQueue(jobStore, artifacts, adapter, jobs.Options{
		Pools:     pools,
		Retention: cfg.JobRetention(),
		MaxRun:    cfg.JobMaxRun(),
		MaxQueue:  cfg.JobMaxQueue(),
		Metrics:   prom,
	})
	if err != nil {
		log.Fatalf("Failed to initialize job queue: %v", err)
	}

	// セッション管理と定期メンテナンス
	sessionManager, err := session.NewManager(artifacts, queue, session.Options{
		IdleTimeout:   cfg.IdleTimeout(),
		MaxLifetime:   cfg.MaxSessionLifetime(),
		TeardownGrace: cfg.TeardownGrace(),
		Metrics:       prom,
	})
	if err != nil {
		log.Fatalf("Failed to initialize session manager: %v", err)
	}
	handlers, err := maintenance.NewHandlers(sessionManager, queue)
	if err != nil {
		log.Fatalf("Failed to initialize maintenance: %v", err)
	}
	scheduler, err := setupMaintenance(cfg, handlers)
	if err != nil {
		log.Fatalf("Failed to initialize maintenance: %v", err)
	}

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()
	router.Use(api.RequestMetrics(prom))

	// セッションストアの設定
	secret, err := sessionSecret(cfg)
	if err != nil {
		log.Fatalf("Failed to generate session secret: %v", err)
	}
	authManager := auth.NewManager(cfg, sessionManager)
	store := cookie.NewStore(secret)
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   authManager.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		auth.CSRFHeader,
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{auth.CSRFHeader, "Retry-After"}
	router.Use(cors.New(corsConfig))

	router.MaxMultipartMemory = 8 << 20

	api.Register(router, api.NewHandler(api.Options{
		Sessions:    sessionManager,
		Teardown:    scheduler,
		Auth:        authManager,
		Queue:       queue,
		Storage:     artifacts,
		MaxFileSize: cfg.MaxFileSize,
	}), authManager)

	queue.Start()
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start maintenance: %v", err)
	}

	// サーバーの起動
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Starting API server on %s (mode: %s)", srv.Addr, cfg.GinMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	logging.Info("main", "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error("main", "http shutdown failed", "error", err)
	}
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		logging.Error("main", "maintenance shutdown failed", "error", err)
	}
	// 実行中のジョブをキャンセルし、全セッションの成果物を削除してから停止する
	if err := sessionManager.DestroyAll(shutdownCtx); err != nil {
		logging.Error("main", "session teardown failed", "error", err)
	}
	if err := queue.Shutdown(shutdownCtx); err != nil {
		logging.Error("main", "queue shutdown failed", "error", err)
	}
	if err := closeStore(); err != nil {
		logging.Error("main", "close job store failed", "error", err)
	}
}
