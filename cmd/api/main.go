// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/linguapdf/internal/auth"
	"github.com/yourusername/linguapdf/internal/config"
	"github.com/yourusername/linguapdf/internal/db"
	"github.com/yourusername/linguapdf/internal/tasks"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// SQLiteデータベースのオープン（スキーマ初期化込み）
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	authManager := auth.NewManager(database, cfg.GuestRetentionDays)

	// タスクパイプラインの組み立て
	app, err := setupTasks(cfg, database, authManager, log.Default())
	if err != nil {
		log.Fatalf("Failed to set up task pipeline: %v", err)
	}

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	if len(origins) == 1 && origins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
	}
	router.Use(cors.New(corsConfig))

	// ルーティングの設定
	setupRoutes(router, authManager, app.handler)

	// 翻訳ワーカーの起動
	app.scheduler.StartWorkers()

	// サーバーの起動とグレースフルシャットダウン
	addr := ":" + cfg.Port
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		log.Printf("Starting API server on %s (mode: %s)", addr, cfg.GinMode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	if err := app.scheduler.Shutdown(ctx); err != nil {
		log.Printf("Worker shutdown error: %v", err)
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "linguapdf-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, authManager *auth.Manager, taskHandler *tasks.Handler) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)

	api := router.Group("/api")
	api.Use(authManager.OptionalUser())
	{
		authRoutes := api.Group("/auth")
		{
			authRoutes.POST("/register", authManager.RegisterHandler)
			authRoutes.POST("/login", authManager.LoginHandler)
			authRoutes.GET("/me", authManager.RequireUser(), authManager.MeHandler)
		}

		// タスクAPIは未ログインでも使える（所有者はゲストになる）
		taskRoutes := api.Group("/tasks")
		{
			taskRoutes.POST("", taskHandler.SubmitHandler)
			taskRoutes.GET("", taskHandler.ListHandler)
			taskRoutes.GET("/:id", taskHandler.GetHandler)
			taskRoutes.GET("/:id/result", taskHandler.ResultHandler)
			taskRoutes.GET("/:id/archive", taskHandler.ArchiveHandler)
		}
	}
}
