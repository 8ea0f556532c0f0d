package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/linguapdf/internal/auth"
	"github.com/yourusername/linguapdf/internal/config"
	"github.com/yourusername/linguapdf/internal/settings"
	"github.com/yourusername/linguapdf/internal/tasks"
	"github.com/yourusername/linguapdf/internal/translate"
)

// taskApp は組み立て済みのタスクパイプライン一式です。
type taskApp struct {
	handler   *tasks.Handler
	scheduler *tasks.Scheduler
}

// setupTasks はストア・翻訳エンジン・ワーカー・HTTPハンドラーを配線します。
func setupTasks(cfg *config.Config, database *sql.DB, authManager *auth.Manager, logger *log.Logger) (*taskApp, error) {
	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid QUEUE_REDIS_URL: %w", err)
	}
	redisClient := redis.NewClient(opt)

	// キューが死んでいるまま起動しても投入が全部失敗するだけなので、先に確かめる
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	store := tasks.NewStore(database)

	builder, err := settings.NewBuilder(cfg.SettingsFile)
	if err != nil {
		return nil, err
	}

	engine := translate.NewCLIEngine(cfg.TranslateCommand)
	runner := tasks.NewRunner(store, engine, logger)

	scheduler, err := tasks.NewScheduler(redisClient, cfg.WorkerConcurrency, runner, logger)
	if err != nil {
		return nil, err
	}

	service, err := tasks.NewService(cfg, store, builder, scheduler, logger)
	if err != nil {
		return nil, err
	}

	handler := tasks.NewHandler(service, ownerResolver(authManager), logger)
	return &taskApp{handler: handler, scheduler: scheduler}, nil
}

// ownerResolver は認証レイヤーのユーザーをタスク所有者へ写します。
func ownerResolver(manager *auth.Manager) tasks.OwnerResolver {
	return func(c *gin.Context) tasks.Owner {
		user := manager.UserOrGuest(c)
		return tasks.Owner{
			Name:          user.Username,
			RetentionDays: user.RetentionDays,
		}
	}
}
