package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

const (
	taskTypeTranslate = "task:translate"
	queueTranslate    = "translate"
)

// TaskScheduler はタスクを非同期実行へ引き渡すためのインターフェースです。
type TaskScheduler interface {
	Enqueue(ctx context.Context, taskID string) error
}

// runPayload は翻訳ジョブのペイロードです。
type runPayload struct {
	TaskID string `json:"taskId"`
}

// Scheduler は Asynq を使ってタスクランナーを監視下のワーカープールで実行します。
// ランナー内の想定外の失敗はワーカー側で回収され、プロセスを落としません。
type Scheduler struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	runner *Runner
	logger *log.Logger
}

// NewScheduler はスケジューラーを初期化します。
func NewScheduler(redisClient redis.UniversalClient, concurrency int, runner *Runner, logger *log.Logger) (*Scheduler, error) {
	if redisClient == nil {
		return nil, errors.New("redis client is nil")
	}
	if runner == nil {
		return nil, errors.New("runner is nil")
	}

	client := asynq.NewClientFromRedisClient(redisClient)
	server := asynq.NewServerFromRedisClient(
		redisClient,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queueTranslate: 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	scheduler := &Scheduler{
		client: client,
		server: server,
		mux:    mux,
		runner: runner,
		logger: logger,
	}
	mux.HandleFunc(taskTypeTranslate, scheduler.handleTranslateTask)
	return scheduler, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (s *Scheduler) StartWorkers() {
	go func() {
		if err := s.server.Run(s.mux); err != nil && err != asynq.ErrServerClosed {
			if s.logger != nil {
				s.logger.Printf("asynq server stopped with error: %v", err)
			} else {
				log.Printf("asynq server stopped with error: %v", err)
			}
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.server.Shutdown()
	return s.client.Close()
}

// Enqueue はタスクをキューへ1回だけ投入します。
// asynq.TaskID にタスクIDを使うことで、同一タスクの二重投入を排除します。
func (s *Scheduler) Enqueue(ctx context.Context, taskID string) error {
	if taskID == "" {
		return fmt.Errorf("taskID is required")
	}

	body, err := json.Marshal(runPayload{TaskID: taskID})
	if err != nil {
		return err
	}

	task := asynq.NewTask(taskTypeTranslate, body, asynq.Queue(queueTranslate))
	_, err = s.client.EnqueueContext(ctx, task,
		asynq.TaskID(taskID),
		asynq.MaxRetry(0),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

func (s *Scheduler) handleTranslateTask(ctx context.Context, task *asynq.Task) error {
	var payload runPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	if payload.TaskID == "" {
		return fmt.Errorf("missing taskId in payload")
	}
	return s.runner.Run(ctx, payload.TaskID)
}
