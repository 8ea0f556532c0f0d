package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/yourusername/linguapdf/internal/settings"
	"github.com/yourusername/linguapdf/internal/translate"
)

const completedMessage = "Completed"

// Runner は1つのタスクを投入から終端状態まで駆動します。
// エンジンのイベントストリームを消費し、各イベントの永続化と状態遷移を行います。
type Runner struct {
	store  *Store
	engine translate.Engine
	logger *log.Logger
}

// NewRunner はランナーを作成します。
func NewRunner(store *Store, engine translate.Engine, logger *log.Logger) *Runner {
	return &Runner{
		store:  store,
		engine: engine,
		logger: logger,
	}
}

// Run はタスクを実行します。タスクの失敗はレコードへ記録され、
// 呼び出し側へはインフラ障害以外のエラーを伝播しません。
func (r *Runner) Run(ctx context.Context, taskID string) error {
	record, err := r.store.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.logf("task %s vanished before run; skipping", taskID)
			return nil
		}
		return err
	}
	if record.Status.Terminal() {
		// 終端状態からの再実行はしない
		r.logf("task %s already terminal (%s); skipping", taskID, record.Status)
		return nil
	}

	running := StatusRunning
	if _, err := r.store.Update(ctx, taskID, UpdateFields{Status: &running}); err != nil {
		return fmt.Errorf("failed to mark task running: %w", err)
	}

	cfg, err := loadSettings(record)
	if err != nil {
		r.logf("task %s: failed to load settings: %v", taskID, err)
		r.fail(ctx, taskID, "ジョブ設定の読み込みに失敗しました。")
		return nil
	}

	stream, err := r.engine.Translate(ctx, cfg, record.InputPath)
	if err != nil {
		r.failFromError(ctx, taskID, err)
		return nil
	}
	defer stream.Close()

	for {
		event, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				// 終端イベント無しでストリームが終わった場合の防御的フォールバック。
				// タスクを RUNNING のまま放置しない。
				r.complete(ctx, taskID, nil, cfg)
				return nil
			}
			r.failFromError(ctx, taskID, err)
			return nil
		}

		if err := r.store.AppendEvent(ctx, taskID, sanitizeEvent(event)); err != nil {
			r.logf("task %s: failed to persist event: %v", taskID, err)
			return nil
		}

		if event.Progress != nil {
			// last-write-wins: 逆行する進捗も並べ替えや拒否はしない
			if _, err := r.store.Update(ctx, taskID, UpdateFields{Progress: event.Progress}); err != nil {
				r.logf("task %s: failed to update progress: %v", taskID, err)
				return nil
			}
		}

		switch event.Type {
		case translate.EventTypeFinish:
			r.complete(ctx, taskID, extractResult(event.Result), cfg)
			return nil
		case translate.EventTypeError:
			message := event.Error
			if message == "" {
				message = "Translation failed"
			}
			r.fail(ctx, taskID, message)
			return nil
		}
	}
}

// complete はタスクを成功終端へ遷移させます。成果物の後処理はベストエフォートです。
func (r *Runner) complete(ctx context.Context, taskID string, result *ResultInfo, cfg *settings.Settings) {
	if result != nil && cfg.LinearizeOutput {
		for _, path := range []string{result.MonoPDF, result.DualPDF, result.OriginalPDF} {
			if path == "" {
				continue
			}
			if err := optimizeArtifact(path); err != nil {
				r.logf("task %s: optimize skipped for %s: %v", taskID, path, err)
			}
		}
	}

	// クライアントが常に output_dir を参照できるよう補完する
	if cfg.Output != "" {
		if result == nil {
			result = &ResultInfo{OutputDir: cfg.Output}
		} else if result.OutputDir == "" {
			result.OutputDir = cfg.Output
		}
	}

	done := StatusDone
	progress := 1.0
	message := completedMessage
	fields := UpdateFields{
		Status:   &done,
		Progress: &progress,
		Message:  &message,
		Result:   result,
	}
	if _, err := r.store.Update(ctx, taskID, fields); err != nil {
		r.logf("task %s: failed to mark done: %v", taskID, err)
	}
}

func (r *Runner) fail(ctx context.Context, taskID, message string) {
	failed := StatusFailed
	if _, err := r.store.Update(ctx, taskID, UpdateFields{
		Status:  &failed,
		Message: &message,
	}); err != nil {
		r.logf("task %s: failed to mark failed: %v", taskID, err)
	}
}

func (r *Runner) failFromError(ctx context.Context, taskID string, err error) {
	var translateErr *translate.Error
	if errors.As(err, &translateErr) {
		r.logf("task %s: translation error: %v", taskID, translateErr)
		r.fail(ctx, taskID, translateErr.Message)
		return
	}
	// 想定外の障害。詳細はサーバー側ログにのみ残し、クライアントにはメッセージだけ見せる。
	r.logf("task %s: unexpected error: %+v", taskID, err)
	r.fail(ctx, taskID, err.Error())
}

func (r *Runner) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

const settingsFilename = "settings.json"

// loadSettings はタスクディレクトリに保存された検証済み設定を読み込みます。
func loadSettings(record *Record) (*settings.Settings, error) {
	path := filepath.Join(filepath.Dir(record.OutputDir), settingsFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	var cfg settings.Settings
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	return &cfg, nil
}
