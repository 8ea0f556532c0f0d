// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ストレージ設定
	DBPath       string // SQLiteデータベースファイルのパス
	WorkspaceDir string // タスク作業ディレクトリのルート

	// ファイル制限
	MaxFileSize int64 // アップロードファイルの最大サイズ（バイト）

	// タスク一覧設定
	DefaultListLimit int // 一覧取得のデフォルト件数
	MaxListLimit     int // 一覧取得の最大件数

	// 保持期間設定
	GuestRetentionDays int // ゲストユーザーのタスク保持日数

	// ジョブ/キュー設定
	QueueRedisURL     string // Asynq用Redis接続URL
	WorkerConcurrency int    // 翻訳ワーカーの同時実行数

	// 翻訳エンジン設定
	TranslateCommand string // 翻訳エンジンCLIの実行ファイルパス
	SettingsFile     string // 翻訳デフォルト設定ファイル（YAML, 任意）
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),

		// ストレージ設定
		DBPath:       getEnv("DB_PATH", filepath.Join(os.TempDir(), "linguapdf", "linguapdf.db")),
		WorkspaceDir: getEnv("WORKSPACE_DIR", filepath.Join(os.TempDir(), "linguapdf", "tasks")),

		// ファイル制限
		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 104857600), // 100MB

		// タスク一覧設定
		DefaultListLimit: getEnvAsInt("DEFAULT_LIST_LIMIT", 20),
		MaxListLimit:     getEnvAsInt("MAX_LIST_LIMIT", 100),

		// 保持期間設定
		GuestRetentionDays: getEnvAsInt("GUEST_RETENTION_DAYS", 7),

		// ジョブ/キュー設定
		QueueRedisURL:     getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),

		// 翻訳エンジン設定
		TranslateCommand: getEnv("TRANSLATE_COMMAND", "pdf2zh"),
		SettingsFile:     getEnv("SETTINGS_FILE", ""),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	// ローカル開発では緩く、本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
		if c.TranslateCommand == "" {
			return fmt.Errorf("TRANSLATE_COMMAND is required in release mode")
		}
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	if c.DefaultListLimit <= 0 || c.MaxListLimit < c.DefaultListLimit {
		return fmt.Errorf("invalid list limit configuration")
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
