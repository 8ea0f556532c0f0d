package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/linguapdf/internal/config"
	"github.com/yourusername/linguapdf/internal/settings"
)

// アップロードの読み書き単位。1チャンク分以上はメモリに保持しない。
const uploadChunkSize = 1 << 20

// Service はタスク投入の唯一の入り口と、所有者スコープの照会面を提供します。
type Service struct {
	cfg     *config.Config
	store   *Store
	builder *settings.Builder
	sched   TaskScheduler
	logger  *log.Logger
	now     func() time.Time
}

// NewService はサービスを作成します。
func NewService(cfg *config.Config, store *Store, builder *settings.Builder, sched TaskScheduler, logger *log.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if builder == nil {
		return nil, errors.New("builder is nil")
	}
	if sched == nil {
		return nil, errors.New("scheduler is nil")
	}
	if err := os.MkdirAll(cfg.WorkspaceDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return &Service{
		cfg:     cfg,
		store:   store,
		builder: builder,
		sched:   sched,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Submit はアップロードとクライアント設定からタスクを作成し、非同期実行を予約します。
// 翻訳の完了は待たず、PENDING状態のレコードを即座に返します。
func (s *Service) Submit(ctx context.Context, file *multipart.FileHeader, overrides map[string]any, owner Owner) (*Record, error) {
	if file == nil {
		return nil, newError("INVALID_INPUT", "PDFファイルを選択してください。", nil)
	}

	taskID := strings.ReplaceAll(uuid.NewString(), "-", "")
	safeName := sanitizeFilename(file.Filename, taskID)

	taskDir := filepath.Join(s.cfg.WorkspaceDir, taskID)
	inputDir := filepath.Join(taskDir, "input")
	outputDir := filepath.Join(taskDir, "output")
	for _, dir := range []string{inputDir, outputDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create task directory: %w", err)
		}
	}

	inputPath := filepath.Join(inputDir, safeName)
	if err := s.storeUpload(file, inputPath); err != nil {
		_ = os.RemoveAll(taskDir)
		return nil, err
	}

	pages, err := pdfapi.PageCountFile(inputPath)
	if err != nil {
		_ = os.RemoveAll(taskDir)
		return nil, newError("UNSUPPORTED_PDF", "PDFファイルを読み取れませんでした。ファイルが破損していないか確認してください。", err)
	}
	s.logf("task %s: accepted %s (%d pages) for owner %s", taskID, safeName, pages, owner.Name)

	now := s.now().UTC()
	record := &Record{
		ID:            taskID,
		Owner:         owner.Name,
		Filename:      safeName,
		InputPath:     inputPath,
		OutputDir:     outputDir,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		RetentionDays: owner.RetentionDays,
	}
	if err := s.store.Create(ctx, record); err != nil {
		_ = os.RemoveAll(taskDir)
		return nil, err
	}

	jobSettings, err := s.builder.Build(overrides, outputDir)
	if err != nil {
		var invalid *settings.InvalidConfigError
		if errors.As(err, &invalid) {
			// レコードは残す（一覧には見えるが実行はされない）
			s.markFailed(ctx, taskID, invalid.Error())
			return nil, err
		}
		s.markFailed(ctx, taskID, "ジョブ設定の構築に失敗しました。")
		return nil, err
	}

	if err := writeSettings(taskDir, jobSettings); err != nil {
		s.markFailed(ctx, taskID, "ジョブ設定の保存に失敗しました。")
		return nil, err
	}

	if err := s.sched.Enqueue(ctx, taskID); err != nil {
		s.markFailed(ctx, taskID, "タスクの実行予約に失敗しました。")
		return nil, fmt.Errorf("failed to schedule task: %w", err)
	}

	return record, nil
}

// List は所有者のタスクを新しい順に返します。limit は設定の範囲に丸められます。
func (s *Service) List(ctx context.Context, owner Owner, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = s.cfg.DefaultListLimit
	}
	if limit > s.cfg.MaxListLimit {
		limit = s.cfg.MaxListLimit
	}
	return s.store.List(ctx, owner.Name, limit)
}

// Get は所有者のタスクを返します。他者所有・期限切れ・不存在は区別せず ErrNotFound です。
func (s *Service) Get(ctx context.Context, id string, owner Owner) (*Record, error) {
	record, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.Owner != owner.Name {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return record, nil
}

// ResultFile は配信対象の成果物ファイルです。
type ResultFile struct {
	Path     string
	Filename string
}

// OpenResult は指定モードの成果物パスを解決します。
func (s *Service) OpenResult(ctx context.Context, id string, owner Owner, mode ResultMode) (*ResultFile, error) {
	record, err := s.Get(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	if record.Result == nil {
		return nil, newError("RESULT_NOT_READY", "翻訳結果はまだ利用できません。", nil)
	}

	var path string
	switch mode {
	case ResultModeMono:
		path = record.Result.MonoPDF
	case ResultModeDual:
		path = record.Result.DualPDF
	case ResultModeOriginal:
		path = record.Result.OriginalPDF
	default:
		return nil, newError("INVALID_INPUT", fmt.Sprintf("modeには mono / dual / original を指定してください (received: %s)", mode), nil)
	}
	if path == "" {
		return nil, newError("RESULT_NOT_READY", fmt.Sprintf("%s PDFは生成されていません。", mode), nil)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, newError("RESULT_NOT_READY", "成果物ファイルがサーバー上に見つかりません。", err)
	}
	return &ResultFile{Path: path, Filename: filepath.Base(path)}, nil
}

// Archive は出力ディレクトリ全体をzipに詰めてそのパスを返します。
func (s *Service) Archive(ctx context.Context, id string, owner Owner) (*ResultFile, error) {
	record, err := s.Get(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	if record.Result == nil {
		return nil, newError("RESULT_NOT_READY", "翻訳結果はまだ利用できません。", nil)
	}

	outputDir := record.Result.OutputDir
	if outputDir == "" {
		// 旧レコード互換: result に output_dir が無ければレコード本体から補う
		outputDir = record.OutputDir
	}
	info, err := os.Stat(outputDir)
	if err != nil || !info.IsDir() {
		return nil, newError("RESULT_NOT_READY", "出力ディレクトリがサーバー上に見つかりません。", err)
	}

	zipPath := filepath.Join(filepath.Dir(record.OutputDir), "package.zip")
	if err := zipDirectory(zipPath, outputDir); err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}
	return &ResultFile{Path: zipPath, Filename: record.ID + ".zip"}, nil
}

func (s *Service) storeUpload(file *multipart.FileHeader, target string) error {
	if s.cfg.MaxFileSize > 0 && file.Size > s.cfg.MaxFileSize {
		return newError("LIMIT_EXCEEDED", "アップロードファイルがサイズ上限を超えています。", nil)
	}

	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("failed to open upload: %w", err)
	}
	defer src.Close()

	// 先頭チャンクだけでコンテンツ種別を判定する
	head := make([]byte, uploadChunkSize)
	n, err := io.ReadFull(src, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("failed to read upload: %w", err)
	}
	head = head[:n]
	if !mimetype.Detect(head).Is("application/pdf") {
		return newError("INVALID_INPUT", "PDF以外のファイルはアップロードできません。", nil)
	}

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("failed to create input file: %w", err)
	}
	defer dst.Close()

	if _, err := dst.Write(head); err != nil {
		return fmt.Errorf("failed to write input file: %w", err)
	}
	if _, err := io.CopyBuffer(dst, src, make([]byte, uploadChunkSize)); err != nil {
		return fmt.Errorf("failed to write input file: %w", err)
	}
	return nil
}

func (s *Service) markFailed(ctx context.Context, taskID, message string) {
	failed := StatusFailed
	if _, err := s.store.Update(ctx, taskID, UpdateFields{
		Status:  &failed,
		Message: &message,
	}); err != nil {
		s.logf("task %s: failed to mark failed: %v", taskID, err)
	}
}

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// sanitizeFilename はアップロード名をベース名に落とし、PDF拡張子を強制します。
func sanitizeFilename(name, taskID string) string {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "." || base == string(filepath.Separator) || base == "" {
		base = taskID + ".pdf"
	}
	if !strings.HasSuffix(strings.ToLower(base), ".pdf") {
		base += ".pdf"
	}
	return base
}

func writeSettings(taskDir string, cfg *settings.Settings) error {
	path := filepath.Join(taskDir, settingsFilename)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open settings file: %w", err)
	}
	defer file.Close()
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}
