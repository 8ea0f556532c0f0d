// Package translate は翻訳エンジンとの境界を定義します。
// エンジン本体（レイアウト解析・OCR・組版）は外部コラボレーターであり、
// 本パッケージはイベントストリームの契約だけを規定します。
package translate

import (
	"context"
	"io"

	"github.com/yourusername/linguapdf/internal/settings"
)

// イベント種別。progress以外の補助イベントも流れてくるため、種別は開放的に扱います。
const (
	EventTypeProgress = "progress"
	EventTypeFinish   = "finish"
	EventTypeError    = "error"
)

// ResultDescriptor は翻訳成果物の所在を表します。
// すべてのフィールドは任意で、空文字は「未生成」を意味します。
type ResultDescriptor struct {
	OriginalPDFPath string `json:"original_pdf_path,omitempty"`
	MonoPDFPath     string `json:"mono_pdf_path,omitempty"`
	DualPDFPath     string `json:"dual_pdf_path,omitempty"`
	OutputDir       string `json:"output_dir,omitempty"`
}

// Event は翻訳エンジンが生成するイベント1件です。
type Event struct {
	Type     string            `json:"type"`
	Progress *float64          `json:"progress,omitempty"`
	Message  string            `json:"message,omitempty"`
	Error    string            `json:"error,omitempty"`
	Result   *ResultDescriptor `json:"translate_result,omitempty"`
	Extra    map[string]any    `json:"extra,omitempty"`
}

// Error は翻訳レイヤーで認識されたエラーです。
type Error struct {
	Message string
	cause   error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// NewError は翻訳エラーを作成します。
func NewError(message string, cause error) *Error {
	return &Error{Message: message, cause: cause}
}

// Stream は有限のイベント列です。Next はストリーム終端で io.EOF を返し、
// 消費中の障害はエラーとして返します。
type Stream interface {
	Next(ctx context.Context) (*Event, error)
	Close() error
}

// Engine は検証済み設定と入力ファイルから翻訳イベントストリームを生成します。
type Engine interface {
	Translate(ctx context.Context, cfg *settings.Settings, inputPath string) (Stream, error)
}

// SliceStream はテストやリプレイ用の固定イベント列です。
type SliceStream struct {
	Events []Event
	Err    error // 全イベント送出後にEOFの代わりに返すエラー
	pos    int
}

// Next は次のイベントを返します。
func (s *SliceStream) Next(ctx context.Context) (*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.Events) {
		if s.Err != nil {
			return nil, s.Err
		}
		return nil, io.EOF
	}
	event := s.Events[s.pos]
	s.pos++
	return &event, nil
}

// Close は何もしません。
func (s *SliceStream) Close() error {
	return nil
}
