// Package tasks は翻訳タスクのライフサイクル管理を提供します。
// タスクの永続化・状態遷移・イベント記録・非同期実行のオーケストレーションを担います。
package tasks

import (
	"errors"
	"time"
)

// Status はタスクの実行状態を表します。
type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusDone    Status = "DONE"
	StatusFailed  Status = "FAILED"
)

// Terminal は終端状態かどうかを返します。終端状態からの遷移はありません。
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// ResultInfo は翻訳成果物の所在を表します。成功終端に達したタスクだけが保持します。
type ResultInfo struct {
	OriginalPDF string `json:"original_pdf,omitempty"`
	MonoPDF     string `json:"mono_pdf,omitempty"`
	DualPDF     string `json:"dual_pdf,omitempty"`
	OutputDir   string `json:"output_dir,omitempty"`
}

// Record はタスクの現在状態を表します。
type Record struct {
	ID            string
	Owner         string
	Filename      string
	InputPath     string
	OutputDir     string
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
	RetentionDays *int // nil は無期限
	Progress      float64
	Message       string
	Result        *ResultInfo
	Events        []map[string]any
}

// UpdateFields は部分更新で変更するフィールドを表します。nil のフィールドは変更されません。
type UpdateFields struct {
	Status        *Status
	Progress      *float64
	Message       *string
	Result        *ResultInfo
	RetentionDays *int
}

// Owner はタスクの所有者を表します。認証レイヤーから解決された識別情報です。
type Owner struct {
	Name          string
	RetentionDays *int
}

var (
	// ErrNotFound はタスクが存在しない・期限切れ・他者所有のいずれかを表します。
	// 呼び出し側にはどの理由かを区別させません。
	ErrNotFound = errors.New("task not found")

	// ErrDuplicateTask はタスクIDの衝突を表します。ID生成の不変条件が破れた場合のみ発生します。
	ErrDuplicateTask = errors.New("task already exists")
)

// Error はAPI境界へ返すエラーです。
type Error struct {
	Code    string
	Message string
	err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.err
}

func newError(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, err: cause}
}

// ResultMode は成果物取得時の種別です。
type ResultMode string

const (
	ResultModeMono     ResultMode = "mono"
	ResultModeDual     ResultMode = "dual"
	ResultModeOriginal ResultMode = "original"
)
