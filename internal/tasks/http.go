package tasks

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/linguapdf/internal/settings"
)

// OwnerResolver はリクエストからタスク所有者を解決します。
// 認証レイヤーへの依存をこの関数値に閉じ込めます。
type OwnerResolver func(c *gin.Context) Owner

// Handler はタスクAPIのHTTPハンドラー群です。
type Handler struct {
	service *Service
	owner   OwnerResolver
	logger  *log.Logger
}

// NewHandler はハンドラーを作成します。
func NewHandler(service *Service, owner OwnerResolver, logger *log.Logger) *Handler {
	return &Handler{
		service: service,
		owner:   owner,
		logger:  logger,
	}
}

// taskSummary は一覧向けの表現です。イベント列や成果物詳細は含めません。
type taskSummary struct {
	ID        string  `json:"id"`
	Filename  string  `json:"filename"`
	Status    Status  `json:"status"`
	Progress  float64 `json:"progress"`
	Message   string  `json:"message,omitempty"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
}

// taskDetail は単体取得向けの表現です。
type taskDetail struct {
	taskSummary
	Result *ResultInfo      `json:"result,omitempty"`
	Events []map[string]any `json:"events"`
}

func summarize(record *Record) taskSummary {
	return taskSummary{
		ID:        record.ID,
		Filename:  record.Filename,
		Status:    record.Status,
		Progress:  record.Progress,
		Message:   record.Message,
		CreatedAt: record.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: record.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func detail(record *Record) taskDetail {
	events := record.Events
	if events == nil {
		events = []map[string]any{}
	}
	return taskDetail{
		taskSummary: summarize(record),
		Result:      record.Result,
		Events:      events,
	}
}

// SubmitHandler は POST /api/tasks を処理します。
// multipart の file パートと、任意の config パート(JSONオブジェクト)を受け取ります。
func (h *Handler) SubmitHandler(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "PDFファイルを選択してください。",
		})
		return
	}

	var overrides map[string]any
	if raw := c.PostForm("config"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "configはJSONオブジェクトで指定してください。",
			})
			return
		}
	}

	record, err := h.service.Submit(c.Request.Context(), file, overrides, h.owner(c))
	if err != nil {
		h.respondWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, detail(record))
}

// ListHandler は GET /api/tasks を処理します。
func (h *Handler) ListHandler(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "limitには正の整数を指定してください。",
			})
			return
		}
		limit = parsed
	}

	records, err := h.service.List(c.Request.Context(), h.owner(c), limit)
	if err != nil {
		h.respondWithError(c, err)
		return
	}

	summaries := make([]taskSummary, 0, len(records))
	for _, record := range records {
		summaries = append(summaries, summarize(record))
	}
	c.JSON(http.StatusOK, gin.H{"tasks": summaries})
}

// GetHandler は GET /api/tasks/:id を処理します。
func (h *Handler) GetHandler(c *gin.Context) {
	record, err := h.service.Get(c.Request.Context(), c.Param("id"), h.owner(c))
	if err != nil {
		h.respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail(record))
}

// ResultHandler は GET /api/tasks/:id/result を処理します。
// mode クエリで mono / dual / original を選び、既定は mono です。
func (h *Handler) ResultHandler(c *gin.Context) {
	mode := ResultMode(c.DefaultQuery("mode", string(ResultModeMono)))

	result, err := h.service.OpenResult(c.Request.Context(), c.Param("id"), h.owner(c), mode)
	if err != nil {
		h.respondWithError(c, err)
		return
	}

	if c.Query("disposition") == "inline" {
		c.Header("Content-Disposition", `inline; filename="`+result.Filename+`"`)
		c.Header("Content-Type", "application/pdf")
		c.File(result.Path)
		return
	}
	c.FileAttachment(result.Path, result.Filename)
}

// ArchiveHandler は GET /api/tasks/:id/archive を処理します。
func (h *Handler) ArchiveHandler(c *gin.Context) {
	result, err := h.service.Archive(c.Request.Context(), c.Param("id"), h.owner(c))
	if err != nil {
		h.respondWithError(c, err)
		return
	}
	c.FileAttachment(result.Path, result.Filename)
}

// respondWithError はサービス層のエラーをHTTPレスポンスへ写像します。
func (h *Handler) respondWithError(c *gin.Context, err error) {
	var invalid *settings.InvalidConfigError
	if errors.As(err, &invalid) {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":       "INVALID_CONFIG",
			"message":    "ジョブ設定が不正です。",
			"violations": invalid.Violations,
		})
		return
	}

	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "指定されたタスクが見つかりません。",
		})
		return
	}

	var taskErr *Error
	if errors.As(err, &taskErr) {
		c.JSON(statusForCode(taskErr.Code), gin.H{
			"code":    taskErr.Code,
			"message": taskErr.Message,
		})
		return
	}

	if h.logger != nil {
		h.logger.Printf("task api error: %+v", err)
	} else {
		log.Printf("task api error: %+v", err)
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":    "INTERNAL_ERROR",
		"message": "サーバー内部でエラーが発生しました。",
	})
}

func statusForCode(code string) int {
	switch code {
	case "INVALID_INPUT", "UNSUPPORTED_PDF":
		return http.StatusBadRequest
	case "LIMIT_EXCEEDED":
		return http.StatusRequestEntityTooLarge
	case "RESULT_NOT_READY":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
