package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newTestRouter(t *testing.T, store *Store, sched TaskScheduler, owner Owner) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	service := newTestService(t, store, sched)
	handler := NewHandler(service, func(c *gin.Context) Owner { return owner }, nil)

	router := gin.New()
	router.POST("/api/tasks", handler.SubmitHandler)
	router.GET("/api/tasks", handler.ListHandler)
	router.GET("/api/tasks/:id", handler.GetHandler)
	router.GET("/api/tasks/:id/result", handler.ResultHandler)
	router.GET("/api/tasks/:id/archive", handler.ArchiveHandler)
	return router
}

func multipartUpload(t *testing.T, content []byte, configJSON string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	fileWriter, err := writer.CreateFormFile("file", "paper.pdf")
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	if _, err := fileWriter.Write(content); err != nil {
		t.Fatalf("failed to write form file: %v", err)
	}
	if configJSON != "" {
		if err := writer.WriteField("config", configJSON); err != nil {
			t.Fatalf("failed to write config field: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func TestSubmitHandlerAccepted(t *testing.T) {
	store := newTestStore(t)
	sched := &stubScheduler{}
	router := newTestRouter(t, store, sched, Owner{Name: "alice"})

	body, contentType := multipartUpload(t, minimalPDF(), `{"lang_out":"ja"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}

	var payload struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload.ID == "" || payload.Status != "PENDING" {
		t.Fatalf("unexpected payload: %s", rec.Body.String())
	}
	if len(sched.enqueued) != 1 {
		t.Fatalf("task not enqueued: %+v", sched.enqueued)
	}
}

func TestSubmitHandlerMissingFile(t *testing.T) {
	router := newTestRouter(t, newTestStore(t), &stubScheduler{}, Owner{Name: "alice"})

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestSubmitHandlerInvalidConfigJSON(t *testing.T) {
	router := newTestRouter(t, newTestStore(t), &stubScheduler{}, Owner{Name: "alice"})

	body, contentType := multipartUpload(t, minimalPDF(), "not-json")
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload["code"] != "INVALID_INPUT" {
		t.Fatalf("unexpected code: %v", payload["code"])
	}
}

func TestSubmitHandlerConfigViolations(t *testing.T) {
	router := newTestRouter(t, newTestStore(t), &stubScheduler{}, Owner{Name: "alice"})

	body, contentType := multipartUpload(t, minimalPDF(), `{"qps":"fast"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Code       string `json:"code"`
		Violations []struct {
			Field string `json:"field"`
		} `json:"violations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload.Code != "INVALID_CONFIG" {
		t.Fatalf("unexpected code: %s", payload.Code)
	}
	if len(payload.Violations) == 0 || payload.Violations[0].Field != "qps" {
		t.Fatalf("unexpected violations: %+v", payload.Violations)
	}
}

func TestListHandler(t *testing.T) {
	store := newTestStore(t)
	router := newTestRouter(t, store, &stubScheduler{}, Owner{Name: "alice"})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := store.Create(context.Background(), newTestRecord("task-1", "alice", base)); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := store.Create(context.Background(), newTestRecord("task-2", "bob", base)); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var payload struct {
		Tasks []taskSummary `json:"tasks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(payload.Tasks) != 1 || payload.Tasks[0].ID != "task-1" {
		t.Fatalf("unexpected tasks: %+v", payload.Tasks)
	}
}

func TestListHandlerInvalidLimit(t *testing.T) {
	router := newTestRouter(t, newTestStore(t), &stubScheduler{}, Owner{Name: "alice"})

	req := httptest.NewRequest(http.MethodGet, "/api/tasks?limit=abc", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestGetHandler(t *testing.T) {
	store := newTestStore(t)
	router := newTestRouter(t, store, &stubScheduler{}, Owner{Name: "alice"})

	record := newTestRecord("task-1", "alice", time.Now().UTC())
	record.Events = []map[string]any{{"type": "progress", "progress": 0.5}}
	if err := store.Create(context.Background(), record); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/task-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	var payload struct {
		ID     string           `json:"id"`
		Events []map[string]any `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload.ID != "task-1" || len(payload.Events) != 1 {
		t.Fatalf("unexpected payload: %s", rec.Body.String())
	}
}

func TestGetHandlerNotFound(t *testing.T) {
	router := newTestRouter(t, newTestStore(t), &stubScheduler{}, Owner{Name: "alice"})

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/missing", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload["code"] != "NOT_FOUND" {
		t.Fatalf("unexpected code: %v", payload["code"])
	}
}

func TestGetHandlerForeignOwner(t *testing.T) {
	store := newTestStore(t)
	// リクエストはbobとして届く
	router := newTestRouter(t, store, &stubScheduler{}, Owner{Name: "bob"})

	if err := store.Create(context.Background(), newTestRecord("task-1", "alice", time.Now().UTC())); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/task-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	// 他人のタスクは404（存在の有無も漏らさない）
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestResultHandlerNotReady(t *testing.T) {
	store := newTestStore(t)
	router := newTestRouter(t, store, &stubScheduler{}, Owner{Name: "alice"})

	record := newTestRecord("task-1", "alice", time.Now().UTC())
	record.Status = StatusRunning
	if err := store.Create(context.Background(), record); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/task-1/result", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload["code"] != "RESULT_NOT_READY" {
		t.Fatalf("unexpected code: %v", payload["code"])
	}
}
