package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/linguapdf/internal/db"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewManager(database, 7)
}

func TestRegisterAndResolveToken(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	user, token, err := manager.Register(ctx, "alice", "secret123")
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if user.Username != "alice" || token == "" {
		t.Fatalf("unexpected registration result: user=%+v token=%q", user, token)
	}
	// 登録ユーザーには保持期限が無い
	if user.RetentionDays != nil {
		t.Fatalf("retention should be nil, got %v", *user.RetentionDays)
	}

	resolved, err := manager.ResolveToken(ctx, token)
	if err != nil {
		t.Fatalf("ResolveToken returned error: %v", err)
	}
	if resolved == nil || resolved.Username != "alice" {
		t.Fatalf("unexpected resolved user: %+v", resolved)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	if _, _, err := manager.Register(ctx, "alice", "secret123"); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	_, _, err := manager.Register(ctx, "alice", "another456")
	if !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestAuthenticateRotatesToken(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	_, firstToken, err := manager.Register(ctx, "alice", "secret123")
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	user, secondToken, err := manager.Authenticate(ctx, "alice", "secret123")
	if err != nil {
		t.Fatalf("Authenticate returned error: %v", err)
	}
	if user.Username != "alice" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if secondToken == firstToken {
		t.Fatal("token was not rotated on login")
	}

	// 古いトークンは失効する
	resolved, err := manager.ResolveToken(ctx, firstToken)
	if err != nil {
		t.Fatalf("ResolveToken returned error: %v", err)
	}
	if resolved != nil {
		t.Fatalf("stale token still resolves: %+v", resolved)
	}
}

func TestAuthenticateWrongPassword(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	if _, _, err := manager.Register(ctx, "alice", "secret123"); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	if _, _, err := manager.Authenticate(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := manager.Authenticate(ctx, "nobody", "secret123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestResolveTokenUnknown(t *testing.T) {
	manager := newTestManager(t)

	resolved, err := manager.ResolveToken(context.Background(), "no-such-token")
	if err != nil {
		t.Fatalf("ResolveToken returned error: %v", err)
	}
	if resolved != nil {
		t.Fatalf("unexpected user: %+v", resolved)
	}
}

func TestGuestRetention(t *testing.T) {
	manager := newTestManager(t)

	guest := manager.Guest()
	if !guest.IsGuest || guest.Username != "guest" {
		t.Fatalf("unexpected guest: %+v", guest)
	}
	if guest.RetentionDays == nil || *guest.RetentionDays != 7 {
		t.Fatalf("unexpected guest retention: %+v", guest.RetentionDays)
	}
}

func TestOptionalUserMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	manager := newTestManager(t)

	_, token, err := manager.Register(context.Background(), "alice", "secret123")
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	router := gin.New()
	router.GET("/whoami", manager.OptionalUser(), func(c *gin.Context) {
		user := manager.UserOrGuest(c)
		c.JSON(http.StatusOK, gin.H{"username": user.Username, "guest": user.IsGuest})
	})

	// トークン無しはゲスト扱い
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload["username"] != "guest" || payload["guest"] != true {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	// 有効なトークンは本人として解決される
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload["username"] != "alice" || payload["guest"] != false {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	// 無効なトークンは401
	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestRegisterHandlerValidation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	manager := newTestManager(t)

	router := gin.New()
	router.POST("/api/auth/register", manager.RegisterHandler)

	cases := []struct {
		name string
		body string
	}{
		{"missing fields", `{}`},
		{"short username", `{"username":"ab","password":"secret123"}`},
		{"short password", `{"username":"alice","password":"123"}`},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/register", bytes.NewBufferString(tc.body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: unexpected status: %d", tc.name, rec.Code)
		}
	}
}

func TestLoginHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	manager := newTestManager(t)

	if _, _, err := manager.Register(context.Background(), "alice", "secret123"); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	router := gin.New()
	router.POST("/api/auth/login", manager.LoginHandler)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login",
		bytes.NewBufferString(`{"username":"alice","password":"secret123"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Token   string `json:"token"`
		Profile struct {
			Username string `json:"username"`
		} `json:"profile"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload.Token == "" || payload.Profile.Username != "alice" {
		t.Fatalf("unexpected payload: %s", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/auth/login",
		bytes.NewBufferString(`{"username":"alice","password":"wrong1"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}
