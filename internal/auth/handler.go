package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type authRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type profileResponse struct {
	Username      string `json:"username"`
	DisplayName   string `json:"displayName,omitempty"`
	RetentionDays *int   `json:"retentionDays,omitempty"`
}

func profileFrom(user *User) profileResponse {
	return profileResponse{
		Username:      user.Username,
		DisplayName:   user.DisplayName,
		RetentionDays: user.RetentionDays,
	}
}

// RegisterHandler は POST /api/auth/register のハンドラーです。
func (m *Manager) RegisterHandler(c *gin.Context) {
	var req authRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "username と password を JSON で送ってください。",
		})
		return
	}

	username := strings.TrimSpace(req.Username)
	if len(username) < 3 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "ユーザー名は3文字以上で指定してください。",
		})
		return
	}
	if len(req.Password) < 6 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "パスワードは6文字以上で指定してください。",
		})
		return
	}

	user, token, err := m.Register(c.Request.Context(), username, req.Password)
	if err != nil {
		if errors.Is(err, ErrUserExists) {
			// どの検証に失敗したかは開示しない
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "REGISTRATION_FAILED",
				"message": "ユーザー登録に失敗しました。",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "ユーザー登録に失敗しました。",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"token":   token,
		"profile": profileFrom(user),
	})
}

// LoginHandler は POST /api/auth/login のハンドラーです。
func (m *Manager) LoginHandler(c *gin.Context) {
	var req authRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "username と password を JSON で送ってください。",
		})
		return
	}

	user, token, err := m.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "INVALID_CREDENTIALS",
				"message": "ユーザー名またはパスワードが正しくありません。",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "ログインに失敗しました。",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":   token,
		"profile": profileFrom(user),
	})
}

// MeHandler は GET /api/auth/me のハンドラーです。
func (m *Manager) MeHandler(c *gin.Context) {
	user := CurrentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":    "UNAUTHORIZED",
			"message": "認証トークンが必要です。",
		})
		return
	}
	c.JSON(http.StatusOK, profileFrom(user))
}
