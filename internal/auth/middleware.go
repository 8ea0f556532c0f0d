package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextUserKey は、ハンドラー間で解決済みユーザーを共有するためのキーです。
const ContextUserKey = "auth.user"

// OptionalUser は Authorization ヘッダーのBearerトークンを解決するミドルウェアを返します。
// トークンが無い場合は何も設定せず、無効なトークンはエラーにします。
func (m *Manager) OptionalUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.Next()
			return
		}

		user, err := m.ResolveToken(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "認証情報の確認に失敗しました。",
			})
			return
		}
		if user == nil {
			// トークンが提示されたのに解決できない場合は明確に拒否する
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "認証トークンが無効です。",
			})
			return
		}

		c.Set(ContextUserKey, user)
		c.Next()
	}
}

// RequireUser はログイン済みユーザーを必須とするミドルウェアを返します。
func (m *Manager) RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if CurrentUser(c) == nil {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "認証トークンが必要です。",
			})
			return
		}
		c.Next()
	}
}

// CurrentUser はコンテキストから解決済みユーザーを取り出します。未解決の場合は nil です。
func CurrentUser(c *gin.Context) *User {
	value, ok := c.Get(ContextUserKey)
	if !ok {
		return nil
	}
	user, ok := value.(*User)
	if !ok {
		return nil
	}
	return user
}

// UserOrGuest は解決済みユーザー、無ければゲストを返します。
func (m *Manager) UserOrGuest(c *gin.Context) *User {
	if user := CurrentUser(c); user != nil {
		return user
	}
	return m.Guest()
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
