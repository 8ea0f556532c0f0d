// Package auth は認証・認可機能を提供します。
package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	sqlite3 "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials は認証失敗を表します。
	// ユーザー名とパスワードのどちらが誤っているかは呼び出し側に開示しません。
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUserExists は同名ユーザーの重複登録を表します。
	ErrUserExists = errors.New("user already exists")
)

// User は認証済みユーザーまたはゲストを表します。
type User struct {
	ID            int64
	Username      string
	DisplayName   string
	RetentionDays *int
	IsGuest       bool
}

// Manager はユーザー登録・認証・トークン解決を担います。
type Manager struct {
	db                 *sql.DB
	guestRetentionDays int
}

// NewManager は認証マネージャーを作成します。
func NewManager(db *sql.DB, guestRetentionDays int) *Manager {
	return &Manager{
		db:                 db,
		guestRetentionDays: guestRetentionDays,
	}
}

// Guest はゲストユーザーを返します。ゲストのタスクは既定の保持日数で失効します。
func (m *Manager) Guest() *User {
	retention := m.guestRetentionDays
	return &User{
		Username:      "guest",
		DisplayName:   "ゲスト",
		RetentionDays: &retention,
		IsGuest:       true,
	}
}

// Register は新規ユーザーを登録し、APIトークンを発行します。
func (m *Manager) Register(ctx context.Context, username, password string) (*User, string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, "", errors.New("username is required")
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash password: %w", err)
	}
	token, err := generateToken()
	if err != nil {
		return nil, "", err
	}

	res, err := m.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, display_name, api_token)
		 VALUES (?, ?, ?, ?)`,
		username, string(hashed), username, token,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return nil, "", ErrUserExists
		}
		return nil, "", fmt.Errorf("failed to register user: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, "", fmt.Errorf("failed to load newly created user: %w", err)
	}
	user, err := m.userByID(ctx, id)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// Authenticate はユーザー名とパスワードを検証し、新しいAPIトークンを発行します。
func (m *Manager) Authenticate(ctx context.Context, username, password string) (*User, string, error) {
	username = strings.TrimSpace(username)

	row := m.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, retention_days, password_hash
		 FROM users WHERE username = ?`, username)

	var (
		user      User
		display   sql.NullString
		retention sql.NullInt64
		hash      string
	)
	if err := row.Scan(&user.ID, &user.Username, &display, &retention, &hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", fmt.Errorf("failed to query user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, "", ErrInvalidCredentials
	}

	token, err := generateToken()
	if err != nil {
		return nil, "", err
	}
	if _, err := m.db.ExecContext(ctx,
		`UPDATE users SET api_token = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		token, user.ID,
	); err != nil {
		return nil, "", fmt.Errorf("failed to rotate token: %w", err)
	}

	applyNullable(&user, display, retention)
	return &user, token, nil
}

// ResolveToken はAPIトークンからユーザーを解決します。該当しない場合は nil を返します。
func (m *Manager) ResolveToken(ctx context.Context, token string) (*User, error) {
	if strings.TrimSpace(token) == "" {
		return nil, nil
	}

	row := m.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, retention_days
		 FROM users WHERE api_token = ?`, token)

	var (
		user      User
		display   sql.NullString
		retention sql.NullInt64
	)
	if err := row.Scan(&user.ID, &user.Username, &display, &retention); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to resolve token: %w", err)
	}
	applyNullable(&user, display, retention)
	return &user, nil
}

func (m *Manager) userByID(ctx context.Context, id int64) (*User, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, retention_days FROM users WHERE id = ?`, id)

	var (
		user      User
		display   sql.NullString
		retention sql.NullInt64
	)
	if err := row.Scan(&user.ID, &user.Username, &display, &retention); err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	applyNullable(&user, display, retention)
	return &user, nil
}

func applyNullable(user *User, display sql.NullString, retention sql.NullInt64) {
	if display.Valid {
		user.DisplayName = display.String
	}
	if retention.Valid {
		days := int(retention.Int64)
		user.RetentionDays = &days
	}
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
