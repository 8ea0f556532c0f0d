package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// Store はタスクレコードのSQLite永続化を担います。
// すべての操作は単一のミューテックスで直列化され、各呼び出しは
// 呼び出し側から見てアトミックです（read-modify-write が交錯しない）。
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// NewStore はストアを作成します。
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:  db,
		now: time.Now,
	}
}

// Create は新規レコードを保存します。IDが既に存在する場合は ErrDuplicateTask を返します。
func (s *Store) Create(ctx context.Context, record *Record) error {
	if record == nil {
		return errors.New("record is nil")
	}
	if record.ID == "" {
		return errors.New("record.ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	resultJSON, err := encodeResult(record.Result)
	if err != nil {
		return err
	}
	eventsJSON, err := encodeEvents(record.Events)
	if err != nil {
		return err
	}

	var retention any
	if record.RetentionDays != nil {
		retention = *record.RetentionDays
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (
			id, owner, filename, input_path, output_dir, status,
			created_at, updated_at, retention_days, progress,
			message, result_json, events_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.Owner,
		record.Filename,
		record.InputPath,
		record.OutputDir,
		string(record.Status),
		formatTime(record.CreatedAt),
		formatTime(record.UpdatedAt),
		retention,
		record.Progress,
		nullableString(record.Message),
		resultJSON,
		eventsJSON,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, record.ID)
		}
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// Get はレコードを取得します。期限切れのレコードは削除した上で ErrNotFound を返します。
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchLocked(ctx, id)
}

// List は所有者のレコードを作成日時の新しい順に最大 limit 件返します。
// 走査中に見つかった期限切れレコードは削除され、件数にも数えられません。
func (s *Store) List(ctx context.Context, owner string, limit int) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM tasks WHERE owner = ? ORDER BY created_at DESC`,
		owner,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var (
		records []*Record
		expired []string
	)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if s.isExpired(record) {
			expired = append(expired, record.ID)
			continue
		}
		if len(records) < limit {
			records = append(records, record)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan tasks: %w", err)
	}

	for _, id := range expired {
		if err := s.deleteLocked(ctx, id); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// Update は指定フィールドをアトミックにマージし、updated_at を必ず更新します。
func (s *Store) Update(ctx context.Context, id string, fields UpdateFields) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		sets []string
		args []any
	)
	if fields.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*fields.Status))
	}
	if fields.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *fields.Progress)
	}
	if fields.Message != nil {
		sets = append(sets, "message = ?")
		args = append(args, *fields.Message)
	}
	if fields.Result != nil {
		resultJSON, err := encodeResult(fields.Result)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "result_json = ?")
		args = append(args, resultJSON)
	}
	if fields.RetentionDays != nil {
		sets = append(sets, "retention_days = ?")
		args = append(args, *fields.RetentionDays)
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, formatTime(s.now().UTC()))
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return s.fetchLocked(ctx, id)
}

// AppendEvent はイベントログの末尾に1件追加し、updated_at を更新します。
func (s *Store) AppendEvent(ctx context.Context, id string, event map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var eventsJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT events_json FROM tasks WHERE id = ?`, id).Scan(&eventsJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("failed to read events: %w", err)
	}

	var events []map[string]any
	if eventsJSON.Valid && eventsJSON.String != "" {
		if err := json.Unmarshal([]byte(eventsJSON.String), &events); err != nil {
			return fmt.Errorf("failed to parse events: %w", err)
		}
	}
	events = append(events, event)

	encoded, err := encodeEvents(events)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET events_json = ?, updated_at = ? WHERE id = ?`,
		encoded, formatTime(s.now().UTC()), id,
	); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Delete はレコードを削除します。存在しない場合もエラーにしません（冪等）。
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(ctx, id)
}

const recordColumns = `id, owner, filename, input_path, output_dir, status,
	created_at, updated_at, retention_days, progress, message, result_json, events_json`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) fetchLocked(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM tasks WHERE id = ?`, id)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	if s.isExpired(record) {
		if err := s.deleteLocked(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return record, nil
}

func (s *Store) deleteLocked(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

func (s *Store) isExpired(record *Record) bool {
	if record.RetentionDays == nil {
		return false
	}
	age := s.now().UTC().Sub(record.CreatedAt)
	return age > time.Duration(*record.RetentionDays)*24*time.Hour
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		record     Record
		status     string
		createdAt  string
		updatedAt  string
		retention  sql.NullInt64
		message    sql.NullString
		resultJSON sql.NullString
		eventsJSON sql.NullString
	)
	err := row.Scan(
		&record.ID,
		&record.Owner,
		&record.Filename,
		&record.InputPath,
		&record.OutputDir,
		&status,
		&createdAt,
		&updatedAt,
		&retention,
		&record.Progress,
		&message,
		&resultJSON,
		&eventsJSON,
	)
	if err != nil {
		return nil, err
	}

	record.Status = Status(status)
	if record.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if record.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	if retention.Valid {
		days := int(retention.Int64)
		record.RetentionDays = &days
	}
	if message.Valid {
		record.Message = message.String
	}
	if resultJSON.Valid && resultJSON.String != "" {
		var result ResultInfo
		if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
			return nil, fmt.Errorf("failed to parse result: %w", err)
		}
		record.Result = &result
	}
	if eventsJSON.Valid && eventsJSON.String != "" {
		if err := json.Unmarshal([]byte(eventsJSON.String), &record.Events); err != nil {
			return nil, fmt.Errorf("failed to parse events: %w", err)
		}
	}
	return &record, nil
}

func encodeResult(result *ResultInfo) (any, error) {
	if result == nil {
		return nil, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return string(data), nil
}

func encodeEvents(events []map[string]any) (string, error) {
	if events == nil {
		events = []map[string]any{}
	}
	data, err := json.Marshal(events)
	if err != nil {
		return "", fmt.Errorf("failed to encode events: %w", err)
	}
	return string(data), nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

// 固定幅のナノ秒表現にすることで、テキストのまま辞書順ソートできる。
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, value)
}
