package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "CareerCopilot/internal/errors"
)

// MySQLStore 使用 MySQL 记录任务状态。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS tasks (
        id VARCHAR(64) PRIMARY KEY,
        session_id VARCHAR(64) DEFAULT '',
        user_id VARCHAR(100) DEFAULT '',
        skill VARCHAR(64) DEFAULT '',
        message TEXT NOT NULL,
        accepted_modes TEXT,
        metadata TEXT,
        status VARCHAR(32) NOT NULL,
        progress DOUBLE NOT NULL DEFAULT 0,
        attempts INT NOT NULL DEFAULT 0,
        max_retries INT NOT NULL DEFAULT 3,
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        result TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_tasks_status (status),
        INDEX idx_tasks_session (session_id),
        INDEX idx_tasks_user (user_id),
        INDEX idx_tasks_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 tasks 表失败")
	}
	return nil
}

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := time.Now().Unix()
	task.CreatedAt = now
	task.UpdatedAt = now

	messageValue, err := json.Marshal(task.Message)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务消息失败")
	}
	modesValue, err := marshalNullable(task.AcceptedOutputModes)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码输出类型失败")
	}
	metadataValue, err := marshalNullable(task.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 metadata 失败")
	}

	const stmt = `INSERT INTO tasks
        (id, session_id, user_id, skill, message, accepted_modes, metadata, status, progress, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, '', '', ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		task.ID,
		task.SessionID,
		task.UserID,
		task.Skill,
		string(messageValue),
		modesValue,
		metadataValue,
		task.Status,
		task.Attempts,
		task.MaxRetries,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

const taskColumns = `id, session_id, user_id, skill, message, accepted_modes, metadata, status, progress,
        attempts, max_retries, last_error, error_code, result, created_at, updated_at`

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row.Scan)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// Claim 将任务标记为执行中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	const updateStmt = `UPDATE tasks SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, updateStmt,
		StatusWorking,
		now,
		id,
		StatusPending,
		StatusFailed,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		task, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		switch task.Status {
		case StatusCompleted:
			return task, ErrTaskCompleted
		case StatusCanceled:
			return task, ErrTaskCanceled
		case StatusWorking:
			return task, ErrTaskConflict
		default:
			if task.Attempts >= task.MaxRetries {
				return task, ErrTaskExhausted
			}
			return task, ErrTaskConflict
		}
	}
	return s.Get(ctx, id)
}

// MarkCompleted 将任务标记为成功。
func (s *MySQLStore) MarkCompleted(ctx context.Context, id string, result ExecutionResult) error {
	resultValue, err := json.Marshal(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务结果失败")
	}

	const stmt = `UPDATE tasks SET status = ?, progress = 1, result = ?, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status <> ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt, StatusCompleted, string(resultValue), now, id, StatusCanceled)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		task, getErr := s.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		if task.Status == StatusCanceled {
			return ErrTaskCanceled
		}
		return ErrTaskNotFound
	}
	return nil
}

// MarkFailed 将任务标记为失败，并在必要时终止重试。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, _ bool) error {
	const stmt = `UPDATE tasks SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ? AND status <> ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt, StatusFailed, lastError, string(code), now, id, StatusCanceled)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		task, getErr := s.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		if task.Status == StatusCanceled {
			return ErrTaskCanceled
		}
		return ErrTaskNotFound
	}
	return nil
}

// MarkCanceled 取消尚未终态的任务。
func (s *MySQLStore) MarkCanceled(ctx context.Context, id string, reason string) error {
	const stmt = `UPDATE tasks SET status = ?, last_error = ?, error_code = ?, updated_at = ?
        WHERE id = ? AND status IN (?, ?)`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		StatusCanceled, reason, string(CodeTaskCanceled), now, id, StatusPending, StatusWorking)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "取消任务失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		task, getErr := s.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		switch task.Status {
		case StatusCompleted:
			return ErrTaskCompleted
		case StatusCanceled:
			return nil
		default:
			return ErrTaskConflict
		}
	}
	return nil
}

// List 返回符合过滤条件的任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := `SELECT ` + taskColumns + ` FROM tasks`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS working,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS completed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS canceled,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM tasks`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{string(StatusPending), string(StatusWorking), string(StatusCompleted), string(StatusFailed), string(StatusCanceled)}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats TaskStats
	if err := row.Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Working,
		&stats.Completed,
		&stats.Failed,
		&stats.Canceled,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanTask(scan func(dest ...any) error) (*Task, error) {
	var task Task
	var message string
	var modes, metadata, lastError, result sql.NullString

	if err := scan(
		&task.ID,
		&task.SessionID,
		&task.UserID,
		&task.Skill,
		&message,
		&modes,
		&metadata,
		&task.Status,
		&task.Progress,
		&task.Attempts,
		&task.MaxRetries,
		&lastError,
		&task.ErrorCode,
		&result,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(message), &task.Message); err != nil {
		return nil, fmt.Errorf("解析任务消息失败: %w", err)
	}
	task.LastError = lastError.String
	if modes.Valid && modes.String != "" {
		if err := json.Unmarshal([]byte(modes.String), &task.AcceptedOutputModes); err != nil {
			return nil, fmt.Errorf("解析输出类型失败: %w", err)
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &task.Metadata); err != nil {
			return nil, fmt.Errorf("解析任务 metadata 失败: %w", err)
		}
	}
	if result.Valid && result.String != "" {
		var record ExecutionResult
		if err := json.Unmarshal([]byte(result.String), &record); err != nil {
			return nil, fmt.Errorf("解析任务结果失败: %w", err)
		}
		if record.Thought != "" || record.Reply != "" || len(record.Artifacts) > 0 || record.Observations != "" {
			task.Result = &record
		}
	}
	return &task, nil
}

func marshalNullable(value any) (sql.NullString, error) {
	switch v := value.(type) {
	case nil:
		return sql.NullString{}, nil
	case map[string]any:
		if len(v) == 0 {
			return sql.NullString{}, nil
		}
	case []string:
		if len(v) == 0 {
			return sql.NullString{}, nil
		}
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, opts.SessionID)
	}
	if opts.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, opts.UserID)
	}
	if opts.Skill != "" {
		conditions = append(conditions, "skill = ?")
		args = append(args, opts.Skill)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			conditions = append(conditions, "(result IS NOT NULL AND result <> '')")
		} else {
			conditions = append(conditions, "(result IS NULL OR result = '')")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR skill LIKE ? OR user_id LIKE ? OR message LIKE ? OR last_error LIKE ? OR result LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
