package task

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "vector-llm/internal/errors"
)

// MySQLStore 使用 MySQL 记录任务状态与结果。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore 并确保表结构存在。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
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
	const schema = `CREATE TABLE IF NOT EXISTS llm_tasks (
        id VARCHAR(64) PRIMARY KEY,
        run_id VARCHAR(255) NOT NULL,
        phase_id VARCHAR(255) NOT NULL,
        prompt TEXT NOT NULL,
        provider_hint VARCHAR(64) DEFAULT '',
        provider VARCHAR(64) DEFAULT '',
        status VARCHAR(16) NOT NULL,
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        result_content MEDIUMTEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_llm_task_status (status),
        INDEX idx_llm_task_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 llm_tasks 表失败")
	}
	return nil
}

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeValidation, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeValidation, "任务 ID 不能为空")
	}

	now := time.Now().Unix()
	task.CreatedAt = now
	task.UpdatedAt = now

	const stmt = `INSERT INTO llm_tasks
        (id, run_id, phase_id, prompt, provider_hint, provider, status, last_error, error_code, result_content, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, '', ?, '', '', NULL, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		task.ID,
		task.RunID,
		task.PhaseID,
		task.Prompt,
		task.ProviderHint,
		task.Status,
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

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	const stmt = `SELECT id, run_id, phase_id, prompt, provider_hint, provider, status, last_error, error_code, result_content, created_at, updated_at
        FROM llm_tasks WHERE id = ?`

	return scanTask(s.db.QueryRowContext(ctx, stmt, id))
}

// MarkStarted 将任务标记为执行中，终态任务不允许回退。
func (s *MySQLStore) MarkStarted(ctx context.Context, id string, provider string) error {
	const stmt = `UPDATE llm_tasks SET status = ?, provider = ?, updated_at = ?
        WHERE id = ? AND status IN (?, ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		StatusStarted,
		provider,
		time.Now().Unix(),
		id,
		StatusPending,
		StatusStarted,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	return s.resolveNoRows(ctx, res, id)
}

// MarkSucceeded 将任务标记为成功并记录结果文本。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, result Result) error {
	const stmt = `UPDATE llm_tasks SET status = ?, provider = ?, result_content = ?,
        last_error = '', error_code = '', updated_at = ? WHERE id = ? AND status IN (?, ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		StatusSuccess,
		result.Provider,
		result.Content,
		time.Now().Unix(),
		id,
		StatusPending,
		StatusStarted,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务成功失败")
	}
	return s.resolveNoRows(ctx, res, id)
}

// MarkFailed 将任务标记为失败。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string) error {
	const stmt = `UPDATE llm_tasks SET status = ?, result_content = NULL, last_error = ?, error_code = ?,
        updated_at = ? WHERE id = ? AND status IN (?, ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		StatusFailure,
		lastError,
		string(code),
		time.Now().Unix(),
		id,
		StatusPending,
		StatusStarted,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败失败")
	}
	return s.resolveNoRows(ctx, res, id)
}

// resolveNoRows 区分"任务不存在"与"任务已处于终态"两种零更新情况。
func (s *MySQLStore) resolveNoRows(ctx context.Context, res sql.Result, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if rows > 0 {
		return nil
	}
	task, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return ErrTaskTerminal
	}
	return ErrTaskConflict
}

// List 返回最近更新的任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := `SELECT id, run_id, phase_id, prompt, provider_hint, provider, status, last_error, error_code, result_content, created_at, updated_at
        FROM llm_tasks`

	args := make([]any, 0, len(opts.Statuses)+1)
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		query += " WHERE status IN (" + strings.Join(placeholders, ",") + ")"
	}
	query += " ORDER BY updated_at DESC, id DESC LIMIT ?"
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 返回各状态下的任务数量。
func (s *MySQLStore) Stats(ctx context.Context) (Stats, error) {
	const query = `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS started,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS succeeded,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed
        FROM llm_tasks`

	row := s.db.QueryRowContext(ctx, query,
		string(StatusPending), string(StatusStarted), string(StatusSuccess), string(StatusFailure))

	var stats Stats
	var pending, started, succeeded, failed sql.NullInt64
	if err := row.Scan(&stats.Total, &pending, &started, &succeeded, &failed); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	stats.Pending = int(pending.Int64)
	stats.Started = int(started.Int64)
	stats.Succeeded = int(succeeded.Int64)
	stats.Failed = int(failed.Int64)
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var lastError, resultContent sql.NullString

	if err := row.Scan(
		&task.ID,
		&task.RunID,
		&task.PhaseID,
		&task.Prompt,
		&task.ProviderHint,
		&task.Provider,
		&task.Status,
		&lastError,
		&task.ErrorCode,
		&resultContent,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}

	task.LastError = lastError.String
	// result_content 为 NULL 的 SUCCESS 行视为载荷损坏，由上层兜底。
	if task.Status == StatusSuccess && resultContent.Valid {
		task.Result = &Result{
			RunID:    task.RunID,
			PhaseID:  task.PhaseID,
			Provider: task.Provider,
			Content:  resultContent.String,
		}
	}
	return &task, nil
}

var _ Store = (*MySQLStore)(nil)
