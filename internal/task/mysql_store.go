package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"math"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"

	"Neural-Reflexion/internal/agent"
	xerrors "Neural-Reflexion/internal/errors"
	storagemysql "Neural-Reflexion/internal/storage/mysql"
)

const runColumns = `id, prompt, max_iterations, status, attempts, max_retries, last_error, error_code, run_state, created_at, updated_at`

// MySQLStore 使用 MySQL 记录运行任务，完整轨迹以 JSON 形式存放在 run_state 列。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenMySQLStore 建立连接并执行内嵌迁移。
func OpenMySQLStore(ctx context.Context, cfg storagemysql.Config) (*MySQLStore, error) {
	db, err := storagemysql.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := storagemysql.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewMySQLStore(db), nil
}

// NewMySQLStore 基于已经迁移的连接池创建存储。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

// Create 插入新的运行任务。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if task.Status == "" {
		task.Status = StatusPending
	}

	now := s.now().Unix()
	task.CreatedAt = now
	task.UpdatedAt = now

	const stmt = `INSERT INTO reflexion_runs
        (id, prompt, max_iterations, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, '', '', ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		task.ID,
		task.Prompt,
		task.MaxIterations,
		string(task.Status),
		task.Attempts,
		task.MaxRetries,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *gomysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入运行任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM reflexion_runs WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// Claim 将 pending 任务标记为运行中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	const stmt = `UPDATE reflexion_runs SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status = ? AND attempts < max_retries`

	res, err := s.db.ExecContext(ctx, stmt, string(StatusRunning), s.now().Unix(), id, string(StatusPending))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	task, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected > 0 {
		return task, nil
	}
	switch {
	case task.Status.Terminal():
		return task, ErrTaskCompleted
	case task.Status == StatusRunning:
		return task, ErrTaskConflict
	case task.Attempts >= task.MaxRetries:
		return task, ErrTaskExhausted
	default:
		return task, ErrTaskConflict
	}
}

// MarkSucceeded 保存完整运行结果。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, run *agent.RunState) error {
	sets, args, err := runAssignments(run)
	if err != nil {
		return err
	}
	sets = append([]string{"status = ?", "last_error = ''", "error_code = ''"}, sets...)
	args = append([]any{string(StatusSucceeded)}, args...)
	return s.transition(ctx, id, []Status{StatusRunning}, sets, args)
}

// MarkFailed 记录失败原因；run 非空时同时保存部分轨迹。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, run *agent.RunState, terminal bool) error {
	status := StatusPending
	if terminal {
		status = StatusFailed
	}
	sets := []string{"status = ?", "last_error = ?", "error_code = ?"}
	args := []any{string(status), lastError, string(code)}
	if run != nil {
		runSets, runArgs, err := runAssignments(run)
		if err != nil {
			return err
		}
		sets = append(sets, runSets...)
		args = append(args, runArgs...)
	}
	return s.transition(ctx, id, []Status{StatusPending, StatusRunning}, sets, args)
}

// MarkCanceled 记录取消结果；run 为 nil 时保留已有轨迹。
func (s *MySQLStore) MarkCanceled(ctx context.Context, id string, run *agent.RunState) error {
	sets := []string{"status = ?", "last_error = ?", "error_code = ?"}
	args := []any{string(StatusCanceled), xerrors.AttributesOf(xerrors.CodeCanceled).Message, string(xerrors.CodeCanceled)}
	if run != nil {
		runSets, runArgs, err := runAssignments(run)
		if err != nil {
			return err
		}
		sets = append(sets, runSets...)
		args = append(args, runArgs...)
	}
	return s.transition(ctx, id, []Status{StatusPending, StatusRunning}, sets, args)
}

// Release 将运行中的任务放回 pending 并退还本次领取占用的次数。
func (s *MySQLStore) Release(ctx context.Context, id string, code xerrors.Code, lastError string, run *agent.RunState) error {
	sets := []string{"status = ?", "attempts = GREATEST(attempts - 1, 0)", "last_error = ?", "error_code = ?"}
	args := []any{string(StatusPending), lastError, string(code)}
	if run != nil {
		runSets, runArgs, err := runAssignments(run)
		if err != nil {
			return err
		}
		sets = append(sets, runSets...)
		args = append(args, runArgs...)
	}
	return s.transition(ctx, id, []Status{StatusRunning}, sets, args)
}

// transition 只在任务处于 allowed 状态之一时更新，未命中时区分不存在、已结束与冲突。
func (s *MySQLStore) transition(ctx context.Context, id string, allowed []Status, sets []string, args []any) error {
	stmt := fmt.Sprintf("UPDATE reflexion_runs SET %s, updated_at = ? WHERE id = ? AND status IN (%s)",
		strings.Join(sets, ", "), placeholders(len(allowed)))

	args = append(args, s.now().Unix(), id)
	for _, status := range allowed {
		args = append(args, string(status))
	}

	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新运行任务失败", xerrors.WithMetadata("task_id", id))
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		return nil
	}
	task, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return ErrTaskCompleted
	}
	return ErrTaskConflict
}

func runAssignments(run *agent.RunState) ([]string, []any, error) {
	encoded, err := encodeRun(run)
	if err != nil {
		return nil, nil, err
	}
	var (
		reason     string
		iterations int
		answer     string
	)
	if run != nil {
		reason = string(run.StopReason)
		iterations = run.Iterations
		answer = run.Answer
	}
	sets := []string{"stop_reason = ?", "iterations = ?", "final_score = ?", "answer = ?", "run_state = ?"}
	args := []any{reason, iterations, run.FinalScore(), answer, encoded}
	return sets, args, nil
}

// List 返回符合过滤条件的运行任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := `SELECT ` + runColumns + ` FROM reflexion_runs`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行列表失败")
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
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历运行列表失败")
	}
	return tasks, nil
}

// Stats 返回符合过滤条件的聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS canceled,
        COALESCE(AVG(CASE WHEN iterations > 0 THEN final_score END), 0) AS average_score,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM reflexion_runs`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{
		string(StatusPending),
		string(StatusRunning),
		string(StatusSucceeded),
		string(StatusFailed),
		string(StatusCanceled),
	}
	args = append(args, filterArgs...)

	var stats TaskStats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.Canceled,
		&stats.AverageScore,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行统计失败")
	}
	stats.AverageScore = math.Round(stats.AverageScore*100) / 100
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
	var (
		task      Task
		status    string
		lastError sql.NullString
		runState  sql.NullString
	)
	if err := row.Scan(
		&task.ID,
		&task.Prompt,
		&task.MaxIterations,
		&status,
		&task.Attempts,
		&task.MaxRetries,
		&lastError,
		&task.ErrorCode,
		&runState,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行记录失败")
	}
	task.Status = Status(status)
	task.LastError = lastError.String
	run, err := decodeRun(runState)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 run_state 失败", xerrors.WithMetadata("task_id", task.ID))
	}
	task.Run = run
	return &task, nil
}

func encodeRun(run *agent.RunState) (sql.NullString, error) {
	if run == nil {
		return sql.NullString{}, nil
	}
	encoded, err := json.Marshal(run)
	if err != nil {
		return sql.NullString{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 run_state 失败")
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

func decodeRun(raw sql.NullString) (*agent.RunState, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var run agent.RunState
	if err := json.Unmarshal([]byte(raw.String), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	var (
		conditions []string
		args       []any
	)

	if len(opts.Statuses) > 0 {
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", placeholders(len(opts.Statuses))))
		for _, status := range opts.Statuses {
			args = append(args, string(status))
		}
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasAnswer != nil {
		if *opts.HasAnswer {
			conditions = append(conditions, "(answer IS NOT NULL AND answer <> '')")
		} else {
			conditions = append(conditions, "(answer IS NULL OR answer = '')")
		}
	}
	if len(opts.StopReasons) > 0 {
		conditions = append(conditions, fmt.Sprintf("stop_reason IN (%s)", placeholders(len(opts.StopReasons))))
		for _, reason := range opts.StopReasons {
			args = append(args, string(reason))
		}
	}
	if opts.MinScore > 0 {
		conditions = append(conditions, "final_score >= ?")
		args = append(args, opts.MinScore)
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR prompt LIKE ? OR answer LIKE ? OR last_error LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

func placeholders(n int) string {
	marks := make([]string, n)
	for i := range marks {
		marks[i] = "?"
	}
	return strings.Join(marks, ",")
}

var _ Store = (*MySQLStore)(nil)
