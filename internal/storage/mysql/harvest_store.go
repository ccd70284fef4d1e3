package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "Protego-Vault/internal/errors"
	"Protego-Vault/internal/harvest"
)

const (
	harvestColumns = `id, reason, force_run, requested_by, metadata, status, attempts, max_retries,
        last_error, error_code, result, created_at, updated_at`

	insertHarvestJobSQL = `INSERT INTO harvest_jobs
        (id, reason, force_run, requested_by, metadata, status, attempts, max_retries, last_error, error_code, executed, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', 0, ?, ?)`

	getHarvestJobSQL = `SELECT ` + harvestColumns + ` FROM harvest_jobs WHERE id = ?`

	claimHarvestJobSQL = `UPDATE harvest_jobs SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`

	succeedHarvestJobSQL = `UPDATE harvest_jobs SET status = ?, result = ?, executed = ?, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ?`

	failHarvestJobSQL = `UPDATE harvest_jobs SET status = ?, last_error = ?, error_code = ?, updated_at = ?,
        max_retries = IF(?, attempts, max_retries) WHERE id = ?`

	statsHarvestJobsSQL = `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM harvest_jobs`
)

// HarvestStore 使用 MySQL 记录收益确认任务状态，表结构由迁移 0003 创建。
type HarvestStore struct {
	db    *sql.DB
	now   func() time.Time
	owned bool
}

// NewHarvestStore 在已迁移的连接上创建 HarvestStore，Close 不会关闭共享连接。
func NewHarvestStore(db *sql.DB) *HarvestStore {
	return &HarvestStore{db: db, now: time.Now}
}

// OpenHarvestStore 独立打开连接并执行迁移。
func OpenHarvestStore(ctx context.Context, cfg Config) (*HarvestStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	store := NewHarvestStore(db)
	store.owned = true
	return store, nil
}

// Create 插入新的任务记录。
func (s *HarvestStore) Create(ctx context.Context, job *harvest.Job) error {
	if job == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if strings.TrimSpace(job.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := s.now().Unix()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	metadataValue, err := marshalJSON(job.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 metadata 失败")
	}

	_, err = s.db.ExecContext(ctx, insertHarvestJobSQL,
		job.ID,
		job.Reason,
		boolToInt(job.Force),
		job.RequestedBy,
		metadataValue,
		string(job.Status),
		job.Attempts,
		job.MaxRetries,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return harvest.ErrJobConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *HarvestStore) Get(ctx context.Context, id string) (*harvest.Job, error) {
	job, err := scanHarvestJob(s.db.QueryRowContext(ctx, getHarvestJobSQL, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, harvest.ErrJobNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return job, nil
}

// Claim 将任务标记为运行中并返回最新状态。
func (s *HarvestStore) Claim(ctx context.Context, id string) (*harvest.Job, error) {
	res, err := s.db.ExecContext(ctx, claimHarvestJobSQL,
		string(harvest.StatusRunning),
		s.now().Unix(),
		id,
		string(harvest.StatusPending),
		string(harvest.StatusFailed),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	job, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected > 0 {
		return job, nil
	}
	switch job.Status {
	case harvest.StatusSucceeded:
		return job, harvest.ErrJobCompleted
	case harvest.StatusRunning:
		return job, harvest.ErrJobConflict
	default:
		if job.Attempts >= job.MaxRetries {
			return job, harvest.ErrJobExhausted
		}
		return job, harvest.ErrJobConflict
	}
}

// MarkSucceeded 将任务标记为成功。
func (s *HarvestStore) MarkSucceeded(ctx context.Context, id string, result harvest.Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务结果失败")
	}
	res, err := s.db.ExecContext(ctx, succeedHarvestJobSQL,
		string(harvest.StatusSucceeded),
		string(payload),
		boolToInt(result.Executed),
		s.now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return harvest.ErrJobNotFound
	}
	return nil
}

// MarkFailed 将任务标记为失败，terminal 时将 max_retries 收敛到当前尝试次数。
func (s *HarvestStore) MarkFailed(ctx context.Context, id string, code string, lastError string, terminal bool) error {
	res, err := s.db.ExecContext(ctx, failHarvestJobSQL,
		string(harvest.StatusFailed),
		lastError,
		code,
		s.now().Unix(),
		terminal,
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return harvest.ErrJobNotFound
	}
	return nil
}

// List 返回符合过滤条件的任务。
func (s *HarvestStore) List(ctx context.Context, opts harvest.ListOptions) ([]*harvest.Job, error) {
	opts = normaliseListOptions(opts)

	query := `SELECT ` + harvestColumns + ` FROM harvest_jobs`
	clause, filterArgs := buildHarvestFilter(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == harvest.SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"
	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	jobs := make([]*harvest.Job, 0, opts.Limit)
	for rows.Next() {
		job, err := scanHarvestJob(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return jobs, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *HarvestStore) Stats(ctx context.Context, opts harvest.ListOptions) (harvest.Stats, error) {
	opts = normaliseListOptions(opts)

	query := statsHarvestJobsSQL
	clause, filterArgs := buildHarvestFilter(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{
		string(harvest.StatusPending),
		string(harvest.StatusRunning),
		string(harvest.StatusSucceeded),
		string(harvest.StatusFailed),
	}
	args = append(args, filterArgs...)

	var stats harvest.Stats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return harvest.Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭自行打开的连接。
func (s *HarvestStore) Close() error {
	if s == nil || s.db == nil || !s.owned {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHarvestJob(row rowScanner) (*harvest.Job, error) {
	var (
		job       harvest.Job
		status    string
		metadata  sql.NullString
		lastError sql.NullString
		result    sql.NullString
	)
	if err := row.Scan(
		&job.ID,
		&job.Reason,
		&job.Force,
		&job.RequestedBy,
		&metadata,
		&status,
		&job.Attempts,
		&job.MaxRetries,
		&lastError,
		&job.ErrorCode,
		&result,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Status = harvest.Status(status)
	job.LastError = lastError.String
	if metadata.Valid && strings.TrimSpace(metadata.String) != "" {
		if err := json.Unmarshal([]byte(metadata.String), &job.Metadata); err != nil {
			return nil, fmt.Errorf("解析任务 metadata 失败: %w", err)
		}
	}
	if result.Valid && strings.TrimSpace(result.String) != "" {
		var decoded harvest.Result
		if err := json.Unmarshal([]byte(result.String), &decoded); err != nil {
			return nil, fmt.Errorf("解析任务结果失败: %w", err)
		}
		job.Result = &decoded
	}
	return &job, nil
}

func marshalJSON(metadata map[string]any) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

// normaliseListOptions applies the same defaults as harvest.BuildListOptions.
func normaliseListOptions(opts harvest.ListOptions) harvest.ListOptions {
	normalised := harvest.BuildListOptions(
		harvest.WithLimit(opts.Limit),
		harvest.WithOffset(opts.Offset),
		harvest.WithStatuses(opts.Statuses...),
		harvest.WithSortOrder(opts.Order),
		harvest.WithQuery(opts.Query),
	)
	normalised.UpdatedGTE = opts.UpdatedGTE
	normalised.UpdatedLTE = opts.UpdatedLTE
	normalised.Executed = opts.Executed
	return normalised
}

func buildHarvestFilter(opts harvest.ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.Executed != nil {
		conditions = append(conditions, "executed = ?")
		args = append(args, boolToInt(*opts.Executed))
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR reason LIKE ? OR requested_by LIKE ? OR last_error LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ harvest.Store = (*HarvestStore)(nil)
