package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"time"

	xerrors "Protego-Vault/internal/errors"
	"Protego-Vault/internal/events"
	"Protego-Vault/internal/vault"
)

// Journal 持久化金库提交记录，同时实现 vault.Sink。
type Journal interface {
	vault.Sink
	// Latest 返回最近一次提交后的快照，尚无记录时返回 nil。
	Latest(ctx context.Context) (*vault.Snapshot, error)
	// Events 返回 seq 大于 after 的事件，按 seq 升序。
	Events(ctx context.Context, after uint64, limit int) ([]events.Message, error)
	Close() error
}

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultEventLimit
	}
	if limit > maxEventLimit {
		return maxEventLimit
	}
	return limit
}

// SQLJournal 使用 MySQL 存储快照与事件。
type SQLJournal struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLJournal 创建连接池并执行迁移。
func NewSQLJournal(ctx context.Context, cfg Config) (*SQLJournal, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return newSQLJournal(db), nil
}

func newSQLJournal(db *sql.DB) *SQLJournal {
	return &SQLJournal{db: db, now: time.Now}
}

// DB 暴露连接池，供同库的其他存储复用。
func (j *SQLJournal) DB() *sql.DB {
	return j.db
}

const (
	insertSnapshotSQL = `INSERT INTO vault_snapshots (seq, operation, caller, payload, created_at)
        VALUES (?, ?, ?, ?, ?)`
	insertEventSQL = `INSERT INTO vault_events (seq, event_id, name, topic, operation, payload, occurred_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`
	latestSnapshotSQL = `SELECT payload FROM vault_snapshots ORDER BY id DESC LIMIT 1`
	listEventsSQL     = `SELECT payload FROM vault_events WHERE seq > ? ORDER BY seq ASC LIMIT ?`
)

// Record 在一个事务中写入快照和本次调用的全部事件。
func (j *SQLJournal) Record(ctx context.Context, commit vault.Commit) error {
	if commit.Snapshot == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "commit carries no snapshot")
	}
	payload, err := json.Marshal(commit.Snapshot)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化快照失败")
	}
	messages := events.FromCommit(commit)

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	if _, err := tx.ExecContext(ctx, insertSnapshotSQL,
		commit.Snapshot.Seq,
		commit.Operation,
		commit.Caller.Hex(),
		string(payload),
		j.now().UnixMilli(),
	); err != nil {
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入快照失败")
	}
	for _, m := range messages {
		raw, err := m.Encode()
		if err != nil {
			tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化事件失败")
		}
		if _, err := tx.ExecContext(ctx, insertEventSQL,
			m.Seq, m.ID, m.Name, m.Topic, m.Operation, string(raw), m.Time.UnixMilli(),
		); err != nil {
			tx.Rollback()
			if isDuplicateKey(err) {
				return xerrors.Wrap(xerrors.CodeConflict, err, "事件序号重复",
					xerrors.WithMetadata("event", m.Name))
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入事件失败")
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// Latest 实现 Journal。
func (j *SQLJournal) Latest(ctx context.Context) (*vault.Snapshot, error) {
	var payload string
	if err := j.db.QueryRowContext(ctx, latestSnapshotSQL).Scan(&payload); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询快照失败")
	}
	var snapshot vault.Snapshot
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析快照失败")
	}
	return &snapshot, nil
}

// Events 实现 Journal。
func (j *SQLJournal) Events(ctx context.Context, after uint64, limit int) ([]events.Message, error) {
	rows, err := j.db.QueryContext(ctx, listEventsSQL, after, clampLimit(limit))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询事件失败")
	}
	defer rows.Close()

	out := make([]events.Message, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析事件失败")
		}
		m, err := events.Decode([]byte(payload))
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历事件失败")
	}
	return out, nil
}

// Close 关闭底层数据库连接。
func (j *SQLJournal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}
