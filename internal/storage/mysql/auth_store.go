package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"Protego-Vault/internal/auth"
	xerrors "Protego-Vault/internal/errors"
)

// SQLKeyStore persists hashed API keys in MySQL.
type SQLKeyStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLKeyStore wraps an already migrated connection pool, normally the
// one owned by SQLJournal.
func NewSQLKeyStore(db *sql.DB) *SQLKeyStore {
	return &SQLKeyStore{db: db, now: time.Now}
}

const (
	lookupKeySQL = `SELECT name, address, permissions, disabled FROM api_keys WHERE key_hash = ?`
	upsertKeySQL = `INSERT INTO api_keys (key_hash, name, address, permissions, disabled, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE name = VALUES(name), address = VALUES(address), permissions = VALUES(permissions), disabled = VALUES(disabled)`
)

// LookupKey implements auth.Store.
func (s *SQLKeyStore) LookupKey(ctx context.Context, keyHash string) (*auth.Subject, error) {
	var (
		subject     auth.Subject
		address     string
		permissions string
		disabled    int
	)
	row := s.db.QueryRowContext(ctx, lookupKeySQL, keyHash)
	if err := row.Scan(&subject.Name, &address, &permissions, &disabled); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrInvalidKey
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 API key 失败")
	}
	subject.Address = common.HexToAddress(address)
	subject.Permissions = auth.DedupeStrings(strings.Split(permissions, ","))
	subject.Disabled = disabled == 1
	subject.Normalise()
	return &subject, nil
}

// ApplySeed implements auth.SeedWriter.
func (s *SQLKeyStore) ApplySeed(ctx context.Context, seed auth.Seed) error {
	subject, err := seed.Subject()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, upsertKeySQL,
		auth.HashKey(seed.Key),
		subject.Name,
		subject.Address.Hex(),
		strings.Join(subject.Permissions, ","),
		boolToInt(subject.Disabled),
		s.now().Unix(),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存 API key 失败",
			xerrors.WithMetadata("name", subject.Name))
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
