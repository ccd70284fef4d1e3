package mysql

import (
	"context"
	"database/sql/driver"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Protego-Vault/internal/auth"
)

func TestSQLKeyStoreSeedAndLookup(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: []string{"name", "address", "permissions", "disabled"},
		values:  [][]driver.Value{{"alice", alice.Hex(), "vault:read,vault:write", int64(0)}},
	}
	db, drv := newMockDB(t, []mockOperation{
		execOp(upsertKeySQL, mockResult{rowsAffected: 1}),
		queryOp(lookupKeySQL, rows),
		queryOp(lookupKeySQL, mockRowsData{columns: rows.columns}),
	})
	defer drv.assertConsumed(t)

	store := NewSQLKeyStore(db)
	ctx := context.Background()
	require.NoError(t, store.ApplySeed(ctx, auth.Seed{
		Name:        "alice",
		Key:         "alice-key",
		Address:     alice.Hex(),
		Permissions: []string{"vault:write", "vault:read"},
	}))

	subject, err := store.LookupKey(ctx, auth.HashKey("alice-key"))
	require.NoError(t, err)
	assert.Equal(t, "alice", subject.Name)
	assert.Equal(t, alice, subject.Address)
	assert.True(t, subject.HasPermission(auth.PermissionWrite))
	assert.False(t, subject.Disabled)

	_, err = store.LookupKey(ctx, auth.HashKey("unknown"))
	assert.ErrorIs(t, err, auth.ErrInvalidKey)
}

func TestSQLKeyStoreRejectsInvalidSeed(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, nil)
	defer drv.assertConsumed(t)

	err := NewSQLKeyStore(db).ApplySeed(context.Background(), auth.Seed{Name: "x", Key: "k", Address: common.Address{}.Hex()[:10]})
	require.Error(t, err)
}
