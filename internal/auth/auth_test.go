package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "Protego-Vault/internal/errors"
)

var (
	aliceAddr = "0x00000000000000000000000000000000000A11cE"
	adminAddr = "0x00000000000000000000000000000000000c0570"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store, err := NewMemoryStore(nil)
	require.NoError(t, err)
	svc, err := NewService(context.Background(), Config{
		Mode: ModeAPIKey,
		Seeds: []Seed{
			{Name: "alice", Key: "alice-key", Address: aliceAddr, Permissions: []string{"Vault:Read", "vault:write", "vault:write"}},
			{Name: "custodian", Key: "admin-key", Address: adminAddr, Permissions: []string{PermissionAll}},
			{Name: "revoked", Key: "old-key", Address: aliceAddr, Permissions: []string{PermissionRead}, Disabled: true},
		},
	}, store)
	require.NoError(t, err)
	return svc
}

func headers(values map[string]string) func(string) string {
	return func(name string) string { return values[name] }
}

func TestAuthenticateRequestResolvesAddress(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	subject, err := svc.AuthenticateRequest(ctx, headers(map[string]string{"Authorization": "Bearer alice-key"}))
	require.NoError(t, err)
	assert.Equal(t, "alice", subject.Name)
	assert.Equal(t, common.HexToAddress(aliceAddr), subject.Address)
	assert.Equal(t, []string{"vault:read", "vault:write"}, subject.Permissions)
	assert.True(t, subject.HasPermission(PermissionRead))
	assert.False(t, subject.HasPermission(PermissionAdmin))

	subject, err = svc.AuthenticateRequest(ctx, headers(map[string]string{HeaderAPIKey: "admin-key"}))
	require.NoError(t, err)
	assert.True(t, subject.HasPermission(PermissionAdmin))

	_, err = svc.AuthenticateRequest(ctx, headers(nil))
	assert.ErrorIs(t, err, ErrMissingKey)

	_, err = svc.AuthenticateRequest(ctx, headers(map[string]string{"Authorization": "Bearer wrong"}))
	assert.Equal(t, CodeUnauthenticated, xerrors.CodeOf(err))

	_, err = svc.AuthenticateRequest(ctx, headers(map[string]string{"Authorization": "Bearer old-key"}))
	assert.ErrorIs(t, err, ErrSubjectRevoked)
}

func TestDisabledModeTrustsCallerHeader(t *testing.T) {
	svc, err := NewService(context.Background(), Config{Mode: ModeDisabled}, nil)
	require.NoError(t, err)

	subject, err := svc.AuthenticateRequest(context.Background(), headers(map[string]string{HeaderCaller: aliceAddr}))
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(aliceAddr), subject.Address)
	assert.True(t, subject.HasPermission(PermissionAdmin))

	_, err = svc.AuthenticateRequest(context.Background(), headers(map[string]string{HeaderCaller: "nope"}))
	assert.Equal(t, CodeUnauthenticated, xerrors.CodeOf(err))
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(context.Background(), Config{Mode: ModeAPIKey}, nil)
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))

	_, err = NewService(context.Background(), Config{Mode: "jwt"}, nil)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	store, _ := NewMemoryStore(nil)
	_, err = NewService(context.Background(), Config{Mode: ModeAPIKey, Seeds: []Seed{{Name: "x", Key: "k", Address: "bad"}}}, store)
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}

func TestMiddlewareAuthorizesAndInjectsSubject(t *testing.T) {
	svc := newTestService(t)
	var seen *Subject
	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet:  {PermissionRead},
			http.MethodPost: {PermissionAdmin},
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		method string
		key    string
		status int
	}{
		{"read allowed", http.MethodGet, "alice-key", http.StatusNoContent},
		{"admin denied", http.MethodPost, "alice-key", http.StatusForbidden},
		{"admin allowed", http.MethodPost, "admin-key", http.StatusNoContent},
		{"missing key", http.MethodGet, "", http.StatusUnauthorized},
		{"revoked", http.MethodGet, "old-key", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(tc.method, "/api/v1/vault", nil)
			if tc.key != "" {
				req.Header.Set("Authorization", "Bearer "+tc.key)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusNoContent {
				require.NotNil(t, seen)
			} else {
				assert.Nil(t, seen)
				assert.Contains(t, rec.Body.String(), `"code"`)
			}
		})
	}
}

func TestSubjectContextRoundTrip(t *testing.T) {
	assert.Nil(t, SubjectFromContext(context.Background()))
	subject := &Subject{Name: "bob", Permissions: []string{PermissionRead}}
	ctx := WithSubject(context.Background(), subject)
	assert.Same(t, subject, SubjectFromContext(ctx))
	assert.NoError(t, subject.Authorize(PermissionRead))
	assert.Error(t, subject.Authorize(PermissionWrite))
	assert.Equal(t, HashKey(" k "), HashKey("k"))
	assert.Len(t, HashKey("k"), 64)
}
