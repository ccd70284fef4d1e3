package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Protego-Vault/internal/asset"
	"Protego-Vault/internal/auth"
	xerrors "Protego-Vault/internal/errors"
	"Protego-Vault/internal/events"
	"Protego-Vault/internal/harvest"
	"Protego-Vault/internal/vault"
)

var (
	custodian = common.HexToAddress("0x00000000000000000000000000000000000c0570")
	aiAgent   = common.HexToAddress("0x00000000000000000000000000000000000a6e47")
	account   = common.HexToAddress("0x000000000000000000000000000000000000fa17")
	tokenAddr = common.HexToAddress("0x000000000000000000000000000000000000c01e")
	alice     = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

type harness struct {
	token   *asset.MemoryToken
	vault   *vault.Vault
	handler http.Handler
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	token := asset.NewMemoryToken("Test USD", "TUSD", 6)
	v, err := vault.New(context.Background(), token.Account(account), vault.Params{
		Name:         "Protego Vault",
		Symbol:       "PVLT",
		Account:      account,
		AssetAddress: tokenAddr,
		Custodian:    custodian,
		AIAgent:      aiAgent,
	}, vault.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	server := NewServer(":0", v, opts...)
	return &harness{token: token, vault: v, handler: server.Handler()}
}

func (h *harness) fund(t *testing.T, holder common.Address, amount int64) {
	t.Helper()
	require.NoError(t, h.token.Mint(holder, big.NewInt(amount)))
	require.NoError(t, h.token.Approve(holder, account, vault.Unlimited))
}

func (h *harness) do(t *testing.T, method, path string, caller common.Address, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if caller != (common.Address{}) {
		req.Header.Set(auth.HeaderCaller, caller.Hex())
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func requireError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	body := decode[errorResponse](t, rec)
	assert.Equal(t, code, body.Code)
}

func TestDepositAndRedeemFlow(t *testing.T) {
	h := newHarness(t)
	h.fund(t, alice, 1000)

	rec := h.do(t, http.MethodPost, "/api/v1/vault/deposit", alice, `{"assets":"1000"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	deposit := decode[operationResult](t, rec)
	assert.Equal(t, "deposit", deposit.Operation)
	assert.Equal(t, "1000", deposit.Shares)
	assert.Equal(t, alice.Hex(), deposit.Caller)

	rec = h.do(t, http.MethodGet, "/api/v1/vault/balances/"+alice.Hex(), alice, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1000", decode[map[string]string](t, rec)["shares"])

	// Yield lands in custody and the agent recognizes it.
	require.NoError(t, h.token.Mint(account, big.NewInt(500)))
	rec = h.do(t, http.MethodPost, "/api/v1/vault/harvest", aiAgent, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	harvested := decode[map[string]string](t, rec)
	assert.Equal(t, "500", harvested["recognized"])
	assert.Equal(t, "1500", harvested["total_assets"])

	rec = h.do(t, http.MethodGet, "/api/v1/vault/preview/redeem?amount=100", alice, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "150", decode[map[string]string](t, rec)["result"])

	rec = h.do(t, http.MethodPost, "/api/v1/vault/redeem", alice, `{"shares":"100","receiver":"`+bob.Hex()+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "150", decode[operationResult](t, rec).Assets)
	assert.Equal(t, "150", h.token.Balance(bob).String())

	rec = h.do(t, http.MethodGet, "/api/v1/vault", alice, "")
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[vaultInfo](t, rec)
	assert.Equal(t, "1350", info.TotalAssets)
	assert.Equal(t, "900", info.TotalSupply)
	assert.Equal(t, "active", info.State)
	assert.Equal(t, uint8(6), info.Decimals)
}

func TestSharesTransferAndAllowance(t *testing.T) {
	h := newHarness(t)
	h.fund(t, alice, 300)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/v1/vault/deposit", alice, `{"assets":"300"}`).Code)

	rec := h.do(t, http.MethodPost, "/api/v1/vault/approve", alice, `{"spender":"`+bob.Hex()+`","shares":"120"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/api/v1/vault/transfer-from", bob,
		`{"from":"`+alice.Hex()+`","to":"`+bob.Hex()+`","shares":"100"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/api/v1/vault/allowances/"+alice.Hex()+"/"+bob.Hex(), bob, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "20", decode[map[string]string](t, rec)["shares"])

	rec = h.do(t, http.MethodPost, "/api/v1/vault/transfer", bob, `{"to":"`+alice.Hex()+`","shares":"101"}`)
	requireError(t, rec, http.StatusUnprocessableEntity, string(vault.CodeExceededBalance))
}

func TestPauseLifecycle(t *testing.T) {
	h := newHarness(t)
	h.fund(t, alice, 100)

	requireError(t, h.do(t, http.MethodPost, "/api/v1/admin/pause", alice, ""), http.StatusForbidden, string(vault.CodeUnauthorized))

	rec := h.do(t, http.MethodPost, "/api/v1/admin/pause", custodian, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "paused", decode[operationResult](t, rec).State)

	requireError(t, h.do(t, http.MethodPost, "/api/v1/vault/deposit", alice, `{"assets":"100"}`), http.StatusConflict, string(vault.CodeVaultPaused))
	requireError(t, h.do(t, http.MethodPost, "/api/v1/admin/pause", custodian, ""), http.StatusConflict, string(vault.CodeInvalidState))

	rec = h.do(t, http.MethodGet, "/api/v1/vault/max/deposit/"+alice.Hex(), alice, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", decode[map[string]string](t, rec)["max"])

	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/v1/admin/unpause", custodian, "").Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/v1/vault/deposit", alice, `{"assets":"100"}`).Code)
}

func TestRoleRotation(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/v1/admin/ai-agent", custodian, `{"address":"`+bob.Hex()+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, bob, h.vault.AIAgent(context.Background()))

	requireError(t, h.do(t, http.MethodPost, "/api/v1/vault/harvest", aiAgent, ""), http.StatusForbidden, string(vault.CodeUnauthorized))
	requireError(t, h.do(t, http.MethodPost, "/api/v1/admin/custodian", custodian, `{"address":"nope"}`), http.StatusBadRequest, "INVALID_ARGUMENT")
}

func TestRequestValidation(t *testing.T) {
	h := newHarness(t)
	h.fund(t, alice, 100)

	requireError(t, h.do(t, http.MethodPost, "/api/v1/vault/deposit", alice, `{"assets":"abc"}`), http.StatusBadRequest, string(vault.CodeInvalidAmount))
	requireError(t, h.do(t, http.MethodPost, "/api/v1/vault/deposit", alice, `{"assets":"0"}`), http.StatusBadRequest, string(vault.CodeInvalidAmount))
	requireError(t, h.do(t, http.MethodPost, "/api/v1/vault/deposit", alice, `{"amount":"1"}`), http.StatusBadRequest, "INVALID_ARGUMENT")
	requireError(t, h.do(t, http.MethodPost, "/api/v1/vault/withdraw", alice, `{"assets":"5"}`), http.StatusUnprocessableEntity, string(vault.CodeExceededMaxWithdraw))
	requireError(t, h.do(t, http.MethodGet, "/api/v1/vault/preview/swap?amount=1", alice, ""), http.StatusNotFound, "NOT_FOUND")
	requireError(t, h.do(t, http.MethodGet, "/api/v1/vault/balances/0x12", alice, ""), http.StatusBadRequest, "INVALID_ARGUMENT")
	requireError(t, h.do(t, http.MethodGet, "/api/v1/vault", common.Address{}, ""), http.StatusUnauthorized, string(auth.CodeUnauthenticated))
}

func TestAPIKeyPermissions(t *testing.T) {
	svc, err := auth.NewService(context.Background(), auth.Config{
		Mode: auth.ModeAPIKey,
		Seeds: []auth.Seed{
			{Name: "reader", Key: "read-key", Address: alice.Hex(), Permissions: []string{auth.PermissionRead}},
			{Name: "ops", Key: "ops-key", Address: custodian.Hex(), Permissions: []string{auth.PermissionAll}},
		},
	}, mustMemoryStore(t))
	require.NoError(t, err)
	h := newHarness(t, WithAuth(svc))

	call := func(method, path, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		// Ignored outside disabled mode.
		req.Header.Set(auth.HeaderCaller, custodian.Hex())
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, call(http.MethodGet, "/api/v1/vault", "").Code)
	assert.Equal(t, http.StatusUnauthorized, call(http.MethodGet, "/api/v1/vault", "wrong").Code)
	assert.Equal(t, http.StatusOK, call(http.MethodGet, "/api/v1/vault", "read-key").Code)
	assert.Equal(t, http.StatusForbidden, call(http.MethodPost, "/api/v1/admin/pause", "read-key").Code)

	rec := call(http.MethodPost, "/api/v1/admin/pause", "ops-key")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, h.vault.Paused(context.Background()))
}

func mustMemoryStore(t *testing.T) *auth.MemoryStore {
	t.Helper()
	store, err := auth.NewMemoryStore(nil)
	require.NoError(t, err)
	return store
}

func TestRateLimitPerCaller(t *testing.T) {
	h := newHarness(t, WithRateLimit(0.001, 1))

	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/v1/vault", alice, "").Code)
	rec := h.do(t, http.MethodGet, "/api/v1/vault", alice, "")
	requireError(t, rec, http.StatusTooManyRequests, string(CodeRateLimited))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/v1/vault", bob, "").Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", common.Address{}, "").Code)
}

func TestHarvestJobEndpoints(t *testing.T) {
	store := harvest.NewMemoryStore()
	queue := harvest.NewMemoryQueue(8)
	defer queue.Close()
	h := newHarness(t, WithHarvestService(harvest.NewService(store, queue, 3)))

	rec := h.do(t, http.MethodPost, "/api/v1/harvest", aiAgent, `{"id":"manual-1","reason":"  weekly sweep "}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	job := decode[harvest.Job](t, rec)
	assert.Equal(t, "manual-1", job.ID)
	assert.Equal(t, "weekly sweep", job.Reason)
	assert.Equal(t, aiAgent.Hex(), job.RequestedBy)

	rec = h.do(t, http.MethodGet, "/api/v1/harvest/jobs/manual-1", alice, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, harvest.StatusPending, decode[harvest.Job](t, rec).Status)

	requireError(t, h.do(t, http.MethodGet, "/api/v1/harvest/jobs/missing", alice, ""), http.StatusNotFound, string(harvest.CodeJobNotFound))
	requireError(t, h.do(t, http.MethodPost, "/api/v1/harvest", aiAgent, `{"reason":" "}`), http.StatusBadRequest, string(harvest.CodeJobValidation))

	rec = h.do(t, http.MethodGet, "/api/v1/harvest/jobs?status=pending&limit=5", alice, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode[map[string][]harvest.Job](t, rec)["jobs"], 1)

	requireError(t, h.do(t, http.MethodGet, "/api/v1/harvest/jobs?status=unknown", alice, ""), http.StatusBadRequest, "INVALID_ARGUMENT")

	rec = h.do(t, http.MethodGet, "/api/v1/harvest/stats", alice, "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[harvest.Stats](t, rec)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Pending)
}

type staticEvents struct {
	after    uint64
	limit    int
	messages []events.Message
}

func (s *staticEvents) Events(_ context.Context, after uint64, limit int) ([]events.Message, error) {
	s.after, s.limit = after, limit
	return s.messages, nil
}

func TestEventHistory(t *testing.T) {
	source := &staticEvents{messages: []events.Message{{ID: "evt-1", Seq: 4, Name: "Deposit"}}}
	h := newHarness(t, WithEventSource(source))

	rec := h.do(t, http.MethodGet, "/api/v1/vault/events?after=3&limit=9999", alice, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[map[string][]events.Message](t, rec)["events"]
	require.Len(t, got, 1)
	assert.Equal(t, "evt-1", got[0].ID)
	assert.Equal(t, uint64(3), source.after)
	assert.Equal(t, maxEventLimit, source.limit)

	requireError(t, h.do(t, http.MethodGet, "/api/v1/vault/events?after=-1", alice, ""), http.StatusBadRequest, "INVALID_ARGUMENT")
}

func TestStatusMapping(t *testing.T) {
	cases := map[string]int{
		string(vault.CodeAccountingInvariant):  http.StatusInternalServerError,
		string(vault.CodeReentrantCall):        http.StatusInternalServerError,
		string(vault.CodeExternalCollaborator): http.StatusBadGateway,
		"TIMEOUT":                              http.StatusGatewayTimeout,
		"STORAGE_FAILURE":                      http.StatusServiceUnavailable,
		"SOMETHING_ELSE":                       http.StatusInternalServerError,
	}
	for code, status := range cases {
		assert.Equal(t, status, statusForCode(xerrors.Code(code)), code)
	}
}
