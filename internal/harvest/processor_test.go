package harvest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"Protego-Vault/internal/agent"
	"Protego-Vault/internal/asset"
	xerrors "Protego-Vault/internal/errors"
	"Protego-Vault/internal/observability/alerting"
	"Protego-Vault/internal/vault"
)

type fakeAgent struct {
	processed atomic.Int32
	latency   time.Duration
	failures  map[string][]error
	mu        sync.Mutex
}

func (f *fakeAgent) Execute(ctx context.Context, req agent.HarvestRequest) (*agent.HarvestResult, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	if queue := f.failures[req.ID]; len(queue) > 0 {
		err := queue[0]
		f.failures[req.ID] = queue[1:]
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()
	f.processed.Add(1)
	return &agent.HarvestResult{ID: req.ID, Executed: true, Surplus: "5", Recognized: "5", TotalAssets: "105"}, nil
}

type alertRecorder struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *alertRecorder) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *alertRecorder) stages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	stages := make([]string, 0, len(r.events))
	for _, e := range r.events {
		stages = append(stages, e.Metadata["stage"])
	}
	return stages
}

func startProcessor(t *testing.T, p *Processor) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()
	return func() {
		cancel()
		err := <-done
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}
}

func waitJob(t *testing.T, service *Service, id string) *Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := service.WaitUntilCompleted(ctx, id, 5*time.Millisecond)
	require.NoError(t, err)
	return job
}

func TestProcessorHandlesConcurrentJobs(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	executor := &fakeAgent{latency: 5 * time.Millisecond}
	service := NewService(store, queue, 3)
	stop := startProcessor(t, NewProcessor(executor, store, queue, queue, WithWorkerCount(8)))

	total := 100
	for i := 0; i < total; i++ {
		_, err := service.Submit(context.Background(), Request{Reason: fmt.Sprintf("manual-%d", i)})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return int(executor.processed.Load()) >= total }, 5*time.Second, 10*time.Millisecond)
	stop()

	stats, err := service.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, total, stats.Succeeded)
}

func TestProcessorRetriesRetryableFailures(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	timeout := xerrors.New(xerrors.CodeTimeout, "rpc slow")
	executor := &fakeAgent{failures: map[string][]error{"job-1": {timeout, timeout}}}
	alerts := &alertRecorder{}
	var outcomes []Status
	var outcomesMu sync.Mutex
	service := NewService(store, queue, 3)
	stop := startProcessor(t, NewProcessor(executor, store, queue, queue,
		WithAlertDispatcher(alerts),
		WithOutcomeObserver(func(s Status) {
			outcomesMu.Lock()
			defer outcomesMu.Unlock()
			outcomes = append(outcomes, s)
		}),
	))
	defer stop()

	_, err := service.Submit(context.Background(), Request{ID: "job-1", Reason: "manual"})
	require.NoError(t, err)

	job := waitJob(t, service, "job-1")
	assert.Equal(t, StatusSucceeded, job.Status)
	assert.Equal(t, 3, job.Attempts)
	require.NotNil(t, job.Result)
	assert.Equal(t, "105", job.Result.TotalAssets)
	assert.Equal(t, []string{"retry", "retry"}, alerts.stages())

	outcomesMu.Lock()
	assert.Equal(t, []Status{StatusSucceeded}, outcomes)
	outcomesMu.Unlock()
}

func TestProcessorStopsAfterMaxRetries(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	timeout := xerrors.New(xerrors.CodeTimeout, "rpc slow")
	executor := &fakeAgent{failures: map[string][]error{"job-1": {timeout, timeout, timeout}}}
	alerts := &alertRecorder{}
	service := NewService(store, queue, 2)
	stop := startProcessor(t, NewProcessor(executor, store, queue, queue, WithAlertDispatcher(alerts)))
	defer stop()

	_, err := service.Submit(context.Background(), Request{ID: "job-1", Reason: "manual"})
	require.NoError(t, err)

	job := waitJob(t, service, "job-1")
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, string(xerrors.CodeTimeout), job.ErrorCode)
	assert.Equal(t, []string{"retry", "terminal"}, alerts.stages())
}

func TestProcessorUnknownErrorsAreTerminal(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeAgent{failures: map[string][]error{"job-1": {errors.New("boom")}}}
	service := NewService(store, queue, 3)
	stop := startProcessor(t, NewProcessor(executor, store, queue, queue))
	defer stop()

	_, err := service.Submit(context.Background(), Request{ID: "job-1", Reason: "manual"})
	require.NoError(t, err)

	job := waitJob(t, service, "job-1")
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, 1, job.MaxRetries)
	assert.Equal(t, string(CodeJobProcessing), job.ErrorCode)
}

var (
	custodian = common.HexToAddress("0x00000000000000000000000000000000000c0570")
	aiAgent   = common.HexToAddress("0x00000000000000000000000000000000000a6e47")
	account   = common.HexToAddress("0x000000000000000000000000000000000000fa17")
	alice     = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
)

func newVault(t *testing.T) (*vault.Vault, *asset.MemoryToken) {
	t.Helper()
	token := asset.NewMemoryToken("USD Coin", "USDC", 6)
	v, err := vault.New(context.Background(), token.Account(account), vault.Params{
		Name:      "Protego USDC Vault",
		Symbol:    "pvUSDC",
		Account:   account,
		Custodian: custodian,
		AIAgent:   aiAgent,
	}, vault.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	require.NoError(t, token.Mint(alice, big.NewInt(1000)))
	require.NoError(t, token.Approve(alice, account, big.NewInt(1000)))
	_, err = v.Deposit(context.Background(), alice, big.NewInt(100), alice)
	require.NoError(t, err)
	return v, token
}

func TestProcessorWithVaultAgent(t *testing.T) {
	defer goleak.VerifyNone(t)

	v, token := newVault(t)
	require.NoError(t, token.Mint(account, big.NewInt(20)))

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	alerts := &alertRecorder{}
	service := NewService(store, queue, 3)
	stop := startProcessor(t, NewProcessor(agent.New(v, aiAgent), store, queue, queue,
		WithRecoveryHandler(SkipWhenPaused()),
		WithAlertDispatcher(alerts),
	))
	defer stop()

	harvested, err := service.Submit(context.Background(), Request{Reason: "manual"})
	require.NoError(t, err)
	job := waitJob(t, service, harvested.ID)
	require.Equal(t, StatusSucceeded, job.Status)
	assert.True(t, job.Result.Executed)
	assert.Equal(t, "20", job.Result.Recognized)
	assert.Equal(t, "120", v.TotalAssets(context.Background()).String())

	require.NoError(t, v.Pause(context.Background(), custodian))
	require.NoError(t, token.Mint(account, big.NewInt(5)))
	paused, err := service.Submit(context.Background(), Request{Reason: "manual", Force: true})
	require.NoError(t, err)
	job = waitJob(t, service, paused.ID)
	require.Equal(t, StatusSucceeded, job.Status)
	assert.False(t, job.Result.Executed)
	assert.Contains(t, job.Result.Note, "paused")
	assert.Equal(t, "120", v.TotalAssets(context.Background()).String())
	assert.Empty(t, alerts.stages())

	require.NoError(t, v.Unpause(context.Background(), custodian))
	require.NoError(t, token.Burn(account, big.NewInt(50)))
	broken, err := service.Submit(context.Background(), Request{Reason: "manual", Force: true})
	require.NoError(t, err)
	job = waitJob(t, service, broken.ID)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, string(vault.CodeAccountingInvariant), job.ErrorCode)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, []string{"terminal"}, alerts.stages())
	assert.Equal(t, "120", v.TotalAssets(context.Background()).String())
}
