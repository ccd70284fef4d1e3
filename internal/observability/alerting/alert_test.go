package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	xerrors "Protego-Vault/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	mu      sync.Mutex
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{channel: ChannelLog}
	broken := &recordingNotifier{channel: ChannelSlack, err: errors.New("slack down")}
	fanout := NewFanout(ok, nil, broken)

	err := fanout.Notify(context.Background(), Event{Code: xerrors.CodeStorageFailure})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel slack")
	assert.Equal(t, 1, ok.count())
	assert.Equal(t, 1, broken.count())
	assert.Equal(t, []Channel{ChannelLog, ChannelSlack}, fanout.Channels())
	assert.False(t, ok.events[0].OccurredAt.IsZero())
}

func TestFromErrorCopiesMetadata(t *testing.T) {
	err := xerrors.New(xerrors.CodeChainFailure, "rpc down", xerrors.WithMetadata("chain", "mainnet"))
	event := FromError(err, "deposit")

	assert.Equal(t, xerrors.CodeChainFailure, event.Code)
	assert.Equal(t, xerrors.SeverityWarning, event.Severity)
	assert.Equal(t, "mainnet", event.Metadata["chain"])
	assert.Equal(t, "[warning] CHAIN_FAILURE op=deposit", event.Subject())
	assert.Contains(t, event.Body(), "- chain: mainnet")
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	var received Event
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(WebhookConfig{URL: server.URL, Headers: map[string]string{"X-Token": "secret"}})
	require.NoError(t, err)

	require.NoError(t, notifier.Notify(context.Background(), Event{Code: xerrors.CodeTimeout, JobID: "job-1"}))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "job-1", received.JobID)
}

func TestWebhookStopsOnClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(WebhookConfig{URL: server.URL, MaxAttempts: 5})
	require.NoError(t, err)

	require.Error(t, notifier.Notify(context.Background(), Event{Code: xerrors.CodeTimeout}))
	assert.Equal(t, int32(1), calls.Load())

	_, err = NewWebhookNotifier(WebhookConfig{})
	require.Error(t, err)
}

func TestSlackNotifierUsesSender(t *testing.T) {
	var body map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	}))
	defer server.Close()

	sender, err := NewWebhookNotifier(WebhookConfig{URL: server.URL})
	require.NoError(t, err)
	slack := &SlackNotifier{Sender: sender, ChannelID: "#vault-ops"}

	require.NoError(t, slack.Notify(context.Background(), Event{Code: xerrors.CodeStorageFailure, Severity: xerrors.SeverityCritical, Message: "disk full"}))
	assert.Equal(t, "#vault-ops", body["channel"])
	assert.Contains(t, body["text"], "STORAGE_FAILURE")
	assert.Contains(t, body["text"], "disk full")

	require.NoError(t, (&SlackNotifier{}).Notify(context.Background(), Event{}))
}

func TestVaultObserverDispatchesAlertingErrors(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sink := &recordingNotifier{channel: ChannelLog}
	observer := NewVaultObserver(NewFanout(sink), 4)
	caller := common.HexToAddress("0x00000000000000000000000000000000000a6e47")

	observer.ObserveCall("deposit", caller, nil, time.Millisecond)
	observer.ObserveCall("deposit", caller, xerrors.New(xerrors.CodeInvalidArgument, "bad"), time.Millisecond)
	observer.ObserveCall("executeAIYieldStrategy", caller, xerrors.New(xerrors.CodeStorageFailure, "boom"), time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- observer.Run(ctx) }()

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	event := sink.events[0]
	assert.Equal(t, "executeAIYieldStrategy", event.Operation)
	assert.Equal(t, caller.Hex(), event.Caller)
	assert.Equal(t, "1ms", event.Metadata["elapsed"])
}

func TestVaultObserverDropsWhenFull(t *testing.T) {
	observer := NewVaultObserver(nil, 1)
	err := xerrors.New(xerrors.CodeStorageFailure, "boom")
	observer.ObserveCall("a", common.Address{}, err, 0)
	observer.ObserveCall("b", common.Address{}, err, 0)
	assert.Len(t, observer.pending, 1)
}
