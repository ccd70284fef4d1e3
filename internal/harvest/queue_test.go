package harvest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	xerrors "Protego-Vault/internal/errors"
)

type fakeRedis struct {
	mu     sync.Mutex
	items  []string
	pushed []string
	popErr error
	closed bool
}

func (f *fakeRedis) LPush(_ context.Context, _ string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		f.items = append([]string{v.(string)}, f.items...)
	}
	return redis.NewIntResult(int64(len(f.items)), nil)
}

func (f *fakeRedis) RPush(_ context.Context, _ string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		f.items = append(f.items, v.(string))
		f.pushed = append(f.pushed, v.(string))
	}
	return redis.NewIntResult(int64(len(f.items)), nil)
}

func (f *fakeRedis) BRPop(ctx context.Context, _ time.Duration, keys ...string) *redis.StringSliceCmd {
	f.mu.Lock()
	if f.popErr != nil {
		err := f.popErr
		f.mu.Unlock()
		return redis.NewStringSliceResult(nil, err)
	}
	if n := len(f.items); n > 0 {
		item := f.items[n-1]
		f.items = f.items[:n-1]
		f.mu.Unlock()
		return redis.NewStringSliceResult([]string{keys[0], item}, nil)
	}
	f.mu.Unlock()
	select {
	case <-ctx.Done():
		return redis.NewStringSliceResult(nil, ctx.Err())
	case <-time.After(time.Millisecond):
		return redis.NewStringSliceResult(nil, redis.Nil)
	}
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func TestRedisQueueRequeuesFailedJobs(t *testing.T) {
	defer goleak.VerifyNone(t)

	client := &fakeRedis{}
	queue := newRedisQueue(client, RedisQueueConfig{})
	assert.Equal(t, "protego:harvest:jobs", queue.queue)

	require.NoError(t, queue.Publish(context.Background(), "a"))
	require.NoError(t, queue.Publish(context.Background(), "b"))

	ctx, cancel := context.WithCancel(context.Background())
	var (
		mu   sync.Mutex
		seen []string
		once sync.Once
	)
	done := make(chan error, 1)
	go func() {
		done <- queue.Consume(ctx, 1, func(_ context.Context, jobID string) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, jobID)
			var err error
			if jobID == "a" {
				once.Do(func() { err = errors.New("transient") })
			}
			return err
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, []string{"a", "a", "b"}, seen)
	assert.Equal(t, []string{"a"}, client.pushed)
	require.NoError(t, queue.Close())
	assert.True(t, client.closed)
}

func TestRedisQueueStopsOnBackendError(t *testing.T) {
	defer goleak.VerifyNone(t)

	queue := newRedisQueue(&fakeRedis{popErr: errors.New("connection reset")}, RedisQueueConfig{Queue: "q"})
	err := queue.Consume(context.Background(), 4, func(context.Context, string) error { return nil })
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeQueueFailure, xerrors.CodeOf(err))
}

type fakeAcker struct {
	mu     sync.Mutex
	acked  []uint64
	nacked []uint64
}

func (a *fakeAcker) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcker) Nack(tag uint64, _ bool, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type fakeChannel struct {
	deliveries chan amqp.Delivery
	published  []amqp.Publishing
	closed     bool
}

func (c *fakeChannel) PublishWithContext(_ context.Context, _, _ string, _, _ bool, msg amqp.Publishing) error {
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

func TestRabbitMQQueueAcksAndNacks(t *testing.T) {
	defer goleak.VerifyNone(t)

	ch := &fakeChannel{deliveries: make(chan amqp.Delivery, 2)}
	queue := &RabbitMQQueue{ch: ch, queue: "protego.harvest.jobs"}

	require.NoError(t, queue.Publish(context.Background(), "job-1"))
	require.Len(t, ch.published, 1)
	assert.Equal(t, []byte("job-1"), ch.published[0].Body)
	assert.Equal(t, amqp.Persistent, ch.published[0].DeliveryMode)

	acker := &fakeAcker{}
	ch.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: []byte("ok")}
	ch.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 2, Body: []byte("bad")}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- queue.Consume(ctx, 1, func(_ context.Context, jobID string) error {
			if jobID == "bad" {
				return errors.New("boom")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		acker.mu.Lock()
		defer acker.mu.Unlock()
		return len(acker.acked)+len(acker.nacked) == 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, []uint64{1}, acker.acked)
	assert.Equal(t, []uint64{2}, acker.nacked)
	require.NoError(t, queue.Close())
	assert.True(t, ch.closed)
}

func TestRabbitMQQueueRequiresChannel(t *testing.T) {
	var queue *RabbitMQQueue
	err := queue.Publish(context.Background(), "job")
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
	_, err = NewRabbitMQQueue(RabbitMQConfig{})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}
