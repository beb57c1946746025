package provision

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fortressi/crosschain/kv"
)

func blockingAttempt(ctx context.Context) (RemoteAccountInfo, error) {
	<-ctx.Done()
	return RemoteAccountInfo{}, ctx.Err()
}

func awaitAccount(t *testing.T, c interface {
	Await(context.Context) (RemoteAccountInfo, error)
}) RemoteAccountInfo {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	account, err := c.Await(ctx)
	require.NoError(t, err)
	return account
}

func TestRequestsServedInArrivalOrder(t *testing.T) {
	ctx := context.Background()
	c, err := NewCoordinator(ctx, kv.NewMemoryStore(), "Arbitrum", blockingAttempt)
	require.NoError(t, err)
	defer c.Close()

	first, err := c.RequestAccount(ctx)
	require.NoError(t, err)
	second, err := c.RequestAccount(ctx)
	require.NoError(t, err)

	assert.Equal(t, uint64(2), c.Waiting())
	assert.Equal(t, 2, c.Outstanding())
	assert.Equal(t, uint64(2), c.Attempts(), "one attempt per waiter")

	b := RemoteAccountInfo{Chain: "Arbitrum", Address: "0xbbb"}
	a := RemoteAccountInfo{Chain: "Arbitrum", Address: "0xaaa"}
	require.NoError(t, c.HandleReady(ctx, b))
	require.NoError(t, c.HandleReady(ctx, a))

	assert.Equal(t, b, awaitAccount(t, first))
	assert.Equal(t, a, awaitAccount(t, second))
	assert.Equal(t, 0, c.Outstanding())
	assert.Equal(t, uint64(0), c.ReadyCount())
}

func TestReadyAccountsAreBuffered(t *testing.T) {
	ctx := context.Background()
	c, err := NewCoordinator(ctx, kv.NewMemoryStore(), "Base", blockingAttempt)
	require.NoError(t, err)
	defer c.Close()

	a := RemoteAccountInfo{Chain: "Base", Address: "0xa"}
	b := RemoteAccountInfo{Chain: "Base", Address: "0xb"}
	require.NoError(t, c.HandleReady(ctx, a))
	require.NoError(t, c.HandleReady(ctx, b))
	assert.Equal(t, uint64(2), c.ReadyCount())
	assert.Equal(t, 0, c.Outstanding(), "outstanding never goes negative")

	first, err := c.RequestAccount(ctx)
	require.NoError(t, err)
	second, err := c.RequestAccount(ctx)
	require.NoError(t, err)

	assert.True(t, first.Settled(), "pooled accounts are handed out immediately")
	assert.Equal(t, a, awaitAccount(t, first))
	assert.Equal(t, b, awaitAccount(t, second))
	assert.Equal(t, uint64(0), c.Attempts())
}

func TestFailedAttemptsAreRetried(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)

	var calls atomic.Int32
	attempt := func(context.Context) (RemoteAccountInfo, error) {
		if calls.Add(1) < 3 {
			return RemoteAccountInfo{}, errors.New("chain unavailable")
		}
		return RemoteAccountInfo{Chain: "Avalanche", Address: "0xc"}, nil
	}

	c, err := NewCoordinator(ctx, kv.NewMemoryStore(), "Avalanche", attempt, WithLogger(zap.New(core)))
	require.NoError(t, err)
	defer c.Close()

	f, err := c.RequestAccount(ctx)
	require.NoError(t, err)

	assert.Equal(t, "0xc", awaitAccount(t, f).Address)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, logs.FilterMessage("provisioning attempt failed, retrying").Len())
	assert.Equal(t, 0, c.Outstanding())
}

func TestFailureIsNeverDeliveredToWaiter(t *testing.T) {
	ctx := context.Background()
	c, err := NewCoordinator(ctx, kv.NewMemoryStore(), "Optimism", blockingAttempt)
	require.NoError(t, err)
	defer c.Close()

	f, err := c.RequestAccount(ctx)
	require.NoError(t, err)

	c.HandleFailure(ctx, errors.New("rejected"))
	assert.False(t, f.Settled())
	assert.Equal(t, uint64(2), c.Attempts())
	assert.Equal(t, 1, c.Outstanding())
}

func TestRetryPolicyDelay(t *testing.T) {
	assert.Zero(t, RetryPolicy{}.Delay(5), "zero policy retries immediately")

	p := RetryPolicy{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, p.Delay(1))
	assert.Equal(t, 20*time.Millisecond, p.Delay(2))
	assert.Equal(t, 40*time.Millisecond, p.Delay(3))
	assert.Equal(t, 50*time.Millisecond, p.Delay(4))
	assert.Equal(t, 50*time.Millisecond, p.Delay(100))

	p.Jitter = true
	for i := 1; i < 10; i++ {
		d := p.Delay(i)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, 50*time.Millisecond)
	}
}

func TestRetryPolicyDelaysNextAttempt(t *testing.T) {
	ctx := context.Background()

	var calls atomic.Int32
	var firstFailure time.Time
	var retriedAt time.Time
	attempt := func(context.Context) (RemoteAccountInfo, error) {
		if calls.Add(1) == 1 {
			firstFailure = time.Now()
			return RemoteAccountInfo{}, errors.New("try later")
		}
		retriedAt = time.Now()
		return RemoteAccountInfo{Address: "0xd"}, nil
	}

	c, err := NewCoordinator(ctx, kv.NewMemoryStore(), "Polygon", attempt,
		WithRetryPolicy(RetryPolicy{Base: 30 * time.Millisecond}))
	require.NoError(t, err)
	defer c.Close()

	f, err := c.RequestAccount(ctx)
	require.NoError(t, err)
	awaitAccount(t, f)
	assert.GreaterOrEqual(t, retriedAt.Sub(firstFailure), 30*time.Millisecond)
}

func TestCloseRejectsWaiters(t *testing.T) {
	ctx := context.Background()
	c, err := NewCoordinator(ctx, kv.NewMemoryStore(), "Arbitrum", blockingAttempt)
	require.NoError(t, err)

	f, err := c.RequestAccount(ctx)
	require.NoError(t, err)

	c.Close()
	_, err = f.Await(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = c.RequestAccount(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReadyPoolSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()

	c, err := NewCoordinator(ctx, store, "Base", blockingAttempt)
	require.NoError(t, err)
	a := RemoteAccountInfo{Chain: "Base", Address: "0xa"}
	require.NoError(t, c.HandleReady(ctx, a))
	_, err = c.RequestAccount(ctx)
	require.NoError(t, err)
	c.Close()

	core, logs := observer.New(zapcore.WarnLevel)
	restarted, err := NewCoordinator(ctx, store, "Base", blockingAttempt, WithLogger(zap.New(core)))
	require.NoError(t, err)
	defer restarted.Close()

	assert.Equal(t, uint64(0), restarted.Waiting())
	assert.Equal(t, uint64(0), restarted.ReadyCount(), "the pooled account went to the request")
	assert.Equal(t, 0, logs.Len())

	require.NoError(t, restarted.HandleReady(ctx, a))
	again, err := NewCoordinator(ctx, store, "Base", blockingAttempt)
	require.NoError(t, err)
	defer again.Close()
	f, err := again.RequestAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, a, awaitAccount(t, f))
}

func TestOrphanWaitersDroppedOnRestart(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()

	c, err := NewCoordinator(ctx, store, "Base", blockingAttempt)
	require.NoError(t, err)
	_, err = c.RequestAccount(ctx)
	require.NoError(t, err)
	c.Close()

	core, logs := observer.New(zapcore.WarnLevel)
	restarted, err := NewCoordinator(ctx, store, "Base", blockingAttempt, WithLogger(zap.New(core)))
	require.NoError(t, err)
	defer restarted.Close()

	assert.Equal(t, uint64(0), restarted.Waiting())
	dropped := logs.FilterMessage("dropping waiters from a previous run").All()
	require.Len(t, dropped, 1)
	assert.Len(t, dropped[0].ContextMap()["waiters"], 1)
}

func TestManagerCreatesOneCoordinatorPerKey(t *testing.T) {
	ctx := context.Background()

	var created atomic.Int32
	m := NewManager(kv.NewMemoryStore(), func(key string) (Attempt[RemoteAccountInfo], error) {
		if key == "" {
			return nil, errors.New("empty key")
		}
		created.Add(1)
		var n atomic.Int32
		return func(context.Context) (RemoteAccountInfo, error) {
			return RemoteAccountInfo{Chain: key, Address: key + "-" + string(rune('0'+n.Add(1)))}, nil
		}, nil
	})
	defer m.Close()

	f1, err := m.RequestAccount(ctx, "Arbitrum")
	require.NoError(t, err)
	f2, err := m.RequestAccount(ctx, "Arbitrum")
	require.NoError(t, err)
	f3, err := m.RequestAccount(ctx, "Base")
	require.NoError(t, err)

	assert.Equal(t, "Arbitrum", awaitAccount(t, f1).Chain)
	assert.Equal(t, "Arbitrum", awaitAccount(t, f2).Chain)
	assert.Equal(t, "Base", awaitAccount(t, f3).Chain)
	assert.Equal(t, int32(2), created.Load())
	assert.ElementsMatch(t, []string{"Arbitrum", "Base"}, m.Keys())

	_, err = m.RequestAccount(ctx, "")
	assert.Error(t, err)
}
