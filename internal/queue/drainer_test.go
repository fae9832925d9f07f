package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/heroes/internal/apperr"
	"github.com/matheus3301/heroes/internal/kv"
	"github.com/matheus3301/heroes/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	online bool
	subs   []chan bool
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *fakeConn) Subscribe(buf int) (<-chan bool, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan bool, buf)
	c.subs = append(c.subs, ch)
	return ch, func() {}
}

func (c *fakeConn) set(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online == v {
		return
	}
	c.online = v
	for _, ch := range c.subs {
		ch <- v
	}
}

func TestDispatchOnlineRunsHandler(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, nil)
	conn := &fakeConn{online: true}

	var gotID string
	d := NewDispatcher(q, Registry{TypeAcceptRequest: func(ctx context.Context, _ map[string]any) error {
		gotID, _ = ActionID(ctx)
		return nil
	}}, conn, nil)

	res, err := d.Dispatch(ctx, TypeAcceptRequest, map[string]any{"request_id": "r1"})
	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.Equal(t, res.Action.ID, gotID)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestDispatchOfflineQueues(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, nil)
	called := false
	d := NewDispatcher(q, Registry{TypeCreateRequest: func(context.Context, map[string]any) error {
		called = true
		return nil
	}}, &fakeConn{}, nil)

	res, err := d.Dispatch(ctx, TypeCreateRequest, map[string]any{"title": "x"})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.False(t, called)
	assert.Zero(t, res.Action.RetryCount)

	actions, err := q.Actions(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, res.Action.ID, actions[0].ID)
}

func TestDispatchTransientFailureQueuesSameID(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, nil)
	var ids []string
	d := NewDispatcher(q, Registry{TypeCreateRequest: func(ctx context.Context, _ map[string]any) error {
		id, _ := ActionID(ctx)
		ids = append(ids, id)
		return networkErr()
	}}, &fakeConn{online: true}, nil)

	res, err := d.Dispatch(ctx, TypeCreateRequest, nil)
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, 1, res.Action.RetryCount)
	assert.Equal(t, apperr.Network, res.Action.LastCategory)

	_, err = q.Process(ctx, d.handlers)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, ids[0], ids[1])
}

func TestDispatchNonTransientFailureReturned(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, nil)
	d := NewDispatcher(q, Registry{TypeCancelRequest: func(context.Context, map[string]any) error {
		return &apperr.StatusError{Status: 403, Message: "permission denied"}
	}}, &fakeConn{online: true}, nil)

	_, err := d.Dispatch(ctx, TypeCancelRequest, nil)
	var appErr *apperr.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.Authorization, appErr.Category)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestDispatchUnknownType(t *testing.T) {
	d := NewDispatcher(newTestQueue(t, nil), Registry{}, &fakeConn{online: true}, nil)
	_, err := d.Dispatch(context.Background(), "NOPE", nil)
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestDrainerDrainsOnReconnect(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, nil)
	conn := &fakeConn{}
	_, err := q.Enqueue(ctx, TypeCreateRequest, nil)
	require.NoError(t, err)

	var calls atomic.Int32
	d := NewDrainer(q, Registry{TypeCreateRequest: func(context.Context, map[string]any) error {
		calls.Add(1)
		return nil
	}}, conn, nil)
	d.Start(ctx)
	defer d.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, calls.Load(), "offline drainer must not replay")

	conn.set(true)
	require.Eventually(t, func() bool {
		n, err := q.Size(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDrainerDrainsOnStartWhenOnline(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, nil)
	_, err := q.Enqueue(ctx, TypeCreateRequest, nil)
	require.NoError(t, err)

	d := NewDrainer(q, Registry{TypeCreateRequest: func(context.Context, map[string]any) error { return nil }}, &fakeConn{online: true}, nil)
	d.Start(ctx)
	defer d.Stop()

	require.Eventually(t, func() bool {
		n, err := q.Size(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDrainerRetriesRetainedActions(t *testing.T) {
	ctx := context.Background()
	policy := retry.Policy{MaxRetries: 5, InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2}
	q := New(kv.NewMemory(), policy)
	_, err := q.Enqueue(ctx, TypeCreateRequest, nil)
	require.NoError(t, err)

	var calls atomic.Int32
	d := NewDrainer(q, Registry{TypeCreateRequest: func(context.Context, map[string]any) error {
		if calls.Add(1) < 3 {
			return networkErr()
		}
		return nil
	}}, &fakeConn{online: true}, nil)
	d.Start(ctx)
	defer d.Stop()

	require.Eventually(t, func() bool {
		n, err := q.Size(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDrainerRetriesWhatAConcurrentDrainRetained(t *testing.T) {
	ctx := context.Background()
	policy := retry.Policy{MaxRetries: 5, InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2}
	q := New(kv.NewMemory(), policy)
	_, err := q.Enqueue(ctx, TypeCreateRequest, nil)
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	reg := Registry{TypeCreateRequest: func(context.Context, map[string]any) error {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
			return networkErr()
		}
		return nil
	}}

	manual := make(chan Result, 1)
	go func() {
		res, _ := q.Process(ctx, reg)
		manual <- res
	}()
	<-entered

	// Online from the start and never flips: the start-up pass collides
	// with the manual drain, so only the backoff timer can pick the action up.
	d := NewDrainer(q, reg, &fakeConn{online: true}, nil)
	d.Start(ctx)
	defer d.Stop()
	time.Sleep(30 * time.Millisecond)
	close(release)

	assert.Equal(t, Result{Retained: 1}, <-manual)
	require.Eventually(t, func() bool {
		n, err := q.Size(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDrainerReportsStorageFailure(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	store.FailWith = errors.New("io error")
	q := New(store, retry.DefaultPolicy)

	fatal := make(chan error, 1)
	d := NewDrainer(q, Registry{}, &fakeConn{online: true}, nil, OnFatal(func(err error) { fatal <- err }))
	d.Start(ctx)
	defer d.Stop()

	select {
	case err := <-fatal:
		assert.True(t, IsStorageError(err))
	case <-time.After(2 * time.Second):
		t.Fatal("expected fatal callback")
	}
}
