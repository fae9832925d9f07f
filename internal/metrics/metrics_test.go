package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/heroes/internal/apperr"
	"github.com/matheus3301/heroes/internal/bus"
	"github.com/matheus3301/heroes/internal/chat"
	"github.com/matheus3301/heroes/internal/connectivity"
	"github.com/matheus3301/heroes/internal/kv"
	"github.com/matheus3301/heroes/internal/queue"
	"github.com/matheus3301/heroes/internal/retry"
	"github.com/matheus3301/heroes/internal/status"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveQueueEvents(t *testing.T) {
	m := New()
	a := queue.QueuedAction{ID: "a1", Type: queue.TypeCreateRequest}

	m.Observe(bus.Event{Kind: bus.KindQueueEnqueued, Payload: queue.ActionEvent{Action: a, Depth: 1}})
	m.Observe(bus.Event{Kind: bus.KindQueueActionRetained, Payload: queue.ActionEvent{Action: a, Category: apperr.Network, Depth: 1}})
	m.Observe(bus.Event{Kind: bus.KindQueueActionFailed, Payload: queue.ActionEvent{Action: a, Category: apperr.Validation}})
	m.Observe(bus.Event{Kind: bus.KindQueueDrained, Payload: queue.DrainEvent{Depth: 0}})
	m.Observe(bus.Event{Kind: bus.KindQueueCleared, Payload: queue.DrainEvent{}})

	assert.Equal(t, 0.0, testutil.ToFloat64(m.QueueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueDrains))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueActions.WithLabelValues(queue.TypeCreateRequest, "retained", "network")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueActions.WithLabelValues(queue.TypeCreateRequest, "failed", "validation")))
}

func TestObserveRoomStates(t *testing.T) {
	m := New()
	change := func(from, to status.State) {
		m.Observe(bus.Event{Kind: bus.KindRoomStatusChanged, Payload: status.StatusChange{RoomID: "r", From: from, To: to}})
	}
	change(status.Disconnected, status.Connecting)
	change(status.Connecting, status.Connected)
	change(status.Disconnected, status.Connecting)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RoomStates.WithLabelValues("CONNECTED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RoomStates.WithLabelValues("CONNECTING")))

	change(status.Connected, status.Disconnected)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RoomStates.WithLabelValues("CONNECTED")))
}

func TestObserveConnectivityAndChat(t *testing.T) {
	m := New()
	m.Observe(bus.Event{Kind: bus.KindConnectivityChanged, Payload: connectivity.Change{Connected: true}})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Online))

	m.Observe(bus.Event{Kind: bus.KindChatMessageAdded, Payload: chat.MessageEvent{Message: chat.Message{State: chat.Pending}}})
	m.Observe(bus.Event{Kind: bus.KindChatMessageUpdated, Payload: chat.MessageEvent{Message: chat.Message{State: chat.Confirmed}}})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChatMessages.WithLabelValues("added", "pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChatMessages.WithLabelValues("updated", "confirmed")))
}

func TestCollectorFollowsQueue(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	m := New()
	c := NewCollector(m, b, nil)
	c.Start(ctx)
	defer c.Stop()

	q := queue.New(kv.NewMemory(), retry.DefaultPolicy, queue.WithBus(b))
	_, err := q.Enqueue(ctx, queue.TypeCancelRequest, map[string]any{"request_id": "r1"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queue.TypeCancelRequest, map[string]any{"request_id": "r2"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.QueueDepth) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestMetricsEndpoint(t *testing.T) {
	m := New()
	m.Online.Set(1)
	srv := httptest.NewServer(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "heroes_online 1"))
}
