package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/heroes/internal/apperr"
	"github.com/matheus3301/heroes/internal/chat"
	"github.com/matheus3301/heroes/internal/kv"
	"github.com/matheus3301/heroes/internal/queue"
	"github.com/matheus3301/heroes/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	Method string
	Path   string
	Query  string
	Key    string
	Auth   string
	Body   map[string]any
}

type fakeAPI struct {
	mu    sync.Mutex
	calls []recorded
	// reply overrides the default 201 response when set.
	reply func(w http.ResponseWriter, r *http.Request) bool
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	f.calls = append(f.calls, recorded{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Key:    r.Header.Get(IdempotencyHeader),
		Auth:   r.Header.Get("Authorization"),
		Body:   body,
	})
	reply := f.reply
	f.mu.Unlock()

	if reply != nil && reply(w, r) {
		return
	}
	row := map[string]any{"id": "row-1"}
	for k, v := range body {
		row[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode([]map[string]any{row})
}

func (f *fakeAPI) recorded() []recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recorded(nil), f.calls...)
}

func newTestClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return NewClient(Config{URL: srv.URL + "/", APIKey: "anon-key", Timeout: 2 * time.Second}, nil)
}

func TestCreateRequestSendsRow(t *testing.T) {
	api := &fakeAPI{}
	c := newTestClient(t, api)

	row, err := c.CreateRequest(context.Background(), map[string]any{"title": "Fix sink"})
	require.NoError(t, err)
	assert.Equal(t, "row-1", row["id"])

	calls := api.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, http.MethodPost, calls[0].Method)
	assert.Equal(t, "/rest/v1/service_requests", calls[0].Path)
	assert.Equal(t, "Bearer anon-key", calls[0].Auth)
	assert.Empty(t, calls[0].Key)
}

func TestErrorBodyBecomesStatusError(t *testing.T) {
	api := &fakeAPI{reply: func(w http.ResponseWriter, _ *http.Request) bool {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"message":"duplicate key value violates unique constraint","code":"23505","hint":"offer exists"}`))
		return true
	}}
	c := newTestClient(t, api)

	_, err := c.CreateOffer(context.Background(), map[string]any{"request_id": "r1", "hero_id": "h1"})
	var se *apperr.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 409, se.Status)
	assert.Equal(t, "23505", se.Code)
	assert.Equal(t, "offer exists", se.Hint)
	assert.Equal(t, apperr.Conflict, apperr.Classify(err).Category)
}

func TestPlainTextErrorBody(t *testing.T) {
	api := &fakeAPI{reply: func(w http.ResponseWriter, _ *http.Request) bool {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream went away"))
		return true
	}}
	c := newTestClient(t, api)

	_, err := c.CreateRequest(context.Background(), map[string]any{"title": "x"})
	var se *apperr.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "upstream went away", se.Message)
	assert.Equal(t, apperr.Server, apperr.Classify(err).Category)
}

func TestUnreachableServerIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c := NewClient(Config{URL: url, Timeout: time.Second}, nil)

	_, err := c.CreateRequest(context.Background(), map[string]any{"title": "x"})
	require.Error(t, err)
	assert.Equal(t, apperr.Network, apperr.Classify(err).Category)
}

func TestUpdateWithNoMatchingRowIsNotFound(t *testing.T) {
	api := &fakeAPI{reply: func(w http.ResponseWriter, _ *http.Request) bool {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("[]"))
		return true
	}}
	c := newTestClient(t, api)

	_, err := c.UpdateRequest(context.Background(), "missing", map[string]any{"status": "completed"})
	assert.Equal(t, apperr.NotFound, apperr.Classify(err).Category)
	assert.Equal(t, "id=eq.missing", api.recorded()[0].Query)
}

type fakeDeliverer struct {
	mu    sync.Mutex
	calls [][4]string
	err   error
}

func (d *fakeDeliverer) Deliver(_ context.Context, roomID, localID, senderID, text string) (chat.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, [4]string{roomID, localID, senderID, text})
	if d.err != nil {
		return chat.Message{}, d.err
	}
	return chat.Message{ID: "srv-1", LocalID: localID, State: chat.Confirmed}, nil
}

func TestHandlersReplayQueuedMutations(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{}
	c := newTestClient(t, api)
	deliverer := &fakeDeliverer{}

	reg := queue.Registry{}
	Register(reg, c, deliverer)

	q := queue.New(kv.NewMemory(), retry.DefaultPolicy)
	create, err := q.Enqueue(ctx, queue.TypeCreateRequest, map[string]any{"title": "Walk the dog"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queue.TypeUpdateRequestStatus, map[string]any{"request_id": "r1", "status": "in_progress"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queue.TypeCancelRequest, map[string]any{"request_id": "r2", "reason": "changed my mind"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queue.TypeAcceptRequest, map[string]any{"request_id": "r3", "hero_id": "h1"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queue.TypeSendChatMessage, map[string]any{"room_id": "r3", "local_id": "l1", "sender_id": "c1", "text": "on my way?"})
	require.NoError(t, err)

	res, err := q.Process(ctx, reg)
	require.NoError(t, err)
	assert.Equal(t, queue.Result{Processed: 5}, res)

	calls := api.recorded()
	require.Len(t, calls, 4)

	assert.Equal(t, create.ID, calls[0].Key)
	assert.Equal(t, "open", calls[0].Body["status"])

	assert.Equal(t, http.MethodPatch, calls[1].Method)
	assert.Equal(t, "id=eq.r1", calls[1].Query)
	assert.Equal(t, map[string]any{"status": "in_progress"}, calls[1].Body)

	assert.Equal(t, map[string]any{"status": "cancelled", "cancel_reason": "changed my mind"}, calls[2].Body)

	assert.Equal(t, "/rest/v1/request_offers", calls[3].Path)

	require.Len(t, deliverer.calls, 1)
	assert.Equal(t, [4]string{"r3", "l1", "c1", "on my way?"}, deliverer.calls[0])
}

func TestInvalidPayloadIsDroppedAsValidation(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{}
	reg := queue.Registry{}
	Register(reg, newTestClient(t, api), nil)

	q := queue.New(kv.NewMemory(), retry.DefaultPolicy)
	_, err := q.Enqueue(ctx, queue.TypeUpdateRequestStatus, map[string]any{"request_id": "r1", "status": "teleported"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queue.TypeAcceptRequest, map[string]any{"request_id": "r1"})
	require.NoError(t, err)

	res, err := q.Process(ctx, reg)
	require.NoError(t, err)
	assert.Equal(t, queue.Result{Failed: 2}, res)
	assert.Empty(t, api.recorded())
}

func TestServerErrorIsRetained(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{reply: func(w http.ResponseWriter, _ *http.Request) bool {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"message":"service unavailable"}`))
		return true
	}}
	reg := queue.Registry{}
	Register(reg, newTestClient(t, api), nil)

	q := queue.New(kv.NewMemory(), retry.DefaultPolicy)
	a, err := q.Enqueue(ctx, queue.TypeCancelRequest, map[string]any{"request_id": "r1"})
	require.NoError(t, err)

	res, err := q.Process(ctx, reg)
	require.NoError(t, err)
	assert.Equal(t, queue.Result{Retained: 1}, res)

	actions, err := q.Actions(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, 1, actions[0].RetryCount)
	assert.Equal(t, apperr.Server, actions[0].LastCategory)
	// Both attempts carry the same key.
	_, _ = q.Process(ctx, reg)
	calls := api.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, a.ID, calls[0].Key)
	assert.Equal(t, a.ID, calls[1].Key)
}

func TestPayloadActionIDOutsideQueue(t *testing.T) {
	api := &fakeAPI{}
	reg := queue.Registry{}
	Register(reg, newTestClient(t, api), nil)

	err := reg[queue.TypeCreateRequest](context.Background(), map[string]any{"title": "x", ActionIDField: "client-key"})
	require.NoError(t, err)

	calls := api.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "client-key", calls[0].Key)
	assert.NotContains(t, calls[0].Body, ActionIDField)
}
