package chat

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/heroes/internal/apperr"
	"github.com/matheus3301/heroes/internal/bus"
	"github.com/matheus3301/heroes/internal/kv"
	"github.com/matheus3301/heroes/internal/queue"
	"github.com/matheus3301/heroes/internal/retry"
	"github.com/matheus3301/heroes/internal/status"
	"go.uber.org/zap"
)

// Manager owns every room of the signed-in user. Create one per session
// and Close it on logout.
type Manager struct {
	transport Transport
	cache     kv.Store
	policy    retry.Policy
	senderID  string
	enqueuer  Enqueuer
	bus       *bus.Bus
	logger    *zap.Logger
	now       func() time.Time

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool

	stopWatch chan struct{}
	watchDone chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithEnqueuer parks sends for rooms that are not connected.
func WithEnqueuer(e Enqueuer) Option {
	return func(m *Manager) { m.enqueuer = e }
}

// WithBus publishes room and message events on b. The manager also listens
// for failed SEND_CHAT_MESSAGE replays to mark their messages failed.
func WithBus(b *bus.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager sending as senderID.
func NewManager(t Transport, cache kv.Store, policy retry.Policy, senderID string, opts ...Option) *Manager {
	m := &Manager{
		transport: t,
		cache:     cache,
		policy:    policy,
		senderID:  senderID,
		logger:    zap.NewNop(),
		now:       time.Now,
		rooms:     make(map[string]*Room),
	}
	for _, o := range opts {
		o(m)
	}
	if m.bus != nil {
		m.watchQueue()
	}
	return m
}

// SenderID returns the user messages are sent as.
func (m *Manager) SenderID() string {
	return m.senderID
}

func (m *Manager) room(roomID string) (*Room, error) {
	if roomID == "" {
		return nil, ErrUnknownRoom
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	r, ok := m.rooms[roomID]
	if !ok {
		r = newRoom(roomID, m.bus)
		m.rooms[roomID] = r
	}
	return r, nil
}

func (m *Manager) lookup(roomID string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[roomID]
}

func (m *Manager) hydrated(ctx context.Context, roomID string) (*Room, error) {
	r, err := m.room(roomID)
	if err != nil {
		return nil, err
	}
	if err := r.hydrate(ctx, m.cache); err != nil {
		return nil, err
	}
	return r, nil
}

// Rooms lists the rooms this manager has touched, sorted.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Subscribe opens the realtime channel for a room. It is a no-op while the
// room is already connecting or connected. A transport failure leaves the
// room in ERROR and is returned as *apperr.AppError. If Unsubscribe runs
// while the channel is being opened, ErrSubscribeCancelled is returned.
func (m *Manager) Subscribe(ctx context.Context, roomID string) error {
	r, err := m.hydrated(ctx, roomID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	switch r.machine.Current() {
	case status.Connecting, status.Connected:
		r.mu.Unlock()
		return nil
	}
	if err := r.machine.Transition(status.Connecting); err != nil {
		r.mu.Unlock()
		return err
	}
	r.epoch++
	epoch := r.epoch
	subCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.lastErr = nil
	r.mu.Unlock()

	m.logger.Info("subscribing to room", zap.String("room_id", roomID))
	ch, err := m.transport.Subscribe(subCtx, roomID, m.events(r, epoch))
	cancel()

	r.mu.Lock()
	if r.epoch != epoch {
		r.mu.Unlock()
		if ch != nil {
			_ = ch.Close()
		}
		m.logger.Info("subscribe cancelled", zap.String("room_id", roomID))
		return ErrSubscribeCancelled
	}
	r.cancel = nil
	if err != nil {
		appErr := apperr.Classify(err)
		r.lastErr = appErr
		_ = r.machine.Transition(status.Error)
		r.mu.Unlock()
		m.logger.Warn("room subscribe failed",
			zap.String("room_id", roomID),
			zap.String("category", string(appErr.Category)),
			zap.Error(err))
		return appErr
	}
	r.channel = ch
	_ = r.machine.Transition(status.Connected)
	r.mu.Unlock()
	m.logger.Info("room connected", zap.String("room_id", roomID))
	return nil
}

// Unsubscribe closes the room channel, or aborts a subscribe in progress.
// Unknown rooms are ignored.
func (m *Manager) Unsubscribe(roomID string) error {
	r := m.lookup(roomID)
	if r == nil {
		return nil
	}

	r.mu.Lock()
	r.epoch++
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	ch := r.channel
	r.channel = nil
	hadPresence := len(r.presence) > 0
	r.presence = nil
	if r.machine.Current() != status.Disconnected {
		_ = r.machine.Transition(status.Disconnected)
	}
	r.mu.Unlock()

	if hadPresence {
		m.bus.Emit(bus.KindChatPresenceChanged, PresenceEvent{RoomID: roomID})
	}
	if ch != nil {
		if err := ch.Close(); err != nil {
			m.logger.Warn("failed to close room channel", zap.String("room_id", roomID), zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) events(r *Room, epoch uint64) Events {
	return Events{
		OnMessage:  func(msg Message) { m.receive(r, epoch, msg) },
		OnPresence: func(online []string) { m.setPresence(r, epoch, online) },
		OnStatus:   func(s TransportStatus, err error) { m.transportStatus(r, epoch, s, err) },
	}
}

// receive appends a server-confirmed message, replacing the local echo in
// place when the message carries our local id.
func (m *Manager) receive(r *Room, epoch uint64, msg Message) {
	r.mu.Lock()
	if r.epoch != epoch || r.indexServer(msg.ID) >= 0 {
		r.mu.Unlock()
		return
	}
	kind := bus.KindChatMessageAdded
	var out Message
	if i := r.indexLocal(msg.LocalID); i >= 0 {
		r.messages[i] = confirm(r.messages[i], msg)
		out = r.messages[i]
		kind = bus.KindChatMessageUpdated
	} else {
		msg.State = Confirmed
		msg.Delivered = true
		msg.Attempts = 0
		msg.Error = ""
		if msg.RequestID == "" {
			msg.RequestID = r.id
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = m.now()
		}
		r.messages = append(r.messages, msg)
		out = msg
	}
	r.mu.Unlock()

	m.save(r)
	m.bus.Emit(kind, MessageEvent{RoomID: r.id, Message: out})
}

func (m *Manager) setPresence(r *Room, epoch uint64, online []string) {
	set := slices.Clone(online)
	sort.Strings(set)
	set = slices.Compact(set)

	r.mu.Lock()
	if r.epoch != epoch {
		r.mu.Unlock()
		return
	}
	r.presence = set
	r.mu.Unlock()

	m.bus.Emit(bus.KindChatPresenceChanged, PresenceEvent{RoomID: r.id, Online: slices.Clone(set)})
}

func (m *Manager) transportStatus(r *Room, epoch uint64, s TransportStatus, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Status during the initial handshake is reported by Subscribe itself.
	if r.epoch != epoch || r.channel == nil {
		return
	}

	cur := r.machine.Current()
	switch s {
	case TransportReconnecting:
		if cur == status.Connected {
			_ = r.machine.Transition(status.Connecting)
		}
	case TransportConnected:
		if cur == status.Connecting {
			r.lastErr = nil
			_ = r.machine.Transition(status.Connected)
		}
	case TransportClosed:
		r.channel = nil
		if err == nil {
			err = apperr.NetworkError("realtime channel closed")
		}
		r.lastErr = apperr.Classify(err)
		if cur != status.Error {
			_ = r.machine.Transition(status.Error)
		}
	}
	m.logger.Info("room transport status",
		zap.String("room_id", r.id),
		zap.String("transport", string(s)),
		zap.String("from", string(cur)),
		zap.String("to", string(r.machine.Current())))
}

// Send appends an optimistic message and delivers it. When the room is not
// connected the message is parked in the offline queue instead and returned
// still pending. A delivery failure is returned as *apperr.AppError together
// with the message in its new state.
func (m *Manager) Send(ctx context.Context, roomID, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}
	r, err := m.hydrated(ctx, roomID)
	if err != nil {
		return Message{}, err
	}

	r.mu.Lock()
	if r.readOnly {
		r.mu.Unlock()
		return Message{}, ErrRoomReadOnly
	}
	msg := Message{
		LocalID:   uuid.NewString(),
		RequestID: roomID,
		SenderID:  m.senderID,
		Text:      text,
		CreatedAt: m.now(),
		State:     Pending,
	}
	r.messages = append(r.messages, msg)
	online := r.machine.Current() == status.Connected
	r.mu.Unlock()

	if err := r.persist(ctx, m.cache); err != nil {
		return msg, err
	}
	m.bus.Emit(bus.KindChatMessageAdded, MessageEvent{RoomID: roomID, Message: msg})

	if !online && m.enqueuer != nil {
		return m.park(ctx, r, msg)
	}
	return m.deliver(ctx, r, msg.LocalID)
}

// Retry resends a failed or still pending message under the same local id.
// Confirmed messages and sends already in flight are a no-op returning the
// message as is. Cached history is loaded first, so a message left pending
// by a previous process can be resolved.
func (m *Manager) Retry(ctx context.Context, roomID, localID string) (Message, error) {
	r, err := m.hydrated(ctx, roomID)
	if err != nil {
		return Message{}, err
	}

	r.mu.Lock()
	if r.readOnly {
		r.mu.Unlock()
		return Message{}, ErrRoomReadOnly
	}
	i := r.indexLocal(localID)
	if i < 0 {
		r.mu.Unlock()
		return Message{}, ErrMessageNotFound
	}
	msg := r.messages[i]
	if msg.State == Confirmed || r.inflight[localID] {
		r.mu.Unlock()
		return msg, nil
	}
	if msg.State == Failed {
		r.messages[i].State = Pending
		r.messages[i].Attempts = 0
		r.messages[i].Error = ""
		msg = r.messages[i]
	}
	online := r.machine.Current() == status.Connected
	r.mu.Unlock()

	m.logger.Info("retrying message", zap.String("room_id", roomID), zap.String("local_id", localID))
	if !online && m.enqueuer != nil {
		if err := r.persist(ctx, m.cache); err != nil {
			return msg, err
		}
		m.bus.Emit(bus.KindChatMessageUpdated, MessageEvent{RoomID: roomID, Message: msg})
		return m.park(ctx, r, msg)
	}
	return m.deliver(ctx, r, localID)
}

// Deliver sends a message composed earlier, typically replayed from the
// offline queue. The optimistic copy is recreated if the cache lost it.
func (m *Manager) Deliver(ctx context.Context, roomID, localID, senderID, text string) (Message, error) {
	r, err := m.hydrated(ctx, roomID)
	if err != nil {
		return Message{}, err
	}
	r.mu.Lock()
	if r.indexLocal(localID) < 0 {
		if senderID == "" {
			senderID = m.senderID
		}
		r.messages = append(r.messages, Message{
			LocalID:   localID,
			RequestID: roomID,
			SenderID:  senderID,
			Text:      text,
			CreatedAt: m.now(),
			State:     Pending,
		})
	}
	r.mu.Unlock()
	return m.deliver(ctx, r, localID)
}

func (m *Manager) park(ctx context.Context, r *Room, msg Message) (Message, error) {
	_, err := m.enqueuer.Enqueue(ctx, queue.TypeSendChatMessage, map[string]any{
		"room_id":   r.id,
		"local_id":  msg.LocalID,
		"sender_id": msg.SenderID,
		"text":      msg.Text,
	})
	if err != nil {
		return msg, err
	}
	m.logger.Info("room not connected, message queued",
		zap.String("room_id", r.id),
		zap.String("local_id", msg.LocalID))
	return msg, nil
}

// deliver performs one transport send for the message with localID and
// reconciles the result in place.
func (m *Manager) deliver(ctx context.Context, r *Room, localID string) (Message, error) {
	r.mu.Lock()
	i := r.indexLocal(localID)
	if i < 0 {
		r.mu.Unlock()
		return Message{}, ErrMessageNotFound
	}
	if r.inflight[localID] || r.messages[i].State == Confirmed {
		msg := r.messages[i]
		r.mu.Unlock()
		return msg, nil
	}
	r.inflight[localID] = true
	r.messages[i].Attempts++
	r.messages[i].State = Pending
	r.messages[i].Error = ""
	pending := r.messages[i]
	r.mu.Unlock()

	// The attempt is recorded before the network call so a crash mid-send
	// leaves a retryable message behind.
	if err := r.persist(ctx, m.cache); err != nil {
		r.mu.Lock()
		delete(r.inflight, localID)
		r.mu.Unlock()
		return pending, err
	}

	sent, sendErr := m.transport.Send(ctx, OutgoingMessage{
		RoomID:   r.id,
		LocalID:  localID,
		SenderID: pending.SenderID,
		Text:     pending.Text,
	})

	var appErr *apperr.AppError
	r.mu.Lock()
	delete(r.inflight, localID)
	i = r.indexLocal(localID)
	switch {
	case sendErr == nil:
		// The echo may have landed first without our local id.
		if j := r.indexServer(sent.ID); j >= 0 && j != i {
			r.messages = slices.Delete(r.messages, j, j+1)
			if j < i {
				i--
			}
		}
		r.messages[i] = confirm(r.messages[i], sent)
	case r.messages[i].State == Confirmed:
		// The echo carrying our local id arrived before the ack was lost.
	default:
		appErr = apperr.Classify(sendErr)
		r.messages[i].Error = appErr.Message
		if !m.policy.ShouldRetry(appErr, r.messages[i].Attempts) {
			r.messages[i].State = Failed
		}
	}
	out := r.messages[i]
	r.mu.Unlock()

	if err := r.persist(ctx, m.cache); err != nil {
		return out, err
	}
	m.bus.Emit(bus.KindChatMessageUpdated, MessageEvent{RoomID: r.id, Message: out})

	if appErr != nil {
		m.logger.Warn("message send failed",
			zap.String("room_id", r.id),
			zap.String("local_id", localID),
			zap.String("category", string(appErr.Category)),
			zap.Int("attempts", out.Attempts),
			zap.String("state", string(out.State)))
		return out, appErr
	}
	m.logger.Info("message delivered",
		zap.String("room_id", r.id),
		zap.String("local_id", localID),
		zap.String("message_id", out.ID))
	return out, nil
}

func confirm(local, server Message) Message {
	out := local
	out.ID = server.ID
	if !server.CreatedAt.IsZero() {
		out.CreatedAt = server.CreatedAt
	}
	if server.Text != "" {
		out.Text = server.Text
	}
	if server.SenderID != "" {
		out.SenderID = server.SenderID
	}
	out.State = Confirmed
	out.Delivered = true
	out.Error = ""
	return out
}

// markFailed gives up on a pending message whose queued replay was dropped.
func (m *Manager) markFailed(ctx context.Context, roomID, localID, reason string) {
	r, err := m.hydrated(ctx, roomID)
	if err != nil {
		m.logger.Warn("failed to load room for dropped message", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	r.mu.Lock()
	i := r.indexLocal(localID)
	if i < 0 || r.messages[i].State != Pending || r.inflight[localID] {
		r.mu.Unlock()
		return
	}
	r.messages[i].State = Failed
	r.messages[i].Error = reason
	out := r.messages[i]
	r.mu.Unlock()

	m.save(r)
	m.bus.Emit(bus.KindChatMessageUpdated, MessageEvent{RoomID: roomID, Message: out})
}

func (m *Manager) watchQueue() {
	events, unsub := m.bus.Subscribe(bus.KindQueueActionFailed, 64)
	m.stopWatch = make(chan struct{})
	m.watchDone = make(chan struct{})
	go func() {
		defer close(m.watchDone)
		defer unsub()
		for {
			select {
			case <-m.stopWatch:
				return
			case evt := <-events:
				ae, ok := evt.Payload.(queue.ActionEvent)
				if !ok || ae.Action.Type != queue.TypeSendChatMessage {
					continue
				}
				roomID, _ := ae.Action.Payload["room_id"].(string)
				localID, _ := ae.Action.Payload["local_id"].(string)
				reason := apperr.Classify(ae.Action.LastError).Message
				m.markFailed(context.Background(), roomID, localID, reason)
			}
		}
	}()
}

// save persists outside any request context; failures are logged because
// transport callbacks have nobody to return them to.
func (m *Manager) save(r *Room) {
	if err := r.persist(context.Background(), m.cache); err != nil {
		m.logger.Error("failed to persist room messages", zap.String("room_id", r.id), zap.Error(err))
	}
}

// Messages returns a copy of the room's history in arrival order.
func (m *Manager) Messages(ctx context.Context, roomID string) ([]Message, error) {
	r, err := m.hydrated(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return r.snapshot(), nil
}

// Presence returns the participants the transport last reported online.
func (m *Manager) Presence(roomID string) []string {
	r := m.lookup(roomID)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.presence)
}

// State returns the room's connection state; unknown rooms are disconnected.
func (m *Manager) State(roomID string) status.State {
	r := m.lookup(roomID)
	if r == nil {
		return status.Disconnected
	}
	return r.machine.Current()
}

// LastError returns the classified error behind the room's ERROR state.
func (m *Manager) LastError(roomID string) *apperr.AppError {
	r := m.lookup(roomID)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// ReadOnly reports whether the room was closed with MarkClosed.
func (m *Manager) ReadOnly(roomID string) bool {
	r := m.lookup(roomID)
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readOnly
}

// MarkClosed makes the room read-only once its service request is completed
// or cancelled. History is kept.
func (m *Manager) MarkClosed(ctx context.Context, roomID string) error {
	r, err := m.hydrated(ctx, roomID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.readOnly = true
	r.mu.Unlock()
	if err := m.cache.Set(ctx, closedKey(roomID), "1"); err != nil {
		return &CacheError{RoomID: roomID, Err: err}
	}
	m.logger.Info("room closed", zap.String("room_id", roomID))
	return nil
}

// Close unsubscribes every room. The manager cannot be used afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.Unsubscribe(id)
	}
	if m.stopWatch != nil {
		close(m.stopWatch)
		<-m.watchDone
	}
	return nil
}
