// Package realtime is the websocket transport behind chat rooms. One
// connection is multiplexed across every subscribed room.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/matheus3301/heroes/internal/apperr"
	"github.com/matheus3301/heroes/internal/chat"
	"github.com/matheus3301/heroes/internal/retry"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrStopped is returned for requests made after Stop.
var ErrStopped = errors.New("realtime: client stopped")

// ConnectivitySink receives socket up/down transitions.
type ConnectivitySink interface {
	Set(connected bool, source string) bool
}

// Config configures the client.
type Config struct {
	URL            string
	Token          string
	SendRate       float64 // frames per second
	SendBurst      int
	RequestTimeout time.Duration
}

type roomSub struct {
	ev chat.Events
	// active is set once the server confirmed the subscription; only active
	// rooms are resubscribed after a reconnect.
	active bool
}

// Client keeps one websocket connection alive and implements chat.Transport.
type Client struct {
	cfg     Config
	policy  retry.Policy
	sink    ConnectivitySink
	logger  *zap.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	ws      *websocket.Conn
	ready   chan struct{} // closed while connected
	stopped bool
	rooms   map[string]*roomSub
	pending map[string]chan Frame
	resub   map[string]string // ref -> room id

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a client. Call Start to connect.
func New(cfg Config, policy retry.Policy, sink ConnectivitySink, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = 1
	}
	return &Client{
		cfg:     cfg,
		policy:  policy,
		sink:    sink,
		logger:  logger,
		limiter: rate.NewLimiter(limit, cfg.SendBurst),
		ready:   make(chan struct{}),
		rooms:   make(map[string]*roomSub),
		pending: make(map[string]chan Frame),
		resub:   make(map[string]string),
	}
}

// Start begins dialing in the background and reconnects until Stop.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		c.run(ctx)
	}()
}

// Stop closes the connection and waits for the loop to exit.
func (c *Client) Stop() {
	c.mu.Lock()
	c.stopped = true
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "client stopping")
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
	}
}

// Connected reports whether the socket is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

func (c *Client) run(ctx context.Context) {
	attempt := 0
	for {
		ws, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := c.policy.NextDelay(attempt)
			attempt++
			c.logger.Warn("realtime dial failed",
				zap.Error(err),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		attempt = 0
		c.online(ctx, ws)
		err = c.readLoop(ctx, ws)
		c.offline(err)
		ws.CloseNow()
		if !sleep(ctx, c.policy.NextDelay(0)) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(dialCtx, c.cfg.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(1 << 20)
	return ws, nil
}

func (c *Client) online(ctx context.Context, ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	close(c.ready)
	refs := make(map[string]string)
	for id, sub := range c.rooms {
		if sub.active {
			ref := uuid.NewString()
			c.resub[ref] = id
			refs[ref] = id
		}
	}
	c.mu.Unlock()

	c.logger.Info("realtime connected", zap.String("url", c.cfg.URL), zap.Int("rooms", len(refs)))
	if c.sink != nil {
		c.sink.Set(true, "realtime")
	}
	for ref, id := range refs {
		if err := c.write(ctx, Frame{Type: FrameSubscribe, Ref: ref, RoomID: id}); err != nil {
			c.logger.Warn("resubscribe failed", zap.String("room_id", id), zap.Error(err))
		}
	}
}

func (c *Client) offline(cause error) {
	c.mu.Lock()
	c.ws = nil
	c.ready = make(chan struct{})
	for ref, ch := range c.pending {
		select {
		case ch <- ErrorFrame(ref, 0, apperr.CodeNetwork, "realtime connection lost"):
		default:
		}
	}
	clear(c.resub)
	var affected []chat.Events
	for _, sub := range c.rooms {
		if sub.active {
			affected = append(affected, sub.ev)
		}
	}
	c.mu.Unlock()

	if websocket.CloseStatus(cause) == websocket.StatusNormalClosure {
		c.logger.Info("realtime connection closed")
	} else {
		c.logger.Warn("realtime connection lost", zap.Error(cause))
	}
	if c.sink != nil {
		c.sink.Set(false, "realtime")
	}
	for _, ev := range affected {
		if ev.OnStatus != nil {
			ev.OnStatus(chat.TransportReconnecting, cause)
		}
	}
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f Frame) {
	c.mu.Lock()
	if f.Ref != "" {
		if ch, ok := c.pending[f.Ref]; ok {
			c.mu.Unlock()
			select {
			case ch <- f:
			default:
			}
			return
		}
		if roomID, ok := c.resub[f.Ref]; ok {
			delete(c.resub, f.Ref)
			sub := c.rooms[roomID]
			c.mu.Unlock()
			if sub == nil || sub.ev.OnStatus == nil {
				return
			}
			if f.Type == FrameError {
				sub.ev.OnStatus(chat.TransportClosed, f.Err())
				c.forget(roomID)
				return
			}
			sub.ev.OnStatus(chat.TransportConnected, nil)
			return
		}
	}
	sub := c.rooms[f.RoomID]
	c.mu.Unlock()
	if sub == nil {
		return
	}

	switch f.Type {
	case FrameMessage:
		msg, err := f.ParseMessage()
		if err != nil {
			c.logger.Warn("dropping malformed message", zap.String("room_id", f.RoomID), zap.Error(err))
			return
		}
		if sub.ev.OnMessage != nil {
			sub.ev.OnMessage(msg)
		}
	case FramePresence:
		if sub.ev.OnPresence != nil {
			sub.ev.OnPresence(f.Online)
		}
	}
}

func (c *Client) forget(roomID string) {
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
}

// waitConn blocks until the socket is up.
func (c *Client) waitConn(ctx context.Context) (*websocket.Conn, error) {
	for {
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return nil, ErrStopped
		}
		ws, ready := c.ws, c.ready
		c.mu.Unlock()
		if ws != nil {
			return ws, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ready:
		}
	}
}

func (c *Client) write(ctx context.Context, f Frame) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	ws, err := c.waitConn(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		return &apperr.StatusError{Code: apperr.CodeNetwork, Message: err.Error()}
	}
	return nil
}

// request writes f with a fresh ref and waits for the correlated reply.
func (c *Client) request(ctx context.Context, f Frame) (Frame, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	f.Ref = uuid.NewString()
	reply := make(chan Frame, 1)
	c.mu.Lock()
	c.pending[f.Ref] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, f.Ref)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, f); err != nil {
		return Frame{}, err
	}
	select {
	case r := <-reply:
		if r.Type == FrameError {
			return r, r.Err()
		}
		return r, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Subscribe joins a room. Events start flowing as soon as the server confirms.
func (c *Client) Subscribe(ctx context.Context, roomID string, ev chat.Events) (chat.Channel, error) {
	sub := &roomSub{ev: ev}
	c.mu.Lock()
	c.rooms[roomID] = sub
	c.mu.Unlock()

	if _, err := c.request(ctx, Frame{Type: FrameSubscribe, RoomID: roomID}); err != nil {
		c.mu.Lock()
		if c.rooms[roomID] == sub {
			delete(c.rooms, roomID)
		}
		c.mu.Unlock()
		return nil, err
	}

	c.mu.Lock()
	sub.active = true
	c.mu.Unlock()
	return &channel{client: c, roomID: roomID, sub: sub}, nil
}

// Send posts a message and returns the server-confirmed copy.
func (c *Client) Send(ctx context.Context, msg chat.OutgoingMessage) (chat.Message, error) {
	reply, err := c.request(ctx, Frame{
		Type:     FrameSend,
		RoomID:   msg.RoomID,
		ClientID: msg.LocalID,
		SenderID: msg.SenderID,
		Text:     msg.Text,
	})
	if err != nil {
		return chat.Message{}, err
	}
	out, err := reply.ParseMessage()
	if err != nil {
		return chat.Message{}, fmt.Errorf("decode ack: %w", err)
	}
	if out.LocalID == "" {
		out.LocalID = msg.LocalID
	}
	return out, nil
}

type channel struct {
	client *Client
	roomID string
	sub    *roomSub
	once   sync.Once
}

// Close leaves the room. The unsubscribe frame is best effort.
func (ch *channel) Close() error {
	var err error
	ch.once.Do(func() {
		c := ch.client
		c.mu.Lock()
		if c.rooms[ch.roomID] == ch.sub {
			delete(c.rooms, ch.roomID)
		}
		up := c.ws != nil
		c.mu.Unlock()
		if !up {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()
		err = c.write(ctx, Frame{Type: FrameUnsubscribe, RoomID: ch.roomID})
	})
	return err
}
