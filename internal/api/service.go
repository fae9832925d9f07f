package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/heroes/internal/bus"
	"github.com/matheus3301/heroes/internal/chat"
	"github.com/matheus3301/heroes/internal/connectivity"
	"github.com/matheus3301/heroes/internal/queue"
	"github.com/matheus3301/heroes/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// DrainLog is the read side of the drain diagnostics table.
type DrainLog interface {
	RecentOutcomes(ctx context.Context, limit int) ([]store.DrainLogEntry, error)
	OutcomeCounts(ctx context.Context) (map[string]int, error)
}

// Deps are the components the service fronts.
type Deps struct {
	Profile    string
	Queue      *queue.Queue
	Dispatcher *queue.Dispatcher
	Drainer    *queue.Drainer
	Monitor    *connectivity.Monitor
	Chat       *chat.Manager
	Bus        *bus.Bus
	// DrainLog is nil when the profile does not keep one.
	DrainLog DrainLog
	Logger   *zap.Logger
}

// Service implements CoreServer.
type Service struct {
	deps      Deps
	startedAt time.Time
	logger    *zap.Logger
}

// NewService creates the control service.
func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{deps: d, startedAt: time.Now(), logger: logger}
}

var _ CoreServer = (*Service)(nil)

func (s *Service) Status(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	size, err := s.deps.Queue.Size(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	out := map[string]any{
		"profile":    s.deps.Profile,
		"uptime_ms":  time.Since(s.startedAt).Milliseconds(),
		"online":     s.deps.Monitor.IsConnected(),
		"queue_size": size,
		"draining":   s.deps.Queue.Draining(),
		"rooms":      s.rooms(),
	}
	if s.deps.Chat != nil {
		out["sender_id"] = s.deps.Chat.SenderID()
	}
	if s.deps.DrainLog != nil {
		if counts, err := s.deps.DrainLog.OutcomeCounts(ctx); err == nil {
			out["outcomes"] = counts
		}
	}
	return toStruct(out)
}

type roomView struct {
	RoomID    string   `json:"room_id"`
	State     string   `json:"state"`
	ReadOnly  bool     `json:"read_only"`
	Presence  []string `json:"presence"`
	LastError *errView `json:"last_error,omitempty"`
}

type errView struct {
	Category    string `json:"category"`
	Message     string `json:"message"`
	Suggestion  string `json:"suggestion"`
	RateLimited bool   `json:"rate_limited,omitempty"`
}

func (s *Service) room(id string) roomView {
	m := s.deps.Chat
	v := roomView{
		RoomID:   id,
		State:    string(m.State(id)),
		ReadOnly: m.ReadOnly(id),
		Presence: m.Presence(id),
	}
	if e := m.LastError(id); e != nil {
		v.LastError = &errView{
			Category:    string(e.Category),
			Message:     e.Message,
			Suggestion:  e.Suggestion,
			RateLimited: e.RateLimited,
		}
	}
	return v
}

func (s *Service) rooms() []roomView {
	if s.deps.Chat == nil {
		return nil
	}
	var out []roomView
	for _, id := range s.deps.Chat.Rooms() {
		out = append(out, s.room(id))
	}
	return out
}

// Enqueue runs a mutation now when online or queues it. With "queue_only"
// set it always goes to the queue.
func (s *Service) Enqueue(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	args := req.AsMap()
	typ, err := str(args, "type")
	if err != nil {
		return nil, err
	}
	payload, _ := args["payload"].(map[string]any)
	if payload == nil {
		payload = map[string]any{}
	}

	if b, _ := args["queue_only"].(bool); b || s.deps.Dispatcher == nil {
		a, err := s.deps.Queue.Enqueue(ctx, typ, payload)
		if err != nil {
			return nil, toStatus(err)
		}
		return toStruct(map[string]any{"queued": true, "action": a})
	}

	res, err := s.deps.Dispatcher.Dispatch(ctx, typ, payload)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"queued": res.Queued, "action": res.Action})
}

func (s *Service) ListQueue(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	actions, err := s.deps.Queue.Actions(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"actions": actions, "size": len(actions)})
}

func (s *Service) ClearQueue(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	size, err := s.deps.Queue.Size(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.deps.Queue.Clear(ctx); err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("queue cleared via api", zap.Int("removed", size))
	return toStruct(map[string]any{"cleared": size})
}

func (s *Service) DrainQueue(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	res, err := s.deps.Drainer.DrainNow(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{
		"processed": res.Processed,
		"failed":    res.Failed,
		"retained":  res.Retained,
	})
}

func (s *Service) DrainLog(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.deps.DrainLog == nil {
		return nil, grpcstatus.Error(codes.Unimplemented, "drain log is only kept by the sqlite store")
	}
	limit := 20
	if n, ok := req.AsMap()["limit"].(float64); ok && n > 0 {
		limit = int(n)
	}
	entries, err := s.deps.DrainLog.RecentOutcomes(ctx, limit)
	if err != nil {
		return nil, toStatus(err)
	}
	rows := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, map[string]any{
			"action_id":   e.ActionID,
			"action_type": e.ActionType,
			"outcome":     e.Outcome,
			"category":    e.Category,
			"error":       e.Error,
			"attempts":    e.Attempts,
			"recorded_at": time.UnixMilli(e.RecordedAt).UTC().Format(time.RFC3339),
		})
	}
	return toStruct(map[string]any{"entries": rows})
}

// SetConnectivity lets the shell report OS reachability.
func (s *Service) SetConnectivity(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	online, ok := req.AsMap()["online"].(bool)
	if !ok {
		return nil, grpcstatus.Error(codes.InvalidArgument, "online is required")
	}
	changed := s.deps.Monitor.Set(online, "api")
	return toStruct(map[string]any{"online": online, "changed": changed})
}

func (s *Service) SubscribeRoom(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.roomArg(req)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Chat.Subscribe(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return toStruct(s.room(id))
}

func (s *Service) UnsubscribeRoom(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.roomArg(req)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Chat.Unsubscribe(id); err != nil {
		return nil, toStatus(err)
	}
	return toStruct(s.room(id))
}

func (s *Service) SendMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.roomArg(req)
	if err != nil {
		return nil, err
	}
	text, _ := req.AsMap()["text"].(string)
	msg, err := s.deps.Chat.Send(ctx, id, text)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"message": msg})
}

func (s *Service) RetryMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.roomArg(req)
	if err != nil {
		return nil, err
	}
	localID, err := str(req.AsMap(), "local_id")
	if err != nil {
		return nil, err
	}
	msg, err := s.deps.Chat.Retry(ctx, id, localID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"message": msg})
}

func (s *Service) ListMessages(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.roomArg(req)
	if err != nil {
		return nil, err
	}
	msgs, err := s.deps.Chat.Messages(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"room": s.room(id), "messages": msgs})
}

func (s *Service) CloseRoom(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.roomArg(req)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Chat.MarkClosed(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return toStruct(s.room(id))
}

// WatchEvents streams bus events whose kind starts with the requested prefix.
func (s *Service) WatchEvents(req *structpb.Struct, stream grpc.ServerStream) error {
	prefix, _ := req.AsMap()["prefix"].(string)
	ch, unsub := s.deps.Bus.Subscribe(prefix, 64)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			out, err := toStruct(map[string]any{
				"kind":        evt.Kind,
				"occurred_at": evt.Timestamp.UTC().Format(time.RFC3339Nano),
				"payload":     evt.Payload,
			})
			if err != nil {
				s.logger.Warn("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *Service) roomArg(req *structpb.Struct) (string, error) {
	if s.deps.Chat == nil {
		return "", grpcstatus.Error(codes.Unavailable, "chat is not running")
	}
	return str(req.AsMap(), "room_id")
}

func str(args map[string]any, key string) (string, error) {
	v, _ := args[key].(string)
	if v == "" {
		return "", grpcstatus.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return v, nil
}

// toStruct converts v through its JSON form, so struct tags decide field names.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// FromStruct decodes a response into v through JSON.
func FromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return json.Unmarshal(data, v)
}
