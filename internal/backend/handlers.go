package backend

import (
	"context"
	"fmt"
	"maps"
	"net/http"

	"github.com/matheus3301/heroes/internal/apperr"
	"github.com/matheus3301/heroes/internal/chat"
	"github.com/matheus3301/heroes/internal/queue"
)

// Request statuses written by the mutation handlers.
const (
	StatusOpen       = "open"
	StatusAccepted   = "accepted"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

var validStatuses = map[string]bool{
	StatusOpen:       true,
	StatusAccepted:   true,
	StatusInProgress: true,
	StatusCompleted:  true,
	StatusCancelled:  true,
}

// ChatDeliverer sends a previously parked chat message.
type ChatDeliverer interface {
	Deliver(ctx context.Context, roomID, localID, senderID, text string) (chat.Message, error)
}

// Register binds every queued mutation type to its handler. deliverer may be
// nil when chat is not running; chat actions then fail as unknown.
func Register(reg queue.Registry, c *Client, deliverer ChatDeliverer) {
	reg.Register(queue.TypeCreateRequest, func(ctx context.Context, p map[string]any) error {
		ctx, fields := keyed(ctx, p)
		if _, err := required(fields, "title"); err != nil {
			return err
		}
		if _, ok := fields["status"]; !ok {
			fields["status"] = StatusOpen
		}
		_, err := c.CreateRequest(ctx, fields)
		return err
	})

	reg.Register(queue.TypeUpdateRequestStatus, func(ctx context.Context, p map[string]any) error {
		ctx, fields := keyed(ctx, p)
		id, err := required(fields, "request_id")
		if err != nil {
			return err
		}
		st, err := required(fields, "status")
		if err != nil {
			return err
		}
		if !validStatuses[st] {
			return invalid("invalid input: unknown status %q", st)
		}
		_, err = c.UpdateRequest(ctx, id, map[string]any{"status": st})
		return err
	})

	reg.Register(queue.TypeCancelRequest, func(ctx context.Context, p map[string]any) error {
		ctx, fields := keyed(ctx, p)
		id, err := required(fields, "request_id")
		if err != nil {
			return err
		}
		patch := map[string]any{"status": StatusCancelled}
		if reason, ok := fields["reason"].(string); ok && reason != "" {
			patch["cancel_reason"] = reason
		}
		_, err = c.UpdateRequest(ctx, id, patch)
		return err
	})

	reg.Register(queue.TypeAcceptRequest, func(ctx context.Context, p map[string]any) error {
		ctx, fields := keyed(ctx, p)
		if _, err := required(fields, "request_id"); err != nil {
			return err
		}
		if _, err := required(fields, "hero_id"); err != nil {
			return err
		}
		_, err := c.CreateOffer(ctx, fields)
		return err
	})

	reg.Register(queue.TypeSendChatMessage, func(ctx context.Context, p map[string]any) error {
		if deliverer == nil {
			return fmt.Errorf("chat delivery is not available")
		}
		roomID, err := required(p, "room_id")
		if err != nil {
			return err
		}
		localID, err := required(p, "local_id")
		if err != nil {
			return err
		}
		text, err := required(p, "text")
		if err != nil {
			return err
		}
		sender, _ := p["sender_id"].(string)
		_, err = deliverer.Deliver(ctx, roomID, localID, sender, text)
		return err
	})
}

// keyed copies the payload without the idempotency field and moves that field
// into ctx unless the queue already set one.
func keyed(ctx context.Context, p map[string]any) (context.Context, map[string]any) {
	fields := maps.Clone(p)
	if fields == nil {
		fields = make(map[string]any)
	}
	id, _ := fields[ActionIDField].(string)
	delete(fields, ActionIDField)
	if _, ok := queue.ActionID(ctx); !ok && id != "" {
		ctx = queue.WithActionID(ctx, id)
	}
	return ctx, fields
}

func required(p map[string]any, key string) (string, error) {
	s, ok := p[key].(string)
	if !ok || s == "" {
		return "", invalid("%s is required", key)
	}
	return s, nil
}

func invalid(format string, args ...any) error {
	return &apperr.StatusError{Status: http.StatusBadRequest, Code: "INVALID_PAYLOAD", Message: fmt.Sprintf(format, args...)}
}
