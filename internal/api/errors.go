package api

import (
	"context"
	"errors"

	"github.com/matheus3301/heroes/internal/apperr"
	"github.com/matheus3301/heroes/internal/chat"
	"github.com/matheus3301/heroes/internal/queue"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

var categoryCodes = map[apperr.Category]codes.Code{
	apperr.Network:        codes.Unavailable,
	apperr.Validation:     codes.InvalidArgument,
	apperr.Authentication: codes.Unauthenticated,
	apperr.Authorization:  codes.PermissionDenied,
	apperr.NotFound:       codes.NotFound,
	apperr.Conflict:       codes.AlreadyExists,
	apperr.Server:         codes.Internal,
	apperr.Unknown:        codes.Unknown,
}

// toStatus maps domain errors onto gRPC codes. Classified errors carry the
// user-facing message so a client can show it as is.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}

	var storageErr *queue.StorageError
	var appErr *apperr.AppError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.FromContextError(err).Err()
	case errors.Is(err, queue.ErrDrainInProgress), errors.Is(err, chat.ErrRoomReadOnly):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, chat.ErrSubscribeCancelled):
		return grpcstatus.Error(codes.Aborted, err.Error())
	case errors.Is(err, chat.ErrUnknownRoom), errors.Is(err, chat.ErrMessageNotFound):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, chat.ErrEmptyMessage):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, chat.ErrClosed):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	case errors.As(err, &storageErr):
		return grpcstatus.Error(codes.Internal, err.Error())
	case errors.As(err, &appErr):
		code, ok := categoryCodes[appErr.Category]
		if !ok {
			code = codes.Unknown
		}
		if appErr.RateLimited {
			code = codes.ResourceExhausted
		}
		return grpcstatus.Error(code, appErr.Message+" "+appErr.Suggestion)
	default:
		return grpcstatus.Error(codes.Internal, err.Error())
	}
}
