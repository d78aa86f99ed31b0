package remote

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/matheus3301/chatcore/internal/chat"
)

// Wrap maps a backend error onto the chat error taxonomy. Errors already
// carrying a kind pass through unchanged.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *chat.Error
	if errors.As(err, &ce) {
		return err
	}
	return chat.E(KindOf(err), op, err)
}

// KindOf returns the taxonomy kind for a gRPC-status error.
func KindOf(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return chat.ErrTransient
	}
	switch status.Code(err) {
	case codes.NotFound:
		return chat.ErrNotFound
	case codes.PermissionDenied, codes.Unauthenticated, codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return chat.ErrPermission
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted, codes.Internal, codes.Canceled:
		return chat.ErrTransient
	}
	return chat.ErrTransient
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, chat.ErrNotFound) || status.Code(err) == codes.NotFound
}
