package api

import (
	"errors"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/hsync/internal/call"
	"github.com/matheus3301/hsync/internal/outbox"
	"github.com/matheus3301/hsync/internal/remote"
	hsync "github.com/matheus3301/hsync/internal/sync"
)

// toStatus maps engine errors onto gRPC codes.
func toStatus(err error) error {
	var httpErr *remote.StatusError
	code := codes.Internal
	switch {
	case errors.Is(err, remote.ErrUnauthorized):
		code = codes.Unauthenticated
	case errors.Is(err, outbox.ErrNoRecipient),
		errors.Is(err, outbox.ErrEmptyMessage),
		errors.Is(err, outbox.ErrInvalidKind):
		code = codes.InvalidArgument
	case errors.Is(err, outbox.ErrUnknownMessage),
		errors.Is(err, hsync.ErrUnknownConversation):
		code = codes.NotFound
	case errors.Is(err, call.ErrCallInProgress):
		code = codes.AlreadyExists
	case errors.Is(err, call.ErrNoCall),
		errors.Is(err, call.ErrInvalidTransition),
		errors.Is(err, outbox.ErrNotFailed),
		errors.Is(err, hsync.ErrNoThread),
		errors.Is(err, hsync.ErrNotRunning),
		errors.Is(err, hsync.ErrNotPolling):
		code = codes.FailedPrecondition
	case errors.Is(err, remote.ErrRejected),
		errors.As(err, &httpErr):
		code = codes.Unavailable
	}
	return grpcstatus.Error(code, err.Error())
}
