package service

import (
	"context"
	"errors"

	"connectrpc.com/connect"

	"github.com/mmynk/cashflow/internal/auth"
	"github.com/mmynk/cashflow/internal/backend"
	"github.com/mmynk/cashflow/internal/coordinator"
	"github.com/mmynk/cashflow/internal/models"
	"github.com/mmynk/cashflow/internal/session"
	"github.com/mmynk/cashflow/internal/storage"
)

// connectError maps domain errors to Connect codes.
func connectError(err error) *connect.Error {
	var (
		terr *storage.TransportError
		serr *coordinator.SyncError
	)
	switch {
	case errors.Is(err, models.ErrValidation):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, backend.ErrNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, storage.ErrNoIdentity), errors.Is(err, coordinator.ErrNoIdentity):
		return connect.NewError(connect.CodeUnauthenticated, auth.ErrMissingToken)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.As(err, &terr), errors.As(err, &serr),
		errors.Is(err, session.ErrClosed), errors.Is(err, coordinator.ErrDisposed):
		return connect.NewError(connect.CodeUnavailable, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}
