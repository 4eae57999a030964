package repository

import (
	"context"
	stderrors "errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"marketchat/pkg/errors"
)

// storeError maps a Firestore failure onto the error taxonomy. AppErrors raised
// inside transactions pass through unchanged.
func storeError(resource, action string, err error) error {
	if err == nil {
		return nil
	}

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Transient("Timed out while trying to "+action, err)
	}

	switch status.Code(err) {
	case codes.NotFound:
		return errors.NotFound(resource, err)
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return errors.Transient("Storage unavailable while trying to "+action, err)
	}
	return errors.Internal("Failed to "+action, err)
}
