package wire

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fxnlabs/weft/pkg/errdefs"
)

// ToStatus converts a backend error into a gRPC status error.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(Code(err), err.Error())
}

// Code classifies err.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errdefs.IsPartialLaunch(err):
		return codes.Aborted
	case errdefs.IsNotFound(err):
		return codes.NotFound
	case errdefs.IsAllocationFailure(err):
		return codes.ResourceExhausted
	case errdefs.IsInvalidArgument(err):
		return codes.InvalidArgument
	case errors.Is(err, errdefs.ErrNotResident):
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

// FromStatus converts an error returned by a gRPC call back into the
// errdefs taxonomy. Failures that do not carry a backend error class are
// reported as errdefs.ErrTransport.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %w", errdefs.ErrTransport, err)
	}
	var class error
	switch st.Code() {
	case codes.NotFound:
		class = errdefs.ErrNotFound
	case codes.ResourceExhausted:
		class = errdefs.ErrAllocationFailure
	case codes.InvalidArgument:
		class = errdefs.ErrInvalidArgument
	case codes.Aborted:
		class = errdefs.ErrPartialLaunch
	case codes.FailedPrecondition:
		class = errdefs.ErrNotResident
	case codes.DeadlineExceeded:
		class = context.DeadlineExceeded
	case codes.Canceled:
		class = context.Canceled
	default:
		class = errdefs.ErrTransport
	}
	return fmt.Errorf("%s: %w", st.Message(), class)
}
