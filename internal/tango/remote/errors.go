package remote

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/telescope-mc/internal/tango"
	"github.com/signalsfoundry/telescope-mc/model"
)

// ToStatusError maps control-system error kinds onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, model.ErrInvalidArgument):
		return codes.InvalidArgument
	case errors.Is(err, model.ErrCommandNotAllowed):
		return codes.FailedPrecondition
	case errors.Is(err, model.ErrResourceConflict):
		return codes.AlreadyExists
	case errors.Is(err, model.ErrElevationLimit):
		return codes.OutOfRange
	case errors.Is(err, model.ErrAborted):
		return codes.Aborted
	case errors.Is(err, model.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, model.ErrDeviceUnresponsive):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.Internal
	}
}

// kindOf is the reverse of codeOf.
func kindOf(c codes.Code) error {
	switch c {
	case codes.InvalidArgument:
		return model.ErrInvalidArgument
	case codes.FailedPrecondition:
		return model.ErrCommandNotAllowed
	case codes.AlreadyExists:
		return model.ErrResourceConflict
	case codes.OutOfRange:
		return model.ErrElevationLimit
	case codes.Aborted:
		return model.ErrAborted
	case codes.DeadlineExceeded:
		return model.ErrTimeout
	case codes.Unavailable, codes.Canceled:
		return model.ErrDeviceUnresponsive
	default:
		return model.ErrCommandFailed
	}
}

// FromStatusError turns an RPC error back into a tango.TransportFailure that
// unwraps to the matching model error kind. A deadline hit by the caller's
// own context is reported as an unresponsive device.
func FromStatusError(ctx context.Context, device, operation string, err error) error {
	if err == nil {
		return nil
	}
	if ctx != nil && ctx.Err() != nil {
		return tango.Unreachable(device, operation, ctx.Err().Error())
	}
	st, ok := status.FromError(err)
	if !ok {
		return tango.NewTransportFailure(device, operation, err)
	}
	return tango.NewTransportFailure(device, operation, fmt.Errorf("%w: %s", kindOf(st.Code()), st.Message()))
}
