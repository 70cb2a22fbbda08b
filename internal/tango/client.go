// Package tango is the device transport the control hierarchy is built on:
// devices addressed by fully-qualified name that execute commands and publish
// attributes with change events. The in-process implementation lives here;
// internal/tango/remote carries the same Client contract over gRPC.
package tango

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/signalsfoundry/telescope-mc/model"
)

// DefaultTimeout bounds synchronous commands and attribute reads when the
// caller's context carries no deadline.
const DefaultTimeout = 3 * time.Second

// SubscriptionID identifies an attribute subscription.
type SubscriptionID int64

// Event is an attribute change event. Err is set instead of Value when the
// transport lost the device; consumers treat that as an unknown value.
type Event struct {
	Device    string
	Attribute string
	Value     any
	Timestamp time.Time
	Err       error
}

// CommandEvent is delivered exactly once for every CommandAsync call.
type CommandEvent struct {
	Device  string
	Command string
	Err     bool
	Errors  []string
	Argout  any
	Cause   error
}

// Result decodes the argout as a CommandResult.
func (e CommandEvent) Result() (model.CommandResult, bool) {
	return model.AsCommandResult(e.Argout)
}

// Client is a handle to one remote device.
//
// Callbacks run on transport goroutines, may fire before Subscribe returns,
// must not block and must not call back synchronously into the caller's own
// command path.
type Client interface {
	// Name returns the fully-qualified device name.
	Name() string

	// Command executes a command and waits for its argout.
	Command(ctx context.Context, command string, argin any) (any, error)

	// CommandAsync executes a command in the background; onDone is invoked
	// exactly once.
	CommandAsync(ctx context.Context, command string, argin any, onDone func(CommandEvent))

	ReadAttribute(ctx context.Context, attribute string) (any, error)
	WriteAttribute(ctx context.Context, attribute string, value any) error

	// Subscribe registers a change callback. Subscriptions are stateless: if
	// the device is not reachable yet, the transport keeps retrying and the
	// first event arrives once it appears.
	Subscribe(ctx context.Context, attribute string, fn func(Event)) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID)
}

// TransportFailure reports a remote exception with its original error list.
// It unwraps to the error kind the remote raised, or to
// model.ErrDeviceUnresponsive when the device could not be reached.
type TransportFailure struct {
	Device    string
	Operation string
	Errors    []string
	cause     error
}

// NewTransportFailure wraps cause for an operation on device.
func NewTransportFailure(device, operation string, cause error) *TransportFailure {
	var tf *TransportFailure
	if errors.As(cause, &tf) {
		return tf
	}
	f := &TransportFailure{Device: device, Operation: operation, cause: cause}
	if cause != nil {
		f.Errors = []string{cause.Error()}
	}
	return f
}

func (f *TransportFailure) Error() string {
	return fmt.Sprintf("%s %s: %s", f.Device, f.Operation, strings.Join(f.Errors, "; "))
}

func (f *TransportFailure) Unwrap() error { return f.cause }

// Unreachable builds the failure reported when device cannot be contacted.
func Unreachable(device, operation, reason string) *TransportFailure {
	return NewTransportFailure(device, operation, fmt.Errorf("%w: %s", model.ErrDeviceUnresponsive, reason))
}

// CommandResultOf runs a synchronous command and decodes its CommandResult.
// A reply whose code is not a success is returned as an error wrapping
// model.ErrCommandFailed, or model.ErrCommandNotAllowed for REJECTED.
func CommandResultOf(ctx context.Context, c Client, command string, argin any) (model.CommandResult, error) {
	argout, err := c.Command(ctx, command, argin)
	if err != nil {
		return model.CommandResult{}, err
	}
	res, ok := model.AsCommandResult(argout)
	if !ok {
		return model.CommandResult{Code: model.ResultOK}, nil
	}
	if !res.Succeeded() {
		kind := model.ErrCommandFailed
		if res.Code == model.ResultRejected {
			kind = model.ErrCommandNotAllowed
		}
		return res, NewTransportFailure(c.Name(), command, fmt.Errorf("%w: %s", kind, res.Message))
	}
	return res, nil
}
