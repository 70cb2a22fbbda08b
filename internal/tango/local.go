package tango

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/telescope-mc/internal/logging"
)

// LocalClient reaches a device registered in the same process.
type LocalClient struct {
	registry *Registry
	name     string
}

var _ Client = (*LocalClient)(nil)

func (c *LocalClient) Name() string { return c.name }

func (c *LocalClient) device(op string) (Device, error) {
	d, ok := c.registry.Lookup(c.name)
	if !ok {
		return nil, Unreachable(c.name, op, "device not registered")
	}
	return d, nil
}

func (c *LocalClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.registry.timeout)
}

// Command runs the command on the device. If the device does not answer
// before the transport timeout the call fails with model.ErrDeviceUnresponsive.
func (c *LocalClient) Command(ctx context.Context, command string, argin any) (any, error) {
	d, err := c.device(command)
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	type reply struct {
		argout any
		err    error
	}
	done := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- reply{err: fmt.Errorf("device panicked: %v", r)}
			}
		}()
		argout, err := d.Execute(ctx, command, argin)
		done <- reply{argout: argout, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return r.argout, NewTransportFailure(c.name, command, r.err)
		}
		return r.argout, nil
	case <-ctx.Done():
		return nil, Unreachable(c.name, command, ctx.Err().Error())
	}
}

// CommandAsync runs Command on its own goroutine and reports to onDone.
func (c *LocalClient) CommandAsync(ctx context.Context, command string, argin any, onDone func(CommandEvent)) {
	go func() {
		argout, err := c.Command(ctx, command, argin)
		ev := CommandEvent{Device: c.name, Command: command, Argout: argout}
		if err != nil {
			ev.Err = true
			ev.Cause = err
			ev.Errors = []string{err.Error()}
		}
		if onDone == nil {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				c.registry.log.Error(context.Background(), "command callback panicked",
					logging.Device(c.name), logging.String("command", command), logging.Any("panic", r))
			}
		}()
		onDone(ev)
	}()
}

func (c *LocalClient) ReadAttribute(ctx context.Context, attribute string) (any, error) {
	d, err := c.device("read " + attribute)
	if err != nil {
		return nil, err
	}
	v, err := d.Attributes().Read(attribute)
	if err != nil {
		return nil, NewTransportFailure(c.name, "read "+attribute, err)
	}
	return v, nil
}

func (c *LocalClient) WriteAttribute(ctx context.Context, attribute string, value any) error {
	d, err := c.device("write " + attribute)
	if err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := d.Attributes().Write(ctx, attribute, value); err != nil {
		return NewTransportFailure(c.name, "write "+attribute, err)
	}
	return nil
}

func (c *LocalClient) Subscribe(ctx context.Context, attribute string, fn func(Event)) (SubscriptionID, error) {
	return c.registry.subscribe(c.name, attribute, fn), nil
}

func (c *LocalClient) Unsubscribe(id SubscriptionID) {
	c.registry.unsubscribe(id)
}
