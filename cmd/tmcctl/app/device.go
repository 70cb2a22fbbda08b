package app

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/signalsfoundry/telescope-mc/internal/tango"
)

func newCommandCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "command DEVICE COMMAND [ARGIN|@FILE]",
		Short: "Execute a command on a device",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var argin any
			if len(args) == 3 {
				v, err := readArgin(args[2])
				if err != nil {
					return err
				}
				argin = v
			}
			conn, err := opts.dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			out, err := conn.Client(args[0]).Command(cmd.Context(), args[1], argin)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newReadCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "read DEVICE ATTRIBUTE",
		Short: "Read the current value of an attribute",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := opts.dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			v, err := conn.Client(args[0]).ReadAttribute(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
}

func newWriteCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "write DEVICE ATTRIBUTE VALUE",
		Short: "Write a writable attribute; VALUE is parsed as JSON or taken as a string",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := opts.dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			return conn.Client(args[0]).WriteAttribute(cmd.Context(), args[1], parseValue(args[2]))
		},
	}
}

func newWatchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch DEVICE ATTRIBUTE",
		Short: "Print change events for an attribute until interrupted",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := opts.dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			out := cmd.OutOrStdout()
			events := make(chan tango.Event, 64)
			client := conn.Client(args[0])
			id, err := client.Subscribe(ctx, args[1], func(ev tango.Event) {
				select {
				case events <- ev:
				default:
				}
			})
			if err != nil {
				return err
			}
			defer client.Unsubscribe(id)

			for {
				select {
				case <-ctx.Done():
					return nil
				case ev := <-events:
					if err := printEvent(out, ev); err != nil {
						return err
					}
				}
			}
		},
	}
}

func newDevicesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the devices served by the proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, err := opts.dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			names, err := conn.Devices(cmd.Context())
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}
}

// readArgin returns the command argument. A leading @ names a file whose
// contents are sent as the argument string.
func readArgin(arg string) (any, error) {
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read argin: %w", err)
		}
		return string(b), nil
	}
	return arg, nil
}

func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func printEvent(w io.Writer, ev tango.Event) error {
	rec := map[string]any{
		"device":    ev.Device,
		"attribute": ev.Attribute,
		"timestamp": ev.Timestamp,
	}
	if ev.Err != nil {
		rec["error"] = ev.Err.Error()
	} else {
		rec["value"] = ev.Value
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func printJSON(w io.Writer, v any) error {
	// Command results travel as JSON strings; print the decoded document.
	if s, ok := v.(string); ok {
		var doc any
		if err := json.Unmarshal([]byte(s), &doc); err == nil {
			v = doc
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
