package app

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/telescope-mc/internal/tango/remote"
)

const defaultAddr = "localhost:50070"

type options struct {
	addr    string
	timeout time.Duration
}

// NewCmd builds the root command and its subcommands.
func NewCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "tmcctl",
		Short:         "Command line utility for the telescope control devices",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addr := os.Getenv("TMC_ADDR")
	if addr == "" {
		addr = defaultAddr
	}
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", addr, "device proxy address (env TMC_ADDR)")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "per-call timeout")

	cmd.AddCommand(
		newCommandCmd(opts),
		newReadCmd(opts),
		newWriteCmd(opts),
		newWatchCmd(opts),
		newDevicesCmd(opts),
	)
	return cmd
}

// Execute runs the root command. It is called by main.main.
func Execute() {
	if err := NewCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (o *options) dial() (*remote.Conn, error) {
	return remote.Dial(o.addr, remote.WithTimeout(o.timeout))
}
