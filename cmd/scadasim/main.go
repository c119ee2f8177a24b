package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonylturner/scadasim/internal/app"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "scadasim",
		Short: "Modbus SCADA testbed",
		Long: `SCADASIM simulates a small SCADA system for protocol and security testing:
a tank PLC serving Modbus/TCP and Modbus/RTU, a poller that mirrors slaves
into a local register map and history sinks, and a serial to Modbus/TCP
gateway.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newPLCCmd())
	rootCmd.AddCommand(newPollCmd())
	rootCmd.AddCommand(newGatewayCmd())

	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		if cmd != rootCmd {
			if cmd.Long != "" {
				fmt.Fprintf(os.Stdout, "%s\n\n", cmd.Long)
			}
			fmt.Fprint(os.Stdout, cmd.UsageString())
			return
		}
		fmt.Fprintf(os.Stdout, "Usage:\n  %s <command> [subcommand] [options]\n\n", cmd.Name())
		fmt.Fprintf(os.Stdout, "Available Commands:\n")
		for _, subCmd := range cmd.Commands() {
			if !subCmd.Hidden {
				fmt.Fprintf(os.Stdout, "  %-15s %s\n", subCmd.Name(), subCmd.Short)
			}
		}
		fmt.Fprintf(os.Stdout, "\nUse \"%s help <command>\" for more information about a command.\n", cmd.Name())
	})

	return rootCmd
}

func exitCode(err error) int {
	var cfgErr *app.ConfigError
	if errors.As(err, &cfgErr) {
		return 2
	}
	return 1
}
