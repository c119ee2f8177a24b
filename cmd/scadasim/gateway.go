package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonylturner/scadasim/internal/app"
	"github.com/tonylturner/scadasim/internal/config"
	"github.com/tonylturner/scadasim/internal/serialport"
	"github.com/tonylturner/scadasim/internal/ui"
)

func newGatewayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Serial to Modbus/TCP gateway",
		Long: `Read Modbus units from a serial line and forward each one, re-encoded as
a Modbus/TCP frame, to a TCP slave. Replies from the slave are discarded.

Units are cut from the byte stream by RTU timing and CRC, ASCII delimiters,
or a fixed size. A forward that fails is logged and counted; the gateway
keeps reading.`,
		Example: `  # Forward /dev/ttyUSB0 at 19200 baud to a local PLC
  scadasim gateway start --device /dev/ttyUSB0 --baud 19200 --destination 127.0.0.1:502

  # List the serial ports on this host
  scadasim gateway list-ports`,
	}
	cmd.AddCommand(newGatewayStartCmd())
	cmd.AddCommand(newGatewayListPortsCmd())
	cmd.AddCommand(newGatewayValidateCmd())
	cmd.AddCommand(newGatewayPrintDefaultCmd())
	return cmd
}

func newGatewayStartCmd() *cobra.Command {
	opts := &app.GatewayOptions{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			return app.RunGateway(*opts)
		},
	}
	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "Gateway config file path")
	cmd.Flags().StringVar(&opts.Device, "device", "", "Serial device (default from config, /dev/ttyUSB0)")
	cmd.Flags().IntVar(&opts.Baud, "baud", 0, "Baud rate (default from config, 9600)")
	cmd.Flags().StringVar(&opts.Destination, "destination", "", "Modbus/TCP slave host:port")
	cmd.Flags().StringVar(&opts.Framing, "framing", "", "Serial framing: rtu|ascii|fixed")
	cmd.Flags().StringVar(&opts.PCAPFile, "pcap", "", "Capture forwarded frames to a PCAP file")
	cmd.Flags().BoolVar(&opts.Metrics, "metrics", false, "Expose Prometheus metrics")
	registerLogFlags(cmd, &opts.LogOptions)
	return cmd
}

func newGatewayListPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-ports",
		Short: "List serial ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := serialport.List()
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, ui.RenderPorts(ports))
			return nil
		},
	}
}

func newGatewayValidateCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Validate a gateway config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgPath == "" {
				cfgPath = "scadasim_gateway.yaml"
			}
			if _, err := app.LoadGateway(app.GatewayOptions{ConfigPath: cfgPath}); err != nil {
				return err
			}
			configOK(cfgPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "Gateway config file path (default \"scadasim_gateway.yaml\")")
	return cmd
}

func newGatewayPrintDefaultCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "print-default-config",
		Short: "Print a default gateway config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if out != "" {
				if err := config.WriteDefaultGatewayConfig(out); err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "Wrote %s\n", out)
				return nil
			}
			return printYAML(config.CreateDefaultGatewayConfig())
		},
	}
	cmd.Flags().StringVar(&out, "output", "", "Write to this file instead of stdout")
	return cmd
}
