package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonylturner/scadasim/internal/app"
	"github.com/tonylturner/scadasim/internal/config"
	"github.com/tonylturner/scadasim/internal/ui"
)

func newPLCCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plc",
		Short: "Simulated tank PLC",
		Long: `Run a simulated PLC controlling a tank level with a pump. The operator
selects OFF, MANUAL or AUTO through the mode holding register; in AUTO the
PLC drives the level to the setpoint.

The register map is served over Modbus/TCP (port 502 by default) and, when
configured, over Modbus/RTU on a serial line. Configuration is loaded from
--config; without it the built-in defaults are used.

Press Ctrl+C to stop the PLC gracefully.`,
		Example: `  # Start the default tank PLC on port 502
  scadasim plc start

  # Serve the legacy 4xxxx/3xxxx memory model on port 5020
  scadasim plc start --memory-model legacy --listen-port 5020

  # Also serve Modbus/RTU on a serial adapter
  scadasim plc start --rtu-device /dev/ttyUSB0

  # Capture the traffic to a PCAP file
  scadasim plc start --pcap plc.pcap`,
	}

	cmd.AddCommand(newPLCStartCmd())
	cmd.AddCommand(newPLCPointsCmd())
	cmd.AddCommand(newPLCValidateCmd())
	cmd.AddCommand(newPLCPrintDefaultCmd())
	return cmd
}

func registerPLCFlags(cmd *cobra.Command, opts *app.PLCOptions) {
	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "PLC config file path")
	cmd.Flags().StringVar(&opts.ListenIP, "listen-ip", "", "Modbus/TCP listen IP (default from config, \"0.0.0.0\")")
	cmd.Flags().IntVar(&opts.ListenPort, "listen-port", 0, "Modbus/TCP listen port (default from config, 502)")
	cmd.Flags().IntVar(&opts.UnitID, "unit-id", 0, "Modbus unit ID (default from config, 1)")
	cmd.Flags().StringVar(&opts.MemoryModel, "memory-model", "", "Register layout: current|legacy")
	cmd.Flags().StringVar(&opts.RTUDevice, "rtu-device", "", "Serve Modbus/RTU on this serial device")
	cmd.Flags().StringVar(&opts.PCAPFile, "pcap", "", "Capture Modbus traffic to a PCAP file")
	cmd.Flags().BoolVar(&opts.Metrics, "metrics", false, "Expose Prometheus metrics")
	registerLogFlags(cmd, &opts.LogOptions)
}

func newPLCStartCmd() *cobra.Command {
	opts := &app.PLCOptions{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the PLC",
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			return app.RunPLC(*opts)
		},
	}
	registerPLCFlags(cmd, opts)
	return cmd
}

func newPLCPointsCmd() *cobra.Command {
	opts := &app.PLCOptions{}
	cmd := &cobra.Command{
		Use:   "points",
		Short: "Print the register map and initial values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, values, err := app.PLCPoints(*opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, ui.RenderPoints(cfg.Device.Name, cfg.Model(), values))
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "PLC config file path")
	cmd.Flags().StringVar(&opts.MemoryModel, "memory-model", "", "Register layout: current|legacy")
	return cmd
}

func newPLCValidateCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Validate a PLC config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgPath == "" {
				cfgPath = "scadasim_plc.yaml"
			}
			if _, err := app.LoadPLC(app.PLCOptions{ConfigPath: cfgPath}); err != nil {
				return err
			}
			configOK(cfgPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "PLC config file path (default \"scadasim_plc.yaml\")")
	return cmd
}

func newPLCPrintDefaultCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "print-default-config",
		Short: "Print a default PLC config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if out != "" {
				if err := config.WriteDefaultPLCConfig(out); err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "Wrote %s\n", out)
				return nil
			}
			return printYAML(config.CreateDefaultPLCConfig())
		},
	}
	cmd.Flags().StringVar(&out, "output", "", "Write to this file instead of stdout")
	return cmd
}
