package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonylturner/scadasim/internal/app"
	"github.com/tonylturner/scadasim/internal/config"
	"github.com/tonylturner/scadasim/internal/ui"
)

func newPollCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Modbus poller",
		Long: `Poll Modbus slaves over TCP or RTU on an interval. Values are republished
into a local register map served as another Modbus/TCP slave, and recorded
to SQLite, CSV or an MQTT broker when those sinks are configured.

A slave that stops answering keeps its last values, marked stale.`,
		Example: `  # Poll the default PLC on 127.0.0.1:502 and serve it again on port 503
  scadasim poll start

  # Poll once and print the values
  scadasim poll once --config poller.yaml

  # Record every sample to SQLite and publish to a broker
  scadasim poll start --sqlite history.db --mqtt tcp://localhost:1883`,
	}
	cmd.AddCommand(newPollStartCmd())
	cmd.AddCommand(newPollOnceCmd())
	cmd.AddCommand(newPollValidateCmd())
	cmd.AddCommand(newPollPrintDefaultCmd())
	return cmd
}

func registerPollFlags(cmd *cobra.Command, opts *app.PollerOptions) {
	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "Poller config file path")
	cmd.Flags().IntVar(&opts.IntervalMs, "interval-ms", 0, "Poll interval in milliseconds (default from config, 1000)")
	cmd.Flags().StringVar(&opts.SQLitePath, "sqlite", "", "Record samples to this SQLite database")
	cmd.Flags().StringVar(&opts.CSVPath, "csv", "", "Append samples to this CSV file")
	cmd.Flags().StringVar(&opts.MQTTBroker, "mqtt", "", "Publish samples to this MQTT broker")
	cmd.Flags().BoolVar(&opts.NoLocal, "no-local", false, "Do not republish into the local slave")
	registerLogFlags(cmd, &opts.LogOptions)
}

func newPollStartCmd() *cobra.Command {
	opts := &app.PollerOptions{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start polling",
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			return app.RunPoller(*opts)
		},
	}
	registerPollFlags(cmd, opts)
	cmd.Flags().BoolVar(&opts.Metrics, "metrics", false, "Expose Prometheus metrics")
	return cmd
}

func newPollOnceCmd() *cobra.Command {
	opts := &app.PollerOptions{}
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Poll every slave once and print the values",
		RunE: func(cmd *cobra.Command, args []string) error {
			samples, err := app.PollOnce(*opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, ui.RenderSamples(samples))
			for _, s := range samples {
				if s.Stale {
					return fmt.Errorf("slave %s did not answer", s.Slave)
				}
			}
			return nil
		},
	}
	registerPollFlags(cmd, opts)
	return cmd
}

func newPollValidateCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Validate a poller config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgPath == "" {
				cfgPath = "scadasim_poller.yaml"
			}
			if _, err := app.LoadPoller(app.PollerOptions{ConfigPath: cfgPath}); err != nil {
				return err
			}
			configOK(cfgPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "Poller config file path (default \"scadasim_poller.yaml\")")
	return cmd
}

func newPollPrintDefaultCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "print-default-config",
		Short: "Print a default poller config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if out != "" {
				if err := config.WriteDefaultPollerConfig(out); err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "Wrote %s\n", out)
				return nil
			}
			return printYAML(config.CreateDefaultPollerConfig())
		},
	}
	cmd.Flags().StringVar(&out, "output", "", "Write to this file instead of stdout")
	return cmd
}
