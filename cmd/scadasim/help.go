package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tonylturner/scadasim/internal/app"
)

func handleHelpArg(cmd *cobra.Command, args []string) bool {
	if len(args) == 0 {
		return false
	}
	if strings.EqualFold(args[0], "help") {
		_ = cmd.Help()
		return true
	}
	return false
}

func registerLogFlags(cmd *cobra.Command, o *app.LogOptions) {
	cmd.Flags().StringVar(&o.LogFormat, "log-format", "", "Log format override: text|json")
	cmd.Flags().StringVar(&o.LogLevel, "log-level", "", "Log level override: error|info|verbose|debug")
	cmd.Flags().IntVar(&o.LogEvery, "log-every-n", 0, "Log repeated errors once every N occurrences (override)")
	cmd.Flags().StringVar(&o.LogFile, "log-file", "", "Also write logs to this file")
}

func printYAML(v interface{}) error {
	out, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	fmt.Fprint(os.Stdout, string(out))
	return nil
}

func configOK(path string) {
	fmt.Fprintf(os.Stdout, "Config OK: %s\n", path)
}
