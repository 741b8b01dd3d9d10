package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "bellkeeper",
		Short: "Bell chime and prayer call notification scheduler",
		Long: `bellkeeper keeps a week of bell chimes and prayer calls scheduled on the
local notification platform, rebuilding the schedule when settings change and
once a night at the maintenance hour.

Examples:
  bellkeeper run --config /etc/bellkeeper/bellkeeper.yaml
  bellkeeper preview --settings ./settings.yaml --at 2026-10-19T07:00:00Z
  bellkeeper reconcile --config ./bellkeeper.yaml
  bellkeeper fingerprint --settings ./settings.yaml`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("BELLKEEPER_CONFIG"), "path to config file (json or yaml); empty uses defaults")

	root.AddCommand(
		newRunCmd(opts),
		newPreviewCmd(opts),
		newReconcileCmd(opts),
		newFingerprintCmd(opts),
	)
	return root
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
