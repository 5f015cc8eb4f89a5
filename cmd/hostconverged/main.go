package main

import (
	"context"
	"fmt"
	"os"

	"github.com/containerd/log"
	"github.com/hostconverge/hostconverge/daemon/config"
	"github.com/hostconverge/hostconverge/version"
	"github.com/spf13/cobra"
)

func newDaemonCommand() *cobra.Command {
	opts := newDaemonOptions()

	cmd := &cobra.Command{
		Use:           "hostconverged [OPTIONS]",
		Short:         "Converges the state of this host with the platform.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.flags = cmd.Flags()
			return runDaemon(cmd.Context(), opts)
		},
		DisableFlagsInUseLine: true,
	}

	flags := cmd.Flags()
	flags.BoolVarP(&opts.version, "version", "v", false, "Print version information and quit")
	flags.StringVar(&opts.configFile, "config-file", config.DefaultConfigFile, "Agent configuration file")
	flags.BoolVar(&opts.once, "once", false, "Run every builder once and exit")
	opts.installFlags(flags)

	return cmd
}

func runDaemon(ctx context.Context, opts *daemonOptions) error {
	if opts.version {
		showVersion()
		return nil
	}
	return NewDaemonCli().start(ctx, opts)
}

func showVersion() {
	fmt.Printf("hostconverged version %s, build %s\n", version.Version, version.GitCommit)
}

func main() {
	log.L.Logger.SetOutput(os.Stderr)

	cmd := newDaemonCommand()
	cmd.SetOut(os.Stdout)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}
