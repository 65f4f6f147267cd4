// Command rdmabench drives an RDMA transfer session: it starts a responder,
// connects an initiator to it over the fabric, and pushes a configured number
// of block transfers through the engine.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

func main() {
	var (
		configPath string
		target     string
		mode       string
		ioDepth    int
		requests   int
	)

	rootCmd := &cobra.Command{
		Use:   "rdmabench",
		Short: "rdmabench - asynchronous RDMA transfer benchmark",
		Long: `rdmabench pushes block transfers through an asynchronous RDMA engine.

Transfer modes:
  write  one-sided RDMA writes into the responder's exposed region
  read   one-sided RDMA reads from the responder's exposed region
  send   two-sided sends, the responder posts matching receives
  recv   two-sided receives, the responder drives the sends`,
		Version: fmt.Sprintf("%s (commit: %s)", Version, Commit),
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a transfer session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(configPath, target, mode, ioDepth, requests)
		},
	}
	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	runCmd.Flags().StringVarP(&target, "target", "t", "", "fabric address of the session")
	runCmd.Flags().StringVarP(&mode, "mode", "m", "", "transfer mode: write, read, send, recv")
	runCmd.Flags().IntVarP(&ioDepth, "iodepth", "d", 0, "outstanding requests per connection")
	runCmd.Flags().IntVarP(&requests, "requests", "n", 0, "total transfers to issue")

	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
