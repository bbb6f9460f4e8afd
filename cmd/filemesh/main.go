// filemesh runs trackers and storage nodes of a grouped file cluster and
// talks to them as a client.
package main

import (
	"fmt"
	"os"

	"github.com/filemesh/filemesh/internal/svc"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if role, configPath, ok := svc.ParseRunArgs(os.Args[1:]); ok {
		runAsService(role, configPath)
		return
	}
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "filemesh",
		Short: "filemesh - grouped file storage with tracker routing",
		Long: `filemesh stores files on groups of storage nodes. Trackers keep the
cluster directory and route clients; storage nodes replicate every write
to the other members of their group.

QUICK START:

  # Start a tracker
  filemesh tracker -c tracker.yaml

  # Start storage nodes pointing at the tracker
  filemesh storage -c storage.yaml

  # Store and fetch a file
  filemesh upload ./photo.jpg --tracker 127.0.0.1:22122
  filemesh download group1/6553f100000001.jpg ./copy.jpg

For more help on any command, use: filemesh <command> --help`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	rootCmd.AddCommand(newTrackerCmd())
	rootCmd.AddCommand(newStorageCmd())
	rootCmd.AddCommand(newServiceCmd())
	for _, c := range newClientCmds() {
		rootCmd.AddCommand(c)
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "filemesh %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "  Commit:     %s\n", Commit)
			fmt.Fprintf(cmd.OutOrStdout(), "  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
