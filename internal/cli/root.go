// Package cli implements the forgeci command line client.
package cli

import (
	"log/slog"
	"os"

	"github.com/me/forgeci/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking the
// FORGECI_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("FORGECI_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the forgeci CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "forgeci",
		Short: "forgeci workflow run orchestration",
		Long:  "forgeci submits, monitors, and manages workflow runs and their runners.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
			client = NewClient(flagServer, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "forgeci server URL (or FORGECI_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newSubmitCmd(),
		newStatusCmd(),
		newListCmd(),
		newCancelCmd(),
		newApproveCmd(),
		newRerunCmd(),
		newLogsCmd(),
		newRunnersCmd(),
	)

	return root
}
