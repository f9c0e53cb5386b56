// fathomctl is the command line client for a fathomd instance. It
// speaks the daemon's REST API and event feed; it holds no mission
// state of its own.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fathomctl",
	Short: "Control a fathomd mission orchestrator",
	Long: `fathomctl starts, inspects and controls research missions on a
running fathomd instance.

The daemon address comes from --addr or the FATHOM_ADDR environment
variable. When the daemon has authentication enabled, pass an API key
with --api-key or FATHOM_API_KEY.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("addr", "", "daemon base URL (default http://localhost:8085, env FATHOM_ADDR)")
	rootCmd.PersistentFlags().String("api-key", "", "API key for authenticated daemons (env FATHOM_API_KEY)")
	rootCmd.PersistentFlags().Bool("json", false, "print raw JSON instead of formatted output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
