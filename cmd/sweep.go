package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/tryon-gateway/internal/storage"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired temporary uploads and result images",
	Long: `Run a single cleanup pass over the temp and results folders and exit.

Files older than the configured temp_ttl / result_ttl are deleted. Useful from
cron when the in-process sweeper is disabled (sweep_interval: 0).`,
	RunE: runSweep,
}

func runSweep(cmd *cobra.Command, args []string) error {
	store, err := storage.NewFileStore(appConfig.TempDir, appConfig.ResultDir, logger)
	if err != nil {
		return err
	}

	report, err := store.Sweep(time.Now(), appConfig.Cleanup.TempTTL, appConfig.Cleanup.ResultTTL)
	logger.Info("sweep complete",
		zap.Int("temp_removed", report.TempRemoved),
		zap.Int("result_removed", report.ResultRemoved))
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d temp uploads and %d results\n", report.TempRemoved, report.ResultRemoved)
	return err
}
