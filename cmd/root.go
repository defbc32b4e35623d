package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/tryon-gateway/internal/config"
	"github.com/example/tryon-gateway/internal/logging"
)

var (
	configPath string

	appConfig *config.Config
	logger    *zap.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tryon-gateway",
	Short: "HTTP gateway for a remote virtual try-on service",
	Long: `tryon-gateway accepts a person image and a garment image over HTTP,
forwards them to a remote virtual try-on Space and returns the composited image.`,
	SilenceUsage:       true,
	PersistentPreRunE:  initializeApp,
	PersistentPostRunE: syncLogger,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
}

func initializeApp(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	l, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	appConfig = cfg
	logger = l
	return nil
}

func syncLogger(cmd *cobra.Command, args []string) error {
	if logger != nil {
		_ = logger.Sync()
	}
	return nil
}
