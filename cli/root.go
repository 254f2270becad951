package cli

import (
	"context"
	"fmt"

	"github.com/compozy/unitofwork/pkg/config"
	"github.com/compozy/unitofwork/pkg/logger"
	"github.com/spf13/cobra"
)

func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "uowctl",
		Short:         "Unit-of-work runtime tool",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return SetupGlobalConfig(cmd)
		},
	}
	root.PersistentFlags().String("config", "", "Path to a YAML configuration file")
	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error, disabled)")
	root.PersistentFlags().Bool("log-json", false, "Emit logs as JSON")
	root.PersistentFlags().Bool("log-source", false, "Include the caller in log lines")

	root.AddCommand(
		ConfigCmd(),
		DemoCmd(),
	)
	return root
}

// SetupGlobalConfig loads configuration, applies log flags on top of it and
// stores both config and logger in the command context.
func SetupGlobalConfig(cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(ctx, config.WithFile(path))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logLevel, logJSON, logSource, err := logger.GetLoggerConfig(cmd)
	if err != nil {
		return err
	}
	if logLevel == "" {
		logLevel = cfg.Runtime.LogLevel
	}
	if !cmd.Flags().Changed("log-json") {
		logJSON = cfg.Runtime.LogJSON
	}
	logger.SetupLogger(logLevel, logJSON, logSource)
	installMetrics()
	ctx = logger.ContextWithLogger(ctx, logger.GetDefault())
	ctx = config.ContextWithConfig(ctx, cfg)
	cmd.SetContext(ctx)
	return nil
}
