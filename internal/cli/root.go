package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/picklr-io/rollout/internal/config"
	"github.com/picklr-io/rollout/internal/logging"
)

var (
	configPath string
	envName    string
	logLevel   string
	logFormat  string
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:   "rollout",
	Short: "Dependency-ordered deployment orchestrator",
	Long: `Rollout deploys an interdependent set of resources in dependency order and
applies post-deployment configuration directives to them.

A spec set (.pkl, .yaml or .json) declares the resources, their constructor
arguments and the directives to run afterwards. Rollout:
  • derives a deterministic execution order from references
  • keeps going when an independent branch fails
  • reuses what earlier runs already deployed
  • writes a manifest of every outcome`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logging.InitWithFormat(logLevel, logFormat, os.Stderr)
		if os.Getenv("NO_COLOR") != "" {
			noColor = true
		}
		return nil
	},
}

// ExitError carries a process exit code without an extra message; the
// command has already reported what went wrong.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command
// context so a running deploy stops scheduling and lets in-flight calls end.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	defaultEnv := os.Getenv("ROLLOUT_ENV")
	if defaultEnv == "" {
		defaultEnv = config.DefaultEnvironment
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultFile, "Environments file")
	rootCmd.PersistentFlags().StringVarP(&envName, "env", "e", defaultEnv, "Environment to deploy to (default from ROLLOUT_ENV)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(outputCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(envCmd)
	rootCmd.AddCommand(versionCmd)
}
