package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/picklr-io/rollout/internal/config"
)

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Inspect deployment environments",
	Long: `Environments are declared in the environments file (rollout.yaml). Each
one names a backend, an endpoint, the deployer identity and its own ledger.

The environment used by a command is chosen with --env or ROLLOUT_ENV and
defaults to "local", which works without any configuration.`,
}

var envListCmd = &cobra.Command{
	Use:   "list",
	Short: "List environments",
	Args:  cobra.NoArgs,
	RunE:  runEnvList,
}

var envShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the selected environment",
	Args:  cobra.NoArgs,
	RunE:  runEnvShow,
}

func init() {
	envCmd.AddCommand(envListCmd)
	envCmd.AddCommand(envShowCmd)
}

func runEnvList(cmd *cobra.Command, args []string) error {
	file, err := config.Load(configPath)
	if err != nil {
		return err
	}

	names := file.Names()
	if _, ok := file.Environments[config.DefaultEnvironment]; !ok {
		names = append([]string{config.DefaultEnvironment}, names...)
	}

	for _, name := range names {
		env, err := file.Environment(name)
		if err != nil {
			return err
		}
		marker := " "
		if name == envName {
			marker = "*"
		}
		fmt.Printf("%s %s (%s)\n", marker, name, env.Backend)
	}
	return nil
}

func runEnvShow(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}

	fmt.Printf("# %s\n", envName)
	fmt.Printf("  backend  = %s\n", env.Backend)
	if env.Endpoint != "" {
		fmt.Printf("  endpoint = %s\n", env.Endpoint)
	}
	if env.Identity != "" {
		fmt.Printf("  identity = %s\n", env.Identity)
	}

	stateType := "local"
	if env.State != nil && env.State.Type != "" {
		stateType = env.State.Type
	}
	fmt.Printf("  state    = %s\n", stateType)
	fmt.Printf("  manifest = %s\n", manifestDir(env))

	// Only credential names; values may be secret references
	if len(env.Credentials) > 0 {
		keys := make([]string, 0, len(env.Credentials))
		for k := range env.Credentials {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Println("\n  Credentials:")
		for _, k := range keys {
			fmt.Printf("    %s\n", k)
		}
	}
	if len(env.Vars) > 0 {
		keys := make([]string, 0, len(env.Vars))
		for k := range env.Vars {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Println("\n  Vars:")
		for _, k := range keys {
			fmt.Printf("    %s = %s\n", k, env.Vars[k])
		}
	}
	return nil
}
