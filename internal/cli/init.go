package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/picklr-io/rollout/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new rollout project",
	Long:  `Creates a starter spec set (deploy.yaml) and environments file (rollout.yaml).`,
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

const starterSpecSet = `# Rollout spec set
# Resources are deployed in dependency order; "ref://<id>" passes the handle
# of another resource, "var://<name>" a value of the environment.
name: my-protocol

resources:
  - id: token
    kind: Token
    args: ["My Token", "MTK", "var://deployer"]

  - id: staking
    kind: Staking
    args: ["ref://token"]

directives:
  - target: token
    operation: grantRole
    args: [{keccak256: MINTER_ROLE}, "ref://staking"]
`

const starterEnvironments = `# Rollout environments
environments:
  local:
    backend: sim
    identity: "0x0000000000000000000000000000000000000001"
    parallelism: 4
    retry: {max_retries: 3, base_delay: 1s, max_delay: 30s}
    timeout: 10m
`

func runInit(cmd *cobra.Command, args []string) error {
	// Create .rollout directory
	if err := os.MkdirAll(rolloutDir(), 0755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", rolloutDir(), err)
	}

	files := []struct {
		path    string
		content string
	}{
		{defaultSpecFiles[1], starterSpecSet},
		{config.DefaultFile, starterEnvironments},
	}
	for _, f := range files {
		if _, err := os.Stat(f.path); err == nil {
			fmt.Printf("Keeping existing %s\n", f.path)
			continue
		}
		if err := os.WriteFile(f.path, []byte(f.content), 0644); err != nil {
			return fmt.Errorf("failed to create %s: %w", f.path, err)
		}
		fmt.Printf("Created %s\n", f.path)
	}

	fmt.Println("\nRollout initialized successfully!")
	fmt.Println("Next steps:")
	fmt.Println("  1. Edit deploy.yaml to declare your resources and directives")
	fmt.Println("  2. Run 'rollout plan' to see what will be deployed")
	fmt.Println("  3. Run 'rollout deploy' to deploy to the local simulator")

	return nil
}
