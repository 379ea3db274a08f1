package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/picklr-io/rollout/internal/engine"
	"github.com/picklr-io/rollout/internal/ir"
)

var (
	planOutFile    string
	planJSON       bool
	planProperties map[string]string
)

var planCmd = &cobra.Command{
	Use:   "plan [spec set]",
	Short: "Show the execution plan",
	Long: `Shows what a deploy would do without contacting the backend.

The plan lists, in execution order:
  • Resources to be provisioned
  • Resources the ledger says can be reused
  • Directives to be applied

Reuse is predicted from the ledger only; a deploy still asks the backend
whether a resource exists when the backend can answer.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVarP(&planOutFile, "out", "o", "", "Write plan to file")
	planCmd.Flags().BoolVar(&planJSON, "json", false, "Output in JSON format")
	planCmd.Flags().StringToStringVarP(&planProperties, "prop", "D", nil, "Set external properties (format: key=value)")
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	// 1. Load environment
	env, err := loadEnvironment()
	if err != nil {
		return err
	}

	// 2. Load spec set and ledger
	var (
		set *ir.SpecSet
		dag *engine.DAG
	)
	if planJSON {
		set, err = loadSpecSet(ctx, args, planProperties)
		if err == nil {
			dag, err = engine.BuildDAG(set)
		}
	} else {
		set, dag, err = loadGraph(ctx, args, planProperties)
	}
	if err != nil {
		return err
	}

	rc, err := runContextFor(ctx, env)
	if err != nil {
		return err
	}

	current, err := readLedger(ctx, env)
	if err != nil {
		return err
	}

	// 3. Create Plan
	eng := engine.NewEngine(nil, engine.NewStateLedger(current))
	plan, err := eng.CreatePlan(dag, rc)
	if err != nil {
		return fmt.Errorf("plan generation failed: %w", err)
	}
	plan.SpecSet = set.Name

	if planOutFile != "" || planJSON {
		data, err := json.MarshalIndent(plan, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal plan: %w", err)
		}
		if planOutFile != "" {
			if err := os.WriteFile(planOutFile, append(data, '\n'), 0644); err != nil {
				return fmt.Errorf("failed to write plan: %w", err)
			}
		}
		if planJSON {
			fmt.Println(string(data))
			return nil
		}
	}

	// 4. Output
	fmt.Printf("\nRollout will perform the following actions on %s:\n", envName)
	renderPlan(plan)
	renderPlanSummary(plan)
	if planOutFile != "" {
		fmt.Printf("\nPlan saved to %s\n", planOutFile)
	}
	return nil
}
