package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/picklr-io/rollout/internal/engine"
	"github.com/picklr-io/rollout/internal/eval"
)

var validateCmd = &cobra.Command{
	Use:   "validate [spec set]",
	Short: "Validate a spec set and the selected environment",
	Long: `Evaluates the spec set, checks that every reference names a declared
resource and that the graph is acyclic, then checks the selected
environment of the environments file. Nothing is contacted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	fmt.Println("Validating spec set...")

	entryPoint, err := resolveEntryPoint(args)
	if err != nil {
		return err
	}
	evaluator := eval.NewEvaluator(filepath.Dir(entryPoint))

	fmt.Printf("Checking %s... ", filepath.Base(entryPoint))
	set, err := evaluator.LoadSpecSet(cmd.Context(), entryPoint, nil)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("validation failed: %w", err)
	}
	fmt.Println("OK")

	fmt.Print("Checking dependency graph... ")
	dag, err := engine.BuildDAG(set)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("validation failed: %w", err)
	}
	fmt.Printf("OK (%d resources, %d directives)\n", len(set.Resources), dag.Len()-len(set.Resources))

	fmt.Printf("Checking environment %s... ", envName)
	env, err := loadEnvironment()
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("validation failed: %w", err)
	}
	if _, err := env.RetryPolicy(); err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("validation failed: %w", err)
	}
	if _, err := env.TimeoutDuration(); err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("validation failed: %w", err)
	}
	fmt.Printf("OK (backend %s)\n", env.Backend)

	fmt.Println("\nSpec set is valid!")
	return nil
}
