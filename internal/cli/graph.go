package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/picklr-io/rollout/internal/engine"
)

var graphFormat string

var graphCmd = &cobra.Command{
	Use:   "graph [spec set]",
	Short: "Output the dependency graph",
	Long: `Generates a visual representation of the dependency graph of a spec set.
Directives are drawn as ellipses; dashed edges only order directives on the
same target.

  rollout graph | dot -Tpng > graph.png
  rollout graph --format mermaid`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGraph,
}

func init() {
	graphCmd.Flags().StringVar(&graphFormat, "format", "dot", "Output format (dot, mermaid)")
}

func runGraph(cmd *cobra.Command, args []string) error {
	set, err := loadSpecSet(cmd.Context(), args, nil)
	if err != nil {
		return err
	}

	dag, err := engine.BuildDAG(set)
	if err != nil {
		return fmt.Errorf("failed to build graph: %w", err)
	}

	switch graphFormat {
	case "dot":
		fmt.Print(dag.DOT())
	case "mermaid":
		fmt.Print(dag.Mermaid())
	default:
		return fmt.Errorf("unknown graph format %q (expected dot or mermaid)", graphFormat)
	}
	return nil
}
