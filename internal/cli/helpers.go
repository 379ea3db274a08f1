package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/picklr-io/rollout/internal/config"
	"github.com/picklr-io/rollout/internal/engine"
	"github.com/picklr-io/rollout/internal/eval"
	"github.com/picklr-io/rollout/internal/ir"
	"github.com/picklr-io/rollout/internal/manifest"
	"github.com/picklr-io/rollout/internal/state"
	"github.com/picklr-io/rollout/pkg/provisioner"
)

// defaultSpecFiles are tried, in order, when no spec set is named.
var defaultSpecFiles = []string{"deploy.pkl", "deploy.yaml", "deploy.yml", "deploy.json"}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func colorize(code string) string {
	if noColor {
		return ""
	}
	return code
}

func rolloutDir() string {
	return ".rollout"
}

// resolveEntryPoint returns the spec set file named by args. A directory, or
// no argument at all, is searched for one of the default file names.
func resolveEntryPoint(args []string) (string, error) {
	dir := "."
	if len(args) > 0 {
		info, err := os.Stat(args[0])
		if err != nil {
			return "", fmt.Errorf("failed to stat path %s: %w", args[0], err)
		}
		if !info.IsDir() {
			return filepath.Abs(args[0])
		}
		dir = args[0]
	}

	for _, name := range defaultSpecFiles {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return filepath.Abs(path)
		}
	}
	return "", fmt.Errorf("no spec set found in %s (looked for %s)", dir, strings.Join(defaultSpecFiles, ", "))
}

// loadSpecSet evaluates the spec set named by args.
func loadSpecSet(ctx context.Context, args []string, properties map[string]string) (*ir.SpecSet, error) {
	entryPoint, err := resolveEntryPoint(args)
	if err != nil {
		return nil, err
	}
	evaluator := eval.NewEvaluator(filepath.Dir(entryPoint))
	return evaluator.LoadSpecSet(ctx, entryPoint, properties)
}

// loadGraph evaluates the spec set named by args and builds its graph.
func loadGraph(ctx context.Context, args []string, properties map[string]string) (*ir.SpecSet, *engine.DAG, error) {
	fmt.Print("Loading spec set... ")
	set, err := loadSpecSet(ctx, args, properties)
	if err != nil {
		fmt.Println("FAILED")
		return nil, nil, err
	}
	dag, err := engine.BuildDAG(set)
	if err != nil {
		fmt.Println("FAILED")
		return nil, nil, err
	}
	fmt.Println("OK")
	return set, dag, nil
}

// loadEnvironment reads the environments file and selects the --env entry.
func loadEnvironment() (*config.Environment, error) {
	file, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return file.Environment(envName)
}

// runContextFor resolves the run context of the selected environment.
func runContextFor(ctx context.Context, env *config.Environment) (*provisioner.RunContext, error) {
	region := ""
	if env.Manifest != nil {
		region = env.Manifest.Region
	}
	rc, err := config.NewResolver(region).RunContext(ctx, envName, env)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve environment %s: %w", envName, err)
	}
	return rc, nil
}

func loadStateBackend(ctx context.Context, env *config.Environment) (state.Backend, error) {
	return state.NewBackend(ctx, env.State, envName)
}

// readLedger reads the ledger without locking it. A missing ledger reads as
// empty.
func readLedger(ctx context.Context, env *config.Environment) (*ir.State, error) {
	backend, err := loadStateBackend(ctx, env)
	if err != nil {
		return nil, err
	}
	s, err := backend.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	return s, nil
}

func manifestDir(env *config.Environment) string {
	if env.Manifest != nil && env.Manifest.Path != "" {
		return env.Manifest.Path
	}
	return manifest.DefaultDir(envName)
}

// renderPlan prints the steps of plan in execution order.
func renderPlan(plan *ir.Plan) {
	for _, step := range plan.Steps {
		symbol, color := "+", colorGreen
		switch step.Action {
		case "reuse":
			symbol, color = "=", colorCyan
		case "apply":
			symbol, color = "~", colorYellow
		}

		switch step.Type {
		case ir.NodeDirective:
			fmt.Printf("%s  %s %s: %s.%s(%s)%s\n", colorize(color), symbol, step.ID, step.Target, step.Kind, formatArgs(step.Args), colorize(colorReset))
		default:
			fmt.Printf("%s  %s %s: %s(%s)%s", colorize(color), symbol, step.ID, step.Kind, formatArgs(step.Args), colorize(colorReset))
			if step.Handle != "" {
				fmt.Printf(" -> %s", step.Handle)
			}
			fmt.Println()
		}
	}
}

func renderPlanSummary(plan *ir.Plan) {
	fmt.Println("\nPlan Summary:")
	fmt.Printf("  Provision: %d\n", plan.Summary.Provision)
	fmt.Printf("  Reuse:     %d\n", plan.Summary.Reuse)
	fmt.Printf("  Apply:     %d\n", plan.Summary.Apply)
}

func formatArgs(args []ir.Arg) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}

// renderHandles prints id = handle pairs sorted by id.
func renderHandles(handles map[string]string) {
	ids := make([]string, 0, len(handles))
	width := 0
	for id := range handles {
		ids = append(ids, id)
		width = max(width, len(id))
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Printf("  %-*s = %s\n", width, id, handles[id])
	}
}

// statusColor picks the color a status is rendered with.
func statusColor(s ir.Status) string {
	switch s {
	case ir.StatusDeployed, ir.StatusApplied:
		return colorGreen
	case ir.StatusFailed:
		return colorRed
	case ir.StatusBlocked:
		return colorYellow
	default:
		return colorReset
	}
}
