package cli

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/picklr-io/rollout/internal/config"
	"github.com/picklr-io/rollout/internal/engine"
	"github.com/picklr-io/rollout/internal/ir"
	"github.com/picklr-io/rollout/internal/logging"
	"github.com/picklr-io/rollout/internal/manifest"
	"github.com/picklr-io/rollout/internal/provider"
)

var (
	deployAutoApprove bool
	deployParallelism int
	deployFailFast    bool
	deployManifestDir string
	deployProperties  map[string]string
)

// newRegistry builds the backend registry of a deploy.
var newRegistry = provider.NewRegistry

// newStateBackend opens the ledger a deploy locks, reads and writes.
var newStateBackend = loadStateBackend

var deployCmd = &cobra.Command{
	Use:     "deploy [spec set]",
	Aliases: []string{"apply"},
	Short:   "Deploy a spec set to an environment",
	Long: `Deploys every resource of the spec set in dependency order, then applies
its directives. Resources an earlier run already deployed with the same
inputs are reused and directives whose effect is already in place are
skipped.

A failed resource only blocks what depends on it. The command exits 0 only
when nothing failed or was blocked; the manifest of the run is written to
.rollout/<env>/manifests.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDeploy,
}

func init() {
	deployCmd.Flags().BoolVar(&deployAutoApprove, "auto-approve", false, "Skip interactive approval of plan before deploying")
	deployCmd.Flags().IntVar(&deployParallelism, "parallelism", 0, "Limit the number of concurrent backend calls (default from the environment, else 10)")
	deployCmd.Flags().BoolVar(&deployFailFast, "fail-fast", false, "Stop scheduling new work after the first failure")
	deployCmd.Flags().StringVar(&deployManifestDir, "manifest", "", "Directory to write the run manifest to")
	deployCmd.Flags().StringToStringVarP(&deployProperties, "prop", "D", nil, "Set external properties (format: key=value)")
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	// 1. Load environment & spec set
	fmt.Printf("Environment: %s\n", envName)
	env, err := loadEnvironment()
	if err != nil {
		return err
	}

	set, dag, err := loadGraph(ctx, args, deployProperties)
	if err != nil {
		return err
	}

	fmt.Print("Resolving environment... ")
	rc, err := runContextFor(ctx, env)
	if err != nil {
		fmt.Println("FAILED")
		return err
	}
	fmt.Println("OK")

	// 2. Initialize backend and engine
	backend, err := newRegistry().Load(ctx, env)
	if err != nil {
		return err
	}
	defer provider.Close(backend)

	stateBackend, err := newStateBackend(ctx, env)
	if err != nil {
		return err
	}

	// 3. Lock state
	if err := stateBackend.Lock(); err != nil {
		return err
	}
	defer stateBackend.Unlock()

	current, err := stateBackend.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}
	ledger := engine.NewStateLedger(current)

	eng := engine.NewEngine(backend, ledger)
	if err := env.Configure(eng); err != nil {
		return fmt.Errorf("invalid environment %s: %w", envName, err)
	}
	if deployParallelism > 0 {
		eng.Parallelism = deployParallelism
	}
	eng.FailFast = deployFailFast

	// 4. Plan & confirm
	plan, err := eng.CreatePlan(dag, rc)
	if err != nil {
		return fmt.Errorf("plan generation failed: %w", err)
	}
	plan.SpecSet = set.Name

	fmt.Printf("\nRollout will perform the following actions on %s (backend %s):\n", envName, backend.Name())
	renderPlan(plan)
	renderPlanSummary(plan)

	if !deployAutoApprove {
		fmt.Print("\nDo you want to perform these actions? (y/n): ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "yes" {
			fmt.Println("Deploy cancelled.")
			return nil
		}
	}

	// 5. Run
	fmt.Printf("\nDeploying %d resource(s) and %d directive(s)...\n", len(set.Resources), len(set.Directives))
	result, runErr := eng.Run(ctx, rc, dag, progressPrinter())

	// 6. Persist state, even after failures, so deployed handles are kept.
	// A failed write does not stop the manifest from being written.
	s := ledger.State()
	s.Environment = envName
	var stateErr error
	if err := stateBackend.Write(context.WithoutCancel(ctx), s); err != nil {
		stateErr = fmt.Errorf("failed to write state: %w", err)
		logging.Error("state not saved; the manifest lists what was deployed", "error", err)
	}

	// 7. Report
	m := engine.BuildManifest(result, set.Name)
	publishErr := publishManifest(context.WithoutCancel(ctx), env, m)

	renderRunSummary(m)

	exitCode := m.ExitCode()
	if stateErr != nil || publishErr != nil {
		exitCode = 1
	}
	entry := AuditEntry{
		Operation: "deploy",
		RunID:     m.RunID,
		SpecSet:   set.Name,
		Summary:   &m.Summary,
		ExitCode:  exitCode,
	}
	runFailure := runErr
	if runFailure == nil {
		runFailure = result.Err()
	}
	if err := errors.Join(runFailure, stateErr, publishErr); err != nil {
		entry.Error = err.Error()
	}
	if err := writeAuditLog(entry); err != nil {
		logging.Warn("failed to write audit log", "error", err)
	}

	switch {
	case runErr != nil:
		return errors.Join(fmt.Errorf("run aborted: %w", runErr), stateErr, publishErr)
	case stateErr != nil || publishErr != nil:
		return errors.Join(stateErr, publishErr)
	case exitCode != 0:
		return &ExitError{Code: exitCode}
	}
	return nil
}

// publishManifest writes m locally and, when configured, to S3 and SNS.
// Remote publishing failures are logged rather than failing the run.
func publishManifest(ctx context.Context, env *config.Environment, m *ir.Manifest) error {
	dir := deployManifestDir
	if dir == "" {
		dir = manifestDir(env)
	}
	path, err := manifest.WriteLocal(dir, m)
	if err != nil {
		return err
	}
	fmt.Printf("\nManifest written to %s\n", path)

	publisher, err := manifest.NewPublisher(ctx, env.Manifest)
	if err != nil {
		logging.Warn("manifest not published", "error", err)
		return nil
	}
	if publisher != nil {
		if err := publisher.Publish(ctx, m); err != nil {
			logging.Warn("manifest not published", "error", err)
		}
	}
	return nil
}

// progressPrinter returns a run callback printing one line per status change.
func progressPrinter() engine.RunCallback {
	var mu sync.Mutex
	return func(ev engine.RunEvent) {
		mu.Lock()
		defer mu.Unlock()

		label := ev.Node
		switch ev.Status {
		case ir.StatusDeploying, ir.StatusApplying:
			fmt.Printf("  %s: %s...\n", label, ev.Status)
		case ir.StatusDeployed:
			note := ""
			if ev.Reused {
				note = " (reused)"
			}
			fmt.Printf("%s  %s: deployed at %s%s [%s]%s\n", colorize(colorGreen), label, ev.Handle, note, ev.Duration.Round(time.Millisecond), colorize(colorReset))
		case ir.StatusApplied:
			note := ""
			if ev.Unchanged {
				note = " (already in place)"
			}
			fmt.Printf("%s  %s: applied%s [%s]%s\n", colorize(colorGreen), label, note, ev.Duration.Round(time.Millisecond), colorize(colorReset))
		case ir.StatusFailed:
			fmt.Printf("%s  %s: failed after %d attempt(s): %v%s\n", colorize(colorRed), label, ev.Attempts, ev.Error, colorize(colorReset))
		case ir.StatusBlocked:
			fmt.Printf("%s  %s: %v%s\n", colorize(colorYellow), label, ev.Error, colorize(colorReset))
		}
	}
}

// renderRunSummary prints the outcome counts, the failed and blocked nodes
// and the handles of everything deployed.
func renderRunSummary(m *ir.Manifest) {
	s := m.Summary
	color := colorGreen
	title := "Deploy complete!"
	if !m.Succeeded() {
		color = colorRed
		title = "Deploy finished with errors."
	}
	fmt.Printf("\n%s%s%s Run %s: %d deployed (%d reused), %d applied (%d unchanged), %d failed, %d blocked.\n",
		colorize(color), title, colorize(colorReset), m.RunID, s.Deployed, s.Reused, s.Applied, s.Unchanged, s.Failed, s.Blocked)

	for _, e := range m.Entries {
		switch e.Status {
		case ir.StatusFailed:
			fmt.Printf("  %sFAILED%s  %s [%s]: %s\n", colorize(colorRed), colorize(colorReset), e.ID, e.Category, e.Error)
		case ir.StatusBlocked:
			fmt.Printf("  %sBLOCKED%s %s: %s\n", colorize(colorYellow), colorize(colorReset), e.ID, e.Error)
		}
	}

	if handles := m.Handles(); len(handles) > 0 {
		fmt.Println("\nAddresses:")
		renderHandles(handles)
	}
}
