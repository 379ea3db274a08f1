package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/picklr-io/rollout/internal/ir"
	"github.com/picklr-io/rollout/internal/manifest"
)

var (
	showJSON  bool
	showRunID string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the manifest of the latest run",
	Long: `Displays the manifest of the most recent deploy to the selected
environment: every resource and directive in execution order with its
status, handle and, for failures, the root cause.`,
	Args: cobra.NoArgs,
	RunE: runShow,
}

func init() {
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Output in JSON format")
	showCmd.Flags().StringVar(&showRunID, "run", "", "Show the manifest of this run instead of the latest")
}

// loadManifest reads the manifest of run, or the latest one when run is empty.
func loadManifest(run string) (*ir.Manifest, error) {
	env, err := loadEnvironment()
	if err != nil {
		return nil, err
	}
	dir := manifestDir(env)

	var m *ir.Manifest
	if run != "" {
		m, err = manifest.Read(filepath.Join(dir, run+".json"))
	} else {
		m, err = manifest.ReadLatest(dir)
	}
	if errors.Is(err, manifest.ErrNoManifest) {
		if run != "" {
			return nil, fmt.Errorf("run %s not found for environment %s", run, envName)
		}
		return nil, fmt.Errorf("no deploy recorded for environment %s", envName)
	}
	return m, err
}

func runShow(cmd *cobra.Command, args []string) error {
	m, err := loadManifest(showRunID)
	if err != nil {
		return err
	}

	if showJSON {
		data, err := manifest.Encode(m)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	}

	fmt.Printf("Run:         %s\n", m.RunID)
	fmt.Printf("Environment: %s\n", m.Environment)
	if m.SpecSet != "" {
		fmt.Printf("Spec set:    %s\n", m.SpecSet)
	}
	fmt.Printf("Started:     %s\n", m.StartedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("Duration:    %s\n\n", m.FinishedAt.Sub(m.StartedAt).Round(time.Millisecond))

	for _, e := range m.Entries {
		fmt.Printf("# %s (%s %s)\n", e.ID, e.Type, e.Kind)
		fmt.Printf("  status = %s%s%s\n", colorize(statusColor(e.Status)), e.Status, colorize(colorReset))
		if e.Target != "" {
			fmt.Printf("  target = %s\n", e.Target)
		}
		if e.Handle != "" {
			fmt.Printf("  handle = %s\n", e.Handle)
		}
		switch {
		case e.Reused:
			fmt.Println("  reused = true")
		case e.Unchanged:
			fmt.Println("  unchanged = true")
		}
		if e.Attempts > 1 {
			fmt.Printf("  attempts = %d\n", e.Attempts)
		}
		if e.Error != "" {
			fmt.Printf("  error = %s\n", e.Error)
		}
		fmt.Println()
	}

	fmt.Println(manifest.Summary(m))
	return nil
}
