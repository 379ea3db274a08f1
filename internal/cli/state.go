package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/picklr-io/rollout/internal/logging"
	"github.com/picklr-io/rollout/internal/state"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Manage the handle ledger",
	Long: `Commands for inspecting and modifying the ledger of deployed handles that
lets later runs reuse resources instead of deploying them again.`,
}

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resources in the ledger",
	Args:  cobra.NoArgs,
	RunE:  runStateList,
}

var stateShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show the ledger record of a single resource",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateShow,
}

var stateMvCmd = &cobra.Command{
	Use:   "mv <source> <destination>",
	Short: "Move a record to a new resource id",
	Long: `Moves a ledger record to a new id so a resource renamed in the spec set
keeps being reused.`,
	Args: cobra.ExactArgs(2),
	RunE: runStateMv,
}

var stateRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a record from the ledger (forces a new deployment)",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateRm,
}

func init() {
	stateCmd.AddCommand(stateListCmd)
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateMvCmd)
	stateCmd.AddCommand(stateRmCmd)
}

func loadStateMgr(cmd *cobra.Command) (state.Backend, error) {
	env, err := loadEnvironment()
	if err != nil {
		return nil, err
	}
	return loadStateBackend(cmd.Context(), env)
}

func runStateList(cmd *cobra.Command, args []string) error {
	mgr, err := loadStateMgr(cmd)
	if err != nil {
		return err
	}

	s, err := mgr.Read(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	fmt.Printf("State version: %d, serial: %d, lineage: %s\n\n", s.Version, s.Serial, s.Lineage)
	for _, rec := range s.Records {
		fmt.Printf("  %s (%s) = %s\n", rec.ID, rec.Kind, rec.Handle)
	}
	fmt.Printf("\nTotal: %d resource(s)\n", len(s.Records))

	return nil
}

func runStateShow(cmd *cobra.Command, args []string) error {
	mgr, err := loadStateMgr(cmd)
	if err != nil {
		return err
	}

	s, err := mgr.Read(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	rec := s.Record(args[0])
	if rec == nil {
		return fmt.Errorf("resource %s not found in state", args[0])
	}

	fmt.Printf("# %s\n", rec.ID)
	fmt.Printf("  kind        = %s\n", rec.Kind)
	fmt.Printf("  handle      = %s\n", rec.Handle)
	fmt.Printf("  fingerprint = %s\n", rec.Fingerprint)
	if rec.RunID != "" {
		fmt.Printf("  run         = %s\n", rec.RunID)
	}
	if rec.DeployedAt != "" {
		fmt.Printf("  deployed_at = %s\n", rec.DeployedAt)
	}
	return nil
}

func runStateMv(cmd *cobra.Command, args []string) error {
	mgr, err := loadStateMgr(cmd)
	if err != nil {
		return err
	}

	if err := mgr.Lock(); err != nil {
		return err
	}
	defer mgr.Unlock()

	s, err := mgr.Read(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	src, dst := args[0], args[1]
	rec := s.Record(src)
	if rec == nil {
		return fmt.Errorf("resource %s not found in state", src)
	}
	if s.Record(dst) != nil {
		return fmt.Errorf("resource %s already exists in state", dst)
	}
	rec.ID = dst

	if err := mgr.Write(cmd.Context(), s); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}

	if err := writeAuditLog(AuditEntry{Operation: "state.mv", Target: src + " -> " + dst}); err != nil {
		logging.Warn("failed to write audit log", "error", err)
	}
	fmt.Printf("Moved %s to %s\n", src, dst)
	return nil
}

func runStateRm(cmd *cobra.Command, args []string) error {
	mgr, err := loadStateMgr(cmd)
	if err != nil {
		return err
	}

	if err := mgr.Lock(); err != nil {
		return err
	}
	defer mgr.Unlock()

	s, err := mgr.Read(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	target := args[0]
	if !s.Remove(target) {
		return fmt.Errorf("resource %s not found in state", target)
	}

	if err := mgr.Write(cmd.Context(), s); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}

	if err := writeAuditLog(AuditEntry{Operation: "state.rm", Target: target}); err != nil {
		logging.Warn("failed to write audit log", "error", err)
	}
	fmt.Printf("Removed %s from state (the deployed resource is untouched and will be deployed again)\n", target)
	return nil
}
