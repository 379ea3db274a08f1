package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/picklr-io/rollout/internal/ir"
	"github.com/picklr-io/rollout/internal/logging"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	Timestamp   string              `json:"timestamp"`
	Operation   string              `json:"operation"` // "deploy", "state.rm", "state.mv"
	User        string              `json:"user"`
	Environment string              `json:"environment"`
	RunID       string              `json:"runId,omitempty"`
	SpecSet     string              `json:"specSet,omitempty"`
	Target      string              `json:"target,omitempty"`
	Summary     *ir.ManifestSummary `json:"summary,omitempty"`
	ExitCode    int                 `json:"exitCode"`
	Error       string              `json:"error,omitempty"`
}

// auditLogPath returns the path to the audit log file.
func auditLogPath() string {
	return filepath.Join(rolloutDir(), "audit.log")
}

// writeAuditLog appends an audit entry to the audit log file.
func writeAuditLog(entry AuditEntry) error {
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if entry.User == "" {
		entry.User = currentUser()
	}
	if entry.Environment == "" {
		entry.Environment = envName
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	// Audit logging failure should not block operations
	if err := os.MkdirAll(rolloutDir(), 0o755); err != nil {
		logging.Warn("audit entry dropped", "operation", entry.Operation, "error", err)
		return nil
	}
	f, err := os.OpenFile(auditLogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logging.Warn("audit entry dropped", "operation", entry.Operation, "error", err)
		return nil
	}
	defer f.Close()

	_, err = f.WriteString(string(data) + "\n")
	return err
}

func currentUser() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	if user := os.Getenv("USERNAME"); user != "" {
		return user
	}
	return "unknown"
}
