package ir

import "time"

// Manifest is the final report of a run. It lists every resource and
// directive in execution order with its terminal status.
type Manifest struct {
	RunID       string           `json:"runId"`
	Environment string           `json:"environment"`
	SpecSet     string           `json:"specSet,omitempty"`
	StartedAt   time.Time        `json:"startedAt"`
	FinishedAt  time.Time        `json:"finishedAt"`
	Entries     []*ManifestEntry `json:"entries"`
	Summary     ManifestSummary  `json:"summary"`
}

type ManifestEntry struct {
	ID          string   `json:"id"`
	Type        NodeType `json:"type"`
	Kind        string   `json:"kind"`
	Target      string   `json:"target,omitempty"`
	Status      Status   `json:"status"`
	Handle      string   `json:"handle,omitempty"`
	Error       string   `json:"error,omitempty"`
	Category    string   `json:"category,omitempty"`
	BlockedBy   string   `json:"blockedBy,omitempty"`
	Reused      bool     `json:"reused,omitempty"`
	Unchanged   bool     `json:"unchanged,omitempty"`
	Attempts    int      `json:"attempts,omitempty"`
	Fingerprint string   `json:"fingerprint,omitempty"`
	Duration    string   `json:"duration,omitempty"`
}

type ManifestSummary struct {
	Total     int `json:"total"`
	Deployed  int `json:"deployed"`
	Applied   int `json:"applied"`
	Reused    int `json:"reused"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
	Blocked   int `json:"blocked"`
}

// Succeeded reports whether every node reached a terminal success.
func (m *Manifest) Succeeded() bool {
	return m.Summary.Failed == 0 && m.Summary.Blocked == 0
}

// ExitCode is 0 when the run succeeded and 1 otherwise.
func (m *Manifest) ExitCode() int {
	if m.Succeeded() {
		return 0
	}
	return 1
}

// Entry returns the entry for id, or nil.
func (m *Manifest) Entry(id string) *ManifestEntry {
	for _, e := range m.Entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// Handles maps every deployed resource id to its handle.
func (m *Manifest) Handles() map[string]string {
	out := make(map[string]string)
	for _, e := range m.Entries {
		if e.Type == NodeResource && e.Status == StatusDeployed && e.Handle != "" {
			out[e.ID] = e.Handle
		}
	}
	return out
}
