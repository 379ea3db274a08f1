package engine

import (
	"errors"

	"github.com/picklr-io/rollout/internal/ir"
)

// BuildManifest turns the result of a finished run into its manifest. Entries
// follow execution order and every non-successful entry carries its error;
// blocked entries name the node whose failure caused them.
func BuildManifest(result *Result, specSet string) *ir.Manifest {
	m := &ir.Manifest{
		RunID:       result.RunID,
		Environment: result.Environment,
		SpecSet:     specSet,
		StartedAt:   result.StartedAt,
		FinishedAt:  result.FinishedAt,
		Entries:     make([]*ir.ManifestEntry, 0, len(result.Order)),
	}

	for _, id := range result.Order {
		n := result.Nodes[id]
		entry := &ir.ManifestEntry{
			ID:          n.ID,
			Type:        n.Type,
			Kind:        n.Kind,
			Target:      n.Target,
			Status:      n.Status,
			Handle:      n.Handle,
			Reused:      n.Reused,
			Unchanged:   n.Unchanged,
			Attempts:    n.Attempts,
			Fingerprint: n.Fingerprint,
		}
		if n.Duration > 0 {
			entry.Duration = n.Duration.String()
		}
		if n.Err != nil {
			entry.Error = n.Err.Error()
			entry.Category = string(categoryOf(n.Err))
			var be *BlockedError
			if errors.As(n.Err, &be) {
				entry.BlockedBy = be.RootNode
			}
		}
		m.Entries = append(m.Entries, entry)
		tally(&m.Summary, entry)
	}

	return m
}

func tally(s *ir.ManifestSummary, e *ir.ManifestEntry) {
	s.Total++
	switch e.Status {
	case ir.StatusDeployed:
		s.Deployed++
		if e.Reused {
			s.Reused++
		}
	case ir.StatusApplied:
		s.Applied++
		if e.Unchanged {
			s.Unchanged++
		}
	case ir.StatusFailed:
		s.Failed++
	case ir.StatusBlocked:
		s.Blocked++
	}
}

func categoryOf(err error) Category {
	var be *BlockedError
	if errors.As(err, &be) {
		if be.RootNode == "" {
			return CategoryCancelled
		}
		return CategoryBlocked
	}
	var ice *InternalConsistencyError
	if errors.As(err, &ice) {
		return CategoryInternal
	}
	var ne *NodeError
	if errors.As(err, &ne) {
		return ne.Category
	}
	return CategoryProvision
}
