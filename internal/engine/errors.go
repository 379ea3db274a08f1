package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Reasons a spec set is rejected before any external call is made.
const (
	ReasonCycle          = "dependency cycle"
	ReasonDanglingRef    = "dangling reference"
	ReasonRefToDirective = "reference to a directive"
	ReasonDuplicateID    = "duplicate id"
	ReasonEmptyID        = "missing id"
)

// InvalidGraphError reports a spec set that cannot be ordered.
type InvalidGraphError struct {
	Reason string
	Node   string
	Ref    string
	Cycle  []string
}

func (e *InvalidGraphError) Error() string {
	switch {
	case e.Reason == ReasonCycle:
		return fmt.Sprintf("invalid graph: %s: %s", e.Reason, strings.Join(e.Cycle, " -> "))
	case e.Ref != "":
		return fmt.Sprintf("invalid graph: %s: %q references %q", e.Reason, e.Node, e.Ref)
	default:
		return fmt.Sprintf("invalid graph: %s: %q", e.Reason, e.Node)
	}
}

// Members returns the ids named by the error without repetition.
func (e *InvalidGraphError) Members() []string {
	if e.Reason != ReasonCycle {
		out := []string{e.Node}
		if e.Ref != "" {
			out = append(out, e.Ref)
		}
		return out
	}
	var out []string
	for _, id := range e.Cycle {
		if !contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// IsInvalidGraph reports whether err is an *InvalidGraphError.
func IsInvalidGraph(err error) bool {
	var ige *InvalidGraphError
	return errors.As(err, &ige)
}

// Category classifies the failure of a node.
type Category string

const (
	CategoryProvision   Category = "ProvisionFailure"
	CategoryTransient   Category = "TransientFailure"
	CategoryDirective   Category = "DirectiveFailure"
	CategoryBlocked     Category = "DependencyBlocked"
	CategoryInternal    Category = "InternalConsistency"
	CategoryCancelled   Category = "Cancelled"
	CategoryInvalidArgs Category = "InvalidArguments"
)

// NodeError is the root-cause error attached to a Failed node.
type NodeError struct {
	Node     string
	Category Category
	Attempts int
	Err      error
}

func (e *NodeError) Error() string {
	return e.Err.Error()
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// BlockedError is attached to a node that was never attempted because a
// dependency did not succeed. Root is the originating failure.
type BlockedError struct {
	Node       string
	Dependency string
	// RootNode is the node whose failure started the chain.
	RootNode string
	Root     error
}

func (e *BlockedError) Error() string {
	if e.Dependency == "" {
		return fmt.Sprintf("blocked because the run was cancelled: %v", e.Root)
	}
	if e.Dependency == e.RootNode {
		return fmt.Sprintf("blocked because dependency %s failed: %v", e.Dependency, e.Root)
	}
	return fmt.Sprintf("blocked because dependency %s is blocked by %s: %v", e.Dependency, e.RootNode, e.Root)
}

func (e *BlockedError) Unwrap() error {
	return e.Root
}

// ErrCancelled is the root cause attached to nodes skipped after the run was
// cancelled.
var ErrCancelled = errors.New("run cancelled before the node started")

// InternalConsistencyError signals a defect in ordering: a reference was
// scheduled before its handle existed, or a handle was written twice. It
// aborts the run.
type InternalConsistencyError struct {
	Node string
	Err  error
}

func (e *InternalConsistencyError) Error() string {
	return fmt.Sprintf("internal consistency error at %s: %v", e.Node, e.Err)
}

func (e *InternalConsistencyError) Unwrap() error {
	return e.Err
}
