package engine

import (
	"errors"
	"fmt"

	"github.com/picklr-io/rollout/internal/ir"
	"github.com/picklr-io/rollout/internal/logging"
	"github.com/picklr-io/rollout/pkg/provisioner"
)

// applyDirective applies one directive to its deployed target. When the
// backend can read the target's current state and the directive is already
// satisfied, the call is skipped.
func (r *runner) applyDirective(node *Node) outcome {
	spec := node.Directive
	r.start(node, ir.StatusApplying)

	target, ok := r.handles.Get(spec.Target)
	if !ok {
		return failure(node, CategoryInternal, 0, &InternalConsistencyError{
			Node: node.ID,
			Err:  &ir.MissingHandleError{Ref: spec.Target},
		})
	}
	args, err := r.resolve(node, spec.Args)
	if err != nil {
		return failure(node, CategoryDirective, 0, err)
	}

	call, stop, cancel := r.callContext(node)
	defer cancel()

	req := &provisioner.DirectiveRequest{
		NodeID:       node.ID,
		TargetID:     spec.Target,
		TargetHandle: target,
		Operation:    spec.Operation,
		Args:         args,
	}

	if checker, ok := r.engine.backend.(provisioner.Checker); ok {
		var applied bool
		_, err := RetryWithBackoff(stop, r.retryPolicy(), func(int) error {
			var err error
			applied, err = checker.IsApplied(call, r.rc, req)
			return err
		}, IsTransientError)
		if err != nil && !errors.Is(err, provisioner.ErrUnsupported) {
			return failure(node, categoryFor(err, CategoryDirective), 0, fmt.Errorf("reading current state of %s failed: %w", spec.Target, err))
		}
		if applied {
			logging.Info("directive already satisfied", "node", node.ID, "operation", spec.Operation, "target", spec.Target)
			return outcome{status: ir.StatusApplied, unchanged: true}
		}
	}

	attempts, err := RetryWithBackoff(stop, r.retryPolicy(), func(attempt int) error {
		if attempt > 1 {
			logging.Warn("retrying directive", "node", node.ID, "operation", spec.Operation, "attempt", attempt)
		}
		return r.engine.backend.ApplyDirective(call, r.rc, req)
	}, IsTransientError)
	if err != nil {
		return failure(node, categoryFor(err, CategoryDirective), attempts, fmt.Errorf("%s on %s failed: %w", spec.Operation, spec.Target, err))
	}

	return outcome{status: ir.StatusApplied, attempts: attempts}
}
