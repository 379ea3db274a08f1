package engine

import (
	"errors"
	"fmt"

	"github.com/picklr-io/rollout/internal/ir"
	"github.com/picklr-io/rollout/internal/logging"
	"github.com/picklr-io/rollout/pkg/provisioner"
)

// provision realizes one resource: resolve its args, reuse an existing
// handle when one matches the fingerprint, otherwise call the backend.
func (r *runner) provision(node *Node) outcome {
	spec := node.Resource
	r.start(node, ir.StatusDeploying)

	args, err := r.resolve(node, spec.Args)
	if err != nil {
		return failure(node, CategoryProvision, 0, err)
	}
	fp, err := Fingerprint(spec.Kind, args)
	if err != nil {
		return failure(node, CategoryInvalidArgs, 0, err)
	}

	call, stop, cancel := r.callContext(node)
	defer cancel()

	req := &provisioner.ProvisionRequest{
		NodeID:      node.ID,
		Kind:        spec.Kind,
		Args:        args,
		Fingerprint: fp,
	}
	handle, reused, err := r.lookupExisting(node, req)
	if err != nil {
		return failure(node, categoryFor(err, CategoryProvision), 0, fmt.Errorf("lookup of existing %s failed: %w", spec.Kind, err))
	}
	if reused {
		if err := r.handles.Put(node.ID, handle); err != nil {
			return outcome{status: ir.StatusFailed, err: &InternalConsistencyError{Node: node.ID, Err: err}}
		}
		logging.Info("reusing existing resource", "node", node.ID, "kind", spec.Kind, "handle", handle)
		return outcome{status: ir.StatusDeployed, handle: handle, fingerprint: fp, reused: true}
	}

	attempts, err := RetryWithBackoff(stop, r.retryPolicy(), func(attempt int) error {
		if attempt > 1 {
			logging.Warn("retrying provision", "node", node.ID, "kind", spec.Kind, "attempt", attempt)
		}
		h, err := r.engine.backend.Provision(call, r.rc, req)
		if err != nil {
			return err
		}
		if h == "" {
			return errors.New("backend returned an empty handle")
		}
		handle = h
		return nil
	}, IsTransientError)
	if err != nil {
		return failure(node, categoryFor(err, CategoryProvision), attempts, fmt.Errorf("provision %s failed: %w", spec.Kind, err))
	}

	if err := r.handles.Put(node.ID, handle); err != nil {
		return outcome{status: ir.StatusFailed, attempts: attempts, err: &InternalConsistencyError{Node: node.ID, Err: err}}
	}
	if r.engine.ledger != nil {
		r.engine.ledger.Record(&ir.HandleRecord{
			ID:          node.ID,
			Kind:        spec.Kind,
			Fingerprint: fp,
			Handle:      handle,
			RunID:       r.rc.RunID,
		})
	}

	return outcome{status: ir.StatusDeployed, handle: handle, fingerprint: fp, attempts: attempts}
}

// lookupExisting asks the backend first; it is authoritative when it can
// answer. Without a Finder, or when the Finder reports ErrUnsupported, the
// ledger record for the same id and fingerprint is trusted.
func (r *runner) lookupExisting(node *Node, req *provisioner.ProvisionRequest) (string, bool, error) {
	fp := req.Fingerprint
	if finder, ok := r.engine.backend.(provisioner.Finder); ok {
		call, stop, cancel := r.callContext(node)
		defer cancel()

		var (
			handle string
			found  bool
		)
		_, err := RetryWithBackoff(stop, r.retryPolicy(), func(int) error {
			var err error
			handle, found, err = finder.LookupExisting(call, r.rc, req)
			return err
		}, IsTransientError)
		switch {
		case errors.Is(err, provisioner.ErrUnsupported):
			return r.ledgerLookup(node, fp)
		case err != nil:
			return "", false, err
		}
		if found && r.engine.ledger != nil {
			r.engine.ledger.Record(&ir.HandleRecord{
				ID:          node.ID,
				Kind:        node.Resource.Kind,
				Fingerprint: fp,
				Handle:      handle,
				RunID:       r.rc.RunID,
			})
		}
		return handle, found && handle != "", nil
	}

	return r.ledgerLookup(node, fp)
}

func (r *runner) ledgerLookup(node *Node, fp string) (string, bool, error) {
	if r.engine.ledger != nil {
		if h, ok := r.engine.ledger.Lookup(node.ID, fp); ok {
			return h, true, nil
		}
	}
	return "", false, nil
}
