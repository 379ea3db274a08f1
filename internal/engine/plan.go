package engine

import (
	"errors"
	"time"

	"github.com/picklr-io/rollout/internal/ir"
	"github.com/picklr-io/rollout/internal/logging"
	"github.com/picklr-io/rollout/pkg/provisioner"
)

const defaultParallelism = 10

// Engine runs a spec set against one provisioning backend.
type Engine struct {
	backend provisioner.Backend
	ledger  Ledger

	Parallelism int           // max concurrent external calls; defaults to 10
	Retry       *RetryPolicy  // nil means DefaultRetryPolicy
	Timeout     time.Duration // per-node timeout when the declaration has none
	FailFast    bool          // cancel the run on the first failed node
}

func NewEngine(backend provisioner.Backend, ledger Ledger) *Engine {
	return &Engine{
		backend: backend,
		ledger:  ledger,
	}
}

// CreatePlan predicts the run without contacting the backend: resources whose
// ledger record matches their fingerprint are reused, the rest provisioned.
// A resource downstream of one that will be provisioned cannot be fingerprinted
// yet and is always planned for provisioning.
func (e *Engine) CreatePlan(dag *DAG, rc *provisioner.RunContext) (*ir.Plan, error) {
	logging.Debug("creating plan", "nodes", dag.Len())
	plan := &ir.Plan{
		Environment: rc.Environment,
		Steps:       []*ir.PlanStep{},
		Summary:     &ir.PlanSummary{},
	}

	known := NewHandleRegistry()
	vars := runVars(rc)

	for _, id := range dag.Order() {
		node := dag.Node(id)
		step := &ir.PlanStep{
			ID:        id,
			Type:      node.Type,
			Kind:      node.Kind(),
			DependsOn: dag.Dependencies(id),
		}

		if node.Directive != nil {
			step.Target = node.Directive.Target
			step.Args = node.Directive.Args
			step.Action = "apply"
			plan.Summary.Apply++
			plan.Steps = append(plan.Steps, step)
			continue
		}

		step.Args = node.Resource.Args
		step.Action = "provision"
		if e.ledger != nil {
			args, err := ir.ResolveArgs(node.Resource.Args, known.Get, vars)
			var missing *ir.MissingVarError
			switch {
			case errors.As(err, &missing):
				return nil, err
			case err == nil:
				fp, err := Fingerprint(node.Resource.Kind, args)
				if err != nil {
					return nil, err
				}
				if h, ok := e.ledger.Lookup(id, fp); ok {
					step.Action = "reuse"
					step.Handle = h
					if err := known.Put(id, h); err != nil {
						return nil, &InternalConsistencyError{Node: id, Err: err}
					}
				}
			}
		}
		if step.Action == "reuse" {
			plan.Summary.Reuse++
		} else {
			plan.Summary.Provision++
		}
		plan.Steps = append(plan.Steps, step)
	}

	return plan, nil
}

// runVars returns the variables visible to specs. The run identity is
// available as both "identity" and "deployer" unless overridden.
func runVars(rc *provisioner.RunContext) map[string]string {
	vars := make(map[string]string, len(rc.Vars)+2)
	if rc.Identity != "" {
		vars["identity"] = rc.Identity
		vars["deployer"] = rc.Identity
	}
	for k, v := range rc.Vars {
		vars[k] = v
	}
	return vars
}
