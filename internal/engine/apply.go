package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"

	"github.com/picklr-io/rollout/internal/ir"
	"github.com/picklr-io/rollout/internal/logging"
	"github.com/picklr-io/rollout/pkg/provisioner"
)

// RunEvent reports a status change of one node.
type RunEvent struct {
	Node      string
	Type      ir.NodeType
	Kind      string
	Status    ir.Status
	Handle    string
	Reused    bool
	Unchanged bool
	Attempts  int
	Duration  time.Duration
	Error     error
}

// RunCallback receives run events. It is called from several goroutines.
type RunCallback func(event RunEvent)

// NodeResult is the outcome of one node.
type NodeResult struct {
	ID          string
	Type        ir.NodeType
	Kind        string
	Target      string
	Status      ir.Status
	Handle      string
	Fingerprint string
	Reused      bool
	Unchanged   bool
	Attempts    int
	Duration    time.Duration
	Err         error
}

// Result holds the outcome of every node of a run.
type Result struct {
	RunID       string
	Environment string
	StartedAt   time.Time
	FinishedAt  time.Time
	Order       []string
	Nodes       map[string]*NodeResult
}

// Err aggregates the root causes of every failed node, in execution order.
// Blocked nodes are not included since they always cite one of these.
func (r *Result) Err() error {
	var merr *multierror.Error
	for _, id := range r.Order {
		n := r.Nodes[id]
		if n.Status == ir.StatusFailed {
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", id, n.Err))
		}
	}
	return merr.ErrorOrNil()
}

// Run executes every node of dag. Nodes start as soon as all nodes they
// depend on are terminal; independent nodes run concurrently, bounded by
// Parallelism. A failed node blocks its transitive dependents and the rest of
// the graph keeps going.
//
// Cancelling ctx stops scheduling: calls already in flight complete, nodes
// not yet started end Blocked. The returned error is non-nil only when the
// run was aborted by an internal consistency error; node failures are
// reported in the Result.
func (e *Engine) Run(ctx context.Context, rc *provisioner.RunContext, dag *DAG, callback RunCallback) (*Result, error) {
	if rc.RunID == "" {
		rc.RunID = uuid.NewString()
	}
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	result := &Result{
		RunID:       rc.RunID,
		Environment: rc.Environment,
		StartedAt:   time.Now().UTC(),
		Order:       dag.Order(),
		Nodes:       make(map[string]*NodeResult, dag.Len()),
	}
	for _, id := range dag.Order() {
		node := dag.Node(id)
		nr := &NodeResult{ID: id, Type: node.Type, Kind: node.Kind(), Status: ir.StatusPending}
		if node.Directive != nil {
			nr.Target = node.Directive.Target
		}
		result.Nodes[id] = nr
	}

	emit := func(event RunEvent) {
		if callback != nil {
			callback(event)
		}
	}

	parallelism := e.Parallelism
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}

	r := &runner{
		engine:   e,
		rc:       rc,
		vars:     runVars(rc),
		dag:      dag,
		result:   result,
		handles:  NewHandleRegistry(),
		sem:      semaphore.NewWeighted(int64(parallelism)),
		emit:     emit,
		runCtx:   runCtx,
		cancel:   cancelRun,
		finished: make(map[string]bool),
	}
	r.cond = sync.NewCond(&r.mu)

	// Waiters re-check the context when it is cancelled
	stopWake := context.AfterFunc(runCtx, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer stopWake()

	logging.Info("starting run", "run_id", rc.RunID, "environment", rc.Environment, "nodes", dag.Len(), "parallelism", parallelism)

	var wg sync.WaitGroup
	for _, id := range dag.Order() {
		wg.Add(1)
		go func(node *Node) {
			defer wg.Done()
			r.schedule(node)
		}(dag.Node(id))
	}
	wg.Wait()

	result.FinishedAt = time.Now().UTC()
	logging.Info("run finished", "run_id", rc.RunID, "duration", result.FinishedAt.Sub(result.StartedAt))

	if r.fatal != nil {
		return result, r.fatal
	}
	return result, nil
}

type runner struct {
	engine  *Engine
	rc      *provisioner.RunContext
	vars    map[string]string
	dag     *DAG
	result  *Result
	handles *HandleRegistry
	sem     *semaphore.Weighted
	emit    func(RunEvent)
	runCtx  context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	cond     *sync.Cond
	finished map[string]bool
	fatal    error
}

// schedule waits for node's predecessors, then runs it or marks it blocked.
func (r *runner) schedule(node *Node) {
	r.mu.Lock()
	for {
		if blocked := r.blockedBy(node); blocked != nil {
			r.mu.Unlock()
			r.finish(node, outcome{status: ir.StatusBlocked, err: blocked})
			return
		}
		if r.predecessorsDone(node) {
			break
		}
		if r.runCtx.Err() != nil {
			r.mu.Unlock()
			r.finish(node, outcome{status: ir.StatusBlocked, err: &BlockedError{Node: node.ID, Root: ErrCancelled}})
			return
		}
		r.cond.Wait()
	}
	r.mu.Unlock()

	if err := r.sem.Acquire(r.runCtx, 1); err != nil {
		r.finish(node, outcome{status: ir.StatusBlocked, err: &BlockedError{Node: node.ID, Root: ErrCancelled}})
		return
	}
	defer r.sem.Release(1)

	if r.runCtx.Err() != nil {
		r.finish(node, outcome{status: ir.StatusBlocked, err: &BlockedError{Node: node.ID, Root: ErrCancelled}})
		return
	}

	start := time.Now()
	var out outcome
	if node.Resource != nil {
		out = r.provision(node)
	} else {
		out = r.applyDirective(node)
	}
	out.duration = time.Since(start)
	r.finish(node, out)
}

// blockedBy returns the reason node can never run, or nil. Caller holds r.mu.
func (r *runner) blockedBy(node *Node) *BlockedError {
	for _, dep := range node.deps {
		dr := r.result.Nodes[dep]
		switch dr.Status {
		case ir.StatusFailed:
			return &BlockedError{Node: node.ID, Dependency: dep, RootNode: dep, Root: dr.Err}
		case ir.StatusBlocked:
			var upstream *BlockedError
			if errors.As(dr.Err, &upstream) && upstream.RootNode != "" {
				return &BlockedError{Node: node.ID, Dependency: dep, RootNode: upstream.RootNode, Root: upstream.Root}
			}
			return &BlockedError{Node: node.ID, Root: ErrCancelled}
		}
	}
	return nil
}

// predecessorsDone reports whether every data and ordering predecessor is
// terminal. Caller holds r.mu.
func (r *runner) predecessorsDone(node *Node) bool {
	for _, dep := range node.predecessors() {
		if !r.finished[dep] {
			return false
		}
	}
	return true
}

// outcome is what executing a node produced.
type outcome struct {
	status      ir.Status
	handle      string
	fingerprint string
	reused      bool
	unchanged   bool
	attempts    int
	duration    time.Duration
	err         error
}

// finish records the terminal status of node and wakes its waiters.
func (r *runner) finish(node *Node, out outcome) {
	var ice *InternalConsistencyError
	if errors.As(out.err, &ice) {
		logging.Error("aborting run", "node", node.ID, "error", out.err)
		r.mu.Lock()
		if r.fatal == nil {
			r.fatal = out.err
		}
		r.mu.Unlock()
		r.cancel()
	}

	r.mu.Lock()
	nr := r.result.Nodes[node.ID]
	if !nr.Status.CanTransition(out.status) {
		logging.Error("invalid status transition", "node", node.ID, "from", nr.Status, "to", out.status)
	}
	nr.Status = out.status
	nr.Handle = out.handle
	nr.Fingerprint = out.fingerprint
	nr.Reused = out.reused
	nr.Unchanged = out.unchanged
	nr.Attempts = out.attempts
	nr.Duration = out.duration
	nr.Err = out.err
	r.finished[node.ID] = true
	r.cond.Broadcast()
	r.mu.Unlock()

	switch out.status {
	case ir.StatusFailed:
		logging.Error("node failed", "node", node.ID, "kind", node.Kind(), "attempts", out.attempts, "error", out.err)
		if r.engine.FailFast {
			r.cancel()
		}
	case ir.StatusBlocked:
		logging.Warn("node blocked", "node", node.ID, "kind", node.Kind(), "reason", out.err)
	default:
		logging.Debug("node done", "node", node.ID, "kind", node.Kind(), "status", out.status, "reused", out.reused, "unchanged", out.unchanged)
	}

	r.emit(RunEvent{
		Node:      node.ID,
		Type:      node.Type,
		Kind:      node.Kind(),
		Status:    out.status,
		Handle:    out.handle,
		Reused:    out.reused,
		Unchanged: out.unchanged,
		Attempts:  out.attempts,
		Duration:  out.duration,
		Error:     out.err,
	})
}

// start moves node into its in-flight status.
func (r *runner) start(node *Node, status ir.Status) {
	r.mu.Lock()
	r.result.Nodes[node.ID].Status = status
	r.mu.Unlock()
	r.emit(RunEvent{Node: node.ID, Type: node.Type, Kind: node.Kind(), Status: status})
}

// callContext returns the context for external calls of node. It survives
// run cancellation so an in-flight call is never abandoned, and is bounded
// by the node timeout. The second context stops retries once the run is
// cancelled.
func (r *runner) callContext(node *Node) (call, stop context.Context, cancel func()) {
	timeout := r.engine.Timeout
	if s := node.Timeout(); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			timeout = d
		} else {
			logging.Warn("ignoring invalid timeout", "node", node.ID, "timeout", s, "error", err)
		}
	}
	call, cancelCall := WithTimeout(context.WithoutCancel(r.runCtx), timeout)
	stop, cancelStop := context.WithCancel(call)
	stopAfter := context.AfterFunc(r.runCtx, cancelStop)
	return call, stop, func() {
		stopAfter()
		cancelStop()
		cancelCall()
	}
}

func (r *runner) retryPolicy() *RetryPolicy {
	if r.engine.Retry != nil {
		return r.engine.Retry
	}
	return DefaultRetryPolicy()
}

// resolve resolves args against the registry. A missing handle means the
// scheduler let the node run too early.
func (r *runner) resolve(node *Node, args []ir.Arg) ([]any, error) {
	values, err := ir.ResolveArgs(args, r.handles.Get, r.vars)
	if err == nil {
		return values, nil
	}
	var missing *ir.MissingHandleError
	if errors.As(err, &missing) {
		return nil, &InternalConsistencyError{Node: node.ID, Err: err}
	}
	return nil, &NodeError{Node: node.ID, Category: CategoryInvalidArgs, Err: err}
}

func failure(node *Node, category Category, attempts int, err error) outcome {
	var ne *NodeError
	if errors.As(err, &ne) {
		return outcome{status: ir.StatusFailed, attempts: attempts, err: err}
	}
	var ice *InternalConsistencyError
	if errors.As(err, &ice) {
		category = CategoryInternal
	}
	return outcome{status: ir.StatusFailed, attempts: attempts, err: &NodeError{Node: node.ID, Category: category, Attempts: attempts, Err: err}}
}

// categoryFor classifies an error returned from a retried call. Transient
// failures escalate to the permanent category once retries run out.
func categoryFor(err error, permanent Category) Category {
	if errors.Is(err, context.Canceled) {
		return CategoryCancelled
	}
	return permanent
}
