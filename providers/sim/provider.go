// Package sim is an in-memory provisioning backend. It hands out
// deterministic address-like handles, remembers what it created so re-runs
// find existing resources, and keeps the value set by every directive so
// satisfied directives can be detected. Failures can be injected per node,
// kind or operation.
package sim

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/picklr-io/rollout/pkg/provisioner"
)

type Provider struct {
	mu        sync.Mutex
	byPrint   map[string]string            // node id + fingerprint -> handle
	resources map[string]*Deployment       // handle -> deployment
	settings  map[string]map[string]string // handle -> setting key -> value
	failures  map[string]error             // node id, kind or operation -> error
	transient map[string]int               // node id, kind or operation -> remaining failures
	calls     Calls
	log       []string

	// Latency delays every provision and directive call.
	Latency time.Duration
	// Hook, when set, runs at the start of every provision and directive call.
	Hook func(nodeID string)
}

// Deployment is a resource created by the simulator.
type Deployment struct {
	NodeID      string
	Kind        string
	Args        []any
	Fingerprint string
	Handle      string
}

// Calls counts the external calls made against the simulator.
type Calls struct {
	Provision int
	Directive int
	Lookup    int
	Check     int
}

func New() *Provider {
	return &Provider{
		byPrint:   make(map[string]string),
		resources: make(map[string]*Deployment),
		settings:  make(map[string]map[string]string),
		failures:  make(map[string]error),
		transient: make(map[string]int),
	}
}

func (p *Provider) Name() string { return "sim" }

// FailOn makes every call for the given node id, kind or operation fail with err.
func (p *Provider) FailOn(key string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[key] = err
}

// FailTransient makes the next n calls for key fail with a retryable error.
func (p *Provider) FailTransient(key string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transient[key] = n
}

func (p *Provider) Provision(ctx context.Context, rc *provisioner.RunContext, req *provisioner.ProvisionRequest) (string, error) {
	if err := p.enter(ctx, req.NodeID); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls.Provision++
	p.log = append(p.log, "provision "+req.NodeID)

	if err := p.injected(req.NodeID, req.Kind); err != nil {
		return "", err
	}

	handle := deriveHandle(rc, req.NodeID, req.Fingerprint, len(p.resources))
	p.resources[handle] = &Deployment{
		NodeID:      req.NodeID,
		Kind:        req.Kind,
		Args:        req.Args,
		Fingerprint: req.Fingerprint,
		Handle:      handle,
	}
	if req.Fingerprint != "" {
		p.byPrint[existingKey(req)] = handle
	}
	return handle, nil
}

func (p *Provider) ApplyDirective(ctx context.Context, rc *provisioner.RunContext, req *provisioner.DirectiveRequest) error {
	if err := p.enter(ctx, req.NodeID); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls.Directive++
	p.log = append(p.log, "apply "+req.NodeID)

	if err := p.injected(req.NodeID, req.Operation); err != nil {
		return err
	}
	// Targets reused from the ledger were deployed by an earlier process, so
	// only the handle's shape can be checked.
	if !isAddress(req.TargetHandle) {
		return fmt.Errorf("%s: invalid target handle %q", req.Operation, req.TargetHandle)
	}

	key, value, err := settingOf(req)
	if err != nil {
		return err
	}
	if p.settings[req.TargetHandle] == nil {
		p.settings[req.TargetHandle] = make(map[string]string)
	}
	p.settings[req.TargetHandle][key] = value
	return nil
}

func (p *Provider) LookupExisting(ctx context.Context, rc *provisioner.RunContext, req *provisioner.ProvisionRequest) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls.Lookup++
	h, ok := p.byPrint[existingKey(req)]
	return h, ok, nil
}

func existingKey(req *provisioner.ProvisionRequest) string {
	return req.NodeID + "\x00" + req.Fingerprint
}

func (p *Provider) IsApplied(ctx context.Context, rc *provisioner.RunContext, req *provisioner.DirectiveRequest) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls.Check++
	key, value, err := settingOf(req)
	if err != nil {
		return false, err
	}
	current, ok := p.settings[req.TargetHandle][key]
	return ok && current == value, nil
}

// Calls returns the call counters.
func (p *Provider) Calls() Calls {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Log returns every provision and directive call in the order received.
func (p *Provider) Log() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.log...)
}

// Deployment returns what was created at handle.
func (p *Provider) Deployment(handle string) (*Deployment, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.resources[handle]
	return d, ok
}

// Setting returns the value a directive stored on handle.
func (p *Provider) Setting(handle, key string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.settings[handle][key]
	return v, ok
}

// Plain hides the optional lookup and state check capabilities, leaving a
// backend that can only provision and apply.
func (p *Provider) Plain() provisioner.Backend {
	return plain{p}
}

type plain struct{ p *Provider }

func (b plain) Name() string { return "sim" }
func (b plain) Provision(ctx context.Context, rc *provisioner.RunContext, req *provisioner.ProvisionRequest) (string, error) {
	return b.p.Provision(ctx, rc, req)
}
func (b plain) ApplyDirective(ctx context.Context, rc *provisioner.RunContext, req *provisioner.DirectiveRequest) error {
	return b.p.ApplyDirective(ctx, rc, req)
}

func (p *Provider) enter(ctx context.Context, nodeID string) error {
	if p.Hook != nil {
		p.Hook(nodeID)
	}
	if p.Latency > 0 {
		select {
		case <-time.After(p.Latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// injected returns the configured failure for the first matching key.
// Caller holds p.mu.
func (p *Provider) injected(keys ...string) error {
	for _, k := range keys {
		if n := p.transient[k]; n > 0 {
			p.transient[k] = n - 1
			return provisioner.Transient(errors.New("connection reset by peer"))
		}
	}
	for _, k := range keys {
		if err, ok := p.failures[k]; ok {
			return err
		}
	}
	return nil
}

// settingOf derives the key and value a directive writes. Operations named
// set* store a single value per operation, so re-setting a different value
// is a change; any other operation is keyed by its arguments (grants).
func settingOf(req *provisioner.DirectiveRequest) (string, string, error) {
	args, err := json.Marshal(req.Args)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode args of %s: %w", req.Operation, err)
	}
	if strings.HasPrefix(req.Operation, "set") {
		return req.Operation, string(args), nil
	}
	return req.Operation + string(args), "true", nil
}

func isAddress(handle string) bool {
	if len(handle) != 42 || !strings.HasPrefix(handle, "0x") {
		return false
	}
	_, err := hex.DecodeString(handle[2:])
	return err == nil
}

func deriveHandle(rc *provisioner.RunContext, nodeID, fingerprint string, seq int) string {
	h := sha256.New()
	if rc != nil {
		h.Write([]byte(rc.Environment))
	}
	h.Write([]byte(nodeID))
	h.Write([]byte(fingerprint))
	if fingerprint == "" {
		fmt.Fprintf(h, "%d", seq)
	}
	return "0x" + hex.EncodeToString(h.Sum(nil))[:40]
}
