// Package provisioner defines the contract between the rollout engine and the
// systems that actually create resources and apply directives.
package provisioner

import (
	"context"
)

// RunContext carries everything a backend needs to know about the run it is
// serving. It is created once per run and passed to every call.
type RunContext struct {
	RunID       string
	Environment string
	Endpoint    string
	// Identity is the account on whose behalf resources are created.
	Identity    string
	Credentials Credentials
	Vars        map[string]string
}

// Credentials are opaque to the engine and forwarded to the backend as is.
type Credentials struct {
	Token  string
	Extras map[string]string
}

// ProvisionRequest asks a backend to create one resource.
type ProvisionRequest struct {
	NodeID      string
	Kind        string
	Args        []any
	Fingerprint string
}

// DirectiveRequest asks a backend to apply one directive to a deployed resource.
type DirectiveRequest struct {
	NodeID       string
	TargetID     string
	TargetHandle string
	Operation    string
	Args         []any
}

// Backend provisions resources and applies directives. Both calls may block
// until the external system confirms the action.
type Backend interface {
	Name() string
	Provision(ctx context.Context, rc *RunContext, req *ProvisionRequest) (string, error)
	ApplyDirective(ctx context.Context, rc *RunContext, req *DirectiveRequest) error
}

// Finder is implemented by backends that can find a resource created by an
// earlier run. A match must agree on both NodeID and Fingerprint: two nodes
// with identical kind and args are still distinct resources.
type Finder interface {
	LookupExisting(ctx context.Context, rc *RunContext, req *ProvisionRequest) (handle string, found bool, err error)
}

// Checker is implemented by backends that can read the current state of a
// target and report whether a directive is already satisfied.
type Checker interface {
	IsApplied(ctx context.Context, rc *RunContext, req *DirectiveRequest) (bool, error)
}

// Closer is implemented by backends holding connections.
type Closer interface {
	Close() error
}
