// Package docker runs every provisioning call in a short-lived deployer
// container. The container receives the call as JSON in ROLLOUT_REQUEST and
// answers with one JSON line on stdout.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/picklr-io/rollout/internal/logging"
	"github.com/picklr-io/rollout/pkg/provisioner"
)

// Actions sent to the deployer container.
const (
	ActionProvision = "provision"
	ActionApply     = "apply"
	ActionLookup    = "lookup"
	ActionCheck     = "check"
)

// dockerAPI is the subset of the Docker client used by the backend.
type dockerAPI interface {
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *v1.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Options configures the deployer container.
type Options struct {
	Image    string
	Command  []string
	Platform string // os/arch[/variant]
	Network  string
	Pull     bool
	Env      map[string]string
}

type Provider struct {
	opts   Options
	client dockerAPI

	pullOnce sync.Once
	pullErr  error
}

func New(opts Options) *Provider {
	return &Provider{opts: opts}
}

func (p *Provider) Name() string { return "docker" }

func (p *Provider) ensureClient() error {
	if p.client != nil {
		return nil
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("failed to create Docker client: %w", err)
	}
	p.client = cli
	return nil
}

// Close releases the Docker client.
func (p *Provider) Close() error {
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}

// Request is the JSON document handed to the deployer container.
type Request struct {
	Action       string            `json:"action"`
	RunID        string            `json:"runId"`
	Environment  string            `json:"environment"`
	Endpoint     string            `json:"endpoint,omitempty"`
	Identity     string            `json:"identity,omitempty"`
	Vars         map[string]string `json:"vars,omitempty"`
	NodeID       string            `json:"nodeId,omitempty"`
	Kind         string            `json:"kind,omitempty"`
	TargetID     string            `json:"targetId,omitempty"`
	TargetHandle string            `json:"targetHandle,omitempty"`
	Operation    string            `json:"operation,omitempty"`
	Args         []any             `json:"args,omitempty"`
	Fingerprint  string            `json:"fingerprint,omitempty"`
}

// Response is the last JSON line the deployer container prints.
type Response struct {
	Handle      string `json:"handle,omitempty"`
	Found       bool   `json:"found,omitempty"`
	Applied     bool   `json:"applied,omitempty"`
	Unsupported bool   `json:"unsupported,omitempty"`
	Error       string `json:"error,omitempty"`
	Transient   bool   `json:"transient,omitempty"`
}

func (p *Provider) Provision(ctx context.Context, rc *provisioner.RunContext, req *provisioner.ProvisionRequest) (string, error) {
	resp, err := p.run(ctx, rc, &Request{
		Action:      ActionProvision,
		NodeID:      req.NodeID,
		Kind:        req.Kind,
		Args:        req.Args,
		Fingerprint: req.Fingerprint,
	})
	if err != nil {
		return "", err
	}
	if resp.Handle == "" {
		return "", fmt.Errorf("deployer returned no handle for %s", req.NodeID)
	}
	return resp.Handle, nil
}

func (p *Provider) ApplyDirective(ctx context.Context, rc *provisioner.RunContext, req *provisioner.DirectiveRequest) error {
	_, err := p.run(ctx, rc, directiveRequest(ActionApply, req))
	return err
}

// LookupExisting asks the deployer for a resource with the given node id
// and fingerprint. Deployers that cannot search answer {"unsupported": true}.
func (p *Provider) LookupExisting(ctx context.Context, rc *provisioner.RunContext, req *provisioner.ProvisionRequest) (string, bool, error) {
	resp, err := p.run(ctx, rc, &Request{
		Action:      ActionLookup,
		NodeID:      req.NodeID,
		Kind:        req.Kind,
		Fingerprint: req.Fingerprint,
	})
	if err != nil {
		return "", false, err
	}
	if resp.Unsupported {
		return "", false, provisioner.ErrUnsupported
	}
	if !resp.Found {
		return "", false, nil
	}
	return resp.Handle, resp.Handle != "", nil
}

func (p *Provider) IsApplied(ctx context.Context, rc *provisioner.RunContext, req *provisioner.DirectiveRequest) (bool, error) {
	resp, err := p.run(ctx, rc, directiveRequest(ActionCheck, req))
	if err != nil {
		return false, err
	}
	if resp.Unsupported {
		return false, provisioner.ErrUnsupported
	}
	return resp.Applied, nil
}

func directiveRequest(action string, req *provisioner.DirectiveRequest) *Request {
	return &Request{
		Action:       action,
		NodeID:       req.NodeID,
		TargetID:     req.TargetID,
		TargetHandle: req.TargetHandle,
		Operation:    req.Operation,
		Args:         req.Args,
	}
}

// run executes one deployer container for req and decodes its answer.
func (p *Provider) run(ctx context.Context, rc *provisioner.RunContext, req *Request) (*Response, error) {
	if err := p.ensureClient(); err != nil {
		return nil, err
	}
	if err := p.pull(ctx); err != nil {
		return nil, err
	}

	req.RunID = rc.RunID
	req.Environment = rc.Environment
	req.Endpoint = rc.Endpoint
	req.Identity = rc.Identity
	req.Vars = rc.Vars
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode deployer request: %w", err)
	}

	platform, err := parsePlatform(p.opts.Platform)
	if err != nil {
		return nil, err
	}

	config := &container.Config{
		Image: p.opts.Image,
		Cmd:   p.opts.Command,
		Env:   p.containerEnv(rc, req.Action, payload),
		Labels: map[string]string{
			"io.rollout.run-id":      rc.RunID,
			"io.rollout.environment": rc.Environment,
			"io.rollout.node":        req.NodeID,
			"io.rollout.action":      req.Action,
		},
	}
	hostConfig := &container.HostConfig{}
	if p.opts.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(p.opts.Network)
	}

	created, err := p.client.ContainerCreate(ctx, config, hostConfig, &network.NetworkingConfig{}, platform, "")
	if err != nil {
		return nil, classify(fmt.Errorf("failed to create deployer container: %w", err))
	}
	defer func() {
		// the call context may be done; removal must still happen
		if err := p.client.ContainerRemove(context.WithoutCancel(ctx), created.ID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
			logging.Warn("failed to remove deployer container", "container", created.ID, "error", err)
		}
	}()

	if err := p.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, classify(fmt.Errorf("failed to start deployer container: %w", err))
	}

	logging.Debug("deployer started", "container", created.ID, "action", req.Action, "node", req.NodeID)

	var exitCode int64
	statusCh, errCh := p.client.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, classify(fmt.Errorf("failed waiting for deployer container: %w", err))
		}
	case status := <-statusCh:
		if status.Error != nil {
			return nil, fmt.Errorf("deployer container failed: %s", status.Error.Message)
		}
		exitCode = status.StatusCode
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	logs, err := p.client.ContainerLogs(ctx, created.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, classify(fmt.Errorf("failed to read deployer output: %w", err))
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return nil, fmt.Errorf("failed to demultiplex deployer output: %w", err)
	}

	resp, ok := parseResponse(stdout.Bytes())
	if !ok {
		if exitCode != 0 {
			return nil, fmt.Errorf("deployer exited with status %d: %s", exitCode, lastLine(stderr.Bytes()))
		}
		return nil, fmt.Errorf("deployer printed no response for %s", req.Action)
	}
	if resp.Error != "" {
		err := errors.New(resp.Error)
		if resp.Transient {
			return nil, provisioner.Transient(err)
		}
		return nil, err
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("deployer exited with status %d: %s", exitCode, lastLine(stderr.Bytes()))
	}
	return resp, nil
}

func (p *Provider) pull(ctx context.Context) error {
	if !p.opts.Pull {
		return nil
	}
	p.pullOnce.Do(func() {
		reader, err := p.client.ImagePull(ctx, p.opts.Image, image.PullOptions{Platform: p.opts.Platform})
		if err != nil {
			p.pullErr = fmt.Errorf("failed to pull image %s: %w", p.opts.Image, err)
			return
		}
		defer reader.Close()
		// Drain output to complete the pull
		if _, err := io.Copy(io.Discard, reader); err != nil {
			p.pullErr = fmt.Errorf("failed to pull image %s: %w", p.opts.Image, err)
			return
		}
		logging.Info("pulled deployer image", "image", p.opts.Image)
	})
	return p.pullErr
}

func (p *Provider) containerEnv(rc *provisioner.RunContext, action string, payload []byte) []string {
	env := map[string]string{
		"ROLLOUT_ACTION":      action,
		"ROLLOUT_REQUEST":     string(payload),
		"ROLLOUT_RUN_ID":      rc.RunID,
		"ROLLOUT_ENVIRONMENT": rc.Environment,
		"ROLLOUT_ENDPOINT":    rc.Endpoint,
		"ROLLOUT_IDENTITY":    rc.Identity,
	}
	if rc.Credentials.Token != "" {
		env["ROLLOUT_TOKEN"] = rc.Credentials.Token
	}
	for k, v := range rc.Credentials.Extras {
		env["ROLLOUT_CREDENTIAL_"+envName(k)] = v
	}
	for k, v := range p.opts.Env {
		env[k] = v
	}
	return mapToEnvList(env)
}

func mapToEnvList(m map[string]string) []string {
	var env []string
	for k, v := range m {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(env)
	return env
}

func envName(key string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(key))
}

// parsePlatform parses os/arch[/variant]. An empty string selects the
// daemon default.
func parsePlatform(s string) (*v1.Platform, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid platform %q: expected os/arch[/variant]", s)
	}
	platform := &v1.Platform{OS: parts[0], Architecture: parts[1]}
	if len(parts) == 3 {
		platform.Variant = parts[2]
	}
	return platform, nil
}

// parseResponse decodes the last non-empty stdout line.
func parseResponse(stdout []byte) (*Response, bool) {
	line := lastLine(stdout)
	if line == "" {
		return nil, false
	}
	var resp Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

func lastLine(b []byte) string {
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// classify marks daemon connectivity problems as retryable.
func classify(err error) error {
	if client.IsErrConnectionFailed(err) {
		return provisioner.Transient(err)
	}
	return err
}
