package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/rollout/pkg/provisioner"
)

// deployerFunc plays the deployer image: it receives the decoded request and
// returns stdout, stderr and the exit code.
type deployerFunc func(req Request, env map[string]string) (stdout, stderr string, code int64)

type fakeDocker struct {
	mu        sync.Mutex
	deployer  deployerFunc
	pulls     int
	created   []*container.Config
	hosts     []*container.HostConfig
	platforms []*v1.Platform
	removed   []string
	outputs   map[string][3]any
	createErr error
}

func newFakeDocker(d deployerFunc) *fakeDocker {
	return &fakeDocker{deployer: d, outputs: map[string][3]any{}}
}

func (f *fakeDocker) ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++
	return io.NopCloser(strings.NewReader(`{"status":"Downloaded"}`)), nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, platform *v1.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.created = append(f.created, config)
	f.hosts = append(f.hosts, hostConfig)
	f.platforms = append(f.platforms, platform)
	id := "c" + string(rune('0'+len(f.created)))

	env := map[string]string{}
	for _, kv := range config.Env {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	var req Request
	if err := json.Unmarshal([]byte(env["ROLLOUT_REQUEST"]), &req); err != nil {
		return container.CreateResponse{}, err
	}
	stdout, stderr, code := f.deployer(req, env)
	f.outputs[id] = [3]any{stdout, stderr, code}
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, opts container.StartOptions) error {
	return nil
}

func (f *fakeDocker) ContainerWait(ctx context.Context, id string, cond container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	f.mu.Lock()
	code := f.outputs[id][2].(int64)
	f.mu.Unlock()
	statusCh := make(chan container.WaitResponse, 1)
	statusCh <- container.WaitResponse{StatusCode: code}
	return statusCh, make(chan error)
}

func (f *fakeDocker) ContainerLogs(ctx context.Context, id string, opts container.LogsOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	out := f.outputs[id]
	f.mu.Unlock()
	var buf bytes.Buffer
	if s := out[0].(string); s != "" {
		if _, err := stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(s)); err != nil {
			return nil, err
		}
	}
	if s := out[1].(string); s != "" {
		if _, err := stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(s)); err != nil {
			return nil, err
		}
	}
	return io.NopCloser(&buf), nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDocker) Close() error { return nil }

func newProvider(opts Options, d deployerFunc) (*Provider, *fakeDocker) {
	fake := newFakeDocker(d)
	p := New(opts)
	p.client = fake
	return p, fake
}

func testRunContext() *provisioner.RunContext {
	return &provisioner.RunContext{
		RunID:       "run-1",
		Environment: "sepolia",
		Endpoint:    "https://rpc",
		Identity:    "0xdeployer",
		Credentials: provisioner.Credentials{Token: "s3cr3t", Extras: map[string]string{"chain-id": "11155111"}},
		Vars:        map[string]string{"treasury": "0xtreasury"},
	}
}

func TestProvider_Provision(t *testing.T) {
	var seen Request
	var seenEnv map[string]string
	p, fake := newProvider(Options{Image: "deployer:1", Command: []string{"deploy"}, Platform: "linux/arm64/v8", Network: "host", Pull: true},
		func(req Request, env map[string]string) (string, string, int64) {
			seen, seenEnv = req, env
			return "compiling...\n{\"handle\": \"0xabc\"}\n", "", 0
		})

	handle, err := p.Provision(context.Background(), testRunContext(), &provisioner.ProvisionRequest{
		NodeID: "token", Kind: "IKIGAIToken", Args: []any{"0xdeployer", float64(500)}, Fingerprint: "fp",
	})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", handle)

	assert.Equal(t, ActionProvision, seen.Action)
	assert.Equal(t, "token", seen.NodeID)
	assert.Equal(t, "IKIGAIToken", seen.Kind)
	assert.Equal(t, []any{"0xdeployer", float64(500)}, seen.Args)
	assert.Equal(t, "run-1", seen.RunID)
	assert.Equal(t, map[string]string{"treasury": "0xtreasury"}, seen.Vars)

	assert.Equal(t, "s3cr3t", seenEnv["ROLLOUT_TOKEN"])
	assert.Equal(t, "11155111", seenEnv["ROLLOUT_CREDENTIAL_CHAIN_ID"])
	assert.Equal(t, "0xdeployer", seenEnv["ROLLOUT_IDENTITY"])
	assert.NotContains(t, seenEnv["ROLLOUT_REQUEST"], "s3cr3t")

	require.Len(t, fake.created, 1)
	assert.Equal(t, "deployer:1", fake.created[0].Image)
	assert.Equal(t, "token", fake.created[0].Labels["io.rollout.node"])
	assert.Equal(t, container.NetworkMode("host"), fake.hosts[0].NetworkMode)
	assert.Equal(t, &v1.Platform{OS: "linux", Architecture: "arm64", Variant: "v8"}, fake.platforms[0])
	assert.Equal(t, []string{"c1"}, fake.removed)
	assert.Equal(t, 1, fake.pulls)

	_, err = p.Provision(context.Background(), testRunContext(), &provisioner.ProvisionRequest{NodeID: "nft"})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.pulls, "image is pulled once per backend")
}

func TestProvider_Errors(t *testing.T) {
	tests := []struct {
		name          string
		stdout        string
		stderr        string
		code          int64
		wantErr       string
		wantTransient bool
	}{
		{"reported error", `{"error": "execution reverted"}`, "", 1, "execution reverted", false},
		{"transient error", `{"error": "nonce too low", "transient": true}`, "", 1, "nonce too low", true},
		{"crash", "", "panic: boom\n", 2, "deployer exited with status 2: panic: boom", false},
		{"no response", "done\n", "", 0, "printed no response", false},
		{"no handle", `{}`, "", 0, "no handle", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, fake := newProvider(Options{Image: "deployer:1"}, func(Request, map[string]string) (string, string, int64) {
				return tt.stdout, tt.stderr, tt.code
			})
			_, err := p.Provision(context.Background(), testRunContext(), &provisioner.ProvisionRequest{NodeID: "token"})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, tt.wantTransient, provisioner.IsTransient(err))
			assert.Len(t, fake.removed, 1)
			assert.Zero(t, fake.pulls)
		})
	}
}

func TestProvider_DirectiveLookupAndCheck(t *testing.T) {
	p, fake := newProvider(Options{Image: "deployer:1"}, func(req Request, _ map[string]string) (string, string, int64) {
		switch req.Action {
		case ActionLookup:
			if req.NodeID == "token" && req.Fingerprint == "known" {
				return `{"found": true, "handle": "0x01"}`, "", 0
			}
			return `{"found": false}`, "", 0
		case ActionCheck:
			return `{"unsupported": true}`, "", 0
		case ActionApply:
			if req.TargetHandle != "0x01" || req.Operation != "grantRole" {
				return `{"error": "wrong target"}`, "", 1
			}
			return `{}`, "", 0
		}
		return "", "unknown action", 64
	})
	ctx := context.Background()
	rc := testRunContext()

	handle, found, err := p.LookupExisting(ctx, rc, &provisioner.ProvisionRequest{NodeID: "token", Kind: "Token", Fingerprint: "known"})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "0x01", handle)

	_, found, err = p.LookupExisting(ctx, rc, &provisioner.ProvisionRequest{NodeID: "token", Kind: "Token", Fingerprint: "other"})
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = p.LookupExisting(ctx, rc, &provisioner.ProvisionRequest{NodeID: "token2", Kind: "Token", Fingerprint: "known"})
	require.NoError(t, err)
	assert.False(t, found)

	req := &provisioner.DirectiveRequest{NodeID: "token.grantRole", TargetID: "token", TargetHandle: "0x01", Operation: "grantRole", Args: []any{"0xrole", "0x02"}}
	applied, err := p.IsApplied(ctx, rc, req)
	require.ErrorIs(t, err, provisioner.ErrUnsupported)
	assert.False(t, applied)

	require.NoError(t, p.ApplyDirective(ctx, rc, req))
	assert.Equal(t, "apply", fake.created[3].Labels["io.rollout.action"])
}

func TestProvider_CreateFailure(t *testing.T) {
	p, fake := newProvider(Options{Image: "deployer:1"}, nil)
	fake.createErr = errors.New("no such image")
	_, err := p.Provision(context.Background(), testRunContext(), &provisioner.ProvisionRequest{NodeID: "token"})
	assert.ErrorContains(t, err, "failed to create deployer container: no such image")
	assert.False(t, provisioner.IsTransient(err))
	assert.Empty(t, fake.removed)
}

func TestParsePlatform(t *testing.T) {
	p, err := parsePlatform("")
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = parsePlatform("linux/amd64")
	require.NoError(t, err)
	assert.Equal(t, &v1.Platform{OS: "linux", Architecture: "amd64"}, p)

	_, err = parsePlatform("amd64")
	assert.Error(t, err)
}
