package grpcplugin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/picklr-io/rollout/internal/engine"
	"github.com/picklr-io/rollout/internal/ir"
	"github.com/picklr-io/rollout/pkg/provisioner"
	"github.com/picklr-io/rollout/providers/sim"
)

func startPlugin(t *testing.T, backend provisioner.Backend) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	Register(s, backend)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///plugin",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	client := NewClient(conn)
	t.Cleanup(func() { client.Close() })
	return client
}

func testRunContext() *provisioner.RunContext {
	return &provisioner.RunContext{
		RunID:       "run-1",
		Environment: "test",
		Endpoint:    "http://127.0.0.1:8545",
		Identity:    "0xD0",
		Credentials: provisioner.Credentials{Token: "s3cr3t", Extras: map[string]string{"Chain-ID": "31337"}},
		Vars:        map[string]string{"treasury": "0xT"},
	}
}

func protocolSpecs() *ir.SpecSet {
	return &ir.SpecSet{
		Resources: []*ir.ResourceSpec{
			{ID: "token", Kind: "Token", Args: []ir.Arg{ir.Var("deployer")}},
			{ID: "staking", Kind: "Staking", Args: []ir.Arg{ir.Ref("token"), ir.Ref("token")}},
		},
		Directives: []*ir.DirectiveSpec{
			{ID: "grant", Target: "token", Operation: "grantRole", Args: []ir.Arg{ir.Literal(ir.Keccak256("MINTER_ROLE")), ir.Ref("staking")}},
		},
	}
}

func runOnce(t *testing.T, eng *engine.Engine) *engine.Result {
	t.Helper()
	dag, err := engine.BuildDAG(protocolSpecs())
	require.NoError(t, err)
	result, err := eng.Run(context.Background(), testRunContext(), dag, nil)
	require.NoError(t, err)
	return result
}

func TestPlugin_EngineRun(t *testing.T) {
	backend := sim.New()
	client := startPlugin(t, backend)
	eng := engine.NewEngine(client, nil)

	result := runOnce(t, eng)
	m := engine.BuildManifest(result, "protocol")
	assert.Equal(t, 0, m.ExitCode())
	assert.Equal(t, 2, m.Summary.Deployed)
	assert.Equal(t, 1, m.Summary.Applied)

	d, ok := backend.Deployment(result.Nodes["staking"].Handle)
	require.True(t, ok)
	assert.Equal(t, []any{result.Nodes["token"].Handle, result.Nodes["token"].Handle}, d.Args)

	// the remote finder and checker make the second run a no-op
	second := runOnce(t, eng)
	assert.True(t, second.Nodes["token"].Reused)
	assert.True(t, second.Nodes["grant"].Unchanged)
	assert.Equal(t, 2, backend.Calls().Provision)
	assert.Equal(t, 1, backend.Calls().Directive)
}

func TestPlugin_UnsupportedFallsBackToLedger(t *testing.T) {
	backend := sim.New()
	client := startPlugin(t, backend.Plain())

	_, _, err := client.LookupExisting(context.Background(), testRunContext(), &provisioner.ProvisionRequest{NodeID: "token", Fingerprint: "fp"})
	require.ErrorIs(t, err, provisioner.ErrUnsupported)

	state := &ir.State{Version: 1}
	eng := engine.NewEngine(client, engine.NewStateLedger(state))
	runOnce(t, eng)
	second := runOnce(t, eng)
	assert.True(t, second.Nodes["staking"].Reused)
	assert.Equal(t, 2, backend.Calls().Provision)
	assert.Equal(t, 2, backend.Calls().Directive)
}

func TestPlugin_LookupMatchesNodeID(t *testing.T) {
	client := startPlugin(t, sim.New())
	ctx := context.Background()

	req := &provisioner.ProvisionRequest{NodeID: "vaultA", Kind: "Vault", Args: []any{"x"}, Fingerprint: "fp"}
	handle, err := client.Provision(ctx, testRunContext(), req)
	require.NoError(t, err)

	got, found, err := client.LookupExisting(ctx, testRunContext(), req)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, handle, got)

	_, found, err = client.LookupExisting(ctx, testRunContext(), &provisioner.ProvisionRequest{NodeID: "vaultB", Kind: "Vault", Args: []any{"x"}, Fingerprint: "fp"})
	require.NoError(t, err)
	assert.False(t, found)
}

type recordingBackend struct {
	mu  sync.Mutex
	rc  *provisioner.RunContext
	req *provisioner.ProvisionRequest
	err error
}

func (b *recordingBackend) Name() string { return "recording" }

func (b *recordingBackend) Provision(ctx context.Context, rc *provisioner.RunContext, req *provisioner.ProvisionRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rc, b.req = rc, req
	if b.err != nil {
		return "", b.err
	}
	return "0xabc", nil
}

func (b *recordingBackend) ApplyDirective(ctx context.Context, rc *provisioner.RunContext, req *provisioner.DirectiveRequest) error {
	return b.err
}

func TestPlugin_ForwardsRunContext(t *testing.T) {
	backend := &recordingBackend{}
	client := startPlugin(t, backend)

	handle, err := client.Provision(context.Background(), testRunContext(), &provisioner.ProvisionRequest{
		NodeID:      "nft",
		Kind:        "GenesisNFT",
		Args:        []any{"IKIGAI Genesis", 500, json.Number("40000000000000000000000"), []any{"0x1", "0x2"}},
		Fingerprint: "fp-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", handle)

	rc := backend.rc
	assert.Equal(t, "run-1", rc.RunID)
	assert.Equal(t, "test", rc.Environment)
	assert.Equal(t, "http://127.0.0.1:8545", rc.Endpoint)
	assert.Equal(t, "0xD0", rc.Identity)
	assert.Equal(t, "s3cr3t", rc.Credentials.Token)
	assert.Equal(t, map[string]string{"chain-id": "31337"}, rc.Credentials.Extras)
	assert.Equal(t, map[string]string{"treasury": "0xT"}, rc.Vars)

	req := backend.req
	assert.Equal(t, "nft", req.NodeID)
	assert.Equal(t, "GenesisNFT", req.Kind)
	assert.Equal(t, "fp-1", req.Fingerprint)
	assert.Equal(t, []any{
		"IKIGAI Genesis",
		json.Number("500"),
		json.Number("40000000000000000000000"),
		[]any{"0x1", "0x2"},
	}, req.Args)
}

func TestPlugin_ErrorMapping(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantMsg       string
		wantTransient bool
		wantIs        error
	}{
		{"permanent", errors.New("execution reverted"), "execution reverted", false, nil},
		{"transient", provisioner.Transient(errors.New("connection reset by peer")), "transient: connection reset by peer", true, nil},
		{"unsupported", provisioner.ErrUnsupported, "not supported by backend", false, provisioner.ErrUnsupported},
		{"deadline", context.DeadlineExceeded, "deadline exceeded", false, context.DeadlineExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := startPlugin(t, &recordingBackend{err: tt.err})
			err := client.ApplyDirective(context.Background(), testRunContext(), &provisioner.DirectiveRequest{NodeID: "d"})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
			assert.Equal(t, tt.wantTransient, provisioner.IsTransient(err))
			assert.Equal(t, tt.wantTransient, engine.IsTransientError(err))
			if tt.wantIs != nil {
				assert.ErrorIs(t, err, tt.wantIs)
			}
		})
	}
}

func TestPlugin_TransientRetriedByEngine(t *testing.T) {
	backend := sim.New()
	backend.FailTransient("token", 1)
	client := startPlugin(t, backend)

	eng := engine.NewEngine(client, nil)
	eng.Retry = &engine.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	result := runOnce(t, eng)
	assert.Equal(t, ir.StatusDeployed, result.Nodes["token"].Status)
	assert.Equal(t, 2, result.Nodes["token"].Attempts)
}

func TestServe(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- Serve(lis, sim.New()) }()

	client, err := Dial(lis.Addr().String(), true)
	require.NoError(t, err)
	defer client.Close()

	handle, err := client.Provision(context.Background(), testRunContext(), &provisioner.ProvisionRequest{NodeID: "token", Kind: "Token", Fingerprint: "fp"})
	require.NoError(t, err)
	assert.NotEmpty(t, handle)

	require.NoError(t, lis.Close())
	assert.Error(t, <-done)
}
