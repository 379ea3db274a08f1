package ir

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArg(t *testing.T) {
	tests := []struct {
		name string
		raw  any
		want Arg
	}{
		{"string literal", "IKIGAI Genesis", Literal("IKIGAI Genesis")},
		{"number literal", 500, Literal(500)},
		{"ref shorthand", "ref://token", Ref("token")},
		{"var shorthand", "var://deployer", Var("deployer")},
		{"ref map", map[string]any{"ref": "staking"}, Ref("staking")},
		{"var map", map[string]any{"var": "deployer"}, Var("deployer")},
		{"escaped literal", map[string]any{"literal": "ref://token"}, Literal("ref://token")},
		{
			"keccak",
			map[string]any{"keccak256": "MINTER_ROLE"},
			Literal("0x9f2df0fed2c77648de5860a4cc508cd0818c85b8b8a1ab4ceeef8d981c8956a6"),
		},
		{
			"list with refs",
			[]any{"var://deployer", "ref://staking", 1000},
			List(Var("deployer"), Ref("staking"), Literal(1000)),
		},
		{
			"plain object",
			map[string]any{"a": 1, "b": 2},
			Literal(map[string]any{"a": 1, "b": 2}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseArg(tt.raw)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseArg mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseArg_Errors(t *testing.T) {
	for _, raw := range []any{
		"ref://",
		"var://",
		map[string]any{"ref": 42},
		map[string]any{"keccak256": ""},
		[]any{"ok", map[string]any{"var": nil}},
	} {
		_, err := ParseArg(raw)
		assert.Error(t, err, "expected error for %v", raw)
	}
}

func TestArg_Refs(t *testing.T) {
	a := List(Var("deployer"), Ref("staking"), List(Ref("token")), Literal("x"))
	assert.Equal(t, []string{"staking", "token"}, a.Refs())
	assert.Empty(t, Literal("ref").Refs())
}

func TestArg_Resolve(t *testing.T) {
	handles := map[string]string{"token": "0xT", "staking": "0xS"}
	lookup := func(id string) (string, bool) {
		h, ok := handles[id]
		return h, ok
	}
	vars := map[string]string{"deployer": "0xD"}

	args := []Arg{
		Var("deployer"),
		List(Var("deployer"), Ref("staking")),
		Ref("token"),
		Literal(2000),
	}
	got, err := ResolveArgs(args, lookup, vars)
	require.NoError(t, err)
	assert.Equal(t, []any{"0xD", []any{"0xD", "0xS"}, "0xT", 2000}, got)

	_, err = Ref("nft").Resolve(lookup, vars)
	var mh *MissingHandleError
	require.ErrorAs(t, err, &mh)
	assert.Equal(t, "nft", mh.Ref)

	_, err = Var("treasury").Resolve(lookup, vars)
	var mv *MissingVarError
	require.ErrorAs(t, err, &mv)
	assert.Equal(t, "treasury", mv.Name)
}

func TestArg_MarshalJSON(t *testing.T) {
	a := List(Ref("token"), Var("deployer"), Literal(3))
	b, err := a.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `[{"ref":"token"},{"var":"deployer"},3]`, string(b))
	assert.Equal(t, `[ref://token, var://deployer, 3]`, a.String())
}

func TestDirectiveSpec_Refs(t *testing.T) {
	d := &DirectiveSpec{
		Target:    "token",
		Operation: "grantRole",
		Args:      []Arg{Literal("0xrole"), Ref("staking"), Ref("token")},
	}
	assert.Equal(t, []string{"token", "staking"}, d.Refs())
}

func TestStatus_CanTransition(t *testing.T) {
	assert.True(t, StatusPending.CanTransition(StatusDeploying))
	assert.True(t, StatusDeploying.CanTransition(StatusDeployed))
	assert.True(t, StatusPending.CanTransition(StatusBlocked))
	assert.False(t, StatusDeployed.CanTransition(StatusDeploying))
	assert.False(t, StatusFailed.CanTransition(StatusBlocked))
	assert.False(t, StatusBlocked.CanTransition(StatusDeployed))
	assert.True(t, StatusBlocked.Terminal())
	assert.False(t, StatusApplying.Terminal())
}

func TestManifest_ExitCode(t *testing.T) {
	m := &Manifest{
		Entries: []*ManifestEntry{
			{ID: "token", Type: NodeResource, Status: StatusDeployed, Handle: "0xT"},
			{ID: "grant", Type: NodeDirective, Status: StatusApplied},
		},
		Summary: ManifestSummary{Total: 2, Deployed: 1, Applied: 1},
	}
	assert.Equal(t, 0, m.ExitCode())
	assert.Equal(t, map[string]string{"token": "0xT"}, m.Handles())

	m.Summary.Blocked = 1
	assert.Equal(t, 1, m.ExitCode())
}

func TestState_PutRemove(t *testing.T) {
	s := &State{}
	s.Put(&HandleRecord{ID: "token", Handle: "0x1"})
	s.Put(&HandleRecord{ID: "token", Handle: "0x2"})
	require.Len(t, s.Records, 1)
	assert.Equal(t, "0x2", s.Record("token").Handle)
	assert.True(t, s.Remove("token"))
	assert.False(t, s.Remove("token"))
	assert.Nil(t, s.Record("token"))
}
