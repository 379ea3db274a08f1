package eval

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/apple/pkl-go/pkl"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/rollout/internal/ir"
)

const minterRole = "0x9f2df0fed2c77648de5860a4cc508cd0818c85b8b8a1ab4ceeef8d981c8956a6"

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadSpecSet_YAML(t *testing.T) {
	path := writeFile(t, "small.yaml", `
resources:
  - id: token
    kind: Token
    args: ["var://deployer"]
  - id: staking
    kind: Staking
    timeout: 2m
    args: [ref://token, {ref: token}, [1, 2]]
directives:
  - target: token
    operation: grantRole
    args: [{keccak256: MINTER_ROLE}, ref://staking]
  - id: second
    target: token
    operation: grantRole
    args: [{literal: "ref://not-a-ref"}]
`)
	set, err := NewEvaluator(filepath.Dir(path)).LoadSpecSet(context.Background(), path, nil)
	require.NoError(t, err)

	want := &ir.SpecSet{
		Name: "small",
		Resources: []*ir.ResourceSpec{
			{ID: "token", Kind: "Token", Args: []ir.Arg{ir.Var("deployer")}},
			{ID: "staking", Kind: "Staking", Timeout: "2m", Args: []ir.Arg{
				ir.Ref("token"), ir.Ref("token"), ir.List(ir.Literal(1), ir.Literal(2)),
			}},
		},
		Directives: []*ir.DirectiveSpec{
			{ID: "token.grantRole", Target: "token", Operation: "grantRole", Args: []ir.Arg{ir.Literal(minterRole), ir.Ref("staking")}},
			{ID: "second", Target: "token", Operation: "grantRole", Args: []ir.Arg{ir.Literal("ref://not-a-ref")}},
		},
	}
	if diff := cmp.Diff(want, set); diff != "" {
		t.Errorf("LoadSpecSet() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadSpecSet_JSONKeepsLargeIntegers(t *testing.T) {
	path := writeFile(t, "set.json", `{
  "name": "wei",
  "resources": [{"id": "nft", "kind": "NFT", "args": [500, 1.5, 40000000000000000000000]}]
}`)
	set, err := NewEvaluator(filepath.Dir(path)).LoadSpecSet(context.Background(), path, nil)
	require.NoError(t, err)

	assert.Equal(t, "wei", set.Name)
	args := set.Resources[0].Args
	require.Len(t, args, 3)
	assert.Equal(t, int64(500), args[0].Value)
	assert.Equal(t, 1.5, args[1].Value)
	assert.Equal(t, json.Number("40000000000000000000000"), args[2].Value)
}

func TestLoadSpecSet_YAMLKeepsLargeIntegers(t *testing.T) {
	path := writeFile(t, "set.yaml", `
name: wei
resources:
  - id: nft
    kind: NFT
    args: [500, 1.5, 40000000000000000000000, {cap: 1_000_000_000_000_000_000_000}]
directives:
  - target: nft
    operation: setTokensPerNFT
    args: [40000000000000000000000, "40000000000000000000000", -90000000000000000000]
`)
	set, err := NewEvaluator(filepath.Dir(path)).LoadSpecSet(context.Background(), path, nil)
	require.NoError(t, err)

	args := set.Resources[0].Args
	require.Len(t, args, 4)
	assert.Equal(t, 500, args[0].Value)
	assert.Equal(t, 1.5, args[1].Value)
	assert.Equal(t, json.Number("40000000000000000000000"), args[2].Value)
	assert.Equal(t, map[string]any{"cap": json.Number("1000000000000000000000")}, args[3].Value)

	args = set.Directives[0].Args
	require.Len(t, args, 3)
	assert.Equal(t, json.Number("40000000000000000000000"), args[0].Value)
	assert.Equal(t, "40000000000000000000000", args[1].Value)
	assert.Equal(t, json.Number("-90000000000000000000"), args[2].Value)
}

func TestLoadSpecSet_IkigaiExample(t *testing.T) {
	path := filepath.Join("..", "..", "examples", "ikigai", "protocol.yaml")
	set, err := NewEvaluator(filepath.Dir(path)).LoadSpecSet(context.Background(), path, nil)
	require.NoError(t, err)

	assert.Equal(t, "ikigai", set.Name)
	var ids []string
	for _, r := range set.Resources {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"token", "genesisNFT", "staking", "nftStaking", "bundle", "tradingFeeSplit"}, ids)

	ids = nil
	for _, d := range set.Directives {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{
		"genesisNFT.setIkigaiToken",
		"genesisNFT.setTokensPerNFT",
		"token.grantRole",
		"token.grantRole#2",
		"token.grantRole#3",
	}, ids)

	split := set.Resources[5]
	assert.Equal(t, "5m", split.Timeout)
	assert.Equal(t, []string{"staking"}, split.Refs())
	assert.Equal(t, minterRole, set.Directives[2].Args[0].Value)
}

func TestLoadSpecSet_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"unsupported extension", "set.toml", "", "unsupported spec file"},
		{"missing kind", "set.yaml", "resources: [{id: a}]", "kind is required"},
		{"missing operation", "set.yaml", "resources: [{id: a, kind: K}]\ndirectives: [{target: a}]", "target and operation are required"},
		{"unknown field", "set.yaml", "resources: [{id: a, kind: K, image: x}]", "image"},
		{"bad ref", "set.json", `{"resources": [{"id": "a", "kind": "K", "args": ["ref://"]}]}`, "empty reference"},
		{"bad keccak", "set.yaml", "resources: [{id: a, kind: K, args: [{keccak256: 3}]}]", "keccak256 must be a non-empty string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.content)
			_, err := NewEvaluator(filepath.Dir(path)).LoadSpecSet(context.Background(), path, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNormalize_PklValues(t *testing.T) {
	got := normalize([]any{
		pkl.Object{Properties: map[string]any{"keccak256": "MINTER_ROLE"}},
		&pkl.Object{Elements: []any{"a", map[any]any{"ref": "token"}}},
		map[any]any{1: "one"},
	})
	want := []any{
		map[string]any{"keccak256": "MINTER_ROLE"},
		[]any{"a", map[string]any{"ref": "token"}},
		map[string]any{"1": "one"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("normalize() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadSpecSet_Pkl(t *testing.T) {
	if _, err := exec.LookPath("pkl"); err != nil {
		t.Skipf("pkl CLI not installed: %v", err)
	}
	path := filepath.Join("..", "..", "examples", "ikigai", "protocol.pkl")
	set, err := NewEvaluator(filepath.Dir(path)).LoadSpecSet(context.Background(), path, nil)
	require.NoError(t, err)

	assert.Len(t, set.Resources, 6)
	assert.Len(t, set.Directives, 5)
	assert.Equal(t, "token.grantRole#3", set.Directives[4].ID)
	assert.Equal(t, minterRole, set.Directives[4].Args[0].Value)
	assert.Equal(t, []string{"token", "genesisNFT"}, set.Directives[4].Refs())
}
