package engine

import (
	"testing"

	"github.com/picklr-io/rollout/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// protocolSpecs is the four-resource, three-directive protocol used across
// the engine tests.
func protocolSpecs() *ir.SpecSet {
	return &ir.SpecSet{
		Name: "protocol",
		Resources: []*ir.ResourceSpec{
			{ID: "token", Kind: "Token", Args: []ir.Arg{ir.Var("deployer")}},
			{ID: "nft", Kind: "NFT", Args: []ir.Arg{ir.Literal("Genesis"), ir.Ref("token")}},
			{ID: "staking", Kind: "Staking", Args: []ir.Arg{ir.Ref("token"), ir.Ref("token")}},
			{ID: "nftStaking", Kind: "NFTStaking", Args: []ir.Arg{ir.Ref("nft"), ir.Ref("token")}},
		},
		Directives: []*ir.DirectiveSpec{
			{ID: "setTokenOnNFT", Target: "nft", Operation: "setToken", Args: []ir.Arg{ir.Ref("token")}},
			{ID: "grantStaking", Target: "token", Operation: "grantRole", Args: []ir.Arg{ir.Literal("MINTER"), ir.Ref("staking")}},
			{ID: "grantNFTStaking", Target: "token", Operation: "grantRole", Args: []ir.Arg{ir.Literal("MINTER"), ir.Ref("nftStaking")}},
		},
	}
}

func TestBuildDAG_NoDependencies(t *testing.T) {
	dag, err := BuildDAG(&ir.SpecSet{Resources: []*ir.ResourceSpec{
		{ID: "c", Kind: "K"},
		{ID: "a", Kind: "K"},
		{ID: "b", Kind: "K"},
	}})
	require.NoError(t, err)

	// independent nodes keep declaration order
	assert.Equal(t, []string{"c", "a", "b"}, dag.Order())
}

func TestBuildDAG_Protocol(t *testing.T) {
	dag, err := BuildDAG(protocolSpecs())
	require.NoError(t, err)

	order := dag.Order()
	require.Len(t, order, 7)
	assert.Equal(t, []string{"token", "nft", "staking", "nftStaking", "setTokenOnNFT", "grantStaking", "grantNFTStaking"}, order)

	for _, id := range order {
		for _, dep := range dag.Dependencies(id) {
			assert.Less(t, indexOf(order, dep), indexOf(order, id), "%s must precede %s", dep, id)
		}
	}

	assert.Equal(t, []string{"token", "staking"}, dag.Dependencies("grantStaking"))
}

func TestBuildDAG_Deterministic(t *testing.T) {
	first, err := BuildDAG(protocolSpecs())
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := BuildDAG(protocolSpecs())
		require.NoError(t, err)
		assert.Equal(t, first.Order(), again.Order())
	}
}

func TestBuildDAG_ForwardReference(t *testing.T) {
	dag, err := BuildDAG(&ir.SpecSet{Resources: []*ir.ResourceSpec{
		{ID: "subnet", Kind: "Subnet", Args: []ir.Arg{ir.Ref("vpc")}},
		{ID: "vpc", Kind: "Vpc"},
		{ID: "other", Kind: "Other"},
	}})
	require.NoError(t, err)

	assert.Equal(t, []string{"vpc", "subnet", "other"}, dag.Order())
}

func TestBuildDAG_NestedListReference(t *testing.T) {
	dag, err := BuildDAG(&ir.SpecSet{Resources: []*ir.ResourceSpec{
		{ID: "split", Kind: "Split", Args: []ir.Arg{ir.List(ir.Var("deployer"), ir.Ref("staking")), ir.List(ir.Literal(2000), ir.Literal(1300))}},
		{ID: "staking", Kind: "Staking"},
	}})
	require.NoError(t, err)

	assert.Equal(t, []string{"staking", "split"}, dag.Order())
	assert.Equal(t, []string{"staking"}, dag.Dependencies("split"))
}

func TestBuildDAG_CycleDetection(t *testing.T) {
	_, err := BuildDAG(&ir.SpecSet{Resources: []*ir.ResourceSpec{
		{ID: "a", Kind: "K", Args: []ir.Arg{ir.Ref("b")}},
		{ID: "b", Kind: "K", Args: []ir.Arg{ir.Ref("c")}},
		{ID: "c", Kind: "K", Args: []ir.Arg{ir.Ref("a")}},
		{ID: "d", Kind: "K"},
	}})
	require.Error(t, err)

	var ige *InvalidGraphError
	require.ErrorAs(t, err, &ige)
	assert.Equal(t, ReasonCycle, ige.Reason)
	assert.Equal(t, []string{"a", "b", "c", "a"}, ige.Cycle)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ige.Members())
	assert.Contains(t, err.Error(), "a -> b -> c -> a")
}

func TestBuildDAG_SelfReference(t *testing.T) {
	_, err := BuildDAG(&ir.SpecSet{Resources: []*ir.ResourceSpec{
		{ID: "a", Kind: "K", Args: []ir.Arg{ir.Ref("a")}},
	}})
	var ige *InvalidGraphError
	require.ErrorAs(t, err, &ige)
	assert.Equal(t, []string{"a", "a"}, ige.Cycle)
}

func TestBuildDAG_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		set    *ir.SpecSet
		reason string
	}{
		{
			name: "dangling reference",
			set: &ir.SpecSet{Resources: []*ir.ResourceSpec{
				{ID: "a", Kind: "K", Args: []ir.Arg{ir.Ref("missing")}},
			}},
			reason: ReasonDanglingRef,
		},
		{
			name: "dangling directive target",
			set: &ir.SpecSet{
				Resources:  []*ir.ResourceSpec{{ID: "a", Kind: "K"}},
				Directives: []*ir.DirectiveSpec{{ID: "d", Target: "missing", Operation: "op"}},
			},
			reason: ReasonDanglingRef,
		},
		{
			name: "duplicate id across kinds",
			set: &ir.SpecSet{
				Resources:  []*ir.ResourceSpec{{ID: "a", Kind: "K"}},
				Directives: []*ir.DirectiveSpec{{ID: "a", Target: "a", Operation: "op"}},
			},
			reason: ReasonDuplicateID,
		},
		{
			name: "reference to directive",
			set: &ir.SpecSet{
				Resources: []*ir.ResourceSpec{{ID: "a", Kind: "K"}},
				Directives: []*ir.DirectiveSpec{
					{ID: "d1", Target: "a", Operation: "op"},
					{ID: "d2", Target: "a", Operation: "op", Args: []ir.Arg{ir.Ref("d1")}},
				},
			},
			reason: ReasonRefToDirective,
		},
		{
			name:   "missing id",
			set:    &ir.SpecSet{Resources: []*ir.ResourceSpec{{Kind: "K"}}},
			reason: ReasonEmptyID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dag, err := BuildDAG(tt.set)
			assert.Nil(t, dag)
			var ige *InvalidGraphError
			require.ErrorAs(t, err, &ige)
			assert.Equal(t, tt.reason, ige.Reason)
			assert.True(t, IsInvalidGraph(err))
		})
	}
}

func TestBuildDAG_SameTargetDirectivesKeepDeclarationOrder(t *testing.T) {
	set := &ir.SpecSet{
		Resources: []*ir.ResourceSpec{
			{ID: "token", Kind: "Token"},
			{ID: "late", Kind: "Late"},
		},
		Directives: []*ir.DirectiveSpec{
			// depends on a resource declared after token, but must still run first
			{ID: "first", Target: "token", Operation: "grantRole", Args: []ir.Arg{ir.Ref("late")}},
			{ID: "second", Target: "token", Operation: "grantRole"},
		},
	}
	dag, err := BuildDAG(set)
	require.NoError(t, err)

	order := dag.Order()
	assert.Less(t, indexOf(order, "first"), indexOf(order, "second"))
	// ordering edges are not data dependencies
	assert.Equal(t, []string{"token"}, dag.Dependencies("second"))
	assert.NotContains(t, dag.TransitiveDependents("first"), "second")
}

func TestDAG_TransitiveDependents(t *testing.T) {
	dag, err := BuildDAG(protocolSpecs())
	require.NoError(t, err)

	assert.Equal(t,
		[]string{"nft", "staking", "nftStaking", "setTokenOnNFT", "grantStaking", "grantNFTStaking"},
		dag.TransitiveDependents("token"))
	assert.Equal(t, []string{"nftStaking", "setTokenOnNFT", "grantNFTStaking"}, dag.TransitiveDependents("nft"))
	assert.Empty(t, dag.TransitiveDependents("grantStaking"))
	assert.Equal(t, []string{"nft", "staking", "nftStaking", "setTokenOnNFT", "grantStaking", "grantNFTStaking"}, dag.Dependents("token"))
}

func TestDAG_Render(t *testing.T) {
	dag, err := BuildDAG(protocolSpecs())
	require.NoError(t, err)

	dot := dag.DOT()
	assert.Contains(t, dot, "digraph rollout {")
	assert.Contains(t, dot, `"nftStaking" -> "nft";`)
	assert.Contains(t, dot, `"grantNFTStaking" -> "grantStaking" [style=dashed];`)

	mermaid := dag.Mermaid()
	assert.Contains(t, mermaid, "flowchart LR")
	assert.Contains(t, mermaid, `n0["token: Token"]`)
	assert.Contains(t, mermaid, "n0 --> n1")
}

func indexOf(slice []string, item string) int {
	for i, s := range slice {
		if s == item {
			return i
		}
	}
	return -1
}
