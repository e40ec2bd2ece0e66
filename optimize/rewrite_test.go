package optimize

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/inferopt/graphdef"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// renameRewrite replaces the claimed nodes by Const nodes holding score, and adds a new node.
type renameRewrite struct {
	score   float32
	claims  []string
	newName string
}

func (r *renameRewrite) Name() string     { return "Rename" }
func (r *renameRewrite) Score() float32   { return r.score }
func (r *renameRewrite) Claims() []string { return r.claims }

func (r *renameRewrite) NewNames() []string {
	if r.newName == "" {
		return nil
	}
	return []string{r.newName}
}

func (r *renameRewrite) Emit(n *graphdef.Node) []*graphdef.Node {
	replacement := constNode(n.Name, []float32{r.score})
	if n.Name == r.claims[0] && r.newName != "" {
		return []*graphdef.Node{constNode(r.newName, []float32{r.score}), replacement}
	}
	return []*graphdef.Node{replacement}
}

func TestApplyDetectors(t *testing.T) {
	g := buildGraph(t,
		constNode("a", []float32{0}),
		constNode("b", []float32{0}),
		constNode("c", []float32{0}),
		constNode("d", []float32{0}),
	)
	detector := func(rewrites ...Rewrite) Detector {
		return func(*graphdef.Graph, *graphdef.ConsumerIndex, *detectConfig) []Rewrite { return rewrites }
	}
	cfg := &detectConfig{dtype: dtypes.Float32, keep: keepSet(nil)}

	out, count, err := applyDetectors(g, cfg,
		detector(&renameRewrite{score: 1, claims: []string{"a", "b"}}),
		detector(
			&renameRewrite{score: 5, claims: []string{"b", "c"}, newName: "e"},
			&renameRewrite{score: 2, claims: []string{"d"}, newName: "e"},
			&renameRewrite{score: 3, claims: []string{"d"}, newName: "a"},
		),
	)
	require.NoError(t, err)
	// Only the highest scoring rewrite survives: the others overlap with it, or add an existing name.
	assert.Equal(t, 1, count)
	assert.Equal(t, []string{"a", "e", "b", "c", "d"}, out.Names())
	value := func(name string) float32 {
		return must.M1(graphdef.FlatData[float32](must.M1(out.Node(name))))[0]
	}
	assert.Equal(t, float32(0), value("a"))
	assert.Equal(t, float32(5), value("b"))
	assert.Equal(t, float32(5), value("c"))
	assert.Equal(t, float32(0), value("d"))

	// Without candidates the graph is copied.
	out, count, err = applyDetectors(g, cfg, detector())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Equal(t, g.String(), out.String())
}
