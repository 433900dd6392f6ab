package graph_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloom/agentloom/orchestrator/internal/graph"
	"github.com/agentloom/agentloom/orchestrator/internal/store"
	"github.com/agentloom/agentloom/orchestrator/pkg/models"
)

func newTestGraph(t *testing.T, opts ...graph.Option) *graph.Service {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("LOOM_DATA_DIR", dir)
	s := store.NewMemoryStore()
	os.Unsetenv("LOOM_DATA_DIR")
	t.Cleanup(func() { s.Close() })
	return graph.New(s, opts...)
}

func mustEntity(t *testing.T, g *graph.Service, agent, name string) *models.KGEntity {
	t.Helper()
	e, err := g.UpsertEntity(context.Background(), graph.EntityInput{
		AgentID: agent, Type: "concept", Name: name,
		Confidence: 0.9, Source: models.SourceManual,
	})
	require.NoError(t, err)
	return e
}

func TestUpsertEntity_CaseInsensitiveMerge(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	first, err := g.UpsertEntity(ctx, graph.EntityInput{
		AgentID: "agent", Type: "person", Name: "Grace Hopper",
		Confidence: 0.8, Source: models.SourceManual,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Mentions)

	// Same entity, different casing and an alias
	second, err := g.UpsertEntity(ctx, graph.EntityInput{
		AgentID: "agent", Type: "person", Name: "grace hopper",
		Aliases: []string{"Admiral Hopper"}, Confidence: 1.0, Source: models.SourceManual,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "case-insensitive name resolves to the same entity")
	assert.Equal(t, 2, second.Mentions)
	assert.Contains(t, second.Aliases, "Admiral Hopper")
	assert.InDelta(t, 0.9, second.Confidence, 1e-9, "mention-weighted average of 0.8 and 1.0")

	// Resolving by the alias merges again
	third, err := g.UpsertEntity(ctx, graph.EntityInput{
		AgentID: "agent", Type: "person", Name: "Admiral Hopper",
		Confidence: 0.9, Source: models.SourceManual,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, third.ID)
	assert.Equal(t, 3, third.Mentions)
}

func TestUpsertEntity_ExtractionConfidenceFloor(t *testing.T) {
	g := newTestGraph(t)

	_, err := g.UpsertEntity(context.Background(), graph.EntityInput{
		AgentID: "agent", Type: "person", Name: "Maybe Someone",
		Confidence: 0.5, Source: models.SourceExtracted,
	})
	var gce *models.GraphConstraintError
	require.True(t, errors.As(err, &gce))
}

func TestUpsertEntity_SeparateGraphsPerAgent(t *testing.T) {
	g := newTestGraph(t)

	a := mustEntity(t, g, "agent-a", "Shared Name")
	b := mustEntity(t, g, "agent-b", "Shared Name")
	assert.NotEqual(t, a.ID, b.ID, "each agent owns its own entity")
	assert.Equal(t, 1, a.Mentions)
	assert.Equal(t, 1, b.Mentions)
}

func TestAddRelationship_ConstraintsAndUpsert(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	from := mustEntity(t, g, "agent", "Alpha")
	to := mustEntity(t, g, "agent", "Beta")
	foreign := mustEntity(t, g, "other-agent", "Gamma")

	// Unknown endpoint
	_, err := g.AddRelationship(ctx, graph.RelationshipInput{
		AgentID: "agent", FromEntityID: from.ID, ToEntityID: "ghost", Type: "knows",
	})
	var gce *models.GraphConstraintError
	require.True(t, errors.As(err, &gce))

	// Cross-agent endpoint
	_, err = g.AddRelationship(ctx, graph.RelationshipInput{
		AgentID: "agent", FromEntityID: from.ID, ToEntityID: foreign.ID, Type: "knows",
	})
	require.True(t, errors.As(err, &gce))

	r1, err := g.AddRelationship(ctx, graph.RelationshipInput{
		AgentID: "agent", FromEntityID: from.ID, ToEntityID: to.ID,
		Type: "knows", Weight: 1, Confidence: 0.5,
	})
	require.NoError(t, err)

	// Same triple again: updates in place
	r2, err := g.AddRelationship(ctx, graph.RelationshipInput{
		AgentID: "agent", FromEntityID: from.ID, ToEntityID: to.ID,
		Type: "knows", Weight: 3, Confidence: 0.9,
	})
	require.NoError(t, err)
	assert.Equal(t, r1.ID, r2.ID)
	assert.Equal(t, 3.0, r2.Weight)
}

func TestQuery_Neighborhood(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	hub := mustEntity(t, g, "agent", "Hub")
	out := mustEntity(t, g, "agent", "Downstream")
	in := mustEntity(t, g, "agent", "Upstream")
	peer := mustEntity(t, g, "agent", "Peer")

	_, err := g.AddRelationship(ctx, graph.RelationshipInput{
		AgentID: "agent", FromEntityID: hub.ID, ToEntityID: out.ID, Type: "feeds",
	})
	require.NoError(t, err)
	// Directed edge pointing AT the hub: not part of its forward neighborhood
	_, err = g.AddRelationship(ctx, graph.RelationshipInput{
		AgentID: "agent", FromEntityID: in.ID, ToEntityID: hub.ID, Type: "feeds",
	})
	require.NoError(t, err)
	// Bidirectional edge is followed from either end
	_, err = g.AddRelationship(ctx, graph.RelationshipInput{
		AgentID: "agent", FromEntityID: peer.ID, ToEntityID: hub.ID, Type: "peers", Bidirectional: true,
	})
	require.NoError(t, err)

	n, err := g.Query(ctx, "agent", "hub")
	require.NoError(t, err)
	require.NotNil(t, n.Entity)

	names := make([]string, 0, len(n.Edges))
	for _, e := range n.Edges {
		names = append(names, e.Neighbor.Name)
	}
	assert.ElementsMatch(t, []string{"Downstream", "Peer"}, names)
}

func TestFindPath(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	a := mustEntity(t, g, "agent", "A")
	b := mustEntity(t, g, "agent", "B")
	c := mustEntity(t, g, "agent", "C")
	mustEntity(t, g, "agent", "Island")

	_, err := g.AddRelationship(ctx, graph.RelationshipInput{
		AgentID: "agent", FromEntityID: a.ID, ToEntityID: b.ID, Type: "next",
	})
	require.NoError(t, err)
	_, err = g.AddRelationship(ctx, graph.RelationshipInput{
		AgentID: "agent", FromEntityID: b.ID, ToEntityID: c.ID, Type: "next",
	})
	require.NoError(t, err)
	// Cycle back to A must not loop the search
	_, err = g.AddRelationship(ctx, graph.RelationshipInput{
		AgentID: "agent", FromEntityID: c.ID, ToEntityID: a.ID, Type: "next",
	})
	require.NoError(t, err)

	path, err := g.FindPath(ctx, "agent", "A", "C", 5)
	require.NoError(t, err)
	require.Len(t, path, 3)
	assert.Equal(t, "A", path[0].Name)
	assert.Equal(t, "C", path[2].Name)

	// Depth cap tighter than the path
	path, err = g.FindPath(ctx, "agent", "A", "C", 1)
	require.NoError(t, err)
	assert.Nil(t, path)

	// Unreachable target
	path, err = g.FindPath(ctx, "agent", "A", "Island", 5)
	require.NoError(t, err)
	assert.Nil(t, path)
}

func TestFederate(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	mustEntity(t, g, "agent-a", "Shared Topic")
	mustEntity(t, g, "agent-b", "shared topic")

	views, err := g.Federate(ctx, []string{"agent-a", "agent-b", "agent-c"}, "Shared Topic")
	require.NoError(t, err)
	require.Len(t, views, 2, "agent-c has no view")
	assert.Equal(t, "agent-a", views[0].AgentID)
	assert.Equal(t, "agent-b", views[1].AgentID)
}

func TestEntityCap(t *testing.T) {
	g := newTestGraph(t, graph.WithCaps(2, 10))
	ctx := context.Background()

	mustEntity(t, g, "agent", "One")
	mustEntity(t, g, "agent", "Two")

	_, err := g.UpsertEntity(ctx, graph.EntityInput{
		AgentID: "agent", Type: "concept", Name: "Three",
		Confidence: 0.9, Source: models.SourceManual,
	})
	var gce *models.GraphConstraintError
	require.True(t, errors.As(err, &gce))

	// Merging an existing entity still works at the cap
	_, err = g.UpsertEntity(ctx, graph.EntityInput{
		AgentID: "agent", Type: "concept", Name: "one",
		Confidence: 0.9, Source: models.SourceManual,
	})
	assert.NoError(t, err)
}
