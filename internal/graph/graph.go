// Package graph maintains per-agent knowledge graphs: typed entities and
// weighted relationships with upsert-style merging. Each agent owns its
// own graph; federation is the only cross-agent read.
package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentloom/agentloom/orchestrator/internal/store"
	"github.com/agentloom/agentloom/orchestrator/pkg/models"
)

const (
	defaultMaxEntities      = 10000
	defaultMaxRelationships = 50000
	// Extracted entities below this confidence are rejected outright.
	minExtractionConfidence = 0.7
)

// Service is the knowledge graph coordinator.
type Service struct {
	store            store.Store
	maxEntities      int
	maxRelationships int
}

type Option func(*Service)

func WithCaps(maxEntities, maxRelationships int) Option {
	return func(s *Service) {
		s.maxEntities = maxEntities
		s.maxRelationships = maxRelationships
	}
}

func New(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:            st,
		maxEntities:      defaultMaxEntities,
		maxRelationships: defaultMaxRelationships,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EntityInput is the caller-facing shape for entity upserts.
type EntityInput struct {
	AgentID    string                 `json:"agent_id"`
	Type       string                 `json:"type"`
	Name       string                 `json:"name"`
	Aliases    []string               `json:"aliases,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	Confidence float64                `json:"confidence"`
	Source     models.EntitySource    `json:"source"`
}

// UpsertEntity resolves the name case-insensitively against existing
// names and aliases. A hit merges: aliases union, property overlay,
// confidence as a mention-weighted average, mention count bumped. A miss
// creates a new entity.
func (s *Service) UpsertEntity(ctx context.Context, in EntityInput) (*models.KGEntity, error) {
	if in.AgentID == "" || in.Name == "" {
		return nil, fmt.Errorf("entity requires agent_id and name")
	}
	if in.Source == models.SourceExtracted && in.Confidence < minExtractionConfidence {
		return nil, &models.GraphConstraintError{
			AgentID: in.AgentID,
			Detail:  fmt.Sprintf("extracted entity %q below confidence floor %.2f", in.Name, minExtractionConfidence),
		}
	}

	existing, err := s.store.FindEntity(ctx, in.AgentID, in.Name)
	if err == nil {
		return s.merge(ctx, existing, in)
	}
	if !store.IsNotFound(err) {
		return nil, err
	}

	entities, err := s.store.ListEntities(ctx, in.AgentID)
	if err != nil {
		return nil, err
	}
	if len(entities) >= s.maxEntities {
		return nil, &models.GraphConstraintError{
			AgentID: in.AgentID,
			Detail:  fmt.Sprintf("entity cap %d reached", s.maxEntities),
		}
	}

	now := time.Now().UTC()
	e := &models.KGEntity{
		ID:         uuid.NewString(),
		AgentID:    in.AgentID,
		Type:       in.Type,
		Name:       in.Name,
		Aliases:    dedupe(in.Aliases),
		Properties: in.Properties,
		Confidence: in.Confidence,
		Source:     in.Source,
		Mentions:   1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateEntity(ctx, e); err != nil {
		return nil, fmt.Errorf("create entity: %w", err)
	}
	log.Debug().Str("agent_id", in.AgentID).Str("entity", in.Name).Msg("entity created")
	return e, nil
}

func (s *Service) merge(ctx context.Context, e *models.KGEntity, in EntityInput) (*models.KGEntity, error) {
	aliases := e.Aliases
	// The incoming name becomes an alias when it differs from the
	// canonical spelling.
	if !strings.EqualFold(e.Name, in.Name) {
		aliases = append(aliases, in.Name)
	}
	aliases = append(aliases, in.Aliases...)
	e.Aliases = dedupeKeeping(e.Name, aliases)

	if e.Properties == nil && len(in.Properties) > 0 {
		e.Properties = make(map[string]interface{}, len(in.Properties))
	}
	for k, v := range in.Properties {
		e.Properties[k] = v
	}

	// Mention-weighted average keeps repeated sightings from letting one
	// low-confidence extraction drag the score down.
	total := e.Confidence*float64(e.Mentions) + in.Confidence
	e.Mentions++
	e.Confidence = total / float64(e.Mentions)
	e.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateEntity(ctx, e); err != nil {
		return nil, fmt.Errorf("merge entity: %w", err)
	}
	log.Debug().Str("agent_id", e.AgentID).Str("entity", e.Name).Int("mentions", e.Mentions).Msg("entity merged")
	return e, nil
}

// RelationshipInput identifies endpoints by entity id.
type RelationshipInput struct {
	AgentID       string                 `json:"agent_id"`
	FromEntityID  string                 `json:"from_entity_id"`
	ToEntityID    string                 `json:"to_entity_id"`
	Type          string                 `json:"type"`
	Weight        float64                `json:"weight"`
	Confidence    float64                `json:"confidence"`
	Bidirectional bool                   `json:"bidirectional"`
	Properties    map[string]interface{} `json:"properties,omitempty"`
}

// AddRelationship links two entities. Both endpoints must exist and be
// owned by the same agent. The (agent, from, to, type) triple is unique;
// a repeat updates weight and confidence instead of duplicating.
func (s *Service) AddRelationship(ctx context.Context, in RelationshipInput) (*models.KGRelationship, error) {
	for _, id := range []string{in.FromEntityID, in.ToEntityID} {
		e, err := s.store.GetEntity(ctx, id)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, &models.GraphConstraintError{
					AgentID: in.AgentID,
					Detail:  fmt.Sprintf("endpoint %s does not exist", id),
				}
			}
			return nil, err
		}
		if e.AgentID != in.AgentID {
			return nil, &models.GraphConstraintError{
				AgentID: in.AgentID,
				Detail:  fmt.Sprintf("endpoint %s belongs to agent %s", id, e.AgentID),
			}
		}
	}

	existing, err := s.store.FindRelationship(ctx, in.AgentID, in.FromEntityID, in.ToEntityID, in.Type)
	if err == nil {
		existing.Weight = in.Weight
		existing.Confidence = in.Confidence
		existing.Bidirectional = in.Bidirectional
		if len(in.Properties) > 0 {
			if existing.Properties == nil {
				existing.Properties = make(map[string]interface{}, len(in.Properties))
			}
			for k, v := range in.Properties {
				existing.Properties[k] = v
			}
		}
		existing.UpdatedAt = time.Now().UTC()
		if err := s.store.UpdateRelationship(ctx, existing); err != nil {
			return nil, fmt.Errorf("update relationship: %w", err)
		}
		return existing, nil
	}
	if !store.IsNotFound(err) {
		return nil, err
	}

	rels, err := s.store.ListRelationships(ctx, in.AgentID)
	if err != nil {
		return nil, err
	}
	if len(rels) >= s.maxRelationships {
		return nil, &models.GraphConstraintError{
			AgentID: in.AgentID,
			Detail:  fmt.Sprintf("relationship cap %d reached", s.maxRelationships),
		}
	}

	now := time.Now().UTC()
	r := &models.KGRelationship{
		ID:            uuid.NewString(),
		AgentID:       in.AgentID,
		FromEntityID:  in.FromEntityID,
		ToEntityID:    in.ToEntityID,
		Type:          in.Type,
		Weight:        in.Weight,
		Confidence:    in.Confidence,
		Bidirectional: in.Bidirectional,
		Properties:    in.Properties,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateRelationship(ctx, r); err != nil {
		return nil, fmt.Errorf("create relationship: %w", err)
	}
	return r, nil
}

// Edge pairs a relationship with the entity on its far side.
type Edge struct {
	Relationship models.KGRelationship `json:"relationship"`
	Neighbor     *models.KGEntity      `json:"neighbor"`
}

// Neighborhood is the direct surroundings of one entity.
type Neighborhood struct {
	Entity *models.KGEntity `json:"entity"`
	Edges  []Edge           `json:"edges"`
}

// Query resolves a name within one agent's graph and returns the entity
// with its direct neighborhood. Bidirectional edges are followed from
// either end; directed edges only forward.
func (s *Service) Query(ctx context.Context, agentID, name string) (*Neighborhood, error) {
	entity, err := s.store.FindEntity(ctx, agentID, name)
	if err != nil {
		return nil, err
	}
	rels, err := s.store.EntityRelationships(ctx, agentID, entity.ID)
	if err != nil {
		return nil, err
	}
	n := &Neighborhood{Entity: entity}
	for _, r := range rels {
		var neighborID string
		switch {
		case r.FromEntityID == entity.ID:
			neighborID = r.ToEntityID
		case r.Bidirectional:
			neighborID = r.FromEntityID
		default:
			continue // directed edge pointing at us
		}
		neighbor, err := s.store.GetEntity(ctx, neighborID)
		if err != nil {
			if store.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		n.Edges = append(n.Edges, Edge{Relationship: r, Neighbor: neighbor})
	}
	return n, nil
}

// FindPath searches for a relationship path between two names within one
// agent's graph, depth-capped DFS with a visited set to survive cycles.
// Returns the entities along the path, or nil when none exists within
// maxDepth hops.
func (s *Service) FindPath(ctx context.Context, agentID, fromName, toName string, maxDepth int) ([]models.KGEntity, error) {
	if maxDepth <= 0 {
		maxDepth = 5
	}
	from, err := s.store.FindEntity(ctx, agentID, fromName)
	if err != nil {
		return nil, err
	}
	to, err := s.store.FindEntity(ctx, agentID, toName)
	if err != nil {
		return nil, err
	}
	visited := map[string]bool{from.ID: true}
	path, err := s.dfs(ctx, agentID, from, to.ID, maxDepth, visited)
	if err != nil || path == nil {
		return nil, err
	}
	return path, nil
}

func (s *Service) dfs(ctx context.Context, agentID string, cur *models.KGEntity, targetID string, depth int, visited map[string]bool) ([]models.KGEntity, error) {
	if cur.ID == targetID {
		return []models.KGEntity{*cur}, nil
	}
	if depth == 0 {
		return nil, nil
	}
	rels, err := s.store.EntityRelationships(ctx, agentID, cur.ID)
	if err != nil {
		return nil, err
	}
	for _, r := range rels {
		var nextID string
		switch {
		case r.FromEntityID == cur.ID:
			nextID = r.ToEntityID
		case r.Bidirectional:
			nextID = r.FromEntityID
		default:
			continue
		}
		if visited[nextID] {
			continue
		}
		visited[nextID] = true
		next, err := s.store.GetEntity(ctx, nextID)
		if err != nil {
			if store.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		rest, err := s.dfs(ctx, agentID, next, targetID, depth-1, visited)
		if err != nil {
			return nil, err
		}
		if rest != nil {
			return append([]models.KGEntity{*cur}, rest...), nil
		}
	}
	return nil, nil
}

// FederatedEntity is one agent's view of a federated name.
type FederatedEntity struct {
	AgentID string           `json:"agent_id"`
	Entity  *models.KGEntity `json:"entity"`
}

// Federate looks the same name up across several agents' graphs. Graphs
// stay separate; this is an explicit read-side merge, never a write.
func (s *Service) Federate(ctx context.Context, agentIDs []string, name string) ([]FederatedEntity, error) {
	var out []FederatedEntity
	for _, agent := range agentIDs {
		e, err := s.store.FindEntity(ctx, agent, name)
		if err != nil {
			if store.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, FederatedEntity{AgentID: agent, Entity: e})
	}
	return out, nil
}

func dedupe(in []string) []string {
	return dedupeKeeping("", in)
}

// dedupeKeeping removes duplicates case-insensitively and drops any alias
// equal to the canonical name.
func dedupeKeeping(canonical string, in []string) []string {
	seen := map[string]bool{strings.ToLower(canonical): true}
	var out []string
	for _, v := range in {
		k := strings.ToLower(v)
		if v == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
	}
	return out
}
