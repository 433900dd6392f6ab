// Package store: in-memory Store implementation.
// Used when PostgreSQL is not configured (local dev, tests).
// Supports file-based snapshot persistence so data survives restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentloom/agentloom/orchestrator/pkg/models"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Sessions      map[string]*models.Session             `json:"sessions"`
	Participants  map[string]*models.AgentParticipant    `json:"participants"` // key: session:agent
	Messages      map[string]*models.A2AMessage          `json:"messages"`
	Memories      map[string]*models.MemoryRecord        `json:"memories"` // key: owner:scope:session:key
	Episodes      map[string]*models.EpisodicSummary     `json:"episodes"`
	Entities      map[string]*models.KGEntity            `json:"entities"`
	Relationships map[string]*models.KGRelationship      `json:"relationships"`
	Approvals     map[string]*models.ApprovalRequest     `json:"approvals"`
	Chains        map[string]*models.ApprovalChain       `json:"chains"`
	Tokens        map[string]*models.ApprovalToken       `json:"tokens"`
	AuditEvents   []*models.AuditEvent                   `json:"audit_events"`
	Usage         []*models.UsageMetric                  `json:"usage"`
	Budgets       map[string]*models.Budget              `json:"budgets"`
	Rollups       map[string]*models.HourlyUsage         `json:"rollups"` // key: agent:model:hour
	Channels      map[string]*models.NotificationChannel `json:"channels"`
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu            sync.RWMutex
	sessions      map[string]*models.Session
	participants  map[string]*models.AgentParticipant // key: session:agent
	messages      map[string]*models.A2AMessage       // key: id
	memories      map[string]*models.MemoryRecord     // key: owner:scope:session:key
	episodes      map[string]*models.EpisodicSummary  // key: id
	entities      map[string]*models.KGEntity         // key: id
	relationships map[string]*models.KGRelationship   // key: id
	approvals     map[string]*models.ApprovalRequest  // key: id
	chains        map[string]*models.ApprovalChain    // key: id
	tokens        map[string]*models.ApprovalToken    // key: token
	auditEvents   []*models.AuditEvent                // append-only log
	usage         []*models.UsageMetric               // append-only, retention-pruned
	budgets       map[string]*models.Budget           // key: agent_id
	rollups       map[string]*models.HourlyUsage      // key: agent:model:hour
	channels      map[string]*models.NotificationChannel

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
}

// NewMemoryStore creates a new in-memory store.
// If LOOM_DATA_DIR is set, data is persisted to a JSON file in that
// directory. Otherwise defaults to ~/.agentloom/data.json.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		sessions:      make(map[string]*models.Session),
		participants:  make(map[string]*models.AgentParticipant),
		messages:      make(map[string]*models.A2AMessage),
		memories:      make(map[string]*models.MemoryRecord),
		episodes:      make(map[string]*models.EpisodicSummary),
		entities:      make(map[string]*models.KGEntity),
		relationships: make(map[string]*models.KGRelationship),
		approvals:     make(map[string]*models.ApprovalRequest),
		chains:        make(map[string]*models.ApprovalChain),
		tokens:        make(map[string]*models.ApprovalToken),
		auditEvents:   make([]*models.AuditEvent, 0),
		usage:         make([]*models.UsageMetric, 0),
		budgets:       make(map[string]*models.Budget),
		rollups:       make(map[string]*models.HourlyUsage),
		channels:      make(map[string]*models.NotificationChannel),
		saveCh:        make(chan struct{}, 1),
		doneCh:        make(chan struct{}),
	}

	dataDir := os.Getenv("LOOM_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			dataDir = filepath.Join(home, ".agentloom")
		}
	}
	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	// Expired messages and TTL memory records are evicted in the background;
	// reads independently check expiry, so the loop is best-effort cleanup.
	go m.evictionLoop()

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// evictionLoop periodically removes expired messages and memory records.
func (m *MemoryStore) evictionLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.doneCh:
			return
		case <-ticker.C:
			now := time.Now().UTC()
			msgs, _ := m.DeleteExpiredMessages(context.Background(), now)
			recs, _ := m.DeleteExpiredMemory(context.Background(), now)
			if msgs > 0 || recs > 0 {
				log.Info().Int("messages", msgs).Int("memory_records", recs).Msg("Evicted expired records")
			}
		}
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Sessions:      m.sessions,
		Participants:  m.participants,
		Messages:      m.messages,
		Memories:      m.memories,
		Episodes:      m.episodes,
		Entities:      m.entities,
		Relationships: m.relationships,
		Approvals:     m.approvals,
		Chains:        m.chains,
		Tokens:        m.tokens,
		AuditEvents:   m.auditEvents,
		Usage:         m.usage,
		Budgets:       m.budgets,
		Rollups:       m.rollups,
		Channels:      m.channels,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Sessions != nil {
		m.sessions = snap.Sessions
	}
	if snap.Participants != nil {
		m.participants = snap.Participants
	}
	if snap.Messages != nil {
		m.messages = snap.Messages
	}
	if snap.Memories != nil {
		m.memories = snap.Memories
	}
	if snap.Episodes != nil {
		m.episodes = snap.Episodes
	}
	if snap.Entities != nil {
		m.entities = snap.Entities
	}
	if snap.Relationships != nil {
		m.relationships = snap.Relationships
	}
	if snap.Approvals != nil {
		m.approvals = snap.Approvals
	}
	if snap.Chains != nil {
		m.chains = snap.Chains
	}
	if snap.Tokens != nil {
		m.tokens = snap.Tokens
	}
	if snap.AuditEvents != nil {
		m.auditEvents = snap.AuditEvents
	}
	if snap.Usage != nil {
		m.usage = snap.Usage
	}
	if snap.Budgets != nil {
		m.budgets = snap.Budgets
	}
	if snap.Rollups != nil {
		m.rollups = snap.Rollups
	}
	if snap.Channels != nil {
		m.channels = snap.Channels
	}

	log.Info().
		Int("sessions", len(m.sessions)).
		Int("messages", len(m.messages)).
		Int("memories", len(m.memories)).
		Int("entities", len(m.entities)).
		Int("approvals", len(m.approvals)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		// Already closed
		return nil
	default:
		close(m.doneCh)
	}

	if m.snapshotPath != "" {
		log.Info().Msg("Flushing final snapshot before shutdown...")
		m.saveSnapshot()
	}

	log.Info().Msg("Memory store closed")
	return nil
}

func key(parts ...string) string {
	return strings.Join(parts, ":")
}

// memKey builds the unique (owner, scope, session, key) index key.
// Long-term records carry no session; the slot is left empty.
func memKey(owner string, scope models.MemoryScope, sessionID *string, k string) string {
	session := ""
	if sessionID != nil {
		session = *sessionID
	}
	return key(owner, string(scope), session, k)
}

// ── Session Store ───────────────────────────────────────────

func (m *MemoryStore) CreateSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	cp := *s
	m.sessions[s.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "session", Key: id}
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	if _, ok := m.sessions[s.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "session", Key: s.ID}
	}
	cp := *s
	cp.UpdatedAt = time.Now().UTC()
	m.sessions[s.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListSessions(_ context.Context, userID string) ([]models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Session
	for _, s := range m.sessions {
		if userID == "" || s.UserID == userID {
			result = append(result, *s)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// ── Participant Store ───────────────────────────────────────

func (m *MemoryStore) AddParticipant(_ context.Context, p *models.AgentParticipant) error {
	m.mu.Lock()
	cp := *p
	m.participants[key(p.SessionID, p.AgentID)] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetParticipant(_ context.Context, sessionID, agentID string) (*models.AgentParticipant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participants[key(sessionID, agentID)]
	if !ok {
		return nil, &ErrNotFound{Entity: "participant", Key: key(sessionID, agentID)}
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) UpdateParticipant(_ context.Context, p *models.AgentParticipant) error {
	m.mu.Lock()
	k := key(p.SessionID, p.AgentID)
	if _, ok := m.participants[k]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "participant", Key: k}
	}
	cp := *p
	m.participants[k] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) RemoveParticipant(_ context.Context, sessionID, agentID string) error {
	m.mu.Lock()
	k := key(sessionID, agentID)
	if _, ok := m.participants[k]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "participant", Key: k}
	}
	delete(m.participants, k)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListParticipants(_ context.Context, sessionID string) ([]models.AgentParticipant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.AgentParticipant
	for _, p := range m.participants {
		if p.SessionID == sessionID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority > result[j].Priority
		}
		return result[i].AgentID < result[j].AgentID
	})
	return result, nil
}

// ── Message Store ───────────────────────────────────────────

func (m *MemoryStore) CreateMessage(_ context.Context, msg *models.A2AMessage) error {
	m.mu.Lock()
	cp := *msg
	m.messages[msg.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetMessage(_ context.Context, id string) (*models.A2AMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "message", Key: id}
	}
	cp := *msg
	return &cp, nil
}

func (m *MemoryStore) MarkProcessed(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	msg, ok := m.messages[id]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "message", Key: id}
	}
	msg.Processed = true
	msg.ProcessedAt = &at
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) PendingMessages(_ context.Context, sessionID, agentID string) ([]models.A2AMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.A2AMessage
	for _, msg := range m.messages {
		if msg.SessionID != sessionID || msg.Processed {
			continue
		}
		directed := msg.ToAgent != nil && *msg.ToAgent == agentID
		broadcast := msg.ToAgent == nil && msg.FromAgent != agentID
		if directed || broadcast {
			result = append(result, *msg)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) SessionMessages(_ context.Context, sessionID string) ([]models.A2AMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.A2AMessage
	for _, msg := range m.messages {
		if msg.SessionID == sessionID {
			result = append(result, *msg)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) DeleteMessage(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.messages, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteExpiredMessages(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	deleted := 0
	for id, msg := range m.messages {
		if msg.Expired(now) {
			delete(m.messages, id)
			deleted++
		}
	}
	m.mu.Unlock()
	if deleted > 0 {
		m.requestSave()
	}
	return deleted, nil
}

// ── Memory Record Store ─────────────────────────────────────

func (m *MemoryStore) UpsertMemory(_ context.Context, r *models.MemoryRecord) error {
	m.mu.Lock()
	k := memKey(r.Owner, r.Scope, r.SessionID, r.Key)
	cp := *r
	if existing, ok := m.memories[k]; ok {
		cp.ID = existing.ID
		cp.CreatedAt = existing.CreatedAt
	}
	cp.UpdatedAt = time.Now().UTC()
	m.memories[k] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetMemory(_ context.Context, owner string, scope models.MemoryScope, sessionID *string, k string) (*models.MemoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.memories[memKey(owner, scope, sessionID, k)]
	if !ok {
		return nil, &ErrNotFound{Entity: "memory record", Key: k}
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) ListMemory(_ context.Context, owner string, scope models.MemoryScope, sessionID *string) ([]models.MemoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.MemoryRecord
	for _, rec := range m.memories {
		if rec.Owner != owner || rec.Scope != scope {
			continue
		}
		if sessionID == nil && rec.SessionID != nil {
			continue
		}
		if sessionID != nil && (rec.SessionID == nil || *rec.SessionID != *sessionID) {
			continue
		}
		result = append(result, *rec)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

func (m *MemoryStore) DeleteMemory(_ context.Context, owner string, scope models.MemoryScope, sessionID *string, k string) error {
	m.mu.Lock()
	mk := memKey(owner, scope, sessionID, k)
	if _, ok := m.memories[mk]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "memory record", Key: k}
	}
	delete(m.memories, mk)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteSessionMemory(_ context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	deleted := 0
	for k, rec := range m.memories {
		if rec.SessionID != nil && *rec.SessionID == sessionID {
			delete(m.memories, k)
			deleted++
		}
	}
	m.mu.Unlock()
	if deleted > 0 {
		m.requestSave()
	}
	return deleted, nil
}

func (m *MemoryStore) DeleteExpiredMemory(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	deleted := 0
	for k, rec := range m.memories {
		if rec.Expired(now) {
			delete(m.memories, k)
			deleted++
		}
	}
	m.mu.Unlock()
	if deleted > 0 {
		m.requestSave()
	}
	return deleted, nil
}

// ── Episodic Store ──────────────────────────────────────────

func (m *MemoryStore) CreateEpisode(_ context.Context, e *models.EpisodicSummary) error {
	m.mu.Lock()
	cp := *e
	m.episodes[e.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetEpisodeByFingerprint(_ context.Context, fingerprint string) (*models.EpisodicSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.episodes {
		if e.Fingerprint == fingerprint {
			cp := *e
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "episode", Key: fingerprint}
}

func (m *MemoryStore) ListEpisodes(_ context.Context, userID, agentID string, limit int) ([]models.EpisodicSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.EpisodicSummary
	for _, e := range m.episodes {
		if userID != "" && e.UserID != userID {
			continue
		}
		if agentID != "" && e.AgentID != agentID {
			continue
		}
		result = append(result, *e)
	}
	// Newest first
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) DeleteEpisode(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.episodes, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Entity Store ────────────────────────────────────────────

func (m *MemoryStore) CreateEntity(_ context.Context, e *models.KGEntity) error {
	m.mu.Lock()
	cp := *e
	m.entities[e.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetEntity(_ context.Context, id string) (*models.KGEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "entity", Key: id}
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) UpdateEntity(_ context.Context, e *models.KGEntity) error {
	m.mu.Lock()
	if _, ok := m.entities[e.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "entity", Key: e.ID}
	}
	cp := *e
	cp.UpdatedAt = time.Now().UTC()
	m.entities[e.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) FindEntity(_ context.Context, agentID, name string) (*models.KGEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lower := strings.ToLower(name)
	for _, e := range m.entities {
		if e.AgentID != agentID {
			continue
		}
		if strings.ToLower(e.Name) == lower {
			cp := *e
			return &cp, nil
		}
		for _, alias := range e.Aliases {
			if strings.ToLower(alias) == lower {
				cp := *e
				return &cp, nil
			}
		}
	}
	return nil, &ErrNotFound{Entity: "entity", Key: name}
}

func (m *MemoryStore) ListEntities(_ context.Context, agentID string) ([]models.KGEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.KGEntity
	for _, e := range m.entities {
		if e.AgentID == agentID {
			result = append(result, *e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (m *MemoryStore) DeleteEntity(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.entities, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Relationship Store ──────────────────────────────────────

func (m *MemoryStore) CreateRelationship(_ context.Context, r *models.KGRelationship) error {
	m.mu.Lock()
	cp := *r
	m.relationships[r.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateRelationship(_ context.Context, r *models.KGRelationship) error {
	m.mu.Lock()
	if _, ok := m.relationships[r.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "relationship", Key: r.ID}
	}
	cp := *r
	cp.UpdatedAt = time.Now().UTC()
	m.relationships[r.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) FindRelationship(_ context.Context, agentID, fromID, toID, relType string) (*models.KGRelationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.relationships {
		if r.AgentID == agentID && r.FromEntityID == fromID && r.ToEntityID == toID && r.Type == relType {
			cp := *r
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "relationship", Key: key(fromID, toID, relType)}
}

func (m *MemoryStore) ListRelationships(_ context.Context, agentID string) ([]models.KGRelationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.KGRelationship
	for _, r := range m.relationships {
		if r.AgentID == agentID {
			result = append(result, *r)
		}
	}
	return result, nil
}

func (m *MemoryStore) EntityRelationships(_ context.Context, agentID, entityID string) ([]models.KGRelationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.KGRelationship
	for _, r := range m.relationships {
		if r.AgentID != agentID {
			continue
		}
		if r.FromEntityID == entityID || r.ToEntityID == entityID {
			result = append(result, *r)
		}
	}
	return result, nil
}

// ── Approval Store ──────────────────────────────────────────

func (m *MemoryStore) CreateApproval(_ context.Context, a *models.ApprovalRequest) error {
	m.mu.Lock()
	cp := *a
	m.approvals[a.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetApproval(_ context.Context, id string) (*models.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.approvals[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "approval request", Key: id}
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) UpdateApproval(_ context.Context, a *models.ApprovalRequest) error {
	m.mu.Lock()
	if _, ok := m.approvals[a.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "approval request", Key: a.ID}
	}
	cp := *a
	m.approvals[a.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListPendingApprovals(_ context.Context) ([]models.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.ApprovalRequest
	for _, a := range m.approvals {
		if a.Status == models.ApprovalPending {
			result = append(result, *a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) CreateChain(_ context.Context, c *models.ApprovalChain) error {
	m.mu.Lock()
	cp := *c
	m.chains[c.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetChain(_ context.Context, id string) (*models.ApprovalChain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chains[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "approval chain", Key: id}
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ListChains(_ context.Context) ([]models.ApprovalChain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.ApprovalChain
	for _, c := range m.chains {
		result = append(result, *c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (m *MemoryStore) CreateToken(_ context.Context, t *models.ApprovalToken) error {
	m.mu.Lock()
	cp := *t
	m.tokens[t.Token] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetToken(_ context.Context, token string) (*models.ApprovalToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[token]
	if !ok {
		return nil, &ErrNotFound{Entity: "approval token", Key: token}
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) UpdateToken(_ context.Context, t *models.ApprovalToken) error {
	m.mu.Lock()
	if _, ok := m.tokens[t.Token]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "approval token", Key: t.Token}
	}
	cp := *t
	m.tokens[t.Token] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Audit Store ─────────────────────────────────────────────

func (m *MemoryStore) AppendAudit(_ context.Context, e *models.AuditEvent) error {
	m.mu.Lock()
	cp := *e
	m.auditEvents = append(m.auditEvents, &cp)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListAudit(_ context.Context, filter models.AuditFilter) ([]models.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.AuditEvent
	for _, e := range m.auditEvents {
		if !auditMatches(e, filter) {
			continue
		}
		result = append(result, *e)
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *MemoryStore) CountAudit(_ context.Context, filter models.AuditFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.auditEvents {
		if auditMatches(e, filter) {
			count++
		}
	}
	return count, nil
}

func auditMatches(e *models.AuditEvent, filter models.AuditFilter) bool {
	if filter.RequestID != "" && e.RequestID != filter.RequestID {
		return false
	}
	if filter.SessionID != "" && e.SessionID != filter.SessionID {
		return false
	}
	if filter.Action != "" && e.Action != filter.Action {
		return false
	}
	return true
}

// ── Usage Store ─────────────────────────────────────────────

func (m *MemoryStore) CreateUsage(_ context.Context, metric *models.UsageMetric) error {
	m.mu.Lock()
	cp := *metric
	m.usage = append(m.usage, &cp)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListUsage(_ context.Context, filter models.UsageFilter) ([]models.UsageMetric, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.UsageMetric
	for _, u := range m.usage {
		if filter.AgentID != "" && u.AgentID != filter.AgentID {
			continue
		}
		if filter.SessionID != "" && u.SessionID != filter.SessionID {
			continue
		}
		if filter.Model != "" && u.Model != filter.Model {
			continue
		}
		if !filter.Since.IsZero() && u.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && !u.Timestamp.Before(filter.Until) {
			continue
		}
		result = append(result, *u)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp.Before(result[j].Timestamp) })
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *MemoryStore) DeleteUsageBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	kept := m.usage[:0]
	deleted := 0
	for _, u := range m.usage {
		if u.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, u)
	}
	m.usage = kept
	m.mu.Unlock()
	if deleted > 0 {
		m.requestSave()
	}
	return deleted, nil
}

func (m *MemoryStore) GetBudget(_ context.Context, agentID string) (*models.Budget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.budgets[agentID]
	if !ok {
		return nil, &ErrNotFound{Entity: "budget", Key: agentID}
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) PutBudget(_ context.Context, b *models.Budget) error {
	m.mu.Lock()
	cp := *b
	cp.UpdatedAt = time.Now().UTC()
	m.budgets[b.AgentID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpsertRollup(_ context.Context, r *models.HourlyUsage) error {
	m.mu.Lock()
	k := key(r.AgentID, r.Model, r.Hour.UTC().Format(time.RFC3339))
	cp := *r
	cp.UpdatedAt = time.Now().UTC()
	if existing, ok := m.rollups[k]; ok {
		cp.ID = existing.ID
	}
	m.rollups[k] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListRollups(_ context.Context, agentID string, since time.Time) ([]models.HourlyUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.HourlyUsage
	for _, r := range m.rollups {
		if agentID != "" && r.AgentID != agentID {
			continue
		}
		if !since.IsZero() && r.Hour.Before(since) {
			continue
		}
		result = append(result, *r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Hour.Before(result[j].Hour) })
	return result, nil
}

// ── Channel Store ───────────────────────────────────────────

func (m *MemoryStore) CreateChannel(_ context.Context, c *models.NotificationChannel) error {
	m.mu.Lock()
	cp := *c
	m.channels[c.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetChannel(_ context.Context, id string) (*models.NotificationChannel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.channels[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "notification channel", Key: id}
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ListChannels(_ context.Context) ([]models.NotificationChannel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.NotificationChannel
	for _, c := range m.channels {
		result = append(result, *c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (m *MemoryStore) DeleteChannel(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.channels, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)
