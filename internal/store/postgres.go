// Package store: PostgreSQL Store implementation backed by pgxpool.
// Semantics match the in-memory store; uniqueness constraints are
// enforced by the schema instead of map keys.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/agentloom/agentloom/orchestrator/pkg/models"
)

// PostgresStore implements Store on top of a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database and ensures the schema exists.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	log.Info().Msg("Postgres store configured")
	return s, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// migrate creates the schema if it does not exist. Idempotent.
func (s *PostgresStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS participants (
			session_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			trigger JSONB,
			priority INT NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			joined_at TIMESTAMPTZ NOT NULL,
			left_at TIMESTAMPTZ,
			PRIMARY KEY (session_id, agent_id)
		)`,
		`CREATE TABLE IF NOT EXISTS a2a_messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			from_agent TEXT NOT NULL,
			to_agent TEXT,
			type TEXT NOT NULL,
			payload JSONB,
			correlation_id TEXT NOT NULL DEFAULT '',
			ttl_seconds INT NOT NULL DEFAULT 0,
			hop_count INT NOT NULL DEFAULT 0,
			processed BOOLEAN NOT NULL DEFAULT FALSE,
			processed_at TIMESTAMPTZ,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pending
			ON a2a_messages (session_id, processed, created_at)`,
		`CREATE TABLE IF NOT EXISTS memory_records (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			session_id TEXT,
			scope TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_memory_unique
			ON memory_records (owner, scope, COALESCE(session_id, ''), key)`,
		`CREATE TABLE IF NOT EXISTS episodes (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			summary TEXT NOT NULL,
			key_topics JSONB,
			decisions JSONB,
			action_items JSONB,
			sentiment JSONB,
			resolution TEXT NOT NULL,
			message_count INT NOT NULL,
			fingerprint TEXT NOT NULL UNIQUE,
			conversation_start TIMESTAMPTZ NOT NULL,
			conversation_end TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS kg_entities (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			aliases JSONB,
			properties JSONB,
			confidence DOUBLE PRECISION NOT NULL,
			source TEXT NOT NULL,
			mentions INT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_unique
			ON kg_entities (agent_id, type, LOWER(name))`,
		`CREATE TABLE IF NOT EXISTS kg_relationships (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			from_entity_id TEXT NOT NULL,
			to_entity_id TEXT NOT NULL,
			type TEXT NOT NULL,
			weight DOUBLE PRECISION NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			bidirectional BOOLEAN NOT NULL DEFAULT FALSE,
			properties JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (agent_id, from_entity_id, to_entity_id, type)
		)`,
		`CREATE TABLE IF NOT EXISTS approval_requests (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			initiator TEXT NOT NULL,
			kind TEXT NOT NULL,
			chain_id TEXT NOT NULL DEFAULT '',
			channel TEXT NOT NULL,
			recipient TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			payload JSONB,
			ttl_seconds INT NOT NULL,
			default_action TEXT NOT NULL,
			status TEXT NOT NULL,
			current_level INT NOT NULL DEFAULT 1,
			total_levels INT NOT NULL DEFAULT 1,
			decisions JSONB,
			decided_by TEXT NOT NULL DEFAULT '',
			decided_at TIMESTAMPTZ,
			comments TEXT NOT NULL DEFAULT '',
			reminders_sent INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS approval_chains (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			levels JSONB NOT NULL,
			stop_on_reject BOOLEAN NOT NULL,
			require_all BOOLEAN NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS approval_tokens (
			token TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			used BOOLEAN NOT NULL DEFAULT FALSE,
			used_by TEXT NOT NULL DEFAULT '',
			used_at TIMESTAMPTZ,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			actor TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			ts TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS usage_metrics (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL,
			model TEXT NOT NULL,
			request_type TEXT NOT NULL,
			input_tokens BIGINT NOT NULL DEFAULT 0,
			output_tokens BIGINT NOT NULL DEFAULT 0,
			total_tokens BIGINT NOT NULL DEFAULT 0,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			ttft_ms BIGINT NOT NULL DEFAULT 0,
			cached BOOLEAN NOT NULL DEFAULT FALSE,
			success BOOLEAN NOT NULL DEFAULT TRUE,
			error_message TEXT NOT NULL DEFAULT '',
			estimated_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			ts TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_agent_ts ON usage_metrics (agent_id, ts)`,
		`CREATE TABLE IF NOT EXISTS budgets (
			agent_id TEXT PRIMARY KEY,
			daily_limit DOUBLE PRECISION NOT NULL,
			monthly_limit DOUBLE PRECISION NOT NULL,
			alert_threshold DOUBLE PRECISION NOT NULL,
			daily_spend DOUBLE PRECISION NOT NULL DEFAULT 0,
			monthly_spend DOUBLE PRECISION NOT NULL DEFAULT 0,
			daily_reset_at TIMESTAMPTZ NOT NULL,
			monthly_reset_at TIMESTAMPTZ NOT NULL,
			daily_alert_sent BOOLEAN NOT NULL DEFAULT FALSE,
			monthly_alert_sent BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS usage_hourly (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			model TEXT NOT NULL,
			hour TIMESTAMPTZ NOT NULL,
			calls BIGINT NOT NULL DEFAULT 0,
			successes BIGINT NOT NULL DEFAULT 0,
			failures BIGINT NOT NULL DEFAULT 0,
			cache_hits BIGINT NOT NULL DEFAULT 0,
			cache_misses BIGINT NOT NULL DEFAULT 0,
			input_tokens BIGINT NOT NULL DEFAULT 0,
			output_tokens BIGINT NOT NULL DEFAULT 0,
			total_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			p50_latency_ms BIGINT NOT NULL DEFAULT 0,
			p95_latency_ms BIGINT NOT NULL DEFAULT 0,
			p99_latency_ms BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (agent_id, model, hour)
		)`,
		`CREATE TABLE IF NOT EXISTS notification_channels (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			url TEXT NOT NULL DEFAULT '',
			secret TEXT NOT NULL DEFAULT '',
			recipient TEXT NOT NULL DEFAULT '',
			events JSONB,
			config JSONB,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// toJSON marshals v for a JSONB column; nil stays NULL.
func toJSON(v interface{}) []byte {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func fromJSON(b []byte, v interface{}) {
	if len(b) == 0 {
		return
	}
	_ = json.Unmarshal(b, v)
}

func notFoundOr(err error, entity, k string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return &ErrNotFound{Entity: entity, Key: k}
	}
	return err
}

// ── Session Store ───────────────────────────────────────────

func (s *PostgresStore) CreateSession(ctx context.Context, sess *models.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, title, status, metadata, created_at, updated_at, closed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		sess.ID, sess.UserID, sess.Title, sess.Status, toJSON(sess.Metadata),
		sess.CreatedAt, sess.UpdatedAt, sess.ClosedAt)
	return err
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, title, status, metadata, created_at, updated_at, closed_at
		FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if err != nil {
		return nil, notFoundOr(err, "session", id)
	}
	return sess, nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, sess *models.Session) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET user_id=$2, title=$3, status=$4, metadata=$5, updated_at=$6, closed_at=$7
		WHERE id = $1`,
		sess.ID, sess.UserID, sess.Title, sess.Status, toJSON(sess.Metadata),
		time.Now().UTC(), sess.ClosedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "session", Key: sess.ID}
	}
	return nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, userID string) ([]models.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, title, status, metadata, created_at, updated_at, closed_at
		FROM sessions WHERE ($1 = '' OR user_id = $1) ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *sess)
	}
	return result, rows.Err()
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var sess models.Session
	var meta []byte
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.Status, &meta,
		&sess.CreatedAt, &sess.UpdatedAt, &sess.ClosedAt); err != nil {
		return nil, err
	}
	fromJSON(meta, &sess.Metadata)
	return &sess, nil
}

// ── Participant Store ───────────────────────────────────────

func (s *PostgresStore) AddParticipant(ctx context.Context, p *models.AgentParticipant) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO participants (session_id, agent_id, trigger, priority, active, joined_at, left_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (session_id, agent_id) DO UPDATE SET
			trigger = EXCLUDED.trigger,
			priority = EXCLUDED.priority,
			active = EXCLUDED.active,
			left_at = EXCLUDED.left_at`,
		p.SessionID, p.AgentID, toJSON(p.Trigger), p.Priority, p.Active, p.JoinedAt, p.LeftAt)
	return err
}

func (s *PostgresStore) GetParticipant(ctx context.Context, sessionID, agentID string) (*models.AgentParticipant, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, agent_id, trigger, priority, active, joined_at, left_at
		FROM participants WHERE session_id = $1 AND agent_id = $2`, sessionID, agentID)
	p, err := scanParticipant(row)
	if err != nil {
		return nil, notFoundOr(err, "participant", key(sessionID, agentID))
	}
	return p, nil
}

func (s *PostgresStore) UpdateParticipant(ctx context.Context, p *models.AgentParticipant) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE participants SET trigger=$3, priority=$4, active=$5, left_at=$6
		WHERE session_id = $1 AND agent_id = $2`,
		p.SessionID, p.AgentID, toJSON(p.Trigger), p.Priority, p.Active, p.LeftAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "participant", Key: key(p.SessionID, p.AgentID)}
	}
	return nil
}

func (s *PostgresStore) RemoveParticipant(ctx context.Context, sessionID, agentID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM participants WHERE session_id = $1 AND agent_id = $2`, sessionID, agentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "participant", Key: key(sessionID, agentID)}
	}
	return nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, sessionID string) ([]models.AgentParticipant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, agent_id, trigger, priority, active, joined_at, left_at
		FROM participants WHERE session_id = $1 ORDER BY priority DESC, agent_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []models.AgentParticipant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func scanParticipant(row pgx.Row) (*models.AgentParticipant, error) {
	var p models.AgentParticipant
	var trigger []byte
	if err := row.Scan(&p.SessionID, &p.AgentID, &trigger, &p.Priority, &p.Active,
		&p.JoinedAt, &p.LeftAt); err != nil {
		return nil, err
	}
	fromJSON(trigger, &p.Trigger)
	return &p, nil
}

// ── Message Store ───────────────────────────────────────────

func (s *PostgresStore) CreateMessage(ctx context.Context, m *models.A2AMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO a2a_messages (id, session_id, from_agent, to_agent, type, payload,
			correlation_id, ttl_seconds, hop_count, processed, processed_at, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		m.ID, m.SessionID, m.FromAgent, m.ToAgent, m.Type, toJSON(m.Payload),
		m.CorrelationID, m.TTLSeconds, m.HopCount, m.Processed, m.ProcessedAt,
		toJSON(m.Metadata), m.CreatedAt)
	return err
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*models.A2AMessage, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, session_id, from_agent, to_agent, type, payload, correlation_id,
			ttl_seconds, hop_count, processed, processed_at, metadata, created_at
		FROM a2a_messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if err != nil {
		return nil, notFoundOr(err, "message", id)
	}
	return m, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE a2a_messages SET processed = TRUE, processed_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "message", Key: id}
	}
	return nil
}

func (s *PostgresStore) PendingMessages(ctx context.Context, sessionID, agentID string) ([]models.A2AMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, from_agent, to_agent, type, payload, correlation_id,
			ttl_seconds, hop_count, processed, processed_at, metadata, created_at
		FROM a2a_messages
		WHERE session_id = $1
			AND processed = FALSE
			AND (to_agent = $2 OR (to_agent IS NULL AND from_agent <> $2))
		ORDER BY created_at`, sessionID, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []models.A2AMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *m)
	}
	return result, rows.Err()
}

func (s *PostgresStore) SessionMessages(ctx context.Context, sessionID string) ([]models.A2AMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, from_agent, to_agent, type, payload, correlation_id,
			ttl_seconds, hop_count, processed, processed_at, metadata, created_at
		FROM a2a_messages WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []models.A2AMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *m)
	}
	return result, rows.Err()
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM a2a_messages WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) DeleteExpiredMessages(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM a2a_messages
		WHERE ttl_seconds > 0 AND created_at + make_interval(secs => ttl_seconds) < $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func scanMessage(row pgx.Row) (*models.A2AMessage, error) {
	var m models.A2AMessage
	var payload, meta []byte
	if err := row.Scan(&m.ID, &m.SessionID, &m.FromAgent, &m.ToAgent, &m.Type, &payload,
		&m.CorrelationID, &m.TTLSeconds, &m.HopCount, &m.Processed, &m.ProcessedAt,
		&meta, &m.CreatedAt); err != nil {
		return nil, err
	}
	fromJSON(payload, &m.Payload)
	fromJSON(meta, &m.Metadata)
	return &m, nil
}

// ── Memory Record Store ─────────────────────────────────────

func (s *PostgresStore) UpsertMemory(ctx context.Context, r *models.MemoryRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO memory_records (id, owner, session_id, scope, key, value, expires_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (owner, scope, COALESCE(session_id, ''), key) DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at`,
		r.ID, r.Owner, r.SessionID, r.Scope, r.Key, r.Value, r.ExpiresAt,
		r.CreatedAt, time.Now().UTC())
	return err
}

func (s *PostgresStore) GetMemory(ctx context.Context, owner string, scope models.MemoryScope, sessionID *string, k string) (*models.MemoryRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, owner, session_id, scope, key, value, expires_at, created_at, updated_at
		FROM memory_records
		WHERE owner = $1 AND scope = $2 AND COALESCE(session_id, '') = COALESCE($3, '') AND key = $4`,
		owner, scope, sessionID, k)
	var r models.MemoryRecord
	if err := row.Scan(&r.ID, &r.Owner, &r.SessionID, &r.Scope, &r.Key, &r.Value,
		&r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, notFoundOr(err, "memory record", k)
	}
	return &r, nil
}

func (s *PostgresStore) ListMemory(ctx context.Context, owner string, scope models.MemoryScope, sessionID *string) ([]models.MemoryRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner, session_id, scope, key, value, expires_at, created_at, updated_at
		FROM memory_records
		WHERE owner = $1 AND scope = $2 AND COALESCE(session_id, '') = COALESCE($3, '')
		ORDER BY key`, owner, scope, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []models.MemoryRecord
	for rows.Next() {
		var r models.MemoryRecord
		if err := rows.Scan(&r.ID, &r.Owner, &r.SessionID, &r.Scope, &r.Key, &r.Value,
			&r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *PostgresStore) DeleteMemory(ctx context.Context, owner string, scope models.MemoryScope, sessionID *string, k string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM memory_records
		WHERE owner = $1 AND scope = $2 AND COALESCE(session_id, '') = COALESCE($3, '') AND key = $4`,
		owner, scope, sessionID, k)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "memory record", Key: k}
	}
	return nil
}

func (s *PostgresStore) DeleteSessionMemory(ctx context.Context, sessionID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM memory_records WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) DeleteExpiredMemory(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM memory_records WHERE expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ── Episodic Store ──────────────────────────────────────────

func (s *PostgresStore) CreateEpisode(ctx context.Context, e *models.EpisodicSummary) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO episodes (id, user_id, agent_id, session_id, summary, key_topics,
			decisions, action_items, sentiment, resolution, message_count, fingerprint,
			conversation_start, conversation_end, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		e.ID, e.UserID, e.AgentID, e.SessionID, e.Summary, toJSON(e.KeyTopics),
		toJSON(e.Decisions), toJSON(e.ActionItems), toJSON(e.Sentiment), e.Resolution,
		e.MessageCount, e.Fingerprint, e.ConversationStart, e.ConversationEnd, e.CreatedAt)
	return err
}

func (s *PostgresStore) GetEpisodeByFingerprint(ctx context.Context, fingerprint string) (*models.EpisodicSummary, error) {
	row := s.pool.QueryRow(ctx, episodeSelect+` WHERE fingerprint = $1`, fingerprint)
	e, err := scanEpisode(row)
	if err != nil {
		return nil, notFoundOr(err, "episode", fingerprint)
	}
	return e, nil
}

func (s *PostgresStore) ListEpisodes(ctx context.Context, userID, agentID string, limit int) ([]models.EpisodicSummary, error) {
	var lim *int // nil means LIMIT ALL
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx, episodeSelect+`
		WHERE ($1 = '' OR user_id = $1) AND ($2 = '' OR agent_id = $2)
		ORDER BY created_at DESC LIMIT $3`, userID, agentID, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []models.EpisodicSummary
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

func (s *PostgresStore) DeleteEpisode(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM episodes WHERE id = $1`, id)
	return err
}

const episodeSelect = `
	SELECT id, user_id, agent_id, session_id, summary, key_topics, decisions,
		action_items, sentiment, resolution, message_count, fingerprint,
		conversation_start, conversation_end, created_at
	FROM episodes`

func scanEpisode(row pgx.Row) (*models.EpisodicSummary, error) {
	var e models.EpisodicSummary
	var topics, decisions, items, sentiment []byte
	if err := row.Scan(&e.ID, &e.UserID, &e.AgentID, &e.SessionID, &e.Summary, &topics,
		&decisions, &items, &sentiment, &e.Resolution, &e.MessageCount, &e.Fingerprint,
		&e.ConversationStart, &e.ConversationEnd, &e.CreatedAt); err != nil {
		return nil, err
	}
	fromJSON(topics, &e.KeyTopics)
	fromJSON(decisions, &e.Decisions)
	fromJSON(items, &e.ActionItems)
	fromJSON(sentiment, &e.Sentiment)
	return &e, nil
}

// ── Entity Store ────────────────────────────────────────────

func (s *PostgresStore) CreateEntity(ctx context.Context, e *models.KGEntity) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO kg_entities (id, agent_id, type, name, aliases, properties,
			confidence, source, mentions, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.ID, e.AgentID, e.Type, e.Name, toJSON(e.Aliases), toJSON(e.Properties),
		e.Confidence, e.Source, e.Mentions, e.CreatedAt, e.UpdatedAt)
	return err
}

func (s *PostgresStore) GetEntity(ctx context.Context, id string) (*models.KGEntity, error) {
	row := s.pool.QueryRow(ctx, entitySelect+` WHERE id = $1`, id)
	e, err := scanEntity(row)
	if err != nil {
		return nil, notFoundOr(err, "entity", id)
	}
	return e, nil
}

func (s *PostgresStore) UpdateEntity(ctx context.Context, e *models.KGEntity) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE kg_entities SET type=$2, name=$3, aliases=$4, properties=$5,
			confidence=$6, source=$7, mentions=$8, updated_at=$9
		WHERE id = $1`,
		e.ID, e.Type, e.Name, toJSON(e.Aliases), toJSON(e.Properties),
		e.Confidence, e.Source, e.Mentions, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "entity", Key: e.ID}
	}
	return nil
}

func (s *PostgresStore) FindEntity(ctx context.Context, agentID, name string) (*models.KGEntity, error) {
	row := s.pool.QueryRow(ctx, entitySelect+`
		WHERE agent_id = $1
			AND (LOWER(name) = LOWER($2)
				OR EXISTS (
					SELECT 1 FROM jsonb_array_elements_text(COALESCE(aliases, '[]'::jsonb)) a
					WHERE LOWER(a) = LOWER($2)))
		LIMIT 1`, agentID, name)
	e, err := scanEntity(row)
	if err != nil {
		return nil, notFoundOr(err, "entity", name)
	}
	return e, nil
}

func (s *PostgresStore) ListEntities(ctx context.Context, agentID string) ([]models.KGEntity, error) {
	rows, err := s.pool.Query(ctx, entitySelect+` WHERE agent_id = $1 ORDER BY name`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []models.KGEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

func (s *PostgresStore) DeleteEntity(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM kg_entities WHERE id = $1`, id)
	return err
}

const entitySelect = `
	SELECT id, agent_id, type, name, aliases, properties, confidence, source,
		mentions, created_at, updated_at
	FROM kg_entities`

func scanEntity(row pgx.Row) (*models.KGEntity, error) {
	var e models.KGEntity
	var aliases, props []byte
	if err := row.Scan(&e.ID, &e.AgentID, &e.Type, &e.Name, &aliases, &props,
		&e.Confidence, &e.Source, &e.Mentions, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	fromJSON(aliases, &e.Aliases)
	fromJSON(props, &e.Properties)
	return &e, nil
}

// ── Relationship Store ──────────────────────────────────────

func (s *PostgresStore) CreateRelationship(ctx context.Context, r *models.KGRelationship) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO kg_relationships (id, agent_id, from_entity_id, to_entity_id, type,
			weight, confidence, bidirectional, properties, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		r.ID, r.AgentID, r.FromEntityID, r.ToEntityID, r.Type, r.Weight, r.Confidence,
		r.Bidirectional, toJSON(r.Properties), r.CreatedAt, r.UpdatedAt)
	return err
}

func (s *PostgresStore) UpdateRelationship(ctx context.Context, r *models.KGRelationship) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE kg_relationships SET weight=$2, confidence=$3, bidirectional=$4,
			properties=$5, updated_at=$6
		WHERE id = $1`,
		r.ID, r.Weight, r.Confidence, r.Bidirectional, toJSON(r.Properties), time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "relationship", Key: r.ID}
	}
	return nil
}

func (s *PostgresStore) FindRelationship(ctx context.Context, agentID, fromID, toID, relType string) (*models.KGRelationship, error) {
	row := s.pool.QueryRow(ctx, relationshipSelect+`
		WHERE agent_id = $1 AND from_entity_id = $2 AND to_entity_id = $3 AND type = $4`,
		agentID, fromID, toID, relType)
	r, err := scanRelationship(row)
	if err != nil {
		return nil, notFoundOr(err, "relationship", key(fromID, toID, relType))
	}
	return r, nil
}

func (s *PostgresStore) ListRelationships(ctx context.Context, agentID string) ([]models.KGRelationship, error) {
	rows, err := s.pool.Query(ctx, relationshipSelect+` WHERE agent_id = $1`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRelationships(rows)
}

func (s *PostgresStore) EntityRelationships(ctx context.Context, agentID, entityID string) ([]models.KGRelationship, error) {
	rows, err := s.pool.Query(ctx, relationshipSelect+`
		WHERE agent_id = $1 AND (from_entity_id = $2 OR to_entity_id = $2)`, agentID, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRelationships(rows)
}

const relationshipSelect = `
	SELECT id, agent_id, from_entity_id, to_entity_id, type, weight, confidence,
		bidirectional, properties, created_at, updated_at
	FROM kg_relationships`

func scanRelationship(row pgx.Row) (*models.KGRelationship, error) {
	var r models.KGRelationship
	var props []byte
	if err := row.Scan(&r.ID, &r.AgentID, &r.FromEntityID, &r.ToEntityID, &r.Type,
		&r.Weight, &r.Confidence, &r.Bidirectional, &props, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	fromJSON(props, &r.Properties)
	return &r, nil
}

func collectRelationships(rows pgx.Rows) ([]models.KGRelationship, error) {
	var result []models.KGRelationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}
	return result, rows.Err()
}

// ── Approval Store ──────────────────────────────────────────

func (s *PostgresStore) CreateApproval(ctx context.Context, a *models.ApprovalRequest) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO approval_requests (id, session_id, initiator, kind, chain_id, channel,
			recipient, message, payload, ttl_seconds, default_action, status, current_level,
			total_levels, decisions, decided_by, decided_at, comments, reminders_sent,
			created_at, expires_at, resolved_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		a.ID, a.SessionID, a.Initiator, a.Kind, a.ChainID, a.Channel, a.Recipient,
		a.Message, toJSON(a.Payload), a.TTLSeconds, a.DefaultAction, a.Status,
		a.CurrentLevel, a.TotalLevels, toJSON(a.Decisions), a.DecidedBy, a.DecidedAt,
		a.Comments, a.RemindersSent, a.CreatedAt, a.ExpiresAt, a.ResolvedAt)
	return err
}

func (s *PostgresStore) GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	row := s.pool.QueryRow(ctx, approvalSelect+` WHERE id = $1`, id)
	a, err := scanApproval(row)
	if err != nil {
		return nil, notFoundOr(err, "approval request", id)
	}
	return a, nil
}

func (s *PostgresStore) UpdateApproval(ctx context.Context, a *models.ApprovalRequest) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE approval_requests SET status=$2, current_level=$3, decisions=$4,
			decided_by=$5, decided_at=$6, comments=$7, reminders_sent=$8, resolved_at=$9
		WHERE id = $1`,
		a.ID, a.Status, a.CurrentLevel, toJSON(a.Decisions), a.DecidedBy, a.DecidedAt,
		a.Comments, a.RemindersSent, a.ResolvedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "approval request", Key: a.ID}
	}
	return nil
}

func (s *PostgresStore) ListPendingApprovals(ctx context.Context) ([]models.ApprovalRequest, error) {
	rows, err := s.pool.Query(ctx, approvalSelect+` WHERE status = 'pending' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []models.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

const approvalSelect = `
	SELECT id, session_id, initiator, kind, chain_id, channel, recipient, message,
		payload, ttl_seconds, default_action, status, current_level, total_levels,
		decisions, decided_by, decided_at, comments, reminders_sent, created_at,
		expires_at, resolved_at
	FROM approval_requests`

func scanApproval(row pgx.Row) (*models.ApprovalRequest, error) {
	var a models.ApprovalRequest
	var payload, decisions []byte
	if err := row.Scan(&a.ID, &a.SessionID, &a.Initiator, &a.Kind, &a.ChainID, &a.Channel,
		&a.Recipient, &a.Message, &payload, &a.TTLSeconds, &a.DefaultAction, &a.Status,
		&a.CurrentLevel, &a.TotalLevels, &decisions, &a.DecidedBy, &a.DecidedAt,
		&a.Comments, &a.RemindersSent, &a.CreatedAt, &a.ExpiresAt, &a.ResolvedAt); err != nil {
		return nil, err
	}
	fromJSON(payload, &a.Payload)
	fromJSON(decisions, &a.Decisions)
	return &a, nil
}

func (s *PostgresStore) CreateChain(ctx context.Context, c *models.ApprovalChain) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO approval_chains (id, name, levels, stop_on_reject, require_all, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		c.ID, c.Name, toJSON(c.Levels), c.StopOnReject, c.RequireAll, c.CreatedAt)
	return err
}

func (s *PostgresStore) GetChain(ctx context.Context, id string) (*models.ApprovalChain, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, levels, stop_on_reject, require_all, created_at
		FROM approval_chains WHERE id = $1`, id)
	var c models.ApprovalChain
	var levels []byte
	if err := row.Scan(&c.ID, &c.Name, &levels, &c.StopOnReject, &c.RequireAll, &c.CreatedAt); err != nil {
		return nil, notFoundOr(err, "approval chain", id)
	}
	fromJSON(levels, &c.Levels)
	return &c, nil
}

func (s *PostgresStore) ListChains(ctx context.Context) ([]models.ApprovalChain, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, levels, stop_on_reject, require_all, created_at
		FROM approval_chains ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []models.ApprovalChain
	for rows.Next() {
		var c models.ApprovalChain
		var levels []byte
		if err := rows.Scan(&c.ID, &c.Name, &levels, &c.StopOnReject, &c.RequireAll, &c.CreatedAt); err != nil {
			return nil, err
		}
		fromJSON(levels, &c.Levels)
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CreateToken(ctx context.Context, t *models.ApprovalToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO approval_tokens (token, request_id, used, used_by, used_at, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		t.Token, t.RequestID, t.Used, t.UsedBy, t.UsedAt, t.ExpiresAt, t.CreatedAt)
	return err
}

func (s *PostgresStore) GetToken(ctx context.Context, token string) (*models.ApprovalToken, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT token, request_id, used, used_by, used_at, expires_at, created_at
		FROM approval_tokens WHERE token = $1`, token)
	var t models.ApprovalToken
	if err := row.Scan(&t.Token, &t.RequestID, &t.Used, &t.UsedBy, &t.UsedAt,
		&t.ExpiresAt, &t.CreatedAt); err != nil {
		return nil, notFoundOr(err, "approval token", token)
	}
	return &t, nil
}

func (s *PostgresStore) UpdateToken(ctx context.Context, t *models.ApprovalToken) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE approval_tokens SET used=$2, used_by=$3, used_at=$4 WHERE token = $1`,
		t.Token, t.Used, t.UsedBy, t.UsedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "approval token", Key: t.Token}
	}
	return nil
}

// ── Audit Store ─────────────────────────────────────────────

func (s *PostgresStore) AppendAudit(ctx context.Context, e *models.AuditEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_events (id, request_id, session_id, action, actor, detail, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.RequestID, e.SessionID, e.Action, e.Actor, e.Detail, e.Timestamp)
	return err
}

func (s *PostgresStore) ListAudit(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, request_id, session_id, action, actor, detail, ts
		FROM audit_events
		WHERE ($1 = '' OR request_id = $1)
			AND ($2 = '' OR session_id = $2)
			AND ($3 = '' OR action = $3)
		ORDER BY ts
		LIMIT $4 OFFSET $5`,
		filter.RequestID, filter.SessionID, string(filter.Action), limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		if err := rows.Scan(&e.ID, &e.RequestID, &e.SessionID, &e.Action, &e.Actor,
			&e.Detail, &e.Timestamp); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CountAudit(ctx context.Context, filter models.AuditFilter) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM audit_events
		WHERE ($1 = '' OR request_id = $1)
			AND ($2 = '' OR session_id = $2)
			AND ($3 = '' OR action = $3)`,
		filter.RequestID, filter.SessionID, string(filter.Action)).Scan(&count)
	return count, err
}

// ── Usage Store ─────────────────────────────────────────────

func (s *PostgresStore) CreateUsage(ctx context.Context, m *models.UsageMetric) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_metrics (id, request_id, session_id, agent_id, model, request_type,
			input_tokens, output_tokens, total_tokens, latency_ms, ttft_ms, cached, success,
			error_message, estimated_cost, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		m.ID, m.RequestID, m.SessionID, m.AgentID, m.Model, m.RequestType,
		m.InputTokens, m.OutputTokens, m.TotalTokens, m.LatencyMs, m.TTFTMs,
		m.Cached, m.Success, m.ErrorMessage, m.EstimatedCost, m.Timestamp)
	return err
}

func (s *PostgresStore) ListUsage(ctx context.Context, filter models.UsageFilter) ([]models.UsageMetric, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 10000
	}
	since := filter.Since
	until := filter.Until
	if until.IsZero() {
		until = time.Now().UTC().Add(time.Hour)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, request_id, session_id, agent_id, model, request_type, input_tokens,
			output_tokens, total_tokens, latency_ms, ttft_ms, cached, success,
			error_message, estimated_cost, ts
		FROM usage_metrics
		WHERE ($1 = '' OR agent_id = $1)
			AND ($2 = '' OR session_id = $2)
			AND ($3 = '' OR model = $3)
			AND ts >= $4 AND ts < $5
		ORDER BY ts
		LIMIT $6`,
		filter.AgentID, filter.SessionID, filter.Model, since, until, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []models.UsageMetric
	for rows.Next() {
		var m models.UsageMetric
		if err := rows.Scan(&m.ID, &m.RequestID, &m.SessionID, &m.AgentID, &m.Model,
			&m.RequestType, &m.InputTokens, &m.OutputTokens, &m.TotalTokens, &m.LatencyMs,
			&m.TTFTMs, &m.Cached, &m.Success, &m.ErrorMessage, &m.EstimatedCost,
			&m.Timestamp); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (s *PostgresStore) DeleteUsageBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM usage_metrics WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) GetBudget(ctx context.Context, agentID string) (*models.Budget, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT agent_id, daily_limit, monthly_limit, alert_threshold, daily_spend,
			monthly_spend, daily_reset_at, monthly_reset_at, daily_alert_sent,
			monthly_alert_sent, updated_at
		FROM budgets WHERE agent_id = $1`, agentID)
	var b models.Budget
	if err := row.Scan(&b.AgentID, &b.DailyLimit, &b.MonthlyLimit, &b.AlertThreshold,
		&b.DailySpend, &b.MonthlySpend, &b.DailyResetAt, &b.MonthlyResetAt,
		&b.DailyAlertSent, &b.MonthlyAlertSent, &b.UpdatedAt); err != nil {
		return nil, notFoundOr(err, "budget", agentID)
	}
	return &b, nil
}

func (s *PostgresStore) PutBudget(ctx context.Context, b *models.Budget) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO budgets (agent_id, daily_limit, monthly_limit, alert_threshold,
			daily_spend, monthly_spend, daily_reset_at, monthly_reset_at,
			daily_alert_sent, monthly_alert_sent, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (agent_id) DO UPDATE SET
			daily_limit = EXCLUDED.daily_limit,
			monthly_limit = EXCLUDED.monthly_limit,
			alert_threshold = EXCLUDED.alert_threshold,
			daily_spend = EXCLUDED.daily_spend,
			monthly_spend = EXCLUDED.monthly_spend,
			daily_reset_at = EXCLUDED.daily_reset_at,
			monthly_reset_at = EXCLUDED.monthly_reset_at,
			daily_alert_sent = EXCLUDED.daily_alert_sent,
			monthly_alert_sent = EXCLUDED.monthly_alert_sent,
			updated_at = EXCLUDED.updated_at`,
		b.AgentID, b.DailyLimit, b.MonthlyLimit, b.AlertThreshold, b.DailySpend,
		b.MonthlySpend, b.DailyResetAt, b.MonthlyResetAt, b.DailyAlertSent,
		b.MonthlyAlertSent, time.Now().UTC())
	return err
}

func (s *PostgresStore) UpsertRollup(ctx context.Context, r *models.HourlyUsage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_hourly (id, agent_id, model, hour, calls, successes, failures,
			cache_hits, cache_misses, input_tokens, output_tokens, total_cost,
			p50_latency_ms, p95_latency_ms, p99_latency_ms, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (agent_id, model, hour) DO UPDATE SET
			calls = EXCLUDED.calls,
			successes = EXCLUDED.successes,
			failures = EXCLUDED.failures,
			cache_hits = EXCLUDED.cache_hits,
			cache_misses = EXCLUDED.cache_misses,
			input_tokens = EXCLUDED.input_tokens,
			output_tokens = EXCLUDED.output_tokens,
			total_cost = EXCLUDED.total_cost,
			p50_latency_ms = EXCLUDED.p50_latency_ms,
			p95_latency_ms = EXCLUDED.p95_latency_ms,
			p99_latency_ms = EXCLUDED.p99_latency_ms,
			updated_at = EXCLUDED.updated_at`,
		r.ID, r.AgentID, r.Model, r.Hour.UTC(), r.Calls, r.Successes, r.Failures,
		r.CacheHits, r.CacheMisses, r.InputTokens, r.OutputTokens, r.TotalCost,
		r.P50LatencyMs, r.P95LatencyMs, r.P99LatencyMs, time.Now().UTC())
	return err
}

func (s *PostgresStore) ListRollups(ctx context.Context, agentID string, since time.Time) ([]models.HourlyUsage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, agent_id, model, hour, calls, successes, failures, cache_hits,
			cache_misses, input_tokens, output_tokens, total_cost, p50_latency_ms,
			p95_latency_ms, p99_latency_ms, updated_at
		FROM usage_hourly
		WHERE ($1 = '' OR agent_id = $1) AND hour >= $2
		ORDER BY hour`, agentID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []models.HourlyUsage
	for rows.Next() {
		var r models.HourlyUsage
		if err := rows.Scan(&r.ID, &r.AgentID, &r.Model, &r.Hour, &r.Calls, &r.Successes,
			&r.Failures, &r.CacheHits, &r.CacheMisses, &r.InputTokens, &r.OutputTokens,
			&r.TotalCost, &r.P50LatencyMs, &r.P95LatencyMs, &r.P99LatencyMs,
			&r.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// ── Channel Store ───────────────────────────────────────────

func (s *PostgresStore) CreateChannel(ctx context.Context, c *models.NotificationChannel) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notification_channels (id, name, kind, url, secret, recipient,
			events, config, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		c.ID, c.Name, c.Kind, c.URL, c.Secret, c.Recipient, toJSON(c.Events),
		toJSON(c.Config), c.Active, c.CreatedAt)
	return err
}

func (s *PostgresStore) GetChannel(ctx context.Context, id string) (*models.NotificationChannel, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, kind, url, secret, recipient, events, config, active, created_at
		FROM notification_channels WHERE id = $1`, id)
	c, err := scanChannel(row)
	if err != nil {
		return nil, notFoundOr(err, "notification channel", id)
	}
	return c, nil
}

func (s *PostgresStore) ListChannels(ctx context.Context) ([]models.NotificationChannel, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, kind, url, secret, recipient, events, config, active, created_at
		FROM notification_channels ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []models.NotificationChannel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}

func (s *PostgresStore) DeleteChannel(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM notification_channels WHERE id = $1`, id)
	return err
}

func scanChannel(row pgx.Row) (*models.NotificationChannel, error) {
	var c models.NotificationChannel
	var events, config []byte
	if err := row.Scan(&c.ID, &c.Name, &c.Kind, &c.URL, &c.Secret, &c.Recipient,
		&events, &config, &c.Active, &c.CreatedAt); err != nil {
		return nil, err
	}
	fromJSON(events, &c.Events)
	fromJSON(config, &c.Config)
	return &c, nil
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)
