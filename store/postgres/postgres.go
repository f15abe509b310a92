// Package postgres persists driftkit state in PostgreSQL with pgvector for
// native vector similarity search. One Store implements the run repository,
// chat store, prompt store, retry state store, vector store, and trace sink.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor injection.
// The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	driftkit "github.com/driftkit-ai/driftkit"
)

// Option configures a Store.
type Option func(*pgConfig)

type pgConfig struct {
	embeddingDimension int // 0 = untyped vector
	hnswM              int // 0 = pgvector default (16)
	hnswEFConstruction int // 0 = pgvector default (64)
}

// WithEmbeddingDimension sets the vector column dimension (e.g. 1536, 768).
// When set, CREATE TABLE uses vector(N) instead of untyped vector, catching
// dimension mismatches at insert time. Only affects new table creation.
func WithEmbeddingDimension(dim int) Option {
	return func(c *pgConfig) { c.embeddingDimension = dim }
}

// WithHNSWM sets the HNSW m parameter (max connections per node). Higher
// values improve recall at the cost of memory. Only affects index creation.
func WithHNSWM(m int) Option {
	return func(c *pgConfig) { c.hnswM = m }
}

// WithEFConstruction sets the HNSW ef_construction parameter (build-time
// candidate list size). Only affects index creation.
func WithEFConstruction(ef int) Option {
	return func(c *pgConfig) { c.hnswEFConstruction = ef }
}

// Store is a PostgreSQL-backed implementation of the driftkit persistence
// contracts.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

var (
	_ driftkit.ContextRepository = (*Store)(nil)
	_ driftkit.ChatStore         = (*Store)(nil)
	_ driftkit.PromptStore       = (*PromptStore)(nil)
	_ driftkit.RetryStateStore   = (*Store)(nil)
	_ driftkit.VectorStore       = (*Store)(nil)
	_ driftkit.TraceSink         = (*Store)(nil)
)

// New creates a Store using an existing pgxpool.Pool. The caller owns the
// pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{pool: pool, cfg: cfg}
}

func (s *Store) vectorType() string {
	if s.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", s.cfg.embeddingDimension)
	}
	return "vector"
}

func (s *Store) hnswWithClause() string {
	var parts []string
	if s.cfg.hnswM > 0 {
		parts = append(parts, fmt.Sprintf("m = %d", s.cfg.hnswM))
	}
	if s.cfg.hnswEFConstruction > 0 {
		parts = append(parts, fmt.Sprintf("ef_construction = %d", s.cfg.hnswEFConstruction))
	}
	if len(parts) == 0 {
		return ""
	}
	return " WITH (" + strings.Join(parts, ", ") + ")"
}

// Init creates the pgvector extension, all required tables, and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	vtype := s.vectorType()
	hnswWith := s.hnswWithClause()

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		`CREATE TABLE IF NOT EXISTS workflow_runs (
			run_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			chat_id TEXT,
			status TEXT NOT NULL,
			updated_at BIGINT NOT NULL,
			payload JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS workflow_runs_chat_idx ON workflow_runs(chat_id, updated_at)`,

		`CREATE TABLE IF NOT EXISTS chat_sessions (
			chat_id TEXT PRIMARY KEY,
			user_id TEXT,
			archived BOOLEAN NOT NULL DEFAULT FALSE,
			last_message_time BIGINT NOT NULL DEFAULT 0,
			payload JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS chat_sessions_user_idx ON chat_sessions(user_id, last_message_time)`,

		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			type TEXT NOT NULL,
			timestamp BIGINT NOT NULL,
			payload JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS chat_messages_chat_idx ON chat_messages(chat_id, timestamp)`,

		`CREATE TABLE IF NOT EXISTS prompts (
			id TEXT PRIMARY KEY,
			method TEXT NOT NULL,
			language TEXT NOT NULL,
			state TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS prompts_pair_idx ON prompts(method, language)`,

		`CREATE TABLE IF NOT EXISTS retry_contexts (
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			payload JSONB NOT NULL,
			PRIMARY KEY (run_id, step_id)
		)`,

		`CREATE TABLE IF NOT EXISTS breaker_states (
			workflow_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			payload JSONB NOT NULL,
			PRIMARY KEY (workflow_id, step_id)
		)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			content TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			metadata JSONB,
			embedding %s
		)`, vtype),
		`CREATE INDEX IF NOT EXISTS chunks_document_idx ON chunks(document_id)`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS chunks_embedding_idx ON chunks USING hnsw (embedding vector_cosine_ops)%s`, hnswWith),

		`CREATE TABLE IF NOT EXISTS traces (
			id TEXT PRIMARY KEY,
			chat_id TEXT,
			run_id TEXT,
			step_id TEXT,
			started_at BIGINT NOT NULL,
			ended_at BIGINT NOT NULL,
			payload JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS traces_chat_idx ON traces(chat_id, started_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// Close is a no-op. The caller owns the pool and manages its lifecycle.
func (s *Store) Close() error { return nil }

// --- ContextRepository ---

// Save implements driftkit.ContextRepository.
func (s *Store) Save(ctx context.Context, run driftkit.WorkflowRun) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("postgres: marshal run: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workflow_runs (run_id, workflow_id, chat_id, status, updated_at, payload)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		 ON CONFLICT (run_id) DO UPDATE SET
		   workflow_id = EXCLUDED.workflow_id,
		   chat_id = EXCLUDED.chat_id,
		   status = EXCLUDED.status,
		   updated_at = EXCLUDED.updated_at,
		   payload = EXCLUDED.payload`,
		run.RunID, run.WorkflowID, run.ChatID, string(run.Status), run.UpdatedAt, string(payload))
	if err != nil {
		return fmt.Errorf("postgres: save run: %w", err)
	}
	return nil
}

// Find implements driftkit.ContextRepository. Step output data round-trips
// through JSON, so typed step outputs come back as generic values.
func (s *Store) Find(ctx context.Context, runID string) (driftkit.WorkflowRun, bool, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM workflow_runs WHERE run_id = $1`, runID).Scan(&payload)
	if err == pgx.ErrNoRows {
		return driftkit.WorkflowRun{}, false, nil
	}
	if err != nil {
		return driftkit.WorkflowRun{}, false, fmt.Errorf("postgres: find run: %w", err)
	}
	var run driftkit.WorkflowRun
	if err := json.Unmarshal(payload, &run); err != nil {
		return driftkit.WorkflowRun{}, false, fmt.Errorf("postgres: unmarshal run %s: %w", runID, err)
	}
	return run, true, nil
}

// Delete implements driftkit.ContextRepository.
func (s *Store) Delete(ctx context.Context, runID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM workflow_runs WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("postgres: delete run: %w", err)
	}
	return nil
}

// Exists implements driftkit.ContextRepository.
func (s *Store) Exists(ctx context.Context, runID string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM workflow_runs WHERE run_id = $1`, runID).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres: run exists: %w", err)
	}
	return true, nil
}

// --- ChatStore ---

// SaveSession implements driftkit.ChatStore.
func (s *Store) SaveSession(ctx context.Context, sess driftkit.ChatSession) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("postgres: marshal session: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO chat_sessions (chat_id, user_id, archived, last_message_time, payload)
		 VALUES ($1, $2, $3, $4, $5::jsonb)
		 ON CONFLICT (chat_id) DO UPDATE SET
		   user_id = EXCLUDED.user_id,
		   archived = EXCLUDED.archived,
		   last_message_time = EXCLUDED.last_message_time,
		   payload = EXCLUDED.payload`,
		sess.ChatID, sess.UserID, sess.Archived, sess.LastMessageTime, string(payload))
	if err != nil {
		return fmt.Errorf("postgres: save session: %w", err)
	}
	return nil
}

// GetSession implements driftkit.ChatStore.
func (s *Store) GetSession(ctx context.Context, chatID string) (driftkit.ChatSession, bool, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM chat_sessions WHERE chat_id = $1`, chatID).Scan(&payload)
	if err == pgx.ErrNoRows {
		return driftkit.ChatSession{}, false, nil
	}
	if err != nil {
		return driftkit.ChatSession{}, false, fmt.Errorf("postgres: get session: %w", err)
	}
	var sess driftkit.ChatSession
	if err := json.Unmarshal(payload, &sess); err != nil {
		return driftkit.ChatSession{}, false, fmt.Errorf("postgres: unmarshal session %s: %w", chatID, err)
	}
	return sess, true, nil
}

// ListSessions implements driftkit.ChatStore.
func (s *Store) ListSessions(ctx context.Context, userID string, req driftkit.PageRequest, includeArchived bool) (driftkit.Page[driftkit.ChatSession], error) {
	page := driftkit.Page[driftkit.ChatSession]{}
	where := `WHERE user_id = $1`
	if !includeArchived {
		where += ` AND archived = FALSE`
	}

	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM chat_sessions `+where, userID).Scan(&page.Total); err != nil {
		return page, fmt.Errorf("postgres: count sessions: %w", err)
	}

	size, offset := pageBounds(req)
	page.Page, page.Size = pageMeta(req)
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM chat_sessions `+where+
			` ORDER BY last_message_time DESC LIMIT $2 OFFSET $3`,
		userID, size, offset)
	if err != nil {
		return page, fmt.Errorf("postgres: list sessions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return page, fmt.Errorf("postgres: scan session: %w", err)
		}
		var sess driftkit.ChatSession
		if err := json.Unmarshal(payload, &sess); err != nil {
			return page, fmt.Errorf("postgres: unmarshal session: %w", err)
		}
		page.Items = append(page.Items, sess)
	}
	return page, rows.Err()
}

// AppendMessage implements driftkit.ChatStore.
func (s *Store) AppendMessage(ctx context.Context, m driftkit.ChatMessage) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("postgres: marshal message: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO chat_messages (id, chat_id, type, timestamp, payload)
		 VALUES ($1, $2, $3, $4, $5::jsonb)
		 ON CONFLICT (id) DO UPDATE SET
		   chat_id = EXCLUDED.chat_id,
		   type = EXCLUDED.type,
		   timestamp = EXCLUDED.timestamp,
		   payload = EXCLUDED.payload`,
		m.ID, m.ChatID, string(m.Type), m.Timestamp, string(payload))
	if err != nil {
		return fmt.Errorf("postgres: append message: %w", err)
	}
	return nil
}

// Messages implements driftkit.ChatStore.
func (s *Store) Messages(ctx context.Context, chatID string, req driftkit.PageRequest, includeContext bool) (driftkit.Page[driftkit.ChatMessage], error) {
	page := driftkit.Page[driftkit.ChatMessage]{}
	where := `WHERE chat_id = $1`
	if !includeContext {
		where += ` AND type != '` + string(driftkit.MessageContext) + `'`
	}

	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM chat_messages `+where, chatID).Scan(&page.Total); err != nil {
		return page, fmt.Errorf("postgres: count messages: %w", err)
	}

	size, offset := pageBounds(req)
	page.Page, page.Size = pageMeta(req)
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM chat_messages `+where+
			` ORDER BY timestamp DESC, id DESC LIMIT $2 OFFSET $3`,
		chatID, size, offset)
	if err != nil {
		return page, fmt.Errorf("postgres: list messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return page, fmt.Errorf("postgres: scan message: %w", err)
		}
		var m driftkit.ChatMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			return page, fmt.Errorf("postgres: unmarshal message: %w", err)
		}
		page.Items = append(page.Items, m)
	}
	return page, rows.Err()
}

// --- PromptStore ---

// PromptStore is the prompt-versioning view of a Store. It is a separate
// type because its Save signature differs from the run repository's.
type PromptStore struct {
	s *Store
}

// Prompts returns the PromptStore view backed by the same pool.
func (s *Store) Prompts() *PromptStore { return &PromptStore{s: s} }

// Current implements driftkit.PromptStore.
func (ps *PromptStore) Current(ctx context.Context, method, language string) (driftkit.Prompt, bool, error) {
	var p driftkit.Prompt
	var state string
	err := ps.s.pool.QueryRow(ctx,
		`SELECT id, method, language, state, message, created_at, updated_at
		 FROM prompts WHERE method = $1 AND language = $2 AND state = $3`,
		method, language, string(driftkit.PromptCurrent),
	).Scan(&p.ID, &p.Method, &p.Language, &state, &p.Message, &p.CreatedAt, &p.UpdatedAt)
	if err == pgx.ErrNoRows {
		return driftkit.Prompt{}, false, nil
	}
	if err != nil {
		return driftkit.Prompt{}, false, fmt.Errorf("postgres: current prompt: %w", err)
	}
	p.State = driftkit.PromptState(state)
	return p, true, nil
}

// Save implements driftkit.PromptStore: the previous CURRENT version flips
// to REPLACED in the same transaction, and saving identical message text is
// a no-op that keeps the existing id.
func (ps *PromptStore) Save(ctx context.Context, p driftkit.Prompt) (driftkit.Prompt, error) {
	s := ps.s
	cur, ok, err := ps.Current(ctx, p.Method, p.Language)
	if err != nil {
		return driftkit.Prompt{}, err
	}
	if ok && cur.Message == p.Message {
		return cur, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return driftkit.Prompt{}, fmt.Errorf("postgres: save prompt: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := driftkit.NowUnixMilli()
	if ok {
		if _, err := tx.Exec(ctx,
			`UPDATE prompts SET state = $1, updated_at = $2 WHERE id = $3`,
			string(driftkit.PromptReplaced), now, cur.ID); err != nil {
			return driftkit.Prompt{}, fmt.Errorf("postgres: replace prompt: %w", err)
		}
	}
	if p.ID == "" {
		p.ID = driftkit.NewID()
	}
	p.State = driftkit.PromptCurrent
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if _, err := tx.Exec(ctx,
		`INSERT INTO prompts (id, method, language, state, message, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   state = EXCLUDED.state,
		   message = EXCLUDED.message,
		   updated_at = EXCLUDED.updated_at`,
		p.ID, p.Method, p.Language, string(p.State), p.Message, p.CreatedAt, p.UpdatedAt); err != nil {
		return driftkit.Prompt{}, fmt.Errorf("postgres: insert prompt: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return driftkit.Prompt{}, fmt.Errorf("postgres: commit prompt: %w", err)
	}
	return p, nil
}

// History implements driftkit.PromptStore, newest first.
func (ps *PromptStore) History(ctx context.Context, method, language string) ([]driftkit.Prompt, error) {
	rows, err := ps.s.pool.Query(ctx,
		`SELECT id, method, language, state, message, created_at, updated_at
		 FROM prompts WHERE method = $1 AND language = $2
		 ORDER BY created_at DESC, id DESC`,
		method, language)
	if err != nil {
		return nil, fmt.Errorf("postgres: prompt history: %w", err)
	}
	defer rows.Close()

	var out []driftkit.Prompt
	for rows.Next() {
		var p driftkit.Prompt
		var state string
		if err := rows.Scan(&p.ID, &p.Method, &p.Language, &state, &p.Message, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan prompt: %w", err)
		}
		p.State = driftkit.PromptState(state)
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- RetryStateStore ---

// SaveRetry implements driftkit.RetryStateStore.
func (s *Store) SaveRetry(ctx context.Context, rc driftkit.RetryContext) error {
	payload, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("postgres: marshal retry context: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO retry_contexts (run_id, step_id, payload) VALUES ($1, $2, $3::jsonb)
		 ON CONFLICT (run_id, step_id) DO UPDATE SET payload = EXCLUDED.payload`,
		rc.RunID, rc.StepID, string(payload))
	if err != nil {
		return fmt.Errorf("postgres: save retry context: %w", err)
	}
	return nil
}

// LoadRetry implements driftkit.RetryStateStore.
func (s *Store) LoadRetry(ctx context.Context, runID, stepID string) (driftkit.RetryContext, bool, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM retry_contexts WHERE run_id = $1 AND step_id = $2`,
		runID, stepID).Scan(&payload)
	if err == pgx.ErrNoRows {
		return driftkit.RetryContext{}, false, nil
	}
	if err != nil {
		return driftkit.RetryContext{}, false, fmt.Errorf("postgres: load retry context: %w", err)
	}
	var rc driftkit.RetryContext
	if err := json.Unmarshal(payload, &rc); err != nil {
		return driftkit.RetryContext{}, false, fmt.Errorf("postgres: unmarshal retry context: %w", err)
	}
	return rc, true, nil
}

// DeleteRetry implements driftkit.RetryStateStore.
func (s *Store) DeleteRetry(ctx context.Context, runID, stepID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM retry_contexts WHERE run_id = $1 AND step_id = $2`, runID, stepID); err != nil {
		return fmt.Errorf("postgres: delete retry context: %w", err)
	}
	return nil
}

// SaveBreaker implements driftkit.RetryStateStore.
func (s *Store) SaveBreaker(ctx context.Context, snap driftkit.BreakerSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("postgres: marshal breaker snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO breaker_states (workflow_id, step_id, payload) VALUES ($1, $2, $3::jsonb)
		 ON CONFLICT (workflow_id, step_id) DO UPDATE SET payload = EXCLUDED.payload`,
		snap.WorkflowID, snap.StepID, string(payload))
	if err != nil {
		return fmt.Errorf("postgres: save breaker snapshot: %w", err)
	}
	return nil
}

// LoadBreaker implements driftkit.RetryStateStore.
func (s *Store) LoadBreaker(ctx context.Context, workflowID, stepID string) (driftkit.BreakerSnapshot, bool, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM breaker_states WHERE workflow_id = $1 AND step_id = $2`,
		workflowID, stepID).Scan(&payload)
	if err == pgx.ErrNoRows {
		return driftkit.BreakerSnapshot{}, false, nil
	}
	if err != nil {
		return driftkit.BreakerSnapshot{}, false, fmt.Errorf("postgres: load breaker snapshot: %w", err)
	}
	var snap driftkit.BreakerSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return driftkit.BreakerSnapshot{}, false, fmt.Errorf("postgres: unmarshal breaker snapshot: %w", err)
	}
	return snap, true, nil
}

// DeleteWorkflowState implements driftkit.RetryStateStore. Breaker state is
// scoped to the workflow; retry contexts are keyed by run and stay put.
func (s *Store) DeleteWorkflowState(ctx context.Context, workflowID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM breaker_states WHERE workflow_id = $1`, workflowID); err != nil {
		return fmt.Errorf("postgres: delete workflow state: %w", err)
	}
	return nil
}

// --- VectorStore ---

// Upsert implements driftkit.VectorStore.
func (s *Store) Upsert(ctx context.Context, chunks []driftkit.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, c := range chunks {
		var metaJSON *string
		if len(c.Metadata) > 0 {
			data, _ := json.Marshal(c.Metadata)
			v := string(data)
			metaJSON = &v
		}

		if len(c.Embedding) > 0 {
			embStr := serializeEmbedding(c.Embedding)
			_, err = tx.Exec(ctx,
				`INSERT INTO chunks (id, document_id, content, chunk_index, metadata, embedding)
				 VALUES ($1, $2, $3, $4, $5::jsonb, $6::vector)
				 ON CONFLICT (id) DO UPDATE SET
				   document_id = EXCLUDED.document_id,
				   content = EXCLUDED.content,
				   chunk_index = EXCLUDED.chunk_index,
				   metadata = EXCLUDED.metadata,
				   embedding = EXCLUDED.embedding`,
				c.ID, c.DocumentID, c.Content, c.Index, metaJSON, embStr)
		} else {
			_, err = tx.Exec(ctx,
				`INSERT INTO chunks (id, document_id, content, chunk_index, metadata, embedding)
				 VALUES ($1, $2, $3, $4, $5::jsonb, NULL)
				 ON CONFLICT (id) DO UPDATE SET
				   document_id = EXCLUDED.document_id,
				   content = EXCLUDED.content,
				   chunk_index = EXCLUDED.chunk_index,
				   metadata = EXCLUDED.metadata,
				   embedding = NULL`,
				c.ID, c.DocumentID, c.Content, c.Index, metaJSON)
		}
		if err != nil {
			return fmt.Errorf("postgres: upsert chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit(ctx)
}

// Search implements driftkit.VectorStore using pgvector's cosine distance
// operator with the HNSW index. Metadata filters translate to JSONB
// equality clauses.
func (s *Store) Search(ctx context.Context, query []float32, topK int, filter map[string]string) ([]driftkit.ScoredChunk, error) {
	if topK <= 0 {
		return nil, nil
	}
	embStr := serializeEmbedding(query)

	var clauses []string
	args := []any{embStr, topK}
	p := 3
	for k, v := range filter {
		clauses = append(clauses, fmt.Sprintf("metadata->>'%s' = $%d", k, p))
		p++
		args = append(args, v)
	}
	whereExtra := ""
	if len(clauses) > 0 {
		whereExtra = " AND " + strings.Join(clauses, " AND ")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, document_id, content, chunk_index, metadata,
		        1 - (embedding <=> $1::vector) AS score
		 FROM chunks
		 WHERE embedding IS NOT NULL`+whereExtra+`
		 ORDER BY embedding <=> $1::vector
		 LIMIT $2`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: search chunks: %w", err)
	}
	defer rows.Close()

	var results []driftkit.ScoredChunk
	for rows.Next() {
		var c driftkit.Chunk
		var metaJSON []byte
		var score float32
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Content, &c.Index, &metaJSON, &score); err != nil {
			return nil, fmt.Errorf("postgres: scan chunk: %w", err)
		}
		if metaJSON != nil {
			_ = json.Unmarshal(metaJSON, &c.Metadata)
		}
		results = append(results, driftkit.ScoredChunk{Chunk: c, Score: score})
	}
	return results, rows.Err()
}

// DeleteByDocument implements driftkit.VectorStore.
func (s *Store) DeleteByDocument(ctx context.Context, documentID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("postgres: delete chunks: %w", err)
	}
	return nil
}

// --- TraceSink ---

// Record implements driftkit.TraceSink. Wrap with driftkit.NewAsyncSink to
// keep the model path off the write.
func (s *Store) Record(ctx context.Context, rec driftkit.TraceRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("postgres: marshal trace: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO traces (id, chat_id, run_id, step_id, started_at, ended_at, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
		 ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload`,
		rec.ID, rec.Context.ChatID, rec.Context.RunID, rec.Context.StepID,
		rec.StartedAt, rec.EndedAt, string(payload))
	if err != nil {
		return fmt.Errorf("postgres: record trace: %w", err)
	}
	return nil
}

// Traces returns records for a chat, newest first, up to limit.
func (s *Store) Traces(ctx context.Context, chatID string, limit int) ([]driftkit.TraceRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM traces WHERE chat_id = $1 ORDER BY started_at DESC LIMIT $2`,
		chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list traces: %w", err)
	}
	defer rows.Close()

	var out []driftkit.TraceRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("postgres: scan trace: %w", err)
		}
		var rec driftkit.TraceRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal trace: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Helpers ---

func pageBounds(req driftkit.PageRequest) (size, offset int) {
	page, size := pageMeta(req)
	return size, page * size
}

func pageMeta(req driftkit.PageRequest) (page, size int) {
	size = req.Size
	if size <= 0 {
		size = 20
	}
	page = req.Page
	if page < 0 {
		page = 0
	}
	return page, size
}

// serializeEmbedding converts []float32 to a string like "[0.1,0.2,0.3]"
// suitable for pgvector's text input format.
func serializeEmbedding(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
