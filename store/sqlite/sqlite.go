// Package sqlite persists driftkit state in a local SQLite file using the
// pure-Go driver. One Store implements the run repository, chat store,
// prompt store, retry state store, vector store, and trace sink, so a
// single file backs a whole deployment. Vector search is in-process
// brute-force cosine similarity.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	driftkit "github.com/driftkit-ai/driftkit"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger. When set, the store emits debug logs
// with timing for every operation.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store is a SQLite-backed implementation of the driftkit persistence
// contracts.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ driftkit.ContextRepository = (*Store)(nil)
	_ driftkit.ChatStore         = (*Store)(nil)
	_ driftkit.PromptStore       = (*PromptStore)(nil)
	_ driftkit.RetryStateStore   = (*Store)(nil)
	_ driftkit.VectorStore       = (*Store)(nil)
	_ driftkit.TraceSink         = (*Store)(nil)
)

var nopLogger = slog.New(slog.DiscardHandler)

// New creates a Store using a local SQLite file at dbPath. All goroutines
// serialize through one connection (SetMaxOpenConns(1)), which eliminates
// SQLITE_BUSY errors from concurrent writers.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, opt := range opts {
		opt(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			run_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			chat_id TEXT,
			status TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			chat_id TEXT PRIMARY KEY,
			user_id TEXT,
			archived INTEGER NOT NULL DEFAULT 0,
			last_message_time INTEGER NOT NULL DEFAULT 0,
			payload TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			type TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS prompts (
			id TEXT PRIMARY KEY,
			method TEXT NOT NULL,
			language TEXT NOT NULL,
			state TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS retry_contexts (
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (run_id, step_id)
		)`,
		`CREATE TABLE IF NOT EXISTS breaker_states (
			workflow_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (workflow_id, step_id)
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			content TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			metadata TEXT,
			embedding TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS traces (
			id TEXT PRIMARY KEY,
			chat_id TEXT,
			run_id TEXT,
			step_id TEXT,
			started_at INTEGER NOT NULL,
			ended_at INTEGER NOT NULL,
			payload TEXT NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_chat ON chat_messages(chat_id, timestamp)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_sessions_user ON chat_sessions(user_id, last_message_time)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_prompts_pair ON prompts(method, language)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_traces_chat ON traces(chat_id, started_at)`)

	s.logger.Debug("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// --- ContextRepository ---

// Save implements driftkit.ContextRepository.
func (s *Store) Save(ctx context.Context, run driftkit.WorkflowRun) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO workflow_runs (run_id, workflow_id, chat_id, status, updated_at, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, run.WorkflowID, run.ChatID, string(run.Status), run.UpdatedAt, string(payload))
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// Find implements driftkit.ContextRepository. Step output data round-trips
// through JSON, so typed step outputs come back as generic values.
func (s *Store) Find(ctx context.Context, runID string) (driftkit.WorkflowRun, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM workflow_runs WHERE run_id = ?`, runID).Scan(&payload)
	if err == sql.ErrNoRows {
		return driftkit.WorkflowRun{}, false, nil
	}
	if err != nil {
		return driftkit.WorkflowRun{}, false, fmt.Errorf("find run: %w", err)
	}
	var run driftkit.WorkflowRun
	if err := json.Unmarshal([]byte(payload), &run); err != nil {
		return driftkit.WorkflowRun{}, false, fmt.Errorf("unmarshal run %s: %w", runID, err)
	}
	return run, true, nil
}

// Delete implements driftkit.ContextRepository.
func (s *Store) Delete(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workflow_runs WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return nil
}

// Exists implements driftkit.ContextRepository.
func (s *Store) Exists(ctx context.Context, runID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM workflow_runs WHERE run_id = ?`, runID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("run exists: %w", err)
	}
	return true, nil
}

// --- ChatStore ---

// SaveSession implements driftkit.ChatStore.
func (s *Store) SaveSession(ctx context.Context, sess driftkit.ChatSession) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	archived := 0
	if sess.Archived {
		archived = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO chat_sessions (chat_id, user_id, archived, last_message_time, payload)
		 VALUES (?, ?, ?, ?, ?)`,
		sess.ChatID, sess.UserID, archived, sess.LastMessageTime, string(payload))
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// GetSession implements driftkit.ChatStore.
func (s *Store) GetSession(ctx context.Context, chatID string) (driftkit.ChatSession, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM chat_sessions WHERE chat_id = ?`, chatID).Scan(&payload)
	if err == sql.ErrNoRows {
		return driftkit.ChatSession{}, false, nil
	}
	if err != nil {
		return driftkit.ChatSession{}, false, fmt.Errorf("get session: %w", err)
	}
	var sess driftkit.ChatSession
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return driftkit.ChatSession{}, false, fmt.Errorf("unmarshal session %s: %w", chatID, err)
	}
	return sess, true, nil
}

// ListSessions implements driftkit.ChatStore.
func (s *Store) ListSessions(ctx context.Context, userID string, req driftkit.PageRequest, includeArchived bool) (driftkit.Page[driftkit.ChatSession], error) {
	page := driftkit.Page[driftkit.ChatSession]{}
	where := `WHERE user_id = ?`
	if !includeArchived {
		where += ` AND archived = 0`
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_sessions `+where, userID).Scan(&page.Total); err != nil {
		return page, fmt.Errorf("count sessions: %w", err)
	}

	size, offset := pageBounds(req)
	page.Page, page.Size = pageMeta(req)
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM chat_sessions `+where+
			` ORDER BY last_message_time DESC LIMIT ? OFFSET ?`,
		userID, size, offset)
	if err != nil {
		return page, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return page, fmt.Errorf("scan session: %w", err)
		}
		var sess driftkit.ChatSession
		if err := json.Unmarshal([]byte(payload), &sess); err != nil {
			return page, fmt.Errorf("unmarshal session: %w", err)
		}
		page.Items = append(page.Items, sess)
	}
	return page, rows.Err()
}

// AppendMessage implements driftkit.ChatStore.
func (s *Store) AppendMessage(ctx context.Context, m driftkit.ChatMessage) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO chat_messages (id, chat_id, type, timestamp, payload)
		 VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.ChatID, string(m.Type), m.Timestamp, string(payload))
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// Messages implements driftkit.ChatStore.
func (s *Store) Messages(ctx context.Context, chatID string, req driftkit.PageRequest, includeContext bool) (driftkit.Page[driftkit.ChatMessage], error) {
	page := driftkit.Page[driftkit.ChatMessage]{}
	where := `WHERE chat_id = ?`
	if !includeContext {
		where += ` AND type != '` + string(driftkit.MessageContext) + `'`
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_messages `+where, chatID).Scan(&page.Total); err != nil {
		return page, fmt.Errorf("count messages: %w", err)
	}

	size, offset := pageBounds(req)
	page.Page, page.Size = pageMeta(req)
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM chat_messages `+where+
			` ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`,
		chatID, size, offset)
	if err != nil {
		return page, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return page, fmt.Errorf("scan message: %w", err)
		}
		var m driftkit.ChatMessage
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return page, fmt.Errorf("unmarshal message: %w", err)
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

// Prompts returns the PromptStore view backed by the same database.
func (s *Store) Prompts() *PromptStore { return &PromptStore{s: s} }

// Current implements driftkit.PromptStore.
func (ps *PromptStore) Current(ctx context.Context, method, language string) (driftkit.Prompt, bool, error) {
	s := ps.s
	row := s.db.QueryRowContext(ctx,
		`SELECT id, method, language, state, message, created_at, updated_at
		 FROM prompts WHERE method = ? AND language = ? AND state = ?`,
		method, language, string(driftkit.PromptCurrent))
	p, err := scanPrompt(row)
	if err == sql.ErrNoRows {
		return driftkit.Prompt{}, false, nil
	}
	if err != nil {
		return driftkit.Prompt{}, false, fmt.Errorf("current prompt: %w", err)
	}
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return driftkit.Prompt{}, fmt.Errorf("save prompt: %w", err)
	}
	defer tx.Rollback()

	now := driftkit.NowUnixMilli()
	if ok {
		if _, err := tx.ExecContext(ctx,
			`UPDATE prompts SET state = ?, updated_at = ? WHERE id = ?`,
			string(driftkit.PromptReplaced), now, cur.ID); err != nil {
			return driftkit.Prompt{}, fmt.Errorf("replace prompt: %w", err)
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
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO prompts (id, method, language, state, message, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Method, p.Language, string(p.State), p.Message, p.CreatedAt, p.UpdatedAt); err != nil {
		return driftkit.Prompt{}, fmt.Errorf("insert prompt: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return driftkit.Prompt{}, fmt.Errorf("commit prompt: %w", err)
	}
	return p, nil
}

// History implements driftkit.PromptStore, newest first.
func (ps *PromptStore) History(ctx context.Context, method, language string) ([]driftkit.Prompt, error) {
	rows, err := ps.s.db.QueryContext(ctx,
		`SELECT id, method, language, state, message, created_at, updated_at
		 FROM prompts WHERE method = ? AND language = ?
		 ORDER BY created_at DESC, id DESC`,
		method, language)
	if err != nil {
		return nil, fmt.Errorf("prompt history: %w", err)
	}
	defer rows.Close()

	var out []driftkit.Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrompt(row rowScanner) (driftkit.Prompt, error) {
	var p driftkit.Prompt
	var state string
	if err := row.Scan(&p.ID, &p.Method, &p.Language, &state, &p.Message, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return driftkit.Prompt{}, err
	}
	p.State = driftkit.PromptState(state)
	return p, nil
}

// --- RetryStateStore ---

// SaveRetry implements driftkit.RetryStateStore.
func (s *Store) SaveRetry(ctx context.Context, rc driftkit.RetryContext) error {
	payload, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("marshal retry context: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO retry_contexts (run_id, step_id, payload) VALUES (?, ?, ?)`,
		rc.RunID, rc.StepID, string(payload))
	if err != nil {
		return fmt.Errorf("save retry context: %w", err)
	}
	return nil
}

// LoadRetry implements driftkit.RetryStateStore.
func (s *Store) LoadRetry(ctx context.Context, runID, stepID string) (driftkit.RetryContext, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM retry_contexts WHERE run_id = ? AND step_id = ?`,
		runID, stepID).Scan(&payload)
	if err == sql.ErrNoRows {
		return driftkit.RetryContext{}, false, nil
	}
	if err != nil {
		return driftkit.RetryContext{}, false, fmt.Errorf("load retry context: %w", err)
	}
	var rc driftkit.RetryContext
	if err := json.Unmarshal([]byte(payload), &rc); err != nil {
		return driftkit.RetryContext{}, false, fmt.Errorf("unmarshal retry context: %w", err)
	}
	return rc, true, nil
}

// DeleteRetry implements driftkit.RetryStateStore.
func (s *Store) DeleteRetry(ctx context.Context, runID, stepID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM retry_contexts WHERE run_id = ? AND step_id = ?`, runID, stepID); err != nil {
		return fmt.Errorf("delete retry context: %w", err)
	}
	return nil
}

// SaveBreaker implements driftkit.RetryStateStore.
func (s *Store) SaveBreaker(ctx context.Context, snap driftkit.BreakerSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal breaker snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO breaker_states (workflow_id, step_id, payload) VALUES (?, ?, ?)`,
		snap.WorkflowID, snap.StepID, string(payload))
	if err != nil {
		return fmt.Errorf("save breaker snapshot: %w", err)
	}
	return nil
}

// LoadBreaker implements driftkit.RetryStateStore.
func (s *Store) LoadBreaker(ctx context.Context, workflowID, stepID string) (driftkit.BreakerSnapshot, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM breaker_states WHERE workflow_id = ? AND step_id = ?`,
		workflowID, stepID).Scan(&payload)
	if err == sql.ErrNoRows {
		return driftkit.BreakerSnapshot{}, false, nil
	}
	if err != nil {
		return driftkit.BreakerSnapshot{}, false, fmt.Errorf("load breaker snapshot: %w", err)
	}
	var snap driftkit.BreakerSnapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return driftkit.BreakerSnapshot{}, false, fmt.Errorf("unmarshal breaker snapshot: %w", err)
	}
	return snap, true, nil
}

// DeleteWorkflowState implements driftkit.RetryStateStore.
func (s *Store) DeleteWorkflowState(ctx context.Context, workflowID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM breaker_states WHERE workflow_id = ?`, workflowID); err != nil {
		return fmt.Errorf("delete workflow state: %w", err)
	}
	return nil
}

// --- VectorStore ---

// Upsert implements driftkit.VectorStore.
func (s *Store) Upsert(ctx context.Context, chunks []driftkit.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert chunks: %w", err)
	}
	defer tx.Rollback()

	for _, c := range chunks {
		var metaJSON, embJSON []byte
		if len(c.Metadata) > 0 {
			metaJSON, _ = json.Marshal(c.Metadata)
		}
		if len(c.Embedding) > 0 {
			embJSON, _ = json.Marshal(c.Embedding)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO chunks (id, document_id, content, chunk_index, metadata, embedding)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			c.ID, c.DocumentID, c.Content, c.Index, nullable(metaJSON), nullable(embJSON)); err != nil {
			return fmt.Errorf("upsert chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// Search implements driftkit.VectorStore with brute-force cosine scan.
func (s *Store) Search(ctx context.Context, query []float32, topK int, filter map[string]string) ([]driftkit.ScoredChunk, error) {
	if topK <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, content, chunk_index, metadata, embedding
		 FROM chunks WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	var scored []driftkit.ScoredChunk
	for rows.Next() {
		var c driftkit.Chunk
		var metaJSON, embJSON sql.NullString
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Content, &c.Index, &metaJSON, &embJSON); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if metaJSON.Valid {
			_ = json.Unmarshal([]byte(metaJSON.String), &c.Metadata)
		}
		if !matchesFilter(c.Metadata, filter) {
			continue
		}
		if embJSON.Valid {
			_ = json.Unmarshal([]byte(embJSON.String), &c.Embedding)
		}
		scored = append(scored, driftkit.ScoredChunk{
			Chunk: c,
			Score: driftkit.CosineSimilarity(query, c.Embedding),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// DeleteByDocument implements driftkit.VectorStore.
func (s *Store) DeleteByDocument(ctx context.Context, documentID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

// --- TraceSink ---

// Record implements driftkit.TraceSink. Wrap with driftkit.NewAsyncSink to
// keep the model path off the write.
func (s *Store) Record(ctx context.Context, rec driftkit.TraceRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO traces (id, chat_id, run_id, step_id, started_at, ended_at, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Context.ChatID, rec.Context.RunID, rec.Context.StepID,
		rec.StartedAt, rec.EndedAt, string(payload))
	if err != nil {
		return fmt.Errorf("record trace: %w", err)
	}
	return nil
}

// Traces returns records for a chat, newest first, up to limit.
func (s *Store) Traces(ctx context.Context, chatID string, limit int) ([]driftkit.TraceRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM traces WHERE chat_id = ? ORDER BY started_at DESC LIMIT ?`,
		chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()

	var out []driftkit.TraceRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		var rec driftkit.TraceRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal trace: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- helpers ---

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

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func matchesFilter(md, filter map[string]string) bool {
	for k, v := range filter {
		if md[k] != v {
			return false
		}
	}
	return true
}
