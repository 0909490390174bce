// Package store manages the DuckDB-backed index store: schema, migrations,
// and every persistence operation the indexer and searcher need.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/madzarm/ccsearch/internal/embed"
	"github.com/madzarm/ccsearch/internal/model"

	_ "github.com/duckdb/duckdb-go/v2"
)

// Store wraps a DuckDB connection to a single index.db file, guarded by an
// advisory OS lock so readers and writers don't corrupt each other.
type Store struct {
	db       *sql.DB
	lock     *fileLock
	dbPath   string
	readOnly bool
}

// Open creates or opens the index store at dbPath for reading and writing,
// acquiring the exclusive advisory lock and running schema migrations. A
// second concurrent writer (or a reader holding the shared lock) against the
// same path returns a model.KindIndexStoreBusy error.
func Open(dbPath string) (*Store, error) {
	return open(dbPath, false)
}

// OpenReadOnly opens the index store at dbPath for reading only, acquiring
// the shared advisory lock so it coexists with a concurrent index run (or
// other readers) holding the store open. Schema migration is skipped; the
// fts and vss extensions are loaded so search queries can still call
// match_bm25 and array_cosine_similarity.
func OpenReadOnly(dbPath string) (*Store, error) {
	return open(dbPath, true)
}

func open(dbPath string, readOnly bool) (*Store, error) {
	lock, err := acquireLock(dbPath, readOnly)
	if err != nil {
		return nil, err
	}

	dsn := dbPath
	if readOnly {
		dsn += "?access_mode=READ_ONLY"
	}
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		lock.release()
		return nil, model.NewError(model.KindIndexStoreCorrupt, fmt.Errorf("open duckdb %s: %w", dbPath, err))
	}

	s := &Store{db: db, lock: lock, dbPath: dbPath, readOnly: readOnly}
	if readOnly {
		if err := s.loadExtensions(); err != nil {
			s.Close()
			return nil, err
		}
	} else if err := s.migrate(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database connection and the advisory lock.
func (s *Store) Close() error {
	err := s.db.Close()
	if lerr := s.lock.release(); lerr != nil && err == nil {
		err = lerr
	}
	return err
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(coreSchema); err != nil {
		return model.NewError(model.KindIndexStoreCorrupt, fmt.Errorf("init core schema: %w", err))
	}
	if _, err := s.db.Exec("INSTALL fts"); err != nil {
		return fmt.Errorf("install fts extension: %w", err)
	}
	if _, err := s.db.Exec("INSTALL vss"); err != nil {
		return fmt.Errorf("install vss extension: %w", err)
	}
	if err := s.loadExtensions(); err != nil {
		return err
	}
	if _, err := s.db.Exec(vectorSchema(embed.EmbeddingDim)); err != nil {
		return fmt.Errorf("create vector table: %w", err)
	}
	if _, err := s.db.Exec(`
		INSERT INTO meta (id, schema_version, embedder_available)
		VALUES (1, ?, false)
		ON CONFLICT (id) DO NOTHING
	`, schemaVersion); err != nil {
		return fmt.Errorf("seed meta row: %w", err)
	}
	var stored int
	if err := s.db.QueryRow(`SELECT schema_version FROM meta WHERE id = 1`).Scan(&stored); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if stored > schemaVersion {
		return model.NewError(model.KindIndexStoreCorrupt,
			fmt.Errorf("index schema version %d is newer than supported version %d", stored, schemaVersion))
	}
	return nil
}

// loadExtensions loads the fts and vss extensions into this connection's
// session without installing or touching schema, so a read-only connection
// can still call match_bm25 and array_cosine_similarity.
func (s *Store) loadExtensions() error {
	if _, err := s.db.Exec("LOAD fts"); err != nil {
		return fmt.Errorf("load fts extension: %w", err)
	}
	if _, err := s.db.Exec("LOAD vss"); err != nil {
		return fmt.Errorf("load vss extension: %w", err)
	}
	return nil
}

// --- session operations ---

// UpsertSession inserts or replaces a session row and, when vector is
// non-nil, its embedding row, in a single transaction.
func (s *Store) UpsertSession(sess model.Session, vector []float32) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := upsertSessionTx(tx, sess, vector); err != nil {
		return err
	}
	return tx.Commit()
}

// SessionUpsert pairs a session with its (possibly nil) embedding, for
// UpsertSessionsBatch.
type SessionUpsert struct {
	Session model.Session
	Vector  []float32
}

// UpsertSessionsBatch upserts every session in batch within a single
// transaction, so a failure partway through rolls the whole batch back
// rather than leaving it partially committed.
func (s *Store) UpsertSessionsBatch(batch []SessionUpsert) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, u := range batch {
		if err := upsertSessionTx(tx, u.Session, u.Vector); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func upsertSessionTx(tx *sql.Tx, sess model.Session, vector []float32) error {
	if _, err := tx.Exec(`
		INSERT INTO sessions (id, path, project, started_at, last_msg_at, msg_count,
		                       file_mtime, file_size, content_hash, text, preview)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			path = excluded.path, project = excluded.project,
			started_at = excluded.started_at, last_msg_at = excluded.last_msg_at,
			msg_count = excluded.msg_count, file_mtime = excluded.file_mtime,
			file_size = excluded.file_size, content_hash = excluded.content_hash,
			text = excluded.text, preview = excluded.preview
	`,
		sess.ID, sess.Path, nullStr(sess.Project), sess.StartedAt, sess.LastMsgAt, sess.MsgCount,
		sess.FileMtime, sess.FileSize, sess.ContentHash, sess.Text, sess.Preview,
	); err != nil {
		return fmt.Errorf("upsert session %s: %w", sess.ID, err)
	}

	if vector != nil {
		query := fmt.Sprintf(
			`INSERT INTO session_vectors (session_id, embedding) VALUES (?, %s::FLOAT[%d])
			 ON CONFLICT (session_id) DO UPDATE SET embedding = excluded.embedding`,
			formatFloatArray(vector), len(vector),
		)
		if _, err := tx.Exec(query, sess.ID); err != nil {
			return fmt.Errorf("upsert vector %s: %w", sess.ID, err)
		}
	}

	return nil
}

// DeleteSession removes a session and its vector row, for transcripts that
// have disappeared from disk since the last reconciliation.
func (s *Store) DeleteSession(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if _, err := tx.Exec(`DELETE FROM session_vectors WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete vector %s: %w", id, err)
	}
	return tx.Commit()
}

// RebuildFTSIndex rebuilds the full-text index over sessions(text, project,
// preview). DuckDB's fts extension only supports full rebuilds, not
// incremental updates, so the indexer calls this once per reconciliation
// pass rather than per session.
func (s *Store) RebuildFTSIndex() error {
	_, err := s.db.Exec(`PRAGMA create_fts_index('sessions', 'id', 'text', 'project', 'preview', overwrite=1)`)
	if err != nil {
		return fmt.Errorf("rebuild fts index: %w", err)
	}
	return nil
}

// GetSession fetches a single session by id, or nil if it does not exist.
func (s *Store) GetSession(id string) (*model.Session, error) {
	row := s.db.QueryRow(`
		SELECT id, path, project, started_at, last_msg_at, msg_count,
		       file_mtime, file_size, content_hash, text, preview
		FROM sessions WHERE id = ?
	`, id)

	var sess model.Session
	var project sql.NullString
	if err := row.Scan(&sess.ID, &sess.Path, &project, &sess.StartedAt, &sess.LastMsgAt, &sess.MsgCount,
		&sess.FileMtime, &sess.FileSize, &sess.ContentHash, &sess.Text, &sess.Preview); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if project.Valid {
		sess.Project = project.String
	}
	return &sess, nil
}

// FileMeta is the slice of a session row the indexer needs to decide
// whether a transcript on disk is stale relative to what's indexed.
type FileMeta struct {
	ID          string
	FileMtime   time.Time
	FileSize    int64
	ContentHash string
}

// FileMetaByPath looks up the stored staleness fields for a transcript
// path, or nil if the path has never been indexed.
func (s *Store) FileMetaByPath(path string) (*FileMeta, error) {
	row := s.db.QueryRow(`SELECT id, file_mtime, file_size, content_hash FROM sessions WHERE path = ?`, path)
	var fm FileMeta
	if err := row.Scan(&fm.ID, &fm.FileMtime, &fm.FileSize, &fm.ContentHash); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &fm, nil
}

// AllPaths returns every indexed transcript path mapped to its session id,
// so the indexer can find rows whose file has been deleted from disk.
func (s *Store) AllPaths() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT id, path FROM sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, path string
		if err := rows.Scan(&id, &path); err != nil {
			return nil, err
		}
		out[path] = id
	}
	return out, rows.Err()
}

// ListSessions returns sessions ordered most-recent-first, filtered by f.
func (s *Store) ListSessions(f model.Filters, limit int) ([]model.Session, error) {
	params := []interface{}{}
	where, params := appendFilterClauses(f, "last_msg_at", "project", false, params)

	query := fmt.Sprintf(`
		SELECT id, path, project, started_at, last_msg_at, msg_count,
		       file_mtime, file_size, content_hash, text, preview
		FROM sessions
		%s
		ORDER BY last_msg_at DESC
		LIMIT ?
	`, where)
	params = append(params, limit)

	rows, err := s.db.Query(query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		var sess model.Session
		var project sql.NullString
		if err := rows.Scan(&sess.ID, &sess.Path, &project, &sess.StartedAt, &sess.LastMsgAt, &sess.MsgCount,
			&sess.FileMtime, &sess.FileSize, &sess.ContentHash, &sess.Text, &sess.Preview); err != nil {
			return nil, err
		}
		if project.Valid {
			sess.Project = project.String
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// --- search legs ---

// Hit is a single scored row from one retrieval leg, before RRF fusion.
type Hit struct {
	ID        string
	Project   string
	StartedAt time.Time
	LastMsgAt time.Time
	MsgCount  int
	Text      string
	Preview   string
	Score     float64
}

// SearchBM25 scores sessions against query using DuckDB's fts extension.
// Rows with no match (score IS NULL) are excluded.
func (s *Store) SearchBM25(query string, limit int, f model.Filters) ([]Hit, error) {
	params := []interface{}{query}
	where, params := appendFilterClauses(f, "s.last_msg_at", "s.project", true, params)

	q := fmt.Sprintf(`
		SELECT s.id, s.project, s.started_at, s.last_msg_at, s.msg_count, s.text, s.preview, scored.score
		FROM (
			SELECT id, fts_main_sessions.match_bm25(id, ?) AS score
			FROM sessions
		) scored
		JOIN sessions s ON s.id = scored.id
		WHERE scored.score IS NOT NULL
		%s
		ORDER BY scored.score DESC
		LIMIT ?
	`, where)
	params = append(params, limit)

	return s.queryHits(q, params...)
}

// SearchVector ranks sessions by cosine similarity between embedding and
// each session's stored vector.
func (s *Store) SearchVector(embedding []float32, limit int, f model.Filters) ([]Hit, error) {
	params := []interface{}{}
	where, params := appendFilterClauses(f, "s.last_msg_at", "s.project", true, params)

	q := fmt.Sprintf(`
		SELECT s.id, s.project, s.started_at, s.last_msg_at, s.msg_count, s.text, s.preview,
		       array_cosine_similarity(v.embedding, %s::FLOAT[%d]) AS score
		FROM session_vectors v
		JOIN sessions s ON s.id = v.session_id
		%s
		ORDER BY score DESC
		LIMIT ?
	`, formatFloatArray(embedding), len(embedding), where)
	params = append(params, limit)

	return s.queryHits(q, params...)
}

func (s *Store) queryHits(query string, params ...interface{}) ([]Hit, error) {
	rows, err := s.db.Query(query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Hit
	for rows.Next() {
		var h Hit
		var project sql.NullString
		if err := rows.Scan(&h.ID, &project, &h.StartedAt, &h.LastMsgAt, &h.MsgCount, &h.Text, &h.Preview, &h.Score); err != nil {
			return nil, err
		}
		if project.Valid {
			h.Project = project.String
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// --- meta ---

// LastIndexAt returns the timestamp of the last completed reconciliation,
// the zero time if none has run yet.
func (s *Store) LastIndexAt() (time.Time, error) {
	var t sql.NullTime
	if err := s.db.QueryRow(`SELECT last_index_at FROM meta WHERE id = 1`).Scan(&t); err != nil {
		return time.Time{}, err
	}
	if !t.Valid {
		return time.Time{}, nil
	}
	return t.Time, nil
}

// SetLastIndexAt records the completion time of a reconciliation pass.
func (s *Store) SetLastIndexAt(t time.Time) error {
	_, err := s.db.Exec(`UPDATE meta SET last_index_at = ? WHERE id = 1`, t)
	return err
}

// SetEmbedderStatus records whether the embedder was available during the
// most recent reconciliation pass, and which model it used.
func (s *Store) SetEmbedderStatus(available bool, modelID string) error {
	_, err := s.db.Exec(`UPDATE meta SET embedder_available = ?, model_id = ? WHERE id = 1`, available, nullStr(modelID))
	return err
}

// EmbedderStatus returns the recorded embedder availability and model id.
func (s *Store) EmbedderStatus() (available bool, modelID string, err error) {
	var m sql.NullString
	err = s.db.QueryRow(`SELECT embedder_available, model_id FROM meta WHERE id = 1`).Scan(&available, &m)
	if m.Valid {
		modelID = m.String
	}
	return available, modelID, err
}

// Stats summarizes the current state of the index store.
func (s *Store) Stats() (model.Stats, error) {
	var st model.Stats
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&st.NumSessions); err != nil {
		return st, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM session_vectors`).Scan(&st.NumEmbedded); err != nil {
		return st, err
	}
	if info, err := os.Stat(s.dbPath); err == nil {
		st.IndexSizeKB = info.Size() / 1024
	}
	lastIndexAt, err := s.LastIndexAt()
	if err != nil {
		return st, err
	}
	st.LastIndexedAt = lastIndexAt
	return st, nil
}

// --- supplemented: tool event index ---

// InsertEvent records a single tool invocation observed in a transcript.
func (s *Store) InsertEvent(sessionID string, ts time.Time, toolName string, input, result json.RawMessage) error {
	_, err := s.db.Exec(`
		INSERT INTO events (session_id, timestamp, tool_name, tool_input, tool_result)
		VALUES (?, ?, ?, ?, ?)
	`, sessionID, ts, nullStr(toolName), rawJSON(input), rawJSON(result))
	return err
}

// ToolEvent is a single row returned by ToolSearch.
type ToolEvent struct {
	SessionID string
	Timestamp time.Time
	ToolName  string
	ToolInput string
	ToolResult string
}

// ToolSearch finds tool invocations by tool name pattern (substring match,
// "" or "*" matches every tool), filtered by f. Joins to sessions so f's
// project filter can apply to events, which don't carry project themselves.
func (s *Store) ToolSearch(pattern string, limit int, f model.Filters) ([]ToolEvent, error) {
	var params []interface{}
	var nameClause string
	if pattern != "" && pattern != "*" {
		nameClause = "e.tool_name ILIKE '%' || ? || '%'"
	}

	where, params := appendFilterClauses(f, "e.timestamp", "s.project", false, params)
	if nameClause != "" {
		params = append(params, pattern)
		if where == "" {
			where = " WHERE " + nameClause
		} else {
			where += " AND " + nameClause
		}
	}

	query := fmt.Sprintf(`
		SELECT e.session_id, e.timestamp, e.tool_name, CAST(e.tool_input AS VARCHAR), CAST(e.tool_result AS VARCHAR)
		FROM events e
		LEFT JOIN sessions s ON s.id = e.session_id
		%s
		ORDER BY e.timestamp DESC
		LIMIT ?
	`, where)
	params = append(params, limit)

	rows, err := s.db.Query(query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ToolEvent
	for rows.Next() {
		var e ToolEvent
		var name, input, result sql.NullString
		if err := rows.Scan(&e.SessionID, &e.Timestamp, &name, &input, &result); err != nil {
			return nil, err
		}
		e.ToolName = name.String
		e.ToolInput = input.String
		e.ToolResult = result.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- supplemented: session summaries ---

// SaveSummary persists or updates a session's LLM-generated summary.
func (s *Store) SaveSummary(sessionID, summary, modelName string) error {
	_, err := s.db.Exec(`
		INSERT INTO session_summaries (session_id, summary, model, generated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE
		SET summary = excluded.summary, model = excluded.model, generated_at = excluded.generated_at
	`, sessionID, summary, nullStr(modelName), time.Now().UTC())
	return err
}

// SummaryFor returns the stored summary for a session, or "" if none exists.
func (s *Store) SummaryFor(sessionID string) (string, error) {
	var summary string
	err := s.db.QueryRow(`SELECT summary FROM session_summaries WHERE session_id = ?`, sessionID).Scan(&summary)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return summary, err
}
