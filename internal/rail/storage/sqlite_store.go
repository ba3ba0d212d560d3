package storage

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/resonance-rail/railserver/internal/railerrors"
	"github.com/resonance-rail/railserver/internal/rail/types"
)

// Query constants, following the teacher's convention of naming every
// prepared SQL string rather than inlining it at the call site.
const (
	enrollmentInsertQuery = `
		INSERT INTO rail_enrollments (agent_id, secret_hash) VALUES (?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET secret_hash = excluded.secret_hash`

	enrollmentSelectQuery = `
		SELECT agent_id, secret_hash, enrolled_at FROM rail_enrollments WHERE agent_id = ?`

	clientLogInsertQuery = `
		INSERT INTO rail_clients_log (agent_id, agent_name, platform, action) VALUES (?, ?, ?, ?)`

	eventInsertQuery = `
		INSERT INTO rail_events (type, client_id, details) VALUES (?, ?, ?)`

	coherenceLogInsertQuery = `
		INSERT INTO rail_coherence_log (coherence, agent_count, mean_phase) VALUES (?, ?, ?)`

	pauseStateInsertQuery = `
		INSERT INTO rail_pause_state (phases, coherence) VALUES (?, ?)`

	pauseStateLatestQuery = `
		SELECT phases, coherence, created_at FROM rail_pause_state ORDER BY id DESC LIMIT 1`

	traceInsertQuery = `
		INSERT INTO rail_traces (id, agent_id, agent_name, content, embedding, kind, metadata) VALUES (?, ?, ?, ?, ?, ?, ?)`

	traceSelectAllQuery = `
		SELECT id, agent_id, agent_name, content, embedding, kind, metadata, created_at FROM rail_traces`

	messageLogInsertQuery = `
		INSERT INTO rail_message_log (type, agent_id, agent_name, payload) VALUES (?, ?, ?, ?)`

	pruneKeepCountQuery = `
		DELETE FROM rail_message_log WHERE seq NOT IN (
			SELECT seq FROM rail_message_log ORDER BY seq DESC LIMIT ?
		)`

	pruneKeepSinceQuery = `DELETE FROM rail_message_log WHERE timestamp < ?`

	replaySinceQuery = `
		SELECT seq, type, agent_id, agent_name, payload, timestamp FROM rail_message_log
		WHERE seq > ? ORDER BY seq ASC`
)

// sqliteTimestampLayout matches the format SQLite's CURRENT_TIMESTAMP
// default produces (UTC, no offset, no 'T' separator).
const sqliteTimestampLayout = "2006-01-02 15:04:05"

// SQLStore implements Store over an embedded SQLite database (§4.6).
type SQLStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger
	seq    int64 // local fallback counter, kept consistent with the DB's seq
}

// NewSQLStore wraps an already-migrated *sql.DB.
func NewSQLStore(db *sql.DB, logger *zap.SugaredLogger) *SQLStore {
	s := &SQLStore{db: db, logger: logger}
	s.seq = s.loadMaxSeq()
	return s
}

func (s *SQLStore) loadMaxSeq() int64 {
	var max sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(seq) FROM rail_message_log").Scan(&max); err != nil {
		return 0
	}
	return max.Int64
}

func (s *SQLStore) warn(msg string, err error, kv ...interface{}) {
	if s.logger == nil {
		return
	}
	args := append([]interface{}{"error", err}, kv...)
	s.logger.Warnw(msg, args...)
}

// SaveEnrollment persists an agentId/secretHash binding (§4.3, §4.6).
func (s *SQLStore) SaveEnrollment(agentID, secretHash string) error {
	_, err := s.db.Exec(enrollmentInsertQuery, agentID, secretHash)
	if err != nil {
		return railerrors.Wrapf(err, "failed to save enrollment for %s", agentID)
	}
	return nil
}

// GetEnrollment loads an enrollment, nil if none exists.
func (s *SQLStore) GetEnrollment(agentID string) (*types.Enrollment, error) {
	var e types.Enrollment
	var enrolledAt string
	err := s.db.QueryRow(enrollmentSelectQuery, agentID).Scan(&e.AgentID, &e.SecretHash, &enrolledAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, railerrors.Wrapf(err, "failed to load enrollment for %s", agentID)
	}
	e.EnrolledAt, _ = time.Parse(sqliteTimestampLayout, enrolledAt)
	return &e, nil
}

// LogClientEvent appends a join/leave record (§4.6). Fire-and-forget: logs
// a warning and returns nil-equivalent control flow is the caller's job —
// this method still returns the error so callers can choose to log it.
func (s *SQLStore) LogClientEvent(agentID, agentName, platform, action string) error {
	_, err := s.db.Exec(clientLogInsertQuery, agentID, agentName, platform, action)
	if err != nil {
		err = railerrors.Wrapf(err, "failed to log client event for %s", agentID)
		s.warn("failed to persist client event", err, "agent_id", agentID, "action", action)
		return err
	}
	return nil
}

// LogEvent appends a generic lifecycle/security event (§4.6).
func (s *SQLStore) LogEvent(eventType, clientID string, details map[string]any) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return railerrors.Wrapf(err, "failed to marshal event details for %s", eventType)
	}
	if _, err := s.db.Exec(eventInsertQuery, eventType, clientID, string(detailsJSON)); err != nil {
		err = railerrors.Wrapf(err, "failed to log event %s for client %s", eventType, clientID)
		s.warn("failed to persist event", err, "type", eventType, "client_id", clientID)
		return err
	}
	return nil
}

// LogCoherence appends one coherence sample (§4.6).
func (s *SQLStore) LogCoherence(coherence float64, agentCount int, meanPhase float64) error {
	if _, err := s.db.Exec(coherenceLogInsertQuery, coherence, agentCount, meanPhase); err != nil {
		err = railerrors.Wrap(err, "failed to log coherence sample")
		s.warn("failed to persist coherence sample", err)
		return err
	}
	return nil
}

// SavePauseState overwrites with a new pause snapshot row (§4.6: only the
// most recent row is authoritative).
func (s *SQLStore) SavePauseState(snapshot types.PauseSnapshot) error {
	phasesJSON, err := json.Marshal(snapshot.Phases)
	if err != nil {
		return railerrors.Wrap(err, "failed to marshal pause phases")
	}
	if _, err := s.db.Exec(pauseStateInsertQuery, string(phasesJSON), snapshot.Coherence); err != nil {
		return railerrors.Wrap(err, "failed to save pause state")
	}
	return nil
}

// LatestPauseState loads the most recently saved pause snapshot.
func (s *SQLStore) LatestPauseState() (*types.PauseSnapshot, error) {
	var phasesJSON string
	var snapshot types.PauseSnapshot
	var createdAt string
	err := s.db.QueryRow(pauseStateLatestQuery).Scan(&phasesJSON, &snapshot.Coherence, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, railerrors.Wrap(err, "failed to load latest pause state")
	}
	if err := json.Unmarshal([]byte(phasesJSON), &snapshot.Phases); err != nil {
		return nil, railerrors.Wrap(err, "failed to unmarshal pause phases")
	}
	snapshot.CreatedAt, _ = time.Parse(sqliteTimestampLayout, createdAt)
	return &snapshot, nil
}

// SaveTrace appends a reasoning trace (§4.6, §4.7).
func (s *SQLStore) SaveTrace(trace *types.Trace) error {
	embeddingJSON, err := json.Marshal(trace.Embedding)
	if err != nil {
		return railerrors.Wrapf(err, "failed to marshal embedding for trace %s", trace.ID)
	}
	metadataJSON, err := json.Marshal(trace.Metadata)
	if err != nil {
		return railerrors.Wrapf(err, "failed to marshal metadata for trace %s", trace.ID)
	}

	_, err = s.db.Exec(traceInsertQuery,
		trace.ID, trace.AgentID, trace.AgentName, trace.Content,
		string(embeddingJSON), trace.Kind, string(metadataJSON),
	)
	if err != nil {
		err = railerrors.Wrapf(err, "failed to save trace %s", trace.ID)
		s.warn("failed to persist trace", err, "trace_id", trace.ID, "agent_id", trace.AgentID)
		return err
	}

	// Best-effort indexed path (§4.6 pragma); ignored on failure since the
	// scalar columns above are the source of truth.
	if len(trace.Embedding) > 0 {
		_ = s.upsertVecEmbedding(trace.ID, trace.Embedding)
	}

	return nil
}

// SearchTraces loads rows matching scalar filters, optionally ranking by
// client-side cosine similarity against QueryEmbedding, and returns the
// top Limit (§4.6 Embedding search).
func (s *SQLStore) SearchTraces(query TraceQuery) ([]types.Trace, error) {
	sqlQuery := traceSelectAllQuery
	var args []interface{}
	if query.AgentID != "" {
		sqlQuery += " WHERE agent_id = ?"
		args = append(args, query.AgentID)
	}
	if query.QueryEmbedding == nil {
		sqlQuery += " ORDER BY created_at DESC"
		if query.Limit > 0 {
			sqlQuery += " LIMIT ?"
			args = append(args, query.Limit)
		}
	}

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, railerrors.Wrap(err, "failed to search traces")
	}
	defer rows.Close()

	var traces []types.Trace
	for rows.Next() {
		var t types.Trace
		var embeddingJSON, metadataJSON, createdAt string
		if err := rows.Scan(&t.ID, &t.AgentID, &t.AgentName, &t.Content, &embeddingJSON, &t.Kind, &metadataJSON, &createdAt); err != nil {
			return nil, railerrors.Wrapf(err, "failed to scan trace row %d", len(traces)+1)
		}
		_ = json.Unmarshal([]byte(embeddingJSON), &t.Embedding)
		_ = json.Unmarshal([]byte(metadataJSON), &t.Metadata)
		t.CreatedAt, _ = time.Parse(sqliteTimestampLayout, createdAt)
		traces = append(traces, t)
	}
	if err := rows.Err(); err != nil {
		return nil, railerrors.Wrapf(err, "failed to iterate trace rows (read %d)", len(traces))
	}

	if query.QueryEmbedding != nil {
		traces = rankBySimilarity(traces, query.QueryEmbedding)
		if query.Limit > 0 && len(traces) > query.Limit {
			traces = traces[:query.Limit]
		}
	}

	return traces, nil
}

// LogMessage appends one entry and returns its assigned seq (§4.6). On
// persistence failure the local counter still advances so the in-memory
// seq stays monotonic (invariant ii).
func (s *SQLStore) LogMessage(entry types.MessageLogEntry) (int64, error) {
	payloadJSON, err := json.Marshal(entry.Payload)
	if err != nil {
		payloadJSON = []byte("{}")
	}

	result, err := s.db.Exec(messageLogInsertQuery, entry.Type, entry.AgentID, entry.AgentName, string(payloadJSON))
	if err != nil {
		next := atomic.AddInt64(&s.seq, 1)
		err = railerrors.Wrap(err, "failed to persist message log entry")
		s.warn("message log persistence failed, using local sequence", err, "seq", next)
		return next, err
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return atomic.AddInt64(&s.seq, 1), nil
	}
	atomic.StoreInt64(&s.seq, seq)
	return seq, nil
}

// PruneMessageLogKeepCount deletes all but the most recent keepCount rows.
func (s *SQLStore) PruneMessageLogKeepCount(keepCount int) error {
	if keepCount <= 0 {
		return nil
	}
	if _, err := s.db.Exec(pruneKeepCountQuery, keepCount); err != nil {
		return railerrors.Wrapf(err, "failed to prune message log keeping %d rows", keepCount)
	}
	return nil
}

// PruneMessageLogKeepSince deletes rows older than since.
func (s *SQLStore) PruneMessageLogKeepSince(since time.Time) error {
	if since.IsZero() {
		return nil
	}
	if _, err := s.db.Exec(pruneKeepSinceQuery, since.UTC().Format("2006-01-02 15:04:05")); err != nil {
		return railerrors.Wrap(err, "failed to prune message log by timestamp")
	}
	return nil
}

// ReplayMessageLog loads entries after sinceSeq in ascending order, the
// cursor feed backing the `replay` dispatch type (§4.6, §4.8).
func (s *SQLStore) ReplayMessageLog(sinceSeq int64, limit int) ([]types.MessageLogEntry, error) {
	sqlQuery := replaySinceQuery
	var args []interface{}
	args = append(args, sinceSeq)
	if limit > 0 {
		sqlQuery += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, railerrors.Wrap(err, "failed to replay message log")
	}
	defer rows.Close()

	var entries []types.MessageLogEntry
	for rows.Next() {
		var e types.MessageLogEntry
		var payloadJSON, timestamp string
		if err := rows.Scan(&e.Seq, &e.Type, &e.AgentID, &e.AgentName, &payloadJSON, &timestamp); err != nil {
			return nil, railerrors.Wrapf(err, "failed to scan message log row %d", len(entries)+1)
		}
		_ = json.Unmarshal([]byte(payloadJSON), &e.Payload)
		if ts, err := time.Parse(sqliteTimestampLayout, timestamp); err == nil {
			e.Timestamp = ts.UnixMilli()
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, railerrors.Wrapf(err, "failed to iterate message log rows (read %d)", len(entries))
	}
	return entries, nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// upsertVecEmbedding maintains the vec0 virtual table alongside
// rail_traces.embedding; virtual tables don't support UPSERT so this
// deletes then inserts, mirroring the teacher's embedding-store pattern.
func (s *SQLStore) upsertVecEmbedding(traceID string, embedding []float64) error {
	if len(embedding) != 768 {
		return nil // outside the fixed-dimension index; scalar column remains authoritative
	}
	blob, err := encodeFloat32Blob(embedding)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec("DELETE FROM vec_embeddings WHERE trace_id = ?", traceID); err != nil {
		return fmt.Errorf("delete stale vec row: %w", err)
	}
	if _, err := s.db.Exec("INSERT INTO vec_embeddings (trace_id, embedding) VALUES (?, ?)", traceID, blob); err != nil {
		return fmt.Errorf("insert vec row: %w", err)
	}
	return nil
}

// encodeFloat32Blob serializes embedding into sqlite-vec's little-endian
// FLOAT32_BLOB format.
func encodeFloat32Blob(embedding []float64) ([]byte, error) {
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
	}
	return buf, nil
}

// cosineSimilarity scores two embeddings for the client-side ranking path
// (§4.6 pragma); 0 on dimension mismatch or a zero vector.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// rankBySimilarity orders traces by descending cosine similarity to query.
func rankBySimilarity(traces []types.Trace, query []float64) []types.Trace {
	type scored struct {
		trace types.Trace
		score float64
	}
	scoredTraces := make([]scored, len(traces))
	for i, t := range traces {
		scoredTraces[i] = scored{trace: t, score: cosineSimilarity(query, t.Embedding)}
	}
	sort.SliceStable(scoredTraces, func(i, j int) bool {
		return scoredTraces[i].score > scoredTraces[j].score
	})
	out := make([]types.Trace, len(scoredTraces))
	for i, s := range scoredTraces {
		out[i] = s.trace
	}
	return out
}
