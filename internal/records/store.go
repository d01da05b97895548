// Package records stores patient medical records in SQLite and retrieves
// them by semantic similarity. Each record row carries an embedding of its
// content; queries are embedded with the same engine and ranked by cosine
// similarity. When the sqlite-vec extension is present ranking happens in
// SQL, otherwise a brute-force scan over the patient's rows is used.
package records

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/tehqua/medscreening/internal/embedding"
	"github.com/tehqua/medscreening/internal/workflow"
)

// Record is one entry in a patient's medical history.
type Record struct {
	ID         string
	PatientID  string
	Category   string // e.g. "medication", "lab_result", "visit_note"
	RecordedAt time.Time
	Content    string
}

// Store is the SQLite-backed record store. It implements the workflow
// Retriever contract.
type Store struct {
	db        *sql.DB
	engine    embedding.Engine
	log       *zap.Logger
	vectorExt bool
}

const schema = `
CREATE TABLE IF NOT EXISTS patient_records (
	id          TEXT PRIMARY KEY,
	patient_id  TEXT NOT NULL,
	category    TEXT NOT NULL,
	recorded_at TEXT NOT NULL,
	content     TEXT NOT NULL,
	embedding   BLOB
);
CREATE INDEX IF NOT EXISTS idx_patient_records_patient ON patient_records(patient_id);
`

// Open initializes the record store at the given path.
func Open(path string, engine embedding.Engine, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		log.Debug("set busy_timeout failed", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		log.Debug("set journal_mode=WAL failed", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		log.Debug("set synchronous=NORMAL failed", zap.Error(err))
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	s := &Store{db: db, engine: engine, log: log}
	s.vectorExt = detectVecExtension(db)
	if s.vectorExt {
		log.Info("sqlite-vec extension detected, using SQL-side ranking")
	} else {
		log.Debug("sqlite-vec extension not available, using in-process ranking")
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func detectVecExtension(db *sql.DB) bool {
	var version string
	return db.QueryRow("SELECT vec_version()").Scan(&version) == nil
}

// Add embeds and stores a single record.
func (s *Store) Add(ctx context.Context, rec Record) error {
	if rec.ID == "" || rec.PatientID == "" {
		return fmt.Errorf("record requires id and patient_id")
	}

	var blob []byte
	if s.engine != nil {
		vec, err := s.engine.Embed(ctx, rec.Content)
		if err != nil {
			return fmt.Errorf("embed record %s: %w", rec.ID, err)
		}
		blob = encodeVector(vec)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO patient_records (id, patient_id, category, recorded_at, content, embedding)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.PatientID, rec.Category, rec.RecordedAt.UTC().Format(time.RFC3339), rec.Content, blob)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// Seed stores a batch of records. Used by the seeding command.
func (s *Store) Seed(ctx context.Context, recs []Record) error {
	for _, rec := range recs {
		if err := s.Add(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of records held for a patient.
func (s *Store) Count(ctx context.Context, patientID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM patient_records WHERE patient_id = ?", patientID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Retrieve returns the topK records most similar to the query, strictly
// scoped to the given patient. An empty result is not an error.
func (s *Store) Retrieve(ctx context.Context, patientID, query string, topK int) (workflow.RetrievalContext, error) {
	if topK <= 0 {
		topK = 3
	}
	if s.engine == nil {
		return s.retrieveRecent(ctx, patientID, topK)
	}

	queryVec, err := s.engine.Embed(ctx, query)
	if err != nil {
		return workflow.RetrievalContext{}, fmt.Errorf("embed query: %w", err)
	}

	if s.vectorExt {
		return s.retrieveVec(ctx, patientID, queryVec, topK)
	}
	return s.retrieveScan(ctx, patientID, queryVec, topK)
}

// retrieveVec ranks in SQL using the sqlite-vec cosine distance function.
func (s *Store) retrieveVec(ctx context.Context, patientID string, queryVec []float32, topK int) (workflow.RetrievalContext, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, recorded_at, content
		FROM patient_records
		WHERE patient_id = ? AND embedding IS NOT NULL
		ORDER BY vec_distance_cosine(embedding, ?) ASC
		LIMIT ?`,
		patientID, encodeVector(queryVec), topK)
	if err != nil {
		return workflow.RetrievalContext{}, fmt.Errorf("vector query: %w", err)
	}
	defer rows.Close()
	return buildContext(rows)
}

// retrieveScan loads the patient's rows and ranks them in process.
func (s *Store) retrieveScan(ctx context.Context, patientID string, queryVec []float32, topK int) (workflow.RetrievalContext, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, recorded_at, content, embedding
		FROM patient_records
		WHERE patient_id = ?`,
		patientID)
	if err != nil {
		return workflow.RetrievalContext{}, fmt.Errorf("load records: %w", err)
	}
	defer rows.Close()

	type scored struct {
		id, category, recordedAt, content string
		sim                               float64
	}
	var candidates []scored
	for rows.Next() {
		var c scored
		var blob []byte
		if err := rows.Scan(&c.id, &c.category, &c.recordedAt, &c.content, &blob); err != nil {
			return workflow.RetrievalContext{}, fmt.Errorf("scan record: %w", err)
		}
		if len(blob) == 0 {
			continue
		}
		sim, err := embedding.CosineSimilarity(queryVec, decodeVector(blob))
		if err != nil {
			s.log.Debug("skipping record with mismatched embedding", zap.String("id", c.id), zap.Error(err))
			continue
		}
		c.sim = sim
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return workflow.RetrievalContext{}, fmt.Errorf("iterate records: %w", err)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].sim > candidates[j].sim })
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	var rc workflow.RetrievalContext
	var sb strings.Builder
	for _, c := range candidates {
		appendSnippet(&sb, c.recordedAt, c.category, c.content)
		rc.SourceIDs = append(rc.SourceIDs, c.id)
	}
	rc.GroundingText = strings.TrimSpace(sb.String())
	return rc, nil
}

// retrieveRecent is the no-embedding fallback: most recent records first.
func (s *Store) retrieveRecent(ctx context.Context, patientID string, topK int) (workflow.RetrievalContext, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, recorded_at, content
		FROM patient_records
		WHERE patient_id = ?
		ORDER BY recorded_at DESC
		LIMIT ?`,
		patientID, topK)
	if err != nil {
		return workflow.RetrievalContext{}, fmt.Errorf("recent query: %w", err)
	}
	defer rows.Close()
	return buildContext(rows)
}

func buildContext(rows *sql.Rows) (workflow.RetrievalContext, error) {
	var rc workflow.RetrievalContext
	var sb strings.Builder
	for rows.Next() {
		var id, category, recordedAt, content string
		if err := rows.Scan(&id, &category, &recordedAt, &content); err != nil {
			return workflow.RetrievalContext{}, fmt.Errorf("scan record: %w", err)
		}
		appendSnippet(&sb, recordedAt, category, content)
		rc.SourceIDs = append(rc.SourceIDs, id)
	}
	if err := rows.Err(); err != nil {
		return workflow.RetrievalContext{}, fmt.Errorf("iterate records: %w", err)
	}
	rc.GroundingText = strings.TrimSpace(sb.String())
	return rc, nil
}

func appendSnippet(sb *strings.Builder, recordedAt, category, content string) {
	date := recordedAt
	if t, err := time.Parse(time.RFC3339, recordedAt); err == nil {
		date = t.Format("2006-01-02")
	}
	fmt.Fprintf(sb, "[%s] %s: %s\n", date, category, content)
}

// encodeVector serializes a float32 vector as a little-endian blob, the
// layout sqlite-vec expects.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(blob []byte) []float32 {
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}
