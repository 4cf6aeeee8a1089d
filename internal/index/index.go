// Package index implements the Vector Index Adapter: a flat, cosine-similarity
// store over memory-file chunks, persisted in a modernc.org/sqlite database so
// the whole service stays a single static binary with no external vector
// database dependency.
package index

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/impulseguard/impulsed/internal/memory"
)

// QueryRecorder observes vector-index query latency so a metrics collector
// can be wired in without this package importing one concretely.
type QueryRecorder interface {
	ObserveIndexQuery(duration time.Duration)
}

// Index is the sqlite-backed implementation of the Vector Index Adapter
// contract (Reindex/Query/Upsert, keyed by stable chunk id).
type Index struct {
	db   *sql.DB
	path string

	// mu gives Reindex exclusive access (no concurrent reads/writes against
	// the collection during its execution) while Query/Upsert only need a
	// read lock against a concurrent Reindex.
	mu sync.RWMutex

	recorder QueryRecorder
}

// SetRecorder wires a QueryRecorder (typically a metrics collector) into the
// Index; nil is a valid, no-op default.
func (idx *Index) SetRecorder(r QueryRecorder) { idx.recorder = r }

// Open creates or opens the sqlite database at path and ensures its schema.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; keep it simple and correct.
	idx := &Index{db: db, path: path}
	if err := idx.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// Close releases the underlying database handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Path returns the on-disk location of the index database. Store.Reset leaves
// this file in place; Reindex clears its rows.
func (idx *Index) Path() string { return idx.path }

func (idx *Index) ensureSchema() error {
	_, err := idx.db.Exec(`
		CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			file TEXT NOT NULL,
			section TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding BLOB NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("index: create schema: %w", err)
	}
	return nil
}

// Reindex deletes the entire collection, re-chunks every supplied file's
// content, and re-adds every chunk. It is exclusive: callers must not
// Query/Upsert concurrently.
func (idx *Index) Reindex(ctx context.Context, contents map[memory.FileName]string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin reindex: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks"); err != nil {
		return fmt.Errorf("index: clear collection: %w", err)
	}

	for _, file := range memory.Files {
		content, ok := contents[file]
		if !ok {
			continue
		}
		for _, c := range memory.Chunks(file, content) {
			if err := insertChunk(ctx, tx, c); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: commit reindex: %w", err)
	}
	return nil
}

// Upsert idempotently replaces each chunk by id.
func (idx *Index) Upsert(ctx context.Context, chunks []memory.Chunk) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin upsert: %w", err)
	}
	defer tx.Rollback()

	for _, c := range chunks {
		if err := insertChunk(ctx, tx, c); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: commit upsert: %w", err)
	}
	return nil
}

func insertChunk(ctx context.Context, tx *sql.Tx, c memory.Chunk) error {
	vec := Embed(c.Section + " " + c.Content)
	blob, err := encodeVector(vec)
	if err != nil {
		return fmt.Errorf("index: encode embedding for %s: %w", c.ID, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO chunks (id, file, section, content, embedding) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET file=excluded.file, section=excluded.section, content=excluded.content, embedding=excluded.embedding`,
		c.ID, string(c.File), c.Section, c.Content, blob,
	)
	if err != nil {
		return fmt.Errorf("index: upsert chunk %s: %w", c.ID, err)
	}
	return nil
}

// Query returns the top-k cosine-similar chunks to text, optionally filtered
// to a set of files. Ordering beyond "relevance-sorted" is not guaranteed.
func (idx *Index) Query(ctx context.Context, text string, k int, filter []memory.FileName) ([]memory.Chunk, error) {
	start := time.Now()
	if idx.recorder != nil {
		defer func() { idx.recorder.ObserveIndexQuery(time.Since(start)) }()
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	rows, err := idx.db.QueryContext(ctx, "SELECT id, file, section, content, embedding FROM chunks")
	if err != nil {
		return nil, fmt.Errorf("index: query: %w", err)
	}
	defer rows.Close()

	allowed := map[memory.FileName]bool{}
	for _, f := range filter {
		allowed[f] = true
	}

	queryVec := Embed(text)

	type scored struct {
		chunk memory.Chunk
		score float64
	}
	var candidates []scored

	for rows.Next() {
		var id, file, section, content string
		var blob []byte
		if err := rows.Scan(&id, &file, &section, &content, &blob); err != nil {
			return nil, fmt.Errorf("index: scan row: %w", err)
		}
		if len(allowed) > 0 && !allowed[memory.FileName(file)] {
			continue
		}
		vec, err := decodeVector(blob)
		if err != nil {
			continue
		}
		sim := CosineSimilarity(queryVec, vec)
		candidates = append(candidates, scored{
			chunk: memory.Chunk{ID: id, File: memory.FileName(file), Section: section, Content: content},
			score: sim,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: iterate rows: %w", err)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	if k <= 0 || k > len(candidates) {
		k = len(candidates)
	}
	out := make([]memory.Chunk, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, candidates[i].chunk)
	}
	return out, nil
}

// Count returns the number of chunks currently stored, used by the health
// endpoint's collection_count field.
func (idx *Index) Count(ctx context.Context) (int, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var n int
	if err := idx.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&n); err != nil {
		return 0, fmt.Errorf("index: count: %w", err)
	}
	return n, nil
}

func encodeVector(vec []float64) ([]byte, error) {
	buf := new(bytes.Buffer)
	for _, v := range vec {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeVector(blob []byte) ([]float64, error) {
	n := len(blob) / 8
	vec := make([]float64, n)
	r := bytes.NewReader(blob)
	for i := 0; i < n; i++ {
		if err := binary.Read(r, binary.LittleEndian, &vec[i]); err != nil {
			return nil, err
		}
	}
	return vec, nil
}
