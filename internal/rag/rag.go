// Package rag implements the time-aware legal corpus index: a
// dense (embedding) and keyword index over LegalChunk rows backed by an
// embedded modernc.org/sqlite database, with a quarantine-then-confirm
// ingestion workflow and time-sliced retrieval.
package rag

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mladen1312/nyx-light-racunovodja/internal/domain"
)

// Index is the embedded keyword+vector store.
type Index struct {
	db *sql.DB
}

// Embedder turns chunk text into a dense vector; satisfied by
// internal/inference's embedding call.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("rag: open %s: %w", path, err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Index{db: db}, nil
}

func (ix *Index) Close() error { return ix.db.Close() }

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS legal_chunks (
			id TEXT PRIMARY KEY,
			law_id TEXT NOT NULL,
			article TEXT,
			text TEXT NOT NULL,
			embedding BLOB,
			keywords TEXT,
			effective_from DATETIME NOT NULL,
			effective_to DATETIME,
			status TEXT NOT NULL,
			ingested_at DATETIME NOT NULL,
			confirmed_by TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_legal_chunks_law ON legal_chunks(law_id);
		CREATE INDEX IF NOT EXISTS idx_legal_chunks_status ON legal_chunks(status);
	`)
	return err
}

// Ingest stores a new chunk in the quarantined state; it is not
// returned by Search until Confirm is called.
func (ix *Index) Ingest(ctx context.Context, chunk domain.LegalChunk) (string, error) {
	if chunk.ID == "" {
		chunk.ID = uuid.NewString()
	}
	chunk.Status = domain.IngestQuarantined
	chunk.IngestedAt = time.Now().UTC()

	_, err := ix.db.ExecContext(ctx, `
		INSERT INTO legal_chunks(id, law_id, article, text, embedding, keywords, effective_from, effective_to, status, ingested_at, confirmed_by)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		chunk.ID, chunk.LawID, chunk.Article, chunk.Text, encodeVector(chunk.Embedding),
		strings.Join(chunk.Keywords, ","), chunk.EffectiveFrom, chunk.EffectiveTo,
		string(chunk.Status), chunk.IngestedAt, "",
	)
	if err != nil {
		return "", err
	}
	return chunk.ID, nil
}

// Confirm moves a quarantined chunk to confirmed (searchable) status.
func (ix *Index) Confirm(ctx context.Context, chunkID, confirmedBy string) error {
	res, err := ix.db.ExecContext(ctx, `
		UPDATE legal_chunks SET status=?, confirmed_by=? WHERE id=? AND status=?`,
		string(domain.IngestConfirmed), confirmedBy, chunkID, string(domain.IngestQuarantined),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: chunk %s", domain.ErrNotFound, chunkID)
	}
	return nil
}

// Supersede ingests newChunk as a replacement for oldID: the old
// chunk's effective_to is set to one day before newChunk's
// EffectiveFrom and newChunk is quarantined for review. The old chunk
// stays searchable for any asOf before that boundary, preserving
// point-in-time retrieval for bookings already posted under the prior
// text.
func (ix *Index) Supersede(ctx context.Context, oldID string, newChunk domain.LegalChunk) (string, error) {
	cutoff := newChunk.EffectiveFrom.AddDate(0, 0, -1)
	res, err := ix.db.ExecContext(ctx, `
		UPDATE legal_chunks SET effective_to=? WHERE id=? AND status=?`,
		cutoff, oldID, string(domain.IngestConfirmed),
	)
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", fmt.Errorf("%w: confirmed chunk %s", domain.ErrNotFound, oldID)
	}
	return ix.Ingest(ctx, newChunk)
}

// Reject discards a quarantined chunk without indexing it.
func (ix *Index) Reject(ctx context.Context, chunkID string) error {
	_, err := ix.db.ExecContext(ctx, `
		UPDATE legal_chunks SET status=? WHERE id=? AND status=?`,
		string(domain.IngestRejected), chunkID, string(domain.IngestQuarantined),
	)
	return err
}

// Quarantined lists chunks awaiting admin review.
func (ix *Index) Quarantined(ctx context.Context) ([]domain.LegalChunk, error) {
	return ix.queryByStatus(ctx, domain.IngestQuarantined)
}

func (ix *Index) queryByStatus(ctx context.Context, status domain.IngestStatus) ([]domain.LegalChunk, error) {
	rows, err := ix.db.QueryContext(ctx, `
		SELECT id, law_id, article, text, embedding, keywords, effective_from, effective_to, status, ingested_at, confirmed_by
		  FROM legal_chunks WHERE status=?`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

func scanChunks(rows *sql.Rows) ([]domain.LegalChunk, error) {
	var out []domain.LegalChunk
	for rows.Next() {
		var c domain.LegalChunk
		var article, keywords, confirmedBy sql.NullString
		var effectiveTo sql.NullTime
		var embedding []byte
		var status string
		if err := rows.Scan(&c.ID, &c.LawID, &article, &c.Text, &embedding, &keywords,
			&c.EffectiveFrom, &effectiveTo, &status, &c.IngestedAt, &confirmedBy); err != nil {
			return nil, err
		}
		c.Article = article.String
		c.ConfirmedBy = confirmedBy.String
		c.Status = domain.IngestStatus(status)
		c.Embedding = decodeVector(embedding)
		if keywords.String != "" {
			c.Keywords = strings.Split(keywords.String, ",")
		}
		if effectiveTo.Valid {
			t := effectiveTo.Time
			c.EffectiveTo = &t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Search runs both the dense (cosine similarity over Embed(query)) and
// keyword index over confirmed chunks effective at asOf, merges the
// results, and returns them ranked by similarity.
func (ix *Index) Search(ctx context.Context, embedder Embedder, query string, asOf time.Time, topK int) ([]domain.RetrievedChunk, error) {
	rows, err := ix.db.QueryContext(ctx, `
		SELECT id, law_id, article, text, embedding, keywords, effective_from, effective_to, status, ingested_at, confirmed_by
		  FROM legal_chunks WHERE status=?`, string(domain.IngestConfirmed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	chunks, err := scanChunks(rows)
	if err != nil {
		return nil, err
	}

	var queryVec []float32
	if embedder != nil {
		queryVec, err = embedder.Embed(ctx, query)
		if err != nil {
			return nil, err
		}
	}
	queryTerms := tokenize(query)

	var results []domain.RetrievedChunk
	for _, c := range chunks {
		if !c.EffectiveAt(asOf) {
			continue
		}
		dense := 0.0
		if len(queryVec) > 0 && len(c.Embedding) > 0 {
			dense = cosineSimilarity(queryVec, c.Embedding)
		}
		keywordHit := keywordOverlap(queryTerms, c.Keywords)
		matched := ""
		switch {
		case dense > 0 && keywordHit > 0:
			matched = "both"
		case dense > 0:
			matched = "dense"
		case keywordHit > 0:
			matched = "keyword"
		default:
			continue
		}
		score := dense
		if keywordHit > score {
			score = keywordHit
		}
		// Among matching in-force chunks, the one enacted closest to
		// asOf ranks first on near-ties, so a fresh amendment outranks
		// the text it replaced.
		if ageDays := asOf.Sub(c.EffectiveFrom).Hours() / 24; ageDays >= 0 {
			score += 0.05 / (1 + ageDays/365)
		}
		results = append(results, domain.RetrievedChunk{Chunk: c, Similarity: score, MatchedVia: matched})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Reindex recomputes every chunk's embedding, quarantined and
// confirmed alike. Used after swapping the embedding model so the
// corpus stays comparable to fresh queries.
func (ix *Index) Reindex(ctx context.Context, embedder Embedder) (int, error) {
	rows, err := ix.db.QueryContext(ctx, `SELECT id, text FROM legal_chunks`)
	if err != nil {
		return 0, err
	}
	type pending struct{ id, text string }
	var all []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.text); err != nil {
			rows.Close()
			return 0, err
		}
		all = append(all, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	n := 0
	for _, p := range all {
		vec, err := embedder.Embed(ctx, p.text)
		if err != nil {
			return n, fmt.Errorf("reindex %s: %w", p.id, err)
		}
		if _, err := ix.db.ExecContext(ctx, `UPDATE legal_chunks SET embedding=? WHERE id=?`, encodeVector(vec), p.id); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// cosineSimilarity is a brute-force O(n) comparison, adequate at the
// scale of a single jurisdiction's legal corpus without an ANN index.
func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func keywordOverlap(queryTerms []string, chunkKeywords []string) float64 {
	if len(queryTerms) == 0 || len(chunkKeywords) == 0 {
		return 0
	}
	set := make(map[string]bool, len(chunkKeywords))
	for _, k := range chunkKeywords {
		set[strings.ToLower(k)] = true
	}
	hits := 0
	for _, t := range queryTerms {
		if set[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTerms))
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	return fields
}

func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	b := make([]byte, len(v)*4)
	for i, f := range v {
		bits := math.Float32bits(f)
		b[i*4] = byte(bits)
		b[i*4+1] = byte(bits >> 8)
		b[i*4+2] = byte(bits >> 16)
		b[i*4+3] = byte(bits >> 24)
	}
	return b
}

func decodeVector(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		bits := uint32(b[i*4]) | uint32(b[i*4+1])<<8 | uint32(b[i*4+2])<<16 | uint32(b[i*4+3])<<24
		v[i] = math.Float32frombits(bits)
	}
	return v
}
