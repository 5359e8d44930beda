package store

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"cppdex/internal/types"
)

// FTS and vector recall backends read here; writes arrive through ops.

// SearchFTS returns file keys whose symbol text matches the query term,
// searched across the given contexts. The symbol is tokenised on "::" so
// qualified names match the FTS index.
func (s *Store) SearchFTS(contextIDs []string, symbol string, limit int) ([]types.FileKey, error) {
	if len(contextIDs) == 0 || symbol == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	match := ftsQuery(symbol)
	query := `SELECT DISTINCT file_key FROM recall_fts
	          WHERE recall_fts MATCH ? AND context_id IN (` + placeholders(len(contextIDs)) + `)
	          LIMIT ?`
	args := []interface{}{match}
	for _, id := range contextIDs {
		args = append(args, id)
	}
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("fts search failed: %w", err)
	}
	defer rows.Close()

	var out []types.FileKey
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// ftsQuery converts a C++ qualified name into an FTS5 phrase query:
// "ns::util::foo" matches the token sequence "ns util foo".
func ftsQuery(symbol string) string {
	cleaned := strings.ReplaceAll(symbol, "::", " ")
	cleaned = strings.ReplaceAll(cleaned, `"`, " ")
	cleaned = strings.TrimSpace(cleaned)
	return `"` + cleaned + `"`
}

// ScoredFile is one vector-recall hit.
type ScoredFile struct {
	FileKey types.FileKey
	Score   float64
}

// HasVectors reports whether any embeddings were upserted for a workspace.
func (s *Store) HasVectors(workspaceID string) bool {
	var n int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM recall_vectors WHERE workspace_id = ?`, workspaceID).Scan(&n); err != nil {
		return false
	}
	return n > 0
}

// VectorTopK returns the k nearest files by cosine similarity. The scan is
// linear over the workspace's vectors; embeddings arrive from an external
// engine via plain upsert.
func (s *Store) VectorTopK(workspaceID string, query []float64, k int) ([]ScoredFile, error) {
	if len(query) == 0 || k <= 0 {
		return nil, nil
	}

	rows, err := s.db.Query(
		`SELECT file_key, embedding FROM recall_vectors WHERE workspace_id = ?`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("vector scan failed: %w", err)
	}
	defer rows.Close()

	var scored []ScoredFile
	for rows.Next() {
		var key, blob string
		if err := rows.Scan(&key, &blob); err != nil {
			return nil, err
		}
		var emb []float64
		if err := json.Unmarshal([]byte(blob), &emb); err != nil {
			continue
		}
		scored = append(scored, ScoredFile{FileKey: key, Score: CosineSimilarity(query, emb)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
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
