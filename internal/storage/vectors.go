package storage

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// Interest-vector cache. Embeddings are deterministic for a fixed model, so
// a vector computed once for an interest entry can be reused on every later
// request. Keyed by (entry_id, model); recompute on miss keeps behavior
// identical to an uncached pipeline.

func (s *Store) SaveInterestVector(entryID, model string, embedding []float32) error {
	_, err := s.db.Exec(`
		INSERT INTO interest_vectors (entry_id, model, embedding, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entry_id, model) DO UPDATE SET embedding = excluded.embedding, created_at = excluded.created_at`,
		entryID, model, encodeFloat32s(embedding), time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// GetInterestVectors returns cached embeddings for the given entry IDs under
// the given model. Missing entries are simply absent from the result map.
func (s *Store) GetInterestVectors(entryIDs []string, model string) (map[string][]float32, error) {
	if len(entryIDs) == 0 {
		return map[string][]float32{}, nil
	}

	args := make([]interface{}, 0, len(entryIDs)+1)
	args = append(args, model)
	for _, id := range entryIDs {
		args = append(args, id)
	}

	query := `SELECT entry_id, embedding FROM interest_vectors
		WHERE model = ? AND entry_id IN (?` + strings.Repeat(",?", len(entryIDs)-1) + `)`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying interest vectors: %w", err)
	}
	defer rows.Close()

	result := make(map[string][]float32, len(entryIDs))
	for rows.Next() {
		var entryID string
		var blob []byte
		if err := rows.Scan(&entryID, &blob); err != nil {
			return nil, fmt.Errorf("scanning vector row: %w", err)
		}
		vec, err := decodeFloat32s(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", entryID, err)
		}
		result[entryID] = vec
	}
	return result, rows.Err()
}

// HasInterestVector reports whether a cached embedding exists for the entry.
func (s *Store) HasInterestVector(entryID, model string) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM interest_vectors WHERE entry_id = ? AND model = ?`,
		entryID, model).Scan(&count)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return count > 0, err
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
