package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"property-sync/models"
)

// volatile fields change on every write and are left out of the hash.
var volatile = []string{models.FieldUpdatedAt, models.FieldContentHash}

// recordMap converts a record to its JSON object form.
func recordMap(rec *models.ListingRecord) (map[string]any, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode listing %s: %w", rec.ID, err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode listing %s: %w", rec.ID, err)
	}
	return m, nil
}

// CanonicalHash returns the hex SHA-256 of the record's JSON with keys sorted
// at every level and volatile fields removed. Equal content always hashes equal,
// whatever order the fields were set in.
func CanonicalHash(rec *models.ListingRecord) (string, error) {
	m, err := recordMap(rec)
	if err != nil {
		return "", err
	}
	return hashMap(m)
}

func hashMap(m map[string]any) (string, error) {
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	for _, k := range volatile {
		delete(c, k)
	}
	delete(c, metaKey)
	// encoding/json writes map keys in sorted order
	canon, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("canonicalize listing: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}
