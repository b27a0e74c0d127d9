package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
)

// Key derives the deterministic cache key for a rendered artifact. The key is
// scoped by reference so every artifact of one transaction shares the prefix
// returned by ReferencePrefix. data must serialise deterministically; structs
// and maps do under encoding/json.
func Key(reference, kind, templateVersion string, data any) (string, error) {
	canonical, err := json.Marshal(struct {
		Kind    string `json:"kind"`
		Version string `json:"version"`
		Data    any    `json:"data"`
	}{kind, templateVersion, data})
	if err != nil {
		return "", fmt.Errorf("cache: fingerprint: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return ReferencePrefix(reference) + url.PathEscape(kind) + "/" + hex.EncodeToString(sum[:]), nil
}

// ReferencePrefix returns the key prefix shared by all entries of reference.
func ReferencePrefix(reference string) string {
	return url.PathEscape(reference) + "/"
}
