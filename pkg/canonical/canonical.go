// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and content addressing for every digest in the system.
//
// Every hash Gatewright records — bundle digests, context hashes, decision
// hashes, event content hashes — is the SHA-256 of the JCS canonical form,
// prefixed "sha256:". Two structurally equal values always produce the same
// digest regardless of field order or whitespace.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// HashPrefix is prepended to every hex digest produced by this package.
const HashPrefix = "sha256:"

// Marshal returns the RFC 8785 canonical JSON encoding of v.
// Struct json tags are respected; map keys are sorted by UTF-16 code units
// per the RFC.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the content address of v: "sha256:" + hex SHA-256 of the
// canonical encoding.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes content-addresses raw bytes without canonicalization.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// ValidHash reports whether s looks like a digest produced by this package.
func ValidHash(s string) bool {
	if len(s) != len(HashPrefix)+64 || s[:len(HashPrefix)] != HashPrefix {
		return false
	}
	_, err := hex.DecodeString(s[len(HashPrefix):])
	return err == nil
}
