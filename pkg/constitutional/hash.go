// Package constitutional defines the governance contract every message on
// the bus is checked against: the constitutional hash constant, validation
// results, decision logs and the validator implementations.
package constitutional

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/gowebpki/jcs"
)

// Hash is the fleet-wide constitutional hash. It identifies the governance
// constitution every component must agree on; a message carrying any other
// value is rejected in static mode.
const Hash = "cdd01ef066bc6cf2"

// PolicyVersion is the default policy version recorded on decision logs.
const PolicyVersion = "1.0.0"

// ValidHash reports whether s is a well-formed 16-char lowercase hex hash.
func ValidHash(s string) bool {
	if len(s) != 16 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// MaskHash truncates a hash for inclusion in denial reasons so that a full
// foreign hash is never echoed back to the caller.
func MaskHash(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8] + "…"
}

// CanonicalDigest returns the hex SHA-256 of the RFC 8785 canonical JSON
// form of v. Used for decision hashes and cache keys so that semantically
// equal inputs digest identically.
func CanonicalDigest(v any) (string, error) {
	raw, err := jcs.Transform(mustJSON(v))
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
