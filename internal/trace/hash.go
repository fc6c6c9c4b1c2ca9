package trace

import (
	"crypto/sha256"
	"encoding/hex"
)

// shortHashLen is the prefix of a trace hash shown in logs.
const shortHashLen = 12

// Hash returns the hex sha256 of the trace's canonical JSON. Two searches
// over the same candidates with the same link outcomes hash equal.
func (t ResolutionTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return ComputeTraceHash(b), nil
}

// ComputeTraceHash hashes bytes already produced by CanonicalJSON. Empty
// input has no hash.
func ComputeTraceHash(canonical []byte) string {
	if len(canonical) == 0 {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// ShortHash abbreviates a trace hash for log lines.
func ShortHash(hash string) string {
	if len(hash) <= shortHashLen {
		return hash
	}
	return hash[:shortHashLen]
}
