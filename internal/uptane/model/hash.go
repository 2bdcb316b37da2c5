package model

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"
	"strings"
)

// HashAlgorithm identifies a supported digest algorithm.
type HashAlgorithm string

const (
	SHA256 HashAlgorithm = "sha256"
	SHA512 HashAlgorithm = "sha512"
)

// Hash is a tagged (algorithm, hex digest) pair. Equality is
// (algorithm, lowercase-hex) equality.
type Hash struct {
	Algorithm HashAlgorithm `json:"function"`
	Digest    string        `json:"digest"`
}

// NewHash normalizes digest to lowercase hex.
func NewHash(algo HashAlgorithm, digest string) Hash {
	return Hash{Algorithm: algo, Digest: strings.ToLower(digest)}
}

// Equal compares two hashes by normalized algorithm/digest.
func (h Hash) Equal(other Hash) bool {
	return h.Algorithm == other.Algorithm && strings.EqualFold(h.Digest, other.Digest)
}

// NewHasher returns a streaming hash.Hash for the given algorithm.
func NewHasher(algo HashAlgorithm) (hash.Hash, error) {
	switch algo {
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("model: unsupported hash algorithm %q", algo)
	}
}

// MultiHasher computes several digests of the same byte stream in one pass,
// the way PackageManager.fetchTarget verifies a downloaded image against
// every hash Target carries while writing it to disk exactly once.
type MultiHasher struct {
	hashers map[HashAlgorithm]hash.Hash
	written int64
}

// NewMultiHasher builds a MultiHasher for the given algorithms.
func NewMultiHasher(algos ...HashAlgorithm) (*MultiHasher, error) {
	m := &MultiHasher{hashers: make(map[HashAlgorithm]hash.Hash, len(algos))}
	for _, a := range algos {
		h, err := NewHasher(a)
		if err != nil {
			return nil, err
		}
		m.hashers[a] = h
	}
	return m, nil
}

// Write implements io.Writer, feeding every configured hasher.
func (m *MultiHasher) Write(p []byte) (int, error) {
	for _, h := range m.hashers {
		_, _ = h.Write(p)
	}
	m.written += int64(len(p))
	return len(p), nil
}

// Written returns the total number of bytes written so far.
func (m *MultiHasher) Written() int64 { return m.written }

// Sum returns the finalized Hash for the given algorithm.
func (m *MultiHasher) Sum(algo HashAlgorithm) (Hash, bool) {
	h, ok := m.hashers[algo]
	if !ok {
		return Hash{}, false
	}
	return NewHash(algo, hex.EncodeToString(h.Sum(nil))), true
}

// ShortTag returns the first 12 hex chars of the sha256 variant, or of the
// first available hash if sha256 is absent.
func ShortTag(hashes []Hash) string {
	sorted := make([]Hash, len(hashes))
	copy(sorted, hashes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Algorithm < sorted[j].Algorithm })

	for _, h := range sorted {
		if h.Algorithm == SHA256 {
			return truncate(h.Digest, 12)
		}
	}
	if len(sorted) > 0 {
		return truncate(sorted[0].Digest, 12)
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// MatchHashes reports whether two hash sets agree where both present: at
// least one algorithm must be shared, and every shared algorithm must match.
func MatchHashes(a, b []Hash) bool {
	idx := make(map[HashAlgorithm]string, len(b))
	for _, h := range b {
		idx[h.Algorithm] = strings.ToLower(h.Digest)
	}
	shared := false
	for _, h := range a {
		if other, ok := idx[h.Algorithm]; ok {
			shared = true
			if strings.ToLower(h.Digest) != other {
				return false
			}
		}
	}
	return shared
}

// EncodeVector serializes a slice of Hash into a stable wire form
// "algo:digest" joined by ";", used by the Secondary transport codec.
func EncodeVector(hashes []Hash) string {
	parts := make([]string, 0, len(hashes))
	for _, h := range hashes {
		parts = append(parts, string(h.Algorithm)+":"+strings.ToLower(h.Digest))
	}
	return strings.Join(parts, ";")
}

// DecodeVector is the inverse of EncodeVector. Malformed entries are
// skipped rather than aborting the whole decode, so a partially corrupt
// vector still recovers its valid entries.
func DecodeVector(s string) []Hash {
	if s == "" {
		return nil
	}
	var out []Hash
	for _, part := range strings.Split(s, ";") {
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			continue
		}
		out = append(out, NewHash(HashAlgorithm(kv[0]), kv[1]))
	}
	return out
}
