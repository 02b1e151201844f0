// Package hasher provides the single hash primitive for the Requiem kernel:
// domain-separated BLAKE3. Every digest in the system, from CAS keys to
// request fingerprints, comes from this package. No fallback primitive is
// permitted; there is deliberately no way to construct a hasher with a
// different algorithm.
package hasher

import (
	"encoding/hex"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Domain tags for digest roles. Prefixing the hashed bytes with a fixed tag
// ensures the same content in different roles hashes differently.
const (
	DomainRequest = "req:"
	DomainResult  = "res:"
	DomainCAS     = "cas:"
	DomainTrace   = "trace:"
)

// Size is the digest size in bytes. HexSize is the length of its lowercase
// hex rendering, the stable interchange form.
const (
	Size    = 32
	HexSize = 64
)

// RuntimeInfo describes the hash backend in use.
type RuntimeInfo struct {
	Primitive       string `json:"primitive"`
	Backend         string `json:"backend"`
	Version         string `json:"version"`
	FallbackAllowed bool   `json:"fallback_allowed"`
}

// Info returns the runtime description of the hash backend.
func Info() RuntimeInfo {
	return RuntimeInfo{
		Primitive:       "blake3",
		Backend:         "vendored",
		Version:         "blake3-go/0.2.4",
		FallbackAllowed: false,
	}
}

// Sum computes the raw 32-byte BLAKE3 digest of data.
func Sum(data []byte) [Size]byte {
	return blake3.Sum256(data)
}

// Hex renders a raw digest as lowercase hex.
func Hex(digest [Size]byte) string {
	return hex.EncodeToString(digest[:])
}

// HashBytes computes the hex digest of data.
func HashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashDomain computes the hex digest of tag||data. The tag must be one of the
// Domain constants; an unknown tag still hashes but gains no separation
// guarantee against future tags.
func HashDomain(tag string, data []byte) string {
	h := blake3.New()
	h.Write([]byte(tag))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// HashFile streams the file at path through the hasher in chunks and returns
// the hex digest. A missing or unreadable file returns the empty string; the
// caller treats empty as "no digest".
func HashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Stream is an incremental hasher for callers that produce bytes in chunks
// (CAS writes, output capture). Chunk boundaries do not affect the digest.
type Stream struct {
	h *blake3.Hasher
}

// NewStream returns a fresh incremental hasher.
func NewStream() *Stream {
	return &Stream{h: blake3.New()}
}

// Write implements io.Writer. It never returns an error.
func (s *Stream) Write(p []byte) (int, error) {
	return s.h.Write(p)
}

// SumHex returns the hex digest of everything written so far.
func (s *Stream) SumHex() string {
	return hex.EncodeToString(s.h.Sum(nil))
}

// ValidDigest reports whether s is a well-formed digest at the API boundary:
// lowercase hex, length exactly 64.
func ValidDigest(s string) bool {
	if len(s) != HexSize {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}
