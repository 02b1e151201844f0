package hasher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// Known BLAKE3 vectors. These pin the primitive: if the backend ever drifts
// from BLAKE3, these fail before anything else does.
func TestHashVectors(t *testing.T) {
	require.Equal(t,
		"af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262",
		HashBytes(nil))
	require.Equal(t,
		"af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262",
		HashBytes([]byte{}))
	require.Equal(t,
		"ea8f163db38682925e4491c5e58d4bb3506ef8c14eb78a86e908c5624a67200f",
		HashBytes([]byte("hello")))
}

func TestDomainSeparation(t *testing.T) {
	payloads := [][]byte{[]byte("x"), []byte("hello"), []byte("deterministic_output\n")}
	tags := []string{DomainRequest, DomainResult, DomainCAS, DomainTrace}
	for _, p := range payloads {
		seen := map[string]string{}
		for _, tag := range tags {
			d := HashDomain(tag, p)
			if prev, ok := seen[d]; ok {
				t.Fatalf("tags %q and %q collide on %q", prev, tag, p)
			}
			seen[d] = tag
		}
		// A tagged digest must also differ from the untagged one.
		require.NotContains(t, seen, HashBytes(p))
	}
}

func TestHashDomainEqualsConcatenation(t *testing.T) {
	data := []byte("payload")
	require.Equal(t, HashBytes(append([]byte(DomainRequest), data...)), HashDomain(DomainRequest, data))
}

func TestStreamChunkBoundariesDoNotMatter(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	whole := HashBytes(data)

	for _, split := range []int{1, 7, len(data) - 1} {
		s := NewStream()
		_, _ = s.Write(data[:split])
		_, _ = s.Write(data[split:])
		require.Equal(t, whole, s.SumHex(), "split at %d", split)
	}
}

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	require.Equal(t, HashBytes([]byte("hello")), HashFile(path))
	require.Equal(t, "", HashFile(filepath.Join(dir, "missing")))
}

func TestValidDigest(t *testing.T) {
	good := HashBytes([]byte("x"))
	require.True(t, ValidDigest(good))

	bad := []string{
		"",
		"abc",
		good[:63],
		good + "0",
		"AF1349B9F5F9A1A6A0404DEA36DCC9499BCB25C9ADC112B7CC9A93CAE41F3262", // uppercase
		"zf1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262", // non-hex
	}
	for _, s := range bad {
		require.False(t, ValidDigest(s), "digest %q", s)
	}
}

func TestRuntimeInfo(t *testing.T) {
	info := Info()
	require.Equal(t, "blake3", info.Primitive)
	require.Equal(t, "vendored", info.Backend)
	require.False(t, info.FallbackAllowed)
}
