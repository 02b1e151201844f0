package cas

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Hardonian/Requiem/internal/hasher"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), zap.NewNop(), nil)
	require.NoError(t, err)
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newStore(t)
	payloads := [][]byte{
		[]byte("artifact"),
		[]byte(""),
		[]byte{0x00, 0xff, 0x10},
		make([]byte, 1<<16),
	}
	for _, p := range payloads {
		d, err := s.Put(p, EncodingOff)
		require.NoError(t, err)
		require.Equal(t, hasher.HashBytes(p), d)

		got, err := s.Get(d)
		require.NoError(t, err)
		require.Equal(t, p, got)
	}
}

func TestPutDedup(t *testing.T) {
	s := newStore(t)
	one, err := s.Put([]byte("abc"), EncodingOff)
	require.NoError(t, err)

	before, err := s.ObjectCount()
	require.NoError(t, err)

	two, err := s.Put([]byte("abc"), EncodingOff)
	require.NoError(t, err)
	require.Equal(t, one, two)

	after, err := s.ObjectCount()
	require.NoError(t, err)
	require.Equal(t, before, after, "second put must not create a new on-disk object")
}

func TestZstdEncodingDoesNotAffectDigest(t *testing.T) {
	s := newStore(t)
	data := []byte("compress me compress me compress me")

	d, err := s.Put(data, EncodingZstd)
	require.NoError(t, err)
	require.Equal(t, hasher.HashBytes(data), d, "digest is of the uncompressed content")

	got, err := s.Get(d)
	require.NoError(t, err)
	require.Equal(t, data, got)

	info, err := s.Info(d)
	require.NoError(t, err)
	require.Equal(t, EncodingZstd, info.Encoding)
	require.Equal(t, int64(len(data)), info.OriginalSize)
}

func TestCorruptionDetection(t *testing.T) {
	s := newStore(t)
	d, err := s.Put([]byte("artifact"), EncodingOff)
	require.NoError(t, err)

	// Flip one byte of the stored object.
	path := s.objectPath(d)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[0] ^= 0x01
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = s.Get(d)
	require.ErrorIs(t, err, ErrNotFound, "a corrupt object must read as not found")

	// A fresh put of the same content repairs the object.
	d2, err := s.Put([]byte("artifact"), EncodingOff)
	require.NoError(t, err)
	require.Equal(t, d, d2)

	got, err := s.Get(d)
	require.NoError(t, err)
	require.Equal(t, []byte("artifact"), got)
}

func TestInvalidDigestForms(t *testing.T) {
	s := newStore(t)
	for _, bad := range []string{"", "zz", "ABC", "af1349"} {
		_, err := s.Get(bad)
		require.ErrorIs(t, err, ErrNotFound)
		require.False(t, s.Contains(bad))
		_, err = s.Info(bad)
		require.ErrorIs(t, err, ErrNotFound)
	}
}

func TestContainsAndScan(t *testing.T) {
	s := newStore(t)
	d1, err := s.Put([]byte("one"), EncodingOff)
	require.NoError(t, err)
	d2, err := s.Put([]byte("two"), EncodingZstd)
	require.NoError(t, err)

	require.True(t, s.Contains(d1))
	require.True(t, s.Contains(d2))
	require.False(t, s.Contains(hasher.HashBytes([]byte("absent"))))

	digests, err := s.ScanObjects()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{d1, d2}, digests)
}

func TestCrossRootIsolation(t *testing.T) {
	a := newStore(t)
	b := newStore(t)

	d, err := a.Put([]byte("tenant-a-data"), EncodingOff)
	require.NoError(t, err)

	require.False(t, b.Contains(d))
	_, err = b.Get(d)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPutFile(t *testing.T) {
	s := newStore(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")
	content := []byte("declared output content")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	d, err := s.PutFile(path, EncodingOff)
	require.NoError(t, err)
	require.Equal(t, hasher.HashBytes(content), d)

	got, err := s.Get(d)
	require.NoError(t, err)
	require.Equal(t, content, got)

	_, err = s.PutFile(filepath.Join(dir, "missing"), EncodingOff)
	require.Error(t, err)
}

func TestGCRemovesOnlyTempFiles(t *testing.T) {
	s := newStore(t)
	d, err := s.Put([]byte("keep"), EncodingOff)
	require.NoError(t, err)

	stray := filepath.Join(filepath.Dir(s.objectPath(d)), d+".123.tmp")
	require.NoError(t, os.WriteFile(stray, []byte("partial"), 0o644))

	removed, err := s.GC()
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	got, err := s.Get(d)
	require.NoError(t, err)
	require.Equal(t, []byte("keep"), got)
}

func TestStatus(t *testing.T) {
	s := newStore(t)
	_, err := s.Put([]byte("one"), EncodingOff)
	require.NoError(t, err)
	_, err = s.Put([]byte("two two two two two two"), EncodingZstd)
	require.NoError(t, err)

	st, err := s.Status()
	require.NoError(t, err)
	require.Equal(t, 2, st.ObjectCount)
	require.Equal(t, 1, st.ByEncoding[EncodingOff])
	require.Equal(t, 1, st.ByEncoding[EncodingZstd])
	require.Greater(t, st.TotalSizeBytes, int64(0))
}

func TestConcurrentIdenticalPuts(t *testing.T) {
	s := newStore(t)
	data := []byte("contended payload")

	const n = 16
	done := make(chan string, n)
	for i := 0; i < n; i++ {
		go func() {
			d, err := s.Put(data, EncodingOff)
			if err != nil {
				done <- "error: " + err.Error()
				return
			}
			done <- d
		}()
	}
	want := hasher.HashBytes(data)
	for i := 0; i < n; i++ {
		require.Equal(t, want, <-done)
	}

	count, err := s.ObjectCount()
	require.NoError(t, err)
	require.Equal(t, 1, count)

	got, err := s.Get(want)
	require.NoError(t, err)
	require.Equal(t, data, got)
}
