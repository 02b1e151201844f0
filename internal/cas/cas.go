// Package cas implements the content-addressed object store. Objects are
// keyed by the BLAKE3 digest of their uncompressed content and live in a
// three-level sharded tree under <root>/objects. Writes are atomic
// (temp-file + rename), reads verify content against the digest, and a
// verification failure is reported as "not found" rather than wrong bytes.
package cas

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/Hardonian/Requiem/internal/hasher"
	"github.com/Hardonian/Requiem/internal/telemetry"
)

// Encoding selects how the payload is stored on disk. It never affects the
// digest: the key is always the hash of the uncompressed content.
type Encoding string

const (
	EncodingOff  Encoding = "off"
	EncodingZstd Encoding = "zstd"
)

// ErrNotFound is returned for missing objects, invalid digests, and objects
// that fail content verification.
var ErrNotFound = stderrors.New("cas: object not found")

// ObjectInfo is the sidecar metadata stored next to each object.
type ObjectInfo struct {
	OriginalSize int64    `json:"original_size"`
	Encoding     Encoding `json:"encoding"`
}

// Status summarizes the store contents.
type Status struct {
	Root           string           `json:"root"`
	ObjectCount    int              `json:"object_count"`
	TotalSizeBytes int64            `json:"total_size_bytes"`
	ByEncoding     map[Encoding]int `json:"by_encoding"`
}

// Store is one tenant's content-addressed store. Stores for different
// tenants are rooted at distinct directories and share no index; a digest
// valid in one root is simply absent in another.
type Store struct {
	root string
	log  *zap.Logger
	m    *telemetry.Metrics
	enc  *zstd.Encoder
	dec  *zstd.Decoder
}

// New opens (creating if needed) a store rooted at root.
func New(root string, log *zap.Logger, m *telemetry.Metrics) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, stderrors.New("cas root is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Join(root, "objects"), 0o755); err != nil {
		return nil, fmt.Errorf("create cas root: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}
	return &Store{root: root, log: log.Named("cas"), m: m, enc: enc, dec: dec}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// Put stores data and returns its digest. Identical content always maps to
// one on-disk object; a second put of the same bytes is a no-op. If the
// existing object fails verification it is treated as corrupt and replaced
// with the correct bytes.
func (s *Store) Put(data []byte, enc Encoding) (string, error) {
	digest := hasher.HashBytes(data)
	if s.m != nil {
		s.m.CASPuts.Inc()
	}

	if s.existsValid(digest) {
		return digest, nil
	}

	payload := data
	if enc == EncodingZstd {
		payload = s.enc.EncodeAll(data, nil)
	} else {
		enc = EncodingOff
	}
	info := ObjectInfo{OriginalSize: int64(len(data)), Encoding: enc}
	if err := s.commit(digest, payload, info); err != nil {
		return "", err
	}
	return digest, nil
}

// PutFile stores the content of a file, streaming it through the hasher, and
// returns its digest. Used for declared execution outputs.
func (s *Store) PutFile(path string, enc Encoding) (string, error) {
	digest, size, err := hashFileStream(path)
	if err != nil {
		return "", err
	}
	if s.m != nil {
		s.m.CASPuts.Inc()
	}
	if s.existsValid(digest) {
		return digest, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open source: %w", err)
	}
	defer f.Close()

	if enc != EncodingZstd {
		enc = EncodingOff
	}
	info := ObjectInfo{OriginalSize: size, Encoding: enc}
	if err := s.commitFrom(digest, f, info); err != nil {
		return "", err
	}
	return digest, nil
}

// Get returns the uncompressed content for a digest, or ErrNotFound for a
// missing, invalid, or corrupt object. A verification mismatch never returns
// the wrong bytes.
func (s *Store) Get(digest string) ([]byte, error) {
	if !hasher.ValidDigest(digest) {
		return nil, ErrNotFound
	}
	if s.m != nil {
		s.m.CASGets.Inc()
	}
	data, err := s.readVerified(digest)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Contains reports existence only; it does not verify content.
func (s *Store) Contains(digest string) bool {
	if !hasher.ValidDigest(digest) {
		return false
	}
	_, err := os.Stat(s.objectPath(digest))
	return err == nil
}

// Info returns the sidecar metadata for a digest.
func (s *Store) Info(digest string) (ObjectInfo, error) {
	if !hasher.ValidDigest(digest) {
		return ObjectInfo{}, ErrNotFound
	}
	return s.readInfo(digest)
}

// Verify re-reads an object and checks its content digest.
func (s *Store) Verify(digest string) error {
	if _, err := s.Get(digest); err != nil {
		return err
	}
	return nil
}

// ScanObjects returns every digest present in the store, sorted.
func (s *Store) ScanObjects() ([]string, error) {
	var digests []string
	err := s.walkObjects(func(digest, path string) error {
		digests = append(digests, digest)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(digests)
	return digests, nil
}

// ObjectCount returns the number of stored objects.
func (s *Store) ObjectCount() (int, error) {
	n := 0
	err := s.walkObjects(func(string, string) error { n++; return nil })
	return n, err
}

// Status summarizes the store.
func (s *Store) Status() (*Status, error) {
	st := &Status{Root: s.root, ByEncoding: map[Encoding]int{}}
	err := s.walkObjects(func(digest, path string) error {
		st.ObjectCount++
		if fi, err := os.Stat(path); err == nil {
			st.TotalSizeBytes += fi.Size()
		}
		info, err := s.readInfo(digest)
		if err != nil {
			st.ByEncoding[EncodingOff]++
			return nil
		}
		st.ByEncoding[info.Encoding]++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// GC removes stray temp files left by interrupted writes. It never removes
// objects.
func (s *Store) GC() (int, error) {
	removed := 0
	root := filepath.Join(s.root, "objects")
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if strings.Contains(d.Name(), ".tmp") {
			if rmErr := os.Remove(path); rmErr == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil && !stderrors.Is(err, os.ErrNotExist) {
		return removed, err
	}
	return removed, nil
}

func (s *Store) objectPath(digest string) string {
	return filepath.Join(s.root, "objects", digest[0:2], digest[2:4], digest)
}

func (s *Store) infoPath(digest string) string {
	return s.objectPath(digest) + ".info"
}

// existsValid reports whether the object exists and verifies. A corrupt
// existing object reads as absent so the caller rewrites it.
func (s *Store) existsValid(digest string) bool {
	if _, err := os.Stat(s.objectPath(digest)); err != nil {
		return false
	}
	_, err := s.readVerified(digest)
	return err == nil
}

// readVerified loads, decodes, and verifies an object. Any mismatch between
// content and digest yields ErrNotFound; the corrupt bytes never escape.
func (s *Store) readVerified(digest string) ([]byte, error) {
	payload, err := os.ReadFile(s.objectPath(digest))
	if err != nil {
		return nil, ErrNotFound
	}

	info, infoErr := s.readInfo(digest)
	data := payload
	if infoErr == nil && info.Encoding == EncodingZstd {
		decoded, err := s.dec.DecodeAll(payload, nil)
		if err != nil {
			s.integrityFailure(digest, "zstd decode failed")
			return nil, ErrNotFound
		}
		data = decoded
	}

	if hasher.HashBytes(data) != digest {
		s.integrityFailure(digest, "content digest mismatch")
		return nil, ErrNotFound
	}
	return data, nil
}

func (s *Store) integrityFailure(digest, reason string) {
	if s.m != nil {
		s.m.CASIntegrityFails.Inc()
	}
	s.log.Warn("object failed verification",
		zap.String("digest", digest),
		zap.String("reason", reason))
}

func (s *Store) readInfo(digest string) (ObjectInfo, error) {
	b, err := os.ReadFile(s.infoPath(digest))
	if err != nil {
		return ObjectInfo{}, ErrNotFound
	}
	var info ObjectInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return ObjectInfo{}, ErrNotFound
	}
	return info, nil
}

// commit writes payload and sidecar atomically: both land under temp names in
// the final directory, then rename into place. A crash mid-commit leaves at
// worst a stray temp file for GC.
func (s *Store) commit(digest string, payload []byte, info ObjectInfo) error {
	path := s.objectPath(digest)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), digest+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp object: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp object: %w", err)
	}

	if err := s.writeInfo(digest, info); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		// A concurrent writer may have won the race with identical content.
		if s.existsValid(digest) {
			return nil
		}
		return fmt.Errorf("commit object: %w", err)
	}
	return nil
}

// commitFrom streams r into the object file, encoding if requested.
func (s *Store) commitFrom(digest string, r io.Reader, info ObjectInfo) error {
	path := s.objectPath(digest)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), digest+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp object: %w", err)
	}
	tmpName := tmp.Name()

	var werr error
	if info.Encoding == EncodingZstd {
		zw, err := zstd.NewWriter(tmp)
		if err != nil {
			werr = err
		} else if _, err := io.Copy(zw, r); err != nil {
			werr = err
		} else {
			werr = zw.Close()
		}
	} else {
		_, werr = io.Copy(tmp, r)
	}
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write temp object: %w", werr)
	}

	if err := s.writeInfo(digest, info); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		if s.existsValid(digest) {
			return nil
		}
		return fmt.Errorf("commit object: %w", err)
	}
	return nil
}

func (s *Store) writeInfo(digest string, info ObjectInfo) error {
	b, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal sidecar: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.infoPath(digest)), digest+".info.*.tmp")
	if err != nil {
		return fmt.Errorf("create temp sidecar: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp sidecar: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp sidecar: %w", err)
	}
	if err := os.Rename(tmpName, s.infoPath(digest)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit sidecar: %w", err)
	}
	return nil
}

func (s *Store) walkObjects(fn func(digest, path string) error) error {
	root := filepath.Join(s.root, "objects")
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if stderrors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !hasher.ValidDigest(name) {
			return nil
		}
		return fn(name, path)
	})
	if err != nil && !stderrors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// hashFileStream hashes a file in chunks and returns its digest and size.
func hashFileStream(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := hasher.NewStream()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return h.SumHex(), n, nil
}
