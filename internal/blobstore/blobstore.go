package blobstore

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/dshills/depcontext/pkg/types"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a blob is absent
var ErrNotFound = errors.New("blob not found")

// RefCounter persists blob reference counts.
// Implementations must make each call atomic for a single hash.
type RefCounter interface {
	// IncrementBlobRef adds one reference, creating the row at 1
	IncrementBlobRef(ctx context.Context, hash string, size int64) (int64, error)
	// DecrementBlobRef removes one reference and returns the remainder;
	// the row is deleted when it reaches zero
	DecrementBlobRef(ctx context.Context, hash string) (int64, error)
	// BlobRefCount returns the current count, 0 if unknown
	BlobRefCount(ctx context.Context, hash string) (int64, error)
	// ListBlobRefs returns every hash with a positive count
	ListBlobRefs(ctx context.Context) (map[string]int64, error)
}

const stripes = 64

// Store is a content-addressed, reference-counted file store rooted at a directory.
// Blobs live at <root>/<hh>/<hash>, written through a temp file and rename.
type Store struct {
	root string
	refs RefCounter
	mu   [stripes]sync.Mutex
}

// Stats summarizes the blob store
type Stats struct {
	Blobs      int
	References int64
	Bytes      int64
}

// New opens (creating if needed) a store at root
func New(root string, refs RefCounter) (*Store, error) {
	if refs == nil {
		return nil, errors.New("blobstore: ref counter is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, storeErr("open", err)
	}
	return &Store{root: root, refs: refs}, nil
}

// Root returns the store directory
func (s *Store) Root() string { return s.root }

func (s *Store) lock(hash string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(hash))
	m := &s.mu[h.Sum32()%stripes]
	m.Lock()
	return m.Unlock
}

func (s *Store) path(hash string) string {
	return filepath.Join(s.root, hash[:2], hash)
}

// Put stores data (if absent) and adds one reference, returning its hash
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	hash := types.HashBytes(data)
	defer s.lock(hash)()

	p := s.path(hash)
	if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
		if err := writeAtomic(p, data); err != nil {
			return "", storeErr("put", err)
		}
	} else if err != nil {
		return "", storeErr("put", err)
	}

	if _, err := s.refs.IncrementBlobRef(ctx, hash, int64(len(data))); err != nil {
		return "", storeErr("put", err)
	}
	return hash, nil
}

// Get returns the bytes of a blob
func (s *Store) Get(_ context.Context, hash string) ([]byte, error) {
	if !validHash(hash) {
		return nil, storeErr("get", fmt.Errorf("invalid hash %q", hash))
	}
	data, err := os.ReadFile(s.path(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storeErr("get", fmt.Errorf("%s: %w", hash, ErrNotFound))
	}
	if err != nil {
		return nil, storeErr("get", err)
	}
	if types.HashBytes(data) != hash {
		return nil, storeErr("get", fmt.Errorf("blob %s is corrupt", hash))
	}
	return data, nil
}

// Exists reports whether the blob file is present
func (s *Store) Exists(hash string) bool {
	if !validHash(hash) {
		return false
	}
	_, err := os.Stat(s.path(hash))
	return err == nil
}

// Release drops one reference and deletes the blob when none remain
func (s *Store) Release(ctx context.Context, hash string) (int64, error) {
	if !validHash(hash) {
		return 0, storeErr("release", fmt.Errorf("invalid hash %q", hash))
	}
	defer s.lock(hash)()

	remaining, err := s.refs.DecrementBlobRef(ctx, hash)
	if err != nil {
		return 0, storeErr("release", err)
	}
	if remaining > 0 {
		return remaining, nil
	}
	if err := os.Remove(s.path(hash)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, storeErr("release", err)
	}
	log.Debug().Str("blob", hash).Msg("blob deleted")
	return 0, nil
}

// RefCount returns the persisted reference count of hash
func (s *Store) RefCount(ctx context.Context, hash string) (int64, error) {
	n, err := s.refs.BlobRefCount(ctx, hash)
	if err != nil {
		return 0, storeErr("refcount", err)
	}
	return n, nil
}

// Sweep deletes blob files that have no reference row and returns how many
func (s *Store) Sweep(ctx context.Context) (int, error) {
	live, err := s.refs.ListBlobRefs(ctx)
	if err != nil {
		return 0, storeErr("sweep", err)
	}

	removed := 0
	err = s.walk(func(hash, p string, _ int64) error {
		if _, ok := live[hash]; ok {
			return nil
		}
		unlock := s.lock(hash)
		defer unlock()
		// Re-check under the stripe lock to avoid racing a concurrent Put
		if n, err := s.refs.BlobRefCount(ctx, hash); err != nil || n > 0 {
			return err
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, storeErr("sweep", err)
	}
	if removed > 0 {
		log.Info().Int("blobs", removed).Msg("swept unreferenced blobs")
	}
	return removed, nil
}

// Stats counts blob files, bytes and persisted references
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.walk(func(_, _ string, size int64) error {
		st.Blobs++
		st.Bytes += size
		return nil
	})
	if err != nil {
		return st, storeErr("stats", err)
	}
	refs, err := s.refs.ListBlobRefs(ctx)
	if err != nil {
		return st, storeErr("stats", err)
	}
	for _, n := range refs {
		st.References += n
	}
	return st, nil
}

func (s *Store) walk(fn func(hash, path string, size int64) error) error {
	return filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !validHash(name) {
			// Leftover temp files from an interrupted write
			if filepath.Ext(name) == ".tmp" {
				_ = os.Remove(p)
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return fn(name, p, info.Size())
	})
}

func writeAtomic(p string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".blob-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p)
}

func validHash(h string) bool {
	if len(h) != 64 {
		return false
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func storeErr(op string, err error) error {
	return &types.StoreError{Layer: types.LayerBlob, Op: op, Err: err}
}
