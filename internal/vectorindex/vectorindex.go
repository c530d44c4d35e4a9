// Package vectorindex is the vector view of the index: an in-memory map of
// embeddings keyed by (content hash, model), persisted as an append-only log
// in vectors.bin.
//
// Log layout: an 8 byte header ("IDXV" + uint32 version) followed by records.
// Each record is
//
//	uint32 payload length | uint32 crc32(payload) | payload
//
// and a payload is
//
//	uint8 op | uint16 len + hash | uint16 len + model | uint32 dim | dim x float32
//
// All integers and floats are little-endian. Delete records carry no vector.
// A record that is short or fails its checksum ends the log; Open truncates
// the file there, so a crash during append loses at most the torn batch.
package vectorindex

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/viant/vec/search"

	"github.com/dshills/depcontext/pkg/types"
)

// FileName is the conventional name of the log inside an index directory
const FileName = "vectors.bin"

const (
	magic         = "IDXV"
	formatVersion = uint32(1)
	headerSize    = 8
	recordHeader  = 8

	opAdd    = byte(1)
	opDelete = byte(2)

	maxPayload = 1 << 24
)

var (
	// ErrDimensionMismatch is returned when a query and stored vector differ in length
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("vector index closed")
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Key identifies one vector
type Key struct {
	Hash  string
	Model string
}

// Vector is a keyed embedding to persist
type Vector struct {
	Key    Key
	Values []float32
}

// Match is a scored hash
type Match struct {
	Hash  string
	Score float32
}

type entry struct {
	values    search.Float32s
	magnitude float32
}

// Stats describes the log
type Stats struct {
	Vectors int   // Live vectors
	Records int   // Records in the log, including superseded ones
	Bytes   int64 // File size
}

// Index is safe for concurrent use
type Index struct {
	mu      sync.RWMutex
	path    string
	file    *os.File
	size    int64
	records int
	entries map[Key]entry
}

// Open loads the log at path, creating it if missing
func Open(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, storeErr("open", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, storeErr("open", err)
	}

	idx := &Index{path: path, file: f, entries: make(map[Key]entry)}
	if err := idx.load(); err != nil {
		_ = f.Close()
		return nil, storeErr("open", err)
	}
	return idx, nil
}

func (i *Index) load() error {
	info, err := i.file.Stat()
	if err != nil {
		return err
	}
	if info.Size() < headerSize {
		// A crash while creating the log can leave a partial header; it
		// holds no records, so start over
		if info.Size() > 0 {
			log.Warn().Str("path", i.path).Int64("bytes", info.Size()).Msg("rewriting short vector log header")
			if err := i.file.Truncate(0); err != nil {
				return fmt.Errorf("truncate short header: %w", err)
			}
		}
		if _, err := i.file.WriteAt(header(), 0); err != nil {
			return err
		}
		if _, err := i.file.Seek(headerSize, io.SeekStart); err != nil {
			return err
		}
		i.size = headerSize
		return i.file.Sync()
	}

	r := bufio.NewReader(i.file)
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if string(hdr[:4]) != magic {
		return fmt.Errorf("%s is not a vector log", i.path)
	}
	if v := binary.LittleEndian.Uint32(hdr[4:]); v != formatVersion {
		return fmt.Errorf("unsupported vector log version %d", v)
	}

	offset := int64(headerSize)
	for {
		n, op, key, values, err := readRecord(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Warn().Err(err).
				Str("path", i.path).
				Int64("offset", offset).
				Int64("dropped_bytes", info.Size()-offset).
				Msg("truncating torn vector log tail")
			if err := i.file.Truncate(offset); err != nil {
				return fmt.Errorf("truncate torn tail: %w", err)
			}
			break
		}
		i.apply(op, key, values)
		i.records++
		offset += n
	}
	i.size = offset

	if _, err := i.file.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	log.Debug().Str("path", i.path).Int("vectors", len(i.entries)).Int("records", i.records).Msg("vector log loaded")
	return nil
}

func (i *Index) apply(op byte, key Key, values []float32) {
	switch op {
	case opAdd:
		v := search.Float32s(values)
		i.entries[key] = entry{values: v, magnitude: v.Magnitude()}
	case opDelete:
		delete(i.entries, key)
	}
}

// Add appends vectors and syncs the file before returning. Keys already
// present are overwritten.
func (i *Index) Add(vectors []Vector) error {
	if len(vectors) == 0 {
		return nil
	}
	var buf []byte
	for _, v := range vectors {
		if len(v.Values) == 0 {
			return storeErr("add", fmt.Errorf("empty vector for %s", v.Key.Hash))
		}
		buf = appendRecord(buf, opAdd, v.Key, v.Values)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.append(buf); err != nil {
		return storeErr("add", err)
	}
	for _, v := range vectors {
		values := make([]float32, len(v.Values))
		copy(values, v.Values)
		i.apply(opAdd, v.Key, values)
	}
	i.records += len(vectors)
	return nil
}

// Delete appends delete records for keys that are present
func (i *Index) Delete(keys []Key) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	var buf []byte
	var present []Key
	for _, k := range keys {
		if _, ok := i.entries[k]; ok {
			buf = appendRecord(buf, opDelete, k, nil)
			present = append(present, k)
		}
	}
	if len(present) == 0 {
		return nil
	}
	if err := i.append(buf); err != nil {
		return storeErr("delete", err)
	}
	for _, k := range present {
		delete(i.entries, k)
	}
	i.records += len(present)
	return nil
}

func (i *Index) append(buf []byte) error {
	if i.file == nil {
		return ErrClosed
	}
	n, err := i.file.Write(buf)
	if err != nil {
		// Roll back a partial write so the next append starts on a record boundary
		_ = i.file.Truncate(i.size)
		_, _ = i.file.Seek(i.size, io.SeekStart)
		return err
	}
	if err := i.file.Sync(); err != nil {
		return err
	}
	i.size += int64(n)
	return nil
}

// Get returns a copy of the stored vector
func (i *Index) Get(key Key) ([]float32, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	e, ok := i.entries[key]
	if !ok {
		return nil, false
	}
	out := make([]float32, len(e.values))
	copy(out, e.values)
	return out, true
}

// Has reports whether key has a vector
func (i *Index) Has(key Key) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.entries[key]
	return ok
}

// Keys returns every live key sorted by model then hash
func (i *Index) Keys() []Key {
	i.mu.RLock()
	keys := make([]Key, 0, len(i.entries))
	for k := range i.entries {
		keys = append(keys, k)
	}
	i.mu.RUnlock()
	sortKeys(keys)
	return keys
}

// Len returns the number of live vectors
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.entries)
}

// Score computes cosine similarity between query and the vectors of hashes
// under model. Hashes without a vector are left out; the result keeps the
// input order and the first occurrence of duplicates.
func (i *Index) Score(query []float32, model string, hashes []string) ([]Match, error) {
	q := search.Float32s(query)
	qm := q.Magnitude()

	i.mu.RLock()
	defer i.mu.RUnlock()

	matches := make([]Match, 0, len(hashes))
	seen := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		if seen[h] {
			continue
		}
		seen[h] = true
		e, ok := i.entries[Key{Hash: h, Model: model}]
		if !ok {
			continue
		}
		if len(e.values) != len(query) {
			return nil, fmt.Errorf("%w: query %d, stored %d", ErrDimensionMismatch, len(query), len(e.values))
		}
		var score float32
		if qm > 0 && e.magnitude > 0 {
			score = 1 - q.CosineDistanceWithMagnitude(e.values, qm, e.magnitude)
		}
		if math.IsNaN(float64(score)) {
			score = 0
		}
		matches = append(matches, Match{Hash: h, Score: score})
	}
	return matches, nil
}

// Nearest returns the top k hashes under model by cosine similarity,
// ties broken by hash. k <= 0 returns every match.
func (i *Index) Nearest(query []float32, model string, k int) ([]Match, error) {
	i.mu.RLock()
	hashes := make([]string, 0, len(i.entries))
	for key := range i.entries {
		if key.Model == model {
			hashes = append(hashes, key.Hash)
		}
	}
	i.mu.RUnlock()

	matches, err := i.Score(query, model, hashes)
	if err != nil {
		return nil, err
	}
	sort.Slice(matches, func(a, b int) bool {
		if matches[a].Score != matches[b].Score {
			return matches[a].Score > matches[b].Score
		}
		return matches[a].Hash < matches[b].Hash
	})
	if k > 0 && k < len(matches) {
		matches = matches[:k]
	}
	return matches, nil
}

// Stats reports live vectors and log size
func (i *Index) Stats() Stats {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return Stats{Vectors: len(i.entries), Records: i.records, Bytes: i.size}
}

// NeedsCompaction reports whether superseded records outnumber live ones
func (i *Index) NeedsCompaction() bool {
	st := i.Stats()
	return st.Records-st.Vectors > st.Vectors && st.Records > 64
}

// Compact rewrites the log with one add record per live vector, replacing
// the file atomically.
func (i *Index) Compact() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.file == nil {
		return storeErr("compact", ErrClosed)
	}

	keys := make([]Key, 0, len(i.entries))
	for k := range i.entries {
		keys = append(keys, k)
	}
	sortKeys(keys)

	tmp, err := os.CreateTemp(filepath.Dir(i.path), ".vectors-*.tmp")
	if err != nil {
		return storeErr("compact", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	w := bufio.NewWriter(tmp)
	size := int64(headerSize)
	if _, err := w.Write(header()); err != nil {
		cleanup()
		return storeErr("compact", err)
	}
	for _, k := range keys {
		rec := appendRecord(nil, opAdd, k, i.entries[k].values)
		if _, err := w.Write(rec); err != nil {
			cleanup()
			return storeErr("compact", err)
		}
		size += int64(len(rec))
	}
	if err := w.Flush(); err != nil {
		cleanup()
		return storeErr("compact", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return storeErr("compact", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return storeErr("compact", err)
	}
	if err := os.Rename(tmpName, i.path); err != nil {
		_ = os.Remove(tmpName)
		return storeErr("compact", err)
	}
	syncDir(filepath.Dir(i.path))

	_ = i.file.Close()
	f, err := os.OpenFile(i.path, os.O_RDWR, 0o644)
	if err != nil {
		i.file = nil
		return storeErr("compact", err)
	}
	if _, err := f.Seek(size, io.SeekStart); err != nil {
		_ = f.Close()
		i.file = nil
		return storeErr("compact", err)
	}

	before := i.records
	i.file = f
	i.size = size
	i.records = len(keys)
	log.Info().Int("records_before", before).Int("records_after", len(keys)).Msg("vector log compacted")
	return nil
}

// Path returns the log file path
func (i *Index) Path() string { return i.path }

// Close releases the file handle
func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.file == nil {
		return nil
	}
	err := i.file.Close()
	i.file = nil
	return err
}

func header() []byte {
	b := make([]byte, headerSize)
	copy(b, magic)
	binary.LittleEndian.PutUint32(b[4:], formatVersion)
	return b
}

func appendRecord(buf []byte, op byte, key Key, values []float32) []byte {
	payloadLen := 1 + 2 + len(key.Hash) + 2 + len(key.Model) + 4 + 4*len(values)
	start := len(buf)
	buf = append(buf, make([]byte, recordHeader+payloadLen)...)
	rec := buf[start:]
	payload := rec[recordHeader:]

	p := payload
	p[0] = op
	p = p[1:]
	binary.LittleEndian.PutUint16(p, uint16(len(key.Hash)))
	p = p[2:]
	p = p[copy(p, key.Hash):]
	binary.LittleEndian.PutUint16(p, uint16(len(key.Model)))
	p = p[2:]
	p = p[copy(p, key.Model):]
	binary.LittleEndian.PutUint32(p, uint32(len(values)))
	p = p[4:]
	for j, v := range values {
		binary.LittleEndian.PutUint32(p[j*4:], math.Float32bits(v))
	}

	binary.LittleEndian.PutUint32(rec[0:4], uint32(payloadLen))
	binary.LittleEndian.PutUint32(rec[4:8], crc32.Checksum(payload, crcTable))
	return buf
}

var errCorrupt = errors.New("corrupt record")

// readRecord returns the record size in bytes and its decoded fields.
// io.EOF means a clean end of log.
func readRecord(r io.Reader) (int64, byte, Key, []float32, error) {
	var hdr [recordHeader]byte
	n, err := io.ReadFull(r, hdr[:])
	if n == 0 && errors.Is(err, io.EOF) {
		return 0, 0, Key{}, nil, io.EOF
	}
	if err != nil {
		return 0, 0, Key{}, nil, fmt.Errorf("%w: short header", errCorrupt)
	}
	size := binary.LittleEndian.Uint32(hdr[0:4])
	sum := binary.LittleEndian.Uint32(hdr[4:8])
	if size < 9 || size > maxPayload {
		return 0, 0, Key{}, nil, fmt.Errorf("%w: bad length %d", errCorrupt, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, 0, Key{}, nil, fmt.Errorf("%w: short payload", errCorrupt)
	}
	if crc32.Checksum(payload, crcTable) != sum {
		return 0, 0, Key{}, nil, fmt.Errorf("%w: checksum", errCorrupt)
	}

	op, key, values, err := decodePayload(payload)
	if err != nil {
		return 0, 0, Key{}, nil, err
	}
	return int64(recordHeader + len(payload)), op, key, values, nil
}

func decodePayload(p []byte) (byte, Key, []float32, error) {
	take := func(n int) ([]byte, bool) {
		if len(p) < n {
			return nil, false
		}
		b := p[:n]
		p = p[n:]
		return b, true
	}
	bad := fmt.Errorf("%w: truncated payload", errCorrupt)

	b, ok := take(1)
	if !ok {
		return 0, Key{}, nil, bad
	}
	op := b[0]
	if op != opAdd && op != opDelete {
		return 0, Key{}, nil, fmt.Errorf("%w: unknown op %d", errCorrupt, op)
	}

	var key Key
	for _, dst := range []*string{&key.Hash, &key.Model} {
		l, ok := take(2)
		if !ok {
			return 0, Key{}, nil, bad
		}
		s, ok := take(int(binary.LittleEndian.Uint16(l)))
		if !ok {
			return 0, Key{}, nil, bad
		}
		*dst = string(s)
	}

	d, ok := take(4)
	if !ok {
		return 0, Key{}, nil, bad
	}
	dim := int(binary.LittleEndian.Uint32(d))
	raw, ok := take(4 * dim)
	if !ok || len(p) != 0 {
		return 0, Key{}, nil, bad
	}
	var values []float32
	if dim > 0 {
		values = make([]float32, dim)
		for j := range values {
			values[j] = math.Float32frombits(binary.LittleEndian.Uint32(raw[j*4:]))
		}
	}
	return op, key, values, nil
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(a, b int) bool {
		if keys[a].Model != keys[b].Model {
			return keys[a].Model < keys[b].Model
		}
		return keys[a].Hash < keys[b].Hash
	})
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func storeErr(op string, err error) error {
	return &types.StoreError{Layer: types.LayerVector, Op: op, Err: err}
}
