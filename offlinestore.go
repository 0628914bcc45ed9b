package crewdeck

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// ============================================================================
// OfflineStore
// ============================================================================
//
// One embedded pebble database with three key namespaces:
//
//	queue!<8-byte big-endian id>   append-only request log (FIFO by key order)
//	api!<url>                      API response cache, network-first fallback
//	static!<version>!<url>         versioned static-asset cache
//
// Queue writes are synced — a request diverted into the log must survive a
// crash. Cache writes are best-effort.

const (
	queueKeyPrefix  = "queue!"
	queueSeqKey     = "queue_seq"
	apiKeyPrefix    = "api!"
	staticKeyPrefix = "static!"

	activeVersionKey = "static_version"
)

// QueueEntry is one logged mutating request awaiting replay.
type QueueEntry struct {
	ID        uint64            `json:"-"`
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      []byte            `json:"body,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// CachedResponse is a stored HTTP response, replayable as a synthetic reply.
type CachedResponse struct {
	Status int         `json:"status"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body,omitempty"`
}

// OfflineStore is the durable backing of the offline worker.
type OfflineStore struct {
	db *pebble.DB
	mu sync.Mutex // serializes queue id allocation
}

// OpenOfflineStore opens (or creates) the store at path.
func OpenOfflineStore(path string) (*OfflineStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open offline store: %w", err)
	}
	return &OfflineStore{db: db}, nil
}

// Close closes the underlying database.
func (s *OfflineStore) Close() error {
	return s.db.Close()
}

// ── Request log ───────────────────────────────────────────

func queueKey(id uint64) []byte {
	key := make([]byte, len(queueKeyPrefix)+8)
	copy(key, queueKeyPrefix)
	binary.BigEndian.PutUint64(key[len(queueKeyPrefix):], id)
	return key
}

// Enqueue appends a request to the log and returns its id. The write is
// synced before returning: once Enqueue succeeds, the request is not lost.
func (s *OfflineStore) Enqueue(e QueueEntry) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next uint64 = 1
	val, closer, err := s.db.Get([]byte(queueSeqKey))
	if err == nil {
		next = binary.BigEndian.Uint64(val) + 1
		closer.Close()
	} else if err != pebble.ErrNotFound {
		return 0, fmt.Errorf("read queue sequence: %w", err)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("encode queue entry: %w", err)
	}

	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], next)
	batch := s.db.NewBatch()
	batch.Set([]byte(queueSeqKey), seq[:], nil)
	batch.Set(queueKey(next), data, nil)
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("append queue entry: %w", err)
	}
	return next, nil
}

// Queue returns every logged entry in insertion order.
func (s *OfflineStore) Queue() ([]QueueEntry, error) {
	iter, err := s.newPrefixIter(queueKeyPrefix)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var entries []QueueEntry
	for iter.First(); iter.Valid(); iter.Next() {
		var e QueueEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("decode queue entry: %w", err)
		}
		e.ID = binary.BigEndian.Uint64(iter.Key()[len(queueKeyPrefix):])
		entries = append(entries, e)
	}
	return entries, iter.Error()
}

// DeleteEntry removes one replayed entry. Synced: a confirmed replay must
// never be re-submitted.
func (s *OfflineStore) DeleteEntry(id uint64) error {
	return s.db.Delete(queueKey(id), pebble.Sync)
}

// QueueLen counts the logged entries.
func (s *OfflineStore) QueueLen() (int, error) {
	iter, err := s.newPrefixIter(queueKeyPrefix)
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}

// ── Response caches ───────────────────────────────────────

// PutAPI stores the latest good response for an API URL.
func (s *OfflineStore) PutAPI(url string, r *CachedResponse) error {
	return s.putCached(apiKeyPrefix+url, r)
}

// GetAPI returns the cached response for an API URL, if any.
func (s *OfflineStore) GetAPI(url string) (*CachedResponse, bool) {
	return s.getCached(apiKeyPrefix + url)
}

// PutStatic stores a static-asset response under a cache version.
func (s *OfflineStore) PutStatic(version, url string, r *CachedResponse) error {
	return s.putCached(staticKeyPrefix+version+"!"+url, r)
}

// GetStatic returns a versioned static-asset response, if any.
func (s *OfflineStore) GetStatic(version, url string) (*CachedResponse, bool) {
	return s.getCached(staticKeyPrefix + version + "!" + url)
}

// ActiveVersion returns the currently serving static cache version, or ""
// when none has been recorded yet.
func (s *OfflineStore) ActiveVersion() (string, error) {
	val, closer, err := s.db.Get([]byte(activeVersionKey))
	if err == pebble.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read active version: %w", err)
	}
	defer closer.Close()
	return string(val), nil
}

// SetActiveVersion records the serving static cache version.
func (s *OfflineStore) SetActiveVersion(v string) error {
	return s.db.Set([]byte(activeVersionKey), []byte(v), pebble.Sync)
}

// DropStaticExcept deletes every static entry not under keep. This is the
// activation step of a cache-version rollover.
func (s *OfflineStore) DropStaticExcept(keep string) error {
	iter, err := s.newPrefixIter(staticKeyPrefix)
	if err != nil {
		return err
	}
	defer iter.Close()

	keepPrefix := staticKeyPrefix + keep + "!"
	batch := s.db.NewBatch()
	for iter.First(); iter.Valid(); iter.Next() {
		if !strings.HasPrefix(string(iter.Key()), keepPrefix) {
			key := append([]byte(nil), iter.Key()...)
			batch.Delete(key, nil)
		}
	}
	if err := iter.Error(); err != nil {
		batch.Close()
		return err
	}
	return batch.Commit(pebble.Sync)
}

// ── Internals ─────────────────────────────────────────────

func (s *OfflineStore) putCached(key string, r *CachedResponse) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode cached response: %w", err)
	}
	return s.db.Set([]byte(key), data, pebble.NoSync)
}

func (s *OfflineStore) getCached(key string) (*CachedResponse, bool) {
	val, closer, err := s.db.Get([]byte(key))
	if err != nil {
		return nil, false
	}
	defer closer.Close()
	var r CachedResponse
	if json.Unmarshal(val, &r) != nil {
		return nil, false
	}
	return &r, true
}

func (s *OfflineStore) newPrefixIter(prefix string) (*pebble.Iterator, error) {
	return s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound([]byte(prefix)),
	})
}

func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil // prefix is all 0xff; no upper bound
}
