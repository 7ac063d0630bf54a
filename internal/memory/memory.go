// Package memory implements the bounded context store shared by all phases.
// Records live in three tiers: hot (full fidelity), warm (compressed
// summary), cold (archived reference). Total size across tiers never
// exceeds the configured budget; eviction removes least-recently-accessed
// records, cold tier first, and never touches hot records pinned by an
// in-flight task.
package memory

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/aristath/paperforge/internal/fault"
)

// Tier is the fidelity level of a stored record.
type Tier int

const (
	TierHot Tier = iota
	TierWarm
	TierCold
)

func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierWarm:
		return "warm"
	case TierCold:
		return "cold"
	default:
		return "unknown"
	}
}

// Record is one entry in the context store.
type Record struct {
	Key     string
	Payload string
	Tier    Tier
	Size    int
	// lastAccess is a monotonic touch counter, not wall-clock time, so
	// LRU ordering is exact even for accesses within the same tick.
	lastAccess int64
}

// KeyInfo is the snapshot view of a record: everything except the payload.
type KeyInfo struct {
	Key  string
	Tier Tier
	Size int
}

// Stats summarizes store occupancy.
type Stats struct {
	Records int
	Total   int
	Budget  int
	PerTier map[Tier]int // record count per tier
}

// Store is the tiered bounded context store.
type Store struct {
	budget     int
	compressor Compressor
	onEvict    func(count, freedBytes int)

	writers *keyLocks          // serializes writers per key
	fill    singleflight.Group // dedupes concurrent regeneration of one key

	mu      sync.Mutex
	records map[string]*Record
	total   int
	clock   int64
	// pins: key -> task IDs holding it, and the reverse for Release.
	pinsByKey  map[string]map[string]bool
	pinsByTask map[string]map[string]bool
}

// Option configures a Store.
type Option func(*Store)

// WithCompressor replaces the default summarization strategy.
func WithCompressor(c Compressor) Option {
	return func(s *Store) { s.compressor = c }
}

// WithEvictionNotify registers a callback invoked after evictions, outside
// the store lock, with the number of records and bytes freed.
func WithEvictionNotify(fn func(count, freedBytes int)) Option {
	return func(s *Store) { s.onEvict = fn }
}

// New creates a store with the given total-size budget in bytes.
func New(budget int, opts ...Option) *Store {
	s := &Store{
		budget:     budget,
		compressor: IdentifierCompressor{},
		writers:    newKeyLocks(),
		records:    make(map[string]*Record),
		pinsByKey:  make(map[string]map[string]bool),
		pinsByTask: make(map[string]map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put writes a payload at hot tier. If the write would push total size over
// budget, least-recently-accessed records are evicted first (cold, then
// warm, then unpinned hot). When eviction cannot free enough space without
// removing pinned hot records, Put returns ContextPressureError and the
// store is unchanged.
func (s *Store) Put(key, payload string) error {
	s.writers.lock(key)
	defer s.writers.unlock(key)
	return s.putSerialized(key, payload)
}

// PutAll writes several records, locking all keys up front in sorted order
// and committing them in sorted order for determinism. On pressure the
// already-committed keys remain; the error names the key that did not fit.
func (s *Store) PutAll(payloads map[string]string) error {
	keys := make([]string, 0, len(payloads))
	for key := range payloads {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	s.writers.lockAll(keys)
	defer s.writers.unlockAll(keys)

	for _, key := range keys {
		if err := s.putSerialized(key, payloads[key]); err != nil {
			return fmt.Errorf("committing %q: %w", key, err)
		}
	}
	return nil
}

// putSerialized is Put after per-key writer serialization.
func (s *Store) putSerialized(key, payload string) error {
	size := len(payload)

	s.mu.Lock()

	delta := size
	if existing, ok := s.records[key]; ok {
		delta = size - existing.Size
	}

	evicted, freed, err := s.ensureBudgetLocked(s.total+delta-s.budget, key)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	if existing, ok := s.records[key]; ok {
		s.total -= existing.Size
	}
	s.clock++
	s.records[key] = &Record{
		Key:        key,
		Payload:    payload,
		Tier:       TierHot,
		Size:       size,
		lastAccess: s.clock,
	}
	s.total += size

	notify := s.onEvict
	s.mu.Unlock()

	if evicted > 0 && notify != nil {
		notify(evicted, freed)
	}
	return nil
}

// ensureBudgetLocked frees at least need bytes, or returns
// ContextPressureError leaving the store unchanged. The key being written
// is never evicted. Caller holds s.mu.
func (s *Store) ensureBudgetLocked(need int, writingKey string) (evicted, freed int, err error) {
	if need <= 0 {
		return 0, 0, nil
	}

	// Candidates in eviction order: cold LRU, then warm LRU, then hot
	// records nobody has pinned.
	var candidates []*Record
	for _, tier := range []Tier{TierCold, TierWarm, TierHot} {
		var inTier []*Record
		for _, rec := range s.records {
			if rec.Tier != tier || rec.Key == writingKey {
				continue
			}
			if tier == TierHot && len(s.pinsByKey[rec.Key]) > 0 {
				continue
			}
			inTier = append(inTier, rec)
		}
		sort.Slice(inTier, func(i, j int) bool {
			return inTier[i].lastAccess < inTier[j].lastAccess
		})
		candidates = append(candidates, inTier...)
	}

	reclaimable := 0
	for _, rec := range candidates {
		reclaimable += rec.Size
	}
	if reclaimable < need {
		held := 0
		for key, pins := range s.pinsByKey {
			if len(pins) == 0 {
				continue
			}
			if rec, ok := s.records[key]; ok && rec.Tier == TierHot {
				held += rec.Size
			}
		}
		return 0, 0, &fault.ContextPressureError{
			Requested: need,
			Budget:    s.budget,
			Held:      held,
		}
	}

	for _, rec := range candidates {
		if need <= 0 {
			break
		}
		delete(s.records, rec.Key)
		s.total -= rec.Size
		need -= rec.Size
		freed += rec.Size
		evicted++
	}
	return evicted, freed, nil
}

// Get returns the payload for key and refreshes its access time. A warm or
// cold record is promoted one tier; the payload itself is returned as
// stored (a cold record yields its archive stub until regenerated).
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return "", false
	}
	s.clock++
	rec.lastAccess = s.clock
	switch rec.Tier {
	case TierWarm:
		rec.Tier = TierHot
	case TierCold:
		rec.Tier = TierWarm
	}
	return rec.Payload, true
}

// Tier reports the record's current tier.
func (s *Store) Tier(key string) (Tier, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return 0, false
	}
	return rec.Tier, true
}

// Fill returns the existing payload or, when the key is absent (never
// written, or evicted and gone for good), regenerates it with fn and
// stores the result. Concurrent fills of the same key collapse into one
// fn call.
func (s *Store) Fill(key string, fn func() (string, error)) (string, error) {
	if payload, ok := s.Get(key); ok {
		return payload, nil
	}
	payload, err, _ := s.fill.Do(key, func() (any, error) {
		if existing, ok := s.Get(key); ok {
			return existing, nil
		}
		generated, err := fn()
		if err != nil {
			return "", err
		}
		if err := s.Put(key, generated); err != nil {
			return "", err
		}
		return generated, nil
	})
	if err != nil {
		return "", err
	}
	return payload.(string), nil
}

// Compress demotes a hot record to warm, replacing its payload with the
// compressor's summary when that summary is smaller. Warm and cold records
// are left as they are. The access time is not refreshed; compression is
// maintenance, not a read.
func (s *Store) Compress(key string) error {
	s.writers.lock(key)
	defer s.writers.unlock(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return fmt.Errorf("no record for key %q", key)
	}
	if rec.Tier != TierHot {
		return nil
	}

	summary := s.compressor.Compress(rec.Payload)
	if len(summary) < len(rec.Payload) {
		s.total += len(summary) - rec.Size
		rec.Payload = summary
		rec.Size = len(summary)
	}
	rec.Tier = TierWarm
	return nil
}

// Demote archives a warm record to cold, replacing its payload with a
// reference stub. A cold record stays cold; demoting a hot record is an
// error (compress it first).
func (s *Store) Demote(key string) error {
	s.writers.lock(key)
	defer s.writers.unlock(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return fmt.Errorf("no record for key %q", key)
	}
	switch rec.Tier {
	case TierHot:
		return fmt.Errorf("record %q is hot; compress before demoting", key)
	case TierCold:
		return nil
	}

	stub := fmt.Sprintf("[archived %s, %d bytes]", key, rec.Size)
	s.total += len(stub) - rec.Size
	rec.Payload = stub
	rec.Size = len(stub)
	rec.Tier = TierCold
	return nil
}

// Acquire pins keys on behalf of an in-flight task. Pinned hot records are
// exempt from eviction until released. Pinning a key that has no record
// yet is allowed; the pin applies once the record exists.
func (s *Store) Acquire(taskID string, keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	held := s.pinsByTask[taskID]
	if held == nil {
		held = make(map[string]bool)
		s.pinsByTask[taskID] = held
	}
	for _, key := range keys {
		pins := s.pinsByKey[key]
		if pins == nil {
			pins = make(map[string]bool)
			s.pinsByKey[key] = pins
		}
		pins[taskID] = true
		held[key] = true
	}
}

// Release drops every pin the task holds.
func (s *Store) Release(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.pinsByTask[taskID] {
		delete(s.pinsByKey[key], taskID)
		if len(s.pinsByKey[key]) == 0 {
			delete(s.pinsByKey, key)
		}
	}
	delete(s.pinsByTask, taskID)
}

// Keys returns snapshot metadata for every record, sorted by key.
func (s *Store) Keys() []KeyInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]KeyInfo, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, KeyInfo{Key: rec.Key, Tier: rec.Tier, Size: rec.Size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Stats returns current occupancy.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Records: len(s.records),
		Total:   s.total,
		Budget:  s.budget,
		PerTier: make(map[Tier]int),
	}
	for _, rec := range s.records {
		st.PerTier[rec.Tier]++
	}
	return st
}
