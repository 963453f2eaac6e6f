package cache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/scriptrun/pkg/models"
)

// Limits bound a MemoryStore. Zero fields mean no bound.
type Limits struct {
	MaxEntries int
	TTL        time.Duration
}

// MemoryStore keeps entries in a map. Used for the ephemeral tier and as the
// default persistent backend. Expired entries read as misses; once the store
// is full, Put first drops expired entries, then the oldest ones.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*models.CacheEntry
	limits  Limits
	now     func() time.Time
}

// NewMemoryStore creates an empty, unbounded in-memory store.
func NewMemoryStore() *MemoryStore {
	return NewBoundedMemoryStore(Limits{})
}

// NewBoundedMemoryStore creates an empty store that enforces limits.
func NewBoundedMemoryStore(limits Limits) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*models.CacheEntry),
		limits:  limits,
		now:     time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, fingerprint string) (*models.CacheEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[fingerprint]
	if !ok || m.expired(e, m.now()) {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

// Put stores entry unless the fingerprint is already present.
func (m *MemoryStore) Put(_ context.Context, entry *models.CacheEntry) error {
	m.put(entry)
	return nil
}

func (m *MemoryStore) put(entry *models.CacheEntry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[entry.Fingerprint]; ok && !m.expired(e, m.now()) {
		return false
	}
	if limit := m.limits.MaxEntries; limit > 0 && len(m.entries) >= limit {
		// Free a tenth of the room at once so a full store does not sort on
		// every write.
		m.pruneLocked(limit - 1 - limit/10)
	}
	cp := *entry
	m.entries[entry.Fingerprint] = &cp
	return true
}

// Prune drops expired entries and, past MaxEntries, the oldest ones. It
// returns the number removed.
func (m *MemoryStore) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	target := len(m.entries)
	if m.limits.MaxEntries > 0 && target > m.limits.MaxEntries {
		target = m.limits.MaxEntries
	}
	return m.pruneLocked(target)
}

// pruneLocked drops expired entries, then the oldest until at most target
// remain.
func (m *MemoryStore) pruneLocked(target int) int {
	now := m.now()
	removed := 0
	for fp, e := range m.entries {
		if m.expired(e, now) {
			delete(m.entries, fp)
			removed++
		}
	}

	if extra := len(m.entries) - target; extra > 0 {
		entries := make([]*models.CacheEntry, 0, len(m.entries))
		for _, e := range m.entries {
			entries = append(entries, e)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
		for _, e := range entries[:extra] {
			delete(m.entries, e.Fingerprint)
			removed++
		}
	}
	return removed
}

func (m *MemoryStore) expired(e *models.CacheEntry, now time.Time) bool {
	return m.limits.TTL > 0 && now.Sub(e.CreatedAt) > m.limits.TTL
}

// Len returns the number of entries, expired ones included until pruned.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryStore) Close() error { return nil }

// ── File-backed store ───────────────────────────────────────

// FileStore is a MemoryStore persisted to a JSON snapshot file. Writes are
// coalesced and flushed at most every saveDelay; Close forces a final flush.
type FileStore struct {
	*MemoryStore

	path      string
	saveDelay time.Duration
	saveMu    sync.Mutex    // guards file writes
	saveCh    chan struct{} // debounce channel
	doneCh    chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
}

// NewFileStore loads path if it exists and starts the background saver.
// Entries past limits are pruned on load.
func NewFileStore(path string, limits Limits) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f := &FileStore{
		MemoryStore: NewBoundedMemoryStore(limits),
		path:        path,
		saveDelay:   500 * time.Millisecond,
		saveCh:      make(chan struct{}, 1),
		doneCh:      make(chan struct{}),
		loopDone:    make(chan struct{}),
	}
	if err := f.load(); err != nil {
		return nil, err
	}
	f.Prune()
	go f.saveLoop()

	log.Info().Str("path", path).Int("entries", f.Len()).Msg("File cache loaded")
	return f, nil
}

// Put stores entry and schedules a snapshot write.
func (f *FileStore) Put(_ context.Context, entry *models.CacheEntry) error {
	if f.put(entry) {
		f.requestSave()
	}
	return nil
}

// requestSave is non-blocking; rapid writes collapse into one flush.
func (f *FileStore) requestSave() {
	select {
	case f.saveCh <- struct{}{}:
	default:
	}
}

func (f *FileStore) saveLoop() {
	defer close(f.loopDone)
	for {
		select {
		case <-f.doneCh:
			return
		case <-f.saveCh:
			select {
			case <-time.After(f.saveDelay):
			case <-f.doneCh:
				return
			}
			f.save()
		}
	}
}

func (f *FileStore) save() {
	f.mu.RLock()
	data, err := json.Marshal(f.entries)
	f.mu.RUnlock()
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal cache snapshot")
		return
	}

	f.saveMu.Lock()
	defer f.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write cache snapshot")
		return
	}
	if err := os.Rename(tmp, f.path); err != nil {
		log.Error().Err(err).Str("path", f.path).Msg("Failed to rename cache snapshot")
		return
	}
	log.Debug().Str("path", f.path).Msg("Cache snapshot saved")
}

func (f *FileStore) load() error {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	entries := make(map[string]*models.CacheEntry)
	if err := json.Unmarshal(data, &entries); err != nil {
		log.Warn().Err(err).Str("path", f.path).Msg("Corrupt cache snapshot, starting empty")
		return nil
	}
	f.mu.Lock()
	f.entries = entries
	f.mu.Unlock()
	return nil
}

// Close stops the saver and flushes. Safe to call more than once, also
// concurrently.
func (f *FileStore) Close() error {
	f.closeOnce.Do(func() {
		close(f.doneCh)
		<-f.loopDone
		f.save()
	})
	return nil
}
