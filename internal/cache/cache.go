// Package cache remembers composited tile output so repeated redraws of
// the same tile skip the compositor.
package cache

import (
	"context"
	"fmt"
	"image"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/seaview-tiles/server/internal/gpu"
)

// Config contains cache configuration.
type Config struct {
	// SnapshotCacheSizeMB bounds the composited frames held in memory.
	SnapshotCacheSizeMB int
	// OutputCacheSizeMB bounds encoded output tiles in bigcache.
	OutputCacheSizeMB int
	SnapshotTTL       time.Duration
	MaxTiles          int
}

// TileRuntimeState is what the cache knows about one physical tile.
type TileRuntimeState struct {
	// Raw is the decoded source tile. It does not depend on settings and
	// survives invalidation.
	Raw *image.Gray
	// Composited is the snapshot of the current generation, shared
	// read-only with every draw that hits it.
	Composited *gpu.Frame
	// CachingInProgress guards against a second snapshot of the same tile.
	CachingInProgress bool
	Generation        uint64
}

// Ticket authorizes one snapshot of one tile for one generation.
type Ticket struct {
	ID         string
	Generation uint64
}

// Stats reports cache counters.
type Stats struct {
	Tiles         int    `json:"tiles"`
	Snapshots     int    `json:"snapshots"`
	SnapshotBytes int64  `json:"snapshot_bytes"`
	OutputTiles   int    `json:"output_tiles"`
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Dropped       uint64 `json:"dropped"`
	Evicted       uint64 `json:"evicted"`
	Generation    uint64 `json:"generation"`
}

// Manager keys runtime state by tile identity (the tile URL) in an LRU.
// Composited frames live on their state records under a byte budget;
// encoded output tiles live in bigcache.
type Manager struct {
	mu         sync.Mutex
	states     *lru.Cache[string, *TileRuntimeState]
	outputs    *bigcache.BigCache
	budget     int64
	bytes      int64
	snapshots  int
	generation uint64
	pending    sync.WaitGroup

	hits    atomic.Uint64
	misses  atomic.Uint64
	dropped atomic.Uint64
	evicted atomic.Uint64
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.MaxTiles <= 0 {
		cfg.MaxTiles = 4096
	}
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = 10 * time.Minute
	}
	if cfg.SnapshotCacheSizeMB <= 0 {
		cfg.SnapshotCacheSizeMB = 512
	}
	if cfg.OutputCacheSizeMB <= 0 {
		cfg.OutputCacheSizeMB = 64
	}

	outputConfig := bigcache.Config{
		Shards:             64,
		LifeWindow:         cfg.SnapshotTTL,
		CleanWindow:        cfg.SnapshotTTL / 2,
		MaxEntriesInWindow: cfg.MaxTiles,
		MaxEntrySize:       64 * 1024,
		HardMaxCacheSize:   cfg.OutputCacheSizeMB,
		Verbose:            false,
	}
	outputs, err := bigcache.New(context.Background(), outputConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create output cache: %w", err)
	}

	m := &Manager{
		outputs:    outputs,
		budget:     int64(cfg.SnapshotCacheSizeMB) << 20,
		generation: 1,
	}
	states, err := lru.NewWithEvict[string, *TileRuntimeState](cfg.MaxTiles, m.onEvict)
	if err != nil {
		outputs.Close()
		return nil, fmt.Errorf("failed to create tile state cache: %w", err)
	}
	m.states = states
	return m, nil
}

// onEvict runs inside states.Add while m.mu is held.
func (m *Manager) onEvict(_ string, st *TileRuntimeState) {
	m.dropComposite(st)
}

// dropComposite forgets a state's frame. Callers hold m.mu.
func (m *Manager) dropComposite(st *TileRuntimeState) {
	if st.Composited == nil {
		return
	}
	m.bytes -= frameBytes(st.Composited)
	m.snapshots--
	st.Composited = nil
}

func frameBytes(f *gpu.Frame) int64 {
	return int64(f.W) * int64(f.H) * 4 * 8
}

// state returns the record for id, creating it. Callers hold m.mu.
func (m *Manager) state(id string) *TileRuntimeState {
	if st, ok := m.states.Get(id); ok {
		return st
	}
	st := &TileRuntimeState{Generation: m.generation}
	m.states.Add(id, st)
	return st
}

// State returns a copy of the runtime state for id.
func (m *Manager) State(id string) (TileRuntimeState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states.Peek(id)
	if !ok {
		return TileRuntimeState{}, false
	}
	return *st, true
}

// Raw returns the decoded source tile for id if it is held.
func (m *Manager) Raw(id string) (*image.Gray, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states.Get(id)
	if !ok || st.Raw == nil {
		return nil, false
	}
	return st.Raw, true
}

// SetRaw records the decoded source tile for id.
func (m *Manager) SetRaw(id string, raw *image.Gray) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(id).Raw = raw
}

// Lookup returns the cached composite for id. The frame is shared and
// must not be modified.
func (m *Manager) Lookup(id string) (*gpu.Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states.Get(id)
	if !ok || st.Composited == nil {
		m.misses.Add(1)
		return nil, false
	}
	m.hits.Add(1)
	return st.Composited, true
}

// BeginSnapshot claims the snapshot of id for the current generation. It
// returns false when the tile is already cached or a snapshot is running.
func (m *Manager) BeginSnapshot(id string) (Ticket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(id)
	if st.CachingInProgress || st.Composited != nil {
		return Ticket{}, false
	}
	st.CachingInProgress = true
	return Ticket{ID: id, Generation: m.generation}, true
}

// Snapshot stores frame for the ticket's tile asynchronously. frame must
// not be modified afterwards. A snapshot whose generation was invalidated
// while it ran is dropped.
func (m *Manager) Snapshot(t Ticket, frame *gpu.Frame) {
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		m.store(t, frame)
	}()
}

// SnapshotSync is Snapshot without the goroutine.
func (m *Manager) SnapshotSync(t Ticket, frame *gpu.Frame) {
	m.store(t, frame)
}

func (m *Manager) store(t Ticket, frame *gpu.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states.Peek(t.ID)
	if !ok || st.Generation != t.Generation || t.Generation != m.generation {
		m.dropped.Add(1)
		return
	}
	st.CachingInProgress = false

	size := frameBytes(frame)
	if size > m.budget {
		log.Printf("[Cache] snapshot of %s (%d bytes) exceeds the budget, not stored", t.ID, size)
		return
	}
	st.Composited = frame
	m.bytes += size
	m.snapshots++

	// Oldest composites go first; the new one is the most recent entry.
	for _, id := range m.states.Keys() {
		if m.bytes <= m.budget {
			break
		}
		old, _ := m.states.Peek(id)
		if old == st || old.Composited == nil {
			continue
		}
		m.dropComposite(old)
		m.evicted.Add(1)
	}
}

// Wait blocks until every pending snapshot has finished.
func (m *Manager) Wait() {
	m.pending.Wait()
}

// InvalidateAll forgets every composited snapshot and output tile. Raw
// tiles are kept. Snapshots still running finish but are dropped.
func (m *Manager) InvalidateAll() {
	m.mu.Lock()
	m.generation++
	gen := m.generation
	for _, id := range m.states.Keys() {
		if st, ok := m.states.Peek(id); ok {
			m.dropComposite(st)
			st.CachingInProgress = false
			st.Generation = gen
		}
	}
	m.mu.Unlock()

	if err := m.outputs.Reset(); err != nil {
		log.Printf("[Cache] failed to reset output tiles: %v", err)
	}
}

// Generation returns the current invalidation generation.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// GetTile retrieves encoded output (e.g. a PNG) from cache.
func (m *Manager) GetTile(key string) ([]byte, bool) {
	data, err := m.outputs.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetTile stores encoded output in cache.
func (m *Manager) SetTile(key string, data []byte) error {
	return m.outputs.Set(key, data)
}

// CompositeTileKey generates a cache key for an encoded composite tile.
// The settings version makes keys from older legends unreachable.
func CompositeTileKey(version uint64, level, x, y int) string {
	return fmt.Sprintf("composite:v%d:%d/%d/%d", version, level, x, y)
}

// Stats returns cache statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Tiles:         m.states.Len(),
		Snapshots:     m.snapshots,
		SnapshotBytes: m.bytes,
		OutputTiles:   m.outputs.Len(),
		Hits:          m.hits.Load(),
		Misses:        m.misses.Load(),
		Dropped:       m.dropped.Load(),
		Evicted:       m.evicted.Load(),
		Generation:    m.generation,
	}
}

// Close waits for pending snapshots and closes the cache manager.
func (m *Manager) Close() error {
	m.pending.Wait()
	return m.outputs.Close()
}
