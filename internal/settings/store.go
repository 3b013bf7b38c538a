// Package settings holds the render settings shared by the UI layer and
// the compositor. Settings are immutable snapshots; every update swaps in
// a new snapshot so one draw never mixes weights from two updates.
package settings

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/seaview-tiles/server/pkg/colormap"
)

// Snapshot is one consistent colour legend plus the active tile shape.
// Treat it as read-only.
type Snapshot struct {
	Weights   []colormap.Weight `json:"weights"`
	Visible   []bool            `json:"visible"`
	TileShape [2]int            `json:"tile_shape"`
	Version   uint64            `json:"version"`
}

// Channels returns the number of channels in the legend.
func (s *Snapshot) Channels() int { return len(s.Weights) }

// Weight returns the weight of channel i.
func (s *Snapshot) Weight(i int) colormap.Weight { return s.Weights[i] }

// IsVisible reports whether channel i contributes to the composite.
func (s *Snapshot) IsVisible(i int) bool { return i < len(s.Visible) && s.Visible[i] }

// VisibleChannels returns visible channel indices in draw order.
func (s *Snapshot) VisibleChannels() []int {
	out := make([]int, 0, len(s.Visible))
	for i, v := range s.Visible {
		if v {
			out = append(out, i)
		}
	}
	return out
}

func (s *Snapshot) clone() *Snapshot {
	return &Snapshot{
		Weights:   slices.Clone(s.Weights),
		Visible:   slices.Clone(s.Visible),
		TileShape: s.TileShape,
		Version:   s.Version,
	}
}

// Validate checks the snapshot's internal consistency.
func (s *Snapshot) Validate() error {
	if len(s.Weights) != len(s.Visible) {
		return fmt.Errorf("settings: %d weights but %d visibility flags", len(s.Weights), len(s.Visible))
	}
	for i, w := range s.Weights {
		if !w.Valid() {
			return fmt.Errorf("settings: channel %d weight %v out of range", i, w)
		}
	}
	if s.TileShape[0] <= 0 || s.TileShape[1] <= 0 {
		return fmt.Errorf("settings: invalid tile shape %v", s.TileShape)
	}
	return nil
}

// Store publishes snapshots. Reads are lock-free; writers serialize on a
// mutex and replace the whole snapshot.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
}

// NewStore creates a store holding a copy of initial.
func NewStore(initial Snapshot) (*Store, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	s := &Store{}
	snap := initial.clone()
	snap.Version = 1
	s.current.Store(snap)
	return s, nil
}

// Load returns the current snapshot.
func (s *Store) Load() *Snapshot {
	return s.current.Load()
}

// Replace installs a copy of next wholesale and returns it.
func (s *Store) Replace(next Snapshot) (*Snapshot, error) {
	if err := next.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := next.clone()
	snap.Version = s.current.Load().Version + 1
	s.current.Store(snap)
	return snap, nil
}

// Update applies fn to a private copy of the current snapshot and
// publishes the result.
func (s *Store) Update(fn func(*Snapshot) error) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.current.Load()
	next := cur.clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	next.Version = cur.Version + 1
	s.current.Store(next)
	return next, nil
}

// SetWeight replaces the weight of one channel.
func (s *Store) SetWeight(i int, w colormap.Weight) (*Snapshot, error) {
	return s.Update(func(snap *Snapshot) error {
		if i < 0 || i >= len(snap.Weights) {
			return fmt.Errorf("settings: channel %d out of range", i)
		}
		snap.Weights[i] = w
		return nil
	})
}

// ToggleVisible flips the visibility of one channel.
func (s *Store) ToggleVisible(i int) (*Snapshot, error) {
	return s.Update(func(snap *Snapshot) error {
		if i < 0 || i >= len(snap.Visible) {
			return fmt.Errorf("settings: channel %d out of range", i)
		}
		snap.Visible[i] = !snap.Visible[i]
		return nil
	})
}

// SetTileShape replaces the active tile shape.
func (s *Store) SetTileShape(shape [2]int) (*Snapshot, error) {
	return s.Update(func(snap *Snapshot) error {
		snap.TileShape = shape
		return nil
	})
}
