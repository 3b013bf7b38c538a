// Package viewer drives the pan/zoom engine for one slide: it enumerates
// the visible tiles, feeds them through the compositor and the composite
// cache, and manages the engine lifecycle across resets.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/seaview-tiles/server/internal/cache"
	"github.com/seaview-tiles/server/internal/gpu"
	"github.com/seaview-tiles/server/internal/pyramid"
	"github.com/seaview-tiles/server/internal/settings"
	"github.com/seaview-tiles/server/pkg/colormap"
)

var (
	// ErrNotReady is returned before Mount succeeds.
	ErrNotReady = errors.New("viewer: context not mounted")
	// ErrDestroyed is returned after Destroy.
	ErrDestroyed = errors.New("viewer: context destroyed")
	// ErrAlreadyMounted is returned by a second Mount.
	ErrAlreadyMounted = errors.New("viewer: context already mounted")
	// ErrStaleContext is returned by a handler whose context is gone.
	ErrStaleContext = errors.New("viewer: handler outlived its context")
	// ErrSurfaceTooLarge is returned for a surface past the configured cap.
	ErrSurfaceTooLarge = errors.New("viewer: surface too large")
	// ErrChannelCount is returned for a legend that does not match the
	// mounted channels.
	ErrChannelCount = errors.New("viewer: legend does not match the channels")
)

// State is the lifecycle state of a Context.
type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateResetting
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateResetting:
		return "resetting"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options describe what an engine is built from. Changing any of them
// requires Reset.
type Options struct {
	Source   pyramid.Source
	Channels []Channel
	Tint     colormap.TintStrategy
	Mode     gpu.TintMode
	Config   EngineConfig
	// Settings, when set, replaces the legend together with the engine.
	// It must describe exactly len(Channels) channels.
	Settings *settings.Snapshot
}

// Context exclusively owns the engine, its compositor and its handlers.
// Draws hold the read lock; Reset and Destroy hold the write lock, so a
// draw never sees a half-built or destroyed engine.
type Context struct {
	mu         sync.RWMutex
	state      atomic.Int32
	settings   *settings.Store
	cache      *cache.Manager
	onViewport func(ViewState)

	engine  *Engine
	opts    Options
	surface Surface

	resets atomic.Uint64
	frames atomic.Uint64
}

// New creates an unmounted context. onViewport, if not nil, receives every
// viewport change.
func New(store *settings.Store, c *cache.Manager, onViewport func(ViewState)) *Context {
	return &Context{settings: store, cache: c, onViewport: onViewport}
}

// State returns the lifecycle state.
func (c *Context) State() State { return State(c.state.Load()) }

// Resets returns how many times the engine was rebuilt.
func (c *Context) Resets() uint64 { return c.resets.Load() }

// AnimationFrames counts animation-finish events.
func (c *Context) AnimationFrames() uint64 { return c.frames.Load() }

// Settings returns the settings store.
func (c *Context) Settings() *settings.Store { return c.settings }

// Engine returns the current engine, or nil when not ready.
func (c *Context) Engine() *Engine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.engine
}

// Mount builds the first engine on surface.
func (c *Context) Mount(s Surface, opts Options) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.State() {
	case StateDestroyed:
		return ErrDestroyed
	case StateUninitialized:
	default:
		return ErrAlreadyMounted
	}
	e, err := c.build(s, opts, nil)
	if err != nil {
		return err
	}
	c.engine, c.opts, c.surface = e, opts, s
	c.state.Store(int32(StateReady))
	log.Printf("[Viewer] engine %d mounted: %d channels, %dx%d", e.ID(), len(opts.Channels), s.Width, s.Height)
	return nil
}

// Reset destroys the current engine and builds a new one from opts. The
// view survives when the image geometry is unchanged.
func (c *Context) Reset(opts Options) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.State() {
	case StateDestroyed:
		return ErrDestroyed
	case StateUninitialized:
		return ErrNotReady
	}
	if opts.Source == nil {
		return errors.New("viewer: no tile source")
	}
	c.state.Store(int32(StateResetting))

	old := c.engine
	var view *ViewState
	if old.addr.Image() == opts.Source.Addresser().Image() {
		v := old.View()
		view = &v
	}
	c.engine = nil
	if err := old.Destroy(); err != nil {
		log.Printf("[Viewer] engine %d: %v", old.ID(), err)
	}
	c.cache.InvalidateAll()

	e, err := c.build(c.surface, opts, view)
	if err != nil {
		c.state.Store(int32(StateUninitialized))
		return fmt.Errorf("reset failed: %w", err)
	}
	c.engine, c.opts = e, opts
	c.resets.Add(1)
	c.state.Store(int32(StateReady))
	// The new engine starts from its own view, which may be the home view.
	if c.onViewport != nil {
		c.onViewport(e.View())
	}
	log.Printf("[Viewer] engine %d replaced engine %d", e.ID(), old.ID())
	return nil
}

// build creates an engine with its compositor and handlers. Callers hold
// the write lock.
func (c *Context) build(s Surface, opts Options, view *ViewState) (*Engine, error) {
	if opts.Source == nil {
		return nil, errors.New("viewer: no tile source")
	}
	if err := opts.Source.Addresser().Image().Validate(); err != nil {
		return nil, err
	}
	if opts.Settings != nil {
		if _, err := c.settings.Replace(*opts.Settings); err != nil {
			return nil, err
		}
	}
	snap := c.settings.Load()
	if snap.Channels() != len(opts.Channels) {
		return nil, fmt.Errorf("%w: %d channels but the legend has %d", ErrChannelCount, len(opts.Channels), snap.Channels())
	}

	comp, err := gpu.NewCompositor(gpu.CompositorConfig{TileShape: snap.TileShape, Tint: opts.Tint, Mode: opts.Mode})
	if err != nil {
		return nil, fmt.Errorf("failed to create compositor: %w", err)
	}
	e, err := NewEngine(EngineOptions{
		Config:     opts.Config,
		Surface:    s,
		Source:     opts.Source,
		Cache:      c.cache,
		Compositor: comp,
		View:       view,
	})
	if err != nil {
		comp.Release()
		return nil, err
	}
	c.attach(e)
	for _, ch := range opts.Channels {
		if _, err := e.AddTiledImage(ch); err != nil {
			e.Destroy()
			return nil, err
		}
	}
	return e, nil
}

// attach registers the engine hooks. Handlers reach the context through a
// weak pointer so a leaked engine never keeps a context alive.
func (c *Context) attach(e *Engine) {
	wp := weak.Make(c)

	e.AddHandler(EventAddItem, func(a *EventArgs) error {
		a.Item.Width = a.Engine.addr.Image().Aspect()
		return nil
	})
	e.AddHandler(EventTileDrawing, func(a *EventArgs) error {
		vc := wp.Value()
		if vc == nil {
			return ErrStaleContext
		}
		return vc.drawTile(a.Engine, a.Tile)
	})
	e.AddHandler(EventViewportChange, func(a *EventArgs) error {
		if vc := wp.Value(); vc != nil && vc.onViewport != nil {
			vc.onViewport(a.View)
		}
		return nil
	})
	// Reserved: no invalidation happens at the end of an animation.
	e.AddHandler(EventAnimationFinish, func(a *EventArgs) error {
		if vc := wp.Value(); vc != nil {
			vc.frames.Add(1)
		}
		return nil
	})
}

// drawTile composites one raw tile and schedules its snapshot. The frame
// is a private copy that nothing writes after this point, so the cache and
// the engine share it.
func (c *Context) drawTile(e *Engine, td *TileDraw) error {
	frame, err := e.compositor.Composite(td.Raw, td.Weight)
	if err != nil {
		return err
	}
	if ticket, ok := c.cache.BeginSnapshot(td.ID); ok {
		c.cache.Snapshot(ticket, frame)
	}
	td.Frame = frame
	return nil
}

// UpdateSettings publishes a new legend and invalidates every composited
// tile. The engine is kept, so the legend must cover the mounted channels.
func (c *Context) UpdateSettings(next settings.Snapshot) (*settings.Snapshot, error) {
	return c.update(func() (*settings.Snapshot, error) {
		if c.State() == StateReady && next.Channels() != len(c.opts.Channels) {
			return nil, fmt.Errorf("%w: %d channels but the legend has %d", ErrChannelCount, len(c.opts.Channels), next.Channels())
		}
		return c.settings.Replace(next)
	})
}

// SetColorWeight recolours one channel.
func (c *Context) SetColorWeight(i int, hsv colormap.HSV) (*settings.Snapshot, error) {
	return c.update(func() (*settings.Snapshot, error) { return c.settings.SetWeight(i, hsv.Weight()) })
}

// ToggleVisible shows or hides one channel.
func (c *Context) ToggleVisible(i int) (*settings.Snapshot, error) {
	return c.update(func() (*settings.Snapshot, error) { return c.settings.ToggleVisible(i) })
}

// SetTileShape changes the active tile shape. The compositor sets the
// shape from each tile, so no reset is needed.
func (c *Context) SetTileShape(shape [2]int) (*settings.Snapshot, error) {
	return c.update(func() (*settings.Snapshot, error) { return c.settings.SetTileShape(shape) })
}

func (c *Context) update(apply func() (*settings.Snapshot, error)) (*settings.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() == StateDestroyed {
		return nil, ErrDestroyed
	}
	snap, err := apply()
	if err != nil {
		return nil, err
	}
	// Draws hold the read lock, so none is in flight here and the next one
	// recomposites from the invalidated cache.
	c.cache.InvalidateAll()
	return snap, nil
}

// SetViewState moves the viewport.
func (c *Context) SetViewState(zoom float64, target [2]float64) (ViewState, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.ready(); err != nil {
		return ViewState{}, err
	}
	return c.engine.SetView(ViewState{Zoom: zoom, Target: target})
}

// ViewState returns the current viewport.
func (c *Context) ViewState() (ViewState, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.ready(); err != nil {
		return ViewState{}, err
	}
	return c.engine.View(), nil
}

// Resize changes the surface size.
func (c *Context) Resize(s Surface) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready(); err != nil {
		return err
	}
	if err := c.engine.Resize(s); err != nil {
		return err
	}
	c.surface = s
	return nil
}

// Render draws the current viewport with one settings snapshot.
func (c *Context) Render(ctx context.Context) (*gpu.Frame, *settings.Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.ready(); err != nil {
		return nil, nil, err
	}
	snap := c.settings.Load()
	frame, err := c.engine.Draw(ctx, snap)
	if err != nil {
		return nil, nil, err
	}
	return frame, snap, nil
}

// ComposeTile composites one pyramid tile across the visible channels.
func (c *Context) ComposeTile(ctx context.Context, level, x, y int) (*gpu.Frame, *settings.Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.ready(); err != nil {
		return nil, nil, err
	}
	snap := c.settings.Load()
	frame, err := c.engine.ComposeTile(ctx, snap, level, x, y)
	if err != nil {
		return nil, nil, err
	}
	return frame, snap, nil
}

// Destroy releases the engine. Calling it again is a no-op.
func (c *Context) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() == StateDestroyed {
		return nil
	}
	c.state.Store(int32(StateDestroyed))
	if c.engine == nil {
		return nil
	}
	e := c.engine
	c.engine = nil
	return e.Destroy()
}

// ready checks that a usable engine is installed. Callers hold a lock.
func (c *Context) ready() error {
	switch c.State() {
	case StateReady:
		return nil
	case StateDestroyed:
		return ErrDestroyed
	default:
		return ErrNotReady
	}
}
