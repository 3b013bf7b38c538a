package viewer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"math"
	"sync"
	"sync/atomic"

	"github.com/seaview-tiles/server/internal/cache"
	"github.com/seaview-tiles/server/internal/gpu"
	"github.com/seaview-tiles/server/internal/pyramid"
	"github.com/seaview-tiles/server/internal/settings"
	"github.com/seaview-tiles/server/pkg/colormap"
)

// Event names raised by the engine.
type Event string

const (
	EventAddItem         Event = "add-item"
	EventTileDrawing     Event = "tile-drawing"
	EventViewportChange  Event = "viewport-change"
	EventAnimationFinish Event = "animation-finish"
)

// TileDraw is the payload of EventTileDrawing. The handler fills Frame.
type TileDraw struct {
	Key    pyramid.TileKey
	ID     string
	Raw    *image.Gray
	Weight colormap.Weight
	Frame  *gpu.Frame
}

// EventArgs is passed to handlers.
type EventArgs struct {
	Event  Event
	Engine *Engine
	Item   *TiledImage
	Tile   *TileDraw
	View   ViewState
}

// Handler reacts to an engine event. Errors from tile-drawing handlers
// abort the draw.
type Handler func(*EventArgs) error

// HandlerID identifies a registered handler.
type HandlerID uint64

type handlerEntry struct {
	id HandlerID
	fn Handler
}

// TiledImage is one channel layer. Layers are drawn in index order.
type TiledImage struct {
	Index   int
	Name    string
	Subpath string
	// Width is the layer width in world units (image height = 1).
	Width float64
}

// Channel names one channel's tile pyramid.
type Channel struct {
	Name    string `json:"name" yaml:"name"`
	Subpath string `json:"subpath" yaml:"subpath"`
}

var nextEngineID atomic.Uint64

// Engine is the pan/zoom viewer: it tracks the viewport, enumerates
// visible tiles per layer, fetches them and composites them onto its
// canvas through the tile-drawing hook.
type Engine struct {
	id         uint64
	cfg        EngineConfig
	addr       pyramid.Addresser
	source     pyramid.Source
	cache      *cache.Manager
	compositor *gpu.Compositor

	mu       sync.Mutex
	surface  Surface
	view     ViewState
	layers   []*TiledImage
	handlers map[Event][]handlerEntry
	nextID   HandlerID

	viewGen   atomic.Uint64
	destroyed atomic.Bool
	destroys  atomic.Int32
	draws     atomic.Uint64
}

// EngineOptions contains everything an engine is built from.
type EngineOptions struct {
	Config     EngineConfig
	Surface    Surface
	Source     pyramid.Source
	Cache      *cache.Manager
	Compositor *gpu.Compositor
	View       *ViewState
}

// NewEngine creates an engine. It takes ownership of the compositor.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Source == nil || opts.Cache == nil || opts.Compositor == nil {
		return nil, errors.New("viewer: engine needs a source, a cache and a compositor")
	}
	cfg := opts.Config.withDefaults()
	if err := cfg.checkSurface(opts.Surface); err != nil {
		return nil, err
	}
	addr := opts.Source.Addresser()
	e := &Engine{
		id:         nextEngineID.Add(1),
		cfg:        cfg,
		addr:       addr,
		source:     opts.Source,
		cache:      opts.Cache,
		compositor: opts.Compositor,
		surface:    opts.Surface,
		handlers:   make(map[Event][]handlerEntry),
	}
	view := HomeView(addr.Image())
	if opts.View != nil {
		view = *opts.View
	}
	e.view = e.cfg.constrain(addr.Image(), e.surface, view)
	return e, nil
}

// ID identifies the engine instance.
func (e *Engine) ID() uint64 { return e.id }

// Destroyed reports whether Destroy has run.
func (e *Engine) Destroyed() bool { return e.destroyed.Load() }

// DestroyCount is the number of times Destroy released resources.
func (e *Engine) DestroyCount() int { return int(e.destroys.Load()) }

// Draws returns the number of completed draws.
func (e *Engine) Draws() uint64 { return e.draws.Load() }

// Compositor returns the compositor owned by the engine.
func (e *Engine) Compositor() *gpu.Compositor { return e.compositor }

// AddHandler registers fn for event.
func (e *Engine) AddHandler(event Event, fn Handler) HandlerID {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.handlers[event] = append(e.handlers[event], handlerEntry{id: e.nextID, fn: fn})
	return e.nextID
}

// RemoveHandler detaches one handler.
func (e *Engine) RemoveHandler(event Event, id HandlerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	hs := e.handlers[event]
	for i, h := range hs {
		if h.id == id {
			e.handlers[event] = append(hs[:i:i], hs[i+1:]...)
			return
		}
	}
}

// RemoveAllHandlers detaches every handler.
func (e *Engine) RemoveAllHandlers() {
	e.mu.Lock()
	defer e.mu.Unlock()
	clear(e.handlers)
}

// HandlerCount returns the number of registered handlers.
func (e *Engine) HandlerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, hs := range e.handlers {
		n += len(hs)
	}
	return n
}

func (e *Engine) raise(args *EventArgs) error {
	e.mu.Lock()
	hs := append([]handlerEntry(nil), e.handlers[args.Event]...)
	e.mu.Unlock()
	args.Engine = e
	for _, h := range hs {
		if err := h.fn(args); err != nil {
			return err
		}
	}
	return nil
}

// AddTiledImage appends a channel layer and raises add-item.
func (e *Engine) AddTiledImage(ch Channel) (*TiledImage, error) {
	e.mu.Lock()
	item := &TiledImage{Index: len(e.layers), Name: ch.Name, Subpath: ch.Subpath, Width: 1}
	e.layers = append(e.layers, item)
	e.mu.Unlock()
	return item, e.raise(&EventArgs{Event: EventAddItem, Item: item})
}

// Layers returns the channel layers in draw order.
func (e *Engine) Layers() []*TiledImage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*TiledImage(nil), e.layers...)
}

// View returns the current viewport.
func (e *Engine) View() ViewState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view
}

// SetView moves the viewport, constrained to the image, and raises
// viewport-change. In-flight fetches for the previous viewport are
// discarded when they arrive.
func (e *Engine) SetView(v ViewState) (ViewState, error) {
	e.mu.Lock()
	e.view = e.cfg.constrain(e.addr.Image(), e.surface, v)
	v = e.view
	e.mu.Unlock()
	e.viewGen.Add(1)
	return v, e.raise(&EventArgs{Event: EventViewportChange, View: v})
}

// Resize changes the surface size.
func (e *Engine) Resize(s Surface) error {
	if err := e.cfg.checkSurface(s); err != nil {
		return err
	}
	e.mu.Lock()
	e.surface = s
	v := e.view
	e.mu.Unlock()
	_, err := e.SetView(v)
	return err
}

// Surface returns the current surface.
func (e *Engine) Surface() Surface {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.surface
}

// Destroy detaches every handler and releases the compositor. It returns
// an error when called twice.
func (e *Engine) Destroy() error {
	if !e.destroyed.CompareAndSwap(false, true) {
		return fmt.Errorf("viewer: engine %d already destroyed", e.id)
	}
	e.destroys.Add(1)
	e.RemoveAllHandlers()
	e.mu.Lock()
	e.layers = nil
	e.mu.Unlock()
	return e.compositor.Release()
}

type tileJob struct {
	key   pyramid.TileKey
	id    string
	rect  image.Rectangle
	frame *gpu.Frame
	raw   *image.Gray
}

// maxDrawAttempts bounds how often a draw restarts because the viewport
// moved while tiles were in flight.
const maxDrawAttempts = 3

// Draw renders every visible channel of the current viewport into a new
// canvas using the weights of snap.
func (e *Engine) Draw(ctx context.Context, snap *settings.Snapshot) (*gpu.Frame, error) {
	if e.destroyed.Load() {
		panic(fmt.Sprintf("viewer: draw on destroyed engine %d", e.id))
	}

	var (
		jobs   []*tileJob
		canvas *gpu.Frame
		gen    uint64
	)
	for attempt := 1; ; attempt++ {
		gen = e.viewGen.Load()
		var s Surface
		jobs, s = e.plan(snap)
		canvas = gpu.NewFrame(s.Width, s.Height)
		if err := e.fetch(ctx, jobs); err != nil {
			return nil, err
		}
		if e.viewGen.Load() == gen || attempt == maxDrawAttempts {
			break
		}
		log.Printf("[Viewer] engine %d: viewport moved, discarding %d fetched tiles", e.id, len(jobs))
	}

	for _, j := range jobs {
		f, err := e.resolve(j, snap)
		if err != nil {
			return nil, err
		}
		if f != nil {
			canvas.Blit(f, j.rect)
		}
	}

	e.draws.Add(1)
	if err := e.raise(&EventArgs{Event: EventAnimationFinish, View: e.View()}); err != nil {
		return nil, err
	}
	return canvas, nil
}

// resolve returns the composited frame for a fetched job, raising
// tile-drawing on a cache miss. A nil frame leaves a gap.
func (e *Engine) resolve(j *tileJob, snap *settings.Snapshot) (*gpu.Frame, error) {
	if j.frame != nil {
		return j.frame, nil
	}
	if j.raw == nil {
		return nil, nil
	}
	td := &TileDraw{Key: j.key, ID: j.id, Raw: j.raw, Weight: snap.Weight(j.key.Channel)}
	if err := e.raise(&EventArgs{Event: EventTileDrawing, Tile: td}); err != nil {
		return nil, fmt.Errorf("draw tile %s: %w", j.key, err)
	}
	j.frame = td.Frame
	return td.Frame, nil
}

// ComposeTile composites one pyramid tile across every visible channel at
// its native resolution. Channels without a tile contribute nothing.
func (e *Engine) ComposeTile(ctx context.Context, snap *settings.Snapshot, level, x, y int) (*gpu.Frame, error) {
	if e.destroyed.Load() {
		panic(fmt.Sprintf("viewer: draw on destroyed engine %d", e.id))
	}
	if !e.addr.Contains(level, x, y) {
		return nil, fmt.Errorf("%w: %d/%d_%d", pyramid.ErrTileUnavailable, level, x, y)
	}

	var jobs []*tileJob
	for _, layer := range e.Layers() {
		if !snap.IsVisible(layer.Index) {
			continue
		}
		key, _ := e.addr.Key(layer.Index, layer.Subpath, level, x, y)
		jobs = append(jobs, &tileJob{key: key, id: e.addr.URL(key)})
	}
	if err := e.fetch(ctx, jobs); err != nil {
		return nil, err
	}

	shape := e.addr.TileShape(level, x, y)
	out := gpu.NewFrame(shape[0], shape[1])
	for _, j := range jobs {
		f, err := e.resolve(j, snap)
		if err != nil {
			return nil, err
		}
		if f == nil {
			continue
		}
		out.Blit(f, out.Bounds())
	}
	return out, nil
}

// plan lists visible tiles for every visible channel, channels in index
// order and tiles row by row.
func (e *Engine) plan(snap *settings.Snapshot) ([]*tileJob, Surface) {
	e.mu.Lock()
	v, s := e.view, e.surface
	layers := append([]*TiledImage(nil), e.layers...)
	e.mu.Unlock()

	img := e.addr.Image()
	level := levelForView(img, v)
	minX, minY, scale := viewRect(s, v)
	maxX := minX + float64(s.Width)/scale
	maxY := minY + float64(s.Height)/scale

	span := float64(img.TileSize << level)
	x0 := int(math.Floor(minX / span))
	y0 := int(math.Floor(minY / span))
	x1 := int(math.Ceil(maxX/span)) - 1
	y1 := int(math.Ceil(maxY/span)) - 1

	var jobs []*tileJob
	for _, layer := range layers {
		if !snap.IsVisible(layer.Index) {
			continue
		}
		for y := y0; y <= y1; y++ {
			for x := x0; x <= x1; x++ {
				key, ok := e.addr.Key(layer.Index, layer.Subpath, level, x, y)
				if !ok {
					continue
				}
				jobs = append(jobs, &tileJob{
					key:  key,
					id:   e.addr.URL(key),
					rect: canvasRect(e.addr.TileBounds(level, x, y), minX, minY, scale),
				})
			}
		}
	}
	return jobs, s
}

// fetch resolves each job to a cached composite or a raw tile. Fetches
// run concurrently and may complete in any order.
func (e *Engine) fetch(ctx context.Context, jobs []*tileJob) error {
	sem := make(chan struct{}, e.cfg.FetchConcurrency)
	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	for _, j := range jobs {
		if f, ok := e.cache.Lookup(j.id); ok {
			j.frame = f
			continue
		}
		if raw, ok := e.cache.Raw(j.id); ok {
			j.raw = raw
			continue
		}
		wg.Add(1)
		go func(j *tileJob) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			raw, err := e.source.Fetch(ctx, j.key)
			switch {
			case err == nil:
				j.raw = raw
				e.cache.SetRaw(j.id, raw)
			case errors.Is(err, pyramid.ErrTileUnavailable):
				log.Printf("[Viewer] tile %s unavailable: %v", j.key, err)
			default:
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		}(j)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return firstErr
}
