package viewer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/seaview-tiles/server/internal/cache"
	"github.com/seaview-tiles/server/internal/gpu"
	"github.com/seaview-tiles/server/internal/pyramid"
	"github.com/seaview-tiles/server/internal/settings"
	"github.com/seaview-tiles/server/pkg/colormap"
)

// memSource serves constant tiles shaped like the real pyramid.
type memSource struct {
	addr    pyramid.Addresser
	fetches atomic.Int64
	missing func(pyramid.TileKey) bool
	onFetch func(pyramid.TileKey)
}

func newMemSource(img pyramid.ImageSource) *memSource {
	return &memSource{addr: pyramid.NewAddresser(img)}
}

func (s *memSource) Addresser() pyramid.Addresser { return s.addr }

func (s *memSource) Fetch(ctx context.Context, k pyramid.TileKey) (*image.Gray, error) {
	s.fetches.Add(1)
	if s.onFetch != nil {
		s.onFetch(k)
	}
	if !s.addr.Contains(k.Level, k.X, k.Y) || (s.missing != nil && s.missing(k)) {
		return nil, fmt.Errorf("%w: %s", pyramid.ErrTileUnavailable, k)
	}
	shape := s.addr.TileShape(k.Level, k.X, k.Y)
	g := image.NewGray(image.Rect(0, 0, shape[0], shape[1]))
	for i := range g.Pix {
		g.Pix[i] = 255
	}
	return g, nil
}

var (
	testImage = pyramid.ImageSource{Width: 16, Height: 8, TileSize: 8, MaxLevel: 1, Path: "mem://slide"}
	testSurf  = Surface{Width: 16, Height: 8}
	red       = colormap.Weight{1, 0, 0, 1}
	green     = colormap.Weight{0, 1, 0, 1}
)

type fixture struct {
	ctx    *Context
	src    *memSource
	cache  *cache.Manager
	opts   Options
	mu     sync.Mutex
	events []ViewState
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := settings.NewStore(settings.Snapshot{
		Weights:   []colormap.Weight{red, green},
		Visible:   []bool{true, true},
		TileShape: [2]int{8, 8},
	})
	if err != nil {
		t.Fatal(err)
	}
	cm, err := cache.NewManager(cache.Config{SnapshotCacheSizeMB: 16, SnapshotTTL: time.Minute, MaxTiles: 64})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cm.Close() })

	f := &fixture{src: newMemSource(testImage), cache: cm}
	f.ctx = New(store, cm, func(v ViewState) {
		f.mu.Lock()
		f.events = append(f.events, v)
		f.mu.Unlock()
	})
	f.opts = Options{
		Source:   f.src,
		Channels: []Channel{{Name: "DNA", Subpath: "DNA_0__DNA"}, {Name: "Ki-67", Subpath: "Ki-67_1__Ki-67"}},
	}
	t.Cleanup(func() { f.ctx.Destroy() })
	return f
}

// mountFull mounts the fixture at full resolution, one canvas pixel per
// image pixel.
func (f *fixture) mountFull(t *testing.T) {
	t.Helper()
	if err := f.ctx.Mount(testSurf, f.opts); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if _, err := f.ctx.SetViewState(0, [2]float64{8, 4}); err != nil {
		t.Fatalf("SetViewState: %v", err)
	}
}

func (f *fixture) render(t *testing.T) *gpu.Frame {
	t.Helper()
	frame, _, err := f.ctx.Render(context.Background())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	f.cache.Wait()
	return frame
}

func TestMountAddsLayersWithAspectWidth(t *testing.T) {
	f := newFixture(t)
	if _, _, err := f.ctx.Render(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady before mount, got %v", err)
	}
	f.mountFull(t)
	if f.ctx.State() != StateReady {
		t.Fatalf("state = %s", f.ctx.State())
	}
	layers := f.ctx.Engine().Layers()
	if len(layers) != 2 {
		t.Fatalf("expected 2 layers, got %d", len(layers))
	}
	for i, l := range layers {
		if l.Index != i || l.Width != 2 {
			t.Fatalf("layer %d: %+v", i, l)
		}
	}
	if err := f.ctx.Mount(testSurf, f.opts); !errors.Is(err, ErrAlreadyMounted) {
		t.Fatalf("expected ErrAlreadyMounted, got %v", err)
	}
}

func TestHomeViewDrawsCoarsestLevel(t *testing.T) {
	f := newFixture(t)
	if err := f.ctx.Mount(testSurf, f.opts); err != nil {
		t.Fatal(err)
	}
	v, err := f.ctx.ViewState()
	if err != nil {
		t.Fatal(err)
	}
	want := ViewState{Zoom: -1, Target: [2]float64{8, 4}, Center: [2]float64{1, 0.5}}
	if diff := cmp.Diff(want, v); diff != "" {
		t.Fatalf("home view mismatch (-want +got):\n%s", diff)
	}

	frame := f.render(t)
	// One level-1 tile per channel, drawn into the middle of the canvas.
	if got := f.src.fetches.Load(); got != 2 {
		t.Fatalf("expected 2 fetches, got %d", got)
	}
	if p := frame.Pixel(0, 0); p != [4]float64{} {
		t.Fatalf("pixel outside the image = %v, want empty", p)
	}
	if p := frame.Pixel(6, 3); p != [4]float64{1, 1, 0, 2} {
		t.Fatalf("pixel inside the image = %v", p)
	}
}

func TestRedrawHitsCache(t *testing.T) {
	f := newFixture(t)
	f.mountFull(t)

	first := f.render(t)
	comp := f.ctx.Engine().Compositor()
	if comp.Composites() != 4 || f.src.fetches.Load() != 4 {
		t.Fatalf("first draw: %d composites, %d fetches", comp.Composites(), f.src.fetches.Load())
	}

	second := f.render(t)
	if comp.Composites() != 4 {
		t.Fatalf("redraw must reuse cached composites, got %d", comp.Composites())
	}
	if f.src.fetches.Load() != 4 {
		t.Fatalf("redraw must not refetch, got %d", f.src.fetches.Load())
	}
	if !first.Equal(second) {
		t.Fatal("cached redraw must be bit-identical")
	}
	if f.ctx.AnimationFrames() != 2 {
		t.Fatalf("expected 2 animation-finish events, got %d", f.ctx.AnimationFrames())
	}
}

func TestColorChangeRecomposites(t *testing.T) {
	f := newFixture(t)
	f.mountFull(t)
	f.render(t)
	comp := f.ctx.Engine().Compositor()

	if _, err := f.ctx.SetColorWeight(0, colormap.FromHue(240)); err != nil {
		t.Fatal(err)
	}
	frame := f.render(t)
	if comp.Composites() != 8 {
		t.Fatalf("every visible tile must be recomposited, got %d composites", comp.Composites())
	}
	if f.src.fetches.Load() != 4 {
		t.Fatalf("raw tiles must survive invalidation, got %d fetches", f.src.fetches.Load())
	}
	if p := frame.Pixel(0, 0); p != [4]float64{0, 1, 1, 2} {
		t.Fatalf("pixel = %v, want blue+green", p)
	}
}

func TestToggleVisibleKeepsEngine(t *testing.T) {
	f := newFixture(t)
	f.mountFull(t)
	f.render(t)
	e := f.ctx.Engine()

	snap, err := f.ctx.ToggleVisible(1)
	if err != nil {
		t.Fatal(err)
	}
	if snap.IsVisible(1) {
		t.Fatal("channel 1 should be hidden")
	}
	frame := f.render(t)
	if f.ctx.Engine() != e || e.Destroyed() {
		t.Fatal("toggling visibility must not rebuild the engine")
	}
	if p := frame.Pixel(12, 5); p != [4]float64{1, 0, 0, 1} {
		t.Fatalf("pixel = %v, want red only", p)
	}
}

func TestAdditiveBlend(t *testing.T) {
	f := newFixture(t)
	f.mountFull(t)

	both := f.render(t)
	if _, err := f.ctx.ToggleVisible(1); err != nil {
		t.Fatal(err)
	}
	redOnly := f.render(t)
	if _, err := f.ctx.ToggleVisible(1); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ctx.ToggleVisible(0); err != nil {
		t.Fatal(err)
	}
	greenOnly := f.render(t)

	sum := redOnly.Clone()
	sum.Add(greenOnly)
	if !sum.Equal(both) {
		t.Fatalf("red+green composite %v differs from the sum of singles %v", both.Pixel(3, 3), sum.Pixel(3, 3))
	}
}

func TestResetDestroysPreviousEngineOnce(t *testing.T) {
	f := newFixture(t)
	f.mountFull(t)
	f.render(t)
	old := f.ctx.Engine()
	view, _ := f.ctx.ViewState()

	if err := f.ctx.Reset(f.opts); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	e := f.ctx.Engine()
	if e == old {
		t.Fatal("reset must build a new engine")
	}
	if !old.Destroyed() || old.DestroyCount() != 1 || old.HandlerCount() != 0 {
		t.Fatalf("old engine: destroyed=%v count=%d handlers=%d", old.Destroyed(), old.DestroyCount(), old.HandlerCount())
	}
	if err := old.Destroy(); err == nil || old.DestroyCount() != 1 {
		t.Fatal("second destroy must not release again")
	}
	if f.ctx.Resets() != 1 || f.ctx.State() != StateReady {
		t.Fatalf("resets=%d state=%s", f.ctx.Resets(), f.ctx.State())
	}
	if got, _ := f.ctx.ViewState(); got != view {
		t.Fatalf("view must survive a reset on the same image: %+v != %+v", got, view)
	}

	f.render(t)
	if e.Compositor().Composites() != 4 {
		t.Fatalf("reset must invalidate the cache, got %d composites", e.Compositor().Composites())
	}

	defer func() {
		if recover() == nil {
			t.Fatal("drawing on a destroyed engine must panic")
		}
	}()
	old.Draw(context.Background(), f.ctx.Settings().Load())
}

func TestResetRejectsMismatchedLegend(t *testing.T) {
	f := newFixture(t)
	f.mountFull(t)
	opts := f.opts
	opts.Channels = opts.Channels[:1]
	if err := f.ctx.Reset(opts); err == nil {
		t.Fatal("expected an error for a channel list that does not match the legend")
	}
	if f.ctx.State() != StateUninitialized {
		t.Fatalf("state = %s", f.ctx.State())
	}
	if err := f.ctx.Mount(testSurf, f.opts); err != nil {
		t.Fatalf("remount after failed reset: %v", err)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.mountFull(t)
	e := f.ctx.Engine()

	if err := f.ctx.Destroy(); err != nil {
		t.Fatal(err)
	}
	if err := f.ctx.Destroy(); err != nil {
		t.Fatalf("second destroy: %v", err)
	}
	if e.DestroyCount() != 1 {
		t.Fatalf("engine destroyed %d times", e.DestroyCount())
	}
	if _, _, err := f.ctx.Render(context.Background()); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("expected ErrDestroyed, got %v", err)
	}
	if _, err := f.ctx.SetViewState(0, [2]float64{}); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("expected ErrDestroyed, got %v", err)
	}
	if _, err := f.ctx.ToggleVisible(0); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("expected ErrDestroyed, got %v", err)
	}
}

func TestViewportChangeIsReported(t *testing.T) {
	f := newFixture(t)
	f.mountFull(t)

	v, err := f.ctx.SetViewState(10, [2]float64{100, -50})
	if err != nil {
		t.Fatal(err)
	}
	if v.Zoom > 3.33 || v.Zoom < 3.32 {
		t.Fatalf("zoom must be clamped to log2(10), got %v", v.Zoom)
	}
	if v.Target[0] > 16 || v.Target[1] < 0 {
		t.Fatalf("target must stay over the image, got %v", v.Target)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) != 2 {
		t.Fatalf("expected 2 viewport events, got %d", len(f.events))
	}
	if f.events[1] != v {
		t.Fatalf("event %+v != returned view %+v", f.events[1], v)
	}
}

func TestViewportMoveDuringFetch(t *testing.T) {
	f := newFixture(t)
	f.mountFull(t)

	var once sync.Once
	f.src.onFetch = func(pyramid.TileKey) {
		once.Do(func() {
			f.ctx.Engine().SetView(ViewState{Zoom: 0, Target: [2]float64{9.6, 4}})
		})
	}
	frame := f.render(t)
	// The second tile column ends at canvas x=14 in the new view.
	if p := frame.Pixel(15, 0); p != [4]float64{} {
		t.Fatalf("pixel = %v, tiles were drawn at their old position", p)
	}
	if p := frame.Pixel(13, 0); p != [4]float64{1, 1, 0, 2} {
		t.Fatalf("pixel = %v, want red+green", p)
	}
}

func TestUnavailableTileLeavesGap(t *testing.T) {
	f := newFixture(t)
	f.src.missing = func(k pyramid.TileKey) bool { return k.X == 1 }
	f.mountFull(t)

	frame := f.render(t)
	if p := frame.Pixel(12, 4); p != [4]float64{} {
		t.Fatalf("missing tile drew %v", p)
	}
	if p := frame.Pixel(3, 4); p != [4]float64{1, 1, 0, 2} {
		t.Fatalf("pixel = %v", p)
	}
}

func TestComposeTile(t *testing.T) {
	f := newFixture(t)
	f.mountFull(t)

	frame, snap, err := f.ctx.ComposeTile(context.Background(), 0, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Version != 1 || frame.W != 8 || frame.H != 8 {
		t.Fatalf("version %d size %dx%d", snap.Version, frame.W, frame.H)
	}
	if p := frame.Pixel(7, 7); p != [4]float64{1, 1, 0, 2} {
		t.Fatalf("pixel = %v", p)
	}
	if _, _, err := f.ctx.ComposeTile(context.Background(), 0, 5, 0); !errors.Is(err, pyramid.ErrTileUnavailable) {
		t.Fatalf("expected ErrTileUnavailable, got %v", err)
	}
}

func TestResetReportsNewView(t *testing.T) {
	f := newFixture(t)
	f.mountFull(t)

	opts := f.opts
	opts.Source = newMemSource(pyramid.ImageSource{Width: 8, Height: 4, TileSize: 8, MaxLevel: 0, Path: "mem://small"})
	if err := f.ctx.Reset(opts); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	want, err := f.ctx.ViewState()
	if err != nil {
		t.Fatal(err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		t.Fatal("reset raised no viewport event")
	}
	if diff := cmp.Diff(want, f.events[len(f.events)-1]); diff != "" {
		t.Fatalf("last reported view mismatch (-engine +reported):\n%s", diff)
	}
}

func TestSurfaceCap(t *testing.T) {
	f := newFixture(t)
	f.opts.Config.MaxSurface = 32
	if err := f.ctx.Mount(Surface{Width: 33, Height: 8}, f.opts); !errors.Is(err, ErrSurfaceTooLarge) {
		t.Fatalf("expected ErrSurfaceTooLarge from Mount, got %v", err)
	}
	f.mountFull(t)

	for _, s := range []Surface{{Width: 33, Height: 8}, {Width: 16, Height: 1 << 30}} {
		if err := f.ctx.Resize(s); !errors.Is(err, ErrSurfaceTooLarge) {
			t.Errorf("%+v: expected ErrSurfaceTooLarge, got %v", s, err)
		}
	}
	if err := f.ctx.Resize(Surface{Width: 32, Height: 32}); err != nil {
		t.Fatalf("Resize at the cap: %v", err)
	}
	if got := f.ctx.Engine().Surface(); got != (Surface{Width: 32, Height: 32}) {
		t.Fatalf("surface = %+v", got)
	}
}

func TestUpdateSettingsRejectsChannelCount(t *testing.T) {
	f := newFixture(t)
	f.mountFull(t)
	before := f.ctx.Settings().Load()

	_, err := f.ctx.UpdateSettings(settings.Snapshot{
		Weights:   []colormap.Weight{red},
		Visible:   []bool{true},
		TileShape: [2]int{8, 8},
	})
	if !errors.Is(err, ErrChannelCount) {
		t.Fatalf("expected ErrChannelCount, got %v", err)
	}
	if got := f.ctx.Settings().Load(); got != before {
		t.Fatalf("legend replaced: version %d -> %d", before.Version, got.Version)
	}

	snap, err := f.ctx.UpdateSettings(settings.Snapshot{
		Weights:   []colormap.Weight{green, red},
		Visible:   []bool{true, false},
		TileShape: [2]int{8, 8},
	})
	if err != nil {
		t.Fatal(err)
	}
	if p := f.render(t).Pixel(3, 3); p != [4]float64{0, 1, 0, 1} {
		t.Fatalf("pixel = %v after version %d", p, snap.Version)
	}
}

// Every rendered frame must match the legend it was drawn with, whatever
// recolours and resets run alongside.
func TestRenderDuringUpdatesAndResets(t *testing.T) {
	f := newFixture(t)
	f.mountFull(t)
	palette := []colormap.Weight{red, green, colormap.FromHue(240).Weight()}

	const rounds = 40
	var wg sync.WaitGroup
	errc := make(chan error, 8)
	report := func(err error) {
		select {
		case errc <- err:
		default:
		}
	}

	for r := 0; r < 3; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				frame, snap, err := f.ctx.Render(context.Background())
				if err != nil {
					report(fmt.Errorf("render: %w", err))
					return
				}
				var want [4]float64
				for _, ch := range snap.VisibleChannels() {
					w := snap.Weight(ch)
					for k := range want {
						want[k] += w[k]
					}
				}
				got := frame.Pixel(4, 4)
				for k := range want {
					if math.Abs(got[k]-want[k]) > 1e-12 {
						report(fmt.Errorf("version %d: pixel %v, want %v", snap.Version, got, want))
						return
					}
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			var err error
			switch i % 4 {
			case 0:
				_, err = f.ctx.SetColorWeight(i%2, palette[i%len(palette)].HSV())
			case 1:
				_, err = f.ctx.ToggleVisible(i % 2)
			case 2:
				err = f.ctx.Reset(f.opts)
			case 3:
				_, _, err = f.ctx.ComposeTile(context.Background(), 0, 1, 0)
			}
			if err != nil {
				report(err)
				return
			}
		}
	}()
	wg.Wait()
	f.cache.Wait()

	select {
	case err := <-errc:
		t.Fatal(err)
	default:
	}
	if f.ctx.Resets() != rounds/4 {
		t.Fatalf("resets = %d", f.ctx.Resets())
	}
}
