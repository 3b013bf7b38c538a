package api

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/seaview-tiles/server/internal/cache"
	"github.com/seaview-tiles/server/internal/catalog"
	"github.com/seaview-tiles/server/internal/config"
	"github.com/seaview-tiles/server/internal/service"
	"github.com/seaview-tiles/server/internal/settings"
	"github.com/seaview-tiles/server/internal/viewer"
)

// writeTestPyramid stores a 16x8 two-level pyramid of constant tiles.
func writeTestPyramid(t *testing.T, subpaths ...string) string {
	t.Helper()
	root := t.TempDir()
	tiles := map[string]image.Rectangle{
		"0_0_0.png": image.Rect(0, 0, 8, 8),
		"0_1_0.png": image.Rect(0, 0, 8, 8),
		"1_0_0.png": image.Rect(0, 0, 8, 4),
	}
	for _, sub := range subpaths {
		if err := os.MkdirAll(filepath.Join(root, sub), 0755); err != nil {
			t.Fatal(err)
		}
		for name, r := range tiles {
			g := image.NewGray(r)
			for i := range g.Pix {
				g.Pix[i] = 255
			}
			var buf bytes.Buffer
			if err := png.Encode(&buf, g); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(filepath.Join(root, sub, name), buf.Bytes(), 0644); err != nil {
				t.Fatal(err)
			}
		}
	}
	return root
}

func testSlideConfig(root string) config.SlideConfig {
	red, green := 0.0, 120.0
	return config.SlideConfig{
		Title:    "Test slide",
		Width:    16,
		Height:   8,
		TileSize: 8,
		MaxLevel: 1,
		Path:     root,
		Ext:      "png",
		Channels: []config.ChannelConfig{
			{Name: "DNA", Subpath: "DNA_0__DNA", Hue: &red, Visible: true},
			{Name: "CD3D", Subpath: "CD3D_1__CD3D", Hue: &green, Visible: true},
		},
	}
}

type testRouter struct {
	handler  http.Handler
	registry *SlideRegistry
	catalog  *catalog.Store
	root     string
	builds   *atomic.Int32
}

func setupTestRouter(t *testing.T) *testRouter {
	t.Helper()
	root := writeTestPyramid(t, "DNA_0__DNA", "CD3D_1__CD3D")

	renderCfg := config.DefaultConfig().Render
	renderCfg.SurfaceWidth = 16
	renderCfg.SurfaceHeight = 8
	builds := new(atomic.Int32)
	factory := func(id string, slide config.SlideConfig) (*service.SlideService, error) {
		builds.Add(1)
		return service.NewSlideService(service.SlideServiceConfig{
			SlideID: id,
			Slide:   slide,
			Render:  renderCfg,
			Cache:   cache.Config{SnapshotCacheSizeMB: 16, SnapshotTTL: time.Minute, MaxTiles: 64},
		})
	}

	svc, err := factory("test", testSlideConfig(root))
	if err != nil {
		t.Fatalf("Failed to initialize slide: %v", err)
	}
	registry := NewSlideRegistry("test", "")
	registry.Register("test", svc)
	t.Cleanup(registry.Close)

	store, err := catalog.NewStore(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("Failed to open catalog: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return &testRouter{
		handler: NewRouter(RouterConfig{
			Registry:    registry,
			CORSOrigins: []string{"http://localhost:3000"},
			Catalog:     store,
			NewSlide:    factory,
		}),
		registry: registry,
		catalog:  store,
		root:     root,
		builds:   builds,
	}
}

func (tr *testRouter) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	tr.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	tr := setupTestRouter(t)
	rr := tr.do(t, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK || rr.Body.String() != "OK" {
		t.Fatalf("unexpected health response %d %q", rr.Code, rr.Body.String())
	}
}

func TestSlidesEndpoint(t *testing.T) {
	tr := setupTestRouter(t)
	rr := tr.do(t, http.MethodGet, "/api/slides", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		Default string      `json:"default"`
		Slides  []SlideInfo `json:"slides"`
		Title   string      `json:"title"`
	}
	decodeBody(t, rr, &resp)
	if resp.Default != "test" || len(resp.Slides) != 1 || resp.Slides[0].Name != "Test slide" || resp.Slides[0].Channels != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}

	if rr := tr.do(t, http.MethodGet, "/d/missing/api/metadata", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown slide, got %d", rr.Code)
	}
}

func TestChannelEndpoints(t *testing.T) {
	tr := setupTestRouter(t)

	rr := tr.do(t, http.MethodPut, "/d/test/api/channels/1/color", `{"h": 240}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("color: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var snap settings.Snapshot
	decodeBody(t, rr, &snap)
	if snap.Version != 2 || snap.Weights[1][2] != 1 || snap.Weights[1][1] != 0 {
		t.Fatalf("unexpected legend %+v", snap)
	}

	rr = tr.do(t, http.MethodPut, "/d/test/api/channels/0/color", `{"hex": "#00ffff"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("hex color: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = tr.do(t, http.MethodPost, "/d/test/api/channels/0/toggle", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("toggle: expected 200, got %d", rr.Code)
	}
	decodeBody(t, rr, &snap)
	if snap.Visible[0] {
		t.Fatal("channel 0 should be hidden")
	}

	var channels []service.ChannelInfo
	decodeBody(t, tr.do(t, http.MethodGet, "/d/test/api/channels", ""), &channels)
	if len(channels) != 2 || channels[0].Color != "#00ffff" || channels[0].Visible || channels[1].Color != "#0000ff" {
		t.Fatalf("unexpected channels %+v", channels)
	}

	for _, tc := range []struct{ method, path, body string }{
		{http.MethodPost, "/d/test/api/channels/9/toggle", ""},
		{http.MethodPost, "/d/test/api/channels/x/toggle", ""},
		{http.MethodPut, "/d/test/api/channels/0/color", `{"s": 50}`},
		{http.MethodPut, "/d/test/api/channels/0/color", `not json`},
		{http.MethodPut, "/d/test/api/tile_shape", `{"shape": [0, 8]}`},
	} {
		if rr := tr.do(t, tc.method, tc.path, tc.body); rr.Code != http.StatusBadRequest {
			t.Errorf("%s %s %s: expected 400, got %d", tc.method, tc.path, tc.body, rr.Code)
		}
	}
}

func TestViewEndpoints(t *testing.T) {
	tr := setupTestRouter(t)

	var v viewer.ViewState
	decodeBody(t, tr.do(t, http.MethodGet, "/d/test/api/view", ""), &v)
	if v.Zoom != -1 || v.Target != [2]float64{8, 4} {
		t.Fatalf("unexpected home view %+v", v)
	}

	rr := tr.do(t, http.MethodPut, "/d/test/api/view", `{"zoom": 0}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	decodeBody(t, rr, &v)
	if v.Zoom != 0 || v.Target != [2]float64{8, 4} {
		t.Fatalf("unexpected view %+v", v)
	}
	decodeBody(t, tr.do(t, http.MethodGet, "/d/test/api/view", ""), &v)
	if v.Zoom != 0 {
		t.Fatalf("viewport change not reported, got %+v", v)
	}

	rr = tr.do(t, http.MethodGet, "/d/test/view.png", "")
	if rr.Code != http.StatusOK || rr.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("view.png: %d %s", rr.Code, rr.Header().Get("Content-Type"))
	}
	img, err := png.Decode(rr.Body)
	if err != nil {
		t.Fatal(err)
	}
	if r, g, b, _ := img.At(4, 4).RGBA(); r != 0xffff || g != 0xffff || b != 0 {
		t.Fatalf("expected yellow, got %x %x %x", r, g, b)
	}

	rr = tr.do(t, http.MethodGet, "/d/test/view.hdr", "")
	if rr.Code != http.StatusOK || !strings.HasPrefix(rr.Body.String(), "#?") {
		t.Fatalf("view.hdr: %d", rr.Code)
	}

	rr = tr.do(t, http.MethodPut, "/d/test/api/surface", `{"width": 32, "height": 16}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("surface: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	rr = tr.do(t, http.MethodGet, "/d/test/view.png", "")
	img, _ = png.Decode(rr.Body)
	if img.Bounds().Dx() != 32 {
		t.Fatalf("expected resized view, got %v", img.Bounds())
	}
}

func TestCompositeAndRawTiles(t *testing.T) {
	tr := setupTestRouter(t)

	rr := tr.do(t, http.MethodGet, "/d/test/composite/0/1/0.png", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	img, err := png.Decode(rr.Body)
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 8 {
		t.Fatalf("unexpected bounds %v", img.Bounds())
	}

	// Outside the pyramid: transparent tile.
	rr = tr.do(t, http.MethodGet, "/d/test/composite/0/9/0.png", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected empty tile, got %d", rr.Code)
	}
	img, _ = png.Decode(rr.Body)
	if _, _, _, a := img.At(0, 0).RGBA(); a != 0 {
		t.Fatal("expected transparent tile")
	}

	if rr := tr.do(t, http.MethodGet, "/d/test/composite/a/0/0.png", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}

	rr = tr.do(t, http.MethodGet, "/d/test/tiles/DNA_0__DNA/1_0_0.png", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("raw tile: expected 200, got %d", rr.Code)
	}
	if rr := tr.do(t, http.MethodGet, "/d/test/tiles/other/1_0_0.png", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown channel, got %d", rr.Code)
	}

	var stats struct {
		Cache cache.Stats `json:"cache"`
		State string      `json:"state"`
	}
	decodeBody(t, tr.do(t, http.MethodGet, "/d/test/api/stats", ""), &stats)
	if stats.State != "ready" || stats.Cache.Tiles == 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRegisterSlide(t *testing.T) {
	tr := setupTestRouter(t)

	slide := testSlideConfig(tr.root)
	slide.Title = "Registered"
	body, _ := json.Marshal(registerSlideRequest{ID: "second", Slide: slide})
	rr := tr.do(t, http.MethodPost, "/api/slides", string(body))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if tr.registry.Get("second") == nil {
		t.Fatal("registered slide is not served")
	}
	if rr := tr.do(t, http.MethodGet, "/d/second/api/metadata", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	// Re-registering an existing slide reloads it in place.
	slide.Channels = slide.Channels[:1]
	body, _ = json.Marshal(registerSlideRequest{ID: "test", Slide: slide})
	rr = tr.do(t, http.MethodPost, "/api/slides", string(body))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var info service.SlideInfo
	decodeBody(t, tr.do(t, http.MethodGet, "/d/test/api/metadata", ""), &info)
	if len(info.Channels) != 1 || info.Title != "Registered" {
		t.Fatalf("unexpected metadata after reload %+v", info)
	}
	if got := tr.registry.Get("test").Viewer().Resets(); got != 1 {
		t.Fatalf("expected one reset, got %d", got)
	}

	var resp struct {
		Catalog []catalog.Entry `json:"catalog"`
	}
	decodeBody(t, tr.do(t, http.MethodGet, "/api/slides", ""), &resp)
	if len(resp.Catalog) != 2 {
		t.Fatalf("expected 2 catalog entries, got %d", len(resp.Catalog))
	}

	bad := testSlideConfig(tr.root)
	bad.Channels = nil
	body, _ = json.Marshal(registerSlideRequest{ID: "bad", Slide: bad})
	if rr := tr.do(t, http.MethodPost, "/api/slides", string(body)); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestRegisterSlideConcurrently(t *testing.T) {
	tr := setupTestRouter(t)
	body, _ := json.Marshal(registerSlideRequest{ID: "third", Slide: testSlideConfig(tr.root)})

	const n = 8
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = tr.do(t, http.MethodPost, "/api/slides", string(body)).Code
		}(i)
	}
	wg.Wait()

	created := 0
	for _, code := range codes {
		switch code {
		case http.StatusCreated:
			created++
		case http.StatusOK:
		default:
			t.Fatalf("unexpected status %d", code)
		}
	}
	if created != 1 {
		t.Fatalf("expected exactly one 201, got %d", created)
	}
	// One build for the configured slide, one for "third".
	if got := tr.builds.Load(); got != 2 {
		t.Fatalf("expected 2 services built, got %d", got)
	}
	if got := tr.registry.Get("third").Viewer().Resets(); got != n-1 {
		t.Fatalf("expected %d reloads, got %d", n-1, got)
	}
}

func TestRegisterReplacesAndClosesService(t *testing.T) {
	tr := setupTestRouter(t)
	old := tr.registry.Get("test")

	svc, err := service.NewSlideService(service.SlideServiceConfig{
		SlideID: "test",
		Slide:   testSlideConfig(tr.root),
		Render:  config.DefaultConfig().Render,
		Cache:   cache.Config{SnapshotCacheSizeMB: 16, SnapshotTTL: time.Minute, MaxTiles: 64},
	})
	if err != nil {
		t.Fatal(err)
	}
	tr.registry.Register("test", svc)
	if old.Viewer().State() != viewer.StateDestroyed {
		t.Fatalf("replaced service still %s", old.Viewer().State())
	}
	if tr.registry.Get("test") != svc || len(tr.registry.SlideIDs()) != 1 {
		t.Fatal("registry must hold the new service once")
	}
}

func TestFailedReloadIsNotCataloged(t *testing.T) {
	tr := setupTestRouter(t)
	if err := tr.registry.Get("test").Viewer().Destroy(); err != nil {
		t.Fatal(err)
	}

	slide := testSlideConfig(tr.root)
	slide.Title = "Never served"
	body, _ := json.Marshal(registerSlideRequest{ID: "test", Slide: slide})
	rr := tr.do(t, http.MethodPost, "/api/slides", string(body))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rr.Code, rr.Body.String())
	}
	entry, err := tr.catalog.Get("test")
	if err != nil {
		t.Fatal(err)
	}
	if entry != nil {
		t.Fatalf("catalog recorded a slide that failed to load: %+v", entry)
	}
	if got := tr.registry.Get("test").Slide().Title; got != "Test slide" {
		t.Fatalf("title changed to %q", got)
	}
}

func TestSurfaceTooLarge(t *testing.T) {
	tr := setupTestRouter(t)
	rr := tr.do(t, http.MethodPut, "/d/test/api/surface", `{"width": 100000, "height": 8}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := tr.registry.Get("test").Viewer().Engine().Surface(); got.Width != 16 {
		t.Fatalf("surface changed to %+v", got)
	}
}

func TestZstdResponses(t *testing.T) {
	tr := setupTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/d/test/api/metadata", nil)
	req.Header.Set("Accept-Encoding", "zstd")
	rr := httptest.NewRecorder()
	tr.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Encoding"); got != "zstd" {
		t.Fatalf("expected zstd encoding, got %q", got)
	}
	dec, err := zstd.NewReader(rr.Body)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	var info service.SlideInfo
	if err := json.NewDecoder(dec).Decode(&info); err != nil {
		t.Fatalf("decode zstd body: %v", err)
	}
	if info.ID != "test" || len(info.Channels) != 2 {
		t.Fatalf("unexpected metadata %+v", info)
	}

	// PNG tiles are already compressed.
	req = httptest.NewRequest(http.MethodGet, "/d/test/composite/0/0/0.png", nil)
	req.Header.Set("Accept-Encoding", "zstd")
	rr = httptest.NewRecorder()
	tr.handler.ServeHTTP(rr, req)
	if got := rr.Header().Get("Content-Encoding"); got != "" {
		t.Fatalf("png must not be re-encoded, got %q", got)
	}
}
