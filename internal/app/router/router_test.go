package router

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/fieldcare/internal/domain/cachestore"
	"github.com/coachpo/fieldcare/internal/infra/persistence/memory"
	"github.com/coachpo/fieldcare/internal/observability"
)

type upstream struct {
	srv  *httptest.Server
	down atomic.Bool
	hits sync.Map

	mu     sync.Mutex
	bodies map[string]string
	posted []string
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{bodies: map[string]string{
		"/offline.html": "<h1>offline</h1>",
		"/app.css":      "body{}",
		"/index.html":   "<h1>home</h1>",
		"/api/animals":  `[{"id":7}]`,
	}}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counter, _ := u.hits.LoadOrStore(r.URL.Path, new(atomic.Int32))
		counter.(*atomic.Int32).Add(1)
		if r.Method == http.MethodPost {
			b, _ := io.ReadAll(r.Body)
			u.mu.Lock()
			u.posted = append(u.posted, string(b))
			u.mu.Unlock()
			w.WriteHeader(http.StatusCreated)
			return
		}
		if r.URL.Path == "/api/broken" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		u.mu.Lock()
		body, ok := u.bodies[r.URL.Path]
		u.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) set(path, body string) {
	u.mu.Lock()
	u.bodies[path] = body
	u.mu.Unlock()
}

func (u *upstream) count(path string) int32 {
	v, ok := u.hits.Load(path)
	if !ok {
		return 0
	}
	return v.(*atomic.Int32).Load()
}

func (u *upstream) transport() http.RoundTripper {
	return roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if u.down.Load() {
			return nil, errors.New("network unreachable")
		}
		return http.DefaultTransport.RoundTrip(r)
	})
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func newRouter(t *testing.T, u *upstream, storage cachestore.Storage, version string) *Router {
	t.Helper()
	rules := Rules{
		StaticPaths:      []string{"/", "/index.html"},
		StaticExtensions: []string{"css", ".js", ".html"},
		APIPrefixes:      []string{"/api/"},
		OfflineDocument:  "/offline.html",
	}
	rt, err := New(Config{
		Upstream:        u.srv.URL,
		Version:         version,
		StaticPrefix:    "static",
		DynamicPrefix:   "dynamic",
		Precache:        []string{"/index.html"},
		OfflineDocument: "/offline.html",
		MaxEntryBytes:   1024,
		Storage:         storage,
		Classifier:      NewRuleClassifier(rules),
		Transport:       u.transport(),
		Logger:          observability.NopLogger(),
	})
	require.NoError(t, err)
	return rt
}

func serve(rt http.Handler, method, path string, headers map[string]string, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	return rec
}

func TestRuleClassifier(t *testing.T) {
	c := NewRuleClassifier(Rules{
		StaticPaths:      []string{"/"},
		StaticExtensions: []string{"css"},
		APIPrefixes:      []string{"/api/"},
		OfflineDocument:  "/offline.html",
	})
	cases := []struct {
		method, path string
		want         Policy
	}{
		{http.MethodGet, "/", PolicyCacheFirst},
		{http.MethodGet, "/offline.html", PolicyCacheFirst},
		{http.MethodHead, "/theme/app.CSS", PolicyCacheFirst},
		{http.MethodGet, "/api/animals", PolicyNetworkFirst},
		{http.MethodPost, "/api/submissions", PolicyPassthrough},
		{http.MethodPost, "/app.css", PolicyPassthrough},
		{http.MethodGet, "/reports/pdf", PolicyPassthrough},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		if got := c.Classify(req); got != tc.want {
			t.Fatalf("%s %s: expected %s, got %s", tc.method, tc.path, tc.want, got)
		}
	}
}

func TestCacheFirstServesHitWithoutNetwork(t *testing.T) {
	u := newUpstream(t)
	rt := newRouter(t, u, memory.NewCacheStorage(), "v1")

	first := serve(rt, http.MethodGet, "/app.css", nil, "")
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, "miss", first.Header().Get(CacheHeader))

	second := serve(rt, http.MethodGet, "/app.css", nil, "")
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, "hit", second.Header().Get(CacheHeader))
	require.Equal(t, "body{}", second.Body.String())
	require.EqualValues(t, 1, u.count("/app.css"))
}

type openCounter struct {
	cachestore.Storage
	opens atomic.Int32
}

func (c *openCounter) Open(ctx context.Context, name string) (cachestore.Bucket, error) {
	c.opens.Add(1)
	return c.Storage.Open(ctx, name)
}

func TestCacheFirstReadsDoNotOpenBuckets(t *testing.T) {
	u := newUpstream(t)
	ctx := context.Background()
	storage := &openCounter{Storage: memory.NewCacheStorage()}
	rt := newRouter(t, u, storage, "v1")

	u.down.Store(true)
	require.Equal(t, http.StatusBadGateway, serve(rt, http.MethodGet, "/app.css", nil, "").Code)
	require.Zero(t, storage.opens.Load(), "a failed read must not create the static bucket")
	names, err := storage.Names(ctx)
	require.NoError(t, err)
	require.Empty(t, names)

	u.down.Store(false)
	require.Equal(t, "miss", serve(rt, http.MethodGet, "/app.css", nil, "").Header().Get(CacheHeader))
	require.EqualValues(t, 1, storage.opens.Load())

	for i := 0; i < 3; i++ {
		require.Equal(t, "hit", serve(rt, http.MethodGet, "/app.css", nil, "").Header().Get(CacheHeader))
	}
	require.EqualValues(t, 1, storage.opens.Load(), "hits must not open buckets")
}

func TestCacheFirstOfflineFallbackDocument(t *testing.T) {
	u := newUpstream(t)
	rt := newRouter(t, u, memory.NewCacheStorage(), "v1")
	require.NoError(t, rt.Install(context.Background()))

	u.down.Store(true)
	doc := serve(rt, http.MethodGet, "/reports.html", map[string]string{"Accept": "text/html,application/xhtml+xml"}, "")
	require.Equal(t, http.StatusOK, doc.Code)
	require.Equal(t, "offline-document", doc.Header().Get(CacheHeader))
	require.Equal(t, "<h1>offline</h1>", doc.Body.String())

	nav := serve(rt, http.MethodGet, "/reports.html", map[string]string{"Sec-Fetch-Mode": "navigate"}, "")
	require.Equal(t, "offline-document", nav.Header().Get(CacheHeader))

	asset := serve(rt, http.MethodGet, "/missing.css", map[string]string{"Accept": "text/css"}, "")
	require.Equal(t, http.StatusBadGateway, asset.Code)

	precached := serve(rt, http.MethodGet, "/index.html", nil, "")
	require.Equal(t, "hit", precached.Header().Get(CacheHeader))
	require.Equal(t, "<h1>home</h1>", precached.Body.String())
}

func TestNetworkFirstPrefersFreshAndFallsBack(t *testing.T) {
	u := newUpstream(t)
	storage := memory.NewCacheStorage()
	rt := newRouter(t, u, storage, "v1")

	fresh := serve(rt, http.MethodGet, "/api/animals", nil, "")
	require.Equal(t, "network", fresh.Header().Get(CacheHeader))
	require.Equal(t, `[{"id":7}]`, fresh.Body.String())

	u.set("/api/animals", `[{"id":7},{"id":8}]`)
	newer := serve(rt, http.MethodGet, "/api/animals", nil, "")
	require.Equal(t, `[{"id":7},{"id":8}]`, newer.Body.String(), "network-first must not serve stale data when online")

	u.down.Store(true)
	stale := serve(rt, http.MethodGet, "/api/animals", nil, "")
	require.Equal(t, http.StatusOK, stale.Code)
	require.Equal(t, "fallback", stale.Header().Get(CacheHeader))
	require.Equal(t, `[{"id":7},{"id":8}]`, stale.Body.String())

	unknown := serve(rt, http.MethodGet, "/api/feeding", nil, "")
	require.Equal(t, http.StatusBadGateway, unknown.Code)
}

func TestNonSuccessResponsesAreNotCached(t *testing.T) {
	u := newUpstream(t)
	rt := newRouter(t, u, memory.NewCacheStorage(), "v1")

	broken := serve(rt, http.MethodGet, "/api/broken", nil, "")
	require.Equal(t, http.StatusInternalServerError, broken.Code)

	u.down.Store(true)
	again := serve(rt, http.MethodGet, "/api/broken", nil, "")
	require.Equal(t, http.StatusBadGateway, again.Code)
}

func TestOversizedResponsesAreNotCached(t *testing.T) {
	u := newUpstream(t)
	u.set("/big.js", strings.Repeat("x", 2048))
	rt := newRouter(t, u, memory.NewCacheStorage(), "v1")

	serve(rt, http.MethodGet, "/big.js", nil, "")
	again := serve(rt, http.MethodGet, "/big.js", nil, "")
	require.Equal(t, "miss", again.Header().Get(CacheHeader))
	require.EqualValues(t, 2, u.count("/big.js"))
}

func TestWritesPassStraightThrough(t *testing.T) {
	u := newUpstream(t)
	storage := memory.NewCacheStorage()
	rt := newRouter(t, u, storage, "v1")

	rec := serve(rt, http.MethodPost, "/api/submissions", map[string]string{"Content-Type": "application/json"}, `{"animalId":7}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Empty(t, rec.Header().Get(CacheHeader))
	u.mu.Lock()
	require.Equal(t, []string{`{"animalId":7}`}, u.posted)
	u.mu.Unlock()

	names, err := storage.Names(context.Background())
	require.NoError(t, err)
	require.Empty(t, names, "a write must never create or fill a bucket")

	u.down.Store(true)
	failed := serve(rt, http.MethodPost, "/api/submissions", nil, `{}`)
	require.Equal(t, http.StatusBadGateway, failed.Code)
}

func TestActivateSwapsBucketGeneration(t *testing.T) {
	u := newUpstream(t)
	storage := memory.NewCacheStorage()
	ctx := context.Background()

	v1 := newRouter(t, u, storage, "v1")
	require.NoError(t, v1.Install(ctx))
	require.Equal(t, "miss", serve(v1, http.MethodGet, "/app.css", nil, "").Header().Get(CacheHeader))
	require.Equal(t, "hit", serve(v1, http.MethodGet, "/app.css", nil, "").Header().Get(CacheHeader))
	serve(v1, http.MethodGet, "/api/animals", nil, "")

	v2 := newRouter(t, u, storage, "v2")
	require.NoError(t, v2.Install(ctx))
	deleted, err := v2.Activate(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"static-v1", "dynamic-v1"}, deleted)

	names, err := storage.Names(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"static-v2"}, names)

	u.down.Store(true)
	require.Equal(t, http.StatusBadGateway, serve(v2, http.MethodGet, "/app.css", nil, "").Code,
		"a v1 entry must not be retrievable after activation")

	u.down.Store(false)
	fresh := serve(v2, http.MethodGet, "/app.css", nil, "")
	require.Equal(t, "miss", fresh.Header().Get(CacheHeader))
	require.EqualValues(t, 2, u.count("/app.css"))

	again, err := v2.Activate(ctx)
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestActivateMatchesExactGenerationNames(t *testing.T) {
	u := newUpstream(t)
	storage := memory.NewCacheStorage()
	ctx := context.Background()
	for _, name := range []string{"static-1-2", "dynamic-1-2", "static-2", "dynamic-2"} {
		_, err := storage.Open(ctx, name)
		require.NoError(t, err)
	}

	rt := newRouter(t, u, storage, "2")
	deleted, err := rt.Activate(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"static-1-2", "dynamic-1-2"}, deleted)

	names, err := storage.Names(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"static-2", "dynamic-2"}, names)
}

func TestInstallReportsPrecacheFailures(t *testing.T) {
	u := newUpstream(t)
	rt, err := New(Config{
		Upstream:        u.srv.URL,
		Version:         "v1",
		Precache:        []string{"/index.html", "/missing.html"},
		OfflineDocument: "/offline.html",
		Storage:         memory.NewCacheStorage(),
		Transport:       u.transport(),
		Logger:          observability.NopLogger(),
	})
	require.NoError(t, err)
	err = rt.Install(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "/missing.html")
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Upstream: "not a url", Version: "v1", Storage: memory.NewCacheStorage()})
	require.Error(t, err)
	_, err = New(Config{Upstream: "http://localhost", Storage: memory.NewCacheStorage()})
	require.Error(t, err)
	_, err = New(Config{Upstream: "http://localhost", Version: "v1"})
	require.Error(t, err)
}
