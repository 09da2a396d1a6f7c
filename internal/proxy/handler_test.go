package proxy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/cache-hub/cache-hub/internal/cache"
	"github.com/cache-hub/cache-hub/internal/config"
	"github.com/cache-hub/cache-hub/internal/server"
)

const testDomain = "assets.cache.local"

// proxyFixture 把一次端到端测试需要的组件拼起来：假上游、临时磁盘缓存
// 与完整的 Fiber 应用。
type proxyFixture struct {
	app      *fiber.App
	handler  *Handler
	store    cache.Store
	upstream *httptest.Server
	hits     atomic.Int64
}

func newProxyFixture(t *testing.T, upstreamHandler http.HandlerFunc, writers config.WritersConfig) *proxyFixture {
	t.Helper()

	fx := &proxyFixture{}
	fx.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fx.hits.Add(1)
		upstreamHandler(w, r)
	}))
	t.Cleanup(fx.upstream.Close)

	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	fx.store = store

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	fx.handler = NewHandler(Options{
		Client:  fx.upstream.Client(),
		Logger:  logger,
		Store:   store,
		Metrics: cache.NewMetrics(prometheus.NewRegistry()),
		Writers: writers,
	})

	registry, err := server.NewOriginRegistry(&config.Config{
		Global: config.GlobalConfig{
			ListenPort: 5000,
			CacheTTL:   config.Duration(time.Hour),
		},
		Origins: []config.OriginConfig{
			{Name: "assets", Domain: testDomain, Upstream: fx.upstream.URL},
		},
	})
	if err != nil {
		t.Fatalf("NewOriginRegistry: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      fx.handler,
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	fx.app = app
	return fx
}

func defaultWritersConfig() config.WritersConfig {
	return config.WritersConfig{
		ReadBufferSize:     32 * 1024,
		DefaultPriority:    "normal",
		MaxRestartAttempts: 1,
	}
}

func (fx *proxyFixture) do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	resp, err := fx.app.Test(req, fiber.TestConfig{Timeout: 5 * time.Second, FailOnTimeout: true})
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

func originRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, "http://"+testDomain+path, nil)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	resp.Body.Close()
	return string(body)
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestMissThenHitServesFromCache(t *testing.T) {
	const payload = "hello cache hub"
	fx := newProxyFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Etag", `"v1"`)
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, payload)
	}, defaultWritersConfig())

	resp := fx.do(t, originRequest("GET", "/static/app.js"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Cache-Hub-Cache-Hit"); got != "false" {
		t.Fatalf("first cache hit header = %q", got)
	}
	if body := readBody(t, resp); body != payload {
		t.Fatalf("first body = %q", body)
	}

	resp = fx.do(t, originRequest("GET", "/static/app.js"))
	if got := resp.Header.Get("X-Cache-Hub-Cache-Hit"); got != "true" {
		t.Fatalf("second cache hit header = %q", got)
	}
	if body := readBody(t, resp); body != payload {
		t.Fatalf("second body = %q", body)
	}
	if got := fx.hits.Load(); got != 1 {
		t.Fatalf("upstream hits = %d, want 1", got)
	}
}

func TestHeadMissForwardsWithoutCaching(t *testing.T) {
	fx := newProxyFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "5")
		w.WriteHeader(http.StatusOK)
	}, defaultWritersConfig())

	resp := fx.do(t, originRequest("HEAD", "/pkg/tool.tgz"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	readBody(t, resp)

	if _, err := fx.store.Open(context.Background(), cache.Locator{Origin: "assets", Path: "/pkg/tool.tgz"}); err == nil {
		t.Fatalf("HEAD request should not create a cache entry")
	}
	if got := fx.hits.Load(); got != 1 {
		t.Fatalf("upstream hits = %d, want 1", got)
	}
}

func TestNonGetBypassesCache(t *testing.T) {
	var seenMethod atomic.Value
	fx := newProxyFixture(t, func(w http.ResponseWriter, r *http.Request) {
		seenMethod.Store(r.Method)
		io.WriteString(w, "posted")
	}, defaultWritersConfig())

	resp := fx.do(t, originRequest("POST", "/api/upload"))
	if body := readBody(t, resp); body != "posted" {
		t.Fatalf("body = %q", body)
	}
	if got, _ := seenMethod.Load().(string); got != http.MethodPost {
		t.Fatalf("upstream method = %q", got)
	}
	if _, err := fx.store.Open(context.Background(), cache.Locator{Origin: "assets", Path: "/api/upload"}); err == nil {
		t.Fatalf("POST should not create a cache entry")
	}
}

func TestClientRangeBypassesCache(t *testing.T) {
	var seenRange atomic.Value
	fx := newProxyFixture(t, func(w http.ResponseWriter, r *http.Request) {
		seenRange.Store(r.Header.Get("Range"))
		w.Header().Set("Content-Range", "bytes 0-3/16")
		w.WriteHeader(http.StatusPartialContent)
		io.WriteString(w, "abcd")
	}, defaultWritersConfig())

	req := originRequest("GET", "/big/file.bin")
	req.Header.Set("Range", "bytes=0-3")
	resp := fx.do(t, req)
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", resp.StatusCode)
	}
	if body := readBody(t, resp); body != "abcd" {
		t.Fatalf("body = %q", body)
	}
	if got, _ := seenRange.Load().(string); got != "bytes=0-3" {
		t.Fatalf("upstream range header = %q", got)
	}
	if _, err := fx.store.Open(context.Background(), cache.Locator{Origin: "assets", Path: "/big/file.bin"}); err == nil {
		t.Fatalf("range request should not create a cache entry")
	}
}

func TestNoStoreResponseStreamsDirect(t *testing.T) {
	fx := newProxyFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		io.WriteString(w, "volatile")
	}, defaultWritersConfig())

	for i := 0; i < 2; i++ {
		resp := fx.do(t, originRequest("GET", "/live/feed"))
		if got := resp.Header.Get("X-Cache-Hub-Cache-Hit"); got != "false" {
			t.Fatalf("request %d cache hit header = %q", i, got)
		}
		if body := readBody(t, resp); body != "volatile" {
			t.Fatalf("request %d body = %q", i, body)
		}
	}
	if got := fx.hits.Load(); got != 2 {
		t.Fatalf("upstream hits = %d, want 2", got)
	}
}

func TestNon200ResponseNotCached(t *testing.T) {
	fx := newProxyFixture(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}, defaultWritersConfig())

	for i := 0; i < 2; i++ {
		resp := fx.do(t, originRequest("GET", "/missing"))
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("request %d status = %d", i, resp.StatusCode)
		}
		readBody(t, resp)
	}
	if got := fx.hits.Load(); got != 2 {
		t.Fatalf("upstream hits = %d, want 2", got)
	}
}

func TestConcurrentRequestsShareOneFetch(t *testing.T) {
	firstArrived := make(chan struct{})
	release := make(chan struct{})
	fx := newProxyFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Etag", `"v1"`)
		w.Header().Set("Content-Length", "16")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "chunk-1:")
		w.(http.Flusher).Flush()
		close(firstArrived)
		<-release
		io.WriteString(w, "chunk-2!")
	}, defaultWritersConfig())

	type result struct {
		body string
		hit  string
	}
	results := make(chan result, 2)
	serve := func() {
		resp, err := fx.app.Test(originRequest("GET", "/shared/blob"),
			fiber.TestConfig{Timeout: 5 * time.Second, FailOnTimeout: true})
		if err != nil {
			results <- result{body: "error: " + err.Error()}
			return
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		results <- result{body: string(body), hit: resp.Header.Get("X-Cache-Hub-Cache-Hit")}
	}

	go serve()
	<-firstArrived
	waitUntil(t, func() bool {
		return len(fx.handler.ActiveWriters()) == 1
	}, "first fetch never registered")

	go serve()
	waitUntil(t, func() bool {
		writers := fx.handler.ActiveWriters()
		return len(writers) == 1 && writers[0].Consumers == 2
	}, "second request never joined the shared fetch")
	close(release)

	for i := 0; i < 2; i++ {
		got := <-results
		if got.body != "chunk-1:chunk-2!" {
			t.Fatalf("body = %q", got.body)
		}
		if got.hit != "false" {
			t.Fatalf("cache hit header = %q", got.hit)
		}
	}
	if got := fx.hits.Load(); got != 1 {
		t.Fatalf("upstream hits = %d, want 1", got)
	}

	resp := fx.do(t, originRequest("GET", "/shared/blob"))
	if got := resp.Header.Get("X-Cache-Hub-Cache-Hit"); got != "true" {
		t.Fatalf("follow-up cache hit header = %q", got)
	}
	readBody(t, resp)
}

func TestChecksumMismatchServedButPoisonsEntry(t *testing.T) {
	expected := sha256.Sum256([]byte("the real artifact"))
	path := "/blobs/sha256:" + hex.EncodeToString(expected[:])
	writers := defaultWritersConfig()
	writers.VerifyChecksum = true

	fx := newProxyFixture(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "tampered artifact")
	}, writers)

	resp := fx.do(t, originRequest("GET", path))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body := readBody(t, resp); body != "tampered artifact" {
		t.Fatalf("body = %q", body)
	}

	locator := cache.Locator{Origin: "assets", Path: path}
	if _, err := fx.store.Open(context.Background(), locator); err == nil {
		t.Fatalf("poisoned entry should not be servable")
	}
	meta, err := fx.store.Metadata(context.Background(), locator)
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if !meta.Unusable || meta.Complete {
		t.Fatalf("metadata = %+v, want unusable", meta)
	}

	// 下一次请求不复用被污染的条目，重新回源。
	resp = fx.do(t, originRequest("GET", path))
	readBody(t, resp)
	if got := fx.hits.Load(); got != 2 {
		t.Fatalf("upstream hits = %d, want 2", got)
	}
}

func TestChecksumMatchCachesEntry(t *testing.T) {
	const payload = "the real artifact"
	digest := sha256.Sum256([]byte(payload))
	path := "/blobs/sha256:" + hex.EncodeToString(digest[:])
	writers := defaultWritersConfig()
	writers.VerifyChecksum = true

	fx := newProxyFixture(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, payload)
	}, writers)

	resp := fx.do(t, originRequest("GET", path))
	if body := readBody(t, resp); body != payload {
		t.Fatalf("body = %q", body)
	}
	resp = fx.do(t, originRequest("GET", path))
	if got := resp.Header.Get("X-Cache-Hub-Cache-Hit"); got != "true" {
		t.Fatalf("cache hit header = %q", got)
	}
	if body := readBody(t, resp); body != payload {
		t.Fatalf("cached body = %q", body)
	}
	if got := fx.hits.Load(); got != 1 {
		t.Fatalf("upstream hits = %d, want 1", got)
	}
}

func seedTruncatedEntry(t *testing.T, store cache.Store, locator cache.Locator, prefix string, total int64) {
	t.Helper()
	ctx := context.Background()
	entry, err := store.Create(ctx, locator)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := entry.WriteData(ctx, cache.BodyStream, 0, []byte(prefix)); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	meta := cache.EntryMetadata{
		Status:        http.StatusOK,
		Header:        http.Header{"Etag": {`"v1"`}, "Content-Type": {"text/plain"}},
		ContentLength: total,
		FetchedAt:     time.Now().UTC(),
		Truncated:     true,
	}
	if err := entry.WriteMetadata(ctx, meta); err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}
	entry.Close()
}

func TestTruncatedEntryResumesWithRangeRequest(t *testing.T) {
	var seenRange, seenIfRange atomic.Value
	fx := newProxyFixture(t, func(w http.ResponseWriter, r *http.Request) {
		seenRange.Store(r.Header.Get("Range"))
		seenIfRange.Store(r.Header.Get("If-Range"))
		w.Header().Set("Content-Range", "bytes 6-10/11")
		w.WriteHeader(http.StatusPartialContent)
		io.WriteString(w, "world")
	}, defaultWritersConfig())

	locator := cache.Locator{Origin: "assets", Path: "/data/file.txt"}
	seedTruncatedEntry(t, fx.store, locator, "hello ", 11)

	resp := fx.do(t, originRequest("GET", "/data/file.txt"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 rebuilt from partial", resp.StatusCode)
	}
	if body := readBody(t, resp); body != "hello world" {
		t.Fatalf("body = %q", body)
	}
	if got, _ := seenRange.Load().(string); got != "bytes=6-" {
		t.Fatalf("upstream range header = %q", got)
	}
	if got, _ := seenIfRange.Load().(string); got != `"v1"` {
		t.Fatalf("upstream if-range header = %q", got)
	}

	// 补全后的条目提升为完整条目，直接命中。
	resp = fx.do(t, originRequest("GET", "/data/file.txt"))
	if got := resp.Header.Get("X-Cache-Hub-Cache-Hit"); got != "true" {
		t.Fatalf("cache hit header = %q", got)
	}
	if body := readBody(t, resp); body != "hello world" {
		t.Fatalf("cached body = %q", body)
	}
	if got := fx.hits.Load(); got != 1 {
		t.Fatalf("upstream hits = %d, want 1", got)
	}
}

func TestResumeValidatorMismatchRefetchesFullBody(t *testing.T) {
	const fresh = "fresh full body"
	fx := newProxyFixture(t, func(w http.ResponseWriter, r *http.Request) {
		// 校验器已失效：无视 Range，返回全新正文。
		w.Header().Set("Etag", `"v2"`)
		io.WriteString(w, fresh)
	}, defaultWritersConfig())

	locator := cache.Locator{Origin: "assets", Path: "/data/rotated.txt"}
	seedTruncatedEntry(t, fx.store, locator, "hello ", 11)

	resp := fx.do(t, originRequest("GET", "/data/rotated.txt"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body := readBody(t, resp); body != fresh {
		t.Fatalf("body = %q", body)
	}

	result, err := fx.store.Open(context.Background(), locator)
	if err != nil {
		t.Fatalf("rebuilt entry should be servable: %v", err)
	}
	rebuilt, _ := io.ReadAll(result.Reader)
	result.Reader.Close()
	if string(rebuilt) != fresh {
		t.Fatalf("rebuilt entry body = %q", rebuilt)
	}
	if got := fx.hits.Load(); got != 1 {
		t.Fatalf("upstream hits = %d, want 1", got)
	}
}

func TestUnusableEntryIsNotResumed(t *testing.T) {
	fx := newProxyFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			t.Errorf("unexpected range request: %q", r.Header.Get("Range"))
		}
		io.WriteString(w, "replacement")
	}, defaultWritersConfig())

	locator := cache.Locator{Origin: "assets", Path: "/data/poisoned.txt"}
	ctx := context.Background()
	entry, err := fx.store.Create(ctx, locator)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	entry.WriteData(ctx, cache.BodyStream, 0, []byte("bad"))
	if err := entry.WriteMetadata(ctx, cache.EntryMetadata{
		Status:        http.StatusOK,
		Header:        http.Header{"Etag": {`"v1"`}},
		ContentLength: 11,
		Truncated:     true,
		Unusable:      true,
	}); err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}
	entry.Close()

	resp := fx.do(t, originRequest("GET", "/data/poisoned.txt"))
	if body := readBody(t, resp); body != "replacement" {
		t.Fatalf("body = %q", body)
	}
	if got := fx.hits.Load(); got != 1 {
		t.Fatalf("upstream hits = %d, want 1", got)
	}
}

func TestExpectedChecksum(t *testing.T) {
	digest := sha256.Sum256([]byte("payload"))
	valid := "/blobs/sha256:" + hex.EncodeToString(digest[:])

	cases := []struct {
		name string
		path string
		want []byte
	}{
		{name: "content addressed path", path: valid, want: digest[:]},
		{name: "plain path", path: "/blobs/app.js", want: nil},
		{name: "digest too short", path: "/blobs/sha256:abcdef", want: nil},
		{name: "not hex", path: "/blobs/sha256:" + fmt.Sprintf("%064s", "zz"), want: nil},
		{name: "prefix only in directory", path: "/sha256:stuff/app.js", want: nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := expectedChecksum(tc.path)
			if tc.want == nil {
				if got != nil {
					t.Fatalf("expectedChecksum(%q) = %x, want nil", tc.path, got)
				}
				return
			}
			if !bytes.Equal(got, tc.want) {
				t.Fatalf("expectedChecksum(%q) = %x, want %x", tc.path, got, tc.want)
			}
		})
	}
}

func TestRangeCursorWritesAtOffset(t *testing.T) {
	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()
	entry, err := store.Create(ctx, cache.Locator{Origin: "assets", Path: "/cursor"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer entry.Close()

	if _, err := entry.WriteData(ctx, cache.BodyStream, 0, []byte("abc")); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	cursor := &rangeCursor{off: 3}
	for _, chunk := range []string{"def", "gh"} {
		n, err := cursor.CacheWrite(ctx, entry, []byte(chunk))
		if err != nil || n != len(chunk) {
			t.Fatalf("CacheWrite(%q) = (%d, %v)", chunk, n, err)
		}
	}
	if got := entry.DataSize(cache.BodyStream); got != 8 {
		t.Fatalf("body size = %d, want 8", got)
	}

	buf := make([]byte, 8)
	if _, err := entry.ReadData(ctx, cache.BodyStream, 0, buf); err != nil {
		t.Fatalf("ReadData: %v", err)
	}
	if string(buf) != "abcdefgh" {
		t.Fatalf("body = %q", buf)
	}
}
