package controller

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/site-shelter/site-shelter/internal/cache"
	"github.com/site-shelter/site-shelter/internal/config"
	"github.com/site-shelter/site-shelter/internal/policy"
	"github.com/site-shelter/site-shelter/internal/server"
)

// originStub 模拟被托管的静态站点源站,按路径计数方便断言网络往返次数。
type originStub struct {
	mu      sync.Mutex
	hits    map[string]int
	methods []string
	pages   map[string]stubPage

	server    *httptest.Server
	closeOnce sync.Once
}

type stubPage struct {
	status      int
	contentType string
	body        string
	etag        string
}

func newOriginStub(t *testing.T) *originStub {
	t.Helper()
	stub := &originStub{
		hits:  make(map[string]int),
		pages: make(map[string]stubPage),
	}
	stub.server = httptest.NewServer(http.HandlerFunc(stub.handle))
	t.Cleanup(stub.close)
	return stub
}

func (s *originStub) url() string {
	return s.server.URL
}

// close 模拟源站断网,可在测试中途调用。
func (s *originStub) close() {
	s.closeOnce.Do(s.server.Close)
}

func (s *originStub) setPage(path, contentType, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[path] = stubPage{status: http.StatusOK, contentType: contentType, body: body}
}

func (s *originStub) setPageWithETag(path, contentType, body, etag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[path] = stubPage{status: http.StatusOK, contentType: contentType, body: body, etag: etag}
}

func (s *originStub) setStatus(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[path] = stubPage{status: status, contentType: "text/plain", body: http.StatusText(status)}
}

// servePortfolio 填充默认清单对应的页面。
func (s *originStub) servePortfolio() {
	s.setPage("/", "text/html", "<html>shell</html>")
	s.setPage("/index.html", "text/html", "<html>shell</html>")
	s.setPage("/styles.css", "text/css", "body { margin: 0 }")
	s.setPage("/script.js", "application/javascript", "console.log('v3')")
}

func (s *originStub) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.URL.Path]++
	s.methods = append(s.methods, r.Method)
	page, ok := s.pages[r.URL.Path]
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if page.etag != "" {
		w.Header().Set("Etag", page.etag)
		if r.Header.Get("If-None-Match") == page.etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	if page.contentType != "" {
		w.Header().Set("Content-Type", page.contentType)
	}
	if page.status != 0 && page.status != http.StatusOK {
		w.WriteHeader(page.status)
	}
	_, _ = w.Write([]byte(page.body))
}

func (s *originStub) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *originStub) totalHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.hits {
		total += n
	}
	return total
}

func (s *originStub) seenMethods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.methods...)
}

var defaultManifest = []string{"/", "/index.html", "/styles.css", "/script.js"}

func testSite(upstream, version string, manifest []string) config.SiteConfig {
	return config.SiteConfig{
		Name:             "portfolio",
		Domain:           "portfolio.shelter.local",
		Version:          version,
		Upstream:         upstream,
		PrecacheManifest: manifest,
		OfflineFallback:  "/index.html",
	}
}

func newTestController(t *testing.T, upstream string, manifest []string) (*Controller, cache.Store) {
	t.Helper()
	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return newControllerWithStore(t, store, testSite(upstream, "v3", manifest)), store
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url %q: %v", raw, err)
	}
	return parsed
}

func newControllerWithStore(t *testing.T, store cache.Store, site config.SiteConfig) *Controller {
	t.Helper()
	route := &server.SiteRoute{
		Config:      site,
		ListenPort:  5000,
		Bucket:      site.BucketName(),
		UpstreamURL: mustParseURL(t, site.Upstream),
		Overrides:   policy.Overrides{RefreshTTL: site.RefreshTTL.DurationValue()},
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ctrl, err := New(route, &http.Client{}, logger, store)
	if err != nil {
		t.Fatalf("failed to create controller: %v", err)
	}
	return ctrl
}

func mustInstallActivate(t *testing.T, ctrl *Controller) {
	t.Helper()
	if err := ctrl.Install(context.Background()); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if err := ctrl.Activate(context.Background()); err != nil {
		t.Fatalf("activate error: %v", err)
	}
}

func newFetchApp(ctrl *Controller) *fiber.App {
	app := fiber.New()
	app.All("/*", func(c fiber.Ctx) error {
		return ctrl.HandleFetch(c)
	})
	return app
}

func doFetch(t *testing.T, app *fiber.App, method, target string, header map[string]string, body io.Reader) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for key, value := range header {
		req.Header.Set(key, value)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return string(body)
}

// waitBackground 等待控制器的后台刷新任务全部落盘。
func waitBackground(t *testing.T, ctrl *Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ctrl.Shutdown(ctx); err != nil {
		t.Fatalf("background tasks did not drain: %v", err)
	}
}
