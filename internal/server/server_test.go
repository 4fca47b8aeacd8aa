package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bitriver-vod/internal/api"
	"bitriver-vod/internal/delivery"
	"bitriver-vod/internal/filestore"
	"bitriver-vod/internal/ingest"
	"bitriver-vod/internal/models"
	"bitriver-vod/internal/observability/logging"
	"bitriver-vod/internal/observability/metrics"
	"bitriver-vod/internal/storage"
	"bitriver-vod/internal/testsupport/redisstub"
)

// acceptingService queues nothing; it acknowledges every upload so the
// middleware can be exercised without a transcoder.
type acceptingService struct{}

func (acceptingService) Ingest(_ context.Context, upload ingest.Upload) (ingest.Submission, error) {
	if _, err := io.Copy(io.Discard, upload.Body); err != nil {
		return ingest.Submission{}, err
	}
	id := strings.Repeat("b", 32)
	return ingest.Submission{
		Video:   models.Video{ID: id},
		Job:     models.TranscodeJob{ID: "job-1", VideoID: id, Status: models.JobStatusQueued},
		Message: ingest.AcceptedMessage(id),
	}, nil
}

func (acceptingService) IngestAndWait(context.Context, ingest.Upload) (ingest.Outcome, error) {
	return ingest.Outcome{}, errors.New("not supported")
}

func (acceptingService) Remove(context.Context, string) (string, error) {
	return "", storage.ErrNotFound
}

func (acceptingService) Job(context.Context, string) (models.TranscodeJob, error) {
	return models.TranscodeJob{}, ingest.ErrJobNotFound
}

func (acceptingService) CancelJob(context.Context, string) (models.TranscodeJob, error) {
	return models.TranscodeJob{}, ingest.ErrJobNotFound
}

func newTestHandler(t *testing.T) (*api.Handler, storage.Repository) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewJSONRepository(filepath.Join(dir, "store.json"))
	if err != nil {
		t.Fatalf("NewJSONRepository error: %v", err)
	}
	files, err := filestore.New(filestore.Config{
		VideoRoot:   filepath.Join(dir, "videos"),
		SegmentRoot: filepath.Join(dir, "segments"),
		Logger:      logging.Discard(),
	})
	if err != nil {
		t.Fatalf("filestore.New error: %v", err)
	}
	handler := api.NewHandler(store, acceptingService{}, &delivery.ArtifactServer{Store: store, Files: files, Logger: logging.Discard()})
	handler.Logger = logging.Discard()
	handler.SpoolDir = t.TempDir()
	return handler, store
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	handler, _ := newTestHandler(t)
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	srv, err := New(handler, cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return srv
}

func uploadRequest(t *testing.T, remoteAddr string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	_ = writer.WriteField("title", "clip")
	_ = writer.WriteField("description", "rate limited")
	part, err := writer.CreateFormFile("file", "clip.mp4")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	_, _ = part.Write([]byte("media"))
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/videos", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.RemoteAddr = remoteAddr
	return req
}

func TestNewReturnsErrorWhenHandlerNil(t *testing.T) {
	t.Parallel()

	srv, err := New(nil, Config{})
	if err == nil {
		t.Fatalf("expected error when handler is nil, got server: %#v", srv)
	}
}

func TestNewRejectsInvalidTrustedProxy(t *testing.T) {
	handler, _ := newTestHandler(t)
	if _, err := New(handler, Config{RateLimit: RateLimitConfig{TrustedProxies: []string{"not-a-cidr/99"}}}); err == nil {
		t.Fatal("expected error for invalid trusted proxy")
	}
}

func TestServerRoutes(t *testing.T) {
	srv := newTestServer(t, Config{})

	for _, tc := range []struct {
		path   string
		status int
		body   string
	}{
		{path: "/healthz", status: http.StatusOK, body: `"datastore"`},
		{path: "/videos", status: http.StatusOK, body: "[]"},
		{path: "/api/videos/", status: http.StatusOK, body: "[]"},
		{path: "/videos/" + strings.Repeat("c", 32), status: http.StatusNotFound, body: `"error"`},
		{path: "/nowhere", status: http.StatusNotFound, body: "unknown path /nowhere"},
	} {
		t.Run(tc.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tc.body) {
				t.Fatalf("expected body to contain %q, got %s", tc.body, rec.Body.String())
			}
			if rec.Header().Get("X-Request-Id") == "" {
				t.Fatal("expected request id header")
			}
		})
	}
}

func TestServerRecordsRequestMetrics(t *testing.T) {
	recorder := metrics.New()
	srv := newTestServer(t, Config{Metrics: recorder})

	srv.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/videos", nil))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected metrics 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `path="/videos"`) {
		t.Fatalf("expected /videos request to be recorded, got:\n%s", rec.Body.String())
	}
}

func TestClientIPResolverIgnoresForwardedByDefault(t *testing.T) {
	resolver, err := newClientIPResolver(RateLimitConfig{})
	if err != nil {
		t.Fatalf("newClientIPResolver error: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.10:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.5")
	ip, source := resolver.ClientIPFromRequest(req)
	if ip != "198.51.100.10" {
		t.Fatalf("expected remote addr, got %q", ip)
	}
	if source != ipSourceRemoteAddr {
		t.Fatalf("expected source %q, got %q", ipSourceRemoteAddr, source)
	}
}

func TestClientIPResolverTrustsForwardedWhenEnabled(t *testing.T) {
	resolver, err := newClientIPResolver(RateLimitConfig{TrustForwardedHeaders: true})
	if err != nil {
		t.Fatalf("newClientIPResolver error: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:1111"
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	ip, source := resolver.ClientIPFromRequest(req)
	if ip != "203.0.113.5" {
		t.Fatalf("expected first forwarded ip, got %q", ip)
	}
	if source != ipSourceXForwardedFor {
		t.Fatalf("expected source %q, got %q", ipSourceXForwardedFor, source)
	}
}

func TestClientIPResolverTrustedProxyCIDR(t *testing.T) {
	resolver, err := newClientIPResolver(RateLimitConfig{TrustedProxies: []string{"10.0.0.0/8", "192.0.2.1"}})
	if err != nil {
		t.Fatalf("newClientIPResolver error: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	req.Header.Set("X-Real-IP", "203.0.113.10")
	ip, source := resolver.ClientIPFromRequest(req)
	if ip != "203.0.113.10" {
		t.Fatalf("expected real ip header, got %q", ip)
	}
	if source != ipSourceXRealIP {
		t.Fatalf("expected source %q, got %q", ipSourceXRealIP, source)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.RemoteAddr = "198.51.100.20:4444"
	req2.Header.Set("X-Forwarded-For", "203.0.113.11")
	ip2, source2 := resolver.ClientIPFromRequest(req2)
	if ip2 != "198.51.100.20" {
		t.Fatalf("expected remote addr for untrusted proxy, got %q", ip2)
	}
	if source2 != ipSourceRemoteAddr {
		t.Fatalf("expected source %q, got %q", ipSourceRemoteAddr, source2)
	}

	req3 := httptest.NewRequest(http.MethodGet, "/", nil)
	req3.RemoteAddr = "192.0.2.1:80"
	req3.Header.Set("X-Forwarded-For", "203.0.113.12")
	if ip3, _ := resolver.ClientIPFromRequest(req3); ip3 != "203.0.113.12" {
		t.Fatalf("expected single trusted host to be honoured, got %q", ip3)
	}
}

func TestRateLimitMiddlewareSpoofedHeadersIgnoredByDefault(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{UploadLimit: 1, UploadWindow: time.Minute})
	resolver, err := newClientIPResolver(RateLimitConfig{})
	if err != nil {
		t.Fatalf("newClientIPResolver error: %v", err)
	}
	handler := rateLimitMiddleware(rl, resolver, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req1 := httptest.NewRequest(http.MethodPost, "/videos", nil)
	req1.RemoteAddr = "198.51.100.1:1234"
	req1.Header.Set("X-Forwarded-For", "203.0.113.1")
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusNoContent {
		t.Fatalf("expected first request to succeed, got %d", rec1.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/api/videos", nil)
	req2.RemoteAddr = "198.51.100.1:5678"
	req2.Header.Set("X-Forwarded-For", "203.0.113.2")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be throttled, got %d", rec2.Code)
	}
	if rec2.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After on throttled upload")
	}

	// Reads are never subject to the upload limit.
	rec3 := httptest.NewRecorder()
	req3 := httptest.NewRequest(http.MethodGet, "/videos", nil)
	req3.RemoteAddr = "198.51.100.1:5678"
	handler.ServeHTTP(rec3, req3)
	if rec3.Code != http.StatusNoContent {
		t.Fatalf("expected read to pass, got %d", rec3.Code)
	}
}

func TestRateLimitMiddlewareHonorsTrustedForwardedHeaders(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{UploadLimit: 1, UploadWindow: time.Minute})
	resolver, err := newClientIPResolver(RateLimitConfig{TrustedProxies: []string{"10.0.0.0/8"}})
	if err != nil {
		t.Fatalf("newClientIPResolver error: %v", err)
	}
	handler := rateLimitMiddleware(rl, resolver, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func(forwarded string) int {
		req := httptest.NewRequest(http.MethodPost, "/videos", nil)
		req.RemoteAddr = "10.1.2.3:9999"
		req.Header.Set("X-Forwarded-For", forwarded)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}
	if code := send("203.0.113.50"); code != http.StatusNoContent {
		t.Fatalf("expected first request to succeed, got %d", code)
	}
	if code := send("203.0.113.50"); code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be throttled, got %d", code)
	}
	if code := send("203.0.113.51"); code != http.StatusNoContent {
		t.Fatalf("expected a different client behind the proxy to pass, got %d", code)
	}
}

func TestServerGlobalRateLimit(t *testing.T) {
	srv := newTestServer(t, Config{RateLimit: RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1}})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/videos", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/videos", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected global limit, got %d", rec.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["error"] != "global rate limit exceeded" {
		t.Fatalf("unexpected error payload %v", payload)
	}
}

func TestServerUploadLimitSharedThroughRedis(t *testing.T) {
	stub, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = stub.Close() })

	cfg := Config{RateLimit: RateLimitConfig{
		UploadLimit:   1,
		UploadWindow:  time.Minute,
		RedisAddr:     stub.Addr(),
		RedisPassword: "secret",
		RedisTimeout:  time.Second,
	}}
	first := newTestServer(t, cfg)
	second := newTestServer(t, cfg)
	t.Cleanup(func() {
		_ = first.rateLimiter.Close()
		_ = second.rateLimiter.Close()
	})

	rec := httptest.NewRecorder()
	first.Handler().ServeHTTP(rec, uploadRequest(t, "198.51.100.7:1000"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected upload accepted, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = httptest.NewRecorder()
	second.Handler().ServeHTTP(rec, uploadRequest(t, "198.51.100.7:2000"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected replica to share the limit, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	first.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if !strings.Contains(rec.Body.String(), `"rate_limiter"`) {
		t.Fatalf("expected rate limiter in health report, got %s", rec.Body.String())
	}
}

func TestServerServeAndShutdown(t *testing.T) {
	srv := newTestServer(t, Config{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		t.Fatalf("expected ErrServerClosed, got %v", err)
	}
}
