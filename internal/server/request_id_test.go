package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"bitriver-vod/internal/observability/logging"
)

func TestRequestIDMiddlewarePreservesIncomingID(t *testing.T) {
	t.Parallel()

	handler := requestIDMiddlewareWithGenerator(slog.Default(), func() string { return "generated" }, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID, _ := logging.RequestIDFromContext(r.Context())
		if requestID != "incoming" {
			t.Errorf("expected request id to be preserved, got %q", requestID)
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "incoming")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Header().Get("X-Request-Id") != "incoming" {
		t.Fatalf("expected response header to carry request id, got %q", rr.Header().Get("X-Request-Id"))
	}
}

func TestRequestIDMiddlewareReplacesInvalidIDs(t *testing.T) {
	t.Parallel()

	for _, incoming := range []string{"", "has space", strings.Repeat("x", maxRequestIDLength+1), "tab\tid"} {
		handler := requestIDMiddlewareWithGenerator(slog.Default(), func() string { return "generated" }, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		if incoming != "" {
			req.Header.Set("X-Request-Id", incoming)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if got := rr.Header().Get("X-Request-Id"); got != "generated" {
			t.Fatalf("incoming %q: expected generated id, got %q", incoming, got)
		}
	}
}

func TestNewRequestIDIsHex(t *testing.T) {
	id := newRequestID()
	if len(id) != 32 {
		t.Fatalf("expected 32 characters, got %q", id)
	}
	if id == newRequestID() {
		t.Fatal("expected distinct ids")
	}
}

func TestRequestLoggerEmitsRequestMetadata(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{AddSource: false}))

	inner := logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger, DisableRemoteAddr: true})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	handlerChain := requestIDMiddlewareWithGenerator(logger, func() string { return "generated-id" }, inner)

	req := httptest.NewRequest(http.MethodDelete, "/videos/abc", nil)
	handlerChain.ServeHTTP(httptest.NewRecorder(), req)

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}

	if payload["request_id"] != "generated-id" {
		t.Fatalf("expected request_id to be propagated, got %v", payload["request_id"])
	}
	if payload["path"] != "/videos/abc" {
		t.Fatalf("expected path to be logged, got %v", payload["path"])
	}
	if status, _ := payload["status"].(float64); int(status) != http.StatusNoContent {
		t.Fatalf("expected status 204, got %v", payload["status"])
	}
	if _, ok := payload["remote_addr"]; ok {
		t.Fatal("expected remote_addr to be omitted")
	}
}
