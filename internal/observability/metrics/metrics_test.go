package metrics

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestObserveRequestNormalizesPath(t *testing.T) {
	cases := []struct {
		name string
		path string
		want string
	}{
		{name: "root", path: "/", want: "/"},
		{name: "empty", path: "", want: "/"},
		{name: "collection", path: "/videos", want: "/videos"},
		{name: "video id", path: "/videos/0123456789abcdef0123456789abcdef", want: "/videos/:id"},
		{name: "stream alias", path: "/api/videos/stream/0123456789abcdef/", want: "/api/videos/stream/:id"},
		{name: "manifest", path: "/videos/0123456789abcdef/manifest.mpd", want: "/videos/:id/manifest.mpd"},
		{name: "segment", path: "/videos/0123456789abcdef/chunk-stream0-00001.m4s", want: "/videos/:id/:id"},
		{name: "numeric", path: "videos/123", want: "/videos/:id"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := normalizePath(tc.path); got != tc.want {
				t.Fatalf("normalizePath(%q) = %q, want %q", tc.path, got, tc.want)
			}
		})
	}

	recorder := New()
	recorder.ObserveRequest("get", "/videos/0123456789abcdef", 200, 50*time.Millisecond)
	recorder.ObserveRequest("GET", "/videos/fedcba9876543210", 200, 25*time.Millisecond)
	label := requestLabel{method: "GET", path: "/videos/:id", status: "200"}
	if got := recorder.requestCount[label]; got != 2 {
		t.Fatalf("expected 2 requests for %+v, got %d", label, got)
	}
	if got := recorder.requestDuration[label]; got != 75*time.Millisecond {
		t.Fatalf("unexpected cumulative duration %s", got)
	}
}

func TestTranscodeGaugeConcurrent(t *testing.T) {
	recorder := New()

	var wg sync.WaitGroup
	starts := 100
	finishes := 150

	wg.Add(starts + finishes)
	for i := 0; i < starts; i++ {
		go func() {
			defer wg.Done()
			recorder.TranscodeJobStarted("dash")
		}()
	}
	for i := 0; i < finishes; i++ {
		i := i
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				recorder.TranscodeJobCompleted("dash")
				return
			}
			recorder.TranscodeJobFailed("dash")
		}()
	}
	wg.Wait()

	events, active := recorder.TranscodeJobCounts()
	if active != 0 {
		t.Fatalf("active jobs should not go negative; got %d", active)
	}
	if got := events[TranscodeJobLabel{Profile: "dash", Status: "start"}]; got != uint64(starts) {
		t.Fatalf("unexpected start events: got %d want %d", got, starts)
	}
	done := events[TranscodeJobLabel{Profile: "dash", Status: "complete"}] + events[TranscodeJobLabel{Profile: "dash", Status: "fail"}]
	if done != uint64(finishes) {
		t.Fatalf("unexpected finish events: got %d want %d", done, finishes)
	}
}

func TestWriteAndHandlerOutput(t *testing.T) {
	recorder := New()

	recorder.ObserveRequest("GET", "/videos/abc12345", 200, 150*time.Millisecond)
	recorder.ObserveRequest("get", "/videos/456/", 200, 50*time.Millisecond)
	recorder.ObserveRequest("POST", "/videos", 202, time.Second)

	recorder.ObserveIngestAttempt("write")
	recorder.ObserveIngestAttempt("write")
	recorder.ObserveIngestFailure("Write")
	recorder.ObserveIngestAttempt("save")

	recorder.TranscodeJobStarted("dash")
	recorder.TranscodeJobStarted("dash")
	recorder.TranscodeJobCompleted("dash")
	recorder.SetQueueDepth(3)

	recorder.ObserveCompensation("removed")
	recorder.ObserveRange("partial", 1024)
	recorder.ObserveRange("partial", 1024)
	recorder.ObserveRange("unsatisfiable", 0)

	var buf bytes.Buffer
	recorder.Write(&buf)

	expected := `# HELP bitriver_vod_http_requests_total Total number of HTTP requests processed by the API
# TYPE bitriver_vod_http_requests_total counter
bitriver_vod_http_requests_total{method="GET",path="/videos/:id",status="200"} 2
bitriver_vod_http_requests_total{method="POST",path="/videos",status="202"} 1
# HELP bitriver_vod_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds
# TYPE bitriver_vod_http_request_duration_seconds_sum counter
bitriver_vod_http_request_duration_seconds_sum{method="GET",path="/videos/:id",status="200"} 0.200000
bitriver_vod_http_request_duration_seconds_sum{method="POST",path="/videos",status="202"} 1.000000
# HELP bitriver_vod_http_request_duration_seconds_count Total number of observations for request durations
# TYPE bitriver_vod_http_request_duration_seconds_count counter
bitriver_vod_http_request_duration_seconds_count{method="GET",path="/videos/:id",status="200"} 2
bitriver_vod_http_request_duration_seconds_count{method="POST",path="/videos",status="202"} 1
# HELP bitriver_vod_ingest_attempts_total Ingest pipeline stage attempts
# TYPE bitriver_vod_ingest_attempts_total counter
bitriver_vod_ingest_attempts_total{stage="save"} 1
bitriver_vod_ingest_attempts_total{stage="write"} 2
# HELP bitriver_vod_ingest_failures_total Ingest pipeline stage failures
# TYPE bitriver_vod_ingest_failures_total counter
bitriver_vod_ingest_failures_total{stage="save"} 0
bitriver_vod_ingest_failures_total{stage="write"} 1
# HELP bitriver_vod_transcode_jobs_total Transcode job events by profile and status
# TYPE bitriver_vod_transcode_jobs_total counter
bitriver_vod_transcode_jobs_total{profile="dash",status="complete"} 1
bitriver_vod_transcode_jobs_total{profile="dash",status="start"} 2
# HELP bitriver_vod_transcode_active_jobs Current number of running transcode jobs
# TYPE bitriver_vod_transcode_active_jobs gauge
bitriver_vod_transcode_active_jobs 1
# HELP bitriver_vod_transcode_queue_depth Jobs waiting for a transcode worker
# TYPE bitriver_vod_transcode_queue_depth gauge
bitriver_vod_transcode_queue_depth 3
# HELP bitriver_vod_compensations_total Failure compensation runs by outcome
# TYPE bitriver_vod_compensations_total counter
bitriver_vod_compensations_total{outcome="removed"} 1
# HELP bitriver_vod_range_responses_total Range delivery responses by outcome
# TYPE bitriver_vod_range_responses_total counter
bitriver_vod_range_responses_total{outcome="partial"} 2
bitriver_vod_range_responses_total{outcome="unsatisfiable"} 1
# HELP bitriver_vod_range_bytes_total Bytes written by range delivery
# TYPE bitriver_vod_range_bytes_total counter
bitriver_vod_range_bytes_total{outcome="partial"} 2048`

	if diff := compareLines(buf.String(), expected); diff != "" {
		t.Fatalf("unexpected write output:\n%s", diff)
	}

	res := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(res, httptest.NewRequest("GET", "/metrics", nil))

	if contentType := res.Result().Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/plain") {
		t.Fatalf("unexpected content type: %s", contentType)
	}
	if diff := compareLines(res.Body.String(), expected); diff != "" {
		t.Fatalf("unexpected handler output:\n%s", diff)
	}
}

func TestResetClearsCounters(t *testing.T) {
	recorder := New()
	recorder.ObserveIngestAttempt("write")
	recorder.ObserveCompensation("marked_failed")
	recorder.TranscodeJobStarted("dash")
	recorder.SetQueueDepth(5)

	recorder.Reset()

	attempts, failures := recorder.IngestCounts()
	if len(attempts) != 0 || len(failures) != 0 {
		t.Fatalf("expected empty ingest counts, got %v %v", attempts, failures)
	}
	if got := recorder.CompensationCounts(); len(got) != 0 {
		t.Fatalf("expected empty compensation counts, got %v", got)
	}
	if recorder.ActiveTranscodeJobs() != 0 || recorder.QueueDepth() != 0 {
		t.Fatalf("expected gauges reset")
	}
}

func compareLines(actual, expected string) string {
	actualLines := strings.Split(strings.TrimSpace(actual), "\n")
	expectedLines := strings.Split(strings.TrimSpace(expected), "\n")
	if len(actualLines) != len(expectedLines) {
		return formatDiff(actualLines, expectedLines)
	}
	for i := range actualLines {
		if actualLines[i] != expectedLines[i] {
			return formatDiff(actualLines, expectedLines)
		}
	}
	return ""
}

func formatDiff(actual, expected []string) string {
	var b strings.Builder
	b.WriteString("expected\n")
	for _, line := range expected {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("got\n")
	for _, line := range actual {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
