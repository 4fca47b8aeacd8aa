package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// TranscodeJobLabel keys transcode job events by the encoder profile and the
// lifecycle status reported for the job.
type TranscodeJobLabel struct {
	Profile string
	Status  string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests, the
// ingest pipeline, transcode jobs and range delivery, and renders them in the
// Prometheus text exposition format.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	ingestAttempts  map[string]uint64
	ingestFailures  map[string]uint64
	transcodeEvents map[TranscodeJobLabel]uint64
	compensations   map[string]uint64
	rangeResponses  map[string]uint64
	rangeBytes      map[string]uint64
	activeTranscode atomic.Int64
	queueDepth      atomic.Int64
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs an empty Recorder ready for use.
func New() *Recorder {
	r := &Recorder{}
	r.resetLocked()
	return r
}

// Default returns the process-wide Recorder used by the package helpers.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault replaces the process-wide Recorder. Nil is ignored.
func SetDefault(r *Recorder) {
	if r == nil {
		return
	}
	defaultMu.Lock()
	defaultRecorder = r
	defaultMu.Unlock()
}

// ObserveRequest accumulates request count and duration by method, normalized
// path and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveIngestAttempt records an attempt of an ingest stage such as "write",
// "save" or "submit".
func (r *Recorder) ObserveIngestAttempt(stage string) {
	r.increment(r.ingestAttempts, stage)
}

// ObserveIngestFailure records a failed ingest stage. Callers record the
// attempt separately.
func (r *Recorder) ObserveIngestFailure(stage string) {
	r.increment(r.ingestFailures, stage)
}

// TranscodeJobStarted records a job start and raises the active job gauge.
func (r *Recorder) TranscodeJobStarted(profile string) {
	r.recordTranscodeEvent(profile, "start")
	r.activeTranscode.Add(1)
}

// TranscodeJobCompleted records a successful job and lowers the active gauge.
func (r *Recorder) TranscodeJobCompleted(profile string) {
	r.recordTranscodeEvent(profile, "complete")
	decrementGauge(&r.activeTranscode)
}

// TranscodeJobFailed records a failed job and lowers the active gauge without
// letting it go negative.
func (r *Recorder) TranscodeJobFailed(profile string) {
	r.recordTranscodeEvent(profile, "fail")
	decrementGauge(&r.activeTranscode)
}

// TranscodeJobCancelled records a cancelled or timed out job.
func (r *Recorder) TranscodeJobCancelled(profile string) {
	r.recordTranscodeEvent(profile, "cancel")
	decrementGauge(&r.activeTranscode)
}

func (r *Recorder) recordTranscodeEvent(profile, status string) {
	label := TranscodeJobLabel{Profile: normalizeName(profile), Status: normalizeName(status)}
	r.mu.Lock()
	r.transcodeEvents[label]++
	r.mu.Unlock()
}

// ObserveCompensation counts rollback runs keyed by outcome ("removed",
// "marked_failed", "failed").
func (r *Recorder) ObserveCompensation(outcome string) {
	r.increment(r.compensations, outcome)
}

// ObserveRange counts a range response by outcome ("partial",
// "unsatisfiable", "full") and adds the bytes written for it.
func (r *Recorder) ObserveRange(outcome string, bytes int64) {
	key := normalizeName(outcome)
	r.mu.Lock()
	r.rangeResponses[key]++
	if bytes > 0 {
		r.rangeBytes[key] += uint64(bytes)
	}
	r.mu.Unlock()
}

// SetQueueDepth publishes the number of jobs waiting for a worker.
func (r *Recorder) SetQueueDepth(depth int) {
	r.queueDepth.Store(int64(depth))
}

func (r *Recorder) ActiveTranscodeJobs() int64 {
	return r.activeTranscode.Load()
}

func (r *Recorder) QueueDepth() int64 {
	return r.queueDepth.Load()
}

func (r *Recorder) increment(m map[string]uint64, name string) {
	key := normalizeName(name)
	r.mu.Lock()
	m[key]++
	r.mu.Unlock()
}

// IngestCounts returns copies of the ingest attempt and failure counters.
func (r *Recorder) IngestCounts() (attempts map[string]uint64, failures map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyCounts(r.ingestAttempts), copyCounts(r.ingestFailures)
}

// TranscodeJobCounts returns a copy of the job event counters and the current
// active job gauge.
func (r *Recorder) TranscodeJobCounts() (events map[TranscodeJobLabel]uint64, active int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[TranscodeJobLabel]uint64, len(r.transcodeEvents))
	for k, v := range r.transcodeEvents {
		events[k] = v
	}
	return events, r.activeTranscode.Load()
}

func (r *Recorder) CompensationCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyCounts(r.compensations)
}

// RangeCounts returns copies of range response counts and bytes by outcome.
func (r *Recorder) RangeCounts() (responses map[string]uint64, bytes map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyCounts(r.rangeResponses), copyCounts(r.rangeBytes)
}

// Reset clears all counters and gauges. Intended for tests.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
}

func (r *Recorder) resetLocked() {
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.ingestAttempts = make(map[string]uint64)
	r.ingestFailures = make(map[string]uint64)
	r.transcodeEvents = make(map[TranscodeJobLabel]uint64)
	r.compensations = make(map[string]uint64)
	r.rangeResponses = make(map[string]uint64)
	r.rangeBytes = make(map[string]uint64)
	r.activeTranscode.Store(0)
	r.queueDepth.Store(0)
}

// Handler exposes the Recorder as Prometheus text exposition.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format with label sets sorted
// for stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	ingestStages := sortedUnion(r.ingestAttempts, r.ingestFailures)
	transcodeLabels := r.sortedTranscodeLabels()

	fmt.Fprintln(w, "# HELP bitriver_vod_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE bitriver_vod_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "bitriver_vod_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP bitriver_vod_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE bitriver_vod_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "bitriver_vod_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP bitriver_vod_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE bitriver_vod_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "bitriver_vod_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP bitriver_vod_ingest_attempts_total Ingest pipeline stage attempts")
	fmt.Fprintln(w, "# TYPE bitriver_vod_ingest_attempts_total counter")
	for _, stage := range ingestStages {
		fmt.Fprintf(w, "bitriver_vod_ingest_attempts_total{stage=\"%s\"} %d\n", stage, r.ingestAttempts[stage])
	}

	fmt.Fprintln(w, "# HELP bitriver_vod_ingest_failures_total Ingest pipeline stage failures")
	fmt.Fprintln(w, "# TYPE bitriver_vod_ingest_failures_total counter")
	for _, stage := range ingestStages {
		fmt.Fprintf(w, "bitriver_vod_ingest_failures_total{stage=\"%s\"} %d\n", stage, r.ingestFailures[stage])
	}

	fmt.Fprintln(w, "# HELP bitriver_vod_transcode_jobs_total Transcode job events by profile and status")
	fmt.Fprintln(w, "# TYPE bitriver_vod_transcode_jobs_total counter")
	for _, label := range transcodeLabels {
		fmt.Fprintf(w, "bitriver_vod_transcode_jobs_total{profile=\"%s\",status=\"%s\"} %d\n", label.Profile, label.Status, r.transcodeEvents[label])
	}

	fmt.Fprintln(w, "# HELP bitriver_vod_transcode_active_jobs Current number of running transcode jobs")
	fmt.Fprintln(w, "# TYPE bitriver_vod_transcode_active_jobs gauge")
	fmt.Fprintf(w, "bitriver_vod_transcode_active_jobs %d\n", r.activeTranscode.Load())

	fmt.Fprintln(w, "# HELP bitriver_vod_transcode_queue_depth Jobs waiting for a transcode worker")
	fmt.Fprintln(w, "# TYPE bitriver_vod_transcode_queue_depth gauge")
	fmt.Fprintf(w, "bitriver_vod_transcode_queue_depth %d\n", r.queueDepth.Load())

	fmt.Fprintln(w, "# HELP bitriver_vod_compensations_total Failure compensation runs by outcome")
	fmt.Fprintln(w, "# TYPE bitriver_vod_compensations_total counter")
	for _, outcome := range sortedKeys(r.compensations) {
		fmt.Fprintf(w, "bitriver_vod_compensations_total{outcome=\"%s\"} %d\n", outcome, r.compensations[outcome])
	}

	fmt.Fprintln(w, "# HELP bitriver_vod_range_responses_total Range delivery responses by outcome")
	fmt.Fprintln(w, "# TYPE bitriver_vod_range_responses_total counter")
	for _, outcome := range sortedKeys(r.rangeResponses) {
		fmt.Fprintf(w, "bitriver_vod_range_responses_total{outcome=\"%s\"} %d\n", outcome, r.rangeResponses[outcome])
	}

	fmt.Fprintln(w, "# HELP bitriver_vod_range_bytes_total Bytes written by range delivery")
	fmt.Fprintln(w, "# TYPE bitriver_vod_range_bytes_total counter")
	for _, outcome := range sortedKeys(r.rangeBytes) {
		fmt.Fprintf(w, "bitriver_vod_range_bytes_total{outcome=\"%s\"} %d\n", outcome, r.rangeBytes[outcome])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedTranscodeLabels() []TranscodeJobLabel {
	labels := make([]TranscodeJobLabel, 0, len(r.transcodeEvents))
	for label := range r.transcodeEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Profile != labels[j].Profile {
			return labels[i].Profile < labels[j].Profile
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedUnion(a, b map[string]uint64) []string {
	seen := make(map[string]uint64, len(a)+len(b))
	for k := range a {
		seen[k] = 0
	}
	for k := range b {
		seen[k] = 0
	}
	return sortedKeys(seen)
}

func copyCounts(src map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// looksLikeIdentifier folds video ids, job ids and segment names into one
// label value so the path cardinality stays bounded.
func looksLikeIdentifier(segment string) bool {
	switch segment {
	case "manifest.mpd", "videos", "stream", "jobs", "api", "healthz", "metrics":
		return false
	}
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest records a request on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	Default().ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return Default().Handler()
}
