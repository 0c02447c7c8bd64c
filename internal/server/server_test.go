package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"autocal/internal/config"
	"autocal/internal/frame"
	"autocal/internal/pipeline"
	"autocal/internal/storage"
)

type stubQueue struct {
	mu   sync.Mutex
	jobs []pipeline.Job
	err  error
}

func (q *stubQueue) Submit(job pipeline.Job) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	if err := job.Config.Validate(); err != nil {
		return "", err
	}
	q.jobs = append(q.jobs, job)
	return fmt.Sprintf("job-%d", len(q.jobs)), nil
}

func (q *stubQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

type stubResults struct {
	ch         chan frame.StageResult
	subscribed chan struct{}
}

func newStubResults() *stubResults {
	return &stubResults{ch: make(chan frame.StageResult, 4), subscribed: make(chan struct{}, 1)}
}

func (s *stubResults) Subscribe() (<-chan frame.StageResult, func()) {
	s.subscribed <- struct{}{}
	return s.ch, func() {}
}

func (s *stubResults) Running() bool { return true }

func testServer(t *testing.T, q *stubQueue, runCfg RunConfig) (*httptest.Server, *storage.Store, *stubResults) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "autocal.db"))
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	results := newStubResults()
	srv := New("", store, q, results, runCfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.close()
		ts.Close()
	})
	return ts, store, results
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestHealthAndStatus(t *testing.T) {
	ts, _, _ := testServer(t, &stubQueue{}, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz = %d %q", resp.StatusCode, body)
	}

	resp, err = http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	var status map[string]any
	decode(t, resp, &status)
	if status["running"] != true || status["pending"] != float64(0) {
		t.Fatalf("status = %v", status)
	}
}

func TestRunsAndResults(t *testing.T) {
	ts, store, _ := testServer(t, &stubQueue{}, nil)

	if err := store.RecordRunStart(storage.RunRecord{ID: "run-1", InputRoot: "/lights"}); err != nil {
		t.Fatalf("RecordRunStart: %v", err)
	}
	res := frame.StageResult{RunID: "run-1", Pass: 1, Frame: "/lights/a.fit", Input: "/lights/a.fit", Stage: frame.StageCalibrated, Outcome: frame.OutcomeSuccess, Output: "/lights/calibrated/a_c.fit", Time: time.Now()}
	if err := store.RecordResult(res); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}

	resp, err := http.Get(ts.URL + "/runs")
	if err != nil {
		t.Fatalf("GET /runs: %v", err)
	}
	var runs []storage.RunRecord
	decode(t, resp, &runs)
	if len(runs) != 1 || runs[0].ID != "run-1" || runs[0].Status != storage.RunRunning {
		t.Fatalf("runs = %+v", runs)
	}

	resp, err = http.Get(ts.URL + "/runs/run-1/results")
	if err != nil {
		t.Fatalf("GET results: %v", err)
	}
	var got []frame.StageResult
	decode(t, resp, &got)
	if len(got) != 1 || got[0].Output != res.Output || got[0].Stage != frame.StageCalibrated {
		t.Fatalf("results = %+v", got)
	}

	for _, path := range []string{"/runs/missing", "/runs/missing/results"} {
		resp, err = http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s: status %d, want 404", path, resp.StatusCode)
		}
	}

	resp, err = http.Get(ts.URL + "/runs?limit=zero")
	if err != nil {
		t.Fatalf("GET bad limit: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status %d", resp.StatusCode)
	}
}

func TestStartRun(t *testing.T) {
	input := t.TempDir()
	q := &stubQueue{}
	runCfg := func(inputRoot string) (pipeline.PipelineConfig, error) {
		if inputRoot == "" {
			inputRoot = "/does/not/exist"
		}
		return pipeline.PipelineConfig{
			InputRoot: inputRoot,
			Plan:      frame.NewPlan(frame.StageRegistered),
		}, nil
	}
	ts, _, _ := testServer(t, q, runCfg)

	resp, err := http.Post(ts.URL+"/runs", "application/json", strings.NewReader(`{"input_root":"`+input+`"}`))
	if err != nil {
		t.Fatalf("POST /runs: %v", err)
	}
	var body map[string]string
	decode(t, resp, &body)
	if resp.StatusCode != http.StatusAccepted || body["job"] != "job-1" {
		t.Fatalf("POST /runs = %d %v", resp.StatusCode, body)
	}
	if q.jobs[0].Config.InputRoot != input || q.jobs[0].Reason != "api" {
		t.Fatalf("queued job = %+v", q.jobs[0])
	}

	// without an override the configured root does not exist
	resp, err = http.Post(ts.URL+"/runs", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /runs: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid config status %d, want 400", resp.StatusCode)
	}

	q.err = pipeline.ErrQueueFull
	resp, err = http.Post(ts.URL+"/runs", "application/json", strings.NewReader(`{"input_root":"`+input+`"}`))
	if err != nil {
		t.Fatalf("POST /runs: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("full queue status %d, want 503", resp.StatusCode)
	}
}

func TestStartRunConfigError(t *testing.T) {
	runCfg := func(string) (pipeline.PipelineConfig, error) {
		return pipeline.PipelineConfig{}, fmt.Errorf("%w: no input root", config.ErrConfigInvalid)
	}
	ts, _, _ := testServer(t, &stubQueue{}, runCfg)
	resp, err := http.Post(ts.URL+"/runs", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /runs: %v", err)
	}
	var body map[string]string
	decode(t, resp, &body)
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(body["error"], "no input root") {
		t.Fatalf("POST /runs = %d %v", resp.StatusCode, body)
	}
}

func TestWebSocketStreamsResults(t *testing.T) {
	ts, _, results := testServer(t, &stubQueue{}, nil)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	select {
	case <-results.subscribed:
	case <-time.After(5 * time.Second):
		t.Fatal("server never subscribed")
	}
	results.ch <- frame.StageResult{RunID: "run-9", Stage: frame.StageCosmetized, Outcome: frame.OutcomeSkippedExists}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got frame.StageResult
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.RunID != "run-9" || got.Stage != frame.StageCosmetized || got.Outcome != frame.OutcomeSkippedExists {
		t.Fatalf("streamed result = %+v", got)
	}
}

func TestStartRunDisabled(t *testing.T) {
	ts, _, _ := testServer(t, nil, nil)
	resp, err := http.Post(ts.URL+"/runs", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /runs: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("status %d, want 501", resp.StatusCode)
	}
}
