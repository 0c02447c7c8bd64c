// Package server exposes run history and live stage results over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"autocal/internal/config"
	"autocal/internal/frame"
	"autocal/internal/pipeline"
	"autocal/internal/storage"
)

// RunStore is the read side of the run history. *storage.Store implements it.
type RunStore interface {
	RecentRuns(limit int) ([]storage.RunRecord, error)
	Run(id string) (storage.RunRecord, error)
	Results(runID string) ([]frame.StageResult, error)
}

// Submitter queues runs. *pipeline.Queue implements it.
type Submitter interface {
	Submit(job pipeline.Job) (string, error)
	Pending() int
}

// ResultSource streams stage results as they happen. *pipeline.Engine implements it.
type ResultSource interface {
	Subscribe() (<-chan frame.StageResult, func())
	Running() bool
}

// RunConfig builds the configuration for an API-requested run. A non-empty
// inputRoot replaces the configured one before validation.
type RunConfig func(inputRoot string) (pipeline.PipelineConfig, error)

// RunRequest is the optional body of POST /runs.
type RunRequest struct {
	InputRoot string `json:"input_root,omitempty"`
}

// Server serves the status API.
type Server struct {
	addr      string
	store     RunStore
	queue     Submitter
	results   ResultSource
	runConfig RunConfig
	log       *slog.Logger
	upgrader  websocket.Upgrader

	quit     chan struct{}
	quitOnce sync.Once
	server   *http.Server
}

// New creates a server. queue and runConfig may be nil, in which case runs
// cannot be started over the API.
func New(addr string, store RunStore, queue Submitter, results ResultSource, runConfig RunConfig, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:      addr,
		store:     store,
		queue:     queue,
		results:   results,
		runConfig: runConfig,
		log:       log,
		quit:      make(chan struct{}),
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs", s.handleStartRun).Methods("POST")
	r.HandleFunc("/runs/{id}", s.handleRun).Methods("GET")
	r.HandleFunc("/runs/{id}/results", s.handleResults).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	return r
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		s.close()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) close() { s.quitOnce.Do(func() { close(s.quit) }) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"running": s.results != nil && s.results.Running()}
	if s.queue != nil {
		status["pending"] = s.queue.Pending()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	recs, err := s.store.RecentRuns(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Run(mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.Run(id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	results, err := s.store.Results(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if results == nil {
		results = []frame.StageResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil || s.runConfig == nil {
		writeError(w, http.StatusNotImplemented, errors.New("runs cannot be started on this server"))
		return
	}
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg, err := s.runConfig(req.InputRoot)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	id, err := s.queue.Submit(pipeline.Job{Reason: "api", Config: cfg})
	switch {
	case errors.Is(err, config.ErrConfigInvalid):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrQueueStopped):
		writeError(w, http.StatusServiceUnavailable, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"job": id})
	}
}

// handleWebSocket streams every StageResult as a JSON text message.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	results, unsubscribe := s.results.Subscribe()
	defer unsubscribe()

	// the client only ever closes; reading detects that
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-s.quit:
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"), time.Now().Add(time.Second))
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(res); err != nil {
				s.log.Debug("websocket client gone", "error", err)
				return
			}
		}
	}
}
