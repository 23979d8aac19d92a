// Package devserver simulates the remote audit service for local development
// and end-to-end testing: job submission, the per-client event stream, and
// delayed report availability.
package devserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config controls the simulated job lifecycle.
type Config struct {
	// StepInterval is the delay between emitted progress events.
	StepInterval time.Duration
	// ReportDelay holds the report back after completion so clients exercise
	// their not-yet-available retry path.
	ReportDelay time.Duration
	// PageCount is the number of URLs the fake crawl "discovers".
	PageCount int
	Logger    *zap.Logger
}

type job struct {
	id      string
	url     string
	report  []byte
	ready   bool
	readyAt time.Time
}

type sseMsg struct {
	event string
	data  []byte
}

// Server is the simulated audit service.
type Server struct {
	cfg    Config
	logger *zap.Logger
	router chi.Router

	mu   sync.Mutex
	jobs map[string]*job
	subs map[string][]chan sseMsg
}

// New builds a Server with routes installed.
func New(cfg Config) *Server {
	if cfg.StepInterval <= 0 {
		cfg.StepInterval = 300 * time.Millisecond
	}
	if cfg.PageCount <= 0 {
		cfg.PageCount = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger,
		jobs:   make(map[string]*job),
		subs:   make(map[string][]chan sseMsg),
	}

	r := chi.NewRouter()
	r.Post("/api/websites/crawl", s.startCrawl)
	r.Get("/api/sse/connect/{client_id}", s.connectSSE)
	r.Get("/api/reports/{job_id}", s.getReport)
	s.router = r
	return s
}

// Handler returns the router for use with http.Server or httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MainURL string `json:"mainUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MainURL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"websiteId": nil,
			"message":   "mainUrl is required",
		})
		return
	}

	j := &job{id: uuid.NewString(), url: req.MainURL}
	s.mu.Lock()
	s.jobs[j.id] = j
	s.mu.Unlock()

	s.logger.Info("simulated crawl started",
		zap.String("job_id", j.id), zap.String("url", req.MainURL))
	go s.runJob(j)

	writeJSON(w, http.StatusOK, map[string]any{
		"websiteId": j.id,
		"mainUrl":   req.MainURL,
		"message":   "crawl started",
	})
}

// runJob walks the job through collection and evaluation, broadcasting each
// step, then publishes the report after the configured delay.
func (s *Server) runJob(j *job) {
	total := s.cfg.PageCount
	for crawled := 1; crawled <= total; crawled++ {
		time.Sleep(s.cfg.StepInterval)
		s.broadcast("progress", map[string]any{
			"stage":        "CRAWLING",
			"crawledCount": crawled,
			"totalCount":   total,
			"message":      fmt.Sprintf("Crawled %d/%d pages", crawled, total),
		})
	}
	for pct := 45; pct <= 90; pct += 15 {
		time.Sleep(s.cfg.StepInterval)
		s.broadcast("progress", map[string]any{
			"stage":      "ANALYZING",
			"percentage": pct,
		})
	}
	time.Sleep(s.cfg.StepInterval)
	s.broadcast("progress", map[string]any{
		"stage":      "COMPLETED",
		"percentage": 100,
	})
	s.broadcast("complete", map[string]any{"jobId": j.id})

	report, _ := json.Marshal(map[string]any{ //nolint:errcheck // static shape
		"websiteUrl":        j.url,
		"averageScore":      78.5,
		"overallLevel":      "good",
		"severityLevel":     "low",
		"totalAnalyzedUrls": total,
		"urlReports":        []any{},
	})

	s.mu.Lock()
	j.report = report
	j.ready = true
	j.readyAt = time.Now().Add(s.cfg.ReportDelay)
	s.mu.Unlock()
}

func (s *Server) broadcast(event string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	msg := sseMsg{event: event, data: data}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, chans := range s.subs {
		for _, ch := range chans {
			select {
			case ch <- msg:
			default:
				// Slow subscriber; drop rather than stall the job.
			}
		}
	}
}

func (s *Server) connectSSE(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "client_id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := make(chan sseMsg, 64)
	s.mu.Lock()
	s.subs[clientID] = append(s.subs[clientID], ch)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		chans := s.subs[clientID]
		for i, c := range chans {
			if c == ch {
				s.subs[clientID] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-ch:
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.event, msg.data)
			flusher.Flush()
		}
	}
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	var report []byte
	if ok && j.ready && !time.Now().Before(j.readyAt) {
		report = j.report
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown job"})
		return
	}
	if report == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "report not ready"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(report) //nolint:errcheck
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload) //nolint:errcheck
}
