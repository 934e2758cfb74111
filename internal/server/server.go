// Package server exposes the orchestrator's HTTP surface: job submission and
// inspection, cancellation, memory, external doc ingestion, and a WebSocket
// stream of job events.
package server

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/danshapiro/autodev/internal/config"
	"github.com/danshapiro/autodev/internal/embed"
	"github.com/danshapiro/autodev/internal/events"
	"github.com/danshapiro/autodev/internal/store"
)

const maxBodyBytes = 1 << 20

// Enqueuer hands accepted jobs to the worker pool.
type Enqueuer interface {
	Enqueue(jobID string) bool
}

type Server struct {
	cfg      *config.Config
	store    *store.Store
	bus      *events.Bus
	pool     Enqueuer
	embedder embed.Provider
	logger   *log.Logger
	upgrader websocket.Upgrader
}

func New(cfg *config.Config, st *store.Store, bus *events.Bus, pool Enqueuer, embedder embed.Provider, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		cfg:      cfg,
		store:    st,
		bus:      bus,
		pool:     pool,
		embedder: embedder,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The API carries no browser credentials; origin policy is the
			// deployment's business.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/tasks", s.handleSubmitTask)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancelJob)
	r.Get("/jobs/{id}/context", s.handleGetContext)
	r.Post("/memory/{id}/notes", s.handleAddNote)
	r.Get("/memory/{id}", s.handleGetMemory)
	r.Post("/memory/{id}/files", s.handleUploadFile)
	r.Post("/context/docs", s.handleIngestDoc)
	r.Get("/ws/jobs", s.handleWS)
	return r
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
