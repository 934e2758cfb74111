package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/danshapiro/autodev/internal/events"
	"github.com/danshapiro/autodev/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("store unreachable: %v", err))
		return
	}
	if err := s.bus.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("event bus unreachable: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type submitTaskRequest struct {
	Task        string  `json:"task"`
	RepoOwner   string  `json:"repo_owner"`
	RepoName    string  `json:"repo_name"`
	BranchBase  string  `json:"branch_base"`
	BudgetUSD   float64 `json:"budgetUsd"`
	MaxRequests int     `json:"maxRequests"`
	MaxMinutes  int     `json:"maxMinutes"`
	ModelCTO    string  `json:"modelCTO"`
	ModelCoder  string  `json:"modelCoder"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.Task) == "" {
		writeError(w, http.StatusBadRequest, "task is required")
		return
	}
	if !s.cfg.DryRun && (req.RepoOwner == "" || req.RepoName == "") {
		writeError(w, http.StatusBadRequest, "repo_owner and repo_name are required")
		return
	}

	job := &store.Job{
		Task:        req.Task,
		RepoOwner:   req.RepoOwner,
		RepoName:    req.RepoName,
		BranchBase:  req.BranchBase,
		BudgetUSD:   req.BudgetUSD,
		MaxRequests: req.MaxRequests,
		MaxMinutes:  req.MaxMinutes,
		ModelCTO:    req.ModelCTO,
		ModelCoder:  req.ModelCoder,
	}
	if job.BranchBase == "" {
		job.BranchBase = "main"
	}
	if job.BudgetUSD <= 0 {
		job.BudgetUSD = s.cfg.BudgetUSDMax
	}
	if job.MaxRequests <= 0 {
		job.MaxRequests = s.cfg.MaxRequests
	}
	if job.MaxMinutes <= 0 {
		job.MaxMinutes = s.cfg.MaxWallclockMinutes
	}
	if job.ModelCTO == "" {
		job.ModelCTO = s.cfg.ModelCTO
	}
	if job.ModelCoder == "" {
		job.ModelCoder = s.cfg.ModelCoder
	}

	if err := s.store.CreateJob(r.Context(), job); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("create job: %v", err))
		return
	}
	if s.pool != nil && !s.pool.Enqueue(job.ID) {
		s.logger.Printf("[server] job %s accepted but queue is full, stays pending", job.ID)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

// jobView attaches derived progress to a job for API responses.
func (s *Server) jobView(r *http.Request, job *store.Job) events.JobView {
	completed, total, err := s.store.StepCounts(r.Context(), job.ID)
	if err != nil {
		completed, total = 0, 0
	}
	return events.ViewOf(job, completed, total)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]events.JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, s.jobView(r, j))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.jobView(r, job))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.RequestCancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	completed, total, _ := s.store.StepCounts(r.Context(), job.ID)
	s.bus.PublishJob(r.Context(), events.JobCancelled, job, completed, total)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	diag, err := s.store.LatestDiagnostic(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diag)
}

type addNoteRequest struct {
	Kind  string   `json:"kind"`
	Title string   `json:"title"`
	Body  string   `json:"body"`
	Tags  []string `json:"tags"`
}

func (s *Server) handleAddNote(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), jobID); err != nil {
		writeStoreError(w, err)
		return
	}
	var req addNoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.Body) == "" {
		writeError(w, http.StatusBadRequest, "body is required")
		return
	}
	note := &store.MemoryNote{
		JobID: jobID,
		Kind:  store.NoteKind(req.Kind),
		Title: req.Title,
		Body:  req.Body,
		Tags:  req.Tags,
	}
	if err := s.store.AddMemoryNote(r.Context(), note); err != nil {
		var capErr *store.MemoryCapExceededError
		if errors.As(err, &capErr) {
			writeError(w, http.StatusBadRequest, capErr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), jobID); err != nil {
		writeStoreError(w, err)
		return
	}
	notes, err := s.store.ListMemoryNotes(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	files, err := s.store.ListMemoryFiles(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if notes == nil {
		notes = []*store.MemoryNote{}
	}
	if files == nil {
		files = []*store.MemoryFile{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notes": notes, "files": files})
}

func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), jobID); err != nil {
		writeStoreError(w, err)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart body: %v", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(data) > s.cfg.MemoryMaxBytesPerItem {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("file is %d bytes, cap is %d", len(data), s.cfg.MemoryMaxBytesPerItem))
		return
	}

	name := filepath.Base(header.Filename)
	if name == "." || name == "/" || name == "" {
		writeError(w, http.StatusBadRequest, "invalid file name")
		return
	}
	dir := filepath.Join(s.cfg.DataDir, "memory", jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	dst := filepath.Join(dir, name)
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	rec := &store.MemoryFile{JobID: jobID, Path: dst, Bytes: int64(len(data))}
	if err := s.store.AddMemoryFile(r.Context(), rec); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"path": dst, "bytes": len(data)})
}

type ingestDocRequest struct {
	RefID string `json:"ref_id"`
	Text  string `json:"text"`
}

// handleIngestDoc embeds an external document into the shared "doc" scope so
// JIT retrieval can surface it in future context windows.
func (s *Server) handleIngestDoc(w http.ResponseWriter, r *http.Request) {
	var req ingestDocRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.RefID == "" {
		req.RefID = uuid.NewString()
	}

	vecs, err := s.embedder.Embed(r.Context(), []string{req.Text})
	if err != nil || len(vecs) != 1 {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("embed document: %v", err))
		return
	}
	rec := &store.EmbeddingRecord{Scope: "doc", RefID: req.RefID, Text: req.Text, Vector: vecs[0]}
	if err := s.store.UpsertEmbedding(r.Context(), rec); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"ref_id": req.RefID})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

func writeStoreError(w http.ResponseWriter, err error) {
	var nf *store.NotFoundError
	if errors.As(err, &nf) {
		writeError(w, http.StatusNotFound, nf.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
