package worker

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/danshapiro/autodev/internal/llm"
)

// CallRecord is one model invocation as written to the transcript.
type CallRecord struct {
	Time      time.Time     `json:"time"`
	Role      string        `json:"role"`
	Model     string        `json:"model"`
	Messages  []llm.Message `json:"messages"`
	Response  string        `json:"response"`
	TokensIn  int           `json:"tokens_in"`
	TokensOut int           `json:"tokens_out"`
	Summary   string        `json:"summary,omitempty"`
}

// Recorder buffers model calls until the working directory is known, then
// streams them as JSON Lines to <workdir>/.autodev/llm_calls.jsonl. Calls made
// before checkout (the plan phase) are flushed in one write on the first
// SetBasePath.
type Recorder struct {
	mu       sync.Mutex
	buffered []CallRecord
	path     string
	logger   *log.Logger
}

func NewRecorder(logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.Default()
	}
	return &Recorder{logger: logger}
}

// Record adds one call. Transcript failures are logged, never fatal.
func (r *Recorder) Record(rec CallRecord) {
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.path == "" {
		r.buffered = append(r.buffered, rec)
		return
	}
	r.appendLocked([]CallRecord{rec})
}

// SetBasePath attaches the recorder to a working directory and flushes
// anything buffered so far. Later SetBasePath calls are ignored.
func (r *Recorder) SetBasePath(workdir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.path != "" {
		return
	}
	dir := filepath.Join(workdir, ".autodev")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.logger.Printf("[transcript] mkdir %s: %v", dir, err)
		return
	}
	r.path = filepath.Join(dir, "llm_calls.jsonl")
	if len(r.buffered) > 0 {
		r.appendLocked(r.buffered)
		r.buffered = nil
	}
}

func (r *Recorder) appendLocked(recs []CallRecord) {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		r.logger.Printf("[transcript] open %s: %v", r.path, err)
		return
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			r.logger.Printf("[transcript] write: %v", err)
			return
		}
	}
}
