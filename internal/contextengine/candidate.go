package contextengine

// Candidate is one piece of retrievable context, produced by a gatherer and
// scored by the curator before budgeting decides its fate.
type Candidate struct {
	ID       string
	Source   string // task, step, memory, repo, artifact, history, doc
	Title    string
	Content  string
	Tokens   int
	Score    float64
	Metadata map[string]string
}

const (
	sourceTask     = "task"
	sourceStep     = "step"
	sourceMemory   = "memory"
	sourceRepo     = "repo"
	sourceArtifact = "artifact"
	sourceHistory  = "history"
	sourceDoc      = "doc"
)
