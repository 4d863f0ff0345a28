package domain

import "time"

// BuildStep is the ordinal of the last chat-preparation sub-step that fully
// committed. A crashed run resumes at the step after the stored marker, so
// completed side effects are never repeated.
type BuildStep int

const (
	BuildStepNone BuildStep = iota
	BuildStepExtracted
	BuildStepChunked
	BuildStepIndexed
)

func (s BuildStep) String() string {
	switch s {
	case BuildStepNone:
		return "none"
	case BuildStepExtracted:
		return "extracted"
	case BuildStepChunked:
		return "chunked"
	case BuildStepIndexed:
		return "indexed"
	default:
		return "unknown"
	}
}

// ChatContext is the per-document AI-queryable context and its build progress.
type ChatContext struct {
	DocumentID    string    `json:"document_id"`
	ExtractedText string    `json:"-"`
	ChunkCount    int       `json:"chunk_count"`
	BuildStep     BuildStep `json:"build_step"`
	ContextReady  bool      `json:"context_ready"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RetrievedChunk is one indexed fragment returned by semantic search.
type RetrievedChunk struct {
	DocumentID string  `json:"document_id"`
	ChunkIndex int     `json:"chunk_index"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}

// ChatAnswer is the user-facing response to a question about one document.
type ChatAnswer struct {
	DocumentID string           `json:"document_id"`
	Question   string           `json:"question"`
	Answer     string           `json:"answer"`
	Sources    []RetrievedChunk `json:"sources,omitempty"`
}
