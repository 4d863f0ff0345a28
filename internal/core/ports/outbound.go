package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/scanmaster/internal/core/domain"
)

// DocumentStore persists document records. Transition is the only mutation
// path for status: it applies compare-and-swap on the stored version and
// returns domain.ErrVersionConflict when another actor moved the document
// first, or domain.ErrDocumentNotFound when the record is gone.
type DocumentStore interface {
	Create(ctx context.Context, doc *domain.Document) error
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	Transition(ctx context.Context, id string, expectedVersion int64, newStatus domain.DocumentStatus, fields domain.TransitionFields) (*domain.Document, error)
	ListDispatchable(ctx context.Context, now time.Time, limit int) ([]domain.Document, error)
	ListCleanupPending(ctx context.Context, limit int) ([]domain.Document, error)
}

// QuotaLedger reserves and releases upload slots. TryReserveUpload performs
// the limit check and the increment in one conditional store operation and
// returns domain.ErrQuotaExceeded on denial. Release is an idempotent
// decrement floored at zero.
type QuotaLedger interface {
	TryReserveUpload(ctx context.Context, userID string) error
	Release(ctx context.Context, userID string) error
	GetEntry(ctx context.Context, userID string) (*domain.LedgerEntry, error)
}

// SubscriptionLedger applies verified tier changes. ApplyTier records the
// order marker and the tier update in one atomic unit and returns
// domain.ErrDuplicateEvent when the order was already applied.
type SubscriptionLedger interface {
	ApplyTier(ctx context.Context, userID string, tier domain.Tier, orderID string) error
}

// ChatContextStore persists chat-preparation progress and extracted content.
type ChatContextStore interface {
	Get(ctx context.Context, documentID string) (*domain.ChatContext, error)
	Upsert(ctx context.Context, chatCtx *domain.ChatContext) error
	Delete(ctx context.Context, documentID string) error
}

// ObjectStorage stores source files and canonical artifacts.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// MessageQueue publishes and consumes pipeline dispatch events. An event is a
// hint that a document may have stage work; the claim itself happens through
// the DocumentStore CAS, so duplicate delivery is harmless.
type MessageQueue interface {
	PublishDocumentEvent(ctx context.Context, documentID string) error
	SubscribeDocumentEvents(ctx context.Context, handler func(context.Context, string) error) error
}

// Converter turns an arbitrary source object into the canonical PDF artifact.
// Failures carry domain.ErrTransient or domain.ErrPermanent so the
// orchestrator can apply the matching retry policy.
type Converter interface {
	Convert(ctx context.Context, sourcePath string) (canonicalPath string, err error)
}

// TextExtractor pulls plain text out of a document's stored content.
type TextExtractor interface {
	Extract(ctx context.Context, doc *domain.Document) (string, error)
}

// Chunker splits extracted text deterministically: the same text always
// yields the same chunks, which keeps index resume idempotent.
type Chunker interface {
	Split(text string) []string
}

// Embedder builds vectors for chunks and query text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// ContextIndex stores chunk vectors for question answering. IndexChunks must
// be idempotent per (documentID, chunk ordinal): re-submitting the same
// chunks replaces rather than duplicates entries.
type ContextIndex interface {
	IndexChunks(ctx context.Context, documentID string, chunks []string, vectors [][]float32) error
	Search(ctx context.Context, documentID string, queryVector []float32, limit int) ([]domain.RetrievedChunk, error)
	DeleteByDocument(ctx context.Context, documentID string) error
}

// SummaryGenerator produces the one-paragraph document summary.
type SummaryGenerator interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// AnswerGenerator answers a question strictly from the retrieved chunks.
type AnswerGenerator interface {
	GenerateAnswer(ctx context.Context, question string, chunks []domain.RetrievedChunk) (string, error)
}

// PaymentVerifier validates a payment confirmation's signature. A nil return
// means the confirmation is authentic.
type PaymentVerifier interface {
	Verify(confirmation domain.PaymentConfirmation) error
}
