package ports

import (
	"context"
	"io"

	"github.com/kirillkom/scanmaster/internal/core/domain"
)

// DocumentIngestor is the inbound contract for upload orchestration.
type DocumentIngestor interface {
	Upload(ctx context.Context, userID, filename, mimeType string, body io.Reader) (*domain.Document, error)
}

// DocumentReader is the inbound read model for document metadata/state.
type DocumentReader interface {
	GetOwned(ctx context.Context, userID, documentID string) (*domain.Document, error)
}

// PipelineProcessor drives one document through its next pipeline stage.
type PipelineProcessor interface {
	ProcessByID(ctx context.Context, documentID string) error
}

// DocumentManager covers owner-initiated lifecycle actions.
type DocumentManager interface {
	Delete(ctx context.Context, userID, documentID string) error
	Retry(ctx context.Context, userID, documentID string) (*domain.Document, error)
}

// DocumentChat answers questions about a chat-ready document.
type DocumentChat interface {
	Answer(ctx context.Context, userID, documentID, question string) (*domain.ChatAnswer, error)
}

// DownloadService issues and redeems time-limited access references for
// canonical artifacts.
type DownloadService interface {
	IssueDownloadToken(ctx context.Context, userID, documentID string) (token string, err error)
	OpenByToken(ctx context.Context, token string) (io.ReadCloser, string, error)
}

// PaymentReconciler applies verified payment confirmations to subscriptions.
type PaymentReconciler interface {
	Reconcile(ctx context.Context, confirmation domain.PaymentConfirmation) (domain.ReconcileOutcome, error)
}
