package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/scanmaster/internal/core/domain"
	"github.com/kirillkom/scanmaster/internal/core/ports"
)

// deleteClaimAttempts bounds how long Delete chases a document that keeps
// moving under concurrent stage transitions.
const deleteClaimAttempts = 5

// ManageDocumentsUseCase covers owner-initiated lifecycle actions: reading,
// deleting and retrying documents. Every entry point checks ownership before
// touching anything else.
type ManageDocumentsUseCase struct {
	docs     ports.DocumentStore
	contexts ports.ChatContextStore
	index    ports.ContextIndex
	storage  ports.ObjectStorage
	queue    ports.MessageQueue
	logger   *slog.Logger
}

func NewManageDocumentsUseCase(
	docs ports.DocumentStore,
	contexts ports.ChatContextStore,
	index ports.ContextIndex,
	storage ports.ObjectStorage,
	queue ports.MessageQueue,
	logger *slog.Logger,
) *ManageDocumentsUseCase {
	return &ManageDocumentsUseCase{
		docs:     docs,
		contexts: contexts,
		index:    index,
		storage:  storage,
		queue:    queue,
		logger:   logger,
	}
}

func (uc *ManageDocumentsUseCase) GetOwned(ctx context.Context, userID, documentID string) (*domain.Document, error) {
	doc, err := uc.docs.GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.OwnerID != userID {
		return nil, domain.WrapError(domain.ErrUnauthorized, "get document", errors.New("owned by another user"))
	}
	if doc.Status == domain.StatusDeleted {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", errors.New("document deleted"))
	}
	return doc, nil
}

// Delete tombstones the record first and reclaims artifacts afterwards. The
// tombstone wins any race against an in-flight stage: the stage's completion
// CAS fails and the worker discards its own output. Artifact removal failures
// leave a cleanup flag for the background sweep instead of undoing the delete.
func (uc *ManageDocumentsUseCase) Delete(ctx context.Context, userID, documentID string) error {
	doc, err := uc.GetOwned(ctx, userID, documentID)
	if err != nil {
		return err
	}

	deleted, err := uc.claimDelete(ctx, doc)
	if err != nil {
		return err
	}

	uc.reclaimArtifacts(ctx, deleted)
	return nil
}

func (uc *ManageDocumentsUseCase) claimDelete(ctx context.Context, doc *domain.Document) (*domain.Document, error) {
	for attempt := 0; attempt < deleteClaimAttempts; attempt++ {
		deleted, err := uc.docs.Transition(ctx, doc.ID, doc.Version, domain.StatusDeleted, domain.TransitionFields{})
		if err == nil {
			return deleted, nil
		}
		if !domain.IsKind(err, domain.ErrVersionConflict) {
			return nil, fmt.Errorf("delete document: %w", err)
		}

		doc, err = uc.docs.GetByID(ctx, doc.ID)
		if err != nil {
			return nil, err
		}
		if doc.Status == domain.StatusDeleted {
			return doc, nil
		}
	}
	return nil, domain.WrapError(domain.ErrVersionConflict, "delete document",
		errors.New("document kept changing, delete retry budget exhausted"))
}

func (uc *ManageDocumentsUseCase) reclaimArtifacts(ctx context.Context, doc *domain.Document) {
	cleanupFailed := false

	if err := uc.index.DeleteByDocument(ctx, doc.ID); err != nil {
		uc.logger.Warn("delete_index_cleanup_failed", "document_id", doc.ID, "error", err)
		cleanupFailed = true
	}
	if err := uc.contexts.Delete(ctx, doc.ID); err != nil {
		uc.logger.Warn("delete_context_cleanup_failed", "document_id", doc.ID, "error", err)
		cleanupFailed = true
	}
	for _, key := range []string{doc.SourcePath, doc.CanonicalPath} {
		if key == "" {
			continue
		}
		if err := uc.storage.Delete(ctx, key); err != nil {
			uc.logger.Warn("delete_storage_cleanup_failed", "document_id", doc.ID, "key", key, "error", err)
			cleanupFailed = true
		}
	}

	if cleanupFailed {
		uc.flagCleanupPending(ctx, doc)
	}
}

func (uc *ManageDocumentsUseCase) flagCleanupPending(ctx context.Context, doc *domain.Document) {
	pending := true
	if _, err := uc.docs.Transition(ctx, doc.ID, doc.Version, domain.StatusDeleted, domain.TransitionFields{
		StorageCleanupPending: &pending,
	}); err != nil {
		uc.logger.Error("delete_cleanup_flag_failed", "document_id", doc.ID, "error", err)
	}
}

// Retry re-enters the pipeline from the last stable point the document
// reached. Only Failed documents qualify.
func (uc *ManageDocumentsUseCase) Retry(ctx context.Context, userID, documentID string) (*domain.Document, error) {
	doc, err := uc.GetOwned(ctx, userID, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Status != domain.StatusFailed {
		return nil, domain.WrapError(domain.ErrInvalidInput, "retry document",
			fmt.Errorf("status %s is not retryable", doc.Status))
	}

	zeroRetries := 0
	noReason := ""
	var noBackoff time.Time
	retried, err := uc.docs.Transition(ctx, doc.ID, doc.Version, doc.RetryTarget(), domain.TransitionFields{
		RetryCount:    &zeroRetries,
		FailureReason: &noReason,
		NextAttemptAt: &noBackoff,
	})
	if err != nil {
		return nil, fmt.Errorf("reset failed document: %w", err)
	}

	if err := uc.queue.PublishDocumentEvent(ctx, retried.ID); err != nil {
		uc.logger.Warn("retry_dispatch_publish_failed", "document_id", retried.ID, "error", err)
	}
	return retried, nil
}
