package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/scanmaster/internal/core/domain"
	"github.com/kirillkom/scanmaster/internal/core/ports"
)

// UploadDocumentUseCase accepts an upload after a quota reservation. The
// reservation happens before any side effect; every later failure rolls the
// reservation back, so a denied or failed upload never consumes a slot.
type UploadDocumentUseCase struct {
	docs    ports.DocumentStore
	quota   ports.QuotaLedger
	storage ports.ObjectStorage
	queue   ports.MessageQueue
	logger  *slog.Logger
}

func NewUploadDocumentUseCase(
	docs ports.DocumentStore,
	quota ports.QuotaLedger,
	storage ports.ObjectStorage,
	queue ports.MessageQueue,
	logger *slog.Logger,
) *UploadDocumentUseCase {
	return &UploadDocumentUseCase{
		docs:    docs,
		quota:   quota,
		storage: storage,
		queue:   queue,
		logger:  logger,
	}
}

func (uc *UploadDocumentUseCase) Upload(
	ctx context.Context,
	userID, filename, mimeType string,
	body io.Reader,
) (*domain.Document, error) {
	if userID == "" {
		return nil, domain.WrapError(domain.ErrUnauthorized, "upload document", errors.New("missing user id"))
	}
	if filename == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload document", errors.New("missing filename"))
	}

	if err := uc.quota.TryReserveUpload(ctx, userID); err != nil {
		return nil, fmt.Errorf("reserve upload slot: %w", err)
	}

	id := uuid.NewString()
	storageKey := fmt.Sprintf("uploads/%s/%s_%s", userID, id, sanitizeFilename(filename))
	now := time.Now().UTC()

	if err := uc.storage.Save(ctx, storageKey, body); err != nil {
		uc.rollbackReservation(ctx, userID, "")
		return nil, fmt.Errorf("save to object storage: %w", err)
	}

	doc := &domain.Document{
		ID:         id,
		OwnerID:    userID,
		Filename:   filename,
		MimeType:   mimeType,
		SourcePath: storageKey,
		Status:     domain.StatusUploaded,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := uc.docs.Create(ctx, doc); err != nil {
		uc.rollbackReservation(ctx, userID, storageKey)
		return nil, fmt.Errorf("create document record: %w", err)
	}

	// A lost dispatch event is recovered by the redispatch poller, so a
	// publish failure does not fail the upload.
	if err := uc.queue.PublishDocumentEvent(ctx, doc.ID); err != nil {
		uc.logger.Warn("upload_dispatch_publish_failed", "document_id", doc.ID, "error", err)
	}

	return doc, nil
}

func (uc *UploadDocumentUseCase) rollbackReservation(ctx context.Context, userID, storageKey string) {
	if storageKey != "" {
		if err := uc.storage.Delete(ctx, storageKey); err != nil {
			uc.logger.Warn("upload_rollback_storage_failed", "key", storageKey, "error", err)
		}
	}
	if err := uc.quota.Release(ctx, userID); err != nil {
		uc.logger.Warn("upload_rollback_quota_failed", "user_id", userID, "error", err)
	}
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." {
		return "document.bin"
	}
	return base
}
