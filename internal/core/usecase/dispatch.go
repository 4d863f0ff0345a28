package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/kirillkom/scanmaster/internal/core/domain"
	"github.com/kirillkom/scanmaster/internal/core/ports"
)

// DispatchSweeper backs up the event queue with two periodic loops. The
// redispatch loop re-publishes documents whose backoff elapsed or whose
// dispatch event was lost; the cleanup loop reclaims storage for deleted
// documents whose artifact removal failed at delete time.
type DispatchSweeper struct {
	docs    ports.DocumentStore
	queue   ports.MessageQueue
	storage ports.ObjectStorage
	logger  *slog.Logger

	batchSize int
	onSwept   func()
}

func NewDispatchSweeper(
	docs ports.DocumentStore,
	queue ports.MessageQueue,
	storage ports.ObjectStorage,
	logger *slog.Logger,
	batchSize int,
) *DispatchSweeper {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &DispatchSweeper{
		docs:      docs,
		queue:     queue,
		storage:   storage,
		logger:    logger,
		batchSize: batchSize,
	}
}

// WithSweptCallback registers a counter hook fired per reclaimed document.
func (s *DispatchSweeper) WithSweptCallback(fn func()) *DispatchSweeper {
	s.onSwept = fn
	return s
}

func (s *DispatchSweeper) RunRedispatchLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.redispatchOnce(ctx)
		}
	}
}

func (s *DispatchSweeper) redispatchOnce(ctx context.Context) {
	docs, err := s.docs.ListDispatchable(ctx, time.Now().UTC(), s.batchSize)
	if err != nil {
		s.logger.Error("redispatch_list_failed", "error", err)
		return
	}

	// One failed publish must not starve the rest of the batch.
	for _, doc := range docs {
		if err := s.queue.PublishDocumentEvent(ctx, doc.ID); err != nil {
			s.logger.Warn("redispatch_publish_failed", "document_id", doc.ID, "error", err)
		}
	}
	if len(docs) > 0 {
		s.logger.Info("redispatch_batch", "count", len(docs))
	}
}

func (s *DispatchSweeper) RunCleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupOnce(ctx)
		}
	}
}

func (s *DispatchSweeper) cleanupOnce(ctx context.Context) {
	docs, err := s.docs.ListCleanupPending(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("cleanup_list_failed", "error", err)
		return
	}

	for _, doc := range docs {
		if !s.reclaimStorage(ctx, &doc) {
			continue
		}

		cleared := false
		if _, err := s.docs.Transition(ctx, doc.ID, doc.Version, doc.Status, domain.TransitionFields{
			StorageCleanupPending: &cleared,
		}); err != nil {
			s.logger.Warn("cleanup_flag_clear_failed", "document_id", doc.ID, "error", err)
			continue
		}
		if s.onSwept != nil {
			s.onSwept()
		}
	}
}

func (s *DispatchSweeper) reclaimStorage(ctx context.Context, doc *domain.Document) bool {
	for _, key := range []string{doc.SourcePath, doc.CanonicalPath} {
		if key == "" {
			continue
		}
		if err := s.storage.Delete(ctx, key); err != nil {
			s.logger.Warn("cleanup_storage_delete_failed", "document_id", doc.ID, "key", key, "error", err)
			return false
		}
	}
	return true
}
