package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/scanmaster/internal/core/domain"
	"github.com/kirillkom/scanmaster/internal/core/ports"
)

const (
	StageConvert     = "convert"
	StageChatPrepare = "chat_prepare"
)

// StageObserver receives stage lifecycle events for claimed stages only.
// The lag passed to StageStarted is the delay between the document becoming
// dispatchable and the claim.
type StageObserver interface {
	StageStarted(lag time.Duration)
	StageFinished(stage string, duration time.Duration, err error)
}

// PipelineOrchestrator advances one document per event through its next
// stage. A stage is claimed by a compare-and-swap into the in-progress
// status, so concurrent workers handling the same event race on the claim
// and exactly one wins; the loser drops the event without side effects.
type PipelineOrchestrator struct {
	docs      ports.DocumentStore
	converter ports.Converter
	chatPrep  *ChatPreparation
	storage   ports.ObjectStorage
	queue     ports.MessageQueue
	logger    *slog.Logger

	maxRetries   int
	backoffBase  time.Duration
	backoffCap   time.Duration
	stageTimeout time.Duration

	observer StageObserver
	now      func() time.Time
}

type OrchestratorConfig struct {
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	StageTimeout time.Duration
}

func NewPipelineOrchestrator(
	docs ports.DocumentStore,
	converter ports.Converter,
	chatPrep *ChatPreparation,
	storage ports.ObjectStorage,
	queue ports.MessageQueue,
	logger *slog.Logger,
	cfg OrchestratorConfig,
) *PipelineOrchestrator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 30 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 10 * time.Minute
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 5 * time.Minute
	}
	return &PipelineOrchestrator{
		docs:         docs,
		converter:    converter,
		chatPrep:     chatPrep,
		storage:      storage,
		queue:        queue,
		logger:       logger,
		maxRetries:   cfg.MaxRetries,
		backoffBase:  cfg.BackoffBase,
		backoffCap:   cfg.BackoffCap,
		stageTimeout: cfg.StageTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// WithObserver registers a stage outcome sink, usually the metrics exporter.
func (uc *PipelineOrchestrator) WithObserver(observer StageObserver) *PipelineOrchestrator {
	uc.observer = observer
	return uc
}

func (uc *PipelineOrchestrator) ProcessByID(ctx context.Context, documentID string) error {
	doc, err := uc.docs.GetByID(ctx, documentID)
	if err != nil {
		if domain.IsKind(err, domain.ErrDocumentNotFound) {
			uc.logger.Debug("pipeline_event_stale", "document_id", documentID)
			return nil
		}
		return fmt.Errorf("load document: %w", err)
	}

	if !doc.Status.Dispatchable() {
		uc.logger.Debug("pipeline_event_skipped", "document_id", documentID, "status", string(doc.Status))
		return nil
	}
	if doc.NextAttemptAt.After(uc.now()) {
		// Backoff not elapsed yet; the redispatch poller re-delivers later.
		return nil
	}

	stage, inProgress := nextStage(doc.Status)

	claimed, err := uc.docs.Transition(ctx, doc.ID, doc.Version, inProgress, domain.TransitionFields{})
	if err != nil {
		if domain.IsKind(err, domain.ErrVersionConflict) || domain.IsKind(err, domain.ErrDocumentNotFound) {
			uc.logger.Debug("pipeline_claim_lost", "document_id", doc.ID, "stage", stage)
			return nil
		}
		return fmt.Errorf("claim %s stage: %w", stage, err)
	}

	uc.notifyStageStarted(doc)

	started := uc.now()
	stageCtx, cancel := context.WithTimeout(ctx, uc.stageTimeout)
	runErr := uc.runStage(stageCtx, stage, claimed)
	cancel()
	if uc.observer != nil {
		uc.observer.StageFinished(stage, uc.now().Sub(started), runErr)
	}

	if runErr != nil {
		return uc.handleStageFailure(ctx, claimed, stage, runErr)
	}
	return nil
}

func (uc *PipelineOrchestrator) notifyStageStarted(doc *domain.Document) {
	if uc.observer == nil {
		return
	}
	readyAt := doc.NextAttemptAt
	if readyAt.IsZero() {
		readyAt = doc.UpdatedAt
	}
	if readyAt.IsZero() {
		readyAt = doc.CreatedAt
	}
	var lag time.Duration
	if !readyAt.IsZero() {
		lag = uc.now().Sub(readyAt)
	}
	uc.observer.StageStarted(lag)
}

func nextStage(status domain.DocumentStatus) (string, domain.DocumentStatus) {
	if status == domain.StatusUploaded {
		return StageConvert, domain.StatusConverting
	}
	return StageChatPrepare, domain.StatusChatPreparing
}

func (uc *PipelineOrchestrator) runStage(ctx context.Context, stage string, claimed *domain.Document) error {
	switch stage {
	case StageConvert:
		return uc.runConvert(ctx, claimed)
	default:
		return uc.runChatPrepare(ctx, claimed)
	}
}

func (uc *PipelineOrchestrator) runConvert(ctx context.Context, claimed *domain.Document) error {
	canonicalPath, err := uc.converter.Convert(ctx, claimed.SourcePath)
	if err != nil {
		return fmt.Errorf("convert document: %w", err)
	}

	// RetryCount is left untouched on success so the record keeps the
	// number of transient retries it took to get here.
	var noBackoff time.Time
	done, err := uc.docs.Transition(ctx, claimed.ID, claimed.Version, domain.StatusConverted, domain.TransitionFields{
		CanonicalPath: &canonicalPath,
		NextAttemptAt: &noBackoff,
	})
	if err != nil {
		return uc.handleLostCompletion(ctx, claimed, StageConvert, canonicalPath, err)
	}

	if err := uc.queue.PublishDocumentEvent(ctx, done.ID); err != nil {
		uc.logger.Warn("pipeline_next_stage_publish_failed", "document_id", done.ID, "error", err)
	}
	return nil
}

func (uc *PipelineOrchestrator) runChatPrepare(ctx context.Context, claimed *domain.Document) error {
	summary, err := uc.chatPrep.Run(ctx, claimed)
	if err != nil {
		return fmt.Errorf("prepare chat context: %w", err)
	}

	var noBackoff time.Time
	fields := domain.TransitionFields{
		NextAttemptAt: &noBackoff,
	}
	if summary != "" {
		fields.Summary = &summary
	}
	if _, err := uc.docs.Transition(ctx, claimed.ID, claimed.Version, domain.StatusChatReady, fields); err != nil {
		return uc.handleLostCompletion(ctx, claimed, StageChatPrepare, "", err)
	}
	return nil
}

// handleLostCompletion fires when the finished stage cannot commit because
// the document moved underneath it, which in practice means a concurrent
// delete. The stage's artifacts are orphaned, so they are reclaimed here.
func (uc *PipelineOrchestrator) handleLostCompletion(ctx context.Context, claimed *domain.Document, stage, canonicalPath string, err error) error {
	if !domain.IsKind(err, domain.ErrVersionConflict) && !domain.IsKind(err, domain.ErrDocumentNotFound) {
		return fmt.Errorf("commit %s stage: %w", stage, err)
	}

	uc.logger.Info("pipeline_completion_lost", "document_id", claimed.ID, "stage", stage)
	if canonicalPath != "" {
		if delErr := uc.storage.Delete(ctx, canonicalPath); delErr != nil {
			uc.logger.Warn("pipeline_orphan_cleanup_failed", "document_id", claimed.ID, "key", canonicalPath, "error", delErr)
		}
	}
	if stage == StageChatPrepare {
		if delErr := uc.chatPrep.Discard(ctx, claimed.ID); delErr != nil {
			uc.logger.Warn("pipeline_orphan_cleanup_failed", "document_id", claimed.ID, "stage", stage, "error", delErr)
		}
	}
	return nil
}

func (uc *PipelineOrchestrator) handleStageFailure(ctx context.Context, claimed *domain.Document, stage string, runErr error) error {
	if domain.IsKind(runErr, domain.ErrPermanent) || domain.IsKind(runErr, domain.ErrInvalidInput) {
		return uc.markFailed(ctx, claimed, stage, runErr)
	}

	retries := claimed.RetryCount + 1
	if retries > uc.maxRetries {
		return uc.markFailed(ctx, claimed, stage, fmt.Errorf("retry budget exhausted after %d attempts: %w", claimed.RetryCount, runErr))
	}

	nextAttempt := uc.now().Add(uc.backoff(retries))
	_, err := uc.docs.Transition(ctx, claimed.ID, claimed.Version, claimed.Status.StableStatus(), domain.TransitionFields{
		RetryCount:    &retries,
		NextAttemptAt: &nextAttempt,
	})
	if err != nil {
		if domain.IsKind(err, domain.ErrVersionConflict) || domain.IsKind(err, domain.ErrDocumentNotFound) {
			return nil
		}
		return fmt.Errorf("%w; schedule retry: %v", runErr, err)
	}

	uc.logger.Warn("pipeline_stage_retry_scheduled",
		"document_id", claimed.ID,
		"stage", stage,
		"attempt", retries,
		"next_attempt_at", nextAttempt,
		"error", runErr,
	)
	return runErr
}

func (uc *PipelineOrchestrator) markFailed(ctx context.Context, claimed *domain.Document, stage string, runErr error) error {
	reason := runErr.Error()
	_, err := uc.docs.Transition(ctx, claimed.ID, claimed.Version, domain.StatusFailed, domain.TransitionFields{
		FailureReason: &reason,
	})
	if err != nil {
		if domain.IsKind(err, domain.ErrVersionConflict) || domain.IsKind(err, domain.ErrDocumentNotFound) {
			return nil
		}
		return fmt.Errorf("%w; mark failed: %v", runErr, err)
	}

	uc.logger.Error("pipeline_stage_failed", "document_id", claimed.ID, "stage", stage, "error", runErr)
	return runErr
}

func (uc *PipelineOrchestrator) backoff(attempt int) time.Duration {
	d := uc.backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= uc.backoffCap {
			return uc.backoffCap
		}
	}
	if d > uc.backoffCap {
		return uc.backoffCap
	}
	return d
}
