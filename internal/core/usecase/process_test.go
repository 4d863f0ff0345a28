package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/scanmaster/internal/core/domain"
	"github.com/kirillkom/scanmaster/internal/infrastructure/chunking"
)

type converterFunc func(ctx context.Context, sourcePath string) (string, error)

func (f converterFunc) Convert(ctx context.Context, sourcePath string) (string, error) {
	return f(ctx, sourcePath)
}

type extractorFunc func(ctx context.Context, doc *domain.Document) (string, error)

func (f extractorFunc) Extract(ctx context.Context, doc *domain.Document) (string, error) {
	return f(ctx, doc)
}

type recordingObserver struct {
	mu       sync.Mutex
	started  []time.Duration
	finished []string
}

func (o *recordingObserver) StageStarted(lag time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, lag)
}

func (o *recordingObserver) StageFinished(stage string, _ time.Duration, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, stage)
}

type pipelineFixture struct {
	docs      *memDocStore
	storage   *memStorage
	queue     *memQueue
	contexts  *memContexts
	index     *memIndex
	extractor *fakeExtractor
	converter *fakeConverter
	chatPrep  *ChatPreparation
	orch      *PipelineOrchestrator
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		docs:      newMemDocStore(),
		storage:   newMemStorage(),
		queue:     &memQueue{},
		contexts:  newMemContexts(),
		index:     newMemIndex(),
		extractor: &fakeExtractor{text: "extracted document body with enough words to chunk"},
		converter: &fakeConverter{outPath: "processed/user-1/doc.pdf"},
	}
	f.chatPrep = NewChatPreparation(
		f.contexts, f.extractor, chunking.NewSplitter(20, 5), &fakeEmbedder{}, f.index,
		&fakeSummarizer{summary: "a short summary"}, testLogger(),
	)
	f.orch = NewPipelineOrchestrator(f.docs, f.converter, f.chatPrep, f.storage, f.queue, testLogger(), OrchestratorConfig{
		MaxRetries:  3,
		BackoffBase: 30 * time.Second,
		BackoffCap:  10 * time.Minute,
	})
	return f
}

func (f *pipelineFixture) seed(t *testing.T, status domain.DocumentStatus) *domain.Document {
	t.Helper()
	doc := &domain.Document{
		ID:         "doc-1",
		OwnerID:    "user-1",
		Filename:   "doc.docx",
		MimeType:   "application/msword",
		SourcePath: "uploads/user-1/doc.docx",
		Status:     status,
		Version:    1,
	}
	if status != domain.StatusUploaded && status != domain.StatusConverting {
		doc.CanonicalPath = "processed/user-1/doc.pdf"
	}
	if err := f.docs.Create(context.Background(), doc); err != nil {
		t.Fatal(err)
	}
	return doc
}

func (f *pipelineFixture) mustGet(t *testing.T, id string) *domain.Document {
	t.Helper()
	doc, err := f.docs.GetByID(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func TestProcessConvertStage(t *testing.T) {
	f := newPipelineFixture(t)
	f.seed(t, domain.StatusUploaded)

	if err := f.orch.ProcessByID(context.Background(), "doc-1"); err != nil {
		t.Fatalf("ProcessByID() error = %v", err)
	}

	doc := f.mustGet(t, "doc-1")
	if doc.Status != domain.StatusConverted {
		t.Fatalf("status = %s, want converted", doc.Status)
	}
	if doc.CanonicalPath != "processed/user-1/doc.pdf" {
		t.Fatalf("canonical path = %q", doc.CanonicalPath)
	}
	if events := f.queue.events(); len(events) != 1 || events[0] != "doc-1" {
		t.Fatalf("next stage event not published: %v", events)
	}
}

func TestProcessFullWalkToChatReady(t *testing.T) {
	f := newPipelineFixture(t)
	f.seed(t, domain.StatusUploaded)

	for i := 0; i < 2; i++ {
		if err := f.orch.ProcessByID(context.Background(), "doc-1"); err != nil {
			t.Fatalf("stage %d error = %v", i, err)
		}
	}

	doc := f.mustGet(t, "doc-1")
	if doc.Status != domain.StatusChatReady {
		t.Fatalf("status = %s, want chat_ready", doc.Status)
	}
	if doc.Summary != "a short summary" {
		t.Fatalf("summary = %q", doc.Summary)
	}
	chatCtx, err := f.contexts.Get(context.Background(), "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if chatCtx.BuildStep != domain.BuildStepIndexed || !chatCtx.ContextReady {
		t.Fatalf("chat context = %+v", chatCtx)
	}
	if f.index.pointCount("doc-1") == 0 {
		t.Fatal("no chunks indexed")
	}
}

func TestProcessTransientFailureSchedulesRetry(t *testing.T) {
	f := newPipelineFixture(t)
	f.seed(t, domain.StatusUploaded)
	f.converter.errs = []error{domain.WrapError(domain.ErrTransient, "convert", errors.New("engine down"))}

	err := f.orch.ProcessByID(context.Background(), "doc-1")
	if err == nil {
		t.Fatal("expected error")
	}

	doc := f.mustGet(t, "doc-1")
	if doc.Status != domain.StatusUploaded {
		t.Fatalf("status = %s, want uploaded", doc.Status)
	}
	if doc.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", doc.RetryCount)
	}
	if !doc.NextAttemptAt.After(time.Now().Add(10 * time.Second)) {
		t.Fatalf("next attempt %v not pushed into the future", doc.NextAttemptAt)
	}
}

// Two transient conversion failures, a third attempt that succeeds, then
// chat preparation. The final record must keep retryCount = 2: success
// clears the backoff but never erases how many retries the stage consumed.
func TestProcessTransientTwiceThenSuccess(t *testing.T) {
	f := newPipelineFixture(t)
	f.seed(t, domain.StatusUploaded)
	f.converter.errs = []error{
		domain.WrapError(domain.ErrTransient, "convert", errors.New("blip one")),
		domain.WrapError(domain.ErrTransient, "convert", errors.New("blip two")),
	}

	clock := time.Now().UTC()
	f.orch.now = func() time.Time { return clock }

	for attempt := 0; attempt < 3; attempt++ {
		_ = f.orch.ProcessByID(context.Background(), "doc-1")
		clock = clock.Add(time.Hour)
	}
	if err := f.orch.ProcessByID(context.Background(), "doc-1"); err != nil {
		t.Fatalf("chat preparation error = %v", err)
	}

	doc := f.mustGet(t, "doc-1")
	if doc.Status != domain.StatusChatReady {
		t.Fatalf("status = %s, want chat_ready", doc.Status)
	}
	if doc.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", doc.RetryCount)
	}
	if !doc.NextAttemptAt.IsZero() {
		t.Fatalf("next attempt %v not cleared after success", doc.NextAttemptAt)
	}
	if f.converter.callCount() != 3 {
		t.Fatalf("converter called %d times, want 3", f.converter.callCount())
	}
}

func TestProcessPermanentFailureMarksFailed(t *testing.T) {
	f := newPipelineFixture(t)
	f.seed(t, domain.StatusUploaded)
	f.converter.errs = []error{domain.WrapError(domain.ErrPermanent, "convert", errors.New("unsupported format"))}

	if err := f.orch.ProcessByID(context.Background(), "doc-1"); err == nil {
		t.Fatal("expected error")
	}

	doc := f.mustGet(t, "doc-1")
	if doc.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", doc.Status)
	}
	if doc.FailureReason == "" {
		t.Fatal("failure reason not recorded")
	}
	if f.converter.callCount() != 1 {
		t.Fatalf("converter called %d times, want 1", f.converter.callCount())
	}
}

func TestProcessRetryBudgetExhausted(t *testing.T) {
	f := newPipelineFixture(t)
	doc := f.seed(t, domain.StatusUploaded)
	doc.RetryCount = 3
	if _, err := f.docs.Transition(context.Background(), doc.ID, 1, domain.StatusUploaded, domain.TransitionFields{RetryCount: &doc.RetryCount}); err != nil {
		t.Fatal(err)
	}
	f.converter.errs = []error{domain.WrapError(domain.ErrTransient, "convert", errors.New("still down"))}

	if err := f.orch.ProcessByID(context.Background(), "doc-1"); err == nil {
		t.Fatal("expected error")
	}

	stored := f.mustGet(t, "doc-1")
	if stored.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed after exhausted retries", stored.Status)
	}
}

func TestProcessStaleEventIsNoOp(t *testing.T) {
	f := newPipelineFixture(t)
	f.seed(t, domain.StatusChatReady)

	if err := f.orch.ProcessByID(context.Background(), "doc-1"); err != nil {
		t.Fatalf("ProcessByID() error = %v", err)
	}
	if f.converter.callCount() != 0 {
		t.Fatal("stale event triggered stage work")
	}
	if f.mustGet(t, "doc-1").Version != 1 {
		t.Fatal("stale event mutated the document")
	}
}

func TestProcessUnknownDocumentIsNoOp(t *testing.T) {
	f := newPipelineFixture(t)
	if err := f.orch.ProcessByID(context.Background(), "ghost"); err != nil {
		t.Fatalf("ProcessByID() error = %v", err)
	}
}

// Two workers racing on the same event must produce exactly one conversion.
func TestProcessConcurrentWorkersSingleClaim(t *testing.T) {
	f := newPipelineFixture(t)
	f.seed(t, domain.StatusUploaded)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.orch.ProcessByID(context.Background(), "doc-1")
		}()
	}
	wg.Wait()

	if f.converter.callCount() != 1 {
		t.Fatalf("converter called %d times, want exactly 1", f.converter.callCount())
	}
	doc := f.mustGet(t, "doc-1")
	if doc.Status != domain.StatusConverted {
		t.Fatalf("status = %s, want converted", doc.Status)
	}
}

// A delete that lands while a stage runs wins; the worker discards its
// output and removes the orphaned artifact.
func TestProcessDeleteDuringStageDiscardsOutput(t *testing.T) {
	f := newPipelineFixture(t)
	f.seed(t, domain.StatusUploaded)
	if err := f.storage.Save(context.Background(), "processed/user-1/doc.pdf", strings.NewReader("pdf")); err != nil {
		t.Fatal(err)
	}

	f.orch.converter = converterFunc(func(ctx context.Context, _ string) (string, error) {
		claimed, err := f.docs.GetByID(ctx, "doc-1")
		if err != nil {
			return "", err
		}
		if _, err := f.docs.Transition(ctx, "doc-1", claimed.Version, domain.StatusDeleted, domain.TransitionFields{}); err != nil {
			return "", err
		}
		return "processed/user-1/doc.pdf", nil
	})

	if err := f.orch.ProcessByID(context.Background(), "doc-1"); err != nil {
		t.Fatalf("ProcessByID() error = %v", err)
	}

	doc := f.mustGet(t, "doc-1")
	if doc.Status != domain.StatusDeleted {
		t.Fatalf("status = %s, want deleted", doc.Status)
	}
	if f.storage.has("processed/user-1/doc.pdf") {
		t.Fatal("orphaned canonical artifact not reclaimed")
	}
}

// A delete landing while chat preparation runs also wins; the worker must
// reclaim the index points and the chat context row it just wrote.
func TestProcessDeleteDuringChatPrepareReclaimsContext(t *testing.T) {
	f := newPipelineFixture(t)
	f.seed(t, domain.StatusConverted)

	f.chatPrep.extractor = extractorFunc(func(ctx context.Context, _ *domain.Document) (string, error) {
		current, err := f.docs.GetByID(ctx, "doc-1")
		if err != nil {
			return "", err
		}
		if _, err := f.docs.Transition(ctx, "doc-1", current.Version, domain.StatusDeleted, domain.TransitionFields{}); err != nil {
			return "", err
		}
		return "extracted document body with enough words to chunk", nil
	})

	if err := f.orch.ProcessByID(context.Background(), "doc-1"); err != nil {
		t.Fatalf("ProcessByID() error = %v", err)
	}

	doc := f.mustGet(t, "doc-1")
	if doc.Status != domain.StatusDeleted {
		t.Fatalf("status = %s, want deleted", doc.Status)
	}
	if n := f.index.pointCount("doc-1"); n != 0 {
		t.Fatalf("%d index points left behind for the deleted document", n)
	}
	if _, err := f.contexts.Get(context.Background(), "doc-1"); !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("chat context row left behind, err = %v", err)
	}
}

// The observer fires only for claimed stages: once per stage start with the
// dispatch lag, once per finish, and never for stale events.
func TestProcessObserverSeesClaimedStagesOnly(t *testing.T) {
	f := newPipelineFixture(t)
	f.seed(t, domain.StatusUploaded)
	obs := &recordingObserver{}
	f.orch.WithObserver(obs)

	for i := 0; i < 2; i++ {
		if err := f.orch.ProcessByID(context.Background(), "doc-1"); err != nil {
			t.Fatalf("stage %d error = %v", i, err)
		}
	}
	if err := f.orch.ProcessByID(context.Background(), "doc-1"); err != nil {
		t.Fatalf("stale event error = %v", err)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.started) != 2 {
		t.Fatalf("StageStarted fired %d times, want 2", len(obs.started))
	}
	for i, lag := range obs.started {
		if lag < 0 {
			t.Fatalf("stage %d lag = %v, want non-negative", i, lag)
		}
	}
	if len(obs.finished) != 2 || obs.finished[0] != StageConvert || obs.finished[1] != StageChatPrepare {
		t.Fatalf("StageFinished stages = %v", obs.finished)
	}
}
