package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/kirillkom/scanmaster/internal/core/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memDocStore implements the store contract in memory, including the
// compare-and-swap behavior the concurrency tests depend on.
type memDocStore struct {
	mu   sync.Mutex
	docs map[string]*domain.Document
}

func newMemDocStore() *memDocStore {
	return &memDocStore{docs: map[string]*domain.Document{}}
}

func (s *memDocStore) Create(_ context.Context, doc *domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *doc
	s.docs[doc.ID] = &cp
	return nil
}

func (s *memDocStore) GetByID(_ context.Context, id string) (*domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", errors.New(id))
	}
	cp := *doc
	return &cp, nil
}

func (s *memDocStore) Transition(_ context.Context, id string, expectedVersion int64, newStatus domain.DocumentStatus, fields domain.TransitionFields) (*domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "transition document", errors.New(id))
	}
	if doc.Version != expectedVersion {
		return nil, domain.WrapError(domain.ErrVersionConflict, "transition document",
			fmt.Errorf("expected version %d, stored %d", expectedVersion, doc.Version))
	}

	doc.Status = newStatus
	doc.Version++
	doc.UpdatedAt = time.Now().UTC()
	if fields.CanonicalPath != nil {
		doc.CanonicalPath = *fields.CanonicalPath
	}
	if fields.Summary != nil {
		doc.Summary = *fields.Summary
	}
	if fields.FailureReason != nil {
		doc.FailureReason = *fields.FailureReason
	}
	if fields.RetryCount != nil {
		doc.RetryCount = *fields.RetryCount
	}
	if fields.NextAttemptAt != nil {
		doc.NextAttemptAt = *fields.NextAttemptAt
	}
	if fields.StorageCleanupPending != nil {
		doc.StorageCleanupPending = *fields.StorageCleanupPending
	}
	cp := *doc
	return &cp, nil
}

func (s *memDocStore) ListDispatchable(_ context.Context, now time.Time, limit int) ([]domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Document, 0)
	for _, doc := range s.docs {
		if len(out) >= limit {
			break
		}
		if doc.Status.Dispatchable() && !doc.NextAttemptAt.After(now) {
			out = append(out, *doc)
		}
	}
	return out, nil
}

func (s *memDocStore) ListCleanupPending(_ context.Context, limit int) ([]domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Document, 0)
	for _, doc := range s.docs {
		if len(out) >= limit {
			break
		}
		if doc.StorageCleanupPending {
			out = append(out, *doc)
		}
	}
	return out, nil
}

// memQuota mirrors the conditional reserve semantics: check and increment
// happen under one lock, never as separate reads and writes.
type memQuota struct {
	mu     sync.Mutex
	limit  int
	counts map[string]int
	tiers  map[string]domain.Tier
}

func newMemQuota(limit int) *memQuota {
	return &memQuota{
		limit:  limit,
		counts: map[string]int{},
		tiers:  map[string]domain.Tier{},
	}
}

func (q *memQuota) TryReserveUpload(_ context.Context, userID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.tiers[userID] != domain.TierPremium && q.counts[userID] >= q.limit {
		return domain.WrapError(domain.ErrQuotaExceeded, "reserve upload", errors.New(userID))
	}
	q.counts[userID]++
	return nil
}

func (q *memQuota) Release(_ context.Context, userID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.counts[userID] > 0 {
		q.counts[userID]--
	}
	return nil
}

func (q *memQuota) GetEntry(_ context.Context, userID string) (*domain.LedgerEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tier := q.tiers[userID]
	if tier == "" {
		tier = domain.TierFree
	}
	return &domain.LedgerEntry{
		UserID:            userID,
		Tier:              tier,
		PeriodUploadCount: q.counts[userID],
		UploadLimit:       q.limit,
	}, nil
}

func (q *memQuota) count(userID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.counts[userID]
}

type memSubLedger struct {
	mu        sync.Mutex
	processed map[string]bool
	tiers     map[string]domain.Tier
}

func newMemSubLedger() *memSubLedger {
	return &memSubLedger{processed: map[string]bool{}, tiers: map[string]domain.Tier{}}
}

func (l *memSubLedger) ApplyTier(_ context.Context, userID string, tier domain.Tier, orderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.processed[orderID] {
		return domain.WrapError(domain.ErrDuplicateEvent, "apply tier", errors.New(orderID))
	}
	l.processed[orderID] = true
	l.tiers[userID] = tier
	return nil
}

type memStorage struct {
	mu        sync.Mutex
	objects   map[string][]byte
	failSaves bool
	failKeys  map[string]bool
}

func newMemStorage() *memStorage {
	return &memStorage{objects: map[string][]byte{}, failKeys: map[string]bool{}}
}

func (m *memStorage) Save(_ context.Context, key string, data io.Reader) error {
	if m.failSaves {
		return errors.New("storage unavailable")
	}
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = buf
	return nil
}

func (m *memStorage) Open(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("no object %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failKeys[key] {
		return errors.New("storage unavailable")
	}
	delete(m.objects, key)
	return nil
}

func (m *memStorage) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

type memQueue struct {
	mu          sync.Mutex
	published   []string
	failPublish bool
	failIDs     map[string]bool
}

func (q *memQueue) PublishDocumentEvent(_ context.Context, documentID string) error {
	if q.failPublish || q.failIDs[documentID] {
		return errors.New("queue unavailable")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, documentID)
	return nil
}

func (q *memQueue) SubscribeDocumentEvents(ctx context.Context, _ func(context.Context, string) error) error {
	<-ctx.Done()
	return nil
}

func (q *memQueue) events() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.published...)
}

type memContexts struct {
	mu       sync.Mutex
	contexts map[string]*domain.ChatContext
}

func newMemContexts() *memContexts {
	return &memContexts{contexts: map[string]*domain.ChatContext{}}
}

func (c *memContexts) Get(_ context.Context, documentID string) (*domain.ChatContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chatCtx, ok := c.contexts[documentID]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get chat context", errors.New(documentID))
	}
	cp := *chatCtx
	return &cp, nil
}

func (c *memContexts) Upsert(_ context.Context, chatCtx *domain.ChatContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *chatCtx
	c.contexts[chatCtx.DocumentID] = &cp
	return nil
}

func (c *memContexts) Delete(_ context.Context, documentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.contexts, documentID)
	return nil
}

type memIndex struct {
	mu         sync.Mutex
	points     map[string]map[int]string
	indexCalls int
	searchOut  []domain.RetrievedChunk
}

func newMemIndex() *memIndex {
	return &memIndex{points: map[string]map[int]string{}}
}

func (i *memIndex) IndexChunks(_ context.Context, documentID string, chunks []string, _ [][]float32) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.indexCalls++
	if i.points[documentID] == nil {
		i.points[documentID] = map[int]string{}
	}
	for idx, chunk := range chunks {
		i.points[documentID][idx] = chunk
	}
	return nil
}

func (i *memIndex) Search(_ context.Context, documentID string, _ []float32, limit int) ([]domain.RetrievedChunk, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.searchOut != nil {
		return i.searchOut, nil
	}
	out := make([]domain.RetrievedChunk, 0)
	for idx, text := range i.points[documentID] {
		if len(out) >= limit {
			break
		}
		out = append(out, domain.RetrievedChunk{DocumentID: documentID, ChunkIndex: idx, Text: text, Score: 1})
	}
	return out, nil
}

func (i *memIndex) DeleteByDocument(_ context.Context, documentID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.points, documentID)
	return nil
}

func (i *memIndex) pointCount(documentID string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.points[documentID])
}

type fakeConverter struct {
	mu      sync.Mutex
	calls   int
	outPath string
	errs    []error
}

func (c *fakeConverter) Convert(_ context.Context, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return c.outPath, nil
}

func (c *fakeConverter) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakeExtractor struct {
	mu    sync.Mutex
	calls int
	text  string
	err   error
}

func (e *fakeExtractor) Extract(_ context.Context, _ *domain.Document) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return e.text, e.err
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (e *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i)}
	}
	return out, nil
}

func (e *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

type fakeSummarizer struct {
	summary string
	err     error
}

func (s *fakeSummarizer) Summarize(_ context.Context, _ string) (string, error) {
	return s.summary, s.err
}

type fakeAnswerer struct {
	answer string
}

func (a *fakeAnswerer) GenerateAnswer(_ context.Context, _ string, _ []domain.RetrievedChunk) (string, error) {
	return a.answer, nil
}

type fakeVerifier struct {
	err error
}

func (v *fakeVerifier) Verify(_ domain.PaymentConfirmation) error {
	return v.err
}
