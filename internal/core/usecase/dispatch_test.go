package usecase

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/scanmaster/internal/core/domain"
)

func TestRedispatchPublishesDueDocuments(t *testing.T) {
	docs := newMemDocStore()
	queue := &memQueue{}
	sweeper := NewDispatchSweeper(docs, queue, newMemStorage(), testLogger(), 10)

	_ = docs.Create(context.Background(), &domain.Document{
		ID: "due", Status: domain.StatusUploaded, Version: 1,
	})
	_ = docs.Create(context.Background(), &domain.Document{
		ID: "backing-off", Status: domain.StatusUploaded, Version: 1,
		NextAttemptAt: time.Now().UTC().Add(time.Hour),
	})
	_ = docs.Create(context.Background(), &domain.Document{
		ID: "busy", Status: domain.StatusConverting, Version: 2,
	})

	sweeper.redispatchOnce(context.Background())

	events := queue.events()
	if len(events) != 1 || events[0] != "due" {
		t.Fatalf("published events = %v, want just [due]", events)
	}
}

func TestRedispatchContinuesPastPublishFailure(t *testing.T) {
	docs := newMemDocStore()
	queue := &memQueue{failIDs: map[string]bool{"bad": true}}
	sweeper := NewDispatchSweeper(docs, queue, newMemStorage(), testLogger(), 10)

	_ = docs.Create(context.Background(), &domain.Document{
		ID: "bad", Status: domain.StatusUploaded, Version: 1,
	})
	_ = docs.Create(context.Background(), &domain.Document{
		ID: "good", Status: domain.StatusUploaded, Version: 1,
	})

	sweeper.redispatchOnce(context.Background())

	events := queue.events()
	if len(events) != 1 || events[0] != "good" {
		t.Fatalf("published events = %v, want [good] despite the failed publish", events)
	}
}

func TestCleanupSweepReclaimsAndClearsFlag(t *testing.T) {
	docs := newMemDocStore()
	storage := newMemStorage()
	swept := 0
	sweeper := NewDispatchSweeper(docs, &memQueue{}, storage, testLogger(), 10).
		WithSweptCallback(func() { swept++ })

	doc := &domain.Document{
		ID:                    "doc-1",
		SourcePath:            "uploads/u1/a.docx",
		CanonicalPath:         "processed/u1/a.pdf",
		Status:                domain.StatusDeleted,
		StorageCleanupPending: true,
		Version:               5,
	}
	_ = docs.Create(context.Background(), doc)
	_ = storage.Save(context.Background(), doc.SourcePath, strings.NewReader("a"))
	_ = storage.Save(context.Background(), doc.CanonicalPath, strings.NewReader("b"))

	sweeper.cleanupOnce(context.Background())

	if storage.has(doc.SourcePath) || storage.has(doc.CanonicalPath) {
		t.Fatal("sweep left storage objects behind")
	}
	stored, _ := docs.GetByID(context.Background(), "doc-1")
	if stored.StorageCleanupPending {
		t.Fatal("cleanup flag not cleared")
	}
	if swept != 1 {
		t.Fatalf("swept callback fired %d times, want 1", swept)
	}
}

func TestCleanupSweepKeepsFlagOnFailure(t *testing.T) {
	docs := newMemDocStore()
	storage := newMemStorage()
	sweeper := NewDispatchSweeper(docs, &memQueue{}, storage, testLogger(), 10)

	doc := &domain.Document{
		ID:                    "doc-1",
		SourcePath:            "uploads/u1/a.docx",
		Status:                domain.StatusDeleted,
		StorageCleanupPending: true,
		Version:               5,
	}
	_ = docs.Create(context.Background(), doc)
	_ = storage.Save(context.Background(), doc.SourcePath, strings.NewReader("a"))
	storage.failKeys[doc.SourcePath] = true

	sweeper.cleanupOnce(context.Background())

	stored, _ := docs.GetByID(context.Background(), "doc-1")
	if !stored.StorageCleanupPending {
		t.Fatal("cleanup flag cleared despite failed removal")
	}
}
