package usecase

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/scanmaster/internal/core/domain"
)

func newDownloadFixture(t *testing.T) (*DownloadUseCase, *memDocStore) {
	t.Helper()
	docs := newMemDocStore()
	storage := newMemStorage()
	doc := &domain.Document{
		ID:            "doc-1",
		OwnerID:       "user-1",
		Filename:      "report.pdf",
		CanonicalPath: "processed/user-1/report.pdf",
		Status:        domain.StatusChatReady,
		Version:       4,
	}
	if err := docs.Create(context.Background(), doc); err != nil {
		t.Fatal(err)
	}
	if err := storage.Save(context.Background(), doc.CanonicalPath, strings.NewReader("pdf bytes")); err != nil {
		t.Fatal(err)
	}
	manager := NewManageDocumentsUseCase(docs, newMemContexts(), newMemIndex(), storage, &memQueue{}, testLogger())
	return NewDownloadUseCase(manager, docs, storage, "signing-secret", 10*time.Minute), docs
}

func TestDownloadTokenRoundTrip(t *testing.T) {
	uc, _ := newDownloadFixture(t)

	token, err := uc.IssueDownloadToken(context.Background(), "user-1", "doc-1")
	if err != nil {
		t.Fatalf("IssueDownloadToken() error = %v", err)
	}

	rc, filename, err := uc.OpenByToken(context.Background(), token)
	if err != nil {
		t.Fatalf("OpenByToken() error = %v", err)
	}
	defer rc.Close()

	if filename != "report.pdf" {
		t.Fatalf("filename = %q", filename)
	}
	data, _ := io.ReadAll(rc)
	if string(data) != "pdf bytes" {
		t.Fatalf("content = %q", data)
	}
}

func TestDownloadExpiredTokenRejected(t *testing.T) {
	uc, _ := newDownloadFixture(t)

	token, err := uc.IssueDownloadToken(context.Background(), "user-1", "doc-1")
	if err != nil {
		t.Fatal(err)
	}

	uc.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	_, _, err = uc.OpenByToken(context.Background(), token)
	if !domain.IsKind(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for expired token, got %v", err)
	}
}

func TestDownloadTamperedTokenRejected(t *testing.T) {
	uc, _ := newDownloadFixture(t)

	token, err := uc.IssueDownloadToken(context.Background(), "user-1", "doc-1")
	if err != nil {
		t.Fatal(err)
	}

	tampered := token[:len(token)-2] + "xx"
	if _, _, err := uc.OpenByToken(context.Background(), tampered); !domain.IsKind(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for tampered token, got %v", err)
	}
}

func TestDownloadForeignDocumentRejected(t *testing.T) {
	uc, _ := newDownloadFixture(t)

	_, err := uc.IssueDownloadToken(context.Background(), "user-2", "doc-1")
	if !domain.IsKind(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestDownloadRequiresCanonicalArtifact(t *testing.T) {
	uc, docs := newDownloadFixture(t)
	_ = docs.Create(context.Background(), &domain.Document{
		ID:      "doc-2",
		OwnerID: "user-1",
		Status:  domain.StatusUploaded,
		Version: 1,
	})

	_, err := uc.IssueDownloadToken(context.Background(), "user-1", "doc-2")
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestDownloadDeletedDocumentRejected(t *testing.T) {
	uc, docs := newDownloadFixture(t)

	token, err := uc.IssueDownloadToken(context.Background(), "user-1", "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := docs.Transition(context.Background(), "doc-1", 4, domain.StatusDeleted, domain.TransitionFields{}); err != nil {
		t.Fatal(err)
	}

	if _, _, err := uc.OpenByToken(context.Background(), token); !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}
