package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kirillkom/scanmaster/internal/core/domain"
)

type DocumentStore struct {
	db *sql.DB
}

func NewDocumentStore(db *sql.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

const documentColumns = `id, owner_id, filename, mime_type, source_path, canonical_path, summary, status, failure_reason, retry_count, version, next_attempt_at, storage_cleanup_pending, created_at, updated_at`

func (s *DocumentStore) Create(ctx context.Context, doc *domain.Document) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO documents (
	id, owner_id, filename, mime_type, source_path, canonical_path, summary, status, failure_reason, retry_count, version, next_attempt_at, storage_cleanup_pending, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
`,
		doc.ID, doc.OwnerID, doc.Filename, doc.MimeType, doc.SourcePath, doc.CanonicalPath, doc.Summary,
		string(doc.Status), doc.FailureReason, doc.RetryCount, doc.Version, doc.NextAttemptAt,
		doc.StorageCleanupPending, doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *DocumentStore) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+documentColumns+`
FROM documents
WHERE id = $1
`, id)

	doc, err := scanDocumentRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return &doc, nil
}

// Transition applies the compare-and-swap status change in a single UPDATE
// guarded by the expected version. Zero rows affected resolves to either a
// version conflict or a missing record by a follow-up read.
func (s *DocumentStore) Transition(
	ctx context.Context,
	id string,
	expectedVersion int64,
	newStatus domain.DocumentStatus,
	fields domain.TransitionFields,
) (*domain.Document, error) {
	set := []string{"status = $3", "version = version + 1", "updated_at = $4"}
	args := []any{id, expectedVersion, string(newStatus), time.Now().UTC()}

	appendField := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if fields.CanonicalPath != nil {
		appendField("canonical_path", *fields.CanonicalPath)
	}
	if fields.Summary != nil {
		appendField("summary", *fields.Summary)
	}
	if fields.FailureReason != nil {
		appendField("failure_reason", *fields.FailureReason)
	}
	if fields.RetryCount != nil {
		appendField("retry_count", *fields.RetryCount)
	}
	if fields.NextAttemptAt != nil {
		appendField("next_attempt_at", *fields.NextAttemptAt)
	}
	if fields.StorageCleanupPending != nil {
		appendField("storage_cleanup_pending", *fields.StorageCleanupPending)
	}

	query := fmt.Sprintf(`
UPDATE documents
SET %s
WHERE id = $1 AND version = $2
RETURNING `+documentColumns, strings.Join(set, ", "))

	row := s.db.QueryRowContext(ctx, query, args...)
	doc, err := scanDocumentRow(row)
	if err == nil {
		return &doc, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transition document: %w", err)
	}

	// CAS miss: distinguish a concurrent move from a missing record.
	var storedVersion int64
	checkErr := s.db.QueryRowContext(ctx, `SELECT version FROM documents WHERE id = $1`, id).Scan(&storedVersion)
	if errors.Is(checkErr, sql.ErrNoRows) {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "transition document", fmt.Errorf("id=%s", id))
	}
	if checkErr != nil {
		return nil, fmt.Errorf("transition version check: %w", checkErr)
	}
	return nil, domain.WrapError(
		domain.ErrVersionConflict,
		"transition document",
		fmt.Errorf("id=%s expected=%d stored=%d", id, expectedVersion, storedVersion),
	)
}

func (s *DocumentStore) ListDispatchable(ctx context.Context, now time.Time, limit int) ([]domain.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+documentColumns+`
FROM documents
WHERE status IN ($1, $2) AND next_attempt_at <= $3
ORDER BY next_attempt_at
LIMIT $4
`, string(domain.StatusUploaded), string(domain.StatusConverted), now, limit)
	if err != nil {
		return nil, fmt.Errorf("list dispatchable: %w", err)
	}
	return collectDocuments(rows)
}

func (s *DocumentStore) ListCleanupPending(ctx context.Context, limit int) ([]domain.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+documentColumns+`
FROM documents
WHERE status = $1 AND storage_cleanup_pending
ORDER BY updated_at
LIMIT $2
`, string(domain.StatusDeleted), limit)
	if err != nil {
		return nil, fmt.Errorf("list cleanup pending: %w", err)
	}
	return collectDocuments(rows)
}

type documentScanner interface {
	Scan(dest ...any) error
}

func scanDocumentRow(scanner documentScanner) (domain.Document, error) {
	var doc domain.Document
	var status string

	err := scanner.Scan(
		&doc.ID, &doc.OwnerID, &doc.Filename, &doc.MimeType, &doc.SourcePath, &doc.CanonicalPath,
		&doc.Summary, &status, &doc.FailureReason, &doc.RetryCount, &doc.Version, &doc.NextAttemptAt,
		&doc.StorageCleanupPending, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		return domain.Document{}, err
	}
	doc.Status = domain.DocumentStatus(status)
	return doc, nil
}

func collectDocuments(rows *sql.Rows) ([]domain.Document, error) {
	defer rows.Close()

	out := make([]domain.Document, 0)
	for rows.Next() {
		doc, err := scanDocumentRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document row: %w", err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}
