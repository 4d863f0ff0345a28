package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/scanmaster/internal/core/domain"
)

type ChatContextStore struct {
	db *sql.DB
}

func NewChatContextStore(db *sql.DB) *ChatContextStore {
	return &ChatContextStore{db: db}
}

func (s *ChatContextStore) Get(ctx context.Context, documentID string) (*domain.ChatContext, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT document_id, extracted_text, chunk_count, build_step, context_ready, updated_at
FROM chat_contexts
WHERE document_id = $1
`, documentID)

	var chatCtx domain.ChatContext
	var step int
	err := row.Scan(&chatCtx.DocumentID, &chatCtx.ExtractedText, &chatCtx.ChunkCount, &step, &chatCtx.ContextReady, &chatCtx.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get chat context", fmt.Errorf("document=%s", documentID))
		}
		return nil, fmt.Errorf("scan chat context: %w", err)
	}
	chatCtx.BuildStep = domain.BuildStep(step)
	return &chatCtx, nil
}

// Upsert persists the build marker together with the sub-step's output, which
// is what lets a crashed preparation run resume instead of repeating work.
func (s *ChatContextStore) Upsert(ctx context.Context, chatCtx *domain.ChatContext) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO chat_contexts (document_id, extracted_text, chunk_count, build_step, context_ready, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (document_id) DO UPDATE SET
	extracted_text = EXCLUDED.extracted_text,
	chunk_count = EXCLUDED.chunk_count,
	build_step = EXCLUDED.build_step,
	context_ready = EXCLUDED.context_ready,
	updated_at = EXCLUDED.updated_at
`, chatCtx.DocumentID, chatCtx.ExtractedText, chatCtx.ChunkCount, int(chatCtx.BuildStep), chatCtx.ContextReady, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert chat context: %w", err)
	}
	return nil
}

func (s *ChatContextStore) Delete(ctx context.Context, documentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chat_contexts WHERE document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("delete chat context: %w", err)
	}
	return nil
}
