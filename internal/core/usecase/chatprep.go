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

// ChatPreparation builds the AI-queryable context for one document. Each
// sub-step commits a progress marker before the next starts, so a run that
// dies mid-way resumes after the last completed step instead of repeating it.
// Chunking is deterministic over the stored extracted text and index writes
// key points by (document, ordinal), which makes every resume path idempotent.
type ChatPreparation struct {
	contexts   ports.ChatContextStore
	extractor  ports.TextExtractor
	chunker    ports.Chunker
	embedder   ports.Embedder
	index      ports.ContextIndex
	summarizer ports.SummaryGenerator
	logger     *slog.Logger
}

func NewChatPreparation(
	contexts ports.ChatContextStore,
	extractor ports.TextExtractor,
	chunker ports.Chunker,
	embedder ports.Embedder,
	index ports.ContextIndex,
	summarizer ports.SummaryGenerator,
	logger *slog.Logger,
) *ChatPreparation {
	return &ChatPreparation{
		contexts:   contexts,
		extractor:  extractor,
		chunker:    chunker,
		embedder:   embedder,
		index:      index,
		summarizer: summarizer,
		logger:     logger,
	}
}

// Run executes the remaining sub-steps for doc and returns the generated
// summary. The returned summary is empty when summary generation was skipped.
func (p *ChatPreparation) Run(ctx context.Context, doc *domain.Document) (string, error) {
	chatCtx, err := p.loadOrInit(ctx, doc.ID)
	if err != nil {
		return "", err
	}

	if chatCtx.BuildStep < domain.BuildStepExtracted {
		if err := p.runExtract(ctx, doc, chatCtx); err != nil {
			return "", err
		}
	}
	if chatCtx.BuildStep < domain.BuildStepChunked {
		if err := p.runChunk(ctx, chatCtx); err != nil {
			return "", err
		}
	}
	if chatCtx.BuildStep < domain.BuildStepIndexed {
		if err := p.runIndex(ctx, chatCtx); err != nil {
			return "", err
		}
	}

	summary := doc.Summary
	if summary == "" {
		summary, err = p.summarizer.Summarize(ctx, chatCtx.ExtractedText)
		if err != nil {
			return "", fmt.Errorf("generate summary: %w", err)
		}
	}

	chatCtx.ContextReady = true
	if err := p.commit(ctx, chatCtx); err != nil {
		return "", err
	}
	return summary, nil
}

// Discard removes everything Run built for documentID: the indexed points
// and the persisted chat context. Used when a finished preparation can no
// longer be committed because the document was deleted underneath it.
func (p *ChatPreparation) Discard(ctx context.Context, documentID string) error {
	if err := p.index.DeleteByDocument(ctx, documentID); err != nil {
		return fmt.Errorf("delete index points: %w", err)
	}
	if err := p.contexts.Delete(ctx, documentID); err != nil {
		return fmt.Errorf("delete chat context: %w", err)
	}
	return nil
}

func (p *ChatPreparation) loadOrInit(ctx context.Context, documentID string) (*domain.ChatContext, error) {
	chatCtx, err := p.contexts.Get(ctx, documentID)
	if err == nil {
		return chatCtx, nil
	}
	if domain.IsKind(err, domain.ErrDocumentNotFound) {
		return &domain.ChatContext{DocumentID: documentID, BuildStep: domain.BuildStepNone}, nil
	}
	return nil, fmt.Errorf("load chat context: %w", err)
}

func (p *ChatPreparation) runExtract(ctx context.Context, doc *domain.Document, chatCtx *domain.ChatContext) error {
	text, err := p.extractor.Extract(ctx, doc)
	if err != nil {
		return fmt.Errorf("extract text: %w", err)
	}
	if text == "" {
		return domain.WrapError(domain.ErrPermanent, "extract text", errors.New("empty extracted text"))
	}

	chatCtx.ExtractedText = text
	chatCtx.BuildStep = domain.BuildStepExtracted
	return p.commit(ctx, chatCtx)
}

func (p *ChatPreparation) runChunk(ctx context.Context, chatCtx *domain.ChatContext) error {
	chunks := p.chunker.Split(chatCtx.ExtractedText)
	if len(chunks) == 0 {
		return domain.WrapError(domain.ErrPermanent, "chunk text", errors.New("chunking produced zero chunks"))
	}

	chatCtx.ChunkCount = len(chunks)
	chatCtx.BuildStep = domain.BuildStepChunked
	return p.commit(ctx, chatCtx)
}

// runIndex re-derives the chunk list from the stored text rather than
// persisting the chunks themselves; the splitter reproduces them exactly.
func (p *ChatPreparation) runIndex(ctx context.Context, chatCtx *domain.ChatContext) error {
	chunks := p.chunker.Split(chatCtx.ExtractedText)
	if len(chunks) != chatCtx.ChunkCount {
		return domain.WrapError(domain.ErrPermanent, "index chunks",
			fmt.Errorf("chunk count drifted: stored %d, derived %d", chatCtx.ChunkCount, len(chunks)))
	}

	vectors, err := p.embedder.Embed(ctx, chunks)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return domain.WrapError(domain.ErrTransient, "embed chunks",
			fmt.Errorf("vectors/chunks mismatch: %d/%d", len(vectors), len(chunks)))
	}

	if err := p.index.IndexChunks(ctx, chatCtx.DocumentID, chunks, vectors); err != nil {
		return fmt.Errorf("index chunks: %w", err)
	}

	chatCtx.BuildStep = domain.BuildStepIndexed
	return p.commit(ctx, chatCtx)
}

func (p *ChatPreparation) commit(ctx context.Context, chatCtx *domain.ChatContext) error {
	chatCtx.UpdatedAt = time.Now().UTC()
	if err := p.contexts.Upsert(ctx, chatCtx); err != nil {
		return fmt.Errorf("persist chat context step %s: %w", chatCtx.BuildStep, err)
	}
	return nil
}
