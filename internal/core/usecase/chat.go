package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kirillkom/scanmaster/internal/core/domain"
	"github.com/kirillkom/scanmaster/internal/core/ports"
)

const defaultChatTopK = 5

// ChatUseCase answers questions about one chat-ready document from its
// indexed chunks only.
type ChatUseCase struct {
	reader   ports.DocumentReader
	embedder ports.Embedder
	index    ports.ContextIndex
	answers  ports.AnswerGenerator
	topK     int
}

func NewChatUseCase(
	reader ports.DocumentReader,
	embedder ports.Embedder,
	index ports.ContextIndex,
	answers ports.AnswerGenerator,
	topK int,
) *ChatUseCase {
	if topK <= 0 {
		topK = defaultChatTopK
	}
	return &ChatUseCase{
		reader:   reader,
		embedder: embedder,
		index:    index,
		answers:  answers,
		topK:     topK,
	}
}

func (uc *ChatUseCase) Answer(ctx context.Context, userID, documentID, question string) (*domain.ChatAnswer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "answer question", errors.New("empty question"))
	}

	doc, err := uc.reader.GetOwned(ctx, userID, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Status != domain.StatusChatReady {
		return nil, domain.WrapError(domain.ErrInvalidInput, "answer question",
			fmt.Errorf("document is %s, chat requires chat_ready", doc.Status))
	}

	queryVector, err := uc.embedder.EmbedQuery(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}

	chunks, err := uc.index.Search(ctx, doc.ID, queryVector, uc.topK)
	if err != nil {
		return nil, fmt.Errorf("search document context: %w", err)
	}

	answer, err := uc.answers.GenerateAnswer(ctx, question, chunks)
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}

	return &domain.ChatAnswer{
		DocumentID: doc.ID,
		Question:   question,
		Answer:     answer,
		Sources:    chunks,
	}, nil
}
