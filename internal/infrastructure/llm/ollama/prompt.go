package ollama

import (
	"fmt"
	"strings"

	"github.com/kirillkom/scanmaster/internal/core/domain"
)

func buildSummaryPrompt(text string) string {
	const maxSnippet = 6000
	snippet := text
	if len(snippet) > maxSnippet {
		snippet = snippet[:maxSnippet]
	}

	return `Write a single short paragraph summarizing the document below.
Plain text only, no headings, no lists.

Document:
` + snippet
}

func buildAnswerPrompt(question string, chunks []domain.RetrievedChunk) string {
	var contextBuilder strings.Builder
	for idx, chunk := range chunks {
		contextBuilder.WriteString(fmt.Sprintf(
			"[%d] chunk=%d score=%.3f\n%s\n\n",
			idx+1,
			chunk.ChunkIndex,
			chunk.Score,
			chunk.Text,
		))
	}

	return fmt.Sprintf(`Answer user question only from context below.
If context is insufficient, say it directly.

Question:
%s

Context:
%s
`, question, contextBuilder.String())
}
