package doctext

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/scanmaster/internal/core/domain"
	"github.com/kirillkom/scanmaster/internal/core/ports"
)

// Extractor pulls plain text from stored document content. Spreadsheets are
// read from the original upload because cell structure survives better there
// than in the rendered PDF; everything else reads the canonical PDF, with a
// pass-through for plain text sources.
type Extractor struct {
	storage ports.ObjectStorage
}

func New(storage ports.ObjectStorage) *Extractor {
	return &Extractor{storage: storage}
}

func (e *Extractor) Extract(ctx context.Context, doc *domain.Document) (string, error) {
	switch {
	case isSpreadsheet(doc.MimeType, doc.Filename):
		return e.extractSpreadsheet(ctx, doc.SourcePath)
	case isPlainText(doc.MimeType, doc.Filename):
		return e.extractPlain(ctx, doc.SourcePath)
	default:
		if doc.CanonicalPath == "" {
			return "", domain.WrapError(domain.ErrPermanent, "extract text",
				fmt.Errorf("document %s has no canonical artifact", doc.ID))
		}
		return e.extractPDF(ctx, doc.CanonicalPath)
	}
}

func (e *Extractor) extractPDF(ctx context.Context, key string) (string, error) {
	data, err := e.readAll(ctx, key)
	if err != nil {
		return "", err
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", domain.WrapError(domain.ErrPermanent, "extract text", fmt.Errorf("parse pdf: %w", err))
	}

	textReader, err := reader.GetPlainText()
	if err != nil {
		return "", domain.WrapError(domain.ErrPermanent, "extract text", fmt.Errorf("read pdf text: %w", err))
	}
	var sb strings.Builder
	if _, err := io.Copy(&sb, textReader); err != nil {
		return "", domain.WrapError(domain.ErrPermanent, "extract text", fmt.Errorf("collect pdf text: %w", err))
	}
	return normalize(sb.String()), nil
}

func (e *Extractor) extractSpreadsheet(ctx context.Context, key string) (string, error) {
	data, err := e.readAll(ctx, key)
	if err != nil {
		return "", err
	}

	workbook, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", domain.WrapError(domain.ErrPermanent, "extract text", fmt.Errorf("open workbook: %w", err))
	}
	defer workbook.Close()

	var sb strings.Builder
	for _, sheet := range workbook.GetSheetList() {
		rows, err := workbook.GetRows(sheet)
		if err != nil {
			return "", domain.WrapError(domain.ErrPermanent, "extract text",
				fmt.Errorf("read sheet %q: %w", sheet, err))
		}
		sb.WriteString(sheet)
		sb.WriteString("\n")
		for _, row := range rows {
			sb.WriteString(strings.Join(row, "\t"))
			sb.WriteString("\n")
		}
	}
	return normalize(sb.String()), nil
}

func (e *Extractor) extractPlain(ctx context.Context, key string) (string, error) {
	data, err := e.readAll(ctx, key)
	if err != nil {
		return "", err
	}
	return normalize(string(data)), nil
}

func (e *Extractor) readAll(ctx context.Context, key string) ([]byte, error) {
	rc, err := e.storage.Open(ctx, key)
	if err != nil {
		return nil, domain.WrapError(domain.ErrTransient, "extract text", fmt.Errorf("open object %s: %w", key, err))
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, domain.WrapError(domain.ErrTransient, "extract text", fmt.Errorf("read object %s: %w", key, err))
	}
	return data, nil
}

func isSpreadsheet(mimeType, filename string) bool {
	switch mimeType {
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.ms-excel":
		return true
	}
	lower := strings.ToLower(filename)
	return strings.HasSuffix(lower, ".xlsx") || strings.HasSuffix(lower, ".xlsm")
}

func isPlainText(mimeType, filename string) bool {
	if strings.HasPrefix(mimeType, "text/") {
		return true
	}
	lower := strings.ToLower(filename)
	return strings.HasSuffix(lower, ".txt") || strings.HasSuffix(lower, ".md")
}

// normalize collapses whitespace runs so the chunker sees stable input
// regardless of how the source renderer spaced the text.
func normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
