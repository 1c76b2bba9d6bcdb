package convert

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	pdf "github.com/ledongthuc/pdf"
)

// MarkItDown is the lightweight universal converter: plain text and markdown
// pass through, PDFs go through a pure Go text extractor page by page.
type MarkItDown struct{}

var _ Converter = MarkItDown{}

func (MarkItDown) Convert(ctx context.Context, src Source) (string, error) {
	if src.IsPlainText() {
		return string(src.Data), nil
	}
	if src.DetectMimeType() != "application/pdf" {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, src.DetectMimeType())
	}
	return ExtractPDFText(ctx, src.Data)
}

// ExtractPDFText reads PDF bytes and returns the plain text of each page
// separated by blank lines.
func ExtractPDFText(ctx context.Context, data []byte) (string, error) {
	reader := bytes.NewReader(data)
	doc, err := pdf.NewReader(reader, int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("new pdf reader: %w", err)
	}
	var builder strings.Builder
	total := doc.NumPage()
	for page := 1; page <= total; page++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		p := doc.Page(page)
		if p.V.IsNull() {
			continue
		}
		content, err := p.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", page, err)
		}
		content = strings.TrimSpace(content)
		if content == "" {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteString("\n\n")
		}
		builder.WriteString(content)
	}
	return builder.String(), nil
}
