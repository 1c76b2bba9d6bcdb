package convert

import (
	"context"
	"fmt"
	"strings"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"google.golang.org/api/option"
)

// DocumentAIConfig addresses an OCR processor.
type DocumentAIConfig struct {
	ProjectID   string
	Location    string
	ProcessorID string
	// CredentialsJSON takes precedence over CredentialsFile. With neither,
	// application default credentials are used.
	CredentialsJSON string
	CredentialsFile string
}

// ProcessorName is the fully qualified processor resource name.
func (c DocumentAIConfig) ProcessorName() string {
	return fmt.Sprintf("projects/%s/locations/%s/processors/%s",
		strings.TrimSpace(c.ProjectID), strings.TrimSpace(c.Location), strings.TrimSpace(c.ProcessorID))
}

type processFunc func(ctx context.Context, req *documentaipb.ProcessRequest) (*documentaipb.ProcessResponse, error)

// DocumentAI is the vision-augmented converter: pages are OCRed by a
// Document AI processor, so scanned memos convert as well as born-digital ones.
type DocumentAI struct {
	name    string
	process processFunc
	close   func() error
}

var _ Converter = (*DocumentAI)(nil)

// NewDocumentAI dials the regional Document AI endpoint.
func NewDocumentAI(ctx context.Context, cfg DocumentAIConfig) (*DocumentAI, error) {
	if cfg.ProjectID == "" || cfg.ProcessorID == "" {
		return nil, fmt.Errorf("document ai project and processor are required")
	}
	location := cfg.Location
	if location == "" {
		location = "us"
		cfg.Location = location
	}
	opts := []option.ClientOption{option.WithEndpoint(fmt.Sprintf("%s-documentai.googleapis.com:443", location))}
	switch {
	case cfg.CredentialsJSON != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := documentai.NewDocumentProcessorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("documentai client: %w", err)
	}
	return &DocumentAI{
		name: cfg.ProcessorName(),
		process: func(ctx context.Context, req *documentaipb.ProcessRequest) (*documentaipb.ProcessResponse, error) {
			return client.ProcessDocument(ctx, req)
		},
		close: client.Close,
	}, nil
}

func (d *DocumentAI) Close() error {
	if d.close == nil {
		return nil
	}
	return d.close()
}

func (d *DocumentAI) Convert(ctx context.Context, src Source) (string, error) {
	if src.IsPlainText() {
		return string(src.Data), nil
	}
	req := &documentaipb.ProcessRequest{
		Name: d.name,
		Source: &documentaipb.ProcessRequest_RawDocument{
			RawDocument: &documentaipb.RawDocument{
				Content:  src.Data,
				MimeType: src.DetectMimeType(),
			},
		},
	}
	resp, err := d.process(ctx, req)
	if err != nil {
		return "", fmt.Errorf("documentai process: %w", err)
	}
	if resp == nil || resp.Document == nil {
		return "", nil
	}
	return renderDocument(resp.Document), nil
}

// renderDocument lays OCR output out as markdown: paragraphs per page, then
// any tables detected on that page.
func renderDocument(doc *documentaipb.Document) string {
	var pages []string
	for _, p := range doc.Pages {
		if p == nil {
			continue
		}
		var blocks []string
		for _, para := range p.Paragraphs {
			if para == nil || para.Layout == nil {
				continue
			}
			if t := strings.TrimSpace(anchorText(doc.Text, para.Layout.TextAnchor)); t != "" {
				blocks = append(blocks, t)
			}
		}
		for _, table := range p.Tables {
			if md := tableMarkdown(doc.Text, table); md != "" {
				blocks = append(blocks, md)
			}
		}
		if len(blocks) > 0 {
			pages = append(pages, strings.Join(blocks, "\n\n"))
		}
	}
	if len(pages) == 0 {
		return strings.TrimSpace(doc.Text)
	}
	return strings.Join(pages, "\n\n")
}

func anchorText(full string, anchor *documentaipb.Document_TextAnchor) string {
	if anchor == nil || full == "" {
		return ""
	}
	var b strings.Builder
	for _, seg := range anchor.TextSegments {
		if seg == nil {
			continue
		}
		start, end := int(seg.StartIndex), int(seg.EndIndex)
		if start < 0 {
			start = 0
		}
		if end > len(full) {
			end = len(full)
		}
		if start >= end {
			continue
		}
		b.WriteString(full[start:end])
	}
	return b.String()
}

func tableMarkdown(full string, t *documentaipb.Document_Page_Table) string {
	if t == nil {
		return ""
	}
	rows := append([]*documentaipb.Document_Page_Table_TableRow{}, t.HeaderRows...)
	rows = append(rows, t.BodyRows...)
	var lines []string
	for i, r := range rows {
		if r == nil {
			continue
		}
		cells := make([]string, 0, len(r.Cells))
		for _, c := range r.Cells {
			text := ""
			if c != nil && c.Layout != nil {
				text = anchorText(full, c.Layout.TextAnchor)
			}
			text = strings.Join(strings.Fields(text), " ")
			cells = append(cells, strings.ReplaceAll(text, "|", `\|`))
		}
		lines = append(lines, "| "+strings.Join(cells, " | ")+" |")
		if i == 0 {
			sep := make([]string, len(cells))
			for j := range sep {
				sep[j] = "---"
			}
			lines = append(lines, "| "+strings.Join(sep, " | ")+" |")
		}
	}
	return strings.Join(lines, "\n")
}
