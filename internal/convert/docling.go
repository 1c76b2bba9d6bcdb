package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

const doclingConvertPath = "/v1/convert/file"

// Docling is the layout-aware ML converter. It posts the file to a
// docling-serve instance and returns the markdown rendering.
type Docling struct {
	baseURL string
	client  *http.Client
}

var _ Converter = (*Docling)(nil)

// NewDocling builds a converter for the docling-serve instance at baseURL.
// A nil client gets a default with a generous timeout, since layout models
// are slow on long documents.
func NewDocling(baseURL string, client *http.Client) *Docling {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Minute}
	}
	return &Docling{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type doclingResponse struct {
	Document struct {
		MDContent   string `json:"md_content"`
		TextContent string `json:"text_content"`
	} `json:"document"`
	Status string `json:"status"`
	Errors []struct {
		Message string `json:"error_message"`
	} `json:"errors"`
}

func (d *Docling) Convert(ctx context.Context, src Source) (string, error) {
	if src.IsPlainText() {
		return string(src.Data), nil
	}
	body, contentType, err := doclingForm(src)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+doclingConvertPath, body)
	if err != nil {
		return "", fmt.Errorf("build docling request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("docling request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("docling returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out doclingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode docling response: %w", err)
	}
	if out.Status != "" && out.Status != "success" && out.Status != "partial_success" {
		var msgs []string
		for _, e := range out.Errors {
			msgs = append(msgs, e.Message)
		}
		return "", fmt.Errorf("docling conversion %s: %s", out.Status, strings.Join(msgs, "; "))
	}
	text := out.Document.MDContent
	if strings.TrimSpace(text) == "" {
		text = out.Document.TextContent
	}
	return text, nil
}

func doclingForm(src Source) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, field := range [][2]string{{"to_formats", "md"}, {"image_export_mode", "placeholder"}} {
		if err := w.WriteField(field[0], field[1]); err != nil {
			return nil, "", fmt.Errorf("write form field: %w", err)
		}
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, src.Name))
	header.Set("Content-Type", src.DetectMimeType())
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(src.Data); err != nil {
		return nil, "", fmt.Errorf("write form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}
