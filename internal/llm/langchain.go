package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"github.com/dharsanguruparan/inteldocs/internal/logger"
)

// Config selects and addresses the model backend.
type Config struct {
	// Backend is "openai" (any OpenAI compatible server) or "ollama".
	Backend        string
	BaseURL        string
	Token          string
	ChatModel      string
	EmbeddingModel string
}

// Provider implements Completer and Embedder on top of langchaingo.
type Provider struct {
	chat     llms.Model
	embedder embeddings.Embedder
	log      *logger.Logger
}

var (
	_ Completer = (*Provider)(nil)
	_ Embedder  = (*Provider)(nil)
)

// NewProvider builds the chat and embedding clients for cfg.
func NewProvider(cfg Config, log *logger.Logger) (*Provider, error) {
	var (
		chat      llms.Model
		embClient embeddings.EmbedderClient
	)
	switch cfg.Backend {
	case "openai":
		opts := []openai.Option{
			openai.WithToken(cfg.Token),
			openai.WithModel(cfg.ChatModel),
			openai.WithEmbeddingModel(cfg.EmbeddingModel),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		client, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai client: %w", err)
		}
		chat, embClient = client, client
	case "ollama":
		chatClient, err := ollama.New(ollama.WithServerURL(cfg.BaseURL), ollama.WithModel(cfg.ChatModel))
		if err != nil {
			return nil, fmt.Errorf("create ollama chat client: %w", err)
		}
		embedClient, err := ollama.New(ollama.WithServerURL(cfg.BaseURL), ollama.WithModel(cfg.EmbeddingModel))
		if err != nil {
			return nil, fmt.Errorf("create ollama embedding client: %w", err)
		}
		chat, embClient = chatClient, embedClient
	default:
		return nil, fmt.Errorf("unknown llm backend %q", cfg.Backend)
	}
	embedder, err := embeddings.NewEmbedder(embClient, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	return &Provider{
		chat:     chat,
		embedder: embedder,
		log:      log.With("component", "llm", "backend", cfg.Backend),
	}, nil
}

// Complete sends a system + human message pair and returns the first choice.
func (p *Provider) Complete(ctx context.Context, req Request) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, req.System),
		llms.TextParts(schema.ChatMessageTypeHuman, req.Prompt),
	}
	opts := []llms.CallOption{llms.WithTemperature(req.Temperature)}
	if req.Model != "" {
		opts = append(opts, llms.WithModel(req.Model))
	}
	if req.JSON {
		opts = append(opts, llms.WithJSONMode())
	}
	resp, err := p.chat.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("generate content: empty response")
	}
	return resp.Choices[0].Content, nil
}

func (p *Provider) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vec, err := p.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return vec, nil
}

func (p *Provider) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed documents: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embed documents: got %d vectors for %d texts", len(vecs), len(texts))
	}
	return vecs, nil
}

// CountTokens estimates the token length of text with the tiktoken encoding
// langchaingo ships, falling back to a character heuristic offline.
func CountTokens(text string) int {
	return llms.CountTokens("gpt-3.5-turbo", text)
}
