package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/geochat/internal/logger"
)

// OpenAI streams completions through the OpenAI chat API or any compatible endpoint.
type OpenAI struct{}

// NewOpenAI creates the provider. Clients are built per request so settings
// changes apply to the next message.
func NewOpenAI() *OpenAI { return &OpenAI{} }

// NewClient creates a new OpenAI client
func NewClient(apiKey, baseURL string) (*openai.Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = strings.TrimRight(baseURL, "/")

	return openai.NewClientWithConfig(config), nil
}

// Stream sends the system prompt and messages and returns the delta stream.
func (p *OpenAI) Stream(ctx context.Context, req Request) (Stream, error) {
	model := req.Model
	if model == "" {
		model = DefaultModel
	}
	logger.L.Debug("chat request", "messages", len(req.Messages), "model", model, "system_prompt_len", len(req.SystemPrompt), "key_len", len(req.APIKey))

	if req.APIKey == "" {
		logger.L.Error("missing OpenAI API key")
		return nil, ErrMissingCredential
	}
	if req.Provider != "" && req.Provider != "openai" {
		return nil, fmt.Errorf("%w: unsupported provider %q", ErrInit, req.Provider)
	}

	client, err := NewClient(req.APIKey, req.BaseURL)
	if err != nil {
		logger.L.Error("model initialization failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrInit, err)
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	stream, err := client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: msgs,
		Stream:   true,
	})
	if err != nil {
		logger.L.Error("stream creation failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrStreamCreate, err)
	}
	return &openAIStream{stream: stream}, nil
}

type openAIStream struct {
	stream    *openai.ChatCompletionStream
	closeOnce sync.Once
	closeErr  error
}

func (s *openAIStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			return delta, nil
		}
	}
}

func (s *openAIStream) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.stream.Close() })
	return s.closeErr
}
