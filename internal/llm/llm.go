// Package llm streams chat completions from a hosted provider.
package llm

import (
	"context"
	"errors"

	"github.com/comigor/geochat/internal/config"
)

// DefaultModel and DefaultBaseURL apply when the settings leave them blank.
const (
	DefaultModel   = config.DefaultModel
	DefaultBaseURL = "https://api.openai.com/v1"
)

// Distinct failure modes surfaced to the user.
var (
	ErrMissingCredential = errors.New("an OpenAI API key is required, configure it in settings")
	ErrInit              = errors.New("failed to initialize the model, check the API key and model settings")
	ErrStreamCreate      = errors.New("failed to create the chat stream, check the network connection")
)

// Message is one turn sent to the provider.
type Message struct {
	Role    string
	Content string
}

// Request carries everything needed for one completion.
type Request struct {
	Provider     string
	Model        string
	APIKey       string
	BaseURL      string
	SystemPrompt string
	Messages     []Message
}

// Stream is a lazy, finite, non-restartable sequence of text deltas.
// Recv returns io.EOF after the last delta. Close abandons the stream and may
// be called at any time, including concurrently with a blocked Recv.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Provider opens completion streams.
type Provider interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}
