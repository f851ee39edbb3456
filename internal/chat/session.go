// Package chat runs the request/response lifecycle of one conversation against
// a streaming completion provider.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/qmuntal/stateless"

	"github.com/comigor/geochat/internal/llm"
	"github.com/comigor/geochat/internal/logger"
	"github.com/comigor/geochat/internal/store"
)

// FSM States
type State string

const (
	StateIdle       State = "Idle"
	StateRequesting State = "Requesting"
	StateStreaming  State = "Streaming"
	StateFailed     State = "Failed"
)

// FSM Triggers
type Trigger string

const (
	TriggerSubmit        Trigger = "Submit"
	TriggerStreamOpened  Trigger = "StreamOpened"
	TriggerStreamEnded   Trigger = "StreamEnded"
	TriggerStopped       Trigger = "Stopped"
	TriggerErrorOccurred Trigger = "ErrorOccurred"
)

var (
	ErrEmptyInput  = errors.New("message is empty")
	ErrBusy        = errors.New("a response is already in progress")
	ErrStopped     = errors.New("response stopped")
	ErrInterrupted = errors.New("the response stream was interrupted")
)

// Option configures a Session.
type Option func(*Session)

// WithOnFinish registers a callback for every fully received assistant message.
func WithOnFinish(f func(conversationID string, msg store.Message)) Option {
	return func(s *Session) { s.onFinish = f }
}

// WithProviderName sets the provider name passed with each request.
func WithProviderName(name string) Option {
	return func(s *Session) { s.providerName = name }
}

// Session holds the message list and loading/error state of one conversation.
type Session struct {
	provider       llm.Provider
	store          *store.Store
	conversationID string
	providerName   string
	onFinish       func(string, store.Message)
	log            *slog.Logger

	mu       sync.Mutex
	fsm      *stateless.StateMachine
	messages []store.Message
	err      error
	cancel   context.CancelFunc
	stream   llm.Stream
	stopped  bool
}

// New creates a session seeded with the conversation's stored messages.
func New(provider llm.Provider, st *store.Store, conversationID string, opts ...Option) *Session {
	s := &Session{
		provider:       provider,
		store:          st,
		conversationID: conversationID,
		log:            logger.For("chat").With("conversation", conversationID),
		messages:       st.Snapshot().MessagesFor(conversationID),
	}
	for _, o := range opts {
		o(s)
	}

	fsm := stateless.NewStateMachine(StateIdle)
	fsm.Configure(StateIdle).
		Permit(TriggerSubmit, StateRequesting)
	fsm.Configure(StateFailed).
		Permit(TriggerSubmit, StateRequesting)
	fsm.Configure(StateRequesting).
		Permit(TriggerStreamOpened, StateStreaming).
		Permit(TriggerStopped, StateIdle).
		Permit(TriggerErrorOccurred, StateFailed)
	fsm.Configure(StateStreaming).
		Permit(TriggerStreamEnded, StateIdle).
		Permit(TriggerStopped, StateIdle).
		Permit(TriggerErrorOccurred, StateFailed)
	s.fsm = fsm
	return s
}

// ConversationID returns the conversation this session writes to.
func (s *Session) ConversationID() string { return s.conversationID }

// Messages returns a copy of the current messages, including a partially
// received assistant message while streaming.
func (s *Session) Messages() []store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Message(nil), s.messages...)
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsm.MustState().(State)
}

// Loading reports whether a request is in flight.
func (s *Session) Loading() bool {
	st := s.State()
	return st == StateRequesting || st == StateStreaming
}

// Err returns the error of the last request, if it failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Reload replaces the local messages with the stored ones. It is a no-op while loading.
func (s *Session) Reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.fsm.MustState().(State); st == StateRequesting || st == StateStreaming {
		return
	}
	s.messages = s.store.Snapshot().MessagesFor(s.conversationID)
	s.err = nil
}

func (s *Session) fireLocked(t Trigger) {
	if err := s.fsm.Fire(t); err != nil {
		s.log.Warn("FSM fire error", "trigger", string(t), "error", err)
	}
}

// Send appends a user message, streams the assistant reply and commits the
// conversation to the store. It blocks until the stream ends. A stopped
// response returns the partial message together with ErrStopped. Provider
// failures leave the stored conversation untouched.
func (s *Session) Send(ctx context.Context, input string) (store.Message, error) {
	content := strings.TrimSpace(input)
	if content == "" {
		return store.Message{}, ErrEmptyInput
	}

	s.mu.Lock()
	if ok, _ := s.fsm.CanFire(TriggerSubmit); !ok {
		s.mu.Unlock()
		return store.Message{}, ErrBusy
	}
	s.fireLocked(TriggerSubmit)
	s.messages = append(s.messages, store.NewMessage(store.RoleUser, content))
	history := toLLM(s.messages)
	s.err = nil
	s.stopped = false
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	settings := s.store.Snapshot().Config
	s.log.Info("sending chat request", "messages", len(history), "model", settings.ModelType)

	stream, err := s.provider.Stream(ctx, llm.Request{
		Provider:     s.providerName,
		Model:        settings.ModelType,
		APIKey:       settings.APIKeys.OpenAI,
		BaseURL:      settings.BaseURL,
		SystemPrompt: settings.SystemPrompt,
		Messages:     history,
	})
	if err != nil {
		if s.wasStopped() {
			return s.finish(nil, false)
		}
		return store.Message{}, s.fail(err)
	}

	s.mu.Lock()
	s.messages = append(s.messages, store.NewMessage(store.RoleAssistant, ""))
	last := len(s.messages) - 1
	s.stream = stream
	s.fireLocked(TriggerStreamOpened)
	stoppedEarly := s.stopped
	s.mu.Unlock()
	if stoppedEarly {
		return s.finish(stream, false)
	}

	var b strings.Builder
	for {
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if s.wasStopped() {
				return s.finish(stream, false)
			}
			s.closeStream(stream)
			return store.Message{}, s.fail(fmt.Errorf("%w: %v", ErrInterrupted, err))
		}
		b.WriteString(delta)
		s.mu.Lock()
		s.messages[last].Content = b.String()
		s.mu.Unlock()
	}
	return s.finish(stream, true)
}

func (s *Session) wasStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	s.err = err
	s.cancel = nil
	s.stream = nil
	s.fireLocked(TriggerErrorOccurred)
	s.mu.Unlock()
	s.log.Error("chat request failed", "error", err)
	return err
}

func (s *Session) closeStream(stream llm.Stream) {
	if err := stream.Close(); err != nil {
		s.log.Debug("stream close error", "error", err)
	}
}

// finish commits the local messages. complete is false for stopped responses.
func (s *Session) finish(stream llm.Stream, complete bool) (store.Message, error) {
	if stream != nil {
		s.closeStream(stream)
	}

	s.mu.Lock()
	var final store.Message
	if n := len(s.messages); n > 0 && s.messages[n-1].Role == store.RoleAssistant {
		final = s.messages[n-1]
	}
	msgs := append([]store.Message(nil), s.messages...)
	s.cancel = nil
	s.stream = nil
	if complete {
		s.fireLocked(TriggerStreamEnded)
	} else {
		s.fireLocked(TriggerStopped)
	}
	s.mu.Unlock()

	if _, err := s.store.Update(store.SetMessages(s.conversationID, msgs)); err != nil {
		s.log.Warn("failed to commit conversation", "error", err)
	}

	if !complete {
		s.log.Info("chat response stopped", "content_len", len(final.Content))
		return final, ErrStopped
	}
	s.log.Info("chat completed", "content_len", len(final.Content))
	if s.onFinish != nil {
		s.onFinish(s.conversationID, final)
	}
	return final, nil
}

// Stop abandons the in-flight response, reporting whether one existed.
func (s *Session) Stop() bool {
	s.mu.Lock()
	cancel, stream := s.cancel, s.stream
	if cancel == nil {
		s.mu.Unlock()
		return false
	}
	s.stopped = true
	s.mu.Unlock()

	cancel()
	if stream != nil {
		s.closeStream(stream)
	}
	return true
}

func toLLM(msgs []store.Message) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = llm.Message{Role: string(m.Role), Content: m.Content}
	}
	return out
}
