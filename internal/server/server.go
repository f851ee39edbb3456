// Package server exposes conversations, chat and command playback over a JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/comigor/geochat/internal/applet"
	"github.com/comigor/geochat/internal/chat"
	"github.com/comigor/geochat/internal/command"
	"github.com/comigor/geochat/internal/dispatch"
	"github.com/comigor/geochat/internal/llm"
	"github.com/comigor/geochat/internal/logger"
	"github.com/comigor/geochat/internal/notice"
	"github.com/comigor/geochat/internal/store"
)

// Engine is the applet handle as seen by the server.
type Engine interface {
	Capability() dispatch.Applet
	State() applet.State
	SetSize(ctx context.Context, width, height int) (bool, error)
}

// Options tunes optional behavior.
type Options struct {
	ProviderName string
	// AutoPlay executes the commands of every finished assistant message.
	AutoPlay bool
}

// Server wires the store, chat sessions, dispatcher and applet together.
type Server struct {
	store      *store.Store
	provider   llm.Provider
	dispatcher *dispatch.Dispatcher
	engine     Engine
	notices    *notice.Board
	opts       Options
	log        *slog.Logger

	mu       sync.Mutex
	sessions map[string]*chat.Session
	lastRun  *dispatch.Run
}

// New creates a server. engine may be nil when no geometry engine is configured.
func New(st *store.Store, provider llm.Provider, d *dispatch.Dispatcher, engine Engine, opts Options) *Server {
	return &Server{
		store:      st,
		provider:   provider,
		dispatcher: d,
		engine:     engine,
		notices:    notice.NewBoard(),
		opts:       opts,
		log:        logger.For("server"),
		sessions:   make(map[string]*chat.Session),
	}
}

// Notices exposes the notice board.
func (s *Server) Notices() *notice.Board { return s.notices }

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("PUT /api/config", s.handleUpdateConfig)
	mux.HandleFunc("PUT /api/ui", s.handleUpdateUI)
	mux.HandleFunc("PUT /api/active", s.handleSetActive)

	mux.HandleFunc("POST /api/conversations", s.handleCreateConversation)
	mux.HandleFunc("PATCH /api/conversations/{id}", s.handleRenameConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", s.handleDeleteConversation)

	mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /api/conversations/{id}/messages", s.handleSendMessage)
	mux.HandleFunc("DELETE /api/conversations/{id}/messages", s.handleClearMessages)
	mux.HandleFunc("POST /api/conversations/{id}/stop", s.handleStop)
	mux.HandleFunc("GET /api/conversations/{id}/commands", s.handleCommands)
	mux.HandleFunc("POST /api/conversations/{id}/play", s.handlePlayLatest)

	mux.HandleFunc("POST /api/commands", s.handleExecuteOne)
	mux.HandleFunc("GET /api/applet", s.handleAppletState)
	mux.HandleFunc("PUT /api/applet/size", s.handleAppletSize)

	mux.HandleFunc("GET /api/notice", s.handleGetNotice)
	mux.HandleFunc("DELETE /api/notice", s.handleClearNotice)

	return mux
}

// session returns the chat session of an existing conversation.
func (s *Server) session(id string) (*chat.Session, bool) {
	if _, ok := s.store.Snapshot().Conversation(id); !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = chat.New(s.provider, s.store, id,
			chat.WithProviderName(s.opts.ProviderName),
			chat.WithOnFinish(s.onFinish))
		s.sessions[id] = sess
	}
	return sess, true
}

func (s *Server) dropSession(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if ok {
		sess.Stop()
	}
}

func (s *Server) onFinish(conversationID string, msg store.Message) {
	if !s.opts.AutoPlay {
		return
	}
	cmds := command.Extract(msg.Content)
	if len(cmds) == 0 {
		return
	}
	if _, err := s.play(context.Background(), cmds); err != nil {
		s.log.Warn("auto-play skipped", "conversation", conversationID, "error", err)
	}
}

func (s *Server) capability() dispatch.Applet {
	if s.engine == nil {
		return nil
	}
	return s.engine.Capability()
}

// play cancels the previous batch and dispatches cmds.
func (s *Server) play(ctx context.Context, cmds []string) (*dispatch.Run, error) {
	run, err := s.dispatcher.Execute(ctx, cmds, s.capability())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	prev := s.lastRun
	s.lastRun = run
	s.mu.Unlock()
	if prev != nil {
		prev.Cancel()
	}
	return run, nil
}

// LastRun returns the most recently dispatched batch.
func (s *Server) LastRun() *dispatch.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// ErrNotFound is returned for unknown conversations.
var ErrNotFound = errors.New("conversation not found")

type errorBody struct {
	Error string      `json:"error"`
	Kind  notice.Kind `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Error("write response error", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeNotice(w http.ResponseWriter, status int, n notice.Notice) {
	writeJSON(w, status, errorBody{Error: n.Message, Kind: n.Kind})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// requestTimeout bounds one chat request.
const requestTimeout = 5 * time.Minute

func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrEmptyInput):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, llm.ErrMissingCredential):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrAppletUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
