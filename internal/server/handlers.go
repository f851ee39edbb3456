package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/comigor/geochat/internal/applet"
	"github.com/comigor/geochat/internal/chat"
	"github.com/comigor/geochat/internal/command"
	"github.com/comigor/geochat/internal/dispatch"
	"github.com/comigor/geochat/internal/notice"
	"github.com/comigor/geochat/internal/store"
)

// stateView is the client-facing snapshot with the credential masked.
type stateView struct {
	store.State
	HasAPIKey bool `json:"hasApiKey"`
}

func maskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st := s.store.Snapshot()
	has := st.Config.APIKeys.OpenAI != ""
	st.Config.APIKeys.OpenAI = maskKey(st.Config.APIKeys.OpenAI)
	writeJSON(w, http.StatusOK, stateView{State: st, HasAPIKey: has})
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var patch store.SettingsPatch
	if err := decode(w, r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	current := s.store.Snapshot().Config.APIKeys.OpenAI
	key := current
	if patch.APIKey != nil {
		key = strings.TrimSpace(*patch.APIKey)
		if current != "" && key == maskKey(current) {
			// the client echoed the masked key back
			key = current
		}
		patch.APIKey = &key
	}
	if key == "" {
		n := notice.Notice{Kind: notice.KindConfig, Message: "Please enter your OpenAI API key"}
		s.notices.Set(n)
		writeNotice(w, http.StatusBadRequest, n)
		return
	}

	st, err := s.store.Update(store.UpdateSettings(patch))
	if err != nil {
		s.log.Warn("settings not persisted", "error", err)
	}
	s.notices.Clear()
	st.Config.APIKeys.OpenAI = maskKey(st.Config.APIKeys.OpenAI)
	writeJSON(w, http.StatusOK, st.Config)
}

type uiRequest struct {
	SidebarOpen  *bool `json:"sidebarOpen"`
	ShowGeoGebra *bool `json:"showGeogebra"`
}

func (s *Server) handleUpdateUI(w http.ResponseWriter, r *http.Request) {
	var req uiRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SidebarOpen != nil {
		s.update(store.SetSidebarOpen(*req.SidebarOpen))
	}
	if req.ShowGeoGebra != nil {
		s.update(store.SetShowGeoGebra(*req.ShowGeoGebra))
	}
	st := s.store.Snapshot()
	writeJSON(w, http.StatusOK, uiRequest{SidebarOpen: &st.SidebarOpen, ShowGeoGebra: &st.ShowGeoGebra})
}

// update applies r; persistence failures are logged and the in-memory state kept.
func (s *Server) update(r store.Reducer) store.State {
	st, err := s.store.Update(r)
	if err != nil {
		s.log.Warn("state not persisted", "error", err)
	}
	return st
}

type idRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := s.store.Snapshot().Conversation(req.ID); !ok {
		writeError(w, http.StatusNotFound, ErrNotFound.Error())
		return
	}
	st := s.update(store.SetActiveConversation(req.ID))
	writeJSON(w, http.StatusOK, idRequest{ID: st.ActiveConversationID})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	id := store.NewConversationID()
	st := s.update(store.CreateConversation(id))
	c, _ := st.Conversation(id)
	s.log.Info("conversation created", "conversation", id)
	writeJSON(w, http.StatusCreated, c)
}

type titleRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleRenameConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req titleRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		writeError(w, http.StatusBadRequest, "title is empty")
		return
	}
	if _, ok := s.store.Snapshot().Conversation(id); !ok {
		writeError(w, http.StatusNotFound, ErrNotFound.Error())
		return
	}
	st := s.update(store.UpdateConversationTitle(id, title))
	c, _ := st.Conversation(id)
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.store.Snapshot().Conversation(id); !ok {
		writeError(w, http.StatusNotFound, ErrNotFound.Error())
		return
	}
	s.dropSession(id)
	st := s.update(store.DeleteConversation(id, store.NewConversationID()))
	s.log.Info("conversation deleted", "conversation", id)
	writeJSON(w, http.StatusOK, idRequest{ID: st.ActiveConversationID})
}

type messagesView struct {
	Messages []store.Message `json:"messages"`
	Loading  bool            `json:"loading"`
	Error    *notice.Notice  `json:"error,omitempty"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, ErrNotFound.Error())
		return
	}
	view := messagesView{Messages: sess.Messages(), Loading: sess.Loading()}
	if view.Messages == nil {
		view.Messages = []store.Message{}
	}
	if err := sess.Err(); err != nil {
		n := notice.Classify(err)
		view.Error = &n
	}
	writeJSON(w, http.StatusOK, view)
}

type sendRequest struct {
	Content string `json:"content"`
}

type sendResponse struct {
	Message store.Message `json:"message"`
	Stopped bool          `json:"stopped,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, ErrNotFound.Error())
		return
	}
	var req sendRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	msg, err := sess.Send(ctx, req.Content)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, sendResponse{Message: msg})
	case errors.Is(err, chat.ErrStopped):
		writeJSON(w, http.StatusOK, sendResponse{Message: msg, Stopped: true})
	case errors.Is(err, chat.ErrEmptyInput), errors.Is(err, chat.ErrBusy):
		writeError(w, statusFor(err), err.Error())
	default:
		n := s.notices.SetError(err)
		writeNotice(w, statusFor(err), n)
	}
}

func (s *Server) handleClearMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.session(id)
	if !ok {
		writeError(w, http.StatusNotFound, ErrNotFound.Error())
		return
	}
	if sess.Loading() {
		writeError(w, http.StatusConflict, chat.ErrBusy.Error())
		return
	}
	s.update(store.ClearMessages(id))
	sess.Reload()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": sess.Stop()})
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, command.ExtractAll(sess.Messages()))
}

type playResponse struct {
	Executed int      `json:"executed"`
	Commands []string `json:"commands"`
}

func (s *Server) handlePlayLatest(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, ErrNotFound.Error())
		return
	}

	cmds := command.ExtractLatest(sess.Messages())
	if len(cmds) == 0 {
		n := notice.Classify(dispatch.ErrNoCommands)
		s.notices.SetTemporary(n, 0)
		writeJSON(w, http.StatusOK, playResponse{Commands: []string{}})
		return
	}

	if _, err := s.play(r.Context(), cmds); err != nil {
		n := s.notices.SetError(err)
		writeNotice(w, statusFor(err), n)
		return
	}
	s.notices.SetTemporary(notice.Notice{
		Kind:    notice.KindInfo,
		Message: fmt.Sprintf("Executed %d GeoGebra commands", len(cmds)),
	}, 0)
	writeJSON(w, http.StatusAccepted, playResponse{Executed: len(cmds), Commands: cmds})
}

type commandRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleExecuteOne(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cmd := strings.TrimSpace(req.Command)
	if cmd == "" {
		writeError(w, http.StatusBadRequest, "command is empty")
		return
	}
	app := s.capability()
	if app == nil {
		n := s.notices.SetError(dispatch.ErrAppletUnavailable)
		writeNotice(w, http.StatusServiceUnavailable, n)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": s.dispatcher.ExecuteOne(r.Context(), app, cmd)})
}

func (s *Server) handleAppletState(w http.ResponseWriter, r *http.Request) {
	state := applet.StateUnloaded
	if s.engine != nil {
		state = s.engine.State()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":  state,
		"pacing": s.dispatcher.Pacing().String(),
		"mode":   s.dispatcher.Mode().String(),
	})
}

type sizeRequest struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (s *Server) handleAppletSize(w http.ResponseWriter, r *http.Request) {
	var req sizeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.engine == nil {
		writeNotice(w, http.StatusServiceUnavailable, notice.Classify(dispatch.ErrAppletUnavailable))
		return
	}
	changed, err := s.engine.SetSize(r.Context(), req.Width, req.Height)
	if err != nil {
		writeNotice(w, http.StatusBadGateway, notice.Notice{Kind: notice.KindApplet, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

func (s *Server) handleGetNotice(w http.ResponseWriter, r *http.Request) {
	n, ok := s.notices.Current()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleClearNotice(w http.ResponseWriter, r *http.Request) {
	s.notices.Clear()
	w.WriteHeader(http.StatusNoContent)
}
