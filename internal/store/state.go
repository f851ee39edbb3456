package store

import (
	"strings"
	"unicode/utf8"

	"github.com/comigor/geochat/internal/config"
)

// DefaultConversationID is the id of the conversation a fresh store starts with.
const DefaultConversationID = "default"

// NewConversationTitle is given to every conversation until its first user message.
const NewConversationTitle = "New chat"

const titleRunes = 20

// APIKeys holds per-provider credentials.
type APIKeys struct {
	OpenAI string `json:"openai,omitempty"`
}

// Settings is the user-editable completion configuration.
type Settings struct {
	ModelType    string  `json:"modelType"`
	APIKeys      APIKeys `json:"apiKeys"`
	BaseURL      string  `json:"baseUrl,omitempty"`
	SystemPrompt string  `json:"systemPrompt"`
}

// SettingsPatch updates only the non-nil fields of Settings.
type SettingsPatch struct {
	ModelType    *string `json:"modelType,omitempty"`
	APIKey       *string `json:"apiKey,omitempty"`
	BaseURL      *string `json:"baseUrl,omitempty"`
	SystemPrompt *string `json:"systemPrompt,omitempty"`
}

// Conversation is a titled thread of messages.
type Conversation struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// State is one immutable snapshot of everything the app persists.
type State struct {
	Config               Settings             `json:"config"`
	Conversations        []Conversation       `json:"conversations"`
	ActiveConversationID string               `json:"activeConversationId"`
	Messages             map[string][]Message `json:"messages"`
	SidebarOpen          bool                 `json:"sidebarOpen"`
	ShowGeoGebra         bool                 `json:"showGeogebra"`
}

// SettingsFrom seeds user settings from the operator config.
func SettingsFrom(cfg config.LLMConfig) Settings {
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = config.DefaultSystemPrompt
	}
	model := cfg.Model
	if model == "" {
		model = config.DefaultModel
	}
	return Settings{
		ModelType:    model,
		APIKeys:      APIKeys{OpenAI: cfg.APIKey},
		BaseURL:      cfg.BaseURL,
		SystemPrompt: prompt,
	}
}

// DefaultState is the state of a store with nothing persisted yet.
func DefaultState(settings Settings) State {
	return State{
		Config:               settings,
		Conversations:        []Conversation{{ID: DefaultConversationID, Title: NewConversationTitle}},
		ActiveConversationID: DefaultConversationID,
		Messages:             map[string][]Message{},
		SidebarOpen:          true,
		ShowGeoGebra:         true,
	}
}

// Clone deep-copies the snapshot so reducers never alias a previous state.
func (s State) Clone() State {
	out := s
	out.Conversations = append([]Conversation(nil), s.Conversations...)
	out.Messages = make(map[string][]Message, len(s.Messages))
	for id, msgs := range s.Messages {
		out.Messages[id] = copyMessages(msgs)
	}
	return out
}

// copyMessages keeps an empty non-nil slice non-nil.
func copyMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// Conversation looks up a conversation by id.
func (s State) Conversation(id string) (Conversation, bool) {
	for _, c := range s.Conversations {
		if c.ID == id {
			return c, true
		}
	}
	return Conversation{}, false
}

// MessagesFor returns a copy of a conversation's messages.
func (s State) MessagesFor(id string) []Message {
	return append([]Message(nil), s.Messages[id]...)
}

// TitleFrom derives a conversation title from the first user message.
func TitleFrom(content string) string {
	if utf8.RuneCountInString(content) <= titleRunes {
		return content
	}
	var b strings.Builder
	n := 0
	for _, r := range content {
		if n == titleRunes {
			break
		}
		b.WriteRune(r)
		n++
	}
	return b.String() + "..."
}
