package store

// Reducer derives a new snapshot from the previous one. Reducers receive a
// private clone and may mutate it freely.
type Reducer func(State) State

// SetActiveConversation switches the active conversation.
func SetActiveConversation(id string) Reducer {
	return func(s State) State {
		s.ActiveConversationID = id
		return s
	}
}

// CreateConversation appends an empty conversation and makes it active. An
// existing id is only activated.
func CreateConversation(id string) Reducer {
	return func(s State) State {
		s.ActiveConversationID = id
		if _, ok := s.Conversation(id); ok {
			return s
		}
		s.Conversations = append(s.Conversations, Conversation{ID: id, Title: NewConversationTitle})
		s.Messages[id] = []Message{}
		return s
	}
}

// DeleteConversation removes a conversation and its messages. Deleting the
// active one activates the first remaining conversation; deleting the last one
// seeds a fresh conversation under freshID.
func DeleteConversation(id, freshID string) Reducer {
	return func(s State) State {
		kept := s.Conversations[:0]
		for _, c := range s.Conversations {
			if c.ID != id {
				kept = append(kept, c)
			}
		}
		s.Conversations = kept
		delete(s.Messages, id)

		if len(s.Conversations) == 0 {
			s.Conversations = []Conversation{{ID: freshID, Title: NewConversationTitle}}
			s.ActiveConversationID = freshID
			return s
		}
		if s.ActiveConversationID == id {
			s.ActiveConversationID = s.Conversations[0].ID
		}
		return s
	}
}

// UpdateConversationTitle renames a conversation.
func UpdateConversationTitle(id, title string) Reducer {
	return func(s State) State {
		for i := range s.Conversations {
			if s.Conversations[i].ID == id {
				s.Conversations[i].Title = title
			}
		}
		return s
	}
}

// AddMessage appends msg to a conversation. The first user message titles it.
// Unknown conversations are left alone.
func AddMessage(conversationID string, msg Message) Reducer {
	return func(s State) State {
		if _, ok := s.Conversation(conversationID); !ok {
			return s
		}
		existing := s.Messages[conversationID]
		if msg.Role == RoleUser && len(existing) == 0 {
			s = UpdateConversationTitle(conversationID, TitleFrom(msg.Content))(s)
		}
		s.Messages[conversationID] = append(existing, msg)
		return s
	}
}

// SetMessages replaces a conversation's messages, retitling it from a leading
// user message. Unknown conversations are left alone, so a response finishing
// after its conversation was deleted does not bring it back.
func SetMessages(conversationID string, msgs []Message) Reducer {
	return func(s State) State {
		if _, ok := s.Conversation(conversationID); !ok {
			return s
		}
		s.Messages[conversationID] = copyMessages(msgs)
		if len(msgs) > 0 && msgs[0].Role == RoleUser {
			s = UpdateConversationTitle(conversationID, TitleFrom(msgs[0].Content))(s)
		}
		return s
	}
}

// ClearMessages empties a conversation.
func ClearMessages(conversationID string) Reducer {
	return func(s State) State {
		s.Messages[conversationID] = []Message{}
		return s
	}
}

// UpdateSettings applies the non-nil fields of p.
func UpdateSettings(p SettingsPatch) Reducer {
	return func(s State) State {
		if p.ModelType != nil {
			s.Config.ModelType = *p.ModelType
		}
		if p.APIKey != nil {
			s.Config.APIKeys.OpenAI = *p.APIKey
		}
		if p.BaseURL != nil {
			s.Config.BaseURL = *p.BaseURL
		}
		if p.SystemPrompt != nil {
			s.Config.SystemPrompt = *p.SystemPrompt
		}
		return s
	}
}

// UpdateAPIKey sets the OpenAI credential.
func UpdateAPIKey(key string) Reducer {
	return UpdateSettings(SettingsPatch{APIKey: &key})
}

// SetSidebarOpen toggles the conversation sidebar.
func SetSidebarOpen(open bool) Reducer {
	return func(s State) State {
		s.SidebarOpen = open
		return s
	}
}

// SetShowGeoGebra toggles the geometry panel.
func SetShowGeoGebra(show bool) Reducer {
	return func(s State) State {
		s.ShowGeoGebra = show
		return s
	}
}
