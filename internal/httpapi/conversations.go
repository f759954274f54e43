package httpapi

import (
	"encoding/json"
	"net/http"

	"chime/internal/chat"
	"chime/internal/storage"
)

type titleInput struct {
	Title string `json:"title"`
}

type conversationWithChats struct {
	storage.Conversation
	Chats []storage.Chat `json:"chats"`
}

func decodeTitle(r *http.Request) (string, error) {
	var in titleInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		return "", &chat.ValidationError{Field: "title", Message: "The request body must be a JSON object with a title."}
	}
	return in.Title, nil
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	list, err := s.cfg.Chat.ListConversations(r.Context(), userID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": list})
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	title, err := decodeTitle(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	conv, err := s.cfg.Chat.CreateConversation(r.Context(), userID(r.Context()), title)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "data": conv})
}

func (s *Server) showConversation(w http.ResponseWriter, r *http.Request) {
	id, err := conversationID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	conv, chats, err := s.cfg.Chat.History(r.Context(), userID(r.Context()), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    conversationWithChats{Conversation: conv, Chats: chats},
	})
}

func (s *Server) updateConversation(w http.ResponseWriter, r *http.Request) {
	id, err := conversationID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	title, err := decodeTitle(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	conv, err := s.cfg.Chat.RenameConversation(r.Context(), userID(r.Context()), id, title)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": conv})
}

func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request) {
	id, err := conversationID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.cfg.Chat.DeleteConversation(r.Context(), userID(r.Context()), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Conversation deleted successfully"})
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	id, err := conversationID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	conv, chats, err := s.cfg.Chat.History(r.Context(), userID(r.Context()), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"conversation": conv,
			"chats":        chats,
		},
	})
}
