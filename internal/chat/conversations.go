package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"chime/internal/storage"
)

const maxTitleLength = 255

func validateTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", &ValidationError{Field: "title", Message: "The title field is required."}
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return "", &ValidationError{Field: "title", Message: fmt.Sprintf("The title may not be greater than %d characters.", maxTitleLength)}
	}
	return title, nil
}

func (s *Service) ListConversations(ctx context.Context, userID int64) ([]storage.ConversationSummary, error) {
	return s.cfg.Store.ListConversations(ctx, userID)
}

func (s *Service) CreateConversation(ctx context.Context, userID int64, title string) (storage.Conversation, error) {
	title, err := validateTitle(title)
	if err != nil {
		return storage.Conversation{}, err
	}
	return s.cfg.Store.CreateConversation(ctx, userID, title)
}

// History returns an owned conversation and its chats, oldest first.
func (s *Service) History(ctx context.Context, userID, conversationID int64) (storage.Conversation, []storage.Chat, error) {
	conv, err := s.authorize(ctx, userID, conversationID)
	if err != nil {
		return storage.Conversation{}, nil, err
	}
	chats, err := s.cfg.Store.ListChats(ctx, conv.ID)
	if err != nil {
		return storage.Conversation{}, nil, fmt.Errorf("load history: %w", err)
	}
	return conv, chats, nil
}

func (s *Service) RenameConversation(ctx context.Context, userID, conversationID int64, title string) (storage.Conversation, error) {
	title, err := validateTitle(title)
	if err != nil {
		return storage.Conversation{}, err
	}
	if _, err := s.authorize(ctx, userID, conversationID); err != nil {
		return storage.Conversation{}, err
	}
	conv, err := s.cfg.Store.UpdateConversationTitle(ctx, conversationID, title)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

func (s *Service) DeleteConversation(ctx context.Context, userID, conversationID int64) error {
	if _, err := s.authorize(ctx, userID, conversationID); err != nil {
		return err
	}
	err := s.cfg.Store.DeleteConversation(ctx, conversationID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrConversationNotFound
	}
	return err
}
