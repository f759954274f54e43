package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

var conversationColumns = []string{"c.id", "c.user_id", "c.title", "c.last_message_at", "c.created_at", "c.updated_at"}

func conversationDest(c *Conversation, last *sql.NullTime) []any {
	return []any{&c.ID, &c.UserID, &c.Title, last, &c.CreatedAt, &c.UpdatedAt}
}

func (s *Store) CreateConversation(ctx context.Context, userID int64, title string) (Conversation, error) {
	q := s.sql.Insert("conversations").
		Columns("user_id", "title").
		Values(userID, title).
		Suffix("RETURNING id")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Conversation{}, fmt.Errorf("build create conversation query: %w", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return s.GetConversation(ctx, id)
}

func (s *Store) GetConversation(ctx context.Context, id int64) (Conversation, error) {
	sqlStr, args, err := s.sql.Select(conversationColumns...).From("conversations c").Where(sq.Eq{"c.id": id}).ToSql()
	if err != nil {
		return Conversation{}, fmt.Errorf("build get conversation query: %w", err)
	}
	var c Conversation
	var last sql.NullTime
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(conversationDest(&c, &last)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	if last.Valid {
		c.LastMessageAt = &last.Time
	}
	return c, nil
}

// ListConversations returns the user's conversations, most recently active first.
func (s *Store) ListConversations(ctx context.Context, userID int64) ([]ConversationSummary, error) {
	cols := append(append([]string{}, conversationColumns...), "COUNT(ch.id)")
	sqlStr, args, err := s.sql.Select(cols...).
		From("conversations c").
		LeftJoin("chats ch ON ch.conversation_id = c.id").
		Where(sq.Eq{"c.user_id": userID}).
		GroupBy(conversationColumns...).
		OrderBy("COALESCE(c.last_message_at, c.created_at) DESC", "c.id DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list conversations query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]ConversationSummary, 0)
	for rows.Next() {
		var cs ConversationSummary
		var last sql.NullTime
		if err := rows.Scan(append(conversationDest(&cs.Conversation, &last), &cs.ChatsCount)...); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		if last.Valid {
			cs.LastMessageAt = &last.Time
		}
		out = append(out, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateConversationTitle(ctx context.Context, id int64, title string) (Conversation, error) {
	q := s.sql.Update("conversations").
		Set("title", title).
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Conversation{}, fmt.Errorf("build update conversation query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return Conversation{}, fmt.Errorf("update conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Conversation{}, ErrNotFound
	}
	return s.GetConversation(ctx, id)
}

func (s *Store) DeleteConversation(ctx context.Context, id int64) error {
	sqlStr, args, err := s.sql.Delete("conversations").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete conversation query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SumTokens(ctx context.Context, conversationID int64) (int64, error) {
	sqlStr, args, err := s.sql.Select("COALESCE(SUM(tokens_used), 0)").
		From("chats").
		Where(sq.Eq{"conversation_id": conversationID}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build sum tokens query: %w", err)
	}
	var total int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum tokens: %w", err)
	}
	return total, nil
}

// ListChats returns the conversation's chats in creation order with their attachments.
func (s *Store) ListChats(ctx context.Context, conversationID int64) ([]Chat, error) {
	return s.queryChats(ctx, sq.Eq{"conversation_id": conversationID})
}

func (s *Store) queryChats(ctx context.Context, where sq.Eq) ([]Chat, error) {
	sqlStr, args, err := s.sql.Select(
		"id", "conversation_id", "message", "response", "reasoning_content",
		"model", "tokens_used", "temperature", "created_at",
	).
		From("chats").
		Where(where).
		OrderBy("created_at ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list chats query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	out := make([]Chat, 0)
	index := make(map[int64]int)
	for rows.Next() {
		var c Chat
		var reasoning sql.NullString
		if err := rows.Scan(
			&c.ID,
			&c.ConversationID,
			&c.Message,
			&c.Response,
			&reasoning,
			&c.Model,
			&c.TokensUsed,
			&c.Temperature,
			&c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan chat row: %w", err)
		}
		if reasoning.Valid {
			c.ReasoningContent = &reasoning.String
		}
		index[c.ID] = len(out)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat rows: %w", err)
	}
	if len(out) == 0 {
		return out, nil
	}

	ids := make([]int64, 0, len(out))
	for _, c := range out {
		ids = append(ids, c.ID)
	}
	attachments, err := s.listAttachments(ctx, sq.Eq{"a.chat_id": ids})
	if err != nil {
		return nil, err
	}
	for _, a := range attachments {
		if i, ok := index[a.ChatID]; ok {
			out[i].Attachments = append(out[i].Attachments, a)
		}
	}
	return out, nil
}

func (s *Store) listAttachments(ctx context.Context, where sq.Sqlizer) ([]ChatAttachment, error) {
	sqlStr, args, err := s.sql.Select("a.id", "a.chat_id", "a.type", "a.name", "a.path", "a.url", "a.metadata", "a.created_at").
		From("chat_attachments a").
		Where(where).
		OrderBy("a.id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list attachments query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	out := make([]ChatAttachment, 0)
	for rows.Next() {
		var a ChatAttachment
		var path, url, meta sql.NullString
		if err := rows.Scan(&a.ID, &a.ChatID, &a.Type, &a.Name, &path, &url, &meta, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment row: %w", err)
		}
		if path.Valid {
			a.Path = &path.String
		}
		if url.Valid {
			a.URL = &url.String
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &a.Metadata); err != nil {
				a.Metadata = nil
			}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachment rows: %w", err)
	}
	return out, nil
}

// CreateChat writes the chat, its attachments and the conversation's
// last_message_at in one transaction.
func (s *Store) CreateChat(ctx context.Context, in NewChat) (Chat, error) {
	if in.TokensUsed < 0 {
		return Chat{}, fmt.Errorf("tokens_used must be non-negative, got %d", in.TokensUsed)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Chat{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var reasoning any
	if in.ReasoningContent != "" {
		reasoning = in.ReasoningContent
	}
	chatStr, chatArgs, err := s.sql.Insert("chats").
		Columns("conversation_id", "message", "response", "reasoning_content", "model", "tokens_used", "temperature").
		Values(in.ConversationID, in.Message, in.Response, reasoning, in.Model, in.TokensUsed, in.Temperature).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return Chat{}, fmt.Errorf("build create chat query: %w", err)
	}
	var chatID int64
	if err := tx.QueryRowContext(ctx, chatStr, chatArgs...).Scan(&chatID); err != nil {
		return Chat{}, fmt.Errorf("create chat: %w", err)
	}

	for _, na := range in.Attachments {
		if err := s.insertAttachment(ctx, tx, chatID, na); err != nil {
			return Chat{}, err
		}
	}

	convStr, convArgs, err := s.sql.Update("conversations").
		Set("last_message_at", nowExpr(s.driver)).
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"id": in.ConversationID}).
		ToSql()
	if err != nil {
		return Chat{}, fmt.Errorf("build touch conversation query: %w", err)
	}
	res, err := tx.ExecContext(ctx, convStr, convArgs...)
	if err != nil {
		return Chat{}, fmt.Errorf("touch conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Chat{}, ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return Chat{}, fmt.Errorf("commit chat: %w", err)
	}
	return s.GetChat(ctx, chatID)
}

func (s *Store) GetChat(ctx context.Context, id int64) (Chat, error) {
	chats, err := s.queryChats(ctx, sq.Eq{"id": id})
	if err != nil {
		return Chat{}, err
	}
	if len(chats) == 0 {
		return Chat{}, ErrNotFound
	}
	return chats[0], nil
}

func (s *Store) insertAttachment(ctx context.Context, tx *sql.Tx, chatID int64, na NewAttachment) error {
	var path, url, meta any
	switch na.Type {
	case AttachmentFile, AttachmentImage:
		if na.Path == "" {
			return fmt.Errorf("attachment %q of type %s needs a path", na.Name, na.Type)
		}
		path = na.Path
	case AttachmentURL:
		if na.URL == "" {
			return fmt.Errorf("attachment %q of type url needs a url", na.Name)
		}
		url = na.URL
	default:
		return fmt.Errorf("unsupported attachment type %q", na.Type)
	}
	if len(na.Metadata) > 0 {
		b, err := json.Marshal(na.Metadata)
		if err != nil {
			return fmt.Errorf("marshal attachment metadata: %w", err)
		}
		meta = string(b)
	}

	sqlStr, args, err := s.sql.Insert("chat_attachments").
		Columns("chat_id", "type", "name", "path", "url", "metadata").
		Values(chatID, na.Type, na.Name, path, url, meta).
		ToSql()
	if err != nil {
		return fmt.Errorf("build create attachment query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("create attachment: %w", err)
	}
	return nil
}
