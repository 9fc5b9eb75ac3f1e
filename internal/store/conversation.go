package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"directline/internal/database"
	"directline/internal/logging"
	"directline/internal/model"
)

const conversationSelect = `
	SELECT c.id, c.user_low, c.user_high, c.created_at, c.last_activity_at,
	       m.id, m.sender_id, m.text, m.image_ref, m.seen, m.created_at
	FROM conversations c
	LEFT JOIN messages m ON m.id = c.last_message_id`

// ConversationStore is the durable registry of two-party conversations.
type ConversationStore struct {
	db   *database.DB
	opts options
	log  *logrus.Entry
}

// NewConversationStore returns a store backed by db.
func NewConversationStore(db *database.DB, opts ...Option) *ConversationStore {
	return &ConversationStore{
		db:   db,
		opts: buildOptions(opts),
		log:  logging.For("conversation_store"),
	}
}

// GetOrCreate returns the conversation for the unordered pair, creating it
// on first use.
func (s *ConversationStore) GetOrCreate(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	pair, err := model.NewPair(userA, userB)
	if err != nil {
		return nil, err
	}

	id := newID()
	now := s.opts.timestamp()
	res, err := s.db.ExecContext(ctx, s.db.Dialect.InsertConversationSQL(), id, pair.Low, pair.High, now, now)
	if err != nil {
		return nil, unavailable("insert conversation", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		s.log.WithFields(logrus.Fields{
			"conversation_id": id,
			"user_low":        pair.Low,
			"user_high":       pair.High,
		}).Info("Conversation created")
	}

	conv, err := s.findByPair(ctx, s.db, pair)
	if errors.Is(err, model.ErrNotFound) {
		return nil, unavailable("read conversation after insert", err)
	}
	return conv, err
}

// Get returns the conversation with the given id.
func (s *ConversationStore) Get(ctx context.Context, conversationID string) (*model.Conversation, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(conversationSelect+` WHERE c.id = ?`), conversationID)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: conversation %s", model.ErrNotFound, conversationID)
	}
	if err != nil {
		return nil, unavailable("get conversation", err)
	}
	return conv, nil
}

// FindByPair returns the conversation between two users, or ErrNotFound.
func (s *ConversationStore) FindByPair(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	pair, err := model.NewPair(userA, userB)
	if err != nil {
		return nil, err
	}
	return s.findByPair(ctx, s.db, pair)
}

func (s *ConversationStore) findByPair(ctx context.Context, q querier, pair model.Pair) (*model.Conversation, error) {
	row := q.QueryRowContext(ctx, s.db.Rebind(conversationSelect+` WHERE c.user_low = ? AND c.user_high = ?`), pair.Low, pair.High)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no conversation between %s and %s", model.ErrNotFound, pair.Low, pair.High)
	}
	if err != nil {
		return nil, unavailable("find conversation", err)
	}
	return conv, nil
}

// ListForUser returns the user's conversations, most recently active first.
func (s *ConversationStore) ListForUser(ctx context.Context, userID string) ([]model.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(conversationSelect+`
		WHERE c.user_low = ? OR c.user_high = ?
		ORDER BY c.last_activity_at DESC, c.id DESC`), userID, userID)
	if err != nil {
		return nil, unavailable("list conversations", err)
	}
	defer rows.Close()

	convs := make([]model.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, unavailable("scan conversation", err)
		}
		convs = append(convs, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list conversations", err)
	}
	return convs, nil
}

// Partners returns every user that shares a conversation with userID.
func (s *ConversationStore) Partners(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT user_low, user_high FROM conversations
		WHERE user_low = ? OR user_high = ?`), userID, userID)
	if err != nil {
		return nil, unavailable("list partners", err)
	}
	defer rows.Close()

	partners := make([]string, 0)
	for rows.Next() {
		var p model.Pair
		if err := rows.Scan(&p.Low, &p.High); err != nil {
			return nil, unavailable("scan partner", err)
		}
		partners = append(partners, p.Other(userID))
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list partners", err)
	}
	return partners, nil
}

// DeleteHistory hard-deletes every message between the pair. The
// conversation row is kept as an empty shell so later sends reuse its id.
func (s *ConversationStore) DeleteHistory(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	pair, err := model.NewPair(userA, userB)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin delete history", err)
	}
	defer tx.Rollback()

	conv, err := s.findByPair(ctx, tx, pair)
	if err != nil {
		return nil, err
	}

	deleted, err := deleteMessages(ctx, s.db, tx, conv.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit delete history", err)
	}

	s.log.WithFields(logrus.Fields{
		"conversation_id": conv.ID,
		"deleted":         deleted,
	}).Info("Conversation history deleted")

	conv.LastMessage = nil
	return conv, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(r rowScanner) (*model.Conversation, error) {
	var (
		conv      model.Conversation
		msgID     sql.NullString
		msgSender sql.NullString
		msgText   sql.NullString
		msgImage  sql.NullString
		msgSeen   sql.NullBool
		msgAt     sql.NullTime
	)
	err := r.Scan(
		&conv.ID, &conv.Participants[0], &conv.Participants[1], &conv.CreatedAt, &conv.LastActivityAt,
		&msgID, &msgSender, &msgText, &msgImage, &msgSeen, &msgAt,
	)
	if err != nil {
		return nil, err
	}
	conv.CreatedAt = conv.CreatedAt.UTC()
	conv.LastActivityAt = conv.LastActivityAt.UTC()

	if msgID.Valid {
		conv.LastMessage = &model.LastMessage{
			ID:        msgID.String,
			SenderID:  msgSender.String,
			Text:      msgText.String,
			HasImage:  msgImage.Valid && msgImage.String != "",
			Seen:      msgSeen.Bool,
			CreatedAt: msgAt.Time.UTC(),
		}
	}
	return &conv, nil
}
