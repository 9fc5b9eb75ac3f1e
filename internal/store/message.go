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

// MessageStore is the append-only log of messages per conversation. Only
// the seen flag is ever mutated.
type MessageStore struct {
	db   *database.DB
	opts options
	log  *logrus.Entry
}

// NewMessageStore returns a store backed by db.
func NewMessageStore(db *database.DB, opts ...Option) *MessageStore {
	return &MessageStore{
		db:   db,
		opts: buildOptions(opts),
		log:  logging.For("message_store"),
	}
}

// Append stores a message from senderID and bumps the conversation's
// activity time. The message and the conversation update commit together.
func (s *MessageStore) Append(ctx context.Context, conversationID, senderID string, draft model.Draft) (*model.Message, error) {
	draft = draft.Normalize()
	if err := draft.Validate(s.opts.maxText); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin append", err)
	}
	defer tx.Rollback()

	pair, err := s.participants(ctx, tx, conversationID)
	if err != nil {
		return nil, err
	}
	if !pair.Has(senderID) {
		return nil, fmt.Errorf("%w: %s is not a participant of %s", model.ErrForbidden, senderID, conversationID)
	}

	msg := &model.Message{
		ID:             newID(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           draft.Text,
		ImageRef:       draft.ImageRef,
		Seen:           false,
		CreatedAt:      s.opts.timestamp(),
	}

	_, err = tx.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO messages (id, conversation_id, sender_id, text, image_ref, seen, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.ConversationID, msg.SenderID, nullable(msg.Text), nullable(msg.ImageRef), false, msg.CreatedAt)
	if err != nil {
		return nil, unavailable("insert message", err)
	}

	// The preview always follows the newest append; last_activity_at never
	// moves backwards.
	_, err = tx.ExecContext(ctx, s.db.Rebind(`
		UPDATE conversations SET
			last_message_id = ?,
			last_activity_at = CASE WHEN last_activity_at < ? THEN ? ELSE last_activity_at END
		WHERE id = ?`),
		msg.ID, msg.CreatedAt, msg.CreatedAt, conversationID)
	if err != nil {
		return nil, unavailable("touch conversation", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit append", err)
	}

	s.log.WithFields(logrus.Fields{
		"conversation_id": conversationID,
		"message_id":      msg.ID,
		"sender_id":       senderID,
	}).Debug("Message stored")
	return msg, nil
}

// ListByConversation returns every message in the conversation, oldest
// first. Messages with equal timestamps keep their insertion order.
func (s *MessageStore) ListByConversation(ctx context.Context, conversationID, viewerID string) ([]model.Message, error) {
	pair, err := s.participants(ctx, s.db, conversationID)
	if err != nil {
		return nil, err
	}
	if !pair.Has(viewerID) {
		return nil, fmt.Errorf("%w: %s is not a participant of %s", model.ErrForbidden, viewerID, conversationID)
	}

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT id, conversation_id, sender_id, text, image_ref, seen, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, seq ASC`), conversationID)
	if err != nil {
		return nil, unavailable("list messages", err)
	}
	defer rows.Close()

	msgs := make([]model.Message, 0)
	for rows.Next() {
		var (
			m     model.Message
			text  sql.NullString
			image sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &text, &image, &m.Seen, &m.CreatedAt); err != nil {
			return nil, unavailable("scan message", err)
		}
		m.Text = text.String
		m.ImageRef = image.String
		m.CreatedAt = m.CreatedAt.UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list messages", err)
	}
	return msgs, nil
}

// MarkSeen flips seen on every message in the conversation that viewerID
// did not send. It is idempotent and returns how many messages changed.
func (s *MessageStore) MarkSeen(ctx context.Context, conversationID, viewerID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable("begin mark seen", err)
	}
	defer tx.Rollback()

	pair, err := s.participants(ctx, tx, conversationID)
	if err != nil {
		return 0, err
	}
	if !pair.Has(viewerID) {
		return 0, fmt.Errorf("%w: %s is not a participant of %s", model.ErrForbidden, viewerID, conversationID)
	}

	res, err := tx.ExecContext(ctx, s.db.Rebind(`
		UPDATE messages SET seen = ?
		WHERE conversation_id = ? AND sender_id <> ? AND seen = ?`),
		true, conversationID, viewerID, false)
	if err != nil {
		return 0, unavailable("mark seen", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, unavailable("commit mark seen", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("mark seen", err)
	}
	return n, nil
}

// DeleteAll hard-deletes every message in the conversation and returns how
// many were removed.
func (s *MessageStore) DeleteAll(ctx context.Context, conversationID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable("begin delete messages", err)
	}
	defer tx.Rollback()

	n, err := deleteMessages(ctx, s.db, tx, conversationID)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, unavailable("commit delete messages", err)
	}
	return n, nil
}

func deleteMessages(ctx context.Context, db *database.DB, tx *sql.Tx, conversationID string) (int64, error) {
	res, err := tx.ExecContext(ctx, db.Rebind(`DELETE FROM messages WHERE conversation_id = ?`), conversationID)
	if err != nil {
		return 0, unavailable("delete messages", err)
	}
	if _, err := tx.ExecContext(ctx, db.Rebind(`UPDATE conversations SET last_message_id = NULL WHERE id = ?`), conversationID); err != nil {
		return 0, unavailable("clear last message", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *MessageStore) participants(ctx context.Context, q querier, conversationID string) (model.Pair, error) {
	var pair model.Pair
	err := q.QueryRowContext(ctx, s.db.Rebind(`SELECT user_low, user_high FROM conversations WHERE id = ?`), conversationID).
		Scan(&pair.Low, &pair.High)
	if errors.Is(err, sql.ErrNoRows) {
		return pair, fmt.Errorf("%w: conversation %s", model.ErrNotFound, conversationID)
	}
	if err != nil {
		return pair, unavailable("load participants", err)
	}
	return pair, nil
}
