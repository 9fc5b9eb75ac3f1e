// Package delivery persists outgoing messages and pushes them to the
// recipient's live connections.
package delivery

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"directline/internal/logging"
	"directline/internal/model"
	"directline/internal/realtime"
)

// ConversationCreator finds or creates the conversation between two users.
type ConversationCreator interface {
	GetOrCreate(ctx context.Context, userA, userB string) (*model.Conversation, error)
}

// MessageAppender stores a message in an existing conversation.
type MessageAppender interface {
	Append(ctx context.Context, conversationID, senderID string, draft model.Draft) (*model.Message, error)
}

// HandleLookup returns the live handles of a user.
type HandleLookup interface {
	ActiveHandles(userID string) []realtime.Handle
}

// Router sends messages. The durable write always happens before any push;
// pushes are best-effort and never fail a send.
type Router struct {
	convs   ConversationCreator
	msgs    MessageAppender
	handles HandleLookup
	maxText int
	log     *logrus.Entry
}

// NewRouter wires a router. maxText <= 0 disables the text length limit.
func NewRouter(convs ConversationCreator, msgs MessageAppender, handles HandleLookup, maxText int) *Router {
	return &Router{
		convs:   convs,
		msgs:    msgs,
		handles: handles,
		maxText: maxText,
		log:     logging.For("delivery"),
	}
}

// Send stores a message from senderID to recipientID, creating their
// conversation on first use, then pushes it to the recipient.
func (r *Router) Send(ctx context.Context, senderID, recipientID string, draft model.Draft) (*model.Message, error) {
	draft = draft.Normalize()
	if err := draft.Validate(r.maxText); err != nil {
		return nil, err
	}
	pair, err := model.NewPair(senderID, recipientID)
	if err != nil {
		return nil, err
	}
	// ids are stored trimmed; push and append must use the same form
	senderID = strings.TrimSpace(senderID)
	recipientID = pair.Other(senderID)

	conv, err := r.convs.GetOrCreate(ctx, senderID, recipientID)
	if err != nil {
		return nil, err
	}

	msg, err := r.msgs.Append(ctx, conv.ID, senderID, draft)
	if err != nil {
		return nil, err
	}

	pushed := r.Push(recipientID, model.NewMessageEvent(*msg))
	r.log.WithFields(logrus.Fields{
		"conversation_id": conv.ID,
		"message_id":      msg.ID,
		"sender_id":       senderID,
		"recipient_id":    recipientID,
		"pushed":          pushed,
	}).Info("Message sent")

	return msg, nil
}

// Push writes ev to every live handle of userID and returns how many
// accepted it. Failures are logged only.
func (r *Router) Push(userID string, ev model.Event) int {
	pushed := 0
	for _, h := range r.handles.ActiveHandles(userID) {
		if err := h.Push(ev); err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{
				"user_id":   userID,
				"handle_id": h.ID(),
				"event":     ev.Type,
			}).Warn("Push failed")
			continue
		}
		pushed++
	}
	return pushed
}
