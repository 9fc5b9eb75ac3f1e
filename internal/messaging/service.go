// Package messaging is the direct-messaging core: it ties the durable
// stores, the live connection registry, message delivery and presence
// together behind the operations the transport layer calls.
package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"directline/internal/database"
	"directline/internal/delivery"
	"directline/internal/logging"
	"directline/internal/model"
	"directline/internal/presence"
	"directline/internal/realtime"
	"directline/internal/store"
)

// Options tunes a Service.
type Options struct {
	MaxTextLength     int
	PresenceQueueSize int
	Clock             func() time.Time
}

// Service implements the messaging operations.
type Service struct {
	convs    *store.ConversationStore
	msgs     *store.MessageStore
	registry *realtime.Registry
	router   *delivery.Router
	presence *presence.Broadcaster
	log      *logrus.Entry
}

// New wires a Service over db. Presence transitions are queued until
// RunPresence is started.
func New(db *database.DB, opts Options) *Service {
	storeOpts := []store.Option{store.WithMaxTextLength(opts.MaxTextLength)}
	if opts.Clock != nil {
		storeOpts = append(storeOpts, store.WithClock(opts.Clock))
	}

	convs := store.NewConversationStore(db, storeOpts...)
	msgs := store.NewMessageStore(db, storeOpts...)
	registry := realtime.NewRegistry()
	broadcaster := presence.NewBroadcaster(convs, registry, opts.PresenceQueueSize)
	registry.OnTransition(broadcaster.Notify)

	return &Service{
		convs:    convs,
		msgs:     msgs,
		registry: registry,
		router:   delivery.NewRouter(convs, msgs, registry, opts.MaxTextLength),
		presence: broadcaster,
		log:      logging.For("messaging"),
	}
}

// RunPresence delivers presence transitions until ctx is cancelled.
func (s *Service) RunPresence(ctx context.Context) {
	s.presence.Run(ctx)
}

// ListConversations returns the user's conversations, most recent first.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	return s.convs.ListForUser(ctx, userID)
}

// ListMessages returns a conversation's history for a participant.
func (s *Service) ListMessages(ctx context.Context, conversationID, viewerID string) ([]model.Message, error) {
	return s.msgs.ListByConversation(ctx, conversationID, viewerID)
}

// ListMessagesWith returns the history between viewerID and otherID. A pair
// that never talked has an empty history.
func (s *Service) ListMessagesWith(ctx context.Context, viewerID, otherID string) ([]model.Message, error) {
	conv, err := s.convs.FindByPair(ctx, viewerID, otherID)
	if errors.Is(err, model.ErrNotFound) {
		return []model.Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	return s.msgs.ListByConversation(ctx, conv.ID, viewerID)
}

// SendMessage stores and delivers a message.
func (s *Service) SendMessage(ctx context.Context, senderID, recipientID string, draft model.Draft) (*model.Message, error) {
	return s.router.Send(ctx, senderID, recipientID, draft)
}

// MarkConversationSeen marks the other participant's messages as seen and
// tells that participant when anything changed.
func (s *Service) MarkConversationSeen(ctx context.Context, conversationID, viewerID string) error {
	n, err := s.msgs.MarkSeen(ctx, conversationID, viewerID)
	if err != nil || n == 0 {
		return err
	}

	conv, err := s.convs.Get(ctx, conversationID)
	if err != nil {
		// the update is committed; only the receipt is lost
		s.log.WithError(err).WithField("conversation_id", conversationID).Warn("Failed to load conversation for seen receipt")
		return nil
	}
	s.router.Push(conv.Pair().Other(viewerID), model.MessagesSeenEvent(conversationID, viewerID))
	return nil
}

// DeleteHistory removes every message between the two users. The
// conversation itself is kept.
func (s *Service) DeleteHistory(ctx context.Context, userA, userB string) error {
	_, err := s.convs.DeleteHistory(ctx, userA, userB)
	return err
}

// IsOnline reports whether the user holds a live connection.
func (s *Service) IsOnline(userID string) bool {
	return s.registry.IsOnline(userID)
}

// Connect registers a live handle and sends it the set of the user's
// partners who are online right now.
func (s *Service) Connect(ctx context.Context, userID string, h realtime.Handle) {
	s.registry.Register(userID, h)

	users, handles := s.registry.Stats()
	entry := s.log.WithFields(logrus.Fields{
		"user_id":   userID,
		"handle_id": h.ID(),
	})
	entry.WithFields(logrus.Fields{
		"online_users": users,
		"handles":      handles,
	}).Info("Client connected")

	partners, err := s.convs.Partners(ctx, userID)
	if err != nil {
		entry.WithError(err).Warn("Failed to load partners for presence snapshot")
		partners = nil
	}
	online := make([]string, 0, len(partners))
	for _, p := range partners {
		if s.registry.IsOnline(p) {
			online = append(online, p)
		}
	}
	if err := h.Push(model.OnlinePartnersEvent(online)); err != nil {
		entry.WithError(err).Warn("Failed to push presence snapshot")
	}
}

// Disconnect releases a handle registered by Connect.
func (s *Service) Disconnect(userID string, h realtime.Handle) {
	s.registry.Deregister(userID, h)

	users, handles := s.registry.Stats()
	s.log.WithFields(logrus.Fields{
		"user_id":      userID,
		"handle_id":    h.ID(),
		"online_users": users,
		"handles":      handles,
	}).Info("Client disconnected")
}

// Shutdown closes every live connection.
func (s *Service) Shutdown() {
	s.registry.CloseAll()
}
