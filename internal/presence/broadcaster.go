// Package presence fans online/offline transitions out to a user's
// conversation partners.
package presence

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"directline/internal/logging"
	"directline/internal/model"
	"directline/internal/realtime"
)

const (
	defaultQueueSize = 256
	lookupTimeout    = 5 * time.Second
)

// PartnerLister finds everyone who shares a conversation with a user.
type PartnerLister interface {
	Partners(ctx context.Context, userID string) ([]string, error)
}

// HandleLookup returns the live handles of a user.
type HandleLookup interface {
	ActiveHandles(userID string) []realtime.Handle
}

// Broadcaster queues presence transitions and delivers them from a single
// worker so that registry callers never wait on the store.
type Broadcaster struct {
	partners PartnerLister
	handles  HandleLookup
	queue    chan model.Presence
	log      *logrus.Entry
}

// NewBroadcaster returns a broadcaster. queueSize <= 0 uses the default.
func NewBroadcaster(partners PartnerLister, handles HandleLookup, queueSize int) *Broadcaster {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Broadcaster{
		partners: partners,
		handles:  handles,
		queue:    make(chan model.Presence, queueSize),
		log:      logging.For("presence"),
	}
}

// Notify enqueues a transition. It never blocks; when the queue is full the
// transition is dropped.
func (b *Broadcaster) Notify(userID string, online bool) {
	select {
	case b.queue <- model.Presence{UserID: userID, Online: online}:
	default:
		b.log.WithFields(logrus.Fields{
			"user_id": userID,
			"online":  online,
		}).Warn("Presence queue full, dropping transition")
	}
}

// Run delivers queued transitions until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-b.queue:
			b.Broadcast(ctx, p)
		}
	}
}

// Broadcast pushes one transition to every live handle of every partner
// and returns how many pushes succeeded.
func (b *Broadcaster) Broadcast(ctx context.Context, p model.Presence) int {
	lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	partners, err := b.partners.Partners(lookupCtx, p.UserID)
	cancel()
	if err != nil {
		b.log.WithError(err).WithField("user_id", p.UserID).Error("Failed to load partners")
		return 0
	}

	ev := model.PresenceEvent(p.UserID, p.Online)
	delivered := 0
	for _, partner := range partners {
		for _, h := range b.handles.ActiveHandles(partner) {
			if err := h.Push(ev); err != nil {
				b.log.WithError(err).WithFields(logrus.Fields{
					"user_id":   p.UserID,
					"partner":   partner,
					"handle_id": h.ID(),
				}).Warn("Presence push failed")
				continue
			}
			delivered++
		}
	}

	b.log.WithFields(logrus.Fields{
		"user_id":   p.UserID,
		"online":    p.Online,
		"delivered": delivered,
	}).Debug("Presence broadcast")
	return delivered
}
