package model

import (
	"fmt"
	"strings"
	"time"
)

// Pair is an unordered pair of participants stored in canonical order
// (Low < High).
type Pair struct {
	Low  string
	High string
}

// NewPair normalizes two participant identities into a Pair. Both must be
// non-empty and distinct.
func NewPair(a, b string) (Pair, error) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return Pair{}, fmt.Errorf("%w: participant ids are required", ErrInvalidArgument)
	}
	if a == b {
		return Pair{}, fmt.Errorf("%w: a conversation needs two distinct participants", ErrInvalidArgument)
	}
	if a > b {
		a, b = b, a
	}
	return Pair{Low: a, High: b}, nil
}

// Has reports whether userID is one of the two participants.
func (p Pair) Has(userID string) bool {
	return userID != "" && (userID == p.Low || userID == p.High)
}

// Other returns the participant that is not userID.
func (p Pair) Other(userID string) string {
	if userID == p.Low {
		return p.High
	}
	return p.Low
}

// Conversation is the durable record of a two-party messaging relationship.
type Conversation struct {
	ID             string       `json:"id"`
	Participants   [2]string    `json:"participants"`
	CreatedAt      time.Time    `json:"createdAt"`
	LastActivityAt time.Time    `json:"lastActivityAt"`
	LastMessage    *LastMessage `json:"lastMessage"`
}

// Pair returns the participants as a Pair.
func (c Conversation) Pair() Pair {
	return Pair{Low: c.Participants[0], High: c.Participants[1]}
}

// HasParticipant reports whether userID takes part in the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	return c.Pair().Has(userID)
}

// LastMessage is the preview shown in a conversation list.
type LastMessage struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"senderId"`
	Text      string    `json:"text"`
	HasImage  bool      `json:"hasImage"`
	Seen      bool      `json:"seen"`
	CreatedAt time.Time `json:"createdAt"`
}
