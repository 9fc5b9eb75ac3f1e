package model

import (
	"fmt"
	"strings"
	"time"
)

// Message represents a direct message inside a conversation.
// Everything except Seen is immutable once stored.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Text           string    `json:"text,omitempty"`
	ImageRef       string    `json:"img,omitempty"`
	Seen           bool      `json:"seen"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Draft is an unsent message body.
type Draft struct {
	Text     string
	ImageRef string
}

// Normalize trims whitespace; whitespace-only text counts as absent.
func (d Draft) Normalize() Draft {
	return Draft{
		Text:     strings.TrimSpace(d.Text),
		ImageRef: strings.TrimSpace(d.ImageRef),
	}
}

// Validate checks that at least one of text/image is present and that the
// text fits maxText bytes. maxText <= 0 disables the length check.
func (d Draft) Validate(maxText int) error {
	if d.Text == "" && d.ImageRef == "" {
		return fmt.Errorf("%w: message needs text or an image", ErrInvalidArgument)
	}
	if maxText > 0 && len(d.Text) > maxText {
		return fmt.Errorf("%w: text length %d exceeds limit %d", ErrInvalidArgument, len(d.Text), maxText)
	}
	return nil
}
