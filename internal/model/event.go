package model

// Event types pushed to live connections.
const (
	EventNewMessage      = "newMessage"
	EventPresenceChanged = "presenceChanged"
	EventMessagesSeen    = "messagesSeen"
	EventOnlinePartners  = "onlinePartners"
	EventPong            = "pong"
)

// Event is the envelope written to a websocket. Exactly one payload field
// is set, matching Type.
type Event struct {
	Type     string          `json:"type"`
	Message  *Message        `json:"message,omitempty"`
	Presence *Presence       `json:"presence,omitempty"`
	Seen     *SeenReceipt    `json:"seen,omitempty"`
	Online   *OnlinePartners `json:"online,omitempty"`
}

// Presence reports whether a user holds at least one live connection.
type Presence struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// SeenReceipt tells a sender that the other participant has read the conversation.
type SeenReceipt struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// OnlinePartners is the presence snapshot sent to a freshly connected handle.
type OnlinePartners struct {
	UserIDs []string `json:"userIds"`
}

// NewMessageEvent carries a freshly stored message to the recipient.
func NewMessageEvent(m Message) Event {
	return Event{Type: EventNewMessage, Message: &m}
}

// PresenceEvent reports a user going online or offline.
func PresenceEvent(userID string, online bool) Event {
	return Event{Type: EventPresenceChanged, Presence: &Presence{UserID: userID, Online: online}}
}

// MessagesSeenEvent tells the sender that viewerID read the conversation.
func MessagesSeenEvent(conversationID, viewerID string) Event {
	return Event{Type: EventMessagesSeen, Seen: &SeenReceipt{ConversationID: conversationID, UserID: viewerID}}
}

// OnlinePartnersEvent lists the partners online when a handle connects.
func OnlinePartnersEvent(userIDs []string) Event {
	if userIDs == nil {
		userIDs = []string{}
	}
	return Event{Type: EventOnlinePartners, Online: &OnlinePartners{UserIDs: userIDs}}
}

// PongEvent answers a client ping frame.
func PongEvent() Event {
	return Event{Type: EventPong}
}
