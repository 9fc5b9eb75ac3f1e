package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"directline/internal/logging"
	"directline/internal/model"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 4096

	defaultSendBuffer = 64
)

var (
	// ErrClosed is returned by Push once the connection is closed.
	ErrClosed     = errors.New("realtime: connection closed")
	// ErrBufferFull is returned by the Push that overflowed the send buffer.
	ErrBufferFull = errors.New("realtime: send buffer full")
)

// Frame is an inbound client message.
type Frame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
}

// Inbound frame types.
const (
	FrameMarkSeen = "markSeen"
	FramePing     = "ping"
)

// Conn wraps a websocket. Outbound events go through a bounded buffer that
// a single writer goroutine drains; a client that falls behind is
// disconnected rather than allowed to stall pushes.
type Conn struct {
	id     string
	userID string

	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	log  *logrus.Entry
}

// NewConn wraps ws for userID. buffer <= 0 uses the default size.
func NewConn(userID string, ws *websocket.Conn, buffer int) *Conn {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	id := uuid.NewString()
	return &Conn{
		id:     id,
		userID: userID,
		ws:     ws,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		log: logging.For("websocket").WithFields(logrus.Fields{
			"conn_id": id,
			"user_id": userID,
		}),
	}
}

// ID identifies this connection among the user's handles.
func (c *Conn) ID() string { return c.id }

// UserID returns the user the connection belongs to.
func (c *Conn) UserID() string { return c.userID }

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Start launches the write loop. Call it once.
func (c *Conn) Start() {
	go c.writeLoop()
}

// Push encodes ev and queues it without blocking.
func (c *Conn) Push(ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		c.log.Warn("Send buffer full, closing connection")
		// the close frame waits for the write lock, so send it off the caller
		if c.markClosed() {
			go c.shutdown(websocket.CloseTryAgainLater, "send buffer full")
		}
		return ErrBufferFull
	}
}

// Close terminates the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeWith(websocket.CloseGoingAway, "server closing connection")
	return nil
}

func (c *Conn) closeWith(code int, reason string) {
	if c.markClosed() {
		c.shutdown(code, reason)
	}
}

// markClosed closes done and reports whether this call was the first.
func (c *Conn) markClosed() bool {
	first := false
	c.once.Do(func() {
		close(c.done)
		first = true
	})
	return first
}

func (c *Conn) shutdown(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.ws.Close()
}

// ReadLoop reads frames until the peer goes away or the connection is
// closed, passing each well-formed frame to handle. A clean close returns
// nil.
func (c *Conn) ReadLoop(handle func(Frame)) error {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.WithError(err).Debug("Ignoring malformed frame")
			continue
		}
		handle(f)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			if err := c.write(websocket.TextMessage, payload); err != nil {
				c.log.WithError(err).Debug("Write failed")
				c.closeWith(websocket.CloseInternalServerErr, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.closeWith(websocket.CloseInternalServerErr, "ping failed")
				return
			}
		}
	}
}

func (c *Conn) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}
