package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"directline/internal/config"
	"directline/internal/database"
	"directline/internal/database/dbtest"
	"directline/internal/messaging"
	"directline/internal/model"
)

func TestMain(m *testing.M) {
	// プロジェクトルートの.envを読み込み
	_ = godotenv.Load("../../.env")
	os.Exit(m.Run())
}

const identityHeader = "X-User-ID"

func testConfig() config.Config {
	return config.Config{
		AllowedOrigins: []string{"http://localhost:8080", "http://127.0.0.1:8080"},
		IdentityHeader: identityHeader,
		RequestTimeout: 5 * time.Second,
		MaxTextLength:  200,
		WSSendBuffer:   16,
	}
}

type testServer struct {
	db     *database.DB
	svc    *messaging.Service
	router *mux.Router
}

// newTestServer テスト用のHandlerとルーターを生成
func newTestServer(t *testing.T, db *database.DB) *testServer {
	t.Helper()
	cfg := testConfig()
	svc := messaging.New(db, messaging.Options{MaxTextLength: cfg.MaxTextLength})
	return &testServer{db: db, svc: svc, router: New(svc, cfg).SetupRouter()}
}

func (s *testServer) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set(identityHeader, userID)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) send(t *testing.T, from, to, text string) model.Message {
	t.Helper()
	w := s.do(t, "POST", "/messages", from, map[string]string{"recipientId": to, "message": text})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var msg model.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msg))
	return msg
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestMissingIdentity(t *testing.T) {
	s := newTestServer(t, dbtest.New(t))

	for _, route := range []struct{ method, path string }{
		{"GET", "/messages/conversations"},
		{"POST", "/messages"},
		{"GET", "/messages/bob"},
		{"DELETE", "/messages/delete/bob"},
		{"GET", "/ws"},
	} {
		w := s.do(t, route.method, route.path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "%s %s", route.method, route.path)
		assert.Equal(t, kindUnauthorized, decodeError(t, w).Error)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, dbtest.New(t))

	w := s.do(t, "GET", "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

// TestSendMessage_Success 初回送信で会話が作成される
func TestSendMessage_Success(t *testing.T) {
	s := newTestServer(t, dbtest.New(t))

	msg := s.send(t, "alice", "bob", "hi")
	assert.NotEmpty(t, msg.ID)
	assert.NotEmpty(t, msg.ConversationID)
	assert.Equal(t, "alice", msg.SenderID)
	assert.Equal(t, "hi", msg.Text)
	assert.False(t, msg.Seen)

	w := s.do(t, "GET", "/messages/conversations", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var convs []model.Conversation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &convs))
	require.Len(t, convs, 1)
	assert.Equal(t, msg.ConversationID, convs[0].ID)
	require.NotNil(t, convs[0].LastMessage)
	assert.Equal(t, "hi", convs[0].LastMessage.Text)

	for _, viewer := range []string{"alice", "bob"} {
		w := s.do(t, "GET", "/messages/conversations/"+msg.ConversationID, viewer, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var msgs []model.Message
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msgs))
		require.Len(t, msgs, 1)
		assert.Equal(t, msg.ID, msgs[0].ID)
	}
}

func TestSendMessage_ImageOnly(t *testing.T) {
	s := newTestServer(t, dbtest.New(t))

	w := s.do(t, "POST", "/messages", "alice", map[string]string{"recipientId": "bob", "img": "https://img.example.com/1.png"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var msg model.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msg))
	assert.Equal(t, "https://img.example.com/1.png", msg.ImageRef)
	assert.Empty(t, msg.Text)
}

func TestSendMessage_Rejected(t *testing.T) {
	s := newTestServer(t, dbtest.New(t))

	tests := []struct {
		name    string
		body    any
		message string
	}{
		{"invalid json", "invalid json", "Invalid request body"},
		{"oversized body", map[string]string{"recipientId": "bob", "message": strings.Repeat("x", 2*1024*1024)}, "Invalid request body"},
		{"no text or image", map[string]string{"recipientId": "bob"}, ""},
		{"blank text", map[string]string{"recipientId": "bob", "message": "   "}, ""},
		{"text too long", map[string]string{"recipientId": "bob", "message": strings.Repeat("x", 201)}, ""},
		{"to self", map[string]string{"recipientId": "alice", "message": "hi"}, ""},
		{"no recipient", map[string]string{"message": "hi"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, "POST", "/messages", "alice", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)

			body := decodeError(t, w)
			assert.Equal(t, kindInvalidArgument, body.Error)
			if tt.message != "" {
				assert.Equal(t, tt.message, body.Message)
			}
		})
	}

	var n int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&n))
	assert.Equal(t, 0, n)
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM conversations").Scan(&n))
	assert.Equal(t, 0, n)
}

func TestListMessages_Errors(t *testing.T) {
	s := newTestServer(t, dbtest.New(t))
	msg := s.send(t, "alice", "bob", "hi")

	w := s.do(t, "GET", "/messages/conversations/"+msg.ConversationID, "mallory", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, kindForbidden, decodeError(t, w).Error)

	w = s.do(t, "GET", "/messages/conversations/does-not-exist", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, kindNotFound, decodeError(t, w).Error)
}

func TestListMessagesWith(t *testing.T) {
	s := newTestServer(t, dbtest.New(t))

	w := s.do(t, "GET", "/messages/bob", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	first := s.send(t, "alice", "bob", "one")
	second := s.send(t, "bob", "alice", "two")

	w = s.do(t, "GET", "/messages/bob", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var msgs []model.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, first.ID, msgs[0].ID)
	assert.Equal(t, second.ID, msgs[1].ID)
}

func TestMarkSeen(t *testing.T) {
	s := newTestServer(t, dbtest.New(t))
	fromAlice := s.send(t, "alice", "bob", "hi")
	fromBob := s.send(t, "bob", "alice", "hey")

	w := s.do(t, "POST", "/messages/conversations/"+fromAlice.ConversationID+"/seen", "bob", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, "GET", "/messages/bob", "alice", nil)
	var msgs []model.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msgs))
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		switch m.ID {
		case fromAlice.ID:
			assert.True(t, m.Seen)
		case fromBob.ID:
			assert.False(t, m.Seen)
		}
	}

	w = s.do(t, "POST", "/messages/conversations/"+fromAlice.ConversationID+"/seen", "mallory", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

// TestDeleteHistory 会話は残し、メッセージのみ削除される
func TestDeleteHistory(t *testing.T) {
	s := newTestServer(t, dbtest.New(t))
	msg := s.send(t, "alice", "bob", "hi")

	w := s.do(t, "DELETE", "/messages/delete/bob", "alice", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, "GET", "/messages/conversations/"+msg.ConversationID, "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	again := s.send(t, "alice", "bob", "again")
	assert.Equal(t, msg.ConversationID, again.ConversationID)

	w = s.do(t, "DELETE", "/messages/delete/zed", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetPresence(t *testing.T) {
	s := newTestServer(t, dbtest.New(t))

	w := s.do(t, "GET", "/presence/bob", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"userId":"bob","online":false}`, w.Body.String())
}

func TestStoreUnavailable(t *testing.T) {
	db := dbtest.New(t)
	s := newTestServer(t, db)
	require.NoError(t, db.Close())

	w := s.do(t, "GET", "/messages/conversations", "alice", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	body := decodeError(t, w)
	assert.Equal(t, kindServiceUnavailable, body.Error)
	assert.Equal(t, "Service unavailable", body.Message)

	w = s.do(t, "POST", "/messages", "alice", map[string]string{"recipientId": "bob", "message": "hi"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// TestConcurrentFirstSend 同じ相手への初回送信が競合しても会話は1件
func TestConcurrentFirstSend(t *testing.T) {
	s := newTestServer(t, dbtest.New(t))

	const n = 10
	codes := make([]int, n)
	convIDs := make([]string, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := "alice", "bob"
			if i%2 == 1 {
				from, to = to, from
			}
			body, _ := json.Marshal(map[string]string{"recipientId": to, "message": fmt.Sprintf("msg %d", i)})
			req := httptest.NewRequest("POST", "/messages", bytes.NewReader(body))
			req.Header.Set(identityHeader, from)
			w := httptest.NewRecorder()
			s.router.ServeHTTP(w, req)

			codes[i] = w.Code
			var msg model.Message
			if json.Unmarshal(w.Body.Bytes(), &msg) == nil {
				convIDs[i] = msg.ConversationID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.Equal(t, http.StatusCreated, codes[i])
		assert.Equal(t, convIDs[0], convIDs[i])
	}

	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM conversations").Scan(&count))
	assert.Equal(t, 1, count)
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&count))
	assert.Equal(t, n, count)
}

func dialWS(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set(identityHeader, userID)
	header.Set("Origin", "http://localhost:8080")

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) model.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev model.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

// TestWebSocket_PushAndFrames 接続中の受信者にプッシュされ、切断で登録解除される
func TestWebSocket_PushAndFrames(t *testing.T) {
	s := newTestServer(t, dbtest.New(t))
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	first := s.send(t, "alice", "bob", "hi")

	bob := dialWS(t, srv, "bob")
	snapshot := readEvent(t, bob)
	require.Equal(t, model.EventOnlinePartners, snapshot.Type)
	assert.Empty(t, snapshot.Online.UserIDs)
	assert.True(t, s.svc.IsOnline("bob"))

	second := s.send(t, "alice", "bob", "hi again")
	ev := readEvent(t, bob)
	require.Equal(t, model.EventNewMessage, ev.Type)
	assert.Equal(t, second.ID, ev.Message.ID)
	assert.Equal(t, "hi again", ev.Message.Text)

	require.NoError(t, bob.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, model.EventPong, readEvent(t, bob).Type)

	require.NoError(t, bob.WriteJSON(map[string]string{"type": "markSeen", "conversationId": first.ConversationID}))
	require.Eventually(t, func() bool {
		msgs, err := s.svc.ListMessages(context.Background(), first.ConversationID, "alice")
		return err == nil && len(msgs) == 2 && msgs[0].Seen && msgs[1].Seen
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool {
		return !s.svc.IsOnline("bob")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWebSocket_ForbiddenOrigin(t *testing.T) {
	s := newTestServer(t, dbtest.New(t))
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	header := http.Header{}
	header.Set(identityHeader, "bob")
	header.Set("Origin", "http://evil.example.com")

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.False(t, s.svc.IsOnline("bob"))
}

// TestSendMessage_MySQL runs the send path against a real MariaDB/MySQL.
func TestSendMessage_MySQL(t *testing.T) {
	if os.Getenv("DB_HOST") == "" {
		t.Skip("Skipping: DB_HOST not set")
	}

	cfg := config.Load()
	cfg.DBDriver = config.DriverMySQL
	db, err := database.Init(cfg)
	if err != nil {
		t.Skipf("Skipping: could not connect to test database: %v", err)
	}
	defer db.Close()

	s := newTestServer(t, db)
	alice, bob := "alice-"+uuid.NewString(), "bob-"+uuid.NewString()

	msg := s.send(t, alice, bob, "hi")
	reply := s.send(t, bob, alice, "hello")
	assert.Equal(t, msg.ConversationID, reply.ConversationID)

	w := s.do(t, "GET", "/messages/"+bob, alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var msgs []model.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, msg.ID, msgs[0].ID)

	w = s.do(t, "DELETE", "/messages/delete/"+alice, bob, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}
