package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"directline/internal/config"
	"directline/internal/logging"
	"directline/internal/messaging"
)

// Handler holds application dependencies
type Handler struct {
	Service *messaging.Service
	Config  config.Config
	log     *logrus.Entry
}

// New creates a new Handler with the given dependencies
func New(svc *messaging.Service, cfg config.Config) *Handler {
	return &Handler{
		Service: svc,
		Config:  cfg,
		log:     logging.For("http"),
	}
}

// SetupRouter configures and returns the HTTP router
func (h *Handler) SetupRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.Health).Methods("GET")

	// REST API
	api := r.NewRoute().Subrouter()
	api.Use(h.requireIdentity, h.withTimeout)
	// /messages/conversations は /messages/{otherUserId} より先に登録する
	api.HandleFunc("/messages/conversations", h.ListConversations).Methods("GET")
	api.HandleFunc("/messages/conversations/{conversationId}", h.ListMessages).Methods("GET")
	api.HandleFunc("/messages/conversations/{conversationId}/seen", h.MarkSeen).Methods("POST")
	api.HandleFunc("/messages/delete/{otherUserId}", h.DeleteHistory).Methods("DELETE")
	api.HandleFunc("/messages/{otherUserId}", h.ListMessagesWith).Methods("GET")
	api.HandleFunc("/messages", h.SendMessage).Methods("POST")
	api.HandleFunc("/presence/{userId}", h.GetPresence).Methods("GET")

	// WebSocket
	ws := r.NewRoute().Subrouter()
	ws.Use(h.requireIdentity)
	ws.HandleFunc("/ws", h.HandleWebSocket).Methods("GET")

	return r
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ctxKey int

const userIDKey ctxKey = iota

// userIDFrom returns the authenticated identity attached by requireIdentity.
func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// requireIdentity trusts the identity header set by the upstream auth
// provider and rejects requests without one.
func (h *Handler) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(h.Config.IdentityHeader)
		if userID == "" {
			h.log.WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
				"remote": r.RemoteAddr,
			}).Info("Missing identity header")
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: kindUnauthorized, Message: "authentication required"})
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) withTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Config.RequestTimeout <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), h.Config.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
