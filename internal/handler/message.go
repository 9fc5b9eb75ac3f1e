package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"directline/internal/model"
)

// sendRequest is the body of POST /messages.
type sendRequest struct {
	RecipientID string `json:"recipientId"`
	Message     string `json:"message"`
	Img         string `json:"img"`
}

// ListConversations handles GET /messages/conversations
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())

	convs, err := h.Service.ListConversations(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.log.WithFields(logrus.Fields{
		"user_id": userID,
		"count":   len(convs),
	}).Debug("Listed conversations")
	writeJSON(w, http.StatusOK, convs)
}

// ListMessages handles GET /messages/conversations/{conversationId}
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["conversationId"]

	msgs, err := h.Service.ListMessages(r.Context(), conversationID, userIDFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// ListMessagesWith handles GET /messages/{otherUserId}
// 会話が存在しない相手なら空配列を返す
func (h *Handler) ListMessagesWith(w http.ResponseWriter, r *http.Request) {
	otherID := mux.Vars(r)["otherUserId"]

	msgs, err := h.Service.ListMessagesWith(r.Context(), userIDFrom(r.Context()), otherID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// SendMessage handles POST /messages
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	senderID := userIDFrom(r.Context())

	// リクエストボディサイズを1MBに制限
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.WithError(err).WithField("user_id", senderID).Info("Invalid request body")
		writeJSON(w, http.StatusBadRequest, errorBody{Error: kindInvalidArgument, Message: "Invalid request body"})
		return
	}

	msg, err := h.Service.SendMessage(r.Context(), senderID, req.RecipientID, model.Draft{
		Text:     req.Message,
		ImageRef: req.Img,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}

// MarkSeen handles POST /messages/conversations/{conversationId}/seen
func (h *Handler) MarkSeen(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["conversationId"]

	if err := h.Service.MarkConversationSeen(r.Context(), conversationID, userIDFrom(r.Context())); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteHistory handles DELETE /messages/delete/{otherUserId}
// メッセージは物理削除し、会話レコードは空のまま残す
func (h *Handler) DeleteHistory(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	otherID := mux.Vars(r)["otherUserId"]

	if err := h.Service.DeleteHistory(r.Context(), userID, otherID); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.log.WithFields(logrus.Fields{
		"user_id":  userID,
		"other_id": otherID,
	}).Info("History deleted")
	w.WriteHeader(http.StatusNoContent)
}

// presenceResponse is the body of GET /presence/{userId}.
type presenceResponse struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// GetPresence handles GET /presence/{userId}
func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	writeJSON(w, http.StatusOK, presenceResponse{UserID: userID, Online: h.Service.IsOnline(userID)})
}
