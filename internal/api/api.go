// Package api serves the polling REST endpoints for messages, typing and
// users.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/christopherjohns/chatrelay/internal/message"
	"github.com/christopherjohns/chatrelay/internal/registry"
	"github.com/christopherjohns/chatrelay/internal/user"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 64 << 10

// Handler serves the REST endpoints over a registry.
type Handler struct {
	reg *registry.Registry
	log hclog.Logger
}

// NewHandler creates a Handler.
func NewHandler(reg *registry.Registry, log hclog.Logger) *Handler {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Handler{reg: reg, log: log}
}

// Register mounts the endpoints on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/messages", h.handleListMessages).Methods(http.MethodGet)
	r.HandleFunc("/messages", h.handlePostMessage).Methods(http.MethodPost)
	r.HandleFunc("/typing", h.handleListTyping).Methods(http.MethodGet)
	r.HandleFunc("/typing", h.handleSetTyping).Methods(http.MethodPost)
	r.HandleFunc("/users", h.handleListUsers).Methods(http.MethodGet)
	r.HandleFunc("/users", h.handleJoin).Methods(http.MethodPost)
	r.HandleFunc("/users", h.handleLeave).Methods(http.MethodDelete)
}

type messagesResponse struct {
	Messages []message.Message `json:"messages"`
}

type messageResponse struct {
	Message message.Message `json:"message"`
}

type typingResponse struct {
	TypingUsers []message.TypingUser `json:"typingUsers"`
}

type usersResponse struct {
	Users []user.User `json:"users"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type typingRequest struct {
	UserID   string `json:"userId"`
	Nickname string `json:"nickname"`
	IsTyping bool   `json:"isTyping"`
}

type joinRequest struct {
	User *user.User `json:"user"`
}

// handleListMessages returns public messages, or the private conversation
// between userId1 and userId2 when both are given.
func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := ParseSince(q.Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid since timestamp")
		return
	}

	var msgs []message.Message
	a, b := q.Get("userId1"), q.Get("userId2")
	if a != "" && b != "" {
		msgs, err = h.reg.ListPrivateMessages(r.Context(), a, b, since)
	} else {
		msgs, err = h.reg.ListPublicMessages(r.Context(), since)
	}
	if err != nil {
		h.fail(w, "list messages", err)
		return
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: nonNil(msgs)})
}

func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var in registry.MessageInput
	if !decode(w, r, &in) {
		return
	}
	m, err := h.reg.AppendMessage(r.Context(), in)
	if err != nil {
		h.fail(w, "append message", err)
		return
	}
	if err := h.reg.TouchUser(r.Context(), in.SenderID); err != nil {
		h.log.Warn("touch sender failed", "user", in.SenderID, "error", err)
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: m})
}

func (h *Handler) handleListTyping(w http.ResponseWriter, r *http.Request) {
	typing, err := h.reg.ListTypingUsers(r.Context())
	if err != nil {
		h.fail(w, "list typing", err)
		return
	}
	if typing == nil {
		typing = []message.TypingUser{}
	}
	writeJSON(w, http.StatusOK, typingResponse{TypingUsers: typing})
}

func (h *Handler) handleSetTyping(w http.ResponseWriter, r *http.Request) {
	var req typingRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" || strings.TrimSpace(req.Nickname) == "" {
		writeError(w, http.StatusBadRequest, "userId and nickname are required")
		return
	}

	var err error
	if req.IsTyping {
		err = h.reg.SetTyping(r.Context(), req.UserID, req.Nickname)
	} else {
		err = h.reg.ClearTyping(r.Context(), req.UserID)
	}
	if err != nil {
		h.fail(w, "set typing", err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.reg.ListUsers(r.Context())
	if err != nil {
		h.fail(w, "list users", err)
		return
	}
	if users == nil {
		users = []user.User{}
	}
	writeJSON(w, http.StatusOK, usersResponse{Users: users})
}

func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !decode(w, r, &req) {
		return
	}
	if req.User == nil {
		writeError(w, http.StatusBadRequest, "user is required")
		return
	}
	if _, err := h.reg.Join(r.Context(), *req.User); err != nil {
		h.fail(w, "join", err)
		return
	}
	h.log.Info("user joined", "user", req.User.ID, "nickname", req.User.Nickname)
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (h *Handler) handleLeave(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := q.Get("userId")
	if id == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if _, _, err := h.reg.Leave(r.Context(), id, q.Get("nickname")); err != nil {
		h.fail(w, "leave", err)
		return
	}
	h.log.Info("user left", "user", id)
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// fail maps a registry error onto a response. Validation errors are the
// caller's fault, everything else is logged as a server error.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, registry.ErrInvalid) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.log.Error(op+" failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

// ParseSince parses the since query parameter. An empty value yields the
// zero time.
func ParseSince(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func nonNil(msgs []message.Message) []message.Message {
	if msgs == nil {
		return []message.Message{}
	}
	return msgs
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
