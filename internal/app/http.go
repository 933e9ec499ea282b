package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/meetgrid/messaging/internal/auth"
	"github.com/meetgrid/messaging/internal/chatsession"
	apperrors "github.com/meetgrid/messaging/internal/errors"
	"github.com/meetgrid/messaging/internal/platform/requestctx"
	"github.com/meetgrid/messaging/internal/platform/timeouts"
	"github.com/meetgrid/messaging/internal/realtime"
	"github.com/meetgrid/messaging/internal/storage"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

type handler struct {
	dispatcher *realtime.Dispatcher
	resolver   *chatsession.Resolver
	store      storage.MessageStore
	verifier   *auth.Verifier
}

func newHandler(dispatcher *realtime.Dispatcher, resolver *chatsession.Resolver, store storage.MessageStore, verifier *auth.Verifier) http.Handler {
	h := &handler{
		dispatcher: dispatcher,
		resolver:   resolver,
		store:      store,
		verifier:   verifier,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/ws", h.handleWS)
	mux.HandleFunc("GET /api/rooms/{roomKey}/messages", h.requirePrincipal(h.handleRoomHistory))
	mux.HandleFunc("POST /api/rooms/{roomKey}/messages", h.requirePrincipal(h.handlePublishMessage))
	mux.HandleFunc("POST /api/chats/get-or-create", h.requirePrincipal(h.handleGetOrCreateChat))
	mux.HandleFunc("GET /api/chats", h.requirePrincipal(h.handleListChats))
	return mux
}

// wireMessage is the JSON shape every delivered message uses, identical on
// the REST and WebSocket surfaces so clients de-duplicate on (room_key, seq).
type wireMessage struct {
	ID       string `json:"id"`
	RoomKey  string `json:"room_key"`
	SenderID string `json:"sender_id"`
	Body     string `json:"body"`
	SentAt   string `json:"sent_at"`
	Seq      int64  `json:"seq"`
}

func toWireMessage(message storage.Message) wireMessage {
	return wireMessage{
		ID:       message.ID,
		RoomKey:  message.RoomKey,
		SenderID: message.SenderID,
		Body:     message.Body,
		SentAt:   message.SentAt.UTC().Format(time.RFC3339),
		Seq:      message.Seq,
	}
}

type wireChat struct {
	ID           string   `json:"id"`
	RoomKey      string   `json:"room_key"`
	Participants []string `json:"participants"`
	CreatedAt    string   `json:"created_at"`
}

func toWireChat(session storage.ChatSession) wireChat {
	return wireChat{
		ID:           session.ID,
		RoomKey:      realtime.ChatRoomKey(session.ID),
		Participants: []string{session.ParticipantA, session.ParticipantB},
		CreatedAt:    session.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type apiErrorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("messaging: encode response: %v", err)
	}
}

func writeAPIError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	writeJSON(w, code.HTTPStatus(), apiErrorEnvelope{
		Error: apiError{
			Code:    string(code),
			Message: publicErrorMessage(err, code),
		},
	})
}

// publicErrorMessage keeps storage internals out of client responses.
func publicErrorMessage(err error, code apperrors.Code) string {
	if code == apperrors.CodeStorageUnavailable || code == apperrors.CodeUnknown {
		return "service temporarily unavailable"
	}
	return err.Error()
}

// requirePrincipal authenticates the request and stores the principal in the
// request context for downstream handlers.
func (h *handler) requirePrincipal(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.verifier == nil {
			writeJSON(w, http.StatusServiceUnavailable, apiErrorEnvelope{
				Error: apiError{Code: string(apperrors.CodeNotAuthenticated), Message: "auth is not configured"},
			})
			return
		}
		token, ok := auth.TokenFromRequest(r)
		if !ok {
			writeAPIError(w, apperrors.New(apperrors.CodeNotAuthenticated, "authentication required"))
			return
		}
		principalID, err := h.verifier.Verify(token)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		next(w, r.WithContext(requestctx.WithPrincipal(r.Context(), principalID)))
	}
}

// authorizeRoomRead rejects access to private chat rooms the principal does
// not participate in. Event rooms are readable by any authenticated user.
func (h *handler) authorizeRoomRead(ctx context.Context, roomKey string, principalID string) error {
	sessionID, isChat := realtime.ChatSessionID(roomKey)
	if !isChat {
		return nil
	}
	session, err := h.resolver.Session(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.ParticipantA != principalID && session.ParticipantB != principalID {
		return apperrors.New(apperrors.CodeNotSubscribed, "principal is not a participant of this chat session")
	}
	return nil
}

func (h *handler) handleRoomHistory(w http.ResponseWriter, r *http.Request) {
	roomKey := strings.TrimSpace(r.PathValue("roomKey"))
	if !realtime.ValidRoomKey(roomKey) {
		writeAPIError(w, apperrors.New(apperrors.CodeInvalidPayload, "room key must name an event or chat room"))
		return
	}
	principalID := requestctx.PrincipalFromContext(r.Context())
	if err := h.authorizeRoomRead(r.Context(), roomKey, principalID); err != nil {
		writeAPIError(w, err)
		return
	}

	query := r.URL.Query()
	limit := defaultHistoryLimit
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeAPIError(w, apperrors.New(apperrors.CodeInvalidPayload, "limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	beforeSeq, err := parseSeqParam(query.Get("before_seq"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	afterSeq, err := parseSeqParam(query.Get("after_seq"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if beforeSeq > 0 && afterSeq > 0 {
		writeAPIError(w, apperrors.New(apperrors.CodeInvalidPayload, "before_seq and after_seq are mutually exclusive"))
		return
	}

	type historyResponse struct {
		Messages      []wireMessage `json:"messages"`
		NextBeforeSeq int64         `json:"next_before_seq,omitempty"`
	}
	response := historyResponse{Messages: []wireMessage{}}

	if afterSeq > 0 {
		messages, err := h.store.ListRoomMessagesAfter(r.Context(), roomKey, afterSeq, limit)
		if err != nil {
			writeAPIError(w, apperrors.Wrap(apperrors.CodeStorageUnavailable, "list room messages", err))
			return
		}
		for _, message := range messages {
			response.Messages = append(response.Messages, toWireMessage(message))
		}
	} else {
		page, err := h.store.ListRoomMessagesBefore(r.Context(), roomKey, beforeSeq, limit)
		if err != nil {
			writeAPIError(w, apperrors.Wrap(apperrors.CodeStorageUnavailable, "list room messages", err))
			return
		}
		for _, message := range page.Messages {
			response.Messages = append(response.Messages, toWireMessage(message))
		}
		response.NextBeforeSeq = page.NextBeforeSeq
	}

	writeJSON(w, http.StatusOK, response)
}

func parseSeqParam(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed < 1 {
		return 0, apperrors.New(apperrors.CodeInvalidPayload, "sequence cursor must be a positive integer")
	}
	return parsed, nil
}

func (h *handler) handlePublishMessage(w http.ResponseWriter, r *http.Request) {
	roomKey := strings.TrimSpace(r.PathValue("roomKey"))
	if !realtime.ValidRoomKey(roomKey) {
		writeAPIError(w, apperrors.New(apperrors.CodeInvalidPayload, "room key must name an event or chat room"))
		return
	}
	principalID := requestctx.PrincipalFromContext(r.Context())
	if err := h.authorizeRoomRead(r.Context(), roomKey, principalID); err != nil {
		writeAPIError(w, err)
		return
	}

	var payload struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeAPIError(w, apperrors.New(apperrors.CodeInvalidPayload, "invalid request body"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeouts.StoreWrite)
	defer cancel()
	message, err := h.dispatcher.Publish(ctx, principalID, roomKey, payload.Body)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	type publishResponse struct {
		Message wireMessage `json:"message"`
	}
	writeJSON(w, http.StatusCreated, publishResponse{Message: toWireMessage(message)})
}

func (h *handler) handleGetOrCreateChat(w http.ResponseWriter, r *http.Request) {
	principalID := requestctx.PrincipalFromContext(r.Context())

	var payload struct {
		PeerID string `json:"peer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeAPIError(w, apperrors.New(apperrors.CodeInvalidPayload, "invalid request body"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeouts.StoreWrite)
	defer cancel()
	session, err := h.resolver.GetOrCreate(ctx, principalID, payload.PeerID)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	type chatResponse struct {
		Chat wireChat `json:"chat"`
	}
	writeJSON(w, http.StatusOK, chatResponse{Chat: toWireChat(session)})
}

func (h *handler) handleListChats(w http.ResponseWriter, r *http.Request) {
	principalID := requestctx.PrincipalFromContext(r.Context())

	sessions, err := h.resolver.SessionsFor(r.Context(), principalID)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	type listResponse struct {
		Chats []wireChat `json:"chats"`
	}
	response := listResponse{Chats: []wireChat{}}
	for _, session := range sessions {
		response.Chats = append(response.Chats, toWireChat(session))
	}
	writeJSON(w, http.StatusOK, response)
}
