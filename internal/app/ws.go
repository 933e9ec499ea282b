package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/meetgrid/messaging/internal/auth"
	apperrors "github.com/meetgrid/messaging/internal/errors"
	"github.com/meetgrid/messaging/internal/platform/id"
	"github.com/meetgrid/messaging/internal/platform/timeouts"
	"github.com/meetgrid/messaging/internal/realtime"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type authPayload struct {
	Token string `json:"token"`
}

type roomPayload struct {
	RoomKey string `json:"room_key"`
}

type sendPayload struct {
	RoomKey string `json:"room_key"`
	Body    string `json:"body"`
}

type joinedPayload struct {
	RoomKey    string `json:"room_key"`
	LatestSeq  int64  `json:"latest_seq"`
	ServerTime string `json:"server_time"`
}

type messageEnvelope struct {
	Message wireMessage `json:"message"`
}

type typingPayload struct {
	RoomKey  string `json:"room_key"`
	SenderID string `json:"sender_id"`
}

type ackEnvelope struct {
	Result ackResult `json:"result"`
}

type ackResult struct {
	Status      string `json:"status"`
	PrincipalID string `json:"principal_id,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
	Seq         int64  `json:"seq,omitempty"`
}

// wsPeer serializes frame writes; the reader loop and the fan-out drain
// goroutine share one encoder.
type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

type wsPrincipalContextKey struct{}

func (h *handler) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// A handshake credential authenticates the connection up front; without
	// one the client may still authenticate with a chat.auth frame.
	if token, ok := auth.TokenFromRequest(r); ok {
		if h.verifier == nil {
			http.Error(w, "websocket auth is not configured", http.StatusServiceUnavailable)
			return
		}
		principalID, err := h.verifier.Verify(token)
		if err != nil {
			log.Printf("messaging: websocket unauthorized: token rejected for host=%q remote=%s: %v", r.Host, r.RemoteAddr, err)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		r = r.WithContext(context.WithValue(r.Context(), wsPrincipalContextKey{}, principalID))
	}

	websocket.Handler(h.handleWSConn).ServeHTTP(w, r)
}

func (h *handler) handleWSConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	connID := id.New()
	queue := h.dispatcher.Register(connID)
	peer := newWSPeer(json.NewEncoder(conn))

	ctx := context.Background()
	handshakePrincipal := ""
	if request := conn.Request(); request != nil {
		ctx = request.Context()
		if principalID, ok := request.Context().Value(wsPrincipalContextKey{}).(string); ok {
			handshakePrincipal = principalID
		}
	}

	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		drainEvents(queue, peer)
	}()
	// Disconnect closes the event queue, which ends the drain goroutine.
	defer func() {
		h.dispatcher.Disconnect(connID)
		<-drainDone
	}()

	if handshakePrincipal != "" {
		if err := h.dispatcher.Authenticate(connID, handshakePrincipal); err != nil {
			_ = writeWSError(peer, "", err)
			return
		}
	}

	decoder := json.NewDecoder(conn)
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(peer, "", apperrors.New(apperrors.CodeInvalidPayload, "invalid frame payload"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, frame.RequestID, apperrors.New(apperrors.CodeInvalidPayload, "payload too large"))
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(peer, frame.RequestID, apperrors.New(apperrors.CodeInvalidPayload, "rate limit exceeded"))
			return
		}

		switch frame.Type {
		case "chat.auth":
			h.handleAuthFrame(connID, peer, frame)
		case "chat.join":
			h.handleJoinFrame(ctx, connID, peer, frame)
		case "chat.leave":
			h.handleLeaveFrame(connID, peer, frame)
		case "chat.send":
			h.handleSendFrame(ctx, connID, peer, frame)
		case "chat.typing":
			h.handleTypingFrame(connID, peer, frame)
		default:
			_ = writeWSError(peer, frame.RequestID, apperrors.New(apperrors.CodeInvalidPayload, "unsupported frame type"))
		}
	}
}

// drainEvents forwards dispatcher deliveries to the socket until the
// connection's queue closes on disconnect.
func drainEvents(queue *realtime.Conn, peer *wsPeer) {
	for event := range queue.Events() {
		switch event.Kind {
		case realtime.EventMessage:
			_ = peer.writeFrame(wsFrame{
				Type:    "chat.message",
				Payload: mustJSON(messageEnvelope{Message: toWireMessage(event.Message)}),
			})
		case realtime.EventTyping:
			_ = peer.writeFrame(wsFrame{
				Type: "chat.typing",
				Payload: mustJSON(typingPayload{
					RoomKey:  event.RoomKey,
					SenderID: event.SenderID,
				}),
			})
		}
	}
}

func (h *handler) handleAuthFrame(connID string, peer *wsPeer, frame wsFrame) {
	var payload authPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, apperrors.New(apperrors.CodeInvalidPayload, "invalid auth payload"))
		return
	}
	if h.verifier == nil {
		_ = writeWSError(peer, frame.RequestID, apperrors.New(apperrors.CodeNotAuthenticated, "auth is not configured"))
		return
	}

	principalID, err := h.verifier.Verify(strings.TrimSpace(payload.Token))
	if err != nil {
		_ = writeWSError(peer, frame.RequestID, err)
		return
	}
	if err := h.dispatcher.Authenticate(connID, principalID); err != nil {
		_ = writeWSError(peer, frame.RequestID, err)
		return
	}

	_ = peer.writeFrame(wsFrame{
		Type:      "chat.ack",
		RequestID: frame.RequestID,
		Payload: mustJSON(ackEnvelope{
			Result: ackResult{Status: "ok", PrincipalID: principalID},
		}),
	})
}

func (h *handler) handleJoinFrame(ctx context.Context, connID string, peer *wsPeer, frame wsFrame) {
	var payload roomPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, apperrors.New(apperrors.CodeInvalidPayload, "invalid join payload"))
		return
	}

	latest, err := h.dispatcher.JoinRoom(ctx, connID, payload.RoomKey)
	if err != nil {
		_ = writeWSError(peer, frame.RequestID, err)
		return
	}

	_ = peer.writeFrame(wsFrame{
		Type:      "chat.joined",
		RequestID: frame.RequestID,
		Payload: mustJSON(joinedPayload{
			RoomKey:    strings.TrimSpace(payload.RoomKey),
			LatestSeq:  latest,
			ServerTime: time.Now().UTC().Format(time.RFC3339),
		}),
	})
}

func (h *handler) handleLeaveFrame(connID string, peer *wsPeer, frame wsFrame) {
	var payload roomPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, apperrors.New(apperrors.CodeInvalidPayload, "invalid leave payload"))
		return
	}

	h.dispatcher.LeaveRoom(connID, payload.RoomKey)
	_ = peer.writeFrame(wsFrame{
		Type:      "chat.left",
		RequestID: frame.RequestID,
		Payload:   mustJSON(roomPayload{RoomKey: strings.TrimSpace(payload.RoomKey)}),
	})
}

func (h *handler) handleSendFrame(ctx context.Context, connID string, peer *wsPeer, frame wsFrame) {
	var payload sendPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, apperrors.New(apperrors.CodeInvalidPayload, "invalid send payload"))
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, timeouts.StoreWrite)
	message, err := h.dispatcher.SendMessage(sendCtx, connID, payload.RoomKey, payload.Body)
	cancel()
	if err != nil {
		_ = writeWSError(peer, frame.RequestID, err)
		return
	}

	_ = peer.writeFrame(wsFrame{
		Type:      "chat.ack",
		RequestID: frame.RequestID,
		Payload: mustJSON(ackEnvelope{
			Result: ackResult{
				Status:    "ok",
				MessageID: message.ID,
				Seq:       message.Seq,
			},
		}),
	})
}

func (h *handler) handleTypingFrame(connID string, peer *wsPeer, frame wsFrame) {
	var payload roomPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, apperrors.New(apperrors.CodeInvalidPayload, "invalid typing payload"))
		return
	}

	if err := h.dispatcher.NotifyTyping(connID, payload.RoomKey); err != nil {
		_ = writeWSError(peer, frame.RequestID, err)
	}
}

func writeWSError(peer *wsPeer, requestID string, err error) error {
	code := apperrors.CodeOf(err)
	return peer.writeFrame(wsFrame{
		Type:      "chat.error",
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      string(code),
				Message:   publicErrorMessage(err, code),
				Retryable: code == apperrors.CodeStorageUnavailable,
			},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("messaging: marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
