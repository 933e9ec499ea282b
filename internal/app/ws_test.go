package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/net/websocket"

	"github.com/meetgrid/messaging/internal/auth"
	"github.com/meetgrid/messaging/internal/chatsession"
	"github.com/meetgrid/messaging/internal/realtime"
	"github.com/meetgrid/messaging/internal/storage/sqlite"
	"github.com/meetgrid/messaging/internal/telemetry"
)

const testTokenSecret = "test-messaging-secret"

type wsTestFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsTestAckPayload struct {
	Result struct {
		Status      string `json:"status"`
		PrincipalID string `json:"principal_id"`
		MessageID   string `json:"message_id"`
		Seq         int64  `json:"seq"`
	} `json:"result"`
}

type wsTestMessagePayload struct {
	Message struct {
		ID       string `json:"id"`
		RoomKey  string `json:"room_key"`
		SenderID string `json:"sender_id"`
		Body     string `json:"body"`
		Seq      int64  `json:"seq"`
	} `json:"message"`
}

type testEnv struct {
	srv      *httptest.Server
	store    *sqlite.Store
	resolver *chatsession.Resolver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "messaging.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	verifier, err := auth.NewVerifier(testTokenSecret)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	resolver := chatsession.NewResolver(store)
	dispatcher := realtime.NewDispatcher(realtime.NewRegistry(), realtime.NewMembership(), store, resolver, telemetry.NewEmitter(store))

	srv := httptest.NewServer(newHandler(dispatcher, resolver, store, verifier))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: store, resolver: resolver}
}

func signTestToken(t *testing.T, principalID string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   principalID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testTokenSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func dialWS(t *testing.T, env *testEnv, principalID string) *websocket.Conn {
	t.Helper()
	cookie := ""
	if principalID != "" {
		cookie = auth.TokenCookieName + "=" + signTestToken(t, principalID)
	}
	conn, err := dialWSWithServerURL(env.srv.URL, cookie)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		pendingFramesMu.Lock()
		delete(pendingFrames, conn)
		pendingFramesMu.Unlock()
	})
	return conn
}

func dialWSWithServerURL(httpURL string, cookie string) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
	if strings.TrimSpace(cookie) == "" {
		return websocket.Dial(wsURL, "", httpURL)
	}
	cfg, err := websocket.NewConfig(wsURL, httpURL)
	if err != nil {
		return nil, err
	}
	cfg.Header = make(http.Header)
	cfg.Header.Set("Cookie", cookie)
	return websocket.DialConfig(cfg)
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := json.NewEncoder(conn).Encode(frame); err != nil {
		t.Fatalf("encode frame: %v", err)
	}
}

// pendingFrames holds frames awaitFrame read past while waiting for a later
// type; readFrame surfaces them before touching the socket so no frame is
// lost between helpers.
var (
	pendingFramesMu sync.Mutex
	pendingFrames   = make(map[*websocket.Conn][]wsTestFrame)
)

func readFrame(t *testing.T, conn *websocket.Conn) wsTestFrame {
	t.Helper()
	pendingFramesMu.Lock()
	if queued := pendingFrames[conn]; len(queued) > 0 {
		frame := queued[0]
		pendingFrames[conn] = queued[1:]
		pendingFramesMu.Unlock()
		return frame
	}
	pendingFramesMu.Unlock()
	return readSocketFrame(t, conn)
}

func readSocketFrame(t *testing.T, conn *websocket.Conn) wsTestFrame {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var got wsTestFrame
	if err := json.NewDecoder(conn).Decode(&got); err != nil {
		t.Fatalf("decode server frame: %v", err)
	}
	return got
}

// awaitFrame reads until a frame of the wanted type arrives. Ack and fan-out
// frames are written by different goroutines, so their relative order is not
// guaranteed; frames read past are kept for later readFrame calls.
func awaitFrame(t *testing.T, conn *websocket.Conn, wantType string) wsTestFrame {
	t.Helper()
	pendingFramesMu.Lock()
	for i, frame := range pendingFrames[conn] {
		if frame.Type == wantType {
			pendingFrames[conn] = append(pendingFrames[conn][:i], pendingFrames[conn][i+1:]...)
			pendingFramesMu.Unlock()
			return frame
		}
	}
	pendingFramesMu.Unlock()
	for i := 0; i < 5; i++ {
		frame := readSocketFrame(t, conn)
		if frame.Type == wantType {
			return frame
		}
		pendingFramesMu.Lock()
		pendingFrames[conn] = append(pendingFrames[conn], frame)
		pendingFramesMu.Unlock()
	}
	t.Fatalf("no %q frame within 5 reads", wantType)
	return wsTestFrame{}
}

func decodeAckPayload(t *testing.T, payload json.RawMessage) wsTestAckPayload {
	t.Helper()
	var ack wsTestAckPayload
	if err := json.Unmarshal(payload, &ack); err != nil {
		t.Fatalf("decode ack payload: %v", err)
	}
	return ack
}

func decodeMessagePayload(t *testing.T, payload json.RawMessage) wsTestMessagePayload {
	t.Helper()
	var msg wsTestMessagePayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("decode message payload: %v", err)
	}
	return msg
}

func joinRoom(t *testing.T, conn *websocket.Conn, roomKey string) {
	t.Helper()
	writeFrame(t, conn, map[string]any{
		"type":       "chat.join",
		"request_id": "req-join-1",
		"payload":    map[string]any{"room_key": roomKey},
	})
	got := awaitFrame(t, conn, "chat.joined")
	if !strings.Contains(string(got.Payload), roomKey) {
		t.Fatalf("joined payload = %s, expected room key", string(got.Payload))
	}
}

func TestWebSocketJoinReturnsJoinedFrame(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env, "u1")

	joinRoom(t, conn, "event:e1")
}

func TestWebSocketRejectsInvalidHandshakeToken(t *testing.T) {
	env := newTestEnv(t)

	conn, err := dialWSWithServerURL(env.srv.URL, auth.TokenCookieName+"=not-a-token")
	if conn != nil {
		_ = conn.Close()
	}
	if err == nil {
		t.Fatal("expected websocket dial error")
	}
	if !strings.Contains(err.Error(), "bad status") {
		t.Fatalf("dial error = %v, expected bad status", err)
	}
}

func TestWebSocketJoinWithoutAuthReturnsError(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env, "")

	writeFrame(t, conn, map[string]any{
		"type":       "chat.join",
		"request_id": "req-join-1",
		"payload":    map[string]any{"room_key": "event:e1"},
	})

	got := readFrame(t, conn)
	if got.Type != "chat.error" {
		t.Fatalf("frame type = %q, want %q", got.Type, "chat.error")
	}
	if !strings.Contains(string(got.Payload), "NOT_AUTHENTICATED") {
		t.Fatalf("error payload = %s, expected NOT_AUTHENTICATED", string(got.Payload))
	}
}

func TestWebSocketAuthFrameAuthenticatesConnection(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env, "")

	writeFrame(t, conn, map[string]any{
		"type":       "chat.auth",
		"request_id": "req-auth-1",
		"payload":    map[string]any{"token": signTestToken(t, "u1")},
	})

	ack := awaitFrame(t, conn, "chat.ack")
	payload := decodeAckPayload(t, ack.Payload)
	if payload.Result.PrincipalID != "u1" {
		t.Fatalf("ack principal = %q, want u1", payload.Result.PrincipalID)
	}

	joinRoom(t, conn, "event:e1")
}

func TestWebSocketUnknownTypeReturnsChatError(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env, "u1")

	writeFrame(t, conn, map[string]any{
		"type":       "chat.unknown",
		"request_id": "req-bad-1",
		"payload":    map[string]any{},
	})

	got := readFrame(t, conn)
	if got.Type != "chat.error" {
		t.Fatalf("frame type = %q, want %q", got.Type, "chat.error")
	}
	if !strings.Contains(string(got.Payload), "INVALID_PAYLOAD") {
		t.Fatalf("error payload = %s, expected INVALID_PAYLOAD", string(got.Payload))
	}
}

func TestWebSocketSendBeforeJoinReturnsNotSubscribed(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env, "u1")

	writeFrame(t, conn, map[string]any{
		"type":       "chat.send",
		"request_id": "req-send-1",
		"payload":    map[string]any{"room_key": "event:e1", "body": "hello"},
	})

	got := readFrame(t, conn)
	if got.Type != "chat.error" {
		t.Fatalf("frame type = %q, want %q", got.Type, "chat.error")
	}
	if !strings.Contains(string(got.Payload), "NOT_SUBSCRIBED") {
		t.Fatalf("error payload = %s, expected NOT_SUBSCRIBED", string(got.Payload))
	}
}

func TestWebSocketSendBroadcastsWithinRoom(t *testing.T) {
	env := newTestEnv(t)
	connA := dialWS(t, env, "u1")
	connB := dialWS(t, env, "u2")

	joinRoom(t, connA, "event:e1")
	joinRoom(t, connB, "event:e1")

	writeFrame(t, connA, map[string]any{
		"type":       "chat.send",
		"request_id": "req-send-1",
		"payload":    map[string]any{"room_key": "event:e1", "body": "hello room"},
	})

	ack := decodeAckPayload(t, awaitFrame(t, connA, "chat.ack").Payload)
	if ack.Result.Seq != 1 || ack.Result.MessageID == "" {
		t.Fatalf("ack = %+v, want seq 1 with message id", ack.Result)
	}

	senderCopy := decodeMessagePayload(t, awaitFrame(t, connA, "chat.message").Payload)
	receiverCopy := decodeMessagePayload(t, awaitFrame(t, connB, "chat.message").Payload)
	for _, got := range []wsTestMessagePayload{senderCopy, receiverCopy} {
		if got.Message.Body != "hello room" || got.Message.SenderID != "u1" || got.Message.Seq != 1 {
			t.Fatalf("message = %+v, want hello room from u1 at seq 1", got.Message)
		}
	}
	if senderCopy.Message.ID != receiverCopy.Message.ID {
		t.Fatalf("message ids differ: %q vs %q", senderCopy.Message.ID, receiverCopy.Message.ID)
	}
}

func TestWebSocketLeaveStopsDelivery(t *testing.T) {
	env := newTestEnv(t)
	connA := dialWS(t, env, "u1")
	connB := dialWS(t, env, "u2")

	joinRoom(t, connA, "event:e1")
	joinRoom(t, connB, "event:e1")

	writeFrame(t, connB, map[string]any{
		"type":       "chat.leave",
		"request_id": "req-leave-1",
		"payload":    map[string]any{"room_key": "event:e1"},
	})
	awaitFrame(t, connB, "chat.left")

	writeFrame(t, connA, map[string]any{
		"type":       "chat.send",
		"request_id": "req-send-1",
		"payload":    map[string]any{"room_key": "event:e1", "body": "after leave"},
	})
	awaitFrame(t, connA, "chat.message")

	// connB rejoins; the next frame it receives must be the joined reply,
	// not a stale delivery of the message sent while unsubscribed.
	writeFrame(t, connB, map[string]any{
		"type":       "chat.join",
		"request_id": "req-join-2",
		"payload":    map[string]any{"room_key": "event:e1"},
	})
	got := readFrame(t, connB)
	if got.Type != "chat.joined" {
		t.Fatalf("frame type = %q, want chat.joined", got.Type)
	}
	if !strings.Contains(string(got.Payload), `"latest_seq":1`) {
		t.Fatalf("joined payload = %s, expected latest_seq 1", string(got.Payload))
	}
}

func TestWebSocketTypingReachesOtherMembersOnly(t *testing.T) {
	env := newTestEnv(t)
	connA := dialWS(t, env, "u1")
	connB := dialWS(t, env, "u2")

	joinRoom(t, connA, "event:e1")
	joinRoom(t, connB, "event:e1")

	writeFrame(t, connA, map[string]any{
		"type":    "chat.typing",
		"payload": map[string]any{"room_key": "event:e1"},
	})

	typing := awaitFrame(t, connB, "chat.typing")
	if !strings.Contains(string(typing.Payload), `"sender_id":"u1"`) {
		t.Fatalf("typing payload = %s, expected sender u1", string(typing.Payload))
	}

	// Socket writes are ordered, so if the typing indicator had been echoed
	// to the sender it would arrive before this message does.
	writeFrame(t, connB, map[string]any{
		"type":       "chat.send",
		"request_id": "req-send-1",
		"payload":    map[string]any{"room_key": "event:e1", "body": "checkpoint"},
	})
	got := readFrame(t, connA)
	if got.Type != "chat.message" {
		t.Fatalf("sender received %q frame, want chat.message checkpoint", got.Type)
	}
}

func TestWebSocketChatRoomRequiresParticipant(t *testing.T) {
	env := newTestEnv(t)

	session, err := env.resolver.GetOrCreate(t.Context(), "u1", "u2")
	if err != nil {
		t.Fatalf("resolve chat session: %v", err)
	}
	roomKey := realtime.ChatRoomKey(session.ID)

	outsider := dialWS(t, env, "u3")
	writeFrame(t, outsider, map[string]any{
		"type":       "chat.join",
		"request_id": "req-join-1",
		"payload":    map[string]any{"room_key": roomKey},
	})
	got := readFrame(t, outsider)
	if got.Type != "chat.error" {
		t.Fatalf("frame type = %q, want chat.error", got.Type)
	}
	if !strings.Contains(string(got.Payload), "NOT_SUBSCRIBED") {
		t.Fatalf("error payload = %s, expected NOT_SUBSCRIBED", string(got.Payload))
	}

	participant := dialWS(t, env, "u2")
	joinRoom(t, participant, roomKey)
}

func TestWebSocketDisconnectLeavesRoomIntact(t *testing.T) {
	env := newTestEnv(t)
	connA := dialWS(t, env, "u1")
	connB := dialWS(t, env, "u2")

	joinRoom(t, connA, "event:e1")
	joinRoom(t, connB, "event:e1")
	_ = connB.Close()

	// The disconnect races the send; the surviving member must receive the
	// message either way.
	time.Sleep(50 * time.Millisecond)
	writeFrame(t, connA, map[string]any{
		"type":       "chat.send",
		"request_id": "req-send-1",
		"payload":    map[string]any{"room_key": "event:e1", "body": "still delivered"},
	})

	got := decodeMessagePayload(t, awaitFrame(t, connA, "chat.message").Payload)
	if got.Message.Body != "still delivered" {
		t.Fatalf("message body = %q", got.Message.Body)
	}
}
