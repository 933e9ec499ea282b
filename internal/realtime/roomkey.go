package realtime

import "strings"

const (
	eventRoomPrefix = "event:"
	chatRoomPrefix  = "chat:"
)

// EventRoomKey derives the room key for an event group chat.
func EventRoomKey(eventID string) string {
	return eventRoomPrefix + strings.TrimSpace(eventID)
}

// ChatRoomKey derives the room key for a private chat session.
func ChatRoomKey(sessionID string) string {
	return chatRoomPrefix + strings.TrimSpace(sessionID)
}

// ChatSessionID returns the private session identifier for a chat room key,
// or false when the key does not name a private chat room.
func ChatSessionID(roomKey string) (string, bool) {
	if !strings.HasPrefix(roomKey, chatRoomPrefix) {
		return "", false
	}
	sessionID := strings.TrimPrefix(roomKey, chatRoomPrefix)
	if sessionID == "" {
		return "", false
	}
	return sessionID, true
}

// ValidRoomKey reports whether roomKey names an event or private chat room.
func ValidRoomKey(roomKey string) bool {
	if strings.HasPrefix(roomKey, eventRoomPrefix) {
		return len(roomKey) > len(eventRoomPrefix)
	}
	if strings.HasPrefix(roomKey, chatRoomPrefix) {
		return len(roomKey) > len(chatRoomPrefix)
	}
	return false
}
