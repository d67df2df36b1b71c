package mercadillo

import (
	"encoding/json"
	"time"
)

// The backend's response shapes are not stable across deployments:
// conversation and message fields show up nested under varying keys depending
// on the server version. Normalization maps every shape we have seen into the
// canonical entities, with an explicit priority order of candidate fields per
// logical attribute. Missing or wrong-typed fields default to safe empties so
// one malformed record cannot abort an entire list merge.

// ── Generic field helpers ─────────────────────────────────

func rawString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func rawInt(m map[string]any, keys ...string) int {
	for _, key := range keys {
		switch v := m[key].(type) {
		case float64:
			return int(v)
		case int:
			return v
		}
	}
	return 0
}

func rawMap(m map[string]any, keys ...string) map[string]any {
	for _, key := range keys {
		if v, ok := m[key].(map[string]any); ok {
			return v
		}
	}
	return nil
}

// epochMillis converts any timestamp representation the backend has shipped —
// RFC3339 strings, epoch seconds, epoch milliseconds — to epoch milliseconds.
func epochMillis(v any) int64 {
	switch t := v.(type) {
	case float64:
		return numericMillis(int64(t))
	case int64:
		return numericMillis(t)
	case string:
		if t == "" {
			return 0
		}
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed.UnixMilli()
		}
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed.UnixMilli()
		}
	}
	return 0
}

// numericMillis disambiguates epoch seconds from epoch milliseconds. Anything
// below 1e12 is before Sep 2001 as millis, so it is read as seconds.
func numericMillis(n int64) int64 {
	if n <= 0 {
		return 0
	}
	if n < 1_000_000_000_000 {
		return n * 1000
	}
	return n
}

func rawTimestamp(m map[string]any, keys ...string) int64 {
	for _, key := range keys {
		if ms := epochMillis(m[key]); ms != 0 {
			return ms
		}
	}
	return 0
}

// ── Participants ──────────────────────────────────────────

// participantIDs accepts both flat id slices and nested participant objects.
func participantIDs(m map[string]any) []string {
	var raw []any
	for _, key := range []string{"participantIds", "participants", "members", "users"} {
		if v, ok := m[key].([]any); ok {
			raw = v
			break
		}
	}

	ids := make([]string, 0, len(raw))
	for _, entry := range raw {
		switch p := entry.(type) {
		case string:
			if p != "" {
				ids = append(ids, p)
			}
		case map[string]any:
			if id := rawString(p, "id", "_id", "userId", "user_id"); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return mergeParticipants(nil, ids)
}

func participantName(m map[string]any, flatKeys []string, nestedKeys []string) string {
	if name := rawString(m, flatKeys...); name != "" {
		return name
	}
	for _, key := range nestedKeys {
		if nested := rawMap(m, key); nested != nil {
			if name := rawString(nested, "name", "displayName", "username", "fullName"); name != "" {
				return name
			}
		}
	}
	return ""
}

// ── Conversations ─────────────────────────────────────────

func normalizeConversation(m map[string]any) Conversation {
	if m == nil {
		return Conversation{}
	}

	lastMessage := rawString(m, "lastMessage", "lastMessageText", "preview")
	if lastMessage == "" {
		if nested := rawMap(m, "lastMessage"); nested != nil {
			lastMessage = rawString(nested, "content", "text", "body")
		}
	}

	product := rawString(m, "product", "productName", "productTitle")
	if product == "" {
		if nested := rawMap(m, "product"); nested != nil {
			product = rawString(nested, "title", "name")
		}
	}

	return Conversation{
		ID:             rawString(m, "id", "_id", "conversationId"),
		ParticipantIDs: participantIDs(m),
		CustomerName: participantName(m,
			[]string{"customerName", "buyerName"},
			[]string{"customer", "buyer", "user"}),
		SellerName: participantName(m,
			[]string{"sellerName", "vendorName"},
			[]string{"seller", "vendor"}),
		Product:     product,
		LastMessage: lastMessage,
		Timestamp:   rawTimestamp(m, "timestamp", "lastMessageAt", "updatedAt", "lastActivity"),
		UnreadCount: maxInt(0, rawInt(m, "unreadCount", "unread", "unreadMessages")),
	}
}

// normalizeConversationList accepts the list layouts the backend has used:
// a bare array, or an array nested under "conversations", "data" or "items".
func normalizeConversationList(data json.RawMessage) []Conversation {
	records := recordList(data, "conversations", "chats", "data", "items")
	result := make([]Conversation, 0, len(records))
	for _, record := range records {
		conv := normalizeConversation(record)
		if conv.ID == "" {
			continue
		}
		result = append(result, conv)
	}
	return DedupeConversations(result)
}

// ── Messages ──────────────────────────────────────────────

func normalizeMessage(m map[string]any, currentUserID string) Message {
	if m == nil {
		return Message{}
	}

	senderID := rawString(m, "senderId", "sender_id", "from", "userId")
	if senderID == "" {
		if nested := rawMap(m, "sender"); nested != nil {
			senderID = rawString(nested, "id", "_id", "userId")
		}
	}

	return Message{
		ID:             rawString(m, "id", "_id", "messageId"),
		ConversationID: rawString(m, "conversationId", "chatId", "conversation", "chat_id"),
		SenderID:       senderID,
		Content:        rawString(m, "content", "body", "text", "message"),
		CreatedAt:      rawTimestamp(m, "createdAt", "timestamp", "sentAt", "date"),
		From:           messageFrom(senderID, currentUserID),
	}
}

func normalizeMessageList(data json.RawMessage, conversationID, currentUserID string) []Message {
	records := recordList(data, "messages", "data", "items")
	result := make([]Message, 0, len(records))
	for _, record := range records {
		msg := normalizeMessage(record, currentUserID)
		if msg.ID == "" {
			continue
		}
		if msg.ConversationID == "" {
			msg.ConversationID = conversationID
		}
		result = append(result, msg)
	}
	sortMessages(result)
	return result
}

// ── Envelope unwrapping ───────────────────────────────────

// recordList extracts a slice of objects from a response body that is either
// a bare JSON array or an object with the array nested under one of keys.
func recordList(data json.RawMessage, keys ...string) []map[string]any {
	var bare []map[string]any
	if err := json.Unmarshal(data, &bare); err == nil {
		return bare
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil
	}
	for _, key := range keys {
		nested, ok := wrapper[key]
		if !ok {
			continue
		}
		if list := recordList(nested, keys...); list != nil {
			return list
		}
	}
	return nil
}

// recordObject extracts a single object from a response body that is either
// the bare object or has it nested under one of keys.
func recordObject(data json.RawMessage, keys ...string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	for _, key := range keys {
		if nested, ok := m[key].(map[string]any); ok {
			return nested
		}
	}
	return m
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
