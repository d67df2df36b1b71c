package mercadillo

import "errors"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a backend error response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ErrNotAuthenticated is returned by every operation that needs a credential
// when none is available. Callers treat it as "skip silently", never as a
// user-visible failure.
var ErrNotAuthenticated = errors.New("not authenticated")

// ============================================================================
// Chat Entities
// ============================================================================

// Message author tags, derived locally by comparing senderId against the
// current user. The server's own "mine/theirs" framing is never trusted:
// admin and direct views flip perspective.
const (
	FromCustomer = "customer"
	FromSeller   = "seller"
)

// Conversation is a chat thread between a customer and a seller (or support).
type Conversation struct {
	ID             string   `json:"id"`
	ParticipantIDs []string `json:"participantIds"`
	CustomerName   string   `json:"customerName"`
	SellerName     string   `json:"sellerName"`
	Product        string   `json:"product"`
	LastMessage    string   `json:"lastMessage"`
	Timestamp      int64    `json:"timestamp"`
	UnreadCount    int      `json:"unreadCount"`
}

// Message is a single authored entry within a Conversation.
//
// ID is client-generated during an optimistic send (see tempMessageID) and
// superseded by the server id on confirmation. CreatedAt is epoch
// milliseconds.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
	CreatedAt      int64  `json:"createdAt"`
	From           string `json:"from"`
}

// InboundEvent is the side-channel broadcast emitted whenever the transport
// accepts an inbound message. Sibling UI (the navigation badge) observes it
// independently of the notification controller.
type InboundEvent struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	CreatedAt      int64  `json:"createdAt"`
}

// messageFrom derives the author tag for a message.
func messageFrom(senderID, currentUserID string) string {
	if currentUserID != "" && senderID == currentUserID {
		return FromCustomer
	}
	return FromSeller
}
