package mercadillo

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Polling cadence: the conversation list refreshes while the engine is
// usable, the active thread refreshes while the chat view is open.
const (
	ConversationPollInterval = 12 * time.Second
	MessagePollInterval      = 5 * time.Second
)

// tempMessageID generates the client-side id of an optimistic send. The
// server id supersedes it on confirmation.
func tempMessageID() string {
	return "temp-" + uuid.NewString()
}

// ============================================================================
// Engine
// ============================================================================

// Engine is the chat synchronization orchestrator. It exclusively owns the
// canonical conversation list and per-conversation message maps; everything
// else — the REST client, the transport, the notification controller —
// receives and returns snapshots. Updates from the optimistic write path,
// push events and poll responses all funnel through the reconciliation
// functions, so their interleaving needs no coordination.
type Engine struct {
	client     *Client
	transport  *Transport
	notifier   Notifier
	controller *notificationController
	log        zerolog.Logger

	listInterval    time.Duration
	messageInterval time.Duration
	providers       []TransportProvider
	providersSet    bool

	mu            sync.Mutex
	identity      Identity
	conversations []Conversation
	messages      map[string][]Message
	activeID      string
	open          bool
	cancelPolling context.CancelFunc
}

type EngineOption func(*Engine)

// WithNotifier sets the toast sink.
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

// WithLogger sets the engine logger. The default is a no-op logger.
func WithLogger(log zerolog.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// WithTransportProviders overrides the push channel strategies. Passing none
// selects poll-only mode.
func WithTransportProviders(providers ...TransportProvider) EngineOption {
	return func(e *Engine) {
		e.providers = providers
		e.providersSet = true
	}
}

// WithPollIntervals overrides the polling cadence.
func WithPollIntervals(list, messages time.Duration) EngineOption {
	return func(e *Engine) {
		e.listInterval = list
		e.messageInterval = messages
	}
}

// NewEngine creates an engine around client. The credential is taken from
// the client; call SetCredential when it changes.
func NewEngine(client *Client, opts ...EngineOption) *Engine {
	e := &Engine{
		client:          client,
		log:             zerolog.Nop(),
		listInterval:    ConversationPollInterval,
		messageInterval: MessagePollInterval,
		messages:        make(map[string][]Message),
		identity:        client.Identity(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if !e.providersSet {
		e.providers = DefaultTransportProviders()
	}
	e.transport = NewTransport(client.BaseURL(), e.providers, e.log)
	e.transport.SetMessageSink(e.handleInboundMessage)
	e.controller = newNotificationController(e.notifier, sharedToastGate, func() {
		e.mu.Lock()
		e.open = true
		e.mu.Unlock()
	})
	return e
}

// OnInboundMessage registers a side-channel observer for accepted inbound
// push messages (the navigation badge contract).
func (e *Engine) OnInboundMessage(h func(InboundEvent)) {
	e.transport.OnInboundMessage(h)
}

// OnTypingIndicator registers a typing observer.
func (e *Engine) OnTypingIndicator(h func(TypingIndicatorPayload)) {
	e.transport.OnTypingIndicator(h)
}

// ============================================================================
// Lifecycle
// ============================================================================

// Enabled reports whether the engine's enabling condition holds: an
// authenticated, non-support user.
func (e *Engine) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabledLocked()
}

func (e *Engine) enabledLocked() bool {
	return e.identity.UserID != "" && !e.identity.IsSupport
}

// SetCredential replaces the stored credential and re-evaluates the enabling
// condition, tearing down timers and the transport when it no longer holds.
func (e *Engine) SetCredential(credential string) {
	e.client.SetToken(credential)
	identity := ResolveIdentity(credential)

	e.mu.Lock()
	e.identity = identity
	enabled := e.enabledLocked()
	running := e.cancelPolling != nil
	e.mu.Unlock()

	if !enabled {
		e.transport.Disconnect()
		return
	}
	if running {
		// The live channel is authenticated as the previous user; its echo
		// filter would also compare against the stale id. Tear it down and
		// open a fresh one with the new credential.
		e.transport.Disconnect()
		e.transport.Connect(context.Background(), credential)
	}
}

// Start launches the polling loops and attempts the push connection. It is
// idempotent; the loops stop when ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.cancelPolling != nil {
		e.mu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	e.cancelPolling = cancel
	enabled := e.enabledLocked()
	e.mu.Unlock()

	if enabled {
		e.transport.Connect(ctx, e.client.Token())
		if err := e.RefreshConversations(ctx); err != nil {
			e.log.Debug().Err(err).Msg("initial conversation refresh failed")
		}
	}

	go e.conversationLoop(pollCtx)
	go e.messageLoop(pollCtx)
}

// Stop halts polling and tears down the transport. Conversation and message
// state is kept; a later Start resumes from it.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancelPolling
	e.cancelPolling = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.transport.Disconnect()
}

func (e *Engine) conversationLoop(ctx context.Context) {
	ticker := time.NewTicker(e.listInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.Enabled() {
				continue
			}
			_ = e.RefreshConversations(ctx)
		}
	}
}

func (e *Engine) messageLoop(ctx context.Context) {
	ticker := time.NewTicker(e.messageInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			active := e.activeID
			open := e.open
			enabled := e.enabledLocked()
			e.mu.Unlock()
			if !enabled || !open || active == "" {
				continue
			}
			_ = e.RefreshMessages(ctx, active)
		}
	}
}

// ============================================================================
// Reconciliation passes
// ============================================================================

// RefreshConversations performs one poll pass over the conversation list.
// Backend failures keep the previous canonical state: stale-but-consistent
// beats empty-but-wrong.
func (e *Engine) RefreshConversations(ctx context.Context) error {
	remote, err := e.client.ListConversations(ctx)
	if err != nil {
		if err == ErrNotAuthenticated {
			return nil
		}
		e.log.Warn().Err(err).Msg("conversation refresh failed, keeping previous state")
		return err
	}

	e.mu.Lock()
	previous := make(map[string]Conversation, len(e.conversations))
	for _, conv := range e.conversations {
		previous[conv.ID] = conv
	}

	merged := make([]Conversation, 0, len(remote)+len(e.conversations))
	seen := make(map[string]bool, len(remote))
	for _, conv := range remote {
		if prev, ok := previous[conv.ID]; ok {
			conv = MergeConversationData(conv, prev)
		}
		seen[conv.ID] = true
		merged = append(merged, conv)
	}
	// Conversations the server does not list yet (e.g. just created
	// optimistically) survive the pass.
	for _, conv := range e.conversations {
		if !seen[conv.ID] {
			merged = append(merged, conv)
		}
	}
	merged = DedupeConversations(merged)
	sortConversationsByRecency(merged)
	e.conversations = merged
	snapshot := append([]Conversation{}, merged...)
	e.mu.Unlock()

	e.controller.tick(snapshot)
	return nil
}

// RefreshMessages performs one poll pass over a thread. Records merge in by
// id, so re-applying an already known message is a no-op.
func (e *Engine) RefreshMessages(ctx context.Context, conversationID string) error {
	remote, err := e.client.GetMessages(ctx, conversationID)
	if err != nil {
		if err == ErrNotAuthenticated {
			return nil
		}
		e.log.Warn().Err(err).Str("conversation", conversationID).
			Msg("message refresh failed, keeping previous state")
		return err
	}

	e.mu.Lock()
	list := e.messages[conversationID]
	for _, msg := range remote {
		list = AppendMessageSafe(list, msg)
	}
	e.messages[conversationID] = list
	e.mu.Unlock()
	return nil
}

// handleInboundMessage is the transport sink for normalized push messages.
func (e *Engine) handleInboundMessage(msg Message) {
	e.mu.Lock()
	list := e.messages[msg.ConversationID]
	next := AppendMessageSafe(list, msg)
	accepted := len(next) != len(list)
	e.messages[msg.ConversationID] = next

	if accepted {
		found := false
		for i := range e.conversations {
			if e.conversations[i].ID != msg.ConversationID {
				continue
			}
			found = true
			e.conversations[i].LastMessage = msg.Content
			if msg.CreatedAt > e.conversations[i].Timestamp {
				e.conversations[i].Timestamp = msg.CreatedAt
			}
			if !(e.open && e.activeID == msg.ConversationID) {
				e.conversations[i].UnreadCount++
			}
			break
		}
		if !found {
			// First inbound event for an unknown thread creates it; the next
			// list poll fills in names and participants.
			conv := Conversation{
				ID:             msg.ConversationID,
				ParticipantIDs: mergeParticipants(nil, []string{msg.SenderID, e.identity.UserID}),
				LastMessage:    msg.Content,
				Timestamp:      msg.CreatedAt,
				UnreadCount:    1,
			}
			e.conversations = append(e.conversations, conv)
		}
		sortConversationsByRecency(e.conversations)
	}
	snapshot := append([]Conversation{}, e.conversations...)
	e.mu.Unlock()

	if accepted {
		e.controller.tick(snapshot)
	}
}

// ============================================================================
// Operations
// ============================================================================

// OpenChatInput targets a conversation by explicit id or by participant
// pair. InitialMessage, when set, is sent right after activation.
type OpenChatInput struct {
	ConversationID string
	SellerID       string
	CustomerID     string
	Product        string
	InitialMessage string
}

// OpenChat resolves or creates the target conversation, activates it, and
// optionally sends an initial message. Without a credential it surfaces a
// sign-in notice and leaves state untouched.
func (e *Engine) OpenChat(ctx context.Context, input OpenChatInput) error {
	e.mu.Lock()
	signedIn := e.identity.UserID != ""
	e.mu.Unlock()
	if !signedIn {
		e.notify("Inicia sesión para chatear")
		return ErrNotAuthenticated
	}

	conversationID, err := e.resolveConversation(ctx, input)
	if err != nil {
		return err
	}

	e.SelectConversation(ctx, conversationID)
	e.mu.Lock()
	e.open = true
	e.mu.Unlock()

	if strings.TrimSpace(input.InitialMessage) != "" {
		if _, err := e.SendMessage(ctx, input.InitialMessage); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) resolveConversation(ctx context.Context, input OpenChatInput) (string, error) {
	e.mu.Lock()
	if input.ConversationID != "" {
		for _, conv := range e.conversations {
			if conv.ID == input.ConversationID {
				e.mu.Unlock()
				return conv.ID, nil
			}
		}
		e.mu.Unlock()
		// Not known locally; one refresh may surface it.
		if err := e.RefreshConversations(ctx); err != nil {
			return "", err
		}
		e.mu.Lock()
		for _, conv := range e.conversations {
			if conv.ID == input.ConversationID {
				e.mu.Unlock()
				return conv.ID, nil
			}
		}
		e.mu.Unlock()
		return "", &APIError{Code: "NOT_FOUND", Message: "conversation not found"}
	}

	// Participant pair: reuse an existing thread between the same two
	// parties when one exists.
	for _, conv := range e.conversations {
		if containsID(conv.ParticipantIDs, input.SellerID) && containsID(conv.ParticipantIDs, input.CustomerID) {
			e.mu.Unlock()
			return conv.ID, nil
		}
	}
	e.mu.Unlock()

	created, err := e.client.CreateConversation(ctx, CreateConversationInput{
		ParticipantIDs: []string{input.CustomerID, input.SellerID},
		Product:        input.Product,
	})
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	e.conversations = DedupeConversations(append(e.conversations, *created))
	sortConversationsByRecency(e.conversations)
	e.mu.Unlock()
	return created.ID, nil
}

func containsID(ids []string, id string) bool {
	if id == "" {
		return false
	}
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

// CloseChat clears the transient open flag. Conversation and message state
// is kept so re-opening is instant.
func (e *Engine) CloseChat() {
	e.mu.Lock()
	e.open = false
	e.mu.Unlock()
}

// SelectConversation activates a thread, clears its unread count
// immediately, and requests the transport join its room.
func (e *Engine) SelectConversation(ctx context.Context, conversationID string) {
	e.mu.Lock()
	e.activeID = conversationID
	for i := range e.conversations {
		if e.conversations[i].ID == conversationID {
			e.conversations[i].UnreadCount = 0
			break
		}
	}
	snapshot := append([]Conversation{}, e.conversations...)
	e.mu.Unlock()

	e.transport.Join(ctx, conversationID)
	// Reading a thread lowers the total; the controller can never take this
	// for a new message.
	e.controller.tick(snapshot)
}

// SendMessage sends content to the active conversation. The message is
// inserted optimistically and replaced by the confirmed record on success;
// on failure it is removed entirely, so no half-sent state survives.
func (e *Engine) SendMessage(ctx context.Context, content string) (*Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, nil
	}

	e.mu.Lock()
	active := e.activeID
	if active == "" {
		e.mu.Unlock()
		e.notify("Selecciona una conversación primero")
		return nil, nil
	}

	temp := Message{
		ID:             tempMessageID(),
		ConversationID: active,
		SenderID:       e.identity.UserID,
		Content:        content,
		CreatedAt:      time.Now().UnixMilli(),
		From:           FromCustomer,
	}
	e.messages[active] = AppendMessageSafe(e.messages[active], temp)
	e.touchConversationLocked(active, content, temp.CreatedAt)
	e.mu.Unlock()

	confirmed, err := e.client.SendMessage(ctx, SendMessageInput{ConversationID: active, Content: content})
	if err != nil {
		e.mu.Lock()
		e.messages[active] = RemoveMessage(e.messages[active], temp.ID)
		e.restorePreviewLocked(active)
		e.mu.Unlock()
		e.log.Error().Err(err).Str("conversation", active).Msg("send failed, optimistic message rolled back")
		return nil, err
	}

	e.mu.Lock()
	e.messages[active] = ReplaceOptimisticMessage(e.messages[active], temp.ID, *confirmed)
	e.touchConversationLocked(active, confirmed.Content, confirmed.CreatedAt)
	e.mu.Unlock()
	return confirmed, nil
}

func (e *Engine) touchConversationLocked(conversationID, preview string, timestamp int64) {
	for i := range e.conversations {
		if e.conversations[i].ID != conversationID {
			continue
		}
		e.conversations[i].LastMessage = preview
		if timestamp > e.conversations[i].Timestamp {
			e.conversations[i].Timestamp = timestamp
		}
		break
	}
	sortConversationsByRecency(e.conversations)
}

func (e *Engine) restorePreviewLocked(conversationID string) {
	list := e.messages[conversationID]
	preview := ""
	var timestamp int64
	if len(list) > 0 {
		preview = list[len(list)-1].Content
		timestamp = list[len(list)-1].CreatedAt
	}
	for i := range e.conversations {
		if e.conversations[i].ID != conversationID {
			continue
		}
		e.conversations[i].LastMessage = preview
		if timestamp > 0 {
			e.conversations[i].Timestamp = timestamp
		}
		break
	}
	sortConversationsByRecency(e.conversations)
}

// DeleteConversation removes a thread optimistically and rolls back to the
// exact prior snapshot when the backend rejects the delete.
func (e *Engine) DeleteConversation(ctx context.Context, conversationID string) error {
	e.mu.Lock()
	prevConversations := append([]Conversation{}, e.conversations...)
	prevMessages := make(map[string][]Message, len(e.messages))
	for id, list := range e.messages {
		prevMessages[id] = list
	}
	prevActive := e.activeID

	remaining := make([]Conversation, 0, len(e.conversations))
	for _, conv := range e.conversations {
		if conv.ID == conversationID {
			continue
		}
		remaining = append(remaining, conv)
	}
	e.conversations = remaining
	delete(e.messages, conversationID)
	if e.activeID == conversationID {
		e.activeID = ""
		if len(remaining) > 0 {
			e.activeID = remaining[0].ID
		}
	}
	e.mu.Unlock()

	if err := e.client.DeleteConversation(ctx, conversationID); err != nil {
		e.mu.Lock()
		e.conversations = prevConversations
		e.messages = prevMessages
		e.activeID = prevActive
		e.mu.Unlock()
		e.log.Error().Err(err).Str("conversation", conversationID).Msg("delete failed, state rolled back")
		e.notify("No se pudo eliminar la conversación")
		return err
	}
	return nil
}

func (e *Engine) notify(message string) {
	if e.notifier != nil {
		e.notifier.Notify(message, nil)
	}
}

// ============================================================================
// Snapshots
// ============================================================================

// Conversations returns a copy of the canonical conversation list, ordered
// by recency.
func (e *Engine) Conversations() []Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Conversation{}, e.conversations...)
}

// Messages returns a copy of a thread's ordered message list.
func (e *Engine) Messages(conversationID string) []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Message{}, e.messages[conversationID]...)
}

// ActiveConversationID returns the id of the selected thread, or "".
func (e *Engine) ActiveConversationID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeID
}

// IsOpen reports whether the chat view is open.
func (e *Engine) IsOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open
}

// UnreadTotal returns the total unread count across conversations.
func (e *Engine) UnreadTotal() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return unreadTotal(e.conversations)
}

// Identity returns the engine's view of the current user.
func (e *Engine) Identity() Identity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identity
}
