package mercadillo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// ============================================================================
// Fake Backend
// ============================================================================

// fakeBackend is an in-memory chat backend serving the routes the client
// walks, in the nested envelope shapes the normalizer must unwrap.
type fakeBackend struct {
	mu            sync.Mutex
	conversations []map[string]any
	messages      map[string][]map[string]any
	failSend      bool
	failDelete    bool
	createCalls   int
	nextID        int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{messages: make(map[string][]map[string]any)}
}

func (b *fakeBackend) addConversation(conv map[string]any) {
	b.mu.Lock()
	b.conversations = append(b.conversations, conv)
	b.mu.Unlock()
}

func (b *fakeBackend) setConversations(list []map[string]any) {
	b.mu.Lock()
	b.conversations = list
	b.mu.Unlock()
}

func (b *fakeBackend) addMessage(conversationID string, m map[string]any) {
	b.mu.Lock()
	b.messages[conversationID] = append(b.messages[conversationID], m)
	b.mu.Unlock()
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := r.URL.Path
	switch {
	case path == "/api/chat/conversations" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"conversations": b.conversations})

	case path == "/api/chat/conversations" && r.Method == http.MethodPost:
		b.createCalls++
		var input CreateConversationInput
		json.NewDecoder(r.Body).Decode(&input)
		b.nextID++
		conv := map[string]any{
			"id":             fmt.Sprintf("conv-%d", b.nextID),
			"participantIds": input.ParticipantIDs,
			"product":        input.Product,
		}
		b.conversations = append(b.conversations, conv)
		writeJSON(w, http.StatusOK, map[string]any{"conversation": conv})

	case strings.HasSuffix(path, "/messages") && r.Method == http.MethodGet:
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/api/chat/conversations/"), "/messages")
		writeJSON(w, http.StatusOK, map[string]any{"messages": b.messages[id]})

	case strings.HasSuffix(path, "/messages") && r.Method == http.MethodPost:
		if b.failSend {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "boom"})
			return
		}
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/api/chat/conversations/"), "/messages")
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		b.nextID++
		m := map[string]any{
			"id":        fmt.Sprintf("srv-%d", b.nextID),
			"senderId":  "c1",
			"content":   body["content"],
			"createdAt": 1700000000000 + int64(b.nextID),
		}
		b.messages[id] = append(b.messages[id], m)
		writeJSON(w, http.StatusOK, map[string]any{"message": m})

	case r.Method == http.MethodDelete:
		if b.failDelete {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "boom"})
			return
		}
		if !strings.HasPrefix(path, "/api/chat/conversations/") {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "no route"})
			return
		}
		id := strings.TrimPrefix(path, "/api/chat/conversations/")
		remaining := b.conversations[:0]
		for _, conv := range b.conversations {
			if conv["id"] != id {
				remaining = append(remaining, conv)
			}
		}
		b.conversations = remaining
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "no route"})
	}
}

// contains reports whether a toast with the given text was recorded.
func (r *toastRecorder) contains(message string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, toast := range r.toasts {
		if toast == message {
			return true
		}
	}
	return false
}

// newTestEngine builds a poll-only engine against the fake backend.
func newTestEngine(t *testing.T, backend *fakeBackend, token string, notifier Notifier) *Engine {
	t.Helper()
	server := httptest.NewServer(backend)
	t.Cleanup(server.Close)
	client := NewClient(token, WithBaseURL(server.URL))
	opts := []EngineOption{WithTransportProviders()}
	if notifier != nil {
		opts = append(opts, WithNotifier(notifier))
	}
	return NewEngine(client, opts...)
}

// ============================================================================
// OpenChat
// ============================================================================

func TestEngineOpenChat(t *testing.T) {
	ctx := context.Background()

	t.Run("creates a thread and sends the initial message", func(t *testing.T) {
		backend := newFakeBackend()
		engine := newTestEngine(t, backend, customerToken(t, "c1"), nil)

		err := engine.OpenChat(ctx, OpenChatInput{
			SellerID:       "s1",
			CustomerID:     "c1",
			Product:        "Bicicleta",
			InitialMessage: "hola",
		})
		if err != nil {
			t.Fatalf("open chat: %v", err)
		}

		active := engine.ActiveConversationID()
		if active == "" {
			t.Fatal("no active conversation after open")
		}
		if !engine.IsOpen() {
			t.Fatal("chat view should be open")
		}

		conversations := engine.Conversations()
		if len(conversations) != 1 {
			t.Fatalf("expected 1 conversation, got %d", len(conversations))
		}
		if got := conversations[0].ParticipantIDs; len(got) != 2 || got[0] != "c1" || got[1] != "s1" {
			t.Fatalf("expected participants [c1 s1], got %v", got)
		}
		if conversations[0].LastMessage != "hola" {
			t.Fatalf("preview not updated, got %q", conversations[0].LastMessage)
		}

		messages := engine.Messages(active)
		if len(messages) != 1 {
			t.Fatalf("expected 1 message, got %d", len(messages))
		}
		if strings.HasPrefix(messages[0].ID, "temp-") {
			t.Fatalf("optimistic id not replaced by server id: %q", messages[0].ID)
		}
		if messages[0].Content != "hola" || messages[0].From != FromCustomer {
			t.Fatalf("unexpected message %+v", messages[0])
		}
	})

	t.Run("reuses an existing thread with the same participants", func(t *testing.T) {
		backend := newFakeBackend()
		backend.addConversation(map[string]any{
			"id":             "conv-7",
			"participantIds": []any{"c1", "s1"},
		})
		engine := newTestEngine(t, backend, customerToken(t, "c1"), nil)
		if err := engine.RefreshConversations(ctx); err != nil {
			t.Fatalf("refresh: %v", err)
		}

		if err := engine.OpenChat(ctx, OpenChatInput{SellerID: "s1", CustomerID: "c1"}); err != nil {
			t.Fatalf("open chat: %v", err)
		}
		if got := engine.ActiveConversationID(); got != "conv-7" {
			t.Fatalf("expected reuse of conv-7, got %q", got)
		}
		if backend.createCalls != 0 {
			t.Fatalf("backend create called %d times for an existing pair", backend.createCalls)
		}
	})

	t.Run("unknown id triggers one refresh before resolving", func(t *testing.T) {
		backend := newFakeBackend()
		backend.addConversation(map[string]any{"id": "conv-9"})
		engine := newTestEngine(t, backend, customerToken(t, "c1"), nil)

		if err := engine.OpenChat(ctx, OpenChatInput{ConversationID: "conv-9"}); err != nil {
			t.Fatalf("open chat: %v", err)
		}
		if got := engine.ActiveConversationID(); got != "conv-9" {
			t.Fatalf("expected conv-9, got %q", got)
		}
	})

	t.Run("id missing everywhere reports not found", func(t *testing.T) {
		backend := newFakeBackend()
		engine := newTestEngine(t, backend, customerToken(t, "c1"), nil)

		err := engine.OpenChat(ctx, OpenChatInput{ConversationID: "conv-nope"})
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Code != "NOT_FOUND" {
			t.Fatalf("expected NOT_FOUND, got %v", err)
		}
	})

	t.Run("signed out surfaces a sign-in notice", func(t *testing.T) {
		recorder := &toastRecorder{}
		engine := newTestEngine(t, newFakeBackend(), "", recorder)

		err := engine.OpenChat(ctx, OpenChatInput{SellerID: "s1", CustomerID: "c1"})
		if !errors.Is(err, ErrNotAuthenticated) {
			t.Fatalf("expected ErrNotAuthenticated, got %v", err)
		}
		if !recorder.contains("Inicia sesión para chatear") {
			t.Fatal("sign-in notice not shown")
		}
		if len(engine.Conversations()) != 0 || engine.ActiveConversationID() != "" {
			t.Fatal("state must stay untouched when signed out")
		}
	})
}

// ============================================================================
// SendMessage
// ============================================================================

func TestEngineSendMessage(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, notifier Notifier) (*Engine, *fakeBackend) {
		backend := newFakeBackend()
		backend.addConversation(map[string]any{
			"id":             "conv-1",
			"participantIds": []any{"c1", "s1"},
			"lastMessage":    "A",
			"timestamp":      float64(100),
		})
		backend.addMessage("conv-1", map[string]any{
			"id": "m1", "senderId": "s1", "content": "A", "createdAt": float64(100),
		})
		engine := newTestEngine(t, backend, customerToken(t, "c1"), notifier)
		if err := engine.RefreshConversations(ctx); err != nil {
			t.Fatalf("refresh conversations: %v", err)
		}
		engine.SelectConversation(ctx, "conv-1")
		if err := engine.RefreshMessages(ctx, "conv-1"); err != nil {
			t.Fatalf("refresh messages: %v", err)
		}
		return engine, backend
	}

	t.Run("confirmed record replaces the optimistic one", func(t *testing.T) {
		engine, _ := setup(t, nil)
		confirmed, err := engine.SendMessage(ctx, "hola")
		if err != nil {
			t.Fatalf("send: %v", err)
		}

		messages := engine.Messages("conv-1")
		if len(messages) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(messages))
		}
		last := messages[len(messages)-1]
		if last.ID != confirmed.ID || strings.HasPrefix(last.ID, "temp-") {
			t.Fatalf("optimistic record not replaced: %+v", last)
		}
		if engine.Conversations()[0].LastMessage != "hola" {
			t.Fatal("preview not updated after send")
		}
	})

	t.Run("failed send rolls the thread back", func(t *testing.T) {
		engine, backend := setup(t, nil)
		backend.failSend = true

		if _, err := engine.SendMessage(ctx, "B"); err == nil {
			t.Fatal("expected error")
		}

		messages := engine.Messages("conv-1")
		if len(messages) != 1 || messages[0].ID != "m1" {
			t.Fatalf("rollback incomplete: %v", messageIDs(messages))
		}
		if got := engine.Conversations()[0].LastMessage; got != "A" {
			t.Fatalf("preview not restored, got %q", got)
		}
	})

	t.Run("blank content is a silent no-op", func(t *testing.T) {
		engine, backend := setup(t, nil)
		backend.failSend = true // any request would error loudly

		msg, err := engine.SendMessage(ctx, "   \n ")
		if msg != nil || err != nil {
			t.Fatalf("expected nil/nil, got %v %v", msg, err)
		}
	})

	t.Run("no active thread surfaces a notice", func(t *testing.T) {
		recorder := &toastRecorder{}
		engine := newTestEngine(t, newFakeBackend(), customerToken(t, "c1"), recorder)

		msg, err := engine.SendMessage(ctx, "hola")
		if msg != nil || err != nil {
			t.Fatalf("expected nil/nil, got %v %v", msg, err)
		}
		if !recorder.contains("Selecciona una conversación primero") {
			t.Fatal("missing selection notice")
		}
	})
}

// ============================================================================
// DeleteConversation
// ============================================================================

func TestEngineDeleteConversation(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, notifier Notifier) (*Engine, *fakeBackend) {
		backend := newFakeBackend()
		backend.setConversations([]map[string]any{
			{"id": "x", "timestamp": float64(300)},
			{"id": "y", "timestamp": float64(200)},
		})
		engine := newTestEngine(t, backend, customerToken(t, "c1"), notifier)
		if err := engine.RefreshConversations(ctx); err != nil {
			t.Fatalf("refresh: %v", err)
		}
		engine.SelectConversation(ctx, "x")
		return engine, backend
	}

	t.Run("removes the thread and reselects", func(t *testing.T) {
		engine, _ := setup(t, nil)
		if err := engine.DeleteConversation(ctx, "x"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if ids := conversationIDs(engine.Conversations()); len(ids) != 1 || ids[0] != "y" {
			t.Fatalf("expected [y], got %v", ids)
		}
		if got := engine.ActiveConversationID(); got != "y" {
			t.Fatalf("expected reselect of y, got %q", got)
		}
	})

	t.Run("backend failure restores the prior snapshot", func(t *testing.T) {
		recorder := &toastRecorder{}
		engine, backend := setup(t, recorder)
		backend.failDelete = true

		if err := engine.DeleteConversation(ctx, "x"); err == nil {
			t.Fatal("expected error")
		}
		if ids := conversationIDs(engine.Conversations()); len(ids) != 2 || ids[0] != "x" {
			t.Fatalf("rollback incomplete: %v", ids)
		}
		if got := engine.ActiveConversationID(); got != "x" {
			t.Fatalf("active selection not restored, got %q", got)
		}
		if !recorder.contains("No se pudo eliminar la conversación") {
			t.Fatal("missing delete-failure notice")
		}
	})
}

// ============================================================================
// Refresh Reconciliation
// ============================================================================

func TestEngineRefreshConversations(t *testing.T) {
	ctx := context.Background()

	t.Run("resolved names survive placeholder responses", func(t *testing.T) {
		backend := newFakeBackend()
		backend.setConversations([]map[string]any{
			{"id": "conv-1", "customerName": "Ana", "sellerName": "Tienda Sol"},
		})
		engine := newTestEngine(t, backend, customerToken(t, "c1"), nil)
		if err := engine.RefreshConversations(ctx); err != nil {
			t.Fatalf("refresh: %v", err)
		}

		backend.setConversations([]map[string]any{
			{"id": "conv-1", "customerName": "Usuario", "sellerName": "Vendedor", "unreadCount": float64(1)},
		})
		if err := engine.RefreshConversations(ctx); err != nil {
			t.Fatalf("refresh: %v", err)
		}

		conv := engine.Conversations()[0]
		if conv.CustomerName != "Ana" || conv.SellerName != "Tienda Sol" {
			t.Fatalf("placeholder regressed names: %+v", conv)
		}
		if conv.UnreadCount != 1 {
			t.Fatalf("unread must follow remote, got %d", conv.UnreadCount)
		}
	})

	t.Run("threads the server does not list yet survive", func(t *testing.T) {
		backend := newFakeBackend()
		backend.setConversations([]map[string]any{{"id": "conv-1"}})
		engine := newTestEngine(t, backend, customerToken(t, "c1"), nil)

		// Inbound push for a thread the list endpoint has not caught up with.
		engine.handleInboundMessage(Message{
			ID: "m1", ConversationID: "conv-local", SenderID: "s9",
			Content: "hola", CreatedAt: 900, From: FromSeller,
		})
		if err := engine.RefreshConversations(ctx); err != nil {
			t.Fatalf("refresh: %v", err)
		}

		ids := conversationIDs(engine.Conversations())
		if len(ids) != 2 {
			t.Fatalf("locally known thread dropped by refresh: %v", ids)
		}
	})

	t.Run("backend failure keeps the previous state", func(t *testing.T) {
		backend := newFakeBackend()
		backend.setConversations([]map[string]any{{"id": "conv-1"}})
		engine := newTestEngine(t, backend, customerToken(t, "c1"), nil)
		if err := engine.RefreshConversations(ctx); err != nil {
			t.Fatalf("refresh: %v", err)
		}

		// Point the client at a dead server.
		engine.client.baseURL = "http://127.0.0.1:1"
		if err := engine.RefreshConversations(ctx); err == nil {
			t.Fatal("expected error from dead server")
		}
		if len(engine.Conversations()) != 1 {
			t.Fatal("failed refresh wiped the canonical list")
		}
	})
}

func TestEngineRefreshMessages(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.addConversation(map[string]any{"id": "conv-1"})
	backend.addMessage("conv-1", map[string]any{
		"id": "m1", "senderId": "s1", "content": "hola", "createdAt": float64(100),
	})
	engine := newTestEngine(t, backend, customerToken(t, "c1"), nil)

	if err := engine.RefreshMessages(ctx, "conv-1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := engine.RefreshMessages(ctx, "conv-1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := engine.Messages("conv-1"); len(got) != 1 {
		t.Fatalf("re-poll duplicated messages: %v", messageIDs(got))
	}
}

// ============================================================================
// Inbound Push
// ============================================================================

func TestEngineInboundMessage(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) *Engine {
		backend := newFakeBackend()
		backend.addConversation(map[string]any{"id": "conv-1", "timestamp": float64(100)})
		backend.addConversation(map[string]any{"id": "conv-2", "timestamp": float64(200)})
		engine := newTestEngine(t, backend, customerToken(t, "c1"), nil)
		if err := engine.RefreshConversations(ctx); err != nil {
			t.Fatalf("refresh: %v", err)
		}
		return engine
	}

	inbound := func(conversationID string, createdAt int64) Message {
		return Message{
			ID: fmt.Sprintf("push-%d", createdAt), ConversationID: conversationID,
			SenderID: "s1", Content: "nuevo", CreatedAt: createdAt, From: FromSeller,
		}
	}

	t.Run("increments unread and bumps recency", func(t *testing.T) {
		engine := setup(t)
		engine.handleInboundMessage(inbound("conv-1", 900))

		conversations := engine.Conversations()
		if conversations[0].ID != "conv-1" {
			t.Fatalf("touched thread should lead, got %v", conversationIDs(conversations))
		}
		if conversations[0].UnreadCount != 1 || conversations[0].LastMessage != "nuevo" {
			t.Fatalf("unexpected thread state %+v", conversations[0])
		}
	})

	t.Run("open active thread stays read", func(t *testing.T) {
		engine := setup(t)
		if err := engine.OpenChat(ctx, OpenChatInput{ConversationID: "conv-1"}); err != nil {
			t.Fatalf("open chat: %v", err)
		}
		engine.handleInboundMessage(inbound("conv-1", 900))

		for _, conv := range engine.Conversations() {
			if conv.ID == "conv-1" && conv.UnreadCount != 0 {
				t.Fatalf("active open thread gained unread: %+v", conv)
			}
		}
		if got := engine.Messages("conv-1"); len(got) != 1 {
			t.Fatalf("message not appended: %v", messageIDs(got))
		}
	})

	t.Run("duplicate push is a no-op", func(t *testing.T) {
		engine := setup(t)
		engine.handleInboundMessage(inbound("conv-1", 900))
		engine.handleInboundMessage(inbound("conv-1", 900))

		if got := engine.Messages("conv-1"); len(got) != 1 {
			t.Fatalf("duplicate appended: %v", messageIDs(got))
		}
		for _, conv := range engine.Conversations() {
			if conv.ID == "conv-1" && conv.UnreadCount != 1 {
				t.Fatalf("duplicate counted twice: %+v", conv)
			}
		}
	})

	t.Run("unknown thread gets a skeleton", func(t *testing.T) {
		engine := setup(t)
		engine.handleInboundMessage(inbound("conv-new", 900))

		for _, conv := range engine.Conversations() {
			if conv.ID == "conv-new" {
				if conv.UnreadCount != 1 || conv.LastMessage != "nuevo" {
					t.Fatalf("skeleton incomplete: %+v", conv)
				}
				return
			}
		}
		t.Fatal("skeleton conversation not created")
	})
}

// ============================================================================
// Selection / Enablement
// ============================================================================

func TestEngineSelectConversation(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.addConversation(map[string]any{"id": "conv-1", "unreadCount": float64(3)})
	engine := newTestEngine(t, backend, customerToken(t, "c1"), nil)
	if err := engine.RefreshConversations(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	engine.SelectConversation(ctx, "conv-1")
	if got := engine.UnreadTotal(); got != 0 {
		t.Fatalf("selection must clear unread, total %d", got)
	}
	if got := engine.ActiveConversationID(); got != "conv-1" {
		t.Fatalf("expected conv-1 active, got %q", got)
	}
}

func TestEngineEnabled(t *testing.T) {
	t.Run("customer is enabled", func(t *testing.T) {
		engine := newTestEngine(t, newFakeBackend(), customerToken(t, "c1"), nil)
		if !engine.Enabled() {
			t.Fatal("customer should be enabled")
		}
	})

	t.Run("support account is disabled", func(t *testing.T) {
		token := signTestToken(t, map[string]any{"sub": "a1", "role": "support"})
		engine := newTestEngine(t, newFakeBackend(), token, nil)
		if engine.Enabled() {
			t.Fatal("support must not run the engine")
		}
	})

	t.Run("credential change re-evaluates", func(t *testing.T) {
		engine := newTestEngine(t, newFakeBackend(), "", nil)
		if engine.Enabled() {
			t.Fatal("signed out should be disabled")
		}
		engine.SetCredential(customerToken(t, "c1"))
		if !engine.Enabled() {
			t.Fatal("sign-in should enable")
		}
		engine.SetCredential("")
		if engine.Enabled() {
			t.Fatal("sign-out should disable")
		}
	})

	t.Run("credential change reauthenticates the push channel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		backend := newFakeBackend()
		server := httptest.NewServer(backend)
		t.Cleanup(server.Close)

		factory := &channelFactory{}
		client := NewClient(customerToken(t, "c1"), WithBaseURL(server.URL))
		engine := NewEngine(client, WithTransportProviders(factory))

		engine.Start(ctx)
		defer engine.Stop()

		if got := len(factory.opened()); got != 1 {
			t.Fatalf("expected one channel after start, got %d", got)
		}
		first := factory.opened()[0]

		engine.SetCredential(customerToken(t, "c2"))

		channels := factory.opened()
		if len(channels) != 2 {
			t.Fatalf("expected a fresh channel for the new user, got %d", len(channels))
		}
		if first.State() != StateDisconnected {
			t.Fatal("previous user's channel left connected")
		}
		second := channels[1]
		if second.State() != StateConnected {
			t.Fatal("new user's channel not connected")
		}

		// The echo filter must track the new user: c2's own echo is dropped,
		// a message from the previous user is now inbound.
		second.push(map[string]any{"id": "m1", "conversationId": "conv-9", "senderId": "c2", "content": "hola"})
		if got := len(engine.Messages("conv-9")); got != 0 {
			t.Fatalf("own echo accepted, %d messages", got)
		}
		second.push(map[string]any{"id": "m2", "conversationId": "conv-9", "senderId": "c1", "content": "hola"})
		if got := len(engine.Messages("conv-9")); got != 1 {
			t.Fatalf("inbound message dropped, %d messages", got)
		}
	})
}
