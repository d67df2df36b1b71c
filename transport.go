package mercadillo

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Providers
// ============================================================================

// TransportProvider is one strategy for obtaining a push channel. Providers
// are tried in order at connect time; the engine runs correctly with none of
// them resolving, degraded to polling latency.
type TransportProvider interface {
	Name() string
	Open(baseURL string, config *RealtimeConfig) realtimeChannel
}

type wsProvider struct{}

func (wsProvider) Name() string { return "websocket" }

func (wsProvider) Open(baseURL string, config *RealtimeConfig) realtimeChannel {
	return NewRealtimeWSClient(baseURL, config)
}

type sseProvider struct{}

func (sseProvider) Name() string { return "sse" }

func (sseProvider) Open(baseURL string, config *RealtimeConfig) realtimeChannel {
	return NewRealtimeSSEClient(baseURL, config)
}

// DefaultTransportProviders is the standard strategy order: WebSocket first,
// SSE as the fallback.
func DefaultTransportProviders() []TransportProvider {
	return []TransportProvider{wsProvider{}, sseProvider{}}
}

// ============================================================================
// Transport
// ============================================================================

// Transport maintains at most one live push connection per engine lifetime.
// It authenticates the channel, keeps the set of joined rooms so a reconnect
// can re-join them, normalizes inbound events into canonical Messages, and
// discards self-authored echoes (the optimistic path already represents
// those locally; accepting the echo would duplicate or flicker).
type Transport struct {
	baseURL   string
	providers []TransportProvider
	log       zerolog.Logger

	mu       sync.Mutex
	channel  realtimeChannel
	identity Identity
	rooms    map[string]bool

	onMessage func(Message)
	onInbound []func(InboundEvent)
	onTyping  []func(TypingIndicatorPayload)
}

// NewTransport creates a transport over the given provider chain. An empty
// chain is valid and selects poll-only mode.
func NewTransport(baseURL string, providers []TransportProvider, log zerolog.Logger) *Transport {
	return &Transport{
		baseURL:   baseURL,
		providers: providers,
		log:       log,
		rooms:     make(map[string]bool),
	}
}

// SetMessageSink registers the engine callback that receives normalized
// inbound messages.
func (t *Transport) SetMessageSink(sink func(Message)) {
	t.mu.Lock()
	t.onMessage = sink
	t.mu.Unlock()
}

// OnInboundMessage registers a side-channel observer, e.g. the navigation
// badge. Observers run for every accepted inbound message, independently of
// the notification controller.
func (t *Transport) OnInboundMessage(h func(InboundEvent)) {
	t.mu.Lock()
	t.onInbound = append(t.onInbound, h)
	t.mu.Unlock()
}

// OnTypingIndicator registers a typing observer.
func (t *Transport) OnTypingIndicator(h func(TypingIndicatorPayload)) {
	t.mu.Lock()
	t.onTyping = append(t.onTyping, h)
	t.mu.Unlock()
}

// Connected reports whether a live channel exists.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channel != nil && t.channel.State() == StateConnected
}

// Connect is idempotent: a no-op when a channel already exists or no
// credential is available. Provider failures are logged and swallowed; the
// engine keeps functioning via polling.
func (t *Transport) Connect(ctx context.Context, credential string) {
	t.mu.Lock()
	if t.channel != nil {
		t.mu.Unlock()
		return
	}
	identity := ResolveIdentity(credential)
	if identity.UserID == "" {
		t.mu.Unlock()
		return
	}
	t.identity = identity
	providers := t.providers
	t.mu.Unlock()

	for _, provider := range providers {
		config := &RealtimeConfig{Token: credential, AutoReconnect: true}
		channel := provider.Open(t.baseURL, config)
		t.wire(channel)

		if err := channel.Connect(ctx); err != nil {
			t.log.Debug().Err(err).Str("provider", provider.Name()).
				Msg("push channel unavailable, trying next strategy")
			continue
		}

		t.mu.Lock()
		t.channel = channel
		t.mu.Unlock()
		t.log.Debug().Str("provider", provider.Name()).Msg("push channel established")
		return
	}

	t.log.Debug().Msg("no push channel available, continuing in poll-only mode")
}

func (t *Transport) wire(channel realtimeChannel) {
	channel.OnConnected(func() {
		// Reconnect-after-drop: re-join every room known to the engine.
		t.mu.Lock()
		rooms := make([]string, 0, len(t.rooms))
		for room := range t.rooms {
			rooms = append(rooms, room)
		}
		t.mu.Unlock()
		for _, room := range rooms {
			if err := channel.JoinConversation(context.Background(), room); err != nil {
				t.log.Debug().Err(err).Str("conversation", room).Msg("room re-join failed")
			}
		}
	})

	channel.OnDisconnected(func(code int, reason string) {
		t.log.Debug().Int("code", code).Str("reason", reason).Msg("push channel dropped")
	})

	channel.OnMessageNew(func(raw map[string]any) {
		t.handleInbound(raw)
	})

	channel.OnTypingIndicator(func(p TypingIndicatorPayload) {
		t.mu.Lock()
		handlers := append([]func(TypingIndicatorPayload){}, t.onTyping...)
		t.mu.Unlock()
		for _, h := range handlers {
			h(p)
		}
	})
}

func (t *Transport) handleInbound(raw map[string]any) {
	t.mu.Lock()
	identity := t.identity
	sink := t.onMessage
	observers := append([]func(InboundEvent){}, t.onInbound...)
	t.mu.Unlock()

	msg := normalizeMessage(raw, identity.UserID)
	if msg.ID == "" || msg.ConversationID == "" {
		t.log.Debug().Msg("discarding malformed inbound message event")
		return
	}
	if msg.SenderID == identity.UserID {
		// Self-authored echo; the optimistic path already covers it.
		return
	}

	for _, h := range observers {
		h(InboundEvent{
			ConversationID: msg.ConversationID,
			SenderID:       msg.SenderID,
			CreatedAt:      msg.CreatedAt,
		})
	}

	if sink != nil {
		sink(msg)
	}
}

// Join requests a conversation room. The room is remembered even when no
// channel is live, so a later connect or reconnect joins it.
func (t *Transport) Join(ctx context.Context, conversationID string) {
	if conversationID == "" {
		return
	}
	t.mu.Lock()
	t.rooms[conversationID] = true
	channel := t.channel
	t.mu.Unlock()

	if channel == nil {
		return
	}
	if err := channel.JoinConversation(ctx, conversationID); err != nil {
		t.log.Debug().Err(err).Str("conversation", conversationID).Msg("room join failed")
	}
}

// Disconnect tears the channel down. Safe to call multiple times.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	channel := t.channel
	t.channel = nil
	t.mu.Unlock()

	if channel != nil {
		if err := channel.Disconnect(); err != nil {
			t.log.Debug().Err(err).Msg("push channel close failed")
		}
	}
}
