package mercadillo

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Event Payload Types
// ============================================================================

// AuthenticatedPayload is sent when a realtime connection is authenticated.
type AuthenticatedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// TypingIndicatorPayload is sent when a participant starts or stops typing.
type TypingIndicatorPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

// RealtimeEnvelope is the wire format for all realtime events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command (WebSocket only).
type RealtimeCommand struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures realtime channels.
type RealtimeConfig struct {
	Token          string
	AutoReconnect  bool
	ReconnectDelay time.Duration
	HTTPClient     *http.Client
}

func (c *RealtimeConfig) defaults() {
	// Reconnection is continuous with a fixed delay and unbounded attempts;
	// the engine carries no retry loop of its own.
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 1 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// RealtimeEventHandler is the generic event callback type.
type RealtimeEventHandler func(eventType string, payload json.RawMessage)

type eventDispatcher struct {
	mu              sync.RWMutex
	generic         map[string][]RealtimeEventHandler
	onAuthenticated []func(AuthenticatedPayload)
	onMessageNew    []func(map[string]any)
	onTyping        []func(TypingIndicatorPayload)
	onError         []func(RealtimeErrorPayload)
	onConnected     []func()
	onDisconnected  []func(int, string)
	onReconnecting  []func(int, time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		generic: make(map[string][]RealtimeEventHandler),
	}
}

func (d *eventDispatcher) dispatch(env RealtimeEnvelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case "authenticated":
		var p AuthenticatedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onAuthenticated {
				go h(p)
			}
		}
	case "newMessage", "message.new":
		// The message payload shape varies with the backend version, so it
		// is handed over raw; normalization happens at the transport layer.
		var p map[string]any
		if json.Unmarshal(env.Payload, &p) == nil && p != nil {
			for _, h := range d.onMessageNew {
				go h(p)
			}
		}
	case "typing", "typing.indicator":
		var p TypingIndicatorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onTyping {
				go h(p)
			}
		}
	case "error":
		var p RealtimeErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onError {
				go h(p)
			}
		}
	}

	for _, h := range d.generic[env.Type] {
		handler := h // capture
		go handler(env.Type, env.Payload)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector tracks reconnection attempts. The policy is deliberately flat:
// a fixed delay, unbounded attempts.
type reconnector struct {
	delay   time.Duration
	attempt int
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{delay: config.ReconnectDelay}
}

func (r *reconnector) nextDelay() time.Duration {
	r.attempt++
	return r.delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// realtimeChannel
// ============================================================================

// realtimeChannel is the contract the transport layer programs against. Both
// the WebSocket and the SSE client satisfy it.
type realtimeChannel interface {
	Connect(ctx context.Context) error
	Disconnect() error
	JoinConversation(ctx context.Context, conversationID string) error
	OnMessageNew(h func(map[string]any))
	OnTypingIndicator(h func(TypingIndicatorPayload))
	OnConnected(h func())
	OnDisconnected(h func(code int, reason string))
	State() RealtimeState
}

// ============================================================================
// RealtimeWSClient
// ============================================================================

// RealtimeWSClient is a WebSocket realtime channel with auto-reconnect.
type RealtimeWSClient struct {
	baseURL          string
	config           *RealtimeConfig
	conn             *websocket.Conn
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
}

// NewRealtimeWSClient creates a WebSocket channel against baseURL.
func NewRealtimeWSClient(baseURL string, config *RealtimeConfig) *RealtimeWSClient {
	if config == nil {
		config = &RealtimeConfig{}
	}
	config.defaults()
	return &RealtimeWSClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		config:     config,
		state:      StateDisconnected,
		dispatcher: newEventDispatcher(),
		recon:      newReconnector(config),
	}
}

// OnAuthenticated registers a handler for the authenticated event.
func (ws *RealtimeWSClient) OnAuthenticated(h func(AuthenticatedPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onAuthenticated = append(ws.dispatcher.onAuthenticated, h)
	ws.dispatcher.mu.Unlock()
}

// OnMessageNew registers a handler for inbound messages. The payload is the
// raw event object; shapes vary by backend version.
func (ws *RealtimeWSClient) OnMessageNew(h func(map[string]any)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onMessageNew = append(ws.dispatcher.onMessageNew, h)
	ws.dispatcher.mu.Unlock()
}

// OnTypingIndicator registers a handler for typing indicators.
func (ws *RealtimeWSClient) OnTypingIndicator(h func(TypingIndicatorPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onTyping = append(ws.dispatcher.onTyping, h)
	ws.dispatcher.mu.Unlock()
}

// OnError registers a handler for server errors.
func (ws *RealtimeWSClient) OnError(h func(RealtimeErrorPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onError = append(ws.dispatcher.onError, h)
	ws.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (ws *RealtimeWSClient) OnConnected(h func()) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onConnected = append(ws.dispatcher.onConnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (ws *RealtimeWSClient) OnDisconnected(h func(code int, reason string)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onDisconnected = append(ws.dispatcher.onDisconnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (ws *RealtimeWSClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onReconnecting = append(ws.dispatcher.onReconnecting, h)
	ws.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (ws *RealtimeWSClient) On(eventType string, h RealtimeEventHandler) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.generic[eventType] = append(ws.dispatcher.generic[eventType], h)
	ws.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (ws *RealtimeWSClient) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect establishes the WebSocket connection and authenticates the channel.
func (ws *RealtimeWSClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	wsURL := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws/chat?token=" + ws.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: ws.config.HTTPClient,
	})
	if err != nil {
		ws.mu.Lock()
		ws.state = StateDisconnected
		ws.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	// First frame must be the authentication confirmation.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.mu.Lock()
		ws.state = StateDisconnected
		ws.mu.Unlock()
		return fmt.Errorf("read auth message: %w", err)
	}

	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.mu.Lock()
		ws.state = StateDisconnected
		ws.mu.Unlock()
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.mu.Unlock()
	ws.recon.reset()

	ws.dispatcher.dispatch(env)
	ws.dispatcher.emitConnected()

	connCtx, cancel := context.WithCancel(ctx)
	ws.mu.Lock()
	ws.cancelFn = cancel
	ws.mu.Unlock()

	go ws.readLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection. Safe to call repeatedly.
func (ws *RealtimeWSClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// JoinConversation joins a conversation room.
func (ws *RealtimeWSClient) JoinConversation(ctx context.Context, conversationID string) error {
	return ws.Send(ctx, &RealtimeCommand{
		Type:    "joinConversation",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// StartTyping sends a typing start indicator.
func (ws *RealtimeWSClient) StartTyping(ctx context.Context, conversationID string) error {
	return ws.Send(ctx, &RealtimeCommand{
		Type:    "typing.start",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// StopTyping sends a typing stop indicator.
func (ws *RealtimeWSClient) StopTyping(ctx context.Context, conversationID string) error {
	return ws.Send(ctx, &RealtimeCommand{
		Type:    "typing.stop",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// Send sends a raw command over the WebSocket.
func (ws *RealtimeWSClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (ws *RealtimeWSClient) readLoop(ctx context.Context) {
	for {
		ws.mu.Lock()
		conn := ws.conn
		ws.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.mu.Lock()
			ws.state = StateDisconnected
			ws.conn = nil
			ws.mu.Unlock()

			ws.dispatcher.emitDisconnected(0, err.Error())

			if ws.config.AutoReconnect {
				ws.scheduleReconnect(ctx)
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		ws.dispatcher.dispatch(env)
	}
}

// scheduleReconnect retries until the connection is back, ctx is cancelled,
// or Disconnect is called. A loop, not recursion: attempts are unbounded.
func (ws *RealtimeWSClient) scheduleReconnect(ctx context.Context) {
	for {
		ws.mu.Lock()
		if ws.intentionalClose {
			ws.mu.Unlock()
			return
		}
		ws.state = StateReconnecting
		ws.mu.Unlock()

		delay := ws.recon.nextDelay()
		ws.dispatcher.emitReconnecting(ws.recon.attempt, delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		ws.mu.Lock()
		if ws.intentionalClose {
			ws.mu.Unlock()
			return
		}
		ws.mu.Unlock()

		if err := ws.Connect(ctx); err == nil {
			return
		}
	}
}

// ============================================================================
// RealtimeSSEClient
// ============================================================================

// RealtimeSSEClient is an SSE realtime channel (server-push only) with
// auto-reconnect. The server streams every room the user belongs to, so
// JoinConversation is a no-op.
type RealtimeSSEClient struct {
	baseURL          string
	config           *RealtimeConfig
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
}

// NewRealtimeSSEClient creates an SSE channel against baseURL.
func NewRealtimeSSEClient(baseURL string, config *RealtimeConfig) *RealtimeSSEClient {
	if config == nil {
		config = &RealtimeConfig{}
	}
	config.defaults()
	return &RealtimeSSEClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		config:     config,
		state:      StateDisconnected,
		dispatcher: newEventDispatcher(),
		recon:      newReconnector(config),
	}
}

// OnMessageNew registers a handler for inbound messages.
func (sse *RealtimeSSEClient) OnMessageNew(h func(map[string]any)) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.onMessageNew = append(sse.dispatcher.onMessageNew, h)
	sse.dispatcher.mu.Unlock()
}

// OnTypingIndicator registers a handler for typing indicators.
func (sse *RealtimeSSEClient) OnTypingIndicator(h func(TypingIndicatorPayload)) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.onTyping = append(sse.dispatcher.onTyping, h)
	sse.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (sse *RealtimeSSEClient) OnConnected(h func()) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.onConnected = append(sse.dispatcher.onConnected, h)
	sse.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (sse *RealtimeSSEClient) OnDisconnected(h func(code int, reason string)) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.onDisconnected = append(sse.dispatcher.onDisconnected, h)
	sse.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (sse *RealtimeSSEClient) On(eventType string, h RealtimeEventHandler) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.generic[eventType] = append(sse.dispatcher.generic[eventType], h)
	sse.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (sse *RealtimeSSEClient) State() RealtimeState {
	sse.mu.Lock()
	defer sse.mu.Unlock()
	return sse.state
}

// Connect establishes the SSE stream.
func (sse *RealtimeSSEClient) Connect(ctx context.Context) error {
	sse.mu.Lock()
	if sse.state == StateConnected || sse.state == StateConnecting {
		sse.mu.Unlock()
		return nil
	}
	sse.state = StateConnecting
	sse.intentionalClose = false
	sse.mu.Unlock()

	sseURL := sse.baseURL + "/sse/chat?token=" + sse.config.Token

	// The request runs on the connection context: cancelling it in
	// Disconnect is what unblocks the body read.
	connCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, sseURL, nil)
	if err != nil {
		cancel()
		sse.mu.Lock()
		sse.state = StateDisconnected
		sse.mu.Unlock()
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := sse.config.HTTPClient.Do(req)
	if err != nil {
		cancel()
		sse.mu.Lock()
		sse.state = StateDisconnected
		sse.mu.Unlock()
		return fmt.Errorf("SSE connect: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		sse.mu.Lock()
		sse.state = StateDisconnected
		sse.mu.Unlock()
		return fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	sse.mu.Lock()
	sse.state = StateConnected
	sse.cancelFn = cancel
	sse.mu.Unlock()
	sse.recon.reset()
	sse.dispatcher.emitConnected()

	go sse.readLoop(connCtx, resp)

	return nil
}

// Disconnect closes the SSE stream. Safe to call repeatedly.
func (sse *RealtimeSSEClient) Disconnect() error {
	sse.mu.Lock()
	sse.intentionalClose = true
	if sse.cancelFn != nil {
		sse.cancelFn()
		sse.cancelFn = nil
	}
	sse.state = StateDisconnected
	sse.mu.Unlock()
	return nil
}

// JoinConversation is a no-op: the SSE stream already covers every room the
// authenticated user belongs to.
func (sse *RealtimeSSEClient) JoinConversation(ctx context.Context, conversationID string) error {
	return nil
}

func (sse *RealtimeSSEClient) readLoop(ctx context.Context, resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}

		if strings.HasPrefix(line, "data: ") {
			jsonStr := strings.TrimPrefix(line, "data: ")
			var env RealtimeEnvelope
			if json.Unmarshal([]byte(jsonStr), &env) == nil {
				sse.dispatcher.dispatch(env)
			}
		}
	}

	sse.mu.Lock()
	intentional := sse.intentionalClose
	sse.mu.Unlock()
	if intentional {
		return
	}

	sse.mu.Lock()
	sse.state = StateDisconnected
	sse.mu.Unlock()
	sse.dispatcher.emitDisconnected(0, "stream ended")

	if sse.config.AutoReconnect {
		sse.scheduleReconnect(ctx)
	}
}

// scheduleReconnect retries until the stream is back, ctx is cancelled, or
// Disconnect is called. A loop, not recursion: attempts are unbounded.
func (sse *RealtimeSSEClient) scheduleReconnect(ctx context.Context) {
	for {
		sse.mu.Lock()
		if sse.intentionalClose {
			sse.mu.Unlock()
			return
		}
		sse.state = StateReconnecting
		sse.mu.Unlock()

		delay := sse.recon.nextDelay()
		sse.dispatcher.emitReconnecting(sse.recon.attempt, delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		sse.mu.Lock()
		if sse.intentionalClose {
			sse.mu.Unlock()
			return
		}
		sse.mu.Unlock()

		if err := sse.Connect(ctx); err == nil {
			return
		}
	}
}
