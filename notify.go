package mercadillo

import (
	"sync"
	"time"
)

// ToastWindow is the shared de-duplication window: across the whole process,
// at most one "new message" toast may fire per window, no matter which signal
// path (push event, poll reconciliation, notification controller) wants it.
const ToastWindow = 1500 * time.Millisecond

// Notifier is the fire-and-forget sink the controller surfaces toasts to.
// onClick may be nil.
type Notifier interface {
	Notify(message string, onClick func())
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(message string, onClick func())

func (f NotifierFunc) Notify(message string, onClick func()) { f(message, onClick) }

// ============================================================================
// Toast gate
// ============================================================================

// toastGate holds the single process-wide timestamp behind ToastWindow. It is
// never reset; it lives for the life of the process.
type toastGate struct {
	mu     sync.Mutex
	last   time.Time
	window time.Duration
	now    func() time.Time
}

func newToastGate(window time.Duration) *toastGate {
	return &toastGate{window: window, now: time.Now}
}

// tryAcquire reports whether a toast may fire now, and if so claims the
// window. Near-simultaneous signals from independent paths collapse into a
// single user-visible toast.
func (g *toastGate) tryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if !g.last.IsZero() && now.Sub(g.last) < g.window {
		return false
	}
	g.last = now
	return true
}

// sharedToastGate is the process-wide gate every notification-eligible code
// path consults.
var sharedToastGate = newToastGate(ToastWindow)

// ============================================================================
// Unread signal
// ============================================================================

// unreadTotal sums unread counts across conversations.
func unreadTotal(conversations []Conversation) int {
	total := 0
	for _, conv := range conversations {
		total += conv.UnreadCount
	}
	return total
}

// unreadSignal is the maximum timestamp among conversations with unread
// messages. It only distinguishes "count increased" from "count dropped to
// zero"; a signal change alone never justifies a notification.
func unreadSignal(conversations []Conversation) int64 {
	var signal int64
	for _, conv := range conversations {
		if conv.UnreadCount > 0 && conv.Timestamp > signal {
			signal = conv.Timestamp
		}
	}
	return signal
}

// ============================================================================
// Notification controller
// ============================================================================

// notificationController decides when a "new message" toast may fire, per
// engine instance. Eligibility requires a strict increase of the unread
// total since the previous tick (marking a thread read must never fire) and
// winning the shared toast gate.
type notificationController struct {
	notifier Notifier
	gate     *toastGate
	onClick  func()

	// tick is called from the poll loop, transport dispatch goroutines
	// and operation callers; the baseline needs its own lock.
	mu         sync.Mutex
	primed     bool
	prevTotal  int
	prevSignal int64
}

func newNotificationController(notifier Notifier, gate *toastGate, onClick func()) *notificationController {
	if gate == nil {
		gate = sharedToastGate
	}
	return &notificationController{
		notifier: notifier,
		gate:     gate,
		onClick:  onClick,
	}
}

// tick observes a state delta. The first observation after mount records the
// baseline and emits nothing, so initial load never toasts.
func (c *notificationController) tick(conversations []Conversation) {
	total := unreadTotal(conversations)
	signal := unreadSignal(conversations)

	c.mu.Lock()
	eligible := c.primed && total > c.prevTotal
	// Previous values update whether or not a toast fires.
	c.primed = true
	c.prevTotal = total
	c.prevSignal = signal
	c.mu.Unlock()

	if eligible && c.notifier != nil && c.gate.tryAcquire() {
		c.notifier.Notify("Tienes un nuevo mensaje", c.onClick)
	}
}
