package notify

import (
	"sync"
	"time"

	"github.com/2beens/fitsync/internal/telemetry/metrics"

	log "github.com/sirupsen/logrus"
)

const defaultBufferSize = 64

// UIMessage is sent by the UI over the event stream.
//
//	focus:         {"type":"focus","element":"INPUT"}
//	connectivity:  {"type":"connectivity","online":false}
//	update-action: {"type":"update-action","action":"update|snooze|dismiss|force"}
//	install:       {"type":"install","event":"beforeinstallprompt|appinstalled"}
type UIMessage struct {
	Type    string `json:"type"`
	Online  *bool  `json:"online,omitempty"`
	Element string `json:"element,omitempty"`
	Action  string `json:"action,omitempty"`
	Event   string `json:"event,omitempty"`
}

const (
	UIFocus        = "focus"
	UIConnectivity = "connectivity"
	UIUpdateAction = "update-action"
	UIInstall      = "install"

	InstallBeforePrompt = "beforeinstallprompt"
	InstallInstalled    = "appinstalled"
)

type Subscription struct {
	ID int
	ch chan Event
}

func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Hub fans events out to UI subscribers and UI messages in to registered handlers.
// Publish never blocks; a subscriber with a full buffer misses the event.
type Hub struct {
	metricsManager *metrics.Manager
	bufferSize     int
	now            func() time.Time

	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
	sticky map[EventType]Event

	inboundMu sync.RWMutex
	inbound   []func(UIMessage)
}

func NewHub(metricsManager *metrics.Manager) *Hub {
	return &Hub{
		metricsManager: metricsManager,
		bufferSize:     defaultBufferSize,
		now:            time.Now,
		subs:           map[int]*Subscription{},
		sticky:         map[EventType]Event{},
	}
}

func isSticky(t EventType) bool {
	return t == EventStatus || t == EventBanner || t == EventUpdate
}

func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		ID: h.nextID,
		ch: make(chan Event, h.bufferSize),
	}
	for _, t := range []EventType{EventStatus, EventBanner, EventUpdate} {
		if ev, ok := h.sticky[t]; ok {
			sub.ch <- ev
		}
	}
	h.subs[sub.ID] = sub

	if h.metricsManager != nil {
		h.metricsManager.GaugeEventSubscribers.Inc()
	}
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	_, ok := h.subs[sub.ID]
	if ok {
		delete(h.subs, sub.ID)
	}
	h.mu.Unlock()

	if ok {
		close(sub.ch)
		if h.metricsManager != nil {
			h.metricsManager.GaugeEventSubscribers.Dec()
		}
	}
}

func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = h.now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if isSticky(ev.Type) {
		h.sticky[ev.Type] = ev
	}
	for _, sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			log.Warnf("notify: subscriber [%d] buffer full, dropping %s event", sub.ID, ev.Type)
		}
	}
}

// Last returns the last sticky event of the given type.
func (h *Hub) Last(t EventType) (Event, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ev, ok := h.sticky[t]
	return ev, ok
}

func (h *Hub) SubscribersCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// OnInbound registers a handler for messages coming from the UI.
func (h *Hub) OnInbound(fn func(UIMessage)) {
	h.inboundMu.Lock()
	defer h.inboundMu.Unlock()
	h.inbound = append(h.inbound, fn)
}

// HandleInbound relays install signals to the install affordance and passes
// every message to the registered handlers.
func (h *Hub) HandleInbound(msg UIMessage) {
	if msg.Type == UIInstall {
		switch msg.Event {
		case InstallBeforePrompt:
			h.Publish(InstallPrompt(true))
		case InstallInstalled:
			h.Publish(InstallPrompt(false))
		default:
			log.Debugf("notify: unknown install event: %q", msg.Event)
		}
	}

	h.inboundMu.RLock()
	handlers := make([]func(UIMessage), len(h.inbound))
	copy(handlers, h.inbound)
	h.inboundMu.RUnlock()

	for _, fn := range handlers {
		fn(msg)
	}
}
