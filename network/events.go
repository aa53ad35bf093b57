package network

import (
	"sync"

	"monkeykit/models"
)

// Status is the connection state of a SessionManager.
type Status int

const (
	StatusOffline    Status = 0
	StatusLogout     Status = 1
	StatusConnecting Status = 2
	StatusOnline     Status = 3
	StatusHandshake  Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusOffline:
		return "offline"
	case StatusLogout:
		return "logout"
	case StatusConnecting:
		return "connecting"
	case StatusOnline:
		return "online"
	case StatusHandshake:
		return "handshake"
	default:
		return "unknown"
	}
}

// EventType names what an Event reports.
type EventType string

const (
	EventStatusChange      EventType = "status_change"
	EventConnect           EventType = "connect"
	EventDisconnect        EventType = "disconnect"
	EventMessage           EventType = "message"
	EventNotification      EventType = "notification"
	EventAcknowledge       EventType = "acknowledge"
	EventGroupList         EventType = "group_list"
	EventGroupAction       EventType = "group_action"
	EventConversationOpen  EventType = "conversation_open"
	EventConversationClose EventType = "conversation_close"
	EventMessageUnsend     EventType = "message_unsend"
	EventPresence          EventType = "presence"
	EventMessageFailed     EventType = "message_failed"
	EventSyncComplete      EventType = "sync_complete"
	EventError             EventType = "error"
)

// Event is delivered to the application handler. Only the fields relevant
// to Type are set.
type Event struct {
	Type EventType

	Status  Status
	Message *models.Message

	MessageID int64
	OldID     int64
	PeerID    string

	DeliveryStatus models.DeliveryStatus
	Command        models.Command
	Groups         []string
	Payload        map[string]any

	Err error
}

// EventHandler receives events in emission order on one goroutine.
type EventHandler func(Event)

// eventLoop delivers queued events to the handler on its own goroutine, so
// emitting never blocks and handlers may call back into the session.
type eventLoop struct {
	handler EventHandler

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Event
	closed  bool
	stopped chan struct{}
}

func newEventLoop(handler EventHandler) *eventLoop {
	l := &eventLoop{
		handler: handler,
		stopped: make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

func (l *eventLoop) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	l.mu.Lock()
	if !l.closed {
		l.queue = append(l.queue, events...)
		l.cond.Signal()
	}
	l.mu.Unlock()
}

// close stops the loop once the queued events are delivered. It does not
// wait, so it is safe to call from a handler.
func (l *eventLoop) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.cond.Signal()
}

func (l *eventLoop) run() {
	defer close(l.stopped)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.queue) == 0 && l.closed {
			l.mu.Unlock()
			return
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		if l.handler == nil {
			continue
		}
		for _, event := range batch {
			l.handler(event)
		}
	}
}
