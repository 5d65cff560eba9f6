package workflow

import (
	"sync"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/nodeid"
)

// EventType identifies what changed.
type EventType int

const (
	EventNodeAdded EventType = iota
	EventNodeRemoved
	EventConnectionAdded
	EventConnectionRemoved
	EventNodeStateChanged
	EventNodeMessageChanged
	EventNodeExecuted
)

func (t EventType) String() string {
	switch t {
	case EventNodeAdded:
		return "node_added"
	case EventNodeRemoved:
		return "node_removed"
	case EventConnectionAdded:
		return "connection_added"
	case EventConnectionRemoved:
		return "connection_removed"
	case EventNodeStateChanged:
		return "node_state_changed"
	case EventNodeMessageChanged:
		return "node_message_changed"
	case EventNodeExecuted:
		return "node_executed"
	}
	return "unknown"
}

// Origin tags an event with the operation that caused it. The zero value
// stands for a direct call by a user of the package; composite nodes tag
// the operations they run on their inner workflow with their own id.
type Origin struct {
	node nodeid.ID
}

// OriginUser is the origin of direct API calls.
var OriginUser = Origin{}

func originOf(id nodeid.ID) Origin { return Origin{node: id} }

// Node returns the composite node that caused the event, or the zero id.
func (o Origin) Node() nodeid.ID { return o.node }

// IsUser reports whether the event was caused by a direct API call.
func (o Origin) IsUser() bool { return o.node.IsZero() }

// Event describes a change in a workflow tree.
type Event struct {
	Type     EventType
	Workflow nodeid.ID
	NodeID   nodeid.ID
	OldState State
	NewState State
	// Connection is set for connection events.
	Connection *Connection
	Message    Message
	// Status is set for EventNodeExecuted.
	Status ExecutionStatus
	Origin Origin
	Time   time.Time
}

// Listener receives events. Calls happen on a dedicated goroutine, in the
// order the events occurred, without any workflow lock held.
type Listener interface {
	OnEvent(ev Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ev Event)

func (f ListenerFunc) OnEvent(ev Event) { f(ev) }

// delivery is one event bound to the listeners that must receive it.
type delivery struct {
	ev        Event
	listeners []Listener
}

// eventQueue is an unbounded FIFO drained by one goroutine, so producers
// holding the workflow lock never block on slow listeners.
type eventQueue struct {
	mu      sync.Mutex
	items   []delivery
	signal  chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	idle    *sync.Cond
	busy    bool
	closed  bool
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		signal:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	q.idle = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *eventQueue) push(d delivery) {
	if len(d.listeners) == 0 {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, d)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	defer close(q.stopped)
	for {
		select {
		case <-q.stop:
			return
		case <-q.signal:
		}
		for {
			q.mu.Lock()
			if len(q.items) == 0 {
				q.busy = false
				q.idle.Broadcast()
				q.mu.Unlock()
				break
			}
			d := q.items[0]
			q.items = q.items[1:]
			q.busy = true
			q.mu.Unlock()

			for _, l := range d.listeners {
				l.OnEvent(d.ev)
			}
		}
	}
}

// flush blocks until every event pushed so far has been delivered. It
// returns at once on a closed queue.
func (q *eventQueue) flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && (len(q.items) > 0 || q.busy) {
		q.idle.Wait()
	}
}

// close stops delivery. Events still queued are dropped, and so is
// everything pushed afterwards.
func (q *eventQueue) close() {
	select {
	case <-q.stop:
	default:
		close(q.stop)
	}
	<-q.stopped

	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.busy = false
	q.idle.Broadcast()
	q.mu.Unlock()
}
