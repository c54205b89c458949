package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/amirimatin/go-heartbeat/pkg/load"
	"github.com/amirimatin/go-heartbeat/pkg/membership"
)

type EventType string

const (
	EventNodeStatusChanged  EventType = "node_status_changed"
	EventGroupLeaderChanged EventType = "group_leader_changed"
	EventMemberJoin         EventType = "member_join"
	EventMemberLeave        EventType = "member_leave"
)

// Event describes a state change. Only the field matching Type is set.
type Event struct {
	Type   EventType
	At     time.Time
	Node   *load.NodeStatusChange
	Leader *load.LeaderChange
	Member *membership.MemberInfo
}

// Subscribe returns a buffered channel of events, closed when ctx is done.
// Delivery is best effort: events are dropped when the consumer lags.
func (c *Cluster) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)
	c.eb.add(ch)
	go func() {
		<-ctx.Done()
		c.eb.remove(ch)
	}()
	return ch
}

type eventBus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
	e.mu.Lock()
	if e.subs == nil {
		e.subs = make(map[chan Event]struct{})
	}
	e.subs[ch] = struct{}{}
	e.mu.Unlock()
}

// remove unsubscribes and closes ch. Holding mu while closing keeps publish
// from sending on a closed channel.
func (e *eventBus) remove(ch chan Event) {
	e.mu.Lock()
	if _, ok := e.subs[ch]; ok {
		delete(e.subs, ch)
		close(ch)
	}
	e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
	e.mu.Lock()
	for ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	e.mu.Unlock()
}

// publishChanges fans the result of a refresh pass out as events.
func (e *eventBus) publishChanges(at time.Time, changes load.Changes) {
	for i := range changes.Nodes {
		n := changes.Nodes[i]
		e.publish(Event{Type: EventNodeStatusChanged, At: at, Node: &n})
	}
	for i := range changes.Leaders {
		l := changes.Leaders[i]
		e.publish(Event{Type: EventGroupLeaderChanged, At: at, Leader: &l})
	}
}
