package tasklog

import "sync"

const subscriberBuffer = 128

// Broker manages per-task channels for streaming log events to live
// subscribers. All events for a task are buffered, so late joiners replay
// the full stream before receiving live events.
type Broker struct {
	mu       sync.Mutex
	tasks    map[string]*taskStream
	draining bool
	drainCh  chan struct{} // closed when all tasks complete during draining
}

type taskStream struct {
	mu          sync.Mutex
	subscribers []chan *Event
	buffer      []*Event
	completed   bool
}

func NewBroker() *Broker {
	return &Broker{
		tasks: make(map[string]*taskStream),
	}
}

// Register opens the event stream for a task. Must be called before Publish
// or Complete for that task ID.
func (b *Broker) Register(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tasks[taskID]; !ok {
		b.tasks[taskID] = &taskStream{}
	}
}

// IsDraining reports whether the broker is rejecting new task streams in
// preparation for shutdown.
func (b *Broker) IsDraining() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.draining
}

// Publish fans an event out to all subscribers and buffers it for late
// joiners. It is a no-op for unregistered or completed tasks.
func (b *Broker) Publish(e *Event) {
	b.mu.Lock()
	ts, ok := b.tasks[e.TaskID]
	b.mu.Unlock()
	if !ok {
		return
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.completed {
		return
	}
	ts.buffer = append(ts.buffer, e)
	for _, ch := range ts.subscribers {
		select {
		case ch <- e:
		default:
			// Drop if the subscriber is full; it can catch up via the buffer.
		}
	}
}

// Complete closes a task's stream, delivering the final event first.
// Subscriber channels are closed after the send.
func (b *Broker) Complete(taskID string, final *Event) {
	b.mu.Lock()
	ts, ok := b.tasks[taskID]
	b.mu.Unlock()
	if !ok {
		return
	}

	ts.mu.Lock()
	if final != nil {
		ts.buffer = append(ts.buffer, final)
	}
	ts.completed = true
	subs := ts.subscribers
	ts.subscribers = nil
	ts.mu.Unlock()

	for _, ch := range subs {
		if final != nil {
			select {
			case ch <- final:
			default:
			}
		}
		close(ch)
	}

	b.mu.Lock()
	if b.draining && b.activeCountLocked() == 0 {
		select {
		case <-b.drainCh:
		default:
			close(b.drainCh)
		}
	}
	b.mu.Unlock()
}

// Subscribe returns a channel of events for the given task, closed when the
// task completes, and an unsubscribe function. Unknown task IDs yield a nil
// channel. Late joiners receive all buffered events before live ones.
func (b *Broker) Subscribe(taskID string) (<-chan *Event, func()) {
	b.mu.Lock()
	ts, ok := b.tasks[taskID]
	b.mu.Unlock()
	if !ok {
		return nil, func() {}
	}

	ch := make(chan *Event, subscriberBuffer)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	for _, e := range ts.buffer {
		if len(ch) == cap(ch) {
			break
		}
		ch <- e
	}

	if ts.completed {
		close(ch)
		return ch, func() {}
	}

	ts.subscribers = append(ts.subscribers, ch)

	unsubscribe := func() {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		for i, sub := range ts.subscribers {
			if sub == ch {
				ts.subscribers = append(ts.subscribers[:i], ts.subscribers[i+1:]...)
				break
			}
		}
	}

	return ch, unsubscribe
}

// ActiveCount returns the number of task streams that have not completed.
func (b *Broker) ActiveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activeCountLocked()
}

func (b *Broker) activeCountLocked() int {
	count := 0
	for _, ts := range b.tasks {
		ts.mu.Lock()
		if !ts.completed {
			count++
		}
		ts.mu.Unlock()
	}
	return count
}

// SetDraining flips the broker into draining mode. When draining, the broker
// signals once all active task streams have completed.
func (b *Broker) SetDraining(draining bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.draining = draining
	if draining {
		b.drainCh = make(chan struct{})
		if b.activeCountLocked() == 0 {
			close(b.drainCh)
		}
	}
}

// Drain blocks until all active task streams complete. SetDraining(true)
// must be called first.
func (b *Broker) Drain() {
	b.mu.Lock()
	ch := b.drainCh
	b.mu.Unlock()
	if ch == nil {
		return
	}
	<-ch
}
