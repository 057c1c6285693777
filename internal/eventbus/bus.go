package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the runtime.
const (
	TypeState       = "app.state"       // Data: StateChange
	TypeCommandDone = "command.done"    // Data: CommandDone
	TypeJobDone     = "job.done"        // Data: JobDone
	TypeConfig      = "config.reloaded" // Data: []string (changed sections)
)

type StateChange struct {
	From, To string
	Reason   string
}

type CommandDone struct {
	Command  string
	Caller   string
	Duration time.Duration
	Err      string
}

type JobDone struct {
	Job      string
	Duration time.Duration
	Err      string
}

// Event is a small in-memory signal that decouples observers from the runtime.
//
// Publish never blocks. Subscribers get buffered channels and a slow
// subscriber drops events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop discards everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock; unsubscribe takes the write lock
	// before closing, so a closed channel is never written to.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
