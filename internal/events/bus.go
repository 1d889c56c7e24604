// Package events delivers execution state transitions to observers in a
// single total order.
package events

import (
	"sync"
	"time"

	"github.com/razelbuild/razel/internal/cache"
	"github.com/razelbuild/razel/internal/model"
)

// Kind is the event discriminator.
type Kind int

const (
	Started Kind = iota
	Finished
	Skipped
	Retry
)

func (k Kind) String() string {
	switch k {
	case Started:
		return "started"
	case Finished:
		return "finished"
	case Skipped:
		return "skipped"
	case Retry:
		return "retry"
	default:
		return "unknown"
	}
}

// Event is one state transition of a command.
type Event struct {
	Seq     uint64
	Time    time.Time
	Kind    Kind
	Command model.CommandID
	Name    string

	// Finished payload.
	Status      string
	Cache       cache.Source
	Duration    time.Duration
	ExecTime    time.Duration
	OutputBytes int64
	Error       string
}

// Observer receives events in publication order.
type Observer interface {
	OnEvent(Event)
}

// Bus is a bounded single-consumer channel feeding all observers in order.
// A slow observer back-pressures publication; events are never dropped.
type Bus struct {
	ch        chan Event
	observers []Observer
	seq       uint64
	mu        sync.Mutex
	done      chan struct{}
}

// NewBus creates a bus with the given buffer size and starts its pump.
func NewBus(buffer int, observers ...Observer) *Bus {
	b := &Bus{
		ch:        make(chan Event, buffer),
		observers: observers,
		done:      make(chan struct{}),
	}
	go b.pump()
	return b
}

func (b *Bus) pump() {
	defer close(b.done)
	for ev := range b.ch {
		for _, o := range b.observers {
			o.OnEvent(ev)
		}
	}
}

// Publish stamps and enqueues an event. Blocks when the buffer is full.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	b.seq++
	ev.Seq = b.seq
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.ch <- ev
	b.mu.Unlock()
}

// Close flushes the queue and waits for observers to finish.
func (b *Bus) Close() {
	close(b.ch)
	<-b.done
}
