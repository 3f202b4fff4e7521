package core

import (
	"sync"
	"time"
)

// Event is the interface for all scheduler events.
type Event interface {
	eventMarker()
}

// JobClaimed is emitted after a claimed job was handed to the executor.
type JobClaimed struct {
	Database  string
	Queue     string
	JobID     string
	Timestamp time.Time
}

func (*JobClaimed) eventMarker() {}

// JobReleased is emitted when a handoff failed and the claim was undone.
type JobReleased struct {
	Database  string
	Queue     string
	JobID     string
	Error     error
	Timestamp time.Time
}

func (*JobReleased) eventMarker() {}

// JobRejected is emitted when the executor refused the job's runAsUser.
type JobRejected struct {
	Database  string
	Queue     string
	JobID     string
	RunAsUser string
	Error     error
	Timestamp time.Time
}

func (*JobRejected) eventMarker() {}

// JobsRecovered is emitted by Bootstrap for every database it reconciled.
type JobsRecovered struct {
	Database  string
	Count     int64
	Timestamp time.Time
}

func (*JobsRecovered) eventMarker() {}

// TickCompleted is emitted at the end of every scheduler tick that ran.
type TickCompleted struct {
	Databases int
	Claimed   int
	Duration  time.Duration
	Timestamp time.Time
}

func (*TickCompleted) eventMarker() {}

// Broadcaster fans events out to subscriber channels. The zero value is
// ready to use.
type Broadcaster struct {
	mu   sync.RWMutex
	subs []chan Event
}

// Events returns a channel for receiving events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (b *Broadcaster) Events() <-chan Event {
	ch := make(chan Event, 100)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Events.
// The channel is not closed.
func (b *Broadcaster) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit sends e to every subscriber. Full channels drop the event.
func (b *Broadcaster) Emit(e Event) {
	b.mu.RLock()
	subs := make([]chan Event, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
}
