// Package events provides the synchronous event feed produced by the
// acquisition pipeline.  Subscribers run on the publishing goroutine and
// must not block it for longer than the iteration interval; heavy work
// belongs on the subscriber's own goroutine.
package events

import (
	"sync"
	"time"
)

// Kind identifies an event on the feed
type Kind int

const (
	// Started fires when the DAQ controller enters Running
	Started Kind = iota

	// Stopped fires after the last iteration of a clean stop
	Stopped

	// ExceptionalStop fires when the iteration loop halts on an error
	ExceptionalStop

	// ProcessIteration fires once per iteration with the hardware deficit
	ProcessIteration

	// StimulusOutput fires for each output block delivered to hardware
	StimulusOutput

	// NextEpochRequested fires when a queued epoch becomes current
	NextEpochRequested

	// SavedEpoch fires strictly after the persistor has accepted an epoch
	SavedEpoch

	// DiscardedEpoch fires when a cancelled or failed epoch is dropped
	DiscardedEpoch

	// BackgroundApplied fires when a stream's background value has been
	// pushed to hardware outside a trial
	BackgroundApplied
)

var kindNames = map[Kind]string{
	Started:            "Started",
	Stopped:            "Stopped",
	ExceptionalStop:    "ExceptionalStop",
	ProcessIteration:   "ProcessIteration",
	StimulusOutput:     "StimulusOutput",
	NextEpochRequested: "NextEpochRequested",
	SavedEpoch:         "SavedEpoch",
	DiscardedEpoch:     "DiscardedEpoch",
	BackgroundApplied:  "BackgroundApplied",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Unknown"
}

// Event is one entry on the feed.  Time comes from the controller's clock
// and is monotonic within one run.
type Event struct {
	Kind Kind

	Time time.Time

	// Err is populated for ExceptionalStop
	Err error

	// Stream names the stream for StimulusOutput and BackgroundApplied
	Stream string

	// Deficit is the hardware's reported late-delivery amount for
	// ProcessIteration
	Deficit time.Duration

	// Payload carries the epoch for the epoch-lifecycle kinds and the
	// delivered block for StimulusOutput
	Payload interface{}
}

// Publisher fans events out to subscribers synchronously, in subscription
// order
type Publisher struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
}

type subscription struct {
	id int
	fn func(Event)
}

// Subscribe registers a callback for every subsequent event and returns a
// cancel function that removes it
func (p *Publisher) Subscribe(fn func(Event)) (cancel func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs = append(p.subs, subscription{id: id, fn: fn})
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, sub := range p.subs {
			if sub.id == id {
				p.subs = append(p.subs[:i], p.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers an event to every subscriber on the calling goroutine
func (p *Publisher) Publish(ev Event) {
	p.mu.RLock()
	subs := make([]subscription, len(p.subs))
	copy(subs, p.subs)
	p.mu.RUnlock()
	for _, sub := range subs {
		sub.fn(ev)
	}
}
