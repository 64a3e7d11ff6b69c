package device

import (
	"sync"
	"time"
)

// DefaultStaleness bounds how long a superseded parameter snapshot is
// retained; amplifier telegraphs typically update well inside this window
const DefaultStaleness = 5 * time.Second

// ParameterSnapshot is one observation of a device's operating
// parameters, as reported by its telegraph
type ParameterSnapshot struct {
	// Time is when the parameters took effect
	Time time.Time

	// OperatingMode is the device's mode, e.g. "VClamp" or "IClamp"
	OperatingMode string

	// Gain is the amplification factor applied by the instrument
	Gain float64

	// ExternalCommandSensitivity scales command voltages into the
	// instrument's input quantity, per the mode
	ExternalCommandSensitivity float64
}

// ParameterHistory is a time-indexed record of parameter snapshots for
// one device, updated from an external source and read under a short
// critical section.  Readers get the snapshot whose timestamp is the
// latest at or before the time of interest.
type ParameterHistory struct {
	mu        sync.Mutex
	snaps     []ParameterSnapshot
	staleness time.Duration
}

// NewParameterHistory returns an empty history with the default
// staleness bound
func NewParameterHistory() *ParameterHistory {
	return &ParameterHistory{staleness: DefaultStaleness}
}

// Record inserts a snapshot, keeping the history ordered by time, and
// evicts snapshots older than the staleness bound that have a successor
func (h *ParameterHistory) Record(s ParameterSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := len(h.snaps)
	for idx > 0 && h.snaps[idx-1].Time.After(s.Time) {
		idx--
	}
	h.snaps = append(h.snaps, ParameterSnapshot{})
	copy(h.snaps[idx+1:], h.snaps[idx:])
	h.snaps[idx] = s

	// evict: anything both stale and superseded is never selected again
	cutoff := s.Time.Add(-h.staleness)
	firstKept := 0
	for i := 0; i < len(h.snaps)-1; i++ {
		if h.snaps[i].Time.Before(cutoff) {
			firstKept = i + 1
		}
	}
	if firstKept > 0 {
		h.snaps = h.snaps[firstKept:]
	}
}

// At returns the snapshot in effect at t: the latest whose timestamp is
// at or before t.  ok is false when no snapshot qualifies.
func (h *ParameterHistory) At(t time.Time) (ParameterSnapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.snaps) - 1; i >= 0; i-- {
		if !h.snaps[i].Time.After(t) {
			return h.snaps[i], true
		}
	}
	return ParameterSnapshot{}, false
}

// Latest returns the most recent snapshot.  ok is false when the history
// is empty.
func (h *ParameterHistory) Latest() (ParameterSnapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.snaps) == 0 {
		return ParameterSnapshot{}, false
	}
	return h.snaps[len(h.snaps)-1], true
}

// Len returns the number of retained snapshots
func (h *ParameterHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.snaps)
}
