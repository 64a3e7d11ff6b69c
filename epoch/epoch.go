/*Package epoch provides the single-trial object of the acquisition
pipeline: per-device stimuli, backgrounds and responses, plus the rules
that make a trial valid.

Devices are referenced by their stable name; the epoch holds no device
objects.  An epoch's duration is the longest stimulus duration when any
stimulus is finite, otherwise the epoch is indefinite and runs until
cancelled.
*/
package epoch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/neuroacq/neuroacq/sampled"
	"github.com/neuroacq/neuroacq/stimuli"
)

var (
	// ErrUnknownDevice is generated when a pull or push names a device
	// the epoch has no registration for
	ErrUnknownDevice = errors.New("device is not registered with this epoch")

	// ErrStartTimeSet is generated when a start time is assigned twice
	ErrStartTimeSet = errors.New("epoch start time is already assigned")
)

// ValidationError is generated when an epoch breaks a validity rule at
// enqueue time
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string {
	return "invalid epoch: " + e.Reason
}

// Epoch is one trial: coordinated stimulus playback and response
// recording, finite in duration or explicitly indefinite
type Epoch struct {
	// ProtocolID identifies the protocol that produced this trial
	ProtocolID string

	// Parameters are the protocol parameters, recorded on persistence
	Parameters map[string]interface{}

	mu          sync.Mutex
	keywords    map[string]struct{}
	startTime   time.Time
	started     bool
	stimuli     map[string]stimuli.Stimulus
	backgrounds map[string]stimuli.Background
	responses   map[string]*stimuli.Response
	pullers     map[string]*puller
	discarded   bool
}

// New builds an empty epoch for the given protocol
func New(protocolID string, params map[string]interface{}) *Epoch {
	return &Epoch{
		ProtocolID:  protocolID,
		Parameters:  params,
		keywords:    make(map[string]struct{}),
		stimuli:     make(map[string]stimuli.Stimulus),
		backgrounds: make(map[string]stimuli.Background),
		responses:   make(map[string]*stimuli.Response),
		pullers:     make(map[string]*puller),
	}
}

// AddStimulus registers a stimulus for the named device
func (e *Epoch) AddStimulus(deviceName string, s stimuli.Stimulus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stimuli[deviceName] = s
}

// SetBackground registers the resting value played for the named device
// when no stimulus is active
func (e *Epoch) SetBackground(deviceName string, b stimuli.Background) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.backgrounds[deviceName] = b
}

// RecordResponse registers that input from the named device should be
// accumulated, and returns the accumulator
func (e *Epoch) RecordResponse(deviceName string) *stimuli.Response {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := &stimuli.Response{}
	e.responses[deviceName] = r
	return r
}

// AddKeyword tags the epoch with a free-form keyword
func (e *Epoch) AddKeyword(kw string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keywords[kw] = struct{}{}
}

// Keywords returns the tag set
func (e *Epoch) Keywords() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.keywords))
	for kw := range e.keywords {
		out = append(out, kw)
	}
	return out
}

// Stimuli returns the registered stimuli by device name
func (e *Epoch) Stimuli() map[string]stimuli.Stimulus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]stimuli.Stimulus, len(e.stimuli))
	for k, v := range e.stimuli {
		out[k] = v
	}
	return out
}

// Backgrounds returns the registered backgrounds by device name
func (e *Epoch) Backgrounds() map[string]stimuli.Background {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]stimuli.Background, len(e.backgrounds))
	for k, v := range e.backgrounds {
		out[k] = v
	}
	return out
}

// Responses returns the registered response accumulators by device name
func (e *Epoch) Responses() map[string]*stimuli.Response {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]*stimuli.Response, len(e.responses))
	for k, v := range e.responses {
		out[k] = v
	}
	return out
}

// Response returns the accumulator for the named device, if one is
// registered
func (e *Epoch) Response(deviceName string) (*stimuli.Response, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.responses[deviceName]
	return r, ok
}

// SetStartTime assigns the trial's start; it may be assigned at most once
func (e *Epoch) SetStartTime(t time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrStartTimeSet
	}
	e.startTime = t
	e.started = true
	return nil
}

// StartTime returns the assigned start time, if any
func (e *Epoch) StartTime() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startTime, e.started
}

// Discard marks the epoch as not-to-be-persisted
func (e *Epoch) Discard() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.discarded = true
}

// ShouldBePersisted reports whether a completed epoch should reach the
// persistor; cancellation clears it
func (e *Epoch) ShouldBePersisted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.discarded
}

// Duration returns the trial duration: the longest stimulus duration when
// any stimulus is finite, otherwise ok=false for an indefinite trial
func (e *Epoch) Duration() (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.durationLocked()
}

func (e *Epoch) durationLocked() (time.Duration, bool) {
	var (
		longest time.Duration
		finite  bool
	)
	for _, s := range e.stimuli {
		if d, ok := s.Duration(); ok {
			finite = true
			if d > longest {
				longest = d
			}
		}
	}
	return longest, finite
}

// Validate checks the epoch's validity rules: all finite stimuli share one
// duration, an indefinite epoch registers no responses, and the epoch does
// something at all
func (e *Epoch) Validate() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.stimuli) == 0 && len(e.responses) == 0 {
		return ValidationError{Reason: "no stimuli and no responses"}
	}
	var (
		finiteSeen bool
		finiteDur  time.Duration
	)
	for name, s := range e.stimuli {
		d, ok := s.Duration()
		if !ok {
			continue
		}
		if finiteSeen && d != finiteDur {
			return ValidationError{Reason: fmt.Sprintf("stimulus for %q lasts %v, others last %v", name, d, finiteDur)}
		}
		finiteSeen = true
		finiteDur = d
	}
	if _, finite := e.durationLocked(); !finite && len(e.responses) > 0 {
		return ValidationError{Reason: "an indefinite epoch may not register responses"}
	}
	return nil
}

// IsComplete reports whether every registered response has accumulated at
// least the epoch duration.  An indefinite epoch never completes; it is
// cancelled.  An epoch with no responses completes when every finite
// stimulus has been fully pulled.
func (e *Epoch) IsComplete() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	dur, finite := e.durationLocked()
	if !finite {
		return false
	}
	if len(e.responses) == 0 {
		for name, s := range e.stimuli {
			if _, ok := s.Duration(); !ok {
				continue
			}
			p := e.pullers[name]
			if p == nil || !p.exhausted {
				return false
			}
		}
		return true
	}
	for _, r := range e.responses {
		if r.Duration() < dur {
			return false
		}
	}
	return true
}

// puller tracks per-device pull progress through stimulus then background
type puller struct {
	seq       *stimuli.BlockSeq
	delivered time.Duration
	exhausted bool
}

// PullOutputData draws the next block of output for the named device.  A
// registered stimulus is drawn first; once it is exhausted the device's
// background pads the trial out to the epoch duration.  A device with only
// a background plays background for the whole trial.
func (e *Epoch) PullOutputData(deviceName string, duration time.Duration) (sampled.OutputData, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	stim, hasStim := e.stimuli[deviceName]
	bg, hasBg := e.backgrounds[deviceName]
	if !hasStim && !hasBg {
		return sampled.OutputData{}, fmt.Errorf("%w: %q", ErrUnknownDevice, deviceName)
	}

	p, ok := e.pullers[deviceName]
	if !ok {
		p = &puller{}
		if hasStim {
			p.seq = stim.Blocks()
		}
		e.pullers[deviceName] = p
	}

	epochDur, finite := e.durationLocked()

	// stimulus phase
	if p.seq != nil && !p.seq.Done() {
		block, err := p.seq.Pull(duration)
		if err != nil {
			return sampled.OutputData{}, err
		}
		p.delivered += block.Duration()
		if p.seq.Done() {
			p.exhausted = true
		}
		// a stimulus as long as the epoch ends the device's output
		if block.IsLast() && (!finite || p.delivered >= epochDur) {
			return block, nil
		}
		if block.IsLast() {
			// shorter than the epoch: strip the terminal flag, the
			// background phase will finish the trial
			return sampled.NewOutputData(block.Samples(), block.SampleRate(), false)
		}
		return block, nil
	}
	p.exhausted = true

	// background phase
	if !hasBg {
		return sampled.OutputData{}, fmt.Errorf("%w: device %q has no background to pad with", ErrUnknownDevice, deviceName)
	}
	span := duration
	last := false
	if finite {
		remaining := epochDur - p.delivered
		if remaining <= 0 {
			return sampled.NewOutputData(nil, bg.SampleRate, true)
		}
		if span >= remaining {
			span = remaining
			last = true
		}
	}
	block, err := bg.BlockOf(span)
	if err != nil {
		return sampled.OutputData{}, err
	}
	p.delivered += block.Duration()
	if last {
		return sampled.NewOutputData(block.Samples(), block.SampleRate(), true)
	}
	return block, nil
}

// DidOutputData records that a span of the named device's output was
// actually delivered to hardware.  Delivery reports after completion are
// dropped.
func (e *Epoch) DidOutputData(deviceName string, _ time.Time, span time.Duration, nodes []sampled.NodeConfiguration) {
	if e.IsComplete() {
		return
	}
	e.mu.Lock()
	stim, ok := e.stimuli[deviceName]
	e.mu.Unlock()
	if !ok {
		return
	}
	stim.DidOutputData(span, nodes)
}

// AppendInputData routes an acquired block into the named device's
// response, truncating at the epoch boundary; the tail past the end of the
// trial is discarded.  The return reports whether the epoch is complete
// after the append.
func (e *Epoch) AppendInputData(deviceName string, block sampled.InputData) (bool, error) {
	e.mu.Lock()
	r, ok := e.responses[deviceName]
	if !ok {
		e.mu.Unlock()
		return false, fmt.Errorf("%w: %q", ErrUnknownDevice, deviceName)
	}
	dur, finite := e.durationLocked()
	if finite {
		remaining := dur - r.Duration()
		if remaining <= 0 {
			e.mu.Unlock()
			return true, nil
		}
		if block.Duration() > remaining {
			block, _ = block.Split(remaining)
		}
	}
	r.AppendData(block)
	e.mu.Unlock()
	return e.IsComplete(), nil
}
