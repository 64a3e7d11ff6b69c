package daq

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/neuroacq/neuroacq/clock"
	"github.com/neuroacq/neuroacq/sampled"
	"github.com/neuroacq/neuroacq/stimuli"
)

// Loopback is simulated hardware that echoes every output block back on a
// wired input stream.  It is the test double for the whole pipeline and
// the backend of simulated rigs.  Triggered start is not supported; the
// controller rejects it before the loop begins.
type Loopback struct {
	mu sync.Mutex

	clk clock.Clock

	// wiring maps output stream names to the input stream that echoes
	// them
	wiring map[string]string

	// limiter paces Drive to roughly real time when set; tests leave it
	// nil and run as fast as the consumer pulls
	limiter *rate.Limiter

	backgrounds map[string]stimuli.Background
}

// NewLoopback builds a loopback over the given output->input wiring
func NewLoopback(clk clock.Clock, wiring map[string]string) *Loopback {
	return &Loopback{
		clk:         clk,
		wiring:      wiring,
		backgrounds: make(map[string]stimuli.Background),
	}
}

// Pace makes Drive consume wall time at the given iteration interval, the
// way physical hardware would
func (l *Loopback) Pace(interval time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiter = rate.NewLimiter(rate.Every(interval), 1)
}

// Drive consumes the output blocks and returns them echoed onto the wired
// input streams.  The deficit is always zero; the loopback never runs
// late relative to its own pacing.
func (l *Loopback) Drive(outputs map[string]sampled.OutputData, interval time.Duration) (map[string]sampled.InputData, time.Duration, error) {
	l.mu.Lock()
	limiter := l.limiter
	l.mu.Unlock()
	if limiter != nil {
		if err := limiter.Wait(context.Background()); err != nil {
			return nil, 0, err
		}
	}

	inputs := make(map[string]sampled.InputData)
	now := l.clk.Now()
	for outName, block := range outputs {
		inName, ok := l.wiring[outName]
		if !ok {
			continue
		}
		echoed, err := sampled.NewInputData(block.Samples(), block.SampleRate(), now)
		if err != nil {
			return nil, 0, err
		}
		inputs[inName] = echoed
	}
	return inputs, 0, nil
}

// SetBackground records the parked value for an output channel
func (l *Loopback) SetBackground(stream string, background stimuli.Background) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.backgrounds[stream] = background
	return nil
}

// ParkedBackground returns the last background applied to a channel; it
// exists so tests and shells can observe the parked state
func (l *Loopback) ParkedBackground(stream string) (stimuli.Background, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bg, ok := l.backgrounds[stream]
	return bg, ok
}
