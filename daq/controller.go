package daq

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/neuroacq/neuroacq/clock"
	"github.com/neuroacq/neuroacq/events"
	"github.com/neuroacq/neuroacq/sampled"
	"github.com/neuroacq/neuroacq/stimuli"
	"github.com/neuroacq/neuroacq/units"
	"github.com/neuroacq/neuroacq/util"
)

// DefaultProcessInterval is the iteration granularity used when none is
// configured
const DefaultProcessInterval = 500 * time.Millisecond

// State is the controller's position in its lifecycle
type State int

const (
	// Idle means no iteration loop is running
	Idle State = iota

	// Starting means Start has been accepted but the loop has not begun
	Starting

	// Running means the iteration loop is live
	Running

	// Stopping means a stop has been requested and the loop is winding
	// down
	Stopping
)

var stateNames = map[State]string{
	Idle:     "Idle",
	Starting: "Starting",
	Running:  "Running",
	Stopping: "Stopping",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "Unknown"
}

// Output is the capability set the controller requires of an output
// stream; OutputStream and DigitalOutputStream satisfy it
type Output interface {
	Name() string
	SampleRate() (units.Measurement, error)
	Active() bool
	SetActive(bool)
	HasMoreData() bool
	Reset()
	PullOutputData(time.Duration) (sampled.OutputData, error)
	DidOutputData(time.Time, time.Duration, []sampled.NodeConfiguration)
	Background() (stimuli.Background, error)
	BoundDevices() []Device

	attach(*Controller)
}

// Input is the capability set the controller requires of an input stream;
// InputStream and DigitalInputStream satisfy it
type Input interface {
	Name() string
	SampleRate() (units.Measurement, error)
	Active() bool
	SetActive(bool)
	PushInputData(sampled.InputData) error
	BoundDevices() []Device

	attach(*Controller)
}

// Controller runs the hardware-abstract iteration loop: pull a block per
// active output stream, drive the hardware, push the acquired input
// blocks.  It owns its streams; devices are reached only through them.
type Controller struct {
	// Events is the controller's event feed.  Subscribers run on the
	// iteration goroutine and must not block it.
	Events *events.Publisher

	// ProcessInterval is the duration of one iteration's block
	ProcessInterval time.Duration

	mu         sync.Mutex
	state      State
	clk        clock.Clock
	hw         Hardware
	sampleRate units.Measurement
	outputs    []Output
	inputs     map[string]Input
	shouldStop func() bool
	stopReq    bool
	runDone    sync.WaitGroup
}

// NewController builds an idle controller around a hardware drive
// capability and a clock
func NewController(hw Hardware, clk clock.Clock) *Controller {
	return &Controller{
		Events:          &events.Publisher{},
		ProcessInterval: DefaultProcessInterval,
		clk:             clk,
		hw:              hw,
		inputs:          make(map[string]Input),
	}
}

// SetSampleRate sets the controller-owned rate used by streams that
// delegate theirs
func (c *Controller) SetSampleRate(rate units.Measurement) error {
	if err := sampled.CheckRate(rate); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sampleRate = rate
	return nil
}

// SampleRate returns the controller-owned rate
func (c *Controller) SampleRate() units.Measurement {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sampleRate
}

// AddOutputStream attaches an output stream to the controller
func (c *Controller) AddOutputStream(s Output) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.attach(c)
	c.outputs = append(c.outputs, s)
}

// AddInputStream attaches an input stream to the controller
func (c *Controller) AddInputStream(s Input) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.attach(c)
	c.inputs[s.Name()] = s
}

// OutputStreams returns the attached output streams
func (c *Controller) OutputStreams() []Output {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Output, len(c.outputs))
	copy(out, c.outputs)
	return out
}

// InputStreams returns the attached input streams by name
func (c *Controller) InputStreams() map[string]Input {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Input, len(c.inputs))
	for k, v := range c.inputs {
		out[k] = v
	}
	return out
}

// SetShouldStop installs an external stop condition checked at each
// iteration boundary
func (c *Controller) SetShouldStop(fn func() bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shouldStop = fn
}

// State returns the controller's lifecycle position
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins the iteration loop.  Triggered start arms the hardware on
// an external trigger; hardware without the capability rejects it.
func (c *Controller) Start(triggered bool) error {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return fmt.Errorf("%w: state %v", ErrNotIdle, c.state)
	}
	c.state = Starting
	c.stopReq = false
	c.mu.Unlock()

	if triggered {
		ts, ok := c.hw.(TriggeredStarter)
		if !ok {
			c.mu.Lock()
			c.state = Idle
			c.mu.Unlock()
			return ErrTriggeredStartUnsupported
		}
		if err := ts.StartTriggered(); err != nil {
			c.mu.Lock()
			c.state = Idle
			c.mu.Unlock()
			return err
		}
	}

	c.mu.Lock()
	c.state = Running
	c.mu.Unlock()
	c.Events.Publish(events.Event{Kind: events.Started, Time: c.clk.Now()})

	c.runDone.Add(1)
	go c.loop()
	return nil
}

// RequestStop asks the loop to stop at the next iteration boundary.  It
// is safe from any goroutine and returns immediately.
func (c *Controller) RequestStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopReq = true
}

// Stop requests a stop and waits for the loop to wind down
func (c *Controller) Stop() {
	c.RequestStop()
	c.runDone.Wait()
}

// WaitUntilStopped blocks until the loop has exited
func (c *Controller) WaitUntilStopped() {
	c.runDone.Wait()
}

func (c *Controller) stopRequested() bool {
	c.mu.Lock()
	stop := c.stopReq
	fn := c.shouldStop
	c.mu.Unlock()
	if stop {
		return true
	}
	return fn != nil && fn()
}

// loop runs iterations until a stop is requested or one fails.  Any
// caught error transitions to an exceptional stop; both paths attempt to
// park the streams at their backgrounds before surfacing.
func (c *Controller) loop() {
	defer c.runDone.Done()
	var deficit time.Duration
	for {
		if c.stopRequested() {
			c.mu.Lock()
			c.state = Stopping
			c.mu.Unlock()
			c.setStreamsBackground()
			c.mu.Lock()
			c.state = Idle
			c.mu.Unlock()
			c.Events.Publish(events.Event{Kind: events.Stopped, Time: c.clk.Now()})
			return
		}
		d, err := c.iterate(deficit)
		if err != nil {
			c.setStreamsBackground()
			c.mu.Lock()
			c.state = Idle
			c.mu.Unlock()
			c.Events.Publish(events.Event{Kind: events.ExceptionalStop, Time: c.clk.Now(), Err: err})
			return
		}
		deficit = d
	}
}

// iterate performs one pull/drive/push cycle and returns the hardware's
// reported deficit, used to shorten the next iteration
func (c *Controller) iterate(deficit time.Duration) (time.Duration, error) {
	interval := c.ProcessInterval - deficit
	if interval <= 0 {
		interval = c.ProcessInterval
	}

	c.mu.Lock()
	outputs := make([]Output, len(c.outputs))
	copy(outputs, c.outputs)
	inputs := make(map[string]Input, len(c.inputs))
	for k, v := range c.inputs {
		inputs[k] = v
	}
	c.mu.Unlock()

	outBlocks := make(map[string]sampled.OutputData)
	pulled := make(map[string]Output)
	for _, out := range outputs {
		if !out.Active() || !out.HasMoreData() {
			continue
		}
		block, err := out.PullOutputData(interval)
		if err != nil {
			return 0, fmt.Errorf("pulling %q: %w", out.Name(), err)
		}
		outBlocks[out.Name()] = block
		pulled[out.Name()] = out
	}

	inBlocks, newDeficit, err := c.hw.Drive(outBlocks, interval)
	if err != nil {
		return 0, fmt.Errorf("hardware drive: %w", err)
	}

	for name, block := range inBlocks {
		in, ok := inputs[name]
		if !ok || !in.Active() {
			continue
		}
		if err := in.PushInputData(block); err != nil {
			return 0, fmt.Errorf("pushing %q: %w", name, err)
		}
	}

	now := c.clk.Now()
	for name, block := range outBlocks {
		out := pulled[name]
		out.DidOutputData(now, block.Duration(), block.NodeConfigurations())
		c.Events.Publish(events.Event{
			Kind:    events.StimulusOutput,
			Time:    now,
			Stream:  name,
			Payload: block,
		})
	}

	c.Events.Publish(events.Event{
		Kind:    events.ProcessIteration,
		Time:    c.clk.Now(),
		Deficit: newDeficit,
	})
	return newDeficit, nil
}

// setStreamsBackground parks every output stream at its background value,
// best-effort; failures are logged, not surfaced
func (c *Controller) setStreamsBackground() {
	c.mu.Lock()
	outputs := make([]Output, len(c.outputs))
	copy(outputs, c.outputs)
	c.mu.Unlock()

	var errs []error
	for _, out := range outputs {
		bg, err := out.Background()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := c.hw.SetBackground(out.Name(), bg); err != nil {
			errs = append(errs, err)
		}
	}
	if err := util.MergeErrors(errs); err != nil {
		log.Printf("setting stream backgrounds: %v", err)
	}
}

// applyBackground pushes one stream's background to hardware on its own
// goroutine; used between trials
func (c *Controller) applyBackground(s Output) error {
	bg, err := s.Background()
	if err != nil {
		return err
	}
	go func() {
		if err := c.hw.SetBackground(s.Name(), bg); err != nil {
			log.Printf("applying background on %q: %v", s.Name(), err)
			return
		}
		c.Events.Publish(events.Event{
			Kind:   events.BackgroundApplied,
			Time:   c.clk.Now(),
			Stream: s.Name(),
		})
	}()
	return nil
}

// ApplyStreamsBackground parks every output stream at its background,
// asynchronously; used between trials
func (c *Controller) ApplyStreamsBackground() error {
	c.mu.Lock()
	outputs := make([]Output, len(c.outputs))
	copy(outputs, c.outputs)
	c.mu.Unlock()
	var errs []error
	for _, out := range outputs {
		if err := c.applyBackground(out); err != nil {
			errs = append(errs, err)
		}
	}
	return util.MergeErrors(errs)
}
