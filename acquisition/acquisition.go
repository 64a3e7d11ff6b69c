/*Package acquisition provides the trial coordinator of the pipeline: it
owns the rig's devices, queues epochs, advances them one at a time
through the DAQ controller's iteration loop, and hands completed trials
to a persistor.

The coordinator is the Controller devices pull from and push into; with
no current epoch, pulls report no-data and the streams hold their
backgrounds.  Cancellation is cooperative and takes effect at the next
iteration boundary.
*/
package acquisition

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/neuroacq/neuroacq/clock"
	"github.com/neuroacq/neuroacq/daq"
	"github.com/neuroacq/neuroacq/epoch"
	"github.com/neuroacq/neuroacq/events"
	"github.com/neuroacq/neuroacq/persist"
	"github.com/neuroacq/neuroacq/sampled"
	"github.com/neuroacq/neuroacq/util"
)

var (
	// ErrQueueEmpty is generated when NextEpoch finds no queued epochs
	ErrQueueEmpty = errors.New("no queued epochs")

	// ErrEpochInProgress is generated when an epoch is advanced while
	// another is current
	ErrEpochInProgress = errors.New("an epoch is already in progress")

	// ErrDuplicateDevice is generated when a device name is registered
	// twice
	ErrDuplicateDevice = errors.New("device name already registered")
)

// ControllerError wraps faults surfaced from RunEpoch: queue misuse,
// persistor task failures, exceptional stops
type ControllerError struct {
	Op  string
	Err error
}

func (e ControllerError) Error() string {
	return fmt.Sprintf("controller: %s: %v", e.Op, e.Err)
}

func (e ControllerError) Unwrap() error { return e.Err }

// Controller coordinates trials over one DAQ controller
type Controller struct {
	// DAQ is the iteration loop this coordinator drives
	DAQ *daq.Controller

	// Events is the shared feed; it is the DAQ controller's publisher
	Events *events.Publisher

	clk clock.Clock

	mu        sync.Mutex
	devices   map[string]daq.Device
	current   *epoch.Epoch
	queue     []*epoch.Epoch
	cancelled bool
	lastStop  error
}

// NewController builds a coordinator over a DAQ controller.  The
// coordinator installs itself as the DAQ controller's stop condition.
func NewController(dc *daq.Controller, clk clock.Clock) *Controller {
	c := &Controller{
		DAQ:     dc,
		Events:  dc.Events,
		clk:     clk,
		devices: make(map[string]daq.Device),
	}
	dc.SetShouldStop(c.shouldStop)
	dc.Events.Subscribe(func(ev events.Event) {
		if ev.Kind == events.ExceptionalStop {
			c.mu.Lock()
			c.lastStop = ev.Err
			c.mu.Unlock()
		}
	})
	return c
}

// AddDevice registers a device under its name; duplicate names are
// rejected
func (c *Controller) AddDevice(d daq.Device) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.devices[d.Name()]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateDevice, d.Name())
	}
	c.devices[d.Name()] = d
	return nil
}

// Device returns a registered device by name
func (c *Controller) Device(name string) (daq.Device, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[name]
	return d, ok
}

// Devices returns the registered devices by name
func (c *Controller) Devices() map[string]daq.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]daq.Device, len(c.devices))
	for k, v := range c.devices {
		out[k] = v
	}
	return out
}

// CurrentEpoch returns the epoch in progress, if any
func (c *Controller) CurrentEpoch() (*epoch.Epoch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.current != nil
}

// QueueLength returns the number of pending epochs
func (c *Controller) QueueLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// EnqueueEpoch validates an epoch against the rig and appends it to the
// pending queue.  Every stimulus device must be registered and bound to
// an output stream; every response device must be bound to an input
// stream.
func (c *Controller) EnqueueEpoch(e *epoch.Epoch) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if err := c.validateBindings(e); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, e)
	return nil
}

func (c *Controller) validateBindings(e *epoch.Epoch) error {
	outBound := make(map[string]bool)
	for _, out := range c.DAQ.OutputStreams() {
		for _, d := range out.BoundDevices() {
			outBound[d.Name()] = true
		}
	}
	inBound := make(map[string]bool)
	for _, in := range c.DAQ.InputStreams() {
		for _, d := range in.BoundDevices() {
			inBound[d.Name()] = true
		}
	}
	c.mu.Lock()
	known := make(map[string]bool, len(c.devices))
	for name := range c.devices {
		known[name] = true
	}
	c.mu.Unlock()

	for name := range e.Stimuli() {
		if !known[name] {
			return epoch.ValidationError{Reason: fmt.Sprintf("stimulus device %q is not registered", name)}
		}
		if !outBound[name] {
			return epoch.ValidationError{Reason: fmt.Sprintf("stimulus device %q is not bound to an output stream", name)}
		}
	}
	for name := range e.Responses() {
		if !known[name] {
			return epoch.ValidationError{Reason: fmt.Sprintf("response device %q is not registered", name)}
		}
		if !inBound[name] {
			return epoch.ValidationError{Reason: fmt.Sprintf("response device %q is not bound to an input stream", name)}
		}
	}
	return nil
}

// NextEpoch dequeues the head of the pending queue and makes it current.
// It requires that no epoch is current.
func (c *Controller) NextEpoch() error {
	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		return ControllerError{Op: "next epoch", Err: ErrEpochInProgress}
	}
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return ControllerError{Op: "next epoch", Err: ErrQueueEmpty}
	}
	e := c.queue[0]
	c.queue = c.queue[1:]
	c.current = e
	c.cancelled = false
	c.lastStop = nil
	c.mu.Unlock()

	if err := e.SetStartTime(c.clk.Now()); err != nil {
		// a re-run epoch is a coordination bug worth the full dump
		log.Printf("epoch start time already assigned:\n%s", spew.Sdump(e.ProtocolID, e.Parameters))
	}
	for _, out := range c.DAQ.OutputStreams() {
		out.Reset()
	}
	c.Events.Publish(events.Event{Kind: events.NextEpochRequested, Time: c.clk.Now(), Payload: e})
	return nil
}

// CancelEpoch marks the current epoch discarded and asks the iteration
// loop to stop at the next boundary.  It is safe from any goroutine.
func (c *Controller) CancelEpoch() {
	c.mu.Lock()
	e := c.current
	c.cancelled = true
	c.mu.Unlock()
	if e != nil {
		e.Discard()
	}
}

// shouldStop is the DAQ controller's per-iteration stop condition: stop
// on cancellation and when the current epoch has completed
func (c *Controller) shouldStop() bool {
	c.mu.Lock()
	e := c.current
	cancelled := c.cancelled
	c.mu.Unlock()
	if cancelled {
		return true
	}
	return e != nil && e.IsComplete()
}

// RunEpoch enqueues an epoch, makes it current, runs the DAQ controller
// until the epoch completes or is cancelled, and records the result.  A
// nil persistor runs the trial without recording.  Persistor faults are
// collected from the persistence task and rethrown as a ControllerError.
func (c *Controller) RunEpoch(e *epoch.Epoch, p persist.Persistor) error {
	if err := c.EnqueueEpoch(e); err != nil {
		return err
	}
	if err := c.NextEpoch(); err != nil {
		return err
	}
	if err := c.DAQ.Start(false); err != nil {
		c.clearCurrent()
		return ControllerError{Op: "start", Err: err}
	}
	c.DAQ.WaitUntilStopped()

	c.mu.Lock()
	stopErr := c.lastStop
	c.mu.Unlock()
	c.clearCurrent()

	if stopErr != nil {
		e.Discard()
		c.Events.Publish(events.Event{Kind: events.DiscardedEpoch, Time: c.clk.Now(), Payload: e})
		return ControllerError{Op: "run epoch", Err: stopErr}
	}
	if !e.ShouldBePersisted() {
		c.Events.Publish(events.Event{Kind: events.DiscardedEpoch, Time: c.clk.Now(), Payload: e})
		return nil
	}
	if p == nil {
		return nil
	}

	// persistence runs on its own task; the epoch is handed off and not
	// touched by the pipeline afterwards
	errCh := make(chan []error, 1)
	go func() {
		errCh <- persistEpoch(p, e, c.clk.Now())
	}()
	if errs := <-errCh; len(errs) > 0 {
		return ControllerError{Op: "persist epoch", Err: util.MergeErrors(errs)}
	}
	c.Events.Publish(events.Event{Kind: events.SavedEpoch, Time: c.clk.Now(), Payload: e})
	return nil
}

func persistEpoch(p persist.Persistor, e *epoch.Epoch, end time.Time) []error {
	var errs []error
	start, _ := e.StartTime()
	if err := p.BeginEpochBlock(e.ProtocolID, e.Parameters, start); err != nil {
		return []error{err}
	}
	if _, err := p.Serialize(e); err != nil {
		errs = append(errs, err)
	}
	if err := p.EndEpochBlock(end); err != nil {
		errs = append(errs, err)
	}
	return errs
}

func (c *Controller) clearCurrent() {
	c.mu.Lock()
	c.current = nil
	c.cancelled = false
	c.mu.Unlock()
}

// ApplyStreamsBackground parks every output stream at its background
// between trials
func (c *Controller) ApplyStreamsBackground() error {
	return c.DAQ.ApplyStreamsBackground()
}

// PullOutputData serves a device's pull from the current epoch.  With no
// current epoch, ok is false and the stream holds its background.
func (c *Controller) PullOutputData(deviceName string, duration time.Duration) (sampled.OutputData, bool, error) {
	c.mu.Lock()
	e := c.current
	c.mu.Unlock()
	if e == nil {
		return sampled.OutputData{}, false, nil
	}
	block, err := e.PullOutputData(deviceName, duration)
	if err != nil {
		return sampled.OutputData{}, false, err
	}
	return block, true, nil
}

// PushInputData routes an acquired block into the current epoch's
// response for the device, truncated at the epoch boundary.  Blocks with
// no current epoch, and blocks for devices the epoch records no response
// for, are dropped.
func (c *Controller) PushInputData(deviceName string, block sampled.InputData) error {
	c.mu.Lock()
	e := c.current
	c.mu.Unlock()
	if e == nil {
		return nil
	}
	_, err := e.AppendInputData(deviceName, block)
	if errors.Is(err, epoch.ErrUnknownDevice) {
		return nil
	}
	return err
}

// DidOutputData propagates a delivery report to the current epoch
func (c *Controller) DidOutputData(deviceName string, ts time.Time, span time.Duration, nodes []sampled.NodeConfiguration) {
	c.mu.Lock()
	e := c.current
	c.mu.Unlock()
	if e == nil {
		return
	}
	e.DidOutputData(deviceName, ts, span, nodes)
}
