/*Package daq provides the hardware-abstract half of the acquisition
pipeline: named, typed streams on a DAQ controller, the iteration loop
that moves blocks between streams and hardware, and a loopback simulator.

The controller owns its streams; streams hold a non-owning reference to
their bound device through the Device interface.  One iteration pulls a
block per active output stream, hands the set to the hardware drive call,
and pushes the returned input blocks back up the pipeline.
*/
package daq

import (
	"errors"
	"time"

	"github.com/neuroacq/neuroacq/sampled"
	"github.com/neuroacq/neuroacq/stimuli"
)

var (
	// ErrNoBoundDevice is generated when a stream operation requires a
	// bound device and none is bound
	ErrNoBoundDevice = errors.New("stream has no bound device")

	// ErrDeviceBound is generated when a second device is bound to an
	// output stream
	ErrDeviceBound = errors.New("output stream already has a bound device")

	// ErrBitConflict is generated when two devices claim the same bit
	// position on a digital stream
	ErrBitConflict = errors.New("bit position already claimed on digital stream")

	// ErrTriggeredStartUnsupported is generated when triggered start is
	// requested from hardware that cannot honor it
	ErrTriggeredStartUnsupported = errors.New("hardware does not support triggered start")

	// ErrNotIdle is generated when Start is called on a controller that
	// is not idle
	ErrNotIdle = errors.New("controller is not idle")

	// ErrNoRate is generated when neither a stream nor its controller
	// owns a sample rate
	ErrNoRate = errors.New("no sample rate on stream or controller")
)

// Device is the view a stream has of its bound external device
type Device interface {
	// Name is the device's stable, controller-unique name
	Name() string

	// PullOutputData produces the next output block for the stream; ok
	// false means the device has no data (no trial is running)
	PullOutputData(stream *OutputStream, duration time.Duration) (data sampled.OutputData, ok bool, err error)

	// PushInputData hands an acquired block to the device
	PushInputData(stream *InputStream, data sampled.InputData) error

	// DidOutputData reports a span of output actually delivered to
	// hardware
	DidOutputData(stream *OutputStream, ts time.Time, span time.Duration, nodes []sampled.NodeConfiguration)

	// Background is the device's resting output value
	Background() stimuli.Background
}

// Hardware is the drive capability consumed once per iteration.  Drive
// consumes all output blocks and returns acquired input blocks of
// approximately interval duration, keyed by input stream name, plus a
// deficit reporting how much longer than interval the call took.
type Hardware interface {
	Drive(outputs map[string]sampled.OutputData, interval time.Duration) (inputs map[string]sampled.InputData, deficit time.Duration, err error)

	// SetBackground parks an output channel at its resting value; used
	// between trials and as the best-effort safety measure on stop
	SetBackground(stream string, background stimuli.Background) error
}

// TriggeredStarter is implemented by hardware that can arm acquisition on
// an external trigger.  Hardware without it rejects triggered start.
type TriggeredStarter interface {
	StartTriggered() error
}
