/*Package device provides the external-device layer of the acquisition
pipeline: the logical instruments of a rig (amplifiers, LEDs, probes)
that the core talks to through DAQ streams.

A device converts between the pipeline's units and the hardware's, tags
every block with its configuration snapshot, and routes pulls and pushes
between its streams and the acquisition controller.  The inheritance
chain the problem is usually modelled with flattens here to one concrete
type holding a pluggable conversion pair; the amplifier adds a
time-indexed parameter history fed by a telegraph.
*/
package device

import (
	"errors"
	"fmt"
	"time"

	"github.com/neuroacq/neuroacq/clock"
	"github.com/neuroacq/neuroacq/daq"
	"github.com/neuroacq/neuroacq/sampled"
	"github.com/neuroacq/neuroacq/stimuli"
	"github.com/neuroacq/neuroacq/units"
)

var (
	// ErrDurationTooShort is generated when a pull requests less than
	// one sample period
	ErrDurationTooShort = errors.New("requested duration is shorter than one sample")

	// ErrNoOperatingMode is generated when a conversion needs device
	// parameters and none have been received
	ErrNoOperatingMode = errors.New("device has no operating-mode parameters")
)

// Controller is the view a device has of the acquisition controller.
// Pulls that return ok false mean no trial is running; the stream then
// holds its background.
type Controller interface {
	PullOutputData(deviceName string, duration time.Duration) (data sampled.OutputData, ok bool, err error)

	PushInputData(deviceName string, data sampled.InputData) error

	DidOutputData(deviceName string, ts time.Time, span time.Duration, nodes []sampled.NodeConfiguration)
}

// ExternalDevice is a logical instrument bound to one or more streams.
// It is created before the first epoch, exclusively owned by its
// controller, and released on controller teardown.
type ExternalDevice struct {
	name         string
	manufacturer string
	background   stimuli.Background
	clk          clock.Clock
	controller   Controller

	// conversionTarget is the display unit this device's hardware side
	// speaks, e.g. "V" for an analog channel commanded in volts
	conversionTarget string

	// outgoing converts pipeline samples to hardware units; incoming
	// reverses it for acquired samples.  Nil means identity.
	outgoing units.ConversionFunc
	incoming units.ConversionFunc

	// configuration is the snapshot stamped onto every block the device
	// touches
	configuration map[string]interface{}

	// streams indexes the device's bound streams by local name, for the
	// persisted record
	streams map[string]string
}

// New builds an external device.  The name must be unique within the
// owning controller.
func New(name, manufacturer string, bg stimuli.Background, clk clock.Clock, ctrl Controller) *ExternalDevice {
	return &ExternalDevice{
		name:          name,
		manufacturer:  manufacturer,
		background:    bg,
		clk:           clk,
		controller:    ctrl,
		configuration: make(map[string]interface{}),
		streams:       make(map[string]string),
	}
}

// Name returns the device's stable name
func (d *ExternalDevice) Name() string { return d.name }

// Manufacturer returns the maker of the physical instrument
func (d *ExternalDevice) Manufacturer() string { return d.manufacturer }

// Background is the device's resting output value
func (d *ExternalDevice) Background() stimuli.Background { return d.background }

// SetBackground replaces the device's resting output value
func (d *ExternalDevice) SetBackground(bg stimuli.Background) { d.background = bg }

// ConversionTarget returns the display unit the device's hardware side
// speaks
func (d *ExternalDevice) ConversionTarget() string { return d.conversionTarget }

// SetConversionTarget sets the display unit the device's hardware side
// speaks
func (d *ExternalDevice) SetConversionTarget(unit string) { d.conversionTarget = unit }

// SetConversions installs the unit conversion pair.  Nil means identity.
func (d *ExternalDevice) SetConversions(outgoing, incoming units.ConversionFunc) {
	d.outgoing = outgoing
	d.incoming = incoming
}

// SetConfiguration replaces a key of the configuration snapshot stamped
// onto blocks
func (d *ExternalDevice) SetConfiguration(key string, value interface{}) {
	d.configuration[key] = value
}

// BindStreamName records a bound stream under a device-local name
func (d *ExternalDevice) BindStreamName(local, stream string) {
	d.streams[local] = stream
}

// StreamNames returns the device's bound streams by local name
func (d *ExternalDevice) StreamNames() map[string]string {
	out := make(map[string]string, len(d.streams))
	for k, v := range d.streams {
		out[k] = v
	}
	return out
}

// PullOutputData draws the device's next output block from the
// acquisition controller, converts it to hardware units, and tags it with
// the device's configuration.  ok false means no trial is running.
func (d *ExternalDevice) PullOutputData(stream *daq.OutputStream, duration time.Duration) (sampled.OutputData, bool, error) {
	// the pulled stream's rate sets the sub-sample threshold; the
	// background rate stands in when no stream is in hand
	rate := d.background.SampleRate
	if stream != nil {
		if r, err := stream.SampleRate(); err == nil {
			rate = r
		}
	}
	if sampled.CheckRate(rate) == nil && duration < sampled.Duration(1, rate) {
		return sampled.OutputData{}, false, fmt.Errorf("device %q: %w (%v)", d.name, ErrDurationTooShort, duration)
	}
	block, ok, err := d.controller.PullOutputData(d.name, duration)
	if err != nil {
		return sampled.OutputData{}, false, err
	}
	if !ok {
		return sampled.OutputData{}, false, nil
	}
	if d.outgoing != nil {
		block = block.WithConversion(d.outgoing)
	}
	block, err = block.WithNodeConfiguration(d.name, d.snapshot())
	if err != nil {
		return sampled.OutputData{}, false, err
	}
	return block, true, nil
}

// PushInputData reverses the unit conversion on an acquired block, tags
// it, and forwards it to the acquisition controller
func (d *ExternalDevice) PushInputData(stream *daq.InputStream, block sampled.InputData) error {
	if d.incoming != nil {
		block = block.WithConversion(d.incoming)
	}
	block, err := block.WithNodeConfiguration(d.name, d.snapshot())
	if err != nil {
		return err
	}
	return d.controller.PushInputData(d.name, block)
}

// DidOutputData forwards a delivery report to the acquisition controller
func (d *ExternalDevice) DidOutputData(stream *daq.OutputStream, ts time.Time, span time.Duration, nodes []sampled.NodeConfiguration) {
	d.controller.DidOutputData(d.name, ts, span, nodes)
}

// snapshot copies the configuration map so tagged blocks do not alias it
func (d *ExternalDevice) snapshot() map[string]interface{} {
	out := make(map[string]interface{}, len(d.configuration))
	for k, v := range d.configuration {
		out[k] = v
	}
	return out
}
