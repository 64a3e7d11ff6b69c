package daq

import (
	"fmt"
	"time"

	"github.com/neuroacq/neuroacq/sampled"
	"github.com/neuroacq/neuroacq/stimuli"
	"github.com/neuroacq/neuroacq/units"
)

// OutputStream is a named output endpoint on a DAQ controller.  At most
// one device may be bound to it.
type OutputStream struct {
	name string

	// rate is the stream-owned sample rate; a zero rate delegates to the
	// controller (some hardware enforces one rate across channels)
	rate units.Measurement

	// conversionTarget is the display unit blocks must be expressed in
	// before they reach hardware
	conversionTarget string

	active      bool
	hasMoreData bool
	device      Device
	controller  *Controller
}

// NewOutputStream builds an output stream.  Pass a zero rate to delegate
// the sample rate to the controller.
func NewOutputStream(name string, rate units.Measurement, conversionTarget string) (*OutputStream, error) {
	if rate != (units.Measurement{}) {
		if err := sampled.CheckRate(rate); err != nil {
			return nil, fmt.Errorf("stream %q: %w", name, err)
		}
	}
	return &OutputStream{
		name:             name,
		rate:             rate,
		conversionTarget: conversionTarget,
		active:           true,
		hasMoreData:      true,
	}, nil
}

// Name returns the stream's name, unique on its controller
func (s *OutputStream) Name() string { return s.name }

// ConversionTarget returns the display unit this stream delivers to
// hardware
func (s *OutputStream) ConversionTarget() string { return s.conversionTarget }

// SampleRate returns the stream's rate, falling back to the controller's
// when the stream delegates
func (s *OutputStream) SampleRate() (units.Measurement, error) {
	if s.rate != (units.Measurement{}) {
		return s.rate, nil
	}
	if s.controller != nil && s.controller.sampleRate != (units.Measurement{}) {
		return s.controller.sampleRate, nil
	}
	return units.Measurement{}, fmt.Errorf("stream %q: %w", s.name, ErrNoRate)
}

// Active reports whether the stream participates in iterations
func (s *OutputStream) Active() bool { return s.active }

// SetActive includes or excludes the stream from iterations
func (s *OutputStream) SetActive(active bool) { s.active = active }

// HasMoreData reports whether the stream expects to deliver more output;
// it goes false once a terminal block has been returned
func (s *OutputStream) HasMoreData() bool { return s.hasMoreData }

// Reset re-arms the stream after a terminal block
func (s *OutputStream) Reset() { s.hasMoreData = true }

// BindDevice binds the producing device; only one device may be bound to
// an output stream
func (s *OutputStream) BindDevice(d Device) error {
	if s.device != nil {
		return fmt.Errorf("%w: %q", ErrDeviceBound, s.name)
	}
	s.device = d
	return nil
}

// BoundDevice returns the bound device, or nil
func (s *OutputStream) BoundDevice() Device { return s.device }

// BoundDevices returns the bound device as a slice, for the capability
// interface shared with digital streams
func (s *OutputStream) BoundDevices() []Device {
	if s.device == nil {
		return nil
	}
	return []Device{s.device}
}

// PullOutputData produces the next block for hardware, of at most the
// requested duration.  When the device reports no data and the stream is
// still active, the device's background pads the block.  A block at the
// wrong sample rate terminates the iteration.
func (s *OutputStream) PullOutputData(duration time.Duration) (sampled.OutputData, error) {
	if s.device == nil {
		return sampled.OutputData{}, fmt.Errorf("%w: %q", ErrNoBoundDevice, s.name)
	}
	rate, err := s.SampleRate()
	if err != nil {
		return sampled.OutputData{}, err
	}
	block, ok, err := s.device.PullOutputData(s, duration)
	if err != nil {
		return sampled.OutputData{}, err
	}
	if !ok {
		// no trial running: hold the line at the device's background
		bg := s.device.Background()
		block, err = bg.BlockOf(duration)
		if err != nil {
			return sampled.OutputData{}, err
		}
	}
	if !block.SampleRate().Equal(rate) {
		return sampled.OutputData{}, fmt.Errorf("stream %q: %w", s.name,
			sampled.RateMismatchError{Want: rate, Got: block.SampleRate()})
	}
	if block.IsLast() {
		s.hasMoreData = false
	}
	return block, nil
}

// DidOutputData reports a span of output actually delivered to hardware,
// forwarding to the bound device and ultimately the stimulus
func (s *OutputStream) DidOutputData(ts time.Time, span time.Duration, nodes []sampled.NodeConfiguration) {
	if s.device == nil {
		return
	}
	s.device.DidOutputData(s, ts, span, nodes)
}

// ApplyBackground asks the controller to park this stream's output at the
// device's background value
func (s *OutputStream) ApplyBackground() error {
	if s.device == nil {
		return fmt.Errorf("%w: %q", ErrNoBoundDevice, s.name)
	}
	if s.controller == nil {
		return fmt.Errorf("stream %q is not attached to a controller", s.name)
	}
	return s.controller.applyBackground(s)
}

// Background returns the bound device's resting value
func (s *OutputStream) Background() (stimuli.Background, error) {
	if s.device == nil {
		return stimuli.Background{}, fmt.Errorf("%w: %q", ErrNoBoundDevice, s.name)
	}
	return s.device.Background(), nil
}

func (s *OutputStream) attach(c *Controller) { s.controller = c }

// InputStream is a named input endpoint on a DAQ controller.  Any number
// of devices may be bound to it, and each receives every acquired block
// whole; per-device bit positions belong to DigitalInputStream.
type InputStream struct {
	name string

	rate units.Measurement

	conversionTarget string

	active     bool
	devices    []Device
	controller *Controller
}

// NewInputStream builds an input stream.  Pass a zero rate to delegate the
// sample rate to the controller.
func NewInputStream(name string, rate units.Measurement, conversionTarget string) (*InputStream, error) {
	if rate != (units.Measurement{}) {
		if err := sampled.CheckRate(rate); err != nil {
			return nil, fmt.Errorf("stream %q: %w", name, err)
		}
	}
	return &InputStream{
		name:             name,
		rate:             rate,
		conversionTarget: conversionTarget,
		active:           true,
	}, nil
}

// Name returns the stream's name, unique on its controller
func (s *InputStream) Name() string { return s.name }

// ConversionTarget returns the display unit acquired blocks arrive in
func (s *InputStream) ConversionTarget() string { return s.conversionTarget }

// SampleRate returns the stream's rate, falling back to the controller's
// when the stream delegates
func (s *InputStream) SampleRate() (units.Measurement, error) {
	if s.rate != (units.Measurement{}) {
		return s.rate, nil
	}
	if s.controller != nil && s.controller.sampleRate != (units.Measurement{}) {
		return s.controller.sampleRate, nil
	}
	return units.Measurement{}, fmt.Errorf("stream %q: %w", s.name, ErrNoRate)
}

// Active reports whether the stream participates in iterations
func (s *InputStream) Active() bool { return s.active }

// SetActive includes or excludes the stream from iterations
func (s *InputStream) SetActive(active bool) { s.active = active }

// BindDevice adds a consuming device
func (s *InputStream) BindDevice(d Device) error {
	s.devices = append(s.devices, d)
	return nil
}

// BoundDevices returns the consuming devices
func (s *InputStream) BoundDevices() []Device { return s.devices }

func (s *InputStream) attach(c *Controller) { s.controller = c }

// PushInputData forwards an acquired block to each bound device.  A block
// at the wrong sample rate terminates the iteration.
func (s *InputStream) PushInputData(block sampled.InputData) error {
	rate, err := s.SampleRate()
	if err != nil {
		return err
	}
	if !block.SampleRate().Equal(rate) {
		return fmt.Errorf("stream %q: %w", s.name,
			sampled.RateMismatchError{Want: rate, Got: block.SampleRate()})
	}
	for _, d := range s.devices {
		if err := d.PushInputData(s, block); err != nil {
			return err
		}
	}
	return nil
}
