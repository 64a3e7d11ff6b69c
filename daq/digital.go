package daq

import (
	"fmt"
	"time"

	"github.com/neuroacq/neuroacq/sampled"
	"github.com/neuroacq/neuroacq/stimuli"
	"github.com/neuroacq/neuroacq/units"
	"github.com/neuroacq/neuroacq/util"
)

// DigitalUnit is the base unit carried by samples on digital streams
const DigitalUnit = "bits"

type digitalBinding struct {
	device Device
	bit    uint
}

// DigitalOutputStream multiplexes several devices onto one digital output
// channel.  Each bound device occupies a distinct bit position; the
// delivered sample is the per-sample OR of the shifted device values.
type DigitalOutputStream struct {
	name string

	rate units.Measurement

	active      bool
	hasMoreData bool
	bindings    []digitalBinding
	controller  *Controller
}

// NewDigitalOutputStream builds a digital output stream
func NewDigitalOutputStream(name string, rate units.Measurement) (*DigitalOutputStream, error) {
	if rate != (units.Measurement{}) {
		if err := sampled.CheckRate(rate); err != nil {
			return nil, fmt.Errorf("stream %q: %w", name, err)
		}
	}
	return &DigitalOutputStream{name: name, rate: rate, active: true, hasMoreData: true}, nil
}

// Name returns the stream's name
func (s *DigitalOutputStream) Name() string { return s.name }

// SampleRate returns the stream's rate, falling back to the controller's
func (s *DigitalOutputStream) SampleRate() (units.Measurement, error) {
	if s.rate != (units.Measurement{}) {
		return s.rate, nil
	}
	if s.controller != nil && s.controller.sampleRate != (units.Measurement{}) {
		return s.controller.sampleRate, nil
	}
	return units.Measurement{}, fmt.Errorf("stream %q: %w", s.name, ErrNoRate)
}

// Active reports whether the stream participates in iterations
func (s *DigitalOutputStream) Active() bool { return s.active }

// SetActive includes or excludes the stream from iterations
func (s *DigitalOutputStream) SetActive(active bool) { s.active = active }

// HasMoreData reports whether any bound device expects to deliver more
func (s *DigitalOutputStream) HasMoreData() bool { return s.hasMoreData }

// Reset re-arms the stream after a terminal block
func (s *DigitalOutputStream) Reset() { s.hasMoreData = true }

// BindDevice binds a device at a bit position.  Two devices may not claim
// the same position.
func (s *DigitalOutputStream) BindDevice(d Device, bit uint) error {
	for _, b := range s.bindings {
		if b.bit == bit {
			return fmt.Errorf("%w: %q bit %d (held by %q)", ErrBitConflict, s.name, bit, b.device.Name())
		}
	}
	s.bindings = append(s.bindings, digitalBinding{device: d, bit: bit})
	return nil
}

// PullOutputData pulls a block from every bound device, shifts each
// device's samples to its bit position and merges them with a per-sample
// OR.  All devices must deliver the same number of samples.
func (s *DigitalOutputStream) PullOutputData(duration time.Duration) (sampled.OutputData, error) {
	if len(s.bindings) == 0 {
		return sampled.OutputData{}, fmt.Errorf("%w: %q", ErrNoBoundDevice, s.name)
	}
	rate, err := s.SampleRate()
	if err != nil {
		return sampled.OutputData{}, err
	}
	var (
		merged []units.Measurement
		last   = true
	)
	for _, b := range s.bindings {
		block, ok, err := b.device.PullOutputData(nil, duration)
		if err != nil {
			return sampled.OutputData{}, err
		}
		if !ok {
			bg := b.device.Background()
			block, err = bg.BlockOf(duration)
			if err != nil {
				return sampled.OutputData{}, err
			}
		}
		if !block.SampleRate().Equal(rate) {
			return sampled.OutputData{}, fmt.Errorf("stream %q: %w", s.name,
				sampled.RateMismatchError{Want: rate, Got: block.SampleRate()})
		}
		if !block.IsLast() {
			last = false
		}
		samples := block.Samples()
		if merged == nil {
			merged = make([]units.Measurement, len(samples))
			for i := range merged {
				merged[i] = units.Measurement{Unit: DigitalUnit}
			}
		}
		if len(samples) != len(merged) {
			return sampled.OutputData{}, fmt.Errorf("stream %q: device %q delivered %d samples, want %d",
				s.name, b.device.Name(), len(samples), len(merged))
		}
		for i, sm := range samples {
			shifted := util.ShiftLeft(int64(sm.BaseUnitValue()), b.bit)
			merged[i].Quantity = float64(int64(merged[i].Quantity) | shifted)
		}
	}
	if last {
		s.hasMoreData = false
	}
	return sampled.NewOutputData(merged, rate, last)
}

// DidOutputData reports delivery to every bound device
func (s *DigitalOutputStream) DidOutputData(ts time.Time, span time.Duration, nodes []sampled.NodeConfiguration) {
	for _, b := range s.bindings {
		b.device.DidOutputData(nil, ts, span, nodes)
	}
}

// Background merges the bound devices' background values into one shifted
// resting word
func (s *DigitalOutputStream) Background() (stimuli.Background, error) {
	rate, err := s.SampleRate()
	if err != nil {
		return stimuli.Background{}, err
	}
	var word int64
	for _, b := range s.bindings {
		word |= util.ShiftLeft(int64(b.device.Background().Value.BaseUnitValue()), b.bit)
	}
	return stimuli.Background{
		Value:      units.Measurement{Quantity: float64(word), Unit: DigitalUnit},
		SampleRate: rate,
	}, nil
}

// BoundDevices returns the bound devices across all bit positions
func (s *DigitalOutputStream) BoundDevices() []Device {
	out := make([]Device, 0, len(s.bindings))
	for _, b := range s.bindings {
		out = append(out, b.device)
	}
	return out
}

func (s *DigitalOutputStream) attach(c *Controller) { s.controller = c }

// DigitalInputStream demultiplexes one digital input channel onto several
// devices.  Each device receives only its bit.
type DigitalInputStream struct {
	name string

	rate units.Measurement

	active     bool
	bindings   []digitalBinding
	controller *Controller
}

// NewDigitalInputStream builds a digital input stream
func NewDigitalInputStream(name string, rate units.Measurement) (*DigitalInputStream, error) {
	if rate != (units.Measurement{}) {
		if err := sampled.CheckRate(rate); err != nil {
			return nil, fmt.Errorf("stream %q: %w", name, err)
		}
	}
	return &DigitalInputStream{name: name, rate: rate, active: true}, nil
}

// Name returns the stream's name
func (s *DigitalInputStream) Name() string { return s.name }

// SampleRate returns the stream's rate, falling back to the controller's
func (s *DigitalInputStream) SampleRate() (units.Measurement, error) {
	if s.rate != (units.Measurement{}) {
		return s.rate, nil
	}
	if s.controller != nil && s.controller.sampleRate != (units.Measurement{}) {
		return s.controller.sampleRate, nil
	}
	return units.Measurement{}, fmt.Errorf("stream %q: %w", s.name, ErrNoRate)
}

// Active reports whether the stream participates in iterations
func (s *DigitalInputStream) Active() bool { return s.active }

// SetActive includes or excludes the stream from iterations
func (s *DigitalInputStream) SetActive(active bool) { s.active = active }

// BindDevice binds a device at a bit position.  Two devices may not claim
// the same position.
func (s *DigitalInputStream) BindDevice(d Device, bit uint) error {
	for _, b := range s.bindings {
		if b.bit == bit {
			return fmt.Errorf("%w: %q bit %d (held by %q)", ErrBitConflict, s.name, bit, b.device.Name())
		}
	}
	s.bindings = append(s.bindings, digitalBinding{device: d, bit: bit})
	return nil
}

// PushInputData masks the block per device and forwards each device its
// own bit
func (s *DigitalInputStream) PushInputData(block sampled.InputData) error {
	rate, err := s.SampleRate()
	if err != nil {
		return err
	}
	if !block.SampleRate().Equal(rate) {
		return fmt.Errorf("stream %q: %w", s.name,
			sampled.RateMismatchError{Want: rate, Got: block.SampleRate()})
	}
	for _, b := range s.bindings {
		samples := block.Samples()
		masked := make([]units.Measurement, len(samples))
		for i, sm := range samples {
			bitval := util.MaskBit(int64(sm.BaseUnitValue()), b.bit)
			masked[i] = units.Measurement{Quantity: float64(bitval), Unit: DigitalUnit}
		}
		out, err := sampled.NewInputData(masked, rate, block.InputTime())
		if err != nil {
			return err
		}
		if err := b.device.PushInputData(nil, out); err != nil {
			return err
		}
	}
	return nil
}

// BoundDevices returns the bound devices across all bit positions
func (s *DigitalInputStream) BoundDevices() []Device {
	out := make([]Device, 0, len(s.bindings))
	for _, b := range s.bindings {
		out = append(out, b.device)
	}
	return out
}

func (s *DigitalInputStream) attach(c *Controller) { s.controller = c }
