/*Package sampled provides immutable blocks of measured samples with sample
rate and provenance metadata.

OutputData flows down the pipeline toward hardware; InputData flows back up.
Both carry a configuration span set recording the pipeline nodes the block
passed through.  All sample <-> time arithmetic in the repository goes
through NumSamples and Duration here; no other component does its own
rounding.
*/
package sampled

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/neuroacq/neuroacq/units"
)

var (
	// ErrExistingConfiguration is generated when a block is tagged with a
	// node name it already carries
	ErrExistingConfiguration = errors.New("block already carries a configuration for this node")

	// ErrConfiguredConcat is generated when concatenation is attempted on
	// a block that has already been tagged; concatenation must precede
	// tagging
	ErrConfiguredConcat = errors.New("cannot concatenate blocks that carry node configurations")

	// ErrNonPositiveRate is generated when a sample rate is zero or negative
	ErrNonPositiveRate = errors.New("sample rate must be positive")

	// ErrNotHertz is generated when a sample rate does not have Hz as its base unit
	ErrNotHertz = errors.New("sample rate must have base unit Hz")
)

// RateMismatchError is generated when an operation requires two equal
// sample rates and receives different ones
type RateMismatchError struct {
	Want, Got units.Measurement
}

func (e RateMismatchError) Error() string {
	return fmt.Sprintf("sample rate mismatch: want %v, got %v", e.Want, e.Got)
}

// CheckRate validates that a measurement is usable as a sample rate
func CheckRate(rate units.Measurement) error {
	if rate.Unit != "Hz" {
		return ErrNotHertz
	}
	if rate.Quantity <= 0 {
		return ErrNonPositiveRate
	}
	return nil
}

// NumSamples returns the number of samples spanning d at the given rate,
// rounding up
func NumSamples(d time.Duration, rate units.Measurement) int {
	return int(math.Ceil(d.Seconds() * rate.BaseUnitValue()))
}

// Duration returns the time spanned by n samples at the given rate,
// rounding up to the nanosecond
func Duration(n int, rate units.Measurement) time.Duration {
	ns := math.Ceil(float64(n) * float64(time.Second) / rate.BaseUnitValue())
	return time.Duration(ns)
}

// NodeConfiguration describes one pipeline node a block passed through
type NodeConfiguration struct {
	// Name identifies the node, unique within one block's span set
	Name string

	// Attributes are the node's settings at the time the block passed
	Attributes map[string]interface{}
}

// ConfigurationSpan pairs a duration with the nodes that shaped the
// samples during that span
type ConfigurationSpan struct {
	Duration time.Duration

	Nodes []NodeConfiguration
}

// OutputData is an immutable block of homogeneous-unit samples on its way
// to hardware
type OutputData struct {
	samples  []units.Measurement
	rate     units.Measurement
	isLast   bool
	nodeConf []NodeConfiguration
}

// NewOutputData builds an OutputData block.  All samples must share a base
// unit and the rate must be a positive Hz measurement.
func NewOutputData(samples []units.Measurement, rate units.Measurement, isLast bool) (OutputData, error) {
	if err := CheckRate(rate); err != nil {
		return OutputData{}, err
	}
	if err := checkHomogeneous(samples); err != nil {
		return OutputData{}, err
	}
	return OutputData{samples: samples, rate: rate, isLast: isLast}, nil
}

func checkHomogeneous(samples []units.Measurement) error {
	if len(samples) == 0 {
		return nil
	}
	unit := samples[0].Unit
	for _, s := range samples[1:] {
		if s.Unit != unit {
			return units.IncompatibilityError{Op: "block", Want: unit, Got: s.Unit}
		}
	}
	return nil
}

// Samples returns the sample sequence.  Callers must not mutate it.
func (d OutputData) Samples() []units.Measurement { return d.samples }

// Len returns the number of samples in the block
func (d OutputData) Len() int { return len(d.samples) }

// SampleRate returns the block's sample rate
func (d OutputData) SampleRate() units.Measurement { return d.rate }

// IsLast reports whether this is the final block of its stimulus
func (d OutputData) IsLast() bool { return d.isLast }

// Unit returns the base unit of the samples, or "" for an empty block
func (d OutputData) Unit() string {
	if len(d.samples) == 0 {
		return ""
	}
	return d.samples[0].Unit
}

// Duration returns the time spanned by the block
func (d OutputData) Duration() time.Duration {
	return Duration(len(d.samples), d.rate)
}

// NodeConfigurations returns the configurations the block has been tagged
// with, in tag order
func (d OutputData) NodeConfigurations() []NodeConfiguration { return d.nodeConf }

// Split divides the block at the given duration.  The head holds
// ceil(duration * rate) samples (bounded by the block length); the rest
// may be empty.  Configurations are carried onto both halves.
func (d OutputData) Split(at time.Duration) (head, rest OutputData) {
	n := NumSamples(at, d.rate)
	if n > len(d.samples) {
		n = len(d.samples)
	}
	head = OutputData{samples: d.samples[:n], rate: d.rate, nodeConf: d.nodeConf}
	rest = OutputData{samples: d.samples[n:], rate: d.rate, isLast: d.isLast, nodeConf: d.nodeConf}
	// the head is only terminal when nothing follows it
	if rest.Len() == 0 {
		head.isLast = d.isLast
	}
	return head, rest
}

// Concat joins two blocks.  The operands must share a sample rate and base
// unit and must not yet carry node configurations.
func (d OutputData) Concat(other OutputData) (OutputData, error) {
	if len(d.nodeConf) != 0 || len(other.nodeConf) != 0 {
		return OutputData{}, ErrConfiguredConcat
	}
	if !d.rate.Equal(other.rate) {
		return OutputData{}, RateMismatchError{Want: d.rate, Got: other.rate}
	}
	if d.Len() > 0 && other.Len() > 0 && d.Unit() != other.Unit() {
		return OutputData{}, units.IncompatibilityError{Op: "concat", Want: d.Unit(), Got: other.Unit()}
	}
	joined := make([]units.Measurement, 0, len(d.samples)+len(other.samples))
	joined = append(joined, d.samples...)
	joined = append(joined, other.samples...)
	return OutputData{
		samples: joined,
		rate:    d.rate,
		isLast:  d.isLast || other.isLast,
	}, nil
}

// WithConversion returns a block with fn applied to every sample,
// preserving rate, terminal flag and configurations
func (d OutputData) WithConversion(fn units.ConversionFunc) OutputData {
	converted := make([]units.Measurement, len(d.samples))
	for i, s := range d.samples {
		converted[i] = fn(s)
	}
	return OutputData{samples: converted, rate: d.rate, isLast: d.isLast, nodeConf: d.nodeConf}
}

// WithNodeConfiguration returns a block tagged with one more pipeline
// node.  Tagging the same node name twice is a programmer error.
func (d OutputData) WithNodeConfiguration(name string, attrs map[string]interface{}) (OutputData, error) {
	for _, nc := range d.nodeConf {
		if nc.Name == name {
			return OutputData{}, fmt.Errorf("%w: %q", ErrExistingConfiguration, name)
		}
	}
	conf := make([]NodeConfiguration, len(d.nodeConf), len(d.nodeConf)+1)
	copy(conf, d.nodeConf)
	conf = append(conf, NodeConfiguration{Name: name, Attributes: attrs})
	return OutputData{samples: d.samples, rate: d.rate, isLast: d.isLast, nodeConf: conf}, nil
}

// InputData is an immutable block of homogeneous-unit samples acquired
// from hardware.  InputTime is the timestamp of the first sample.
type InputData struct {
	samples   []units.Measurement
	rate      units.Measurement
	inputTime time.Time
	nodeConf  []NodeConfiguration
}

// NewInputData builds an InputData block under the same sample constraints
// as NewOutputData
func NewInputData(samples []units.Measurement, rate units.Measurement, inputTime time.Time) (InputData, error) {
	if err := CheckRate(rate); err != nil {
		return InputData{}, err
	}
	if err := checkHomogeneous(samples); err != nil {
		return InputData{}, err
	}
	return InputData{samples: samples, rate: rate, inputTime: inputTime}, nil
}

// Samples returns the sample sequence.  Callers must not mutate it.
func (d InputData) Samples() []units.Measurement { return d.samples }

// Len returns the number of samples in the block
func (d InputData) Len() int { return len(d.samples) }

// SampleRate returns the block's sample rate
func (d InputData) SampleRate() units.Measurement { return d.rate }

// InputTime returns the timestamp of the first sample
func (d InputData) InputTime() time.Time { return d.inputTime }

// Unit returns the base unit of the samples, or "" for an empty block
func (d InputData) Unit() string {
	if len(d.samples) == 0 {
		return ""
	}
	return d.samples[0].Unit
}

// Duration returns the time spanned by the block
func (d InputData) Duration() time.Duration {
	return Duration(len(d.samples), d.rate)
}

// NodeConfigurations returns the configurations the block has been tagged
// with, in tag order
func (d InputData) NodeConfigurations() []NodeConfiguration { return d.nodeConf }

// Split divides the block at the given duration.  The rest's InputTime is
// derived from the head's span; InputTime is never shifted any other way.
func (d InputData) Split(at time.Duration) (head, rest InputData) {
	n := NumSamples(at, d.rate)
	if n > len(d.samples) {
		n = len(d.samples)
	}
	head = InputData{samples: d.samples[:n], rate: d.rate, inputTime: d.inputTime, nodeConf: d.nodeConf}
	rest = InputData{
		samples:   d.samples[n:],
		rate:      d.rate,
		inputTime: d.inputTime.Add(head.Duration()),
		nodeConf:  d.nodeConf,
	}
	return head, rest
}

// Concat joins two input blocks under the same constraints as
// OutputData.Concat.  The left operand's InputTime is kept.
func (d InputData) Concat(other InputData) (InputData, error) {
	if len(d.nodeConf) != 0 || len(other.nodeConf) != 0 {
		return InputData{}, ErrConfiguredConcat
	}
	if !d.rate.Equal(other.rate) {
		return InputData{}, RateMismatchError{Want: d.rate, Got: other.rate}
	}
	if d.Len() > 0 && other.Len() > 0 && d.Unit() != other.Unit() {
		return InputData{}, units.IncompatibilityError{Op: "concat", Want: d.Unit(), Got: other.Unit()}
	}
	joined := make([]units.Measurement, 0, len(d.samples)+len(other.samples))
	joined = append(joined, d.samples...)
	joined = append(joined, other.samples...)
	return InputData{samples: joined, rate: d.rate, inputTime: d.inputTime}, nil
}

// WithConversion returns a block with fn applied to every sample
func (d InputData) WithConversion(fn units.ConversionFunc) InputData {
	converted := make([]units.Measurement, len(d.samples))
	for i, s := range d.samples {
		converted[i] = fn(s)
	}
	return InputData{samples: converted, rate: d.rate, inputTime: d.inputTime, nodeConf: d.nodeConf}
}

// WithNodeConfiguration returns a block tagged with one more pipeline node
func (d InputData) WithNodeConfiguration(name string, attrs map[string]interface{}) (InputData, error) {
	for _, nc := range d.nodeConf {
		if nc.Name == name {
			return InputData{}, fmt.Errorf("%w: %q", ErrExistingConfiguration, name)
		}
	}
	conf := make([]NodeConfiguration, len(d.nodeConf), len(d.nodeConf)+1)
	copy(conf, d.nodeConf)
	conf = append(conf, NodeConfiguration{Name: name, Attributes: attrs})
	return InputData{samples: d.samples, rate: d.rate, inputTime: d.inputTime, nodeConf: conf}, nil
}

// ConstantBlock builds an OutputData whose samples all equal value,
// spanning the given duration at the given rate
func ConstantBlock(value units.Measurement, rate units.Measurement, span time.Duration) (OutputData, error) {
	n := NumSamples(span, rate)
	samples := make([]units.Measurement, n)
	for i := range samples {
		samples[i] = value
	}
	return NewOutputData(samples, rate, false)
}
