/*Package stimuli provides the lazy output-sample producers and
accumulating input-sample sinks of the acquisition pipeline.

A Stimulus yields output blocks on demand, never ahead of the consumer.
Three variants cover the practical cases: Rendered holds a fully
materialised buffer with a finite duration; Repeating cycles a buffer a
fixed number of times or forever; Delegated defers to caller-supplied
functions.  A Response accumulates acquired input blocks for one device,
ordered by input time.
*/
package stimuli

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/neuroacq/neuroacq/sampled"
	"github.com/neuroacq/neuroacq/units"
)

var (
	// ErrStimulusUnits is generated when a delegated stimulus produces
	// blocks whose unit drifts from the stimulus's declared unit
	ErrStimulusUnits = errors.New("stimulus produced a block with the wrong unit")

	// ErrStimulusRate is generated when a delegated stimulus produces
	// blocks at the wrong sample rate
	ErrStimulusRate = errors.New("stimulus produced a block at the wrong sample rate")

	// ErrExhausted is generated when Pull is called on a terminal iterator
	ErrExhausted = errors.New("stimulus has no more data")
)

// Stimulus is a lazy producer of output sample blocks
type Stimulus interface {
	// StimulusID identifies the stimulus kind, e.g. a generator name
	StimulusID() string

	// Unit is the base unit of the produced samples
	Unit() string

	// SampleRate is the rate of the produced samples
	SampleRate() units.Measurement

	// Parameters are the generation parameters, recorded verbatim on
	// persistence
	Parameters() map[string]interface{}

	// Duration returns the stimulus duration; ok is false for an
	// indefinite stimulus
	Duration() (d time.Duration, ok bool)

	// Blocks returns a fresh iterator over the stimulus's data.  Each
	// call restarts from the beginning.
	Blocks() *BlockSeq

	// DidOutputData records that a span of this stimulus was actually
	// delivered to hardware, with the pipeline nodes it passed through
	DidOutputData(span time.Duration, nodes []sampled.NodeConfiguration)

	// OutputConfigurationSpans returns the accumulated spans in
	// insertion order
	OutputConfigurationSpans() []sampled.ConfigurationSpan
}

// PersistsData is implemented by stimuli whose rendered samples should be
// stored alongside their parameters
type PersistsData interface {
	// PersistedData returns the sample buffer to store, and whether
	// storing was requested
	PersistedData() (sampled.OutputData, bool)
}

// BlockSeq is a stateful iterator over a stimulus's output blocks.  Blocks
// are produced on each Pull; the final block of a finite stimulus carries
// the terminal flag.
type BlockSeq struct {
	pull func(time.Duration) (sampled.OutputData, error)
	done bool
}

// Pull produces the next block, spanning at most the requested duration.
// After a terminal block has been returned, further pulls fail with
// ErrExhausted.
func (s *BlockSeq) Pull(d time.Duration) (sampled.OutputData, error) {
	if s.done {
		return sampled.OutputData{}, ErrExhausted
	}
	block, err := s.pull(d)
	if err != nil {
		s.done = true
		return sampled.OutputData{}, err
	}
	if block.IsLast() {
		s.done = true
	}
	return block, nil
}

// Done reports whether the iterator has yielded its terminal block
func (s *BlockSeq) Done() bool { return s.done }

// spanRecorder implements the DidOutputData side of Stimulus
type spanRecorder struct {
	spans []sampled.ConfigurationSpan
}

func (r *spanRecorder) DidOutputData(span time.Duration, nodes []sampled.NodeConfiguration) {
	r.spans = append(r.spans, sampled.ConfigurationSpan{Duration: span, Nodes: nodes})
}

func (r *spanRecorder) OutputConfigurationSpans() []sampled.ConfigurationSpan {
	return r.spans
}

// Rendered is a stimulus holding a fully materialised sample buffer
type Rendered struct {
	spanRecorder

	id     string
	params map[string]interface{}
	data   sampled.OutputData

	// persistData requests that the sample buffer be stored with the
	// epoch record, not just the parameters
	persistData bool
}

// NewRendered builds a stimulus from a materialised block
func NewRendered(id string, data sampled.OutputData, params map[string]interface{}, persistData bool) *Rendered {
	return &Rendered{id: id, data: data, params: params, persistData: persistData}
}

// StimulusID identifies the stimulus kind
func (s *Rendered) StimulusID() string { return s.id }

// Unit is the base unit of the produced samples
func (s *Rendered) Unit() string { return s.data.Unit() }

// SampleRate is the rate of the produced samples
func (s *Rendered) SampleRate() units.Measurement { return s.data.SampleRate() }

// Parameters are the generation parameters
func (s *Rendered) Parameters() map[string]interface{} { return s.params }

// Duration returns the buffer's span; a rendered stimulus is always finite
func (s *Rendered) Duration() (time.Duration, bool) { return s.data.Duration(), true }

// PersistedData returns the buffer when persistence was requested
func (s *Rendered) PersistedData() (sampled.OutputData, bool) { return s.data, s.persistData }

// Blocks returns an iterator whose concatenated output equals the
// underlying buffer, with the terminal flag on the final block
func (s *Rendered) Blocks() *BlockSeq {
	rest := s.data
	return &BlockSeq{pull: func(d time.Duration) (sampled.OutputData, error) {
		var head sampled.OutputData
		head, rest = rest.Split(d)
		if rest.Len() == 0 {
			return withLast(head), nil
		}
		return head, nil
	}}
}

// withLast rebuilds a block with the terminal flag set; Split only carries
// the flag when it came from the source block
func withLast(d sampled.OutputData) sampled.OutputData {
	out, err := sampled.NewOutputData(d.Samples(), d.SampleRate(), true)
	if err != nil {
		// the source block already passed validation
		panic(err)
	}
	return out
}

// Repeating is a stimulus cycling a materialised buffer, either a fixed
// number of times or indefinitely
type Repeating struct {
	spanRecorder

	id     string
	params map[string]interface{}
	data   sampled.OutputData

	// count is the number of cycles; zero means indefinite
	count int
}

// NewRepeating builds a stimulus that plays data count times.  count must
// be positive; use NewIndefinite for an endless cycle.
func NewRepeating(id string, data sampled.OutputData, params map[string]interface{}, count int) (*Repeating, error) {
	if count <= 0 {
		return nil, fmt.Errorf("repeat count must be positive, got %d", count)
	}
	return &Repeating{id: id, data: data, params: params, count: count}, nil
}

// NewIndefinite builds a stimulus that cycles data until the trial stops
func NewIndefinite(id string, data sampled.OutputData, params map[string]interface{}) *Repeating {
	return &Repeating{id: id, data: data, params: params}
}

// StimulusID identifies the stimulus kind
func (s *Repeating) StimulusID() string { return s.id }

// Unit is the base unit of the produced samples
func (s *Repeating) Unit() string { return s.data.Unit() }

// SampleRate is the rate of the produced samples
func (s *Repeating) SampleRate() units.Measurement { return s.data.SampleRate() }

// Parameters are the generation parameters
func (s *Repeating) Parameters() map[string]interface{} { return s.params }

// Duration returns count times the buffer span, or ok=false when the
// stimulus is indefinite
func (s *Repeating) Duration() (time.Duration, bool) {
	if s.count == 0 {
		return 0, false
	}
	return sampled.Duration(s.data.Len()*s.count, s.data.SampleRate()), true
}

// Blocks returns an iterator cycling through the source buffer
func (s *Repeating) Blocks() *BlockSeq {
	var (
		cycle = 0
		rest  = s.data
	)
	return &BlockSeq{pull: func(d time.Duration) (sampled.OutputData, error) {
		want := sampled.NumSamples(d, s.data.SampleRate())
		acc := make([]units.Measurement, 0, want)
		for len(acc) < want {
			if rest.Len() == 0 {
				// a fully consumed buffer marks the end of one cycle
				cycle++
				if s.count != 0 && cycle >= s.count {
					break
				}
				rest = s.data
			}
			var head sampled.OutputData
			head, rest = rest.Split(sampled.Duration(want-len(acc), s.data.SampleRate()))
			acc = append(acc, head.Samples()...)
		}
		// rest empty means the current cycle is spent: cycle+1 cycles are
		// consumed, or cycle already counts them when the loop broke
		// on the count
		terminal := s.count != 0 && rest.Len() == 0 && cycle+1 >= s.count
		return sampled.NewOutputData(acc, s.data.SampleRate(), terminal)
	}}
}

// BlockFunc produces one block of a delegated stimulus from the parameter
// map and the requested block duration
type BlockFunc func(params map[string]interface{}, blockDuration time.Duration) (sampled.OutputData, error)

// DurationFunc reports a delegated stimulus's total duration; ok false
// means indefinite
type DurationFunc func(params map[string]interface{}) (d time.Duration, ok bool)

// Delegated is a stimulus whose blocks come from a caller-supplied
// generator function
type Delegated struct {
	spanRecorder

	id       string
	unit     string
	rate     units.Measurement
	params   map[string]interface{}
	blockFn  BlockFunc
	duration DurationFunc
}

// NewDelegated builds a stimulus around a block generator and a duration
// query.  unit and rate declare what the generator must produce; drift is
// rejected at pull time.
func NewDelegated(id, unit string, rate units.Measurement, params map[string]interface{}, blockFn BlockFunc, duration DurationFunc) *Delegated {
	return &Delegated{id: id, unit: unit, rate: rate, params: params, blockFn: blockFn, duration: duration}
}

// StimulusID identifies the stimulus kind
func (s *Delegated) StimulusID() string { return s.id }

// Unit is the base unit the generator must produce
func (s *Delegated) Unit() string { return s.unit }

// SampleRate is the rate the generator must produce
func (s *Delegated) SampleRate() units.Measurement { return s.rate }

// Parameters are the generation parameters passed to the block function
func (s *Delegated) Parameters() map[string]interface{} { return s.params }

// Duration defers to the stimulus's duration query
func (s *Delegated) Duration() (time.Duration, bool) {
	return s.duration(s.params)
}

// Blocks returns an iterator that invokes the generator once per pull and
// enforces unit and rate consistency across blocks
func (s *Delegated) Blocks() *BlockSeq {
	var produced time.Duration
	total, finite := s.Duration()
	return &BlockSeq{pull: func(d time.Duration) (sampled.OutputData, error) {
		if finite && d > total-produced {
			d = total - produced
		}
		block, err := s.blockFn(s.params, d)
		if err != nil {
			return sampled.OutputData{}, err
		}
		if block.Len() > 0 && block.Unit() != s.unit {
			return sampled.OutputData{}, fmt.Errorf("%w: want %q got %q", ErrStimulusUnits, s.unit, block.Unit())
		}
		if !block.SampleRate().Equal(s.rate) {
			return sampled.OutputData{}, fmt.Errorf("%w: want %v got %v", ErrStimulusRate, s.rate, block.SampleRate())
		}
		produced += block.Duration()
		if finite && produced >= total && !block.IsLast() {
			return withLast(block), nil
		}
		return block, nil
	}}
}

// Response accumulates acquired input blocks for one device, ordered by
// input time
type Response struct {
	segments []sampled.InputData
}

// AppendData inserts a block into the response, keeping segments sorted by
// InputTime.  Ties keep insertion order.
func (r *Response) AppendData(block sampled.InputData) {
	idx := sort.Search(len(r.segments), func(i int) bool {
		return r.segments[i].InputTime().After(block.InputTime())
	})
	r.segments = append(r.segments, sampled.InputData{})
	copy(r.segments[idx+1:], r.segments[idx:])
	r.segments[idx] = block
}

// Segments returns the accumulated blocks in input-time order
func (r *Response) Segments() []sampled.InputData { return r.segments }

// Duration returns the sum of the segment durations
func (r *Response) Duration() time.Duration {
	var total time.Duration
	for _, seg := range r.segments {
		total += seg.Duration()
	}
	return total
}

// Samples returns the concatenated sample list across all segments.  The
// segments must share a base unit and sample rate.
func (r *Response) Samples() ([]units.Measurement, error) {
	if len(r.segments) == 0 {
		return nil, nil
	}
	rate := r.segments[0].SampleRate()
	var out []units.Measurement
	for _, seg := range r.segments {
		if !seg.SampleRate().Equal(rate) {
			return nil, sampled.RateMismatchError{Want: rate, Got: seg.SampleRate()}
		}
		if len(out) > 0 && seg.Len() > 0 && seg.Unit() != out[0].Unit {
			return nil, units.IncompatibilityError{Op: "response samples", Want: out[0].Unit, Got: seg.Unit()}
		}
		out = append(out, seg.Samples()...)
	}
	return out, nil
}

// SampleRate returns the rate of the first segment; a response with no
// segments has a zero rate
func (r *Response) SampleRate() units.Measurement {
	if len(r.segments) == 0 {
		return units.Measurement{}
	}
	return r.segments[0].SampleRate()
}

// InputTime returns the timestamp of the first acquired sample
func (r *Response) InputTime() time.Time {
	if len(r.segments) == 0 {
		return time.Time{}
	}
	return r.segments[0].InputTime()
}

// Background is the resting value emitted on an output channel when no
// stimulus is active
type Background struct {
	// Value is the resting measurement
	Value units.Measurement

	// SampleRate is the rate backgrounds are synthesized at
	SampleRate units.Measurement
}

// BlockOf synthesizes a background block spanning the given duration
func (b Background) BlockOf(span time.Duration) (sampled.OutputData, error) {
	return sampled.ConstantBlock(b.Value, b.SampleRate, span)
}
