package persist

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/neuroacq/neuroacq/epoch"
	"github.com/neuroacq/neuroacq/sampled"
	"github.com/neuroacq/neuroacq/stimuli"
	"github.com/neuroacq/neuroacq/units"
)

var (
	// ErrNoOpenBlock is generated when Serialize or EndEpochBlock is
	// called without an open epoch block
	ErrNoOpenBlock = errors.New("no open epoch block")

	// ErrBlockOpen is generated when a block is opened while another is
	// still open
	ErrBlockOpen = errors.New("an epoch block is already open")
)

// FITS records epochs as a stream of FITS HDUs: one float64 image per
// response and per persisted stimulus buffer, with the trial's identity,
// timing, parameters and configuration spans in the header cards.  The
// grouping levels become header keys on their members rather than a
// container structure; FITS is flat.
type FITS struct {
	w    io.WriteCloser
	fits *fitsio.File

	experiment string
	group      string
	source     string
	protocol   string
	params     map[string]interface{}
	blockOpen  bool
	serial     int
}

// NewFITS opens an archive writing to w.  The caller keeps ownership of
// nothing; Close closes w.
func NewFITS(w io.WriteCloser) (*FITS, error) {
	f, err := fitsio.Create(w)
	if err != nil {
		return nil, err
	}
	return &FITS{w: w, fits: f}, nil
}

// BeginExperiment records the experiment purpose stamped onto subsequent
// epochs
func (p *FITS) BeginExperiment(purpose string, start time.Time) error {
	p.experiment = purpose
	return nil
}

// EndExperiment clears the experiment purpose
func (p *FITS) EndExperiment(end time.Time) error {
	p.experiment = ""
	return nil
}

// BeginEpochGroup records the group label stamped onto subsequent epochs
func (p *FITS) BeginEpochGroup(label, source string, start time.Time) error {
	p.group = label
	p.source = source
	return nil
}

// EndEpochGroup clears the group label
func (p *FITS) EndEpochGroup(end time.Time) error {
	p.group = ""
	p.source = ""
	return nil
}

// BeginEpochBlock opens a block of epochs produced by one protocol
func (p *FITS) BeginEpochBlock(protocolID string, parameters map[string]interface{}, start time.Time) error {
	if p.blockOpen {
		return ErrBlockOpen
	}
	p.protocol = protocolID
	p.params = parameters
	p.blockOpen = true
	return nil
}

// EndEpochBlock closes the open block
func (p *FITS) EndEpochBlock(end time.Time) error {
	if !p.blockOpen {
		return ErrNoOpenBlock
	}
	p.blockOpen = false
	return nil
}

// Serialize writes one epoch's responses and requested stimulus buffers
// into the archive
func (p *FITS) Serialize(e *epoch.Epoch) (Handle, error) {
	if !p.blockOpen {
		return "", ErrNoOpenBlock
	}
	p.serial++
	handle := Handle(fmt.Sprintf("%s/%d", p.protocol, p.serial))

	common := []fitsio.Card{
		{Name: "PROTO", Value: e.ProtocolID, Comment: "protocol id"},
		{Name: "EXPMT", Value: p.experiment, Comment: "experiment purpose"},
		{Name: "GROUP", Value: p.group, Comment: "epoch group label"},
		{Name: "SOURCE", Value: p.source, Comment: "epoch group source"},
		{Name: "EPOCH", Value: p.serial, Comment: "epoch serial within file"},
	}
	if start, ok := e.StartTime(); ok {
		common = append(common, fitsio.Card{Name: "TSTART", Value: start.Format(time.RFC3339Nano), Comment: "epoch start"})
	}
	for i, kw := range e.Keywords() {
		common = append(common, fitsio.Card{Name: fmt.Sprintf("KEYWD%d", i), Value: kw})
	}
	common = append(common, paramCards("PRM", e.Parameters)...)

	for name, r := range e.Responses() {
		samples, err := r.Samples()
		if err != nil {
			return "", fmt.Errorf("response %q: %w", name, err)
		}
		cards := append([]fitsio.Card{}, common...)
		cards = append(cards,
			fitsio.Card{Name: "HDUTYPE", Value: "RESPONSE"},
			fitsio.Card{Name: "DEVICE", Value: name, Comment: "recording device"},
			fitsio.Card{Name: "RATE", Value: r.SampleRate().BaseUnitValue(), Comment: "sample rate, Hz"},
			fitsio.Card{Name: "TINPUT", Value: r.InputTime().Format(time.RFC3339Nano), Comment: "first sample time"},
		)
		if len(samples) > 0 {
			cards = append(cards, fitsio.Card{Name: "BUNIT", Value: samples[0].Unit})
		}
		for i, seg := range r.Segments() {
			cards = append(cards, fitsio.Card{
				Name:    fmt.Sprintf("SEG%d", i),
				Value:   seg.Duration().Nanoseconds(),
				Comment: spanComment(sampled.ConfigurationSpan{Nodes: seg.NodeConfigurations()}),
			})
		}
		if err := p.writeVector(cards, measurementValues(samples)); err != nil {
			return "", fmt.Errorf("response %q: %w", name, err)
		}
	}

	for name, s := range e.Stimuli() {
		cards := append([]fitsio.Card{}, common...)
		cards = append(cards,
			fitsio.Card{Name: "HDUTYPE", Value: "STIMULUS"},
			fitsio.Card{Name: "DEVICE", Value: name, Comment: "stimulated device"},
			fitsio.Card{Name: "STIMID", Value: s.StimulusID()},
			fitsio.Card{Name: "BUNIT", Value: s.Unit()},
			fitsio.Card{Name: "RATE", Value: s.SampleRate().BaseUnitValue(), Comment: "sample rate, Hz"},
		)
		if d, ok := s.Duration(); ok {
			cards = append(cards, fitsio.Card{Name: "DURNS", Value: d.Nanoseconds(), Comment: "duration, ns"})
		}
		cards = append(cards, paramCards("SPM", s.Parameters())...)
		for i, span := range s.OutputConfigurationSpans() {
			cards = append(cards, fitsio.Card{
				Name:    fmt.Sprintf("SPAN%d", i),
				Value:   span.Duration.Nanoseconds(),
				Comment: spanComment(span),
			})
		}
		var data []float64
		if pd, ok := s.(stimuli.PersistsData); ok {
			if buf, keep := pd.PersistedData(); keep {
				data = measurementValues(buf.Samples())
			}
		}
		if err := p.writeVector(cards, data); err != nil {
			return "", fmt.Errorf("stimulus %q: %w", name, err)
		}
	}

	for name, bg := range e.Backgrounds() {
		cards := append([]fitsio.Card{}, common...)
		cards = append(cards,
			fitsio.Card{Name: "HDUTYPE", Value: "BACKGRND"},
			fitsio.Card{Name: "DEVICE", Value: name},
			fitsio.Card{Name: "BGVALUE", Value: bg.Value.BaseUnitValue()},
			fitsio.Card{Name: "BUNIT", Value: bg.Value.Unit},
			fitsio.Card{Name: "RATE", Value: bg.SampleRate.BaseUnitValue(), Comment: "sample rate, Hz"},
		)
		if err := p.writeVector(cards, nil); err != nil {
			return "", fmt.Errorf("background %q: %w", name, err)
		}
	}

	return handle, nil
}

// Close flushes the archive and closes the underlying writer
func (p *FITS) Close() error {
	if err := p.fits.Close(); err != nil {
		p.w.Close()
		return err
	}
	return p.w.Close()
}

// writeVector appends one float64 image HDU with the given header cards
func (p *FITS) writeVector(cards []fitsio.Card, data []float64) error {
	dims := []int{len(data)}
	if len(data) == 0 {
		// a header-only HDU: NAXIS = 0
		dims = []int{}
	}
	im := fitsio.NewImage(-64, dims)
	defer im.Close()
	if err := im.Header().Append(cards...); err != nil {
		return err
	}
	if len(data) > 0 {
		if err := im.Write(data); err != nil {
			return err
		}
	}
	return p.fits.Write(im)
}

func measurementValues(samples []units.Measurement) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.BaseUnitValue()
	}
	return out
}

// paramCards flattens a parameter map into numbered KEY=VALUE cards; FITS
// card names are capped at 8 characters so parameters are stored as
// "name=value" strings
func paramCards(prefix string, params map[string]interface{}) []fitsio.Card {
	out := make([]fitsio.Card, 0, len(params))
	i := 0
	for k, v := range params {
		out = append(out, fitsio.Card{
			Name:  fmt.Sprintf("%s%d", prefix, i),
			Value: fmt.Sprintf("%s=%v", k, v),
		})
		i++
	}
	return out
}

func spanComment(span sampled.ConfigurationSpan) string {
	names := make([]string, 0, len(span.Nodes))
	for _, n := range span.Nodes {
		names = append(names, n.Name)
	}
	return fmt.Sprintf("nodes: %v", names)
}
