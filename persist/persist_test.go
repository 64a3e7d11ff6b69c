package persist_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/neuroacq/neuroacq/epoch"
	"github.com/neuroacq/neuroacq/persist"
	"github.com/neuroacq/neuroacq/sampled"
	"github.com/neuroacq/neuroacq/stimuli"
	"github.com/neuroacq/neuroacq/units"
)

var kilohertz = units.Measurement{Quantity: 1000, Unit: "Hz"}

func sampleEpoch(t *testing.T) *epoch.Epoch {
	t.Helper()
	samples := make([]units.Measurement, 100)
	for i := range samples {
		samples[i] = units.Measurement{Quantity: 1, Unit: "V"}
	}
	data, err := sampled.NewOutputData(samples, kilohertz, true)
	if err != nil {
		t.Fatal(err)
	}
	e := epoch.New("test.Protocol", map[string]interface{}{"pulses": 3})
	e.AddStimulus("amp", stimuli.NewRendered("test.Pulse", data, map[string]interface{}{"level": 1.0}, true))
	e.SetBackground("amp", stimuli.Background{Value: units.Measurement{Unit: "V"}, SampleRate: kilohertz})
	r := e.RecordResponse("amp")
	in, err := sampled.NewInputData(samples, kilohertz, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	r.AppendData(in)
	e.SetStartTime(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	e.AddKeyword("loopback")
	return e
}

func TestNullRecordsSerializations(t *testing.T) {
	p := &persist.Null{}
	e := sampleEpoch(t)
	if err := p.BeginEpochBlock(e.ProtocolID, e.Parameters, time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Serialize(e); err != nil {
		t.Fatal(err)
	}
	if err := p.EndEpochBlock(time.Now()); err != nil {
		t.Fatal(err)
	}
	if len(p.Serialized) != 1 || p.Serialized[0] != e {
		t.Errorf("null persistor did not record the epoch")
	}
	if p.Blocks != 1 {
		t.Errorf("block count %d, want 1", p.Blocks)
	}
}

type nopWriteCloser struct {
	*bytes.Buffer
}

func (nopWriteCloser) Close() error { return nil }

func TestFITSRequiresOpenBlock(t *testing.T) {
	p, err := persist.NewFITS(nopWriteCloser{&bytes.Buffer{}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Serialize(sampleEpoch(t)); !errors.Is(err, persist.ErrNoOpenBlock) {
		t.Errorf("expected ErrNoOpenBlock, got %v", err)
	}
	if err := p.EndEpochBlock(time.Now()); !errors.Is(err, persist.ErrNoOpenBlock) {
		t.Errorf("expected ErrNoOpenBlock on unbalanced end, got %v", err)
	}
}

func TestFITSRejectsNestedBlocks(t *testing.T) {
	p, err := persist.NewFITS(nopWriteCloser{&bytes.Buffer{}})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.BeginEpochBlock("p", nil, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := p.BeginEpochBlock("q", nil, time.Now()); !errors.Is(err, persist.ErrBlockOpen) {
		t.Errorf("expected ErrBlockOpen, got %v", err)
	}
}

func TestFITSSerializeWritesArchive(t *testing.T) {
	buf := &bytes.Buffer{}
	p, err := persist.NewFITS(nopWriteCloser{buf})
	if err != nil {
		t.Fatal(err)
	}
	e := sampleEpoch(t)
	if err := p.BeginEpochGroup("cell-1", "retina", time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := p.BeginEpochBlock(e.ProtocolID, e.Parameters, time.Now()); err != nil {
		t.Fatal(err)
	}
	h, err := p.Serialize(e)
	if err != nil {
		t.Fatal(err)
	}
	if h == "" {
		t.Errorf("empty handle")
	}
	if err := p.EndEpochBlock(time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := p.EndEpochGroup(time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if buf.Len() == 0 {
		t.Errorf("archive is empty after serialization")
	}
}
