package epoch_test

import (
	"errors"
	"testing"
	"time"

	"github.com/neuroacq/neuroacq/epoch"
	"github.com/neuroacq/neuroacq/sampled"
	"github.com/neuroacq/neuroacq/stimuli"
	"github.com/neuroacq/neuroacq/units"
)

var kilohertz = units.Measurement{Quantity: 1000, Unit: "Hz"}

func constantStim(v float64, n int) stimuli.Stimulus {
	samples := make([]units.Measurement, n)
	for i := range samples {
		samples[i] = units.Measurement{Quantity: v, Unit: "V"}
	}
	d, err := sampled.NewOutputData(samples, kilohertz, false)
	if err != nil {
		panic(err)
	}
	return stimuli.NewRendered("test.Const", d, nil, false)
}

func bg(v float64) stimuli.Background {
	return stimuli.Background{
		Value:      units.Measurement{Quantity: v, Unit: "V"},
		SampleRate: kilohertz,
	}
}

func TestDurationIsLongestFiniteStimulus(t *testing.T) {
	e := epoch.New("p", nil)
	e.AddStimulus("a", constantStim(1, 500))
	e.AddStimulus("b", constantStim(1, 500))
	d, ok := e.Duration()
	if !ok {
		t.Fatalf("epoch with finite stimuli reported indefinite")
	}
	if d != 500*time.Millisecond {
		t.Errorf("duration %v, want 500ms", d)
	}
}

func TestValidateRejectsMismatchedDurations(t *testing.T) {
	e := epoch.New("p", nil)
	e.AddStimulus("a", constantStim(1, 500))
	e.AddStimulus("b", constantStim(1, 600))
	var ve epoch.ValidationError
	if err := e.Validate(); !errors.As(err, &ve) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}

func TestValidateRejectsIndefiniteWithResponses(t *testing.T) {
	e := epoch.New("p", nil)
	e.AddStimulus("a", stimuli.NewIndefinite("test.Hold", rampData(10), nil))
	e.RecordResponse("a")
	var ve epoch.ValidationError
	if err := e.Validate(); !errors.As(err, &ve) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}

func TestValidateRejectsEmptyEpoch(t *testing.T) {
	e := epoch.New("p", nil)
	var ve epoch.ValidationError
	if err := e.Validate(); !errors.As(err, &ve) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}

func rampData(n int) sampled.OutputData {
	samples := make([]units.Measurement, n)
	for i := range samples {
		samples[i] = units.Measurement{Quantity: float64(i), Unit: "V"}
	}
	d, err := sampled.NewOutputData(samples, kilohertz, false)
	if err != nil {
		panic(err)
	}
	return d
}

func TestPullUnknownDevice(t *testing.T) {
	e := epoch.New("p", nil)
	e.AddStimulus("a", constantStim(1, 100))
	if _, err := e.PullOutputData("nosuch", 10*time.Millisecond); !errors.Is(err, epoch.ErrUnknownDevice) {
		t.Errorf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestBackgroundFallback(t *testing.T) {
	// a device with only a background plays the background for the whole
	// trial
	e := epoch.New("p", nil)
	e.AddStimulus("stim", constantStim(1, 500))
	e.SetBackground("quiet", bg(-0.5))
	block, err := e.PullOutputData("quiet", 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if block.Len() != 100 {
		t.Fatalf("got %d samples, want 100", block.Len())
	}
	for i, s := range block.Samples() {
		if s.BaseUnitValue() != -0.5 {
			t.Fatalf("sample %d is %v, want the background value", i, s)
		}
	}
}

func TestStimulusThenBackgroundPadding(t *testing.T) {
	// stimulus shorter than the epoch: its tail pads with background up
	// to the epoch duration, and the final block is terminal
	e := epoch.New("p", nil)
	e.AddStimulus("long", constantStim(1, 500))
	e.AddStimulus("short", constantStim(2, 200))
	e.SetBackground("short", bg(0))

	var total int
	sawLast := false
	for i := 0; i < 10 && !sawLast; i++ {
		block, err := e.PullOutputData("short", 100*time.Millisecond)
		if err != nil {
			t.Fatal(err)
		}
		total += block.Len()
		sawLast = block.IsLast()
	}
	if !sawLast {
		t.Fatalf("never saw a terminal block")
	}
	if total != 500 {
		t.Errorf("device delivered %d samples, want 500 (200 stimulus + 300 background)", total)
	}
}

func TestAppendTruncatesAtEpochBoundary(t *testing.T) {
	e := epoch.New("p", nil)
	e.AddStimulus("a", constantStim(1, 500))
	r := e.RecordResponse("a")

	long := make([]units.Measurement, 700)
	for i := range long {
		long[i] = units.Measurement{Quantity: 1, Unit: "V"}
	}
	block, err := sampled.NewInputData(long, kilohertz, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	complete, err := e.AppendInputData("a", block)
	if err != nil {
		t.Fatal(err)
	}
	if !complete {
		t.Errorf("epoch did not report complete after a full response")
	}
	if r.Duration() != 500*time.Millisecond {
		t.Errorf("response duration %v, want exactly 500ms", r.Duration())
	}
}

func TestAppendUnknownDevice(t *testing.T) {
	e := epoch.New("p", nil)
	e.AddStimulus("a", constantStim(1, 100))
	block, _ := sampled.NewInputData([]units.Measurement{{Quantity: 1, Unit: "V"}}, kilohertz, time.Now())
	if _, err := e.AppendInputData("nosuch", block); !errors.Is(err, epoch.ErrUnknownDevice) {
		t.Errorf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestStartTimeAssignedOnce(t *testing.T) {
	e := epoch.New("p", nil)
	t0 := time.Now()
	if err := e.SetStartTime(t0); err != nil {
		t.Fatal(err)
	}
	if err := e.SetStartTime(t0.Add(time.Second)); !errors.Is(err, epoch.ErrStartTimeSet) {
		t.Errorf("expected ErrStartTimeSet, got %v", err)
	}
	got, ok := e.StartTime()
	if !ok || !got.Equal(t0) {
		t.Errorf("start time %v ok=%v, want %v", got, ok, t0)
	}
}

func TestDiscardClearsPersistence(t *testing.T) {
	e := epoch.New("p", nil)
	if !e.ShouldBePersisted() {
		t.Fatalf("fresh epoch should be persisted")
	}
	e.Discard()
	if e.ShouldBePersisted() {
		t.Errorf("discarded epoch should not be persisted")
	}
}

func TestCompletionWithoutResponses(t *testing.T) {
	e := epoch.New("p", nil)
	e.AddStimulus("a", constantStim(1, 100))
	if e.IsComplete() {
		t.Fatalf("epoch complete before any pulls")
	}
	for {
		block, err := e.PullOutputData("a", 60*time.Millisecond)
		if err != nil {
			t.Fatal(err)
		}
		if block.IsLast() {
			break
		}
	}
	if !e.IsComplete() {
		t.Errorf("epoch with no responses should complete when stimuli are exhausted")
	}
}
