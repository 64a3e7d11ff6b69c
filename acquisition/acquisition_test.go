package acquisition_test

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/neuroacq/neuroacq/acquisition"
	"github.com/neuroacq/neuroacq/clock"
	"github.com/neuroacq/neuroacq/daq"
	"github.com/neuroacq/neuroacq/device"
	"github.com/neuroacq/neuroacq/epoch"
	"github.com/neuroacq/neuroacq/events"
	"github.com/neuroacq/neuroacq/persist"
	"github.com/neuroacq/neuroacq/sampled"
	"github.com/neuroacq/neuroacq/stimuli"
	"github.com/neuroacq/neuroacq/units"
)

// testRig is a loopback acquisition graph with one analog channel pair
// per device
type testRig struct {
	acq  *acquisition.Controller
	daq  *daq.Controller
	lb   *daq.Loopback
	devs map[string]*device.ExternalDevice
}

func buildRig(t *testing.T, rate units.Measurement, interval time.Duration, devNames ...string) *testRig {
	t.Helper()
	clk := clock.NewIncrementing(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), time.Millisecond)

	wiring := make(map[string]string)
	for _, name := range devNames {
		wiring["ao-"+name] = "ai-" + name
	}
	lb := daq.NewLoopback(clk, wiring)
	dc := daq.NewController(lb, clk)
	dc.ProcessInterval = interval
	ac := acquisition.NewController(dc, clk)

	rig := &testRig{acq: ac, daq: dc, lb: lb, devs: make(map[string]*device.ExternalDevice)}
	for _, name := range devNames {
		bg := stimuli.Background{Value: units.Measurement{Quantity: 0, Unit: "V"}, SampleRate: rate}
		dev := device.New(name, "neuroacq", bg, clk, ac)
		if err := ac.AddDevice(dev); err != nil {
			t.Fatal(err)
		}
		rig.devs[name] = dev

		out, err := daq.NewOutputStream("ao-"+name, rate, "V")
		if err != nil {
			t.Fatal(err)
		}
		if err := out.BindDevice(dev); err != nil {
			t.Fatal(err)
		}
		dc.AddOutputStream(out)

		in, err := daq.NewInputStream("ai-"+name, rate, "V")
		if err != nil {
			t.Fatal(err)
		}
		if err := in.BindDevice(dev); err != nil {
			t.Fatal(err)
		}
		dc.AddInputStream(in)
	}
	return rig
}

func renderedStim(t *testing.T, values []float64, rate units.Measurement) stimuli.Stimulus {
	t.Helper()
	samples := make([]units.Measurement, len(values))
	for i, v := range values {
		samples[i] = units.Measurement{Quantity: v, Unit: "V"}
	}
	d, err := sampled.NewOutputData(samples, rate, true)
	if err != nil {
		t.Fatal(err)
	}
	return stimuli.NewRendered("test.Rendered", d, nil, false)
}

func constValues(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestSingleLoopbackTrial(t *testing.T) {
	rate := units.Measurement{Quantity: 1000, Unit: "Hz"}
	rig := buildRig(t, rate, 500*time.Millisecond, "amp")

	e := epoch.New("test.Loopback", nil)
	e.AddStimulus("amp", renderedStim(t, constValues(1, 2000), rate))
	e.SetBackground("amp", stimuli.Background{Value: units.Measurement{Unit: "V"}, SampleRate: rate})
	resp := e.RecordResponse("amp")

	p := &persist.Null{}
	if err := rig.acq.RunEpoch(e, p); err != nil {
		t.Fatal(err)
	}

	samples, err := resp.Samples()
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 2000 {
		t.Fatalf("response holds %d samples, want 2000", len(samples))
	}
	for i, s := range samples {
		if math.Abs(s.BaseUnitValue()-1) > 1e-9 {
			t.Fatalf("response sample %d is %v, want 1 V", i, s)
		}
	}
	if len(p.Serialized) != 1 {
		t.Errorf("epoch persisted %d times, want exactly once", len(p.Serialized))
	}
	if rig.daq.State() != daq.Idle {
		t.Errorf("DAQ state %v, want Idle", rig.daq.State())
	}
}

func TestResponseTruncatedAtEpochBoundary(t *testing.T) {
	rate := units.Measurement{Quantity: 1000, Unit: "Hz"}
	rig := buildRig(t, rate, 300*time.Millisecond, "amp")

	// 700 samples does not divide the 300 ms interval; the final echoed
	// block extends past epoch end and must be truncated
	e := epoch.New("test.Truncate", nil)
	e.AddStimulus("amp", renderedStim(t, constValues(1, 700), rate))
	e.SetBackground("amp", stimuli.Background{Value: units.Measurement{Unit: "V"}, SampleRate: rate})
	resp := e.RecordResponse("amp")

	if err := rig.acq.RunEpoch(e, nil); err != nil {
		t.Fatal(err)
	}
	dur, _ := e.Duration()
	diff := resp.Duration() - dur
	if diff < 0 {
		diff = -diff
	}
	if diff > time.Millisecond {
		t.Errorf("|response - epoch| = %v, want at most one sample period", diff)
	}
}

func TestMultiDeviceSinusoid(t *testing.T) {
	rate := units.Measurement{Quantity: 10000, Unit: "Hz"}
	rig := buildRig(t, rate, 100*time.Millisecond, "amp1", "amp2")

	n := 5000
	values := make([]float64, n)
	for i := range values {
		values[i] = 8 * math.Sin(float64(i)/(float64(n)/10))
	}

	e := epoch.New("test.Sinusoid", nil)
	resps := make(map[string]*stimuli.Response)
	for _, name := range []string{"amp1", "amp2"} {
		e.AddStimulus(name, renderedStim(t, values, rate))
		e.SetBackground(name, stimuli.Background{Value: units.Measurement{Unit: "V"}, SampleRate: rate})
		resps[name] = e.RecordResponse(name)
	}

	if err := rig.acq.RunEpoch(e, nil); err != nil {
		t.Fatal(err)
	}
	for name, resp := range resps {
		samples, err := resp.Samples()
		if err != nil {
			t.Fatal(err)
		}
		if len(samples) != n {
			t.Fatalf("%s: %d samples, want %d", name, len(samples), n)
		}
		for i, s := range samples {
			if math.Abs(s.BaseUnitValue()-values[i]) > 0.1 {
				t.Fatalf("%s: sample %d is %v, want %v within 0.1 V", name, i, s.BaseUnitValue(), values[i])
			}
		}
	}
}

func TestIndefiniteEpochWithResponseRejected(t *testing.T) {
	rate := units.Measurement{Quantity: 1000, Unit: "Hz"}
	rig := buildRig(t, rate, 100*time.Millisecond, "amp")

	hold, err := sampled.NewOutputData([]units.Measurement{{Quantity: 1, Unit: "V"}}, rate, false)
	if err != nil {
		t.Fatal(err)
	}
	e := epoch.New("test.Indefinite", nil)
	e.AddStimulus("amp", stimuli.NewIndefinite("test.Hold", hold, nil))
	e.RecordResponse("amp")

	var ve epoch.ValidationError
	if err := rig.acq.RunEpoch(e, nil); !errors.As(err, &ve) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}

func TestMidTrialCancellation(t *testing.T) {
	rate := units.Measurement{Quantity: 1000, Unit: "Hz"}
	rig := buildRig(t, rate, 100*time.Millisecond, "amp")

	hold, err := sampled.NewOutputData(constSamples(1, 100), rate, false)
	if err != nil {
		t.Fatal(err)
	}
	e := epoch.New("test.Cancel", nil)
	e.AddStimulus("amp", stimuli.NewIndefinite("test.Hold", hold, nil))

	var (
		mu         sync.Mutex
		iterations int
		discarded  bool
	)
	rig.acq.Events.Subscribe(func(ev events.Event) {
		switch ev.Kind {
		case events.ProcessIteration:
			mu.Lock()
			iterations++
			n := iterations
			mu.Unlock()
			if n == 2 {
				rig.acq.CancelEpoch()
			}
		case events.DiscardedEpoch:
			mu.Lock()
			discarded = true
			mu.Unlock()
		}
	})

	p := &persist.Null{}
	if err := rig.acq.RunEpoch(e, p); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !discarded {
		t.Errorf("DiscardedEpoch did not fire")
	}
	if len(p.Serialized) != 0 {
		t.Errorf("cancelled epoch reached the persistor")
	}
	if iterations > 3 {
		t.Errorf("loop ran %d iterations after a cancel at 2", iterations)
	}
}

func constSamples(v float64, n int) []units.Measurement {
	out := make([]units.Measurement, n)
	for i := range out {
		out[i] = units.Measurement{Quantity: v, Unit: "V"}
	}
	return out
}

// failingPersistor throws on Serialize
type failingPersistor struct {
	persist.Null
}

var errPersistBoom = errors.New("archive on fire")

func (f *failingPersistor) Serialize(e *epoch.Epoch) (persist.Handle, error) {
	return "", errPersistBoom
}

func TestPersistorFailureSurfaces(t *testing.T) {
	rate := units.Measurement{Quantity: 1000, Unit: "Hz"}
	rig := buildRig(t, rate, 500*time.Millisecond, "amp")

	e := epoch.New("test.PersistFail", nil)
	e.AddStimulus("amp", renderedStim(t, constValues(1, 500), rate))
	e.SetBackground("amp", stimuli.Background{Value: units.Measurement{Unit: "V"}, SampleRate: rate})
	e.RecordResponse("amp")

	var ce acquisition.ControllerError
	err := rig.acq.RunEpoch(e, &failingPersistor{})
	if !errors.As(err, &ce) {
		t.Fatalf("expected ControllerError, got %v", err)
	}
	if rig.daq.State() != daq.Idle {
		t.Errorf("DAQ state %v, want Idle after persistor failure", rig.daq.State())
	}
}

func TestAtMostOnePersistence(t *testing.T) {
	rate := units.Measurement{Quantity: 1000, Unit: "Hz"}
	rig := buildRig(t, rate, 200*time.Millisecond, "amp")

	p := &persist.Null{}
	for i := 0; i < 5; i++ {
		e := epoch.New("test.Repeat", map[string]interface{}{"trial": i})
		e.AddStimulus("amp", renderedStim(t, constValues(1, 200), rate))
		e.SetBackground("amp", stimuli.Background{Value: units.Measurement{Unit: "V"}, SampleRate: rate})
		e.RecordResponse("amp")
		if err := rig.acq.RunEpoch(e, p); err != nil {
			t.Fatal(err)
		}
	}
	if len(p.Serialized) != 5 {
		t.Fatalf("persisted %d epochs, want 5", len(p.Serialized))
	}
	seen := make(map[*epoch.Epoch]bool)
	for _, e := range p.Serialized {
		if seen[e] {
			t.Errorf("epoch %v persisted twice", e.ProtocolID)
		}
		seen[e] = true
	}
}

func TestDuplicateDeviceRejected(t *testing.T) {
	rate := units.Measurement{Quantity: 1000, Unit: "Hz"}
	rig := buildRig(t, rate, 100*time.Millisecond, "amp")
	clk := clock.Wall()
	dup := device.New("amp", "neuroacq", stimuli.Background{Value: units.Measurement{Unit: "V"}, SampleRate: rate}, clk, rig.acq)
	if err := rig.acq.AddDevice(dup); !errors.Is(err, acquisition.ErrDuplicateDevice) {
		t.Errorf("expected ErrDuplicateDevice, got %v", err)
	}
}

func TestNextEpochEmptyQueue(t *testing.T) {
	rate := units.Measurement{Quantity: 1000, Unit: "Hz"}
	rig := buildRig(t, rate, 100*time.Millisecond, "amp")
	var ce acquisition.ControllerError
	if err := rig.acq.NextEpoch(); !errors.As(err, &ce) {
		t.Errorf("expected ControllerError, got %v", err)
	}
	if !errors.Is(rig.acq.NextEpoch(), acquisition.ErrQueueEmpty) {
		t.Errorf("expected the error to wrap ErrQueueEmpty")
	}
}

func TestEnqueueRejectsUnboundDevices(t *testing.T) {
	rate := units.Measurement{Quantity: 1000, Unit: "Hz"}
	rig := buildRig(t, rate, 100*time.Millisecond, "amp")

	e := epoch.New("test.Unbound", nil)
	e.AddStimulus("ghost", renderedStim(t, constValues(1, 100), rate))
	var ve epoch.ValidationError
	if err := rig.acq.EnqueueEpoch(e); !errors.As(err, &ve) {
		t.Errorf("expected ValidationError for an unregistered stimulus device, got %v", err)
	}
}

func TestPullWithNoEpochReportsNoData(t *testing.T) {
	rate := units.Measurement{Quantity: 1000, Unit: "Hz"}
	rig := buildRig(t, rate, 100*time.Millisecond, "amp")
	_, ok, err := rig.acq.PullOutputData("amp", 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Errorf("expected no data with no current epoch")
	}
}

func TestSavedEpochFiresAfterPersist(t *testing.T) {
	rate := units.Measurement{Quantity: 1000, Unit: "Hz"}
	rig := buildRig(t, rate, 200*time.Millisecond, "amp")

	e := epoch.New("test.Saved", nil)
	e.AddStimulus("amp", renderedStim(t, constValues(1, 200), rate))
	e.SetBackground("amp", stimuli.Background{Value: units.Measurement{Unit: "V"}, SampleRate: rate})
	e.RecordResponse("amp")

	p := &persist.Null{}
	var (
		mu    sync.Mutex
		saved bool
	)
	rig.acq.Events.Subscribe(func(ev events.Event) {
		if ev.Kind == events.SavedEpoch {
			mu.Lock()
			saved = len(p.Serialized) == 1
			mu.Unlock()
		}
	})
	if err := rig.acq.RunEpoch(e, p); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !saved {
		t.Errorf("SavedEpoch fired before the persistor accepted the epoch")
	}
}
