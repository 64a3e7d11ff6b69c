package rig_test

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/neuroacq/neuroacq/clock"
	"github.com/neuroacq/neuroacq/rig"
)

func loopbackConfig() rig.Config {
	return rig.Config{
		Name:              "test-rig",
		SampleRateHz:      1000,
		ProcessIntervalMS: 100,
		Devices: []rig.DeviceConfig{
			{
				Name:             "Amp",
				Manufacturer:     "Molecular Devices",
				Amplifier:        true,
				Background:       rig.BackgroundConfig{Value: -60, Exponent: -3, Unit: "V"},
				ConversionTarget: "V",
			},
			{
				Name:             "LED",
				Manufacturer:     "neuroacq",
				Background:       rig.BackgroundConfig{Value: 0, Unit: "V"},
				ConversionTarget: "V",
			},
		},
		OutputStreams: []rig.StreamConfig{
			{Name: "ao0", Device: "Amp", ConversionTarget: "V"},
			{Name: "ao1", Device: "LED", ConversionTarget: "V"},
		},
		InputStreams: []rig.StreamConfig{
			{Name: "ai0", Device: "Amp", ConversionTarget: "V"},
		},
		Wiring: map[string]string{"ao0": "ai0"},
	}
}

func TestBuildWiresTheGraph(t *testing.T) {
	r, err := rig.Build(loopbackConfig(), clock.Wall())
	if err != nil {
		t.Fatal(err)
	}
	if r.Name != "test-rig" {
		t.Errorf("rig name %q", r.Name)
	}
	if len(r.DAQ.OutputStreams()) != 2 {
		t.Errorf("built %d output streams, want 2", len(r.DAQ.OutputStreams()))
	}
	if len(r.DAQ.InputStreams()) != 1 {
		t.Errorf("built %d input streams, want 1", len(r.DAQ.InputStreams()))
	}
	if _, ok := r.Acq.Device("Amp"); !ok {
		t.Errorf("device Amp not registered")
	}
	if _, ok := r.Acq.Device("LED"); !ok {
		t.Errorf("device LED not registered")
	}
	if _, ok := r.Amplifiers["Amp"]; !ok {
		t.Errorf("amplifier index missing Amp")
	}
	if _, ok := r.Amplifiers["LED"]; ok {
		t.Errorf("LED indexed as an amplifier")
	}

	amp, _ := r.Acq.Device("Amp")
	if got := amp.Background().Value.BaseUnitValue(); math.Abs(got+0.06) > 1e-12 {
		t.Errorf("Amp background %v, want -60 mV", amp.Background().Value)
	}

	namer, ok := amp.(interface{ StreamNames() map[string]string })
	if !ok {
		t.Fatalf("Amp does not expose its stream bindings")
	}
	names := namer.StreamNames()
	if names["output"] != "ao0" || names["input"] != "ai0" {
		t.Errorf("Amp stream bindings %v, want output->ao0 and input->ai0", names)
	}
}

func TestBuildRejectsUnknownDevice(t *testing.T) {
	cfg := loopbackConfig()
	cfg.OutputStreams = append(cfg.OutputStreams, rig.StreamConfig{Name: "ao9", Device: "nosuch"})
	if _, err := rig.Build(cfg, clock.Wall()); err == nil {
		t.Errorf("expected an unknown device to be rejected")
	}
}

func TestBuildDigitalStreams(t *testing.T) {
	cfg := loopbackConfig()
	cfg.OutputStreams = append(cfg.OutputStreams, rig.StreamConfig{
		Name:    "do0",
		Digital: true,
		Bits:    []rig.BitConfig{{Device: "Amp", Bit: 0}, {Device: "LED", Bit: 1}},
	})
	r, err := rig.Build(cfg, clock.Wall())
	if err != nil {
		t.Fatal(err)
	}
	if len(r.DAQ.OutputStreams()) != 3 {
		t.Errorf("built %d output streams, want 3", len(r.DAQ.OutputStreams()))
	}
}

func TestBuildRejectsBitConflict(t *testing.T) {
	cfg := loopbackConfig()
	cfg.OutputStreams = append(cfg.OutputStreams, rig.StreamConfig{
		Name:    "do0",
		Digital: true,
		Bits:    []rig.BitConfig{{Device: "Amp", Bit: 3}, {Device: "LED", Bit: 3}},
	})
	if _, err := rig.Build(cfg, clock.Wall()); err == nil {
		t.Errorf("expected a bit conflict to be rejected")
	}
}

func TestLoadYaml(t *testing.T) {
	doc := `name: yaml-rig
sampleRateHz: 20000
processIntervalMs: 250
devices:
  - name: Amp
    manufacturer: HEKA
    amplifier: true
    background:
      value: -65
      exponent: -3
      unit: V
    conversionTarget: V
outputStreams:
  - name: ao0
    device: Amp
    conversionTarget: V
inputStreams:
  - name: ai0
    device: Amp
    conversionTarget: V
wiring:
  ao0: ai0
`
	path := filepath.Join(t.TempDir(), "rig.yml")
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := rig.LoadYaml(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "yaml-rig" || cfg.SampleRateHz != 20000 || cfg.ProcessIntervalMS != 250 {
		t.Errorf("unexpected top-level config: %+v", cfg)
	}
	if len(cfg.Devices) != 1 || !cfg.Devices[0].Amplifier {
		t.Fatalf("device config not loaded: %+v", cfg.Devices)
	}
	if cfg.Devices[0].Background.Value != -65 || cfg.Devices[0].Background.Exponent != -3 {
		t.Errorf("background not loaded: %+v", cfg.Devices[0].Background)
	}
	if cfg.Wiring["ao0"] != "ai0" {
		t.Errorf("wiring not loaded: %+v", cfg.Wiring)
	}
	if _, err := rig.Build(cfg, clock.Wall()); err != nil {
		t.Errorf("loaded config failed to build: %v", err)
	}
}
