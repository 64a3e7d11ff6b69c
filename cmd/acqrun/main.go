// acqrun runs one loopback trial from the command line: a sinusoid
// stimulus on one device, echoed back as the response and written to a
// FITS archive.  It exists to smoke-test a rig description end to end
// without any client tooling.
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/theckman/yacspin"
	"gonum.org/v1/gonum/floats"

	"github.com/neuroacq/neuroacq/clock"
	"github.com/neuroacq/neuroacq/epoch"
	"github.com/neuroacq/neuroacq/persist"
	"github.com/neuroacq/neuroacq/rig"
	"github.com/neuroacq/neuroacq/sampled"
	"github.com/neuroacq/neuroacq/stimuli"
	"github.com/neuroacq/neuroacq/units"
	"github.com/neuroacq/neuroacq/util"
)

func main() {
	var (
		conf     = flag.String("conf", "", "rig description yaml; empty uses a built-in loopback rig")
		out      = flag.String("out", "trial.fits", "archive to write the trial to")
		seconds  = flag.Float64("seconds", 2, "trial duration")
		freqHz   = flag.Float64("freq", 10, "sinusoid frequency, Hz")
		amplitmV = flag.Float64("amplitude", 1000, "sinusoid amplitude, mV")
		realtime = flag.Bool("realtime", false, "pace the loopback at wall-clock speed")
	)
	flag.Parse()

	cfg := defaultRig()
	if *conf != "" {
		var err error
		cfg, err = rig.LoadYaml(*conf)
		if err != nil {
			log.Fatal(err)
		}
	}
	r, err := rig.Build(cfg, clock.Wall())
	if err != nil {
		log.Fatal(err)
	}
	if *realtime {
		r.Loopback.Pace(r.DAQ.ProcessInterval)
	}

	devName := cfg.Devices[0].Name
	rate := units.Measurement{Quantity: cfg.SampleRateHz, Unit: "Hz"}
	stim := sinusoid(*seconds, *freqHz, *amplitmV, rate)

	e := epoch.New("neuroacq.acqrun.Sinusoid", map[string]interface{}{
		"freqHz":      *freqHz,
		"amplitudeMV": *amplitmV,
		"seconds":     *seconds,
	})
	e.AddStimulus(devName, stim)
	e.SetBackground(devName, stimuli.Background{Value: units.Measurement{Unit: "V"}, SampleRate: rate})
	e.RecordResponse(devName)

	f, err := os.Create(*out)
	if err != nil {
		log.Fatal(err)
	}
	p, err := persist.NewFITS(f)
	if err != nil {
		log.Fatal(err)
	}

	spinCfg := yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[59],
		Suffix:          " running trial",
		SuffixAutoColon: true,
		StopCharacter:   "✓",
	}
	spinner, err := yacspin.New(spinCfg)
	if err != nil {
		log.Fatal(err)
	}
	spinner.Start()
	runErr := r.Acq.RunEpoch(e, p)
	spinner.Stop()
	if runErr != nil {
		p.Close()
		log.Fatal(runErr)
	}
	if err := p.Close(); err != nil {
		log.Fatal(err)
	}

	resp, _ := e.Response(devName)
	samples, err := resp.Samples()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("trial complete: %d samples over %v -> %s\n", len(samples), resp.Duration(), *out)
}

// sinusoid renders amplitude*sin(2*pi*f*t) over the trial duration
func sinusoid(seconds, freqHz, amplitudeMV float64, rate units.Measurement) stimuli.Stimulus {
	n := sampled.NumSamples(util.SecsToDuration(seconds), rate)
	t := make([]float64, n)
	floats.Span(t, 0, seconds)
	samples := make([]units.Measurement, n)
	for i := range samples {
		samples[i] = units.Measurement{
			Quantity: amplitudeMV * math.Sin(2*math.Pi*freqHz*t[i]),
			Exponent: -3,
			Unit:     "V",
		}
	}
	data, err := sampled.NewOutputData(samples, rate, true)
	if err != nil {
		log.Fatal(err)
	}
	return stimuli.NewRendered("neuroacq.stimulus.Sinusoid", data, map[string]interface{}{
		"freqHz":      freqHz,
		"amplitudeMV": amplitudeMV,
	}, true)
}

func defaultRig() rig.Config {
	return rig.Config{
		Name:              "loopback",
		SampleRateHz:      1000,
		ProcessIntervalMS: 500,
		Devices: []rig.DeviceConfig{{
			Name:             "Amp",
			Manufacturer:     "neuroacq",
			Background:       rig.BackgroundConfig{Value: 0, Unit: "V"},
			ConversionTarget: "V",
		}},
		OutputStreams: []rig.StreamConfig{{Name: "ao0", Device: "Amp", ConversionTarget: "V"}},
		InputStreams:  []rig.StreamConfig{{Name: "ai0", Device: "Amp", ConversionTarget: "V"}},
		Wiring:        map[string]string{"ao0": "ai0"},
	}
}
