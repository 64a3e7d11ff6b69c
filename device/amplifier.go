package device

import (
	"fmt"
	"time"

	"github.com/neuroacq/neuroacq/clock"
	"github.com/neuroacq/neuroacq/daq"
	"github.com/neuroacq/neuroacq/sampled"
	"github.com/neuroacq/neuroacq/stimuli"
	"github.com/neuroacq/neuroacq/units"
)

// Amplifier is an external device whose unit conversion depends on
// asynchronously reported instrument parameters.  A telegraph feeds its
// parameter history; each block is converted with the snapshot in effect
// at the block's time.
type Amplifier struct {
	*ExternalDevice

	// History is the time-indexed parameter record the telegraph writes
	// into
	History *ParameterHistory
}

// NewAmplifier builds an amplifier device with an empty parameter
// history.  Pulls fail until the first telegraph snapshot arrives.
func NewAmplifier(name, manufacturer string, bg stimuli.Background, clk clock.Clock, ctrl Controller) *Amplifier {
	return &Amplifier{
		ExternalDevice: New(name, manufacturer, bg, clk, ctrl),
		History:        NewParameterHistory(),
	}
}

// PullOutputData converts the epoch's command samples with the current
// operating mode's command sensitivity.  It fails when no operating-mode
// parameters have been received.
func (a *Amplifier) PullOutputData(stream *daq.OutputStream, duration time.Duration) (sampled.OutputData, bool, error) {
	snap, ok := a.History.Latest()
	if !ok {
		return sampled.OutputData{}, false, fmt.Errorf("amplifier %q: %w", a.Name(), ErrNoOperatingMode)
	}
	block, hasData, err := a.controller.PullOutputData(a.Name(), duration)
	if err != nil || !hasData {
		return sampled.OutputData{}, hasData, err
	}
	block = block.WithConversion(scaleBy(snap.ExternalCommandSensitivity))
	block, err = block.WithNodeConfiguration(a.Name(), a.modeSnapshot(snap))
	if err != nil {
		return sampled.OutputData{}, false, err
	}
	return block, true, nil
}

// PushInputData reverses the amplifier gain on an acquired block, using
// the parameter snapshot in effect at the block's input time
func (a *Amplifier) PushInputData(stream *daq.InputStream, block sampled.InputData) error {
	snap, ok := a.History.At(block.InputTime())
	if !ok {
		return fmt.Errorf("amplifier %q: %w at %v", a.Name(), ErrNoOperatingMode, block.InputTime())
	}
	if snap.Gain != 0 {
		block = block.WithConversion(scaleBy(1 / snap.Gain))
	}
	block, err := block.WithNodeConfiguration(a.Name(), a.modeSnapshot(snap))
	if err != nil {
		return err
	}
	return a.controller.PushInputData(a.Name(), block)
}

// modeSnapshot merges the device configuration with the amplifier
// parameters in effect for one block
func (a *Amplifier) modeSnapshot(snap ParameterSnapshot) map[string]interface{} {
	out := a.snapshot()
	out["operatingMode"] = snap.OperatingMode
	out["gain"] = snap.Gain
	out["externalCommandSensitivity"] = snap.ExternalCommandSensitivity
	return out
}

func scaleBy(factor float64) units.ConversionFunc {
	return func(m units.Measurement) units.Measurement {
		m.Quantity *= factor
		return m
	}
}
