/*Package rig builds the wired acquisition graph from a rig description:
one DAQ controller, its streams, the external devices bound to them, and
a background measurement per device.

The description is a YAML file; the built graph is immutable during a
run.  Only the loopback backend is constructed here; physical hardware
backends plug in through the daq.Hardware interface and are wired by
their own packages.
*/
package rig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/neuroacq/neuroacq/acquisition"
	"github.com/neuroacq/neuroacq/clock"
	"github.com/neuroacq/neuroacq/daq"
	"github.com/neuroacq/neuroacq/device"
	"github.com/neuroacq/neuroacq/stimuli"
	"github.com/neuroacq/neuroacq/units"
)

// BackgroundConfig is a device's resting output value
type BackgroundConfig struct {
	// Value is the quantity before the exponent is applied
	Value float64 `yaml:"value" koanf:"value"`

	// Exponent is the decimal exponent, e.g. -3 for milli
	Exponent int `yaml:"exponent" koanf:"exponent"`

	// Unit is the base unit, e.g. "V"
	Unit string `yaml:"unit" koanf:"unit"`
}

// TelegraphConfig wires an amplifier's parameter side channel
type TelegraphConfig struct {
	// Addr is a serial device path or host:port
	Addr string `yaml:"addr" koanf:"addr"`

	// Serial selects a serial connection over TCP
	Serial bool `yaml:"serial" koanf:"serial"`

	// Baud is the serial baud rate
	Baud int `yaml:"baud" koanf:"baud"`
}

// DeviceConfig describes one external device
type DeviceConfig struct {
	// Name is the device's controller-unique name
	Name string `yaml:"name" koanf:"name"`

	// Manufacturer is the maker of the physical instrument
	Manufacturer string `yaml:"manufacturer" koanf:"manufacturer"`

	// Amplifier selects the telegraph-fed amplifier device type
	Amplifier bool `yaml:"amplifier" koanf:"amplifier"`

	// Background is the device's resting output value
	Background BackgroundConfig `yaml:"background" koanf:"background"`

	// ConversionTarget is the display unit the device's hardware side
	// speaks
	ConversionTarget string `yaml:"conversionTarget" koanf:"conversionTarget"`

	// Telegraph holds the amplifier's parameter channel settings; Build
	// carries them in the config only and opens no telegraph listener
	Telegraph TelegraphConfig `yaml:"telegraph" koanf:"telegraph"`
}

// BitConfig binds a device to a bit position on a digital stream
type BitConfig struct {
	Device string `yaml:"device" koanf:"device"`

	Bit uint `yaml:"bit" koanf:"bit"`
}

// StreamConfig describes one stream on the DAQ controller
type StreamConfig struct {
	// Name is the stream's controller-unique name
	Name string `yaml:"name" koanf:"name"`

	// RateHz is the stream-owned sample rate; zero delegates to the
	// controller
	RateHz float64 `yaml:"rateHz" koanf:"rateHz"`

	// ConversionTarget is the display unit on the hardware side
	ConversionTarget string `yaml:"conversionTarget" koanf:"conversionTarget"`

	// Device binds a single device by name (analog streams)
	Device string `yaml:"device" koanf:"device"`

	// Digital selects a bit-multiplexed stream; Bits binds the devices
	Digital bool `yaml:"digital" koanf:"digital"`

	Bits []BitConfig `yaml:"bits" koanf:"bits"`
}

// Config is a whole rig description
type Config struct {
	// Name labels the rig
	Name string `yaml:"name" koanf:"name"`

	// SampleRateHz is the controller-owned rate streams may delegate to
	SampleRateHz float64 `yaml:"sampleRateHz" koanf:"sampleRateHz"`

	// ProcessIntervalMS is the iteration granularity in milliseconds
	ProcessIntervalMS int `yaml:"processIntervalMs" koanf:"processIntervalMs"`

	// Devices lists the rig's external devices
	Devices []DeviceConfig `yaml:"devices" koanf:"devices"`

	// OutputStreams and InputStreams list the controller's endpoints
	OutputStreams []StreamConfig `yaml:"outputStreams" koanf:"outputStreams"`

	InputStreams []StreamConfig `yaml:"inputStreams" koanf:"inputStreams"`

	// Wiring maps output stream names to the input streams that echo
	// them on the loopback backend
	Wiring map[string]string `yaml:"wiring" koanf:"wiring"`
}

// LoadYaml converts a (path to a) yaml file into a Config struct
func LoadYaml(path string) (Config, error) {
	cfg := Config{}
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	err = yaml.NewDecoder(f).Decode(&cfg)
	return cfg, err
}

// Rig is a built acquisition graph
type Rig struct {
	// Name labels the rig
	Name string

	// Acq is the trial coordinator
	Acq *acquisition.Controller

	// DAQ is the iteration loop
	DAQ *daq.Controller

	// Loopback is the simulated backend the rig was built over
	Loopback *daq.Loopback

	// Amplifiers indexes the telegraph-fed devices by name, for wiring
	// listeners
	Amplifiers map[string]*device.Amplifier
}

// Build wires a rig over the loopback backend from its description
func Build(cfg Config, clk clock.Clock) (*Rig, error) {
	lb := daq.NewLoopback(clk, cfg.Wiring)
	dc := daq.NewController(lb, clk)
	if cfg.ProcessIntervalMS > 0 {
		dc.ProcessInterval = time.Duration(cfg.ProcessIntervalMS) * time.Millisecond
	}
	if cfg.SampleRateHz > 0 {
		if err := dc.SetSampleRate(units.Measurement{Quantity: cfg.SampleRateHz, Unit: "Hz"}); err != nil {
			return nil, err
		}
	}
	ac := acquisition.NewController(dc, clk)

	rig := &Rig{
		Name:       cfg.Name,
		Acq:        ac,
		DAQ:        dc,
		Loopback:   lb,
		Amplifiers: make(map[string]*device.Amplifier),
	}

	devices := make(map[string]daq.Device)
	for _, dcfg := range cfg.Devices {
		bg := stimuli.Background{
			Value:      units.Measurement{Quantity: dcfg.Background.Value, Exponent: dcfg.Background.Exponent, Unit: dcfg.Background.Unit},
			SampleRate: rigRate(cfg),
		}
		var d daq.Device
		if dcfg.Amplifier {
			amp := device.NewAmplifier(dcfg.Name, dcfg.Manufacturer, bg, clk, ac)
			amp.SetConversionTarget(dcfg.ConversionTarget)
			rig.Amplifiers[dcfg.Name] = amp
			d = amp
		} else {
			dev := device.New(dcfg.Name, dcfg.Manufacturer, bg, clk, ac)
			dev.SetConversionTarget(dcfg.ConversionTarget)
			d = dev
		}
		if err := ac.AddDevice(d); err != nil {
			return nil, err
		}
		devices[dcfg.Name] = d
	}

	lookup := func(name string) (daq.Device, error) {
		d, ok := devices[name]
		if !ok {
			return nil, fmt.Errorf("rig %q: unknown device %q", cfg.Name, name)
		}
		return d, nil
	}

	// record each binding under a device-local name, for the persisted
	// record; a second stream of the same role falls back to the stream
	// name
	bindLocalName := func(d daq.Device, preferred, stream string) {
		b, ok := d.(interface {
			BindStreamName(local, stream string)
			StreamNames() map[string]string
		})
		if !ok {
			return
		}
		local := preferred
		if _, taken := b.StreamNames()[local]; taken {
			local = stream
		}
		b.BindStreamName(local, stream)
	}

	for _, scfg := range cfg.OutputStreams {
		rate := streamRate(scfg)
		if scfg.Digital {
			s, err := daq.NewDigitalOutputStream(scfg.Name, rate)
			if err != nil {
				return nil, err
			}
			for _, b := range scfg.Bits {
				d, err := lookup(b.Device)
				if err != nil {
					return nil, err
				}
				if err := s.BindDevice(d, b.Bit); err != nil {
					return nil, err
				}
				bindLocalName(d, scfg.Name, scfg.Name)
			}
			dc.AddOutputStream(s)
			continue
		}
		s, err := daq.NewOutputStream(scfg.Name, rate, scfg.ConversionTarget)
		if err != nil {
			return nil, err
		}
		d, err := lookup(scfg.Device)
		if err != nil {
			return nil, err
		}
		if err := s.BindDevice(d); err != nil {
			return nil, err
		}
		bindLocalName(d, "output", scfg.Name)
		dc.AddOutputStream(s)
	}

	for _, scfg := range cfg.InputStreams {
		rate := streamRate(scfg)
		if scfg.Digital {
			s, err := daq.NewDigitalInputStream(scfg.Name, rate)
			if err != nil {
				return nil, err
			}
			for _, b := range scfg.Bits {
				d, err := lookup(b.Device)
				if err != nil {
					return nil, err
				}
				if err := s.BindDevice(d, b.Bit); err != nil {
					return nil, err
				}
				bindLocalName(d, scfg.Name, scfg.Name)
			}
			dc.AddInputStream(s)
			continue
		}
		s, err := daq.NewInputStream(scfg.Name, rate, scfg.ConversionTarget)
		if err != nil {
			return nil, err
		}
		d, err := lookup(scfg.Device)
		if err != nil {
			return nil, err
		}
		if err := s.BindDevice(d); err != nil {
			return nil, err
		}
		bindLocalName(d, "input", scfg.Name)
		dc.AddInputStream(s)
	}

	return rig, nil
}

func rigRate(cfg Config) units.Measurement {
	if cfg.SampleRateHz > 0 {
		return units.Measurement{Quantity: cfg.SampleRateHz, Unit: "Hz"}
	}
	return units.Measurement{}
}

func streamRate(scfg StreamConfig) units.Measurement {
	if scfg.RateHz > 0 {
		return units.Measurement{Quantity: scfg.RateHz, Unit: "Hz"}
	}
	return units.Measurement{}
}
