package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "github.com/go-yaml/yaml"

	"github.com/neuroacq/neuroacq/clock"
	"github.com/neuroacq/neuroacq/httpapi"
	"github.com/neuroacq/neuroacq/rig"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "dev"

	// ConfigFileName is what it sounds like
	ConfigFileName = "acqsrv.yml"

	k = koanf.New(".")
)

type config struct {
	Addr string `koanf:"addr" yaml:"addr"`

	Rig rig.Config `koanf:"rig" yaml:"rig"`
}

func defaults() config {
	return config{
		Addr: ":8000",
		Rig: rig.Config{
			Name:              "loopback-rig",
			SampleRateHz:      10000,
			ProcessIntervalMS: 500,
			Devices: []rig.DeviceConfig{{
				Name:             "LED",
				Manufacturer:     "neuroacq",
				Background:       rig.BackgroundConfig{Value: 0, Unit: "V"},
				ConversionTarget: "V",
			}},
			OutputStreams: []rig.StreamConfig{{Name: "ao0", Device: "LED", ConversionTarget: "V"}},
			InputStreams:  []rig.StreamConfig{{Name: "ai0", Device: "LED", ConversionTarget: "V"}},
			Wiring:        map[string]string{"ao0": "ai0"},
		},
	}
}

func setupconfig() {
	k.Load(structs.Provider(defaults(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `acqsrv runs an electrophysiology acquisition rig and exposes an HTTP interface to it.
This enables a server-client architecture,
and the clients can leverage the excellent HTTP
libraries for any programming language,
instead of custom socket logic.

Usage:
	acqsrv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `acqsrv is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

When no configuration is provided, a loopback rig with one device is used.
The command mkconf generates the configuration file with the default values.
There is no need to do this unless you want to start from the prepopulated defaults when making
a config file.`
	fmt.Println(str)
}

func mkconf() {
	c := config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("acqsrv version %v\n", Version)
}

func run() {
	c := config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	r, err := rig.Build(c.Rig, clock.Wall())
	if err != nil {
		log.Fatal(err)
	}

	root := chi.NewRouter()
	root.Use(middleware.Logger)
	api := httpapi.NewServer(r.Acq)
	api.Bind(root)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGABRT, syscall.SIGTERM)
	go func() {
		<-ch
		r.Acq.CancelEpoch()
		r.DAQ.Stop()
		if err := r.Acq.ApplyStreamsBackground(); err != nil {
			log.Println("error applying stream backgrounds on shutdown", err)
		}
		os.Exit(0)
	}()

	log.Println("rig", r.Name, "now listening for requests at", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, root))
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
