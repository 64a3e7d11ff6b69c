/*Package httpapi exposes an acquisition controller over HTTP.

This enables a server-client architecture: the rig runs next to the
hardware and clients drive trials with the excellent HTTP libraries of
any language instead of custom socket logic.  Routes follow the
route-table pattern; the device tree is served as a mux per device.
Epochs are submitted as JSON (protocol id plus per-device rendered
stimulus vectors) and the event feed streams out as server-sent JSON
lines.
*/
package httpapi

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi"
	"goji.io"
	"goji.io/pat"

	"github.com/neuroacq/neuroacq/acquisition"
	"github.com/neuroacq/neuroacq/epoch"
	"github.com/neuroacq/neuroacq/events"
	"github.com/neuroacq/neuroacq/sampled"
	"github.com/neuroacq/neuroacq/stimuli"
	"github.com/neuroacq/neuroacq/units"
)

// Server adapts an acquisition controller to HTTP routes
type Server struct {
	acq *acquisition.Controller
}

// eventChanCap bounds the per-connection event backlog; the feed must
// never block the iteration goroutine, so a slow client loses events
// instead of stalling the loop
const eventChanCap = 1024

// NewServer builds a server over a controller
func NewServer(acq *acquisition.Controller) *Server {
	return &Server{acq: acq}
}

// RouteTable maps method+path pairs to handlers
func (s *Server) RouteTable() map[string]http.HandlerFunc {
	return map[string]http.HandlerFunc{
		"GET /state":             s.State,
		"GET /queue-length":      s.QueueLength,
		"GET /events":            s.Events,
		"POST /enqueue":          s.Enqueue,
		"POST /cancel":           s.Cancel,
		"POST /apply-background": s.ApplyBackground,
	}
}

// Bind attaches the route table to a chi router
func (s *Server) Bind(r chi.Router) {
	r.Get("/state", s.State)
	r.Get("/queue-length", s.QueueLength)
	r.Get("/events", s.Events)
	r.Post("/enqueue", s.Enqueue)
	r.Post("/cancel", s.Cancel)
	r.Post("/apply-background", s.ApplyBackground)
	r.Mount("/devices", s.DeviceNetwork())
}

// State returns the DAQ controller's lifecycle state
func (s *Server) State(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		State string `json:"state"`
	}{State: s.acq.DAQ.State().String()}
	respondJSON(w, resp)
}

// QueueLength returns the number of pending epochs
func (s *Server) QueueLength(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		QueueLength int `json:"queueLength"`
	}{QueueLength: s.acq.QueueLength()}
	respondJSON(w, resp)
}

// Cancel discards the current epoch at the next iteration boundary
func (s *Server) Cancel(w http.ResponseWriter, r *http.Request) {
	s.acq.CancelEpoch()
	w.WriteHeader(http.StatusOK)
}

// ApplyBackground parks every output stream at its background value
func (s *Server) ApplyBackground(w http.ResponseWriter, r *http.Request) {
	if err := s.acq.ApplyStreamsBackground(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// stimulusBody is one device's rendered stimulus in an enqueue request
type stimulusBody struct {
	// StimulusID identifies the generator, e.g. "client.Pulse"
	StimulusID string `json:"stimulusID"`

	// Unit is the base unit of the sample values
	Unit string `json:"unit"`

	// SampleRateHz is the rendered sample rate
	SampleRateHz float64 `json:"sampleRateHz"`

	// Values are the rendered samples, in Unit
	Values []float64 `json:"values"`

	// Parameters are recorded with the stimulus on persistence
	Parameters map[string]interface{} `json:"parameters"`

	// PersistData requests the sample buffer be stored, not just the
	// parameters
	PersistData bool `json:"persistData"`
}

// backgroundBody is one device's resting value in an enqueue request
type backgroundBody struct {
	Value float64 `json:"value"`

	Exponent int `json:"exponent"`

	Unit string `json:"unit"`

	SampleRateHz float64 `json:"sampleRateHz"`
}

// enqueueBody is the JSON form of a trial submission
type enqueueBody struct {
	ProtocolID string `json:"protocolID"`

	Parameters map[string]interface{} `json:"parameters"`

	Keywords []string `json:"keywords"`

	// Stimuli maps device names to rendered stimuli
	Stimuli map[string]stimulusBody `json:"stimuli"`

	// Backgrounds maps device names to resting values
	Backgrounds map[string]backgroundBody `json:"backgrounds"`

	// Responses lists the devices to record input from
	Responses []string `json:"responses"`
}

// Enqueue decodes a trial submission, builds the epoch and appends it to
// the controller's pending queue
func (s *Server) Enqueue(w http.ResponseWriter, r *http.Request) {
	var body enqueueBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	e := epoch.New(body.ProtocolID, body.Parameters)
	for _, kw := range body.Keywords {
		e.AddKeyword(kw)
	}
	for name, sb := range body.Stimuli {
		samples := make([]units.Measurement, len(sb.Values))
		for i, v := range sb.Values {
			samples[i] = units.Measurement{Quantity: v, Unit: sb.Unit}
		}
		rate := units.Measurement{Quantity: sb.SampleRateHz, Unit: "Hz"}
		data, err := sampled.NewOutputData(samples, rate, true)
		if err != nil {
			http.Error(w, fmt.Sprintf("stimulus for %q: %v", name, err), http.StatusBadRequest)
			return
		}
		e.AddStimulus(name, stimuli.NewRendered(sb.StimulusID, data, sb.Parameters, sb.PersistData))
	}
	for name, bb := range body.Backgrounds {
		e.SetBackground(name, stimuli.Background{
			Value:      units.Measurement{Quantity: bb.Value, Exponent: bb.Exponent, Unit: bb.Unit},
			SampleRate: units.Measurement{Quantity: bb.SampleRateHz, Unit: "Hz"},
		})
	}
	for _, name := range body.Responses {
		e.RecordResponse(name)
	}
	if err := s.acq.EnqueueEpoch(e); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp := struct {
		QueueLength int `json:"queueLength"`
	}{QueueLength: s.acq.QueueLength()}
	respondJSON(w, resp)
}

type eventJSON struct {
	Kind    string `json:"kind"`
	Time    string `json:"time"`
	Stream  string `json:"stream,omitempty"`
	Error   string `json:"error,omitempty"`
	Deficit int64  `json:"deficitNs,omitempty"`
}

// Events streams the controller's event feed as server-sent JSON lines.
// The per-connection channel is bounded and the feed subscriber never
// blocks the iteration goroutine; a slow client loses events.
func (s *Server) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ch := make(chan events.Event, eventChanCap)
	cancel := s.acq.Events.Subscribe(func(ev events.Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			out := eventJSON{
				Kind:    ev.Kind.String(),
				Time:    ev.Time.Format("2006-01-02T15:04:05.000000000Z07:00"),
				Stream:  ev.Stream,
				Deficit: int64(ev.Deficit),
			}
			if ev.Err != nil {
				out.Error = ev.Err.Error()
			}
			b, err := json.Marshal(out)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		}
	}
}

// DeviceNetwork returns a mux with a submux per registered device,
// serving its identity and background
func (s *Server) DeviceNetwork() *goji.Mux {
	root := goji.NewMux()
	for name, dev := range s.acq.Devices() {
		dev := dev
		sub := goji.SubMux()
		sub.HandleFunc(pat.Get("/background"), func(w http.ResponseWriter, r *http.Request) {
			bg := dev.Background()
			resp := struct {
				Value float64 `json:"value"`
				Unit  string  `json:"unit"`
				Rate  float64 `json:"rateHz"`
			}{
				Value: bg.Value.BaseUnitValue(),
				Unit:  bg.Value.Unit,
				Rate:  bg.SampleRate.BaseUnitValue(),
			}
			respondJSON(w, resp)
		})
		sub.HandleFunc(pat.Get("/name"), func(w http.ResponseWriter, r *http.Request) {
			respondJSON(w, struct {
				Name string `json:"name"`
			}{Name: dev.Name()})
		})
		root.Handle(pat.New("/"+name+"/*"), sub)
	}
	return root
}

func respondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("error encoding response to json %q", err)
	}
}
