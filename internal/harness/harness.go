// Package harness wires a Sensor, a Pipeline, and one or more transports
// together end to end, mirroring spec.md's own "Integration harness (for
// tests)" component: spin sensor+pipeline+transport and aggregate stats.
// internal/app builds the same wiring for production use; this package
// exists so tests can assemble the same chain with direct access to every
// stage for assertions, without going through a full App.
package harness

import (
	"sync/atomic"

	"github.com/caldera-project/caldera/internal/calib"
	"github.com/caldera-project/caldera/internal/config"
	"github.com/caldera-project/caldera/internal/frame"
	"github.com/caldera-project/caldera/internal/pipeline"
	"github.com/caldera-project/caldera/internal/sensor"
	"github.com/caldera-project/caldera/internal/transport"
)

// Harness drives one Sensor's raw frames through one Pipeline and fans the
// resulting WorldFrames out to every configured Transport.
type Harness struct {
	Sensor     sensor.Sensor
	Pipeline   *pipeline.Pipeline
	Transports []transport.Transport

	sendErrors uint64
}

// New builds a Harness: cfg and transform configure the Pipeline exactly as
// internal/app does, sen supplies raw frames, and transports receive every
// resulting WorldFrame in delivery order.
func New(sen sensor.Sensor, cfg *config.Config, transform calib.TransformParameters, transports ...transport.Transport) *Harness {
	h := &Harness{Sensor: sen, Transports: transports}
	h.Pipeline = pipeline.New(cfg, transform, frame.HandlerFunc(h.dispatch))
	sen.SetFrameCallback(func(f *frame.RawDepthFrame) { h.Pipeline.Process(f) })
	return h
}

func (h *Harness) dispatch(f *frame.WorldFrame) {
	for _, t := range h.Transports {
		if t == nil {
			continue
		}
		if err := t.Send(f); err != nil {
			atomic.AddUint64(&h.sendErrors, 1)
		}
	}
}

// SendErrors returns the count of Transport.Send calls that returned an
// error across the harness's lifetime.
func (h *Harness) SendErrors() uint64 { return atomic.LoadUint64(&h.sendErrors) }

// Start opens the sensor, beginning frame delivery.
func (h *Harness) Start() error { return h.Sensor.Open() }

// Stop closes the sensor. Transports are owned by the caller and are not
// closed here, matching internal/app's separation between sensor lifecycle
// (short-lived, swappable) and transport lifecycle (tied to the process).
func (h *Harness) Stop() error { return h.Sensor.Close() }
