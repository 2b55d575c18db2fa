// Package sensor defines the polymorphic sensor boundary (spec.md §4
// "Sensor abstraction") and its concrete implementations: a synthetic
// pattern generator, a serial passthrough source, and a PCAP replay source.
package sensor

import "github.com/caldera-project/caldera/internal/frame"

// FrameCallback receives one raw depth frame from a Sensor.
type FrameCallback func(*frame.RawDepthFrame)

// Sensor is the polymorphic boundary every source implements: live
// hardware, synthetic generator, or recorded/replayed capture.
type Sensor interface {
	// Open starts the sensor's capture loop. Must be safe to call once;
	// a second call before Close returns an error.
	Open() error
	// Close stops the capture loop and releases resources. Always safe to
	// call, including on a sensor that failed to Open.
	Close() error
	// SetFrameCallback registers the callback invoked for each captured
	// frame. Must be called before Open to take effect from the first
	// frame.
	SetFrameCallback(cb FrameCallback)
}
