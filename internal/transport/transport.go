// Package transport defines the common interface both the shared-memory
// and streaming-socket output channels satisfy (spec.md §6's transport
// abstraction; SPEC_FULL.md §4.7 adds the streaming-socket variant
// alongside the spec's shared-memory one).
package transport

import "github.com/caldera-project/caldera/internal/frame"

// Transport publishes world frames to an external consumer. Send is
// latest-wins: a transport MAY drop a frame under backpressure or over
// capacity rather than block the pipeline (spec.md §5).
type Transport interface {
	Send(f *frame.WorldFrame) error
	Close() error
}
