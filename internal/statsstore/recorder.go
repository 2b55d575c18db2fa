package statsstore

import (
	"sync/atomic"
	"time"

	"github.com/caldera-project/caldera/internal/logging"
	"github.com/caldera-project/caldera/internal/timeutil"
)

// SnapshotProvider returns the current telemetry snapshot to persist. It is
// invoked once per stats_flush_interval_ms.
type SnapshotProvider func() Snapshot

// Recorder drives periodic flushes of a SnapshotProvider's output into a
// Store, on its own goroutine (mirroring the control plane's dedicated
// worker thread, spec.md §5).
type Recorder struct {
	store    *Store
	provider SnapshotProvider
	clock    timeutil.Clock
	interval time.Duration
	log      logging.Logger

	running int32
	stopCh  chan struct{}
	doneCh  chan struct{}

	flushed uint64
	failed  uint64
}

// NewRecorder constructs a Recorder. interval <= 0 makes Start a no-op,
// matching stats_db_path == "" disabling the store entirely one layer up.
func NewRecorder(store *Store, provider SnapshotProvider, interval time.Duration, clock timeutil.Clock) *Recorder {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Recorder{store: store, provider: provider, clock: clock, interval: interval, log: logging.Named("statsstore")}
}

// Start begins the flush loop. It is a no-op if interval <= 0 or the
// recorder is already running.
func (r *Recorder) Start() {
	if r.interval <= 0 {
		return
	}
	if !atomic.CompareAndSwapInt32(&r.running, 0, 1) {
		return
	}
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.run()
}

// Stop halts the flush loop and waits for it to exit.
func (r *Recorder) Stop() {
	if !atomic.CompareAndSwapInt32(&r.running, 1, 0) {
		return
	}
	close(r.stopCh)
	<-r.doneCh
}

func (r *Recorder) run() {
	defer close(r.doneCh)
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C():
			r.flushOnce()
		}
	}
}

func (r *Recorder) flushOnce() {
	snap := r.provider()
	if err := r.store.Insert(snap); err != nil {
		atomic.AddUint64(&r.failed, 1)
		r.log.Warnf("stats flush failed: %v", err)
		return
	}
	atomic.AddUint64(&r.flushed, 1)
}

// Flushed returns the count of successfully persisted snapshots.
func (r *Recorder) Flushed() uint64 { return atomic.LoadUint64(&r.flushed) }

// Failed returns the count of failed flush attempts.
func (r *Recorder) Failed() uint64 { return atomic.LoadUint64(&r.failed) }
