package statsstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/caldera-project/caldera/internal/pipeline"
	"github.com/caldera-project/caldera/internal/timeutil"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stats.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRunsMigrations(t *testing.T) {
	s := openTestStore(t)
	n, err := s.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Fatalf("fresh store should have 0 rows, got %d", n)
	}
}

func TestInsertAndLatest(t *testing.T) {
	s := openTestStore(t)

	snap := Snapshot{
		CapturedAtNs: 1000,
		Metrics: pipeline.Metrics{
			FrameID:         5,
			Width:           64,
			Height:          48,
			HardInvalid:     3,
			StabilityRatio:  0.92,
			AvgVariance:     0.001,
			ProcTotalMS:     1.5,
			AdaptiveSpatial: true,
			AdaptiveStrong:  false,
			AdaptiveStreak:  4,
			MeanConfidence:  0.81,
		},
		FramesDroppedCapacity: 2,
		BytesPublished:        12288,
		SessionsServed:        1,
		LastHeartbeatAgeMs:    50,
	}
	if err := s.Insert(snap); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	n, err := s.Count()
	if err != nil || n != 1 {
		t.Fatalf("Count() = %d, %v, want 1, nil", n, err)
	}

	got, ok, err := s.Latest()
	if err != nil || !ok {
		t.Fatalf("Latest() ok=%v err=%v", ok, err)
	}
	if got.Metrics.FrameID != 5 || got.Metrics.Width != 64 || !got.Metrics.AdaptiveSpatial || got.Metrics.AdaptiveStrong {
		t.Fatalf("Latest() = %+v", got)
	}
	if got.BytesPublished != 12288 || got.SessionsServed != 1 {
		t.Fatalf("Latest() counters = %+v", got)
	}
}

func TestRecorderFlushesOnTicker(t *testing.T) {
	s := openTestStore(t)
	clock := timeutil.NewMockClock(time.Unix(0, 0))

	calls := 0
	provider := func() Snapshot {
		calls++
		return Snapshot{CapturedAtNs: uint64(calls), Metrics: pipeline.Metrics{FrameID: uint64(calls)}}
	}

	rec := NewRecorder(s, provider, 100*time.Millisecond, clock)
	rec.Start()
	defer rec.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for rec.Flushed() < 2 {
		clock.Advance(100 * time.Millisecond)
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for flushes, got %d", rec.Flushed())
		}
		time.Sleep(time.Millisecond)
	}

	n, err := s.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n < 2 {
		t.Fatalf("Count() = %d, want >= 2", n)
	}
}
