package sensor

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caldera-project/caldera/internal/frame"
	"github.com/caldera-project/caldera/internal/logging"
	"github.com/caldera-project/caldera/internal/timeutil"
)

// Pattern selects the deterministic depth pattern a SyntheticSensor emits.
type Pattern string

const (
	PatternRamp     Pattern = "ramp"
	PatternConstant Pattern = "constant"
	PatternChecker  Pattern = "checker"
	PatternStripes  Pattern = "stripes"
	PatternRadial   Pattern = "radial"
)

// DefaultSeed is the RNG seed used when SyntheticConfig.Seed is left zero,
// matching the source's reproducibility default (spec.md §4.4).
const DefaultSeed = 0xC0FFEE

// SyntheticConfig configures a SyntheticSensor.
type SyntheticConfig struct {
	SensorID string
	Width    uint32
	Height   uint32
	FPS      float64
	Pattern  Pattern

	// ConstantValue is the raw depth value emitted by PatternConstant.
	ConstantValue uint16

	// DropEveryN, when >= 1, causes every Nth produced frame to be counted
	// as produced+dropped without invoking the callback (spec.md §4.4).
	DropEveryN int

	// JitterMaxMS adds a uniform random delay in [0, JitterMaxMS] before
	// each emission.
	JitterMaxMS int

	// Seed seeds the RNG for jitter; 0 means DefaultSeed.
	Seed int64

	Clock timeutil.Clock
}

// SyntheticSensor is a deterministic pattern generator used as a mock
// sensor and by tests (spec.md §4.4).
type SyntheticSensor struct {
	cfg   SyntheticConfig
	clock timeutil.Clock
	log   logging.Logger

	mu       sync.Mutex
	cb       FrameCallback
	running  int32
	paused   int32
	stopCh   chan struct{}
	stopDone chan struct{}

	stopAfter   int64 // 0 = unlimited
	stopAfterMu sync.Mutex

	rng *rand.Rand

	produced uint64
	emitted  uint64
	dropped  uint64
}

// NewSyntheticSensor builds a SyntheticSensor. Width/Height/FPS must be
// positive; Pattern defaults to PatternRamp if empty.
func NewSyntheticSensor(cfg SyntheticConfig) *SyntheticSensor {
	if cfg.Pattern == "" {
		cfg.Pattern = PatternRamp
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = DefaultSeed
	}
	return &SyntheticSensor{
		cfg:   cfg,
		clock: cfg.Clock,
		log:   logging.Named("sensor.synthetic"),
		rng:   rand.New(rand.NewSource(seed)),
	}
}

func (s *SyntheticSensor) SetFrameCallback(cb FrameCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
}

// Open starts the worker goroutine that paces frame emission at 1/FPS
// intervals via monotonic sleep_until semantics (spec.md §4.4/§5).
func (s *SyntheticSensor) Open() error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return fmt.Errorf("sensor.synthetic: already open")
	}
	if s.cfg.Width == 0 || s.cfg.Height == 0 || s.cfg.FPS <= 0 {
		atomic.StoreInt32(&s.running, 0)
		return fmt.Errorf("sensor.synthetic: width, height and fps must be positive")
	}
	s.stopCh = make(chan struct{})
	s.stopDone = make(chan struct{})
	go s.run()
	return nil
}

// Close stops the worker goroutine and joins it before returning, per the
// "joins are always awaited" rule in spec.md §5.
func (s *SyntheticSensor) Close() error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return nil
	}
	close(s.stopCh)
	<-s.stopDone
	return nil
}

// Pause gates emission without stopping the worker goroutine.
func (s *SyntheticSensor) Pause() { atomic.StoreInt32(&s.paused, 1) }

// Resume un-gates emission.
func (s *SyntheticSensor) Resume() { atomic.StoreInt32(&s.paused, 0) }

// SetStopAfter auto-pauses the sensor once n frames have been emitted.
// n <= 0 disables the limit.
func (s *SyntheticSensor) SetStopAfter(n int) {
	s.stopAfterMu.Lock()
	defer s.stopAfterMu.Unlock()
	s.stopAfter = int64(n)
}

// Counters returns {produced, emitted, dropped} for test assertions.
func (s *SyntheticSensor) Counters() (produced, emitted, dropped uint64) {
	return atomic.LoadUint64(&s.produced), atomic.LoadUint64(&s.emitted), atomic.LoadUint64(&s.dropped)
}

func (s *SyntheticSensor) run() {
	defer close(s.stopDone)

	period := time.Duration(float64(time.Second) / s.cfg.FPS)
	next := s.clock.Now()
	var frameIdx uint64

	for atomic.LoadInt32(&s.running) == 1 {
		next = next.Add(period)
		if d := s.clock.Until(next); d > 0 {
			timer := s.clock.NewTimer(d)
			select {
			case <-timer.C():
			case <-s.stopCh:
				timer.Stop()
				return
			}
		}
		if atomic.LoadInt32(&s.running) == 0 {
			return
		}

		if atomic.LoadInt32(&s.paused) == 1 {
			continue
		}

		s.stopAfterMu.Lock()
		limit := s.stopAfter
		s.stopAfterMu.Unlock()
		if limit > 0 && int64(atomic.LoadUint64(&s.emitted)) >= limit {
			s.Pause()
			continue
		}

		if s.cfg.JitterMaxMS > 0 {
			j := time.Duration(s.rng.Intn(s.cfg.JitterMaxMS+1)) * time.Millisecond
			jt := s.clock.NewTimer(j)
			select {
			case <-jt.C():
			case <-s.stopCh:
				jt.Stop()
				return
			}
		}

		atomic.AddUint64(&s.produced, 1)
		frameIdx++

		if s.cfg.DropEveryN >= 1 && frameIdx%uint64(s.cfg.DropEveryN) == 0 {
			atomic.AddUint64(&s.dropped, 1)
			continue
		}

		f := s.generate(frameIdx)
		atomic.AddUint64(&s.emitted, 1)

		s.mu.Lock()
		cb := s.cb
		s.mu.Unlock()
		if cb != nil {
			cb(f)
		}
	}
}

func (s *SyntheticSensor) generate(frameIdx uint64) *frame.RawDepthFrame {
	w, h := int(s.cfg.Width), int(s.cfg.Height)
	data := make([]uint16, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			data[y*w+x] = s.sample(x, y, w, h)
		}
	}
	return &frame.RawDepthFrame{
		SensorID:    s.cfg.SensorID,
		TimestampNs: timeutil.MonotonicNanos(s.clock),
		Width:       uint32(w),
		Height:      uint32(h),
		Data:        data,
	}
}

func (s *SyntheticSensor) sample(x, y, w, h int) uint16 {
	switch s.cfg.Pattern {
	case PatternConstant:
		return s.cfg.ConstantValue
	case PatternChecker:
		if (x/8+y/8)%2 == 0 {
			return 1000
		}
		return 2000
	case PatternStripes:
		if (x/4)%2 == 0 {
			return 1000
		}
		return 1500
	case PatternRadial:
		cx, cy := float64(w)/2, float64(h)/2
		dx, dy := float64(x)-cx, float64(y)-cy
		r := math.Sqrt(dx*dx + dy*dy)
		return uint16(500 + r*4)
	case PatternRamp:
		fallthrough
	default:
		return uint16(x + y)
	}
}
