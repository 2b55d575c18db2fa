// Package app wires the concrete pieces spec.md and SPEC_FULL.md name into
// one running process: a sensor, the processing pipeline, the shared-memory
// and streaming-socket transports, the control plane, and the stats store.
// internal/harness builds the same sensor/pipeline/transport chain for
// tests; App additionally owns the control.Server and statsstore.Recorder
// and their full start/stop lifecycle, matching spec.md §5's "one
// dedicated worker thread per component" model.
package app

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/caldera-project/caldera/internal/calib"
	"github.com/caldera-project/caldera/internal/config"
	"github.com/caldera-project/caldera/internal/control"
	"github.com/caldera-project/caldera/internal/frame"
	"github.com/caldera-project/caldera/internal/logging"
	"github.com/caldera-project/caldera/internal/pipeline"
	"github.com/caldera-project/caldera/internal/sensor"
	"github.com/caldera-project/caldera/internal/shm"
	"github.com/caldera-project/caldera/internal/statsstore"
	"github.com/caldera-project/caldera/internal/streamsock"
	"github.com/caldera-project/caldera/internal/timeutil"
	"github.com/caldera-project/caldera/internal/transport"
)

// App owns every long-lived component for one Caldera backend process.
type App struct {
	cfg   *config.Config
	clock timeutil.Clock
	log   logging.Logger

	// runID tags this process's lifetime in logs, distinguishing one
	// calderad run from the next when log output from several runs is
	// aggregated (e.g. across restarts writing to the same log stream).
	runID string

	sensor     sensor.Sensor
	pipeline   *pipeline.Pipeline
	transports []transport.Transport

	shmWriter *shm.Writer
	stream    *streamsock.Server
	control   *control.Server
	store     *statsstore.Store
	recorder  *statsstore.Recorder

	sendErrors uint64
}

// toPlane converts a config.Plane into the calib package's equivalent,
// keeping the two packages' own plane types independent (config must not
// import calib: spec.md §9 keeps config a leaf package).
func toPlane(p config.Plane) calib.Plane {
	return calib.Plane{A: p.A, B: p.B, C: p.C, D: p.D}
}

// buildTransform derives the calib.TransformParameters the pipeline needs
// from the flat tunables in cfg. Intrinsics and sensor pose stay at their
// calib.Default() values: Caldera's config surface (spec.md §6) exposes
// only depth scale/offset and the two validation planes, not a full
// per-sensor calibration profile — that richer shape is what
// calib.FromKinectV1/FromGeneric exist for, when a deployment supplies one.
func buildTransform(cfg *config.Config) calib.TransformParameters {
	t := calib.Default()
	t.DepthScale = cfg.DepthScale
	t.DepthOffset = cfg.DepthOffset
	t.MinValid = toPlane(cfg.MinValidPlane)
	t.MaxValid = toPlane(cfg.MaxValidPlane)
	return t
}

// buildSensor selects a sensor implementation per cfg: a serial device if
// configured, else a PCAP replay if configured, else a synthetic ramp
// generator as the always-available fallback (SPEC_FULL.md §4.4-4.6).
func buildSensor(cfg *config.Config, clock timeutil.Clock) sensor.Sensor {
	switch {
	case cfg.SerialDevice != "":
		return sensor.NewSerialSensor(sensor.SerialSensorConfig{
			SensorID: "serial0",
			Device:   cfg.SerialDevice,
			BaudRate: cfg.SerialBaud,
		})
	case cfg.PCAPPath != "":
		return sensor.NewPCAPSensor(sensor.PCAPSensorConfig{
			SensorID:        "pcap0",
			Path:            cfg.PCAPPath,
			Realtime:        cfg.PCAPRealtime,
			SpeedMultiplier: 1.0,
			FPS:             cfg.PCAPFPS,
			Loop:            true,
			Clock:           clock,
		})
	default:
		return sensor.NewSyntheticSensor(sensor.SyntheticConfig{
			SensorID: "synthetic0",
			Width:    cfg.MaxWidth,
			Height:   cfg.MaxHeight,
			FPS:      30,
			Pattern:  sensor.PatternRamp,
			Clock:    clock,
		})
	}
}

// New assembles an App from cfg without starting anything. The shared-memory
// segment is opened here (not in Start) so a failure to open it can be
// logged and degraded to a no-op transport per spec.md §7, rather than
// aborting construction of the rest of the app.
func New(cfg *config.Config) *App {
	clock := timeutil.RealClock{}
	a := &App{cfg: cfg, clock: clock, log: logging.Named("app"), runID: uuid.NewString()}

	transform := buildTransform(cfg)
	a.sensor = buildSensor(cfg, clock)
	a.pipeline = pipeline.New(cfg, transform, frame.HandlerFunc(a.dispatch))

	if w, err := shm.Start(cfg.SHMName, shm.WriterOptions{
		MaxWidth: cfg.MaxWidth, MaxHeight: cfg.MaxHeight,
		ChecksumIntervalMS: cfg.ChecksumIntervalMS, Clock: clock,
	}); err != nil {
		// Segment open failures render send_world_frame a no-op rather than
		// aborting the app (spec.md §7): the pipeline still runs, it simply
		// has one fewer transport to fan out to.
		a.log.Errorf("shared-memory segment %q unavailable, shm transport disabled: %v", cfg.SHMName, err)
	} else {
		a.shmWriter = w
		a.transports = append(a.transports, w)
	}

	if cfg.StreamListenAddr != "" {
		a.stream = streamsock.NewServer(cfg)
		a.transports = append(a.transports, a.stream)
	}

	info := control.HandshakeInfo{
		ProtocolVersion: "1.0",
		ShmNameA:        cfg.SHMName,
		ShmNameB:        cfg.SHMName,
		ShmSize:         shm.SegmentSize(cfg.MaxWidth, cfg.MaxHeight),
		HeightMapWidth:  uint32(cfg.MaxWidth),
		HeightMapHeight: uint32(cfg.MaxHeight),
	}
	a.control = control.NewServer(cfg, info, clock)
	a.control.SetStatsProvider(a.statsLine)

	if cfg.StatsDBPath != "" {
		if store, err := statsstore.Open(cfg.StatsDBPath); err != nil {
			a.log.Errorf("stats store %q unavailable, persistence disabled: %v", cfg.StatsDBPath, err)
		} else {
			a.store = store
			a.recorder = statsstore.NewRecorder(store, a.snapshot, cfg.StatsFlushInterval(), clock)
		}
	}

	a.sensor.SetFrameCallback(func(f *frame.RawDepthFrame) { a.pipeline.Process(f) })
	return a
}

// dispatch fans out one WorldFrame to every live transport, counting
// delivery failures without letting one transport's error affect another's
// (spec.md §5: transports operate independently of each other).
func (a *App) dispatch(f *frame.WorldFrame) {
	for _, t := range a.transports {
		if err := t.Send(f); err != nil {
			atomic.AddUint64(&a.sendErrors, 1)
			a.log.Warnf("transport send failed: %v", err)
		}
	}
}

// SendErrors returns the count of transport.Send calls that have failed
// across the app's lifetime.
func (a *App) SendErrors() uint64 { return atomic.LoadUint64(&a.sendErrors) }

// RunID returns the unique identifier generated for this process's
// lifetime.
func (a *App) RunID() string { return a.runID }

// statsLine renders the current pipeline metrics as the single-line JSON
// the control plane streams back to clients (spec.md §4.3 "steady state").
func (a *App) statsLine() string {
	m := a.pipeline.LastMetrics()
	body, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(body)
}

// snapshot builds the Snapshot the stats-store recorder persists on its
// own interval, merging pipeline metrics with the transport and
// control-plane counters named in SPEC_FULL.md §4.8.
func (a *App) snapshot() statsstore.Snapshot {
	var bytesPublished, droppedCapacity uint64
	if a.shmWriter != nil {
		droppedCapacity += a.shmWriter.DroppedCapacity()
	}
	if a.stream != nil {
		bytesPublished += a.stream.BytesPublished()
		droppedCapacity += a.stream.DroppedCapacity()
	}
	var sessionsServed int64
	if a.control != nil {
		sessionsServed = a.control.SessionsServed()
	}
	return statsstore.Snapshot{
		CapturedAtNs:          timeutil.MonotonicNanos(a.clock),
		Metrics:               a.pipeline.LastMetrics(),
		FramesDroppedCapacity: droppedCapacity,
		BytesPublished:        bytesPublished,
		SessionsServed:        sessionsServed,
	}
}

// Start opens the sensor and begins the control server, streaming-socket
// server, and stats recorder, each on its own goroutine.
func (a *App) Start() error {
	a.log.Infof("starting run %s", a.runID)
	if a.stream != nil {
		if err := a.stream.Start(); err != nil {
			return fmt.Errorf("app: streaming-socket start: %w", err)
		}
	}
	go func() {
		if err := a.control.Run(); err != nil {
			a.log.Errorf("control server exited: %v", err)
		}
	}()
	if a.recorder != nil {
		a.recorder.Start()
	}
	if err := a.sensor.Open(); err != nil {
		return fmt.Errorf("app: sensor open: %w", err)
	}
	return nil
}

// Stop shuts every component down in the reverse order Start brought them
// up, tolerating a nil component from a degraded New (shm/stats-store
// open failures).
func (a *App) Stop() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(a.sensor.Close())
	if a.recorder != nil {
		a.recorder.Stop()
	}
	a.control.Stop()
	if a.stream != nil {
		record(a.stream.Close())
	}
	if a.shmWriter != nil {
		record(a.shmWriter.Stop())
	}
	if a.store != nil {
		record(a.store.Close())
	}
	return firstErr
}
