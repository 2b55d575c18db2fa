// Package pipeline implements spec.md §4.1: the per-frame transformation
// engine that turns a RawDepthFrame into a calibrated, stabilized
// WorldFrame. A Pipeline is built once from a Config and a calibration
// TransformParameters and then driven one frame at a time through Process,
// exactly like the teacher's tracking pipeline drives LiDAR frames through
// foreground extraction, clustering and tracking stages.
package pipeline

import (
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/caldera-project/caldera/internal/calib"
	"github.com/caldera-project/caldera/internal/config"
	"github.com/caldera-project/caldera/internal/frame"
	"github.com/caldera-project/caldera/internal/logging"
	"github.com/caldera-project/caldera/internal/timeutil"
)

// Config is a type alias to the shared configuration struct so this
// package's call sites read naturally (pipeline.Config) without a second
// copy of every tunable.
type Config = config.Config

// Pipeline transforms RawDepthFrames into WorldFrames. All mutable state
// (buffers, temporal/adaptive state, metrics) lives on the instance and is
// guarded by mu; a Pipeline is safe to share across multiple sensor worker
// goroutines feeding it concurrently (spec.md §4.1/§5).
type Pipeline struct {
	cfg       *Config
	transform calib.TransformParameters
	handler   frame.Handler
	clock     timeutil.Clock
	log       logging.Logger

	stages []Stage

	mu sync.Mutex

	frameID uint64
	w, h    int

	height     []float64
	valid      []bool
	spatialOut []float64
	prevHeight []float64
	prevValid  []bool

	temporal *temporalState
	adaptive *adaptiveController

	confidence []float64

	emaVariance    float64
	prevStableRatio float64

	lastMetrics Metrics
}

// New builds a Pipeline from cfg's pipeline tunables and transform, parsing
// cfg.PipelineSpec (falling back to CanonicalStages on any parse error,
// logged once, per spec.md §4.1 failure semantics). Frames are delivered to
// handler in strict frame_id order.
func New(cfg *Config, transform calib.TransformParameters, handler frame.Handler) *Pipeline {
	stages, err := ParseSpec(cfg.PipelineSpec)
	if err != nil {
		logging.Named("pipeline").Warnf("invalid pipeline spec %q, using canonical order: %v", cfg.PipelineSpec, err)
		stages = CanonicalStages()
	}
	return &Pipeline{
		cfg:       cfg,
		transform: transform,
		handler:   handler,
		clock:     timeutil.RealClock{},
		log:       logging.Named("pipeline"),
		stages:    stages,
		temporal:  newTemporalState(cfg),
		adaptive:  newAdaptiveController(cfg),
	}
}

// SetClock overrides the pipeline's clock, for deterministic timing tests.
func (p *Pipeline) SetClock(c timeutil.Clock) { p.clock = c }

// LastMetrics returns a copy of the metrics computed for the most recently
// processed frame.
func (p *Pipeline) LastMetrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastMetrics
}

func hasStage(stages []Stage, name string) (Stage, bool) {
	for _, s := range stages {
		if s.Name == name {
			return s, true
		}
	}
	return Stage{}, false
}

// Process runs raw through every configured stage and invokes the
// pipeline's handler with the resulting WorldFrame. The entire critical
// section is serialized under p.mu, so multiple sensors feeding one
// Pipeline instance are safe (spec.md §4.1).
func (p *Pipeline) Process(raw *frame.RawDepthFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := p.clock.Now()

	w, h := int(raw.Width), int(raw.Height)
	p.resize(w, h)

	var m Metrics
	m.FrameID = p.frameID
	m.Width = raw.Width
	m.Height = raw.Height

	buildStart := p.clock.Now()
	if _, ok := hasStage(p.stages, "build"); ok {
		p.runBuild(raw)
	}
	m.BuildMS = msSince(p.clock, buildStart)

	if st, ok := hasStage(p.stages, "plane_validate"); ok {
		p.runPlaneValidate(st)
	}

	hardInvalid := 0
	for _, v := range p.valid {
		if !v {
			hardInvalid++
		}
	}
	m.HardInvalid = hardInvalid

	filterStart := p.clock.Now()
	stableCount := 0
	if _, ok := hasStage(p.stages, "temporal"); ok {
		stableCount = p.temporal.apply(p.height, p.valid)
	}

	runSpatial, strong := p.adaptive.classify(p.prevStableRatio, p.emaVariance)
	m.AdaptiveSpatial = runSpatial
	m.AdaptiveStrong = strong
	m.AdaptiveStreak = p.adaptive.streak()

	if st, ok := hasStage(p.stages, "spatial"); ok {
		p.runSpatial(st, runSpatial, strong, &m)
	}
	m.FilterMS = msSince(p.clock, filterStart)

	fuseStart := p.clock.Now()
	if st, ok := hasStage(p.stages, "fusion"); ok {
		p.runFusion(st)
	}
	m.FuseMS = msSince(p.clock, fuseStart)

	if st, ok := hasStage(p.stages, "confidence"); ok {
		p.runConfidence(st, &m)
	}

	m.ProcTotalMS = msSince(p.clock, start)

	// stability_ratio is the fraction of pixels the temporal stage currently
	// classifies as stable, not the fraction of geometrically valid pixels:
	// a frame can be fully valid yet entirely unstable (before min_samples is
	// reached, or under continuous jitter), and the adaptive controller
	// needs to see that (spec.md §4.1 "Adaptive control").
	stableRatio := 0.0
	if w*h > 0 {
		stableRatio = float64(stableCount) / float64(w*h)
	}
	p.prevStableRatio = stableRatio
	m.StabilityRatio = stableRatio

	const emaAlpha = 0.2
	frameVariance, _ := sampleVarianceAndEdgeEnergy(p.height, p.valid, w, h, 0)
	p.emaVariance = p.emaVariance*(1-emaAlpha) + frameVariance*emaAlpha
	m.AvgVariance = p.emaVariance

	wf := &frame.WorldFrame{
		FrameID:     p.frameID,
		TimestampNs: raw.TimestampNs,
		HeightMap: frame.HeightMap{
			Width:  uint32(w),
			Height: uint32(h),
			Data:   toFloat32(p.height),
		},
	}
	p.frameID++
	p.lastMetrics = m

	copy(p.prevHeight, p.height)
	copy(p.prevValid, p.valid)

	if p.handler != nil {
		p.handler.HandleWorldFrame(wf)
	}
}

func msSince(c timeutil.Clock, t time.Time) float64 {
	return float64(c.Since(t)) / float64(time.Millisecond)
}

func (p *Pipeline) resize(w, h int) {
	if w == p.w && h == p.h && len(p.height) == w*h {
		return
	}
	p.log.Debugf("resizing pipeline buffers from %dx%d to %dx%d", p.w, p.h, w, h)
	p.w, p.h = w, h
	n := w * h
	p.height = make([]float64, n)
	p.valid = make([]bool, n)
	p.spatialOut = make([]float64, n)
	p.prevHeight = make([]float64, n)
	p.prevValid = make([]bool, n)
	p.confidence = make([]float64, n)
	p.temporal.resize(w, h)
}

// runBuild is stage "build": height = raw*scale+offset, invalidity for
// raw==0 or a non-finite result (spec.md §4.1).
func (p *Pipeline) runBuild(raw *frame.RawDepthFrame) {
	n := p.w * p.h
	for i := 0; i < n; i++ {
		var rv uint16
		if i < len(raw.Data) {
			rv = raw.Data[i]
		}
		if rv == 0 {
			p.height[i] = 0
			p.valid[i] = false
			continue
		}
		hgt := float64(rv)*p.cfg.DepthScale + p.cfg.DepthOffset
		if math.IsNaN(hgt) || math.IsInf(hgt, 0) {
			p.height[i] = 0
			p.valid[i] = false
			continue
		}
		p.height[i] = hgt
		p.valid[i] = true
	}
}

// runPlaneValidate is stage "plane_validate": projects each valid pixel
// into world space and gates it against the min/max validation planes.
func (p *Pipeline) runPlaneValidate(_ Stage) {
	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			i := y*p.w + x
			if !p.valid[i] {
				continue
			}
			wx, wy, wz := p.transform.ProjectedPoint(x, y, p.height[i])
			if !p.transform.Valid(wx, wy, wz) {
				p.valid[i] = false
				p.height[i] = 0
			}
		}
	}
}

func (p *Pipeline) runSpatial(st Stage, run, strong bool, m *Metrics) {
	if p.cfg.SpatialWhen == "never" {
		return
	}
	if p.cfg.SpatialWhen == "adaptive" && !run {
		return
	}
	if p.cfg.SpatialWhen == "adaptiveStrong" && !strong {
		return
	}

	kernel := spatialKernel(p.cfg.SpatialKernel)
	if k, ok := st.Param("kernel"); ok {
		kernel = spatialKernel(k)
	}
	if strong {
		strongKernel := spatialKernel(p.cfg.SpatialStrongKernel)
		if p.cfg.AdaptiveStrongDoublePass {
			applySpatial(kernelClassicDouble, p.height, p.valid, p.w, p.h, p.spatialOut)
		} else {
			applySpatial(strongKernel, p.height, p.valid, p.w, p.h, p.spatialOut)
		}
	} else {
		applySpatial(kernel, p.height, p.valid, p.w, p.h, p.spatialOut)
	}

	sampleCount := p.cfg.SpatialSampleCount
	if cnt, ok := st.Param("sample_count"); ok {
		if n, err := parseIntParam(cnt); err == nil {
			sampleCount = n
		}
	}
	if p.cfg.StabilityMetricsEnabled {
		preVar, preEdge := sampleVarianceAndEdgeEnergy(p.height, p.valid, p.w, p.h, sampleCount)
		postVar, postEdge := sampleVarianceAndEdgeEnergy(p.spatialOut, p.valid, p.w, p.h, sampleCount)
		if preVar > 0 {
			m.SpatialVarianceRatio = postVar / preVar
		}
		if preEdge > 0 {
			m.SpatialEdgePreservationRatio = postEdge / preEdge
		}
	}

	copy(p.height, p.spatialOut)
}

func parseIntParam(s string) (int, error) {
	return strconv.Atoi(s)
}

// runFusion is stage "fusion": single-layer pass-through, or (when
// fusion_duplicate_layer is set) a confidence-weighted blend with a
// synthetic second layer shifted by fusion_duplicate_shift, for testing the
// multi-layer code path without a second physical sensor.
func (p *Pipeline) runFusion(_ Stage) {
	if !p.cfg.FusionDuplicateLayer {
		return
	}
	baseConf := p.cfg.FusionDuplicateBaseConf
	dupConf := p.cfg.FusionDuplicateDupConf
	denom := baseConf + dupConf
	if denom == 0 {
		return
	}
	for i := range p.height {
		if !p.valid[i] {
			continue
		}
		dup := p.height[i] + p.cfg.FusionDuplicateShift
		p.height[i] = (p.height[i]*baseConf + dup*dupConf) / denom
	}
}

// runConfidence is stage "confidence": a weighted blend of stability,
// spatial-variance-reduction, and temporal-consistency proxies.
func (p *Pipeline) runConfidence(_ Stage, m *Metrics) {
	if !p.cfg.ConfidenceEnabled {
		return
	}
	weights := p.cfg.ConfidenceWeights
	var sum float64
	var low, high int
	for i := range p.height {
		if !p.valid[i] {
			p.confidence[i] = 0
			continue
		}
		s := 0.0
		if p.temporal.pixels[i].stable {
			s = 1.0
		}
		r := 1.0
		if m.SpatialVarianceRatio > 0 {
			r = clip01(1 - m.SpatialVarianceRatio)
		}
		tConsistency := 1.0
		if p.prevValid[i] {
			diff := absFloat(p.height[i] - p.prevHeight[i])
			tConsistency = clip01(1 - diff/maxFloat(p.cfg.TemporalHysteresis*4, 1e-9))
		}
		c := clip01(weights[0]*s + weights[1]*r + weights[2]*tConsistency)
		p.confidence[i] = c
		sum += c
		if c < p.cfg.ConfidenceLow {
			low++
		}
		if c > p.cfg.ConfidenceHigh {
			high++
		}
	}
	n := len(p.height)
	if n > 0 {
		m.MeanConfidence = sum / float64(n)
		m.FractionLowConfidence = float64(low) / float64(n)
		m.FractionHighConfidence = float64(high) / float64(n)
	}
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func toFloat32(src []float64) []float32 {
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = float32(v)
	}
	return out
}
