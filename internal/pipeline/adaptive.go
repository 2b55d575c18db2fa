package pipeline

// adaptiveController implements spec.md §4.1 "Adaptive control": it
// classifies each completed frame as stable/unstable from the previous
// frame's stability ratio and EMA variance, and applies an on_streak /
// off_streak hysteresis before flipping the spatial stage's active state.
// State persists across frames for the lifetime of one pipeline instance.
type adaptiveController struct {
	mode string // off, static, adaptive

	stabilityMin   float64
	varianceMax    float64
	onStreak       int
	offStreak      int
	strongVarMult  float64
	strongStabFrac float64

	active       bool
	strong       bool
	unstableRun  int
	stableRun    int
}

func newAdaptiveController(cfg *Config) *adaptiveController {
	return &adaptiveController{
		mode:           cfg.AdaptiveMode,
		stabilityMin:   cfg.AdaptiveStabilityMin,
		varianceMax:    cfg.AdaptiveVarianceMax,
		onStreak:       cfg.AdaptiveOnStreak,
		offStreak:      cfg.AdaptiveOffStreak,
		strongVarMult:  cfg.AdaptiveStrongVarMult,
		strongStabFrac: cfg.AdaptiveStrongStabFrac,
	}
}

// classify updates the controller's streak counters and active/strong
// state from the previous frame's stability ratio and EMA variance, then
// returns the (runSpatial, strong) decision for the *current* frame.
func (a *adaptiveController) classify(stabilityRatio, emaVariance float64) (runSpatial, strong bool) {
	switch a.mode {
	case "off":
		return false, false
	case "static":
		return true, false
	}

	unstable := stabilityRatio < a.stabilityMin || emaVariance > a.varianceMax
	if unstable {
		a.unstableRun++
		a.stableRun = 0
	} else {
		a.stableRun++
		a.unstableRun = 0
	}

	if !a.active && a.unstableRun > a.onStreak {
		a.active = true
	}
	if a.active && a.stableRun >= a.offStreak {
		a.active = false
	}

	a.strong = emaVariance >= a.varianceMax*a.strongVarMult || stabilityRatio <= a.strongStabFrac

	return a.active, a.active && a.strong
}

// streak returns the current consecutive-classification run length
// (unstable run while inactive, stable run while active-and-draining),
// reported in Metrics.AdaptiveStreak.
func (a *adaptiveController) streak() int {
	if a.active {
		return a.stableRun
	}
	return a.unstableRun
}
