// Package config collects every tunable named in spec.md §6 and SPEC_FULL.md
// §6 into one struct, populated once at process start. Per spec.md §9, this
// replaces the source's scattered getenv calls: Load reads a JSON file (if
// given) and then applies environment overrides in a single pass, and the
// resulting Config is handed down to constructors — nothing downstream reads
// the environment directly.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Plane is a validation or base plane (a,b,c,d): ax+by+cz+d R 0.
type Plane struct {
	A, B, C, D float64
}

// Config is the complete, immutable-after-load tunable surface.
type Config struct {
	// --- pipeline (spec.md §6) ---
	PipelineSpec              string
	DepthScale                float64
	DepthOffset               float64
	MinValidPlane             Plane
	MaxValidPlane             Plane
	TemporalSlots             int
	TemporalMinSamples        int
	TemporalMaxVariance       float64
	TemporalHysteresis        float64
	TemporalRetainValids      bool
	TemporalInstableValue     float64
	SpatialKernel             string
	SpatialWhen               string
	SpatialStrongKernel       string
	SpatialSampleCount        int
	AdaptiveMode              string
	AdaptiveStabilityMin      float64
	AdaptiveVarianceMax       float64
	AdaptiveOnStreak          int
	AdaptiveOffStreak         int
	AdaptiveStrongVarMult     float64
	AdaptiveStrongStabFrac    float64
	AdaptiveStrongDoublePass  bool
	AdaptiveTemporalScale     float64
	ConfidenceEnabled         bool
	ConfidenceWeights         [3]float64
	ConfidenceLow             float64
	ConfidenceHigh            float64
	FusionDuplicateLayer      bool
	FusionDuplicateShift      float64
	FusionDuplicateBaseConf   float64
	FusionDuplicateDupConf    float64
	StabilityMetricsEnabled   bool
	ConfidenceExportEnabled   bool

	// --- transport: shared memory (spec.md §6) ---
	SHMName             string
	MaxWidth            int
	MaxHeight           int
	ChecksumIntervalMS  int64

	// --- control plane (spec.md §6) ---
	PipeS2C                string
	PipeC2S                string
	HandshakeTimeoutMS     int64
	MaxJSONFieldLen        int
	HeartbeatLogThrottleMS int64
	ServerStatsIntervalMS  int64
	MaxSessions            int

	// --- stats store (SPEC_FULL.md §6) ---
	StatsDBPath          string
	StatsFlushIntervalMS int64

	// --- streaming-socket transport (SPEC_FULL.md §6) ---
	StreamListenAddr string
	StreamMaxClients int

	// --- serial sensor (SPEC_FULL.md §6) ---
	SerialDevice string
	SerialBaud   int

	// --- pcap sensor (SPEC_FULL.md §6) ---
	PCAPPath     string
	PCAPRealtime bool
	PCAPFPS      float64
}

// Defaults returns the configuration with every default named in spec.md §6
// and SPEC_FULL.md §6.
func Defaults() *Config {
	return &Config{
		PipelineSpec:             "build,plane_validate,temporal,spatial,fusion,confidence",
		DepthScale:               0.001,
		DepthOffset:              0.0,
		MinValidPlane:            Plane{0, 0, 1, 0},
		MaxValidPlane:            Plane{0, 0, 1, -10},
		TemporalSlots:            30,
		TemporalMinSamples:       10,
		TemporalMaxVariance:      0.0004,
		TemporalHysteresis:       0.002,
		TemporalRetainValids:     true,
		TemporalInstableValue:    0.0,
		SpatialKernel:            "classic",
		SpatialWhen:              "adaptive",
		SpatialStrongKernel:      "classic_double",
		SpatialSampleCount:       0,
		AdaptiveMode:             "off",
		AdaptiveStabilityMin:     0.85,
		AdaptiveVarianceMax:      0.02,
		AdaptiveOnStreak:         2,
		AdaptiveOffStreak:        3,
		AdaptiveStrongVarMult:    2.0,
		AdaptiveStrongStabFrac:   0.75,
		AdaptiveStrongDoublePass: true,
		AdaptiveTemporalScale:    1.0,
		ConfidenceEnabled:        false,
		ConfidenceWeights:        [3]float64{0.6, 0.25, 0.15},
		ConfidenceLow:            0.3,
		ConfidenceHigh:           0.8,
		FusionDuplicateLayer:     false,
		FusionDuplicateShift:     0.02,
		FusionDuplicateBaseConf:  0.9,
		FusionDuplicateDupConf:   0.5,
		StabilityMetricsEnabled:  false,
		ConfidenceExportEnabled:  false,

		SHMName:            "caldera-world",
		MaxWidth:           640,
		MaxHeight:          480,
		ChecksumIntervalMS: 0,

		PipeS2C:                "/tmp/caldera-s2c",
		PipeC2S:                "/tmp/caldera-c2s",
		HandshakeTimeoutMS:     2000,
		MaxJSONFieldLen:        1024,
		HeartbeatLogThrottleMS: 5000,
		ServerStatsIntervalMS:  0,
		MaxSessions:            1 << 30,

		StatsDBPath:          "",
		StatsFlushIntervalMS: 1000,

		StreamListenAddr: "",
		StreamMaxClients: 8,

		SerialDevice: "",
		SerialBaud:   115200,

		PCAPPath:     "",
		PCAPRealtime: true,
		PCAPFPS:      30,
	}
}

// Load builds a Config by starting from Defaults, optionally overlaying a
// JSON file at path (skipped if path is empty), and finally overlaying
// environment variables — all in this one function, per spec.md §9's
// re-architecture note against scattered getenv calls.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if err := loadJSONFile(cfg, path); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

func loadJSONFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// applyEnv reads every environment variable this process recognizes,
// collected in one place as required by spec.md §9.
func applyEnv(cfg *Config) {
	envString("CALDERA_PIPELINE_SPEC", &cfg.PipelineSpec)
	envFloat("CALDERA_DEPTH_SCALE", &cfg.DepthScale)
	envFloat("CALDERA_DEPTH_OFFSET", &cfg.DepthOffset)
	envInt("CALDERA_TEMPORAL_SLOTS", &cfg.TemporalSlots)
	envFloat("CALDERA_TEMPORAL_MAX_VARIANCE", &cfg.TemporalMaxVariance)
	envFloat("CALDERA_TEMPORAL_HYSTERESIS", &cfg.TemporalHysteresis)
	envString("CALDERA_SPATIAL_KERNEL", &cfg.SpatialKernel)
	envString("CALDERA_SPATIAL_WHEN", &cfg.SpatialWhen)
	envString("CALDERA_ADAPTIVE_MODE", &cfg.AdaptiveMode)
	envBool("CALDERA_CONFIDENCE_ENABLED", &cfg.ConfidenceEnabled)
	envString("CALDERA_SHM_NAME", &cfg.SHMName)
	envInt("CALDERA_MAX_WIDTH", &cfg.MaxWidth)
	envInt("CALDERA_MAX_HEIGHT", &cfg.MaxHeight)
	envInt64("CALDERA_CHECKSUM_INTERVAL_MS", &cfg.ChecksumIntervalMS)
	envString("CALDERA_PIPE_S2C", &cfg.PipeS2C)
	envString("CALDERA_PIPE_C2S", &cfg.PipeC2S)
	envInt64("CALDERA_HANDSHAKE_TIMEOUT_MS", &cfg.HandshakeTimeoutMS)
	envInt64("CALDERA_SERVER_STATS_INTERVAL_MS", &cfg.ServerStatsIntervalMS)
	envString("CALDERA_STATS_DB_PATH", &cfg.StatsDBPath)
	envString("CALDERA_STREAM_LISTEN_ADDR", &cfg.StreamListenAddr)
	envString("CALDERA_SERIAL_DEVICE", &cfg.SerialDevice)
	envInt("CALDERA_SERIAL_BAUD", &cfg.SerialBaud)
	envString("CALDERA_PCAP_PATH", &cfg.PCAPPath)
}

func envString(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envFloat(name string, dst *float64) {
	if v, ok := os.LookupEnv(name); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(name string, dst *bool) {
	if v, ok := os.LookupEnv(name); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// HandshakeTimeout returns HandshakeTimeoutMS as a time.Duration.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMS) * time.Millisecond
}

// HeartbeatLogThrottle returns HeartbeatLogThrottleMS as a time.Duration.
func (c *Config) HeartbeatLogThrottle() time.Duration {
	return time.Duration(c.HeartbeatLogThrottleMS) * time.Millisecond
}

// ServerStatsInterval returns ServerStatsIntervalMS as a time.Duration.
func (c *Config) ServerStatsInterval() time.Duration {
	return time.Duration(c.ServerStatsIntervalMS) * time.Millisecond
}

// ChecksumInterval returns ChecksumIntervalMS as a time.Duration.
func (c *Config) ChecksumInterval() time.Duration {
	return time.Duration(c.ChecksumIntervalMS) * time.Millisecond
}

// StatsFlushInterval returns StatsFlushIntervalMS as a time.Duration.
func (c *Config) StatsFlushInterval() time.Duration {
	return time.Duration(c.StatsFlushIntervalMS) * time.Millisecond
}
