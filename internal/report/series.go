// Package report renders the history persisted by internal/statsstore as
// HTML (go-echarts) and PNG (gonum/plot) charts, grounded on the teacher's
// internal/lidar/monitor echarts_handlers.go and gridplotter.go — the same
// two libraries, generalized from live HTTP handlers into an offline
// reporting tool (cmd/caldera-report).
package report

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/caldera-project/caldera/internal/statsstore"
)

// Series is one named metric plotted against frame index.
type Series struct {
	Name   string
	Values []float64
}

// Summary is the scalar rollup of one Series shown alongside its chart.
type Summary struct {
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
}

// Summarize computes s's mean, sample standard deviation, and range using
// gonum/stat, rather than hand-rolling the accumulation. An empty series
// summarizes to the zero Summary.
func (s Series) Summarize() Summary {
	if len(s.Values) == 0 {
		return Summary{}
	}
	mean, variance := stat.MeanVariance(s.Values, nil)
	lo, hi := s.Values[0], s.Values[0]
	for _, v := range s.Values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return Summary{Mean: mean, StdDev: math.Sqrt(variance), Min: lo, Max: hi}
}

// History is the full set of series extracted from a statsstore snapshot
// history, plus the x-axis labels shared by every series.
type History struct {
	Labels []string
	Series []Series
}

// BuildHistory converts a chronological snapshot list into the named series
// rendered by RenderHTML and RenderPNG.
func BuildHistory(snaps []statsstore.Snapshot) History {
	h := History{
		Labels: make([]string, len(snaps)),
		Series: []Series{
			{Name: "stability_ratio"},
			{Name: "avg_variance"},
			{Name: "proc_total_ms"},
			{Name: "mean_confidence"},
			{Name: "hard_invalid"},
			{Name: "bytes_published"},
			{Name: "sessions_served"},
			{Name: "last_heartbeat_age_ms"},
		},
	}
	for i := range h.Series {
		h.Series[i].Values = make([]float64, len(snaps))
	}

	for i, s := range snaps {
		h.Labels[i] = fmt.Sprintf("%d", s.Metrics.FrameID)
		h.Series[0].Values[i] = s.Metrics.StabilityRatio
		h.Series[1].Values[i] = s.Metrics.AvgVariance
		h.Series[2].Values[i] = s.Metrics.ProcTotalMS
		h.Series[3].Values[i] = s.Metrics.MeanConfidence
		h.Series[4].Values[i] = float64(s.Metrics.HardInvalid)
		h.Series[5].Values[i] = float64(s.BytesPublished)
		h.Series[6].Values[i] = float64(s.SessionsServed)
		h.Series[7].Values[i] = s.LastHeartbeatAgeMs
	}
	return h
}
