package statsstore

import "github.com/caldera-project/caldera/internal/pipeline"

// Snapshot is one row of periodic telemetry: the latest pipeline metrics
// plus the transport and control-plane counters named in SPEC_FULL.md
// §4.8.
type Snapshot struct {
	CapturedAtNs uint64

	Metrics pipeline.Metrics

	FramesDroppedCapacity uint64
	BytesPublished        uint64
	SessionsServed        int64
	LastHeartbeatAgeMs    float64
}

// Insert persists one snapshot row.
func (s *Store) Insert(snap Snapshot) error {
	m := snap.Metrics
	_, err := s.db.Exec(`
		INSERT INTO stats_snapshot (
			captured_at_ns, frame_id, width, height, hard_invalid,
			stability_ratio, avg_variance, proc_total_ms,
			adaptive_spatial, adaptive_strong, adaptive_streak, mean_confidence,
			frames_dropped_capacity, bytes_published, sessions_served, last_heartbeat_age_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.CapturedAtNs, m.FrameID, m.Width, m.Height, m.HardInvalid,
		m.StabilityRatio, m.AvgVariance, m.ProcTotalMS,
		boolToInt(m.AdaptiveSpatial), boolToInt(m.AdaptiveStrong), m.AdaptiveStreak, m.MeanConfidence,
		snap.FramesDroppedCapacity, snap.BytesPublished, snap.SessionsServed, snap.LastHeartbeatAgeMs,
	)
	if err != nil {
		return err
	}
	return nil
}

// Count returns the number of persisted snapshots (test/diagnostic helper).
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM stats_snapshot").Scan(&n)
	return n, err
}

// Latest returns the most recently inserted snapshot, or ok=false if the
// table is empty.
func (s *Store) Latest() (snap Snapshot, ok bool, err error) {
	row := s.db.QueryRow(`
		SELECT captured_at_ns, frame_id, width, height, hard_invalid,
		       stability_ratio, avg_variance, proc_total_ms,
		       adaptive_spatial, adaptive_strong, adaptive_streak, mean_confidence,
		       frames_dropped_capacity, bytes_published, sessions_served, last_heartbeat_age_ms
		FROM stats_snapshot ORDER BY id DESC LIMIT 1`)

	var adaptiveSpatial, adaptiveStrong int
	m := &snap.Metrics
	scanErr := row.Scan(
		&snap.CapturedAtNs, &m.FrameID, &m.Width, &m.Height, &m.HardInvalid,
		&m.StabilityRatio, &m.AvgVariance, &m.ProcTotalMS,
		&adaptiveSpatial, &adaptiveStrong, &m.AdaptiveStreak, &m.MeanConfidence,
		&snap.FramesDroppedCapacity, &snap.BytesPublished, &snap.SessionsServed, &snap.LastHeartbeatAgeMs,
	)
	if scanErr != nil {
		if scanErr.Error() == "sql: no rows in result set" {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, scanErr
	}
	m.AdaptiveSpatial = adaptiveSpatial != 0
	m.AdaptiveStrong = adaptiveStrong != 0
	return snap, true, nil
}

// All returns every persisted snapshot in insertion order, oldest first.
// Intended for offline reporting (internal/report), not the hot path.
func (s *Store) All() ([]Snapshot, error) {
	rows, err := s.db.Query(`
		SELECT captured_at_ns, frame_id, width, height, hard_invalid,
		       stability_ratio, avg_variance, proc_total_ms,
		       adaptive_spatial, adaptive_strong, adaptive_streak, mean_confidence,
		       frames_dropped_capacity, bytes_published, sessions_served, last_heartbeat_age_ms
		FROM stats_snapshot ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		var adaptiveSpatial, adaptiveStrong int
		m := &snap.Metrics
		if err := rows.Scan(
			&snap.CapturedAtNs, &m.FrameID, &m.Width, &m.Height, &m.HardInvalid,
			&m.StabilityRatio, &m.AvgVariance, &m.ProcTotalMS,
			&adaptiveSpatial, &adaptiveStrong, &m.AdaptiveStreak, &m.MeanConfidence,
			&snap.FramesDroppedCapacity, &snap.BytesPublished, &snap.SessionsServed, &snap.LastHeartbeatAgeMs,
		); err != nil {
			return nil, err
		}
		m.AdaptiveSpatial = adaptiveSpatial != 0
		m.AdaptiveStrong = adaptiveStrong != 0
		out = append(out, snap)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
