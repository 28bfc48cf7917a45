package postgres

import (
	"context"
	"fmt"
	"time"
)

// MetricSample is one telemetry data point flushed to the database.
type MetricSample struct {
	SessionID string
	Metric    string
	Value     float64
}

// RecordMetric inserts a single telemetry sample.
func (s *Store) RecordMetric(ctx context.Context, sample MetricSample) error {
	const q = `
		INSERT INTO telemetry_metrics (session_id, metric, value)
		VALUES ($1, $2, $3)`

	if _, err := s.pool.Exec(ctx, q, sample.SessionID, sample.Metric, sample.Value); err != nil {
		return fmt.Errorf("telemetry: record metric: %w", err)
	}
	return nil
}

// MetricAverage returns the mean of a metric for a session over the trailing
// window. A zero window averages the whole session. Returns (0, false, nil)
// when no samples exist.
func (s *Store) MetricAverage(ctx context.Context, sessionID, metric string, window time.Duration) (float64, bool, error) {
	q := `
		SELECT AVG(value), COUNT(*)
		FROM   telemetry_metrics
		WHERE  session_id = $1
		  AND  metric = $2`
	args := []any{sessionID, metric}

	if window > 0 {
		q += `
		  AND  recorded_at >= now() - ($3::bigint * interval '1 microsecond')`
		args = append(args, window.Microseconds())
	}

	var (
		avg   *float64
		count int64
	)
	if err := s.pool.QueryRow(ctx, q, args...).Scan(&avg, &count); err != nil {
		return 0, false, fmt.Errorf("telemetry: metric average: %w", err)
	}
	if count == 0 || avg == nil {
		return 0, false, nil
	}
	return *avg, true, nil
}
