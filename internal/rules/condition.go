package rules

import (
	"context"
	"fmt"
	"time"

	"greenhouse/internal/cache"
	"greenhouse/internal/models"
)

// Condition leaf types.
const (
	CondThreshold    = "threshold"
	CondDeviceStatus = "device_status"
	CondTimeWindow   = "time_window"
	CondTrend        = "trend"
)

// CacheReader is the point-in-time sensor context a condition reads.
type CacheReader interface {
	GetLatest(ctx context.Context, sensorID string) (map[string]cache.Point, error)
	GetRecentHistory(ctx context.Context, sensorID, metric string, window time.Duration) ([]cache.Point, error)
}

// DeviceReader resolves current device state.
type DeviceReader interface {
	GetDevice(ctx context.Context, id string) (*models.DeviceState, error)
}

// Evaluator walks a rule's condition tree against current state. Data
// older than the staleness bound makes a condition not-met, never an
// error.
type Evaluator struct {
	cache        CacheReader
	devices      DeviceReader
	maxStaleness time.Duration
	now          func() time.Time
}

// NewEvaluator creates an evaluator with the given default staleness bound.
func NewEvaluator(cacheReader CacheReader, devices DeviceReader, maxStaleness time.Duration) *Evaluator {
	return &Evaluator{
		cache:        cacheReader,
		devices:      devices,
		maxStaleness: maxStaleness,
		now:          time.Now,
	}
}

// Evaluate resolves a condition tree to a boolean. An error means the
// condition itself is unusable (bad operator, missing reference); the
// caller contains it per rule.
func (e *Evaluator) Evaluate(ctx context.Context, cond models.Condition) (bool, error) {
	if cond.Operator != "" {
		return e.evaluateBranch(ctx, cond)
	}

	switch cond.Type {
	case CondThreshold:
		return e.evaluateThreshold(ctx, cond)
	case CondDeviceStatus:
		return e.evaluateDeviceStatus(ctx, cond)
	case CondTimeWindow:
		return e.evaluateTimeWindow(cond)
	case CondTrend:
		return e.evaluateTrend(ctx, cond)
	default:
		return false, fmt.Errorf("unknown condition type %q", cond.Type)
	}
}

func (e *Evaluator) evaluateBranch(ctx context.Context, cond models.Condition) (bool, error) {
	if len(cond.Children) == 0 {
		return false, fmt.Errorf("%s node without children", cond.Operator)
	}
	for _, child := range cond.Children {
		met, err := e.Evaluate(ctx, child)
		if err != nil {
			return false, err
		}
		if cond.Operator == "AND" && !met {
			return false, nil
		}
		if cond.Operator == "OR" && met {
			return true, nil
		}
	}
	switch cond.Operator {
	case "AND":
		return true, nil
	case "OR":
		return false, nil
	default:
		return false, fmt.Errorf("unknown operator %q", cond.Operator)
	}
}

func (e *Evaluator) evaluateThreshold(ctx context.Context, cond models.Condition) (bool, error) {
	latest, err := e.cache.GetLatest(ctx, cond.SensorID)
	if err != nil {
		return false, fmt.Errorf("latest for %s: %w", cond.SensorID, err)
	}
	point, ok := latest[cond.Metric]
	if !ok {
		return false, nil // no data yet
	}

	maxAge := e.maxStaleness
	if cond.MaxAgeS > 0 {
		maxAge = time.Duration(cond.MaxAgeS) * time.Second
	}
	if e.now().Sub(point.At) > maxAge {
		return false, nil // stale data never satisfies a condition
	}
	return compare(point.Value, cond.Op, cond.Value)
}

func (e *Evaluator) evaluateDeviceStatus(ctx context.Context, cond models.Condition) (bool, error) {
	device, err := e.devices.GetDevice(ctx, cond.DeviceID)
	if err != nil {
		return false, fmt.Errorf("device %s: %w", cond.DeviceID, err)
	}
	return device.Status == cond.Status, nil
}

func (e *Evaluator) evaluateTimeWindow(cond models.Condition) (bool, error) {
	start, err := minutesOfDay(cond.Start)
	if err != nil {
		return false, err
	}
	end, err := minutesOfDay(cond.End)
	if err != nil {
		return false, err
	}
	now := e.now()
	m := now.Hour()*60 + now.Minute()
	if start <= end {
		return m >= start && m < end, nil
	}
	// Window wraps midnight, e.g. 22:00-06:00.
	return m >= start || m < end, nil
}

func (e *Evaluator) evaluateTrend(ctx context.Context, cond models.Condition) (bool, error) {
	if cond.WindowMins <= 0 {
		return false, fmt.Errorf("trend condition without window")
	}
	window := time.Duration(cond.WindowMins) * time.Minute
	points, err := e.cache.GetRecentHistory(ctx, cond.SensorID, cond.Metric, window)
	if err != nil {
		return false, fmt.Errorf("history for %s/%s: %w", cond.SensorID, cond.Metric, err)
	}
	if len(points) < 2 {
		return false, nil // not enough data to compute a trend
	}

	// History is newest-first. The movement must exceed the configured
	// delta; an exact match is not a trend.
	delta := points[0].Value - points[len(points)-1].Value
	switch cond.Direction {
	case "rising":
		return delta > cond.Delta, nil
	case "falling":
		return delta < -cond.Delta, nil
	default:
		return false, fmt.Errorf("unknown trend direction %q", cond.Direction)
	}
}

func compare(actual float64, op string, expected float64) (bool, error) {
	switch op {
	case "<":
		return actual < expected, nil
	case "<=":
		return actual <= expected, nil
	case ">":
		return actual > expected, nil
	case ">=":
		return actual >= expected, nil
	case "==":
		return actual == expected, nil
	case "!=":
		return actual != expected, nil
	default:
		return false, fmt.Errorf("unknown comparison %q", op)
	}
}

func minutesOfDay(hhmm string) (int, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, fmt.Errorf("time %q: %w", hhmm, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// SensorRefs collects the sensor ids a condition tree reads, for the
// sensor-to-rules index.
func SensorRefs(cond models.Condition) []string {
	seen := make(map[string]bool)
	collectSensorRefs(cond, seen)
	refs := make([]string, 0, len(seen))
	for id := range seen {
		refs = append(refs, id)
	}
	return refs
}

func collectSensorRefs(cond models.Condition, seen map[string]bool) {
	if cond.SensorID != "" {
		seen[cond.SensorID] = true
	}
	for _, child := range cond.Children {
		collectSensorRefs(child, seen)
	}
}
