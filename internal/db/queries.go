package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"greenhouse/internal/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// InsertReading appends one sensor reading. Readings are append-only;
// this is the only write path for the readings table.
func (d *DB) InsertReading(ctx context.Context, r *models.SensorReading) error {
	fields, err := json.Marshal(r.Fields)
	if err != nil {
		return err
	}
	var stats []byte
	if r.Stats != nil {
		if stats, err = json.Marshal(r.Stats); err != nil {
			return err
		}
	}
	_, err = d.pool.Exec(ctx,
		"INSERT INTO sensor_readings (id, sensor_id, hardware_id, type, fields, stats, received_at) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		r.ID, r.SensorID, r.HardwareID, r.Type, fields, stats, r.ReceivedAt)
	return err
}

// GetRecentReadings fetches readings for a sensor newer than the window,
// most recent first.
func (d *DB) GetRecentReadings(ctx context.Context, sensorID string, window time.Duration) ([]models.SensorReading, error) {
	rows, err := d.pool.Query(ctx,
		"SELECT id, sensor_id, hardware_id, type, fields, stats, received_at FROM sensor_readings WHERE sensor_id = $1 AND received_at > $2 ORDER BY received_at DESC",
		sensorID, time.Now().Add(-window))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []models.SensorReading
	for rows.Next() {
		var r models.SensorReading
		var fields, stats []byte
		if err := rows.Scan(&r.ID, &r.SensorID, &r.HardwareID, &r.Type, &fields, &stats, &r.ReceivedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(fields, &r.Fields); err != nil {
			return nil, err
		}
		if len(stats) > 0 {
			if err := json.Unmarshal(stats, &r.Stats); err != nil {
				return nil, err
			}
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// GetSensorByHardwareID resolves a hardware id to its registry entry.
func (d *DB) GetSensorByHardwareID(ctx context.Context, hardwareID string) (*models.Sensor, error) {
	var s models.Sensor
	err := d.pool.QueryRow(ctx,
		"SELECT id, hardware_id, name, type, owner_id FROM sensors WHERE hardware_id = $1", hardwareID).
		Scan(&s.ID, &s.HardwareID, &s.Name, &s.Type, &s.OwnerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// RegisterSensor creates a registry entry for previously-unseen hardware.
func (d *DB) RegisterSensor(ctx context.Context, s *models.Sensor) error {
	_, err := d.pool.Exec(ctx,
		"INSERT INTO sensors (id, hardware_id, name, type) VALUES ($1, $2, $3, $4) ON CONFLICT (hardware_id) DO NOTHING",
		s.ID, s.HardwareID, s.Name, s.Type)
	return err
}

// GetDevice fetches a device by logical id.
func (d *DB) GetDevice(ctx context.Context, id string) (*models.DeviceState, error) {
	var dev models.DeviceState
	err := d.pool.QueryRow(ctx,
		"SELECT id, hardware_id, name, type, status, owner_id, notify, last_seen FROM devices WHERE id = $1", id).
		Scan(&dev.ID, &dev.HardwareID, &dev.Name, &dev.Type, &dev.Status, &dev.OwnerID, &dev.Notify, &dev.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

// GetDeviceByHardwareID fetches a device by its hardware identifier.
func (d *DB) GetDeviceByHardwareID(ctx context.Context, hardwareID string) (*models.DeviceState, error) {
	var dev models.DeviceState
	err := d.pool.QueryRow(ctx,
		"SELECT id, hardware_id, name, type, status, owner_id, notify, last_seen FROM devices WHERE hardware_id = $1", hardwareID).
		Scan(&dev.ID, &dev.HardwareID, &dev.Name, &dev.Type, &dev.Status, &dev.OwnerID, &dev.Notify, &dev.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

// UpdateDeviceStatus records a confirmed status report from a device.
func (d *DB) UpdateDeviceStatus(ctx context.Context, id string, status models.DeviceStatus, seenAt time.Time) error {
	tag, err := d.pool.Exec(ctx,
		"UPDATE devices SET status = $2, last_seen = $3 WHERE id = $1",
		id, status, seenAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetEnabledRules fetches enabled rules, higher priority first.
func (d *DB) GetEnabledRules(ctx context.Context) ([]models.Rule, error) {
	rows, err := d.pool.Query(ctx,
		"SELECT id, name, enabled, priority, cooldown_s, conditions, actions, last_triggered, trigger_count, owner_id FROM rules WHERE enabled ORDER BY priority DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRules(rows)
}

// GetAllRules fetches every rule for the operator surface.
func (d *DB) GetAllRules(ctx context.Context) ([]models.Rule, error) {
	rows, err := d.pool.Query(ctx,
		"SELECT id, name, enabled, priority, cooldown_s, conditions, actions, last_triggered, trigger_count, owner_id FROM rules ORDER BY priority DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRules(rows)
}

// GetRuleByID fetches a rule.
func (d *DB) GetRuleByID(ctx context.Context, id string) (*models.Rule, error) {
	var r models.Rule
	err := d.pool.QueryRow(ctx,
		"SELECT id, name, enabled, priority, cooldown_s, conditions, actions, last_triggered, trigger_count, owner_id FROM rules WHERE id = $1", id).
		Scan(&r.ID, &r.Name, &r.Enabled, &r.Priority, &r.CooldownS, &r.Conditions, &r.Actions, &r.LastTriggered, &r.TriggerCount, &r.OwnerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// TryTrigger atomically claims a rule trigger: the update succeeds only
// if the cooldown has elapsed, so concurrent evaluation passes cannot
// both fire the same rule. Returns false when the cooldown still holds.
func (d *DB) TryTrigger(ctx context.Context, ruleID string, now time.Time) (bool, error) {
	tag, err := d.pool.Exec(ctx,
		"UPDATE rules SET last_triggered = $2, trigger_count = trigger_count + 1 WHERE id = $1 AND enabled AND (last_triggered IS NULL OR last_triggered + cooldown_s * interval '1 second' <= $2)",
		ruleID, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RecordExecution appends one rule execution audit row.
func (d *DB) RecordExecution(ctx context.Context, e *models.RuleExecution) error {
	_, err := d.pool.Exec(ctx,
		"INSERT INTO rule_executions (id, rule_id, triggered_at, success, conditions, actions, error) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		e.ID, e.RuleID, e.TriggeredAt, e.Success, e.Conditions, e.Actions, e.Error)
	return err
}

// GetExecutions fetches the most recent executions for a rule.
func (d *DB) GetExecutions(ctx context.Context, ruleID string, limit int) ([]models.RuleExecution, error) {
	rows, err := d.pool.Query(ctx,
		"SELECT id, rule_id, triggered_at, success, conditions, actions, error FROM rule_executions WHERE rule_id = $1 ORDER BY triggered_at DESC LIMIT $2",
		ruleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []models.RuleExecution
	for rows.Next() {
		var e models.RuleExecution
		if err := rows.Scan(&e.ID, &e.RuleID, &e.TriggeredAt, &e.Success, &e.Conditions, &e.Actions, &e.Error); err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

func scanRules(rows pgx.Rows) ([]models.Rule, error) {
	var rules []models.Rule
	for rows.Next() {
		var r models.Rule
		if err := rows.Scan(&r.ID, &r.Name, &r.Enabled, &r.Priority, &r.CooldownS, &r.Conditions, &r.Actions, &r.LastTriggered, &r.TriggerCount, &r.OwnerID); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}
