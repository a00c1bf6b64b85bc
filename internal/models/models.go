package models

import (
	"encoding/json"
	"time"
)

// SensorType classifies a telemetry source. Unrecognized hardware is
// registered as SensorGeneric rather than rejected.
type SensorType string

const (
	SensorClimate  SensorType = "climate" // temperature + humidity
	SensorWater    SensorType = "water_quality"
	SensorLight    SensorType = "light"
	SensorPower    SensorType = "power"
	SensorPressure SensorType = "pressure"
	SensorGeneric  SensorType = "generic"
)

// DeviceType is a controllable actuator class.
type DeviceType string

const (
	DevicePump   DeviceType = "pump"
	DeviceFan    DeviceType = "fan"
	DeviceHeater DeviceType = "heater"
	DeviceLight  DeviceType = "light"
	DeviceValve  DeviceType = "valve"
	DeviceRelay  DeviceType = "relay"
)

// DeviceStatus is the reported state of an actuator.
type DeviceStatus string

const (
	StatusOn          DeviceStatus = "on"
	StatusOff         DeviceStatus = "off"
	StatusError       DeviceStatus = "error"
	StatusOffline     DeviceStatus = "offline"
	StatusMaintenance DeviceStatus = "maintenance"
)

// RollingStats are per-metric aggregates the device reports since its
// last boot. Carried through as-is, never recomputed server-side.
type RollingStats struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
}

// SensorReading is one ingested sample. Immutable once persisted.
type SensorReading struct {
	ID         string                  `json:"id"`
	SensorID   string                  `json:"sensor_id"`
	HardwareID string                  `json:"hardware_id"`
	Type       SensorType              `json:"type"`
	Fields     map[string]float64      `json:"fields"`
	Stats      map[string]RollingStats `json:"stats,omitempty"`
	ReceivedAt time.Time               `json:"received_at"`
}

// Sensor is the registry entry binding a hardware id to a logical id.
type Sensor struct {
	ID         string     `json:"id"`
	HardwareID string     `json:"hardware_id"`
	Name       string     `json:"name"`
	Type       SensorType `json:"type"`
	OwnerID    *string    `json:"owner_id"`
}

// DeviceState is a controllable actuator. Status changes only via a
// confirmed report from the device or an explicit operator command.
type DeviceState struct {
	ID         string       `json:"id"`
	HardwareID string       `json:"hardware_id"`
	Name       string       `json:"name"`
	Type       DeviceType   `json:"type"`
	Status     DeviceStatus `json:"status"`
	OwnerID    *string      `json:"owner_id"`
	Notify     bool         `json:"notify"`
	LastSeen   time.Time    `json:"last_seen"`
}

// Condition is one node of a rule's condition tree. Branch nodes carry
// Operator ("AND"/"OR") and Children; leaf nodes carry Type plus the
// fields that type reads.
type Condition struct {
	Operator string      `json:"operator,omitempty"`
	Children []Condition `json:"children,omitempty"`

	Type string `json:"type,omitempty"` // "threshold", "device_status", "time_window", "trend"

	// threshold + trend
	SensorID string  `json:"sensor_id,omitempty"`
	Metric   string  `json:"metric,omitempty"`
	Op       string  `json:"op,omitempty"` // "<", "<=", ">", ">=", "==", "!="
	Value    float64 `json:"value,omitempty"`
	MaxAgeS  int     `json:"max_age_s,omitempty"` // stale data beyond this is "not met"

	// device_status
	DeviceID string       `json:"device_id,omitempty"`
	Status   DeviceStatus `json:"status,omitempty"`

	// time_window, "HH:MM" local; Start > End wraps midnight
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`

	// trend
	Direction  string  `json:"direction,omitempty"` // "rising" or "falling"
	Delta      float64 `json:"delta,omitempty"`
	WindowMins int     `json:"window_mins,omitempty"`
}

// ActionType distinguishes the two side effects a rule can request.
type ActionType string

const (
	ActionDeviceCommand ActionType = "device_command"
	ActionNotification  ActionType = "notification"
)

// Action is one entry of a rule's ordered action list. Device commands
// state the desired end state, never a relative change, so replaying
// one is harmless.
type Action struct {
	Type     ActionType        `json:"type"`
	DeviceID string            `json:"device_id,omitempty"`
	Command  map[string]any    `json:"command,omitempty"`
	Notify   *NotificationSpec `json:"notify,omitempty"`
}

// NotificationSpec is the rule-authored template for a notification
// action. Vars are filled from the triggering context at dispatch.
type NotificationSpec struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Severity string            `json:"severity"` // "info", "warning", "critical"
	Channels []string          `json:"channels"`
	Vars     map[string]string `json:"vars,omitempty"`
}

// Rule is one automation unit. Conditions and Actions are stored as
// raw JSON and parsed at evaluation time.
type Rule struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Enabled       bool            `json:"enabled"`
	Priority      int             `json:"priority"` // higher evaluated first
	CooldownS     int             `json:"cooldown_s"`
	Conditions    json.RawMessage `json:"conditions"`
	Actions       json.RawMessage `json:"actions"`
	LastTriggered *time.Time      `json:"last_triggered"`
	TriggerCount  int64           `json:"trigger_count"`
	OwnerID       *string         `json:"owner_id"`
}

// Cooldown returns the rule's cooldown as a duration.
func (r *Rule) Cooldown() time.Duration {
	return time.Duration(r.CooldownS) * time.Second
}

// QueueStatus is the lifecycle state of a queued action.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueSucceeded  QueueStatus = "succeeded"
	QueueFailed     QueueStatus = "failed"
	QueueDead       QueueStatus = "dead"
)

// AttemptError records one failed execution attempt.
type AttemptError struct {
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// QueuedAction is one unit of work in the action queue. RuleID is nil
// for operator-issued commands.
type QueuedAction struct {
	ID         string          `json:"id"`
	Type       ActionType      `json:"type"`
	DeviceID   string          `json:"device_id,omitempty"`
	Target     string          `json:"target,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	RuleID     *string         `json:"rule_id,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempts   int             `json:"attempts"`
	Status     QueueStatus     `json:"status"`
	Errors     []AttemptError  `json:"errors,omitempty"`
}

// LaneKey is the partition key for per-device ordering. Notifications
// partition by their target so they cannot interleave with commands.
func (a *QueuedAction) LaneKey() string {
	if a.DeviceID != "" {
		return a.DeviceID
	}
	return a.Target
}

// RuleExecution is the audit record written once per trigger attempt.
type RuleExecution struct {
	ID          string          `json:"id"`
	RuleID      string          `json:"rule_id"`
	TriggeredAt time.Time       `json:"triggered_at"`
	Success     bool            `json:"success"`
	Conditions  json.RawMessage `json:"conditions"`
	Actions     json.RawMessage `json:"actions"`
	Error       string          `json:"error,omitempty"`
}
