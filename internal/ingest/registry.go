package ingest

import (
	"fmt"

	"greenhouse/internal/models"
)

// FieldSpec declares one metric a sensor type reports.
type FieldSpec struct {
	Name     string
	Min      float64
	Max      float64
	Required bool
}

// Schema is the payload contract for one sensor type.
type Schema struct {
	Type   models.SensorType
	Fields []FieldSpec
}

// Registry maps sensor types to their payload schemas. Resolved once
// per hardware id, not re-parsed per message.
type Registry struct {
	schemas map[models.SensorType]Schema
}

// NewRegistry builds the registry with the built-in greenhouse schemas.
func NewRegistry() *Registry {
	r := &Registry{schemas: make(map[models.SensorType]Schema)}
	for _, s := range []Schema{
		{Type: models.SensorClimate, Fields: []FieldSpec{
			{Name: "temperature", Min: -40, Max: 85, Required: true},
			{Name: "humidity", Min: 0, Max: 100, Required: true},
		}},
		{Type: models.SensorWater, Fields: []FieldSpec{
			{Name: "ph", Min: 0, Max: 14, Required: true},
			{Name: "ec", Min: 0, Max: 10},
			{Name: "water_temp", Min: -5, Max: 60},
		}},
		{Type: models.SensorLight, Fields: []FieldSpec{
			{Name: "lux", Min: 0, Max: 200000, Required: true},
		}},
		{Type: models.SensorPower, Fields: []FieldSpec{
			{Name: "watts", Min: 0, Max: 10000, Required: true},
			{Name: "voltage", Min: 0, Max: 400},
		}},
		{Type: models.SensorPressure, Fields: []FieldSpec{
			{Name: "kpa", Min: 0, Max: 1000, Required: true},
		}},
		{Type: models.SensorGeneric},
	} {
		r.schemas[s.Type] = s
	}
	return r
}

// Schema returns the schema for a type, falling back to generic.
func (r *Registry) Schema(t models.SensorType) Schema {
	if s, ok := r.schemas[t]; ok {
		return s
	}
	return r.schemas[models.SensorGeneric]
}

// Validate checks decoded fields against the schema: required fields
// must be present, declared ranges must hold. Unknown extra fields are
// ignored.
func (r *Registry) Validate(t models.SensorType, fields map[string]float64) error {
	for _, spec := range r.Schema(t).Fields {
		v, ok := fields[spec.Name]
		if !ok {
			if spec.Required {
				return &ValidationError{Reason: "missing_field", Detail: spec.Name}
			}
			continue
		}
		if v < spec.Min || v > spec.Max {
			return &ValidationError{
				Reason: "out_of_range",
				Detail: fmt.Sprintf("%s=%g outside [%g, %g]", spec.Name, v, spec.Min, spec.Max),
			}
		}
	}
	return nil
}

// InferType guesses a sensor type from payload shape, for hardware that
// was never provisioned. Best effort; generic when nothing matches.
func (r *Registry) InferType(fields map[string]float64) models.SensorType {
	has := func(name string) bool { _, ok := fields[name]; return ok }
	switch {
	case has("temperature") && has("humidity"):
		return models.SensorClimate
	case has("ph") || has("ec"):
		return models.SensorWater
	case has("lux"):
		return models.SensorLight
	case has("watts") || has("voltage"):
		return models.SensorPower
	case has("kpa"):
		return models.SensorPressure
	default:
		return models.SensorGeneric
	}
}

// ValidationError rejects a message without stopping the subscriber
// loop.
type ValidationError struct {
	Reason string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (%s): %s", e.Reason, e.Detail)
}
