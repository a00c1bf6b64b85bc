package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greenhouse/internal/models"
)

func TestValidateAcceptsInRangePayload(t *testing.T) {
	r := NewRegistry()
	err := r.Validate(models.SensorClimate, map[string]float64{"temperature": 21.3, "humidity": 60})
	assert.NoError(t, err)
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	r := NewRegistry()
	err := r.Validate(models.SensorClimate, map[string]float64{"temperature": 21.3, "humidity": 250})
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "out_of_range", verr.Reason)
}

func TestValidateRejectsMissingRequiredField(t *testing.T) {
	r := NewRegistry()
	err := r.Validate(models.SensorClimate, map[string]float64{"temperature": 21.3})
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "missing_field", verr.Reason)
}

func TestValidateIgnoresExtraFields(t *testing.T) {
	r := NewRegistry()
	err := r.Validate(models.SensorLight, map[string]float64{"lux": 5000, "battery": 87})
	assert.NoError(t, err)
}

func TestValidateGenericAcceptsAnything(t *testing.T) {
	r := NewRegistry()
	assert.NoError(t, r.Validate(models.SensorGeneric, map[string]float64{"whatever": 1e9}))
}

func TestInferType(t *testing.T) {
	r := NewRegistry()
	cases := []struct {
		fields map[string]float64
		want   models.SensorType
	}{
		{map[string]float64{"temperature": 20, "humidity": 50}, models.SensorClimate},
		{map[string]float64{"ph": 6.5}, models.SensorWater},
		{map[string]float64{"lux": 100}, models.SensorLight},
		{map[string]float64{"watts": 40}, models.SensorPower},
		{map[string]float64{"kpa": 101}, models.SensorPressure},
		{map[string]float64{"mystery": 1}, models.SensorGeneric},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, r.InferType(tc.fields))
	}
}
