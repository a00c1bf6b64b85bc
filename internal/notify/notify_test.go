package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestExpand(t *testing.T) {
	body := Expand("Temperature is ${value} in ${zone}", map[string]string{
		"value": "4.5",
		"zone":  "north bed",
	})
	assert.Equal(t, "Temperature is 4.5 in north bed", body)
}

func TestExpandLeavesUnknownVars(t *testing.T) {
	assert.Equal(t, "hello ${missing}", Expand("hello ${missing}", map[string]string{"other": "x"}))
}

func TestLogDispatcherOutcomePerChannel(t *testing.T) {
	d := NewLogDispatcher(zap.NewNop())
	outcomes := d.Dispatch(context.Background(), Request{
		Title:    "low temperature",
		Body:     "reading ${value}",
		Severity: "critical",
		Channels: []string{"webhook", "email"},
		Vars:     map[string]string{"value": "4.5"},
	})
	require.Len(t, outcomes, 2)
	assert.Equal(t, "webhook", outcomes[0].Channel)
	assert.True(t, outcomes[0].Delivered)
	assert.Equal(t, "email", outcomes[1].Channel)
}

func TestLogDispatcherDefaultChannel(t *testing.T) {
	d := NewLogDispatcher(zap.NewNop())
	outcomes := d.Dispatch(context.Background(), Request{Title: "t", Body: "b"})
	require.Len(t, outcomes, 1)
	assert.Equal(t, "default", outcomes[0].Channel)
}
