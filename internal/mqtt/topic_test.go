package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTopic(t *testing.T) {
	topic, err := ParseTopic("greenhouse/gh-node-01/data")
	require.NoError(t, err)
	assert.Equal(t, "greenhouse", topic.Namespace)
	assert.Equal(t, "gh-node-01", topic.HardwareID)
	assert.Equal(t, KindData, topic.Kind)
	assert.Equal(t, "greenhouse/gh-node-01/data", topic.String())
}

func TestParseTopicRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "greenhouse", "greenhouse/node", "a/b/c/d", "greenhouse//data", "/node/data"} {
		_, err := ParseTopic(raw)
		assert.Error(t, err, "topic %q", raw)
	}
}

func TestCommandTopicIsNotTheStatusTopic(t *testing.T) {
	cmd := CommandTopic("greenhouse", "pump-7")
	assert.Equal(t, "greenhouse/pump-7/cmd", cmd)

	status, err := ParseTopic("greenhouse/pump-7/sw")
	require.NoError(t, err)
	assert.NotEqual(t, cmd, status.String())
}

func TestWildcards(t *testing.T) {
	assert.Equal(t, "greenhouse/+/data", DataWildcard("greenhouse"))
	assert.Equal(t, "greenhouse/+/sw", SwitchWildcard("greenhouse"))
}
