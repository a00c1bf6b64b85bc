package mqtt

import (
	"fmt"
	"strings"
)

// Message kinds on the wire. Devices report switch state on "sw"; the
// hub publishes desired state on "cmd" so it never consumes its own
// commands.
const (
	KindData    = "data"
	KindSwitch  = "sw"
	KindCommand = "cmd"
)

// Topic is the parsed form of "<namespace>/<hardwareId>/<kind>".
type Topic struct {
	Namespace  string
	HardwareID string
	Kind       string
}

// ParseTopic splits a transport topic into its segments.
func ParseTopic(topic string) (Topic, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Topic{}, fmt.Errorf("malformed topic %q", topic)
	}
	return Topic{Namespace: parts[0], HardwareID: parts[1], Kind: parts[2]}, nil
}

// String renders the topic back to its wire form.
func (t Topic) String() string {
	return t.Namespace + "/" + t.HardwareID + "/" + t.Kind
}

// DataWildcard is the subscription pattern for all telemetry in a namespace.
func DataWildcard(namespace string) string {
	return namespace + "/+/" + KindData
}

// SwitchWildcard is the subscription pattern for all device status reports.
func SwitchWildcard(namespace string) string {
	return namespace + "/+/" + KindSwitch
}

// CommandTopic is where desired-state commands for a device are published.
func CommandTopic(namespace, hardwareID string) string {
	return Topic{Namespace: namespace, HardwareID: hardwareID, Kind: KindCommand}.String()
}
