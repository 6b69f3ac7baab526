package mqtt

import "testing"

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"Inbound", topics.Inbound("shelly-1"), "graylogic/hub/shelly-1/inbound"},
		{"Outbound", topics.Outbound("shelly-1"), "graylogic/hub/shelly-1/outbound"},
		{"Event", topics.Event("state", "device.property.state.updated"), "graylogic/hub/events/state/device/property/state/updated"},
		{"SystemStatus", topics.SystemStatus(), "graylogic/hub/system/status"},
		{"AllInbound", topics.AllInbound(), "graylogic/hub/+/inbound"},
		{"AllEvents", topics.AllEvents(), "graylogic/hub/events/#"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestConnectorFromInbound(t *testing.T) {
	tests := []struct {
		topic  string
		want   string
		wantOK bool
	}{
		{"graylogic/hub/shelly-1/inbound", "shelly-1", true},
		{"graylogic/hub/shelly-1/outbound", "", false},
		{"graylogic/hub//inbound", "", false},
		{"graylogic/hub/a/b/inbound", "", false},
		{"other/shelly-1/inbound", "", false},
	}
	for _, tt := range tests {
		got, ok := Topics{}.ConnectorFromInbound(tt.topic)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ConnectorFromInbound(%q) = (%q, %v), want (%q, %v)", tt.topic, got, ok, tt.want, tt.wantOK)
		}
	}
}
