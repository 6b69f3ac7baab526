// Package homie is the connector client for devices speaking a Homie-style
// MQTT convention.
//
// Devices publish under a per-connector base topic:
//
//	<base>/<device>/$state                 connection state (ready, init, lost, ...)
//	<base>/<device>/$definition            JSON device definition, empty when removed
//	<base>/<device>/<property>             device property value
//	<base>/<device>/<channel>/<property>   channel property value
//
// Writes go to the value topic with a /set suffix and reads are requested
// with an empty publish to <base>/<device>/$poll. A device property's write
// topic has the depth of a channel property's value topic, so "set" is
// reserved and never names a channel property. Everything received is
// translated to consumer messages and handed to a sink, usually the
// consumer queue.
package homie
