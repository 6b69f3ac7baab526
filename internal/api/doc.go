// Package api implements the hub's HTTP API and WebSocket server.
//
// It provides:
//   - read access to the topology (connectors, devices, channels, properties)
//   - property state reads and write requests, which are queued on the
//     consumer pipeline like any connector message
//   - a WebSocket hub relaying exchange events to subscribed clients
//   - health checks, runtime statistics and Prometheus metrics
//
// Clients subscribe to WebSocket channels named "<source>.<routing key>",
// for example "state.channel.property.state.updated". A channel ending in
// ".#" matches every key below it and "#" matches everything.
//
// The server follows the lifecycle of the other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
