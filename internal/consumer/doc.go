// Package consumer turns connector messages into topology and state changes.
//
// Connectors publish JSON envelopes on graylogic/hub/<connector>/inbound.
// SubscribeInbound decodes them into typed messages and feeds a Queue, whose
// single goroutine hands each message to the handlers registered for its kind:
//
//	registry := consumer.NewRegistry()
//	pipeline := consumer.NewPipeline(topo, managers, resolver, cascade)
//	pipeline.Register(registry)
//
//	queue := consumer.NewQueue(registry, cfg.Engine.QueueSize)
//	go queue.Run(ctx)
//
// Messages addressing entities that no longer exist are logged and dropped.
// Malformed property definitions fail the message.
package consumer
