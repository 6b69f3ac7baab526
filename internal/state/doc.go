// Package state holds the live actual/expected/pending/valid record of every
// dynamic and mapped property, and the per-scope managers that change it.
//
// A Store gives per-key atomic read-modify-write; MemoryStore and RedisStore
// implement it. Managers sit on top and split the two directions of traffic:
//
//   - Set: an inbound device report (actual value, validity).
//   - Write: an outbound intent (expected value, pending marker).
//
// Every change is delivered to observers and to the exchange publisher under
// the routing key "<scope>.property.state.<created|updated|deleted>".
package state
