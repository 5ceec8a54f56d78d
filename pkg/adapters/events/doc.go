// Package events provides event bus implementations.
//
// Implementations:
//   - memory: in-process bus, one mailbox per subscriber (core)
//   - redis: Redis Streams mirror of bus events, with a consumer-group tail
//   - nats: NATS subject mirror of bus events
package events
