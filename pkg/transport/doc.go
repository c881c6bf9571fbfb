// Package transport provides interfaces for the publish/subscribe transport
// that carries group-messaging traffic.
//
// This package defines the boundary between the routing core and a concrete
// transport client:
//   - Transport: outbound operations (register, publish, subscribe, unsubscribe)
//   - GroupSubscriber: optional prefix subscriptions at a mask granularity
//   - Delegate: inbound callbacks invoked on the transport's own goroutines
//   - Message: one inbound object as buffered by the arrival queue
//
// Transports never deduplicate: calling Subscribe twice for the same name may
// produce duplicate deliveries. Callers keep their own registration state and
// avoid repeated calls.
//
// Delegate callbacks run on transport goroutines and must return promptly.
// They must not perform blocking I/O or interpret payloads.
//
// Example usage:
//
//	queue := arrival.NewQueue(nil)
//	tr := broker.Connect(queue)
//
//	if err := tr.Register(ctx, name); err != nil {
//		return err
//	}
//	if err := tr.Publish(ctx, name, payload); err != nil {
//		return err
//	}
package transport
