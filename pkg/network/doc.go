// Package network defines the session and registration manager of a qmsg
// node.
//
// A Node maps (team, channel, device) addressing onto short names, keeps
// track of which names this node has registered as a publisher and which it
// has subscribed to, and routes key material between the local security
// component and the transport:
//   - Events tagged SecProc originate locally and are published outward.
//   - Events tagged Network arrived from the transport and are delivered to
//     the local SecurityProcessor.
//
// Registration and subscription are deduplicated: repeating a publish never
// registers the name twice and repeating a subscribe for an already
// subscribed name issues no transport call. Duplicates are silent no-ops,
// not errors.
//
// Publisher registration is never reversed; there is no unregister
// operation.
//
// Example usage:
//
//	queue := arrival.NewQueue(nil)
//	tr := broker.Connect(queue)
//	mgr, err := network.NewManager(config, tr, queue, security, nil)
//	if err != nil {
//		return err
//	}
//	defer mgr.Close()
//
//	go mgr.Run(ctx)
//
//	// Watch devices 5 and 6 of channel 2 in team 1
//	err = mgr.SubscribeToDevices(ctx, 1, 2, []uint32{5, 6})
//
//	// Publish as device 7
//	err = mgr.Publish(ctx, 1, 2, 7, ciphertext)
package network
