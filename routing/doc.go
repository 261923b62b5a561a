// Package routing implements the overlay routing core: a bounded,
// XOR-distance-ordered routing table with close-group semantics, the
// join/recovery state machine that keeps it populated, and the message
// dispatcher that forwards application messages toward their numerically
// closest node or replicates them across a destination's close group.
//
// A node is driven through the Router type:
//
//	router, err := routing.NewRouter(routing.Config{
//	    Keys:      keys,
//	    Transport: tr,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	router.Join(callbacks, bootstrapEndpoints)
//
// The transport, key generation, and bootstrap endpoint persistence are
// external collaborators; the core depends only on their interfaces.
package routing
