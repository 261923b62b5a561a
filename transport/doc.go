// Package transport implements the datagram transport layer beneath the
// overlay routing core.
//
// This package handles packet framing, UDP communication, and optional
// Noise-encrypted channels between peers. The routing core only depends on
// the Transport interface, so implementations are interchangeable; the
// in-memory transport backs multi-node tests without opening sockets.
//
// Example:
//
//	tr, err := transport.NewUDPTransport(":0")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	packet := &transport.Packet{
//	    Type: transport.PacketRoutingMessage,
//	    Data: []byte{...},
//	}
//
//	err = tr.Send(packet, remoteAddr)
package transport
