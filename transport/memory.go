package transport

import (
	"errors"
	"net"
	"sync"
)

// MemoryAddr is an in-process endpoint identifier.
type MemoryAddr struct {
	Addr string
}

// Network returns the network name for in-memory endpoints.
func (a MemoryAddr) Network() string { return "mem" }

// String returns the endpoint identifier.
func (a MemoryAddr) String() string { return a.Addr }

// MemoryNetwork connects MemoryTransport instances in the same process.
// Handlers run on their own goroutine, mirroring the UDP transport, so
// request/response chains cannot deadlock on a sender's locks.
type MemoryNetwork struct {
	mu         sync.RWMutex
	transports map[string]*MemoryTransport
}

// NewMemoryNetwork creates an empty in-process network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		transports: make(map[string]*MemoryTransport),
	}
}

// Listen attaches a new transport to the network under the given address.
func (n *MemoryNetwork) Listen(addr string) (*MemoryTransport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.transports[addr]; exists {
		return nil, errors.New("address already in use")
	}

	t := &MemoryTransport{
		network:  n,
		addr:     MemoryAddr{Addr: addr},
		handlers: make(map[PacketType]PacketHandler),
	}
	n.transports[addr] = t
	return t, nil
}

// drop detaches a transport from the network.
func (n *MemoryNetwork) drop(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.transports, addr)
}

// deliver routes a packet to the transport listening on addr.
func (n *MemoryNetwork) deliver(packet *Packet, from, to string) error {
	n.mu.RLock()
	target, exists := n.transports[to]
	n.mu.RUnlock()

	if !exists {
		return errors.New("no transport listening on " + to)
	}

	target.receive(packet, MemoryAddr{Addr: from})
	return nil
}

// MemoryTransport is an in-process Transport implementation backed by a
// MemoryNetwork.
type MemoryTransport struct {
	network  *MemoryNetwork
	addr     MemoryAddr
	handlers map[PacketType]PacketHandler
	mu       sync.RWMutex
	closed   bool
}

// Send delivers a packet to the transport listening on addr.
func (t *MemoryTransport) Send(packet *Packet, addr net.Addr) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return errors.New("transport closed")
	}

	// Serialise and reparse so the wire codec is exercised even in memory.
	data, err := packet.Serialize()
	if err != nil {
		return err
	}
	parsed, err := ParsePacket(data)
	if err != nil {
		return err
	}

	return t.network.deliver(parsed, t.addr.Addr, addr.String())
}

// Close detaches the transport from its network.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.network.drop(t.addr.Addr)
	return nil
}

// LocalAddr returns the in-memory endpoint of this transport.
func (t *MemoryTransport) LocalAddr() net.Addr {
	return t.addr
}

// RegisterHandler registers a handler for a specific packet type.
func (t *MemoryTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[packetType] = handler
}

// receive dispatches an inbound packet to the registered handler.
func (t *MemoryTransport) receive(packet *Packet, from MemoryAddr) {
	t.mu.RLock()
	handler, exists := t.handlers[packet.Type]
	closed := t.closed
	t.mu.RUnlock()

	if closed || !exists {
		return
	}
	go handler(packet, from)
}
