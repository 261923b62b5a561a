package routing

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/routecore/crypto"
	"github.com/opd-ai/routecore/transport"
)

// EndpointResult reports the outcome of an endpoint negotiation.
type EndpointResult int

const (
	// EndpointOK means a fresh endpoint pair is available for attachment.
	EndpointOK EndpointResult = iota
	// EndpointAlreadyExists means a connection to the peer already exists.
	EndpointAlreadyExists
	// EndpointError means no endpoint could be provided.
	EndpointError
)

var (
	// ErrNoConnection indicates the connection id is not attached.
	ErrNoConnection = errors.New("no connection for id")
	// ErrBootstrapFailed indicates no configured endpoint accepted us.
	ErrBootstrapFailed = errors.New("bootstrap failed for all endpoints")
)

// handshake packet kinds.
const (
	handshakeRequest byte = iota + 1
	handshakeResponse
)

// attachTimeout bounds one handshake round trip during bootstrap.
const attachTimeout = 2 * time.Second

// Network is the facade between the routing core and the transport. It owns
// the connection registry (connection id to endpoint), performs the
// bootstrap attach handshake, and implements next-hop forwarding.
type Network struct {
	mu        sync.Mutex
	self      crypto.NodeID
	transport transport.Transport
	table     *RoutingTable
	pool      *TaskPool

	connections map[crypto.NodeID]net.Addr
	addrIndex   map[string]crypto.NodeID

	bootstrapConnectionID     crypto.NodeID
	thisNodeRelayConnectionID crypto.NodeID

	onMessage              func(*Message, net.Addr)
	onConnectionLost       func(crypto.NodeID)
	onNewBootstrapEndpoint func(net.Addr)

	// attach handshakes waiting for a response, keyed by endpoint string.
	attachWaiters map[string]chan handshakeInfo
}

// handshakeInfo carries the peer identity and our relay handle learned
// during an attach handshake.
type handshakeInfo struct {
	peerID crypto.NodeID
	handle crypto.NodeID
}

// NewNetwork creates the facade and registers its transport handlers.
func NewNetwork(self crypto.NodeID, tr transport.Transport, table *RoutingTable, pool *TaskPool) *Network {
	n := &Network{
		self:          self,
		transport:     tr,
		table:         table,
		pool:          pool,
		connections:   make(map[crypto.NodeID]net.Addr),
		addrIndex:     make(map[string]crypto.NodeID),
		attachWaiters: make(map[string]chan handshakeInfo),
	}

	tr.RegisterHandler(transport.PacketRoutingMessage, n.handleRoutingPacket)
	tr.RegisterHandler(transport.PacketHandshake, n.handleHandshakePacket)

	return n
}

// SetHandlers installs the inbound message and connection-lost callbacks.
func (n *Network) SetHandlers(onMessage func(*Message, net.Addr), onConnectionLost func(crypto.NodeID)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onMessage = onMessage
	n.onConnectionLost = onConnectionLost
}

// SetNewBootstrapEndpointCallback installs the endpoint persistence hook.
func (n *Network) SetNewBootstrapEndpointCallback(fn func(net.Addr)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onNewBootstrapEndpoint = fn
}

// handleRoutingPacket parses an envelope and forwards it to the handler.
func (n *Network) handleRoutingPacket(packet *transport.Packet, addr net.Addr) error {
	msg, err := ParseMessage(packet.Data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleRoutingPacket",
			"from":     addr.String(),
			"error":    err.Error(),
		}).Warn("Failed to parse routing message")
		return err
	}

	n.mu.Lock()
	onMessage := n.onMessage
	n.mu.Unlock()

	if onMessage != nil {
		onMessage(msg, addr)
	}
	return nil
}

// handleHandshakePacket serves attach requests and completes pending attach
// waits. Request payload: [kind][node id]. Response payload:
// [kind][node id][relay handle].
func (n *Network) handleHandshakePacket(packet *transport.Packet, addr net.Addr) error {
	data := packet.Data
	if len(data) < 1+crypto.NodeIDSize {
		return errors.New("handshake packet too short")
	}

	var peerID crypto.NodeID
	copy(peerID[:], data[1:1+crypto.NodeIDSize])

	switch data[0] {
	case handshakeRequest:
		return n.acceptAttach(peerID, addr)
	case handshakeResponse:
		if len(data) < 1+2*crypto.NodeIDSize {
			return errors.New("handshake response too short")
		}
		var handle crypto.NodeID
		copy(handle[:], data[1+crypto.NodeIDSize:])
		n.completeAttach(addr, handshakeInfo{peerID: peerID, handle: handle})
		return nil
	default:
		return errors.New("unknown handshake kind")
	}
}

// acceptAttach registers an inbound bootstrap connection and answers with
// our identity and the relay handle assigned to the requester.
func (n *Network) acceptAttach(peerID crypto.NodeID, addr net.Addr) error {
	handle, err := crypto.RandomNodeID()
	if err != nil {
		return err
	}

	n.mu.Lock()
	n.connections[handle] = addr
	n.addrIndex[addr.String()] = handle
	n.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "acceptAttach",
		"peer":     peerID.ShortString(),
		"endpoint": addr.String(),
		"handle":   handle.ShortString(),
	}).Debug("Accepted attach request")

	response := make([]byte, 1+2*crypto.NodeIDSize)
	response[0] = handshakeResponse
	copy(response[1:], n.self[:])
	copy(response[1+crypto.NodeIDSize:], handle[:])

	return n.transport.Send(&transport.Packet{Type: transport.PacketHandshake, Data: response}, addr)
}

// completeAttach resolves the waiter for addr, if any.
func (n *Network) completeAttach(addr net.Addr, info handshakeInfo) {
	n.mu.Lock()
	waiter, exists := n.attachWaiters[addr.String()]
	if exists {
		delete(n.attachWaiters, addr.String())
	}
	n.mu.Unlock()

	if exists {
		waiter <- info
	}
}

// Bootstrap attaches to the first responsive endpoint in order. On success
// the bootstrap connection id identifies the peer and the relay connection
// id identifies this node's handle at the peer.
func (n *Network) Bootstrap(ctx context.Context, endpoints []net.Addr, onMessage func(*Message, net.Addr), onConnectionLost func(crypto.NodeID), localEndpoint net.Addr) error {
	n.SetHandlers(onMessage, onConnectionLost)

	if len(endpoints) == 0 {
		return ErrBootstrapFailed
	}

	for _, endpoint := range endpoints {
		info, err := n.attachWithRetry(ctx, endpoint)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Bootstrap",
				"endpoint": endpoint.String(),
				"error":    err.Error(),
			}).Warn("Bootstrap endpoint unreachable")
			continue
		}

		n.mu.Lock()
		n.bootstrapConnectionID = info.peerID
		n.thisNodeRelayConnectionID = info.handle
		n.connections[info.peerID] = endpoint
		n.addrIndex[endpoint.String()] = info.peerID
		onNew := n.onNewBootstrapEndpoint
		n.mu.Unlock()

		if onNew != nil {
			n.pool.Post(func() { onNew(endpoint) })
		}

		logrus.WithFields(logrus.Fields{
			"function":  "Bootstrap",
			"endpoint":  endpoint.String(),
			"bootstrap": info.peerID.ShortString(),
			"relay":     info.handle.ShortString(),
		}).Info("Bootstrapped")
		return nil
	}

	return ErrBootstrapFailed
}

// attachWithRetry runs the attach handshake against one endpoint, retrying
// transient failures with exponential backoff.
func (n *Network) attachWithRetry(ctx context.Context, endpoint net.Addr) (handshakeInfo, error) {
	var info handshakeInfo

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	err := backoff.Retry(func() error {
		var err error
		info, err = n.attach(ctx, endpoint)
		return err
	}, policy)

	return info, err
}

// attach performs one handshake round trip.
func (n *Network) attach(ctx context.Context, endpoint net.Addr) (handshakeInfo, error) {
	waiter := make(chan handshakeInfo, 1)
	n.mu.Lock()
	n.attachWaiters[endpoint.String()] = waiter
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		delete(n.attachWaiters, endpoint.String())
		n.mu.Unlock()
	}()

	request := make([]byte, 1+crypto.NodeIDSize)
	request[0] = handshakeRequest
	copy(request[1:], n.self[:])

	if err := n.transport.Send(&transport.Packet{Type: transport.PacketHandshake, Data: request}, endpoint); err != nil {
		return handshakeInfo{}, err
	}

	select {
	case info := <-waiter:
		return info, nil
	case <-time.After(attachTimeout):
		return handshakeInfo{}, errors.New("attach timed out")
	case <-ctx.Done():
		return handshakeInfo{}, ctx.Err()
	}
}

// NATType classifies the traversal situation of a negotiated endpoint pair.
// Datagram transports here are directly addressable, so the facade reports
// NATDirect; traversal-aware transports refine this.
type NATType int

const (
	NATUnknown NATType = iota
	NATDirect
	NATSymmetric
)

// GetAvailableEndpoint negotiates endpoints for a prospective connection to
// peerID at peerEndpoint.
func (n *Network) GetAvailableEndpoint(peerID crypto.NodeID, peerEndpoint net.Addr) (net.Addr, NATType, EndpointResult) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.connections[peerID]; exists {
		return n.transport.LocalAddr(), NATDirect, EndpointAlreadyExists
	}
	if peerEndpoint == nil {
		return nil, NATUnknown, EndpointError
	}
	return n.transport.LocalAddr(), NATDirect, EndpointOK
}

// Add registers a validated connection to peerID at endpoint. The connection
// id of a validated peer is its identity.
func (n *Network) Add(peerID crypto.NodeID, endpoint net.Addr) (crypto.NodeID, error) {
	if peerID.IsZero() || endpoint == nil {
		return crypto.NodeID{}, errors.New("invalid peer connection")
	}

	n.mu.Lock()
	n.connections[peerID] = endpoint
	n.addrIndex[endpoint.String()] = peerID
	n.mu.Unlock()

	return peerID, nil
}

// Remove drops the connection with the given id.
func (n *Network) Remove(connectionID crypto.NodeID) {
	n.mu.Lock()
	addr, exists := n.connections[connectionID]
	if exists {
		delete(n.connections, connectionID)
		if current, ok := n.addrIndex[addr.String()]; ok && current.Equal(connectionID) {
			delete(n.addrIndex, addr.String())
		}
	}
	n.mu.Unlock()
}

// ConnectionAddr looks up the endpoint attached under a connection id.
func (n *Network) ConnectionAddr(connectionID crypto.NodeID) (net.Addr, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	addr, exists := n.connections[connectionID]
	return addr, exists
}

// ConnectionID looks up the connection id attached at an endpoint.
func (n *Network) ConnectionID(addr net.Addr) (crypto.NodeID, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id, exists := n.addrIndex[addr.String()]
	return id, exists
}

// SendToDirect serialises the envelope and sends it over the connection.
// onSent, when supplied, is posted with the send result; a failed send also
// reports the connection as lost.
func (n *Network) SendToDirect(msg *Message, connectionID crypto.NodeID, onSent func(error)) {
	n.mu.Lock()
	addr, exists := n.connections[connectionID]
	onLost := n.onConnectionLost
	n.mu.Unlock()

	if !exists {
		logrus.WithFields(logrus.Fields{
			"function":   "SendToDirect",
			"connection": connectionID.ShortString(),
		}).Warn("Send to unknown connection")
		if onSent != nil {
			n.pool.Post(func() { onSent(ErrNoConnection) })
		}
		return
	}

	err := n.sendMessage(msg, addr)
	if err != nil && onLost != nil {
		n.pool.Post(func() { onLost(connectionID) })
	}
	if onSent != nil {
		n.pool.Post(func() { onSent(err) })
	}
}

// SendToClosest forwards the envelope to the routing table peer nearest its
// destination. Responses carrying relay fields for a connection we hold are
// short-circuited onto that connection.
func (n *Network) SendToClosest(msg *Message) {
	if msg.Destination.IsZero() {
		logrus.WithFields(logrus.Fields{
			"function": "SendToClosest",
		}).Warn("Dropping message with zero destination")
		return
	}

	if !msg.Request && msg.HasRelay() {
		if _, exists := n.ConnectionAddr(msg.RelayConnectionID); exists {
			n.SendToDirect(msg, msg.RelayConnectionID, nil)
			return
		}
	}

	next := n.table.ClosestNode(msg.Destination, msg.LastID)
	if next == nil {
		// Partially joined nodes fall back to their bootstrap connection.
		n.mu.Lock()
		bootstrapID := n.bootstrapConnectionID
		n.mu.Unlock()
		if !bootstrapID.IsZero() {
			n.SendToDirect(msg, bootstrapID, nil)
			return
		}
		logrus.WithFields(logrus.Fields{
			"function":    "SendToClosest",
			"destination": msg.Destination.ShortString(),
		}).Warn("No next hop for message")
		return
	}

	n.SendToDirect(msg, next.ConnectionID, nil)
}

// SendToEndpoint sends the envelope straight to a transport endpoint,
// bypassing the connection registry. Used to answer handshakes from peers
// that are not yet attached.
func (n *Network) SendToEndpoint(msg *Message, addr net.Addr) {
	if err := n.sendMessage(msg, addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SendToEndpoint",
			"endpoint": addr.String(),
			"error":    err.Error(),
		}).Warn("Direct endpoint send failed")
	}
}

// sendMessage serialises and transmits one envelope, stamping this node as
// the previous hop.
func (n *Network) sendMessage(msg *Message, addr net.Addr) error {
	msg.LastID = n.self

	data, err := msg.Serialize()
	if err != nil {
		return err
	}
	return n.transport.Send(&transport.Packet{Type: transport.PacketRoutingMessage, Data: data}, addr)
}

// BootstrapConnectionID returns the connection id of the bootstrap peer, or
// zero when not attached.
func (n *Network) BootstrapConnectionID() crypto.NodeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.bootstrapConnectionID
}

// ThisNodeRelayConnectionID returns this node's handle at its bootstrap
// peer.
func (n *Network) ThisNodeRelayConnectionID() crypto.NodeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.thisNodeRelayConnectionID
}

// ClearBootstrapConnectionInfo forgets the bootstrap attachment.
func (n *Network) ClearBootstrapConnectionInfo() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bootstrapConnectionID = crypto.NodeID{}
	n.thisNodeRelayConnectionID = crypto.NodeID{}
}
