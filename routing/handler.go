package routing

import (
	"net"
	"sync"

	"github.com/opd-ai/routecore/crypto"
	"github.com/sirupsen/logrus"
)

// MessageHandler is the dispatcher: it decides, per inbound envelope,
// between local delivery, forwarding toward the destination, group fan-out,
// response correlation, and the relay return path.
type MessageHandler struct {
	self       NodeInfo
	keys       *crypto.KeyPair
	params     Parameters
	clientMode bool

	table   *RoutingTable
	clients *ClientTable
	network *Network
	timer   *Timer
	pool    *TaskPool
	random  *randomNodeHelper

	resolve func(string) (net.Addr, error)

	mu                 sync.Mutex
	onMessage          func(payload []byte, reply func([]byte))
	onRequestPublicKey func(id crypto.NodeID, deliver func([32]byte))
}

// newMessageHandler wires the dispatcher to its collaborators.
func newMessageHandler(self NodeInfo, keys *crypto.KeyPair, params Parameters, clientMode bool,
	table *RoutingTable, clients *ClientTable, network *Network, timer *Timer, pool *TaskPool,
	random *randomNodeHelper, resolve func(string) (net.Addr, error),
) *MessageHandler {
	return &MessageHandler{
		self:       self,
		keys:       keys,
		params:     params.withDefaults(),
		clientMode: clientMode,
		table:      table,
		clients:    clients,
		network:    network,
		timer:      timer,
		pool:       pool,
		random:     random,
		resolve:    resolve,
	}
}

// SetMessageCallback installs the host's application message handler.
func (mh *MessageHandler) SetMessageCallback(fn func(payload []byte, reply func([]byte))) {
	mh.mu.Lock()
	defer mh.mu.Unlock()
	mh.onMessage = fn
}

// SetRequestPublicKeyCallback installs the host's key lookup hook.
func (mh *MessageHandler) SetRequestPublicKeyCallback(fn func(id crypto.NodeID, deliver func([32]byte))) {
	mh.mu.Lock()
	defer mh.mu.Unlock()
	mh.onRequestPublicKey = fn
}

// HandleMessage dispatches one inbound envelope. fromAddr is the immediate
// transport-level sender.
func (mh *MessageHandler) HandleMessage(msg *Message, fromAddr net.Addr) {
	if msg.HopsToLive == 0 {
		logrus.WithFields(logrus.Fields{
			"function":    "HandleMessage",
			"type":        msg.Type,
			"destination": msg.Destination.ShortString(),
		}).Warn("Dropping message with exhausted hop count")
		return
	}
	msg.HopsToLive--

	if msg.HasSource() && !msg.ClientNode {
		mh.random.Add(msg.Source)
	}

	if msg.RoutingMessage {
		mh.handleRoutingMessage(msg, fromAddr)
		return
	}
	mh.handleNodeLevelMessage(msg, fromAddr)
}

// handleRoutingMessage dispatches overlay-internal messages.
func (mh *MessageHandler) handleRoutingMessage(msg *Message, fromAddr net.Addr) {
	switch msg.Type {
	case MessageTypeFindNodes:
		mh.handleFindNodesRequest(msg)
	case MessageTypeFindNodesResponse:
		mh.handleFindNodesResponse(msg)
	case MessageTypeConnect:
		mh.handleConnectRequest(msg, fromAddr)
	case MessageTypeConnectResponse:
		mh.handleConnectResponse(msg, fromAddr)
	case MessageTypePing:
		mh.network.SendToClosest(pingResponse(mh.self.ID, msg, mh.params.HopsToLive))
	case MessageTypePingResponse:
		mh.timer.AddResponse(msg.ID, nil)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "handleRoutingMessage",
			"type":     msg.Type,
		}).Warn("Unhandled routing message type")
	}
}

// handleFindNodesRequest answers with our closest known nodes to the target,
// including ourselves unless this node is in client mode.
func (mh *MessageHandler) handleFindNodesRequest(msg *Message) {
	requested := requestedNodeCount(msg)
	if requested > mh.params.MaxRoutingTableSize {
		requested = mh.params.MaxRoutingTableSize
	}

	nodes := mh.table.ClosestNodes(msg.Destination, requested, msg.Source)
	if !mh.clientMode {
		self := mh.self
		self.Endpoint = mh.network.transport.LocalAddr().String()
		nodes = append(nodes, self)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "handleFindNodesRequest",
		"target":    msg.Destination.ShortString(),
		"requested": requested,
		"returned":  len(nodes),
	}).Debug("Answering FindNodes")

	mh.network.SendToClosest(findNodesResponse(mh.self.ID, msg, nodes, mh.params.HopsToLive))
}

// handleFindNodesResponse starts a connect handshake toward every listed
// candidate not yet in the table.
func (mh *MessageHandler) handleFindNodesResponse(msg *Message) {
	for _, payload := range msg.Payload {
		candidate, err := parseNodeInfo(payload)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleFindNodesResponse",
				"error":    err.Error(),
			}).Warn("Discarding malformed candidate")
			continue
		}
		mh.tryConnect(candidate)
	}
}

// tryConnect initiates identity validation toward a candidate peer.
func (mh *MessageHandler) tryConnect(candidate NodeInfo) {
	if candidate.ID.Equal(mh.self.ID) || candidate.ID.IsZero() {
		return
	}
	if _, present := mh.table.GetNodeInfo(candidate.ID); present {
		return
	}

	endpoint, err := mh.resolve(candidate.Endpoint)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "tryConnect",
			"peer":     candidate.ID.ShortString(),
			"endpoint": candidate.Endpoint,
			"error":    err.Error(),
		}).Warn("Cannot resolve candidate endpoint")
		return
	}

	if _, _, result := mh.network.GetAvailableEndpoint(candidate.ID, endpoint); result == EndpointError {
		return
	}

	if _, err := mh.network.Add(candidate.ID, endpoint); err != nil {
		return
	}

	token, err := signOwnership(mh.self.ID, mh.keys)
	if err != nil {
		return
	}

	self := mh.self
	self.Endpoint = mh.network.transport.LocalAddr().String()
	relay := mh.table.Size() == 0
	request := connectRequest(self, token, candidate.ID, relay, mh.network.ThisNodeRelayConnectionID(), mh.params.HopsToLive)
	request.ClientNode = mh.clientMode
	mh.network.SendToDirect(request, candidate.ID, nil)
}

// handleConnectRequest validates the requester and, when admitted, answers
// with our own identity token.
func (mh *MessageHandler) handleConnectRequest(msg *Message, fromAddr net.Addr) {
	if len(msg.Payload) < 2 || len(msg.Payload[1]) != crypto.SignatureSize {
		return
	}
	candidate, err := parseNodeInfo(msg.Payload[0])
	if err != nil {
		return
	}
	var token crypto.Signature
	copy(token[:], msg.Payload[1])

	// Client-mode nodes accept no inbound routing entries.
	if mh.clientMode {
		mh.respondConnect(msg, fromAddr, false)
		return
	}

	// Re-connect from a peer we already hold is acknowledged, not re-added.
	if _, present := mh.table.GetNodeInfo(candidate.ID); present {
		mh.respondConnect(msg, fromAddr, true)
		return
	}

	endpoint := mh.connectEndpoint(msg, candidate, fromAddr)
	if endpoint == nil {
		mh.respondConnect(msg, fromAddr, false)
		return
	}

	mh.withPublicKey(candidate, func(peer NodeInfo) {
		var accepted bool
		if msg.ClientNode {
			// Clients never enter the routing table; track the connection in
			// the client table instead.
			if validateIdentity(peer, token) {
				if connectionID, err := mh.network.Add(peer.ID, endpoint); err == nil {
					peer.ConnectionID = connectionID
					peer.Endpoint = endpoint.String()
					accepted = mh.clients.Add(peer)
					if !accepted {
						mh.network.Remove(connectionID)
					}
				}
			}
		} else {
			accepted = validateAndAddToRoutingTable(mh.network, mh.table, peer, token, endpoint)
		}
		mh.respondConnect(msg, fromAddr, accepted)
	})
}

// connectEndpoint chooses the endpoint to attach for a connect requester:
// the direct sender for direct requests, the advertised endpoint otherwise.
func (mh *MessageHandler) connectEndpoint(msg *Message, candidate NodeInfo, fromAddr net.Addr) net.Addr {
	if msg.HasSource() && msg.Source.Equal(candidate.ID) {
		return fromAddr
	}
	if candidate.Endpoint == "" {
		return nil
	}
	endpoint, err := mh.resolve(candidate.Endpoint)
	if err != nil {
		return nil
	}
	return endpoint
}

// respondConnect answers a connect request with our identity and verdict.
func (mh *MessageHandler) respondConnect(msg *Message, fromAddr net.Addr, accepted bool) {
	token, err := signOwnership(mh.self.ID, mh.keys)
	if err != nil {
		return
	}

	self := mh.self
	self.Endpoint = mh.network.transport.LocalAddr().String()
	response := connectResponse(self, token, msg, accepted, mh.params.HopsToLive)

	// Connect requests arrive direct; answer the immediate sender.
	mh.network.SendToEndpoint(response, fromAddr)
}

// handleConnectResponse admits the responder on acceptance.
func (mh *MessageHandler) handleConnectResponse(msg *Message, fromAddr net.Addr) {
	if len(msg.Payload) < 3 || len(msg.Payload[2]) != crypto.SignatureSize {
		return
	}
	accepted := len(msg.Payload[0]) == 1 && msg.Payload[0][0] == 1
	if !accepted {
		return
	}

	peer, err := parseNodeInfo(msg.Payload[1])
	if err != nil {
		return
	}
	if _, present := mh.table.GetNodeInfo(peer.ID); present {
		return
	}
	var token crypto.Signature
	copy(token[:], msg.Payload[2])

	endpoint := mh.connectEndpoint(msg, peer, fromAddr)
	if endpoint == nil {
		return
	}

	mh.withPublicKey(peer, func(confirmed NodeInfo) {
		validateAndAddToRoutingTable(mh.network, mh.table, confirmed, token, endpoint)
	})
}

// withPublicKey lets the host supply or confirm the peer's public key before
// validation; without the hook the wire-presented key is used.
func (mh *MessageHandler) withPublicKey(peer NodeInfo, continuation func(NodeInfo)) {
	mh.mu.Lock()
	onRequest := mh.onRequestPublicKey
	mh.mu.Unlock()

	if onRequest == nil {
		continuation(peer)
		return
	}

	var once sync.Once
	onRequest(peer.ID, func(publicKey [32]byte) {
		once.Do(func() {
			peer.PublicKey = publicKey
			mh.pool.Post(func() { continuation(peer) })
		})
	})
}

// handleNodeLevelMessage dispatches application payloads.
func (mh *MessageHandler) handleNodeLevelMessage(msg *Message, fromAddr net.Addr) {
	if !msg.Request {
		mh.handleResponse(msg)
		return
	}
	mh.handleRequest(msg)
}

// handleResponse correlates a response or forwards it along the return path.
func (mh *MessageHandler) handleResponse(msg *Message) {
	// Final relay leg: we hold the connection the response must exit on.
	if msg.HasRelay() && !msg.RelayID.Equal(mh.self.ID) {
		if _, held := mh.network.ConnectionAddr(msg.RelayConnectionID); held {
			mh.network.SendToDirect(msg, msg.RelayConnectionID, nil)
			return
		}
	}

	if msg.Destination.Equal(mh.self.ID) || msg.RelayID.Equal(mh.self.ID) {
		var payload []byte
		if len(msg.Payload) > 0 {
			payload = msg.Payload[0]
		}
		mh.timer.AddResponse(msg.ID, payload)
		return
	}

	mh.network.SendToClosest(msg)
}

// handleRequest delivers, fans out, or forwards an application request.
func (mh *MessageHandler) handleRequest(msg *Message) {
	destination := msg.Destination

	// Relay substitution: a relay-marked request arriving over a connection
	// we hold gets our identity as source, so the overlay routes the
	// response back to us for the final relay leg. The relay fields stay on
	// the envelope.
	if !msg.HasSource() && msg.HasRelay() {
		if _, held := mh.network.ConnectionAddr(msg.RelayConnectionID); held {
			msg.Source = mh.self.ID
		}
	}

	// Identities relaying through us receive their copies directly.
	for _, client := range mh.clients.GetClientConnections(destination) {
		mh.network.SendToDirect(msg, client.ConnectionID, nil)
	}

	if !msg.Direct && msg.Replication > 1 && mh.table.IsInRange(destination, mh.params.CloseGroupSize) {
		mh.fanOut(msg)
		mh.deliverLocally(msg)
		return
	}

	if destination.Equal(mh.self.ID) {
		mh.deliverLocally(msg)
		return
	}

	mh.network.SendToClosest(msg)
}

// fanOut forwards one direct copy to each close-group peer of the
// destination, excluding ourselves and the originator.
func (mh *MessageHandler) fanOut(msg *Message) {
	peers := mh.table.ClosestNodes(msg.Destination, mh.params.CloseGroupSize-1, msg.Source)

	logrus.WithFields(logrus.Fields{
		"function":    "fanOut",
		"destination": msg.Destination.ShortString(),
		"copies":      len(peers),
	}).Debug("Replicating group message")

	for _, peer := range peers {
		// Each copy is retargeted at its group member so the receiver
		// delivers instead of forwarding further toward the group address.
		dup := *msg
		dup.Direct = true
		dup.Replication = 1
		dup.Destination = peer.ID
		mh.network.SendToDirect(&dup, peer.ConnectionID, nil)
	}
}

// deliverLocally hands the payload to the host and wires the reply path.
func (mh *MessageHandler) deliverLocally(msg *Message) {
	mh.mu.Lock()
	onMessage := mh.onMessage
	mh.mu.Unlock()

	if onMessage == nil {
		return
	}

	var payload []byte
	if len(msg.Payload) > 0 {
		payload = msg.Payload[0]
	}

	request := *msg
	var once sync.Once
	reply := func(data []byte) {
		once.Do(func() {
			mh.sendReply(&request, data)
		})
	}

	mh.pool.Post(func() { onMessage(payload, reply) })
}

// sendReply routes a host response back to the originator.
func (mh *MessageHandler) sendReply(request *Message, data []byte) {
	response := &Message{
		Type:              request.Type,
		ID:                request.ID,
		Request:           false,
		Direct:            true,
		Replication:       1,
		HopsToLive:        mh.params.HopsToLive,
		Source:            mh.self.ID,
		Destination:       request.Source,
		RelayID:           request.RelayID,
		RelayConnectionID: request.RelayConnectionID,
		Payload:           [][]byte{data},
	}
	if !request.HasSource() {
		response.Destination = request.RelayID
	}

	mh.network.SendToClosest(response)
}
