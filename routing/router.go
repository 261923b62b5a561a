package routing

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/routecore/crypto"
	"github.com/opd-ai/routecore/transport"
	"github.com/sirupsen/logrus"
)

// Config assembles a Router. All state lives on the Router value; there are
// no package-level tunables.
type Config struct {
	// Keys is the node's identity key pair. Required unless Anonymous.
	Keys *crypto.KeyPair
	// ClientMode nodes do not accept inbound routing entries.
	ClientMode bool
	// Anonymous nodes run an ephemeral identity and may only send through
	// their bootstrap relay.
	Anonymous bool
	// Params overrides individual parameters; zero fields take defaults.
	Params Parameters
	// Transport carries the overlay's packets. Required.
	Transport transport.Transport
	// ResolveEndpoint converts advertised endpoint strings to addresses.
	// Defaults to UDP resolution.
	ResolveEndpoint func(string) (net.Addr, error)
}

// Router is the overlay routing core: one value holding the routing table,
// the join/recovery state machine, the dispatcher, and their timers.
type Router struct {
	params     Parameters
	keys       *crypto.KeyPair
	self       NodeInfo
	anonymous  bool
	clientMode bool

	runningMu    sync.Mutex
	running      bool
	sessionEnded bool

	callbacksMu sync.Mutex
	callbacks   Callbacks

	pool    *TaskPool
	table   *RoutingTable
	clients *ClientTable
	timer   *Timer
	network *Network
	handler *MessageHandler
	random  *randomNodeHelper

	timersMu           sync.Mutex
	setupTimer         *scheduledCall
	recoveryTimer      *scheduledCall
	reBootstrapTimer   *scheduledCall
	bootstrapEndpoints []net.Addr
}

// scheduledCall is a cancellable one-shot timer whose work runs on the task
// pool. A cancelled call that has already fired observes the aborted flag on
// wake and does nothing.
type scheduledCall struct {
	mu        sync.Mutex
	timer     *time.Timer
	cancelled bool
}

// Cancel marks the call aborted and stops its timer.
func (c *scheduledCall) Cancel() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
	c.timer.Stop()
}

func (c *scheduledCall) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// NewRouter constructs a node core. A non-anonymous node without an
// initialised identity is a configuration error.
func NewRouter(cfg Config) (*Router, error) {
	if cfg.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if cfg.Keys == nil && !cfg.Anonymous {
		return nil, errors.New("server node requires an initialised identity")
	}

	params := cfg.Params.withDefaults()

	keys := cfg.Keys
	var selfID crypto.NodeID
	if cfg.Anonymous {
		var err error
		if keys == nil {
			if keys, err = crypto.GenerateKeyPair(); err != nil {
				return nil, err
			}
		}
		if selfID, err = crypto.RandomNodeID(); err != nil {
			return nil, err
		}
	} else {
		selfID = crypto.NewNodeID(keys.Public)
	}

	r := &Router{
		params:     params,
		keys:       keys,
		anonymous:  cfg.Anonymous,
		clientMode: cfg.ClientMode,
		running:    true,
		pool:       NewTaskPool(params.Workers),
		random:     &randomNodeHelper{},
	}
	r.self = NodeInfo{ID: selfID, PublicKey: keys.Public}

	resolve := cfg.ResolveEndpoint
	if resolve == nil {
		resolve = func(endpoint string) (net.Addr, error) {
			return net.ResolveUDPAddr("udp", endpoint)
		}
	}

	r.table = NewRoutingTable(selfID, params)
	r.clients = NewClientTable(selfID, params, func(id crypto.NodeID) bool {
		return r.table.IsInRange(id, params.CloseGroupSize)
	})
	r.timer = NewTimer(r.pool)
	r.network = NewNetwork(selfID, cfg.Transport, r.table, r.pool)
	r.handler = newMessageHandler(r.self, keys, params, cfg.ClientMode,
		r.table, r.clients, r.network, r.timer, r.pool, r.random, resolve)

	r.table.SetRemoveCallback(r.removeNode)
	r.network.SetHandlers(r.onMessageReceived, r.onConnectionLost)

	if cfg.Anonymous {
		logrus.WithFields(logrus.Fields{
			"function": "NewRouter",
			"node":     selfID.ShortString(),
		}).Info("Anonymous node created")
	}

	return r, nil
}

// Self returns this node's identity.
func (r *Router) Self() NodeInfo {
	return r.self
}

// Table exposes the routing table for queries.
func (r *Router) Table() *RoutingTable {
	return r.table
}

// RandomConnectedNode returns an arbitrary recently seen source identity,
// or zero when none is known.
func (r *Router) RandomConnectedNode() crypto.NodeID {
	return r.random.Get()
}

// ConfirmGroupMembers reports whether two identities share a close group in
// this node's estimate.
func (r *Router) ConfirmGroupMembers(a, b crypto.NodeID) bool {
	return r.table.ConfirmGroupMembers(a, b)
}

// isRunning reports whether the core accepts work.
func (r *Router) isRunning() bool {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()
	return r.running
}

// Stop shuts the core down: pending tasks observe the cleared running flag,
// outstanding response tasks finalise, and the worker pool drains. The
// transport is owned by the host and stays open.
func (r *Router) Stop() {
	r.runningMu.Lock()
	if !r.running {
		r.runningMu.Unlock()
		return
	}
	r.running = false
	r.runningMu.Unlock()

	r.timersMu.Lock()
	r.setupTimer.Cancel()
	r.recoveryTimer.Cancel()
	r.reBootstrapTimer.Cancel()
	r.timersMu.Unlock()

	r.timer.CancelAll()
	r.pool.Stop()
}

// schedule arms a one-shot call executing fn on the pool after d, unless
// cancelled or the core stops first.
func (r *Router) schedule(d time.Duration, fn func()) *scheduledCall {
	call := &scheduledCall{}
	call.timer = time.AfterFunc(d, func() {
		if call.isCancelled() || !r.isRunning() {
			return
		}
		r.pool.Post(func() {
			if call.isCancelled() || !r.isRunning() {
				return
			}
			fn()
		})
	})
	return call
}

// connectCallbacks installs the host-supplied notification set.
func (r *Router) connectCallbacks(callbacks Callbacks) {
	r.callbacksMu.Lock()
	r.callbacks = callbacks
	r.callbacksMu.Unlock()

	r.table.SetNetworkStatusCallback(func(size int) { r.notifyNetworkStatus(size) })
	r.table.SetCloseGroupChangedCallback(callbacks.OnCloseGroupChanged)
	r.handler.SetMessageCallback(callbacks.OnMessage)
	r.handler.SetRequestPublicKeyCallback(callbacks.OnRequestPublicKey)
	r.network.SetNewBootstrapEndpointCallback(callbacks.OnNewBootstrapEndpoint)
}

// notifyNetworkStatus posts a status code to the host.
func (r *Router) notifyNetworkStatus(status int) {
	r.callbacksMu.Lock()
	onStatus := r.callbacks.OnNetworkStatus
	r.callbacksMu.Unlock()

	if onStatus != nil {
		r.pool.Post(func() { onStatus(status) })
	}
}

// Join bootstraps against the given endpoints and starts the close-node
// discovery loop. It returns immediately; progress is reported through the
// network-status callback.
func (r *Router) Join(callbacks Callbacks, endpoints []net.Addr) {
	r.connectCallbacks(callbacks)

	r.timersMu.Lock()
	r.bootstrapEndpoints = endpoints
	r.timersMu.Unlock()

	r.pool.Post(func() { r.doJoin(endpoints) })
}

// doJoin runs one bootstrap attempt and, for server nodes, enters the
// find-close-node loop.
func (r *Router) doJoin(endpoints []net.Addr) {
	if err := r.doBootstrap(endpoints); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "doJoin",
			"node":     r.self.ID.ShortString(),
			"error":    err.Error(),
		}).Error("Bootstrap failed")
		r.notifyNetworkStatus(StatusNotJoined)
		return
	}

	if r.anonymous {
		// Anonymous nodes stay in the relaying state; no discovery loop.
		r.notifyNetworkStatus(StatusSuccess)
		return
	}

	r.findClosestNode(0)
	r.notifyNetworkStatus(StatusSuccess)
}

// doBootstrap attaches to the endpoint list, dropping any previous
// bootstrap connection first.
func (r *Router) doBootstrap(endpoints []net.Addr) error {
	r.timersMu.Lock()
	r.setupTimer.Cancel()
	r.recoveryTimer.Cancel()
	r.timersMu.Unlock()

	if !r.isRunning() {
		return errors.New("network shutting down")
	}

	if id := r.network.BootstrapConnectionID(); !id.IsZero() {
		logrus.WithFields(logrus.Fields{
			"function":  "doBootstrap",
			"bootstrap": id.ShortString(),
		}).Info("Removing bootstrap connection before re-bootstrap")
		r.network.Remove(id)
		r.network.ClearBootstrapConnectionInfo()
	}

	return r.network.Bootstrap(context.Background(), endpoints, r.onMessageReceived, r.onConnectionLost, nil)
}

// findClosestNode drives the setup loop: ask the bootstrap peer for the one
// node closest to us, repeating until the table gains its first entry or the
// attempt budget is spent.
func (r *Router) findClosestNode(attempts int) {
	if !r.isRunning() {
		return
	}

	if attempts > 0 {
		if r.table.Size() > 0 {
			// Setup succeeded: switch to the recovery loop.
			logrus.WithFields(logrus.Fields{
				"function": "findClosestNode",
				"node":     r.self.ID.ShortString(),
			}).Debug("Routing table populated, scheduling recovery loop")
			r.armRecoveryTimer(r.params.FindNodeInterval, false)
			return
		}
		if attempts >= r.params.MaxFindCloseNodeFailures {
			logrus.WithFields(logrus.Fields{
				"function": "findClosestNode",
				"node":     r.self.ID.ShortString(),
				"attempts": attempts,
			}).Error("Failed to find closest node, re-bootstrapping")
			r.reBootstrap()
			return
		}
	}

	request := findNodesRequest(r.self.ID, r.self.ID, 1, true,
		r.network.ThisNodeRelayConnectionID(), r.params.HopsToLive)

	r.network.SendToDirect(request, r.network.BootstrapConnectionID(), func(err error) {
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "findClosestNode",
				"error":    err.Error(),
			}).Error("Failed to send FindNodes to bootstrap connection")
		}
	})

	next := attempts + 1
	r.timersMu.Lock()
	r.setupTimer.Cancel()
	r.setupTimer = r.schedule(r.params.FindCloseNodeInterval, func() { r.findClosestNode(next) })
	r.timersMu.Unlock()
}

// armRecoveryTimer schedules the next recovery pass.
func (r *Router) armRecoveryTimer(delay time.Duration, ignoreSize bool) {
	r.timersMu.Lock()
	r.recoveryTimer.Cancel()
	r.recoveryTimer = r.schedule(delay, func() { r.reSendFindNodeRequest(ignoreSize) })
	r.timersMu.Unlock()
}

// reSendFindNodeRequest tops the table up: an empty table re-bootstraps, a
// small one asks the closest node for more peers.
func (r *Router) reSendFindNodeRequest(ignoreSize bool) {
	if r.table.Size() == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "reSendFindNodeRequest",
			"node":     r.self.ID.ShortString(),
		}).Error("Routing table empty, scheduling re-bootstrap")
		r.reBootstrap()
		return
	}

	if !ignoreSize && r.table.Size() >= r.params.RoutingTableSizeThreshold {
		return
	}

	numNodes := r.params.MaxRoutingTableSize
	if ignoreSize && r.table.Size() > r.params.RoutingTableSizeThreshold {
		numNodes = r.params.CloseGroupSize
	}

	logrus.WithFields(logrus.Fields{
		"function":  "reSendFindNodeRequest",
		"node":      r.self.ID.ShortString(),
		"size":      r.table.Size(),
		"requested": numNodes,
	}).Info("Sending FindNodes to top up routing table")

	request := findNodesRequest(r.self.ID, r.self.ID, numNodes, false, crypto.NodeID{}, r.params.HopsToLive)
	r.network.SendToClosest(request)

	r.armRecoveryTimer(r.params.FindNodeInterval, false)
}

// reBootstrap debounces and re-runs the join against the configured
// endpoint list.
func (r *Router) reBootstrap() {
	if !r.isRunning() {
		return
	}

	r.timersMu.Lock()
	r.reBootstrapTimer.Cancel()
	r.reBootstrapTimer = r.schedule(r.params.ReBootstrapTimeLag, func() {
		r.timersMu.Lock()
		endpoints := r.bootstrapEndpoints
		r.timersMu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "reBootstrap",
			"node":     r.self.ID.ShortString(),
		}).Error("Routing table empty, re-bootstrapping")
		r.doJoin(endpoints)
	})
	r.timersMu.Unlock()
}

// ZeroStateJoin performs the two-node network genesis: both peers attach at
// fixed endpoints and admit each other directly. Client-mode and anonymous
// nodes are rejected.
func (r *Router) ZeroStateJoin(callbacks Callbacks, localEndpoint, peerEndpoint net.Addr, peer NodeInfo) error {
	if r.clientMode {
		return errors.New("client nodes are not allowed in a zero state network")
	}
	if r.anonymous {
		return errors.New("anonymous nodes are not allowed in a zero state network")
	}
	if peer.ID.IsZero() {
		return errors.New("zero peer identity")
	}

	r.connectCallbacks(callbacks)

	err := r.network.Bootstrap(context.Background(), []net.Addr{peerEndpoint},
		r.onMessageReceived, r.onConnectionLost, localEndpoint)
	if err != nil {
		return err
	}

	if !r.network.BootstrapConnectionID().Equal(peer.ID) {
		return errors.New("zero state bootstrap reached an unexpected peer")
	}

	if _, _, result := r.network.GetAvailableEndpoint(peer.ID, peerEndpoint); result == EndpointError {
		return errors.New("failed to get endpoint for zero state peer")
	}

	connectionID, err := r.network.Add(peer.ID, peerEndpoint)
	if err != nil {
		return err
	}
	peer.ConnectionID = connectionID
	peer.Endpoint = peerEndpoint.String()

	// Genesis peers exchange identities out of band; no ownership token.
	if outcome, _ := r.table.Add(peer); outcome == Rejected {
		return errors.New("failed to admit zero state peer")
	}

	logrus.WithFields(logrus.Fields{
		"function": "ZeroStateJoin",
		"node":     r.self.ID.ShortString(),
		"peer":     peer.ID.ShortString(),
		"size":     r.table.Size(),
	}).Info("Joined zero state network")

	r.armRecoveryTimer(r.params.FindNodeInterval, false)
	return nil
}

// Send routes an application payload toward its destination: one copy for
// direct sends, a close-group's worth otherwise. Input errors report an
// empty response through the callback instead of failing the call.
func (r *Router) Send(destination, groupClaim crypto.NodeID, payload []byte,
	fn ResponseFunc, timeout time.Duration, direct, cacheable bool,
) {
	if !r.isRunning() {
		r.replyEmpty(fn)
		// The worker pool is stopped, so the status goes to the host directly.
		r.callbacksMu.Lock()
		onStatus := r.callbacks.OnNetworkStatus
		r.callbacksMu.Unlock()
		if onStatus != nil {
			onStatus(StatusNetworkShuttingDown)
		}
		return
	}
	if r.isSessionEnded() {
		r.replyEmpty(fn)
		return
	}

	if destination.IsZero() {
		logrus.WithFields(logrus.Fields{
			"function": "Send",
		}).Error("Invalid destination, aborted send")
		r.replyEmpty(fn)
		return
	}
	if len(payload) == 0 || len(payload) > r.params.MaxDataSize {
		logrus.WithFields(logrus.Fields{
			"function": "Send",
			"size":     len(payload),
		}).Error("Payload size not allowed, aborted send")
		r.replyEmpty(fn)
		return
	}

	replication := 1
	if !direct {
		replication = r.params.CloseGroupSize
	}

	msg := &Message{
		Type:        MessageTypeNodeLevel,
		Request:     true,
		Direct:      direct,
		Cacheable:   cacheable,
		ClientNode:  r.clientMode,
		Replication: uint16(replication),
		HopsToLive:  r.params.HopsToLive,
		Destination: destination,
		GroupClaim:  groupClaim,
		Payload:     [][]byte{payload},
	}
	if fn != nil {
		msg.ID = r.timer.AddTask(timeout, fn, replication)
	}

	if r.anonymous || r.table.Size() == 0 {
		r.sendViaRelay(msg)
		return
	}

	msg.Source = r.self.ID
	if !destination.Equal(r.self.ID) || r.clientMode {
		r.network.SendToClosest(msg)
		return
	}

	// Request to self re-enters the inbound path.
	r.pool.Post(func() { r.handler.HandleMessage(msg, r.network.transport.LocalAddr()) })
}

// Ping probes a node's liveness. The callback fires once, with a single
// entry when the target answered within the timeout and empty otherwise.
func (r *Router) Ping(target crypto.NodeID, fn ResponseFunc, timeout time.Duration) {
	if !r.isRunning() || target.IsZero() {
		r.replyEmpty(fn)
		return
	}

	msg := pingRequest(r.self.ID, target, r.params.HopsToLive)
	if fn != nil {
		msg.ID = r.timer.AddTask(timeout, fn, 1)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Ping",
		"node":     r.self.ID.ShortString(),
		"target":   target.ShortString(),
	}).Debug("Sending ping")

	r.network.SendToClosest(msg)
}

// sendViaRelay sends through the bootstrap connection for anonymous and
// partially joined nodes, ending the session on transport failure.
func (r *Router) sendViaRelay(msg *Message) {
	msg.RelayID = r.self.ID
	msg.RelayConnectionID = r.network.ThisNodeRelayConnectionID()
	taskID := msg.ID

	r.network.SendToDirect(msg, r.network.BootstrapConnectionID(), func(err error) {
		if err == nil {
			logrus.WithFields(logrus.Fields{
				"function": "sendViaRelay",
				"node":     r.self.ID.ShortString(),
			}).Debug("Message sent via bootstrap relay")
			return
		}

		if taskID != 0 {
			r.timer.CancelTask(taskID)
		}
		r.endSession()
	})
}

// endSession reports a terminal relay failure once and disallows further
// sends.
func (r *Router) endSession() {
	r.runningMu.Lock()
	alreadyEnded := r.sessionEnded
	r.sessionEnded = true
	r.runningMu.Unlock()
	if alreadyEnded {
		return
	}

	if r.anonymous {
		logrus.WithFields(logrus.Fields{
			"function": "endSession",
		}).Error("Anonymous session ended, sends are not allowed anymore")
		r.notifyNetworkStatus(StatusAnonymousSessionEnded)
	} else {
		logrus.WithFields(logrus.Fields{
			"function": "endSession",
		}).Error("Partial join session ended, sends are not allowed anymore")
		r.notifyNetworkStatus(StatusPartialJoinSessionEnded)
	}
}

func (r *Router) isSessionEnded() bool {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()
	return r.sessionEnded
}

// replyEmpty posts an empty response list to the callback, if any.
func (r *Router) replyEmpty(fn ResponseFunc) {
	if fn != nil {
		r.pool.Post(func() { fn(nil) })
	}
}

// onMessageReceived is the transport inbound hook; work moves to the pool.
func (r *Router) onMessageReceived(msg *Message, fromAddr net.Addr) {
	if !r.isRunning() {
		return
	}
	r.pool.Post(func() { r.handler.HandleMessage(msg, fromAddr) })
}

// onConnectionLost is the transport loss hook; work moves to the pool.
func (r *Router) onConnectionLost(connectionID crypto.NodeID) {
	if !r.isRunning() {
		return
	}
	r.pool.Post(func() { r.doOnConnectionLost(connectionID) })
}

// doOnConnectionLost drops the lost peer from whichever table holds it and
// schedules recovery when a close peer or the last connection went away.
func (r *Router) doOnConnectionLost(connectionID crypto.NodeID) {
	if !r.isRunning() {
		return
	}

	resend := false
	if info, ok := r.table.GetNodeInfo(connectionID); ok {
		resend = r.table.IsInRange(info.ID, r.params.CloseGroupSize)
	}

	if dropped := r.table.Drop(connectionID, true); dropped != nil {
		logrus.WithFields(logrus.Fields{
			"function": "doOnConnectionLost",
			"node":     r.self.ID.ShortString(),
			"peer":     dropped.ID.ShortString(),
		}).Warn("Lost connection with routing node")
		r.network.Remove(dropped.ConnectionID)
		r.random.Remove(dropped.ID)
	} else {
		resend = false
		if client := r.clients.DropConnection(connectionID); client != nil {
			logrus.WithFields(logrus.Fields{
				"function": "doOnConnectionLost",
				"client":   client.ID.ShortString(),
			}).Warn("Lost connection with client node")
		} else if bootstrapID := r.network.BootstrapConnectionID(); !bootstrapID.IsZero() && bootstrapID.Equal(connectionID) {
			logrus.WithFields(logrus.Fields{
				"function": "doOnConnectionLost",
				"node":     r.self.ID.ShortString(),
			}).Warn("Lost temporary connection with bootstrap node")
			r.network.ClearBootstrapConnectionInfo()

			if r.anonymous {
				r.endSession()
				r.timer.CancelAll()
				return
			}
			if r.table.Size() == 0 {
				resend = true
			}
		}
	}

	if resend {
		logrus.WithFields(logrus.Fields{
			"function": "doOnConnectionLost",
			"node":     r.self.ID.ShortString(),
		}).Warn("Lost close node, getting more")
		r.armRecoveryTimer(r.params.RecoveryTimeLag, true)
	}
}

// removeNode is the routing table's eviction callback: it detaches the
// transport connection and, for external removals of close peers, schedules
// a top-up. It must not mutate the table; timer work is posted instead.
func (r *Router) removeNode(node NodeInfo, internalOnly bool) {
	if node.ConnectionID.IsZero() || node.ID.IsZero() {
		return
	}

	r.network.Remove(node.ConnectionID)
	if internalOnly {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "removeNode",
		"node":     r.self.ID.ShortString(),
		"peer":     node.ID.ShortString(),
	}).Info("Removed node from routing")

	if r.table.IsInRange(node.ID, r.params.CloseGroupSize) {
		r.armRecoveryTimer(r.params.RecoveryTimeLag, true)
	}
}
