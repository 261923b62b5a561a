package routing

import (
	"sort"
	"sync"

	"github.com/opd-ai/routecore/crypto"
	"github.com/sirupsen/logrus"
)

// AddOutcome reports the result of a routing table admission attempt.
// Rejections are expected steady-state outcomes, not errors.
type AddOutcome int

const (
	// Added means the peer was admitted without displacing anyone.
	Added AddOutcome = iota
	// Replaced means the peer was admitted and another entry was evicted.
	Replaced
	// Rejected means the peer was not admitted.
	Rejected
)

// RoutingTable is the bounded, XOR-distance-ordered neighbour set. Entries
// are kept sorted ascending by distance from self; the first CloseGroupSize
// entries form the close group, and every entry beyond it is subject to the
// per-bucket limit.
//
// Callbacks registered on the table are computed inside a mutation but fired
// after the exclusive lock is released. Callback implementations must not
// mutate the table from the same call; they should post a task instead.
type RoutingTable struct {
	mu     sync.Mutex
	self   crypto.NodeID
	params Parameters
	nodes  []NodeInfo

	onRemove            func(NodeInfo, bool)
	onCloseGroupChanged func([]NodeInfo)
	onNetworkStatus     func(int)
}

// NewRoutingTable creates an empty table owned by the node with the given
// identity.
func NewRoutingTable(self crypto.NodeID, params Parameters) *RoutingTable {
	return &RoutingTable{
		self:   self,
		params: params.withDefaults(),
	}
}

// SetRemoveCallback registers the eviction notification. internalOnly marks
// removals that should drop the transport connection without triggering
// recovery.
func (rt *RoutingTable) SetRemoveCallback(fn func(node NodeInfo, internalOnly bool)) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.onRemove = fn
}

// SetCloseGroupChangedCallback registers the close-group change notification.
func (rt *RoutingTable) SetCloseGroupChangedCallback(fn func(group []NodeInfo)) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.onCloseGroupChanged = fn
}

// SetNetworkStatusCallback registers the table-size notification.
func (rt *RoutingTable) SetNetworkStatusCallback(fn func(size int)) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.onNetworkStatus = fn
}

// Self returns the owning node's identity.
func (rt *RoutingTable) Self() crypto.NodeID {
	return rt.self
}

// Size returns the number of entries.
func (rt *RoutingTable) Size() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.nodes)
}

// Add applies the admission policy to peer. It returns the outcome and, for
// Replaced, the evicted entry. Re-adding a present identity is a no-op
// rejection.
func (rt *RoutingTable) Add(peer NodeInfo) (AddOutcome, *NodeInfo) {
	rt.mu.Lock()

	if peer.ID.IsZero() || peer.ID.Equal(rt.self) || rt.containsLocked(peer) {
		rt.mu.Unlock()
		return Rejected, nil
	}

	outcome, evicted := rt.admitLocked(peer)
	var notify []func()
	if outcome != Rejected {
		notify = rt.collectNotificationsLocked(evicted)
	}
	rt.mu.Unlock()

	for _, fn := range notify {
		fn()
	}

	if outcome == Rejected {
		logrus.WithFields(logrus.Fields{
			"function": "Add",
			"peer":     peer.ID.ShortString(),
		}).Debug("Routing table rejected peer")
	}
	return outcome, evicted
}

// containsLocked reports whether the identity or its connection id is
// already present.
func (rt *RoutingTable) containsLocked(peer NodeInfo) bool {
	for _, n := range rt.nodes {
		if n.ID.Equal(peer.ID) {
			return true
		}
		if !peer.ConnectionID.IsZero() && n.ConnectionID.Equal(peer.ConnectionID) {
			return true
		}
	}
	return false
}

// admitLocked runs admission steps 2-4 of the policy. The caller holds the
// lock and has already rejected self, zero, and duplicate identities.
func (rt *RoutingTable) admitLocked(peer NodeInfo) (AddOutcome, *NodeInfo) {
	if len(rt.nodes) < rt.params.CloseGroupSize {
		rt.insertLocked(peer)
		return Added, nil
	}

	if rt.withinCloseGroupLocked(peer.ID) {
		return rt.admitCloseLocked(peer)
	}
	return rt.admitBucketLocked(peer)
}

// withinCloseGroupLocked reports whether id is strictly closer to self than
// the farthest current close-group member.
func (rt *RoutingTable) withinCloseGroupLocked(id crypto.NodeID) bool {
	boundary := rt.nodes[rt.params.CloseGroupSize-1].ID
	return crypto.CloserToTarget(id, boundary, rt.self)
}

// admitCloseLocked admits a peer falling inside the close group, evicting to
// stay within capacity and per-bucket limits.
func (rt *RoutingTable) admitCloseLocked(peer NodeInfo) (AddOutcome, *NodeInfo) {
	if len(rt.nodes) >= rt.params.MaxRoutingTableSize {
		victim := rt.closeGroupVictimLocked()
		if victim < 0 {
			return Rejected, nil
		}
		evicted := rt.nodes[victim]
		rt.nodes = append(rt.nodes[:victim], rt.nodes[victim+1:]...)
		rt.insertLocked(peer)
		return Replaced, &evicted
	}

	rt.insertLocked(peer)

	// Insertion demotes the previous boundary member out of the close group;
	// if its bucket is already at the limit, it cannot stay.
	demoted := rt.nodes[rt.params.CloseGroupSize]
	bucket := rt.self.BucketIndex(demoted.ID)
	if rt.bucketCountBeyondCloseGroupLocked(bucket) > rt.params.BucketLimit {
		rt.removeAtLocked(rt.params.CloseGroupSize)
		return Replaced, &demoted
	}
	return Added, nil
}

// closeGroupVictimLocked selects the close-group entry to evict, scanning
// from the farthest inward. An entry that is the sole representative of its
// bucket is never evicted.
func (rt *RoutingTable) closeGroupVictimLocked() int {
	for i := rt.params.CloseGroupSize - 1; i >= 0; i-- {
		bucket := rt.self.BucketIndex(rt.nodes[i].ID)
		if rt.bucketCountLocked(bucket) > 1 {
			return i
		}
	}
	return -1
}

// admitBucketLocked admits a peer beyond the close group when its bucket and
// the table have room.
func (rt *RoutingTable) admitBucketLocked(peer NodeInfo) (AddOutcome, *NodeInfo) {
	if len(rt.nodes) >= rt.params.MaxRoutingTableSize {
		return Rejected, nil
	}

	bucket := rt.self.BucketIndex(peer.ID)
	if rt.bucketCountBeyondCloseGroupLocked(bucket) >= rt.params.BucketLimit {
		return Rejected, nil
	}

	rt.insertLocked(peer)
	return Added, nil
}

// bucketCountLocked counts all entries in the given bucket.
func (rt *RoutingTable) bucketCountLocked(bucket int) int {
	count := 0
	for _, n := range rt.nodes {
		if rt.self.BucketIndex(n.ID) == bucket {
			count++
		}
	}
	return count
}

// bucketCountBeyondCloseGroupLocked counts entries in the given bucket that
// sit outside the close group.
func (rt *RoutingTable) bucketCountBeyondCloseGroupLocked(bucket int) int {
	count := 0
	for i := rt.params.CloseGroupSize; i < len(rt.nodes); i++ {
		if rt.self.BucketIndex(rt.nodes[i].ID) == bucket {
			count++
		}
	}
	return count
}

// insertLocked places peer at its sorted position by distance from self,
// tie-breaking on lexicographic identity order.
func (rt *RoutingTable) insertLocked(peer NodeInfo) {
	pos := sort.Search(len(rt.nodes), func(i int) bool {
		if crypto.CloserToTarget(peer.ID, rt.nodes[i].ID, rt.self) {
			return true
		}
		if crypto.CloserToTarget(rt.nodes[i].ID, peer.ID, rt.self) {
			return false
		}
		return peer.ID.Less(rt.nodes[i].ID)
	})
	rt.nodes = append(rt.nodes, NodeInfo{})
	copy(rt.nodes[pos+1:], rt.nodes[pos:])
	rt.nodes[pos] = peer
}

// removeAtLocked removes the entry at index i.
func (rt *RoutingTable) removeAtLocked(i int) {
	rt.nodes = append(rt.nodes[:i], rt.nodes[i+1:]...)
}

// Drop removes the entry whose identity or connection id matches key. It
// returns the dropped entry, or nil when absent. internalOnly is passed
// through to the removal callback.
func (rt *RoutingTable) Drop(key crypto.NodeID, internalOnly bool) *NodeInfo {
	rt.mu.Lock()

	index := -1
	for i, n := range rt.nodes {
		if n.ID.Equal(key) || n.ConnectionID.Equal(key) {
			index = i
			break
		}
	}
	if index < 0 {
		rt.mu.Unlock()
		return nil
	}

	dropped := rt.nodes[index]
	rt.removeAtLocked(index)
	notify := rt.collectNotificationsLocked(nil)
	onRemove := rt.onRemove
	rt.mu.Unlock()

	if onRemove != nil {
		onRemove(dropped, internalOnly)
	}
	for _, fn := range notify {
		fn()
	}
	return &dropped
}

// collectNotificationsLocked snapshots the callbacks to fire once the lock
// is released.
func (rt *RoutingTable) collectNotificationsLocked(evicted *NodeInfo) []func() {
	var notify []func()

	if rt.onRemove != nil && evicted != nil {
		onRemove := rt.onRemove
		victim := *evicted
		notify = append(notify, func() { onRemove(victim, false) })
	}
	if rt.onCloseGroupChanged != nil {
		onChanged := rt.onCloseGroupChanged
		group := rt.closeGroupLocked()
		notify = append(notify, func() { onChanged(group) })
	}
	if rt.onNetworkStatus != nil {
		onStatus := rt.onNetworkStatus
		size := len(rt.nodes)
		notify = append(notify, func() { onStatus(size) })
	}
	return notify
}

// closeGroupLocked copies the current close group.
func (rt *RoutingTable) closeGroupLocked() []NodeInfo {
	n := rt.params.CloseGroupSize
	if len(rt.nodes) < n {
		n = len(rt.nodes)
	}
	group := make([]NodeInfo, n)
	copy(group, rt.nodes[:n])
	return group
}

// CloseGroup returns the current close group, nearest first.
func (rt *RoutingTable) CloseGroup() []NodeInfo {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.closeGroupLocked()
}

// ClosestNode returns the entry nearest to target, excluding any identities
// in ignore.
func (rt *RoutingTable) ClosestNode(target crypto.NodeID, ignore ...crypto.NodeID) *NodeInfo {
	nodes := rt.ClosestNodes(target, 1, ignore...)
	if len(nodes) == 0 {
		return nil
	}
	return &nodes[0]
}

// ClosestNodes returns up to n entries sorted ascending by distance to
// target, excluding any identities in ignore.
func (rt *RoutingTable) ClosestNodes(target crypto.NodeID, n int, ignore ...crypto.NodeID) []NodeInfo {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.closestNodesLocked(target, n, ignore...)
}

func (rt *RoutingTable) closestNodesLocked(target crypto.NodeID, n int, ignore ...crypto.NodeID) []NodeInfo {
	if n <= 0 {
		return nil
	}

	candidates := make([]NodeInfo, 0, len(rt.nodes))
	for _, node := range rt.nodes {
		skip := false
		for _, ig := range ignore {
			if node.ID.Equal(ig) {
				skip = true
				break
			}
		}
		if !skip {
			candidates = append(candidates, node)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if crypto.CloserToTarget(candidates[i].ID, candidates[j].ID, target) {
			return true
		}
		if crypto.CloserToTarget(candidates[j].ID, candidates[i].ID, target) {
			return false
		}
		return candidates[i].ID.Less(candidates[j].ID)
	})

	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// IsInRange reports whether fewer than n entries lie strictly closer to
// target than self does.
func (rt *RoutingTable) IsInRange(target crypto.NodeID, n int) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	closer := 0
	for _, node := range rt.nodes {
		if crypto.CloserToTarget(node.ID, rt.self, target) {
			closer++
			if closer >= n {
				return false
			}
		}
	}
	return true
}

// ConfirmGroupMembers reports whether a and b both appear in this node's
// estimate of either identity's close group. Self is implicitly a member of
// every group it evaluates.
func (rt *RoutingTable) ConfirmGroupMembers(a, b crypto.NodeID) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.inGroupOfLocked(a, b) || rt.inGroupOfLocked(b, a)
}

// inGroupOfLocked reports whether member is within the close group of target
// as estimated from this table.
func (rt *RoutingTable) inGroupOfLocked(target, member crypto.NodeID) bool {
	if member.Equal(rt.self) {
		return true
	}
	for _, node := range rt.closestNodesLocked(target, rt.params.CloseGroupSize) {
		if node.ID.Equal(member) {
			return true
		}
	}
	return false
}

// GetNodeInfo looks up an entry by identity or connection id.
func (rt *RoutingTable) GetNodeInfo(key crypto.NodeID) (NodeInfo, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	for _, n := range rt.nodes {
		if n.ID.Equal(key) || n.ConnectionID.Equal(key) {
			return n, true
		}
	}
	return NodeInfo{}, false
}

// UpdateRank sets the mutable rank of the entry with the given identity.
func (rt *RoutingTable) UpdateRank(id crypto.NodeID, rank int32) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	for i := range rt.nodes {
		if rt.nodes[i].ID.Equal(id) {
			rt.nodes[i].Rank = rank
			return true
		}
	}
	return false
}

// Nodes returns a snapshot of all entries ordered by distance from self.
func (rt *RoutingTable) Nodes() []NodeInfo {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	nodes := make([]NodeInfo, len(rt.nodes))
	copy(nodes, rt.nodes)
	return nodes
}
