package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/routecore/crypto"
)

// tableParams keeps admission scenarios small enough to reason about.
func tableParams() Parameters {
	p := DefaultParameters()
	p.CloseGroupSize = 4
	p.MaxRoutingTableSize = 8
	p.BucketLimit = 1
	return p
}

// peerAt builds a peer whose distance from the all-zero self is dominated by
// the first identifier byte: larger byte, farther peer; high bit set lands
// in bucket 0, and so on.
func peerAt(first byte, rest ...byte) NodeInfo {
	var id crypto.NodeID
	id[0] = first
	for i, b := range rest {
		id[1+i] = b
	}
	connection := id
	connection[crypto.NodeIDSize-1] ^= 0xff
	return NodeInfo{ID: id, ConnectionID: connection}
}

func TestTableRejectsSelfAndZero(t *testing.T) {
	var self crypto.NodeID
	self[crypto.NodeIDSize-1] = 1
	rt := NewRoutingTable(self, tableParams())

	outcome, _ := rt.Add(NodeInfo{ID: self})
	assert.Equal(t, Rejected, outcome)

	outcome, _ = rt.Add(NodeInfo{})
	assert.Equal(t, Rejected, outcome)
	assert.Equal(t, 0, rt.Size())
}

func TestTableAddIdempotent(t *testing.T) {
	rt := NewRoutingTable(crypto.NodeID{}, tableParams())

	peer := peerAt(0x80)
	outcome, _ := rt.Add(peer)
	require.Equal(t, Added, outcome)

	before := rt.Nodes()
	outcome, _ = rt.Add(peer)
	assert.Equal(t, Rejected, outcome)
	assert.Equal(t, before, rt.Nodes(), "re-adding a present identity must not change state")
}

func TestTableRejectsDuplicateConnectionID(t *testing.T) {
	rt := NewRoutingTable(crypto.NodeID{}, tableParams())

	first := peerAt(0x80)
	outcome, _ := rt.Add(first)
	require.Equal(t, Added, outcome)

	second := peerAt(0x40)
	second.ConnectionID = first.ConnectionID
	outcome, _ = rt.Add(second)
	assert.Equal(t, Rejected, outcome)
}

func TestTableSortedByDistance(t *testing.T) {
	rt := NewRoutingTable(crypto.NodeID{}, tableParams())

	for _, b := range []byte{0x80, 0x10, 0x40, 0x20} {
		outcome, _ := rt.Add(peerAt(b))
		require.Equal(t, Added, outcome)
	}

	nodes := rt.Nodes()
	require.Len(t, nodes, 4)
	assert.Equal(t, byte(0x10), nodes[0].ID[0])
	assert.Equal(t, byte(0x20), nodes[1].ID[0])
	assert.Equal(t, byte(0x40), nodes[2].ID[0])
	assert.Equal(t, byte(0x80), nodes[3].ID[0])
}

func TestTableBucketLimitBeyondCloseGroup(t *testing.T) {
	rt := NewRoutingTable(crypto.NodeID{}, tableParams())

	// Fill the close group, then push one entry beyond it.
	for _, b := range []byte{0x80, 0x40, 0x20, 0x10} {
		outcome, _ := rt.Add(peerAt(b))
		require.Equal(t, Added, outcome)
	}
	outcome, _ := rt.Add(peerAt(0x08))
	require.Equal(t, Added, outcome)
	require.Equal(t, 5, rt.Size())

	// 0x81 shares bucket 0 with the demoted 0x80 entry; the bucket is full.
	outcome, _ = rt.Add(peerAt(0x81))
	assert.Equal(t, Rejected, outcome)

	// 0x41 lands in empty bucket 1 and is admitted.
	outcome, _ = rt.Add(peerAt(0x41))
	assert.Equal(t, Added, outcome)
}

func TestTableCloserPeerEvictsDemotedOverfullBucket(t *testing.T) {
	rt := NewRoutingTable(crypto.NodeID{}, tableParams())

	for _, b := range []byte{0x80, 0x40, 0x20, 0x10} {
		outcome, _ := rt.Add(peerAt(b))
		require.Equal(t, Added, outcome)
	}
	// 0x08 joins the close group and demotes 0x80 into the bucket region.
	outcome, _ := rt.Add(peerAt(0x08))
	require.Equal(t, Added, outcome)
	// 0x41 occupies bucket 1 beyond the close group.
	outcome, _ = rt.Add(peerAt(0x41))
	require.Equal(t, Added, outcome)

	// 0x04 joins the close group, demoting 0x40 into bucket 1 which is
	// already at its limit: the demoted entry is evicted.
	outcome, evicted := rt.Add(peerAt(0x04))
	assert.Equal(t, Replaced, outcome)
	require.NotNil(t, evicted)
	assert.Equal(t, byte(0x40), evicted.ID[0])
}

func TestTableCapacityEvictionPrefersSharedBuckets(t *testing.T) {
	p := tableParams()
	p.MaxRoutingTableSize = 5
	rt := NewRoutingTable(crypto.NodeID{}, p)

	// Two bucket-0 peers inside the close group, plus two nearer ones.
	for _, b := range []byte{0x80, 0x90, 0x20, 0x10} {
		outcome, _ := rt.Add(peerAt(b))
		require.Equal(t, Added, outcome)
	}
	outcome, _ := rt.Add(peerAt(0x08))
	require.Equal(t, Added, outcome)
	require.Equal(t, 5, rt.Size())

	// Table is full; a closer peer must displace the farthest close-group
	// entry whose bucket keeps coverage (0x80 shares bucket 0 with 0x90).
	outcome, evicted := rt.Add(peerAt(0x04))
	assert.Equal(t, Replaced, outcome)
	require.NotNil(t, evicted)
	assert.Equal(t, byte(0x80), evicted.ID[0])
	assert.Equal(t, 5, rt.Size())
}

func TestTableCapacityNeverEvictsSoleBucketRepresentative(t *testing.T) {
	p := tableParams()
	p.MaxRoutingTableSize = 4
	rt := NewRoutingTable(crypto.NodeID{}, p)

	// Every entry is the sole representative of its bucket.
	for _, b := range []byte{0x80, 0x40, 0x20, 0x10} {
		outcome, _ := rt.Add(peerAt(b))
		require.Equal(t, Added, outcome)
	}

	outcome, _ := rt.Add(peerAt(0x08))
	assert.Equal(t, Rejected, outcome)
	assert.Equal(t, 4, rt.Size())
}

func TestTableDropByEitherKey(t *testing.T) {
	rt := NewRoutingTable(crypto.NodeID{}, tableParams())

	peer := peerAt(0x80)
	outcome, _ := rt.Add(peer)
	require.Equal(t, Added, outcome)

	dropped := rt.Drop(peer.ConnectionID, true)
	require.NotNil(t, dropped)
	assert.True(t, dropped.ID.Equal(peer.ID))
	assert.Equal(t, 0, rt.Size())

	assert.Nil(t, rt.Drop(peer.ID, true), "dropping an absent key returns nothing")

	outcome, _ = rt.Add(peer)
	require.Equal(t, Added, outcome)
	dropped = rt.Drop(peer.ID, true)
	require.NotNil(t, dropped)
}

func TestTableClosestNodes(t *testing.T) {
	rt := NewRoutingTable(crypto.NodeID{}, tableParams())

	for _, b := range []byte{0x80, 0x40, 0x20, 0x10} {
		_, _ = rt.Add(peerAt(b))
	}

	var target crypto.NodeID
	target[0] = 0x42

	nodes := rt.ClosestNodes(target, 2)
	require.Len(t, nodes, 2)
	assert.Equal(t, byte(0x40), nodes[0].ID[0])

	closest := rt.ClosestNode(target)
	require.NotNil(t, closest)
	assert.Equal(t, byte(0x40), closest.ID[0])

	// Exclusion removes the nearest candidate.
	closest = rt.ClosestNode(target, nodes[0].ID)
	require.NotNil(t, closest)
	assert.NotEqual(t, byte(0x40), closest.ID[0])
}

func TestTableIsInRange(t *testing.T) {
	rt := NewRoutingTable(crypto.NodeID{}, tableParams())

	for _, b := range []byte{0x80, 0x40, 0x20, 0x10} {
		_, _ = rt.Add(peerAt(b))
	}

	// Target adjacent to self: no entry is closer than self.
	var near crypto.NodeID
	near[crypto.NodeIDSize-1] = 0x01
	assert.True(t, rt.IsInRange(near, 4))
	assert.True(t, rt.IsInRange(near, 1))

	// A target sharing its leading bits with every entry: all four are
	// closer to it than self is.
	var far crypto.NodeID
	far[0] = 0xf0
	assert.False(t, rt.IsInRange(far, 4))
	assert.True(t, rt.IsInRange(far, 5))
}

func TestTableConfirmGroupMembers(t *testing.T) {
	rt := NewRoutingTable(crypto.NodeID{}, tableParams())

	a := peerAt(0x10)
	b := peerAt(0x20)
	_, _ = rt.Add(a)
	_, _ = rt.Add(b)

	assert.True(t, rt.ConfirmGroupMembers(a.ID, b.ID))

	// Two unknown far identities are not confirmed once the table holds
	// enough nearer entries to fill both their close groups.
	for _, by := range []byte{0x30, 0x08, 0x04, 0x02} {
		_, _ = rt.Add(peerAt(by))
	}
	var distant crypto.NodeID
	distant[0] = 0xff
	assert.True(t, rt.ConfirmGroupMembers(a.ID, rt.Self()), "self belongs to every group")
	assert.False(t, rt.ConfirmGroupMembers(distant, peerAt(0xfe).ID))
}

func TestTableCallbacksFireAfterMutation(t *testing.T) {
	rt := NewRoutingTable(crypto.NodeID{}, tableParams())

	var statuses []int
	var groups [][]NodeInfo
	var removed []NodeInfo
	rt.SetNetworkStatusCallback(func(size int) { statuses = append(statuses, size) })
	rt.SetCloseGroupChangedCallback(func(group []NodeInfo) { groups = append(groups, group) })
	rt.SetRemoveCallback(func(node NodeInfo, internalOnly bool) { removed = append(removed, node) })

	_, _ = rt.Add(peerAt(0x80))
	_, _ = rt.Add(peerAt(0x40))
	require.Equal(t, []int{1, 2}, statuses)
	require.Len(t, groups, 2)
	assert.Len(t, groups[1], 2)

	rt.Drop(peerAt(0x80).ID, true)
	assert.Equal(t, []int{1, 2, 1}, statuses)
	require.Len(t, removed, 1)
	assert.Equal(t, byte(0x80), removed[0].ID[0])
}

func TestTableInvariants(t *testing.T) {
	p := tableParams()
	rt := NewRoutingTable(crypto.NodeID{}, p)

	bytes := []byte{0x80, 0x40, 0x20, 0x10, 0x08, 0x04, 0x02, 0x01, 0x81, 0x41, 0x21, 0x11}
	for _, b := range bytes {
		rt.Add(peerAt(b))

		nodes := rt.Nodes()
		assert.LessOrEqual(t, len(nodes), p.MaxRoutingTableSize)

		seen := make(map[crypto.NodeID]bool)
		for _, n := range nodes {
			assert.False(t, n.ID.Equal(rt.Self()), "self must never appear")
			assert.False(t, seen[n.ID], "no duplicate identities")
			seen[n.ID] = true
		}

		// Ordering by distance from self is maintained.
		for i := 1; i < len(nodes); i++ {
			assert.False(t, crypto.CloserToTarget(nodes[i].ID, nodes[i-1].ID, rt.Self()),
				"entries must be sorted ascending by distance")
		}
	}
}

func TestTableUpdateRankAndLookup(t *testing.T) {
	rt := NewRoutingTable(crypto.NodeID{}, tableParams())

	peer := peerAt(0x20)
	_, _ = rt.Add(peer)

	assert.True(t, rt.UpdateRank(peer.ID, 7))
	info, ok := rt.GetNodeInfo(peer.ConnectionID)
	require.True(t, ok)
	assert.Equal(t, int32(7), info.Rank)

	assert.False(t, rt.UpdateRank(peerAt(0x30).ID, 1))
}
