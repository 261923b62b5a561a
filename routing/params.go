package routing

import (
	"net"
	"time"

	"github.com/opd-ai/routecore/crypto"
)

// Network status codes surfaced through the OnNetworkStatus callback.
// Positive values report the current routing table size.
const (
	StatusSuccess                 = 0
	StatusNetworkShuttingDown     = -1
	StatusNotJoined               = -2
	StatusAnonymousSessionEnded   = -3
	StatusPartialJoinSessionEnded = -4
)

// Parameters holds the tunable constants of the routing core. Zero values
// are replaced by the defaults from DefaultParameters at construction.
type Parameters struct {
	// MaxRoutingTableSize bounds the neighbour set.
	MaxRoutingTableSize int
	// CloseGroupSize is the number of XOR-nearest peers forming the close group.
	CloseGroupSize int
	// BucketLimit caps entries per bucket index beyond the close group.
	BucketLimit int
	// RoutingTableSizeThreshold triggers recovery top-ups when the table
	// shrinks below it.
	RoutingTableSizeThreshold int
	// FindCloseNodeInterval paces the setup loop's FindNodes requests.
	FindCloseNodeInterval time.Duration
	// FindNodeInterval paces the steady-state recovery loop.
	FindNodeInterval time.Duration
	// RecoveryTimeLag delays the top-up after a close peer is lost.
	RecoveryTimeLag time.Duration
	// ReBootstrapTimeLag debounces re-bootstrap storms.
	ReBootstrapTimeLag time.Duration
	// MaxFindCloseNodeFailures bounds setup-loop attempts before re-bootstrap.
	MaxFindCloseNodeFailures int
	// HopsToLive bounds message forwarding.
	HopsToLive uint16
	// MaxDataSize bounds a single payload.
	MaxDataSize int
	// MaxClientsPerIdentity caps relay connections per client identity.
	MaxClientsPerIdentity int
	// Workers sizes the task pool.
	Workers int
}

// DefaultParameters returns the standard parameter set.
func DefaultParameters() Parameters {
	return Parameters{
		MaxRoutingTableSize:       64,
		CloseGroupSize:            8,
		BucketLimit:               1,
		RoutingTableSizeThreshold: 48,
		FindCloseNodeInterval:     5 * time.Second,
		FindNodeInterval:          60 * time.Second,
		RecoveryTimeLag:           1 * time.Second,
		ReBootstrapTimeLag:        10 * time.Second,
		MaxFindCloseNodeFailures:  3,
		HopsToLive:                50,
		MaxDataSize:               1 << 20,
		MaxClientsPerIdentity:     3,
		Workers:                   2,
	}
}

// withDefaults fills zero fields from DefaultParameters.
func (p Parameters) withDefaults() Parameters {
	defaults := DefaultParameters()
	if p.MaxRoutingTableSize == 0 {
		p.MaxRoutingTableSize = defaults.MaxRoutingTableSize
	}
	if p.CloseGroupSize == 0 {
		p.CloseGroupSize = defaults.CloseGroupSize
	}
	if p.BucketLimit == 0 {
		p.BucketLimit = defaults.BucketLimit
	}
	if p.RoutingTableSizeThreshold == 0 {
		p.RoutingTableSizeThreshold = p.MaxRoutingTableSize * 3 / 4
	}
	if p.FindCloseNodeInterval == 0 {
		p.FindCloseNodeInterval = defaults.FindCloseNodeInterval
	}
	if p.FindNodeInterval == 0 {
		p.FindNodeInterval = defaults.FindNodeInterval
	}
	if p.RecoveryTimeLag == 0 {
		p.RecoveryTimeLag = defaults.RecoveryTimeLag
	}
	if p.ReBootstrapTimeLag == 0 {
		p.ReBootstrapTimeLag = defaults.ReBootstrapTimeLag
	}
	if p.MaxFindCloseNodeFailures == 0 {
		p.MaxFindCloseNodeFailures = defaults.MaxFindCloseNodeFailures
	}
	if p.HopsToLive == 0 {
		p.HopsToLive = defaults.HopsToLive
	}
	if p.MaxDataSize == 0 {
		p.MaxDataSize = defaults.MaxDataSize
	}
	if p.MaxClientsPerIdentity == 0 {
		p.MaxClientsPerIdentity = defaults.MaxClientsPerIdentity
	}
	if p.Workers < 2 {
		p.Workers = defaults.Workers
	}
	return p
}

// Callbacks is the set of host-supplied notification functions. Every field
// is optional; a nil entry disables that notification.
type Callbacks struct {
	// OnMessage delivers an application payload addressed to this node. The
	// reply function routes a response back to the originator; it may be
	// called at most once and only for requests.
	OnMessage func(payload []byte, reply func([]byte))
	// OnRequestPublicKey asks the host for the public key of an unknown
	// identity during validation. deliver accepts the key; not delivering
	// rejects the peer.
	OnRequestPublicKey func(id crypto.NodeID, deliver func(publicKey [32]byte))
	// OnNetworkStatus reports status codes and routing table size changes.
	OnNetworkStatus func(status int)
	// OnCloseGroupChanged reports new close-group membership after table
	// mutations.
	OnCloseGroupChanged func(group []NodeInfo)
	// OnNewBootstrapEndpoint reports endpoints worth persisting for future
	// bootstraps.
	OnNewBootstrapEndpoint func(endpoint net.Addr)
}
