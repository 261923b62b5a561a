package routing

import (
	"net"

	"github.com/opd-ai/routecore/crypto"
	"github.com/sirupsen/logrus"
)

// ownershipToken is the message a node signs to prove it owns the key pair
// behind its identity: the identity bytes themselves.
func ownershipToken(id crypto.NodeID) []byte {
	return id[:]
}

// signOwnership produces this node's validation token.
func signOwnership(id crypto.NodeID, keys *crypto.KeyPair) (crypto.Signature, error) {
	return crypto.Sign(ownershipToken(id), keys.Private)
}

// validateIdentity checks that the claimed identity is the digest of the
// presented public key and that the token signature proves key ownership.
func validateIdentity(claimed NodeInfo, token crypto.Signature) bool {
	if !crypto.NewNodeID(claimed.PublicKey).Equal(claimed.ID) {
		logrus.WithFields(logrus.Fields{
			"function": "validateIdentity",
			"peer":     claimed.ID.ShortString(),
		}).Warn("Identity does not match public key digest")
		return false
	}

	ok, err := crypto.Verify(ownershipToken(claimed.ID), token, claimed.PublicKey)
	if err != nil || !ok {
		logrus.WithFields(logrus.Fields{
			"function": "validateIdentity",
			"peer":     claimed.ID.ShortString(),
		}).Warn("Ownership token verification failed")
		return false
	}
	return true
}

// validateAndAddToRoutingTable attaches the transport connection and admits
// the validated peer. An admission rejection removes the connection again;
// rejections are steady-state outcomes, not errors.
func validateAndAddToRoutingTable(network *Network, table *RoutingTable, peer NodeInfo, token crypto.Signature, endpoint net.Addr) bool {
	if !validateIdentity(peer, token) {
		return false
	}

	connectionID, err := network.Add(peer.ID, endpoint)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "validateAndAddToRoutingTable",
			"peer":     peer.ID.ShortString(),
			"error":    err.Error(),
		}).Error("Failed to attach validated peer")
		return false
	}
	peer.ConnectionID = connectionID
	peer.Endpoint = endpoint.String()

	outcome, _ := table.Add(peer)
	if outcome == Rejected {
		network.Remove(connectionID)
		return false
	}

	logrus.WithFields(logrus.Fields{
		"function": "validateAndAddToRoutingTable",
		"peer":     peer.ID.ShortString(),
		"size":     table.Size(),
	}).Info("Added peer to routing table")
	return true
}
