package transport

import (
	"crypto/rand"
	"errors"
	"net"
	"sync"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNoiseSessionNotFound indicates no established session with the peer.
	ErrNoiseSessionNotFound = errors.New("noise session not found for peer")
	// ErrTransportClosed indicates the transport has been shut down.
	ErrTransportClosed = errors.New("transport closed")
)

// noiseSession tracks the handshake and cipher state for one peer address.
type noiseSession struct {
	mu         sync.Mutex
	handshake  *noise.HandshakeState
	sendCipher *noise.CipherState
	recvCipher *noise.CipherState
	initiator  bool
	complete   bool
	pending    []*Packet // packets queued until the handshake completes
}

// NoiseTransport wraps an existing transport with Noise XX encryption.
// XX exchanges static channel keys inside the handshake itself: peers are
// dialled knowing only their overlay identity, so no pre-shared channel key
// exists. Handshakes are negotiated lazily on first send to an address;
// routing packets queue until the channel is established. Handshake packets
// pass through the underlying transport unencrypted.
type NoiseTransport struct {
	underlying Transport
	staticKey  noise.DHKey
	sessions   map[string]*noiseSession
	sessionsMu sync.Mutex
	handlers   map[PacketType]PacketHandler
	handlersMu sync.RWMutex
	closed     bool
	closedMu   sync.Mutex
}

var noiseCipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// NewNoiseTransport creates a transport wrapper that adds Noise-XX
// encryption on top of the given transport. A fresh Curve25519 static key is
// generated for the channel layer; overlay identity stays with the Ed25519
// key pair.
func NewNoiseTransport(underlying Transport) (*NoiseTransport, error) {
	if underlying == nil {
		return nil, errors.New("underlying transport is nil")
	}

	staticKey, err := noiseCipherSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, err
	}

	nt := &NoiseTransport{
		underlying: underlying,
		staticKey:  staticKey,
		sessions:   make(map[string]*noiseSession),
		handlers:   make(map[PacketType]PacketHandler),
	}

	underlying.RegisterHandler(PacketNoiseHandshake, nt.handleHandshakePacket)
	underlying.RegisterHandler(PacketRoutingMessage, nt.handleEncryptedPacket)

	logrus.WithFields(logrus.Fields{
		"function": "NewNoiseTransport",
		"local":    underlying.LocalAddr().String(),
	}).Debug("Noise transport created")

	return nt, nil
}

// newHandshakeState builds a Noise XX handshake state for one session.
func (nt *NoiseTransport) newHandshakeState(initiator bool) (*noise.HandshakeState, error) {
	return noise.NewHandshakeState(noise.Config{
		CipherSuite:   noiseCipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: nt.staticKey,
	})
}

// Send encrypts and sends a packet, starting a handshake first if needed.
// Non-routing packet types bypass encryption.
func (nt *NoiseTransport) Send(packet *Packet, addr net.Addr) error {
	if nt.isClosed() {
		return ErrTransportClosed
	}

	if packet.Type != PacketRoutingMessage {
		return nt.underlying.Send(packet, addr)
	}

	session, created, err := nt.getOrCreateSession(addr.String(), true)
	if err != nil {
		return err
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if !session.complete {
		session.pending = append(session.pending, packet)
		if created {
			return nt.sendHandshakeMessage(session, addr)
		}
		return nil
	}

	return nt.sendEncrypted(session, packet, addr)
}

// sendEncrypted encrypts one packet under the session cipher. Caller holds
// the session lock.
func (nt *NoiseTransport) sendEncrypted(session *noiseSession, packet *Packet, addr net.Addr) error {
	plain, err := packet.Serialize()
	if err != nil {
		return err
	}

	ciphertext, err := session.sendCipher.Encrypt(nil, nil, plain)
	if err != nil {
		return err
	}

	return nt.underlying.Send(&Packet{Type: PacketRoutingMessage, Data: ciphertext}, addr)
}

// sendHandshakeMessage writes the next handshake message to the peer. Caller
// holds the session lock.
func (nt *NoiseTransport) sendHandshakeMessage(session *noiseSession, addr net.Addr) error {
	msg, cs1, cs2, err := session.handshake.WriteMessage(nil, nil)
	if err != nil {
		return err
	}
	session.adoptCiphers(cs1, cs2)

	return nt.underlying.Send(&Packet{Type: PacketNoiseHandshake, Data: msg}, addr)
}

// adoptCiphers records the transport ciphers once the handshake yields them.
// Caller holds the session lock.
func (s *noiseSession) adoptCiphers(cs1, cs2 *noise.CipherState) {
	if cs1 == nil || cs2 == nil {
		return
	}
	// The initiator sends with the first cipher state, the responder with the
	// second (Noise convention).
	if s.initiator {
		s.sendCipher, s.recvCipher = cs1, cs2
	} else {
		s.sendCipher, s.recvCipher = cs2, cs1
	}
	s.complete = true
}

// getOrCreateSession returns the session for addr, creating one when absent.
func (nt *NoiseTransport) getOrCreateSession(addr string, initiator bool) (*noiseSession, bool, error) {
	nt.sessionsMu.Lock()
	defer nt.sessionsMu.Unlock()

	if session, exists := nt.sessions[addr]; exists {
		return session, false, nil
	}

	hs, err := nt.newHandshakeState(initiator)
	if err != nil {
		return nil, false, err
	}

	session := &noiseSession{handshake: hs, initiator: initiator}
	nt.sessions[addr] = session
	return session, true, nil
}

// handleHandshakePacket advances the handshake with the sending peer.
func (nt *NoiseTransport) handleHandshakePacket(packet *Packet, addr net.Addr) error {
	if nt.isClosed() {
		return ErrTransportClosed
	}

	session, _, err := nt.getOrCreateSession(addr.String(), false)
	if err != nil {
		return err
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.complete {
		return nil
	}

	_, cs1, cs2, err := session.handshake.ReadMessage(nil, packet.Data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleHandshakePacket",
			"from":     addr.String(),
			"error":    err.Error(),
		}).Warn("Noise handshake message rejected")
		nt.dropSession(addr.String())
		return err
	}
	session.adoptCiphers(cs1, cs2)

	if !session.complete {
		if err := nt.sendHandshakeMessage(session, addr); err != nil {
			return err
		}
	}

	if session.complete {
		return nt.flushPending(session, addr)
	}
	return nil
}

// flushPending sends packets queued while the handshake was in flight.
// Caller holds the session lock.
func (nt *NoiseTransport) flushPending(session *noiseSession, addr net.Addr) error {
	for _, packet := range session.pending {
		if err := nt.sendEncrypted(session, packet, addr); err != nil {
			return err
		}
	}
	session.pending = nil
	return nil
}

// handleEncryptedPacket decrypts an inbound routing packet and dispatches it.
func (nt *NoiseTransport) handleEncryptedPacket(packet *Packet, addr net.Addr) error {
	nt.sessionsMu.Lock()
	session, exists := nt.sessions[addr.String()]
	nt.sessionsMu.Unlock()

	if !exists {
		return ErrNoiseSessionNotFound
	}

	session.mu.Lock()
	if !session.complete {
		session.mu.Unlock()
		return ErrNoiseSessionNotFound
	}
	plain, err := session.recvCipher.Decrypt(nil, nil, packet.Data)
	session.mu.Unlock()

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleEncryptedPacket",
			"from":     addr.String(),
			"error":    err.Error(),
		}).Warn("Failed to decrypt routing packet")
		return err
	}

	decrypted, err := ParsePacket(plain)
	if err != nil {
		return err
	}

	nt.handlersMu.RLock()
	handler, ok := nt.handlers[decrypted.Type]
	nt.handlersMu.RUnlock()
	if ok {
		return handler(decrypted, addr)
	}
	return nil
}

// dropSession removes the session for addr so a fresh handshake can start.
func (nt *NoiseTransport) dropSession(addr string) {
	nt.sessionsMu.Lock()
	delete(nt.sessions, addr)
	nt.sessionsMu.Unlock()
}

// RegisterHandler registers a handler invoked with decrypted packets.
func (nt *NoiseTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	nt.handlersMu.Lock()
	defer nt.handlersMu.Unlock()
	nt.handlers[packetType] = handler
}

// LocalAddr returns the local address of the underlying transport.
func (nt *NoiseTransport) LocalAddr() net.Addr {
	return nt.underlying.LocalAddr()
}

// Close shuts down the transport and its underlying channel.
func (nt *NoiseTransport) Close() error {
	nt.closedMu.Lock()
	nt.closed = true
	nt.closedMu.Unlock()
	return nt.underlying.Close()
}

func (nt *NoiseTransport) isClosed() bool {
	nt.closedMu.Lock()
	defer nt.closedMu.Unlock()
	return nt.closed
}
