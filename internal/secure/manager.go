package secure

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/meshlink/internal/adapter"
	"github.com/1ureka/meshlink/internal/protocol"
	"github.com/1ureka/meshlink/internal/util"
)

var (
	ErrHandshakeIncomplete = errors.New("secure: handshake incomplete")
	ErrNoSession           = errors.New("secure: no session")
	ErrDecrypt             = errors.New("secure: decryption failed")
	ErrUnexpectedMessage   = errors.New("secure: unexpected handshake message")
	ErrReplay              = errors.New("secure: replayed or stale nonce")
)

// Sender transmits packets on an adapter link. *adapter.Adapter satisfies it.
type Sender interface {
	SendPacket(ctx context.Context, address string, path adapter.Path, pkt *protocol.Packet) adapter.TxResult
}

// CompleteHandler is called once per completed handshake with the peer's
// static public key.
type CompleteHandler func(address string, path adapter.Path, remoteStatic []byte)

// Manager owns every Noise session of the node, keyed by link.
type Manager struct {
	id      *Identity
	localID []byte
	sender  Sender

	mu         sync.Mutex
	sessions   map[sessionKey]*session
	onComplete CompleteHandler
}

// NewManager creates a manager. localID is placed in the sender field of
// handshake and message packets.
func NewManager(id *Identity, localID []byte, sender Sender) *Manager {
	return &Manager{
		id:       id,
		localID:  append([]byte(nil), localID...),
		sender:   sender,
		sessions: make(map[sessionKey]*session),
	}
}

// Identity returns the local static identity.
func (m *Manager) Identity() *Identity { return m.id }

// OnHandshakeComplete registers the completion callback.
func (m *Manager) OnHandshakeComplete(fn CompleteHandler) {
	m.mu.Lock()
	m.onComplete = fn
	m.mu.Unlock()
}

// Phase reports the phase of the session on a link.
func (m *Manager) Phase(address string, path adapter.Path) Phase {
	s := m.lookup(sessionKey{address, path})
	if s == nil {
		return PhaseNone
	}
	return s.getPhase()
}

// Ready reports whether any link to address has reached transport.
func (m *Manager) Ready(address string) bool {
	return m.transport(address) != nil
}

// RemoteStatic returns the peer's static key for a completed session, or nil.
func (m *Manager) RemoteStatic(address string) []byte {
	s := m.transport(address)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.remoteStatic...)
}

// Sessions returns the number of sessions in any phase.
func (m *Manager) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ---------------------------------------------------------------------------
// Handshake
// ---------------------------------------------------------------------------

// Initiate starts a handshake as initiator on a link, replacing any existing
// session there, and sends the first message.
func (m *Manager) Initiate(ctx context.Context, address string, path adapter.Path) error {
	key := sessionKey{address, path}
	s, err := newSession(key, Initiator, m.id)
	if err != nil {
		return err
	}
	m.store(s)

	s.mu.Lock()
	msg, _, _, err := s.hs.WriteMessage(nil, nil)
	if err == nil {
		s.phase = PhaseHandshaking
	}
	s.mu.Unlock()
	if err != nil {
		m.remove(s)
		return fmt.Errorf("handshake init: %w", err)
	}

	util.LogPeer(address, "handshake init sent on %s", path)
	if err := m.transmit(ctx, address, path, protocol.TypeHandshakeInit, msg); err != nil {
		m.remove(s)
		return err
	}
	return nil
}

// HandlePacket advances the handshake on a link with an incoming handshake
// packet. A failed step discards the session on that link.
func (m *Manager) HandlePacket(ctx context.Context, address string, path adapter.Path, pkt *protocol.Packet) error {
	key := sessionKey{address, path}
	switch pkt.Type {
	case protocol.TypeHandshakeInit:
		return m.respond(ctx, key, pkt.Payload)
	case protocol.TypeHandshakeResponse:
		return m.finish(ctx, key, pkt.Payload)
	case protocol.TypeHandshakeFinal:
		return m.accept(key, pkt.Payload)
	}
	return fmt.Errorf("%w: %s", ErrUnexpectedMessage, pkt.Type)
}

// respond handles message 1. Any existing session on the link is replaced,
// since a fresh init means the peer restarted.
func (m *Manager) respond(ctx context.Context, key sessionKey, payload []byte) error {
	s, err := newSession(key, Responder, m.id)
	if err != nil {
		return err
	}
	m.store(s)

	s.mu.Lock()
	_, _, _, err = s.hs.ReadMessage(nil, payload)
	var msg []byte
	if err == nil {
		msg, _, _, err = s.hs.WriteMessage(nil, nil)
	}
	if err == nil {
		s.phase = PhaseHandshaking
	}
	s.mu.Unlock()
	if err != nil {
		m.remove(s)
		return fmt.Errorf("handshake respond: %w", err)
	}

	util.LogPeer(key.address, "handshake response sent on %s", key.path)
	if err := m.transmit(ctx, key.address, key.path, protocol.TypeHandshakeResponse, msg); err != nil {
		m.remove(s)
		return err
	}
	return nil
}

// finish handles message 2 on the initiator. The library signals completion
// by returning cipher states; until it does, the initiator writes another
// message as handshake-final.
func (m *Manager) finish(ctx context.Context, key sessionKey, payload []byte) error {
	s := m.lookup(key)
	if s == nil || s.role != Initiator {
		return fmt.Errorf("%w: response without initiator session", ErrUnexpectedMessage)
	}

	s.sendMu.Lock()
	s.mu.Lock()
	if s.phase != PhaseHandshaking {
		s.mu.Unlock()
		s.sendMu.Unlock()
		return fmt.Errorf("%w: response in phase %s", ErrUnexpectedMessage, s.phase)
	}
	var final []byte
	_, cs1, cs2, err := s.hs.ReadMessage(nil, payload)
	if err == nil && cs1 == nil {
		final, cs1, cs2, err = s.hs.WriteMessage(nil, nil)
	}
	if err == nil && cs1 != nil {
		s.complete(cs1, cs2)
	}
	remote := s.remoteStatic
	s.mu.Unlock()

	if err != nil {
		s.sendMu.Unlock()
		m.remove(s)
		return fmt.Errorf("handshake finish: %w", err)
	}
	if final != nil {
		err = m.transmit(ctx, key.address, key.path, protocol.TypeHandshakeFinal, final)
	}
	s.sendMu.Unlock()
	if err != nil {
		m.remove(s)
		return err
	}
	m.completed(s, remote)
	return nil
}

// accept handles message 3 on the responder.
func (m *Manager) accept(key sessionKey, payload []byte) error {
	s := m.lookup(key)
	if s == nil || s.role != Responder {
		return fmt.Errorf("%w: final without responder session", ErrUnexpectedMessage)
	}

	s.mu.Lock()
	if s.phase != PhaseHandshaking {
		s.mu.Unlock()
		return fmt.Errorf("%w: final in phase %s", ErrUnexpectedMessage, s.phase)
	}
	_, cs1, cs2, err := s.hs.ReadMessage(nil, payload)
	if err == nil && cs1 == nil {
		err = errors.New("handshake did not complete")
	}
	if err == nil {
		s.complete(cs1, cs2)
	}
	remote := s.remoteStatic
	s.mu.Unlock()

	if err != nil {
		m.remove(s)
		return fmt.Errorf("handshake accept: %w", err)
	}
	m.completed(s, remote)
	return nil
}

func (m *Manager) completed(s *session, remote []byte) {
	util.Stats.AddHandshake()
	util.LogPeer(s.key.address, "handshake complete on %s as %s, peer %.16s", s.key.path, s.role, Fingerprint(remote))

	m.mu.Lock()
	fn := m.onComplete
	m.mu.Unlock()
	if fn != nil {
		fn(s.key.address, s.key.path, append([]byte(nil), remote...))
	}
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

// EncryptAndSend encrypts plaintext as a message packet to address. Nothing
// is transmitted unless a link to address is in transport phase.
func (m *Manager) EncryptAndSend(ctx context.Context, address string, plaintext []byte) error {
	return m.Seal(ctx, address, protocol.TypeMessage, plaintext)
}

// Seal encrypts plaintext into a packet of type t and sends it on a link in
// transport phase, preferring the link where we are central.
func (m *Manager) Seal(ctx context.Context, address string, t protocol.Type, plaintext []byte) error {
	s := m.transport(address)
	if s == nil {
		if m.hasSession(address) {
			return ErrHandshakeIncomplete
		}
		return fmt.Errorf("%w: %w", ErrHandshakeIncomplete, ErrNoSession)
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	if s.phase != PhaseTransport {
		s.mu.Unlock()
		return ErrHandshakeIncomplete
	}
	ct, err := s.seal(associatedData(t), plaintext)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	return m.transmit(ctx, address, s.key.path, t, ct)
}

// DecryptMessage opens an encrypted packet received on a link. Every message
// carries its own nonce, so a failed or replayed message is counted and
// reported but leaves the session usable for the ones after it.
func (m *Manager) DecryptMessage(address string, path adapter.Path, pkt *protocol.Packet) ([]byte, error) {
	s := m.lookup(sessionKey{address, path})
	if s == nil {
		return nil, ErrNoSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseTransport {
		return nil, ErrHandshakeIncomplete
	}
	pt, err := s.open(associatedData(pkt.Type), pkt.Payload)
	if err != nil {
		util.Stats.AddDecryptFailure()
		util.LogPeer(address, "decrypt failed on %s: %v", path, err)
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	return pt, nil
}

// Drop discards every session with address.
func (m *Manager) Drop(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.sessions {
		if key.address == address {
			delete(m.sessions, key)
		}
	}
}

// DropLink discards the session on one link.
func (m *Manager) DropLink(address string, path adapter.Path) {
	m.mu.Lock()
	delete(m.sessions, sessionKey{address, path})
	m.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func associatedData(t protocol.Type) []byte {
	return []byte{byte(t)}
}

func (m *Manager) transmit(ctx context.Context, address string, path adapter.Path, t protocol.Type, payload []byte) error {
	pkt := &protocol.Packet{
		Type:      t,
		SenderID:  m.localID,
		Timestamp: uint64(time.Now().UnixMilli()),
		TTL:       1,
		Payload:   payload,
	}
	if res := m.sender.SendPacket(ctx, address, path, pkt); !res.OK() {
		return fmt.Errorf("send %s: %w", t, res.Err)
	}
	return nil
}

func (m *Manager) lookup(key sessionKey) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[key]
}

func (m *Manager) store(s *session) {
	m.mu.Lock()
	m.sessions[s.key] = s
	m.mu.Unlock()
}

// remove deletes s only if it is still the session on its link.
func (m *Manager) remove(s *session) {
	m.mu.Lock()
	if m.sessions[s.key] == s {
		delete(m.sessions, s.key)
	}
	m.mu.Unlock()
}

func (m *Manager) hasSession(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.sessions {
		if key.address == address {
			return true
		}
	}
	return false
}

// transport returns a transport-phase session with address, write path first.
func (m *Manager) transport(address string) *session {
	for _, path := range []adapter.Path{adapter.PathWrite, adapter.PathNotify} {
		if s := m.lookup(sessionKey{address, path}); s != nil && s.getPhase() == PhaseTransport {
			return s
		}
	}
	return nil
}
