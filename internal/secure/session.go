package secure

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/flynn/noise"

	"github.com/1ureka/meshlink/internal/adapter"
)

// Role of the local side in a handshake.
type Role uint8

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Responder {
		return "responder"
	}
	return "initiator"
}

// Phase of a session.
type Phase uint8

const (
	PhaseNone Phase = iota // no session
	PhaseInit
	PhaseHandshaking
	PhaseTransport
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseHandshaking:
		return "handshaking"
	case PhaseTransport:
		return "transport"
	}
	return "none"
}

const (
	nonceSize        = 8
	replayWindowSize = 64
)

var (
	errNonceExhausted = errors.New("send nonce exhausted")
	errShortMessage   = errors.New("message shorter than its nonce")
)

// cipherSuite is Noise_XX_25519_ChaChaPoly_SHA256.
var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

type sessionKey struct {
	address string
	path    adapter.Path
}

// session is one Noise session bound to a link.
type session struct {
	key  sessionKey
	role Role

	// sendMu is held across encrypt+transmit so the wire order always matches
	// the nonce order, and across the final handshake write so no transport
	// message can overtake it.
	sendMu sync.Mutex

	mu           sync.Mutex
	phase        Phase
	hs           *noise.HandshakeState
	send, recv   noise.Cipher
	sendNonce    uint64
	replay       replayWindow
	remoteStatic []byte
}

func newSession(key sessionKey, role Role, id *Identity) (*session, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     role == Initiator,
		StaticKeypair: id.keypair(),
	})
	if err != nil {
		return nil, fmt.Errorf("noise handshake state: %w", err)
	}
	return &session{key: key, role: role, phase: PhaseInit, hs: hs}, nil
}

// complete installs the cipher states returned by the handshake library.
// cs1 encrypts initiator->responder traffic, cs2 the reverse. Callers hold mu.
func (s *session) complete(cs1, cs2 *noise.CipherState) {
	if s.role == Initiator {
		s.send, s.recv = cs1.Cipher(), cs2.Cipher()
	} else {
		s.send, s.recv = cs2.Cipher(), cs1.Cipher()
	}
	s.remoteStatic = append([]byte(nil), s.hs.PeerStatic()...)
	s.hs = nil
	s.phase = PhaseTransport
}

// seal encrypts under the next send nonce and prefixes the nonce. Callers
// hold mu.
func (s *session) seal(ad, plaintext []byte) ([]byte, error) {
	n := s.sendNonce
	if n == math.MaxUint64 {
		return nil, errNonceExhausted
	}
	s.sendNonce++
	out := binary.BigEndian.AppendUint64(make([]byte, 0, nonceSize+len(plaintext)+16), n)
	return s.send.Encrypt(out, n, ad, plaintext), nil
}

// open reverses seal. The nonce is marked seen only after authentication.
// Callers hold mu.
func (s *session) open(ad, msg []byte) ([]byte, error) {
	if len(msg) < nonceSize {
		return nil, errShortMessage
	}
	n := binary.BigEndian.Uint64(msg)
	if n == math.MaxUint64 || !s.replay.accept(n) {
		return nil, ErrReplay
	}
	pt, err := s.recv.Decrypt(nil, n, ad, msg[nonceSize:])
	if err != nil {
		return nil, err
	}
	s.replay.mark(n)
	return pt, nil
}

func (s *session) getPhase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// replayWindow tracks the highest nonce seen and a bitmap of the
// replayWindowSize nonces below it. Older nonces are refused.
type replayWindow struct {
	seen bool
	max  uint64
	bits uint64
}

func (w *replayWindow) accept(n uint64) bool {
	if !w.seen || n > w.max {
		return true
	}
	d := w.max - n
	if d >= replayWindowSize {
		return false
	}
	return w.bits&(1<<d) == 0
}

func (w *replayWindow) mark(n uint64) {
	switch {
	case !w.seen:
		w.seen, w.max, w.bits = true, n, 1
	case n > w.max:
		if shift := n - w.max; shift >= replayWindowSize {
			w.bits = 1
		} else {
			w.bits = w.bits<<shift | 1
		}
		w.max = n
	default:
		w.bits |= 1 << (w.max - n)
	}
}
