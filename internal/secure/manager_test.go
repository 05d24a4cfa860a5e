package secure_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/meshlink/internal/adapter"
	"github.com/1ureka/meshlink/internal/protocol"
	"github.com/1ureka/meshlink/internal/secure"
	"github.com/1ureka/meshlink/internal/util"
)

func init() {
	util.DisableOutput()
}

// ---------------------------------------------------------------------------
// Loopback wiring
// ---------------------------------------------------------------------------

func mirror(p adapter.Path) adapter.Path {
	if p == adapter.PathWrite {
		return adapter.PathNotify
	}
	return adapter.PathWrite
}

// loopback feeds handshake packets straight into the remote manager and keeps
// the last message packet for the test to decrypt.
type loopback struct {
	self   string
	remote *secure.Manager

	mu   sync.Mutex
	sent []*protocol.Packet

	// drop, when set, swallows packets of that type.
	drop protocol.Type
	// last holds the most recent message packet for the test to decrypt.
	last *protocol.Packet
}

func (l *loopback) SendPacket(ctx context.Context, address string, path adapter.Path, pkt *protocol.Packet) adapter.TxResult {
	l.mu.Lock()
	l.sent = append(l.sent, pkt)
	l.mu.Unlock()

	if pkt.Type == l.drop {
		return adapter.TxResult{Address: address, Chunks: 1, Sent: 1}
	}
	if pkt.Type.IsHandshake() {
		if err := l.remote.HandlePacket(ctx, l.self, mirror(path), pkt); err != nil {
			return adapter.TxResult{Address: address, Kind: adapter.KindIO, Err: err}
		}
	} else {
		cp := *pkt
		cp.Payload = append([]byte(nil), pkt.Payload...)
		l.mu.Lock()
		l.last = &cp
		l.mu.Unlock()
	}
	return adapter.TxResult{Address: address, Chunks: 1, Sent: 1}
}

func (l *loopback) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

func (l *loopback) lastMessage() *protocol.Packet {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

type pair struct {
	a, b       *secure.Manager
	aTx, bTx   *loopback
	idA, idB   *secure.Identity
	completedA [][]byte
	completedB [][]byte
}

func newPair(t *testing.T) *pair {
	t.Helper()
	idA, err := secure.GenerateIdentity()
	require.NoError(t, err)
	idB, err := secure.GenerateIdentity()
	require.NoError(t, err)

	p := &pair{idA: idA, idB: idB}
	p.aTx = &loopback{self: "A"}
	p.bTx = &loopback{self: "B"}
	p.a = secure.NewManager(idA, []byte("A"), p.aTx)
	p.b = secure.NewManager(idB, []byte("B"), p.bTx)
	p.aTx.remote = p.b
	p.bTx.remote = p.a

	p.a.OnHandshakeComplete(func(_ string, _ adapter.Path, remote []byte) {
		p.completedA = append(p.completedA, remote)
	})
	p.b.OnHandshakeComplete(func(_ string, _ adapter.Path, remote []byte) {
		p.completedB = append(p.completedB, remote)
	})
	return p
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestHandshakeCompletes(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()

	require.NoError(t, p.a.Initiate(ctx, "B", adapter.PathWrite))

	assert.Equal(t, secure.PhaseTransport, p.a.Phase("B", adapter.PathWrite))
	assert.Equal(t, secure.PhaseTransport, p.b.Phase("A", adapter.PathNotify))
	assert.True(t, p.a.Ready("B"))
	assert.True(t, p.b.Ready("A"))

	// XX takes three messages: init and final from A, response from B.
	assert.Equal(t, 2, p.aTx.count())
	assert.Equal(t, 1, p.bTx.count())

	require.Len(t, p.completedA, 1)
	require.Len(t, p.completedB, 1)
	assert.Equal(t, p.idB.Public, p.completedA[0])
	assert.Equal(t, p.idA.Public, p.completedB[0])
	assert.Equal(t, p.idB.Public, p.a.RemoteStatic("B"))
}

func TestMutualEncryption(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()
	require.NoError(t, p.a.Initiate(ctx, "B", adapter.PathWrite))

	for i, msg := range []string{"hello", "", "third message"} {
		require.NoError(t, p.a.EncryptAndSend(ctx, "B", []byte(msg)))
		pkt := p.aTx.lastMessage()
		require.NotNil(t, pkt)
		assert.Equal(t, protocol.TypeMessage, pkt.Type)
		assert.NotEqual(t, []byte(msg), pkt.Payload, "message %d sent in clear", i)

		got, err := p.b.DecryptMessage("A", adapter.PathNotify, pkt)
		require.NoError(t, err)
		assert.Equal(t, msg, string(got))
	}

	require.NoError(t, p.b.EncryptAndSend(ctx, "A", []byte("reply")))
	got, err := p.a.DecryptMessage("B", adapter.PathWrite, p.bTx.lastMessage())
	require.NoError(t, err)
	assert.Equal(t, "reply", string(got))
}

func TestEncryptBeforeHandshakeRejected(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()

	err := p.a.EncryptAndSend(ctx, "B", []byte("too early"))
	assert.ErrorIs(t, err, secure.ErrHandshakeIncomplete)
	assert.ErrorIs(t, err, secure.ErrNoSession)
	assert.Equal(t, 0, p.aTx.count())

	// Handshake stalls after message 1: a session exists but is not ready.
	p.bTx.drop = protocol.TypeHandshakeResponse
	require.NoError(t, p.a.Initiate(ctx, "B", adapter.PathWrite))
	assert.Equal(t, secure.PhaseHandshaking, p.a.Phase("B", adapter.PathWrite))

	before := p.aTx.count()
	err = p.a.EncryptAndSend(ctx, "B", []byte("still early"))
	assert.ErrorIs(t, err, secure.ErrHandshakeIncomplete)
	assert.NotErrorIs(t, err, secure.ErrNoSession)
	assert.Equal(t, before, p.aTx.count(), "nothing may be transmitted")
}

func TestDecryptWithoutSession(t *testing.T) {
	p := newPair(t)
	_, err := p.a.DecryptMessage("B", adapter.PathWrite, &protocol.Packet{Type: protocol.TypeMessage, Payload: []byte("x")})
	assert.ErrorIs(t, err, secure.ErrNoSession)
}

func TestTamperedCiphertextIsNotFatal(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()
	require.NoError(t, p.a.Initiate(ctx, "B", adapter.PathWrite))

	// The genuine copy of the tampered message never arrives.
	require.NoError(t, p.a.EncryptAndSend(ctx, "B", []byte("secret")))
	tampered := *p.aTx.lastMessage()
	tampered.Payload = append([]byte(nil), tampered.Payload...)
	tampered.Payload[len(tampered.Payload)-1] ^= 0xff

	before := util.Stats.DecryptFailures.Load()
	_, err := p.b.DecryptMessage("A", adapter.PathNotify, &tampered)
	assert.ErrorIs(t, err, secure.ErrDecrypt)
	assert.Equal(t, before+1, util.Stats.DecryptFailures.Load())
	assert.Equal(t, secure.PhaseTransport, p.b.Phase("A", adapter.PathNotify))

	for _, msg := range []string{"next", "and next", "and the last"} {
		require.NoError(t, p.a.EncryptAndSend(ctx, "B", []byte(msg)))
		got, err := p.b.DecryptMessage("A", adapter.PathNotify, p.aTx.lastMessage())
		require.NoError(t, err)
		assert.Equal(t, msg, string(got))
	}
}

func TestLostAndReorderedMessages(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()
	require.NoError(t, p.a.Initiate(ctx, "B", adapter.PathWrite))

	msgs := []string{"0", "1", "2", "3"}
	var pkts []*protocol.Packet
	for _, msg := range msgs {
		require.NoError(t, p.a.EncryptAndSend(ctx, "B", []byte(msg)))
		pkts = append(pkts, p.aTx.lastMessage())
	}

	// 1 is lost; 3 overtakes 2.
	for _, i := range []int{0, 3, 2} {
		got, err := p.b.DecryptMessage("A", adapter.PathNotify, pkts[i])
		require.NoError(t, err)
		assert.Equal(t, msgs[i], string(got))
	}
}

func TestReplayRejected(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()
	require.NoError(t, p.a.Initiate(ctx, "B", adapter.PathWrite))

	require.NoError(t, p.a.EncryptAndSend(ctx, "B", []byte("once")))
	pkt := p.aTx.lastMessage()

	got, err := p.b.DecryptMessage("A", adapter.PathNotify, pkt)
	require.NoError(t, err)
	assert.Equal(t, "once", string(got))

	_, err = p.b.DecryptMessage("A", adapter.PathNotify, pkt)
	assert.ErrorIs(t, err, secure.ErrDecrypt)
	assert.ErrorIs(t, err, secure.ErrReplay)

	_, err = p.b.DecryptMessage("A", adapter.PathNotify, &protocol.Packet{Type: protocol.TypeMessage, Payload: []byte{1, 2}})
	assert.ErrorIs(t, err, secure.ErrDecrypt)

	require.NoError(t, p.a.EncryptAndSend(ctx, "B", []byte("twice")))
	got, err = p.b.DecryptMessage("A", adapter.PathNotify, p.aTx.lastMessage())
	require.NoError(t, err)
	assert.Equal(t, "twice", string(got))
}

func TestTypeIsAuthenticated(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()
	require.NoError(t, p.a.Initiate(ctx, "B", adapter.PathWrite))

	require.NoError(t, p.a.Seal(ctx, "B", protocol.TypeAnnounce, []byte("nick")))
	pkt := p.aTx.lastMessage()
	assert.Equal(t, protocol.TypeAnnounce, pkt.Type)

	forged := *pkt
	forged.Type = protocol.TypeMessage
	_, err := p.b.DecryptMessage("A", adapter.PathNotify, &forged)
	assert.ErrorIs(t, err, secure.ErrDecrypt)

	got, err := p.b.DecryptMessage("A", adapter.PathNotify, pkt)
	require.NoError(t, err)
	assert.Equal(t, "nick", string(got))
}

func TestUnexpectedHandshakeMessages(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()

	err := p.a.HandlePacket(ctx, "B", adapter.PathWrite, &protocol.Packet{Type: protocol.TypeHandshakeResponse, Payload: []byte{1}})
	assert.ErrorIs(t, err, secure.ErrUnexpectedMessage)

	err = p.a.HandlePacket(ctx, "B", adapter.PathWrite, &protocol.Packet{Type: protocol.TypeHandshakeFinal, Payload: []byte{1}})
	assert.ErrorIs(t, err, secure.ErrUnexpectedMessage)

	err = p.a.HandlePacket(ctx, "B", adapter.PathWrite, &protocol.Packet{Type: protocol.TypeMessage})
	assert.ErrorIs(t, err, secure.ErrUnexpectedMessage)

	// Garbage message 1 leaves no session behind.
	err = p.a.HandlePacket(ctx, "B", adapter.PathNotify, &protocol.Packet{Type: protocol.TypeHandshakeInit, Payload: []byte{1, 2, 3}})
	assert.Error(t, err)
	assert.Equal(t, secure.PhaseNone, p.a.Phase("B", adapter.PathNotify))
	assert.Equal(t, 0, p.a.Sessions())
}

func TestSendFailureDiscardsSession(t *testing.T) {
	idA, err := secure.GenerateIdentity()
	require.NoError(t, err)
	m := secure.NewManager(idA, []byte("A"), failingSender{})

	err = m.Initiate(context.Background(), "B", adapter.PathWrite)
	assert.ErrorIs(t, err, adapter.ErrNotConnected)
	assert.Equal(t, 0, m.Sessions())
}

func TestDrop(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()
	require.NoError(t, p.a.Initiate(ctx, "B", adapter.PathWrite))
	require.NoError(t, p.b.Initiate(ctx, "A", adapter.PathWrite))
	assert.Equal(t, 2, p.a.Sessions())

	p.a.DropLink("B", adapter.PathWrite)
	assert.True(t, p.a.Ready("B"), "notify-side session still up")

	p.a.Drop("B")
	assert.False(t, p.a.Ready("B"))
	assert.Equal(t, 0, p.a.Sessions())
	assert.ErrorIs(t, p.a.EncryptAndSend(ctx, "B", []byte("x")), secure.ErrHandshakeIncomplete)
}

type failingSender struct{}

func (failingSender) SendPacket(_ context.Context, address string, _ adapter.Path, _ *protocol.Packet) adapter.TxResult {
	return adapter.TxResult{Address: address, Kind: adapter.KindNotConnected, Err: adapter.ErrNotConnected}
}

// ---------------------------------------------------------------------------
// Identity
// ---------------------------------------------------------------------------

func TestIdentitySaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.key")

	id, created, err := secure.LoadOrCreateIdentity(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, id.Public, 32)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, created, err := secure.LoadOrCreateIdentity(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id.Private, again.Private)
	assert.Equal(t, id.Public, again.Public)
	assert.Equal(t, id.Fingerprint(), again.Fingerprint())
	assert.Len(t, id.Fingerprint(), 64)
}

func TestIdentityLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := secure.LoadIdentity(filepath.Join(dir, "missing"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	bad := filepath.Join(dir, "bad.key")
	require.NoError(t, os.WriteFile(bad, []byte(`{"private":"zz"}`), 0o600))
	_, err = secure.LoadIdentity(bad)
	assert.Error(t, err)

	short := filepath.Join(dir, "short.key")
	require.NoError(t, os.WriteFile(short, []byte(`{"private":"0102"}`), 0o600))
	_, err = secure.LoadIdentity(short)
	assert.Error(t, err)

	id, err := secure.GenerateIdentity()
	require.NoError(t, err)
	other, err := secure.GenerateIdentity()
	require.NoError(t, err)
	mismatched := &secure.Identity{Private: id.Private, Public: other.Public}
	mm := filepath.Join(dir, "mismatch.key")
	require.NoError(t, mismatched.Save(mm))
	_, err = secure.LoadIdentity(mm)
	assert.ErrorContains(t, err, "does not match")
}

func TestIdentityFromPrivate(t *testing.T) {
	id, err := secure.GenerateIdentity()
	require.NoError(t, err)

	derived, err := secure.IdentityFromPrivate(id.Private)
	require.NoError(t, err)
	assert.Equal(t, id.Public, derived.Public)
	assert.Equal(t, secure.Fingerprint(id.Public), derived.Fingerprint())
}
