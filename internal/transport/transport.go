// Package transport emulates a BLE radio over WebRTC DataChannels. Every
// radio link is one PeerConnection whose DataChannel carries GATT operations
// as CBOR frames; advertisements and SDP/ICE travel through the air hub.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshlink/internal/util"
)

// ErrLinkClosed is returned when sending on a link that has shut down.
var ErrLinkClosed = errors.New("link closed")

// Options tunes the WebRTC side of the emulated radio.
type Options struct {
	ICEServers []string // nil uses DefaultSTUNServers; empty slice disables STUN
	Loopback   bool     // gather loopback candidates, for same-host testing
}

// Transport is the WebRTC half of one emulated radio link.
//
// The link is up once Ready is closed and down once Done is closed. Done
// follows the DataChannel, the PeerConnection (failed or closed) and the
// context given to NewTransport.
type Transport struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel
	w  *frameWriter

	open chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
}

// NewTransport creates the PeerConnection and its pre-negotiated
// DataChannel. Signaling is left to the caller.
func NewTransport(ctx context.Context, opts Options) (*Transport, error) {
	if opts.ICEServers == nil {
		opts.ICEServers = DefaultSTUNServers
	}
	pc, err := newPeerConnection(opts)
	if err != nil {
		return nil, err
	}
	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	t := &Transport{
		pc:      pc,
		dc:      dc,
		open:    make(chan struct{}),
		pcState: webrtc.PeerConnectionStateNew,
	}
	t.ctx, t.cancel = context.WithCancel(ctx)

	var once sync.Once
	dc.OnOpen(func() { once.Do(func() { close(t.open) }) })
	dc.OnClose(func() {
		util.LogDebug("link DataChannel closed")
		t.cancel()
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("link PeerConnection %s", state)
		t.mu.Lock()
		t.pcState = state
		t.mu.Unlock()
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			t.cancel()
		}
	})

	t.w = startFrameWriter(t.ctx, dc, t.open, func(error) { t.cancel() })
	return t, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func (t *Transport) Ready() <-chan struct{} { return t.open }

func (t *Transport) Done() <-chan struct{} { return t.ctx.Done() }

// Close tears the link down. It is safe to call more than once.
func (t *Transport) Close() error {
	t.cancel()
	return errors.Join(t.dc.Close(), t.pc.Close())
}

// ConnectionState returns the last observed PeerConnection state.
func (t *Transport) ConnectionState() webrtc.PeerConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pcState
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer returns an SDP offer already applied as the local description.
func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return offer, err
	}
	return offer, t.pc.SetLocalDescription(offer)
}

// CreateAnswer returns an SDP answer already applied as the local description.
func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return answer, err
	}
	return answer, t.pc.SetLocalDescription(answer)
}

func (t *Transport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(sdp)
}

// HasRemoteDescription reports whether candidates can be added yet.
func (t *Transport) HasRemoteDescription() bool {
	return t.pc.RemoteDescription() != nil
}

// OnICECandidate observes local candidates; nil marks the end of gathering.
func (t *Transport) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	t.pc.OnICECandidate(fn)
}

func (t *Transport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

// Send queues f behind earlier frames on this link.
func (t *Transport) Send(ctx context.Context, f *Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	return t.w.enqueue(ctx, t.ctx, data)
}

// OnFrame installs the inbound frame handler. Undecodable messages reach fn
// with a nil frame and the error.
func (t *Transport) OnFrame(fn func(*Frame, error)) {
	t.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(DecodeFrame(msg.Data))
	})
}
