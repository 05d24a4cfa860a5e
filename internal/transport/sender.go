package transport

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshlink/internal/util"
)

const (
	highWaterMark = 256 * 1024 // stop writing while bufferedAmount is above this
	lowWaterMark  = 64 * 1024  // OnBufferedAmountLow threshold
	queueSize     = 64         // frames waiting for the writer
)

// frameWriter owns every dc.Send of one link. Frames queue until the
// DataChannel opens; a full SCTP buffer parks the writer until it drains.
type frameWriter struct {
	dc     *webrtc.DataChannel
	queue  chan []byte
	lowSig chan struct{}
	onFail func(error)
}

func startFrameWriter(ctx context.Context, dc *webrtc.DataChannel, open <-chan struct{}, onFail func(error)) *frameWriter {
	w := &frameWriter{
		dc:     dc,
		queue:  make(chan []byte, queueSize),
		lowSig: make(chan struct{}, 1),
		onFail: onFail,
	}
	dc.SetBufferedAmountLowThreshold(lowWaterMark)
	dc.OnBufferedAmountLow(func() {
		select {
		case w.lowSig <- struct{}{}:
		default:
		}
	})
	go w.run(ctx, open)
	return w
}

func (w *frameWriter) run(ctx context.Context, open <-chan struct{}) {
	select {
	case <-open:
	case <-ctx.Done():
		return
	}

	for {
		var data []byte
		select {
		case data = <-w.queue:
		case <-ctx.Done():
			return
		}

		if w.dc.BufferedAmount() > highWaterMark {
			select {
			case <-w.lowSig:
			case <-ctx.Done():
				return
			}
		}
		if err := w.dc.Send(data); err != nil {
			util.LogError("link write of %d bytes failed: %v", len(data), err)
			w.onFail(err)
			return
		}
	}
}

// enqueue blocks while the queue is full. ctx bounds the caller's wait and
// linkCtx the link's lifetime.
func (w *frameWriter) enqueue(ctx, linkCtx context.Context, data []byte) error {
	select {
	case w.queue <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-linkCtx.Done():
		return ErrLinkClosed
	}
}
