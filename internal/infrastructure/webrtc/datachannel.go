package webrtc

import (
	"sync"

	"peermesh/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// dataChannel wraps a pion data channel and its peer connection into
// the ports.DataChannel contract.
type dataChannel struct {
	peerID domain.PeerID
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel

	mu          sync.Mutex
	closed      bool
	closeHooked bool
	onClose     func()
}

func newDataChannel(peerID domain.PeerID, pc *webrtc.PeerConnection, dc *webrtc.DataChannel) *dataChannel {
	return &dataChannel{peerID: peerID, pc: pc, dc: dc}
}

func (d *dataChannel) PeerID() domain.PeerID { return d.peerID }

func (d *dataChannel) Open() bool {
	return d.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (d *dataChannel) Send(payload []byte) error {
	return d.dc.Send(payload)
}

func (d *dataChannel) OnOpen(fn func()) {
	d.dc.OnOpen(fn)
}

func (d *dataChannel) OnMessage(fn func(payload []byte)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

func (d *dataChannel) OnClose(fn func()) {
	d.mu.Lock()
	d.onClose = fn
	hooked := d.closeHooked
	d.closeHooked = true
	d.mu.Unlock()

	if !hooked {
		d.dc.OnClose(d.fireClose)
	}
}

func (d *dataChannel) OnError(fn func(err error)) {
	d.dc.OnError(fn)
}

func (d *dataChannel) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	d.dc.Close()
	return d.pc.Close()
}

// fireClose invokes the close hook exactly once, whether the channel
// closed remotely or the whole connection failed.
func (d *dataChannel) fireClose() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	fn := d.onClose
	d.mu.Unlock()

	d.pc.Close()
	if fn != nil {
		fn()
	}
}
