package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPeerID(t *testing.T) {
	assert.NoError(t, PeerID("node-1a2b3c4d"))
	assert.NoError(t, PeerID("peer_A-7"))

	assert.Error(t, PeerID(""))
	assert.Error(t, PeerID("has space"))
	assert.Error(t, PeerID("semi;colon"))
	assert.Error(t, PeerID(strings.Repeat("a", 101)))
}

func TestRoomID(t *testing.T) {
	assert.NoError(t, RoomID("standup-room"))
	assert.Error(t, RoomID(""))
	assert.Error(t, RoomID("room/1"))
}

func TestDisplayName(t *testing.T) {
	assert.NoError(t, DisplayName(""))
	assert.NoError(t, DisplayName("Alice"))
	assert.NoError(t, DisplayName("Анна"))
	assert.Error(t, DisplayName(string([]byte{0xff, 0xfe})))
	assert.Error(t, DisplayName(strings.Repeat("x", 101)))
}

func TestSignalURL(t *testing.T) {
	assert.NoError(t, SignalURL("ws://localhost:8081/ws"))
	assert.NoError(t, SignalURL("wss://signal.example.com/ws"))

	assert.Error(t, SignalURL(""))
	assert.Error(t, SignalURL("http://localhost:8081/ws"))
	assert.Error(t, SignalURL("ws://"))
}
