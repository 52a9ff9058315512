package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"peermesh/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// brokerFixture runs the real broker behind httptest and dials real
// clients against it.
type brokerFixture struct {
	t      *testing.T
	broker *Broker
	url    string
}

func newBrokerFixture(t *testing.T) *brokerFixture {
	t.Helper()
	broker := NewBroker(testSecret, zaptest.NewLogger(t).Sugar())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", broker.HandleWebSocket)
	mux.HandleFunc("/health", broker.HealthCheck)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &brokerFixture{
		t:      t,
		broker: broker,
		url:    "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
	}
}

func (f *brokerFixture) dial(id domain.PeerID) *Client {
	f.t.Helper()
	cfg := DefaultConfig()
	cfg.URL = f.url
	cfg.TokenSecret = testSecret
	client := NewClient(cfg, zaptest.NewLogger(f.t).Sugar())
	require.NoError(f.t, client.Dial(context.Background(), id))
	f.t.Cleanup(func() { client.Close() })
	return client
}

// roomEvents collects one client's membership callbacks.
type roomEvents struct {
	mu     sync.Mutex
	joined []domain.PeerID
	left   []domain.PeerID
	listed [][]domain.PeerID
}

func watchRoom(c *Client) *roomEvents {
	ev := &roomEvents{}
	c.OnUserJoined(func(id domain.PeerID) { ev.mu.Lock(); ev.joined = append(ev.joined, id); ev.mu.Unlock() })
	c.OnUserLeft(func(id domain.PeerID) { ev.mu.Lock(); ev.left = append(ev.left, id); ev.mu.Unlock() })
	c.OnParticipants(func(ids []domain.PeerID) { ev.mu.Lock(); ev.listed = append(ev.listed, ids); ev.mu.Unlock() })
	return ev
}

func TestBrokerRejectsInvalidCredentials(t *testing.T) {
	f := newBrokerFixture(t)

	cfg := DefaultConfig()
	cfg.URL = f.url
	cfg.TokenSecret = "wrong-secret"
	client := NewClient(cfg, zaptest.NewLogger(t).Sugar())

	assert.Error(t, client.Dial(context.Background(), "intruder"))
}

func TestBrokerRoomMembershipFlow(t *testing.T) {
	f := newBrokerFixture(t)

	a := f.dial("peer-a")
	evA := watchRoom(a)
	require.NoError(t, a.JoinRoom(context.Background(), "room-1", "peer-a"))

	require.Eventually(t, func() bool {
		evA.mu.Lock()
		defer evA.mu.Unlock()
		return len(evA.listed) == 1
	}, 2*time.Second, 10*time.Millisecond)
	evA.mu.Lock()
	assert.Equal(t, []domain.PeerID{"peer-a"}, evA.listed[0])
	evA.mu.Unlock()

	b := f.dial("peer-b")
	evB := watchRoom(b)
	require.NoError(t, b.JoinRoom(context.Background(), "room-1", "peer-b"))

	// The joiner gets the roster; the incumbent learns of the joiner.
	require.Eventually(t, func() bool {
		evA.mu.Lock()
		defer evA.mu.Unlock()
		return len(evA.joined) == 1
	}, 2*time.Second, 10*time.Millisecond)
	evA.mu.Lock()
	assert.Equal(t, domain.PeerID("peer-b"), evA.joined[0])
	evA.mu.Unlock()

	require.Eventually(t, func() bool {
		evB.mu.Lock()
		defer evB.mu.Unlock()
		return len(evB.listed) == 1
	}, 2*time.Second, 10*time.Millisecond)
	evB.mu.Lock()
	assert.ElementsMatch(t, []domain.PeerID{"peer-a", "peer-b"}, evB.listed[0])
	evB.mu.Unlock()

	require.NoError(t, b.LeaveRoom(context.Background()))
	require.Eventually(t, func() bool {
		evA.mu.Lock()
		defer evA.mu.Unlock()
		return len(evA.left) == 1 && evA.left[0] == "peer-b"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBrokerRelaysSignalsBetweenPeers(t *testing.T) {
	f := newBrokerFixture(t)

	type sdpPayload struct {
		SDP string `json:"sdp"`
	}

	a := f.dial("peer-a")
	b := f.dial("peer-b")

	var mu sync.Mutex
	var fromID domain.PeerID
	var kind string
	var payload json.RawMessage
	b.OnSignal(func(from domain.PeerID, k string, p json.RawMessage) {
		mu.Lock()
		fromID, kind, payload = from, k, p
		mu.Unlock()
	})

	require.NoError(t, a.SendSignal("peer-b", "offer", sdpPayload{SDP: "v=0"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return kind == "offer"
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, domain.PeerID("peer-a"), fromID)
	var decoded sdpPayload
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "v=0", decoded.SDP)
}

func TestBrokerReportsUnknownRelayTarget(t *testing.T) {
	f := newBrokerFixture(t)
	a := f.dial("peer-a")

	var mu sync.Mutex
	var errs []error
	a.OnError(func(err error) { mu.Lock(); errs = append(errs, err); mu.Unlock() })

	require.NoError(t, a.SendSignal("ghost", "offer", map[string]string{"sdp": "v=0"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Contains(t, errs[0].Error(), "ghost")
	mu.Unlock()
}

func TestBrokerBroadcastsDepartureOnSocketLoss(t *testing.T) {
	f := newBrokerFixture(t)

	a := f.dial("peer-a")
	b := f.dial("peer-b")
	evA := watchRoom(a)

	require.NoError(t, a.JoinRoom(context.Background(), "room-1", "peer-a"))
	require.NoError(t, b.JoinRoom(context.Background(), "room-1", "peer-b"))

	require.Eventually(t, func() bool {
		evA.mu.Lock()
		defer evA.mu.Unlock()
		return len(evA.joined) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A hard close, not a polite leave_room.
	require.NoError(t, b.Close())

	require.Eventually(t, func() bool {
		evA.mu.Lock()
		defer evA.mu.Unlock()
		return len(evA.left) == 1 && evA.left[0] == "peer-b"
	}, 2*time.Second, 10*time.Millisecond)
}
