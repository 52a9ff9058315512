package signal

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"peermesh/internal/core/domain"
	"peermesh/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Broker is the server side of the signaling protocol: it
// authenticates peers, tracks room membership and relays negotiation
// envelopes between peers. Rooms exist only while occupied.
type Broker struct {
	secret   string
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	peers map[domain.PeerID]*brokerPeer
	rooms map[domain.RoomID]map[domain.PeerID]struct{}
}

// brokerPeer serializes writes to one connected socket.
type brokerPeer struct {
	id   domain.PeerID
	conn *websocket.Conn
	room domain.RoomID

	writeMu sync.Mutex
}

func NewBroker(secret string, logger *zap.SugaredLogger) *Broker {
	return &Broker{
		secret: secret,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		peers: make(map[domain.PeerID]*brokerPeer),
		rooms: make(map[domain.RoomID]map[domain.PeerID]struct{}),
	}
}

// HandleWebSocket upgrades an authenticated connection and serves it
// until the socket closes.
func (b *Broker) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	peerID := domain.PeerID(r.URL.Query().Get("peer_id"))
	token := r.URL.Query().Get("token")
	if peerID == "" || token == "" {
		http.Error(w, "peer_id and token required", http.StatusUnauthorized)
		return
	}
	if err := validation.PeerID(string(peerID)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	claims, err := ValidateToken(token, b.secret)
	if err != nil || claims.PeerID != peerID {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warnw("websocket upgrade failed", "peer_id", peerID, "error", err)
		return
	}

	peer := &brokerPeer{id: peerID, conn: conn}

	b.mu.Lock()
	if existing, ok := b.peers[peerID]; ok {
		// A redial replaces the previous socket.
		existing.conn.Close()
	}
	b.peers[peerID] = peer
	b.mu.Unlock()

	b.logger.Infow("peer connected", "peer_id", peerID)
	b.readLoop(peer)
}

// HealthCheck serves a liveness probe with the current peer count.
func (b *Broker) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	peers := len(b.peers)
	rooms := len(b.rooms)
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "healthy",
		"peers":  peers,
		"rooms":  rooms,
	})
}

func (b *Broker) readLoop(peer *brokerPeer) {
	defer b.disconnect(peer)

	peer.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	peer.conn.SetPongHandler(func(string) error {
		return peer.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	})
	peer.conn.SetPingHandler(func(appData string) error {
		peer.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		peer.writeMu.Lock()
		defer peer.writeMu.Unlock()
		return peer.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	for {
		var msg SignalMessage
		if err := peer.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case msgJoinRoom:
			b.joinRoom(peer, msg.RoomID)
		case msgLeaveRoom:
			b.leaveRoom(peer)
		case msgSignal:
			b.relay(peer, msg)
		default:
			b.send(peer, SignalMessage{Type: msgError, Message: "unknown message type " + msg.Type})
		}
	}
}

func (b *Broker) joinRoom(peer *brokerPeer, roomID domain.RoomID) {
	if err := validation.RoomID(string(roomID)); err != nil {
		b.send(peer, SignalMessage{Type: msgError, Message: err.Error()})
		return
	}

	b.mu.Lock()
	if peer.room != "" && peer.room != roomID {
		b.removeFromRoomLocked(peer)
	}
	members, ok := b.rooms[roomID]
	if !ok {
		members = make(map[domain.PeerID]struct{})
		b.rooms[roomID] = members
	}
	members[peer.id] = struct{}{}
	peer.room = roomID

	roster := make([]domain.PeerID, 0, len(members))
	others := make([]*brokerPeer, 0, len(members))
	for id := range members {
		roster = append(roster, id)
		if id != peer.id {
			if p, ok := b.peers[id]; ok {
				others = append(others, p)
			}
		}
	}
	b.mu.Unlock()

	// The joiner gets the authoritative roster; everyone else learns
	// about the newcomer.
	b.send(peer, SignalMessage{Type: msgParticipants, RoomID: roomID, PeerIDs: roster})
	for _, other := range others {
		b.send(other, SignalMessage{Type: msgUserJoined, RoomID: roomID, PeerID: peer.id})
	}

	b.logger.Infow("peer joined room", "peer_id", peer.id, "room_id", roomID)
}

func (b *Broker) leaveRoom(peer *brokerPeer) {
	b.mu.Lock()
	roomID := peer.room
	others := b.removeFromRoomLocked(peer)
	b.mu.Unlock()

	for _, other := range others {
		b.send(other, SignalMessage{Type: msgUserLeft, RoomID: roomID, PeerID: peer.id})
	}
	if roomID != "" {
		b.logger.Infow("peer left room", "peer_id", peer.id, "room_id", roomID)
	}
}

// removeFromRoomLocked detaches the peer from its room and returns the
// remaining members to notify. Caller holds b.mu.
func (b *Broker) removeFromRoomLocked(peer *brokerPeer) []*brokerPeer {
	roomID := peer.room
	if roomID == "" {
		return nil
	}
	peer.room = ""

	members, ok := b.rooms[roomID]
	if !ok {
		return nil
	}
	delete(members, peer.id)
	if len(members) == 0 {
		delete(b.rooms, roomID)
		return nil
	}

	others := make([]*brokerPeer, 0, len(members))
	for id := range members {
		if p, ok := b.peers[id]; ok {
			others = append(others, p)
		}
	}
	return others
}

// relay forwards a negotiation envelope to its target, stamping the
// sender so the target cannot be lied to about the origin.
func (b *Broker) relay(from *brokerPeer, msg SignalMessage) {
	if msg.TargetID == "" {
		b.send(from, SignalMessage{Type: msgError, Message: "target_id required"})
		return
	}

	b.mu.Lock()
	target, ok := b.peers[msg.TargetID]
	b.mu.Unlock()
	if !ok {
		b.send(from, SignalMessage{Type: msgError, Message: "peer " + string(msg.TargetID) + " not connected"})
		return
	}

	b.send(target, SignalMessage{
		Type:    msgSignal,
		PeerID:  from.id,
		Kind:    msg.Kind,
		Payload: msg.Payload,
	})
}

func (b *Broker) disconnect(peer *brokerPeer) {
	b.mu.Lock()
	// A replaced socket must not evict its successor.
	if current, ok := b.peers[peer.id]; ok && current == peer {
		delete(b.peers, peer.id)
	}
	roomID := peer.room
	others := b.removeFromRoomLocked(peer)
	b.mu.Unlock()

	peer.conn.Close()
	for _, other := range others {
		b.send(other, SignalMessage{Type: msgUserLeft, RoomID: roomID, PeerID: peer.id})
	}
	b.logger.Infow("peer disconnected", "peer_id", peer.id)
}

func (b *Broker) send(peer *brokerPeer, msg SignalMessage) {
	peer.writeMu.Lock()
	defer peer.writeMu.Unlock()
	peer.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := peer.conn.WriteJSON(msg); err != nil {
		b.logger.Debugw("broker write failed", "peer_id", peer.id, "error", err)
	}
}
