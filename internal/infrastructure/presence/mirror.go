package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/events"
	"peermesh/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	peerKeyPrefix = "peermesh:peer:"
	roomKeyPrefix = "peermesh:room:"
	eventChannel  = "peermesh:presence"

	presenceTTL     = 5 * time.Minute
	refreshInterval = time.Minute
)

// AnnouncementType labels cross-node presence events.
type AnnouncementType string

const (
	AnnounceJoined AnnouncementType = "peer.joined"
	AnnounceLeft   AnnouncementType = "peer.left"
)

// Announcement is one presence change published to other nodes.
type Announcement struct {
	Type      AnnouncementType `json:"type"`
	NodeID    string           `json:"node_id"`
	Timestamp time.Time        `json:"timestamp"`
	RoomID    domain.RoomID    `json:"room_id"`
	PeerID    domain.PeerID    `json:"peer_id"`
}

// Mirror keeps a Redis copy of this node's room presence so operators
// and sibling nodes can inspect who is where without talking to the
// node itself. Keys expire, so a crashed node disappears from the
// mirror within the TTL.
type Mirror struct {
	client  *redis.Client
	nodeID  string
	logger  *zap.SugaredLogger
	breaker *circuitbreaker.Breaker

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewMirror(client *redis.Client, nodeID string, logger *zap.SugaredLogger) *Mirror {
	m := &Mirror{
		client:  client,
		nodeID:  nodeID,
		logger:  logger,
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig()),
	}
	m.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		m.logger.Infow("presence redis circuit changed", "from", from, "to", to)
	})
	return m
}

// redisOp runs one fire-and-forget Redis write through the breaker, so
// a dead Redis stops costing a timeout per presence event.
func (m *Mirror) redisOp(op string, fn func() error) {
	err := m.breaker.Do(fn)
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		m.logger.Debugw("presence write skipped", "op", op)
	case err != nil:
		m.logger.Warnw("presence write failed", "op", op, "error", err)
	}
}

// Observe mirrors room membership changes as they are emitted. Writes
// are fire-and-forget: presence is advisory and must never stall the
// session path.
func (m *Mirror) Observe(em *events.Emitter, self func() *domain.RoomParticipant, room func() domain.RoomID) {
	em.On(events.RoomJoined, func(ev events.Event) {
		go m.joinRoom(ev.RoomID, self())
	})

	em.On(events.RoomLeft, func(ev events.Event) {
		go m.leaveRoom(ev.RoomID, self().ID)
	})

	em.On(events.Destroyed, func(events.Event) {
		if r := room(); r != "" {
			go m.leaveRoom(r, self().ID)
		}
		m.stopRefresh()
	})

	em.On(events.ParticipantUpdated, func(ev events.Event) {
		p := self()
		if ev.Participant == nil || ev.Participant.ID != p.ID {
			return
		}
		if r := room(); r != "" {
			go m.writeParticipant(r, ev.Participant)
		}
	})
}

func (m *Mirror) joinRoom(roomID domain.RoomID, p *domain.RoomParticipant) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m.writeParticipantCtx(ctx, roomID, p)

	key := roomKey(roomID)
	m.redisOp("roster add", func() error {
		if err := m.client.SAdd(ctx, key, string(p.ID)).Err(); err != nil {
			return err
		}
		return m.client.Expire(ctx, key, presenceTTL).Err()
	})

	m.announce(ctx, AnnounceJoined, roomID, p.ID)
	m.startRefresh(roomID, p.ID)
}

func (m *Mirror) leaveRoom(roomID domain.RoomID, peerID domain.PeerID) {
	m.stopRefresh()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m.redisOp("roster remove", func() error {
		if err := m.client.SRem(ctx, roomKey(roomID), string(peerID)).Err(); err != nil {
			return err
		}
		return m.client.Del(ctx, peerKey(peerID)).Err()
	})

	m.announce(ctx, AnnounceLeft, roomID, peerID)
}

func (m *Mirror) writeParticipant(roomID domain.RoomID, p *domain.RoomParticipant) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.writeParticipantCtx(ctx, roomID, p)
}

func (m *Mirror) writeParticipantCtx(ctx context.Context, roomID domain.RoomID, p *domain.RoomParticipant) {
	record := struct {
		NodeID      string                 `json:"node_id"`
		RoomID      domain.RoomID          `json:"room_id"`
		UpdatedAt   time.Time              `json:"updated_at"`
		Participant *domain.RoomParticipant `json:"participant"`
	}{
		NodeID:      m.nodeID,
		RoomID:      roomID,
		UpdatedAt:   time.Now(),
		Participant: p,
	}

	data, err := json.Marshal(record)
	if err != nil {
		m.logger.Warnw("presence record marshal failed", "peer_id", p.ID, "error", err)
		return
	}
	m.redisOp("record write", func() error {
		return m.client.Set(ctx, peerKey(p.ID), data, presenceTTL).Err()
	})
}

func (m *Mirror) announce(ctx context.Context, t AnnouncementType, roomID domain.RoomID, peerID domain.PeerID) {
	data, err := json.Marshal(Announcement{
		Type:      t,
		NodeID:    m.nodeID,
		Timestamp: time.Now(),
		RoomID:    roomID,
		PeerID:    peerID,
	})
	if err != nil {
		return
	}
	m.redisOp("announce", func() error {
		return m.client.Publish(ctx, eventChannel, data).Err()
	})
}

// startRefresh keeps the TTLs alive while the node stays in the room.
func (m *Mirror) startRefresh(roomID domain.RoomID, peerID domain.PeerID) {
	m.stopRefresh()

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.redisOp("ttl refresh", func() error {
					if err := m.client.Expire(ctx, peerKey(peerID), presenceTTL).Err(); err != nil {
						return err
					}
					return m.client.Expire(ctx, roomKey(roomID), presenceTTL).Err()
				})
			}
		}
	}()
}

func (m *Mirror) stopRefresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// Roster lists the peers currently mirrored for a room, across every
// node writing to the same Redis.
func (m *Mirror) Roster(ctx context.Context, roomID domain.RoomID) ([]domain.PeerID, error) {
	members, err := m.client.SMembers(ctx, roomKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read room roster: %w", err)
	}
	out := make([]domain.PeerID, len(members))
	for i, member := range members {
		out[i] = domain.PeerID(member)
	}
	return out, nil
}

// Lookup fetches one mirrored participant record, if still present.
func (m *Mirror) Lookup(ctx context.Context, peerID domain.PeerID) (*domain.RoomParticipant, error) {
	data, err := m.client.Get(ctx, peerKey(peerID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read presence record: %w", err)
	}

	var record struct {
		Participant *domain.RoomParticipant `json:"participant"`
	}
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("decode presence record: %w", err)
	}
	return record.Participant, nil
}

// Watch subscribes to presence announcements from other nodes and
// invokes the handler for each; this node's own announcements are
// skipped. Blocks until the context is cancelled.
func (m *Mirror) Watch(ctx context.Context, handler func(Announcement)) error {
	pubsub := m.client.Subscribe(ctx, eventChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ann Announcement
			if err := json.Unmarshal([]byte(msg.Payload), &ann); err != nil {
				m.logger.Warnw("malformed presence announcement", "payload", msg.Payload, "error", err)
				continue
			}
			if ann.NodeID == m.nodeID {
				continue
			}
			handler(ann)
		}
	}
}

// Close stops the refresh loop. Redis key expiry handles the rest.
func (m *Mirror) Close() error {
	m.stopRefresh()
	return nil
}

func peerKey(peerID domain.PeerID) string { return peerKeyPrefix + string(peerID) }
func roomKey(roomID domain.RoomID) string { return roomKeyPrefix + string(roomID) }
