package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"peermesh/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Message types exchanged with the signaling broker.
const (
	msgJoinRoom     = "join_room"
	msgLeaveRoom    = "leave_room"
	msgUserJoined   = "user_joined"
	msgUserLeft     = "user_left"
	msgParticipants = "participants"
	msgSignal       = "signal"
	msgError        = "error"
)

// SignalMessage is the broker envelope. Peer-to-peer negotiation
// payloads (SDP, ICE) ride inside "signal" envelopes and are relayed
// verbatim; the broker only routes them.
type SignalMessage struct {
	Type     string          `json:"type"`
	PeerID   domain.PeerID   `json:"peer_id,omitempty"`
	TargetID domain.PeerID   `json:"target_id,omitempty"`
	RoomID   domain.RoomID   `json:"room_id,omitempty"`
	PeerIDs  []domain.PeerID `json:"peer_ids,omitempty"`
	Kind     string          `json:"kind,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// Claims is the JWT presented when dialing the broker.
type Claims struct {
	PeerID domain.PeerID `json:"peer_id"`
	jwt.RegisteredClaims
}

// Config for the broker client.
type Config struct {
	URL          string
	TokenSecret  string
	TokenTTL     time.Duration
	DialTimeout  time.Duration
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		TokenTTL:     time.Hour,
		DialTimeout:  10 * time.Second,
		PingInterval: 30 * time.Second,
		PongTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Client is the websocket client side of the signaling broker. It
// implements ports.Signaling for room membership and additionally
// relays opaque negotiation envelopes for the transport layer.
type Client struct {
	cfg    Config
	logger *zap.SugaredLogger

	mu      sync.Mutex
	conn    *websocket.Conn
	selfID  domain.PeerID
	roomID  domain.RoomID
	closed  bool
	readGen int

	onUserJoined   func(domain.PeerID)
	onUserLeft     func(domain.PeerID)
	onParticipants func([]domain.PeerID)
	onSignal       func(from domain.PeerID, kind string, payload json.RawMessage)
	onDisconnected func()
	onError        func(error)
}

func NewClient(cfg Config, logger *zap.SugaredLogger) *Client {
	def := DefaultConfig()
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = def.TokenTTL
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &Client{cfg: cfg, logger: logger}
}

// Dial connects and authenticates to the broker as selfID. It returns
// once the socket is established; read failures afterwards surface via
// the disconnected callback.
func (c *Client) Dial(ctx context.Context, selfID domain.PeerID) error {
	token, err := c.mintToken(selfID)
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}

	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse signal url: %w", err)
	}
	q := u.Query()
	q.Set("peer_id", string(selfID))
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return nil
	})

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.selfID = selfID
	c.closed = false
	c.readGen++
	gen := c.readGen
	c.mu.Unlock()

	go c.readPump(conn, gen)
	go c.pingLoop(conn, gen)

	c.logger.Infow("signaling connected", "peer_id", selfID, "url", c.cfg.URL)
	return nil
}

// Connected reports whether the socket is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

// Redial re-establishes the socket with the same identity.
func (c *Client) Redial(ctx context.Context) error {
	c.mu.Lock()
	selfID := c.selfID
	c.mu.Unlock()
	if selfID == "" {
		return fmt.Errorf("redial before dial")
	}
	return c.Dial(ctx, selfID)
}

// JoinRoom implements ports.Signaling.
func (c *Client) JoinRoom(ctx context.Context, roomID domain.RoomID, selfID domain.PeerID) error {
	c.mu.Lock()
	c.roomID = roomID
	c.mu.Unlock()
	return c.write(SignalMessage{Type: msgJoinRoom, PeerID: selfID, RoomID: roomID})
}

// LeaveRoom implements ports.Signaling.
func (c *Client) LeaveRoom(ctx context.Context) error {
	c.mu.Lock()
	roomID := c.roomID
	selfID := c.selfID
	c.roomID = ""
	c.mu.Unlock()
	if roomID == "" {
		return nil
	}
	return c.write(SignalMessage{Type: msgLeaveRoom, PeerID: selfID, RoomID: roomID})
}

func (c *Client) OnUserJoined(fn func(domain.PeerID)) { c.onUserJoined = fn }

func (c *Client) OnUserLeft(fn func(domain.PeerID)) { c.onUserLeft = fn }

func (c *Client) OnParticipants(fn func([]domain.PeerID)) { c.onParticipants = fn }

// OnSignal registers the negotiation-envelope handler used by the
// transport layer.
func (c *Client) OnSignal(fn func(from domain.PeerID, kind string, payload json.RawMessage)) {
	c.onSignal = fn
}

// OnDisconnected registers the socket-loss handler.
func (c *Client) OnDisconnected(fn func()) { c.onDisconnected = fn }

func (c *Client) OnError(fn func(error)) { c.onError = fn }

// SendSignal relays an opaque negotiation payload to one peer.
func (c *Client) SendSignal(target domain.PeerID, kind string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	selfID := c.selfID
	c.mu.Unlock()
	return c.write(SignalMessage{
		Type:     msgSignal,
		PeerID:   selfID,
		TargetID: target,
		Kind:     kind,
		Payload:  raw,
	})
}

// Close shuts the socket down for good.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.readGen++
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) mintToken(selfID domain.PeerID) (string, error) {
	claims := &Claims{
		PeerID: selfID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(selfID),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(c.cfg.TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(c.cfg.TokenSecret))
}

// ValidateToken checks a broker token; exported so a co-located broker
// can share the secret scheme.
func ValidateToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

func (c *Client) write(msg SignalMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.closed {
		return fmt.Errorf("signaling not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *Client) readPump(conn *websocket.Conn, gen int) {
	for {
		var msg SignalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			c.handleReadFailure(conn, gen, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		c.dispatch(msg)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, gen int) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		stale := c.conn != conn || c.readGen != gen || c.closed
		c.mu.Unlock()
		if stale {
			return
		}
		conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			return
		}
	}
}

// handleReadFailure reports socket loss exactly once per connection
// generation; a Redial bumps the generation so stale pumps go quiet.
func (c *Client) handleReadFailure(conn *websocket.Conn, gen int, err error) {
	c.mu.Lock()
	if c.conn != conn || c.readGen != gen || c.closed {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		c.logger.Warnw("signaling socket lost", "error", err)
	}
	if c.onDisconnected != nil {
		c.onDisconnected()
	}
}

func (c *Client) dispatch(msg SignalMessage) {
	switch msg.Type {
	case msgUserJoined:
		if c.onUserJoined != nil && msg.PeerID != "" {
			c.onUserJoined(msg.PeerID)
		}
	case msgUserLeft:
		if c.onUserLeft != nil && msg.PeerID != "" {
			c.onUserLeft(msg.PeerID)
		}
	case msgParticipants:
		if c.onParticipants != nil {
			c.onParticipants(msg.PeerIDs)
		}
	case msgSignal:
		if c.onSignal != nil {
			c.onSignal(msg.PeerID, msg.Kind, msg.Payload)
		}
	case msgError:
		c.logger.Warnw("broker error", "message", msg.Message)
		if c.onError != nil {
			c.onError(fmt.Errorf("broker: %s", msg.Message))
		}
	default:
		c.logger.Debugw("unknown broker message", "type", msg.Type)
	}
}
