package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/events"
	"peermesh/internal/core/ports"
	"peermesh/internal/core/services"
	"peermesh/internal/infrastructure/middleware"
	"peermesh/internal/infrastructure/monitoring"
	"peermesh/internal/infrastructure/signal"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubTransport struct {
	connected bool
}

func (s *stubTransport) Open(context.Context, domain.PeerID) error { s.connected = true; return nil }
func (s *stubTransport) Connected() bool                           { return s.connected }
func (s *stubTransport) Reconnect(context.Context) error           { s.connected = true; return nil }
func (s *stubTransport) Connect(context.Context, domain.PeerID) (ports.DataChannel, error) {
	return nil, errors.New("no peers in this fixture")
}
func (s *stubTransport) Call(context.Context, domain.PeerID, ports.MediaStream) (ports.MediaCall, error) {
	return nil, errors.New("no peers in this fixture")
}
func (s *stubTransport) OnConnection(func(ports.DataChannel)) {}
func (s *stubTransport) OnCall(func(ports.MediaCall))         {}
func (s *stubTransport) OnDisconnected(func())                {}
func (s *stubTransport) OnError(func(error))                  {}
func (s *stubTransport) Close() error                         { s.connected = false; return nil }

type stubSignaling struct{}

func (s *stubSignaling) JoinRoom(context.Context, domain.RoomID, domain.PeerID) error { return nil }
func (s *stubSignaling) LeaveRoom(context.Context) error                              { return nil }
func (s *stubSignaling) OnUserJoined(func(domain.PeerID))                             {}
func (s *stubSignaling) OnUserLeft(func(domain.PeerID))                               {}
func (s *stubSignaling) OnParticipants(func([]domain.PeerID))                         {}
func (s *stubSignaling) Close() error                                                 { return nil }

type stubCapture struct{}

func (s *stubCapture) GetUserMedia(context.Context, ports.MediaConstraints) (ports.MediaStream, error) {
	return nil, errors.New("no devices in this fixture")
}
func (s *stubCapture) GetDisplayMedia(context.Context) (ports.MediaStream, error) {
	return nil, errors.New("no devices in this fixture")
}

type fixture struct {
	router   *gin.Engine
	orch     *services.SessionOrchestrator
	registry *services.ConnectionRegistry
	emitter  *events.Emitter
}

func newFixture(t *testing.T, apiMiddleware ...gin.HandlerFunc) *fixture {
	gin.SetMode(gin.TestMode)

	logger := zaptest.NewLogger(t).Sugar()
	emitter := events.NewEmitter()
	transport := &stubTransport{}
	signaling := &stubSignaling{}

	self := domain.RoomParticipant{ID: "self", DisplayName: "Self", Role: "host"}
	registry := services.NewConnectionRegistry(transport, emitter, self, logger)
	streams := services.NewStreamController(&stubCapture{}, emitter, domain.DefaultPresetLadder(), "high", logger)
	monitor := services.NewNetworkMonitor(services.DefaultMonitorConfig(), registry, emitter, logger)
	orch := services.NewSessionOrchestrator(transport, signaling, registry, streams, monitor, emitter,
		services.DefaultOrchestratorConfig(), logger)
	t.Cleanup(orch.Destroy)

	promReg := prometheus.NewRegistry()
	monitoring.NewCollector(promReg).Observe(emitter)

	health := monitoring.NewHealthChecker()
	health.AddSignalCheck(transport.Connected)

	handler := NewSessionHandler(orch, registry, streams, monitor, health, promReg)
	router := gin.New()
	router.Use(middleware.Recovery(logger), middleware.ErrorHandler(logger))
	handler.SetupRoutes(router, apiMiddleware...)

	return &fixture{router: router, orch: orch, registry: registry, emitter: emitter}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthReflectsSignalState(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, f.orch.Initialize(context.Background(), "self"))

	rec = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetSessionShowsLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/session", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "uninitialized", body["state"])
	assert.Equal(t, "high", body["preset"])

	require.NoError(t, f.orch.Initialize(context.Background(), "self"))
	rec = f.do(t, http.MethodPost, "/api/v1/session/join", `{"room_id":"room-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/session", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "joined", body["state"])
	assert.Equal(t, "room-1", body["room_id"])
}

func TestJoinRoomBeforeInitializeConflicts(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/session/join", `{"room_id":"room-1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestLeaveRoomWithoutJoinConflicts(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.Initialize(context.Background(), "self"))

	rec := f.do(t, http.MethodPost, "/api/v1/session/leave", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListPeersIncludesKnownParticipants(t *testing.T) {
	f := newFixture(t)
	f.registry.EnsureParticipant("p2")

	rec := f.do(t, http.MethodGet, "/api/v1/peers", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Peers []peerView `json:"peers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Peers, 1)
	assert.Equal(t, domain.PeerID("p2"), body.Peers[0].Participant.ID)
}

func TestGetPeerNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/peers/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetQualityUnknownPreset(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/quality", `{"preset":"8k"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateSelfMergesLiveState(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPatch, "/api/v1/session/self", `{"speaking":true,"emotion":"happy"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	self := f.registry.Self()
	assert.True(t, self.Speaking)
	assert.Equal(t, "happy", self.Emotion)
	assert.Equal(t, "Self", self.DisplayName)
}

func TestMetricsEndpointServesCollector(t *testing.T) {
	f := newFixture(t)

	f.emitter.Emit(events.Event{Type: events.PeerConnected, PeerID: "p1"})

	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "peermesh_peers_connected 1")
}

func bearerToken(t *testing.T, secret string) string {
	t.Helper()
	claims := &signal.Claims{
		PeerID: "self",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestAuthGuardsAPIButNotProbes(t *testing.T) {
	const secret = "api-secret"
	f := newFixture(t, middleware.Auth(secret))

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/v1/session", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/api/v1/session/join", `{"room_id":"room-1"}`).Code)

	// Health and metrics stay reachable for probes and scrapers.
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/metrics", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/session", nil)
	req.Header.Set("Authorization", "Bearer "+bearerToken(t, secret))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
