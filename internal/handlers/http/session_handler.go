package http

import (
	"net/http"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/services"
	"peermesh/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SessionHandler exposes the node's session over a small diagnostics
// API: inspect state and peers, join and leave rooms, force quality
// changes.
type SessionHandler struct {
	orch     *services.SessionOrchestrator
	registry *services.ConnectionRegistry
	streams  *services.StreamController
	monitor  *services.NetworkMonitor
	health   *monitoring.HealthChecker
	gatherer prometheus.Gatherer
}

func NewSessionHandler(
	orch *services.SessionOrchestrator,
	registry *services.ConnectionRegistry,
	streams *services.StreamController,
	monitor *services.NetworkMonitor,
	health *monitoring.HealthChecker,
	gatherer prometheus.Gatherer,
) *SessionHandler {
	return &SessionHandler{
		orch:     orch,
		registry: registry,
		streams:  streams,
		monitor:  monitor,
		health:   health,
		gatherer: gatherer,
	}
}

// SetupRoutes registers the API. Middleware passed in (typically auth)
// guards /api/v1 only; health and metrics stay open for probes and
// scrapers.
func (h *SessionHandler) SetupRoutes(router *gin.Engine, apiMiddleware ...gin.HandlerFunc) {
	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api/v1", apiMiddleware...)
	{
		api.GET("/session", h.GetSession)
		api.POST("/session/join", h.JoinRoom)
		api.POST("/session/leave", h.LeaveRoom)
		api.PATCH("/session/self", h.UpdateSelf)

		api.GET("/peers", h.ListPeers)
		api.GET("/peers/:id", h.GetPeer)

		api.POST("/quality", h.SetQuality)
	}
}

func (h *SessionHandler) Health(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":   h.orch.State().String(),
		"self_id": h.orch.SelfID(),
		"room_id": h.orch.RoomID(),
		"self":    h.registry.Self(),
		"preset":  h.streams.CurrentPreset(),
	})
}

func (h *SessionHandler) JoinRoom(c *gin.Context) {
	var req struct {
		RoomID domain.RoomID `json:"room_id" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.orch.JoinRoom(c.Request.Context(), req.RoomID); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "joined", "room_id": req.RoomID})
}

func (h *SessionHandler) LeaveRoom(c *gin.Context) {
	if err := h.orch.LeaveRoom(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "left"})
}

func (h *SessionHandler) UpdateSelf(c *gin.Context) {
	var update domain.ParticipantUpdate
	if err := c.BindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.orch.UpdateSelfInfo(update)
	c.JSON(http.StatusOK, gin.H{"self": h.registry.Self()})
}

type peerView struct {
	Participant domain.RoomParticipant   `json:"participant"`
	Status      *services.StatusSnapshot `json:"status,omitempty"`
}

func (h *SessionHandler) ListPeers(c *gin.Context) {
	participants := h.registry.Participants()
	peers := make([]peerView, 0, len(participants))
	for _, p := range participants {
		view := peerView{Participant: p}
		if snap, ok := h.monitor.StatusOf(p.ID); ok {
			view.Status = &snap
		}
		peers = append(peers, view)
	}
	c.JSON(http.StatusOK, gin.H{"peers": peers})
}

func (h *SessionHandler) GetPeer(c *gin.Context) {
	peerID := domain.PeerID(c.Param("id"))

	participant, ok := h.registry.Participant(peerID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "peer not found"})
		return
	}

	view := peerView{Participant: participant}
	if snap, ok := h.monitor.StatusOf(peerID); ok {
		view.Status = &snap
	}
	c.JSON(http.StatusOK, view)
}

func (h *SessionHandler) SetQuality(c *gin.Context) {
	var req struct {
		Preset string `json:"preset" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.streams.SetVideoQuality(req.Preset); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"preset": h.streams.CurrentPreset()})
}
