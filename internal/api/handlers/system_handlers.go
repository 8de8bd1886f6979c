package handlers

import (
	"net/http"

	"balagruha-offline-sync/internal/api/middleware"
	"balagruha-offline-sync/internal/core/models"
	"balagruha-offline-sync/internal/services/queue"
	"balagruha-offline-sync/internal/utils"

	"github.com/gin-gonic/gin"
)

// Connectivity reports the last known uplink state.
type Connectivity interface {
	Online() bool
	IsConnected() bool
}

// SystemStatus is returned by GET /system/status.
type SystemStatus struct {
	Queue      models.QueueCounts `json:"queue"`
	Host       *utils.SystemStats `json:"host"`
	MQTT       *MQTTStatus        `json:"mqtt,omitempty"`
	SSEClients int                `json:"sseClients"`
	Language   string             `json:"language"`
}

// MQTTStatus describes the connectivity channel.
type MQTTStatus struct {
	Connected bool `json:"connected"`
	Online    bool `json:"online"`
}

// SystemHandler serves node status information.
type SystemHandler struct {
	queue        *queue.Service
	dataDir      string
	connectivity Connectivity
	clients      func() int
}

// NewSystemHandler creates the status handler. connectivity and clients may be nil.
func NewSystemHandler(q *queue.Service, dataDir string, connectivity Connectivity, clients func() int) *SystemHandler {
	return &SystemHandler{queue: q, dataDir: dataDir, connectivity: connectivity, clients: clients}
}

// RegisterRoutes registers the system routes on the /api/v1 group.
func (h *SystemHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/system/status", h.Status)
}

// Status returns queue counts and host statistics.
func (h *SystemHandler) Status(c *gin.Context) {
	counts, err := h.queue.Counts(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	status := SystemStatus{
		Queue:    counts,
		Host:     utils.GetSystemStats(h.dataDir),
		Language: middleware.Language(c),
	}
	if h.connectivity != nil {
		status.MQTT = &MQTTStatus{
			Connected: h.connectivity.IsConnected(),
			Online:    h.connectivity.Online(),
		}
	}
	if h.clients != nil {
		status.SSEClients = h.clients()
	}

	respond(c, http.StatusOK, status, "system_status", nil)
}
