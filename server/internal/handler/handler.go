package handler

import (
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/taskmgr818/fractal-at-home/server/internal/dispatcher"
	"github.com/taskmgr818/fractal-at-home/server/internal/model"
	"github.com/taskmgr818/fractal-at-home/server/internal/ws"
)

// JobStatus reports the running job. service.RenderService implements it.
type JobStatus interface {
	JobID() string
	Status(workers int) *model.JobResponse
}

// Sessions lists connected workers. dispatcher.Dispatcher implements it.
type Sessions interface {
	SessionCount() int
	Sessions() []dispatcher.SessionInfo
}

// JobHistory lists past jobs. store.Store implements it.
type JobHistory interface {
	RecentJobs(limit int) ([]model.JobLog, error)
	FragmentCounts(jobID string) (map[string]int64, error)
}

// Handler holds the monitor HTTP/WS endpoint handlers.
type Handler struct {
	job      JobStatus
	sessions Sessions
	hub      *ws.Hub
	history  JobHistory   // nil when the job log is disabled
	metrics  http.Handler // nil when metrics are disabled
	upgrader websocket.Upgrader
}

// NewHandler creates the handler set. history and metrics may be nil.
func NewHandler(job JobStatus, sessions Sessions, hub *ws.Hub, history JobHistory, metrics http.Handler) *Handler {
	return &Handler{
		job:      job,
		sessions: sessions,
		hub:      hub,
		history:  history,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes registers all routes on the Gin engine.
// authMiddleware, when given, protects everything except health and metrics.
func (h *Handler) RegisterRoutes(r *gin.Engine, authMiddleware ...gin.HandlerFunc) {
	// ── Public endpoints (no auth) ──
	r.GET("/api/v1/health", h.Health)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics))
	}

	// ── Protected monitor endpoints ──
	protected := r.Group("", authMiddleware...)
	protected.GET("/ws", h.WebSocket)
	api := protected.Group("/api/v1")
	{
		api.GET("/job", h.Job)
		api.GET("/sessions", h.Sessions)
		api.GET("/jobs", h.Jobs)
	}
}

// ─────────────────────────────────────────────
// GET /api/v1/health
// ─────────────────────────────────────────────

// Health returns basic server health info.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"connected_workers": h.sessions.SessionCount(),
		"monitors":          h.hub.ClientCount(),
	})
}

// ─────────────────────────────────────────────
// GET /api/v1/job
// ─────────────────────────────────────────────

// Job returns the progress of the running job.
func (h *Handler) Job(c *gin.Context) {
	c.JSON(http.StatusOK, h.job.Status(h.sessions.SessionCount()))
}

// ─────────────────────────────────────────────
// GET /api/v1/sessions
// ─────────────────────────────────────────────

// Sessions lists connected workers.
func (h *Handler) Sessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.sessions.Sessions()})
}

// ─────────────────────────────────────────────
// GET /api/v1/jobs?limit=N
// ─────────────────────────────────────────────

// Jobs lists recent jobs from the job log, with per-worker fragment counts
// for the running job.
func (h *Handler) Jobs(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job log disabled"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 || limit > 500 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be in [1, 500]"})
		return
	}

	jobs, err := h.history.RecentJobs(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	counts, err := h.history.FragmentCounts(h.job.JobID())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "current_fragments_by_worker": counts})
}

// ─────────────────────────────────────────────
// GET /ws  (monitor progress stream)
// ─────────────────────────────────────────────

// WebSocket upgrades the connection and streams dispatcher events.
func (h *Handler) WebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[handler] websocket upgrade error: %v", err)
		return
	}
	ws.NewClient(conn, h.hub).Run()
}
