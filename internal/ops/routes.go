package ops

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/logging"
	"github.com/zulandar/switchboard/internal/metrics"
	"github.com/zulandar/switchboard/internal/pipeline"
	"github.com/zulandar/switchboard/internal/queue"
	"github.com/zulandar/switchboard/internal/ticket"
	"gorm.io/gorm"
)

// settingKeys are the settings operators may change at runtime.
var settingKeys = map[string]bool{
	db.SettingAutoReply: true,
}

type handlers struct {
	db  *gorm.DB
	p   *pipeline.Pipeline
	q   *queue.Queue
	log logging.Logger
}

// registerRoutes sets up all ops routes on the Gin router.
func registerRoutes(router *gin.Engine, h *handlers) {
	router.GET("/healthz", h.health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	router.POST("/inbound", h.inbound)
	router.GET("/tickets/:id/pipeline", h.ticketPipeline)
	router.POST("/processing/:id/retry", h.retryProcessing)

	router.GET("/jobs", h.listJobs)
	router.POST("/jobs/:id/requeue", h.requeueJob)

	router.PUT("/settings", h.updateSettings)
}

func abort(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func idParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
		return 0, false
	}
	return uint(id), true
}

func (h *handlers) health(c *gin.Context) {
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		abort(c, http.StatusServiceUnavailable, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type inboundRequest struct {
	TicketID          string         `json:"ticket_id"`
	ThreadKey         string         `json:"thread_key"`
	Subject           string         `json:"subject"`
	CustomerEmail     string         `json:"customer_email" binding:"required,email"`
	CustomerName      string         `json:"customer_name"`
	Body              string         `json:"body" binding:"required"`
	ExternalMessageID string         `json:"external_message_id"`
	Metadata          map[string]any `json:"metadata"`
}

// inbound records an API-source message and starts a run for its ticket.
func (h *handlers) inbound(c *gin.Context) {
	var req inboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	res, row, err := h.p.Receive(c.Request.Context(), ticket.InboundOpts{
		TicketID:          req.TicketID,
		ThreadKey:         req.ThreadKey,
		Subject:           req.Subject,
		Source:            ticket.SourceAPI,
		CustomerEmail:     req.CustomerEmail,
		CustomerName:      req.CustomerName,
		Body:              req.Body,
		ExternalMessageID: req.ExternalMessageID,
		Metadata:          req.Metadata,
	})
	if err != nil {
		if errors.Is(err, ticket.ErrNotFound) {
			abort(c, http.StatusNotFound, err)
			return
		}
		h.log.Error("inbound message failed", "err", err)
		abort(c, http.StatusInternalServerError, err)
		return
	}

	out := gin.H{
		"ticket_id":  res.Ticket.ID,
		"message_id": res.Message.ID,
		"status":     res.Ticket.Status,
		"created":    res.Created,
		"reopened":   res.Reopened,
	}
	if row != nil {
		out["processing_id"] = row.ID
		out["run"] = row.Run
	}
	c.JSON(http.StatusAccepted, out)
}

// ticketPipeline lists every processing row of a ticket in run and stage
// order.
func (h *handlers) ticketPipeline(c *gin.Context) {
	t, err := ticket.Get(h.db.WithContext(c.Request.Context()), c.Param("id"))
	if err != nil {
		if errors.Is(err, ticket.ErrNotFound) {
			abort(c, http.StatusNotFound, err)
			return
		}
		abort(c, http.StatusInternalServerError, err)
		return
	}
	rows, err := pipeline.Processing(h.db.WithContext(c.Request.Context()), t.ID)
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ticket_id":         t.ID,
		"status":            t.Status,
		"escalation_reason": t.EscalationReason,
		"processing":        rows,
	})
}

func (h *handlers) retryProcessing(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	row, err := h.p.RetryProcessing(c.Request.Context(), id)
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		abort(c, http.StatusNotFound, err)
		return
	case errors.Is(err, pipeline.ErrNotRetryable):
		abort(c, http.StatusConflict, err)
		return
	case err != nil:
		h.log.Error("retry failed", "processing", id, "err", err)
		abort(c, http.StatusInternalServerError, err)
		return
	}
	h.log.Info("processing retried", "processing", row.ID, "ticket", row.TicketID, "stage", row.Stage)
	c.JSON(http.StatusAccepted, row)
}

func (h *handlers) listJobs(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			abort(c, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	jobs, err := h.q.List(c.Request.Context(), c.Query("status"), limit)
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// requeueJob is the manual recovery path for dead jobs. Stage jobs are
// retried through their processing row and run again under a new job.
func (h *handlers) requeueJob(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	row, err := h.p.RequeueJob(c.Request.Context(), id)
	switch {
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, pipeline.ErrNotFound):
		abort(c, http.StatusNotFound, err)
		return
	case errors.Is(err, queue.ErrNotDead), errors.Is(err, pipeline.ErrNotRetryable):
		abort(c, http.StatusConflict, err)
		return
	case err != nil:
		h.log.Error("requeue failed", "job", id, "err", err)
		abort(c, http.StatusInternalServerError, err)
		return
	}
	if row == nil {
		c.JSON(http.StatusAccepted, gin.H{"job_id": id, "status": queue.StatusPending})
		return
	}
	h.log.Info("stage job requeued", "job", id, "processing", row.ID, "ticket", row.TicketID, "stage", row.Stage)
	c.JSON(http.StatusAccepted, gin.H{"job_id": *row.JobID, "status": queue.StatusPending, "processing": row})
}

func (h *handlers) updateSettings(c *gin.Context) {
	var values map[string]string
	if err := c.ShouldBindJSON(&values); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if len(values) == 0 {
		abort(c, http.StatusBadRequest, errors.New("no settings given"))
		return
	}
	for k, v := range values {
		if !settingKeys[k] {
			abort(c, http.StatusBadRequest, errors.New("unknown setting: "+k))
			return
		}
		if _, err := strconv.ParseBool(v); err != nil {
			abort(c, http.StatusBadRequest, errors.New("setting "+k+" must be true or false"))
			return
		}
	}
	if err := db.UpdateSettings(h.db.WithContext(c.Request.Context()), values); err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	h.log.Info("settings updated", "keys", len(values))
	c.JSON(http.StatusOK, values)
}
