package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"greenhouse/internal/actionqueue"
	"greenhouse/internal/db"
	"greenhouse/internal/models"
)

type handlers struct {
	store  *db.DB
	queue  *actionqueue.Queue
	logger *zap.Logger
}

type commandRequest struct {
	DeviceID string         `json:"device_id" binding:"required"`
	Command  map[string]any `json:"command" binding:"required"`
}

// enqueueCommand is the manual-command entry point. Operator commands
// go through the same queue and lanes as rule-triggered actions, so
// per-device ordering holds across both.
func (h *handlers) enqueueCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := h.store.GetDevice(c.Request.Context(), req.DeviceID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown device"})
		return
	}

	payload, err := json.Marshal(req.Command)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	action := &models.QueuedAction{
		Type:     models.ActionDeviceCommand,
		DeviceID: req.DeviceID,
		Payload:  payload,
		// RuleID stays nil: this is an operator command.
	}
	id, err := h.queue.Enqueue(c.Request.Context(), action)
	if err != nil {
		h.logger.Error("manual command enqueue failed",
			zap.String("device_id", req.DeviceID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"action_id": id})
}

func (h *handlers) listRules(c *gin.Context) {
	rules, err := h.store.GetAllRules(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rule fetch failed"})
		return
	}
	c.JSON(http.StatusOK, rules)
}

func (h *handlers) listExecutions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	execs, err := h.store.GetExecutions(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "execution fetch failed"})
		return
	}
	c.JSON(http.StatusOK, execs)
}

func (h *handlers) queueStats(c *gin.Context) {
	stats, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats unavailable"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *handlers) listDeadLetters(c *gin.Context) {
	limit, _ := strconv.ParseInt(c.DefaultQuery("limit", "100"), 10, 64)
	dead, err := h.queue.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "dead-letter fetch failed"})
		return
	}
	c.JSON(http.StatusOK, dead)
}

func (h *handlers) replayDeadLetter(c *gin.Context) {
	if err := h.queue.ReplayDeadLetter(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "requeued"})
}
