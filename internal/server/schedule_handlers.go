package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/rota/backend/internal/metadata"
	"github.com/gin-gonic/gin"
)

func (h *httpHandler) handleListSchedules(c *gin.Context) {
	records, err := h.schedules.List(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Failed to get schedules")
		return
	}
	if records == nil {
		records = []metadata.ScheduleRecord{}
	}
	c.JSON(http.StatusOK, records)
}

func (h *httpHandler) handleGetSchedule(c *gin.Context) {
	id, ok := parseScheduleID(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Schedule not found"})
		return
	}
	record, err := h.schedules.Get(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, "Failed to get schedule")
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleCreateSchedule(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	record, err := h.schedules.Create(c.Request.Context(), payload)
	if err != nil {
		h.respondError(c, err, "Failed to create schedule")
		return
	}
	h.publish(RealtimeEventScheduleChanged, record.ID)
	c.JSON(http.StatusCreated, record)
}

func (h *httpHandler) handlePatchSchedule(c *gin.Context) {
	h.updateSchedule(c, false)
}

func (h *httpHandler) handleReplaceSchedule(c *gin.Context) {
	h.updateSchedule(c, true)
}

func (h *httpHandler) updateSchedule(c *gin.Context, replace bool) {
	id, ok := parseScheduleID(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Schedule not found"})
		return
	}
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	var record metadata.ScheduleRecord
	if replace {
		record, err = h.schedules.Replace(c.Request.Context(), id, payload)
	} else {
		record, err = h.schedules.Patch(c.Request.Context(), id, payload)
	}
	if err != nil {
		h.respondError(c, err, "Failed to update schedule")
		return
	}
	h.publish(RealtimeEventScheduleChanged, record.ID)
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleGetMessageBoard(c *gin.Context) {
	board, err := h.schedules.GetBoard(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Failed to get messageBoard")
		return
	}
	c.JSON(http.StatusOK, board)
}

func (h *httpHandler) handlePutMessageBoard(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	board, err := h.schedules.PutBoard(c.Request.Context(), payload)
	if err != nil {
		h.respondError(c, err, "Failed to update messageBoard")
		return
	}
	h.publish(RealtimeEventBoardChanged, 0)
	c.JSON(http.StatusOK, board)
}
