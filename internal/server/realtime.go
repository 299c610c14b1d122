package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	realtimeEventReady       = "ready"
	realtimeEventHeartbeat   = "heartbeat"
	defaultHeartbeatInterval = 25 * time.Second
)

// handleRedlineEvents streams committed workflow events of one job as server-sent events.
func (h *httpHandler) handleRedlineEvents(c *gin.Context) {
	jobID, ok := parseJobID(c, "redlines.events")
	if !ok {
		return
	}
	if _, err := h.jobs.GetJob(c.Request.Context(), jobID); err != nil {
		h.respondServiceError(c, err)
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.events.Subscribe(ctx, jobID.String())
	defer cleanup()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if err := writeStreamEvent(c.Writer, realtimeEventReady, "", gin.H{"job_id": jobID.String()}); err != nil {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			if err := writeStreamEvent(c.Writer, realtimeEventHeartbeat, "", gin.H{"timestamp": tick.UTC().Unix()}); err != nil {
				h.logger.Debug("redline event stream closed", zap.String("job_id", jobID.String()), zap.Error(err))
				return
			}
		case event, ok := <-stream:
			if !ok {
				return
			}
			if err := writeStreamEvent(c.Writer, string(event.Type), event.ID, event); err != nil {
				h.logger.Debug("redline event stream closed", zap.String("job_id", jobID.String()), zap.Error(err))
				return
			}
		}
	}
}

// streamWriter is the part of gin.ResponseWriter the stream needs.
type streamWriter interface {
	io.Writer
	http.Flusher
}

// writeStreamEvent writes one server-sent event frame and flushes it.
func writeStreamEvent(w streamWriter, eventType, id string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode stream event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	w.Flush()
	return nil
}
