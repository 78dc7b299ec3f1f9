package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/pixiesketch/platform/internal/notifier"
	sketchdomain "github.com/pixiesketch/platform/internal/sketch/domain"
)

type submitSketchRequest struct {
	ImageData        string `json:"image_data"`
	OriginalImageURL string `json:"original_image_url"`
	Preset           string `json:"preset"`
}

type sketchResponse struct {
	ID               string  `json:"id"`
	Status           string  `json:"status"`
	Preset           string  `json:"preset"`
	OriginalImageURL string  `json:"original_image_url"`
	AnimatedImageURL *string `json:"animated_image_url,omitempty"`
	Unseen           bool    `json:"unseen"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
}

func toSketchResponse(sketch *sketchdomain.Sketch) sketchResponse {
	return sketchResponse{
		ID:               sketch.ID.String(),
		Status:           string(sketch.Status),
		Preset:           sketch.Preset,
		OriginalImageURL: sketch.OriginalImageURL,
		AnimatedImageURL: sketch.AnimatedImageURL,
		Unseen:           sketch.Unseen,
		CreatedAt:        sketch.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:        sketch.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) SubmitSketch(c *gin.Context) {
	var req submitSketchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	sketch, err := s.sketchSvc.Submit(c.Request.Context(), sketchdomain.SubmitRequest{
		AccountID:        accountID(c),
		ImageData:        req.ImageData,
		OriginalImageURL: req.OriginalImageURL,
		Preset:           req.Preset,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, toSketchResponse(sketch))
}

func (s *Server) GetSketch(c *gin.Context) {
	sketchID, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	sketch, err := s.sketchSvc.Get(c.Request.Context(), sketchID, accountID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSketchResponse(sketch))
}

func (s *Server) RetrySketch(c *gin.Context) {
	sketchID, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	sketch, err := s.sketchSvc.Retry(c.Request.Context(), sketchID, accountID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, toSketchResponse(sketch))
}

func (s *Server) ListSketches(c *gin.Context) {
	sketches, unseen, err := s.sketchSvc.List(c.Request.Context(), accountID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	items := make([]sketchResponse, 0, len(sketches))
	for i := range sketches {
		items = append(items, toSketchResponse(&sketches[i]))
	}
	c.JSON(http.StatusOK, gin.H{
		"sketches":     items,
		"unseen_count": unseen,
	})
}

func (s *Server) MarkSketchesSeen(c *gin.Context) {
	if err := s.sketchSvc.MarkSeen(c.Request.Context(), accountID(c)); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// StreamSketchEvents pushes the caller's change events over SSE. Every
// event carries its Version as the SSE id, so a reconnecting browser sends
// it back as Last-Event-ID and resumes without replaying the full backlog.
// Delivery is lossy; clients treat the stream as an invalidation signal and
// re-fetch the list on connect.
func (s *Server) StreamSketchEvents(c *gin.Context) {
	if s.hub == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	subscription, backlog, err := s.hub.Subscribe(accountID(c).String(), lastSeenVersion(c))
	if err != nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	defer subscription.Close()

	writer := c.Writer
	headers := writer.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, ok := writer.(http.Flusher)
	if !ok {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	if _, err := io.WriteString(writer, "retry: 2000\n\n"); err != nil {
		return
	}

	for _, event := range backlog {
		if err := writeChangeEvent(writer, event); err != nil {
			return
		}
	}
	flusher.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-subscription.Events():
			if !ok {
				return
			}
			if err := writeChangeEvent(writer, event); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// lastSeenVersion reads the resume point: the SSE Last-Event-ID header on a
// browser reconnect, or an explicit since query parameter.
func lastSeenVersion(c *gin.Context) int64 {
	raw := strings.TrimSpace(c.GetHeader("Last-Event-ID"))
	if raw == "" {
		raw = strings.TrimSpace(c.Query("since"))
	}
	if raw == "" {
		return 0
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || version < 0 {
		return 0
	}
	return version
}

func writeChangeEvent(w io.Writer, event notifier.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", event.Version, data)
	return err
}
