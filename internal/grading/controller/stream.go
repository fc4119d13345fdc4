package controller

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"gradebox/internal/grading/repository"
	"gradebox/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	streamInterval   = time.Second
	streamWriteWait  = 10 * time.Second
	streamMaxSilence = 10 * time.Minute
)

// StreamController pushes batch snapshots over a websocket.
type StreamController struct {
	statusRepo repository.StatusRepository
	upgrader   websocket.Upgrader
}

// NewStreamController creates the stream controller.
func NewStreamController(statusRepo repository.StatusRepository) *StreamController {
	return &StreamController{
		statusRepo: statusRepo,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Stream upgrades the connection and sends snapshots until the batch
// reaches a terminal state or the client goes away.
func (c *StreamController) Stream(ctx *gin.Context) {
	batchID := ctx.Param("id")
	if batchID == "" {
		ctx.AbortWithStatus(http.StatusBadRequest)
		return
	}

	conn, err := c.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		logger.Warn(ctx.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Drain client frames so pings and close messages are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	reqCtx := ctx.Request.Context()
	ticker := time.NewTicker(streamInterval)
	defer ticker.Stop()
	deadline := time.Now().Add(streamMaxSilence)

	for {
		select {
		case <-reqCtx.Done():
			return
		case <-ticker.C:
		}

		snapshot, err := c.statusRepo.GetSnapshot(reqCtx, batchID)
		if err != nil {
			logger.Warn(reqCtx, "snapshot read failed", zap.String("batch_id", batchID), zap.Error(err))
			continue
		}
		if snapshot == nil {
			if time.Now().After(deadline) {
				return
			}
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteJSON(snapshot); err != nil {
			return
		}
		if snapshot.Status == "Finished" || snapshot.Status == "Failed" {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "batch done"),
				time.Now().Add(streamWriteWait))
			return
		}
		deadline = time.Now().Add(streamMaxSilence)
	}
}
