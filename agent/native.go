package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/haasonsaas/warden/pkg/protocol"
)

// nativeListener accepts events from the native-messaging bridge on the
// loopback interface and forwards them to the collector through the
// transport client. The bridge process speaks plain JSON here; the
// length-prefixed framing stays on its stdio side.
func (a *Agent) nativeListener(ctx context.Context) {
	gin.SetMode(gin.ReleaseMode)
	r := a.nativeRouter()

	srv := &http.Server{
		Addr:              a.cfg.Native.Listen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("listen", a.cfg.Native.Listen).Msg("Native event listener started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("Native listener exited")
	}
}

func (a *Agent) nativeRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/native/events", func(c *gin.Context) {
		var msg protocol.NativeMessage
		if err := c.ShouldBindJSON(&msg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if msg.EventType == "" {
			msg.EventType = "browser_upload_attempt"
		}

		event := &protocol.Event{
			DeviceID:  a.state.DeviceID,
			EventType: msg.EventType,
			UserEmail: a.state.EmployeeEmail,
			Payload:   msg.Payload,
		}
		ack, err := a.client.SendEvent(c.Request.Context(), event)
		if err != nil {
			log.Warn().Err(err).Msg("Forwarding native event failed")
			c.JSON(http.StatusBadGateway, gin.H{"error": "forward failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "id": ack.ID})
	})

	r.GET("/native/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "device_id": a.state.DeviceID})
	})

	return r
}
