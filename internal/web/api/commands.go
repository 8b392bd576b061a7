package api

import (
	"net/http"

	"hydrocontrol/internal/commands"
	"hydrocontrol/internal/models"
	"hydrocontrol/internal/web/middleware"
	webModels "hydrocontrol/internal/web/models"

	"github.com/gin-gonic/gin"
)

func RegisterCommandRoutes(r *gin.Engine, middleware *middleware.MiddlewareManager, engine EngineInterface, store Store) {
	espNow := r.Group("/api/esp-now")
	espNow.Use(middleware.RequireAuth())
	{
		espNow.POST("/command", func(c *gin.Context) {
			var req commands.Request
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, "body", "invalid JSON body")
				return
			}
			issued, err := engine.Issue(c, req)
			if err != nil {
				respondError(c, err, false)
				return
			}
			c.JSON(http.StatusCreated, gin.H{
				"success":    true,
				"command_id": issued.Command.ID,
				"device_id":  issued.DeviceIDForCommand,
				"relay_key":  issued.RelayKey,
				"is_slave":   issued.IsSlave,
				"command":    issued.Command,
			})
		})

		espNow.GET("/command-acks", func(c *gin.Context) {
			var q webModels.AcksQuery
			if err := c.ShouldBindQuery(&q); err != nil {
				badRequest(c, "query", "command_id and limit must be integers")
				return
			}
			if q.MasterDeviceID == "" {
				badRequest(c, "master_device_id", "master_device_id is required")
				return
			}
			if q.Limit < 0 {
				badRequest(c, "limit", "limit must not be negative")
				return
			}
			acks, err := store.Acks(c, models.AckFilter{
				MasterDeviceID: q.MasterDeviceID,
				CommandID:      q.CommandID,
				Limit:          q.Limit,
			})
			if err != nil {
				respondError(c, err, false)
				return
			}
			if acks == nil {
				acks = []models.Ack{}
			}
			c.JSON(http.StatusOK, gin.H{"acks": acks, "count": len(acks)})
		})
	}
}
