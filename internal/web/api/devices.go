package api

import (
	"net/http"
	"strings"

	"hydrocontrol/internal/models"
	"hydrocontrol/internal/relay"
	"hydrocontrol/internal/web/middleware"
	webModels "hydrocontrol/internal/web/models"

	"github.com/gin-gonic/gin"
)

func RegisterDeviceRoutes(r *gin.Engine, middleware *middleware.MiddlewareManager, store Store) {
	devices := r.Group("/api/devices")
	devices.Use(middleware.RequireAuth())
	{
		devices.PUT("/:device", func(c *gin.Context) {
			var req webModels.RegisterDeviceRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, "body", "invalid JSON body")
				return
			}
			dev := models.Device{
				DeviceID:   c.Param("device"),
				DeviceName: strings.TrimSpace(req.DeviceName),
				MACAddress: relay.NormalizeMAC(req.MACAddress),
				UserEmail:  strings.TrimSpace(req.UserEmail),
				IPAddress:  req.IPAddress,
			}
			if dev.UserEmail == "" {
				dev.UserEmail = c.GetString("user_id")
			}
			if err := store.UpsertDevice(c, &dev); err != nil {
				respondError(c, err, false)
				return
			}
			c.JSON(http.StatusOK, dev)
		})

		devices.GET("/:device", func(c *gin.Context) {
			dev, err := store.GetDevice(c, c.Param("device"))
			if err != nil {
				respondError(c, err, true)
				return
			}
			c.JSON(http.StatusOK, dev)
		})

		devices.GET("/:device/relays", func(c *gin.Context) {
			states, err := store.RelayStates(c, c.Param("device"))
			if err != nil {
				respondError(c, err, true)
				return
			}
			out := make(map[string]models.RelayState, len(states))
			for _, s := range states {
				out[s.Key()] = s
			}
			c.JSON(http.StatusOK, out)
		})

		devices.GET("/:device/slaves", func(c *gin.Context) {
			slaves, err := store.Slaves(c, c.Param("device"))
			if err != nil {
				respondError(c, err, true)
				return
			}
			if slaves == nil {
				slaves = []models.SlaveDevice{}
			}
			c.JSON(http.StatusOK, slaves)
		})
	}
}
