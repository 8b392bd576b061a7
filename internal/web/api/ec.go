package api

import (
	"net/http"

	"hydrocontrol/internal/models"
	"hydrocontrol/internal/web/middleware"
	webModels "hydrocontrol/internal/web/models"

	"github.com/gin-gonic/gin"
)

func RegisterECRoutes(r *gin.Engine, middleware *middleware.MiddlewareManager, eng EngineInterface) {
	ec := r.Group("/api/ec-controller/:device")
	ec.Use(middleware.RequireAuth())
	{
		ec.GET("/config", func(c *gin.Context) {
			cfg, stored, err := eng.GetECConfig(c, c.Param("device"))
			if err != nil {
				respondError(c, err, false)
				return
			}
			c.JSON(http.StatusOK, gin.H{"config": cfg, "stored": stored})
		})

		ec.POST("/config", func(c *gin.Context) {
			var in models.ECControllerConfig
			if err := c.ShouldBindJSON(&in); err != nil {
				badRequest(c, "body", "invalid JSON body")
				return
			}
			in.DeviceID = c.Param("device")
			cfg, err := eng.SaveECConfig(c, in)
			if err != nil {
				respondError(c, err, false)
				return
			}
			c.JSON(http.StatusOK, cfg)
		})

		ec.POST("/activate", func(c *gin.Context) {
			cfg, err := eng.ActivateAutoEC(c, c.Param("device"))
			if err != nil {
				respondError(c, err, false)
				return
			}
			c.JSON(http.StatusOK, cfg)
		})

		ec.POST("/deactivate", func(c *gin.Context) {
			if err := eng.DeactivateAutoEC(c, c.Param("device")); err != nil {
				respondError(c, err, true)
				return
			}
			c.JSON(http.StatusOK, gin.H{"device_id": c.Param("device"), "auto_enabled": false})
		})

		ec.POST("/preview", func(c *gin.Context) {
			var req webModels.PreviewRequest
			if c.Request.ContentLength != 0 {
				if err := c.ShouldBindJSON(&req); err != nil {
					badRequest(c, "measured_ec", "measured_ec must be a number")
					return
				}
			}
			plan, err := eng.PreviewDosing(c, c.Param("device"), req.MeasuredEC)
			if err != nil {
				respondError(c, err, false)
				return
			}
			if plan == nil {
				c.JSON(http.StatusOK, gin.H{"plan": nil, "message": "nothing to dose"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"plan": plan})
		})

		ec.POST("/run", func(c *gin.Context) {
			run, err := eng.RunAutoDose(c, c.Param("device"))
			if err != nil {
				respondError(c, err, false)
				return
			}
			c.JSON(http.StatusOK, run)
		})

		ec.POST("/dose", func(c *gin.Context) {
			var req webModels.ManualDoseRequest
			if err := c.ShouldBindJSON(&req); err != nil || req.RelayNumber == nil {
				badRequest(c, "relay_number", "relay_number is required")
				return
			}
			issued, err := eng.ManualDose(c, c.Param("device"), *req.RelayNumber)
			if err != nil {
				respondError(c, err, false)
				return
			}
			c.JSON(http.StatusCreated, issued)
		})
	}
}
