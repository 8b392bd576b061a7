package api

import (
	"net/http"
	"strings"

	"hydrocontrol/internal/engine"
	"hydrocontrol/internal/models"
	"hydrocontrol/internal/web/middleware"
	webModels "hydrocontrol/internal/web/models"

	"github.com/gin-gonic/gin"
)

func RegisterAutomationRoutes(r *gin.Engine, middleware *middleware.MiddlewareManager, eng EngineInterface) {
	rules := r.Group("/api/rules")
	rules.Use(middleware.RequireAuth())
	{
		rules.GET("", func(c *gin.Context) {
			list, err := eng.ListRules(c, strings.TrimSpace(c.Query("device_id")))
			if err != nil {
				respondError(c, err, false)
				return
			}
			if list == nil {
				list = []models.Rule{}
			}
			c.JSON(http.StatusOK, list)
		})

		rules.POST("", func(c *gin.Context) {
			var in engine.RuleInput
			if err := c.ShouldBindJSON(&in); err != nil {
				badRequest(c, "body", "invalid JSON body")
				return
			}
			if in.CreatedBy == "" {
				in.CreatedBy = c.GetString("user_id")
			}
			rule, err := eng.SaveRule(c, in)
			if err != nil {
				respondError(c, err, false)
				return
			}
			status := http.StatusCreated
			if in.ID != 0 {
				status = http.StatusOK
			}
			c.JSON(status, rule)
		})

		rules.GET("/:id", func(c *gin.Context) {
			id, ok := idParam(c)
			if !ok {
				return
			}
			rule, err := eng.GetRule(c, id)
			if err != nil {
				respondError(c, err, true)
				return
			}
			c.JSON(http.StatusOK, rule)
		})

		rules.PUT("/:id", func(c *gin.Context) {
			id, ok := idParam(c)
			if !ok {
				return
			}
			var in engine.RuleInput
			if err := c.ShouldBindJSON(&in); err != nil {
				badRequest(c, "body", "invalid JSON body")
				return
			}
			in.ID = id
			rule, err := eng.SaveRule(c, in)
			if err != nil {
				respondError(c, err, true)
				return
			}
			c.JSON(http.StatusOK, rule)
		})

		rules.DELETE("/:id", func(c *gin.Context) {
			id, ok := idParam(c)
			if !ok {
				return
			}
			if err := eng.DeleteRule(c, id); err != nil {
				respondError(c, err, true)
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "Rule deleted successfully"})
		})

		rules.PATCH("/:id/enabled", func(c *gin.Context) {
			id, ok := idParam(c)
			if !ok {
				return
			}
			var req webModels.EnableRuleRequest
			if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
				badRequest(c, "enabled", "enabled must be a boolean")
				return
			}
			if err := eng.SetRuleEnabled(c, id, *req.Enabled); err != nil {
				respondError(c, err, true)
				return
			}
			c.JSON(http.StatusOK, gin.H{"id": id, "enabled": *req.Enabled})
		})

		rules.POST("/:id/execute", func(c *gin.Context) {
			id, ok := idParam(c)
			if !ok {
				return
			}
			exec, err := eng.ExecuteRuleByID(c, id)
			if err != nil {
				respondError(c, err, true)
				return
			}
			c.JSON(http.StatusOK, exec)
		})
	}
}
