package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"hydrocontrol/auth"
	"hydrocontrol/internal/metrics"
	"hydrocontrol/internal/session"
	"hydrocontrol/internal/utils"
	"hydrocontrol/internal/web/api"
	"hydrocontrol/internal/web/middleware"

	"github.com/gin-gonic/gin"
)

var log = utils.Component("WEB")

type WebServer struct {
	router *gin.Engine
	server *http.Server
}

func NewWebServer(engine api.EngineInterface, store api.Store, sessions *session.Manager, JWTSecret string) *WebServer {
	router := gin.New()
	router.Use(gin.Recovery())

	authModule := auth.NewAuthModule(JWTSecret)
	middlewareManager := middleware.NewMiddlewareManager(authModule)
	router.Use(middlewareManager.RequestLogger())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api.RegisterCommandRoutes(router, middlewareManager, engine, store)
	api.RegisterAutomationRoutes(router, middlewareManager, engine)
	api.RegisterECRoutes(router, middlewareManager, engine)
	api.RegisterDeviceRoutes(router, middlewareManager, store)
	if sessions != nil {
		api.RegisterSessionRoutes(router, middlewareManager, sessions)
	}

	return &WebServer{
		router: router,
		server: &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second},
	}
}

// Handler exposes the router, mainly for tests.
func (ws *WebServer) Handler() http.Handler {
	return ws.router
}

// Start serves until Shutdown is called.
func (ws *WebServer) Start(addr string) error {
	ws.server.Addr = addr
	log.Infof("listening on %s", addr)
	if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (ws *WebServer) Shutdown(ctx context.Context) error {
	return ws.server.Shutdown(ctx)
}
