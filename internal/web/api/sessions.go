package api

import (
	"net/http"
	"time"

	"hydrocontrol/internal/session"
	"hydrocontrol/internal/web/middleware"
	webModels "hydrocontrol/internal/web/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

func RegisterSessionRoutes(r *gin.Engine, middleware *middleware.MiddlewareManager, sessions *session.Manager) {
	s := r.Group("/api/sessions")
	s.Use(middleware.RequireAuth())
	{
		s.GET("", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"devices": sessions.Devices()})
		})

		s.POST("/:device", func(c *gin.Context) {
			sess := sessions.Open(c.Param("device"))
			c.JSON(http.StatusOK, sess.Snapshot())
		})

		s.GET("/:device", func(c *gin.Context) {
			sess, ok := sessions.Get(c.Param("device"))
			if !ok {
				c.JSON(http.StatusNotFound, gin.H{"error": "no open session", "code": "not_found"})
				return
			}
			c.JSON(http.StatusOK, sess.Snapshot())
		})

		s.DELETE("/:device", func(c *gin.Context) {
			if !sessions.Close(c.Param("device")) {
				c.JSON(http.StatusNotFound, gin.H{"error": "no open session", "code": "not_found"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "Session closed"})
		})

		s.PUT("/:device/setpoint", func(c *gin.Context) {
			var req webModels.SetpointRequest
			if err := c.ShouldBindJSON(&req); err != nil || req.ECSetpoint == nil || *req.ECSetpoint < 0 {
				badRequest(c, "ec_setpoint", "ec_setpoint must be a non-negative number")
				return
			}
			sess, ok := sessions.Get(c.Param("device"))
			if !ok {
				c.JSON(http.StatusNotFound, gin.H{"error": "no open session", "code": "not_found"})
				return
			}
			sess.SetSetpoint(*req.ECSetpoint)
			c.JSON(http.StatusOK, sess.Snapshot())
		})

		s.GET("/:device/stream", func(c *gin.Context) {
			sess, ok := sessions.Get(c.Param("device"))
			if !ok {
				c.JSON(http.StatusNotFound, gin.H{"error": "no open session", "code": "not_found"})
				return
			}
			conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
			if err != nil {
				log.WithError(err).Warn("websocket upgrade failed")
				return
			}
			streamSnapshots(conn, sess)
		})
	}
}

// streamSnapshots pushes the current snapshot and every later one until the
// client goes away or the session stops.
func streamSnapshots(conn *websocket.Conn, sess *session.Session) {
	updates, cancel := sess.Subscribe()
	defer cancel()
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.WithError(err).Debug("websocket closed")
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	write := func(snap session.Snapshot) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(snap) == nil
	}
	if !write(sess.Snapshot()) {
		return
	}
	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				return
			}
			if !write(snap) {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
