package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/realtime"
)

func newUpgrader(origins []string) *websocket.Upgrader {
	u := &websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}
	if len(origins) == 0 {
		u.CheckOrigin = func(*http.Request) bool { return true }
		return u
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(strings.ToLower(o), "/")] = struct{}{}
	}
	u.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := allowed["*"]; ok {
			return true
		}
		parsed, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := allowed[strings.ToLower(parsed.Scheme+"://"+parsed.Host)]
		return ok
	}
	return u
}

// websocketHandler upgrades the request and hands the socket to the hub. The
// token query parameter is verified by the hub after the upgrade so failures
// surface as close codes rather than HTTP errors.
func websocketHandler(hub ConnectionHub, ka realtime.KeepAlive, origins []string, logger *log.Logger) echo.HandlerFunc {
	upgrader := newUpgrader(origins)
	return func(c echo.Context) error {
		ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			logger.WithFields(log.Fields{"error": err.Error()}).Debug("websocket upgrade failed")
			return nil
		}
		transport := realtime.NewWSTransport(ws, ka.WriteTimeout)
		ctx := c.Request().Context()
		conn, err := hub.Connect(ctx, transport, c.QueryParam("token"))
		if err != nil {
			return nil
		}
		hub.Serve(ctx, conn, transport, ka)
		return nil
	}
}

type websocketStatusResponse struct {
	ConnectedUsers   []string `json:"connected_users"`
	TotalConnections int      `json:"total_connections"`
	Status           string   `json:"status"`
}

func websocketStatus(hub ConnectionHub) echo.HandlerFunc {
	return func(c echo.Context) error {
		users := hub.ConnectedUsers()
		if users == nil {
			users = []string{}
		}
		return c.JSON(http.StatusOK, websocketStatusResponse{
			ConnectedUsers:   users,
			TotalConnections: hub.ConnectionCount(),
			Status:           "operational",
		})
	}
}
