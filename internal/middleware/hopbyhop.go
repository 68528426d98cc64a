package middleware

import (
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"prefix-proxy-go/internal/model"
)

// StripHopByHop returns an Echo middleware that removes hop-by-hop headers
// from incoming requests, including any named in the Connection header.
// WebSocket handshakes pass untouched: the upgrader needs Connection and
// Upgrade.
func StripHopByHop() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !websocket.IsWebSocketUpgrade(req) {
				model.RemoveHopByHop(req.Header)
			}
			return next(c)
		}
	}
}
