/*
Package handler provides the HTTP routing and handlers for the presence
server.

This file holds the WebSocket upgrade handler: rate limiting, identity
assignment, and starting the per-connection pumps.
*/
package handler

import (
	"net/http"

	"github.com/gorilla/websocket"

	"geochat/internal/app/presence"
	"geochat/internal/pkg/errs"
	"geochat/internal/pkg/limiter"
	"geochat/internal/pkg/logx"
	"geochat/internal/pkg/randx"
	"geochat/internal/pkg/resp"
)

// maxClientIDBytes bounds the client-supplied uid parameter.
const maxClientIDBytes = 64

// HandleWebSocket upgrades the connection, binds it to a user id, and
// hands it to the hub. The client may supply its own opaque id via the
// uid query parameter; otherwise the registry assigns one. Everything
// else (name, position) arrives in the login message.
func HandleWebSocket(upgrader websocket.Upgrader, rateLimiter *limiter.IPRateLimiter, deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := limiter.ClientIP(r)

		if !rateLimiter.GetLimiter(ip).Allow() {
			logx.Warn("WebSocket connection rejected: Rate limit exceeded.")
			resp.RespondError(w, r, errs.NewError(errs.ErrRateLimitExceeded))
			return
		}

		userID := r.URL.Query().Get("uid")
		if len(userID) > maxClientIDBytes {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}
		if userID == "" {
			userID = randx.UserID()
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logx.Error(err, "Failed to upgrade connection to WebSocket")
			return
		}

		client := presence.NewClient(deps.Hub, conn, userID)

		go client.WritePump()

		deps.Hub.Register(client)

		logx.Info("WebSocket connection established", "user_id", client.ID())

		client.ReadPump()
	}
}
