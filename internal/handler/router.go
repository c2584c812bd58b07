/*
Package handler provides the HTTP routing and handlers for the presence
server: the WebSocket endpoint, the health check, and the stats API.
*/
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"geochat/internal/pkg/limiter"
	"geochat/internal/pkg/logx"
	"geochat/internal/pkg/resp"
)

const (
	// ConnectRate and ConnectBurst bound how fast one IP may open
	// WebSocket connections.
	ConnectRate  = 0.5
	ConnectBurst = 5

	// StatsRate and StatsBurst bound how fast one IP may poll the
	// stats endpoint.
	StatsRate  = 1
	StatsBurst = 5
)

// Router builds the application's routing table: CORS, request logging,
// the health and stats endpoints, and the rate-limited WebSocket upgrade.
func Router(deps *AppDeps) http.Handler {
	connectLimiter := limiter.NewIPRateLimiter(rate.Limit(ConnectRate), ConnectBurst)
	statsLimiter := limiter.NewIPRateLimiter(rate.Limit(StatsRate), StatsBurst)

	r := chi.NewRouter()

	allowedOrigins := make(map[string]struct{})
	for _, origin := range deps.Config.AllowedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if deps.Config.Environment == "development" {
				return true
			}

			origin := r.Header.Get("Origin")
			if _, ok := allowedOrigins[origin]; ok {
				return true
			}

			logx.Warn("WebSocket connection rejected: Origin not allowed.", "origin", origin)
			return false
		},
	}

	corsAllowedOrigins := deps.Config.AllowedOrigins
	if deps.Config.Environment == "development" {
		corsAllowedOrigins = []string{"*"}
	}

	c := cors.New(cors.Options{
		AllowedOrigins: corsAllowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	})
	r.Use(c.Handler)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logx.RequestLogger())
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		resp.RespondSuccess(w, r, map[string]string{
			"status":  "ok",
			"service": "geochat",
		})
	})

	r.Route("/api", func(api chi.Router) {
		api.Method(http.MethodGet, "/stats", statsLimiter.Middleware(HandleStats(deps)))
	})

	r.Get("/ws", HandleWebSocket(upgrader, connectLimiter, deps))

	return r
}
