package handler

import (
	"geochat/internal/app/presence"
	"geochat/internal/configs"
)

// AppDeps bundles what the handlers need.
type AppDeps struct {
	Hub    *presence.Hub
	Config *configs.AppConfig
}
