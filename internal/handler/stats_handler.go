package handler

import (
	"errors"
	"net/http"

	"geochat/internal/app/presence"
	"geochat/internal/pkg/errs"
	"geochat/internal/pkg/logx"
	"geochat/internal/pkg/resp"
)

// HandleStats serves the operator snapshot: user counts by status,
// session and pending-request totals, and occupancy per geohash cell.
func HandleStats(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Hub.Stats(r.Context())
		if err != nil {
			if errors.Is(err, presence.ErrHubStopped) {
				resp.RespondError(w, r, errs.NewError(errs.ErrServiceUnavailable))
				return
			}
			logx.Error(err, "Failed to collect presence stats")
			resp.RespondError(w, r, errs.NewError(errs.ErrUnknown))
			return
		}

		resp.RespondSuccess(w, r, stats)
	}
}
