package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/deskbridge/deskbridge/pkg/core"
	"github.com/deskbridge/deskbridge/pkg/core/coord"
	"github.com/deskbridge/deskbridge/pkg/gateway/apierror"
	"github.com/deskbridge/deskbridge/pkg/gateway/mw"
)

// StatsHandler reports live counts for operators and dashboards.
type StatsHandler struct {
	Engine *coord.Coordinator
}

type statsResponse struct {
	Connections int `json:"connections"`
	Sessions    int `json:"sessions"`
	QueueDepth  int `json:"queue_depth"`
}

func (h StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		reqID, _ := mw.RequestIDFrom(r.Context())
		apierror.Write(w, http.StatusMethodNotAllowed, reqID, &core.Error{
			Type:    core.ErrInvalidRequest,
			Code:    "method_not_allowed",
			Message: "method not allowed",
		})
		return
	}

	stats := h.Engine.Stats()

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	depth, err := h.Engine.QueueCount(ctx)
	if err != nil {
		reqID, _ := mw.RequestIDFrom(r.Context())
		coreErr, status := apierror.FromError(err)
		apierror.Write(w, status, reqID, coreErr)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(statsResponse{
		Connections: stats.Connections,
		Sessions:    stats.Sessions,
		QueueDepth:  depth,
	})
}
