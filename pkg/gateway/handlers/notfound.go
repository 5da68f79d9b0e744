package handlers

import (
	"net/http"

	"github.com/deskbridge/deskbridge/pkg/core"
	"github.com/deskbridge/deskbridge/pkg/gateway/apierror"
	"github.com/deskbridge/deskbridge/pkg/gateway/mw"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	apierror.Write(w, http.StatusNotFound, reqID, &core.Error{
		Type:    core.ErrInvalidRequest,
		Code:    "not_found",
		Message: "not found",
	})
}
