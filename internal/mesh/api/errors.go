package api

import (
	"net/http"

	errs "github.com/hashmesh/meshcore/infrastructure/errors"
	"github.com/hashmesh/meshcore/infrastructure/httputil"
)

// writeServiceError maps any error returned by the registry, resolver or
// breaker manager to the Control API's JSON error envelope, using the
// HTTP status carried by the error taxonomy in spec §7.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if svcErr := errs.GetServiceError(err); svcErr != nil {
		httputil.WriteErrorResponse(w, r, svcErr.HTTPStatus, string(svcErr.Code), svcErr.Message, svcErr.Details)
		return
	}
	httputil.WriteErrorResponse(w, r, http.StatusInternalServerError, "", err.Error(), nil)
}

// badRequest is a convenience wrapper for request-decoding failures that
// never reach the mesh components (so there is no ServiceError to unwrap).
func badRequest(w http.ResponseWriter, r *http.Request, reason string) {
	httputil.WriteErrorResponse(w, r, http.StatusBadRequest, "MESH_8000", reason, nil)
}
