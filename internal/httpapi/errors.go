package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/erauner12/fieldbridge-api/internal/delta"
	"github.com/erauner12/fieldbridge-api/internal/gateway"
	"github.com/erauner12/fieldbridge-api/internal/offline"
	"github.com/erauner12/fieldbridge-api/internal/upstream"
	"github.com/rs/zerolog/log"
)

// errorBody is the stable error envelope every failure is rendered as.
type errorBody struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError writes the error envelope with an explicit kind.
func writeError(w http.ResponseWriter, code int, kind, message string) {
	writeJSON(w, code, errorBody{Error: kind, Message: message})
}

// respondError maps a pipeline error onto the HTTP taxonomy.
func respondError(w http.ResponseWriter, err error) {
	body := errorBody{Message: err.Error()}
	status := http.StatusInternalServerError
	body.Error = "internal"

	switch {
	case errors.Is(err, gateway.ErrInvalidOp),
		errors.Is(err, gateway.ErrMissingModel),
		errors.Is(err, gateway.ErrMissingIDs),
		errors.Is(err, gateway.ErrMissingValues),
		errors.Is(err, gateway.ErrMissingMethod),
		errors.Is(err, delta.ErrUnknownProfile),
		errors.Is(err, offline.ErrDependencyCycle),
		errors.Is(err, offline.ErrDuplicateLocalID),
		errors.Is(err, offline.ErrInvalidStrategy):
		status, body.Error = http.StatusBadRequest, "bad_request"

	case errors.Is(err, gateway.ErrUnknownTenant):
		// A token naming a tenant we have no record of is an auth failure,
		// not a lookup miss.
		status, body.Error = http.StatusUnauthorized, "auth_invalid"

	case errors.Is(err, gateway.ErrTenantSuspended):
		status, body.Error = http.StatusForbidden, "tenant_suspended"

	case errors.Is(err, gateway.ErrTenantDeleted):
		status, body.Error = http.StatusGone, "tenant_deleted"

	case errors.Is(err, gateway.ErrModelNotAllowed):
		status, body.Error = http.StatusForbidden, "permission_denied"

	default:
		var ue *upstream.Error
		if errors.As(err, &ue) {
			status, body.Error = upstreamStatus(ue)
			if ue.Code != 0 {
				body.Code = strconv.Itoa(ue.Code)
			}
			if len(ue.Data) > 0 {
				body.Details = ue.Data
			}
		}
	}

	writeJSON(w, status, body)
}

func upstreamStatus(ue *upstream.Error) (int, string) {
	switch ue.Kind {
	case upstream.KindPermissionDenied:
		return http.StatusForbidden, "permission_denied"
	case upstream.KindModelNotFound, upstream.KindRecordNotFound, upstream.KindMethodNotFound:
		return http.StatusNotFound, "not_found"
	case upstream.KindTimeout:
		return http.StatusGatewayTimeout, "timeout"
	case upstream.KindConnection:
		return http.StatusBadGateway, "connection_error"
	case upstream.KindAuthFailed:
		// Tenant credentials rejected upstream: a server-side config fault,
		// never the client's 401.
		return http.StatusBadGateway, "upstream_error"
	default:
		if upstream.IsValidationError(ue) {
			return http.StatusBadRequest, "validation_error"
		}
		return http.StatusInternalServerError, "upstream_error"
	}
}
