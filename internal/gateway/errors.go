package gateway

import "errors"

// Pipeline rejections surfaced before any upstream traffic. The HTTP layer
// maps these to status codes; upstream failures carry their own kinds.
var (
	ErrUnknownTenant   = errors.New("unknown tenant")
	ErrTenantSuspended = errors.New("tenant suspended")
	ErrTenantDeleted   = errors.New("tenant deleted")
	ErrInvalidOp       = errors.New("operation not in allowed set")
	ErrModelNotAllowed = errors.New("model not allowed for tenant")
	ErrMissingModel    = errors.New("model is required")
	ErrMissingIDs      = errors.New("record ids are required")
	ErrMissingValues   = errors.New("values are required")
	ErrMissingMethod   = errors.New("method is required")
)
