// Package tenant resolves request tenants to upstream credentials and keeps
// a warm RPC adapter per tenant.
package tenant

import (
	"context"
	"errors"
	"time"
)

// Status is the tenant lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusTrial     Status = "trial"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// ErrNotFound is returned when no tenant row matches the requested id.
var ErrNotFound = errors.New("tenant not found")

// Tenant is one row of the tenant table.
type Tenant struct {
	ID     string
	Name   string
	Status Status

	UpstreamURL    string
	UpstreamDB     string
	UpstreamLogin  string
	UpstreamSecret string // opaque, decrypted by the credentials layer

	RequestsPerDay  int
	RequestsPerHour int
	MaxUsers        int

	// AllowedModels empty means all models are allowed.
	AllowedModels []string

	LastActive time.Time
}

// ModelAllowed reports whether the tenant may touch model.
func (t *Tenant) ModelAllowed(model string) bool {
	if len(t.AllowedModels) == 0 {
		return true
	}
	for _, m := range t.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// Store is the persistence interface for tenants. The production
// implementation is Postgres; tests use an in-memory fake.
type Store interface {
	Get(ctx context.Context, id string) (*Tenant, error)
	TouchLastActive(ctx context.Context, id string) error
}
