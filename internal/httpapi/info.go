package httpapi

import (
	"net/http"
	"time"

	"github.com/erauner12/fieldbridge-api/internal/delta"
	"github.com/erauner12/fieldbridge-api/internal/queryx"
)

// ServerInfo represents the server's capabilities and configuration
type ServerInfo struct {
	APIVersion   string         `json:"apiVersion"`
	ServerTime   string         `json:"serverTime"`
	CacheableOps []string       `json:"cacheableOps"`
	WriteOps     []string       `json:"writeOps"`
	AppProfiles  []string       `json:"appProfiles"`
	RateLimit    *RateLimitInfo `json:"rateLimit,omitempty"`
	Hints        *SyncHints     `json:"hints,omitempty"`
}

// SyncHints provides recommendations for client behavior
type SyncHints struct {
	RecommendedBatch int `json:"recommendedBatch"` // safe offline push batch size
	BackoffMsOn429   int `json:"backoffMsOn429"`   // default backoff if Retry-After missing
}

// Info handles GET /v1/info
// Returns server capabilities, the operation closed set, and known app
// profiles. This endpoint can be called without authentication to allow
// capability discovery.
func (s *Server) Info(w http.ResponseWriter, r *http.Request) {
	info := ServerInfo{
		APIVersion:   "1.0",
		ServerTime:   time.Now().UTC().Format(time.RFC3339Nano),
		CacheableOps: queryx.CacheableOps(),
		WriteOps:     queryx.WriteOps(),
		AppProfiles:  delta.Profiles(),
		RateLimit:    &s.RateLimit,
		Hints: &SyncHints{
			RecommendedBatch: 50,
			BackoffMsOn429:   1500,
		},
	}
	writeJSON(w, http.StatusOK, info)
}

// Health handles GET /healthz
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.Hub.ConnectionCount(),
	})
}
