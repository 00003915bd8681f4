package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/erauner12/fieldbridge-api/internal/auth"
	"github.com/erauner12/fieldbridge-api/internal/gateway"
	"github.com/go-chi/chi/v5"
)

// rpcBody is the op-specific part of an RPC request.
type rpcBody struct {
	Model  string         `json:"model"`
	IDs    []int64        `json:"ids,omitempty"`
	Domain []any          `json:"domain,omitempty"`
	Fields []string       `json:"fields,omitempty"`
	Order  string         `json:"order,omitempty"`
	Limit  int            `json:"limit,omitempty"`
	Offset int            `json:"offset,omitempty"`
	Values map[string]any `json:"values,omitempty"`

	// call_kw passthrough
	Method string         `json:"method,omitempty"`
	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

func (b rpcBody) toRequest(tenantID, op string) gateway.Request {
	return gateway.Request{
		Tenant: tenantID,
		Op:     op,
		Model:  b.Model,
		IDs:    b.IDs,
		Domain: b.Domain,
		Fields: b.Fields,
		Order:  b.Order,
		Limit:  b.Limit,
		Offset: b.Offset,
		Values: b.Values,
		Method: b.Method,
		Args:   b.Args,
		Kwargs: b.Kwargs,
	}
}

// ExecuteRPC handles POST /rpc/{operation}
func (s *Server) ExecuteRPC(w http.ResponseWriter, r *http.Request) {
	op := chi.URLParam(r, "operation")

	var body rpcBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	resp, err := s.GW.Execute(r.Context(), body.toRequest(auth.TenantID(r.Context()), op))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// batchOperation is one entry of a batch request.
type batchOperation struct {
	Operation string `json:"operation"`
	rpcBody
}

type batchRequest struct {
	Operations  []batchOperation `json:"operations"`
	StopOnError bool             `json:"stop_on_error"`
}

type batchResponse struct {
	Results []gateway.BatchItem `json:"results"`
	Total   int                 `json:"total"`
}

// ExecuteBatch handles POST /rpc/batch
func (s *Server) ExecuteBatch(w http.ResponseWriter, r *http.Request) {
	var body batchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if len(body.Operations) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "operations must not be empty")
		return
	}

	tenantID := auth.TenantID(r.Context())
	reqs := make([]gateway.Request, len(body.Operations))
	for i, op := range body.Operations {
		reqs[i] = op.toRequest(tenantID, op.Operation)
	}

	items := s.GW.ExecuteBatch(r.Context(), reqs, body.StopOnError)
	writeJSON(w, http.StatusOK, batchResponse{Results: items, Total: len(items)})
}
