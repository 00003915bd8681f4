package queryx

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Operation names accepted by the gateway (closed set).
// Reads are cacheable; writes invalidate.
const (
	OpSearch        = "search"
	OpSearchRead    = "search_read"
	OpSearchCount   = "search_count"
	OpRead          = "read"
	OpNameSearch    = "name_search"
	OpNameGet       = "name_get"
	OpFieldsGet     = "fields_get"
	OpWebSearchRead = "web_search_read"
	OpWebRead       = "web_read"
	OpCreate        = "create"
	OpWrite         = "write"
	OpUnlink        = "unlink"
	OpWebSave       = "web_save"
	OpCallKw        = "call_kw"
)

// cacheableOps is the read family. Order matters for invalidation pattern
// generation only insofar as tests expect deterministic output, so keep it
// sorted.
var cacheableOps = []string{
	OpFieldsGet,
	OpNameGet,
	OpNameSearch,
	OpRead,
	OpSearch,
	OpSearchCount,
	OpSearchRead,
	OpWebRead,
	OpWebSearchRead,
}

var writeOps = map[string]bool{
	OpCreate:  true,
	OpWrite:   true,
	OpUnlink:  true,
	OpWebSave: true,
}

var validOps = func() map[string]bool {
	m := map[string]bool{OpCallKw: true}
	for _, op := range cacheableOps {
		m[op] = true
	}
	for op := range writeOps {
		m[op] = true
	}
	return m
}()

// IsValidOp reports whether op belongs to the closed operation set.
func IsValidOp(op string) bool {
	return validOps[op]
}

// IsWriteOp reports whether op mutates upstream records.
func IsWriteOp(op string) bool {
	return writeOps[op]
}

// CacheableOps returns the read family (copy, sorted).
func CacheableOps() []string {
	out := make([]string, len(cacheableOps))
	copy(out, cacheableOps)
	return out
}

// WriteOps returns the mutating operations (copy, sorted).
func WriteOps() []string {
	out := make([]string, 0, len(writeOps))
	for op := range writeOps {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

// IsCacheable reports whether results of op may be served from cache.
func IsCacheable(op string) bool {
	for _, c := range cacheableOps {
		if c == op {
			return true
		}
	}
	return false
}

// relationExpansions maps relational fields to the related fields worth
// pre-fetching in the same round trip. Keeping the table static keeps
// OptimizeFields pure and idempotent.
var relationExpansions = map[string][]string{
	"partner_id":  {"partner_id.name", "partner_id.email", "partner_id.phone"},
	"product_id":  {"product_id.name", "product_id.default_code", "product_id.list_price"},
	"user_id":     {"user_id.name", "user_id.login"},
	"company_id":  {"company_id.name"},
	"currency_id": {"currency_id.name", "currency_id.symbol"},
	"order_id":    {"order_id.name", "order_id.state"},
	"picking_id":  {"picking_id.name", "picking_id.state"},
}

// OptimizeFields expands relational fields using the static expansion table.
// A nil or empty field list means "all fields" and is returned as nil.
// The result is deduplicated; order is not significant.
func OptimizeFields(model string, fields []string) []string {
	if len(fields) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))

	add := func(f string) {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}

	for _, f := range fields {
		add(f)
		for _, rel := range relationExpansions[f] {
			add(rel)
		}
	}

	return out
}

// indexedFields are the columns the upstream indexes by default. Leaves on
// these fields are moved to the front of the domain so the upstream planner
// sees them first.
var indexedFields = map[string]bool{
	"id":          true,
	"create_date": true,
	"write_date":  true,
	"name":        true,
	"active":      true,
	"state":       true,
	"company_id":  true,
}

// OptimizePredicate reorders domain leaves so indexed-field leaves come
// first. Boolean operators ("&", "|", "!") keep their positions in the flat
// list; only the relative order of leaves changes.
func OptimizePredicate(domain []any) []any {
	if len(domain) == 0 {
		return domain
	}

	var indexed, rest []any
	operatorAt := make(map[int]any)

	for i, term := range domain {
		if s, ok := term.(string); ok && (s == "&" || s == "|" || s == "!") {
			operatorAt[i] = term
			continue
		}
		if leafField(term) != "" && indexedFields[leafField(term)] {
			indexed = append(indexed, term)
		} else {
			rest = append(rest, term)
		}
	}

	leaves := append(indexed, rest...)

	out := make([]any, 0, len(domain))
	li := 0
	for i := range domain {
		if op, ok := operatorAt[i]; ok {
			out = append(out, op)
			continue
		}
		out = append(out, leaves[li])
		li++
	}

	return out
}

// leafField returns the field name of a [field, operator, value] leaf, or ""
// if term is not leaf-shaped.
func leafField(term any) string {
	leaf, ok := term.([]any)
	if !ok || len(leaf) != 3 {
		return ""
	}
	f, ok := leaf[0].(string)
	if !ok {
		return ""
	}
	return f
}

// limitCeilings bounds single-response size per operation. Operations absent
// from the table (search_count, fields_get, ...) are unbounded.
var limitCeilings = map[string]int{
	OpSearchRead:    200,
	OpRead:          100,
	OpSearch:        500,
	OpNameSearch:    50,
	OpWebSearchRead: 200,
}

// ClampLimit enforces the per-operation ceiling. A requested limit of 0
// means "not specified" and yields the ceiling itself.
func ClampLimit(op string, requested int) int {
	ceiling, ok := limitCeilings[op]
	if !ok {
		return requested
	}
	if requested <= 0 || requested > ceiling {
		return ceiling
	}
	return requested
}

// CachePolicy describes how an operation's results are cached.
type CachePolicy struct {
	Cacheable bool
	TTLSecs   int
}

// PolicyFor returns the cache policy for op.
// fields_get changes rarely (schema) and gets an hour; name lookups ten
// minutes; other reads five.
func PolicyFor(op string) CachePolicy {
	if !IsCacheable(op) {
		return CachePolicy{}
	}
	ttl := 300
	switch op {
	case OpFieldsGet:
		ttl = 3600
	case OpNameSearch, OpNameGet:
		ttl = 600
	}
	return CachePolicy{Cacheable: true, TTLSecs: ttl}
}

// InvalidationPatterns returns the glob patterns that must be deleted from
// the cache after a write on (tenant, model): one wildcard per cacheable
// read operation.
func InvalidationPatterns(tenant, model string) []string {
	patterns := make([]string, 0, len(cacheableOps))
	for _, op := range cacheableOps {
		patterns = append(patterns, fmt.Sprintf("op:%s:%s:%s:*", tenant, op, model))
	}
	return patterns
}

// CacheKey derives the deterministic cache key for an operation. The
// fingerprint inputs are serialized canonically (map keys sorted at every
// level), MD5-hashed, and truncated to 16 hex chars.
func CacheKey(tenant, op, model string, fingerprint ...any) string {
	parts := make([]string, 0, len(fingerprint))
	for _, in := range fingerprint {
		parts = append(parts, canonicalize(in))
	}
	sum := md5.Sum([]byte(strings.Join(parts, "|")))
	hash := hex.EncodeToString(sum[:])[:16]
	return fmt.Sprintf("op:%s:%s:%s:%s", tenant, op, model, hash)
}

// canonicalize serializes v deterministically: maps are rendered with sorted
// keys, everything else through encoding/json (which is already
// deterministic for scalars and slices).
func canonicalize(v any) string {
	switch m := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(fmt.Sprintf("%q:", k))
			b.WriteString(canonicalize(m[k]))
		}
		b.WriteByte('}')
		return b.String()
	case []any:
		var b strings.Builder
		b.WriteByte('[')
		for i, e := range m {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(canonicalize(e))
		}
		b.WriteByte(']')
		return b.String()
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}
