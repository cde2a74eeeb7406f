package cache

import (
	"fmt"
	"strings"
)

// CacheKey identifies one resource + parameter tuple.
type CacheKey struct {
	// Resource is the proxied resource name (e.g. "laps").
	Resource string

	// Params are the parameter values in the resource's declared order.
	Params []string
}

// NewKey builds a key from a resource name and its parameter values.
func NewKey(resource string, params ...any) CacheKey {
	values := make([]string, 0, len(params))
	for _, p := range params {
		values = append(values, fmt.Sprint(p))
	}
	return CacheKey{Resource: resource, Params: values}
}

// String generates a deterministic cache key string.
// Format: resource_param1_param2
//
// Example:
//
//	laps_9161_44
func (k CacheKey) String() string {
	parts := make([]string, 0, len(k.Params)+1)
	parts = append(parts, strings.TrimSpace(k.Resource))
	for _, p := range k.Params {
		parts = append(parts, strings.TrimSpace(p))
	}
	return strings.Join(parts, "_")
}
