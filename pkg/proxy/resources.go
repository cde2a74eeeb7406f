// Package proxy serves OpenF1 resources from the cache, refilling misses
// through the global scheduler and announcing every refill to subscribers.
package proxy

import (
	"sort"
	"time"
)

// TTL classes.
const (
	// SlowTTL applies to data that changes at most a few times a weekend.
	SlowTTL = 3600 * time.Second

	// FastTTL applies to timing data that moves during a session.
	FastTTL = 300 * time.Second
)

// Param maps a route parameter to its upstream query name.
type Param struct {
	Name  string // route and event field name, e.g. "sessionKey"
	Query string // upstream query parameter, e.g. "session_key"
}

// Resource describes one proxied OpenF1 collection.
type Resource struct {
	// Name is the route segment, cache key prefix and event type.
	Name string

	// UpstreamPath is the OpenF1 endpoint, relative to the base URL.
	UpstreamPath string

	// Params in route order.
	Params []Param

	TTL time.Duration
}

var (
	paramYear         = Param{Name: "year", Query: "year"}
	paramMeetingKey   = Param{Name: "meetingKey", Query: "meeting_key"}
	paramSessionKey   = Param{Name: "sessionKey", Query: "session_key"}
	paramDriverNumber = Param{Name: "driverNumber", Query: "driver_number"}
)

var resources = map[string]Resource{
	"meetings":        {Name: "meetings", UpstreamPath: "meetings", Params: []Param{paramYear}, TTL: SlowTTL},
	"sessions":        {Name: "sessions", UpstreamPath: "sessions", Params: []Param{paramMeetingKey}, TTL: SlowTTL},
	"drivers":         {Name: "drivers", UpstreamPath: "drivers", Params: []Param{paramSessionKey}, TTL: SlowTTL},
	"session-results": {Name: "session-results", UpstreamPath: "session_result", Params: []Param{paramSessionKey}, TTL: FastTTL},
	"grid":            {Name: "grid", UpstreamPath: "starting_grid", Params: []Param{paramSessionKey}, TTL: FastTTL},
	"stints":          {Name: "stints", UpstreamPath: "stints", Params: []Param{paramSessionKey, paramDriverNumber}, TTL: FastTTL},
	"laps":            {Name: "laps", UpstreamPath: "laps", Params: []Param{paramSessionKey, paramDriverNumber}, TTL: FastTTL},
	"positions":       {Name: "positions", UpstreamPath: "position", Params: []Param{paramSessionKey, paramDriverNumber}, TTL: FastTTL},
}

// Lookup returns the resource registered under name.
func Lookup(name string) (Resource, bool) {
	r, ok := resources[name]
	return r, ok
}

// Resources returns every resource sorted by name.
func Resources() []Resource {
	out := make([]Resource, 0, len(resources))
	for _, r := range resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
