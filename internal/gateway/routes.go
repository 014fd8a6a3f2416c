package gateway

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Route maps a path prefix to an upstream base URL.
type Route struct {
	Prefix   string `yaml:"prefix"`
	Upstream string `yaml:"upstream"`

	target *url.URL
}

func (r Route) Target() *url.URL { return r.target }

// Table is an immutable routing snapshot. Build a new one to change routes.
type Table struct {
	routes []Route // longest prefix first
}

// NewTable validates routes and orders them for longest-prefix matching.
func NewTable(routes []Route) (*Table, error) {
	seen := make(map[string]bool, len(routes))
	out := make([]Route, 0, len(routes))
	for _, r := range routes {
		prefix := strings.TrimSpace(r.Prefix)
		if !strings.HasPrefix(prefix, "/") {
			return nil, fmt.Errorf("route prefix %q must start with /", r.Prefix)
		}
		if len(prefix) > 1 {
			prefix = strings.TrimSuffix(prefix, "/")
		}
		if seen[prefix] {
			return nil, fmt.Errorf("duplicate route prefix %q", prefix)
		}
		seen[prefix] = true

		target, err := url.Parse(strings.TrimSpace(r.Upstream))
		if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
			return nil, fmt.Errorf("route %s: invalid upstream %q", prefix, r.Upstream)
		}
		out = append(out, Route{Prefix: prefix, Upstream: target.String(), target: target})
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i].Prefix) > len(out[j].Prefix) })
	return &Table{routes: out}, nil
}

// Match returns the route with the longest prefix that matches path on a
// segment boundary: "/patients" matches "/patients" and "/patients/1" but not
// "/patientsx".
func (t *Table) Match(path string) (Route, bool) {
	for _, r := range t.routes {
		if matchPrefix(r.Prefix, path) {
			return r, true
		}
	}
	return Route{}, false
}

func (t *Table) Routes() []Route {
	return append([]Route(nil), t.routes...)
}

func matchPrefix(prefix, path string) bool {
	if prefix == "/" {
		return strings.HasPrefix(path, "/")
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

// ParseRoutes reads the "/prefix=http://host:port,..." form.
func ParseRoutes(s string) (*Table, error) {
	var routes []Route
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		prefix, upstream, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("route %q: want /prefix=url", part)
		}
		routes = append(routes, Route{Prefix: prefix, Upstream: upstream})
	}
	return NewTable(routes)
}

type routesFile struct {
	Routes []Route `yaml:"routes"`
}

// LoadRoutesFile reads a YAML routing file:
//
//	routes:
//	  - prefix: /patients
//	    upstream: http://patients:8082
func LoadRoutesFile(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes file: %w", err)
	}
	var f routesFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse routes file: %w", err)
	}
	return NewTable(f.Routes)
}

// Routes holds the live table. Readers take a snapshot per request; reloads
// swap the pointer, so in-flight requests keep the table they started with.
type Routes struct {
	current atomic.Pointer[Table]
}

func NewRoutes(initial *Table) *Routes {
	r := &Routes{}
	if initial == nil {
		initial = &Table{}
	}
	r.current.Store(initial)
	return r
}

func (r *Routes) Snapshot() *Table {
	return r.current.Load()
}

func (r *Routes) Swap(t *Table) {
	r.current.Store(t)
}
