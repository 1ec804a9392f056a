package endpoint

import "strings"

// Route names what to invoke: a literal path, or a path under a service
// whose prefix comes from discovery.
type Route struct {
	Service string
	Path    string
}

// Literal returns a route that is sent as-is.
func Literal(path string) Route {
	return Route{Path: path}
}

// ServiceRoute returns a route resolved against the discovered path of
// service.
func ServiceRoute(service, path string) Route {
	return Route{Service: service, Path: path}
}

func (r Route) String() string {
	if r.Service == "" {
		return r.Path
	}
	return r.Service + ":" + r.Path
}

// ResolveRoute returns the path r is sent to. A service route becomes
// "<discovered path>/<path>" once the service is known and degrades to
// the bare path before that.
func (e *Endpoint) ResolveRoute(r Route) string {
	if r.Service == "" {
		return r.Path
	}
	e.mu.Lock()
	prefix, ok := e.available[r.Service]
	e.mu.Unlock()
	if !ok {
		return r.Path
	}
	return prefix + "/" + r.Path
}

// ServiceName derives the canonical service name from a backend class
// name: the first "Backend" or "Service" is removed and the rest is
// lower-cased.
func ServiceName(class string) string {
	i := strings.Index(class, "Backend")
	n := len("Backend")
	if j := strings.Index(class, "Service"); j != -1 && (i == -1 || j < i) {
		i, n = j, len("Service")
	}
	if i != -1 {
		class = class[:i] + class[i+n:]
	}
	return strings.ToLower(class)
}
