package queue

import "github.com/kimhsiao/outbox/internal/models"

// RouteResolver maps an operation kind to its remote route.
type RouteResolver interface {
	Resolve(kind string) (models.Route, bool)
}

// RouteMap is a static RouteResolver.
type RouteMap map[string]models.Route

// Resolve implements RouteResolver.
func (m RouteMap) Resolve(kind string) (models.Route, bool) {
	r, ok := m[kind]
	return r, ok
}

// Kinds returns the kinds with a route.
func (m RouteMap) Kinds() []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
