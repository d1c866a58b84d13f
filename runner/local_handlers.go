package runner

import "context"

// LocalHandler is an in-process capability implementation, looked up by
// route when an outbound HTTP call fails with a network error or 404
// (spec §4.4.3 step 3, §9's static dispatch table).
type LocalHandler func(ctx context.Context, payload map[string]interface{}) (DispatchResult, error)

// LocalDispatchTable is a statically registered map from route to handler,
// populated once at startup and read-only thereafter.
type LocalDispatchTable struct {
	handlers map[string]LocalHandler
}

// NewLocalDispatchTable builds an empty table. Register entries with Register
// before the runner starts processing runs.
func NewLocalDispatchTable() *LocalDispatchTable {
	return &LocalDispatchTable{handlers: make(map[string]LocalHandler)}
}

// Register adds a handler for route. Calling Register with an existing
// route replaces its handler.
func (t *LocalDispatchTable) Register(route string, handler LocalHandler) {
	t.handlers[route] = handler
}

// Resolve returns the handler for route, if one is registered.
func (t *LocalDispatchTable) Resolve(route string) (LocalHandler, bool) {
	h, ok := t.handlers[route]
	return h, ok
}
