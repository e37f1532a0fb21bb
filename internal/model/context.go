package model

// ExecutionContext is threaded by value through every governance call.
// Derivations return a new context; nothing mutates one in place.
type ExecutionContext struct {
	TraceID     string            `json:"trace_id"`
	RequestID   string            `json:"request_id"`
	UserIntent  string            `json:"user_intent,omitempty"`
	Profile     string            `json:"profile,omitempty"`
	Tenant      string            `json:"tenant"`
	MemoryScope string            `json:"memory_scope,omitempty"`
	Parent      *ExecutionContext `json:"parent,omitempty"`
}

// Derive returns a child context with a new request id. The child keeps
// the trace id so derived work stays on the same trace.
func (c ExecutionContext) Derive(requestID string) ExecutionContext {
	parent := c
	child := c
	child.RequestID = requestID
	child.Parent = &parent
	return child
}

// WithProfile returns a copy with a different budget profile.
func (c ExecutionContext) WithProfile(profile string) ExecutionContext {
	c.Profile = profile
	return c
}

// Root walks parents and returns the outermost context.
func (c ExecutionContext) Root() ExecutionContext {
	cur := c
	for cur.Parent != nil {
		cur = *cur.Parent
	}
	return cur
}
