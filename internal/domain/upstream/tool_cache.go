package upstream

import "sync"

const (
	// MaxToolsPerUpstream caps tools accepted from a single upstream.
	MaxToolsPerUpstream = 1000
)

// ToolCache is thread-safe storage for discovered tools, indexed by
// upstream name. Tool names only need to be unique within an upstream.
type ToolCache struct {
	mu         sync.RWMutex
	byUpstream map[string][]*Tool
}

// NewToolCache creates an empty ToolCache.
func NewToolCache() *ToolCache {
	return &ToolCache{byUpstream: make(map[string][]*Tool)}
}

// SetTools replaces all tools for the given upstream, truncating to
// MaxToolsPerUpstream.
func (c *ToolCache) SetTools(upstreamName string, tools []*Tool) {
	if len(tools) > MaxToolsPerUpstream {
		tools = tools[:MaxToolsPerUpstream]
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byUpstream[upstreamName] = tools
}

// Tool looks up one tool under an upstream.
func (c *ToolCache) Tool(upstreamName, toolName string) (*Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.byUpstream[upstreamName] {
		if t.Name == toolName {
			return t, true
		}
	}
	return nil, false
}

// Tools returns a copy of the tool list for an upstream.
func (c *ToolCache) Tools(upstreamName string) []*Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tools := c.byUpstream[upstreamName]
	if tools == nil {
		return nil
	}
	out := make([]*Tool, len(tools))
	copy(out, tools)
	return out
}

// Remove drops all tools for an upstream.
func (c *ToolCache) Remove(upstreamName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byUpstream, upstreamName)
}

// Upstreams returns the names that currently have cached tools.
func (c *ToolCache) Upstreams() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.byUpstream))
	for name := range c.byUpstream {
		out = append(out, name)
	}
	return out
}

// Count returns the total number of cached tools.
func (c *ToolCache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, tools := range c.byUpstream {
		n += len(tools)
	}
	return n
}
