package engine

// Coverage restricts which publication types and agents the crawl indexes.
// Empty filters mean "no restriction".
type Coverage struct {
	types  map[string]bool
	agents map[string]bool
}

// NewCoverage builds a coverage filter from the configured lists
func NewCoverage(types, agents []string) *Coverage {
	c := &Coverage{}
	if len(types) > 0 {
		c.types = make(map[string]bool, len(types))
		for _, t := range types {
			c.types[t] = true
		}
	}
	if len(agents) > 0 {
		c.agents = make(map[string]bool, len(agents))
		for _, a := range agents {
			c.agents[a] = true
		}
	}
	return c
}

// CoversType reports whether a publication type is within crawl coverage
func (c *Coverage) CoversType(name string) bool {
	if c.types == nil {
		return true
	}
	return c.types[name]
}

// CoversAgent reports whether an agent is within crawl coverage.
// The trust root is always covered.
func (c *Coverage) CoversAgent(agent string) bool {
	if agent == RootAgent {
		return true
	}
	if c.agents == nil {
		return true
	}
	return c.agents[agent]
}
