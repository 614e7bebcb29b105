package engine

import (
	"testing"

	"github.com/nanopub-net/nanoreg/internal/nanopub"
	"github.com/stretchr/testify/assert"
)

func TestCoverageUnrestricted(t *testing.T) {
	c := NewCoverage(nil, nil)

	assert.True(t, c.CoversType(nanopub.TypeIntroduction))
	assert.True(t, c.CoversType("anything"))
	assert.True(t, c.CoversAgent("https://example.org/alice"))
}

func TestCoverageRestrictedTypes(t *testing.T) {
	c := NewCoverage([]string{nanopub.TypeIntroduction}, nil)

	assert.True(t, c.CoversType(nanopub.TypeIntroduction))
	assert.False(t, c.CoversType(nanopub.TypeEndorsement))
	assert.True(t, c.CoversAgent("https://example.org/alice"))
}

func TestCoverageRestrictedAgents(t *testing.T) {
	c := NewCoverage(nil, []string{"https://example.org/alice"})

	assert.True(t, c.CoversAgent("https://example.org/alice"))
	assert.False(t, c.CoversAgent("https://example.org/bob"))

	// The trust root is always covered
	assert.True(t, c.CoversAgent(RootAgent))
}
