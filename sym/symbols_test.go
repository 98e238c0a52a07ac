package sym

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSymbolNamesRoundTrip(t *testing.T) {
	assert.Len(t, NameToSymbol, len(SymbolToName))
	for glyph, name := range SymbolToName {
		assert.Equal(t, glyph, NameToSymbol[name], "name %s", name)
	}
	assert.Equal(t, Pulse, NameToSymbol["pulse"])
	assert.Equal(t, "graph", SymbolToName[Graph])
}
