// Package sym defines the symbols testpulse attaches to structured log lines.
// They are stable across CLI output and logs so lines can be filtered per subsystem.
package sym

// Subsystem glyphs.
const (
	Pulse      = "꩜" // scheduler ticks and async execution
	PulseOpen  = "✿" // graceful startup
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // database and storage
	AM         = "≡" // configuration
	Graph      = "⋈" // dependency graph reads and writes
	Gate       = "⊨" // condition evaluation
)

// SymbolToName maps each glyph to its subsystem name.
var SymbolToName = map[string]string{
	Pulse:      "pulse",
	PulseOpen:  "pulse-open",
	PulseClose: "pulse-close",
	DB:         "db",
	AM:         "am",
	Graph:      "graph",
	Gate:       "gate",
}

// NameToSymbol maps subsystem names back to glyphs.
var NameToSymbol = func() map[string]string {
	m := make(map[string]string, len(SymbolToName))
	for glyph, name := range SymbolToName {
		m[name] = glyph
	}
	return m
}()
