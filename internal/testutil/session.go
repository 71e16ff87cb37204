package testutil

// FixedSessionGenerator returns the same session id every time, so a
// scenario replayed with it produces byte-identical traces.
//
// Thread-safety: FixedSessionGenerator is stateless and safe for concurrent use.
type FixedSessionGenerator struct {
	id string
}

// NewFixedSessionGenerator returns a generator for id. An empty id becomes
// "test-session".
func NewFixedSessionGenerator(id string) *FixedSessionGenerator {
	if id == "" {
		id = "test-session"
	}
	return &FixedSessionGenerator{id: id}
}

func (g *FixedSessionGenerator) Generate() string {
	return g.id
}
