package tap

import "fmt"

// Graph holds extractors and the parent -> child edges between them.
// Insertion order is preserved.
type Graph struct {
	order    []string
	streams  map[string]Extractor
	parent   map[string]string
	children map[string][]string
}

// NewGraph returns an empty stream graph.
func NewGraph() *Graph {
	return &Graph{
		streams:  make(map[string]Extractor),
		parent:   make(map[string]string),
		children: make(map[string][]string),
	}
}

// Add registers ext. A non-empty parent declares that ext consumes contexts
// derived from the parent's records; the parent must already be registered.
func (g *Graph) Add(ext Extractor, parent string) error {
	name := ext.Name()
	if name == "" {
		return fmt.Errorf("extractor name is required")
	}
	if _, ok := g.streams[name]; ok {
		return fmt.Errorf("stream %q already registered", name)
	}
	if parent != "" {
		if _, ok := g.streams[parent]; !ok {
			return fmt.Errorf("stream %q: unknown parent %q", name, parent)
		}
		g.parent[name] = parent
		g.children[parent] = append(g.children[parent], name)
	}
	g.streams[name] = ext
	g.order = append(g.order, name)
	return nil
}

// Get returns the extractor registered under name.
func (g *Graph) Get(name string) (Extractor, bool) {
	ext, ok := g.streams[name]
	return ext, ok
}

// Names returns every stream in registration order.
func (g *Graph) Names() []string {
	return append([]string(nil), g.order...)
}

// Roots returns the streams without a parent.
func (g *Graph) Roots() []string {
	var roots []string
	for _, name := range g.order {
		if _, ok := g.parent[name]; !ok {
			roots = append(roots, name)
		}
	}
	return roots
}

// Parent returns the parent of name, or "".
func (g *Graph) Parent(name string) string {
	return g.parent[name]
}

// Children returns the direct children of name.
func (g *Graph) Children(name string) []string {
	return g.children[name]
}

// Descendants returns every stream reachable below name.
func (g *Graph) Descendants(name string) []string {
	var out []string
	for _, child := range g.children[name] {
		out = append(out, child)
		out = append(out, g.Descendants(child)...)
	}
	return out
}
