package workflow

import (
	"fmt"
	"log/slog"
)

// Patch operations mutate literal inputs on a loaded graph before
// compilation. They never touch connection-valued inputs: overwriting one
// would sever a wire the author drew, so that is always ErrInvalidPatch.
// Multi-target operations validate every target first and apply atomically.

// SetByID sets one literal input on the node with the given external id.
func (g *Graph) SetByID(id, field string, value any) error {
	n, ok := g.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if in, ok := n.Inputs[field]; ok && in.IsConnection() {
		return fmt.Errorf("%w: node %s input %s", ErrInvalidPatch, id, field)
	}
	n.SetInput(field, value)
	return nil
}

// SetByTitle sets a literal input on every node whose title matches,
// returning how many nodes were patched. No match is a no-op, reported
// with a warning rather than an error so broad sweeps never fail a run.
func (g *Graph) SetByTitle(title, field string, value any) (int, error) {
	targets := g.index.ByTitle(title)
	if len(targets) == 0 {
		slog.Warn("patch by title matched no nodes", "title", title, "field", field)
		return 0, nil
	}
	for _, n := range targets {
		if in, ok := n.Inputs[field]; ok && in.IsConnection() {
			return 0, fmt.Errorf("%w: node %s input %s", ErrInvalidPatch, n.ExternalID, field)
		}
	}
	for _, n := range targets {
		n.SetInput(field, value)
	}
	return len(targets), nil
}

// SetByType applies a field mapping to every node of the given class type,
// returning how many nodes were patched.
func (g *Graph) SetByType(classType string, fields map[string]any) (int, error) {
	targets := g.index.ByClassType(classType)
	if len(targets) == 0 {
		slog.Warn("patch by type matched no nodes", "class_type", classType)
		return 0, nil
	}
	for _, n := range targets {
		for field := range fields {
			if in, ok := n.Inputs[field]; ok && in.IsConnection() {
				return 0, fmt.Errorf("%w: node %s input %s", ErrInvalidPatch, n.ExternalID, field)
			}
		}
	}
	for _, n := range targets {
		for field, value := range fields {
			n.SetInput(field, value)
		}
	}
	return len(targets), nil
}
