// Package compiler turns a loaded workflow graph into the execution
// payload the ComfyUI /prompt endpoint accepts: literal inputs coerced to
// the types each field expects, connections rewritten to
// [node_id, output_index] pairs, and output-path prefixes sanitized.
package compiler

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/soochol/comfy-remote/internal/workflow"
)

// Error reports an unsafe or unresolvable payload construction.
type Error struct {
	NodeID string
	Field  string
	Reason string
}

func (e *Error) Error() string {
	msg := "compile: " + e.Reason
	if e.NodeID != "" {
		msg += " (node " + e.NodeID
		if e.Field != "" {
			msg += ", input " + e.Field
		}
		msg += ")"
	}
	return msg
}

// defaultFilenamePrefix replaces an output prefix that sanitizes to nothing.
const defaultFilenamePrefix = "ComfyUI"

// Compiler compiles graphs against a class catalog. The zero value is not
// usable; construct with New.
type Compiler struct {
	catalog *workflow.Catalog
}

// New creates a Compiler. A nil catalog uses the built-in core signatures.
func New(catalog *workflow.Catalog) *Compiler {
	if catalog == nil {
		catalog = workflow.NewCatalog()
	}
	return &Compiler{catalog: catalog}
}

// Compile builds the execution payload. The graph is not mutated, and
// compiling the same graph twice yields byte-identical payloads: entries
// and input keys keep the loader's insertion order.
func (c *Compiler) Compile(g *workflow.Graph) (*Payload, error) {
	if err := detectCycles(g); err != nil {
		return nil, err
	}

	p := &Payload{}
	for _, n := range g.Nodes() {
		entry := Entry{ID: n.ExternalID, ClassType: n.ClassType, Title: n.Title}
		sig, _ := c.catalog.Lookup(n.ClassType)

		for _, name := range n.InputOrder {
			in := n.Inputs[name]
			var value any
			if in.IsConnection() {
				idx, err := resolveOutput(g, n.ExternalID, name, in.Ref)
				if err != nil {
					return nil, err
				}
				value = connValue{in.Ref.NodeID, idx}
			} else {
				coerced, err := coerceField(n, name, in.Value, sig)
				if err != nil {
					return nil, err
				}
				value = coerced
			}
			entry.Inputs = append(entry.Inputs, InputKV{Name: name, Value: value})
		}
		p.entries = append(p.entries, entry)
	}
	return p, nil
}

// resolveOutput rewrites a connection to a concrete output index, resolving
// name-wired references against the source node's declared output order.
func resolveOutput(g *workflow.Graph, nodeID, field string, ref *workflow.Connection) (int, error) {
	src, ok := g.Node(ref.NodeID)
	if !ok {
		return 0, &Error{NodeID: nodeID, Field: field, Reason: "reference to missing node " + ref.NodeID}
	}
	if ref.Output >= 0 {
		return ref.Output, nil
	}
	for i, name := range src.Outputs {
		if name == ref.OutputName {
			return i, nil
		}
	}
	return 0, &Error{NodeID: nodeID, Field: field,
		Reason: fmt.Sprintf("node %s has no output named %q", ref.NodeID, ref.OutputName)}
}

// coerceField applies the documented scalar coercions and the output-path
// sanitization rule. Unknown target kinds pass through unchanged, as do
// values that cannot be coerced; the server's own validation reports those.
func coerceField(n *workflow.Node, field string, value any, sig workflow.Signature) (any, error) {
	if field == "filename_prefix" {
		prefix, err := sanitizeFilenamePrefix(value)
		if err != nil {
			return nil, &Error{NodeID: n.ExternalID, Field: field, Reason: "unsafe output path"}
		}
		return prefix, nil
	}
	kind, ok := sig.Kinds[field]
	if !ok {
		return value, nil
	}
	return coerce(value, kind), nil
}

// sanitizeFilenamePrefix keeps the output prefix strictly a name: absolute
// paths and parent traversal escape the output root and are rejected; path
// separators and characters illegal in filenames are stripped.
func sanitizeFilenamePrefix(value any) (string, error) {
	s, ok := value.(string)
	if !ok {
		s = fmt.Sprintf("%v", value)
	}
	if filepath.IsAbs(s) || strings.Contains(s, "..") {
		return "", fmt.Errorf("prefix escapes output root: %q", s)
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			continue
		}
		b.WriteRune(r)
	}
	cleaned := strings.Trim(strings.TrimSpace(b.String()), ".")
	if cleaned == "" {
		cleaned = defaultFilenamePrefix
	}
	return cleaned, nil
}

// detectCycles walks connection edges depth-first. The external engine
// expects a dependency DAG, so any cycle is a hard compile error.
func detectCycles(g *workflow.Graph) error {
	const (
		unvisited = iota
		inStack
		done
	)
	colors := make(map[string]int, g.Len())

	var visit func(n *workflow.Node) error
	visit = func(n *workflow.Node) error {
		colors[n.ExternalID] = inStack
		for _, name := range n.InputOrder {
			in := n.Inputs[name]
			if in.Ref == nil {
				continue
			}
			src, ok := g.Node(in.Ref.NodeID)
			if !ok {
				return &Error{NodeID: n.ExternalID, Field: name, Reason: "reference to missing node " + in.Ref.NodeID}
			}
			switch colors[src.ExternalID] {
			case inStack:
				return &Error{NodeID: n.ExternalID, Field: name,
					Reason: "cycle detected through node " + src.ExternalID}
			case unvisited:
				if err := visit(src); err != nil {
					return err
				}
			}
		}
		colors[n.ExternalID] = done
		return nil
	}

	for _, n := range g.Nodes() {
		if colors[n.ExternalID] == unvisited {
			if err := visit(n); err != nil {
				return err
			}
		}
	}
	return nil
}
