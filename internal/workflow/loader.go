package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
)

// Loader parses workflow documents into Graphs. Two document shapes are
// accepted: the API prompt format (a map from node id to class/inputs) and
// the editor format (a nodes array plus a links array). Both normalize to
// the same Graph, with the author-assigned ids preserved verbatim.
type Loader struct {
	catalog *Catalog
}

// NewLoader creates a Loader backed by the given class catalog. A nil
// catalog uses the built-in core signatures.
func NewLoader(catalog *Catalog) *Loader {
	if catalog == nil {
		catalog = NewCatalog()
	}
	return &Loader{catalog: catalog}
}

// LoadFile reads and parses the workflow document at path.
func (l *Loader) LoadFile(path string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &LoadError{Msg: "opening workflow document", Err: err}
	}
	defer f.Close()
	return l.Load(f)
}

// Load parses a workflow document. The editor format is detected by its
// top-level "nodes" array; everything else is treated as the API format.
func (l *Loader) Load(r io.Reader) (*Graph, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &LoadError{Msg: "reading workflow document", Err: err}
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &LoadError{Msg: "malformed workflow document", Err: err}
	}

	var g *Graph
	if nodes, ok := probe["nodes"]; ok && bytes.HasPrefix(bytes.TrimSpace(nodes), []byte("[")) {
		g, err = l.loadEditor(data)
	} else {
		g, err = l.loadAPI(data)
	}
	if err != nil {
		return nil, err
	}

	if err := validateReferences(g); err != nil {
		return nil, err
	}
	g.index = buildIndex(g)
	slog.Debug("workflow loaded", "nodes", g.Len())
	return g, nil
}

// apiNodeSpec is one entry of the API prompt format.
type apiNodeSpec struct {
	ClassType string          `json:"class_type"`
	Inputs    json.RawMessage `json:"inputs"`
	Meta      struct {
		Title string `json:"title"`
	} `json:"_meta"`
}

// loadAPI parses the API prompt format, walking the top-level object with
// a token decoder so node order follows the document.
func (l *Loader) loadAPI(data []byte) (*Graph, error) {
	g := newGraph()

	dec := json.NewDecoder(bytes.NewReader(data))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil, &LoadError{Msg: "malformed workflow document: expected top-level object"}
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, &LoadError{Msg: "malformed workflow document", Err: err}
		}
		id := keyTok.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, &LoadError{Msg: "malformed node " + id, Err: err}
		}
		var spec apiNodeSpec
		if err := json.Unmarshal(raw, &spec); err != nil {
			return nil, &LoadError{Msg: "malformed node " + id, Err: err}
		}
		if spec.ClassType == "" {
			return nil, &LoadError{Msg: "node " + id + " has no class type"}
		}

		var rawSpec map[string]any
		_ = json.Unmarshal(raw, &rawSpec)

		n := &Node{
			ExternalID: id,
			ClassType:  spec.ClassType,
			Title:      spec.Meta.Title,
			Inputs:     make(map[string]Input),
			RawSpec:    rawSpec,
		}
		if sig, ok := l.catalog.Lookup(spec.ClassType); ok {
			n.Outputs = sig.Outputs
		}
		if err := parseAPIInputs(n, spec.Inputs); err != nil {
			return nil, err
		}
		if err := g.add(n); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// parseAPIInputs splits an API-format inputs object into literals and
// connection pairs, preserving document key order.
func parseAPIInputs(n *Node, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return &LoadError{Msg: "node " + n.ExternalID + " has malformed inputs"}
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return &LoadError{Msg: "node " + n.ExternalID + " has malformed inputs", Err: err}
		}
		name := keyTok.(string)

		var value any
		if err := dec.Decode(&value); err != nil {
			return &LoadError{Msg: "node " + n.ExternalID + " input " + name, Err: err}
		}
		if ref, ok := asConnection(value); ok {
			n.SetConnection(name, ref)
		} else {
			n.SetInput(name, value)
		}
	}
	return nil
}

// asConnection recognizes the [node_id, output_index] wire pair. The id may
// be a bare number in hand-edited documents; it is kept as its string form.
func asConnection(v any) (Connection, bool) {
	pair, ok := v.([]any)
	if !ok || len(pair) != 2 {
		return Connection{}, false
	}
	var id string
	switch first := pair[0].(type) {
	case string:
		id = first
	case json.Number:
		id = first.String()
	default:
		return Connection{}, false
	}
	idx, ok := pair[1].(json.Number)
	if !ok {
		return Connection{}, false
	}
	out, err := idx.Int64()
	if err != nil {
		return Connection{}, false
	}
	return Connection{NodeID: id, Output: int(out)}, true
}

// editorPort is one input/output slot declaration in the editor format.
type editorPort struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	SlotIndex *int   `json:"slot_index"`
}

// editorNodeSpec is one entry of the editor "nodes" array.
type editorNodeSpec struct {
	ID            json.Number  `json:"id"`
	Type          string       `json:"type"`
	Title         string       `json:"title"`
	WidgetsValues []any        `json:"widgets_values"`
	Inputs        []editorPort `json:"inputs"`
	Outputs       []editorPort `json:"outputs"`
}

type editorDoc struct {
	Nodes []json.RawMessage `json:"nodes"`
	Links [][]any           `json:"links"`
}

// loadEditor parses the editor format: widget values become named literal
// inputs via the class signature, and link rows become connections wired by
// the source node's output slot name (resolved to an index at compile).
func (l *Loader) loadEditor(data []byte) (*Graph, error) {
	var doc editorDoc
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, &LoadError{Msg: "malformed editor document", Err: err}
	}

	g := newGraph()
	inPorts := make(map[string][]editorPort)

	for _, rawNode := range doc.Nodes {
		var spec editorNodeSpec
		specDec := json.NewDecoder(bytes.NewReader(rawNode))
		specDec.UseNumber()
		if err := specDec.Decode(&spec); err != nil {
			return nil, &LoadError{Msg: "malformed editor node", Err: err}
		}
		if spec.Type == "" {
			return nil, &LoadError{Msg: "editor node " + spec.ID.String() + " has no class type"}
		}

		var rawSpec map[string]any
		_ = json.Unmarshal(rawNode, &rawSpec)

		n := &Node{
			ExternalID: spec.ID.String(),
			ClassType:  spec.Type,
			Title:      spec.Title,
			Inputs:     make(map[string]Input),
			Outputs:    outputNames(spec.Outputs),
			RawSpec:    rawSpec,
		}
		if len(n.Outputs) == 0 {
			if sig, ok := l.catalog.Lookup(spec.Type); ok {
				n.Outputs = sig.Outputs
			}
		}
		l.applyWidgets(n, spec.WidgetsValues)
		if err := g.add(n); err != nil {
			return nil, err
		}
		inPorts[n.ExternalID] = spec.Inputs
	}

	for _, row := range doc.Links {
		// [link_id, from_id, from_slot, to_id, to_slot, type]
		if len(row) < 6 {
			continue
		}
		fromID, ok1 := linkNumber(row[1])
		fromSlot, ok2 := linkIndex(row[2])
		toID, ok3 := linkNumber(row[3])
		toSlot, ok4 := linkIndex(row[4])
		if !ok1 || !ok2 || !ok3 || !ok4 {
			return nil, &LoadError{Msg: "malformed link row"}
		}

		src, ok := g.Node(fromID)
		if !ok {
			return nil, &LoadError{Msg: "link references unknown node " + fromID}
		}
		dst, ok := g.Node(toID)
		if !ok {
			return nil, &LoadError{Msg: "link references unknown node " + toID}
		}

		inputName := strconv.Itoa(toSlot)
		if ports := inPorts[toID]; toSlot < len(ports) && ports[toSlot].Name != "" {
			inputName = ports[toSlot].Name
		}
		ref := Connection{NodeID: fromID, Output: -1}
		if fromSlot < len(src.Outputs) {
			ref.OutputName = src.Outputs[fromSlot]
		} else {
			ref.Output = fromSlot
		}
		dst.SetConnection(inputName, ref)
	}
	return g, nil
}

// applyWidgets maps positional widgets_values onto named inputs using the
// class signature. Empty widget slots are editor-only toggles and are
// skipped without consuming a name.
func (l *Loader) applyWidgets(n *Node, values []any) {
	sig, ok := l.catalog.Lookup(n.ClassType)
	if !ok || len(sig.Widgets) == 0 {
		return
	}
	for i, name := range sig.Widgets {
		if i >= len(values) {
			break
		}
		if name == "" {
			continue
		}
		n.SetInput(name, values[i])
	}
}

// outputNames orders the declared output slot names, honoring explicit
// slot_index values where the editor recorded them.
func outputNames(ports []editorPort) []string {
	if len(ports) == 0 {
		return nil
	}
	names := make([]string, len(ports))
	for i, p := range ports {
		idx := i
		if p.SlotIndex != nil && *p.SlotIndex >= 0 && *p.SlotIndex < len(ports) {
			idx = *p.SlotIndex
		}
		name := p.Name
		if name == "" {
			name = strconv.Itoa(idx)
		}
		names[idx] = name
	}
	return names
}

func linkNumber(v any) (string, bool) {
	switch n := v.(type) {
	case json.Number:
		return n.String(), true
	case string:
		return n, true
	default:
		return "", false
	}
}

func linkIndex(v any) (int, bool) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	i, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return int(i), true
}

// validateReferences checks that every connection points at an existing
// node and, where the target class declares its outputs, a valid slot.
func validateReferences(g *Graph) error {
	for _, n := range g.Nodes() {
		for _, name := range n.InputOrder {
			in := n.Inputs[name]
			if in.Ref == nil {
				continue
			}
			src, ok := g.Node(in.Ref.NodeID)
			if !ok {
				return &LoadError{Msg: fmt.Sprintf("node %s input %s references missing node %s", n.ExternalID, name, in.Ref.NodeID)}
			}
			if in.Ref.Output >= 0 && len(src.Outputs) > 0 && in.Ref.Output >= len(src.Outputs) {
				return &LoadError{Msg: fmt.Sprintf("node %s input %s references output %d of %s, which has %d outputs",
					n.ExternalID, name, in.Ref.Output, src.ExternalID, len(src.Outputs))}
			}
		}
	}
	return nil
}
