// Package workflow holds the in-memory graph model for ComfyUI workflows:
// typed nodes, literal-or-connection inputs, lookup indices, and the
// parameter patch operations applied before compilation.
package workflow

import "errors"

// ErrNotFound is returned when a patch addresses a node id that does not
// exist in the graph.
var ErrNotFound = errors.New("workflow: node not found")

// ErrInvalidPatch is returned when a patch would overwrite an input that
// currently holds a connection, which would silently sever a wire the
// author intended.
var ErrInvalidPatch = errors.New("workflow: input holds a connection")

// LoadError reports a malformed or unresolvable workflow document.
type LoadError struct {
	Msg string
	Err error
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return "workflow: " + e.Msg + ": " + e.Err.Error()
	}
	return "workflow: " + e.Msg
}

func (e *LoadError) Unwrap() error { return e.Err }

// Connection references an output slot of another node. Output is the
// resolved slot index; OutputName is set instead when the document wired
// the connection by name and resolution is deferred to compile time.
type Connection struct {
	NodeID     string
	Output     int
	OutputName string
}

// Input is either a literal value or a connection reference, never both.
type Input struct {
	Value any
	Ref   *Connection
}

// IsConnection reports whether the input is wired to another node.
func (in Input) IsConnection() bool { return in.Ref != nil }

// Node is one workflow graph node. ExternalID is the author-assigned id
// from the source document, preserved verbatim so patch-by-id and server
// validation messages line up with what the author sees in the editor.
type Node struct {
	ExternalID string
	ClassType  string
	Title      string
	Inputs     map[string]Input
	InputOrder []string
	Outputs    []string
	RawSpec    map[string]any
}

// SetInput stores a literal input, keeping key order stable for
// deterministic compilation.
func (n *Node) SetInput(name string, value any) {
	if _, ok := n.Inputs[name]; !ok {
		n.InputOrder = append(n.InputOrder, name)
	}
	n.Inputs[name] = Input{Value: value}
}

// SetConnection wires an input to another node's output slot.
func (n *Node) SetConnection(name string, ref Connection) {
	if _, ok := n.Inputs[name]; !ok {
		n.InputOrder = append(n.InputOrder, name)
	}
	n.Inputs[name] = Input{Ref: &ref}
}

// Graph is an ordered collection of nodes plus the edges implied by
// connection inputs. Node order follows the source document.
type Graph struct {
	nodes []*Node
	byID  map[string]*Node
	index *Index
}

func newGraph() *Graph {
	return &Graph{byID: make(map[string]*Node)}
}

func (g *Graph) add(n *Node) error {
	if _, exists := g.byID[n.ExternalID]; exists {
		return &LoadError{Msg: "duplicate node id " + n.ExternalID}
	}
	g.nodes = append(g.nodes, n)
	g.byID[n.ExternalID] = n
	return nil
}

// Nodes returns the nodes in document order. The slice is shared; callers
// must not reorder it.
func (g *Graph) Nodes() []*Node { return g.nodes }

// Node looks a node up by its external id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.byID[id]
	return n, ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Index returns the lookup index built at load time.
func (g *Graph) Index() *Index { return g.index }

// BuildGraph assembles a graph from already-constructed nodes, running the
// same reference validation and indexing as the loader. Used by template
// builders and tests that do not start from a document.
func BuildGraph(nodes []*Node) (*Graph, error) {
	g := newGraph()
	for _, n := range nodes {
		if n.Inputs == nil {
			n.Inputs = make(map[string]Input)
		}
		if err := g.add(n); err != nil {
			return nil, err
		}
	}
	if err := validateReferences(g); err != nil {
		return nil, err
	}
	g.index = buildIndex(g)
	return g, nil
}

// Index provides the three lookup tables built once after loading:
// by external id, by title (all matches, insertion order), and by class
// type. Read-only after construction.
type Index struct {
	byID    map[string]*Node
	byTitle map[string][]*Node
	byType  map[string][]*Node
}

func buildIndex(g *Graph) *Index {
	idx := &Index{
		byID:    make(map[string]*Node, len(g.nodes)),
		byTitle: make(map[string][]*Node),
		byType:  make(map[string][]*Node),
	}
	for _, n := range g.nodes {
		idx.byID[n.ExternalID] = n
		if n.Title != "" {
			idx.byTitle[n.Title] = append(idx.byTitle[n.Title], n)
		}
		idx.byType[n.ClassType] = append(idx.byType[n.ClassType], n)
	}
	return idx
}

// ByID returns the node with the given external id.
func (i *Index) ByID(id string) (*Node, bool) {
	n, ok := i.byID[id]
	return n, ok
}

// ByTitle returns every node carrying the given title, in document order.
// Titles are not unique.
func (i *Index) ByTitle(title string) []*Node { return i.byTitle[title] }

// ByClassType returns every node of the given class type, in document order.
func (i *Index) ByClassType(classType string) []*Node { return i.byType[classType] }
