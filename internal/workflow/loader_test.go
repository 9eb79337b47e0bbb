package workflow

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func load(t *testing.T, doc string) *Graph {
	t.Helper()
	g, err := NewLoader(nil).Load(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	return g
}

func loadErr(t *testing.T, doc string) error {
	t.Helper()
	_, err := NewLoader(nil).Load(strings.NewReader(doc))
	if err == nil {
		t.Fatal("Load() returned nil error")
	}
	return err
}

const apiDoc = `{
  "4": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "sd15.safetensors"}, "_meta": {"title": "Load Checkpoint"}},
  "6": {"class_type": "CLIPTextEncode", "inputs": {"text": "a cat", "clip": ["4", 1]}, "_meta": {"title": "Prompt"}},
  "3": {"class_type": "KSampler", "inputs": {"seed": 42, "steps": 20, "model": ["4", 0], "positive": ["6", 0]}}
}`

func TestLoadAPI(t *testing.T) {
	g := load(t, apiDoc)
	if g.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", g.Len())
	}

	// Document order, not key order.
	var ids []string
	for _, n := range g.Nodes() {
		ids = append(ids, n.ExternalID)
	}
	want := []string{"4", "6", "3"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("node order = %v, want %v", ids, want)
		}
	}

	n, ok := g.Node("6")
	if !ok {
		t.Fatal("node 6 missing")
	}
	if n.Title != "Prompt" {
		t.Errorf("Title = %q, want Prompt", n.Title)
	}
	in := n.Inputs["clip"]
	if !in.IsConnection() {
		t.Fatal("clip is not a connection")
	}
	if in.Ref.NodeID != "4" || in.Ref.Output != 1 {
		t.Errorf("clip ref = %+v, want node 4 output 1", in.Ref)
	}
	if text := n.Inputs["text"]; text.IsConnection() || text.Value != "a cat" {
		t.Errorf("text = %+v, want literal \"a cat\"", text)
	}

	// Outputs come from the catalog for API documents.
	ckpt, _ := g.Node("4")
	if len(ckpt.Outputs) != 3 || ckpt.Outputs[1] != "CLIP" {
		t.Errorf("checkpoint outputs = %v", ckpt.Outputs)
	}
}

func TestLoadAPI_NumericConnectionID(t *testing.T) {
	g := load(t, `{
	  "1": {"class_type": "CheckpointLoaderSimple", "inputs": {}},
	  "2": {"class_type": "CLIPTextEncode", "inputs": {"clip": [1, 1]}}
	}`)
	in := mustNode(t, g, "2").Inputs["clip"]
	if !in.IsConnection() || in.Ref.NodeID != "1" {
		t.Errorf("clip = %+v, want connection to node 1", in)
	}
}

func TestLoadAPI_TwoElementLiteralListIsNotAConnection(t *testing.T) {
	g := load(t, `{
	  "1": {"class_type": "EmptyLatentImage", "inputs": {"size": [512, 768]}}
	}`)
	in := mustNode(t, g, "1").Inputs["size"]
	if in.IsConnection() {
		t.Error("numeric pair misread as a connection")
	}
}

func TestLoadEditor(t *testing.T) {
	g := load(t, `{
	  "nodes": [
	    {"id": 4, "type": "CheckpointLoaderSimple", "widgets_values": ["sd15.safetensors"],
	     "outputs": [{"name": "MODEL", "type": "MODEL"}, {"name": "CLIP", "type": "CLIP"}, {"name": "VAE", "type": "VAE"}]},
	    {"id": 3, "type": "KSampler", "title": "Sampler",
	     "widgets_values": [42, "randomize", 20, 7.5, "euler", "normal", 1.0],
	     "inputs": [{"name": "model", "type": "MODEL"}]}
	  ],
	  "links": [
	    [1, 4, 0, 3, 0, "MODEL"]
	  ]
	}`)

	sampler := mustNode(t, g, "3")
	if sampler.Title != "Sampler" {
		t.Errorf("Title = %q", sampler.Title)
	}
	// control_after_generate occupies a widget slot but is editor-only.
	if _, ok := sampler.Inputs["randomize"]; ok {
		t.Error("editor-only widget leaked into inputs")
	}
	if num, ok := sampler.Inputs["seed"].Value.(json.Number); !ok || num.String() != "42" {
		t.Errorf("seed = %#v, want 42", sampler.Inputs["seed"].Value)
	}
	if got := sampler.Inputs["steps"]; got.IsConnection() {
		t.Error("steps should be a literal")
	}

	model := sampler.Inputs["model"]
	if !model.IsConnection() {
		t.Fatal("model is not a connection")
	}
	if model.Ref.NodeID != "4" || model.Ref.OutputName != "MODEL" || model.Ref.Output != -1 {
		t.Errorf("model ref = %+v, want name-wired MODEL on node 4", model.Ref)
	}
}

func TestLoadEditor_SlotIndexReorder(t *testing.T) {
	g := load(t, `{
	  "nodes": [
	    {"id": 1, "type": "LoadImage",
	     "outputs": [{"name": "MASK", "type": "MASK", "slot_index": 1}, {"name": "IMAGE", "type": "IMAGE", "slot_index": 0}]}
	  ],
	  "links": []
	}`)
	n := mustNode(t, g, "1")
	if len(n.Outputs) != 2 || n.Outputs[0] != "IMAGE" || n.Outputs[1] != "MASK" {
		t.Errorf("outputs = %v, want [IMAGE MASK]", n.Outputs)
	}
}

func TestLoad_DuplicateID(t *testing.T) {
	err := loadErr(t, `{
	  "nodes": [
	    {"id": 1, "type": "VAEDecode"},
	    {"id": 1, "type": "VAEDecode"}
	  ], "links": []
	}`)
	var lerr *LoadError
	if !errors.As(err, &lerr) {
		t.Fatalf("error type %T, want *LoadError", err)
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("error = %v", err)
	}
}

func TestLoad_MissingReference(t *testing.T) {
	err := loadErr(t, `{
	  "1": {"class_type": "CLIPTextEncode", "inputs": {"clip": ["99", 0]}}
	}`)
	if !strings.Contains(err.Error(), "missing node 99") {
		t.Errorf("error = %v", err)
	}
}

func TestLoad_OutOfRangeOutput(t *testing.T) {
	err := loadErr(t, `{
	  "1": {"class_type": "CheckpointLoaderSimple", "inputs": {}},
	  "2": {"class_type": "CLIPTextEncode", "inputs": {"clip": ["1", 7]}}
	}`)
	if !strings.Contains(err.Error(), "7") {
		t.Errorf("error = %v", err)
	}
}

func TestLoad_Malformed(t *testing.T) {
	for name, doc := range map[string]string{
		"not json":      `{{`,
		"no class type": `{"1": {"inputs": {}}}`,
		"array top":     `[1, 2]`,
	} {
		t.Run(name, func(t *testing.T) {
			loadErr(t, doc)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wf.json")
	if err := os.WriteFile(path, []byte(apiDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	g, err := NewLoader(nil).LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() returned error: %v", err)
	}
	if g.Len() != 3 {
		t.Errorf("Len() = %d, want 3", g.Len())
	}

	if _, err := NewLoader(nil).LoadFile(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("LoadFile() on missing file returned nil error")
	}
}

func TestIndexLookups(t *testing.T) {
	g := load(t, `{
	  "1": {"class_type": "CLIPTextEncode", "inputs": {"text": "pos"}, "_meta": {"title": "Prompt"}},
	  "2": {"class_type": "CLIPTextEncode", "inputs": {"text": "neg"}, "_meta": {"title": "Prompt"}},
	  "3": {"class_type": "KSampler", "inputs": {}}
	}`)
	idx := g.Index()

	if n, ok := idx.ByID("2"); !ok || n.Inputs["text"].Value != "neg" {
		t.Error("ByID(2) wrong node")
	}
	titled := idx.ByTitle("Prompt")
	if len(titled) != 2 || titled[0].ExternalID != "1" || titled[1].ExternalID != "2" {
		t.Errorf("ByTitle = %v", titled)
	}
	if got := idx.ByClassType("KSampler"); len(got) != 1 || got[0].ExternalID != "3" {
		t.Errorf("ByClassType = %v", got)
	}
	if got := idx.ByTitle("Nope"); len(got) != 0 {
		t.Errorf("ByTitle(Nope) = %v, want empty", got)
	}
}

func mustNode(t *testing.T, g *Graph, id string) *Node {
	t.Helper()
	n, ok := g.Node(id)
	if !ok {
		t.Fatalf("node %s missing", id)
	}
	return n
}
