package extrapaths

import (
	"bytes"
	"os"
	"reflect"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/soochol/comfy-remote/internal/config"
)

func TestRender_RoundTrip(t *testing.T) {
	paths := config.PathSettings{
		ModelsRoot: "/mnt/sd",
		Models: map[string][]string{
			"checkpoints": {"/mnt/sd/models/checkpoints", "/shared/ckpt"},
			"vae":         {"/mnt/sd/models/vae"},
		},
		CustomNodes: []string{"/opt/nodes"},
	}
	data, err := Render(paths)
	if err != nil {
		t.Fatalf("Render() returned error: %v", err)
	}

	var doc map[string]map[string]string
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatalf("rendered YAML does not parse: %v\n%s", err, data)
	}
	section, ok := doc["comfyui"]
	if !ok {
		t.Fatalf("no comfyui section in:\n%s", data)
	}
	if section["base_path"] != "/mnt/sd" {
		t.Errorf("base_path = %q, want /mnt/sd", section["base_path"])
	}
	gotCkpt := strings.Fields(section["checkpoints"])
	wantCkpt := []string{"/mnt/sd/models/checkpoints", "/shared/ckpt"}
	if !reflect.DeepEqual(gotCkpt, wantCkpt) {
		t.Errorf("checkpoints = %v, want %v", gotCkpt, wantCkpt)
	}
	if section["vae"] != "/mnt/sd/models/vae" {
		t.Errorf("vae = %q, want single plain path", section["vae"])
	}
	if section["custom_nodes"] != "/opt/nodes" {
		t.Errorf("custom_nodes = %q, want /opt/nodes", section["custom_nodes"])
	}
}

func TestRender_MultiPathUsesLiteralBlock(t *testing.T) {
	paths := config.PathSettings{
		Models: map[string][]string{
			"loras": {"/a/loras", "/b/loras"},
		},
	}
	data, err := Render(paths)
	if err != nil {
		t.Fatalf("Render() returned error: %v", err)
	}
	if !bytes.Contains(data, []byte("loras: |")) {
		t.Errorf("multi-path category not rendered as literal block:\n%s", data)
	}
}

func TestRender_CanonicalCategoryOrder(t *testing.T) {
	paths := config.PathSettings{
		Models: map[string][]string{
			"loras":       {"/l"},
			"checkpoints": {"/c"},
			"vae":         {"/v"},
		},
	}
	data, err := Render(paths)
	if err != nil {
		t.Fatalf("Render() returned error: %v", err)
	}
	s := string(data)
	ic, iv, il := strings.Index(s, "checkpoints:"), strings.Index(s, "vae:"), strings.Index(s, "loras:")
	if !(ic < iv && iv < il) {
		t.Errorf("category order not canonical:\n%s", s)
	}

	again, err := Render(paths)
	if err != nil {
		t.Fatalf("Render() returned error: %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Error("rendering the same settings twice produced different bytes")
	}
}

func TestWrite_FreshFilePerCall(t *testing.T) {
	paths := config.PathSettings{Models: map[string][]string{"vae": {"/v"}}}
	first, err := Write(paths)
	if err != nil {
		t.Fatalf("Write() returned error: %v", err)
	}
	defer os.Remove(first)
	second, err := Write(paths)
	if err != nil {
		t.Fatalf("Write() returned error: %v", err)
	}
	defer os.Remove(second)
	if first == second {
		t.Errorf("Write() reused file %s", first)
	}
	if _, err := os.ReadFile(first); err != nil {
		t.Errorf("written file unreadable: %v", err)
	}
}

func TestWrite_NothingToEmit(t *testing.T) {
	path, err := Write(config.PathSettings{ModelsRoot: "/mnt/sd"})
	if err != nil {
		t.Fatalf("Write() returned error: %v", err)
	}
	if path != "" {
		os.Remove(path)
		t.Errorf("Write() = %q, want no file for empty settings", path)
	}
}
