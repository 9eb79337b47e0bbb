package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func mustParse(t *testing.T, doc string) Layer {
	t.Helper()
	layer, err := ParseLayer([]byte(doc))
	if err != nil {
		t.Fatalf("ParseLayer() returned error: %v", err)
	}
	return layer
}

func TestResolve_SingleLayer(t *testing.T) {
	base := mustParse(t, `
server:
  port: 8188
  disable_cuda_malloc: true
io:
  output_dir: /data/out
paths:
  home: /opt/comfy
  models:
    checkpoints:
      - /models/ckpt
env:
  CUDA_VISIBLE_DEVICES: "0"
`)
	r := &Resolver{Env: map[string]string{}}
	cfg, err := r.Resolve(base)
	if err != nil {
		t.Fatalf("Resolve() returned error: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want default 127.0.0.1", cfg.Server.Host)
	}
	if cfg.Server.Port != 8188 {
		t.Errorf("Server.Port = %d, want 8188", cfg.Server.Port)
	}
	if !cfg.Server.DisableCudaMalloc {
		t.Error("Server.DisableCudaMalloc = false, want true")
	}
	if cfg.IO.OutputDir != "/data/out" {
		t.Errorf("IO.OutputDir = %q, want /data/out", cfg.IO.OutputDir)
	}
	if got := cfg.Paths.Models["checkpoints"]; !reflect.DeepEqual(got, []string{"/models/ckpt"}) {
		t.Errorf("Models[checkpoints] = %v, want [/models/ckpt]", got)
	}
	if cfg.Env["CUDA_VISIBLE_DEVICES"] != "0" {
		t.Errorf("Env[CUDA_VISIBLE_DEVICES] = %q, want 0", cfg.Env["CUDA_VISIBLE_DEVICES"])
	}
}

func TestResolve_OverrideScalarsLastWins(t *testing.T) {
	base := mustParse(t, `
server:
  port: 8188
io:
  output_dir: /a
  temp_dir: /tmp/a
`)
	override := mustParse(t, `
server:
  port: 9000
io:
  output_dir: /b
`)
	r := &Resolver{Env: map[string]string{}}
	cfg, err := r.Resolve(base, override)
	if err != nil {
		t.Fatalf("Resolve() returned error: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000 (override wins)", cfg.Server.Port)
	}
	if cfg.IO.OutputDir != "/b" {
		t.Errorf("IO.OutputDir = %q, want /b (override wins)", cfg.IO.OutputDir)
	}
	if cfg.IO.TempDir != "/tmp/a" {
		t.Errorf("IO.TempDir = %q, want /tmp/a (untouched by override)", cfg.IO.TempDir)
	}
}

func TestResolve_PathListsUnion(t *testing.T) {
	base := mustParse(t, `
paths:
  models:
    checkpoints:
      - /a/ckpt
      - /shared/ckpt
  custom_nodes:
    - /a/nodes
`)
	override := mustParse(t, `
paths:
  models:
    checkpoints:
      - /shared/ckpt
      - /b/ckpt
    loras: /b/loras
  custom_nodes:
    - /b/nodes
    - /a/nodes
`)
	r := &Resolver{Env: map[string]string{}}
	cfg, err := r.Resolve(base, override)
	if err != nil {
		t.Fatalf("Resolve() returned error: %v", err)
	}
	wantCkpt := []string{"/a/ckpt", "/shared/ckpt", "/b/ckpt"}
	if got := cfg.Paths.Models["checkpoints"]; !reflect.DeepEqual(got, wantCkpt) {
		t.Errorf("Models[checkpoints] = %v, want %v", got, wantCkpt)
	}
	// Scalar entries normalize to single-element lists.
	if got := cfg.Paths.Models["loras"]; !reflect.DeepEqual(got, []string{"/b/loras"}) {
		t.Errorf("Models[loras] = %v, want [/b/loras]", got)
	}
	wantNodes := []string{"/a/nodes", "/b/nodes"}
	if got := cfg.Paths.CustomNodes; !reflect.DeepEqual(got, wantNodes) {
		t.Errorf("CustomNodes = %v, want %v", got, wantNodes)
	}
}

func TestResolve_TokenSubstitution(t *testing.T) {
	base := mustParse(t, `
paths:
  home: ${PKG}/vendor/${OS}/comfy
  models_root: ${ENV:MODELS}
  custom_nodes:
    - ${HOME}/nodes
    - ${MISSING}/nodes
`)
	r := &Resolver{
		PackageRoot: "/pkg",
		OS:          "linux",
		Env:         map[string]string{"MODELS": "/mnt/models", "HOME": "/home/u"},
	}
	cfg, err := r.Resolve(base)
	if err != nil {
		t.Fatalf("Resolve() returned error: %v", err)
	}
	if cfg.Paths.Home != "/pkg/vendor/linux/comfy" {
		t.Errorf("Paths.Home = %q", cfg.Paths.Home)
	}
	if cfg.Paths.ModelsRoot != "/mnt/models" {
		t.Errorf("Paths.ModelsRoot = %q, want /mnt/models", cfg.Paths.ModelsRoot)
	}
	want := []string{"/home/u/nodes", "${MISSING}/nodes"}
	if !reflect.DeepEqual(cfg.Paths.CustomNodes, want) {
		t.Errorf("CustomNodes = %v, want %v (unresolved token stays verbatim)", cfg.Paths.CustomNodes, want)
	}
}

func TestResolve_TokensExpandBeforeMerge(t *testing.T) {
	// The same token in two layers resolves to the same value, so the
	// union dedups the expanded strings.
	base := mustParse(t, `
paths:
  custom_nodes:
    - ${ROOT}/nodes
`)
	override := mustParse(t, `
paths:
  custom_nodes:
    - /opt/nodes
`)
	r := &Resolver{Env: map[string]string{"ROOT": "/opt"}}
	cfg, err := r.Resolve(base, override)
	if err != nil {
		t.Fatalf("Resolve() returned error: %v", err)
	}
	want := []string{"/opt/nodes"}
	if !reflect.DeepEqual(cfg.Paths.CustomNodes, want) {
		t.Errorf("CustomNodes = %v, want %v", cfg.Paths.CustomNodes, want)
	}
}

func TestResolve_AutoDiscovery(t *testing.T) {
	base := mustParse(t, `
paths:
  models_root: /mnt/sd
  models:
    vae:
      - /explicit/vae
`)
	existing := map[string]bool{
		"/mnt/sd/models/checkpoints": true,
		"/mnt/sd/models/vae":         true,
		"/mnt/sd/models/loras":       true,
	}
	r := &Resolver{
		Env:       map[string]string{},
		DirExists: func(p string) bool { return existing[p] },
	}
	cfg, err := r.Resolve(base)
	if err != nil {
		t.Fatalf("Resolve() returned error: %v", err)
	}
	if got := cfg.Paths.Models["checkpoints"]; !reflect.DeepEqual(got, []string{"/mnt/sd/models/checkpoints"}) {
		t.Errorf("Models[checkpoints] = %v, want discovered folder", got)
	}
	// Explicit entries suppress discovery for the category.
	if got := cfg.Paths.Models["vae"]; !reflect.DeepEqual(got, []string{"/explicit/vae"}) {
		t.Errorf("Models[vae] = %v, want [/explicit/vae]", got)
	}
	if got := cfg.Paths.Models["loras"]; !reflect.DeepEqual(got, []string{"/mnt/sd/models/loras"}) {
		t.Errorf("Models[loras] = %v, want discovered folder", got)
	}
	if _, ok := cfg.Paths.Models["controlnet"]; ok {
		t.Error("Models[controlnet] present, want absent (folder does not exist)")
	}
}

func TestResolve_NoModelsRootSkipsDiscovery(t *testing.T) {
	base := mustParse(t, `
server:
  port: 8188
`)
	r := &Resolver{
		Env:       map[string]string{},
		DirExists: func(string) bool { t.Fatal("DirExists called without models_root"); return false },
	}
	cfg, err := r.Resolve(base)
	if err != nil {
		t.Fatalf("Resolve() returned error: %v", err)
	}
	if len(cfg.Paths.Models) != 0 {
		t.Errorf("Models = %v, want empty", cfg.Paths.Models)
	}
}

func TestResolve_EnvFileOverlay(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("MODELS=/from/file\nONLY_FILE=/file/only\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	base := mustParse(t, `
paths:
  models_root: ${MODELS}
  home: ${ONLY_FILE}
`)
	r := &Resolver{
		Env:     map[string]string{"MODELS": "/from/env"},
		EnvFile: envPath,
	}
	cfg, err := r.Resolve(base)
	if err != nil {
		t.Fatalf("Resolve() returned error: %v", err)
	}
	if cfg.Paths.ModelsRoot != "/from/env" {
		t.Errorf("ModelsRoot = %q, want /from/env (environment wins over file)", cfg.Paths.ModelsRoot)
	}
	if cfg.Paths.Home != "/file/only" {
		t.Errorf("Home = %q, want /file/only (file fills the gap)", cfg.Paths.Home)
	}
}

func TestResolve_SourceLayerNotMutated(t *testing.T) {
	base := mustParse(t, `
paths:
  home: ${ROOT}/comfy
`)
	r := &Resolver{Env: map[string]string{"ROOT": "/opt"}}
	if _, err := r.Resolve(base); err != nil {
		t.Fatalf("Resolve() returned error: %v", err)
	}
	paths := base["paths"].(Layer)
	if paths["home"] != "${ROOT}/comfy" {
		t.Errorf("source layer mutated: home = %v", paths["home"])
	}
}

func TestResolve_EnvFallbacks(t *testing.T) {
	base := mustParse(t, `
server:
  port: 8188
`)
	r := &Resolver{Env: map[string]string{
		"COMFYUI_HOME": "/opt/comfy",
		"COMFY_HOST":   "0.0.0.0",
		"COMFY_PORT":   "9999",
	}}
	cfg, err := r.Resolve(base)
	if err != nil {
		t.Fatalf("Resolve() returned error: %v", err)
	}
	if cfg.Paths.Home != "/opt/comfy" {
		t.Errorf("Paths.Home = %q, want /opt/comfy", cfg.Paths.Home)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want 0.0.0.0", cfg.Server.Host)
	}
	// The layer set the port, so the environment loses.
	if cfg.Server.Port != 8188 {
		t.Errorf("Server.Port = %d, want 8188", cfg.Server.Port)
	}
}

func TestParseLayer_Invalid(t *testing.T) {
	if _, err := ParseLayer([]byte("paths: [unclosed")); err == nil {
		t.Fatal("ParseLayer() on malformed YAML returned nil error")
	}
}

func TestLoadLayerFile_Missing(t *testing.T) {
	if _, err := LoadLayerFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("LoadLayerFile() on missing file returned nil error")
	}
}
