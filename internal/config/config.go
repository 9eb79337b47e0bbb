// Package config resolves layered launch/IO/model-path configuration for
// a ComfyUI run. A base YAML layer plus override layers merge after token
// substitution: generic sections deep-merge with last-wins scalars, while
// model path lists union without duplicates.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ModelCategories is the canonical category order: the order folders are
// probed during auto-discovery and rendered into the extra-paths file.
var ModelCategories = []string{
	"checkpoints", "vae", "clip", "clip_vision",
	"diffusion_models", "unet",
	"loras", "embeddings", "controlnet",
	"upscale_models", "configs",
}

// Layer is one parsed configuration document, kept generic so layers of
// any shape can merge before decoding into Resolved.
type Layer map[string]any

// ParseLayer parses a YAML configuration layer.
func ParseLayer(data []byte) (Layer, error) {
	var layer Layer
	if err := yaml.Unmarshal(data, &layer); err != nil {
		return nil, fmt.Errorf("parsing config layer: %w", err)
	}
	if layer == nil {
		layer = Layer{}
	}
	return layer, nil
}

// LoadLayerFile reads and parses the YAML layer at path.
func LoadLayerFile(path string) (Layer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config layer: %w", err)
	}
	layer, err := ParseLayer(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return layer, nil
}

// ServerSettings holds launch flags for the spawned server process.
type ServerSettings struct {
	Host              string   `yaml:"host"`
	Port              int      `yaml:"port"`
	DisableCudaMalloc bool     `yaml:"disable_cuda_malloc"`
	DontPrintServer   bool     `yaml:"dont_print_server"`
	ExtraArgs         []string `yaml:"extra_args"`
}

// IOSettings holds the working directories handed to the server.
type IOSettings struct {
	InputDir  string `yaml:"input_dir"`
	OutputDir string `yaml:"output_dir"`
	TempDir   string `yaml:"temp_dir"`
	UserDir   string `yaml:"user_dir"`
}

// PathSettings locates the engine install and its model folders.
type PathSettings struct {
	Home        string              `yaml:"home"`
	ModelsRoot  string              `yaml:"models_root"`
	Models      map[string][]string `yaml:"models"`
	CustomNodes []string            `yaml:"custom_nodes"`
}

// Resolved is the merged, token-substituted configuration. It is not
// mutated after resolution; resolve again if any input changes.
type Resolved struct {
	Server ServerSettings    `yaml:"server"`
	IO     IOSettings        `yaml:"io"`
	Paths  PathSettings      `yaml:"paths"`
	Env    map[string]string `yaml:"env"`
}

// Resolver carries the ambient inputs for a resolution: token values, the
// substitution environment, and a probe seam so tests can resolve without
// touching the real filesystem.
type Resolver struct {
	// PackageRoot substitutes ${PKG}. Empty leaves the token verbatim.
	PackageRoot string
	// OS substitutes ${OS}; defaults to runtime.GOOS.
	OS string
	// Env is the substitution environment. Nil snapshots the process
	// environment.
	Env map[string]string
	// EnvFile optionally names a dotenv file merged under the environment;
	// real environment entries win over the file.
	EnvFile string
	// DirExists is the auto-discovery probe; defaults to an os.Stat check.
	DirExists func(path string) bool
}

// Resolve substitutes tokens in every layer, merges overrides onto base in
// order, and decodes the result. Later layers win for scalars; model path
// lists and custom node lists union in first-seen order.
func (r *Resolver) Resolve(base Layer, overrides ...Layer) (*Resolved, error) {
	env, err := r.environment()
	if err != nil {
		return nil, err
	}

	merged, _ := r.expandValue(base, env).(map[string]any)
	if merged == nil {
		merged = map[string]any{}
	}
	for _, layer := range overrides {
		expanded, _ := r.expandValue(layer, env).(map[string]any)
		merged = mergeMaps(merged, expanded, nil)
	}

	cfg, err := decode(merged)
	if err != nil {
		return nil, err
	}
	applyEnvFallbacks(cfg, env)
	r.discoverModels(cfg)
	dedupPaths(cfg)
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	return cfg, nil
}

// applyEnvFallbacks fills settings no layer provided from the well-known
// environment variables. Layers always win.
func applyEnvFallbacks(cfg *Resolved, env map[string]string) {
	if cfg.Paths.Home == "" {
		cfg.Paths.Home = env["COMFYUI_HOME"]
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = env["COMFY_HOST"]
	}
	if cfg.Server.Port == 0 {
		if p, err := strconv.Atoi(env["COMFY_PORT"]); err == nil && p > 0 {
			cfg.Server.Port = p
		}
	}
}

// environment builds the substitution environment: process (or injected)
// variables layered over the optional dotenv file.
func (r *Resolver) environment() (map[string]string, error) {
	env := make(map[string]string)
	if r.EnvFile != "" {
		fileEnv, err := godotenv.Read(r.EnvFile)
		if err != nil {
			return nil, fmt.Errorf("reading env file: %w", err)
		}
		for k, v := range fileEnv {
			env[k] = v
		}
	}
	if r.Env != nil {
		for k, v := range r.Env {
			env[k] = v
		}
		return env, nil
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env, nil
}

// decode maps the merged tree onto the Resolved struct. Scalar model
// entries are normalized to single-element lists first so both YAML shapes
// decode.
func decode(merged map[string]any) (*Resolved, error) {
	normalizeModels(merged)
	data, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("normalizing merged config: %w", err)
	}
	cfg := &Resolved{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decoding merged config: %w", err)
	}
	if cfg.Env == nil {
		cfg.Env = map[string]string{}
	}
	if cfg.Paths.Models == nil {
		cfg.Paths.Models = map[string][]string{}
	}
	return cfg, nil
}

func normalizeModels(merged map[string]any) {
	paths, ok := merged["paths"].(map[string]any)
	if !ok {
		return
	}
	models, ok := paths["models"].(map[string]any)
	if !ok {
		return
	}
	for k, v := range models {
		models[k] = ensureList(v)
	}
}

// discoverModels appends <models_root>/models/<category> for categories
// with no explicit entries. Explicit entries suppress discovery for that
// category entirely.
func (r *Resolver) discoverModels(cfg *Resolved) {
	root := cfg.Paths.ModelsRoot
	if root == "" {
		return
	}
	exists := r.DirExists
	if exists == nil {
		exists = func(path string) bool {
			info, err := os.Stat(path)
			return err == nil && info.IsDir()
		}
	}
	for _, cat := range ModelCategories {
		if len(cfg.Paths.Models[cat]) > 0 {
			continue
		}
		candidate := filepath.Join(root, "models", cat)
		if exists(candidate) {
			cfg.Paths.Models[cat] = []string{candidate}
		}
	}
}

func dedupPaths(cfg *Resolved) {
	for k, v := range cfg.Paths.Models {
		cfg.Paths.Models[k] = dedupKeepOrder(v)
	}
	cfg.Paths.CustomNodes = dedupKeepOrder(cfg.Paths.CustomNodes)
}

// dedupKeepOrder drops empty entries and duplicates, preserving first-seen
// order.
func dedupKeepOrder(items []string) []string {
	seen := make(map[string]bool, len(items))
	var out []string
	for _, x := range items {
		if x == "" || seen[x] {
			continue
		}
		seen[x] = true
		out = append(out, x)
	}
	return out
}

func ensureList(v any) []any {
	switch vv := v.(type) {
	case nil:
		return nil
	case []any:
		return vv
	default:
		return []any{vv}
	}
}
