// Package extrapaths renders the resolved model path configuration into
// the extra-model-paths YAML file the server consumes at startup. Multiple
// paths for one category are newline-joined inside a literal block, which
// is the list form the server's folder scanner accepts.
package extrapaths

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/soochol/comfy-remote/internal/config"
)

// Render produces the YAML document for the given path settings. Category
// order is canonical, so the same settings always render identical bytes.
func Render(paths config.PathSettings) ([]byte, error) {
	section := &yaml.Node{Kind: yaml.MappingNode}
	if paths.ModelsRoot != "" {
		appendEntry(section, "base_path", scalar(paths.ModelsRoot))
	}
	for _, cat := range config.ModelCategories {
		entries := paths.Models[cat]
		if len(entries) == 0 {
			continue
		}
		appendEntry(section, cat, pathScalar(entries))
	}
	if len(paths.CustomNodes) > 0 {
		appendEntry(section, "custom_nodes", pathScalar(paths.CustomNodes))
	}

	root := &yaml.Node{Kind: yaml.MappingNode}
	appendEntry(root, "comfyui", section)

	doc := &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root}}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("rendering extra paths: %w", err)
	}
	return data, nil
}

// Write renders the settings into a fresh temporary file and returns its
// path, or "" when there are no paths to declare. A new file per launch
// keeps concurrent launches from clobbering each other's path sets.
func Write(paths config.PathSettings) (string, error) {
	if !hasEntries(paths) {
		return "", nil
	}
	data, err := Render(paths)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp("", "extra_model_paths_*.yaml")
	if err != nil {
		return "", fmt.Errorf("creating extra paths file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("writing extra paths file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("closing extra paths file: %w", err)
	}
	return f.Name(), nil
}

func hasEntries(paths config.PathSettings) bool {
	if len(paths.CustomNodes) > 0 {
		return true
	}
	for _, entries := range paths.Models {
		if len(entries) > 0 {
			return true
		}
	}
	return false
}

func appendEntry(m *yaml.Node, key string, value *yaml.Node) {
	m.Content = append(m.Content, scalar(key), value)
}

func scalar(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Value: s}
}

// pathScalar renders one path as a plain scalar and several as a literal
// block with one path per line.
func pathScalar(paths []string) *yaml.Node {
	if len(paths) == 1 {
		return scalar(paths[0])
	}
	return &yaml.Node{
		Kind:  yaml.ScalarNode,
		Style: yaml.LiteralStyle,
		Value: strings.Join(paths, "\n") + "\n",
	}
}
