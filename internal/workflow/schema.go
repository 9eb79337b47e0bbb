package workflow

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Kind classifies what scalar type a node input field expects, driving
// compile-time coercion. Unknown fields pass through unchanged.
type Kind int

const (
	KindUnknown Kind = iota
	KindInt
	KindFloat
	KindBool
	KindString
)

// Signature describes a node class: the ordered output slot types, the
// editor widget layout (widgets_values positions; empty entries are
// editor-only widgets that never reach the prompt), and the expected
// scalar kind per input field.
type Signature struct {
	Outputs []string
	Widgets []string
	Kinds   map[string]Kind
}

// Catalog maps class types to their signatures. The built-in table covers
// the core ComfyUI nodes; Hydrate extends it from a live server's
// /object_info response.
type Catalog struct {
	mu   sync.RWMutex
	sigs map[string]Signature
}

// NewCatalog returns a catalog seeded with the core node classes.
func NewCatalog() *Catalog {
	c := &Catalog{sigs: make(map[string]Signature, len(coreSignatures))}
	for name, sig := range coreSignatures {
		c.sigs[name] = sig
	}
	return c
}

// Lookup returns the signature for a class type.
func (c *Catalog) Lookup(classType string) (Signature, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sig, ok := c.sigs[classType]
	return sig, ok
}

// Register adds or replaces a class signature.
func (c *Catalog) Register(classType string, sig Signature) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sigs[classType] = sig
}

// Hydrate merges class signatures parsed from a server /object_info
// response. Existing entries are replaced so the live server wins.
func (c *Catalog) Hydrate(objectInfo []byte) error {
	var raw map[string]struct {
		Output []string `json:"output"`
		Input  struct {
			Required map[string]json.RawMessage `json:"required"`
			Optional map[string]json.RawMessage `json:"optional"`
		} `json:"input"`
	}
	if err := json.Unmarshal(objectInfo, &raw); err != nil {
		return fmt.Errorf("parsing object_info: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for classType, info := range raw {
		sig := Signature{Outputs: info.Output, Kinds: make(map[string]Kind)}
		for field, spec := range info.Input.Required {
			sig.Kinds[field] = kindFromSpec(spec)
		}
		for field, spec := range info.Input.Optional {
			sig.Kinds[field] = kindFromSpec(spec)
		}
		if prev, ok := c.sigs[classType]; ok {
			sig.Widgets = prev.Widgets
		}
		c.sigs[classType] = sig
	}
	return nil
}

// kindFromSpec maps an object_info input spec ["INT", {...}] to a Kind.
// Combo inputs declare a list of choices instead of a type name; those are
// strings on the wire.
func kindFromSpec(spec json.RawMessage) Kind {
	var parts []json.RawMessage
	if err := json.Unmarshal(spec, &parts); err != nil || len(parts) == 0 {
		return KindUnknown
	}
	var typeName string
	if err := json.Unmarshal(parts[0], &typeName); err == nil {
		switch typeName {
		case "INT":
			return KindInt
		case "FLOAT":
			return KindFloat
		case "BOOLEAN":
			return KindBool
		case "STRING":
			return KindString
		default:
			return KindUnknown
		}
	}
	var choices []any
	if err := json.Unmarshal(parts[0], &choices); err == nil {
		return KindString
	}
	return KindUnknown
}

// coreSignatures covers the node classes the stock text-to-image and
// image-to-image templates use. KSampler's second widget slot is the
// editor-only control_after_generate toggle.
var coreSignatures = map[string]Signature{
	"CheckpointLoaderSimple": {
		Outputs: []string{"MODEL", "CLIP", "VAE"},
		Widgets: []string{"ckpt_name"},
		Kinds:   map[string]Kind{"ckpt_name": KindString},
	},
	"CLIPTextEncode": {
		Outputs: []string{"CONDITIONING"},
		Widgets: []string{"text"},
		Kinds:   map[string]Kind{"text": KindString},
	},
	"EmptyLatentImage": {
		Outputs: []string{"LATENT"},
		Widgets: []string{"width", "height", "batch_size"},
		Kinds: map[string]Kind{
			"width": KindInt, "height": KindInt, "batch_size": KindInt,
		},
	},
	"KSampler": {
		Outputs: []string{"LATENT"},
		Widgets: []string{"seed", "", "steps", "cfg", "sampler_name", "scheduler", "denoise"},
		Kinds: map[string]Kind{
			"seed": KindInt, "steps": KindInt,
			"cfg": KindFloat, "denoise": KindFloat,
			"sampler_name": KindString, "scheduler": KindString,
		},
	},
	"VAEDecode": {
		Outputs: []string{"IMAGE"},
	},
	"VAEEncode": {
		Outputs: []string{"LATENT"},
	},
	"LoadImage": {
		Outputs: []string{"IMAGE", "MASK"},
		Widgets: []string{"image", ""},
		Kinds:   map[string]Kind{"image": KindString},
	},
	"SaveImage": {
		Widgets: []string{"filename_prefix"},
		Kinds:   map[string]Kind{"filename_prefix": KindString},
	},
	"ImageScaleToTotalPixels": {
		Outputs: []string{"IMAGE"},
		Widgets: []string{"upscale_method", "megapixels"},
		Kinds: map[string]Kind{
			"upscale_method": KindString, "megapixels": KindFloat,
		},
	},
}
