package language

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/shlex"
)

var ErrNotFound = errors.New("language not found")

// Registry is the immutable language table.
type Registry struct {
	specs map[string]Spec
	ids   []string
}

// NewRegistry validates and freezes a set of definitions.
// Duplicate ids are an error: a silent override would hide a config mistake.
func NewRegistry(defs []Definition) (*Registry, error) {
	r := &Registry{specs: make(map[string]Spec, len(defs))}
	for _, def := range defs {
		spec, err := parse(def)
		if err != nil {
			return nil, err
		}
		if _, dup := r.specs[spec.ID]; dup {
			return nil, fmt.Errorf("language %q: defined twice", spec.ID)
		}
		r.specs[spec.ID] = spec
		r.ids = append(r.ids, spec.ID)
	}
	if len(r.specs) == 0 {
		return nil, fmt.Errorf("language registry is empty")
	}
	sort.Strings(r.ids)
	return r, nil
}

// Default returns the built-in registry.
func Default() *Registry {
	r, err := NewRegistry(DefaultDefinitions())
	if err != nil {
		// The built-in table is a compile-time constant; failing here is a programming error.
		panic(fmt.Sprintf("language: invalid built-in table: %v", err))
	}
	return r
}

// Lookup finds a language by id. Matching ignores case and surrounding space.
func (r *Registry) Lookup(id string) (Spec, error) {
	spec, ok := r.specs[normalizeID(id)]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return spec.clone(), nil
}

// IDs returns the supported ids in sorted order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}

// List returns every spec, sorted by id.
func (r *Registry) List() []Spec {
	out := make([]Spec, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.specs[id].clone())
	}
	return out
}

// Images returns the distinct sandbox images the registry needs.
func (r *Registry) Images() []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range r.ids {
		img := r.specs[id].Image
		if img == "" || seen[img] {
			continue
		}
		seen[img] = true
		out = append(out, img)
	}
	return out
}

// Merge applies overrides on top of base, matching by id. Empty override
// fields keep the base value; unknown ids are appended as new languages.
func Merge(base, overrides []Definition) []Definition {
	out := make([]Definition, len(base))
	copy(out, base)
	index := make(map[string]int, len(out))
	for i, d := range out {
		index[normalizeID(d.ID)] = i
	}
	for _, o := range overrides {
		i, ok := index[normalizeID(o.ID)]
		if !ok {
			index[normalizeID(o.ID)] = len(out)
			out = append(out, o)
			continue
		}
		d := out[i]
		if o.Name != "" {
			d.Name = o.Name
		}
		if o.File != "" {
			d.File = o.File
		}
		if o.Image != "" {
			d.Image = o.Image
		}
		if o.Build != "" {
			d.Build = o.Build
		}
		if o.Run != "" {
			d.Run = o.Run
		}
		if len(o.Env) > 0 {
			d.Env = o.Env
		}
		out[i] = d
	}
	return out
}

func parse(def Definition) (Spec, error) {
	id := normalizeID(def.ID)
	if id == "" {
		return Spec{}, fmt.Errorf("language id is required")
	}
	if err := validateFileName(def.File); err != nil {
		return Spec{}, fmt.Errorf("language %q: %w", id, err)
	}
	run, err := splitTemplate(def.Run)
	if err != nil {
		return Spec{}, fmt.Errorf("language %q: run command: %w", id, err)
	}
	if len(run) == 0 {
		return Spec{}, fmt.Errorf("language %q: run command is required", id)
	}
	build, err := splitTemplate(def.Build)
	if err != nil {
		return Spec{}, fmt.Errorf("language %q: build command: %w", id, err)
	}
	for _, kv := range def.Env {
		if !strings.Contains(kv, "=") {
			return Spec{}, fmt.Errorf("language %q: env entry %q is not KEY=VALUE", id, kv)
		}
	}
	name := def.Name
	if name == "" {
		name = id
	}
	return Spec{
		ID:       id,
		Name:     name,
		FileName: def.File,
		Image:    def.Image,
		Build:    build,
		Run:      run,
		Env:      append([]string(nil), def.Env...),
	}, nil
}

func splitTemplate(tpl string) ([]string, error) {
	if strings.TrimSpace(tpl) == "" {
		return nil, nil
	}
	return shlex.Split(tpl)
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
