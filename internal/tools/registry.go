package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	invopop "github.com/invopop/jsonschema"
	tekuri "github.com/santhosh-tekuri/jsonschema/v5"
)

// Registry holds the fixed tool set with a compiled input schema per tool.
// Schemas are generated from each tool's input struct at registration time
// and validated against on every call.
type Registry struct {
	tools    map[string]Tool
	schemas  map[string]*tekuri.Schema
	rawJSON  map[string]string
	ordered  []string
}

// NewRegistry compiles schemas for the given tools. Registration failures
// are programming errors and surface immediately.
func NewRegistry(list ...Tool) (*Registry, error) {
	r := &Registry{
		tools:   make(map[string]Tool, len(list)),
		schemas: make(map[string]*tekuri.Schema, len(list)),
		rawJSON: make(map[string]string, len(list)),
	}
	reflector := &invopop.Reflector{
		Anonymous:      true,
		DoNotReference: true,
	}
	for _, tool := range list {
		def := tool.Definition()
		if _, dup := r.tools[def.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", def.Name)
		}
		generated := reflector.Reflect(def.Input)
		generated.Version = ""
		blob, err := json.Marshal(generated)
		if err != nil {
			return nil, fmt.Errorf("marshal schema for %q: %w", def.Name, err)
		}
		compiler := tekuri.NewCompiler()
		resource := def.Name + ".schema.json"
		if err := compiler.AddResource(resource, strings.NewReader(string(blob))); err != nil {
			return nil, fmt.Errorf("add schema resource for %q: %w", def.Name, err)
		}
		compiled, err := compiler.Compile(resource)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %q: %w", def.Name, err)
		}
		r.tools[def.Name] = tool
		r.schemas[def.Name] = compiled
		r.rawJSON[def.Name] = string(blob)
		r.ordered = append(r.ordered, def.Name)
	}
	sort.Strings(r.ordered)
	return r, nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tool names, sorted.
func (r *Registry) Names() []string {
	return append([]string(nil), r.ordered...)
}

// SchemaJSON returns the generated input schema for a tool, for use in
// repair prompts and the system prompt manifest.
func (r *Registry) SchemaJSON(name string) (string, bool) {
	s, ok := r.rawJSON[name]
	return s, ok
}

// Validate checks input against the tool's declared schema.
func (r *Registry) Validate(name string, input map[string]any) error {
	schema, ok := r.schemas[name]
	if !ok {
		return fmt.Errorf("unknown tool %q", name)
	}
	// The validator wants plain decoded JSON. Tool input already is, but a
	// round-trip normalises ints and other Go-native values from tests.
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("input for %q does not match schema: %w", name, err)
	}
	return nil
}

// Manifest renders a prompt-ready description of every tool: name,
// description and input schema.
func (r *Registry) Manifest() string {
	var b strings.Builder
	for _, name := range r.ordered {
		def := r.tools[name].Definition()
		b.WriteString("- ")
		b.WriteString(def.Name)
		b.WriteString(": ")
		b.WriteString(def.Description)
		b.WriteString("\n  input schema: ")
		b.WriteString(r.rawJSON[name])
		b.WriteString("\n")
	}
	return b.String()
}
