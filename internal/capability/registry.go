// Package capability loads the static adapter descriptors and answers which
// entities each adapter kind can read or write.
package capability

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/disputesync/internal/canonical"
)

//go:embed descriptors/*.yaml
var builtinDescriptors embed.FS

//go:embed schema/descriptor.schema.json
var descriptorSchema []byte

const schemaURL = "https://disputesync.local/schema/descriptor.json"

var ErrUnknownAdapter = errors.New("unknown adapter kind")

// Registry is an immutable set of descriptors keyed by adapter kind. It is
// built once at startup and passed explicitly to the components that need it.
type Registry struct {
	descriptors map[string]*Descriptor
}

// LoadBuiltin loads the descriptors compiled into the binary.
func LoadBuiltin() (*Registry, error) {
	return Load(builtinDescriptors, "descriptors")
}

// Load reads every *.yaml and *.yml file in dir, validates each against the
// descriptor schema and builds a registry.
func Load(fsys fs.FS, dir string) (*Registry, error) {
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read descriptor dir: %w", err)
	}
	descs := make([]Descriptor, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := path.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		desc, err := parseDescriptor(schema, data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		descs = append(descs, desc)
	}
	return New(descs...)
}

// ParseDescriptor validates and decodes a single YAML descriptor.
func ParseDescriptor(data []byte) (Descriptor, error) {
	schema, err := compileSchema()
	if err != nil {
		return Descriptor{}, err
	}
	return parseDescriptor(schema, data)
}

// New builds a registry from already-decoded descriptors. Defaults are
// applied and cross-field rules are checked; duplicate kinds are rejected.
func New(descs ...Descriptor) (*Registry, error) {
	r := &Registry{descriptors: make(map[string]*Descriptor, len(descs))}
	for i := range descs {
		desc := descs[i]
		desc.applyDefaults()
		if err := desc.check(); err != nil {
			return nil, err
		}
		if _, exists := r.descriptors[desc.Kind]; exists {
			return nil, fmt.Errorf("duplicate descriptor kind %q", desc.Kind)
		}
		r.descriptors[desc.Kind] = &desc
	}
	return r, nil
}

func (r *Registry) Descriptor(kind string) (*Descriptor, bool) {
	if r == nil {
		return nil, false
	}
	desc, ok := r.descriptors[normalizeKind(kind)]
	return desc, ok
}

// CapabilitiesOf returns a copy of the declared capability matrix.
func (r *Registry) CapabilitiesOf(kind string) (canonical.Capabilities, error) {
	desc, ok := r.Descriptor(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAdapter, kind)
	}
	out := make(canonical.Capabilities, len(desc.Capabilities))
	for entity, capability := range desc.Capabilities {
		out[entity] = capability
	}
	return out, nil
}

// Require fails with a CapabilityError unless conn may perform op on entity.
// It never touches the network.
func (r *Registry) Require(conn canonical.Connection, entity canonical.Entity, op canonical.Operation) error {
	capabilities := conn.Capabilities
	if capabilities == nil {
		declared, err := r.CapabilitiesOf(conn.AdapterKind)
		if err != nil {
			return err
		}
		capabilities = declared
	}
	if capabilities.Allows(entity, op) {
		return nil
	}
	return &canonical.CapabilityError{
		AdapterKind:  conn.AdapterKind,
		ConnectionID: conn.ConnectionID,
		Entity:       entity,
		Operation:    op,
	}
}

// EffectiveCapabilities is the declared matrix narrowed by a per-connection
// override.
func (r *Registry) EffectiveCapabilities(kind string, override canonical.Capabilities) (canonical.Capabilities, error) {
	declared, err := r.CapabilitiesOf(kind)
	if err != nil {
		return nil, err
	}
	if len(override) == 0 {
		return declared, nil
	}
	return declared.Narrow(override), nil
}

func (r *Registry) Kinds() []string {
	if r == nil {
		return nil
	}
	kinds := make([]string, 0, len(r.descriptors))
	for kind := range r.descriptors {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(descriptorSchema))
	if err != nil {
		return nil, fmt.Errorf("decode descriptor schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("add descriptor schema: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile descriptor schema: %w", err)
	}
	return schema, nil
}

func parseDescriptor(schema *jsonschema.Schema, data []byte) (Descriptor, error) {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return Descriptor{}, fmt.Errorf("parse descriptor yaml: %w", err)
	}
	// Round-trip through JSON so the validator sees plain JSON values.
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return Descriptor{}, fmt.Errorf("convert descriptor: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(asJSON))
	if err != nil {
		return Descriptor{}, err
	}
	if err := schema.Validate(instance); err != nil {
		return Descriptor{}, fmt.Errorf("descriptor schema: %w", err)
	}
	var desc Descriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return Descriptor{}, fmt.Errorf("decode descriptor: %w", err)
	}
	return desc, nil
}

func normalizeKind(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}
