// Package resources stores the protected fish-farm catalogs and applies
// gated, audited mutations to them.
package resources

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/acuicola/piscis/common/sentinel"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Resource is one protected table and its document schema.
type Resource struct {
	Name   string
	schema *jsonschema.Schema
}

// Validate checks doc against the resource schema.
func (r *Resource) Validate(doc map[string]any) error {
	if err := r.schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return fmt.Errorf("%s: %s: %w", r.Name, describe(ve), sentinel.ErrValidation)
		}
		return fmt.Errorf("%s: %v: %w", r.Name, err, sentinel.ErrValidation)
	}
	return nil
}

// describe flattens a validation error to its leaf causes.
func describe(ve *jsonschema.ValidationError) string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return loc + ": " + ve.Message
	}
	parts := make([]string, 0, len(ve.Causes))
	for _, c := range ve.Causes {
		parts = append(parts, describe(c))
	}
	return strings.Join(parts, "; ")
}

// Registry holds every protected resource, keyed by table name.
type Registry struct {
	byName map[string]*Resource
	names  []string
}

// NewRegistry compiles the embedded schemas.
func NewRegistry() (*Registry, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("failed to read schemas: %w", err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	reg := &Registry{byName: make(map[string]*Resource)}
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".json" {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		data, err := schemaFS.ReadFile("schemas/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read schema %s: %w", name, err)
		}
		url := "mem://schemas/" + e.Name()
		if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("failed to load schema %s: %w", name, err)
		}
		sch, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
		}
		reg.byName[name] = &Resource{Name: name, schema: sch}
		reg.names = append(reg.names, name)
	}
	sort.Strings(reg.names)
	return reg, nil
}

// Has reports whether name is a protected resource.
func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Lookup returns the resource called name.
func (r *Registry) Lookup(name string) (*Resource, error) {
	res, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("resource %q: %w", name, sentinel.ErrNotFound)
	}
	return res, nil
}

// Names returns the resource names in order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}
