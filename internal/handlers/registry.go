// Package handlers turns change-log rows into normalized changes.
package handlers

import (
	"strings"
	"sync"

	"github.com/katasec/dstream-probe/internal/schema"
	"github.com/katasec/dstream-probe/pkg/cdc"
)

// DecoderFactory builds a table decoder on top of the generic decoder for that table
type DecoderFactory func(generic *GenericDecoder) cdc.Decoder

// Registry maps table names to decoders. Lookups ignore case; tables without a
// registered decoder get a GenericDecoder.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]DecoderFactory
	specs     map[string]schema.TableSpec
	decoders  map[string]cdc.Decoder
	opts      []DecoderOption
}

// NewRegistry creates an empty registry; opts apply to every generic decoder it builds
func NewRegistry(opts ...DecoderOption) *Registry {
	return &Registry{
		factories: map[string]DecoderFactory{},
		specs:     map[string]schema.TableSpec{},
		decoders:  map[string]cdc.Decoder{},
		opts:      opts,
	}
}

// DefaultRegistry returns a registry with the built-in table decoders and the given specs
func DefaultRegistry(specs []schema.TableSpec, opts ...DecoderOption) *Registry {
	r := NewRegistry(opts...)
	r.Register(ArticulosTable, func(g *GenericDecoder) cdc.Decoder { return NewArticulosDecoder(g) })
	for _, spec := range specs {
		r.AddSpec(spec)
	}
	return r
}

// Register installs a custom decoder factory for table
func (r *Registry) Register(table string, f DecoderFactory) {
	key := strings.ToUpper(table)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key] = f
	delete(r.decoders, key)
}

// AddSpec records the column metadata of a table
func (r *Registry) AddSpec(spec schema.TableSpec) {
	key := strings.ToUpper(spec.Name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[key] = spec
	delete(r.decoders, key)
}

// Lookup returns the decoder for table, building and caching it on first use
func (r *Registry) Lookup(table string) cdc.Decoder {
	key := strings.ToUpper(table)

	r.mu.RLock()
	d, ok := r.decoders[key]
	r.mu.RUnlock()
	if ok {
		return d
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.decoders[key]; ok {
		return d
	}

	var spec *schema.TableSpec
	if s, ok := r.specs[key]; ok {
		spec = &s
	}
	generic := NewGenericDecoder(spec, r.opts...)
	d = generic
	if f, ok := r.factories[key]; ok {
		d = f(generic)
	}
	r.decoders[key] = d
	return d
}

// Decode implements cdc.Decoder by dispatching on the record's table
func (r *Registry) Decode(rec cdc.RawChangeRecord) (cdc.Change, error) {
	return r.Lookup(rec.TableName).Decode(rec)
}
