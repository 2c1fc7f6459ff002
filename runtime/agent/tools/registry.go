package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/strandlabs/strand/runtime/agent/toolerrors"
)

// Registry holds tool registrations and serves lookups by structured name and
// by tag name through independent maps. It is read-mostly and safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	structured map[string]*entry
	tags       map[string]*entry
	toolsets   map[string][]string
}

type entry struct {
	reg    Registration
	schema *jsonschema.Schema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		structured: make(map[string]*entry),
		tags:       make(map[string]*entry),
		toolsets:   make(map[string][]string),
	}
}

// Register adds the registrations to the registry. Re-registering a name
// replaces the previous registration, making registration idempotent.
func (r *Registry) Register(regs ...Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range regs {
		if err := r.add(reg); err != nil {
			return err
		}
	}
	return nil
}

// RegisterToolset registers the subset of regs whose names appear in allowed
// (all of them when allowed is empty) under the named toolset. Re-registering
// a toolset with a different allowed filter replaces the previously registered
// subset: members dropped from the filter are removed.
func (r *Registry) RegisterToolset(toolset string, regs []Registration, allowed ...string) error {
	if toolset == "" {
		return fmt.Errorf("tools: toolset name is required")
	}
	filter := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		filter[name] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.toolsets[toolset] {
		r.remove(name)
	}
	delete(r.toolsets, toolset)

	var members []string
	for _, reg := range regs {
		if len(filter) > 0 && !filter[reg.Name] {
			continue
		}
		if err := r.add(reg); err != nil {
			return err
		}
		members = append(members, reg.Name)
	}
	r.toolsets[toolset] = members
	return nil
}

// add registers a single tool. Caller holds r.mu.
func (r *Registry) add(reg Registration) error {
	if reg.Name == "" {
		return fmt.Errorf("tools: registration missing name")
	}
	if reg.Handler == nil {
		return fmt.Errorf("tools: registration %q missing handler", reg.Name)
	}
	if reg.Structured == nil && reg.Tag == nil {
		return fmt.Errorf("tools: registration %q has no call schema", reg.Name)
	}

	e := &entry{reg: reg}
	if reg.Structured != nil {
		if reg.Structured.Name == "" {
			reg.Structured.Name = reg.Name
		}
		if len(reg.Structured.Parameters) > 0 {
			sch, err := compileParameters(reg.Name, reg.Structured.Parameters)
			if err != nil {
				return err
			}
			e.schema = sch
		}
		r.structured[reg.Structured.Name] = e
	}
	if reg.Tag != nil {
		if reg.Tag.TagName == "" {
			return fmt.Errorf("tools: registration %q has tag schema without tag name", reg.Name)
		}
		r.tags[reg.Tag.TagName] = e
	}
	return nil
}

// remove drops the tool from both lookup maps. Caller holds r.mu.
func (r *Registry) remove(name string) {
	for key, e := range r.structured {
		if e.reg.Name == name {
			delete(r.structured, key)
		}
	}
	for key, e := range r.tags {
		if e.reg.Name == name {
			delete(r.tags, key)
		}
	}
}

// ResolveStructured returns the registration for a structured-call name.
func (r *Registry) ResolveStructured(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.structured[name]
	if !ok {
		return Registration{}, false
	}
	return e.reg, true
}

// ResolveTag returns the registration for a tag name.
func (r *Registry) ResolveTag(tagName string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tags[tagName]
	if !ok {
		return Registration{}, false
	}
	return e.reg, true
}

// StructuredSchemas returns the structured schemas of all registered tools,
// sorted by name for deterministic prompt assembly.
func (r *Registry) StructuredSchemas() []*StructuredSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*StructuredSchema, 0, len(r.structured))
	for _, e := range r.structured {
		out = append(out, e.reg.Structured)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// TagSchemas returns the tag schemas of all registered tools, sorted by tag
// name. The streaming parser uses these to recognize opening markers.
func (r *Registry) TagSchemas() []TagSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TagSchema, 0, len(r.tags))
	for _, e := range r.tags {
		out = append(out, *e.reg.Tag)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TagName < out[j].TagName })
	return out
}

// TagExamples returns the invocation examples of all tag-registered tools,
// sorted by tag name, for inclusion in system prompts.
func (r *Registry) TagExamples() []string {
	var out []string
	for _, ts := range r.TagSchemas() {
		if ts.Example != "" {
			out = append(out, ts.Example)
		}
	}
	return out
}

// Terminating reports whether the named tool (under either surface) is marked
// terminating.
func (r *Registry) Terminating(call Call) bool {
	reg, ok := r.resolve(call)
	return ok && reg.Terminating
}

// Dispatch executes the call and returns its result. Dispatch never returns an
// error: unknown tools, schema violations, handler errors, and handler panics
// all surface as failed Results so the run can continue.
func (r *Registry) Dispatch(ctx context.Context, call Call) (res Result) {
	reg, ok := r.resolve(call)
	if !ok {
		return Fail(call, toolerrors.KindNotFound, fmt.Sprintf("tool %q is not registered", call.Name))
	}

	if call.Schema == SchemaStructured {
		// call.Name is the structured-surface key; reg.Name may differ when
		// the registration exposes the tool under another structured name.
		if err := r.validate(call.Name, call.Args); err != nil {
			return Fail(call, toolerrors.KindMalformed, err.Error())
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			res = Result{
				CallID: call.ID,
				Name:   reg.Name,
				Error:  toolerrors.Errorf("tool %q panicked: %v", reg.Name, rec),
			}
		}
	}()

	args := call.Args
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	out, err := reg.Handler(ctx, args)
	if err != nil {
		return Result{
			CallID: call.ID,
			Name:   reg.Name,
			Error:  toolerrors.NewWithCause(toolerrors.KindExecution, err.Error(), err),
		}
	}
	return Result{CallID: call.ID, Name: reg.Name, Success: true, Output: out}
}

// resolve looks the call up in the map matching its schema kind.
func (r *Registry) resolve(call Call) (Registration, bool) {
	switch call.Schema {
	case SchemaTag:
		return r.ResolveTag(call.Name)
	default:
		return r.ResolveStructured(call.Name)
	}
}

// validate checks structured-call arguments against the tool's compiled JSON
// schema, when one was registered.
func (r *Registry) validate(name string, args json.RawMessage) error {
	r.mu.RLock()
	e, ok := r.structured[name]
	r.mu.RUnlock()
	if !ok || e.schema == nil {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return fmt.Errorf("arguments for %q are not valid JSON: %w", name, err)
	}
	if err := e.schema.Validate(inst); err != nil {
		return fmt.Errorf("arguments for %q do not match schema: %w", name, err)
	}
	return nil
}

// compileParameters compiles the registration's parameter object into a JSON
// schema validator.
func compileParameters(name string, params map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("tools: encode schema for %q: %w", name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("tools: decode schema for %q: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	url := "strand://tools/" + name + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("tools: add schema resource for %q: %w", name, err)
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tools: compile schema for %q: %w", name, err)
	}
	return sch, nil
}
