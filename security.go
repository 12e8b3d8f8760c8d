package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SecurityPolicy restricts what the pipeline may dispatch.
type SecurityPolicy struct {
	// Allow lists permitted targets per kind; a kind without entries allows everything.
	Allow map[TargetKind][]string `yaml:"allow" json:"allow"`
	// Deny lists forbidden targets per kind; deny wins over allow.
	Deny map[TargetKind][]string `yaml:"deny" json:"deny"`
	// Schemas maps tool names to JSON schema documents for their params.
	Schemas map[string]string `yaml:"schemas" json:"schemas"`
	// DeriveSchemas validates registered tools against their declared parameters.
	DeriveSchemas bool `yaml:"derive_schemas" json:"derive_schemas"`
}

// Firewall enforces a SecurityPolicy.
type Firewall struct {
	allow   map[TargetKind]map[string]bool
	deny    map[TargetKind]map[string]bool
	schemas map[string]*jsonschema.Schema
}

// NewFirewall compiles policy. Tools from reg get derived schemas when DeriveSchemas is set.
func NewFirewall(policy SecurityPolicy, reg *Registry) (*Firewall, error) {
	f := &Firewall{
		allow:   toSet(policy.Allow),
		deny:    toSet(policy.Deny),
		schemas: make(map[string]*jsonschema.Schema),
	}

	docs := make(map[string]string, len(policy.Schemas))
	if policy.DeriveSchemas && reg != nil {
		for _, entry := range reg.Catalog() {
			if entry.Kind != TargetTool {
				continue
			}
			tool, ok := reg.Tool(entry.Name)
			if !ok || len(tool.Parameters()) == 0 {
				continue
			}
			b, err := json.Marshal(ToolSchema(tool))
			if err != nil {
				return nil, fmt.Errorf("derive schema for %s: %w", entry.Name, err)
			}
			docs[entry.Name] = string(b)
		}
	}
	for name, doc := range policy.Schemas {
		docs[name] = doc
	}

	for name, doc := range docs {
		if err := f.AddSchema(name, doc); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func toSet(in map[TargetKind][]string) map[TargetKind]map[string]bool {
	out := make(map[TargetKind]map[string]bool, len(in))
	for kind, names := range in {
		set := make(map[string]bool, len(names))
		for _, n := range names {
			set[n] = true
		}
		out[kind] = set
	}
	return out
}

// AddSchema compiles and attaches a params schema to a tool.
func (f *Firewall) AddSchema(tool, doc string) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://langswarm.local/schemas/tools/%s.schema.json", tool)
	if err := c.AddResource(url, strings.NewReader(doc)); err != nil {
		return fmt.Errorf("load schema for %s: %w", tool, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", tool, err)
	}
	f.schemas[tool] = schema
	return nil
}

// Check returns a policy error if req may not be dispatched.
func (f *Firewall) Check(req *Request) error {
	if f.deny[req.Kind][req.Target] {
		return NewError(KindPolicy, "security", req.Target, fmt.Errorf("%s %q is denied", req.Kind, req.Target))
	}
	if allowed, ok := f.allow[req.Kind]; ok && len(allowed) > 0 && !allowed[req.Target] {
		return NewError(KindPolicy, "security", req.Target, fmt.Errorf("%s %q is not allowed", req.Kind, req.Target))
	}
	if req.Kind != TargetTool {
		return nil
	}
	schema, ok := f.schemas[req.Target]
	if !ok {
		return nil
	}
	doc, err := normalizeParams(req.Params)
	if err != nil {
		return NewError(KindValidation, "security", req.Target, err)
	}
	if err := schema.Validate(doc); err != nil {
		return NewError(KindPolicy, "security", req.Target, fmt.Errorf("params rejected: %w", err))
	}
	return nil
}

// normalizeParams round-trips params through JSON so the validator sees JSON types.
func normalizeParams(params map[string]interface{}) (interface{}, error) {
	clean := make(map[string]interface{}, len(params))
	for k, v := range params {
		if k == ContextVariablesName {
			continue
		}
		clean[k] = v
	}
	b, err := json.Marshal(clean)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	return doc, nil
}

// SecurityInterceptor rejects requests the firewall does not permit.
func SecurityInterceptor(f *Firewall) Interceptor {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) (*Reply, error) {
			if err := f.Check(req); err != nil {
				return nil, err
			}
			return next.Handle(ctx, req)
		})
	}
}
