package swarm

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// CatalogEntry describes one registered capability for planners and verifiers.
type CatalogEntry struct {
	Kind         TargetKind `json:"kind" yaml:"kind"`
	Name         string     `json:"name" yaml:"name"`
	Description  string     `json:"description,omitempty" yaml:"description,omitempty"`
	Capabilities []string   `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Enabled      bool       `json:"enabled" yaml:"enabled"`
}

type registration struct {
	agent    *Agent
	tool     Tool
	workflow *Workflow
	enabled  bool
}

// Registry holds the agents, tools and workflows available to a run.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[TargetKind]map[string]*registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: map[TargetKind]map[string]*registration{
			TargetAgent:    {},
			TargetTool:     {},
			TargetWorkflow: {},
		},
	}
}

func (r *Registry) put(kind TargetKind, name string, reg *registration) error {
	if name == "" {
		return NewError(KindValidation, "register", string(kind), errors.New("name cannot be empty"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	reg.enabled = true
	r.entries[kind][name] = reg
	return nil
}

// RegisterAgent adds or replaces an agent.
func (r *Registry) RegisterAgent(a *Agent) error {
	if a == nil {
		return NewError(KindValidation, "register", string(TargetAgent), errors.New("agent cannot be nil"))
	}
	return r.put(TargetAgent, a.Name, &registration{agent: a})
}

// RegisterTool adds or replaces a tool.
func (r *Registry) RegisterTool(t Tool) error {
	if t == nil {
		return NewError(KindValidation, "register", string(TargetTool), errors.New("tool cannot be nil"))
	}
	return r.put(TargetTool, t.Name(), &registration{tool: t})
}

// RegisterWorkflow adds or replaces a workflow.
func (r *Registry) RegisterWorkflow(w *Workflow) error {
	if w == nil {
		return NewError(KindValidation, "register", string(TargetWorkflow), errors.New("workflow cannot be nil"))
	}
	if err := w.Validate(); err != nil {
		return err
	}
	return r.put(TargetWorkflow, w.Name, &registration{workflow: w})
}

func (r *Registry) get(kind TargetKind, name string) (*registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[kind][name]
	if !ok || !reg.enabled {
		return nil, false
	}
	return reg, true
}

// Agent returns an enabled agent by name.
func (r *Registry) Agent(name string) (*Agent, bool) {
	reg, ok := r.get(TargetAgent, name)
	if !ok {
		return nil, false
	}
	return reg.agent, true
}

// Tool returns an enabled tool by name.
func (r *Registry) Tool(name string) (Tool, bool) {
	reg, ok := r.get(TargetTool, name)
	if !ok {
		return nil, false
	}
	return reg.tool, true
}

// Workflow returns an enabled workflow by name.
func (r *Registry) Workflow(name string) (*Workflow, bool) {
	reg, ok := r.get(TargetWorkflow, name)
	if !ok {
		return nil, false
	}
	return reg.workflow, true
}

// Has reports whether an enabled entry of kind exists.
func (r *Registry) Has(kind TargetKind, name string) bool {
	_, ok := r.get(kind, name)
	return ok
}

// Status reports whether an entry of kind exists and whether it is enabled.
func (r *Registry) Status(kind TargetKind, name string) (exists, enabled bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[kind][name]
	if !ok {
		return false, false
	}
	return true, reg.enabled
}

func (r *Registry) setEnabled(kind TargetKind, name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.entries[kind][name]
	if !ok {
		return NewError(KindNotFound, "registry", fmt.Sprintf("%s %s", kind, name), ErrNotFound)
	}
	reg.enabled = enabled
	return nil
}

// Enable re-enables a disabled entry.
func (r *Registry) Enable(kind TargetKind, name string) error {
	return r.setEnabled(kind, name, true)
}

// Disable hides an entry from lookups without removing it.
func (r *Registry) Disable(kind TargetKind, name string) error {
	return r.setEnabled(kind, name, false)
}

// AgentsWithCapability returns enabled agents tagged with tag, sorted by name.
func (r *Registry) AgentsWithCapability(tag string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Agent
	for _, reg := range r.entries[TargetAgent] {
		if reg.enabled && reg.agent.HasCapability(tag) {
			out = append(out, reg.agent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Catalog lists every registered entry sorted by kind and name.
func (r *Registry) Catalog() []CatalogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []CatalogEntry
	for kind, regs := range r.entries {
		for name, reg := range regs {
			entry := CatalogEntry{Kind: kind, Name: name, Enabled: reg.enabled}
			switch kind {
			case TargetAgent:
				entry.Description = reg.agent.Description
				entry.Capabilities = append([]string(nil), reg.agent.Capabilities...)
			case TargetTool:
				entry.Description = reg.tool.Description()
			case TargetWorkflow:
				entry.Description = reg.workflow.Description
			}
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Count returns the number of registered entries of kind.
func (r *Registry) Count(kind TargetKind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries[kind])
}
