// Package native provides the server-side tools the model can call during a
// chat turn and the registry that executes them.
package native

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	// ErrRegistrySealed is returned by Register after Seal.
	ErrRegistrySealed = errors.New("native tool registry is sealed")
	// ErrToolNotFound is returned by Lookup for unknown names.
	ErrToolNotFound = errors.New("native tool not found")
	// ErrDuplicateTool is returned when a name is registered twice.
	ErrDuplicateTool = errors.New("native tool already registered")
)

// PlanLimits are the limits of the caller's subscription plan.
type PlanLimits struct {
	MessagesPerDay   int `json:"messagesPerDay"`
	TokensPerMessage int `json:"tokensPerMessage"`
	TokensPerMonth   int `json:"tokensPerMonth"`
	ContextWindow    int `json:"contextWindowSize"`
}

// Invocation identifies who is calling a tool and from where.
// ConversationID and AgentID are empty when not applicable.
type Invocation struct {
	UserID         string
	UserName       string
	UserEmail      string
	ConversationID string
	AgentID        string
	PlanName       string
	Limits         *PlanLimits
}

// Executor runs a tool. A returned error is converted into tool content by
// the registry and never aborts the turn.
type Executor func(ctx context.Context, args map[string]any, inv *Invocation) (string, error)

// Definition describes one native tool.
type Definition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	Execute     Executor
}

// FunctionSpec is the OpenAI-style function descriptor sent upstream.
type FunctionSpec struct {
	Type     string       `json:"type"`
	Function FunctionBody `json:"function"`
}

// FunctionBody is the function part of a FunctionSpec.
type FunctionBody struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type entry struct {
	def    Definition
	schema *jsonschema.Schema
}

// Registry holds native tools. Registration happens at startup; after Seal
// the registry is read-only and lookups take no lock.
type Registry struct {
	mu     sync.Mutex
	sealed bool
	order  []string
	tools  map[string]*entry
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*entry),
		logger: logger.With("component", "native_tools"),
	}
}

// Register adds a tool. The parameter schema must compile.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return errors.New("native tool name is required")
	}
	if def.Execute == nil {
		return fmt.Errorf("native tool %q has no executor", def.Name)
	}
	if len(def.Parameters) == 0 {
		def.Parameters = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	compiled, err := jsonschema.CompileString(def.Name+".schema.json", string(def.Parameters))
	if err != nil {
		return fmt.Errorf("compile schema for %q: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrRegistrySealed
	}
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, def.Name)
	}
	r.tools[def.Name] = &entry{def: def, schema: compiled}
	r.order = append(r.order, def.Name)
	return nil
}

// Seal freezes the registry.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sealed
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Lookup returns the definition for name.
func (r *Registry) Lookup(name string) (Definition, error) {
	e, ok := r.tools[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return e.def, nil
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Definitions returns upstream function descriptors in registration order.
func (r *Registry) Definitions() []FunctionSpec {
	specs := make([]FunctionSpec, 0, len(r.order))
	for _, name := range r.order {
		def := r.tools[name].def
		specs = append(specs, FunctionSpec{
			Type: "function",
			Function: FunctionBody{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return specs
}

// Execute runs the named tool and always returns content. Unknown tools,
// invalid arguments, executor errors and panics become error strings and
// set failed.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, inv *Invocation) (content string, failed bool) {
	e, ok := r.tools[name]
	if !ok {
		return fmt.Sprintf("Error: unknown native tool %q", name), true
	}
	if args == nil {
		args = map[string]any{}
	}
	if inv == nil {
		inv = &Invocation{}
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("native tool panicked",
				"tool", name,
				"panic", rec,
				"stack", string(debug.Stack()))
			content, failed = fmt.Sprintf("Error executing %s: %v", name, rec), true
		}
	}()

	if err := validateArgs(e.schema, args); err != nil {
		return fmt.Sprintf("Error executing %s: invalid arguments: %v", name, err), true
	}

	out, err := e.def.Execute(ctx, args, inv)
	if err != nil {
		r.logger.Warn("native tool failed", "tool", name, "error", err)
		return fmt.Sprintf("Error executing %s: %v", name, err), true
	}
	return out, false
}

// validateArgs normalizes args through JSON so the validator sees the same
// types it would for decoded input.
func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	return schema.Validate(decoded)
}
