// Package tools implements the kernel's tool registry: the catalog of
// operations an agent may invoke, with schema validation, approval
// flags, and per-tool execution timeouts.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/aether/internal/llm"
	"github.com/haasonsaas/aether/internal/sandbox"
)

// Default execution timeouts by tool class.
const (
	ShellTimeout   = 120 * time.Second
	FileTimeout    = 10 * time.Second
	BrowserTimeout = 30 * time.Second
)

// Registration and lookup failures.
var (
	ErrNotFound    = errors.New("tools: tool not found")
	ErrInvalidArgs = errors.New("tools: arguments failed schema validation")
)

var validName = regexp.MustCompile(`^[a-z_]+$`)

// Invocation carries the per-process context a tool runs with.
type Invocation struct {
	PID      int
	OwnerUID string
	Args     json.RawMessage
	Sandbox  sandbox.Sandbox
}

// Tool is one registered operation.
type Tool struct {
	Name        string
	Description string
	// Schema is a JSON Schema object for Args. Compiled at
	// registration; invalid schemas fail Register.
	Schema json.RawMessage
	// RequiresApproval gates execution on a human decision.
	RequiresApproval bool
	// Timeout bounds one execution. Zero means FileTimeout.
	Timeout time.Duration
	Run     func(ctx context.Context, inv Invocation) (string, error)

	compiled *jsonschema.Schema
}

// Registry holds the tool catalog. Registration is write-once per
// name: shadowing an existing tool fails.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*Tool
	observer func(tool string, d time.Duration)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. The name must match [a-z_]+ and be unused.
func (r *Registry) Register(tool Tool) error {
	if !validName.MatchString(tool.Name) {
		return fmt.Errorf("tools: invalid tool name %q", tool.Name)
	}
	if tool.Run == nil {
		return fmt.Errorf("tools: tool %q has no run function", tool.Name)
	}
	if len(tool.Schema) == 0 {
		tool.Schema = json.RawMessage(`{"type":"object"}`)
	}
	compiled, err := jsonschema.CompileString(tool.Name+".schema.json", string(tool.Schema))
	if err != nil {
		return fmt.Errorf("tools: tool %q has invalid schema: %w", tool.Name, err)
	}
	tool.compiled = compiled
	if tool.Timeout <= 0 {
		tool.Timeout = FileTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("tools: tool %q already registered", tool.Name)
	}
	r.tools[tool.Name] = &tool
	return nil
}

// SetObserver installs a latency callback invoked after every Execute.
func (r *Registry) SetObserver(fn func(tool string, d time.Duration)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = fn
}

// Get returns the named tool.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools sorted by name.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Specs renders the catalog for a completion request.
func (r *Registry) Specs() []llm.ToolSpec {
	list := r.List()
	specs := make([]llm.ToolSpec, 0, len(list))
	for _, t := range list {
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Schema:      t.Schema,
		})
	}
	return specs
}

// Validate checks args against the tool's schema without executing.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	tool, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return tool.validate(args)
}

func (t *Tool) validate(args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	if err := t.compiled.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return nil
}

// Execute validates args and runs the named tool under its timeout.
// The returned string is the observation fed back to the agent.
func (r *Registry) Execute(ctx context.Context, name string, inv Invocation) (string, error) {
	tool, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err := tool.validate(inv.Args); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, tool.Timeout)
	defer cancel()

	r.mu.RLock()
	observer := r.observer
	r.mu.RUnlock()

	started := time.Now()
	out, err := tool.Run(ctx, inv)
	if observer != nil {
		observer(name, time.Since(started))
	}
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("tools: %s timed out after %s", name, tool.Timeout)
	}
	return out, err
}
