// Package tools is the uniform execution gateway over the tool registry. The
// bridge only depends on the calling contract here; concrete tool bodies
// (calendars, SMS senders, CRMs) are registered by the embedding application.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/vango-go/vai-bridge/pkg/backend"
)

// SpecialKind names the out-of-band actions a tool result may request.
type SpecialKind string

const (
	SpecialEndCall      SpecialKind = "end_call"
	SpecialTransferCall SpecialKind = "transfer_call"
)

// SpecialAction instructs the driver to end or transfer the call instead of
// continuing the conversation.
type SpecialAction struct {
	Kind           SpecialKind
	Message        string
	TransferNumber string
}

// Result is the outcome of one tool execution.
type Result struct {
	ToolCallID string
	OK         bool
	Payload    map[string]any
	Err        string
	Special    *SpecialAction
}

// Output renders the result as the string handed back to the model.
func (r Result) Output() string {
	if !r.OK {
		return fmt.Sprintf(`{"error":%q}`, r.Err)
	}
	if len(r.Payload) == 0 {
		return `{"success":true}`
	}
	data, err := json.Marshal(r.Payload)
	if err != nil {
		return `{"success":true}`
	}
	return string(data)
}

// Category classifies tools for the side-effect guard.
type Category string

const (
	CategoryGeneral Category = "general"
	CategorySMS     Category = "sms"
	CategoryBooking Category = "booking"
)

// Executor is one callable tool.
type Executor interface {
	Name() string
	Definition() backend.ToolDefinition
	Execute(ctx context.Context, args map[string]any) Result
}

// Categorized is implemented by executors whose side effects need dedup
// protection. Executors without it are treated as CategoryGeneral.
type Categorized interface {
	Category() Category
}

// CategoryOf reports the guard category of an executor.
func CategoryOf(ex Executor) Category {
	if c, ok := ex.(Categorized); ok {
		return c.Category()
	}
	return CategoryGeneral
}

// SMSTarget extracts the destination phone number from SMS-tool arguments.
// Returns "" when no recognizable target is present.
func SMSTarget(args map[string]any) string {
	for _, key := range []string{"to", "phone_number", "number"} {
		if v, ok := args[key].(string); ok {
			if trimmed := strings.TrimSpace(v); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

// Registry holds the enabled executors for a workspace.
type Registry struct {
	byName map[string]Executor
}

// NewRegistry builds a registry; nil executors are skipped.
func NewRegistry(executors ...Executor) *Registry {
	r := &Registry{byName: make(map[string]Executor, len(executors))}
	for _, ex := range executors {
		if ex == nil {
			continue
		}
		r.byName[ex.Name()] = ex
	}
	return r
}

// Register adds or replaces an executor.
func (r *Registry) Register(ex Executor) {
	if r == nil || ex == nil {
		return
	}
	if r.byName == nil {
		r.byName = make(map[string]Executor)
	}
	r.byName[ex.Name()] = ex
}

// Names lists registered tool names, sorted.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.byName[name]
	return ok
}

// Lookup returns the executor for a name.
func (r *Registry) Lookup(name string) (Executor, bool) {
	if r == nil {
		return nil, false
	}
	ex, ok := r.byName[name]
	return ex, ok
}

// Execute runs one tool call. Unknown tools return a failed result rather
// than an error so the conversation can continue.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) Result {
	ex, ok := r.Lookup(name)
	if !ok {
		return Result{OK: false, Err: fmt.Sprintf("tool %q is not registered", name)}
	}
	return ex.Execute(ctx, args)
}

// Definitions returns provider-shaped definitions for the enabled subset.
// An empty enabled list selects every registered tool.
func (r *Registry) Definitions(enabled []string) []backend.ToolDefinition {
	if r == nil {
		return nil
	}
	names := enabled
	if len(names) == 0 {
		names = r.Names()
	}
	out := make([]backend.ToolDefinition, 0, len(names))
	for _, name := range names {
		ex, ok := r.byName[name]
		if !ok {
			continue
		}
		out = append(out, ex.Definition())
	}
	return out
}
