package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
)

// ToolHandler executes a tool. It receives arguments that already passed the tool's input
// schema and returns the content blocks of a successful result. A returned error is reported
// to the client as a tool execution failure, it never tears down the session.
//
// Handlers must honor ctx: it is cancelled when the client abandons the call, when the session
// closes, or when the server's tool timeout elapses.
type ToolHandler func(ctx context.Context, arguments map[string]any) ([]Content, error)

// InvocationResult is the outcome of ToolRegistry.Invoke: either content blocks, or a Failure.
type InvocationResult struct {
	Content []Content
	Failure *ToolError
}

// ToolRegistry holds the discoverable, invocable tools of a server, in registration order.
// It is safe for concurrent use, List may run concurrently with itself.
type ToolRegistry struct {
	mu       sync.RWMutex
	order    []string
	tools    map[string]registeredTool
	watchers []func()

	logger *slog.Logger
}

type registeredTool struct {
	tool    Tool
	handler ToolHandler
}

// NewToolRegistry returns an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:  make(map[string]registeredTool),
		logger: slog.Default(),
	}
}

// Register adds a tool. It fails with ErrDuplicateTool if a tool with the same name exists.
// Registered tools are immutable.
func (r *ToolRegistry) Register(tool Tool, handler ToolHandler) error {
	if tool.Name == "" {
		return errors.New("tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("tool %q: handler is required", tool.Name)
	}

	r.mu.Lock()
	if _, ok := r.tools[tool.Name]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateTool, tool.Name)
	}
	r.tools[tool.Name] = registeredTool{tool: tool, handler: handler}
	r.order = append(r.order, tool.Name)
	watchers := make([]func(), len(r.watchers))
	copy(watchers, r.watchers)
	r.mu.Unlock()

	for _, w := range watchers {
		w()
	}
	return nil
}

// List returns the registered tools in registration order.
func (r *ToolRegistry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		tools = append(tools, r.tools[name].tool)
	}
	return tools
}

// Lookup returns the tool registered under name.
func (r *ToolRegistry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, ok := r.tools[name]
	return rt.tool, ok
}

// Invoke validates arguments against the tool's input schema and runs its handler. Every
// failure, including a panicking handler, is returned as InvocationResult.Failure.
func (r *ToolRegistry) Invoke(ctx context.Context, name string, arguments map[string]any) InvocationResult {
	r.mu.RLock()
	rt, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return InvocationResult{Failure: &ToolError{
			Code:    CodeToolNotFound,
			Message: fmt.Sprintf("tool not found: %s", name),
			Data:    map[string]any{"name": name},
			Err:     ErrToolNotFound,
		}}
	}

	if arguments == nil {
		arguments = map[string]any{}
	}

	if rt.tool.InputSchema != nil {
		vs := rt.tool.InputSchema.Validate(ctx, arguments)
		errs := *vs.Errs
		if len(errs) > 0 {
			var errStr []string
			for _, err := range errs {
				errStr = append(errStr, fmt.Sprintf("%s: %s", err.PropertyPath, err.Message))
			}
			return InvocationResult{Failure: &ToolError{
				Code:    CodeInvalidParams,
				Message: fmt.Sprintf("params validation failed: %s", strings.Join(errStr, ", ")),
				Data:    map[string]any{"errors": errStr},
				Err:     ErrValidation,
			}}
		}
	}

	content, err := r.run(ctx, rt, arguments)
	if err != nil {
		r.logger.Warn("tool execution failed",
			slog.String("tool", name),
			slog.String("err", err.Error()))
		msg := err.Error()
		if msg == "" {
			msg = "tool execution failed"
		}
		return InvocationResult{Failure: &ToolError{
			Code:    CodeToolExecution,
			Message: msg,
			Err:     err,
		}}
	}
	return InvocationResult{Content: content}
}

// OnChange registers fn to run after each successful Register.
func (r *ToolRegistry) OnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, fn)
}

// WithLogger sets the logger used to report tool failures and returns the registry.
func (r *ToolRegistry) WithLogger(logger *slog.Logger) *ToolRegistry {
	r.logger = logger.With(slog.String("component", "registry"))
	return r
}

func (r *ToolRegistry) run(ctx context.Context, rt registeredTool, arguments map[string]any) (
	content []Content, err error,
) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool handler panicked",
				slog.String("tool", rt.tool.Name),
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())))
			content = nil
			err = fmt.Errorf("tool %s panicked: %v", rt.tool.Name, p)
		}
	}()
	return rt.handler(ctx, arguments)
}
