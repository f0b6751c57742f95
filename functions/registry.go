// Package functions holds the tools the assistant can call.
package functions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/room4-2/openconverse-voice/engine"
)

var ErrInvalidArgs = errors.New("invalid tool arguments")

// Handler runs one call. The returned result needs no CallID or Name.
type Handler func(ctx context.Context, call engine.ToolCall) (engine.ToolResult, error)

type Tool struct {
	Kind        engine.ToolKind
	Declaration *genai.FunctionDeclaration
	Handler     Handler
}

// Registry is the set of tools declared to the model. It implements
// engine.ToolSet.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger.With(zap.String("component", "functions")),
	}
}

func (r *Registry) Register(t Tool) error {
	if t.Declaration == nil || t.Declaration.Name == "" {
		return errors.New("tool declaration needs a name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s has no handler", t.Declaration.Name)
	}
	if t.Kind == "" {
		t.Kind = engine.ToolOther
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Declaration.Name]; ok {
		return fmt.Errorf("tool %s already registered", t.Declaration.Name)
	}
	r.tools[t.Declaration.Name] = t
	return nil
}

func (r *Registry) Kind(name string) engine.ToolKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.tools[name]; ok {
		return t.Kind
	}
	return engine.ToolOther
}

func (r *Registry) Invoke(ctx context.Context, call engine.ToolCall) (engine.ToolResult, error) {
	r.mu.RLock()
	t, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("unknown function called", zap.String("tool", call.Name))
		return engine.ToolResult{}, fmt.Errorf("%w: %s", engine.ErrUnknownTool, call.Name)
	}
	r.logger.Info("function call", zap.String("tool", call.Name), zap.String("call_id", call.CallID))
	res, err := t.Handler(ctx, call)
	if err != nil {
		return engine.ToolResult{}, err
	}
	res.CallID = call.CallID
	res.Name = call.Name
	return res, nil
}

// Tools returns the declarations for a Live session, sorted by name.
func (r *Registry) Tools() []*genai.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.tools) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(r.tools))
	for _, t := range r.tools {
		decls = append(decls, t.Declaration)
	}
	sort.Slice(decls, func(i, j int) bool { return decls[i].Name < decls[j].Name })
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func stringArg(call engine.ToolCall, name string) (string, error) {
	v, ok := call.Args[name]
	if !ok {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidArgs, name)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %s must be a non-empty string", ErrInvalidArgs, name)
	}
	return s, nil
}
