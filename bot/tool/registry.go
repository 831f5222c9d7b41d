// Package tool dispatches model-requested calls to typed handlers. Tools
// are registered once with a name, an argument schema, and a handler; every
// execution validates arguments first, runs under a fixed timeout, and
// shapes its output for the requesting channel.
package tool

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	contractx "github.com/lumora/concierge/bot/contract"
)

// DefaultTimeout bounds one handler dispatch.
const DefaultTimeout = 5 * time.Second

// Handler runs one tool call. Handlers classify their own failures into the
// outcome taxonomy and never panic absent-record cases downstream.
type Handler func(ctx context.Context, args map[string]any, ec contractx.ExecContext) contractx.Outcome

type registration struct {
	spec    contractx.ToolSpec
	handler Handler
}

// Registry maps tool names to handlers.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]registration
	timeout time.Duration
}

var _ contractx.ToolExecutor = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]registration),
		timeout: DefaultTimeout,
	}
}

// Register validates the schema once and installs the tool. Registering a
// duplicate name or a malformed schema is a programming error surfaced at
// startup, not at call time.
func (r *Registry) Register(spec contractx.ToolSpec, handler Handler) error {
	if spec.Name == "" {
		return fmt.Errorf("%w: tool name is empty", contractx.ErrValidation)
	}
	if handler == nil {
		return fmt.Errorf("%w: tool %q has no handler", contractx.ErrValidation, spec.Name)
	}
	for name, param := range spec.Params {
		switch param.Type {
		case contractx.ParamString, contractx.ParamInteger, contractx.ParamNumber:
		default:
			return fmt.Errorf("%w: tool %q param %q has unknown type %q",
				contractx.ErrValidation, spec.Name, name, param.Type)
		}
		if len(param.Enum) > 0 && param.Type != contractx.ParamString {
			return fmt.Errorf("%w: tool %q param %q declares an enum on a non-string type",
				contractx.ErrValidation, spec.Name, name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[spec.Name]; dup {
		return fmt.Errorf("%w: tool %q registered twice", contractx.ErrValidation, spec.Name)
	}
	r.tools[spec.Name] = registration{spec: spec, handler: handler}
	return nil
}

// MustRegister is Register for startup wiring, where a bad schema is fatal.
func (r *Registry) MustRegister(spec contractx.ToolSpec, handler Handler) {
	if err := r.Register(spec, handler); err != nil {
		log.Fatal().Err(err).Str("tool", spec.Name).Msg("tool registration failed")
	}
}

// Specs lists the registered tool schemas in stable name order.
func (r *Registry) Specs() []contractx.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]contractx.ToolSpec, 0, len(r.tools))
	for _, reg := range r.tools {
		specs = append(specs, reg.spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Execute validates args against the registered schema, dispatches the
// handler under the registry timeout, and adapts the outcome to the
// requesting channel. The caller is never blocked past the timeout even if
// the handler ignores its context.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, ec contractx.ExecContext) contractx.Outcome {
	r.mu.RLock()
	reg, ok := r.tools[name]
	timeout := r.timeout
	r.mu.RUnlock()

	if !ok {
		return contractx.Fail(contractx.ErrorInvalidArguments, fmt.Sprintf("unknown tool %q", name))
	}
	if reason, ok := validateArgs(reg.spec, args); !ok {
		return contractx.Fail(contractx.ErrorInvalidArguments, reason)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan contractx.Outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Str("tool", name).Msg("tool handler panicked")
				done <- contractx.Fail(contractx.ErrorPermanent, "internal tool failure")
			}
		}()
		done <- reg.handler(ctx, args, ec)
	}()

	select {
	case outcome := <-done:
		return adapt(ec.Channel, name, outcome)
	case <-ctx.Done():
		log.Warn().Str("tool", name).Dur("timeout", timeout).Msg("tool execution timed out")
		return contractx.Fail(contractx.ErrorTimeout, fmt.Sprintf("tool %q exceeded %s", name, timeout))
	}
}

// validateArgs checks presence and JSON types. Numbers arrive as float64
// from the model; integers must be integral.
func validateArgs(spec contractx.ToolSpec, args map[string]any) (string, bool) {
	for name, param := range spec.Params {
		value, present := args[name]
		if !present {
			if param.Required {
				return fmt.Sprintf("missing required argument %q", name), false
			}
			continue
		}

		switch param.Type {
		case contractx.ParamString:
			s, ok := value.(string)
			if !ok {
				return fmt.Sprintf("argument %q must be a string", name), false
			}
			if len(param.Enum) > 0 && !containsString(param.Enum, s) {
				return fmt.Sprintf("argument %q must be one of %v", name, param.Enum), false
			}
		case contractx.ParamInteger:
			f, ok := asNumber(value)
			if !ok || f != math.Trunc(f) {
				return fmt.Sprintf("argument %q must be an integer", name), false
			}
		case contractx.ParamNumber:
			if _, ok := asNumber(value); !ok {
				return fmt.Sprintf("argument %q must be a number", name), false
			}
		}
	}

	for name := range args {
		if _, known := spec.Params[name]; !known {
			return fmt.Sprintf("unexpected argument %q", name), false
		}
	}
	return "", true
}

func asNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
