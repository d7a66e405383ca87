// Package kernel holds the modules and functions remote callers register.
// Modules are kept as source text; compiling them is the launcher's job.
package kernel

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fxnlabs/weft/internal/handle"
	"github.com/fxnlabs/weft/internal/metrics"
)

// Param describes one declared kernel parameter.
type Param struct {
	Size      uint32 `json:"size"`
	IsPointer bool   `json:"isPointer"`
	IsConst   bool   `json:"isConst"`
}

// Writable reports whether launches write the parameter's block back to the host.
func (p Param) Writable() bool { return p.IsPointer && !p.IsConst }

// Module is loaded kernel program text.
type Module struct {
	Handle handle.Handle
	Source string
}

// Function is a named entry point of a Module with its ordered parameters.
// The trailing block offset added at dispatch is not part of Params.
type Function struct {
	Handle handle.Handle
	Module handle.Handle
	Name   string
	Params []Param
}

// Registry stores modules and functions. Neither is removed once created.
type Registry struct {
	log       *zap.Logger
	modules   *handle.Registry[*Module]
	functions *handle.Registry[*Function]
}

func NewRegistry(log *zap.Logger, opts ...handle.Option) *Registry {
	return &Registry{
		log:       log.Named("kernel"),
		modules:   handle.NewRegistry[*Module]("module", withHook(opts, "module")...),
		functions: handle.NewRegistry[*Function]("function", withHook(opts, "function")...),
	}
}

func withHook(opts []handle.Option, registry string) []handle.Option {
	hook := handle.WithCountHook(func(n int) {
		metrics.LiveHandles.WithLabelValues(registry).Set(float64(n))
	})
	return append([]handle.Option{hook}, opts...)
}

// LoadModule stores source verbatim.
func (r *Registry) LoadModule(source string) handle.Handle {
	mod := &Module{Source: source}
	h := r.modules.Allocate(mod)
	mod.Handle = h
	r.log.Debug("Loaded module", zap.Stringer("handle", h), zap.Int("sourceBytes", len(source)))
	return h
}

// GetFunction registers the entry point name of module with the given
// parameters. It fails with errdefs.ErrNotFound if module is unknown.
func (r *Registry) GetFunction(module handle.Handle, name string, params []Param) (handle.Handle, error) {
	mod, err := r.modules.Lookup(module)
	if err != nil {
		return 0, err
	}
	fn := &Function{
		Module: mod.Handle,
		Name:   name,
		Params: append([]Param(nil), params...),
	}
	h := r.functions.Allocate(fn)
	fn.Handle = h
	r.log.Debug("Registered function",
		zap.Stringer("handle", h),
		zap.Stringer("module", module),
		zap.String("name", name),
		zap.Int("params", len(params)),
	)
	return h, nil
}

func (r *Registry) GetFunctionByHandle(h handle.Handle) (*Function, error) {
	return r.functions.Lookup(h)
}

func (r *Registry) GetModule(h handle.Handle) (*Module, error) {
	return r.modules.Lookup(h)
}

// Source returns the program text of fn's module.
func (r *Registry) Source(fn *Function) (string, error) {
	mod, err := r.modules.Lookup(fn.Module)
	if err != nil {
		return "", fmt.Errorf("function %s (%s): %w", fn.Handle, fn.Name, err)
	}
	return mod.Source, nil
}
