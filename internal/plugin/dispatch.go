package plugin

import (
	"context"
	"fmt"
	"time"
)

// Invoke calls method on the named plugin.
//
// The checks run in a fixed order: the plugin must be registered, the method
// must not be reserved, it must be in the plugin's current capability set,
// and the argument count must match its parameters. A capability without
// parameters accepts any bag and its handler receives an empty one. Failures
// raised by the handler are returned as *InvocationError; they never evict
// the plugin unless the handler crashed it through a host facility.
func (r *Runtime) Invoke(ctx context.Context, name, method string, args Args) (any, error) {
	e, ok := r.lookup(name)
	if !ok {
		return nil, fmt.Errorf("plugin %q: %w", name, ErrUnknownPlugin)
	}
	if IsReserved(method) {
		return nil, fmt.Errorf("%s.%s: %w", name, method, ErrReservedMethod)
	}
	if !r.enter(e) {
		return nil, fmt.Errorf("plugin %q: %w", name, ErrUnknownPlugin)
	}
	defer r.leave(e)

	c, ok := CapabilitiesOf(e.unit.Instance)[method]
	if !ok {
		return nil, fmt.Errorf("%s.%s: %w", name, method, ErrUnknownMethod)
	}

	callArgs := Args{}
	if len(c.Params) > 0 {
		if len(args) != len(c.Params) {
			return nil, &ArityError{Method: method, Expected: len(c.Params), Given: len(args)}
		}
		callArgs = args.Clone()
	}

	var result any
	start := time.Now()
	err := safeRun(func() error {
		var err error
		result, err = c.Handler(ctx, callArgs)
		return err
	})
	r.emitEvent(Event{Type: EventInvoked, Plugin: name, Method: method, Duration: time.Since(start), Err: err})

	if err != nil {
		return nil, &InvocationError{Plugin: name, Method: method, Err: err}
	}
	return result, nil
}

// Validate runs the pre-invocation checks for a call: the plugin's params
// validator, then the capability schema. A rejected bag is reported as
// *ValidationError. A validator that panics or a schema that does not compile
// is the plugin's fault and is reported as *InvocationError.
func (r *Runtime) Validate(ctx context.Context, name, method string, args Args) error {
	e, ok := r.lookup(name)
	if !ok {
		return fmt.Errorf("plugin %q: %w", name, ErrUnknownPlugin)
	}
	if IsReserved(method) {
		return fmt.Errorf("%s.%s: %w", name, method, ErrReservedMethod)
	}
	if !r.enter(e) {
		return fmt.Errorf("plugin %q: %w", name, ErrUnknownPlugin)
	}
	defer r.leave(e)

	c, ok := CapabilitiesOf(e.unit.Instance)[method]
	if !ok {
		return fmt.Errorf("%s.%s: %w", name, method, ErrUnknownMethod)
	}

	if v, ok := e.unit.Instance.(ParamsValidator); ok {
		var desc string
		err := safeRun(func() error {
			desc = v.ValidateParams(ctx, args.Clone())
			return nil
		})
		if err != nil {
			return &InvocationError{Plugin: name, Method: method, Err: err}
		}
		if desc != "" {
			return &ValidationError{Plugin: name, Method: method, Description: desc}
		}
	}

	if c.Schema != "" {
		desc, err := checkSchema(c.Schema, args)
		if err != nil {
			return &InvocationError{Plugin: name, Method: method, Err: err}
		}
		if desc != "" {
			return &ValidationError{Plugin: name, Method: method, Description: desc}
		}
	}
	return nil
}
