package lua

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/ctfever/internal/plugin/security"
)

// DefaultExecutionTimeout bounds a single script call.
const DefaultExecutionTimeout = 30 * time.Second

// State wraps gopher-lua with sandboxing and per-call timeouts.
//
// gopher-lua's LState is not goroutine-safe. The mutex serializes every call
// from Go, so a unit runs one Lua call at a time.
type State struct {
	L *lua.LState

	mu sync.Mutex

	executionTimeout time.Duration
	sandbox          *Sandbox
	closed           bool
}

// StateOption configures a State.
type StateOption func(*State)

// WithExecutionTimeout sets the timeout of each call. Zero disables it.
func WithExecutionTimeout(d time.Duration) StateOption {
	return func(s *State) {
		s.executionTimeout = d
	}
}

// NewState creates a sandboxed Lua state. checker decides which restricted
// libraries are available; nil grants nothing.
func NewState(checker *security.PermissionChecker, opts ...StateOption) *State {
	s := &State{executionTimeout: DefaultExecutionTimeout}
	for _, opt := range opts {
		opt(s)
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openSafeLibraries(L)
	s.L = L

	if checker == nil {
		checker = security.NewPermissionChecker("")
	}
	s.sandbox = NewSandbox(L, checker)
	s.sandbox.Install()
	return s
}

// openSafeLibraries opens only safe Lua standard libraries.
func openSafeLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenPackage(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	lua.OpenCoroutine(L)

	// Not opened: io, os, debug. The sandbox installs them per grant.
}

// DoFile executes a Lua file.
func (s *State) DoFile(ctx context.Context, path string) error {
	return s.run(ctx, func() error {
		return s.L.DoFile(path)
	})
}

// DoString executes a Lua string.
func (s *State) DoString(ctx context.Context, code string) error {
	return s.run(ctx, func() error {
		return s.L.DoString(code)
	})
}

// Call calls fn with args and returns every value it returns. Returns an
// empty slice (not nil) if the function returns no values.
func (s *State) Call(ctx context.Context, fn *lua.LFunction, args ...lua.LValue) ([]lua.LValue, error) {
	var results []lua.LValue
	err := s.run(ctx, func() error {
		stackTop := s.L.GetTop()

		s.L.Push(fn)
		for _, arg := range args {
			s.L.Push(arg)
		}
		if err := s.L.PCall(len(args), lua.MultRet, nil); err != nil {
			return err
		}

		nRet := s.L.GetTop() - stackTop
		results = make([]lua.LValue, 0, max(nRet, 0))
		for i := 0; i < nRet; i++ {
			results = append(results, s.L.Get(stackTop+i+1))
		}
		if nRet > 0 {
			s.L.Pop(nRet)
		}
		return nil
	})
	return results, err
}

// Do runs fn with exclusive access to the Lua state.
func (s *State) Do(fn func(L *lua.LState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStateClosed
	}
	return fn(s.L)
}

// TryDo is Do without waiting. ran is false when another call holds the
// state.
func (s *State) TryDo(fn func(L *lua.LState) error) (ran bool, err error) {
	if !s.mu.TryLock() {
		return false, nil
	}
	defer s.mu.Unlock()
	if s.closed {
		return true, ErrStateClosed
	}
	return true, fn(s.L)
}

// run executes fn under the state lock with the call context installed, so
// host functions see ctx and a timeout stops the script.
func (s *State) run(ctx context.Context, fn func() error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}

	if s.executionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.executionTimeout)
		defer cancel()
	}
	s.L.SetContext(ctx)
	defer s.L.RemoveContext()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ErrExecutionTimeout, err)
		}
	}()
	return fn()
}

// GetGlobal returns a global variable value.
func (s *State) GetGlobal(name string) lua.LValue {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return lua.LNil
	}
	return s.L.GetGlobal(name)
}

// Sandbox returns the sandbox of the state.
func (s *State) Sandbox() *Sandbox {
	return s.sandbox
}

// IsClosed returns true if the state has been closed.
func (s *State) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases the Lua state. After Close every call returns ErrStateClosed.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.L.Close()
	s.closed = true
	return nil
}
