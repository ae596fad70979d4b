package lua

import (
	"bufio"
	"io"
	"os"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/ctfever/internal/plugin/security"
)

// HostModule is the name scripts require the host API under.
const HostModule = "ctfever"

// Sandbox restricts a Lua state to the libraries its unit was granted.
type Sandbox struct {
	L       *lua.LState
	checker *security.PermissionChecker
}

// NewSandbox creates a sandbox that consults checker for every restricted
// library and file access.
func NewSandbox(L *lua.LState, checker *security.PermissionChecker) *Sandbox {
	return &Sandbox{L: L, checker: checker}
}

// Checker returns the permission checker of the sandbox.
func (s *Sandbox) Checker() *security.PermissionChecker {
	return s.checker
}

// Install removes loaders that bypass the sandbox, restricts require and
// injects the libraries the unit's grants allow.
func (s *Sandbox) Install() {
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		s.L.SetGlobal(name, lua.LNil)
	}

	s.installSafeRequire()

	switch {
	case s.checker.HasCapability(security.CapabilityUnsafe):
		lua.OpenIo(s.L)
		lua.OpenOs(s.L)
		lua.OpenDebug(s.L)
	case s.checker.HasCapability(security.CapabilityFileRead),
		s.checker.HasCapability(security.CapabilityFileWrite):
		s.injectFileAPI()
	}
}

// installSafeRequire clears package.path/cpath and replaces require with a
// whitelist: safe built-ins, preloaded host modules, and io/os/debug when
// the matching capability is granted.
func (s *Sandbox) installSafeRequire() {
	if pkg, ok := s.L.GetGlobal("package").(*lua.LTable); ok {
		s.L.SetField(pkg, "path", lua.LString(""))
		s.L.SetField(pkg, "cpath", lua.LString(""))
	}

	safeModules := map[string]bool{
		"string": true,
		"table":  true,
		"math":   true,
		"bit32":  true,
		"utf8":   true,
	}
	gated := map[string][]security.Capability{
		"io":    {security.CapabilityFileRead, security.CapabilityFileWrite},
		"os":    {security.CapabilityUnsafe},
		"debug": {security.CapabilityUnsafe},
	}

	originalRequire := s.L.GetGlobal("require")

	s.L.SetGlobal("require", s.L.NewFunction(func(L *lua.LState) int {
		modName := L.CheckString(1)

		allowed := safeModules[modName] || modName == HostModule || strings.HasPrefix(modName, HostModule+".")
		if caps, ok := gated[modName]; ok {
			if !s.hasAny(caps) {
				L.RaiseError("module %q requires the %s capability", modName, caps[0])
			}
			if g := L.GetGlobal(modName); g != lua.LNil {
				L.Push(g)
				return 1
			}
			allowed = true
		}
		if !allowed {
			L.RaiseError("module %q is not available", modName)
		}

		L.Push(originalRequire)
		L.Push(lua.LString(modName))
		L.Call(1, 1)
		return 1
	}))
}

func (s *Sandbox) hasAny(caps []security.Capability) bool {
	for _, c := range caps {
		if s.checker.HasCapability(c) {
			return true
		}
	}
	return false
}

// injectFileAPI installs an io table whose open and lines only reach files
// the checker allows, i.e. inside the unit's data directory.
func (s *Sandbox) injectFileAPI() {
	ioMod := s.L.NewTable()

	s.L.SetField(ioMod, "open", s.L.NewFunction(func(L *lua.LState) int {
		filename := L.CheckString(1)
		mode := L.OptString(2, "r")

		var flag int
		var err error
		switch mode {
		case "r", "rb":
			flag, err = os.O_RDONLY, s.checker.CheckFileRead(filename)
		case "w", "wb":
			flag, err = os.O_WRONLY|os.O_CREATE|os.O_TRUNC, s.checker.CheckFileWrite(filename)
		case "a", "ab":
			flag, err = os.O_WRONLY|os.O_CREATE|os.O_APPEND, s.checker.CheckFileWrite(filename)
		default:
			L.ArgError(2, "unsupported mode")
			return 0
		}
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}

		file, err := os.OpenFile(filename, flag, 0644)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		ud := L.NewUserData()
		ud.Value = &fileHandle{f: file, r: bufio.NewReader(file)}
		L.SetMetatable(ud, s.fileMetatable())
		L.Push(ud)
		return 1
	}))

	s.L.SetField(ioMod, "lines", s.L.NewFunction(func(L *lua.LState) int {
		filename := L.CheckString(1)
		if err := s.checker.CheckFileRead(filename); err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		file, err := os.Open(filename)
		if err != nil {
			L.RaiseError("cannot open file: %s", err.Error())
			return 0
		}
		L.Push(linesIterator(L, &fileHandle{f: file, r: bufio.NewReader(file)}, true))
		return 1
	}))

	s.L.SetGlobal("io", ioMod)
}

// fileHandle is the userdata behind a sandboxed file.
type fileHandle struct {
	f *os.File
	r *bufio.Reader
}

func checkFile(L *lua.LState) *fileHandle {
	ud := L.CheckUserData(1)
	fh, ok := ud.Value.(*fileHandle)
	if !ok {
		L.ArgError(1, "expected file")
		return nil
	}
	return fh
}

// readLine returns the next line without its terminator; ok is false at EOF.
func (fh *fileHandle) readLine() (string, bool) {
	line, err := fh.r.ReadString('\n')
	if err != nil && line == "" {
		return "", false
	}
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
	}
	return line, true
}

func linesIterator(L *lua.LState, fh *fileHandle, closeAtEOF bool) *lua.LFunction {
	return L.NewFunction(func(L *lua.LState) int {
		line, ok := fh.readLine()
		if !ok {
			if closeAtEOF {
				fh.f.Close()
			}
			return 0
		}
		L.Push(lua.LString(line))
		return 1
	})
}

// fileMetatable returns the metatable for file handles.
func (s *Sandbox) fileMetatable() *lua.LTable {
	mt := s.L.NewTable()
	index := s.L.NewTable()

	// file:read([format])
	s.L.SetField(index, "read", s.L.NewFunction(func(L *lua.LState) int {
		fh := checkFile(L)
		switch L.OptString(2, "*l") {
		case "*a", "*all", "a":
			content, err := io.ReadAll(fh.r)
			if err != nil {
				L.Push(lua.LNil)
				L.Push(lua.LString(err.Error()))
				return 2
			}
			L.Push(lua.LString(content))
		case "*l", "*line", "l":
			line, ok := fh.readLine()
			if !ok {
				L.Push(lua.LNil)
				return 1
			}
			L.Push(lua.LString(line))
		default:
			L.ArgError(2, "unsupported format")
			return 0
		}
		return 1
	}))

	// file:lines()
	s.L.SetField(index, "lines", s.L.NewFunction(func(L *lua.LState) int {
		L.Push(linesIterator(L, checkFile(L), false))
		return 1
	}))

	// file:write(...)
	s.L.SetField(index, "write", s.L.NewFunction(func(L *lua.LState) int {
		ud := L.CheckUserData(1)
		fh := checkFile(L)
		for i := 2; i <= L.GetTop(); i++ {
			if _, err := fh.f.WriteString(L.CheckString(i)); err != nil {
				L.Push(lua.LNil)
				L.Push(lua.LString(err.Error()))
				return 2
			}
		}
		L.Push(ud)
		return 1
	}))

	// file:close()
	s.L.SetField(index, "close", s.L.NewFunction(func(L *lua.LState) int {
		fh := checkFile(L)
		if err := fh.f.Close(); err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LTrue)
		return 1
	}))

	s.L.SetField(mt, "__index", index)
	return mt
}
