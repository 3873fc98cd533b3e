package notice

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/andrebq/challenged/internal/lua/luadefaults"
	"github.com/yuin/gluamapper"
	lua "github.com/yuin/gopher-lua"
)

type (
	// Hook runs a Lua function on every notice before handing it to the
	// next sink. The script must define a global function
	//
	//	function on_notice(n) ... end
	//
	// where n has the fields id, text and remote. Returning nil keeps the
	// notice as is; returning a table changes it:
	//
	//	return { level = "warn", tags = {"power"}, drop = false }
	Hook struct {
		sync.Mutex
		L    *lua.LState
		fn   *lua.LFunction
		next Sink
	}

	Verdict struct {
		Level string
		Tags  []string
		Drop  bool
	}
)

const (
	HookFunction = "on_notice"
	hookTimeout  = time.Second
)

var (
	errMissingHookFunction = fmt.Errorf("notice: script must define function %v", HookFunction)
)

func LoadHook(path string, next Sink) (*Hook, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("notice: unable to read hook %v, cause %w", path, err)
	}
	return NewHook(string(code), next)
}

func NewHook(code string, next Sink) (*Hook, error) {
	L, err := luadefaults.NewSandbox()
	if err != nil {
		return nil, err
	}
	if err := L.DoString(code); err != nil {
		L.Close()
		return nil, fmt.Errorf("notice: unable to load hook, cause %w", err)
	}
	fn, ok := L.GetGlobal(HookFunction).(*lua.LFunction)
	if !ok {
		L.Close()
		return nil, errMissingHookFunction
	}
	return &Hook{L: L, fn: fn, next: next}, nil
}

func (h *Hook) Record(ctx context.Context, n Notice) error {
	v, err := h.evaluate(ctx, n)
	if err != nil {
		// the notice is still worth keeping when the script is broken
		if nerr := h.next.Record(ctx, n); nerr != nil {
			return errors.Join(err, nerr)
		}
		return err
	}
	if v == nil {
		return h.next.Record(ctx, n)
	}
	if v.Drop {
		return nil
	}
	if v.Level != "" {
		n.Level = v.Level
	}
	n.Tags = append(n.Tags, v.Tags...)
	return h.next.Record(ctx, n)
}

func (h *Hook) evaluate(ctx context.Context, n Notice) (*Verdict, error) {
	h.Lock()
	defer h.Unlock()
	ctx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()
	L := h.L
	L.SetContext(ctx)
	defer L.RemoveContext()

	arg := L.NewTable()
	L.SetField(arg, "id", lua.LString(n.ID))
	L.SetField(arg, "text", lua.LString(n.Text))
	L.SetField(arg, "remote", lua.LString(n.Remote))
	err := L.CallByParam(lua.P{
		Fn:      h.fn,
		NRet:    1,
		Protect: true,
	}, arg)
	if err != nil {
		return nil, fmt.Errorf("notice: hook failed on %v, cause %w", n.ID, err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	switch ret := ret.(type) {
	case *lua.LNilType:
		return nil, nil
	case *lua.LTable:
		var v Verdict
		if err := gluamapper.Map(ret, &v); err != nil {
			return nil, fmt.Errorf("notice: invalid hook result for %v, cause %w", n.ID, err)
		}
		return &v, nil
	}
	return nil, fmt.Errorf("notice: hook must return nil or a table, got %v", ret.Type())
}

func (h *Hook) Close() error {
	h.Lock()
	defer h.Unlock()
	h.L.Close()
	return nil
}
