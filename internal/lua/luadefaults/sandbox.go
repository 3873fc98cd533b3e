package luadefaults

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// NewSandbox returns a state without io, os or package loading. Scripts
// running in it can only compute over the values handed to them.
func NewSandbox() (*lua.LState, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, pair := range []struct {
		n string
		f lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
	} {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(pair.f),
			NRet:    0,
			Protect: true,
		}, lua.LString(pair.n)); err != nil {
			L.Close()
			return nil, fmt.Errorf("unable to open lua lib %v, cause %w", pair.n, err)
		}
	}
	// base lib exposes file loaders, scripts have no business with them
	for _, name := range []string{"dofile", "loadfile", "require"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L, nil
}
