package formula

import (
	"context"
	"fmt"
	"regexp"

	lua "github.com/yuin/gopher-lua"
)

// LuaEngine is the sandboxed dynamic-language back-end
const LuaEngine = "lua"

var returnStmt = regexp.MustCompile(`\breturn\b`)

// Globals removed from the base library: they reach the filesystem or load arbitrary code
var unsafeGlobals = []string{"dofile", "loadfile", "load", "loadstring", "module", "require", "collectgarbage", "newproxy"}

type luaBackend struct{}

func NewLuaBackend() Backend { return luaBackend{} }

func (luaBackend) Name() string { return LuaEngine }

// chunk turns a bare expression into a returning chunk; full scripts pass through
func chunk(formula string) string {
	if returnStmt.MatchString(formula) {
		return formula
	}
	return "return (" + formula + ")"
}

func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.MathLibName, lua.OpenMath},
		{lua.StringLibName, lua.OpenString},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range unsafeGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	// string.rep allocates without bound and ignores the evaluation deadline
	if str, ok := L.GetGlobal(lua.StringLibName).(*lua.LTable); ok {
		str.RawSetString("rep", lua.LNil)
	}
	return L
}

func (luaBackend) Compile(formula string, vars []string) error {
	L := newSandbox()
	defer L.Close()
	_, err := L.LoadString(chunk(formula))
	return err
}

func (luaBackend) Evaluate(ctx context.Context, formula string, vars map[string]float64) (any, error) {
	L := newSandbox()
	defer L.Close()
	L.SetContext(ctx)

	for name, v := range vars {
		L.SetGlobal(name, lua.LNumber(v))
	}

	if err := L.DoString(chunk(formula)); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	if L.GetTop() == 0 {
		return nil, fmt.Errorf("%w: no value returned", errNonNumeric)
	}
	ret := L.Get(-1)
	num, ok := ret.(lua.LNumber)
	if !ok {
		return nil, fmt.Errorf("%w: lua %s", errNonNumeric, ret.Type())
	}
	return float64(num), nil
}
