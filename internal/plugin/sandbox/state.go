package sandbox

import (
	lua "github.com/yuin/gopher-lua"
)

// newRestrictedState creates a Lua state with only the safe standard
// libraries open and the escape hatches removed. Plugins get base,
// table, string, and math; io, os, and debug are never opened at any
// trust tier.
func newRestrictedState() *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})

	lua.OpenBase(L)
	lua.OpenPackage(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	harden(L)
	return L
}

// harden removes the functions that could load code from outside the
// plugin's own entry point and replaces require with a whitelist.
func harden(L *lua.LState) {
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(name, lua.LNil)
	}

	installSafeRequire(L)
}

// installSafeRequire clears package.path/cpath so nothing loads from
// disk and replaces require with a version that only resolves the safe
// built-in modules plus the preloaded host SDK.
func installSafeRequire(L *lua.LState) {
	if pkg, ok := L.GetGlobal("package").(*lua.LTable); ok {
		L.SetField(pkg, "path", lua.LString(""))
		L.SetField(pkg, "cpath", lua.LString(""))

		safeLoaded := map[string]bool{
			"_G": true, "string": true, "table": true, "math": true,
			"package": true,
		}
		if loaded, ok := L.GetField(pkg, "loaded").(*lua.LTable); ok {
			var remove []string
			loaded.ForEach(func(k, _ lua.LValue) {
				if ks, ok := k.(lua.LString); ok && !safeLoaded[string(ks)] {
					remove = append(remove, string(ks))
				}
			})
			for _, key := range remove {
				loaded.RawSetString(key, lua.LNil)
			}
		}
	}

	safeModules := map[string]bool{
		"string":      true,
		"table":       true,
		"math":        true,
		sdkModuleName: true,
	}

	originalRequire := L.GetGlobal("require")

	L.SetGlobal("require", L.NewFunction(func(L *lua.LState) int {
		modName := L.CheckString(1)

		if !safeModules[modName] {
			// L.RaiseError longjmps; the return below never runs.
			L.RaiseError("module %q is not available", modName)
			return 0
		}

		L.Push(originalRequire)
		L.Push(lua.LString(modName))
		L.Call(1, 1)
		return 1
	}))
}
