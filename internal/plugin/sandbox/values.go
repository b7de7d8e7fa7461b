package sandbox

import (
	"encoding/json"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// payloadToLua decodes a JSON payload into the equivalent Lua value.
// An empty payload becomes nil.
func payloadToLua(L *lua.LState, raw json.RawMessage) (lua.LValue, error) {
	if len(raw) == 0 {
		return lua.LNil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return lua.LNil, fmt.Errorf("decode payload: %w", err)
	}
	return toLua(L, v), nil
}

// luaToPayload encodes a Lua value as a JSON payload. Nil values
// produce an empty payload.
func luaToPayload(lv lua.LValue) (json.RawMessage, error) {
	v := toGo(lv, make(map[*lua.LTable]bool))
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}

// toLua converts a decoded JSON value into a Lua value.
func toLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(val)
	case []any:
		t := L.NewTable()
		for i, item := range val {
			t.RawSetInt(i+1, toLua(L, item))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, toLua(L, item))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// toGo converts a Lua value back into a JSON-encodable value. Visited
// tables break circular references; functions and userdata have no
// wire representation and become nil.
func toGo(lv lua.LValue, visited map[*lua.LTable]bool) any {
	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if visited[v] {
			return nil
		}
		visited[v] = true
		return tableToGo(v, visited)
	default:
		return nil
	}
}

// tableToGo converts a Lua table to a slice when its keys form a
// contiguous 1-based integer sequence, a string-keyed map otherwise.
func tableToGo(t *lua.LTable, visited map[*lua.LTable]bool) any {
	isArray := true
	maxN := 0
	count := 0
	t.ForEach(func(k, _ lua.LValue) {
		count++
		if kn, ok := k.(lua.LNumber); ok {
			n := int(kn)
			if float64(n) == float64(kn) && n > 0 {
				if n > maxN {
					maxN = n
				}
				return
			}
		}
		isArray = false
	})

	if isArray && maxN > 0 && count == maxN {
		arr := make([]any, maxN)
		for i := 1; i <= maxN; i++ {
			arr[i-1] = toGo(t.RawGetInt(i), visited)
		}
		return arr
	}

	m := make(map[string]any, count)
	t.ForEach(func(k, v lua.LValue) {
		var key string
		switch kv := k.(type) {
		case lua.LString:
			key = string(kv)
		default:
			key = k.String()
		}
		m[key] = toGo(v, visited)
	})
	return m
}
