package lua

import (
	"fmt"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

const maxConvertDepth = 16

// toGo converts a Lua value into plain Go data: nil, bool, float64, string,
// []any for sequences and map[string]any for other tables. Functions and
// userdata become their string form.
func toGo(v lua.LValue) any {
	return toGoDepth(v, 0)
}

func toGoDepth(v lua.LValue, depth int) any {
	switch v := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if depth >= maxConvertDepth {
			return v.String()
		}
		return tableToGo(v, depth+1)
	default:
		return v.String()
	}
}

func tableToGo(t *lua.LTable, depth int) any {
	n := t.Len()
	count := 0
	t.ForEach(func(lua.LValue, lua.LValue) { count++ })

	if n > 0 && n == count {
		out := make([]any, n)
		for i := 1; i <= n; i++ {
			out[i-1] = toGoDepth(t.RawGetInt(i), depth)
		}
		return out
	}

	out := make(map[string]any, count)
	t.ForEach(func(k, v lua.LValue) {
		out[keyString(k)] = toGoDepth(v, depth)
	})
	return out
}

func keyString(k lua.LValue) string {
	if s, ok := k.(lua.LString); ok {
		return string(s)
	}
	return k.String()
}

// toLua converts host function results back into Lua values.
func toLua(L *lua.LState, v any) lua.LValue {
	return toLuaDepth(L, v, 0)
}

func toLuaDepth(L *lua.LState, v any, depth int) lua.LValue {
	if depth >= maxConvertDepth {
		return lua.LString(fmt.Sprint(v))
	}
	switch v := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return v
	case bool:
		return lua.LBool(v)
	case string:
		return lua.LString(v)
	case float64:
		return lua.LNumber(v)
	case float32:
		return lua.LNumber(v)
	case int:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case int32:
		return lua.LNumber(v)
	case uint32:
		return lua.LNumber(v)
	case uint64:
		return lua.LNumber(v)
	case []string:
		t := L.CreateTable(len(v), 0)
		for _, s := range v {
			t.Append(lua.LString(s))
		}
		return t
	case []any:
		t := L.CreateTable(len(v), 0)
		for i, item := range v {
			t.RawSetInt(i+1, toLuaDepth(L, item, depth+1))
		}
		return t
	case map[string]any:
		t := L.CreateTable(0, len(v))
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t.RawSetString(k, toLuaDepth(L, v[k], depth+1))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(v))
	}
}

// argsFromTable reads a host function's single table argument.
func argsFromTable(t *lua.LTable) map[string]any {
	args := make(map[string]any)
	t.ForEach(func(k, v lua.LValue) {
		args[keyString(k)] = toGo(v)
	})
	return args
}
