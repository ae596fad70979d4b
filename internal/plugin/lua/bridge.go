package lua

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/ctfever/internal/plugin"
)

// Bridge converts values between Go and Lua.
type Bridge struct {
	L *lua.LState
}

// NewBridge creates a new Bridge for the given Lua state.
func NewBridge(L *lua.LState) *Bridge {
	return &Bridge{L: L}
}

// ToGoValue converts a Lua value to a Go value. Integral numbers become
// int64, sequences become []interface{} and other tables become
// map[string]interface{}. Cycles are cut with nil.
func (b *Bridge) ToGoValue(lv lua.LValue) interface{} {
	return b.toGo(lv, make(map[*lua.LTable]bool))
}

func (b *Bridge) toGo(lv lua.LValue, visited map[*lua.LTable]bool) interface{} {
	switch v := lv.(type) {
	case nil, *lua.LNilType:
		return nil
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
		defer delete(visited, v)
		return b.tableToGo(v, visited)
	case *lua.LUserData:
		return v.Value
	default:
		// Functions, threads and channels have no Go value.
		return nil
	}
}

func (b *Bridge) tableToGo(t *lua.LTable, visited map[*lua.LTable]bool) interface{} {
	n := t.Len()
	count := 0
	t.ForEach(func(_, _ lua.LValue) { count++ })

	if n > 0 && n == count {
		arr := make([]interface{}, n)
		for i := 1; i <= n; i++ {
			arr[i-1] = b.toGo(t.RawGetInt(i), visited)
		}
		return arr
	}

	m := make(map[string]interface{}, count)
	t.ForEach(func(k, v lua.LValue) {
		var key string
		switch kv := k.(type) {
		case lua.LString:
			key = string(kv)
		case lua.LNumber:
			key = fmt.Sprint(b.toGo(kv, visited))
		default:
			key = k.String()
		}
		m[key] = b.toGo(v, visited)
	})
	return m
}

// ToLuaValue converts a Go value to a Lua value. An attachment becomes a
// table with filename and content fields.
func (b *Bridge) ToLuaValue(v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return val
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return lua.LString(val.String())
		}
		return lua.LNumber(f)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(val)
	case *plugin.Attachment:
		if val == nil {
			return lua.LNil
		}
		t := b.L.NewTable()
		t.RawSetString("filename", lua.LString(val.Filename))
		t.RawSetString("content", lua.LString(val.Content))
		return t
	case []interface{}:
		t := b.L.CreateTable(len(val), 0)
		for i, item := range val {
			t.RawSetInt(i+1, b.ToLuaValue(item))
		}
		return t
	case []string:
		t := b.L.CreateTable(len(val), 0)
		for i, item := range val {
			t.RawSetInt(i+1, lua.LString(item))
		}
		return t
	case map[string]interface{}:
		t := b.L.CreateTable(0, len(val))
		for k, item := range val {
			t.RawSetString(k, b.ToLuaValue(item))
		}
		return t
	case plugin.Args:
		return b.ToLuaValue(map[string]interface{}(val))
	default:
		return b.reflectToLua(reflect.ValueOf(v))
	}
}

// reflectToLua converts the remaining kinds: pointers, slices, maps and
// structs. Anything else is wrapped as userdata.
func (b *Bridge) reflectToLua(rv reflect.Value) lua.LValue {
	if !rv.IsValid() {
		return lua.LNil
	}

	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return lua.LNil
		}
		return b.ToLuaValue(rv.Elem().Interface())

	case reflect.Slice, reflect.Array:
		t := b.L.CreateTable(rv.Len(), 0)
		for i := 0; i < rv.Len(); i++ {
			t.RawSetInt(i+1, b.ToLuaValue(rv.Index(i).Interface()))
		}
		return t

	case reflect.Map:
		t := b.L.NewTable()
		iter := rv.MapRange()
		for iter.Next() {
			t.RawSet(b.ToLuaValue(iter.Key().Interface()), b.ToLuaValue(iter.Value().Interface()))
		}
		return t

	case reflect.Struct:
		return b.structToTable(rv)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return lua.LNumber(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return lua.LNumber(rv.Uint())
	case reflect.String:
		return lua.LString(rv.String())

	default:
		ud := b.L.NewUserData()
		ud.Value = rv.Interface()
		return ud
	}
}

// structToTable converts exported fields, honoring json tag names.
func (b *Bridge) structToTable(rv reflect.Value) *lua.LTable {
	t := b.L.NewTable()
	rt := rv.Type()

	for i := 0; i < rv.NumField(); i++ {
		field := rt.Field(i)
		if field.PkgPath != "" {
			continue
		}
		name := field.Name
		if tag := field.Tag.Get("json"); tag != "" {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		t.RawSetString(name, b.ToLuaValue(rv.Field(i).Interface()))
	}
	return t
}

// ToAttachment reads an attachment back from the table ToLuaValue produces.
func (b *Bridge) ToAttachment(lv lua.LValue) (*plugin.Attachment, bool) {
	switch v := lv.(type) {
	case *lua.LTable:
		content, ok := v.RawGetString("content").(lua.LString)
		if !ok {
			return nil, false
		}
		filename, _ := v.RawGetString("filename").(lua.LString)
		return &plugin.Attachment{Filename: string(filename), Content: []byte(content)}, true
	case *lua.LUserData:
		att, ok := v.Value.(*plugin.Attachment)
		return att, ok && att != nil
	}
	return nil, false
}
