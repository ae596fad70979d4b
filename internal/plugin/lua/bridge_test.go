package lua

import (
	"encoding/json"
	"reflect"
	"testing"

	glua "github.com/yuin/gopher-lua"

	"github.com/dshills/ctfever/internal/plugin"
)

func newBridge(t *testing.T) *Bridge {
	t.Helper()
	L := glua.NewState()
	t.Cleanup(L.Close)
	return NewBridge(L)
}

func TestBridgeToGoValue(t *testing.T) {
	b := newBridge(t)
	L := b.L

	seq := L.NewTable()
	seq.Append(glua.LNumber(1))
	seq.Append(glua.LString("two"))

	rec := L.NewTable()
	rec.RawSetString("name", glua.LString("x"))
	rec.RawSetString("ratio", glua.LNumber(0.5))
	rec.RawSetInt(1, glua.LTrue)
	rec.RawSetString("fn", L.NewFunction(func(*glua.LState) int { return 0 }))

	tests := []struct {
		name string
		in   glua.LValue
		want interface{}
	}{
		{"nil", glua.LNil, nil},
		{"bool", glua.LTrue, true},
		{"integer", glua.LNumber(42), int64(42)},
		{"float", glua.LNumber(1.5), 1.5},
		{"string", glua.LString("hi"), "hi"},
		{"sequence", seq, []interface{}{int64(1), "two"}},
		{"record", rec, map[string]interface{}{"name": "x", "ratio": 0.5, "1": true, "fn": nil}},
		{"empty table", L.NewTable(), map[string]interface{}{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := b.ToGoValue(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ToGoValue = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestBridgeToGoValueCycle(t *testing.T) {
	b := newBridge(t)
	tbl := b.L.NewTable()
	tbl.RawSetString("self", tbl)

	got, ok := b.ToGoValue(tbl).(map[string]interface{})
	if !ok {
		t.Fatalf("ToGoValue = %T, want map", b.ToGoValue(tbl))
	}
	if got["self"] != nil {
		t.Errorf("cycle = %v, want nil", got["self"])
	}
}

func TestBridgeToLuaValue(t *testing.T) {
	b := newBridge(t)

	if got := b.ToLuaValue(nil); got != glua.LNil {
		t.Errorf("nil -> %v", got)
	}
	if got := b.ToLuaValue(7); got != glua.LNumber(7) {
		t.Errorf("int -> %v", got)
	}
	if got := b.ToLuaValue(json.Number("2.5")); got != glua.LNumber(2.5) {
		t.Errorf("json.Number -> %v", got)
	}
	if got := b.ToLuaValue([]byte("raw")); got != glua.LString("raw") {
		t.Errorf("[]byte -> %v", got)
	}

	list, ok := b.ToLuaValue([]string{"a", "b"}).(*glua.LTable)
	if !ok || list.Len() != 2 || list.RawGetInt(2) != glua.LString("b") {
		t.Errorf("[]string -> %v", list)
	}

	args, ok := b.ToLuaValue(plugin.Args{"n": 1, "s": "v"}).(*glua.LTable)
	if !ok || args.RawGetString("n") != glua.LNumber(1) || args.RawGetString("s") != glua.LString("v") {
		t.Errorf("Args -> %v", args)
	}
}

func TestBridgeStructUsesJSONTags(t *testing.T) {
	type result struct {
		Host    string `json:"host"`
		Port    int    `json:"port,omitempty"`
		Hidden  string `json:"-"`
		Plain   bool
		private int
	}
	b := newBridge(t)
	tbl, ok := b.ToLuaValue(&result{Host: "h", Port: 22, Hidden: "x", Plain: true, private: 1}).(*glua.LTable)
	if !ok {
		t.Fatal("struct did not convert to a table")
	}
	if tbl.RawGetString("host") != glua.LString("h") || tbl.RawGetString("port") != glua.LNumber(22) {
		t.Errorf("tagged fields = %v, %v", tbl.RawGetString("host"), tbl.RawGetString("port"))
	}
	if tbl.RawGetString("Plain") != glua.LTrue {
		t.Error("untagged field missing")
	}
	if tbl.RawGetString("Hidden") != glua.LNil || tbl.RawGetString("private") != glua.LNil {
		t.Error("hidden or unexported field converted")
	}
}

func TestBridgeAttachmentRoundTrip(t *testing.T) {
	b := newBridge(t)
	att := &plugin.Attachment{Filename: "notes.txt", Content: []byte("hello")}

	lv := b.ToLuaValue(att)
	tbl, ok := lv.(*glua.LTable)
	if !ok {
		t.Fatalf("attachment -> %T", lv)
	}
	if tbl.RawGetString("filename") != glua.LString("notes.txt") {
		t.Errorf("filename = %v", tbl.RawGetString("filename"))
	}

	back, ok := b.ToAttachment(lv)
	if !ok {
		t.Fatal("ToAttachment failed")
	}
	if back.Filename != att.Filename || string(back.Content) != "hello" {
		t.Errorf("round trip = %+v", back)
	}

	if _, ok := b.ToAttachment(glua.LString("x")); ok {
		t.Error("ToAttachment accepted a string")
	}
	var nilAtt *plugin.Attachment
	if got := b.ToLuaValue(nilAtt); got != glua.LNil {
		t.Errorf("nil attachment -> %v", got)
	}
}
