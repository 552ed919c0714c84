package bottle

import (
	"bytes"
	"math"

	"github.com/danmuck/portmesh/internal/wire"
)

// Value is one element of a Bottle. The zero Value is empty and is what
// lookups return when nothing matched.
type Value struct {
	tag  int32
	i    int64
	f    float64
	s    string
	b    []byte
	list *Bottle
}

func Int8(v int8) Value       { return Value{tag: wire.TagInt8, i: int64(v)} }
func Int16(v int16) Value     { return Value{tag: wire.TagInt16, i: int64(v)} }
func Int32(v int32) Value     { return Value{tag: wire.TagInt32, i: int64(v)} }
func Int64(v int64) Value     { return Value{tag: wire.TagInt64, i: v} }
func Float32(v float32) Value { return Value{tag: wire.TagFloat32, f: float64(v)} }
func Float64(v float64) Value { return Value{tag: wire.TagFloat64, f: v} }
func String(s string) Value   { return Value{tag: wire.TagString, s: s} }
func Vocab(v int32) Value     { return Value{tag: wire.TagVocab, i: int64(v)} }

// VocabOf packs s (up to four bytes) into a vocab.
func VocabOf(s string) Value { return Vocab(wire.Vocab(s)) }

func Blob(b []byte) Value {
	return Value{tag: wire.TagBlob, b: append([]byte(nil), b...)}
}

func List(b *Bottle) Value {
	if b == nil {
		b = New()
	}
	return Value{tag: wire.TagList, list: b}
}

func Bool(v bool) Value {
	if v {
		return Vocab(wire.VocabTrue)
	}
	return Vocab(0)
}

func (v Value) Tag() int32     { return v.tag }
func (v Value) IsNull() bool   { return v.tag == 0 }
func (v Value) IsList() bool   { return v.tag == wire.TagList }
func (v Value) IsString() bool { return v.tag == wire.TagString }
func (v Value) IsVocab() bool  { return v.tag == wire.TagVocab }
func (v Value) IsBlob() bool   { return v.tag == wire.TagBlob }
func (v Value) IsFloat() bool  { return v.tag == wire.TagFloat64 || v.tag == wire.TagFloat32 }

func (v Value) IsInt() bool {
	switch v.tag {
	case wire.TagInt8, wire.TagInt16, wire.TagInt32, wire.TagInt64:
		return true
	}
	return false
}

// IsWord is true for strings and vocabs, the two forms usable as keys.
func (v Value) IsWord() bool { return v.IsString() || v.IsVocab() }

func (v Value) AsInt64() int64 {
	switch {
	case v.IsInt(), v.IsVocab():
		return v.i
	case v.IsFloat():
		return int64(v.f)
	}
	return 0
}

func (v Value) AsInt32() int32 {
	n := v.AsInt64()
	if n > math.MaxInt32 || n < math.MinInt32 {
		return 0
	}
	return int32(n)
}

func (v Value) AsFloat64() float64 {
	if v.IsFloat() {
		return v.f
	}
	if v.IsInt() {
		return float64(v.i)
	}
	return 0
}

func (v Value) AsString() string {
	switch v.tag {
	case wire.TagString:
		return v.s
	case wire.TagVocab:
		return wire.VocabString(int32(v.i))
	case wire.TagBlob:
		return string(v.b)
	}
	return ""
}

func (v Value) AsVocab() int32 {
	switch v.tag {
	case wire.TagVocab, wire.TagInt32:
		return int32(v.i)
	case wire.TagString:
		return wire.Vocab(v.s)
	}
	return 0
}

func (v Value) AsBlob() []byte {
	switch v.tag {
	case wire.TagBlob:
		return v.b
	case wire.TagString:
		return []byte(v.s)
	}
	return nil
}

// AsList returns the nested bottle, or nil when v is not a list.
func (v Value) AsList() *Bottle {
	if v.tag != wire.TagList {
		return nil
	}
	return v.list
}

// AsBool follows the wire convention: vocab 0 and vocab "fail" are false.
func (v Value) AsBool() bool {
	switch {
	case v.IsVocab():
		return v.i != 0 && int32(v.i) != wire.VocabFail
	case v.IsInt():
		return v.i != 0
	case v.IsFloat():
		return v.f != 0
	case v.IsString():
		return v.s != "" && v.s != "false" && v.s != "0" && v.s != "fail"
	}
	return false
}

// Equal compares tag and content. Lists compare element-wise.
func (v Value) Equal(o Value) bool {
	if v.tag != o.tag {
		return false
	}
	switch v.tag {
	case wire.TagFloat32, wire.TagFloat64:
		if math.IsNaN(v.f) && math.IsNaN(o.f) {
			return true
		}
		return v.f == o.f
	case wire.TagString:
		return v.s == o.s
	case wire.TagBlob:
		return bytes.Equal(v.b, o.b)
	case wire.TagList:
		return v.list.Equal(o.list)
	}
	return v.i == o.i
}

func (v Value) String() string {
	var buf bytes.Buffer
	writeValueText(&buf, v)
	return buf.String()
}
