// Package bottle is the message model carried by ports: an ordered list of
// typed values that serializes to the tagged binary form or a readable text
// form such as `1 2 (nested "list") [vocb] {0 255}`.
package bottle

// Bottle is an ordered list of values.
type Bottle struct {
	items []Value
}

func New(values ...Value) *Bottle {
	b := &Bottle{}
	b.items = append(b.items, values...)
	return b
}

// Of builds a bottle from Go values. Unsupported types are skipped.
func Of(values ...any) *Bottle {
	b := New()
	for _, raw := range values {
		switch v := raw.(type) {
		case Value:
			b.Add(v)
		case int:
			b.AddInt(int64(v))
		case int32:
			b.AddInt32(v)
		case int64:
			b.AddInt64(v)
		case float64:
			b.AddFloat64(v)
		case string:
			b.AddString(v)
		case bool:
			b.Add(Bool(v))
		case []byte:
			b.AddBlob(v)
		case *Bottle:
			b.Add(List(v))
		}
	}
	return b
}

func (b *Bottle) Len() int { return len(b.items) }

// Get returns the i-th value or the empty Value when out of range.
func (b *Bottle) Get(i int) Value {
	if i < 0 || i >= len(b.items) {
		return Value{}
	}
	return b.items[i]
}

func (b *Bottle) Values() []Value { return b.items }

func (b *Bottle) Clear() { b.items = b.items[:0] }

func (b *Bottle) Add(v Value) *Bottle {
	b.items = append(b.items, v)
	return b
}

// AddInt stores v as int32 when it fits and as int64 otherwise.
func (b *Bottle) AddInt(v int64) *Bottle {
	if v >= -1<<31 && v < 1<<31 {
		return b.Add(Int32(int32(v)))
	}
	return b.Add(Int64(v))
}

func (b *Bottle) AddInt32(v int32) *Bottle     { return b.Add(Int32(v)) }
func (b *Bottle) AddInt64(v int64) *Bottle     { return b.Add(Int64(v)) }
func (b *Bottle) AddFloat64(v float64) *Bottle { return b.Add(Float64(v)) }
func (b *Bottle) AddString(s string) *Bottle   { return b.Add(String(s)) }
func (b *Bottle) AddVocab(s string) *Bottle    { return b.Add(VocabOf(s)) }
func (b *Bottle) AddBlob(p []byte) *Bottle     { return b.Add(Blob(p)) }

// AddList appends an empty nested list and returns it for filling.
func (b *Bottle) AddList() *Bottle {
	inner := New()
	b.Add(List(inner))
	return inner
}

// Find looks up a property by key. It matches a nested list whose first
// element is key, returning the list's second element (or the rest of the
// list when it has more), or a bare key word followed by its value.
func (b *Bottle) Find(key string) (Value, bool) {
	for i, v := range b.items {
		if inner := v.AsList(); inner != nil && inner.Len() > 0 && inner.Get(0).IsWord() && inner.Get(0).AsString() == key {
			if inner.Len() == 2 {
				return inner.Get(1), true
			}
			return List(New(inner.items[1:]...)), true
		}
		if v.IsWord() && v.AsString() == key && i+1 < len(b.items) {
			return b.items[i+1], true
		}
	}
	return Value{}, false
}

// FindGroup returns the nested list whose first element is key.
func (b *Bottle) FindGroup(key string) *Bottle {
	for _, v := range b.items {
		if inner := v.AsList(); inner != nil && inner.Len() > 0 && inner.Get(0).AsString() == key {
			return inner
		}
	}
	return nil
}

func (b *Bottle) Equal(o *Bottle) bool {
	if b == nil || o == nil {
		return b.size() == o.size()
	}
	if len(b.items) != len(o.items) {
		return false
	}
	for i := range b.items {
		if !b.items[i].Equal(o.items[i]) {
			return false
		}
	}
	return true
}

func (b *Bottle) size() int {
	if b == nil {
		return 0
	}
	return len(b.items)
}

// Copy returns a deep copy.
func (b *Bottle) Copy() *Bottle {
	out := New()
	for _, v := range b.items {
		switch {
		case v.IsList():
			out.Add(List(v.list.Copy()))
		case v.IsBlob():
			out.Add(Blob(v.b))
		default:
			out.Add(v)
		}
	}
	return out
}
