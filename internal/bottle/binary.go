package bottle

import (
	"fmt"
	"strings"

	"github.com/danmuck/portmesh/internal/wire"
)

// Write implements wire.Portable. Text-mode writers get one line of text;
// binary writers get the tagged list form.
func (b *Bottle) Write(w *wire.Writer) error {
	if w.IsTextMode() {
		w.AppendLine(b.String())
		return nil
	}
	b.writeBinary(w)
	return nil
}

// Read implements wire.Portable. Text-mode readers parse one line.
func (b *Bottle) Read(r *wire.Reader) error {
	b.Clear()
	if r.IsTextMode() {
		line, err := r.ReadText()
		if err != nil {
			return err
		}
		parsed, err := Parse(line)
		if err != nil {
			return err
		}
		b.items = parsed.items
		return nil
	}
	tag, err := r.NextTag()
	if err != nil {
		return err
	}
	return b.readList(r, tag)
}

// specialization returns the tag shared by every element when the bottle
// is a non-empty run of one primitive type, else 0.
func (b *Bottle) specialization() int32 {
	if len(b.items) == 0 {
		return 0
	}
	tag := b.items[0].tag
	if tag == 0 || wire.IsList(tag) {
		return 0
	}
	for _, v := range b.items[1:] {
		if v.tag != tag {
			return 0
		}
	}
	return tag
}

func (b *Bottle) writeBinary(w *wire.Writer) {
	spec := b.specialization()
	w.AppendInt32(wire.TagList | spec)
	w.AppendInt32(int32(len(b.items)))
	for _, v := range b.items {
		if spec == 0 {
			w.AppendInt32(v.wireTag())
		}
		writeBody(w, v)
	}
}

func writeBody(w *wire.Writer, v Value) {
	switch v.tag {
	case wire.TagInt8:
		w.AppendInt8(int8(v.i))
	case wire.TagInt16:
		w.AppendInt16(int16(v.i))
	case wire.TagInt32, wire.TagVocab:
		w.AppendInt32(int32(v.i))
	case wire.TagInt64:
		w.AppendInt64(v.i)
	case wire.TagFloat32:
		w.AppendFloat32(float32(v.f))
	case wire.TagFloat64:
		w.AppendFloat64(v.f)
	case wire.TagString:
		w.AppendString(v.s)
	case wire.TagBlob:
		w.AppendBytes(v.b)
	case wire.TagList:
		spec := v.list.specialization()
		w.AppendInt32(int32(v.list.Len()))
		for _, inner := range v.list.items {
			if spec == 0 {
				w.AppendInt32(inner.wireTag())
			}
			writeBody(w, inner)
		}
	}
}

// wireTag is the element tag a value carries inside an untyped list.
func (v Value) wireTag() int32 {
	if v.tag == wire.TagList {
		return wire.TagList | v.list.specialization()
	}
	return v.tag
}

func (b *Bottle) readList(r *wire.Reader, tag int32) error {
	n, err := r.BeginList(tag)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		etag, err := r.NextTag()
		if err != nil {
			return err
		}
		v, err := readBody(r, etag)
		if err != nil {
			return err
		}
		b.items = append(b.items, v)
	}
	return r.ReadListEnd()
}

// ReadValue reads the next element of r's open list, nested lists included.
func ReadValue(r *wire.Reader) (Value, error) {
	tag, err := r.NextTag()
	if err != nil {
		return Value{}, err
	}
	return readBody(r, tag)
}

func readBody(r *wire.Reader, tag int32) (Value, error) {
	if wire.IsList(tag) {
		inner := New()
		if err := inner.readList(r, tag); err != nil {
			return Value{}, err
		}
		return List(inner), nil
	}
	switch tag {
	case wire.TagInt8:
		v, err := r.Int8Body()
		return Int8(v), err
	case wire.TagInt16:
		v, err := r.Int16Body()
		return Int16(v), err
	case wire.TagInt32:
		v, err := r.Int32Body()
		return Int32(v), err
	case wire.TagVocab:
		v, err := r.Int32Body()
		return Vocab(v), err
	case wire.TagInt64:
		v, err := r.Int64Body()
		return Int64(v), err
	case wire.TagFloat32:
		v, err := r.Float32Body()
		return Float32(v), err
	case wire.TagFloat64:
		v, err := r.Float64Body()
		return Float64(v), err
	case wire.TagString:
		v, err := r.StringBody()
		return String(v), err
	case wire.TagBlob:
		v, err := r.BlobBody()
		return Value{tag: wire.TagBlob, b: v}, err
	}
	return Value{}, fmt.Errorf("%w: unknown tag %d", wire.ErrTagMismatch, tag)
}

// Bytes returns the binary encoding.
func (b *Bottle) Bytes() []byte {
	w := wire.NewWriter()
	defer w.Release()
	b.writeBinary(w)
	return w.Bytes()
}

// FromBytes decodes the binary encoding.
func FromBytes(data []byte) (*Bottle, error) {
	b := New()
	if err := b.Read(wire.NewBytesReader(data, false)); err != nil {
		return nil, err
	}
	return b, nil
}

// TextConverter turns a text-mode payload into the binary bottle encoding.
// It is the converter text writers use for wire.Writer.ConvertTextMode.
func TextConverter(text string, bin *wire.Writer) error {
	b, err := Parse(strings.TrimRight(text, "\r\n"))
	if err != nil {
		return err
	}
	b.writeBinary(bin)
	return nil
}

// NewTextWriter is a text-mode writer that converts through TextConverter.
func NewTextWriter() *wire.Writer {
	return wire.NewTextWriter(TextConverter)
}
