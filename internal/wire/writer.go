package wire

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sync"
)

const blockSize = 4096

var ErrNoConverter = errors.New("wire: text converter not configured")

var blockPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, blockSize)
		return &b
	},
}

// Portable is anything that can serialize itself through a Writer and Reader.
type Portable interface {
	Write(w *Writer) error
	Read(r *Reader) error
}

// TextConverter re-encodes a text-mode payload into binary form.
type TextConverter func(text string, bin *Writer) error

// External is a borrowed block appended with AppendExternalBlock. The caller
// owns the backing array and must not modify or reuse it until Done is closed.
type External struct {
	data []byte
	once sync.Once
	done chan struct{}
}

func (e *External) Done() <-chan struct{} { return e.done }

func (e *External) complete() {
	e.once.Do(func() { close(e.done) })
}

// Writer accumulates one message as a list of blocks plus a separate header.
// It is owned by a single message; nothing inside it is locked.
type Writer struct {
	textMode  bool
	converter TextConverter

	header []byte
	blocks [][]byte
	pooled []*[]byte
	// cur is the index of the pooled block still open for appends, or -1.
	cur int

	external []*External

	converted  bool
	binary     *Writer
	convertErr error

	released bool
}

func NewWriter() *Writer {
	return &Writer{cur: -1}
}

// NewTextWriter returns a text-mode writer. conv is used by ConvertTextMode.
func NewTextWriter(conv TextConverter) *Writer {
	return &Writer{cur: -1, textMode: true, converter: conv}
}

func (w *Writer) IsTextMode() bool { return w.textMode }

func (w *Writer) SetTextConverter(conv TextConverter) { w.converter = conv }

// SetHeader replaces the header block. The header travels before the payload
// blocks and counts as its own block.
func (w *Writer) SetHeader(b []byte) {
	w.header = append(w.header[:0], b...)
}

func (w *Writer) Header() []byte { return w.header }

func (w *Writer) AppendInt8(v int8) {
	w.room(1)
	w.blocks[w.cur] = append(w.blocks[w.cur], byte(v))
}

func (w *Writer) AppendInt16(v int16) {
	w.room(2)
	w.blocks[w.cur] = binary.BigEndian.AppendUint16(w.blocks[w.cur], uint16(v))
}

func (w *Writer) AppendInt32(v int32) {
	w.room(4)
	w.blocks[w.cur] = binary.BigEndian.AppendUint32(w.blocks[w.cur], uint32(v))
}

func (w *Writer) AppendInt64(v int64) {
	w.room(8)
	w.blocks[w.cur] = binary.BigEndian.AppendUint64(w.blocks[w.cur], uint64(v))
}

func (w *Writer) AppendFloat32(v float32) {
	w.room(4)
	w.blocks[w.cur] = binary.BigEndian.AppendUint32(w.blocks[w.cur], math.Float32bits(v))
}

func (w *Writer) AppendFloat64(v float64) {
	w.room(8)
	w.blocks[w.cur] = binary.BigEndian.AppendUint64(w.blocks[w.cur], math.Float64bits(v))
}

// AppendBlock copies b into the message.
func (w *Writer) AppendBlock(b []byte) {
	if len(b) == 0 {
		return
	}
	if len(b) >= blockSize {
		own := make([]byte, len(b))
		copy(own, b)
		w.blocks = append(w.blocks, own)
		w.cur = -1
		return
	}
	w.room(len(b))
	w.blocks[w.cur] = append(w.blocks[w.cur], b...)
}

// AppendExternalBlock stores a reference to b without copying. b must stay
// unchanged until the returned handle's Done channel is closed, which happens
// when the message owner calls Complete after every transport write finished.
func (w *Writer) AppendExternalBlock(b []byte) *External {
	ext := &External{data: b, done: make(chan struct{})}
	w.external = append(w.external, ext)
	if len(b) > 0 {
		w.blocks = append(w.blocks, b)
	}
	w.cur = -1
	return ext
}

// AppendString writes a length-prefixed string; the length counts a trailing NUL.
func (w *Writer) AppendString(s string) {
	w.AppendInt32(int32(len(s) + 1))
	if len(s)+1 >= blockSize {
		own := make([]byte, len(s)+1)
		copy(own, s)
		w.blocks = append(w.blocks, own)
		w.cur = -1
		return
	}
	w.room(len(s) + 1)
	w.blocks[w.cur] = append(append(w.blocks[w.cur], s...), 0)
}

// AppendBytes writes a length-prefixed blob.
func (w *Writer) AppendBytes(b []byte) {
	w.AppendInt32(int32(len(b)))
	w.AppendBlock(b)
}

func (w *Writer) AppendText(s string) {
	if len(s) == 0 {
		return
	}
	w.AppendBlock([]byte(s))
}

func (w *Writer) AppendLine(s string) {
	w.AppendText(s + "\n")
}

func (w *Writer) room(n int) {
	if w.cur >= 0 && cap(w.blocks[w.cur])-len(w.blocks[w.cur]) >= n {
		return
	}
	ptr := blockPool.Get().(*[]byte)
	w.pooled = append(w.pooled, ptr)
	w.blocks = append(w.blocks, (*ptr)[:0])
	w.cur = len(w.blocks) - 1
}

// Len is the total number of bytes, header included.
func (w *Writer) Len() int {
	n := len(w.header)
	for _, b := range w.blocks {
		n += len(b)
	}
	return n
}

func (w *Writer) HeaderLen() int { return len(w.header) }

// BlockCount counts the header (when set) and every payload block.
func (w *Writer) BlockCount() int {
	n := len(w.blocks)
	if len(w.header) > 0 {
		n++
	}
	return n
}

func (w *Writer) BlockLen(i int) int {
	return len(w.Blocks()[i])
}

// Blocks returns the header first, then payload blocks. The slices alias the
// writer's storage.
func (w *Writer) Blocks() [][]byte {
	if len(w.header) == 0 {
		return w.blocks
	}
	out := make([][]byte, 0, len(w.blocks)+1)
	out = append(out, w.header)
	return append(out, w.blocks...)
}

// Bytes returns a contiguous copy of every block.
func (w *Writer) Bytes() []byte {
	out := make([]byte, 0, w.Len())
	for _, b := range w.Blocks() {
		out = append(out, b...)
	}
	return out
}

// Payload returns a contiguous copy of the payload blocks only.
func (w *Writer) Payload() []byte {
	out := make([]byte, 0, w.Len()-len(w.header))
	for _, b := range w.blocks {
		out = append(out, b...)
	}
	return out
}

func (w *Writer) WriteTo(dst io.Writer) (int64, error) {
	var total int64
	for _, b := range w.Blocks() {
		n, err := dst.Write(b)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ConvertTextMode returns the binary form of a text-mode message. The
// conversion runs at most once; later calls return the memoized result.
// Binary writers return themselves.
func (w *Writer) ConvertTextMode() (*Writer, error) {
	if !w.textMode {
		return w, nil
	}
	if w.converted {
		return w.binary, w.convertErr
	}
	w.converted = true
	if w.converter == nil {
		w.convertErr = ErrNoConverter
		return nil, w.convertErr
	}
	bin := NewWriter()
	bin.SetHeader(w.header)
	if err := w.converter(string(w.Payload()), bin); err != nil {
		bin.Release()
		w.convertErr = err
		return nil, err
	}
	w.binary = bin
	return bin, nil
}

// Complete signals every external block that the transport is finished with it.
func (w *Writer) Complete() {
	for _, ext := range w.external {
		ext.complete()
	}
	if w.binary != nil {
		w.binary.Complete()
	}
}

// Release completes external blocks and returns pooled storage. The writer
// must not be used afterwards.
func (w *Writer) Release() {
	if w.released {
		return
	}
	w.released = true
	w.Complete()
	for _, ptr := range w.pooled {
		*ptr = (*ptr)[:0]
		blockPool.Put(ptr)
	}
	w.pooled = nil
	w.blocks = nil
	w.cur = -1
	if w.binary != nil {
		w.binary.Release()
	}
}
