package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// MaxBodyLen caps a single string or blob when the reader has no budget.
const MaxBodyLen = 64 * 1024 * 1024

var (
	ErrNoMore       = errors.New("wire: read past declared length")
	ErrListOverrun  = errors.New("wire: read past list element count")
	ErrListUnderrun = errors.New("wire: list closed before all elements were read")
	ErrTagMismatch  = errors.New("wire: element tag mismatch")
	ErrBadLength    = errors.New("wire: bad length prefix")
	ErrNotList      = errors.New("wire: element is not a list")
	ErrNoOpenList   = errors.New("wire: no open list")
)

type state struct {
	// tag is the element tag declared by a specialized list header, or 0.
	tag   int32
	count int
	index int
}

// Reader decodes one message from a byte source. The source is bounded by
// the length a framing layer declared; reads past it fail with ErrNoMore.
type Reader struct {
	src      io.Reader
	budget   int
	textMode bool

	states []state

	peeked  bool
	peekTag int32

	scratch [8]byte
}

// NewReader reads at most size bytes from src. A negative size is unbounded.
func NewReader(src io.Reader, size int, textMode bool) *Reader {
	if size < 0 {
		size = -1
	}
	return &Reader{
		src:      src,
		budget:   size,
		textMode: textMode,
		states:   []state{{count: -1}},
	}
}

func NewBytesReader(b []byte, textMode bool) *Reader {
	return NewReader(bytes.NewReader(b), len(b), textMode)
}

func (r *Reader) IsTextMode() bool { return r.textMode }

// Remaining is the unread part of the budget, or -1 when unbounded.
func (r *Reader) Remaining() int { return r.budget }

// NoMore reports whether the declared length has been consumed.
func (r *Reader) NoMore() bool { return r.budget == 0 }

// Depth is the number of open lists.
func (r *Reader) Depth() int { return len(r.states) - 1 }

func (r *Reader) top() *state { return &r.states[len(r.states)-1] }

// ListRemaining is the number of unread elements in the innermost open list,
// or -1 at the top level.
func (r *Reader) ListRemaining() int {
	st := r.top()
	if st.count < 0 {
		return -1
	}
	return st.count - st.index
}

// ElementTag is the tag every element of the open list shares, or 0 when
// elements carry their own tags.
func (r *Reader) ElementTag() int32 { return r.top().tag }

func (r *Reader) readFull(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if r.budget >= 0 && len(p) > r.budget {
		return fmt.Errorf("%w: need %d have %d", ErrNoMore, len(p), r.budget)
	}
	n, err := io.ReadFull(r.src, p)
	if r.budget >= 0 {
		r.budget -= n
	}
	if err != nil {
		if errors.Is(err, io.EOF) && r.budget > 0 {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	return nil
}

// NextTag advances to the next element of the open list and returns its tag.
// In a specialized list the tag comes from the header; otherwise it is read
// off the wire.
func (r *Reader) NextTag() (int32, error) {
	if r.peeked {
		r.peeked = false
		return r.peekTag, nil
	}
	st := r.top()
	if st.count >= 0 && st.index >= st.count {
		return 0, ErrListOverrun
	}
	st.index++
	if st.tag != 0 {
		return st.tag, nil
	}
	return r.Int32Body()
}

// PeekTag returns the next element's tag without consuming it.
func (r *Reader) PeekTag() (int32, error) {
	if r.peeked {
		return r.peekTag, nil
	}
	tag, err := r.NextTag()
	if err != nil {
		return 0, err
	}
	r.peeked = true
	r.peekTag = tag
	return tag, nil
}

// BeginList opens a list whose tag was already consumed and returns its
// element count.
func (r *Reader) BeginList(tag int32) (int, error) {
	if !IsList(tag) {
		return 0, fmt.Errorf("%w: tag %s", ErrNotList, TagName(tag))
	}
	n, err := r.Int32Body()
	if err != nil {
		return 0, err
	}
	if n < 0 || (r.budget >= 0 && int(n) > r.budget) {
		return 0, fmt.Errorf("%w: list count %d", ErrBadLength, n)
	}
	r.states = append(r.states, state{tag: tag & UnitMask, count: int(n)})
	return int(n), nil
}

func (r *Reader) ReadListHeader() (int, error) {
	tag, err := r.NextTag()
	if err != nil {
		return 0, err
	}
	return r.BeginList(tag)
}

// ReadListEnd closes the innermost list. Every declared element must have
// been read.
func (r *Reader) ReadListEnd() error {
	if len(r.states) == 1 {
		return ErrNoOpenList
	}
	if r.peeked {
		return fmt.Errorf("%w: element peeked but not read", ErrListUnderrun)
	}
	st := r.top()
	if st.index != st.count {
		return fmt.Errorf("%w: read %d of %d", ErrListUnderrun, st.index, st.count)
	}
	r.states = r.states[:len(r.states)-1]
	return nil
}

func (r *Reader) Int8Body() (int8, error) {
	if err := r.readFull(r.scratch[:1]); err != nil {
		return 0, err
	}
	return int8(r.scratch[0]), nil
}

func (r *Reader) Int16Body() (int16, error) {
	if err := r.readFull(r.scratch[:2]); err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(r.scratch[:2])), nil
}

func (r *Reader) Int32Body() (int32, error) {
	if err := r.readFull(r.scratch[:4]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(r.scratch[:4])), nil
}

func (r *Reader) Int64Body() (int64, error) {
	if err := r.readFull(r.scratch[:8]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(r.scratch[:8])), nil
}

func (r *Reader) Float32Body() (float32, error) {
	if err := r.readFull(r.scratch[:4]); err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.BigEndian.Uint32(r.scratch[:4])), nil
}

func (r *Reader) Float64Body() (float64, error) {
	if err := r.readFull(r.scratch[:8]); err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(r.scratch[:8])), nil
}

func (r *Reader) lengthPrefix() (int, error) {
	n, err := r.Int32Body()
	if err != nil {
		return 0, err
	}
	if n < 0 || int(n) > MaxBodyLen || (r.budget >= 0 && int(n) > r.budget) {
		return 0, fmt.Errorf("%w: %d", ErrBadLength, n)
	}
	return int(n), nil
}

// StringBody reads a length-prefixed string and strips the trailing NUL.
func (r *Reader) StringBody() (string, error) {
	n, err := r.lengthPrefix()
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if err := r.readFull(buf); err != nil {
		return "", err
	}
	if n > 0 && buf[n-1] == 0 {
		buf = buf[:n-1]
	}
	return string(buf), nil
}

func (r *Reader) BlobBody() ([]byte, error) {
	n, err := r.lengthPrefix()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if err := r.readFull(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (r *Reader) intBody(tag int32) (int64, bool, error) {
	switch tag {
	case TagInt8:
		v, err := r.Int8Body()
		return int64(v), true, err
	case TagInt16:
		v, err := r.Int16Body()
		return int64(v), true, err
	case TagInt32, TagVocab:
		v, err := r.Int32Body()
		return int64(v), true, err
	case TagInt64:
		v, err := r.Int64Body()
		return v, true, err
	}
	return 0, false, nil
}

func mismatch(want string, got int32) error {
	return fmt.Errorf("%w: want %s got %s", ErrTagMismatch, want, TagName(got))
}

// ReadI64 reads any integer element, widening narrower ones.
func (r *Reader) ReadI64() (int64, error) {
	tag, err := r.NextTag()
	if err != nil {
		return 0, err
	}
	v, ok, err := r.intBody(tag)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, mismatch("int", tag)
	}
	return v, nil
}

// ReadI32 reads an integer element that fits in 32 bits.
func (r *Reader) ReadI32() (int32, error) {
	v, err := r.ReadI64()
	if err != nil {
		return 0, err
	}
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %d overflows int32", ErrTagMismatch, v)
	}
	return int32(v), nil
}

func (r *Reader) ReadI16() (int16, error) {
	v, err := r.ReadI64()
	if err != nil {
		return 0, err
	}
	if v < math.MinInt16 || v > math.MaxInt16 {
		return 0, fmt.Errorf("%w: %d overflows int16", ErrTagMismatch, v)
	}
	return int16(v), nil
}

func (r *Reader) ReadI8() (int8, error) {
	v, err := r.ReadI64()
	if err != nil {
		return 0, err
	}
	if v < math.MinInt8 || v > math.MaxInt8 {
		return 0, fmt.Errorf("%w: %d overflows int8", ErrTagMismatch, v)
	}
	return int8(v), nil
}

// ReadFloat64 reads a float element; integers are converted.
func (r *Reader) ReadFloat64() (float64, error) {
	tag, err := r.NextTag()
	if err != nil {
		return 0, err
	}
	switch tag {
	case TagFloat64:
		return r.Float64Body()
	case TagFloat32:
		v, err := r.Float32Body()
		return float64(v), err
	case TagVocab:
		return 0, mismatch("float", tag)
	}
	v, ok, err := r.intBody(tag)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, mismatch("float", tag)
	}
	return float64(v), nil
}

func (r *Reader) ReadFloat32() (float32, error) {
	v, err := r.ReadFloat64()
	return float32(v), err
}

// ReadString reads a string; vocabs and blobs are accepted as text.
func (r *Reader) ReadString() (string, error) {
	tag, err := r.NextTag()
	if err != nil {
		return "", err
	}
	switch tag {
	case TagString:
		return r.StringBody()
	case TagVocab:
		v, err := r.Int32Body()
		return VocabString(v), err
	case TagBlob:
		b, err := r.BlobBody()
		return string(b), err
	}
	return "", mismatch("string", tag)
}

// ReadVocab reads a vocab; strings are packed and plain int32 values pass through.
func (r *Reader) ReadVocab() (int32, error) {
	tag, err := r.NextTag()
	if err != nil {
		return 0, err
	}
	switch tag {
	case TagVocab, TagInt32:
		return r.Int32Body()
	case TagString:
		s, err := r.StringBody()
		return Vocab(s), err
	}
	return 0, mismatch("vocab", tag)
}

func (r *Reader) ReadBlob() ([]byte, error) {
	tag, err := r.NextTag()
	if err != nil {
		return nil, err
	}
	switch tag {
	case TagBlob:
		return r.BlobBody()
	case TagString:
		s, err := r.StringBody()
		return []byte(s), err
	}
	return nil, mismatch("blob", tag)
}

// ReadBool treats vocab 0 and vocab "fail" as false. Integers are true when
// non-zero; strings are false for "", "false", "0" and "fail".
func (r *Reader) ReadBool() (bool, error) {
	tag, err := r.NextTag()
	if err != nil {
		return false, err
	}
	switch tag {
	case TagVocab:
		v, err := r.Int32Body()
		return v != 0 && v != VocabFail, err
	case TagString:
		s, err := r.StringBody()
		return s != "" && s != "false" && s != "0" && s != "fail", err
	}
	v, ok, err := r.intBody(tag)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, mismatch("bool", tag)
	}
	return v != 0, nil
}

// SkipValue consumes the next element, nested lists included.
func (r *Reader) SkipValue() error {
	tag, err := r.NextTag()
	if err != nil {
		return err
	}
	return r.skipBody(tag)
}

func (r *Reader) skipBody(tag int32) error {
	if IsList(tag) {
		n, err := r.BeginList(tag)
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if err := r.SkipValue(); err != nil {
				return err
			}
		}
		return r.ReadListEnd()
	}
	var err error
	switch tag {
	case TagInt8:
		_, err = r.Int8Body()
	case TagInt16:
		_, err = r.Int16Body()
	case TagInt32, TagVocab, TagFloat32:
		_, err = r.Int32Body()
	case TagInt64, TagFloat64:
		_, err = r.Int64Body()
	case TagString, TagBlob:
		_, err = r.BlobBody()
	default:
		err = fmt.Errorf("%w: unknown tag %d", ErrTagMismatch, tag)
	}
	return err
}

// ReadText reads one line and strips its terminator ("\n" or "\r\n").
// io.EOF is returned only when nothing was read.
func (r *Reader) ReadText() (string, error) {
	var line []byte
	for {
		if r.budget == 0 {
			if len(line) == 0 {
				return "", io.EOF
			}
			break
		}
		if err := r.readFull(r.scratch[:1]); err != nil {
			if len(line) > 0 && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
				break
			}
			return "", err
		}
		if r.scratch[0] == '\n' {
			break
		}
		line = append(line, r.scratch[0])
	}
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return string(line), nil
}

// ReadAll returns whatever is left of the budget. An unbounded reader reads
// until EOF.
func (r *Reader) ReadAll() ([]byte, error) {
	if r.budget < 0 {
		return io.ReadAll(r.src)
	}
	buf := make([]byte, r.budget)
	if err := r.readFull(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Drain discards the rest of the budget and returns how many bytes it skipped.
func (r *Reader) Drain() (int, error) {
	if r.budget <= 0 {
		return 0, nil
	}
	n, err := io.CopyN(io.Discard, r.src, int64(r.budget))
	r.budget -= int(n)
	return int(n), err
}
