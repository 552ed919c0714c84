package wire

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/portmesh/internal/testutil/testlog"
)

func TestVocabPacking(t *testing.T) {
	testlog.Start(t)
	require.Equal(t, int32('f')|int32('a')<<8|int32('i')<<16|int32('l')<<24, VocabFail)
	require.Equal(t, "fail", VocabString(VocabFail))
	require.Equal(t, "ok", VocabString(Vocab("ok")))
	require.Equal(t, "abcd", VocabString(Vocab("abcdef")))
}

func TestWriterReaderAtoms(t *testing.T) {
	testlog.Start(t)
	w := NewWriter()
	defer w.Release()

	w.AppendInt32(TagList)
	w.AppendInt32(8)
	w.AppendInt32(TagInt32)
	w.AppendInt32(-7)
	w.AppendInt32(TagInt64)
	w.AppendInt64(1 << 40)
	w.AppendInt32(TagFloat64)
	w.AppendFloat64(2.5)
	w.AppendInt32(TagString)
	w.AppendString("hello")
	w.AppendInt32(TagVocab)
	w.AppendInt32(Vocab("set"))
	w.AppendInt32(TagBlob)
	w.AppendBytes([]byte{0, 1, 2})
	w.AppendInt32(TagInt8)
	w.AppendInt8(-3)
	w.AppendInt32(TagList | TagInt32)
	w.AppendInt32(2)
	w.AppendInt32(10)
	w.AppendInt32(20)

	r := NewBytesReader(w.Bytes(), false)
	n, err := r.ReadListHeader()
	require.NoError(t, err)
	require.Equal(t, 8, n)

	i32, err := r.ReadI32()
	require.NoError(t, err)
	require.Equal(t, int32(-7), i32)

	i64, err := r.ReadI64()
	require.NoError(t, err)
	require.Equal(t, int64(1<<40), i64)

	f, err := r.ReadFloat64()
	require.NoError(t, err)
	require.Equal(t, 2.5, f)

	s, err := r.ReadString()
	require.NoError(t, err)
	require.Equal(t, "hello", s)

	v, err := r.ReadString()
	require.NoError(t, err)
	require.Equal(t, "set", v)

	b, err := r.ReadBlob()
	require.NoError(t, err)
	require.Equal(t, []byte{0, 1, 2}, b)

	wide, err := r.ReadI64()
	require.NoError(t, err)
	require.Equal(t, int64(-3), wide)

	inner, err := r.ReadListHeader()
	require.NoError(t, err)
	require.Equal(t, 2, inner)
	require.Equal(t, TagInt32, r.ElementTag())
	a, err := r.ReadI32()
	require.NoError(t, err)
	c, err := r.ReadI32()
	require.NoError(t, err)
	require.Equal(t, []int32{10, 20}, []int32{a, c})
	require.NoError(t, r.ReadListEnd())

	require.NoError(t, r.ReadListEnd())
	require.True(t, r.NoMore())
}

func TestStringLengthCountsNul(t *testing.T) {
	testlog.Start(t)
	w := NewWriter()
	w.AppendString("abc")
	require.Equal(t, []byte{0, 0, 0, 4, 'a', 'b', 'c', 0}, w.Bytes())
}

func TestReaderListBounds(t *testing.T) {
	testlog.Start(t)
	w := NewWriter()
	w.AppendInt32(TagList | TagInt32)
	w.AppendInt32(2)
	w.AppendInt32(1)
	w.AppendInt32(2)
	w.AppendInt32(3)

	r := NewBytesReader(w.Bytes(), false)
	_, err := r.ReadListHeader()
	require.NoError(t, err)
	_, err = r.ReadI32()
	require.NoError(t, err)
	require.ErrorIs(t, r.ReadListEnd(), ErrListUnderrun)
	_, err = r.ReadI32()
	require.NoError(t, err)
	_, err = r.ReadI32()
	require.ErrorIs(t, err, ErrListOverrun)
	require.NoError(t, r.ReadListEnd())
	require.ErrorIs(t, r.ReadListEnd(), ErrNoOpenList)
}

func TestReaderBudget(t *testing.T) {
	testlog.Start(t)
	src := bytes.NewReader([]byte{0, 0, 0, 1, 0, 0, 0, 9, 0xAA})
	r := NewReader(src, 8, false)
	v, err := r.ReadI32()
	require.NoError(t, err)
	require.Equal(t, int32(9), v)
	require.Equal(t, 0, r.Remaining())
	require.True(t, r.NoMore())
	_, err = r.Int8Body()
	require.ErrorIs(t, err, ErrNoMore)

	r = NewReader(bytes.NewReader([]byte{0, 0, 0, 4, 0, 0, 0, 100, 'x'}), 9, false)
	_, err = r.ReadString()
	require.ErrorIs(t, err, ErrBadLength)
}

func TestReaderTagMismatch(t *testing.T) {
	testlog.Start(t)
	w := NewWriter()
	w.AppendInt32(TagString)
	w.AppendString("x")
	r := NewBytesReader(w.Bytes(), false)
	_, err := r.ReadI32()
	require.ErrorIs(t, err, ErrTagMismatch)
}

func TestReadBoolVocab(t *testing.T) {
	testlog.Start(t)
	w := NewWriter()
	for _, v := range []int32{VocabTrue, 0, VocabFail} {
		w.AppendInt32(TagVocab)
		w.AppendInt32(v)
	}
	r := NewBytesReader(w.Bytes(), false)
	var got []bool
	for i := 0; i < 3; i++ {
		b, err := r.ReadBool()
		require.NoError(t, err)
		got = append(got, b)
	}
	require.Equal(t, []bool{true, false, false}, got)
}

func TestReadTextAndDrain(t *testing.T) {
	testlog.Start(t)
	r := NewBytesReader([]byte("first line\r\nsecond\nrest"), true)
	line, err := r.ReadText()
	require.NoError(t, err)
	require.Equal(t, "first line", line)
	line, err = r.ReadText()
	require.NoError(t, err)
	require.Equal(t, "second", line)
	n, err := r.Drain()
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.True(t, r.NoMore())
}

func TestExternalBlockLifetime(t *testing.T) {
	testlog.Start(t)
	payload := []byte(strings.Repeat("z", 32))
	w := NewWriter()
	w.SetHeader([]byte("HDR"))
	w.AppendInt32(7)
	ext := w.AppendExternalBlock(payload)
	w.AppendInt32(8)

	require.Equal(t, 4, w.BlockCount())
	require.Equal(t, 3, w.HeaderLen())
	require.Equal(t, 3+4+32+4, w.Len())
	require.Equal(t, 32, w.BlockLen(2))

	var sink bytes.Buffer
	_, err := w.WriteTo(&sink)
	require.NoError(t, err)
	require.Equal(t, w.Bytes(), sink.Bytes())

	select {
	case <-ext.Done():
		t.Fatalf("external block released before completion")
	default:
	}
	w.Complete()
	<-ext.Done()
	w.Release()
}

func TestLargeBlockKeepsContent(t *testing.T) {
	testlog.Start(t)
	big := bytes.Repeat([]byte{7}, blockSize*2+5)
	w := NewWriter()
	w.AppendInt32(1)
	w.AppendBlock(big)
	w.AppendInt32(2)
	out := w.Bytes()
	require.Len(t, out, 8+len(big))
	require.Equal(t, big, out[4:4+len(big)])
	w.Release()
}

func TestConvertTextModeRunsOnce(t *testing.T) {
	testlog.Start(t)
	calls := 0
	w := NewTextWriter(func(text string, bin *Writer) error {
		calls++
		bin.AppendInt32(TagString)
		bin.AppendString(strings.TrimSpace(text))
		return nil
	})
	w.AppendLine("hi")
	first, err := w.ConvertTextMode()
	require.NoError(t, err)
	second, err := w.ConvertTextMode()
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 1, calls)

	r := NewBytesReader(first.Bytes(), false)
	s, err := r.ReadString()
	require.NoError(t, err)
	require.Equal(t, "hi", s)

	bin := NewWriter()
	same, err := bin.ConvertTextMode()
	require.NoError(t, err)
	require.Same(t, bin, same)

	_, err = NewTextWriter(nil).ConvertTextMode()
	require.ErrorIs(t, err, ErrNoConverter)
}

func writeWords(w *Writer, words ...string) {
	w.AppendInt32(TagList)
	w.AppendInt32(int32(len(words) + 1))
	for _, word := range words {
		w.AppendInt32(TagString)
		w.AppendString(word)
	}
	w.AppendInt32(TagInt32)
	w.AppendInt32(42)
}

func TestTagReaderJoinsGetPrefix(t *testing.T) {
	testlog.Start(t)
	w := NewWriter()
	writeWords(w, "get", "foo")
	tr := NewTagReader(NewBytesReader(w.Bytes(), false))
	tag, err := tr.ReadTag()
	require.NoError(t, err)
	require.Equal(t, "get_foo", tag)
	require.Equal(t, 1, tr.Remaining())
	v, err := tr.Reader().ReadI32()
	require.NoError(t, err)
	require.Equal(t, int32(42), v)
	require.NoError(t, tr.Done())

	w = NewWriter()
	writeWords(w, "query", "/x")
	tr = NewTagReader(NewBytesReader(w.Bytes(), false))
	tag, err = tr.ReadTag()
	require.NoError(t, err)
	require.Equal(t, "query", tag)
	require.Equal(t, 2, tr.Remaining())
	require.NoError(t, tr.Done())

	w = NewWriter()
	writeWords(w, "get")
	tr = NewTagReader(NewBytesReader(w.Bytes(), false))
	tag, err = tr.ReadTag()
	require.NoError(t, err)
	require.Equal(t, "get", tag)
	require.NoError(t, tr.Done())
}

func TestWriteFail(t *testing.T) {
	testlog.Start(t)
	w := NewWriter()
	WriteFail(w)
	r := NewBytesReader(w.Bytes(), false)
	n, err := r.ReadListHeader()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	ok, err := r.ReadBool()
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, r.ReadListEnd())
}
