// Package wire frames typed messages: a Writer that accumulates blocks and a
// Reader that decodes them back against a byte budget.
package wire

import "strings"

// Element tags. A list tag may carry one unit tag when all elements share it.
const (
	TagInt8    int32 = 32
	TagInt16   int32 = 64
	TagInt32   int32 = 1
	TagInt64   int32 = 1 + 16
	TagVocab   int32 = 1 + 8
	TagFloat32 int32 = 128
	TagFloat64 int32 = 2 + 8
	TagString  int32 = 4
	TagBlob    int32 = 4 + 8
	TagList    int32 = 256
	TagDict    int32 = 512

	UnitMask  = TagInt8 | TagInt16 | TagInt32 | TagInt64 | TagFloat32 | TagFloat64 | TagVocab | TagString | TagBlob
	GroupMask = TagList | TagDict
)

func IsList(tag int32) bool {
	return tag&GroupMask != 0
}

func TagName(tag int32) string {
	switch tag {
	case TagInt8:
		return "int8"
	case TagInt16:
		return "int16"
	case TagInt32:
		return "int32"
	case TagInt64:
		return "int64"
	case TagVocab:
		return "vocab"
	case TagFloat32:
		return "float32"
	case TagFloat64:
		return "float64"
	case TagString:
		return "string"
	case TagBlob:
		return "blob"
	}
	if IsList(tag) {
		if sub := tag & UnitMask; sub != 0 {
			return "list<" + TagName(sub) + ">"
		}
		return "list"
	}
	return "unknown"
}

// Vocab packs up to four ASCII bytes into an int32, first byte lowest.
func Vocab(s string) int32 {
	var v uint32
	for i := 0; i < len(s) && i < 4; i++ {
		v |= uint32(s[i]) << (8 * i)
	}
	return int32(v)
}

// VocabString unpacks a vocab, stopping at the first zero byte.
func VocabString(v int32) string {
	var b strings.Builder
	u := uint32(v)
	for i := 0; i < 4; i++ {
		c := byte(u >> (8 * i))
		if c == 0 {
			break
		}
		b.WriteByte(c)
	}
	return b.String()
}

var (
	VocabFail = Vocab("fail")
	VocabOK   = Vocab("ok")
	VocabTrue = int32('1')
)
