package bottle

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/danmuck/portmesh/internal/wire"
)

var ErrSyntax = errors.New("bottle: text syntax error")

// String renders the bottle as text, elements separated by single spaces.
func (b *Bottle) String() string {
	var buf bytes.Buffer
	writeListText(&buf, b)
	return buf.String()
}

func writeListText(buf *bytes.Buffer, b *Bottle) {
	for i, v := range b.Values() {
		if i > 0 {
			buf.WriteByte(' ')
		}
		writeValueText(buf, v)
	}
}

func writeValueText(buf *bytes.Buffer, v Value) {
	switch {
	case v.IsNull():
	case v.IsInt():
		buf.WriteString(strconv.FormatInt(v.i, 10))
		// Small int64 values keep their width through a text round trip.
		if v.tag == wire.TagInt64 && v.i >= math.MinInt32 && v.i <= math.MaxInt32 {
			buf.WriteByte('L')
		}
	case v.IsFloat():
		buf.WriteString(formatFloat(v.f))
	case v.IsVocab():
		switch int32(v.i) {
		case wire.VocabTrue:
			buf.WriteString("true")
		case 0:
			buf.WriteString("false")
		default:
			buf.WriteByte('[')
			buf.WriteString(wire.VocabString(int32(v.i)))
			buf.WriteByte(']')
		}
	case v.IsString():
		writeStringText(buf, v.s)
	case v.IsBlob():
		buf.WriteByte('{')
		for i, c := range v.b {
			if i > 0 {
				buf.WriteByte(' ')
			}
			buf.WriteString(strconv.Itoa(int(c)))
		}
		buf.WriteByte('}')
	case v.IsList():
		buf.WriteByte('(')
		writeListText(buf, v.list)
		buf.WriteByte(')')
	}
}

// formatFloat always yields a token the parser reads back as a float.
func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

func needsQuotes(s string) bool {
	if s == "" {
		return true
	}
	if _, ok := parseAtom(s); ok {
		return true
	}
	if c := s[0]; c == '[' || c == '{' || c == '(' {
		return true
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c >= 0x7f || strings.IndexByte("()[]{}\"\\;", c) >= 0 {
			return true
		}
	}
	return false
}

func writeStringText(buf *bytes.Buffer, s string) {
	if !needsQuotes(s) {
		buf.WriteString(s)
		return
	}
	buf.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case 0:
			buf.WriteString(`\0`)
		case '\\':
			buf.WriteString(`\\`)
		case '"':
			buf.WriteString(`\"`)
		default:
			buf.WriteByte(c)
		}
	}
	buf.WriteByte('"')
}

// parseAtom reads a bare token as a number or boolean.
func parseAtom(tok string) (Value, bool) {
	if tok == "" {
		return Value{}, false
	}
	switch tok {
	case "true":
		return Bool(true), true
	case "false":
		return Bool(false), true
	}
	if n, err := strconv.ParseInt(tok, 10, 64); err == nil {
		if n >= math.MinInt32 && n <= math.MaxInt32 {
			return Int32(int32(n)), true
		}
		return Int64(n), true
	}
	if digits, ok := strings.CutSuffix(tok, "L"); ok {
		if n, err := strconv.ParseInt(digits, 10, 64); err == nil {
			return Int64(n), true
		}
	}
	switch strings.ToLower(tok) {
	case "inf", "+inf":
		return Float64(math.Inf(1)), true
	case "-inf":
		return Float64(math.Inf(-1)), true
	case "nan":
		return Float64(math.NaN()), true
	}
	if c := tok[0]; (c >= '0' && c <= '9') || c == '-' || c == '+' || c == '.' {
		if f, err := strconv.ParseFloat(tok, 64); err == nil {
			return Float64(f), true
		}
	}
	return Value{}, false
}

// Parse reads the text form. Unquoted words that are not numbers or
// booleans become strings.
func Parse(text string) (*Bottle, error) {
	p := &parser{src: text}
	b, err := p.list(0)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// MustParse is Parse for literals in tests and examples.
func MustParse(text string) *Bottle {
	b, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return b
}

type parser struct {
	src string
	pos int
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w at %d: %s", ErrSyntax, p.pos, fmt.Sprintf(format, args...))
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ', '\t', '\r', '\n':
			p.pos++
		default:
			return
		}
	}
}

// list parses values until the closing byte (0 for end of input).
func (p *parser) list(closing byte) (*Bottle, error) {
	b := New()
	for {
		p.skipSpace()
		if p.pos >= len(p.src) {
			if closing != 0 {
				return nil, p.errorf("missing %q", closing)
			}
			return b, nil
		}
		c := p.src[p.pos]
		if c == closing {
			p.pos++
			return b, nil
		}
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		b.Add(v)
	}
}

func (p *parser) value() (Value, error) {
	switch c := p.src[p.pos]; c {
	case '(':
		p.pos++
		inner, err := p.list(')')
		if err != nil {
			return Value{}, err
		}
		return List(inner), nil
	case '"':
		return p.quoted()
	case '[':
		end := strings.IndexByte(p.src[p.pos:], ']')
		if end < 0 {
			return Value{}, p.errorf("unterminated vocab")
		}
		word := p.src[p.pos+1 : p.pos+end]
		p.pos += end + 1
		if len(word) > 4 {
			return Value{}, p.errorf("vocab %q longer than 4 bytes", word)
		}
		return VocabOf(word), nil
	case '{':
		return p.blob()
	case ')', ']', '}':
		return Value{}, p.errorf("unexpected %q", c)
	}
	tok := p.token()
	if v, ok := parseAtom(tok); ok {
		return v, nil
	}
	return String(tok), nil
}

func (p *parser) token() string {
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == ' ' || c == '\t' || c == '\r' || c == '\n' || c == '(' || c == ')' || c == '"' {
			break
		}
		p.pos++
	}
	return p.src[start:p.pos]
}

func (p *parser) quoted() (Value, error) {
	p.pos++
	var sb strings.Builder
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		p.pos++
		switch c {
		case '"':
			return String(sb.String()), nil
		case '\\':
			if p.pos >= len(p.src) {
				return Value{}, p.errorf("dangling escape")
			}
			e := p.src[p.pos]
			p.pos++
			switch e {
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			case '0':
				sb.WriteByte(0)
			default:
				sb.WriteByte(e)
			}
		default:
			sb.WriteByte(c)
		}
	}
	return Value{}, p.errorf("unterminated string")
}

func (p *parser) blob() (Value, error) {
	end := strings.IndexByte(p.src[p.pos:], '}')
	if end < 0 {
		return Value{}, p.errorf("unterminated blob")
	}
	body := p.src[p.pos+1 : p.pos+end]
	p.pos += end + 1
	fields := strings.Fields(body)
	out := make([]byte, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 || n > 255 {
			return Value{}, p.errorf("bad blob byte %q", f)
		}
		out = append(out, byte(n))
	}
	return Value{tag: wire.TagBlob, b: out}, nil
}
