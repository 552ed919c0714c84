package carrier

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/portmesh/internal/wire"
)

const (
	// MagicBase is added to a carrier's specifier to form its header number.
	MagicBase = 7777
	// IndexHeaderLen is the length the index magic frame declares.
	IndexHeaderLen = 10
	// MaxSpecifierLen bounds the sender name read during the handshake.
	MaxSpecifierLen = 1000
	// MaxIndexBlocks is the most block lengths one index frame can carry.
	MaxIndexBlocks = 255
	// MaxLineLen bounds one line of a text carrier.
	MaxLineLen = 64 * 1024
)

// EncodeMagic builds the 8-byte frame "YA" + BE int32(n) + "RP".
func EncodeMagic(n int32) [8]byte {
	var b [8]byte
	b[0], b[1] = 'Y', 'A'
	binary.BigEndian.PutUint32(b[2:6], uint32(n))
	b[6], b[7] = 'R', 'P'
	return b
}

func DecodeMagic(b [8]byte) (int32, error) {
	if b[0] != 'Y' || b[1] != 'A' || b[6] != 'R' || b[7] != 'P' {
		return 0, fmt.Errorf("%w: %q", ErrBadMagic, b[:])
	}
	return int32(binary.BigEndian.Uint32(b[2:6])), nil
}

// MagicHeader is the header of a binary carrier with the given specifier.
func MagicHeader(specifier int32) [8]byte {
	return EncodeMagic(MagicBase + specifier)
}

// SpecifierOf returns the specifier encoded in a magic header.
func SpecifierOf(h [8]byte) (int32, error) {
	n, err := DecodeMagic(h)
	if err != nil {
		return 0, err
	}
	return n - MagicBase, nil
}

// ReadHeader reads the first 8 bytes of a new connection.
func ReadHeader(r io.Reader) ([8]byte, error) {
	var h [8]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return h, err
	}
	return h, nil
}

func readMagic(r io.Reader) (int32, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return 0, err
	}
	return DecodeMagic(h)
}

func writeMagic(w io.Writer, n int32) error {
	m := EncodeMagic(n)
	_, err := w.Write(m[:])
	return err
}

// writeSpecifier writes BE length then name and a trailing NUL.
func writeSpecifier(w io.Writer, name string) error {
	buf := make([]byte, 4, 4+len(name)+1)
	binary.BigEndian.PutUint32(buf, uint32(len(name)+1))
	buf = append(buf, name...)
	buf = append(buf, 0)
	_, err := w.Write(buf)
	return err
}

func readSpecifier(r io.Reader) (string, error) {
	var lb [4]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return "", err
	}
	n := int32(binary.BigEndian.Uint32(lb[:]))
	if n <= 0 || n > MaxSpecifierLen {
		return "", fmt.Errorf("%w: length %d", ErrBadSpecifier, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf, "\x00")), nil
}

// indexLengths returns the block lengths to declare for w. Messages with
// more blocks than one index can carry are declared as a single block.
func indexLengths(w *wire.Writer) []int {
	if w.BlockCount() > MaxIndexBlocks {
		return []int{w.Len()}
	}
	blocks := w.Blocks()
	out := make([]int, len(blocks))
	for i, b := range blocks {
		out[i] = len(b)
	}
	return out
}

// writeIndex writes YA(10), [in, out, 0xFF x 8], then in+out BE lengths.
// A single zero-length out entry tells the receiver a reply is expected.
func writeIndex(w io.Writer, lengths []int, replyExpected bool) error {
	if len(lengths) > MaxIndexBlocks {
		return fmt.Errorf("%w: %d blocks", ErrBadIndex, len(lengths))
	}
	out := 0
	if replyExpected {
		out = 1
	}
	buf := make([]byte, 0, 8+IndexHeaderLen+4*(len(lengths)+out))
	m := EncodeMagic(IndexHeaderLen)
	buf = append(buf, m[:]...)
	buf = append(buf, byte(len(lengths)), byte(out))
	buf = append(buf, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
	for _, n := range lengths {
		buf = binary.BigEndian.AppendUint32(buf, uint32(n))
	}
	for i := 0; i < out; i++ {
		buf = binary.BigEndian.AppendUint32(buf, 0)
	}
	_, err := w.Write(buf)
	return err
}

// readIndex returns the declared input block lengths and whether the sender
// expects a reply.
func readIndex(r io.Reader) ([]int, bool, error) {
	n, err := readMagic(r)
	if err != nil {
		return nil, false, err
	}
	if n != IndexHeaderLen {
		return nil, false, fmt.Errorf("%w: header length %d", ErrBadIndex, n)
	}
	var hdr [IndexHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, false, err
	}
	in, out := int(hdr[0]), int(hdr[1])
	lengths := make([]int, in)
	var lb [4]byte
	for i := 0; i < in+out; i++ {
		if _, err := io.ReadFull(r, lb[:]); err != nil {
			return nil, false, err
		}
		v := int32(binary.BigEndian.Uint32(lb[:]))
		if v < 0 {
			return nil, false, fmt.Errorf("%w: negative block length", ErrBadIndex)
		}
		if i < in {
			lengths[i] = int(v)
		}
	}
	return lengths, out > 0, nil
}

func writeAck(w io.Writer) error {
	return writeMagic(w, 0)
}

func readAck(r io.Reader) error {
	n, err := readMagic(r)
	if err != nil {
		if errors.Is(err, ErrBadMagic) {
			return fmt.Errorf("%w: %v", ErrBadAck, err)
		}
		return err
	}
	if n != 0 {
		return fmt.Errorf("%w: declared length %d", ErrBadAck, n)
	}
	return nil
}

// readLine reads one line including its "\n". A final line without a
// terminator is returned with io.EOF swallowed.
func readLine(r io.Reader) ([]byte, error) {
	var line []byte
	var one [1]byte
	for {
		n, err := r.Read(one[:])
		if n == 1 {
			line = append(line, one[0])
			if one[0] == '\n' {
				return line, nil
			}
			if len(line) > MaxLineLen {
				return nil, fmt.Errorf("carrier: line longer than %d bytes", MaxLineLen)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(line) > 0 {
				return line, nil
			}
			return nil, err
		}
	}
}

func trimLine(line []byte) string {
	return string(bytes.TrimRight(line, "\r\n"))
}
