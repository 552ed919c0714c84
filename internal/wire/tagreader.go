package wire

// DefaultGetPrefixes are the words that join with the following word to form
// one command tag.
var DefaultGetPrefixes = []string{"get", "set", "is"}

// TagReader reads RPC-style requests whose first list element names the
// method. Multi-word methods are joined: ("get" "foo" ...) reads as "get_foo".
type TagReader struct {
	r        *Reader
	prefixes []string
	opened   bool
	failed   bool
}

func NewTagReader(r *Reader, prefixes ...string) *TagReader {
	if len(prefixes) == 0 {
		prefixes = DefaultGetPrefixes
	}
	return &TagReader{r: r, prefixes: prefixes}
}

func (t *TagReader) Reader() *Reader { return t.r }

func (t *TagReader) isPrefix(word string) bool {
	for _, p := range t.prefixes {
		if p == word {
			return true
		}
	}
	return false
}

func isWord(tag int32) bool {
	return tag == TagString || tag == TagVocab
}

// ReadTag opens the request list and returns the method tag. An empty list or
// a list that does not start with a word yields "".
func (t *TagReader) ReadTag() (string, error) {
	if !t.opened {
		if _, err := t.r.ReadListHeader(); err != nil {
			return "", err
		}
		t.opened = true
	}
	if t.r.ListRemaining() == 0 {
		return "", nil
	}
	tag, err := t.r.PeekTag()
	if err != nil {
		return "", err
	}
	if !isWord(tag) {
		return "", nil
	}
	word, err := t.r.ReadString()
	if err != nil {
		return "", err
	}
	if !t.isPrefix(word) || t.r.ListRemaining() == 0 {
		return word, nil
	}
	tag, err = t.r.PeekTag()
	if err != nil {
		return "", err
	}
	if !isWord(tag) {
		return word, nil
	}
	next, err := t.r.ReadString()
	if err != nil {
		return "", err
	}
	return word + "_" + next, nil
}

// Remaining is the number of unread arguments.
func (t *TagReader) Remaining() int {
	n := t.r.ListRemaining()
	if n < 0 {
		return 0
	}
	return n
}

func (t *TagReader) Fail()        { t.failed = true }
func (t *TagReader) Failed() bool { return t.failed }

// Done skips unread arguments and closes the request list.
func (t *TagReader) Done() error {
	if !t.opened {
		return nil
	}
	for t.r.peeked || t.r.ListRemaining() > 0 {
		if err := t.r.SkipValue(); err != nil {
			return err
		}
	}
	t.opened = false
	return t.r.ReadListEnd()
}

// WriteFail writes the standard failure reply, a one-element list [fail].
func WriteFail(w *Writer) {
	WriteVocabReply(w, VocabFail)
}

func WriteVocabReply(w *Writer, v int32) {
	w.AppendInt32(TagList | TagVocab)
	w.AppendInt32(1)
	w.AppendInt32(v)
}
