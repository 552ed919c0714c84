package port

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/portmesh/internal/bottle"
	"github.com/danmuck/portmesh/internal/testutil/testlog"
	"github.com/danmuck/portmesh/internal/wire"
)

func TestDropOldestInboxKeepsNewest(t *testing.T) {
	testlog.Start(t)
	done := make(chan struct{})
	dropped := 0
	b := newInbox(2, true, done, func(*Message) { dropped++ })

	first := &Message{Data: []byte("0"), reply: make(chan *wire.Writer, 1)}
	if err := b.put(first); err != nil {
		t.Fatalf("put: %v", err)
	}
	for i := 1; i < 4; i++ {
		if err := b.put(&Message{Data: []byte{byte('0' + i)}}); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	if dropped != 2 {
		t.Fatalf("dropped=%d want 2", dropped)
	}
	select {
	case w := <-first.reply:
		w.Release()
	default:
		t.Fatalf("evicted request was not answered")
	}
	for _, want := range []string{"2", "3"} {
		m, err := b.get(context.Background(), false)
		if err != nil || m == nil || string(m.Data) != want {
			t.Fatalf("get=%v err=%v want %s", m, err, want)
		}
	}
}

func TestFIFOInboxBlocksUntilRead(t *testing.T) {
	testlog.Start(t)
	done := make(chan struct{})
	b := newInbox(2, false, done, nil)
	for i := 0; i < 2; i++ {
		if err := b.put(&Message{}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	blocked := make(chan error, 1)
	go func() { blocked <- b.put(&Message{Data: []byte("late")}) }()
	select {
	case err := <-blocked:
		t.Fatalf("put on full fifo returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if _, err := b.get(context.Background(), true); err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := <-blocked; err != nil {
		t.Fatalf("blocked put: %v", err)
	}

	close(done)
	if err := b.put(&Message{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("put after close err=%v", err)
	}
}

func TestSplitEnvelope(t *testing.T) {
	testlog.Start(t)
	payload := bottle.Of("a", int32(1)).Bytes()
	env := Envelope{Seq: 7, Time: time.Unix(1700000000, 42)}
	data := append(env.bytes(), payload...)

	got, rest := splitEnvelope(data)
	if got == nil || got.Seq != 7 || !got.Time.Equal(env.Time) {
		t.Fatalf("envelope=%+v", got)
	}
	if !bytes.Equal(rest, payload) {
		t.Fatalf("payload not preserved")
	}

	got, rest = splitEnvelope(payload)
	if got != nil || !bytes.Equal(rest, payload) {
		t.Fatalf("plain payload mistaken for envelope: %+v", got)
	}
	got, rest = splitEnvelope([]byte("hi"))
	if got != nil || string(rest) != "hi" {
		t.Fatalf("short payload: %+v %q", got, rest)
	}
}

func TestTextEncodesPerMode(t *testing.T) {
	testlog.Start(t)
	tw := bottle.NewTextWriter()
	if err := Text("hello\r\n").Write(tw); err != nil {
		t.Fatalf("text write: %v", err)
	}
	if got := string(tw.Payload()); got != "hello\r\n" {
		t.Fatalf("text payload=%q", got)
	}

	bw := wire.NewWriter()
	if err := Text("hello").Write(bw); err != nil {
		t.Fatalf("binary write: %v", err)
	}
	var back Text
	if err := back.Read(wire.NewBytesReader(bw.Bytes(), false)); err != nil || back != "hello" {
		t.Fatalf("binary round trip=%q err=%v", back, err)
	}

	m := &Message{Data: bw.Bytes()}
	if m.Text() != bottle.Of("hello").String() {
		t.Fatalf("message text=%q", m.Text())
	}
	if err := m.Reply(nil); !errors.Is(err, ErrNoReply) {
		t.Fatalf("reply without request err=%v", err)
	}
}
