package stream

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/portmesh/internal/testutil/testlog"
)

func TestPipeReadWriteFlush(t *testing.T) {
	testlog.Start(t)
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		_, _ = a.Write([]byte("ping"))
		_ = a.Flush()
	}()
	buf := make([]byte, 4)
	if _, err := io.ReadFull(b, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("unexpected payload: %q", buf)
	}
}

func TestInterruptUnblocksReadOnce(t *testing.T) {
	testlog.Start(t)
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	errCh := make(chan error, 1)
	go func() {
		buf := make([]byte, 1)
		_, err := b.Read(buf)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Interrupt()
		}()
	}
	wg.Wait()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrInterrupted) {
			t.Fatalf("expected ErrInterrupted, got %v", err)
		}
	case <-time.After(5 * PollInterval):
		t.Fatalf("read did not unblock after interrupt")
	}

	select {
	case <-b.Done():
	default:
		t.Fatalf("done channel should be closed")
	}
	if b.IsOK() {
		t.Fatalf("interrupted stream should not report ok")
	}
	if _, err := b.Write([]byte("x")); !errors.Is(err, ErrInterrupted) {
		t.Fatalf("write after interrupt: %v", err)
	}

	b.Reset()
	if !b.IsOK() {
		t.Fatalf("reset stream should be ok")
	}
	go func() {
		_, _ = a.Write([]byte("z"))
		_ = a.Flush()
	}()
	buf := make([]byte, 1)
	if _, err := io.ReadFull(b, buf); err != nil || buf[0] != 'z' {
		t.Fatalf("read after reset: %q %v", buf, err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	testlog.Start(t)
	a, b := Pipe()
	defer b.Close()
	calls := 0
	a.OnClose(func() { calls++ })
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if calls != 1 {
		t.Fatalf("close hook ran %d times", calls)
	}
	if _, err := a.Read(make([]byte, 1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("read after close: %v", err)
	}
}

func TestDatagramRoundTrip(t *testing.T) {
	testlog.Start(t)
	rx, err := ListenDatagram("127.0.0.1")
	if err != nil {
		t.Skipf("udp unavailable: %v", err)
	}
	defer rx.Close()
	tx, err := DialDatagram(rx.Local().Address())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer tx.Close()

	payload := bytes.Repeat([]byte("0123456789"), 7000)
	if _, err := tx.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tx.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(rx, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
	if rx.Remote().Port != tx.Local().Port {
		t.Fatalf("receiver did not learn peer: %v vs %v", rx.Remote(), tx.Local())
	}
}

func datagram(seq uint32, flags byte, payload string) []byte {
	pkt := make([]byte, datagramHeaderLen+len(payload))
	binary.BigEndian.PutUint32(pkt[4:8], seq)
	pkt[8] = flags
	copy(pkt[datagramHeaderLen:], payload)
	binary.BigEndian.PutUint32(pkt[0:4], crc32.ChecksumIEEE(pkt[4:]))
	return pkt
}

func TestDatagramGapResynchronises(t *testing.T) {
	testlog.Start(t)
	s := &DatagramStream{}

	if ok, lost := s.accept(datagram(0, flagMessageStart, "a")); !ok || lost {
		t.Fatalf("first start datagram rejected")
	}
	// seq 1 went missing.
	if ok, lost := s.accept(datagram(2, 0, "c")); ok || !lost {
		t.Fatalf("gap not reported ok=%v lost=%v", ok, lost)
	}
	if ok, lost := s.accept(datagram(3, 0, "d")); ok || lost {
		t.Fatalf("continuation after gap should be skipped silently")
	}
	if ok, lost := s.accept(datagram(4, flagMessageStart, "e")); !ok || lost {
		t.Fatalf("next message start should resync")
	}
	if string(s.rbuf) != "e" {
		t.Fatalf("unexpected staged payload %q", s.rbuf)
	}

	bad := datagram(5, 0, "f")
	bad[len(bad)-1] ^= 0xFF
	if _, lost := s.accept(bad); !lost {
		t.Fatalf("corrupt datagram should count as lost")
	}
}

func TestConsoleLinesAndInterrupt(t *testing.T) {
	testlog.Start(t)
	var out bytes.Buffer
	c := NewConsole(strings.NewReader("hello there\n"), &out, "")
	buf := make([]byte, 64)
	n, err := c.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "hello there\n" {
		t.Fatalf("unexpected line %q", buf[:n])
	}
	if _, err := c.Write([]byte("reply\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if out.String() != "reply\n" {
		t.Fatalf("unexpected console output %q", out.String())
	}

	pr, pw := io.Pipe()
	defer pw.Close()
	blocked := NewConsole(pr, io.Discard, "")
	errCh := make(chan error, 1)
	go func() {
		_, err := blocked.Read(buf)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	blocked.Interrupt()
	blocked.Interrupt()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrInterrupted) {
			t.Fatalf("expected ErrInterrupted, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("console read not interrupted")
	}
}
