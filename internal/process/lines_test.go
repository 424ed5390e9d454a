package process

import (
	"bytes"
	"strings"
	"testing"
)

func TestLineWriterSplitsAcrossWrites(t *testing.T) {
	ch := make(chan Line, 16)
	var tee bytes.Buffer
	w := &lineWriter{stream: Stderr, out: ch, tee: &tee}
	for _, chunk := range []string{"par", "tial\r\nsec", "ond\n", "tail"} {
		if _, err := w.Write([]byte(chunk)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	w.flush()
	close(ch)
	var got []string
	for l := range ch {
		if l.Stream != Stderr {
			t.Fatalf("stream = %v", l.Stream)
		}
		got = append(got, l.Text)
	}
	if strings.Join(got, "|") != "partial|second|tail" {
		t.Fatalf("lines = %q", got)
	}
	if tee.String() != "partial\r\nsecond\ntail" {
		t.Fatalf("tee = %q", tee.String())
	}
	// writes after flush are dropped
	if n, _ := w.Write([]byte("late\n")); n != 5 {
		t.Fatalf("late write n=%d", n)
	}
}

func TestLineWriterCapsLongLines(t *testing.T) {
	ch := make(chan Line, 4)
	w := &lineWriter{stream: Stdout, out: ch}
	_, _ = w.Write(bytes.Repeat([]byte("x"), maxLine+10))
	if l := <-ch; len(l.Text) != maxLine+10 {
		t.Fatalf("long line len = %d", len(l.Text))
	}
}

func TestStreamString(t *testing.T) {
	if Stdout.String() != "stdout" || Stderr.String() != "stderr" {
		t.Fatalf("stream names")
	}
	if Interrupt.String() != "interrupt" || Kill.String() != "kill" {
		t.Fatalf("signal names")
	}
}
