package bodyrecv

import (
	"net"
	"testing"

	"github.com/smtpsessd/smtpsessd/internal/framer"
)

func receive(t *testing.T, wire string, maxSize int64) (*Result, error) {
	t.Helper()
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c2.Write([]byte(wire))
	}()

	fr := framer.New(c1)
	res, err := Receive(fr, maxSize)
	<-done
	return res, err
}

func TestReceiveSimpleMessage(t *testing.T) {
	wire := "Subject: hello\r\nFrom: a@b.com\r\n\r\nbody line one\r\nbody line two\r\n.\r\n"
	res, err := receive(t, wire, 1<<20)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(res.Headers) != 2 || res.Headers[0].Name != "Subject" || res.Headers[0].Value != "hello" {
		t.Fatalf("unexpected headers: %+v", res.Headers)
	}
	want := "body line one\nbody line two\n"
	if string(res.Body) != want {
		t.Fatalf("body = %q, want %q", res.Body, want)
	}
}

func TestReceiveFoldedHeader(t *testing.T) {
	wire := "Subject: hello\r\n world\r\n\r\nbody\r\n.\r\n"
	res, err := receive(t, wire, 1<<20)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(res.Headers) != 1 || res.Headers[0].Value != "hello world" {
		t.Fatalf("unexpected headers: %+v", res.Headers)
	}
}

func TestReceiveDotUnstuffing(t *testing.T) {
	wire := "Subject: s\r\n\r\n..leading dot\r\nnormal\r\n.\r\n"
	res, err := receive(t, wire, 1<<20)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	want := ".leading dot\nnormal\n"
	if string(res.Body) != want {
		t.Fatalf("body = %q, want %q", res.Body, want)
	}
}

func TestReceiveNoHeaders(t *testing.T) {
	// First line doesn't look like a header: falls straight into body.
	wire := "just a body line, no headers\r\n.\r\n"
	res, err := receive(t, wire, 1<<20)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(res.Headers) != 0 {
		t.Fatalf("unexpected headers: %+v", res.Headers)
	}
	want := "just a body line, no headers\n"
	if string(res.Body) != want {
		t.Fatalf("body = %q, want %q", res.Body, want)
	}
}

func TestReceiveEmptyMessage(t *testing.T) {
	wire := "\r\n.\r\n"
	res, err := receive(t, wire, 1<<20)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(res.Body) != 0 {
		t.Fatalf("expected empty body, got %q", res.Body)
	}
}

func TestReceiveTooLarge(t *testing.T) {
	_, err := receive(t, "Subject: s\r\n\r\naaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa\r\n.\r\n", 10)
	if err != ErrTooLarge {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
}

func TestReceiveInvalidLineEnding(t *testing.T) {
	wire := "Subject: s\r\n\r\nbad\nline\r\n.\r\n"
	_, err := receive(t, wire, 1<<20)
	if err != ErrInvalidLineEnding {
		t.Fatalf("err = %v, want ErrInvalidLineEnding", err)
	}
}
