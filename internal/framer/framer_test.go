package framer

import (
	"errors"
	"net"
	"testing"
	"time"
)

func TestReadLine(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	go func() {
		c2.Write([]byte("HELO host.example\r\n"))
	}()

	fr := New(c1)
	line, err := fr.ReadLine(time.Second)
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if line != "HELO host.example\r\n" {
		t.Fatalf("got %q", line)
	}
}

func TestReadRawStepsUpAndDown(t *testing.T) {
	fr := &Framer{}
	if fr.Ceiling() != 0 {
		t.Fatalf("initial ceiling = %d, want 0", fr.Ceiling())
	}

	// Three non-empty reads should promote past the zero-ceiling step.
	fr.noteNonEmptyRead()
	fr.noteNonEmptyRead()
	if fr.Ceiling() != 0 {
		t.Fatalf("ceiling after 2 reads = %d, want 0", fr.Ceiling())
	}
	fr.noteNonEmptyRead()
	if fr.Ceiling() != 8192 {
		t.Fatalf("ceiling after 3 reads = %d, want 8192", fr.Ceiling())
	}

	for i := 0; i < 5; i++ {
		fr.noteNonEmptyRead()
	}
	if fr.Ceiling() != 65536 {
		t.Fatalf("ceiling after 5 more reads = %d, want 65536", fr.Ceiling())
	}

	fr.stepDown()
	if fr.Ceiling() != 8192 {
		t.Fatalf("ceiling after step-down = %d, want 8192", fr.Ceiling())
	}
}

func TestReadRawTimeoutStepsDown(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	fr := New(c1)
	fr.stepIdx = 2 // 65536

	_, err := fr.ReadRaw(10 * time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("expected a net timeout error, got %v", err)
	}
	if fr.Ceiling() != 8192 {
		t.Fatalf("ceiling after timeout = %d, want 8192 (stepped down)", fr.Ceiling())
	}
}
