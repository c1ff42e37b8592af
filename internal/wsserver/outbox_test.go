package wsserver

import (
	"testing"
)

func TestOutboxPushPopRelease(t *testing.T) {
	o := NewOutbox()
	if err := o.Push([]byte("hello")); err != nil {
		t.Fatalf("push: %v", err)
	}
	if got := o.Bytes(); got != 5 {
		t.Fatalf("bytes after push: got %d, want 5", got)
	}

	b, ok := o.Pop()
	if !ok || string(b) != "hello" {
		t.Fatalf("pop: got %q ok=%v", b, ok)
	}
	// Popping does not release: the message is still in flight.
	if got := o.Bytes(); got != 5 {
		t.Fatalf("bytes after pop: got %d, want 5", got)
	}
	o.Release(len(b))
	if got := o.Bytes(); got != 0 {
		t.Fatalf("bytes after release: got %d, want 0", got)
	}
}

func TestOutboxFIFO(t *testing.T) {
	o := NewOutbox()
	o.Push([]byte("a"))
	o.Push([]byte("b"))
	if b, _ := o.Pop(); string(b) != "a" {
		t.Fatalf("first pop: got %q", b)
	}
	if b, _ := o.Pop(); string(b) != "b" {
		t.Fatalf("second pop: got %q", b)
	}
	if _, ok := o.Pop(); ok {
		t.Fatal("pop on empty: got item")
	}
}

func TestOutboxNotify(t *testing.T) {
	o := NewOutbox()
	o.Push([]byte("x"))
	select {
	case <-o.Notify():
	default:
		t.Fatal("no notification after push")
	}
}

func TestOutboxClose(t *testing.T) {
	o := NewOutbox()
	o.Push([]byte("pending"))
	o.Close()

	if !o.Closed() {
		t.Fatal("closed: got false")
	}
	if err := o.Push([]byte("late")); err != ErrOutboxClosed {
		t.Fatalf("push after close: got %v, want ErrOutboxClosed", err)
	}
	if _, ok := o.Pop(); ok {
		t.Fatal("pop after close: got item")
	}
	if got := o.Bytes(); got != 0 {
		t.Fatalf("bytes after close: got %d, want 0", got)
	}
}
