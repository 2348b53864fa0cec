package transport

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

func TestConnectionStateMachine(t *testing.T) {
	left, right := pipeSessions()
	defer right.Close()

	conn := NewConnection(left)

	if conn.State() != StateInitialized {
		t.Errorf("State() = %v, want StateInitialized", conn.State())
	}

	conn.MarkOpening()
	if conn.State() != StateOpening {
		t.Errorf("State() = %v, want StateOpening", conn.State())
	}

	// MarkOpening is a one-way transition out of Initialized only
	conn.Close()
	conn.MarkOpening()
	if conn.State() != StateClosed {
		t.Errorf("State() = %v, want StateClosed", conn.State())
	}
}

func TestConnectionListenDispatches(t *testing.T) {
	left, right := pipeSessions()
	defer right.Close()

	conn := NewConnection(left)

	frames := make(chan []byte, 2)
	done := make(chan error, 1)
	go func() {
		done <- conn.Listen(func(frame []byte) error {
			frames <- frame
			return nil
		})
	}()

	if err := right.WriteFrame([]byte("one")); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}
	if err := right.WriteFrame([]byte("two")); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}

	for _, want := range [][]byte{[]byte("one"), []byte("two")} {
		select {
		case got := <-frames:
			if !bytes.Equal(got, want) {
				t.Errorf("frame = %q, want %q", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for frame")
		}
	}

	// A deliberate close ends the loop without error
	conn.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Listen() error = %v, want nil after deliberate close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Listen() did not return after close")
	}
}

func TestConnectionListenOnce(t *testing.T) {
	left, right := pipeSessions()
	defer right.Close()

	conn := NewConnection(left)

	go conn.Listen(func([]byte) error { return nil })

	// Give the first Listen a moment to register
	time.Sleep(50 * time.Millisecond)

	if err := conn.Listen(func([]byte) error { return nil }); err != ErrAlreadyListening {
		t.Errorf("second Listen() error = %v, want ErrAlreadyListening", err)
	}

	conn.Close()
}

func TestConnectionWriteAfterClose(t *testing.T) {
	left, right := pipeSessions()
	defer right.Close()

	conn := NewConnection(left)
	conn.Close()

	if err := conn.WriteFrame([]byte("data")); err != ErrConnectionClosed {
		t.Errorf("WriteFrame() error = %v, want ErrConnectionClosed", err)
	}
}

func TestConnectionOnCloseFiresOnce(t *testing.T) {
	left, right := pipeSessions()
	defer right.Close()

	conn := NewConnection(left)

	var mu sync.Mutex
	calls := 0
	conn.OnClose(func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	conn.Close()
	conn.Close()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("onClose fired %d times, want 1", calls)
	}
}

func TestConnectionListenAfterClose(t *testing.T) {
	left, right := pipeSessions()
	defer right.Close()

	conn := NewConnection(left)
	conn.Close()

	if err := conn.Listen(func([]byte) error { return nil }); err != ErrConnectionClosed {
		t.Errorf("Listen() error = %v, want ErrConnectionClosed", err)
	}
}
