package transport

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func wsTestServer(t *testing.T, handler func(*WebSocketSession)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := Upgrade(w, r, time.Second)
		if err != nil {
			t.Errorf("Upgrade() error = %v", err)
			return
		}
		handler(sess)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebSocketSessionFrameRoundtrip(t *testing.T) {
	srv := wsTestServer(t, func(sess *WebSocketSession) {
		defer sess.Close()
		for {
			frame, err := sess.ReadFrame()
			if err != nil {
				return
			}
			if err := sess.WriteFrame(frame); err != nil {
				return
			}
		}
	})

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	sess, err := DialWebSocket(url, time.Second)
	if err != nil {
		t.Fatalf("DialWebSocket() error = %v", err)
	}
	defer sess.Close()

	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "small frame", payload: []byte("hello")},
		{name: "binary frame", payload: []byte{0x00, 0xFF, 0x01}},
		{name: "large frame", payload: bytes.Repeat([]byte("W"), 256*1024)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := sess.WriteFrame(tt.payload); err != nil {
				t.Fatalf("WriteFrame() error = %v", err)
			}

			echoed, err := sess.ReadFrame()
			if err != nil {
				t.Fatalf("ReadFrame() error = %v", err)
			}
			if !bytes.Equal(echoed, tt.payload) {
				t.Error("echoed frame mismatch")
			}
		})
	}
}

func TestWebSocketSessionCloseIdempotent(t *testing.T) {
	srv := wsTestServer(t, func(sess *WebSocketSession) {
		sess.ReadFrame()
		sess.Close()
	})

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	sess, err := DialWebSocket(url, time.Second)
	if err != nil {
		t.Fatalf("DialWebSocket() error = %v", err)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	if err := sess.WriteFrame([]byte("data")); err != ErrSessionClosed {
		t.Errorf("WriteFrame() after close error = %v, want ErrSessionClosed", err)
	}
}
