package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"orbitcut/server/internal/proto"
	"orbitcut/server/internal/session"
)

func TestOpenSubstreamWithoutRegisteredConnReturnsError(t *testing.T) {
	h := NewHandler(Config{})
	if _, err := h.OpenSubstream(context.Background(), "unknown-peer"); err != errNoConnection {
		t.Fatalf("got err=%v, want errNoConnection", err)
	}
}

func TestServeHTTPUpgradesAndFeedsFramesToSession(t *testing.T) {
	h := NewHandler(Config{})
	var fed []string
	manager := session.NewManager(h, nil,
		func(client string, frame []byte) { fed = append(fed, string(frame)) },
		nil,
	)
	h.AttachManager(manager)

	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.BinaryMessage, proto.FrameBytes([]byte("frame-bytes"))); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(fed) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if len(fed) != 1 || fed[0] != "frame-bytes" {
		t.Fatalf("got fed=%v, want the one decoded frame payload handed to the session", fed)
	}
}
