package rpc

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestHub_BroadcastToSubscriber(t *testing.T) {
	s, _ := startServer(t, "tok")

	header := http.Header{}
	header.Set("Authorization", "Bearer tok")
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/events", header)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer conn.Close()

	// The subscriber registration races the broadcast; retry briefly.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			s.Hub().Broadcast("outgoing_prepare", map[string]string{"id": "x"})
			select {
			case <-ticker.C:
			case <-stop:
				return
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame struct {
		Event   string            `json:"event"`
		Payload map[string]string `json:"payload"`
	}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}

	if frame.Event != "outgoing_prepare" || frame.Payload["id"] != "x" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}

func TestHub_RejectsUnauthenticated(t *testing.T) {
	s, _ := startServer(t, "tok")

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/events", nil)
	if err == nil {
		t.Fatal("unauthenticated events subscription accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func TestServer_StopClosesHub(t *testing.T) {
	s := NewServer("127.0.0.1:0", func() string { return "tok" }, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer tok")
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/events", header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection should be closed after server stop")
	}
}
