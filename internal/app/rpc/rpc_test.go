package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/R3E-Network/paychan/internal/errors"
)

// startServer brings up a server on a loopback port and returns it with its
// /rpc endpoint URL.
func startServer(t *testing.T, token string) (*Server, string) {
	t.Helper()
	s := NewServer("127.0.0.1:0", func() string { return token }, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, "http://" + s.Addr() + "/rpc"
}

func TestServer_Dispatch(t *testing.T) {
	s, uri := startServer(t, "tok")
	s.Register("echo", func(_ context.Context, args []json.RawMessage) (interface{}, error) {
		var msg string
		if err := json.Unmarshal(args[0], &msg); err != nil {
			return nil, errors.InvalidFields("bad argument")
		}
		return msg, nil
	})

	client, err := NewClient([]string{uri}, "peer.t.", func() string { return "tok" }, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	result, err := client.Call(context.Background(), "echo", "hello")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var echoed string
	if err := json.Unmarshal(result, &echoed); err != nil || echoed != "hello" {
		t.Fatalf("unexpected result %s (%v)", result, err)
	}

	_, err = client.Call(context.Background(), "no_such_method")
	if !errors.HasName(err, errors.NameMethodNotFound) {
		t.Fatalf("expected MethodNotFoundError, got %v", err)
	}
}

func TestServer_RejectsBadToken(t *testing.T) {
	_, uri := startServer(t, "tok")

	client, err := NewClient([]string{uri}, "peer.t.", func() string { return "wrong" }, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.Call(context.Background(), "echo", "hello")
	if !errors.HasName(err, errors.NameUnauthorized) {
		t.Fatalf("expected UnauthorizedError, got %v", err)
	}
}

func TestClient_Failover(t *testing.T) {
	s, uri := startServer(t, "tok")
	s.Register("ping", func(_ context.Context, _ []json.RawMessage) (interface{}, error) {
		return "pong", nil
	})

	dead := "http://127.0.0.1:1/rpc"
	client, err := NewClient([]string{dead, uri}, "peer.t.", func() string { return "tok" }, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	result, err := client.Call(context.Background(), "ping")
	if err != nil {
		t.Fatalf("failover call: %v", err)
	}
	var pong string
	if err := json.Unmarshal(result, &pong); err != nil || pong != "pong" {
		t.Fatalf("unexpected result %s (%v)", result, err)
	}
}

func TestClient_NoFailoverOnProtocolError(t *testing.T) {
	s1, uri1 := startServer(t, "tok")
	s2, uri2 := startServer(t, "tok")

	s1.Register("op", func(_ context.Context, _ []json.RawMessage) (interface{}, error) {
		return nil, errors.NotAccepted("policy says no")
	})
	answered := false
	s2.Register("op", func(_ context.Context, _ []json.RawMessage) (interface{}, error) {
		answered = true
		return true, nil
	})

	client, err := NewClient([]string{uri1, uri2}, "peer.t.", func() string { return "tok" }, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.Call(context.Background(), "op")
	if !errors.HasName(err, errors.NameNotAccepted) {
		t.Fatalf("expected NotAcceptedError, got %v", err)
	}
	if answered {
		t.Fatal("protocol error must not trigger failover")
	}
}

func TestServer_HealthBypassesAuth(t *testing.T) {
	s, _ := startServer(t, "tok")

	resp, err := http.Get("http://" + s.Addr() + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body["status"] != "ok" {
		t.Fatalf("unexpected health body: %v (%v)", body, err)
	}
}
