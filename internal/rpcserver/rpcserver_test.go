package rpcserver

import (
	"context"
	"net"
	"testing"

	"github.com/oriys/lambdo/internal/fleet"
	"github.com/oriys/lambdo/internal/protocol"
	"google.golang.org/grpc/peer"
)

type fakeAgentClient struct {
	closed int
}

func (f *fakeAgentClient) Execute(ctx context.Context, req protocol.ExecuteRequest) (protocol.ExecuteResponse, error) {
	return protocol.ExecuteResponse{}, nil
}

func (f *fakeAgentClient) Close() error {
	f.closed++
	return nil
}

func ctxWithPeer(ip string) context.Context {
	return peer.NewContext(context.Background(), &peer.Peer{
		Addr: &net.TCPAddr{IP: net.ParseIP(ip), Port: 54321},
	})
}

func TestRegisterResolvesByGuestIP(t *testing.T) {
	registry := fleet.NewRegistry()
	registry.Insert(&fleet.Record{ID: "a", VMOpts: fleet.Opts{GuestIP: "10.0.0.2"}})
	s := New(registry)

	resp, err := s.Register(ctxWithPeer("10.0.0.2"), &protocol.RegisterRequest{Port: 9000})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if resp.ID != "a" || resp.Error != "" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	record, _ := registry.Get("a")
	if record.AgentPort() != 9000 {
		t.Fatalf("expected agent port stored, got %d", record.AgentPort())
	}
}

func TestRegisterNoMatchReturnsErrorField(t *testing.T) {
	registry := fleet.NewRegistry()
	s := New(registry)

	resp, err := s.Register(ctxWithPeer("10.0.0.9"), &protocol.RegisterRequest{Port: 9000})
	if err != nil {
		t.Fatalf("Register should report failures in the body, not as a gRPC error: %v", err)
	}
	if resp.Error == "" {
		t.Fatalf("expected a populated Error field")
	}
}

func TestStatusUnknownIDReturnsNotFound(t *testing.T) {
	registry := fleet.NewRegistry()
	s := New(registry)

	_, err := s.Status(context.Background(), &protocol.StatusMessage{ID: "missing", Code: protocol.CodeRun})
	if err == nil {
		t.Fatalf("expected NotFound error")
	}
}

func TestStatusReadyDialsAgentAndTransitions(t *testing.T) {
	registry := fleet.NewRegistry()
	registry.Insert(&fleet.Record{ID: "a", VMOpts: fleet.Opts{GuestIP: "10.0.0.2"}})
	record, _ := registry.Get("a")
	record.SetAgentPort(9000)
	s := New(registry)

	if _, err := s.Status(context.Background(), &protocol.StatusMessage{ID: "a", Code: protocol.CodeReady}); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if record.Status() != fleet.Ready {
		t.Fatalf("expected record to transition to Ready, got %s", record.Status())
	}
	if record.AgentClient() == nil {
		t.Fatalf("expected an agent client to be set")
	}
}

func TestStatusErrorEndsRecord(t *testing.T) {
	registry := fleet.NewRegistry()
	registry.Insert(&fleet.Record{ID: "a", VMOpts: fleet.Opts{GuestIP: "10.0.0.2"}})
	s := New(registry)

	if _, err := s.Status(context.Background(), &protocol.StatusMessage{ID: "a", Code: protocol.CodeError}); err != nil {
		t.Fatalf("Status: %v", err)
	}
	record, _ := registry.Get("a")
	if record.Status() != fleet.Ended {
		t.Fatalf("expected record ended, got %s", record.Status())
	}
}

func TestStatusErrorClosesAgentClient(t *testing.T) {
	registry := fleet.NewRegistry()
	registry.Insert(&fleet.Record{ID: "a", VMOpts: fleet.Opts{GuestIP: "10.0.0.2"}})
	record, _ := registry.Get("a")
	client := &fakeAgentClient{}
	record.SetAgentClient(client)
	s := New(registry)

	if _, err := s.Status(context.Background(), &protocol.StatusMessage{ID: "a", Code: protocol.CodeError}); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if client.closed != 1 {
		t.Fatalf("expected agent client to be closed exactly once, got %d", client.closed)
	}
}
