package protocol

import (
	"context"
	"net"
	"testing"

	_ "github.com/oriys/lambdo/internal/jsoncodec"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type fakeLambdoApiServer struct {
	registerResp *RegisterResponse
}

func (f *fakeLambdoApiServer) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	return f.registerResp, nil
}

func (f *fakeLambdoApiServer) Status(ctx context.Context, msg *StatusMessage) (*Empty, error) {
	return &Empty{}, nil
}

// TestLambdoApiServiceRoundTrip proves the hand-written grpc.ServiceDesc and
// JSON content-subtype codec actually carry a call over a real listener,
// since there is no protoc-generated stub to lean on.
func TestLambdoApiServiceRoundTrip(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer lis.Close()

	srv := grpc.NewServer()
	RegisterLambdoApiServer(srv, &fakeLambdoApiServer{registerResp: &RegisterResponse{ID: "vm-42"}})
	go srv.Serve(lis)
	defer srv.Stop()

	conn, err := grpc.NewClient(lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	client := NewLambdoApiClient(conn)
	resp, err := client.Register(context.Background(), &RegisterRequest{Port: 9001})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if resp.ID != "vm-42" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	if _, err := client.Status(context.Background(), &StatusMessage{ID: "vm-42", Code: CodeReady}); err != nil {
		t.Fatalf("Status: %v", err)
	}
}
