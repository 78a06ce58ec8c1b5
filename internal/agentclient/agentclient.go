// Package agentclient is the host-side stub for the in-guest Execute RPC.
//
// Grounded on the teacher's RemoteInvoker pattern: grpc.NewClient with
// insecure transport credentials, a typed wrapper, and explicit error
// wrapping on every call.
package agentclient

import (
	"context"
	"fmt"

	"github.com/oriys/lambdo/internal/jsoncodec"
	"github.com/oriys/lambdo/internal/protocol"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is created once per VM and reused for its lifetime. In the current
// policy each VM serves exactly one request, but the stub itself is
// reusable if that policy changes (DESIGN.md, Open Questions).
type Client struct {
	conn   *grpc.ClientConn
	client protocol.LambdoAgentClient
}

// Dial connects to the agent at http://guestIP:agentPort.
func Dial(guestIP string, agentPort uint32) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", guestIP, agentPort)
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsoncodec.Name)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial agent %s: %w", addr, err)
	}
	return &Client{conn: conn, client: protocol.NewLambdoAgentClient(conn)}, nil
}

// Execute issues the Execute unary RPC. The caller is responsible for
// attaching the 15s deadline to ctx.
func (c *Client) Execute(ctx context.Context, req protocol.ExecuteRequest) (protocol.ExecuteResponse, error) {
	resp, err := c.client.Execute(ctx, &req)
	if err != nil {
		return protocol.ExecuteResponse{}, fmt.Errorf("execute %s: %w", req.ID, err)
	}
	return *resp, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
