// Package rpcserver implements the host-side LambdoApi gRPC service: the
// agent-initiated Register and Status calls.
package rpcserver

import (
	"context"
	"fmt"
	"net"

	"github.com/oriys/lambdo/internal/agentclient"
	"github.com/oriys/lambdo/internal/fleet"
	"github.com/oriys/lambdo/internal/logging"
	"github.com/oriys/lambdo/internal/protocol"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// Server implements protocol.LambdoApiServer against a fleet registry.
type Server struct {
	registry *fleet.Registry
	server   *grpc.Server
}

func New(registry *fleet.Registry) *Server {
	return &Server{registry: registry}
}

// Start listens on addr and serves until Stop is called.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	s.server = grpc.NewServer()
	protocol.RegisterLambdoApiServer(s.server, s)

	go func() {
		logging.Op().Info("rpcserver listening", "addr", addr)
		if err := s.server.Serve(lis); err != nil {
			logging.Op().Error("rpcserver stopped", "error", err)
		}
	}()
	return nil
}

func (s *Server) Stop() {
	if s.server != nil {
		s.server.GracefulStop()
	}
}

// Register resolves the caller's source IPv4 and stores its agent port on
// the matching record.
func (s *Server) Register(ctx context.Context, req *protocol.RegisterRequest) (*protocol.RegisterResponse, error) {
	ip, err := sourceIPv4(ctx)
	if err != nil {
		return &protocol.RegisterResponse{Error: err.Error()}, nil
	}

	record, err := s.registry.FindByGuestIP(ip)
	if err != nil {
		return &protocol.RegisterResponse{Error: err.Error()}, nil
	}

	record.SetAgentPort(req.Port)
	return &protocol.RegisterResponse{ID: record.ID}, nil
}

// Status applies an agent-reported code to the record named by id.
//
// The agent always sends Register before its first Status(Ready), but the
// server tolerates the reverse: a record lookup miss here just means the
// agent's own retry loop (up to 10 attempts, 500ms backoff) will catch up.
func (s *Server) Status(ctx context.Context, msg *protocol.StatusMessage) (*protocol.Empty, error) {
	record, ok := s.registry.Get(msg.ID)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "vm not found: %s", msg.ID)
	}

	switch msg.Code {
	case protocol.CodeReady:
		client, err := agentclient.Dial(record.VMOpts.GuestIP, record.AgentPort())
		if err != nil {
			logging.Op().Warn("agent dial failed, ending vm", "vm_id", record.ID, "error", err)
			_ = s.registry.Transition(record.ID, fleet.Ended)
			return &protocol.Empty{}, nil
		}
		record.SetAgentClient(client)
		if err := s.registry.Transition(record.ID, fleet.Ready); err != nil {
			logging.Op().Warn("ready transition rejected", "vm_id", record.ID, "error", err)
		}
	case protocol.CodeError:
		_ = s.registry.Transition(record.ID, fleet.Ended)
		if client := record.AgentClient(); client != nil {
			if err := client.Close(); err != nil {
				logging.Op().Warn("agent client close failed", "vm_id", record.ID, "error", err)
			}
		}
	case protocol.CodeRun:
		// informational only
	}
	return &protocol.Empty{}, nil
}

func sourceIPv4(ctx context.Context) (string, error) {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "", fmt.Errorf("no VM for this IP")
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		host = p.Addr.String()
	}
	if net.ParseIP(host) == nil {
		return "", fmt.Errorf("no VM for this IP")
	}
	return host, nil
}
