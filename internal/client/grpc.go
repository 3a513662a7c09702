package client

import (
	"context"
	"fmt"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/alfredjeanlab/huddle/internal/model"
	"github.com/alfredjeanlab/huddle/internal/rpc"
)

// GRPCStreamer implements Streamer over the Collab gRPC service.
type GRPCStreamer struct {
	conn   *grpc.ClientConn
	client *rpc.CollabClient
	token  string
}

var _ Streamer = (*GRPCStreamer)(nil)

// NewGRPCStreamer connects to the given gRPC address. When token is
// non-empty it is sent as a bearer token on every call.
func NewGRPCStreamer(addr, token string, opts ...grpc.DialOption) (*GRPCStreamer, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	return &GRPCStreamer{
		conn:   conn,
		client: rpc.NewCollabClient(conn),
		token:  token,
	}, nil
}

func (g *GRPCStreamer) Close() error {
	return g.conn.Close()
}

func (g *GRPCStreamer) outgoing(ctx context.Context) context.Context {
	if g.token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+g.token)
}

// Health calls the Health RPC.
func (g *GRPCStreamer) Health(ctx context.Context) (string, error) {
	resp, err := g.client.Health(g.outgoing(ctx))
	if err != nil {
		return "", grpcError("grpc health", err)
	}
	return resp.GetFields()["status"].GetStringValue(), nil
}

// Subscribe opens a Subscribe stream for documentID. The stream lives until
// Close or until ctx is done.
func (g *GRPCStreamer) Subscribe(ctx context.Context, documentID string) (Stream, error) {
	ctx, cancel := context.WithCancel(g.outgoing(ctx))
	stream, err := g.client.Subscribe(ctx, documentID)
	if err != nil {
		cancel()
		return nil, grpcError("grpc subscribe", err)
	}
	return &grpcStream{stream: stream, cancel: cancel}, nil
}

// grpcError maps rejections the server will repeat on every attempt to an
// APIError; everything else is a retryable transport failure.
func grpcError(op string, err error) error {
	st, ok := status.FromError(err)
	if ok {
		switch st.Code() {
		case codes.InvalidArgument:
			return &APIError{StatusCode: http.StatusBadRequest, Message: st.Message()}
		case codes.Unauthenticated:
			return &APIError{StatusCode: http.StatusUnauthorized, Message: st.Message()}
		case codes.PermissionDenied:
			return &APIError{StatusCode: http.StatusForbidden, Message: st.Message()}
		case codes.NotFound:
			return &APIError{StatusCode: http.StatusNotFound, Message: st.Message()}
		}
	}
	return &model.TransportError{Op: op, Err: err}
}

type grpcStream struct {
	stream *rpc.EventStream
	cancel context.CancelFunc
}

func (s *grpcStream) Recv() (*model.ChangeEvent, error) {
	ev, err := s.stream.Recv()
	if err != nil {
		return nil, &model.TransportError{Op: "grpc recv", Err: err}
	}
	return ev, nil
}

func (s *grpcStream) Close() error {
	s.cancel()
	return nil
}
