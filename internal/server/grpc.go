package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alfredjeanlab/huddle/internal/model"
	"github.com/alfredjeanlab/huddle/internal/rpc"
)

// NewGRPCServer creates a gRPC server with standard interceptors,
// registers the Collab service and reflection, and returns the server ready to serve.
func (s *Server) NewGRPCServer() *grpc.Server {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RecoveryInterceptor,
			LoggingInterceptor,
			s.AuthInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			StreamRecoveryInterceptor,
			StreamLoggingInterceptor,
			s.StreamAuthInterceptor(),
		),
	)

	rpc.RegisterCollabServer(srv, &collabServer{s: s})
	reflection.Register(srv)

	return srv
}

type collabServer struct {
	s *Server
}

var _ rpc.CollabServer = (*collabServer)(nil)

func (c *collabServer) Health(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"status": "ok"})
}

// Subscribe relays bus events for one document onto the stream. It ends
// when the client goes away or the bus drops the subscription.
func (c *collabServer) Subscribe(req *structpb.Struct, stream grpc.ServerStream) error {
	documentID := req.GetFields()["documentId"].GetStringValue()
	if documentID == "" {
		return status.Error(codes.InvalidArgument, "documentId is required")
	}

	out := make(chan *model.ChangeEvent, 1)
	sub, err := c.s.bus.Subscribe(documentID, func(ev *model.ChangeEvent) {
		select {
		case out <- ev:
		case <-stream.Context().Done():
		}
	})
	if err != nil {
		return grpcError(err)
	}
	defer sub.Close()

	// Headers go out only now, so a client that has them knows events
	// published from here on will reach it.
	if err := stream.SendHeader(metadata.Pairs(rpc.SubscribedHeader, "true")); err != nil {
		return err
	}

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case <-sub.Done():
			return status.Error(codes.Unavailable, "subscription dropped: "+errString(sub.Err()))
		case ev := <-out:
			msg, err := rpc.EventToStruct(ev)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func errString(err error) string {
	if err == nil {
		return "closed"
	}
	return err.Error()
}
