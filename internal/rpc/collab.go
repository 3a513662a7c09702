// Package rpc defines the huddle.v1.Collab gRPC service. Messages are
// google.protobuf.Struct values carrying the same JSON documents the HTTP
// API serves, so no generated message types are needed.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alfredjeanlab/huddle/internal/model"
)

const (
	ServiceName = "huddle.v1.Collab"

	HealthMethod    = "/huddle.v1.Collab/Health"
	SubscribeMethod = "/huddle.v1.Collab/Subscribe"

	// SubscribedHeader is set in the Subscribe response headers once the
	// server is delivering events for the document.
	SubscribedHeader = "huddle-subscribed"
)

// CollabServer is the server API for the Collab service.
type CollabServer interface {
	// Health reports server liveness.
	Health(context.Context, *structpb.Struct) (*structpb.Struct, error)

	// Subscribe streams change events for the document named by the
	// request's "documentId" field until the client goes away.
	Subscribe(*structpb.Struct, grpc.ServerStream) error
}

// ServiceDesc is the grpc.ServiceDesc for the Collab service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CollabServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Health",
			Handler:    healthHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "huddle/v1/collab.proto",
}

// RegisterCollabServer registers srv on s.
func RegisterCollabServer(s grpc.ServiceRegistrar, srv CollabServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func healthHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CollabServer).Health(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: HealthMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CollabServer).Health(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(CollabServer).Subscribe(in, stream)
}

// CollabClient is the client API for the Collab service.
type CollabClient struct {
	cc grpc.ClientConnInterface
}

// NewCollabClient returns a client on cc.
func NewCollabClient(cc grpc.ClientConnInterface) *CollabClient {
	return &CollabClient{cc: cc}
}

// Health calls Collab.Health.
func (c *CollabClient) Health(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, HealthMethod, &structpb.Struct{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Subscribe opens a Collab.Subscribe stream for documentID.
func (c *CollabClient) Subscribe(ctx context.Context, documentID string, opts ...grpc.CallOption) (*EventStream, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], SubscribeMethod, opts...)
	if err != nil {
		return nil, err
	}
	req, err := structpb.NewStruct(map[string]any{"documentId": documentID})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	// The server sends headers once its bus subscription exists. A stream
	// that ends first carries the rejection as its status.
	md, err := stream.Header()
	if err != nil {
		return nil, err
	}
	if len(md.Get(SubscribedHeader)) == 0 {
		err := stream.RecvMsg(new(structpb.Struct))
		if err == nil || errors.Is(err, io.EOF) {
			err = status.Error(codes.Unavailable, "stream ended before subscribing")
		}
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}

// EventStream reads change events from a Subscribe stream.
type EventStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event.
func (s *EventStream) Recv() (*model.ChangeEvent, error) {
	msg := new(structpb.Struct)
	if err := s.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return StructToEvent(msg)
}

// EventToStruct converts ev to its wire message.
func EventToStruct(ev *model.ChangeEvent) (*structpb.Struct, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshaling event: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	return structpb.NewStruct(fields)
}

// StructToEvent converts a wire message back to a change event.
func StructToEvent(msg *structpb.Struct) (*model.ChangeEvent, error) {
	data, err := protojson.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling message: %w", err)
	}
	var ev model.ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	return &ev, nil
}
