// Package rpc is the thin gRPC seam between nodes, and between a node
// and whatever out-of-scope worker or CLI submits intents to it: a
// peer asks the current Raft leader to add it as a voter (Join), and
// a caller hands the coordinator an intent document to execute
// (SubmitIntent); ListNodes and ListFaults read cluster state back.
// Every message on the wire is a
// google.golang.org/protobuf/types/known/structpb.Struct rather than a
// dedicated generated type, since this seam has no .proto of its own
// to compile; the service descriptor and handler wrappers below follow
// the exact shape protoc-gen-go-grpc would emit for a four-method
// service, just addressed at a generic envelope instead of bespoke
// request/response messages.
package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "vircored.rpc.Coordinator"

// CoordinatorServer is the interface a node's rpc.Server implements and
// a ClientConn's generated stub calls into, mirroring the
// Server/Client pair protoc-gen-go-grpc produces for a service with
// Join, SubmitIntent, ListNodes and ListFaults RPCs.
type CoordinatorServer interface {
	Join(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	SubmitIntent(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ListNodes(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ListFaults(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc registers CoordinatorServer on a *grpc.Server the same
// way a generated _ServiceDesc would.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Join", Handler: _Coordinator_Join_Handler},
		{MethodName: "SubmitIntent", Handler: _Coordinator_SubmitIntent_Handler},
		{MethodName: "ListNodes", Handler: _Coordinator_ListNodes_Handler},
		{MethodName: "ListFaults", Handler: _Coordinator_ListFaults_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/rpc/rpc.go",
}

func _Coordinator_Join_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServer).Join(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Join"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CoordinatorServer).Join(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _Coordinator_SubmitIntent_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServer).SubmitIntent(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/SubmitIntent"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CoordinatorServer).SubmitIntent(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _Coordinator_ListNodes_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServer).ListNodes(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ListNodes"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CoordinatorServer).ListNodes(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _Coordinator_ListFaults_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServer).ListFaults(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ListFaults"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CoordinatorServer).ListFaults(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// invoke is the client-side counterpart of the handler funcs
// above: it builds the envelope, calls cc.Invoke, and unwraps the reply.
func invoke(ctx context.Context, cc grpc.ClientConnInterface, method string, fields map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}
