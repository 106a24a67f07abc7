package server

// ============================================================================
// pregen.v1.Pregen 服務描述
//
// 沒有 .proto 產生碼；請求與回應都是 google.protobuf.Struct，
// 欄位名稱與 REST API 的 JSON 相同。
// ============================================================================

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName 完整服務名稱（health check 也用這個名稱）
const ServiceName = "pregen.v1.Pregen"

// RPC 方法名稱
const (
	MethodStart  = "Start"
	MethodPause  = "Pause"
	MethodCancel = "Cancel"
	MethodStatus = "Status"
	MethodList   = "List"
)

// PregenServer 控制服務需要實作的方法
type PregenServer interface {
	Start(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Pause(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	List(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(PregenServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PregenServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodStart, PregenServer.Start),
		unary(MethodPause, PregenServer.Pause),
		unary(MethodCancel, PregenServer.Cancel),
		unary(MethodStatus, PregenServer.Status),
		unary(MethodList, PregenServer.List),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pregen/v1/pregen.proto",
}

// Register 在 gRPC server 上註冊控制服務
func Register(s grpc.ServiceRegistrar, srv PregenServer) {
	s.RegisterService(&serviceDesc, srv)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unary(method string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(PregenServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(PregenServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
