// Package wire declares gRPC methods without generated stubs. Requests and
// responses travel as msgpack documents inside google.protobuf.BytesValue, so
// services are described by hand-written grpc.ServiceDesc values.
package wire

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Pack encodes v as a BytesValue message.
func Pack(v any) (*wrapperspb.BytesValue, error) {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %T: %w", v, err)
	}
	return wrapperspb.Bytes(raw), nil
}

// Unpack decodes a BytesValue message into v.
func Unpack(m *wrapperspb.BytesValue, v any) error {
	if err := msgpack.Unmarshal(m.GetValue(), v); err != nil {
		return fmt.Errorf("wire: decode %T: %w", v, err)
	}
	return nil
}

// FullMethod returns the gRPC path of a method.
func FullMethod(service, method string) string {
	return "/" + service + "/" + method
}

// Unary declares a unary method served by an S. fn receives the decoded
// request; its error must already be a gRPC status.
func Unary[S any, Req any, Resp any](service, method string, fn func(s S, ctx context.Context, req Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(wrapperspb.BytesValue)
			if err := dec(in); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, m any) (any, error) {
				var req Req
				if err := Unpack(m.(*wrapperspb.BytesValue), &req); err != nil {
					return nil, status.Error(codes.InvalidArgument, err.Error())
				}
				resp, err := fn(srv.(S), ctx, req)
				if err != nil {
					return nil, err
				}
				out, err := Pack(resp)
				if err != nil {
					return nil, status.Error(codes.Internal, err.Error())
				}
				return out, nil
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(service, method)}
			return interceptor(ctx, in, info, call)
		},
	}
}

// Invoke calls a method declared with Unary.
func Invoke[Req any, Resp any](ctx context.Context, conn grpc.ClientConnInterface, service, method string, req Req, opts ...grpc.CallOption) (Resp, error) {
	var resp Resp
	in, err := Pack(req)
	if err != nil {
		return resp, err
	}
	out := new(wrapperspb.BytesValue)
	if err := conn.Invoke(ctx, FullMethod(service, method), in, out, opts...); err != nil {
		return resp, err
	}
	if err := Unpack(out, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// Empty is the request or response of a method without parameters.
type Empty struct{}
