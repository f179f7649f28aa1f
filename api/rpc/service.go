package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const (
	masterServiceName  = "twopc.Master"
	replicaServiceName = "twopc.Replica"
)

// MasterServer is the server API of the twopc.Master service.
type MasterServer interface {
	Put(context.Context, *PutRequest) (*AckResponse, error)
	Delete(context.Context, *DeleteRequest) (*AckResponse, error)
	Get(context.Context, *GetRequest) (*GetResponse, error)
	TransactionState(context.Context, *TxnRequest) (*StateResponse, error)
}

// ReplicaServer is the server API of the twopc.Replica service.
type ReplicaServer interface {
	Put(context.Context, *PutRequest) (*AckResponse, error)
	Delete(context.Context, *DeleteRequest) (*AckResponse, error)
	Get(context.Context, *GetRequest) (*GetResponse, error)
	VoteReq(context.Context, *TxnRequest) (*AckResponse, error)
	Commit(context.Context, *TxnRequest) (*AckResponse, error)
	Abort(context.Context, *TxnRequest) (*AckResponse, error)
}

// unaryHandler adapts a typed method to grpc.MethodHandler, the shape
// protoc-gen-go-grpc would generate for it.
func unaryHandler[S any, Req any, Resp any](service, method string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	name := fullMethod(service, method)
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: name}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var masterServiceDesc = grpc.ServiceDesc{
	ServiceName: masterServiceName,
	HandlerType: (*MasterServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(masterServiceName, "Put", MasterServer.Put),
		unaryHandler(masterServiceName, "Delete", MasterServer.Delete),
		unaryHandler(masterServiceName, "Get", MasterServer.Get),
		unaryHandler(masterServiceName, "TransactionState", MasterServer.TransactionState),
	},
	Metadata: "twopc/master",
}

var replicaServiceDesc = grpc.ServiceDesc{
	ServiceName: replicaServiceName,
	HandlerType: (*ReplicaServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(replicaServiceName, "Put", ReplicaServer.Put),
		unaryHandler(replicaServiceName, "Delete", ReplicaServer.Delete),
		unaryHandler(replicaServiceName, "Get", ReplicaServer.Get),
		unaryHandler(replicaServiceName, "VoteReq", ReplicaServer.VoteReq),
		unaryHandler(replicaServiceName, "Commit", ReplicaServer.Commit),
		unaryHandler(replicaServiceName, "Abort", ReplicaServer.Abort),
	},
	Metadata: "twopc/replica",
}

// RegisterMasterServer registers srv as the twopc.Master service on s.
func RegisterMasterServer(s grpc.ServiceRegistrar, srv MasterServer) {
	s.RegisterService(&masterServiceDesc, srv)
}

// RegisterReplicaServer registers srv as the twopc.Replica service on s.
func RegisterReplicaServer(s grpc.ServiceRegistrar, srv ReplicaServer) {
	s.RegisterService(&replicaServiceDesc, srv)
}

func fullMethod(service, method string) string {
	return "/" + service + "/" + method
}
